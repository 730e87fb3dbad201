//go:build windows

package ptysession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/UserExistsError/conpty"
)

// windowsPTY wraps a ConPTY pseudo-console. ConPTY reads block without a
// timeout, so a pump goroutine feeds chunks through a channel.
type windowsPTY struct {
	cpty   *conpty.ConPty
	chunks chan []byte
	errc   chan error
}

func newWindowsPTY(cpty *conpty.ConPty) *windowsPTY {
	p := &windowsPTY{cpty: cpty, chunks: make(chan []byte, 16), errc: make(chan error, 1)}
	go p.pump()
	return p
}

func (p *windowsPTY) pump() {
	for {
		buf := make([]byte, readChunkSize)
		n, err := p.cpty.Read(buf)
		if n > 0 {
			p.chunks <- buf[:n]
		}
		if err != nil {
			p.errc <- err
			close(p.chunks)
			return
		}
	}
}

func (p *windowsPTY) ReadTimeout(b []byte, timeout time.Duration) (int, error) {
	select {
	case chunk, ok := <-p.chunks:
		if !ok {
			return 0, io.EOF
		}
		return copy(b, chunk), nil
	case <-time.After(timeout):
		return 0, nil
	}
}

func (p *windowsPTY) Write(b []byte) (int, error) { return p.cpty.Write(b) }
func (p *windowsPTY) Close() error                { return p.cpty.Close() }

func (p *windowsPTY) Resize(cols, rows uint16) error {
	return p.cpty.Resize(int(cols), int(rows))
}

// spawnPTY starts the command through ConPTY. ConPTY has no separate stdin
// channel, so stdin-pipe mode writes to the console input instead and
// closing input sends an end-of-file keystroke.
func spawnPTY(req spawnRequest) (*spawned, error) {
	args := make([]string, len(req.argv))
	for i, a := range req.argv {
		args[i] = syscall.EscapeArg(a)
	}
	opts := []conpty.ConPtyOption{conpty.ConPtyDimensions(int(req.cols), int(req.rows))}
	if req.dir != "" {
		opts = append(opts, conpty.ConPtyWorkDir(req.dir))
	}
	if req.env != nil {
		opts = append(opts, conpty.ConPtyEnv(req.env))
	}

	cpty, err := conpty.Start(strings.Join(args, " "), opts...)
	if err != nil {
		if errors.Is(err, conpty.ErrConPtyUnsupported) {
			return nil, ErrPtyUnavailable
		}
		return nil, fmt.Errorf("start conpty: %w", err)
	}

	p := newWindowsPTY(cpty)
	sp := &spawned{
		pty: p,
		pid: int(cpty.Pid()),
		wait: func() int {
			code, err := cpty.Wait(context.Background())
			if err != nil {
				return -1
			}
			return int(code)
		},
	}
	if req.stdinPipe {
		sp.stdin = &consoleInput{cpty: cpty}
	}
	return sp, nil
}

type consoleInput struct {
	cpty *conpty.ConPty
}

func (c *consoleInput) Write(b []byte) (int, error) { return c.cpty.Write(b) }
func (c *consoleInput) Close() error {
	_, err := c.cpty.Write([]byte{0x1a, '\r'})
	return err
}

func terminateGroup(pid int) error {
	return exec.Command("taskkill", "/T", "/PID", strconv.Itoa(pid)).Run()
}

func killGroup(pid int) error {
	return exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).Run()
}

// notifyResize is a no-op: ConPTY forwards the resize to the console itself.
func notifyResize(int) error { return nil }
