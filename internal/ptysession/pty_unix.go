//go:build unix

package ptysession

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// unixPTY wraps the master side of a Unix PTY. The descriptor is switched to
// blocking mode once and then read through poll so the read loop can wake
// up on a timeout.
type unixPTY struct {
	f  *os.File
	fd int
}

func (p *unixPTY) Write(b []byte) (int, error) { return p.f.Write(b) }
func (p *unixPTY) Close() error                { return p.f.Close() }

func (p *unixPTY) Resize(cols, rows uint16) error {
	return pty.Setsize(p.f, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *unixPTY) ReadTimeout(b []byte, timeout time.Duration) (int, error) {
	fds := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	re := fds[0].Revents
	if re&unix.POLLIN == 0 && re&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
		return 0, io.EOF
	}
	r, err := unix.Read(p.fd, b)
	switch {
	case err == nil && r == 0:
		return 0, io.EOF
	case errors.Is(err, unix.EIO), errors.Is(err, unix.EBADF):
		// Linux reports EIO on the master once every slave fd is closed.
		return 0, io.EOF
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return 0, nil
	case err != nil:
		return 0, err
	}
	return r, nil
}

// spawnPTY starts the command on a fresh PTY as a session leader, so the
// child's pid is also its process group id and the PTY is its controlling
// terminal.
func spawnPTY(req spawnRequest) (*spawned, error) {
	ptmx, tty, err := pty.Open()
	if err != nil {
		if errors.Is(err, pty.ErrUnsupported) {
			return nil, ErrPtyUnavailable
		}
		return nil, fmt.Errorf("open pty: %w", err)
	}
	defer func() { _ = tty.Close() }()

	if err := pty.Setsize(ptmx, &pty.Winsize{Cols: req.cols, Rows: req.rows}); err != nil {
		_ = ptmx.Close()
		return nil, fmt.Errorf("set pty size: %w", err)
	}

	cmd := exec.Command(req.argv[0], req.argv[1:]...)
	cmd.Dir = req.dir
	cmd.Env = req.env
	cmd.Stdout = tty
	cmd.Stderr = tty
	cmd.SysProcAttr = sessionAttrs(req.stdinPipe)

	var stdin io.WriteCloser
	if req.stdinPipe {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			_ = ptmx.Close()
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
	} else {
		cmd.Stdin = tty
	}

	if err := cmd.Start(); err != nil {
		_ = ptmx.Close()
		return nil, err
	}

	return &spawned{
		pty:   &unixPTY{f: ptmx, fd: int(ptmx.Fd())},
		pid:   cmd.Process.Pid,
		stdin: stdin,
		wait: func() int {
			_ = cmd.Wait()
			return classifyExit(cmd.ProcessState)
		},
	}, nil
}

func classifyExit(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return -1
	}
	switch {
	case ws.Exited():
		return ws.ExitStatus()
	case ws.Signaled():
		return -int(ws.Signal())
	}
	return -1
}

func terminateGroup(pid int) error { return signalGroup(pid, unix.SIGTERM) }
func killGroup(pid int) error      { return signalGroup(pid, unix.SIGKILL) }

// notifyResize delivers SIGWINCH to the foreground group so full-screen
// programs redraw at the new size.
func notifyResize(pid int) error { return signalGroup(pid, unix.SIGWINCH) }

func signalGroup(pid int, sig unix.Signal) error {
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(pid, sig)
	}
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
