package ptysession

import (
	"io"
	"time"
)

// ptyHandle abstracts the master side of a pseudo-terminal across Unix
// (creack/pty) and Windows (ConPTY).
type ptyHandle interface {
	io.WriteCloser
	// ReadTimeout waits up to timeout for output. It returns (0, nil) when
	// nothing arrived and io.EOF once the slave side is gone.
	ReadTimeout(b []byte, timeout time.Duration) (int, error)
	Resize(cols, rows uint16) error
}

// spawnRequest is the platform-neutral description of a child process.
type spawnRequest struct {
	argv      []string
	dir       string
	env       []string
	cols      uint16
	rows      uint16
	stdinPipe bool
}

// spawned is a started child attached to a pseudo-terminal.
type spawned struct {
	pty   ptyHandle
	pid   int
	stdin io.WriteCloser // nil unless stdinPipe was requested
	// wait reaps the child and returns its classified exit code: the exit
	// status, -signal when killed by a signal, -1 when unknown.
	wait func() int
}
