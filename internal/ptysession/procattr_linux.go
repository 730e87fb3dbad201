//go:build linux

package ptysession

import "syscall"

// sessionAttrs puts the child in its own session with the PTY as controlling
// terminal. Pdeathsig makes sure an agent does not outlive a crashed host.
// Ctty is the child fd that holds the tty: stdout when stdin is a pipe.
func sessionAttrs(stdinPipe bool) *syscall.SysProcAttr {
	ctty := 0
	if stdinPipe {
		ctty = 1
	}
	return &syscall.SysProcAttr{
		Setsid:    true,
		Setctty:   true,
		Ctty:      ctty,
		Pdeathsig: syscall.SIGTERM,
	}
}
