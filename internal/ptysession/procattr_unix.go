//go:build unix && !linux

package ptysession

import "syscall"

// sessionAttrs puts the child in its own session with the PTY as controlling
// terminal. Pdeathsig is Linux-only; elsewhere orphans are left to the
// process registry's stale sweep.
func sessionAttrs(stdinPipe bool) *syscall.SysProcAttr {
	ctty := 0
	if stdinPipe {
		ctty = 1
	}
	return &syscall.SysProcAttr{Setsid: true, Setctty: true, Ctty: ctty}
}
