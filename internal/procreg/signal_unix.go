//go:build !windows

package procreg

import (
	"errors"

	"golang.org/x/sys/unix"
)

// processAlive reports whether pid exists and is not a zombie.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	return !isZombie(pid)
}

// processGroup returns the group of pid, or 0 when it is unknown or shared
// with this process. Signalling our own group would take the host down too.
func processGroup(pid int) int {
	pgid, err := unix.Getpgid(pid)
	if err != nil || pgid <= 0 {
		return 0
	}
	if pgid == unix.Getpgrp() {
		return 0
	}
	return pgid
}

func signalGraceful(pid, pgid int) error {
	return sendSignal(pid, pgid, unix.SIGTERM)
}

func signalForceful(pid, pgid int) error {
	return sendSignal(pid, pgid, unix.SIGKILL)
}

func sendSignal(pid, pgid int, sig unix.Signal) error {
	if pgid > 0 {
		if err := unix.Kill(-pgid, sig); err == nil || !errors.Is(err, unix.ESRCH) {
			return err
		}
	}
	err := unix.Kill(pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
