package procreg

import "errors"

var (
	// ErrLockTimeout is returned when the pidfile lock cannot be acquired in time.
	ErrLockTimeout = errors.New("timed out acquiring process registry lock")
	// ErrInvalidPID is returned when registering a non-positive pid.
	ErrInvalidPID = errors.New("invalid pid")
)
