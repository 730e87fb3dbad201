package ptysession

import "errors"

var (
	// ErrPtyUnavailable is returned when the platform has no pseudo-terminal support.
	ErrPtyUnavailable = errors.New("pseudo-terminal not available on this platform")
	// ErrSessionNotFound is returned for unknown stream ids.
	ErrSessionNotFound = errors.New("pty session not found")
	// ErrEmptyCommand is returned when Start is called without a command.
	ErrEmptyCommand = errors.New("command is required")
)
