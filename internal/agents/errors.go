package agents

import "errors"

var (
	// ErrUnknownAccount is returned when an account name is not configured.
	ErrUnknownAccount = errors.New("unknown account")

	// ErrInvalidProviderFile is returned when a provider override file cannot be parsed.
	ErrInvalidProviderFile = errors.New("invalid provider file")
)
