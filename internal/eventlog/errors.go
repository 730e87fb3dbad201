package eventlog

import "errors"

var (
	// ErrInvalidSessionID is returned for empty ids or ids that are not a
	// single path element.
	ErrInvalidSessionID = errors.New("invalid session id")
	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("event log store is closed")
)
