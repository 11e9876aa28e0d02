package domain

import "errors"

var (
	// ErrKeyConflict is returned when a start request targets a key already
	// locked by a non-terminal session.
	ErrKeyConflict = errors.New("policy key locked by another session")

	// ErrInvalidState is returned when an operation is not valid for the
	// session's current status.
	ErrInvalidState = errors.New("operation invalid for session state")

	ErrSessionNotFound = errors.New("session not found")
	ErrJobNotFound     = errors.New("scheduled job not found")

	// ErrRemoteUnavailable marks transient policy store failures. The applier
	// retries these within its budget.
	ErrRemoteUnavailable = errors.New("policy store unavailable")

	// ErrRemoteRejected marks permanent per-key failures (unknown id, invalid
	// value). Never retried.
	ErrRemoteRejected = errors.New("policy store rejected request")
)
