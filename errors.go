package conductor

import "errors"

var (
	// Lifecycle errors.
	ErrNoModule       = errors.New("conductor: no compute module configured")
	ErrNotStarted     = errors.New("conductor: not started")
	ErrAlreadyStarted = errors.New("conductor: already started")

	// ErrThreadingUnsupported is returned by ActivateThreading when the
	// environment or the module build lacks a threading prerequisite.
	ErrThreadingUnsupported = errors.New("conductor: threading not supported in this environment")
)
