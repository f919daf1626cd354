package service

import "errors"

var (
	// ErrInvalidArgument is returned by Submit when the request cannot
	// possibly produce work (no references supplied, or none resolved).
	ErrInvalidArgument = errors.New("invalid argument")
)

// Upstream failures are classified by the mail source into a small set of
// kinds the worker acts on. Anything not recognizably fatal is transient:
// the queue's own redelivery decides whether the task runs again.
var (
	// ErrCredentialInvalid: the credential pair is no longer usable. The
	// owning account must re-authenticate; never retried.
	ErrCredentialInvalid = errors.New("mail source credentials invalid")

	// ErrRateLimited: the upstream (or our own request ceiling) pushed back.
	ErrRateLimited = errors.New("mail source rate limited")

	// ErrTransient: network failure, momentary 5xx, call timeout.
	ErrTransient = errors.New("mail source transient failure")

	// ErrMalformedItem: the upstream returned an item we could not parse.
	ErrMalformedItem = errors.New("mail source returned malformed item")
)
