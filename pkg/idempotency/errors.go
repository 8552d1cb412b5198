package idempotency

import "errors"

// Sentinel errors for the idempotency package.
var (
	// ErrConflict is returned by Remember when the key already maps to a
	// different request.
	ErrConflict = errors.New("idempotency: key bound to another request")

	// ErrClosed is returned when writing to a closed ledger.
	ErrClosed = errors.New("idempotency: ledger closed")
)
