package ledger

import "errors"

// Ledger errors.
var (
	// ErrSerialization means the payload could not be canonically encoded.
	// Fatal for the single event being processed; nothing is persisted.
	ErrSerialization = errors.New("ledger: payload not canonically encodable")

	// ErrConflict means an append lost the race for its sequence slot.
	// Recoverable; Append retries transparently up to a bounded count
	// before surfacing it.
	ErrConflict = errors.New("ledger: append conflict")

	// ErrEmptyEventType means the caller supplied no event type.
	ErrEmptyEventType = errors.New("ledger: event type required")

	// ErrNotFound means the requested block does not exist.
	ErrNotFound = errors.New("ledger: block not found")
)
