package storage

import "errors"

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicateEvent is returned when a trade event with the same
	// (trade_id, pattern_key, action_category) was already appended.
	ErrDuplicateEvent = errors.New("storage: duplicate trade event")
	// ErrInvalidInput is returned when a record fails basic validation.
	ErrInvalidInput = errors.New("storage: invalid input")
)
