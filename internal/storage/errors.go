package storage

import "errors"

var (
	// ErrBusy means the per-world writer gate could not be acquired
	// within the configured busy timeout. Retryable.
	ErrBusy = errors.New("storage busy")

	// ErrCorrupt means the backing database file is unreadable. The
	// store is unusable; callers degrade that world to memory-only.
	ErrCorrupt = errors.New("storage corrupt")

	// ErrSchemaMismatch means the bootstrap schema conflicts with an
	// existing table shape. Fatal for the affected world only.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("storage closed")
)
