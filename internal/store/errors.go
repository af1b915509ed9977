package store

import "errors"

var (
	// ErrCorrupt indicates an existing document failed to parse.
	// This is fatal for the containing operation; callers must surface it.
	ErrCorrupt = errors.New("document is corrupt")

	// ErrLockContention indicates a lock could not be acquired within the
	// retry budget.
	ErrLockContention = errors.New("lock contention")

	// ErrNotFound indicates the requested document does not exist.
	ErrNotFound = errors.New("document not found")
)
