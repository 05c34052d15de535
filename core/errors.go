package core

import "errors"

// Error kinds. These are sentinels, not concrete types: callers match with
// errors.Is against the returned error, which is usually wrapped with
// positional context via fmt.Errorf("...: %w", ...).
var (
	// ErrCorrupt covers CRC mismatch, a truncated record, varint overflow, a
	// missing separator in a hint value, and an unparseable segment stem.
	ErrCorrupt = errors.New("corrupt")

	// ErrInvariant indicates an internal invariant was violated — a bug,
	// not a user error. Callers should treat it as a crash candidate.
	ErrInvariant = errors.New("invariant violated")

	// ErrAlreadyExists is returned when creating a segment file that
	// already exists on disk, which signals a race on rotation.
	ErrAlreadyExists = errors.New("segment already exists")

	// ErrImmutable is returned when an append is attempted against a
	// segment that is not the active (mutable) one.
	ErrImmutable = errors.New("segment is immutable")

	// ErrNotFound is the internal locator-miss error: a RecordIndex names a
	// segment the directory doesn't know about. It signals a bug, not a
	// missing key; see ErrKeyNotFound for the user-facing read miss.
	ErrNotFound = errors.New("segment not found")

	// ErrKeyNotFound is returned by Database.Read when the key is absent
	// from the live index.
	ErrKeyNotFound = errors.New("key not found")
)
