package entries

import "errors"

// Map-level error kinds. Callers match them with errors.Is; higher layers
// wrap them with context.
var (
	// ErrIllegalArgument reports a missing or invalid key or value.
	ErrIllegalArgument = errors.New("entries: illegal argument")
	// ErrEntryNotFound reports that the key holds no live value.
	ErrEntryNotFound = errors.New("entries: entry not found")
	// ErrEntryExists is returned by Create when the key already holds a value.
	ErrEntryExists = errors.New("entries: entry exists")
	// ErrConcurrentModification reports an update rejected by the version check.
	ErrConcurrentModification = errors.New("entries: concurrent modification")
	// ErrEntryUpdated reports that a tracked entry changed while the caller
	// was waiting on a remote operation; the local change was not applied.
	ErrEntryUpdated = errors.New("entries: entry updated while tracked")
	// ErrInvalidDelta reports that a delta could not be applied and the
	// full value is needed.
	ErrInvalidDelta = errors.New("entries: invalid delta")
	// ErrOverflow reports a failure of the overflow store during eviction.
	ErrOverflow = errors.New("entries: overflow store failure")
	// ErrClosed is returned by mutating calls after Close.
	ErrClosed = errors.New("entries: map closed")
)
