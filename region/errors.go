package region

import (
	"errors"

	"github.com/IvanBrykalov/gridclient/entries"
)

// Error kinds of region operations. Map-level kinds are shared with package
// entries so that errors.Is works across layers.
var (
	ErrIllegalArgument        = entries.ErrIllegalArgument
	ErrEntryNotFound          = entries.ErrEntryNotFound
	ErrEntryExists            = entries.ErrEntryExists
	ErrConcurrentModification = entries.ErrConcurrentModification

	// ErrRegionDestroyed is returned by every operation on a destroyed or
	// closed region.
	ErrRegionDestroyed = errors.New("region: destroyed")
	// ErrTimeout reports that the remote step missed its deadline. Nothing
	// was changed locally.
	ErrTimeout = errors.New("region: remote operation timed out")
	// ErrUnsupported reports a value whose serialization family has no
	// equality for conditional remove.
	ErrUnsupported = errors.New("region: unsupported serialization type")
	// ErrNotSupported reports an operation that cannot run in the current
	// mode, such as a local operation inside a transaction.
	ErrNotSupported = errors.New("region: operation not supported")
	// ErrCacheWriter reports a veto by the region's Writer.
	ErrCacheWriter = errors.New("region: cache writer rejected the operation")
)
