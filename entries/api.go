package entries

// EntriesMap is a region's local key/value storage.
// All methods are safe for concurrent use by multiple goroutines.
//
// Operations on one key serialize on its segment lock; operations on
// different keys have no ordering relative to one another.
type EntriesMap[K comparable, V any] interface {
	// Put inserts or updates k. With concurrency checks on, o.Version is
	// checked against the entry's stamp and a stale update fails with
	// ErrConcurrentModification. With o.Delta set the delta is applied to
	// the current value; ErrInvalidDelta asks the caller for the full value.
	Put(k K, v V, o UpdateOptions[V]) (Result[K, V], error)

	// Create inserts k only if it holds no value (absent, tombstone or
	// tracker placeholder); otherwise it fails with ErrEntryExists.
	Create(k K, v V, o UpdateOptions[V]) (Result[K, V], error)

	// Invalidate drops the value of k but keeps the key.
	// It returns ErrEntryNotFound when k holds no entry.
	Invalidate(k K, o UpdateOptions[V]) (Result[K, V], error)

	// Remove destroys k and returns its prior value.
	// It returns ErrEntryNotFound when k is absent, unless o.AfterRemote is set.
	Remove(k K, o UpdateOptions[V]) (Result[K, V], error)

	// Get returns the value of k. The LRU variant marks the entry recently
	// used and reads overflowed values back in.
	Get(k K) (V, *MapEntry[K, V], bool)

	// GetEntry returns the entry of k and its in-memory value without
	// touching LRU state. Overflowed and invalid entries are returned with
	// a zero value; check the entry's Token.
	GetEntry(k K) (*MapEntry[K, V], V, bool)

	ContainsKey(k K) bool

	// Keys, Values and Entries return point-in-time snapshots; each segment
	// is copied atomically, the map as a whole is not.
	Keys() []K
	Values() []V
	Entries() []*MapEntry[K, V]

	// Size returns the number of keys present, including invalid and
	// overflowed ones.
	Size() int
	Empty() bool

	// Clear removes every entry. Close clears the map and rejects later writes.
	Clear()
	Close() error

	// AddTracker starts tracking updates of k. A mutation passed the returned
	// tracker fails with ErrEntryUpdated if k changed in between. Every
	// AddTracker must be paired with RemoveTracker. Trackers are a no-op when
	// concurrency checks are enabled.
	AddTracker(k K) Tracker
	RemoveTracker(k K)

	// ReapTombstones physically removes the tombstones of the given keys
	// and returns how many were removed.
	ReapTombstones(keys []K) int

	// RehashCount is the number of segment rehashes since creation.
	RehashCount() uint64
}

// Delta computes a new value from the current one.
type Delta[V any] func(old V) (V, error)

// UpdateOptions carries the optional inputs of a mutating call.
// The zero value is an untracked, unversioned, client-initiated update.
type UpdateOptions[V any] struct {
	Tracker     Tracker
	Version     *VersionTag
	Delta       Delta[V]
	AfterRemote bool

	// Condition guards a Remove: it is called with the current value while
	// the entry is locked, and a non-nil result aborts the remove and is
	// returned. A key holding no value fails with ErrEntryNotFound.
	Condition func(cur V) error
}

// Result is the outcome of a mutating call.
type Result[K comparable, V any] struct {
	Entry    *MapEntry[K, V]
	Old      V
	HadOld   bool  // Old holds a real prior value
	OldToken Token // state of the slot before the call
	Updated  bool  // the key was present before the call
}

// Tracker is a snapshot of an entry's update counter.
// The zero value means "not tracked".
type Tracker struct {
	count uint32
	ok    bool
}

// Valid reports whether the tracker guards an update.
func (t Tracker) Valid() bool { return t.ok }

// New returns the map variant selected by opt: an LRUMap when opt sets an
// entry limit or a heap accountant, a ConcurrentMap otherwise.
func New[K comparable, V any](opt Options[K, V]) EntriesMap[K, V] {
	if opt.LRULimit > 0 || opt.Heap != nil {
		return NewLRU(opt)
	}
	return NewConcurrent(opt)
}
