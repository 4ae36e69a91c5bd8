package entries

import (
	"context"

	"github.com/IvanBrykalov/gridclient/policy"
)

// EvictReason explains why an entry's value left memory.
type EvictReason int

const (
	// EvictEntryLimit: the map exceeded its configured entry limit.
	EvictEntryLimit EvictReason = iota
	// EvictHeap: the heap-LRU controller asked the map to shed entries.
	EvictHeap
)

func (r EvictReason) String() string {
	if r == EvictHeap {
		return "heap"
	}
	return "entry-limit"
}

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

// HeapAccountant receives the byte deltas of a map's resident values.
// *eviction.Controller implements it.
type HeapAccountant interface {
	IncrementHeapSize(delta int64)
}

// OverflowStore is where an overflow-to-disk map puts evicted values.
// Implementations are bound to one region.
type OverflowStore[K comparable, V any] interface {
	Write(k K, v V) error
	Read(k K) (V, error)
	Destroy(k K) error
}

// Options configures an entries map. Zero values are safe;
// defaults are applied in New:
//   - ConcurrencyLevel <= 0 => auto (rounded up to power of two)
//   - nil Hash             => util.Hash
//   - nil Metrics          => NoopMetrics
//   - nil MemberOrder      => DefaultMemberOrder
type Options[K comparable, V any] struct {
	// InitialCapacity is the expected number of keys, split across segments.
	InitialCapacity int

	// ConcurrencyLevel is the number of independently locked segments.
	ConcurrencyLevel int

	// ConcurrencyChecks enables version-tag conflict detection and tombstones.
	// Update trackers are used instead when it is off.
	ConcurrencyChecks bool

	// Hash routes keys to segments and buckets.
	Hash func(K) uint64

	// MemberOrder breaks ties between equal entry versions.
	MemberOrder MemberOrder

	// LRULimit bounds the number of in-memory values (0 = unbounded).
	// A positive limit or a Heap accountant selects the LRU variant.
	LRULimit int
	// EvictionAction is applied to LRU victims.
	EvictionAction policy.Action
	// Overflow receives values evicted with policy.OverflowToDisk.
	Overflow OverflowStore[K, V]

	// Sizer reports the resident size of a key/value pair in bytes.
	// Only consulted when Heap is set.
	Sizer func(k K, v V) int64
	// Heap receives resident byte deltas for heap-LRU eviction.
	Heap HeapAccountant

	// OnEvict is called for every victim after the segment lock is released.
	OnEvict func(k K, v V, reason EvictReason)
	Metrics Metrics

	// Clock allows overriding time source (tests). Nil => time.Now().
	Clock Clock

	// LogContext carries the dlog logger used for map diagnostics.
	LogContext context.Context //nolint:containedctx // logging only
}
