package entries

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type fakeClock struct{ t int64 }

func (f *fakeClock) NowUnixNano() int64  { return f.t }
func (f *fakeClock) add(d time.Duration) { f.t += int64(d) }

var errStoreDown = errors.New("store down")

// memStore is an in-memory OverflowStore with failure injection.
type memStore[K comparable, V any] struct {
	mu   sync.Mutex
	m    map[K]V
	fail atomic.Bool

	// onWrite runs inside Write before the value is stored.
	onWrite func(k K)
	// onIO runs first in every Write, Read and Destroy.
	onIO func(op string, k K)
}

func newMemStore[K comparable, V any]() *memStore[K, V] {
	return &memStore[K, V]{m: make(map[K]V)}
}

func (s *memStore[K, V]) Write(k K, v V) error {
	if s.onIO != nil {
		s.onIO("write", k)
	}
	if s.fail.Load() {
		return errStoreDown
	}
	if s.onWrite != nil {
		s.onWrite(k)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[k] = v
	return nil
}

func (s *memStore[K, V]) Read(k K) (V, error) {
	if s.onIO != nil {
		s.onIO("read", k)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[k]
	if !ok {
		return v, errors.New("not stored")
	}
	return v, nil
}

func (s *memStore[K, V]) Destroy(k K) error {
	if s.onIO != nil {
		s.onIO("destroy", k)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, k)
	return nil
}

func (s *memStore[K, V]) has(k K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[k]
	return ok
}

func (s *memStore[K, V]) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// heapRecorder sums the deltas a map reports.
type heapRecorder struct{ n atomic.Int64 }

func (h *heapRecorder) IncrementHeapSize(delta int64) { h.n.Add(delta) }

// countingMetrics records the signals a map emits.
type countingMetrics struct {
	hits, misses, rehashes, overflows, faults atomic.Int64
	evicts                                    [2]atomic.Int64
	entries, inMemory                         atomic.Int64
}

func (c *countingMetrics) Hit()                { c.hits.Add(1) }
func (c *countingMetrics) Miss()               { c.misses.Add(1) }
func (c *countingMetrics) Evict(r EvictReason) { c.evicts[r].Add(1) }
func (c *countingMetrics) Rehash()             { c.rehashes.Add(1) }
func (c *countingMetrics) Overflow()           { c.overflows.Add(1) }
func (c *countingMetrics) FaultIn()            { c.faults.Add(1) }
func (c *countingMetrics) Size(entries, mem int) {
	c.entries.Store(int64(entries))
	c.inMemory.Store(int64(mem))
}

func sortedKeys[V any](m EntriesMap[string, V]) []string {
	ks := m.Keys()
	sort.Strings(ks)
	return ks
}

func noOpts[V any]() UpdateOptions[V] { return UpdateOptions[V]{} }

func version(v uint32, member uint16) *VersionTag {
	return &VersionTag{EntryVersion: v, Member: member}
}
