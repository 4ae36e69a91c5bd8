package entries

import (
	"context"
	"sync/atomic"

	"github.com/IvanBrykalov/gridclient/internal/util"
)

// ConcurrentMap is the unbounded EntriesMap: keys are spread over a
// power-of-two number of segments, each with its own lock and a bucket
// array that grows on its own.
type ConcurrentMap[K comparable, V any] struct {
	segments []*segment[K, V]
	hash     func(K) uint64
	closed   atomic.Bool
	shared   counters
	inMemory func() int // resident values; nil means every live key

	opt Options[K, V]
}

// NewConcurrent constructs an unbounded map.
// Defaults:
//   - nil Metrics           -> NoopMetrics
//   - nil Hash              -> util.Hash
//   - ConcurrencyLevel <= 0 -> auto, rounded up to the next power of two
func NewConcurrent[K comparable, V any](opt Options[K, V]) *ConcurrentMap[K, V] {
	return newConcurrent(opt, nil)
}

func newConcurrent[K comparable, V any](opt Options[K, V], hooks segmentHooks[K, V]) *ConcurrentMap[K, V] {
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.Hash == nil {
		opt.Hash = util.Hash[K]
	}
	if opt.MemberOrder == nil {
		opt.MemberOrder = DefaultMemberOrder
	}
	if opt.LogContext == nil {
		opt.LogContext = context.Background()
	}

	n := util.SegmentCount(opt.ConcurrencyLevel)
	perSegment := (opt.InitialCapacity + n - 1) / n // split capacity evenly (ceil)

	m := &ConcurrentMap[K, V]{
		segments: make([]*segment[K, V], n),
		hash:     opt.Hash,
		opt:      opt,
	}
	for i := range m.segments {
		m.segments[i] = newSegment(perSegment, &m.opt, &m.shared, hooks)
	}
	return m
}

func (m *ConcurrentMap[K, V]) segmentFor(k K) (*segment[K, V], uint64) {
	h := m.hash(k)
	return m.segments[util.SegmentIndex(h, len(m.segments))], h
}

func (m *ConcurrentMap[K, V]) accountHeap(delta int64) {
	if delta != 0 && m.opt.Heap != nil {
		m.opt.Heap.IncrementHeapSize(delta)
	}
}

func (m *ConcurrentMap[K, V]) finish(res Result[K, V], heap int64, err error) (Result[K, V], error) {
	m.accountHeap(heap)
	if err == nil {
		m.reportSize()
	}
	return res, err
}

func (m *ConcurrentMap[K, V]) reportSize() {
	size := m.Size()
	resident := size
	if m.inMemory != nil {
		resident = m.inMemory()
	}
	m.opt.Metrics.Size(size, resident)
}

// ---- EntriesMap[K,V] implementation ----

func (m *ConcurrentMap[K, V]) Put(k K, v V, o UpdateOptions[V]) (Result[K, V], error) {
	s, h := m.segmentFor(k)
	return m.finish(s.put(k, h, v, &o, false, nil))
}

func (m *ConcurrentMap[K, V]) Create(k K, v V, o UpdateOptions[V]) (Result[K, V], error) {
	s, h := m.segmentFor(k)
	return m.finish(s.put(k, h, v, &o, true, nil))
}

func (m *ConcurrentMap[K, V]) Invalidate(k K, o UpdateOptions[V]) (Result[K, V], error) {
	s, h := m.segmentFor(k)
	return m.finish(s.invalidate(k, h, &o, nil))
}

func (m *ConcurrentMap[K, V]) Remove(k K, o UpdateOptions[V]) (Result[K, V], error) {
	s, h := m.segmentFor(k)
	return m.finish(s.remove(k, h, &o, nil))
}

// Get returns the value of k. Invalid entries are reported as misses
// together with their entry.
func (m *ConcurrentMap[K, V]) Get(k K) (V, *MapEntry[K, V], bool) {
	var zero V
	s, h := m.segmentFor(k)
	e, sl, ok := s.get(k, h)
	if !ok || sl.tok != TokenNone {
		m.opt.Metrics.Miss()
		return zero, e, false
	}
	m.opt.Metrics.Hit()
	return sl.val, e, true
}

func (m *ConcurrentMap[K, V]) GetEntry(k K) (*MapEntry[K, V], V, bool) {
	s, h := m.segmentFor(k)
	e, sl, ok := s.get(k, h)
	if !ok {
		var zero V
		return nil, zero, false
	}
	return e, sl.val, true
}

func (m *ConcurrentMap[K, V]) ContainsKey(k K) bool {
	s, h := m.segmentFor(k)
	_, _, ok := s.get(k, h)
	return ok
}

func (m *ConcurrentMap[K, V]) Entries() []*MapEntry[K, V] {
	out := make([]*MapEntry[K, V], 0, m.Size())
	for _, s := range m.segments {
		out = s.snapshot(out)
	}
	return out
}

func (m *ConcurrentMap[K, V]) Keys() []K {
	es := m.Entries()
	out := make([]K, len(es))
	for i, e := range es {
		out[i] = e.key
	}
	return out
}

// Values returns the values held in memory; invalid entries are skipped.
func (m *ConcurrentMap[K, V]) Values() []V {
	es := m.Entries()
	out := make([]V, 0, len(es))
	for _, e := range es {
		if v, tok := e.Value(); tok == TokenNone {
			out = append(out, v)
		}
	}
	return out
}

func (m *ConcurrentMap[K, V]) Size() int { return int(m.shared.live.Load()) }

func (m *ConcurrentMap[K, V]) Empty() bool { return m.Size() == 0 }

func (m *ConcurrentMap[K, V]) Clear() { m.clearAll(false) }

// Close clears the map; later writes fail with ErrClosed.
func (m *ConcurrentMap[K, V]) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.clearAll(true)
	return nil
}

func (m *ConcurrentMap[K, V]) clearAll(close bool) []*MapEntry[K, V] {
	var (
		all  []*MapEntry[K, V]
		heap int64
	)
	for _, s := range m.segments {
		dropped, delta := s.clear(close)
		all = append(all, dropped...)
		heap += delta
	}
	m.accountHeap(heap)
	return all
}

func (m *ConcurrentMap[K, V]) AddTracker(k K) Tracker {
	s, h := m.segmentFor(k)
	return s.addTracker(k, h)
}

func (m *ConcurrentMap[K, V]) RemoveTracker(k K) {
	s, h := m.segmentFor(k)
	s.removeTracker(k, h)
}

func (m *ConcurrentMap[K, V]) ReapTombstones(keys []K) int {
	n := 0
	for _, k := range keys {
		s, h := m.segmentFor(k)
		if s.reap(k, h) {
			n++
		}
	}
	return n
}

func (m *ConcurrentMap[K, V]) RehashCount() uint64 { return m.shared.rehashes.Load() }

var _ EntriesMap[string, int] = (*ConcurrentMap[string, int])(nil)
