package entries

import (
	"errors"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"github.com/IvanBrykalov/gridclient/internal/singleflight"
	"github.com/IvanBrykalov/gridclient/internal/util"
	"github.com/IvanBrykalov/gridclient/policy"
	"github.com/IvanBrykalov/gridclient/policy/clock"
)

// errRetry means an entry changed while its overflowed value was read
// without the lock; the caller looks again.
var errRetry = errors.New("entries: entry changed during overflow read")

// maxFaultRetries bounds how often an entry that keeps changing while its
// value is read back from the overflow store is read again.
const maxFaultRetries = 4

// LRUMap is the bounded EntriesMap. It keeps at most LRULimit values in
// memory; victims are chosen by a CLOCK list and handled according to the
// configured policy.Action.
//
// Eviction runs synchronously at the end of the Put or Create that pushed
// the map over its limit. Overflow writes happen with no segment lock held:
// the victim is snapshotted, written, and only then marked overflowed if it
// did not change in the meantime. Reading an overflowed old value and
// discarding a stored copy happen outside the lock too.
type LRUMap[K comparable, V any] struct {
	*ConcurrentMap[K, V]

	list   clock.List[*MapEntry[K, V]]
	limit  int
	action policy.Action
	store  OverflowStore[K, V]

	valid  util.PaddedAtomicInt64 // values resident in memory
	faults singleflight.Group[K, V]
}

// NewLRU constructs a bounded map. opt.LRULimit <= 0 leaves the entry
// count unbounded, which is useful with a heap accountant alone.
// It panics if opt.EvictionAction is OverflowToDisk and opt.Overflow is nil.
func NewLRU[K comparable, V any](opt Options[K, V]) *LRUMap[K, V] {
	if opt.EvictionAction.Overflows() && opt.Overflow == nil {
		panic("entries: OverflowToDisk requires an Overflow store")
	}
	m := &LRUMap[K, V]{
		limit:  opt.LRULimit,
		action: opt.EvictionAction,
		store:  opt.Overflow,
	}
	m.ConcurrentMap = newConcurrent(opt, lruHooks[K, V]{m})
	m.ConcurrentMap.inMemory = m.InMemoryCount
	return m
}

// Put inserts or updates k and then evicts down to the entry limit.
// An overflow store failure during that eviction is returned wrapped in
// ErrOverflow; the put itself has been applied.
func (m *LRUMap[K, V]) Put(k K, v V, o UpdateOptions[V]) (Result[K, V], error) {
	res, err := m.update(k, func(s *segment[K, V], h uint64, pre *overflowRead[K, V]) (Result[K, V], int64, error) {
		return s.put(k, h, v, &o, false, pre)
	})
	if err != nil {
		return res, err
	}
	return res, m.processLRU()
}

// Create inserts k if absent and then evicts down to the entry limit.
func (m *LRUMap[K, V]) Create(k K, v V, o UpdateOptions[V]) (Result[K, V], error) {
	res, err := m.update(k, func(s *segment[K, V], h uint64, pre *overflowRead[K, V]) (Result[K, V], int64, error) {
		return s.put(k, h, v, &o, true, pre)
	})
	if err != nil {
		return res, err
	}
	return res, m.processLRU()
}

func (m *LRUMap[K, V]) Invalidate(k K, o UpdateOptions[V]) (Result[K, V], error) {
	return m.update(k, func(s *segment[K, V], h uint64, pre *overflowRead[K, V]) (Result[K, V], int64, error) {
		return s.invalidate(k, h, &o, pre)
	})
}

func (m *LRUMap[K, V]) Remove(k K, o UpdateOptions[V]) (Result[K, V], error) {
	return m.update(k, func(s *segment[K, V], h uint64, pre *overflowRead[K, V]) (Result[K, V], int64, error) {
		return s.remove(k, h, &o, pre)
	})
}

// update runs a segment mutation. When it meets an overflowed old value
// the value is read from the store without the lock and the mutation runs
// again; once it has replaced that value the stored copy is discarded.
func (m *LRUMap[K, V]) update(k K, op func(*segment[K, V], uint64, *overflowRead[K, V]) (Result[K, V], int64, error)) (Result[K, V], error) {
	s, h := m.segmentFor(k)
	var pre *overflowRead[K, V]
	for attempt := 0; ; attempt++ {
		res, heap, err := op(s, h, pre)
		if errors.Is(err, errRetry) {
			if attempt < maxFaultRetries {
				pre = m.readOverflowed(s, k, h)
			} else {
				dlog.Errorf(m.opt.LogContext, "entries: %v keeps changing, updating without its old value", k)
				pre = &overflowRead[K, V]{giveUp: true}
			}
			continue
		}
		if err == nil && res.OldToken == TokenOverflowed {
			m.discard(s, k)
		}
		return m.finish(res, heap, err)
	}
}

// readOverflowed reads the stored value of k if k is overflowed.
func (m *LRUMap[K, V]) readOverflowed(s *segment[K, V], k K, h uint64) *overflowRead[K, V] {
	s.mu.RLock()
	e := s.lookup(k, h)
	if e == nil || e.load().tok != TokenOverflowed {
		s.mu.RUnlock()
		return nil
	}
	pre := &overflowRead[K, V]{entry: e, mods: e.mods}
	s.mu.RUnlock()

	v, err := m.store.Read(k)
	if err != nil {
		dlog.Errorf(m.opt.LogContext, "entries: read overflowed key %v: %v", k, err)
		return pre
	}
	pre.val, pre.ok = v, true
	return pre
}

// discard removes the stored copy of k, which preImage or faultIn marked
// in flight so that no eviction writes k meanwhile.
func (m *LRUMap[K, V]) discard(s *segment[K, V], k K) {
	if err := m.store.Destroy(k); err != nil {
		dlog.Errorf(m.opt.LogContext, "entries: discard overflow copy of %v: %v", k, err)
	}
	s.mu.Lock()
	delete(s.inflight, k)
	s.mu.Unlock()
}

// Get returns the value of k, reading an overflowed value back into memory.
// A hit marks the entry recently used.
func (m *LRUMap[K, V]) Get(k K) (V, *MapEntry[K, V], bool) {
	var zero V
	s, h := m.segmentFor(k)
	for attempt := 0; attempt < maxFaultRetries; attempt++ {
		e, sl, ok := s.get(k, h)
		if !ok {
			m.opt.Metrics.Miss()
			return zero, nil, false
		}
		switch sl.tok {
		case TokenNone:
			e.SetRecentlyUsed()
			m.opt.Metrics.Hit()
			return sl.val, e, true
		case TokenOverflowed:
			v, err := m.faultIn(s, e)
			if errors.Is(err, errRetry) {
				continue
			}
			if err != nil {
				dlog.Errorf(m.opt.LogContext, "entries: read of overflowed key %v: %v", k, err)
				m.opt.Metrics.Miss()
				return zero, e, false
			}
			m.opt.Metrics.Hit()
			if err := m.processLRU(); err != nil {
				dlog.Errorf(m.opt.LogContext, "entries: eviction after fault-in of %v: %v", k, err)
			}
			return v, e, true
		default:
			m.opt.Metrics.Miss()
			return zero, e, false
		}
	}
	m.opt.Metrics.Miss()
	return zero, nil, false
}

// Values returns every value, reading overflowed ones from the store
// without bringing them back into memory.
func (m *LRUMap[K, V]) Values() []V {
	es := m.Entries()
	out := make([]V, 0, len(es))
	for _, e := range es {
		switch v, tok := e.Value(); tok {
		case TokenNone:
			out = append(out, v)
		case TokenOverflowed:
			if v, err := m.store.Read(e.key); err == nil {
				out = append(out, v)
			}
		}
	}
	return out
}

// Clear removes every entry and discards overflowed copies.
func (m *LRUMap[K, V]) Clear() { m.reset(false) }

// Close clears the map; later writes fail with ErrClosed.
func (m *LRUMap[K, V]) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.reset(true)
	return nil
}

func (m *LRUMap[K, V]) reset(close bool) {
	dropped := m.clearAll(close)
	m.list.Clear()
	m.valid.Store(0)
	for _, e := range dropped {
		if e.Token() == TokenOverflowed {
			if err := m.store.Destroy(e.key); err != nil {
				dlog.Errorf(m.opt.LogContext, "entries: discard overflowed key %v: %v", e.key, err)
			}
		}
	}
	m.reportSize()
}

// InMemoryCount returns the number of values resident in memory.
func (m *LRUMap[K, V]) InMemoryCount() int { return int(m.valid.Load()) }

// Limit returns the configured entry limit (0 = unbounded).
func (m *LRUMap[K, V]) Limit() int { return m.limit }

// EvictEntries evicts up to n values for the heap-LRU controller and
// returns how many were evicted.
func (m *LRUMap[K, V]) EvictEntries(n int) int {
	evicted := 0
	for misses := 0; evicted < n; {
		e, ok := m.list.Pop()
		if !ok {
			break
		}
		done, err := m.evict(e, EvictHeap)
		if err != nil {
			dlog.Errorf(m.opt.LogContext, "entries: heap eviction: %v", err)
			break
		}
		if done {
			evicted++
			continue
		}
		if misses++; misses > n {
			break
		}
	}
	if evicted > 0 {
		m.reportSize()
	}
	return evicted
}

// processLRU evicts victims until the map is back within its entry limit.
func (m *LRUMap[K, V]) processLRU() error {
	if m.limit <= 0 {
		return nil
	}
	misses := 0
	for m.valid.Load() > int64(m.limit) {
		e, ok := m.list.Pop()
		if !ok {
			return nil
		}
		done, err := m.evict(e, EvictEntryLimit)
		if err != nil {
			return err
		}
		if !done {
			// stale victim or one that changed during an overflow write
			if misses++; misses > m.list.Len()+1 {
				return nil
			}
		}
	}
	m.reportSize()
	return nil
}

// evict applies the eviction action to a victim popped from the list.
// It reports false when the victim no longer holds an in-memory value.
func (m *LRUMap[K, V]) evict(e *MapEntry[K, V], reason EvictReason) (bool, error) {
	s := m.segments[util.SegmentIndex(e.hash, len(m.segments))]
	var zero V

	s.mu.Lock()
	sl := e.load()
	if s.lookup(e.key, e.hash) != e || sl.tok != TokenNone {
		s.mu.Unlock()
		return false, nil
	}

	var heap int64
	switch m.action {
	case policy.LocalInvalidate:
		heap = s.replace(e, sl, zero, TokenInvalid, sl.stamp)
		s.mu.Unlock()
	case policy.OverflowToDisk:
		if _, busy := s.inflight[e.key]; busy {
			s.mu.Unlock()
			m.list.Append(e)
			return false, nil
		}
		if s.inflight == nil {
			s.inflight = make(map[K]struct{})
		}
		s.inflight[e.key] = struct{}{}
		mods := e.mods
		s.mu.Unlock()

		err := m.store.Write(e.key, sl.val)

		s.mu.Lock()
		delete(s.inflight, e.key)
		live := s.lookup(e.key, e.hash) == e && e.Token() == TokenNone
		if err != nil {
			if live {
				m.list.Append(e)
			}
			s.mu.Unlock()
			return false, fmt.Errorf("%w: write %v: %v", ErrOverflow, e.key, err)
		}
		if !live || e.mods != mods {
			// changed while we were writing: the stored copy is stale
			if err := m.store.Destroy(e.key); err != nil {
				dlog.Errorf(m.opt.LogContext, "entries: discard stale overflow copy of %v: %v", e.key, err)
			}
			if live {
				m.list.Append(e)
			}
			s.mu.Unlock()
			return false, nil
		}
		heap = s.replace(e, sl, zero, TokenOverflowed, sl.stamp)
		s.mu.Unlock()
		m.opt.Metrics.Overflow()
	default:
		heap = s.drop(e, sl)
		s.mu.Unlock()
	}

	m.accountHeap(heap)
	m.opt.Metrics.Evict(reason)
	if cb := m.opt.OnEvict; cb != nil {
		cb(e.key, sl.val, reason)
	}
	return true, nil
}

// faultIn reads an overflowed value back into memory. Concurrent readers
// of one key share a single store read.
func (m *LRUMap[K, V]) faultIn(s *segment[K, V], e *MapEntry[K, V]) (V, error) {
	v, err, _ := m.faults.Do(e.key, func() (V, error) {
		var zero V

		s.mu.RLock()
		sl, mods := e.load(), e.mods
		s.mu.RUnlock()
		switch sl.tok {
		case TokenNone:
			return sl.val, nil
		case TokenOverflowed:
		default:
			return zero, errRetry
		}

		v, err := m.store.Read(e.key)

		s.mu.Lock()
		if s.lookup(e.key, e.hash) != e || e.mods != mods {
			s.mu.Unlock()
			return zero, errRetry
		}
		if err != nil {
			s.mu.Unlock()
			return zero, err
		}
		heap := s.replace(e, sl, v, TokenNone, sl.stamp)
		e.SetRecentlyUsed()
		e.touch(s.now())
		if s.inflight == nil {
			s.inflight = make(map[K]struct{})
		}
		s.inflight[e.key] = struct{}{}
		s.mu.Unlock()

		m.discard(s, e.key)
		m.accountHeap(heap)
		m.opt.Metrics.FaultIn()
		return v, nil
	})
	return v, err
}

// lruHooks keeps the CLOCK list and the resident count in step with the
// segments. Every hook runs under a segment lock.
type lruHooks[K comparable, V any] struct{ m *LRUMap[K, V] }

func (h lruHooks[K, V]) admitted(e *MapEntry[K, V]) {
	h.m.valid.Add(1)
	h.m.list.Append(e)
}

func (h lruHooks[K, V]) released(e *MapEntry[K, V]) {
	h.m.valid.Add(-1)
	e.SetEvicted()
}

func (h lruHooks[K, V]) touched(e *MapEntry[K, V]) { e.SetRecentlyUsed() }

var _ EntriesMap[string, int] = (*LRUMap[string, int])(nil)
