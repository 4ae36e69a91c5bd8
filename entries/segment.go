package entries

import (
	"fmt"
	"sync"
	"time"

	"github.com/IvanBrykalov/gridclient/internal/util"
)

// counters are shared by all segments of one map.
type counters struct {
	live     util.PaddedAtomicInt64 // keys whose token is not Absent
	rehashes util.PaddedAtomicUint64
}

// segmentHooks let the LRU variant follow value transitions.
// All hooks run under the segment lock.
type segmentHooks[K comparable, V any] interface {
	// admitted: the entry now holds an in-memory value it did not hold before.
	admitted(e *MapEntry[K, V])
	// released: the entry no longer holds its in-memory value.
	released(e *MapEntry[K, V])
	// touched: an in-memory value was replaced by another.
	touched(e *MapEntry[K, V])
}

// overflowRead is the value of an overflowed entry, read from the store
// before the segment lock was taken. It stands for the entry's old value
// only while the entry has not changed since the read.
type overflowRead[K comparable, V any] struct {
	entry  *MapEntry[K, V]
	mods   uint64
	val    V
	ok     bool
	giveUp bool // proceed without the old value
}

// segment is an independent partition of the map with its own lock and a
// prime-sized array of bucket chains.
type segment[K comparable, V any] struct {
	// ---- guarded by mu ----
	mu      sync.RWMutex
	buckets []*MapEntry[K, V]
	count   int // linked entries, tombstones and placeholders included
	closed  bool
	// keys whose stored overflow copy is being written or discarded
	inflight map[K]struct{}

	checks bool
	order  MemberOrder
	sizer  func(K, V) int64
	clock  Clock
	hooks  segmentHooks[K, V]
	stats  Metrics
	shared *counters

	_ util.CacheLinePad
}

func newSegment[K comparable, V any](capacity int, opt *Options[K, V], shared *counters, hooks segmentHooks[K, V]) *segment[K, V] {
	return &segment[K, V]{
		buckets: make([]*MapEntry[K, V], nextPrime(capacity*4/3+1)),
		checks:  opt.ConcurrencyChecks,
		order:   opt.MemberOrder,
		sizer:   opt.Sizer,
		clock:   opt.Clock,
		hooks:   hooks,
		stats:   opt.Metrics,
		shared:  shared,
	}
}

// put inserts or updates k; create makes it fail on a live value.
func (s *segment[K, V]) put(k K, h uint64, v V, o *UpdateOptions[V], create bool, pre *overflowRead[K, V]) (res Result[K, V], heap int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return res, 0, ErrClosed
	}
	now := s.now()

	e := s.lookup(k, h)
	if e == nil {
		if o.Delta != nil {
			return res, 0, fmt.Errorf("%w: no entry to apply delta to", ErrInvalidDelta)
		}
		var stamp VersionStamp
		if s.checks {
			stamp.SetVersions(o.Version)
		}
		var zero V
		e = newEntry(k, h, zero, TokenDestroyed, stamp, now)
		s.insert(e)
		heap = s.replace(e, e.load(), v, TokenNone, stamp)
		res.Entry = e
		res.OldToken = TokenDestroyed
		return res, heap, nil
	}

	old := e.load()
	stamp := old.stamp
	if s.checks && o.Version != nil {
		if err := stamp.CheckConflict(o.Version, o.Delta != nil, s.order); err != nil {
			return res, 0, err
		}
		stamp.SetVersions(o.Version)
	}
	if o.Tracker.ok && o.Tracker.count != e.updateCount {
		return res, 0, ErrEntryUpdated
	}
	if create && !old.tok.Absent() {
		return res, 0, ErrEntryExists
	}

	newVal := v
	if o.Delta != nil {
		if old.tok != TokenNone {
			return res, 0, fmt.Errorf("%w: entry holds %v", ErrInvalidDelta, old.tok)
		}
		if newVal, err = o.Delta(old.val); err != nil {
			return res, 0, fmt.Errorf("%w: %v", ErrInvalidDelta, err)
		}
	}

	if res, err = s.preImage(e, old, pre); err != nil {
		return res, 0, err
	}
	heap = s.replace(e, old, newVal, TokenNone, stamp)
	e.lastModified.Store(now)
	e.touch(now)
	e.bumpUpdateCount()
	return res, heap, nil
}

// invalidate drops the value of k but keeps the key.
func (s *segment[K, V]) invalidate(k K, h uint64, o *UpdateOptions[V], pre *overflowRead[K, V]) (res Result[K, V], heap int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return res, 0, ErrClosed
	}
	now := s.now()
	var zero V

	e := s.lookup(k, h)
	if e == nil {
		if s.checks {
			// keep the version so a later stale update is still rejected
			var stamp VersionStamp
			stamp.SetVersions(o.Version)
			s.insert(newEntry(k, h, zero, TokenInvalid, stamp, now))
		}
		return res, 0, ErrEntryNotFound
	}

	old := e.load()
	stamp := old.stamp
	if s.checks && o.Version != nil {
		if err := stamp.CheckConflict(o.Version, false, s.order); err != nil {
			return res, 0, err
		}
		stamp.SetVersions(o.Version)
	}
	if old.tok.Absent() {
		return res, 0, ErrEntryNotFound
	}

	if res, err = s.preImage(e, old, pre); err != nil {
		return res, 0, err
	}
	heap = s.replace(e, old, zero, TokenInvalid, stamp)
	e.lastModified.Store(now)
	e.bumpUpdateCount()
	return res, heap, nil
}

// remove destroys k. With concurrency checks on the entry stays behind as
// a tombstone carrying its version.
func (s *segment[K, V]) remove(k K, h uint64, o *UpdateOptions[V], pre *overflowRead[K, V]) (res Result[K, V], heap int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return res, 0, ErrClosed
	}
	now := s.now()
	var zero V

	notFound := ErrEntryNotFound
	if o.AfterRemote {
		notFound = nil
	}

	e := s.lookup(k, h)
	if e == nil {
		if o.Condition != nil {
			return res, 0, ErrEntryNotFound
		}
		if s.checks && o.Version != nil {
			var stamp VersionStamp
			stamp.SetVersions(o.Version)
			s.insert(newEntry(k, h, zero, TokenTombstone, stamp, now))
		}
		return res, 0, notFound
	}

	old := e.load()
	stamp := old.stamp
	if s.checks && o.Version != nil {
		if err := stamp.CheckConflict(o.Version, false, s.order); err != nil {
			return res, 0, err
		}
		stamp.SetVersions(o.Version)
	}
	if o.Tracker.ok && o.Tracker.count != e.updateCount {
		return res, 0, ErrEntryUpdated
	}
	if o.Condition != nil {
		cur, ok, err := s.oldValue(e, old, pre)
		if err != nil {
			return res, 0, err
		}
		if !ok {
			return res, 0, ErrEntryNotFound
		}
		if err := o.Condition(cur); err != nil {
			return res, 0, err
		}
	}
	if old.tok.Absent() {
		if s.checks && old.tok == TokenTombstone {
			s.replace(e, old, zero, TokenTombstone, stamp)
		}
		return res, 0, notFound
	}

	if res, err = s.preImage(e, old, pre); err != nil {
		return res, 0, err
	}
	if s.checks {
		heap = s.replace(e, old, zero, TokenTombstone, stamp)
		e.lastModified.Store(now)
	} else {
		heap = s.drop(e, old)
	}
	e.bumpUpdateCount()
	return res, heap, nil
}

// get returns the entry of k and its current slot, skipping absent keys.
func (s *segment[K, V]) get(k K, h uint64) (*MapEntry[K, V], *slot[V], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := s.lookup(k, h)
	if e == nil {
		return nil, nil, false
	}
	sl := e.load()
	if sl.tok.Absent() {
		return nil, nil, false
	}
	e.touch(s.now())
	return e, sl, true
}

func (s *segment[K, V]) addTracker(k K, h uint64) Tracker {
	if s.checks {
		return Tracker{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(k, h)
	if e == nil {
		var zero V
		e = newEntry(k, h, zero, TokenDestroyed, VersionStamp{}, s.now())
		s.insert(e)
	}
	e.trackers++
	return Tracker{count: e.updateCount, ok: true}
}

func (s *segment[K, V]) removeTracker(k K, h uint64) {
	if s.checks {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(k, h)
	if e == nil || e.trackers == 0 {
		return
	}
	e.trackers--
	if e.trackers == 0 {
		e.updateCount = 0
		if e.load().tok == TokenDestroyed {
			s.unlink(e)
		}
	}
}

// reap removes the tombstone of k, if any.
func (s *segment[K, V]) reap(k K, h uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(k, h)
	if e == nil || e.load().tok != TokenTombstone {
		return false
	}
	s.unlink(e)
	return true
}

// snapshot appends the live entries of the segment to dst.
func (s *segment[K, V]) snapshot(dst []*MapEntry[K, V]) []*MapEntry[K, V] {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, head := range s.buckets {
		for e := head; e != nil; e = e.next {
			if !e.load().tok.Absent() {
				dst = append(dst, e)
			}
		}
	}
	return dst
}

// clear unlinks every entry and returns those that were live.
func (s *segment[K, V]) clear(close bool) (dropped []*MapEntry[K, V], heap int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, head := range s.buckets {
		for e := head; e != nil; e = e.next {
			if !e.load().tok.Absent() {
				s.shared.live.Add(-1)
				dropped = append(dropped, e)
			}
			heap -= e.size
			e.size = 0
			e.SetEvicted()
		}
		s.buckets[i] = nil
	}
	s.count = 0
	if close {
		s.closed = true
	}
	return dropped, heap
}

// -------------------- internals (mu held) --------------------

func (s *segment[K, V]) now() int64 {
	if s.clock != nil {
		return s.clock.NowUnixNano()
	}
	return time.Now().UnixNano()
}

func (s *segment[K, V]) bucket(h uint64) int { return int(h % uint64(len(s.buckets))) }

func (s *segment[K, V]) lookup(k K, h uint64) *MapEntry[K, V] {
	for e := s.buckets[s.bucket(h)]; e != nil; e = e.next {
		if e.hash == h && e.key == k {
			return e
		}
	}
	return nil
}

func (s *segment[K, V]) insert(e *MapEntry[K, V]) {
	i := s.bucket(e.hash)
	e.next = s.buckets[i]
	s.buckets[i] = e
	s.count++
	if !e.load().tok.Absent() {
		s.shared.live.Add(1)
	}
	s.maybeGrow()
}

func (s *segment[K, V]) unlink(e *MapEntry[K, V]) {
	i := s.bucket(e.hash)
	for p := &s.buckets[i]; *p != nil; p = &(*p).next {
		if *p == e {
			*p = e.next
			e.next = nil
			s.count--
			if !e.load().tok.Absent() {
				s.shared.live.Add(-1)
			}
			return
		}
	}
}

// maybeGrow rehashes into the next prime above twice the current size once
// the load factor passes 75%.
func (s *segment[K, V]) maybeGrow() {
	n := len(s.buckets)
	if s.count*4 <= n*3 {
		return
	}
	grown := make([]*MapEntry[K, V], nextPrime(2*n+1))
	for _, head := range s.buckets {
		for e := head; e != nil; {
			next := e.next
			i := int(e.hash % uint64(len(grown)))
			e.next = grown[i]
			grown[i] = e
			e = next
		}
	}
	s.buckets = grown
	s.shared.rehashes.Add(1)
	s.stats.Rehash()
}

// oldValue returns the value held by old. The value of an overflowed entry
// comes from pre; errRetry means pre is missing or stale and the caller
// must read the store again without the lock.
func (s *segment[K, V]) oldValue(e *MapEntry[K, V], old *slot[V], pre *overflowRead[K, V]) (V, bool, error) {
	var zero V
	switch old.tok {
	case TokenNone:
		return old.val, true, nil
	case TokenOverflowed:
		switch {
		case pre != nil && pre.giveUp:
			return zero, false, nil
		case pre == nil || pre.entry != e || pre.mods != e.mods:
			return zero, false, errRetry
		}
		return pre.val, pre.ok, nil
	}
	return zero, false, nil
}

// preImage describes the slot an update is about to replace. When that is
// an overflowed value its key is marked in flight until the caller has
// discarded the stored copy.
func (s *segment[K, V]) preImage(e *MapEntry[K, V], old *slot[V], pre *overflowRead[K, V]) (Result[K, V], error) {
	res := Result[K, V]{
		Entry:    e,
		OldToken: old.tok,
		Updated:  !old.tok.Absent(),
	}
	v, ok, err := s.oldValue(e, old, pre)
	if err != nil {
		return Result[K, V]{}, err
	}
	res.Old, res.HadOld = v, ok
	if old.tok == TokenOverflowed {
		if s.inflight == nil {
			s.inflight = make(map[K]struct{})
		}
		s.inflight[e.key] = struct{}{}
	}
	return res, nil
}

// replace swaps the entry's slot and keeps live counts, LRU state and heap
// accounting in step. It returns the resident byte delta.
func (s *segment[K, V]) replace(e *MapEntry[K, V], old *slot[V], v V, tok Token, stamp VersionStamp) int64 {
	e.cur.Store(&slot[V]{val: v, tok: tok, stamp: stamp})
	e.mods++

	switch wasLive, isLive := !old.tok.Absent(), !tok.Absent(); {
	case !wasLive && isLive:
		s.shared.live.Add(1)
	case wasLive && !isLive:
		s.shared.live.Add(-1)
	}

	if s.hooks != nil {
		switch {
		case !old.tok.InMemory() && tok.InMemory():
			s.hooks.admitted(e)
		case old.tok.InMemory() && !tok.InMemory():
			s.hooks.released(e)
		case tok.InMemory():
			s.hooks.touched(e)
		}
	}
	return s.resize(e, v, tok)
}

// drop physically removes a live entry. A tracked entry is kept as a
// placeholder so its update counter survives.
func (s *segment[K, V]) drop(e *MapEntry[K, V], old *slot[V]) int64 {
	var zero V
	heap := s.replace(e, old, zero, TokenDestroyed, old.stamp)
	if e.trackers == 0 {
		s.unlink(e)
	}
	e.SetEvicted()
	return heap
}

func (s *segment[K, V]) resize(e *MapEntry[K, V], v V, tok Token) int64 {
	if s.sizer == nil {
		return 0
	}
	var size int64
	if tok.InMemory() {
		size = s.sizer(e.key, v)
	}
	delta := size - e.size
	e.size = size
	return delta
}
