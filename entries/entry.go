package entries

import (
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/gridclient/policy"
)

// slot is an immutable snapshot of an entry's value state. Segments swap
// slots under their lock; readers load them without locking.
type slot[V any] struct {
	val   V
	tok   Token
	stamp VersionStamp
}

// MapEntry is one key with its value slot, LRU bits and timestamps.
//
// The pointer itself is the entry's handle: it stays valid after eviction
// or removal, and TestEvicted reports whether the map still considers it
// live. Value state is read atomically; it is only written by the owning
// segment under its lock.
type MapEntry[K comparable, V any] struct {
	key  K
	hash uint64

	cur  atomic.Pointer[slot[V]]
	bits policy.Bits

	lastAccessed atomic.Int64
	lastModified atomic.Int64

	// ---- guarded by the segment lock ----
	next        *MapEntry[K, V] // bucket chain
	updateCount uint32
	trackers    int32
	mods        uint64 // bumped on every slot change
	size        int64  // bytes reported to the heap accountant
}

func newEntry[K comparable, V any](k K, h uint64, v V, tok Token, stamp VersionStamp, now int64) *MapEntry[K, V] {
	e := &MapEntry[K, V]{key: k, hash: h}
	e.cur.Store(&slot[V]{val: v, tok: tok, stamp: stamp})
	e.lastAccessed.Store(now)
	e.lastModified.Store(now)
	return e
}

// Key returns the entry key.
func (e *MapEntry[K, V]) Key() K { return e.key }

// Value returns the in-memory value and its token. The value is the zero V
// unless the token is TokenNone.
func (e *MapEntry[K, V]) Value() (V, Token) {
	s := e.cur.Load()
	return s.val, s.tok
}

// Token returns the state of the value slot.
func (e *MapEntry[K, V]) Token() Token { return e.cur.Load().tok }

// VersionStamp returns the entry's current version.
func (e *MapEntry[K, V]) VersionStamp() VersionStamp { return e.cur.Load().stamp }

// LastAccessed returns the time of the last read or write.
func (e *MapEntry[K, V]) LastAccessed() time.Time { return time.Unix(0, e.lastAccessed.Load()) }

// LastModified returns the time of the last write.
func (e *MapEntry[K, V]) LastModified() time.Time { return time.Unix(0, e.lastModified.Load()) }

// LRUBits implements policy.Entry.
func (e *MapEntry[K, V]) LRUBits() *policy.Bits { return &e.bits }

func (e *MapEntry[K, V]) SetRecentlyUsed()       { e.bits.SetRecentlyUsed() }
func (e *MapEntry[K, V]) ClearRecentlyUsed()     { e.bits.ClearRecentlyUsed() }
func (e *MapEntry[K, V]) TestRecentlyUsed() bool { return e.bits.TestRecentlyUsed() }
func (e *MapEntry[K, V]) SetEvicted()            { e.bits.SetEvicted() }
func (e *MapEntry[K, V]) ClearEvicted()          { e.bits.ClearEvicted() }
func (e *MapEntry[K, V]) TestEvicted() bool      { return e.bits.TestEvicted() }

// ---- segment-lock helpers ----

func (e *MapEntry[K, V]) load() *slot[V] { return e.cur.Load() }

func (e *MapEntry[K, V]) touch(now int64) { e.lastAccessed.Store(now) }

func (e *MapEntry[K, V]) bumpUpdateCount() {
	if e.trackers > 0 {
		e.updateCount++
	}
}
