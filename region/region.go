// Package region implements the operations of a client region on top of
// its local entries map and an optional server.
//
// Every mutating call is one action: its arguments are checked, the server
// is updated (unless the region is local, the call is local, or the change
// came from the server), and then the local map. Remote failures leave the
// map untouched.
package region

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/IvanBrykalov/gridclient/entries"
	"github.com/IvanBrykalov/gridclient/eviction"
	"github.com/IvanBrykalov/gridclient/overflow"
	"github.com/IvanBrykalov/gridclient/policy"
)

// DefaultRemoteTimeout bounds remote calls when Attributes.RemoteTimeout is 0.
const DefaultRemoteTimeout = 15 * time.Second

// Attributes configure a region. Zero values are safe; defaults are
// applied in New.
type Attributes[K comparable, V any] struct {
	// DisableCaching makes the region a pure proxy: nothing is kept locally.
	DisableCaching bool
	// ConcurrencyChecks enables version checks and tombstones in the map.
	ConcurrencyChecks bool

	InitialCapacity  int
	ConcurrencyLevel int
	Hash             func(K) uint64

	// LRULimit bounds the in-memory values (0 = unbounded).
	LRULimit       int
	EvictionAction policy.Action
	// Overflow receives values evicted with policy.OverflowToDisk. The
	// region closes it on Close.
	Overflow overflow.Manager[K, V]

	// Heap registers the region's map with a heap-LRU controller.
	// Sizer is required with it.
	Heap  *eviction.Controller
	Sizer func(K, V) int64

	// Remote is the server side of the region; nil makes a local region.
	Remote        Remote[K, V]
	RemoteTimeout time.Duration

	Equality Equality
	Writer   Writer[K, V]
	Listener Listener[K, V]

	Stats      Stats
	MapMetrics entries.Metrics
	Clock      entries.Clock

	LogContext context.Context //nolint:containedctx // logging only
}

// Region is one named key/value namespace of a cache.
// All methods are safe for concurrent use.
type Region[K comparable, V any] struct {
	path  string
	attrs Attributes[K, V]
	m     entries.EntriesMap[K, V]

	destroyed    atomic.Bool
	lastAccessed atomic.Int64
	lastModified atomic.Int64
}

// New creates the region at path (for example "/orders" or "/orders/eu").
func New[K comparable, V any](path string, attrs Attributes[K, V]) (*Region[K, V], error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty region path", ErrIllegalArgument)
	}
	if attrs.RemoteTimeout <= 0 {
		attrs.RemoteTimeout = DefaultRemoteTimeout
	}
	if attrs.Equality == nil {
		attrs.Equality = SerializedEqual
	}
	if attrs.Stats == nil {
		attrs.Stats = NoopStats{}
	}
	if attrs.LogContext == nil {
		attrs.LogContext = context.Background()
	}
	attrs.LogContext = dlog.WithField(attrs.LogContext, "region", path)
	if attrs.EvictionAction.Overflows() && attrs.Overflow == nil {
		return nil, fmt.Errorf("%w: %s eviction needs an overflow manager", ErrIllegalArgument, attrs.EvictionAction)
	}
	if attrs.Heap != nil && attrs.Sizer == nil {
		return nil, fmt.Errorf("%w: heap-LRU needs a Sizer", ErrIllegalArgument)
	}

	opt := entries.Options[K, V]{
		InitialCapacity:   attrs.InitialCapacity,
		ConcurrencyLevel:  attrs.ConcurrencyLevel,
		ConcurrencyChecks: attrs.ConcurrencyChecks,
		Hash:              attrs.Hash,
		LRULimit:          attrs.LRULimit,
		EvictionAction:    attrs.EvictionAction,
		Sizer:             attrs.Sizer,
		Metrics:           attrs.MapMetrics,
		Clock:             attrs.Clock,
		LogContext:        attrs.LogContext,
	}
	if attrs.Overflow != nil {
		opt.Overflow = attrs.Overflow
	}
	if attrs.Heap != nil {
		opt.Heap = attrs.Heap
	}

	r := &Region[K, V]{path: path, attrs: attrs}
	r.m = entries.New(opt)
	if attrs.Heap != nil {
		lru, ok := r.m.(*entries.LRUMap[K, V])
		if !ok {
			return nil, fmt.Errorf("%w: heap-LRU needs a bounded map", ErrIllegalArgument)
		}
		if err := attrs.Heap.Register(path, lru); err != nil {
			_ = r.m.Close()
			return nil, err
		}
	}
	now := r.now()
	r.lastAccessed.Store(now)
	r.lastModified.Store(now)
	return r, nil
}

// Path returns the full path of the region.
func (r *Region[K, V]) Path() string { return r.path }

// Attributes returns the region's configuration with defaults applied.
func (r *Region[K, V]) Attributes() Attributes[K, V] { return r.attrs }

// Map returns the region's local entries map.
func (r *Region[K, V]) Map() entries.EntriesMap[K, V] { return r.m }

func (r *Region[K, V]) caching() bool { return !r.attrs.DisableCaching }

func (r *Region[K, V]) now() int64 {
	if r.attrs.Clock != nil {
		return r.attrs.Clock.NowUnixNano()
	}
	return time.Now().UnixNano()
}

// LastAccessed returns the time of the last read or write.
func (r *Region[K, V]) LastAccessed() time.Time { return time.Unix(0, r.lastAccessed.Load()) }

// LastModified returns the time of the last write.
func (r *Region[K, V]) LastModified() time.Time { return time.Unix(0, r.lastModified.Load()) }

func (r *Region[K, V]) touch(modified bool) {
	now := r.now()
	r.lastAccessed.Store(now)
	if modified {
		r.lastModified.Store(now)
	}
}

// ---- mutating operations ----

// Put stores v under k, on the server first and then locally.
// It returns the previous value if one was known.
func (r *Region[K, V]) Put(ctx context.Context, k K, v V, arg any) (old V, hadOld bool, err error) {
	a := r.newAction(KindPut, k, v, arg, 0)
	err = r.update(ctx, a)
	return a.old, a.hasOld, err
}

// Create stores v under k only if k holds no value; otherwise ErrEntryExists.
func (r *Region[K, V]) Create(ctx context.Context, k K, v V, arg any) error {
	return r.update(ctx, r.newAction(KindCreate, k, v, arg, 0))
}

// PutIfAbsent stores v unless k already has a value, which is returned
// instead with inserted false.
func (r *Region[K, V]) PutIfAbsent(ctx context.Context, k K, v V, arg any) (existing V, inserted bool, err error) {
	a := r.newAction(KindPutIfAbsent, k, v, arg, 0)
	if err := r.update(ctx, a); err != nil {
		return existing, false, err
	}
	if a.absent {
		return existing, true, nil
	}
	return a.old, false, nil
}

// Destroy removes k; ErrEntryNotFound if it is absent.
func (r *Region[K, V]) Destroy(ctx context.Context, k K, arg any) error {
	var zero V
	return r.update(ctx, r.newAction(KindDestroy, k, zero, arg, 0))
}

// Remove removes k only if it holds v. A mismatch is ErrEntryNotFound
// and leaves the entry untouched.
func (r *Region[K, V]) Remove(ctx context.Context, k K, v V, arg any) error {
	return r.update(ctx, r.newAction(KindRemove, k, v, arg, 0))
}

// RemoveEx removes k whatever its value.
func (r *Region[K, V]) RemoveEx(ctx context.Context, k K, arg any) error {
	var zero V
	return r.update(ctx, r.newAction(KindRemoveUnconditional, k, zero, arg, 0))
}

// Invalidate drops the value of k, keeping the key.
func (r *Region[K, V]) Invalidate(ctx context.Context, k K, arg any) error {
	var zero V
	return r.update(ctx, r.newAction(KindInvalidate, k, zero, arg, 0))
}

// LocalPut stores v in this client only.
func (r *Region[K, V]) LocalPut(ctx context.Context, k K, v V, arg any) error {
	return r.update(ctx, r.newAction(KindPut, k, v, arg, FlagLocal))
}

// LocalDestroy removes k from this client only.
func (r *Region[K, V]) LocalDestroy(ctx context.Context, k K, arg any) error {
	var zero V
	return r.update(ctx, r.newAction(KindDestroy, k, zero, arg, FlagLocal))
}

// LocalInvalidate drops the local value of k.
func (r *Region[K, V]) LocalInvalidate(ctx context.Context, k K, arg any) error {
	var zero V
	return r.update(ctx, r.newAction(KindInvalidate, k, zero, arg, FlagLocal))
}

// Notification is a change pushed by the server.
type Notification[K comparable, V any] struct {
	Kind  Kind // KindPut, KindCreate, KindDestroy or KindInvalidate
	Key   K
	Value V
	// Delta, when set, is applied to the local value instead of Value.
	// If it cannot be, the full value is fetched from the server.
	Delta   entries.Delta[V]
	Version *entries.VersionTag
	Arg     any
}

// ApplyNotification applies a server change locally. A key that is already
// gone is not an error.
func (r *Region[K, V]) ApplyNotification(ctx context.Context, n Notification[K, V]) error {
	switch n.Kind {
	case KindPut, KindCreate, KindDestroy, KindInvalidate:
	default:
		return fmt.Errorf("%w: %s notification", ErrNotSupported, n.Kind)
	}
	a := r.newAction(n.Kind, n.Key, n.Value, n.Arg, FlagNotification)
	a.delta = n.Delta
	a.version = n.Version
	return r.update(ctx, a)
}

// ---- reads ----

// Get returns the value of k, asking the server on a local miss and
// caching the answer.
func (r *Region[K, V]) Get(ctx context.Context, k K, arg any) (V, bool, error) {
	var zero V
	if err := r.checkKey(k); err != nil {
		return zero, false, err
	}
	if r.destroyed.Load() {
		return zero, false, ErrRegionDestroyed
	}
	if r.caching() {
		if v, _, ok := r.m.Get(k); ok {
			r.attrs.Stats.Get(r.path, true)
			r.touch(false)
			return v, true, nil
		}
	}
	r.attrs.Stats.Get(r.path, false)
	if r.attrs.Remote == nil {
		return zero, false, nil
	}

	v, tag, err := r.remoteGet(ctx, k, arg)
	if errors.Is(err, ErrEntryNotFound) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	if r.caching() {
		_, err := r.m.Put(k, v, entries.UpdateOptions[V]{Version: tag})
		switch {
		case errors.Is(err, ErrConcurrentModification):
			dlog.Debugf(r.attrs.LogContext, "get %v: newer value arrived meanwhile", k)
		case errors.Is(err, entries.ErrClosed):
			return zero, false, ErrRegionDestroyed
		case err != nil:
			dlog.Errorf(r.attrs.LogContext, "get %v: caching fetched value: %v", k, err)
		}
	}
	r.touch(false)
	return v, true, nil
}

// GetEntry returns the local entry of k without touching LRU state.
func (r *Region[K, V]) GetEntry(k K) (*entries.MapEntry[K, V], V, bool) {
	var zero V
	if r.destroyed.Load() || !r.caching() {
		return nil, zero, false
	}
	return r.m.GetEntry(k)
}

// ContainsKey reports whether k is present locally.
func (r *Region[K, V]) ContainsKey(k K) bool {
	return !r.destroyed.Load() && r.caching() && r.m.ContainsKey(k)
}

// Keys returns the keys present locally.
func (r *Region[K, V]) Keys() []K {
	if r.destroyed.Load() {
		return nil
	}
	return r.m.Keys()
}

// Values returns the values present locally.
func (r *Region[K, V]) Values() []V {
	if r.destroyed.Load() {
		return nil
	}
	return r.m.Values()
}

// Entries returns the local entries.
func (r *Region[K, V]) Entries() []*entries.MapEntry[K, V] {
	if r.destroyed.Load() {
		return nil
	}
	return r.m.Entries()
}

// Size returns the number of keys present locally.
func (r *Region[K, V]) Size() int {
	if r.destroyed.Load() {
		return 0
	}
	return r.m.Size()
}

// ---- lifecycle ----

// DestroyRegion destroys the region on the server and then locally.
func (r *Region[K, V]) DestroyRegion(ctx context.Context, arg any) error {
	if r.destroyed.Load() {
		return ErrRegionDestroyed
	}
	if r.attrs.Remote != nil {
		rctx, cancel := context.WithTimeout(ctx, r.attrs.RemoteTimeout)
		defer cancel()
		if err := r.attrs.Remote.DestroyRegion(rctx, arg); err != nil {
			return r.remoteError(rctx, "destroy-region", err)
		}
	}
	return r.Close()
}

// Close destroys the region locally. Later operations fail with
// ErrRegionDestroyed.
func (r *Region[K, V]) Close() error {
	if r.destroyed.Swap(true) {
		return nil
	}
	if r.attrs.Heap != nil {
		r.attrs.Heap.Unregister(r.path)
	}
	err := r.m.Close()
	if r.attrs.Overflow != nil {
		if cerr := r.attrs.Overflow.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	r.attrs.Stats.Entries(r.path, 0)
	dlog.Infof(r.attrs.LogContext, "region %s destroyed", r.path)
	return err
}

// Destroyed reports whether the region was destroyed or closed.
func (r *Region[K, V]) Destroyed() bool { return r.destroyed.Load() }

// ---- helpers ----

func (r *Region[K, V]) checkKey(k K) error {
	if isNil(k) {
		return fmt.Errorf("%w: nil key", ErrIllegalArgument)
	}
	return nil
}

// isNil reports whether v is nil or a nil pointer, map, slice, func,
// channel or interface.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
