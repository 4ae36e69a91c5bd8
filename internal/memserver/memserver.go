// Package memserver is an in-process stand-in for the server side of a
// region. It versions every change the way a server member does, pushes
// change notifications to subscribed client regions and can simulate
// network latency. Tests and the load generator use it.
package memserver

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/jedisct1/go-clocksmith"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/gridclient/entries"
	"github.com/IvanBrykalov/gridclient/region"
)

// Subscriber receives the server's change notifications, for example
// (*region.Region).ApplyNotification of another client.
type Subscriber[K comparable, V any] func(ctx context.Context, n region.Notification[K, V]) error

// Options configures a Server. The zero value is a member 1 server with
// no latency that compares values with region.SerializedEqual.
type Options struct {
	Member  uint16
	Latency time.Duration
	Equal   region.Equality
	// LogContext carries the dlog logger for push failures.
	LogContext context.Context //nolint:containedctx // logging only
}

type record[V any] struct {
	val     V
	valid   bool
	tomb    bool
	version uint32
	member  uint16
}

// Server holds one region's data.
type Server[K comparable, V any] struct {
	member uint16
	equal  region.Equality
	ctx    context.Context //nolint:containedctx // logging only

	latency atomic.Int64
	calls   atomic.Int64
	failure atomic.Pointer[error]

	mu        sync.Mutex
	data      map[K]*record[V]
	rv        uint64
	destroyed bool
	subs      map[int]Subscriber[K, V]
	nextSub   int
}

// New creates an empty server region.
func New[K comparable, V any](opt Options) *Server[K, V] {
	if opt.Member == 0 {
		opt.Member = 1
	}
	if opt.Equal == nil {
		opt.Equal = region.SerializedEqual
	}
	if opt.LogContext == nil {
		opt.LogContext = context.Background()
	}
	s := &Server[K, V]{
		member: opt.Member,
		equal:  opt.Equal,
		ctx:    opt.LogContext,
		data:   make(map[K]*record[V]),
		subs:   make(map[int]Subscriber[K, V]),
	}
	s.latency.Store(int64(opt.Latency))
	return s
}

// SetLatency changes the simulated round-trip time.
func (s *Server[K, V]) SetLatency(d time.Duration) { s.latency.Store(int64(d)) }

// FailNext makes the next call fail with err.
func (s *Server[K, V]) FailNext(err error) { s.failure.Store(&err) }

// Calls returns the number of calls received.
func (s *Server[K, V]) Calls() int64 { return s.calls.Load() }

// Subscribe registers fn for change notifications and returns a function
// that removes it.
func (s *Server[K, V]) Subscribe(fn Subscriber[K, V]) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Value returns the server's value of k.
func (s *Server[K, V]) Value(k K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.data[k]
	if !ok || !r.valid {
		var zero V
		return zero, false
	}
	return r.val, true
}

// Len returns the number of keys holding a value.
func (s *Server[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.data {
		if r.valid {
			n++
		}
	}
	return n
}

// enter simulates the round trip and checks the region is usable.
// On success it returns with s.mu held.
func (s *Server[K, V]) enter(ctx context.Context) error {
	s.calls.Add(1)
	if d := time.Duration(s.latency.Load()); d > 0 {
		done := make(chan struct{})
		go func() {
			clocksmith.Sleep(d)
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if p := s.failure.Swap(nil); p != nil {
		return *p
	}
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return region.ErrRegionDestroyed
	}
	return nil
}

// bump gives r its next version. Called with s.mu held.
func (s *Server[K, V]) bump(r *record[V]) *entries.VersionTag {
	s.rv++
	tag := &entries.VersionTag{
		EntryVersion:   r.version + 1,
		RegionVersion:  s.rv,
		Member:         s.member,
		PreviousMember: r.member,
		Timestamp:      time.Now().UnixNano(),
	}
	r.version, r.member = tag.EntryVersion, s.member
	return tag
}

func (s *Server[K, V]) tagOf(r *record[V]) *entries.VersionTag {
	return &entries.VersionTag{
		EntryVersion:   r.version,
		RegionVersion:  s.rv,
		Member:         r.member,
		PreviousMember: r.member,
	}
}

func (s *Server[K, V]) record(k K) *record[V] {
	r, ok := s.data[k]
	if !ok {
		r = &record[V]{tomb: true}
		s.data[k] = r
	}
	return r
}

func (s *Server[K, V]) live(k K) (*record[V], bool) {
	r, ok := s.data[k]
	return r, ok && !r.tomb
}

func (s *Server[K, V]) write(ctx context.Context, kind region.Kind, k K, v V, arg any) region.Response[V] {
	r := s.record(k)
	resp := region.Response[V]{Old: r.val, HasOld: r.valid}
	r.val, r.valid, r.tomb = v, true, false
	resp.Version = s.bump(r)
	s.mu.Unlock()
	s.push(ctx, region.Notification[K, V]{Kind: kind, Key: k, Value: v, Version: resp.Version, Arg: arg})
	return resp
}

func (s *Server[K, V]) destroy(ctx context.Context, r *record[V], k K, arg any) region.Response[V] {
	resp := region.Response[V]{Old: r.val, HasOld: r.valid}
	var zero V
	r.val, r.valid, r.tomb = zero, false, true
	resp.Version = s.bump(r)
	s.mu.Unlock()
	s.push(ctx, region.Notification[K, V]{Kind: region.KindDestroy, Key: k, Version: resp.Version, Arg: arg})
	return resp
}

// ---- region.Remote implementation ----

func (s *Server[K, V]) Put(ctx context.Context, k K, v V, arg any) (region.Response[V], error) {
	if err := s.enter(ctx); err != nil {
		return region.Response[V]{}, err
	}
	return s.write(ctx, region.KindPut, k, v, arg), nil
}

func (s *Server[K, V]) Create(ctx context.Context, k K, v V, arg any) (region.Response[V], error) {
	if err := s.enter(ctx); err != nil {
		return region.Response[V]{}, err
	}
	if _, ok := s.live(k); ok {
		s.mu.Unlock()
		return region.Response[V]{}, fmt.Errorf("%w: %v", region.ErrEntryExists, k)
	}
	return s.write(ctx, region.KindCreate, k, v, arg), nil
}

func (s *Server[K, V]) PutIfAbsent(ctx context.Context, k K, v V, arg any) (region.Response[V], error) {
	if err := s.enter(ctx); err != nil {
		return region.Response[V]{}, err
	}
	if r, ok := s.live(k); ok && r.valid {
		resp := region.Response[V]{Old: r.val, HasOld: true, Version: s.tagOf(r)}
		s.mu.Unlock()
		return resp, nil
	}
	return s.write(ctx, region.KindPut, k, v, arg), nil
}

func (s *Server[K, V]) Destroy(ctx context.Context, k K, arg any) (region.Response[V], error) {
	if err := s.enter(ctx); err != nil {
		return region.Response[V]{}, err
	}
	r, ok := s.live(k)
	if !ok {
		s.mu.Unlock()
		return region.Response[V]{}, fmt.Errorf("%w: %v", region.ErrEntryNotFound, k)
	}
	return s.destroy(ctx, r, k, arg), nil
}

func (s *Server[K, V]) Remove(ctx context.Context, k K, v V, arg any) (region.Response[V], error) {
	if err := s.enter(ctx); err != nil {
		return region.Response[V]{}, err
	}
	r, ok := s.live(k)
	if !ok || !r.valid {
		s.mu.Unlock()
		return region.Response[V]{}, fmt.Errorf("%w: %v", region.ErrEntryNotFound, k)
	}
	eq, err := s.equal(r.val, v)
	if err != nil {
		s.mu.Unlock()
		return region.Response[V]{}, err
	}
	if !eq {
		s.mu.Unlock()
		return region.Response[V]{}, fmt.Errorf("%w: %v holds another value", region.ErrEntryNotFound, k)
	}
	return s.destroy(ctx, r, k, arg), nil
}

// RemoveEx removes k whatever its value; an absent key is not an error.
func (s *Server[K, V]) RemoveEx(ctx context.Context, k K, arg any) (region.Response[V], error) {
	if err := s.enter(ctx); err != nil {
		return region.Response[V]{}, err
	}
	r, ok := s.live(k)
	if !ok {
		s.mu.Unlock()
		return region.Response[V]{}, nil
	}
	return s.destroy(ctx, r, k, arg), nil
}

func (s *Server[K, V]) Invalidate(ctx context.Context, k K, arg any) (region.Response[V], error) {
	if err := s.enter(ctx); err != nil {
		return region.Response[V]{}, err
	}
	r, ok := s.live(k)
	if !ok {
		s.mu.Unlock()
		return region.Response[V]{}, fmt.Errorf("%w: %v", region.ErrEntryNotFound, k)
	}
	resp := region.Response[V]{Old: r.val, HasOld: r.valid}
	var zero V
	r.val, r.valid = zero, false
	resp.Version = s.bump(r)
	s.mu.Unlock()
	s.push(ctx, region.Notification[K, V]{Kind: region.KindInvalidate, Key: k, Version: resp.Version, Arg: arg})
	return resp, nil
}

func (s *Server[K, V]) Get(ctx context.Context, k K, _ any) (V, *entries.VersionTag, error) {
	var zero V
	if err := s.enter(ctx); err != nil {
		return zero, nil, err
	}
	defer s.mu.Unlock()
	r, ok := s.live(k)
	if !ok || !r.valid {
		return zero, nil, fmt.Errorf("%w: %v", region.ErrEntryNotFound, k)
	}
	return r.val, s.tagOf(r), nil
}

func (s *Server[K, V]) DestroyRegion(ctx context.Context, _ any) error {
	if err := s.enter(ctx); err != nil {
		return err
	}
	s.destroyed = true
	s.data = nil
	s.mu.Unlock()
	return nil
}

// Update changes k on the server side with fn, as another client would,
// and notifies subscribers with both the delta and the new value.
func (s *Server[K, V]) Update(ctx context.Context, k K, fn entries.Delta[V]) (*entries.VersionTag, error) {
	if err := s.enter(ctx); err != nil {
		return nil, err
	}
	r, ok := s.live(k)
	if !ok || !r.valid {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", region.ErrEntryNotFound, k)
	}
	v, err := fn(r.val)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	r.val = v
	tag := s.bump(r)
	s.mu.Unlock()
	s.push(ctx, region.Notification[K, V]{Kind: region.KindPut, Key: k, Value: v, Delta: fn, Version: tag})
	return tag, nil
}

// push delivers n to every subscriber concurrently and waits for them.
func (s *Server[K, V]) push(ctx context.Context, n region.Notification[K, V]) {
	s.mu.Lock()
	subs := make([]Subscriber[K, V], 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	if len(subs) == 0 {
		return
	}

	var g errgroup.Group
	for _, fn := range subs {
		g.Go(func() error { return fn(context.WithoutCancel(ctx), n) })
	}
	if err := g.Wait(); err != nil {
		dlog.Errorf(s.ctx, "memserver: notify %s %v: %v", n.Kind, n.Key, err)
	}
}

var _ region.Remote[string, int] = (*Server[string, int])(nil)
