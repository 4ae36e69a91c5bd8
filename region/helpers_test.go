package region_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/datawire/dlib/dlog"

	"github.com/IvanBrykalov/gridclient/internal/memserver"
	"github.com/IvanBrykalov/gridclient/overflow"
	"github.com/IvanBrykalov/gridclient/region"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	return dlog.NewTestContext(t, false)
}

func newServer(t *testing.T) *memserver.Server[string, int] {
	t.Helper()
	return memserver.New[string, int](memserver.Options{LogContext: testCtx(t)})
}

// newRegion creates a region at "/test". A nil server makes it local.
func newRegion(t *testing.T, srv *memserver.Server[string, int], attrs region.Attributes[string, int]) *region.Region[string, int] {
	t.Helper()
	if srv != nil {
		attrs.Remote = srv
	}
	attrs.LogContext = testCtx(t)
	r, err := region.New("/test", attrs)
	if err != nil {
		t.Fatalf("region.New: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func localValue(r *region.Region[string, int], k string) (int, bool) {
	e, v, ok := r.GetEntry(k)
	if !ok || !e.Token().InMemory() {
		return 0, false
	}
	return v, true
}

type eventLog struct {
	mu  sync.Mutex
	evs []region.Event[string, int]
}

func (l *eventLog) AfterEvent(_ context.Context, ev region.Event[string, int]) {
	l.mu.Lock()
	l.evs = append(l.evs, ev)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []region.Kind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]region.Kind, len(l.evs))
	for i, ev := range l.evs {
		out[i] = ev.Kind
	}
	return out
}

type statsLog struct {
	mu     sync.Mutex
	ops    map[region.Kind]int
	deltas int
	hits   int
	misses int
}

func (s *statsLog) Op(_ string, k region.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ops == nil {
		s.ops = make(map[region.Kind]int)
	}
	s.ops[k]++
}

func (s *statsLog) Entries(string, int) {}

func (s *statsLog) Get(_ string, hit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hit {
		s.hits++
	} else {
		s.misses++
	}
}

func (s *statsLog) DeltaFailure(string) {
	s.mu.Lock()
	s.deltas++
	s.mu.Unlock()
}

// hookRemote runs beforePut inside the server's Put, while the client is
// waiting for the answer.
type hookRemote struct {
	*memserver.Server[string, int]
	beforePut func()
}

func (h hookRemote) Put(ctx context.Context, k string, v int, arg any) (region.Response[int], error) {
	if h.beforePut != nil {
		h.beforePut()
	}
	return h.Server.Put(ctx, k, v, arg)
}

var errDiskFull = errors.New("disk full")

// brokenStore accepts nothing.
type brokenStore struct{}

func (brokenStore) Write(string, int) error { return errDiskFull }
func (brokenStore) Read(string) (int, error) {
	return 0, overflow.ErrNotFound
}
func (brokenStore) Destroy(string) error { return nil }
func (brokenStore) Close() error         { return nil }
