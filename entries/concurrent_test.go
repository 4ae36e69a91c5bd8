package entries

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// Basic Put/Get/Remove semantics: round trip, prior values, not-found.
func TestConcurrent_PutGetRemove(t *testing.T) {
	t.Parallel()

	m := NewConcurrent[string, int](Options[string, int]{})
	t.Cleanup(func() { _ = m.Close() })

	res, err := m.Put("a", 1, noOpts[int]())
	require.NoError(t, err)
	require.False(t, res.Updated)
	require.False(t, res.HadOld)

	res, err = m.Put("a", 11, noOpts[int]())
	require.NoError(t, err)
	require.True(t, res.Updated)
	require.Equal(t, 1, res.Old)

	v, e, ok := m.Get("a")
	require.True(t, ok)
	require.Equal(t, 11, v)
	require.Equal(t, "a", e.Key())

	res, err = m.Remove("a", noOpts[int]())
	require.NoError(t, err)
	require.True(t, res.HadOld)
	require.Equal(t, 11, res.Old)
	require.True(t, res.Entry.TestEvicted(), "removed handle must read as evicted")

	_, _, ok = m.Get("a")
	require.False(t, ok)
	require.Equal(t, 0, m.Size())
	require.True(t, m.Empty())

	_, err = m.Remove("a", noOpts[int]())
	require.ErrorIs(t, err, ErrEntryNotFound)

	_, err = m.Remove("a", UpdateOptions[int]{AfterRemote: true})
	require.NoError(t, err, "not-found after a remote destroy is success")
}

// Create only succeeds on keys that hold no value; invalid entries count.
func TestConcurrent_CreateAndInvalidate(t *testing.T) {
	t.Parallel()

	m := NewConcurrent[string, string](Options[string, string]{})
	t.Cleanup(func() { _ = m.Close() })

	_, err := m.Create("k", "v1", noOpts[string]())
	require.NoError(t, err)
	_, err = m.Create("k", "v2", noOpts[string]())
	require.ErrorIs(t, err, ErrEntryExists)

	res, err := m.Invalidate("k", noOpts[string]())
	require.NoError(t, err)
	require.Equal(t, "v1", res.Old)

	_, e, ok := m.Get("k")
	require.False(t, ok, "invalid entry is a miss")
	require.NotNil(t, e)
	require.Equal(t, TokenInvalid, e.Token())
	require.True(t, m.ContainsKey("k"))
	require.Equal(t, 1, m.Size())
	require.Empty(t, m.Values())

	_, err = m.Create("k", "v3", noOpts[string]())
	require.ErrorIs(t, err, ErrEntryExists)

	_, err = m.Invalidate("missing", noOpts[string]())
	require.ErrorIs(t, err, ErrEntryNotFound)
	require.False(t, m.ContainsKey("missing"))

	_, err = m.Put("k", "v4", noOpts[string]())
	require.NoError(t, err)
	v, _, ok := m.Get("k")
	require.True(t, ok)
	require.Equal(t, "v4", v)
}

// Inserting many keys into a map with a tiny initial capacity rehashes
// segments and loses nothing.
func TestConcurrent_RehashKeepsEveryKey(t *testing.T) {
	t.Parallel()

	stats := &countingMetrics{}
	m := NewConcurrent[string, int](Options[string, int]{
		InitialCapacity:  1,
		ConcurrencyLevel: 4,
		Metrics:          stats,
	})
	t.Cleanup(func() { _ = m.Close() })

	const n = 10_000
	for i := 0; i < n; i++ {
		_, err := m.Put("k:"+strconv.Itoa(i), i, noOpts[int]())
		require.NoError(t, err)
	}
	require.Equal(t, n, m.Size())
	require.Greater(t, m.RehashCount(), uint64(0))
	require.Equal(t, int64(m.RehashCount()), stats.rehashes.Load())
	require.EqualValues(t, n, stats.entries.Load())

	for i := 0; i < n; i++ {
		v, _, ok := m.Get("k:" + strconv.Itoa(i))
		if !ok || v != i {
			t.Fatalf("k:%d: got %d ok=%v", i, v, ok)
		}
	}
	require.Len(t, m.Keys(), n)
	require.Len(t, m.Entries(), n)
	require.Len(t, m.Values(), n)
}

func TestConcurrent_ClearAndClose(t *testing.T) {
	t.Parallel()

	m := NewConcurrent[int, int](Options[int, int]{})
	for i := 0; i < 100; i++ {
		_, _ = m.Put(i, i, noOpts[int]())
	}
	_, e, _ := m.Get(7)

	m.Clear()
	require.Equal(t, 0, m.Size())
	require.True(t, e.TestEvicted())

	_, err := m.Put(1, 1, noOpts[int]())
	require.NoError(t, err, "a cleared map stays usable")

	require.NoError(t, m.Close())
	require.NoError(t, m.Close(), "Close is idempotent")
	_, err = m.Put(2, 2, noOpts[int]())
	require.ErrorIs(t, err, ErrClosed)
	require.Equal(t, 0, m.Size())
}

// Timestamps follow the map clock: reads move LastAccessed, writes both.
func TestConcurrent_Timestamps_FakeClock(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{t: int64(time.Hour)}
	m := NewConcurrent[string, int](Options[string, int]{Clock: clk})
	t.Cleanup(func() { _ = m.Close() })

	res, _ := m.Put("x", 1, noOpts[int]())
	created := res.Entry.LastModified()

	clk.add(time.Second)
	_, e, _ := m.Get("x")
	require.Equal(t, created, e.LastModified())
	require.Equal(t, created.Add(time.Second), e.LastAccessed())

	clk.add(time.Second)
	_, _ = m.Put("x", 2, noOpts[int]())
	require.Equal(t, created.Add(2*time.Second), e.LastModified())
}

// A tracked key that changes underneath the tracker rejects the tracked
// update; an unchanged one accepts it.
func TestConcurrent_TrackerDetectsUpdate(t *testing.T) {
	t.Parallel()

	m := NewConcurrent[string, int](Options[string, int]{})
	t.Cleanup(func() { _ = m.Close() })

	_, _ = m.Put("k", 1, noOpts[int]())

	tr := m.AddTracker("k")
	require.True(t, tr.Valid())
	_, _ = m.Put("k", 2, noOpts[int]()) // concurrent writer
	_, err := m.Put("k", 3, UpdateOptions[int]{Tracker: tr})
	require.ErrorIs(t, err, ErrEntryUpdated)
	_, err = m.Remove("k", UpdateOptions[int]{Tracker: tr})
	require.ErrorIs(t, err, ErrEntryUpdated)
	m.RemoveTracker("k")

	v, _, _ := m.Get("k")
	require.Equal(t, 2, v)

	tr = m.AddTracker("k")
	_, err = m.Put("k", 4, UpdateOptions[int]{Tracker: tr})
	require.NoError(t, err)
	m.RemoveTracker("k")
	v, _, _ = m.Get("k")
	require.Equal(t, 4, v)
}

// Tracking an absent key leaves an invisible placeholder that goes away
// with the last tracker, unless a value was put meanwhile.
func TestConcurrent_TrackerOnAbsentKey(t *testing.T) {
	t.Parallel()

	m := NewConcurrent[string, int](Options[string, int]{})
	t.Cleanup(func() { _ = m.Close() })

	tr := m.AddTracker("gone")
	require.False(t, m.ContainsKey("gone"))
	require.Equal(t, 0, m.Size())
	m.RemoveTracker("gone")
	require.Empty(t, m.Entries())

	tr = m.AddTracker("n")
	res, err := m.Put("n", 1, UpdateOptions[int]{Tracker: tr})
	require.NoError(t, err)
	require.False(t, res.Updated)
	m.RemoveTracker("n")

	v, _, ok := m.Get("n")
	require.True(t, ok)
	require.Equal(t, 1, v)
	require.Equal(t, 1, m.Size())

	// Removing while tracked keeps the placeholder until RemoveTracker.
	tr = m.AddTracker("n")
	_, err = m.Remove("n", UpdateOptions[int]{Tracker: tr})
	require.NoError(t, err)
	require.False(t, m.ContainsKey("n"))
	m.RemoveTracker("n")
	require.Equal(t, 0, m.Size())
}

func TestConcurrent_TrackersOffWithConcurrencyChecks(t *testing.T) {
	t.Parallel()

	m := NewConcurrent[string, int](Options[string, int]{ConcurrencyChecks: true})
	t.Cleanup(func() { _ = m.Close() })

	tr := m.AddTracker("k")
	require.False(t, tr.Valid())
	m.RemoveTracker("k")
	require.False(t, m.ContainsKey("k"))
}

// Concurrent writers on disjoint keys all land.
func TestConcurrent_ParallelWriters(t *testing.T) {
	t.Parallel()

	m := NewConcurrent[int, int](Options[int, int]{InitialCapacity: 1})
	t.Cleanup(func() { _ = m.Close() })

	const workers, perWorker = 8, 2_000
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				k := w*perWorker + i
				if _, err := m.Put(k, k, noOpts[int]()); err != nil {
					return err
				}
				if v, _, ok := m.Get(k); !ok || v != k {
					return errors.New("lost own write " + strconv.Itoa(k))
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, workers*perWorker, m.Size())
}

func TestNew_SelectsVariant(t *testing.T) {
	t.Parallel()

	_, ok := New[string, int](Options[string, int]{}).(*ConcurrentMap[string, int])
	require.True(t, ok)
	_, ok = New[string, int](Options[string, int]{LRULimit: 3}).(*LRUMap[string, int])
	require.True(t, ok)
	_, ok = New[string, int](Options[string, int]{Heap: &heapRecorder{}}).(*LRUMap[string, int])
	require.True(t, ok)
}

func TestNextPrime(t *testing.T) {
	t.Parallel()

	for in, want := range map[int]int{0: 7, 7: 7, 8: 11, 15: 17, 24: 29, 100: 101} {
		require.Equal(t, want, nextPrime(in), "nextPrime(%d)", in)
	}
}
