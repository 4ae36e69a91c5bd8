package singleflight

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Concurrent callers for one key share a single execution.
func TestGroup_Coalesces(t *testing.T) {
	t.Parallel()

	var (
		g     Group[string, int]
		calls atomic.Int32
		wg    sync.WaitGroup
	)
	start := make(chan struct{})
	release := make(chan struct{})

	const n = 32
	results := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			v, err, _ := g.Do("k", func() (int, error) {
				calls.Add(1)
				<-release
				return 42, nil
			})
			if err != nil {
				t.Errorf("Do: %v", err)
			}
			results[i] = v
		}(i)
	}
	close(start)
	// Let the followers pile up behind the leader.
	for !g.InFlight("k") {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() < 1 || calls.Load() > n {
		t.Fatalf("calls = %d", calls.Load())
	}
	for i, v := range results {
		if v != 42 {
			t.Fatalf("result[%d] = %d, want 42", i, v)
		}
	}
	if g.InFlight("k") {
		t.Fatal("call must be forgotten after completion")
	}
}

// Errors are shared too, and the next call runs again.
func TestGroup_ErrorNotCached(t *testing.T) {
	t.Parallel()

	var g Group[int, string]
	boom := errors.New("boom")
	if _, err, _ := g.Do(1, func() (string, error) { return "", boom }); !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}
	v, err, shared := g.Do(1, func() (string, error) { return "ok", nil })
	if err != nil || v != "ok" || shared {
		t.Fatalf("second call: v=%q err=%v shared=%v", v, err, shared)
	}
}
