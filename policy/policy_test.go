package policy

import (
	"sync"
	"testing"
)

// Bit operations are idempotent and independent of each other.
func TestBits_SetClearIdempotent(t *testing.T) {
	t.Parallel()

	var b Bits
	b.SetRecentlyUsed()
	b.SetRecentlyUsed()
	if !b.TestRecentlyUsed() {
		t.Fatal("recently-used must be set")
	}
	if b.TestEvicted() {
		t.Fatal("evicted must stay clear")
	}
	b.SetEvicted()
	b.ClearRecentlyUsed()
	b.ClearRecentlyUsed()
	if b.TestRecentlyUsed() || !b.TestEvicted() {
		t.Fatalf("unexpected bits: ru=%v ev=%v", b.TestRecentlyUsed(), b.TestEvicted())
	}
	b.ClearEvicted()
	if b.TestEvicted() {
		t.Fatal("evicted must be clear")
	}
}

// Exactly one of many concurrent MarkLinked callers wins.
func TestBits_MarkLinkedOnce(t *testing.T) {
	t.Parallel()

	var (
		b    Bits
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.SetRecentlyUsed()
			if b.MarkLinked() {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("MarkLinked winners = %d, want 1", wins)
	}
	if !b.Linked() || !b.TestRecentlyUsed() {
		t.Fatal("linked and recently-used must both survive concurrent updates")
	}
}

func TestAction_Text(t *testing.T) {
	t.Parallel()

	cases := map[string]Action{
		"local-destroy":    LocalDestroy,
		"LOCAL_INVALIDATE": LocalInvalidate,
		"overflow":         OverflowToDisk,
		"overflow_to_disk": OverflowToDisk,
	}
	for in, want := range cases {
		var a Action
		if err := a.UnmarshalText([]byte(in)); err != nil {
			t.Fatalf("%q: %v", in, err)
		}
		if a != want {
			t.Fatalf("%q: got %v want %v", in, a, want)
		}
	}
	var a Action
	if err := a.UnmarshalText([]byte("shred")); err == nil {
		t.Fatal("unknown action must fail")
	}
	if !OverflowToDisk.Overflows() || LocalDestroy.Overflows() {
		t.Fatal("Overflows mismatch")
	}
}
