package entries

import (
	"math/rand"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/IvanBrykalov/gridclient/policy"
)

// benchmarkMix exercises a read/write mix against a warm map.
// It uses parallel workers (RunParallel spawns GOMAXPROCS goroutines).
func benchmarkMix(b *testing.B, m EntriesMap[string, string], readsPct int) {
	b.Cleanup(func() { _ = m.Close() })

	for i := 0; i < 50_000; i++ {
		_, _ = m.Put("k:"+strconv.Itoa(i), "v", UpdateOptions[string]{})
	}

	b.ReportAllocs()
	b.ResetTimer()

	var seed int64 = 1
	keyMask := (1 << 16) - 1

	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(atomic.AddInt64(&seed, 1)))
		i := 0
		for pb.Next() {
			k := "k:" + strconv.Itoa(i&keyMask)
			if r.Intn(100) < readsPct {
				m.Get(k)
			} else {
				_, _ = m.Put(k, "v", UpdateOptions[string]{})
			}
			i++
		}
	})
}

func BenchmarkConcurrent_90r10w(b *testing.B) {
	benchmarkMix(b, NewConcurrent[string, string](Options[string, string]{}), 90)
}

func BenchmarkConcurrent_50r50w(b *testing.B) {
	benchmarkMix(b, NewConcurrent[string, string](Options[string, string]{}), 50)
}

func BenchmarkLRU_90r10w(b *testing.B) {
	benchmarkMix(b, NewLRU[string, string](Options[string, string]{
		LRULimit:       32_768,
		EvictionAction: policy.LocalDestroy,
	}), 90)
}

func BenchmarkLRU_50r50w(b *testing.B) {
	benchmarkMix(b, NewLRU[string, string](Options[string, string]{
		LRULimit:       32_768,
		EvictionAction: policy.LocalDestroy,
	}), 50)
}

// Half the working set lives in the overflow store, so reads fault values
// back in and writes push others out.
func BenchmarkLRU_Overflow_90r10w(b *testing.B) {
	benchmarkMix(b, NewLRU[string, string](Options[string, string]{
		LRULimit:       32_768,
		EvictionAction: policy.OverflowToDisk,
		Overflow:       newMemStore[string, string](),
	}), 90)
}

func BenchmarkConcurrent_Versioned_50r50w(b *testing.B) {
	benchmarkMix(b, NewConcurrent[string, string](Options[string, string]{ConcurrencyChecks: true}), 50)
}

// Int keys remove strconv/alloc noise and expose the segment hot path.
func BenchmarkConcurrent_IntKeys_90r10w(b *testing.B) {
	m := NewConcurrent[int, int](Options[int, int]{})
	b.Cleanup(func() { _ = m.Close() })
	for i := 0; i < 50_000; i++ {
		_, _ = m.Put(i, 1, UpdateOptions[int]{})
	}

	b.ReportAllocs()
	b.ResetTimer()

	var seed int64 = 1
	keyMask := (1 << 16) - 1

	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(atomic.AddInt64(&seed, 1)))
		i := 0
		for pb.Next() {
			k := i & keyMask
			if r.Intn(100) < 90 {
				m.Get(k)
			} else {
				_, _ = m.Put(k, 1, UpdateOptions[int]{})
			}
			i++
		}
	})
}
