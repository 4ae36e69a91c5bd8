package util

import (
	"math/bits"
	"runtime"
)

// MaxSegments caps the number of segments of one map.
const MaxSegments = 256

// SegmentCount returns the number of segments for a requested concurrency
// level: the level rounded up to a power of two, or 2*GOMAXPROCS rounded
// the same way when level <= 0. The result is within [1, MaxSegments].
func SegmentCount(level int) int {
	if level <= 0 {
		level = 2 * runtime.GOMAXPROCS(0)
	}
	if level >= MaxSegments {
		return MaxSegments
	}
	if level <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(level-1))
}

// SegmentIndex maps a key hash to one of n segments; n is a power of two.
func SegmentIndex(hash uint64, n int) int {
	// the low bits pick the bucket inside a segment
	return int((hash >> 32) & uint64(n-1))
}
