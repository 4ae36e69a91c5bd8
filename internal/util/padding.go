package util

import "sync/atomic"

const cacheLine = 64

// CacheLinePad separates fields written by different goroutines.
type CacheLinePad struct{ _ [cacheLine]byte }

// PaddedAtomicInt64 is an atomic.Int64 occupying a whole cache line.
type PaddedAtomicInt64 struct {
	atomic.Int64
	_ [cacheLine - 8]byte
}

// PaddedAtomicUint64 is an atomic.Uint64 occupying a whole cache line.
type PaddedAtomicUint64 struct {
	atomic.Uint64
	_ [cacheLine - 8]byte
}
