// Package util holds the small helpers the entries maps share: key hashing,
// segment selection and cache-line padded counters.
package util

import "hash/maphash"

var seed = maphash.MakeSeed()

const (
	fnvOffset64 = 14695981039346656037
	fnvPrime64  = 1099511628211
)

// Hash is the default key hash of the entries maps. Strings and integer
// keys, the common region key types, use FNV-1a so that a key lands in the
// same segment across runs; every other comparable key goes through maphash.
func Hash[K comparable](k K) uint64 {
	switch v := any(k).(type) {
	case string:
		h := uint64(fnvOffset64)
		for i := 0; i < len(v); i++ {
			h ^= uint64(v[i])
			h *= fnvPrime64
		}
		return h
	case int:
		return fnvUint64(uint64(v))
	case int32:
		return fnvUint64(uint64(uint32(v)))
	case int64:
		return fnvUint64(uint64(v))
	case uint32:
		return fnvUint64(uint64(v))
	case uint64:
		return fnvUint64(v)
	}
	return maphash.Comparable(seed, k)
}

func fnvUint64(u uint64) uint64 {
	h := uint64(fnvOffset64)
	for i := 0; i < 8; i++ {
		h ^= u & 0xff
		h *= fnvPrime64
		u >>= 8
	}
	return h
}
