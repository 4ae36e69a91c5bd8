// Package overflow holds values that a bounded entries map evicted with
// policy.OverflowToDisk. A Manager is bound to one region.
package overflow

import (
	"bytes"
	"errors"

	"git.lukeshu.com/go/lowmemjson"
)

var (
	// ErrNotFound is returned by Read for keys with no stored value.
	ErrNotFound = errors.New("overflow: value not found")
	// ErrClosed is returned by every call after Close.
	ErrClosed = errors.New("overflow: manager closed")
)

// Manager stores evicted values. Implementations are safe for concurrent
// use; the entries map never has two writes of one key in flight.
type Manager[K comparable, V any] interface {
	Write(k K, v V) error
	Read(k K) (V, error)
	Destroy(k K) error
	Close() error
}

// Codec turns values into bytes and back.
type Codec[V any] interface {
	Marshal(v V) ([]byte, error)
	Unmarshal(data []byte) (V, error)
}

// JSONCodec encodes values as JSON with lowmemjson.
type JSONCodec[V any] struct{}

func (JSONCodec[V]) Marshal(v V) ([]byte, error) {
	var buf bytes.Buffer
	if err := lowmemjson.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (JSONCodec[V]) Unmarshal(data []byte) (V, error) {
	var v V
	if err := lowmemjson.NewDecoder(bytes.NewBuffer(data)).DecodeThenEOF(&v); err != nil {
		var zero V
		return zero, err
	}
	return v, nil
}

var _ Codec[int] = JSONCodec[int]{}
