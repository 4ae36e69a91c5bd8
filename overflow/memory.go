package overflow

import "sync"

// Memory is a Manager backed by a map. It is meant for tests and for
// regions whose "disk" is another process memory tier.
type Memory[K comparable, V any] struct {
	mu     sync.RWMutex
	m      map[K]V
	closed bool
}

// NewMemory returns an empty in-memory Manager.
func NewMemory[K comparable, V any]() *Memory[K, V] {
	return &Memory[K, V]{m: make(map[K]V)}
}

func (s *Memory[K, V]) Write(k K, v V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.m[k] = v
	return nil
}

func (s *Memory[K, V]) Read(k K) (V, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var zero V
	if s.closed {
		return zero, ErrClosed
	}
	v, ok := s.m[k]
	if !ok {
		return zero, ErrNotFound
	}
	return v, nil
}

func (s *Memory[K, V]) Destroy(k K) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.m, k)
	return nil
}

// Len returns the number of stored values.
func (s *Memory[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

func (s *Memory[K, V]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.m = nil
	return nil
}

var _ Manager[string, int] = (*Memory[string, int])(nil)
