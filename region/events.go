package region

import "context"

// Event describes one mutating operation to a Writer or Listener.
type Event[K comparable, V any] struct {
	Kind   Kind
	Region string
	Key    K
	Old    V
	HasOld bool
	New    V
	Arg    any
	Flags  EventFlags
}

// Writer is consulted before a client-initiated change; an error vetoes it.
type Writer[K comparable, V any] interface {
	BeforeEvent(ctx context.Context, ev Event[K, V]) error
}

// Listener is told about every applied change.
type Listener[K comparable, V any] interface {
	AfterEvent(ctx context.Context, ev Event[K, V])
}

// WriterFunc adapts a function to Writer.
type WriterFunc[K comparable, V any] func(ctx context.Context, ev Event[K, V]) error

func (f WriterFunc[K, V]) BeforeEvent(ctx context.Context, ev Event[K, V]) error { return f(ctx, ev) }

// ListenerFunc adapts a function to Listener.
type ListenerFunc[K comparable, V any] func(ctx context.Context, ev Event[K, V])

func (f ListenerFunc[K, V]) AfterEvent(ctx context.Context, ev Event[K, V]) { f(ctx, ev) }
