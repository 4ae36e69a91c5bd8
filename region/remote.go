package region

import (
	"context"

	"github.com/IvanBrykalov/gridclient/entries"
)

// Response is the server's answer to a mutating call.
type Response[V any] struct {
	// Old is the value the server held before the call, if HasOld.
	Old    V
	HasOld bool
	// Version is the server's version of the entry after the call.
	Version *entries.VersionTag
}

// Remote is the server side of one region. Calls may block; the region
// bounds each with Attributes.RemoteTimeout and never holds a map lock
// across them.
type Remote[K comparable, V any] interface {
	Put(ctx context.Context, k K, v V, arg any) (Response[V], error)
	Create(ctx context.Context, k K, v V, arg any) (Response[V], error)
	// PutIfAbsent stores v only if the server has no value for k;
	// Response.HasOld reports the value that was kept instead.
	PutIfAbsent(ctx context.Context, k K, v V, arg any) (Response[V], error)
	Destroy(ctx context.Context, k K, arg any) (Response[V], error)
	// Remove destroys k only if it holds v; otherwise ErrEntryNotFound.
	Remove(ctx context.Context, k K, v V, arg any) (Response[V], error)
	// RemoveEx destroys k whatever its value.
	RemoveEx(ctx context.Context, k K, arg any) (Response[V], error)
	Invalidate(ctx context.Context, k K, arg any) (Response[V], error)
	// Get returns the full current value; ErrEntryNotFound if there is none.
	Get(ctx context.Context, k K, arg any) (V, *entries.VersionTag, error)
	DestroyRegion(ctx context.Context, arg any) error
}
