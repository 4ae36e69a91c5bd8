// Package client owns the regions of one client cache: it keeps the region
// directory, applies file configuration, runs the heap-LRU controller and
// hands out transactions.
package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"
	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/IvanBrykalov/gridclient/entries"
	"github.com/IvanBrykalov/gridclient/eviction"
	"github.com/IvanBrykalov/gridclient/overflow"
	"github.com/IvanBrykalov/gridclient/region"
)

var (
	ErrCacheClosed    = errors.New("client: cache closed")
	ErrRegionExists   = errors.New("client: region already exists")
	ErrRegionNotFound = errors.New("client: region not found")
	// ErrRegionType reports a region looked up with other key or value types
	// than it was created with.
	ErrRegionType  = errors.New("client: region has other key or value types")
	ErrInvalidPath = errors.New("client: invalid region path")
)

// regionHandle is the type-independent view of a *region.Region.
type regionHandle interface {
	Path() string
	Size() int
	Destroyed() bool
	Close() error
}

// Cache is a client cache: a tree of regions sharing one heap controller.
type Cache struct {
	cfg  Config
	ctx  context.Context //nolint:containedctx // logging and controller lifetime
	heap *eviction.Controller
	tx   *TxManager

	mu      sync.Mutex
	regions *iradix.Tree // full path -> regionHandle
	closed  bool
}

// Options are the programmatic settings of New.
type Options struct {
	Config Config
	// HeapMetrics receives the heap controller's metrics.
	HeapMetrics eviction.Metrics
}

// New creates a cache. If the configuration sets a heap threshold the
// heap-LRU controller is started and runs until Close.
func New(ctx context.Context, opt Options) (*Cache, error) {
	if err := opt.Config.Validate(); err != nil {
		return nil, err
	}
	if opt.Config.Name != "" {
		ctx = dlog.WithField(ctx, "cache", opt.Config.Name)
	}
	c := &Cache{
		cfg:     opt.Config,
		ctx:     ctx,
		tx:      &TxManager{},
		regions: iradix.New(),
	}
	if hc := opt.Config.Heap; hc.ThresholdBytes > 0 {
		c.heap = eviction.New(eviction.Config{
			ThresholdBytes: hc.ThresholdBytes,
			DeltaPercent:   hc.DeltaPercent,
			Interval:       hc.Interval.Duration,
			Metrics:        opt.HeapMetrics,
		})
		c.heap.Start(ctx)
	}
	return c, nil
}

// Heap returns the heap-LRU controller, or nil when heap eviction is off.
func (c *Cache) Heap() *eviction.Controller { return c.heap }

// Tx returns the cache's transaction manager.
func (c *Cache) Tx() *TxManager { return c.tx }

// CreateRegion creates the region at path. A sub-region ("/a/b") needs
// its parent to exist. Settings for path in the cache's Config override
// attrs.
func CreateRegion[K comparable, V any](c *Cache, path string, attrs region.Attributes[K, V]) (*region.Region[K, V], error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	if attrs.LogContext == nil {
		attrs.LogContext = c.ctx
	}
	rc, configured := c.cfg.Regions[path]
	if configured {
		applyConfig(rc, &attrs)
		if rc.HeapLRU {
			attrs.Heap = c.heap
		}
	}
	if attrs.Heap == nil && attrs.Sizer != nil && c.heap != nil {
		attrs.Heap = c.heap
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCacheClosed
	}
	if _, ok := c.regions.Get([]byte(path)); ok {
		return nil, fmt.Errorf("%w: %s", ErrRegionExists, path)
	}
	if parent := parentPath(path); parent != "" {
		if _, ok := c.regions.Get([]byte(parent)); !ok {
			return nil, fmt.Errorf("%w: parent %s of %s", ErrRegionNotFound, parent, path)
		}
	}

	// The disk is made only once path is known to be free: another region's
	// files share its directory.
	var disk *overflow.Disk[K, V]
	if configured && attrs.EvictionAction.Overflows() && attrs.Overflow == nil && rc.OverflowDir != "" {
		var err error
		disk, err = overflow.NewDisk(overflow.DiskOptions[K, V]{
			Dir:           rc.OverflowDir,
			RegionID:      path,
			ReadCacheSize: rc.OverflowReadCache,
			LogContext:    attrs.LogContext,
		})
		if err != nil {
			return nil, fmt.Errorf("client: region %s: %w", path, err)
		}
		attrs.Overflow = disk
	}

	r, err := region.New(path, attrs)
	if err != nil {
		if disk != nil {
			_ = disk.Close()
		}
		return nil, err
	}
	c.regions, _, _ = c.regions.Insert([]byte(path), regionHandle(r))
	dlog.Debugf(c.ctx, "created region %s", path)
	return r, nil
}

// applyConfig copies the file settings onto attrs.
func applyConfig[K comparable, V any](rc RegionConfig, attrs *region.Attributes[K, V]) {
	attrs.DisableCaching = rc.DisableCaching
	attrs.ConcurrencyChecks = rc.ConcurrencyChecks
	if rc.InitialCapacity > 0 {
		attrs.InitialCapacity = rc.InitialCapacity
	}
	if rc.ConcurrencyLevel > 0 {
		attrs.ConcurrencyLevel = rc.ConcurrencyLevel
	}
	if rc.LRULimit > 0 {
		attrs.LRULimit = rc.LRULimit
		attrs.EvictionAction = rc.EvictionAction
	}
	if rc.RemoteTimeout.Duration > 0 {
		attrs.RemoteTimeout = rc.RemoteTimeout.Duration
	}
}

// parentPath returns "/a" for "/a/b" and "" for a root region.
func parentPath(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return ""
	}
	return path[:i]
}

func (c *Cache) lookup(path string) (regionHandle, error) {
	c.mu.Lock()
	tree := c.regions
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrCacheClosed
	}
	v, ok := tree.Get([]byte(path))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRegionNotFound, path)
	}
	return v.(regionHandle), nil
}

// GetRegion returns the region at path with the given key and value types.
func GetRegion[K comparable, V any](c *Cache, path string) (*region.Region[K, V], error) {
	h, err := c.lookup(path)
	if err != nil {
		return nil, err
	}
	r, ok := h.(*region.Region[K, V])
	if !ok {
		return nil, fmt.Errorf("%w: %s is %T", ErrRegionType, path, h)
	}
	return r, nil
}

// RootRegions returns the paths of the top-level regions, sorted.
func (c *Cache) RootRegions() []string {
	var out []string
	c.snapshot().Root().Walk(func(k []byte, _ interface{}) bool {
		if parentPath(string(k)) == "" {
			out = append(out, string(k))
		}
		return false
	})
	return out
}

// SubRegions returns the paths below path, sorted. Without recursive only
// the direct children are returned.
func (c *Cache) SubRegions(path string, recursive bool) []string {
	var out []string
	c.snapshot().Root().WalkPrefix([]byte(path+"/"), func(k []byte, _ interface{}) bool {
		if recursive || parentPath(string(k)) == path {
			out = append(out, string(k))
		}
		return false
	})
	return out
}

// Entries returns the local entries of the region at path and, with
// recursive, of its sub-regions of the same types.
func Entries[K comparable, V any](c *Cache, path string, recursive bool) ([]*entries.MapEntry[K, V], error) {
	r, err := GetRegion[K, V](c, path)
	if err != nil {
		return nil, err
	}
	out := r.Entries()
	if !recursive {
		return out, nil
	}
	for _, sub := range c.SubRegions(path, true) {
		if sr, err := GetRegion[K, V](c, sub); err == nil {
			out = append(out, sr.Entries()...)
		}
	}
	return out, nil
}

func (c *Cache) snapshot() *iradix.Tree {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regions
}

// CloseRegion closes the region at path and every region below it.
func (c *Cache) CloseRegion(path string) error {
	c.mu.Lock()
	v, ok := c.regions.Get([]byte(path))
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRegionNotFound, path)
	}
	handles := []regionHandle{v.(regionHandle)}
	c.regions.Root().WalkPrefix([]byte(path+"/"), func(_ []byte, v interface{}) bool {
		handles = append(handles, v.(regionHandle))
		return false
	})
	c.regions, _, _ = c.regions.Delete([]byte(path))
	c.regions, _ = c.regions.DeletePrefix([]byte(path + "/"))
	c.mu.Unlock()

	return closeAll(handles)
}

// Close closes every region and stops the heap controller.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var handles []regionHandle
	c.regions.Root().Walk(func(_ []byte, v interface{}) bool {
		handles = append(handles, v.(regionHandle))
		return false
	})
	c.regions = iradix.New()
	c.mu.Unlock()

	err := closeAll(handles)
	if c.heap != nil {
		if herr := c.heap.Stop(); herr != nil {
			err = errors.Join(err, herr)
		}
	}
	dlog.Infof(c.ctx, "cache closed (%d regions)", len(handles))
	return err
}

// closeAll closes sub-regions before their parents.
func closeAll(handles []regionHandle) error {
	sort.Slice(handles, func(i, j int) bool {
		return strings.Count(handles[i].Path(), "/") > strings.Count(handles[j].Path(), "/")
	})
	var errs derror.MultiError
	for _, h := range handles {
		if err := h.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.Path(), err))
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}
