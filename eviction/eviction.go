// Package eviction runs the process-wide heap-LRU: one background monitor
// that watches the bytes held by every registered map and asks the maps to
// shed values while the total is over a threshold.
package eviction

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ErrDuplicate is returned by Register for a name already registered.
var ErrDuplicate = errors.New("eviction: name already registered")

// Evictable is a map the controller can shrink. *entries.LRUMap implements it.
type Evictable interface {
	// EvictEntries evicts up to n values and returns how many it evicted.
	EvictEntries(n int) int
	// InMemoryCount is the number of values the map holds in memory.
	InMemoryCount() int
}

// Config tunes a Controller. Zero values are safe; defaults are applied in New.
type Config struct {
	// ThresholdBytes is the heap budget. 0 disables eviction; the
	// controller still accounts and reports the heap.
	ThresholdBytes int64
	// DeltaPercent is both the share of each map's values evicted per
	// round and how far below the threshold a pass brings the heap.
	// Defaults to 10.
	DeltaPercent float64
	// Interval between periodic checks. Defaults to 500ms.
	Interval time.Duration
	// SmoothingAge is the ewma age (in samples) of the smoothed heap gauge.
	// Defaults to 30.
	SmoothingAge float64

	Metrics Metrics
}

// Stats is a point-in-time view of the controller.
type Stats struct {
	HeapSize   int64
	Smoothed   float64
	Threshold  int64
	Passes     uint64
	Evicted    uint64
	Registered int
	Running    bool
}

// Controller is the heap-LRU monitor. It implements entries.HeapAccountant.
//
// Start launches the monitor goroutine and Stop ends it; both may be called
// any number of times. No controller lock is held while a map evicts.
type Controller struct {
	cfg Config

	heap    atomic.Int64
	passes  atomic.Uint64
	evicted atomic.Uint64
	trigger chan struct{}

	mu      sync.Mutex
	maps    map[string]Evictable
	avg     ewma.MovingAverage
	cancel  context.CancelFunc
	grp     *dgroup.Group
	running bool
}

// New returns a stopped controller.
func New(cfg Config) *Controller {
	if cfg.DeltaPercent <= 0 || cfg.DeltaPercent > 100 {
		cfg.DeltaPercent = 10
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.SmoothingAge <= 0 {
		cfg.SmoothingAge = 30
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NoopMetrics{}
	}
	return &Controller{
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
		maps:    make(map[string]Evictable),
		avg:     ewma.NewMovingAverage(cfg.SmoothingAge),
	}
}

// Register adds a map under a unique name, usually the region path.
func (c *Controller) Register(name string, e Evictable) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.maps[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicate, name)
	}
	c.maps[name] = e
	return nil
}

// Unregister removes a map; unknown names are ignored.
func (c *Controller) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.maps, name)
}

// IncrementHeapSize records a change of the accounted heap. Crossing the
// threshold wakes the monitor without waiting for the next tick.
func (c *Controller) IncrementHeapSize(delta int64) {
	n := c.heap.Add(delta)
	if delta > 0 && c.cfg.ThresholdBytes > 0 && n > c.cfg.ThresholdBytes {
		select {
		case c.trigger <- struct{}{}:
		default:
		}
	}
}

// HeapSize returns the accounted heap in bytes.
func (c *Controller) HeapSize() int64 { return c.heap.Load() }

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		HeapSize:   c.heap.Load(),
		Smoothed:   c.avg.Value(),
		Threshold:  c.cfg.ThresholdBytes,
		Passes:     c.passes.Load(),
		Evicted:    c.evicted.Load(),
		Registered: len(c.maps),
		Running:    c.running,
	}
}

// Start launches the monitor. It is a no-op if the monitor is running.
// The monitor stops on Stop or when ctx is done.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.grp = dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	c.grp.Go("heap-lru", c.run)
	c.running = true
	dlog.Infof(ctx, "eviction: heap-LRU started (threshold %d bytes, delta %.0f%%)",
		c.cfg.ThresholdBytes, c.cfg.DeltaPercent)
}

// Stop ends the monitor and waits for it. It is a no-op if the monitor is
// not running.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	cancel, grp := c.cancel, c.grp
	c.cancel, c.grp, c.running = nil, nil, false
	c.mu.Unlock()

	cancel()
	return grp.Wait()
}

func (c *Controller) run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-c.trigger:
		}
		c.RunOnce(ctx)
	}
}

// RunOnce performs one check: it samples the heap and, if it is over the
// threshold, evicts until it is DeltaPercent below it or no map can make
// progress. It returns the number of values evicted.
func (c *Controller) RunOnce(ctx context.Context) int {
	heap := c.heap.Load()
	c.mu.Lock()
	c.avg.Add(float64(heap))
	c.mu.Unlock()
	c.cfg.Metrics.HeapSize(heap)

	limit := c.cfg.ThresholdBytes
	if limit <= 0 || heap <= limit {
		return 0
	}
	target := int64(float64(limit) * (1 - c.cfg.DeltaPercent/100))
	c.passes.Add(1)
	c.cfg.Metrics.Pass()
	dlog.Debugf(ctx, "eviction: heap %d over threshold %d, evicting down to %d", heap, limit, target)

	total := 0
	for c.heap.Load() > target && ctx.Err() == nil {
		progress := 0
		for _, name := range c.names() {
			c.mu.Lock()
			e, ok := c.maps[name]
			c.mu.Unlock()
			if !ok {
				continue
			}
			n := int(math.Ceil(float64(e.InMemoryCount()) * c.cfg.DeltaPercent / 100))
			if n == 0 {
				continue
			}
			got := c.evictFrom(ctx, name, e, n)
			if got > 0 {
				c.cfg.Metrics.Evicted(name, got)
			}
			progress += got
		}
		total += progress
		if progress == 0 {
			dlog.Warnf(ctx, "eviction: heap %d still over target %d with nothing left to evict", c.heap.Load(), target)
			break
		}
	}
	c.evicted.Add(uint64(total))
	return total
}

func (c *Controller) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := maps.Keys(c.maps)
	slices.Sort(names)
	return names
}

func (c *Controller) evictFrom(ctx context.Context, name string, e Evictable, n int) (got int) {
	defer func() {
		if err := derror.PanicToError(recover()); err != nil {
			dlog.Errorf(ctx, "eviction: %s: %+v", name, err)
			got = 0
		}
	}()
	return e.EvictEntries(n)
}
