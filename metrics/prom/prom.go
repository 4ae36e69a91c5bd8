// Package prom exports gridclient metrics to Prometheus.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/gridclient/entries"
	"github.com/IvanBrykalov/gridclient/eviction"
	"github.com/IvanBrykalov/gridclient/region"
)

// Adapter implements region.Stats and eviction.Metrics, and hands out
// per-region entries.Metrics through Map.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	// entries map
	hits      *prometheus.CounterVec
	misses    *prometheus.CounterVec
	evicts    *prometheus.CounterVec
	rehashes  *prometheus.CounterVec
	overflows *prometheus.CounterVec
	faults    *prometheus.CounterVec
	sizeEnt   *prometheus.GaugeVec
	sizeMem   *prometheus.GaugeVec

	// region
	ops       *prometheus.CounterVec
	regionEnt *prometheus.GaugeVec
	gets      *prometheus.CounterVec
	deltaFail *prometheus.CounterVec

	// heap controller
	heap       prometheus.Gauge
	passes     prometheus.Counter
	heapEvicts *prometheus.CounterVec
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}, labels)
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}, labels)
	}

	a := &Adapter{
		hits:      counter("map_hits_total", "Entries map hits", "region"),
		misses:    counter("map_misses_total", "Entries map misses", "region"),
		evicts:    counter("map_evictions_total", "LRU evictions by reason", "region", "reason"),
		rehashes:  counter("map_rehashes_total", "Segment rehashes", "region"),
		overflows: counter("map_overflow_writes_total", "Values written to the overflow store", "region"),
		faults:    counter("map_fault_ins_total", "Values read back from the overflow store", "region"),
		sizeEnt:   gauge("map_size_entries", "Keys present in the map", "region"),
		sizeMem:   gauge("map_size_in_memory", "Values resident in memory", "region"),

		ops:       counter("region_operations_total", "Completed region operations by kind", "region", "op"),
		regionEnt: gauge("region_entries", "Keys held by the region", "region"),
		gets:      counter("region_gets_total", "Region gets by local result", "region", "result"),
		deltaFail: counter("region_delta_failures_total", "Deltas replaced by a full-value fetch", "region"),

		heap: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "heap_bytes",
			Help:        "Accounted resident bytes of heap-LRU regions",
			ConstLabels: constLabels,
		}),
		passes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "heap_passes_total",
			Help:        "Heap-LRU checks that found the heap over threshold",
			ConstLabels: constLabels,
		}),
		heapEvicts: counter("heap_evictions_total", "Values evicted by the heap-LRU controller", "region"),
	}
	reg.MustRegister(
		a.hits, a.misses, a.evicts, a.rehashes, a.overflows, a.faults, a.sizeEnt, a.sizeMem,
		a.ops, a.regionEnt, a.gets, a.deltaFail,
		a.heap, a.passes, a.heapEvicts,
	)
	return a
}

// Map returns the entries.Metrics of the region at path.
func (a *Adapter) Map(path string) entries.Metrics {
	return &mapMetrics{
		hits:      a.hits.WithLabelValues(path),
		misses:    a.misses.WithLabelValues(path),
		evicts:    a.evicts.MustCurryWith(prometheus.Labels{"region": path}),
		rehashes:  a.rehashes.WithLabelValues(path),
		overflows: a.overflows.WithLabelValues(path),
		faults:    a.faults.WithLabelValues(path),
		sizeEnt:   a.sizeEnt.WithLabelValues(path),
		sizeMem:   a.sizeMem.WithLabelValues(path),
	}
}

type mapMetrics struct {
	hits, misses, rehashes, overflows, faults prometheus.Counter
	evicts                                    *prometheus.CounterVec
	sizeEnt, sizeMem                          prometheus.Gauge
}

func (m *mapMetrics) Hit()      { m.hits.Inc() }
func (m *mapMetrics) Miss()     { m.misses.Inc() }
func (m *mapMetrics) Rehash()   { m.rehashes.Inc() }
func (m *mapMetrics) Overflow() { m.overflows.Inc() }
func (m *mapMetrics) FaultIn()  { m.faults.Inc() }

// Evict increments the eviction counter with a reason label.
func (m *mapMetrics) Evict(r entries.EvictReason) {
	m.evicts.WithLabelValues(r.String()).Inc()
}

// Size updates gauges for the number of keys and resident values.
func (m *mapMetrics) Size(n, inMemory int) {
	m.sizeEnt.Set(float64(n))
	m.sizeMem.Set(float64(inMemory))
}

// ---- region.Stats ----

func (a *Adapter) Op(path string, k region.Kind) { a.ops.WithLabelValues(path, k.String()).Inc() }

func (a *Adapter) Entries(path string, n int) { a.regionEnt.WithLabelValues(path).Set(float64(n)) }

func (a *Adapter) Get(path string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	a.gets.WithLabelValues(path, result).Inc()
}

func (a *Adapter) DeltaFailure(path string) { a.deltaFail.WithLabelValues(path).Inc() }

// ---- eviction.Metrics ----

func (a *Adapter) HeapSize(bytes int64) { a.heap.Set(float64(bytes)) }

func (a *Adapter) Pass() { a.passes.Inc() }

func (a *Adapter) Evicted(name string, n int) { a.heapEvicts.WithLabelValues(name).Add(float64(n)) }

// Compile-time checks.
var (
	_ entries.Metrics  = (*mapMetrics)(nil)
	_ region.Stats     = (*Adapter)(nil)
	_ eviction.Metrics = (*Adapter)(nil)
)
