package eviction

// Metrics receives controller signals. NoopMetrics is used by default.
type Metrics interface {
	// HeapSize is the accounted heap sampled at each check.
	HeapSize(bytes int64)
	// Pass is called for each check that found the heap over threshold.
	Pass()
	Evicted(name string, n int)
}

// NoopMetrics is a drop-in Metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) HeapSize(int64)      {}
func (NoopMetrics) Pass()               {}
func (NoopMetrics) Evicted(string, int) {}

var _ Metrics = NoopMetrics{}
