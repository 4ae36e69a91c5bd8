package entries

// Metrics exposes map-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	Hit()
	Miss()
	Evict(reason EvictReason)
	// Rehash is called each time a segment grows its bucket array.
	Rehash()
	// Overflow is called when a value is written to the overflow store,
	// FaultIn when one is read back.
	Overflow()
	FaultIn()
	Size(entries, inMemory int)
}

// NoopMetrics is a drop-in Metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) Hit()                       {}
func (NoopMetrics) Miss()                      {}
func (NoopMetrics) Evict(EvictReason)          {}
func (NoopMetrics) Rehash()                    {}
func (NoopMetrics) Overflow()                  {}
func (NoopMetrics) FaultIn()                   {}
func (NoopMetrics) Size(entries, inMemory int) {}

// Ensure NoopMetrics implements the Metrics interface at compile time.
var _ Metrics = NoopMetrics{}
