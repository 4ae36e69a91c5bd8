package region

// Stats receives region counters. NoopStats is used by default.
type Stats interface {
	// Op counts a completed mutating operation.
	Op(region string, kind Kind)
	// Entries reports the number of keys the region holds.
	Entries(region string, n int)
	Get(region string, hit bool)
	// DeltaFailure counts deltas that needed a full-value refetch.
	DeltaFailure(region string)
}

// NoopStats is a drop-in Stats implementation that does nothing.
type NoopStats struct{}

func (NoopStats) Op(string, Kind)     {}
func (NoopStats) Entries(string, int) {}
func (NoopStats) Get(string, bool)    {}
func (NoopStats) DeltaFailure(string) {}

var _ Stats = NoopStats{}
