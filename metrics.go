package districts

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like
// Prometheus; the metrics package ships such an implementation.
type MetricsCollector interface {
	// RecordDatasetLoad is called after the dataset was read.
	RecordDatasetLoad(duration time.Duration, err error)

	// RecordRoot is called after each root of phase 1 with the states
	// expanded at that root, the states waiting at later roots and the last
	// RSS sample.
	RecordRoot(expanded uint64, live int, rss uint64)

	// RecordEnumeration is called when phase 1 ends.
	RecordEnumeration(buckets, rows int, duration time.Duration, err error)

	// RecordSnapshot is called after each snapshot write ("write") or read
	// ("read").
	RecordSnapshot(op string, bytes int64, duration time.Duration, err error)

	// RecordPair is called once per matched bucket pair.
	RecordPair(candidates, matched uint64)

	// RecordMatch is called when phase 2 ends.
	RecordMatch(pairs int, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordDatasetLoad(time.Duration, error)             {}
func (NoopMetricsCollector) RecordRoot(uint64, int, uint64)                     {}
func (NoopMetricsCollector) RecordEnumeration(int, int, time.Duration, error)   {}
func (NoopMetricsCollector) RecordSnapshot(string, int64, time.Duration, error) {}
func (NoopMetricsCollector) RecordPair(uint64, uint64)                          {}
func (NoopMetricsCollector) RecordMatch(int, time.Duration, error)              {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	DatasetLoads      atomic.Int64
	DatasetLoadErrors atomic.Int64
	Roots             atomic.Int64
	StatesExpanded    atomic.Uint64
	PeakLive          atomic.Int64
	PeakRSS           atomic.Uint64
	Enumerations      atomic.Int64
	EnumerationErrors atomic.Int64
	EnumerationNanos  atomic.Int64
	Buckets           atomic.Int64
	Rows              atomic.Int64
	SnapshotWrites    atomic.Int64
	SnapshotReads     atomic.Int64
	SnapshotErrors    atomic.Int64
	SnapshotBytes     atomic.Int64
	Pairs             atomic.Int64
	Candidates        atomic.Uint64
	Matched           atomic.Uint64
	Matches           atomic.Int64
	MatchErrors       atomic.Int64
	MatchNanos        atomic.Int64
}

// RecordDatasetLoad implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDatasetLoad(_ time.Duration, err error) {
	b.DatasetLoads.Add(1)
	if err != nil {
		b.DatasetLoadErrors.Add(1)
	}
}

// RecordRoot implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRoot(expanded uint64, live int, rss uint64) {
	b.Roots.Add(1)
	b.StatesExpanded.Add(expanded)
	storeMax(&b.PeakLive, int64(live))
	for {
		old := b.PeakRSS.Load()
		if rss <= old || b.PeakRSS.CompareAndSwap(old, rss) {
			break
		}
	}
}

func storeMax(v *atomic.Int64, x int64) {
	for {
		old := v.Load()
		if x <= old || v.CompareAndSwap(old, x) {
			return
		}
	}
}

// RecordEnumeration implements MetricsCollector.
func (b *BasicMetricsCollector) RecordEnumeration(buckets, rows int, duration time.Duration, err error) {
	b.Enumerations.Add(1)
	b.EnumerationNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.EnumerationErrors.Add(1)
		return
	}
	b.Buckets.Store(int64(buckets))
	b.Rows.Store(int64(rows))
}

// RecordSnapshot implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSnapshot(op string, bytes int64, _ time.Duration, err error) {
	if op == "read" {
		b.SnapshotReads.Add(1)
	} else {
		b.SnapshotWrites.Add(1)
	}
	if err != nil {
		b.SnapshotErrors.Add(1)
		return
	}
	b.SnapshotBytes.Add(bytes)
}

// RecordPair implements MetricsCollector.
func (b *BasicMetricsCollector) RecordPair(candidates, matched uint64) {
	b.Pairs.Add(1)
	b.Candidates.Add(candidates)
	b.Matched.Add(matched)
}

// RecordMatch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordMatch(_ int, duration time.Duration, err error) {
	b.Matches.Add(1)
	b.MatchNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.MatchErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		DatasetLoads:      b.DatasetLoads.Load(),
		DatasetLoadErrors: b.DatasetLoadErrors.Load(),
		Roots:             b.Roots.Load(),
		StatesExpanded:    b.StatesExpanded.Load(),
		PeakLive:          b.PeakLive.Load(),
		PeakRSS:           b.PeakRSS.Load(),
		Enumerations:      b.Enumerations.Load(),
		EnumerationErrors: b.EnumerationErrors.Load(),
		Buckets:           b.Buckets.Load(),
		Rows:              b.Rows.Load(),
		SnapshotWrites:    b.SnapshotWrites.Load(),
		SnapshotReads:     b.SnapshotReads.Load(),
		SnapshotErrors:    b.SnapshotErrors.Load(),
		SnapshotBytes:     b.SnapshotBytes.Load(),
		Pairs:             b.Pairs.Load(),
		Candidates:        b.Candidates.Load(),
		Matched:           b.Matched.Load(),
		Matches:           b.Matches.Load(),
		MatchErrors:       b.MatchErrors.Load(),
		MatchAvgNanos:     avg(b.MatchNanos.Load(), b.Matches.Load()),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	DatasetLoads      int64
	DatasetLoadErrors int64
	Roots             int64
	StatesExpanded    uint64
	PeakLive          int64
	PeakRSS           uint64
	Enumerations      int64
	EnumerationErrors int64
	Buckets           int64
	Rows              int64
	SnapshotWrites    int64
	SnapshotReads     int64
	SnapshotErrors    int64
	SnapshotBytes     int64
	Pairs             int64
	Candidates        uint64
	Matched           uint64
	Matches           int64
	MatchErrors       int64
	MatchAvgNanos     int64
}
