package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hupe1980/districts"
)

// Namespace prefixes every metric name.
const Namespace = "districts"

var _ districts.MetricsCollector = (*Collector)(nil)

// Collector records run metrics in a Prometheus registry.
type Collector struct {
	registry *prometheus.Registry

	mu   sync.Mutex
	peak uint64

	phaseDuration *prometheus.HistogramVec
	phaseRuns     *prometheus.CounterVec
	roots         prometheus.Counter
	expanded      prometheus.Counter
	live          prometheus.Gauge
	rss           prometheus.Gauge
	peakRSS       prometheus.Gauge
	buckets       prometheus.Gauge
	rows          prometheus.Gauge
	snapshotBytes *prometheus.CounterVec
	pairs         prometheus.Counter
	candidates    prometheus.Counter
	matched       prometheus.Counter
}

// NewCollector creates a Collector with its own registry. Additional
// labels, such as the grid size or a batch job id, are attached to every
// series.
func NewCollector(constLabels prometheus.Labels) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   Namespace,
			Name:        "phase_duration_seconds",
			Help:        "Duration of dataset loads, enumerations, snapshot IO and matches",
			Buckets:     prometheus.ExponentialBuckets(0.001, 4, 14),
			ConstLabels: constLabels,
		}, []string{"phase", "status"}),
		phaseRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   Namespace,
			Name:        "phase_runs_total",
			Help:        "Completed phases by status",
			ConstLabels: constLabels,
		}, []string{"phase", "status"}),
		roots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   Namespace,
			Subsystem:   "enumerate",
			Name:        "roots_total",
			Help:        "Roots vacated by the enumeration",
			ConstLabels: constLabels,
		}),
		expanded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   Namespace,
			Subsystem:   "enumerate",
			Name:        "states_expanded_total",
			Help:        "Partial states expanded",
			ConstLabels: constLabels,
		}),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   Namespace,
			Subsystem:   "enumerate",
			Name:        "live_states",
			Help:        "Partial states waiting at later roots",
			ConstLabels: constLabels,
		}),
		rss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   Namespace,
			Name:        "resident_memory_bytes",
			Help:        "Last sampled resident set size",
			ConstLabels: constLabels,
		}),
		peakRSS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   Namespace,
			Name:        "resident_memory_peak_bytes",
			Help:        "Largest sampled resident set size",
			ConstLabels: constLabels,
		}),
		buckets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   Namespace,
			Subsystem:   "store",
			Name:        "buckets",
			Help:        "Buckets in the last bucket store",
			ConstLabels: constLabels,
		}),
		rows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   Namespace,
			Subsystem:   "store",
			Name:        "rows",
			Help:        "Rows in the last bucket store",
			ConstLabels: constLabels,
		}),
		snapshotBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   Namespace,
			Subsystem:   "snapshot",
			Name:        "bytes_total",
			Help:        "Snapshot bytes written or read",
			ConstLabels: constLabels,
		}, []string{"op"}),
		pairs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   Namespace,
			Subsystem:   "match",
			Name:        "pairs_total",
			Help:        "Bucket pairs matched",
			ConstLabels: constLabels,
		}),
		candidates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   Namespace,
			Subsystem:   "match",
			Name:        "candidates_total",
			Help:        "Row pairs that passed the bitmap filter",
			ConstLabels: constLabels,
		}),
		matched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   Namespace,
			Subsystem:   "match",
			Name:        "matched_total",
			Help:        "Row pairs with at least one perfect matching",
			ConstLabels: constLabels,
		}),
	}

	c.registry.MustRegister(
		c.phaseDuration, c.phaseRuns,
		c.roots, c.expanded, c.live, c.rss, c.peakRSS,
		c.buckets, c.rows, c.snapshotBytes,
		c.pairs, c.candidates, c.matched,
	)
	return c
}

// Registry returns the registry the metrics live in.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// WriteTextfile writes the registry to filename for the node exporter's
// textfile collector. The file is replaced atomically.
func (c *Collector) WriteTextfile(filename string) error {
	return prometheus.WriteToTextfile(filename, c.registry)
}

func (c *Collector) observe(phase string, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.phaseDuration.WithLabelValues(phase, status).Observe(d.Seconds())
	c.phaseRuns.WithLabelValues(phase, status).Inc()
}

// RecordDatasetLoad implements districts.MetricsCollector.
func (c *Collector) RecordDatasetLoad(d time.Duration, err error) {
	c.observe("load", d, err)
}

// RecordRoot implements districts.MetricsCollector.
func (c *Collector) RecordRoot(expanded uint64, live int, rss uint64) {
	c.roots.Inc()
	c.expanded.Add(float64(expanded))
	c.live.Set(float64(live))
	c.rss.Set(float64(rss))

	c.mu.Lock()
	if rss > c.peak {
		c.peak = rss
		c.peakRSS.Set(float64(rss))
	}
	c.mu.Unlock()
}

// RecordEnumeration implements districts.MetricsCollector.
func (c *Collector) RecordEnumeration(buckets, rows int, d time.Duration, err error) {
	c.observe("enumerate", d, err)
	if err == nil {
		c.buckets.Set(float64(buckets))
		c.rows.Set(float64(rows))
	}
}

// RecordSnapshot implements districts.MetricsCollector.
func (c *Collector) RecordSnapshot(op string, bytes int64, d time.Duration, err error) {
	c.observe("snapshot_"+op, d, err)
	if err == nil {
		c.snapshotBytes.WithLabelValues(op).Add(float64(bytes))
	}
}

// RecordPair implements districts.MetricsCollector.
func (c *Collector) RecordPair(candidates, matched uint64) {
	c.pairs.Inc()
	c.candidates.Add(float64(candidates))
	c.matched.Add(float64(matched))
}

// RecordMatch implements districts.MetricsCollector.
func (c *Collector) RecordMatch(_ int, d time.Duration, err error) {
	c.observe("match", d, err)
}
