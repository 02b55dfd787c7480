package districts

import (
	"log/slog"
	"runtime"

	"github.com/hupe1980/districts/blobstore"
	"github.com/hupe1980/districts/resource"
	"github.com/hupe1980/districts/snapshot"
)

// Reflection is the convention used to obtain the right half of the grid.
type Reflection = snapshot.Reflection

const (
	// ReflectionReuse matches the phase-1 store against itself. This is the
	// default and halves the work of phase 1.
	ReflectionReuse = snapshot.ReflectionReuse
	// ReflectionRerun runs phase 1 a second time for the mirrored half and
	// matches the two stores in order. The mirror of a half filling across
	// the cut is a left-half filling with the same key and j-type ids, so
	// the second store must equal the first; a difference fails the run
	// with ErrHalfMismatch.
	ReflectionRerun = snapshot.ReflectionRerun
)

type options struct {
	workers          int
	memoryLimit      uint64
	sampleEvery      uint64
	sampler          resource.Sampler
	ioLimit          int64
	snapshotPath     string
	snapshotDisabled bool
	compression      string
	remote           blobstore.Store
	reflection       Reflection
	metricsCollector MetricsCollector
	logger           *Logger
}

// Option configures a Counter.
type Option func(*options)

// WithWorkers bounds the number of parallel workers in both phases.
// Values below 1 select GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithMemoryLimit sets the resident set ceiling for phase 1 in bytes.
// Zero disables the ceiling.
func WithMemoryLimit(bytes uint64) Option {
	return func(o *options) {
		o.memoryLimit = bytes
	}
}

// WithSampleEvery sets how many expanded states pass between two RSS
// samples (default resource.DefaultSampleEvery).
func WithSampleEvery(n uint64) Option {
	return func(o *options) {
		o.sampleEvery = n
	}
}

// WithSampler replaces the RSS sampler. Intended for tests.
func WithSampler(s resource.Sampler) Option {
	return func(o *options) {
		o.sampler = s
	}
}

// WithIOLimit throttles snapshot reads and writes to bytesPerSec.
func WithIOLimit(bytesPerSec int64) Option {
	return func(o *options) {
		o.ioLimit = bytesPerSec
	}
}

// WithSnapshotPath sets where Run writes the phase-1 snapshot. Without it,
// Run writes <dataset dir>/<dataset stem>_snapshot.npz.
func WithSnapshotPath(path string) Option {
	return func(o *options) {
		o.snapshotPath = path
		o.snapshotDisabled = false
	}
}

// WithoutSnapshot disables the phase-1 snapshot.
func WithoutSnapshot() Option {
	return func(o *options) {
		o.snapshotDisabled = true
	}
}

// WithSnapshotCompression selects the snapshot entry compression: "deflate"
// (default, readable by NumPy), "store", "zstd" or "lz4".
func WithSnapshotCompression(name string) Option {
	return func(o *options) {
		o.compression = name
	}
}

// WithRemoteSnapshots mirrors every snapshot to store and falls back to it
// when a snapshot to resume from is missing locally.
func WithRemoteSnapshots(store blobstore.Store) Option {
	return func(o *options) {
		o.remote = store
	}
}

// WithReflection selects how the right half is obtained.
func WithReflection(r Reflection) Option {
	return func(o *options) {
		o.reflection = r
	}
}

// WithMetricsCollector configures a metrics collector for monitoring runs.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &districts.BasicMetricsCollector{}
//	c, _ := districts.New(districts.WithMetricsCollector(metrics))
//	// ... run ...
//	stats := metrics.GetStats()
//	fmt.Printf("states: %d, peak RSS: %d\n", stats.StatesExpanded, stats.PeakRSS)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := districts.NewJSONLogger(slog.LevelInfo)
//	c, _ := districts.New(districts.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		reflection:       ReflectionReuse,
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.workers < 1 {
		o.workers = runtime.GOMAXPROCS(0)
	}
	if o.metricsCollector == nil {
		o.metricsCollector = NoopMetricsCollector{}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	return o
}
