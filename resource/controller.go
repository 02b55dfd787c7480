// Package resource guards a run against exhausting the host: it samples the
// resident set size against a ceiling, bounds worker concurrency and
// throttles snapshot IO.
package resource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// DefaultSampleEvery is the number of ticks between two RSS samples.
const DefaultSampleEvery = 4096

// ErrMemoryExceeded is matched by every MemoryExceededError.
var ErrMemoryExceeded = errors.New("memory ceiling exceeded")

// MemoryExceededError reports the sample that breached the ceiling.
type MemoryExceededError struct {
	RSS   uint64
	Limit uint64
}

func (e *MemoryExceededError) Error() string {
	return fmt.Sprintf("resident memory %.2f GiB exceeds ceiling %.2f GiB",
		float64(e.RSS)/(1<<30), float64(e.Limit)/(1<<30))
}

// Is makes every MemoryExceededError match ErrMemoryExceeded.
func (e *MemoryExceededError) Is(target error) bool { return target == ErrMemoryExceeded }

// Sampler reports the current resident set size in bytes.
type Sampler func() (uint64, error)

// Config holds resource limits.
type Config struct {
	// MemoryLimitBytes is the RSS ceiling.
	// If 0, RSS is only tracked.
	MemoryLimitBytes uint64

	// SampleEvery is the number of Tick calls between two samples.
	// If 0, defaults to DefaultSampleEvery.
	SampleEvery uint64

	// MaxWorkers is the maximum number of concurrent workers.
	// If 0, defaults to 1.
	MaxWorkers int64

	// IOLimitBytesPerSec is the maximum snapshot IO throughput.
	// If 0, unlimited.
	IOLimitBytesPerSec int64

	// Sampler overrides the RSS source. If nil, ProcessRSS is used.
	Sampler Sampler
}

// Stats is a snapshot of the controller's observations.
type Stats struct {
	Limit        uint64
	LastRSS      uint64
	PeakRSS      uint64
	Ticks        uint64
	Samples      uint64
	SampleErrors uint64
}

// Controller is the process-wide resource governor. It is passed explicitly
// to the workers that must honour it; a nil *Controller imposes no limits.
type Controller struct {
	cfg Config

	// Memory
	ticks      atomic.Uint64
	samples    atomic.Uint64
	sampleErrs atomic.Uint64
	lastRSS    atomic.Uint64
	peakRSS    atomic.Uint64

	// Abort
	once    sync.Once
	err     error
	aborted atomic.Bool

	// Concurrency
	workers *semaphore.Weighted

	// IO
	ioLimiter *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.SampleEvery == 0 {
		cfg.SampleEvery = DefaultSampleEvery
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.Sampler == nil {
		cfg.Sampler = ProcessRSS
	}

	c := &Controller{
		cfg:     cfg,
		workers: semaphore.NewWeighted(cfg.MaxWorkers),
	}

	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}

	return c
}

// Tick records one unit of work and samples RSS every SampleEvery ticks.
// Once the controller is aborted every call returns the abort error.
func (c *Controller) Tick() error {
	if c == nil {
		return nil
	}
	if c.aborted.Load() {
		return c.err
	}
	if c.ticks.Add(1)%c.cfg.SampleEvery != 0 {
		return nil
	}
	return c.Sample()
}

// Sample reads RSS now. A reading above the ceiling aborts the controller
// and returns a *MemoryExceededError. Sampler failures are counted but do
// not abort.
func (c *Controller) Sample() error {
	if c == nil {
		return nil
	}
	if c.aborted.Load() {
		return c.err
	}

	rss, err := c.cfg.Sampler()
	c.samples.Add(1)
	if err != nil {
		c.sampleErrs.Add(1)
		return nil
	}

	c.lastRSS.Store(rss)
	for {
		peak := c.peakRSS.Load()
		if rss <= peak || c.peakRSS.CompareAndSwap(peak, rss) {
			break
		}
	}

	if limit := c.cfg.MemoryLimitBytes; limit > 0 && rss > limit {
		c.Abort(&MemoryExceededError{RSS: rss, Limit: limit})
		return c.Err()
	}
	return nil
}

// Abort stops the run with err. Only the first call has an effect.
func (c *Controller) Abort(err error) {
	if c == nil || err == nil {
		return
	}
	c.once.Do(func() {
		c.err = err
		c.aborted.Store(true)
	})
}

// Aborted reports whether Abort was called.
func (c *Controller) Aborted() bool {
	return c != nil && c.aborted.Load()
}

// Err returns the abort error, or nil.
func (c *Controller) Err() error {
	if !c.Aborted() {
		return nil
	}
	return c.err
}

// Stats returns the current observations.
func (c *Controller) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		Limit:        c.cfg.MemoryLimitBytes,
		LastRSS:      c.lastRSS.Load(),
		PeakRSS:      c.peakRSS.Load(),
		Ticks:        c.ticks.Load(),
		Samples:      c.samples.Load(),
		SampleErrors: c.sampleErrs.Load(),
	}
}

// MaxWorkers returns the configured worker bound.
func (c *Controller) MaxWorkers() int {
	if c == nil {
		return 1
	}
	return int(c.cfg.MaxWorkers)
}

// AcquireWorker reserves a worker slot.
// Blocks if all slots are busy.
func (c *Controller) AcquireWorker(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.workers.Acquire(ctx, 1)
}

// ReleaseWorker releases a worker slot.
func (c *Controller) ReleaseWorker() {
	if c == nil {
		return
	}
	c.workers.Release(1)
}

// AcquireIO waits until the IO limit allows the specified number of bytes.
func (c *Controller) AcquireIO(ctx context.Context, bytes int) error {
	if c == nil || c.ioLimiter == nil {
		return nil
	}
	return c.ioLimiter.WaitN(ctx, bytes)
}

// ioBurst is the largest single AcquireIO request the limiter accepts.
func (c *Controller) ioBurst() int {
	if c == nil || c.ioLimiter == nil {
		return 0
	}
	return c.ioLimiter.Burst()
}
