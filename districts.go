package districts

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/districts/bucket"
	"github.com/hupe1980/districts/dataset"
	"github.com/hupe1980/districts/internal/enumerate"
	"github.com/hupe1980/districts/internal/match"
	"github.com/hupe1980/districts/internal/npz"
	"github.com/hupe1980/districts/resource"
	"github.com/hupe1980/districts/snapshot"
)

// Counter runs the two-phase count. A Counter holds configuration only and
// may run several counts one after another or concurrently; every run gets
// its own memory governor.
type Counter struct {
	opts   options
	method npz.Method
}

// Result is the outcome of a completed count.
type Result struct {
	N     int
	Count *big.Int

	// HalfFillings is the number of legal fillings of the left half, the
	// total weight of the bucket store.
	HalfFillings *big.Int
	Buckets      int
	Rows         int
	Pairs        int

	Resumed        bool
	SnapshotPath   string // empty when no snapshot was written or read
	RunID          string
	DatasetVersion string
	Reflection     Reflection

	EnumerateDuration time.Duration
	MatchDuration     time.Duration
	PeakRSS           uint64
}

// New creates a Counter.
func New(optFns ...Option) (*Counter, error) {
	o := applyOptions(optFns)

	name := o.compression
	if name == "" {
		name = npz.Deflate.String()
	}
	method, err := npz.ParseMethod(name)
	if err != nil {
		return nil, err
	}
	reflection, err := snapshot.ParseReflection(string(o.reflection))
	if err != nil {
		return nil, err
	}
	o.reflection = reflection
	return &Counter{opts: o, method: method}, nil
}

// DefaultSnapshotPath returns <dir>/<stem>_snapshot.npz for a dataset at
// <dir>/<stem>.npz.
func DefaultSnapshotPath(datasetPath string) string {
	dir, file := filepath.Split(datasetPath)
	stem := strings.TrimSuffix(file, filepath.Ext(file))
	return filepath.Join(dir, stem+"_snapshot.npz")
}

// LoadDataset reads and validates the dataset at path.
func (c *Counter) LoadDataset(ctx context.Context, path string) (*dataset.Dataset, error) {
	start := time.Now()
	ds, err := dataset.Load(ctx, path)
	c.opts.metricsCollector.RecordDatasetLoad(time.Since(start), err)
	c.opts.logger.LogDatasetLoaded(ctx, path, ds, err)
	return ds, err
}

// Run loads the dataset, enumerates the left half, writes the snapshot and
// matches. The snapshot is only written after phase 1 finished, so a
// governor abort leaves no snapshot behind.
func (c *Counter) Run(ctx context.Context, datasetPath string) (*Result, error) {
	ds, err := c.LoadDataset(ctx, datasetPath)
	if err != nil {
		return nil, err
	}
	snapshotPath := c.opts.snapshotPath
	if snapshotPath == "" && !c.opts.snapshotDisabled {
		snapshotPath = DefaultSnapshotPath(datasetPath)
	}
	return c.run(ctx, ds, snapshotPath)
}

// RunDataset counts an already loaded dataset. It writes a snapshot only
// when WithSnapshotPath was given.
func (c *Counter) RunDataset(ctx context.Context, ds *dataset.Dataset) (*Result, error) {
	snapshotPath := c.opts.snapshotPath
	if c.opts.snapshotDisabled {
		snapshotPath = ""
	}
	return c.run(ctx, ds, snapshotPath)
}

// Resume loads the dataset and the snapshot written by an earlier Run and
// performs phase 2 only.
func (c *Counter) Resume(ctx context.Context, datasetPath, snapshotPath string) (*Result, error) {
	ds, err := c.LoadDataset(ctx, datasetPath)
	if err != nil {
		return nil, err
	}
	return c.ResumeDataset(ctx, ds, snapshotPath)
}

// ResumeDataset is Resume for an already loaded dataset.
func (c *Counter) ResumeDataset(ctx context.Context, ds *dataset.Dataset, snapshotPath string) (*Result, error) {
	gov := c.governor()
	logger := c.opts.logger.WithN(ds.N)

	start := time.Now()
	snap, err := c.snapshots(gov, logger).Load(ctx, snapshotPath, ds, c.opts.reflection)
	var size int64
	if fi, statErr := os.Stat(snapshotPath); err == nil && statErr == nil {
		size = fi.Size()
	}
	c.opts.metricsCollector.RecordSnapshot("read", size, time.Since(start), err)
	logger.LogSnapshot(ctx, "read", snapshotPath, err)
	if err != nil {
		return nil, err
	}

	res := c.newResult(ds, snap.Meta.RunID)
	res.Resumed = true
	res.SnapshotPath = snapshotPath
	res.HalfFillings = snap.Left.TotalWeight()
	res.Buckets = snap.Left.Len()
	res.Rows = snap.Left.NumRows()

	right := snap.Left
	if snap.Right != nil {
		if err := checkMirror(snap.Left, snap.Right); err != nil {
			return nil, err
		}
		right = snap.Right
	}
	logger = logger.WithRunID(res.RunID)
	if err := c.match(ctx, ds, snap.Left, right, gov, logger, res); err != nil {
		return nil, err
	}
	res.PeakRSS = gov.Stats().PeakRSS
	return res, nil
}

// Enumerate runs phase 1 on ds and returns the bucket store of the left half.
func (c *Counter) Enumerate(ctx context.Context, ds *dataset.Dataset) (*bucket.Store, error) {
	return c.enumerate(ctx, ds, c.governor(), c.opts.logger.WithN(ds.N))
}

// Match runs phase 2 on two stores of ds. Passing the same store twice uses
// the reflection symmetry.
func (c *Counter) Match(ctx context.Context, ds *dataset.Dataset, left, right *bucket.Store) (*big.Int, error) {
	res := c.newResult(ds, "")
	if err := c.match(ctx, ds, left, right, c.governor(), c.opts.logger.WithN(ds.N), res); err != nil {
		return nil, err
	}
	return res.Count, nil
}

func (c *Counter) run(ctx context.Context, ds *dataset.Dataset, snapshotPath string) (*Result, error) {
	runID := uuid.NewString()
	gov := c.governor()
	logger := c.opts.logger.WithN(ds.N).WithRunID(runID)
	res := c.newResult(ds, runID)

	start := time.Now()
	left, err := c.enumerate(ctx, ds, gov, logger)
	if err != nil {
		return nil, err
	}
	var right *bucket.Store
	if c.opts.reflection == ReflectionRerun {
		if right, err = c.enumerate(ctx, ds, gov, logger); err != nil {
			return nil, err
		}
		if err := checkMirror(left, right); err != nil {
			return nil, err
		}
	}
	res.EnumerateDuration = time.Since(start)
	res.HalfFillings = left.TotalWeight()
	res.Buckets = left.Len()
	res.Rows = left.NumRows()

	if snapshotPath != "" {
		if err := c.save(ctx, ds, snapshotPath, runID, left, right, gov, logger); err != nil {
			return nil, err
		}
		res.SnapshotPath = snapshotPath
	}

	if right == nil {
		right = left
	}
	if err := c.match(ctx, ds, left, right, gov, logger, res); err != nil {
		return nil, err
	}
	res.PeakRSS = gov.Stats().PeakRSS
	return res, nil
}

// checkMirror compares the two halves of a rerun. Placements and j-type ids
// are defined on the half grid relative to the cut, so reflecting across the
// cut maps every right-half filling onto the identical left-half filling.
func checkMirror(left, right *bucket.Store) error {
	if !left.Equal(right) {
		return fmt.Errorf("%w: %d buckets on the left, %d on the right", ErrHalfMismatch, left.Len(), right.Len())
	}
	return nil
}

func (c *Counter) enumerate(ctx context.Context, ds *dataset.Dataset, gov *resource.Controller, logger *Logger) (*bucket.Store, error) {
	logger = logger.WithPhase("enumerate")
	start := time.Now()
	st, _, err := enumerate.Run(ctx, ds, enumerate.Config{
		Workers:  c.opts.workers,
		Governor: gov,
		OnRoot: func(p enumerate.RootProgress) {
			c.opts.metricsCollector.RecordRoot(p.Expanded, p.Live, p.RSS)
			logger.LogRoot(ctx, p.Root, p.Roots, p.Expanded, p.Live, p.RSS)
		},
	})
	elapsed := time.Since(start)
	if err != nil {
		c.opts.metricsCollector.RecordEnumeration(0, 0, elapsed, err)
		logger.LogEnumerated(ctx, 0, 0, nil, elapsed, err)
		return nil, err
	}
	c.opts.metricsCollector.RecordEnumeration(st.Len(), st.NumRows(), elapsed, nil)
	logger.LogEnumerated(ctx, st.Len(), st.NumRows(), st.TotalWeight(), elapsed, nil)
	return st, nil
}

func (c *Counter) save(ctx context.Context, ds *dataset.Dataset, path, runID string, left, right *bucket.Store, gov *resource.Controller, logger *Logger) error {
	snap, err := snapshot.New(ds, c.opts.reflection, left, right)
	if err != nil {
		return err
	}
	snap.Meta.RunID = runID
	start := time.Now()
	info, err := c.snapshots(gov, logger).Save(ctx, path, snap)

	var ioe *snapshot.IOError
	if errors.As(err, &ioe) && ioe.Op == snapshot.OpMirror {
		// The local snapshot is complete; only the remote copy is missing.
		logger.WarnContext(ctx, "snapshot mirror failed", "path", path, "error", err)
		err = nil
	}
	c.opts.metricsCollector.RecordSnapshot("write", info.Size, time.Since(start), err)
	logger.LogSnapshot(ctx, "write", path, err)
	return err
}

func (c *Counter) match(ctx context.Context, ds *dataset.Dataset, left, right *bucket.Store, gov *resource.Controller, logger *Logger, res *Result) error {
	if left.N() != ds.N {
		return fmt.Errorf("districts: store for N=%d used with dataset for N=%d", left.N(), ds.N)
	}
	logger = logger.WithPhase("match")
	start := time.Now()
	out, err := match.Match(ctx, left, right, ds.Compat, match.Config{
		Workers:  c.opts.workers,
		Governor: gov,
		OnPair: func(p match.PairResult) {
			c.opts.metricsCollector.RecordPair(p.Candidates, p.Matched)
			logger.LogPair(ctx, p.Left.String(), p.Right.String(), p.Candidates, p.Matched, p.Sum)
		},
	})
	res.MatchDuration = time.Since(start)
	if err != nil {
		c.opts.metricsCollector.RecordMatch(0, res.MatchDuration, err)
		logger.LogMatched(ctx, 0, nil, res.MatchDuration, err)
		return err
	}
	res.Count = out.Total
	res.Pairs = len(out.Pairs)
	c.opts.metricsCollector.RecordMatch(res.Pairs, res.MatchDuration, nil)
	logger.LogMatched(ctx, res.Pairs, res.Count, res.MatchDuration, nil)
	return nil
}

func (c *Counter) governor() *resource.Controller {
	return resource.NewController(resource.Config{
		MemoryLimitBytes:   c.opts.memoryLimit,
		SampleEvery:        c.opts.sampleEvery,
		MaxWorkers:         int64(c.opts.workers),
		IOLimitBytesPerSec: c.opts.ioLimit,
		Sampler:            c.opts.sampler,
	})
}

func (c *Counter) snapshots(gov *resource.Controller, logger *Logger) *snapshot.Controller {
	opts := []snapshot.Option{
		snapshot.WithCompression(c.method),
		snapshot.WithGovernor(gov),
		snapshot.WithLogger(logger.Logger),
	}
	if c.opts.remote != nil {
		opts = append(opts, snapshot.WithRemote(c.opts.remote))
	}
	return snapshot.NewController(opts...)
}

func (c *Counter) newResult(ds *dataset.Dataset, runID string) *Result {
	return &Result{
		N:              ds.N,
		RunID:          runID,
		DatasetVersion: ds.Version,
		Reflection:     c.opts.reflection,
	}
}
