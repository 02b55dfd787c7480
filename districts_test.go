package districts

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/districts/dataset"
	"github.com/hupe1980/districts/internal/npz"
	"github.com/hupe1980/districts/resource"
	"github.com/hupe1980/districts/snapshot"
	"github.com/hupe1980/districts/testutil"
)

func writeFixture(t *testing.T, n int, opts ...dataset.WriteOption) string {
	t.Helper()
	ds, err := testutil.BuildDataset(n)
	require.NoError(t, err)
	path, err := testutil.WriteDataset(t.TempDir(), ds, opts...)
	require.NoError(t, err)
	return path
}

func TestRun_GroundTruth(t *testing.T) {
	tests := []struct {
		n    int
		want int64
	}{
		{n: 2, want: 2},
		{n: 4, want: 117},
		{n: 6, want: 451206},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("N=%d", tt.n), func(t *testing.T) {
			if tt.n >= 6 && testing.Short() {
				t.Skip("skipping N=6 in short mode")
			}
			path := writeFixture(t, tt.n)

			c, err := New(WithWorkers(2))
			require.NoError(t, err)
			res, err := c.Run(context.Background(), path)
			require.NoError(t, err)

			assert.Equal(t, tt.n, res.N)
			assert.Equal(t, big.NewInt(tt.want), res.Count)
			assert.Equal(t, ReflectionReuse, res.Reflection)
			assert.False(t, res.Resumed)
			assert.NotEmpty(t, res.RunID)
			assert.NotEmpty(t, res.DatasetVersion)
			assert.Equal(t, DefaultSnapshotPath(path), res.SnapshotPath)
			assert.FileExists(t, res.SnapshotPath)
			assert.Positive(t, res.Buckets)
			assert.GreaterOrEqual(t, res.Rows, res.Buckets)
		})
	}
}

func TestRun_MatchesOracle(t *testing.T) {
	for _, n := range []int{2, 4} {
		ds, err := testutil.BuildDataset(n)
		require.NoError(t, err)

		c, err := New(WithoutSnapshot())
		require.NoError(t, err)
		res, err := c.RunDataset(context.Background(), ds)
		require.NoError(t, err)

		assert.Equal(t, new(big.Int).SetUint64(testutil.CountPartitions(n)), res.Count, "N=%d", n)
		assert.Equal(t, new(big.Int).SetUint64(testutil.CountHalfFillings(ds)), res.HalfFillings, "N=%d", n)
		assert.Empty(t, res.SnapshotPath)
	}
}

func TestRun_RerunEqualsReuse(t *testing.T) {
	ds, err := testutil.BuildDataset(4)
	require.NoError(t, err)

	reuse, err := New(WithoutSnapshot())
	require.NoError(t, err)
	a, err := reuse.RunDataset(context.Background(), ds)
	require.NoError(t, err)

	rerun, err := New(WithoutSnapshot(), WithReflection(ReflectionRerun))
	require.NoError(t, err)
	b, err := rerun.RunDataset(context.Background(), ds)
	require.NoError(t, err)

	assert.Equal(t, a.Count, b.Count)
	assert.Equal(t, ReflectionRerun, b.Reflection)
	assert.GreaterOrEqual(t, b.Pairs, a.Pairs)
}

func TestRun_RerunMirrorsLeftHalf(t *testing.T) {
	ds, err := testutil.BuildDataset(4)
	require.NoError(t, err)

	c, err := New(WithSnapshotPath(filepath.Join(t.TempDir(), "s.npz")), WithReflection(ReflectionRerun))
	require.NoError(t, err)
	res, err := c.RunDataset(context.Background(), ds)
	require.NoError(t, err)

	snap, err := snapshot.NewController().Open(context.Background(), res.SnapshotPath)
	require.NoError(t, err)
	require.NotNil(t, snap.Right)
	assert.True(t, snap.Left.Equal(snap.Right))
	assert.NoError(t, checkMirror(snap.Left, snap.Right))

	small, err := testutil.BuildDataset(2)
	require.NoError(t, err)
	other, err := c.Enumerate(context.Background(), small)
	require.NoError(t, err)

	err = checkMirror(snap.Left, other)
	assert.ErrorIs(t, err, ErrHalfMismatch)
	assert.Equal(t, ExitFailure, ExitCode(err))
}

func TestResume(t *testing.T) {
	for _, reflection := range []Reflection{ReflectionReuse, ReflectionRerun} {
		t.Run(string(reflection), func(t *testing.T) {
			path := writeFixture(t, 4)
			ctx := context.Background()

			c, err := New(WithReflection(reflection), WithSnapshotCompression("zstd"))
			require.NoError(t, err)
			first, err := c.Run(ctx, path)
			require.NoError(t, err)

			// A fresh Counter, as after a restart.
			c2, err := New(WithReflection(reflection))
			require.NoError(t, err)
			second, err := c2.Resume(ctx, path, first.SnapshotPath)
			require.NoError(t, err)

			assert.True(t, second.Resumed)
			assert.Equal(t, first.Count, second.Count)
			assert.Equal(t, first.HalfFillings, second.HalfFillings)
			assert.Equal(t, first.Buckets, second.Buckets)
			assert.Equal(t, first.RunID, second.RunID)
			assert.Zero(t, second.EnumerateDuration)
		})
	}
}

func TestResume_ReflectionMismatch(t *testing.T) {
	path := writeFixture(t, 2)
	ctx := context.Background()

	c, err := New()
	require.NoError(t, err)
	res, err := c.Run(ctx, path)
	require.NoError(t, err)

	rerun, err := New(WithReflection(ReflectionRerun))
	require.NoError(t, err)
	_, err = rerun.Resume(ctx, path, res.SnapshotPath)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVersionMismatch)
	assert.Equal(t, ExitVersionMismatch, ExitCode(err))
}

func TestResume_DatasetVersionMismatch(t *testing.T) {
	ctx := context.Background()
	deflated := writeFixture(t, 4)
	stored := writeFixture(t, 4, dataset.WithCompression(npz.Store))

	c, err := New()
	require.NoError(t, err)
	res, err := c.Run(ctx, deflated)
	require.NoError(t, err)

	_, err = c.Resume(ctx, stored, res.SnapshotPath)
	require.Error(t, err)

	var vm *VersionMismatchError
	require.ErrorAs(t, err, &vm)
	assert.Equal(t, "dataset_version", vm.Field)
	assert.Equal(t, ExitVersionMismatch, ExitCode(err))
}

func TestResume_MissingSnapshot(t *testing.T) {
	path := writeFixture(t, 2)

	c, err := New()
	require.NoError(t, err)
	_, err = c.Resume(context.Background(), path, filepath.Join(t.TempDir(), "nope.npz"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSnapshotIO)
	assert.Equal(t, ExitSnapshotIO, ExitCode(err))
}

func TestRun_MemoryCeiling(t *testing.T) {
	path := writeFixture(t, 4)
	metrics := &BasicMetricsCollector{}

	c, err := New(
		WithMemoryLimit(1<<20),
		WithSampleEvery(1),
		WithSampler(func() (uint64, error) { return 1 << 30, nil }),
		WithMetricsCollector(metrics),
	)
	require.NoError(t, err)

	res, err := c.Run(context.Background(), path)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrMemoryExceeded)
	assert.Equal(t, ExitMemoryExceeded, ExitCode(err))

	var me *MemoryExceededError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, uint64(1<<30), me.RSS)
	assert.Equal(t, uint64(1<<20), me.Limit)

	assert.NoFileExists(t, DefaultSnapshotPath(path))
	stats := metrics.GetStats()
	assert.Equal(t, int64(1), stats.EnumerationErrors)
	assert.Zero(t, stats.SnapshotWrites)
}

func TestRun_MissingDataset(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	_, err = c.Run(context.Background(), filepath.Join(t.TempDir(), "dataset_n4.npz"))
	require.Error(t, err)

	var le *DatasetLoadError
	require.ErrorAs(t, err, &le)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Equal(t, ExitDatasetLoad, ExitCode(err))
}

func TestRun_Canceled(t *testing.T) {
	ds, err := testutil.BuildDataset(4)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c, err := New(WithoutSnapshot())
	require.NoError(t, err)
	_, err = c.RunDataset(ctx, ds)
	require.Error(t, err)
	assert.Equal(t, ExitInterrupted, ExitCode(err))
}

func TestRun_SnapshotPathOption(t *testing.T) {
	path := writeFixture(t, 2)
	target := filepath.Join(t.TempDir(), "half.npz")

	c, err := New(WithSnapshotPath(target), WithIOLimit(1<<20))
	require.NoError(t, err)
	res, err := c.Run(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, target, res.SnapshotPath)
	assert.FileExists(t, target)
	assert.NoFileExists(t, DefaultSnapshotPath(path))
}

func TestEnumerateAndMatch(t *testing.T) {
	ds, err := testutil.BuildDataset(4)
	require.NoError(t, err)
	ctx := context.Background()

	c, err := New(WithWorkers(3))
	require.NoError(t, err)
	left, err := c.Enumerate(ctx, ds)
	require.NoError(t, err)
	right, err := c.Enumerate(ctx, ds)
	require.NoError(t, err)

	reused, err := c.Match(ctx, ds, left, left)
	require.NoError(t, err)
	ordered, err := c.Match(ctx, ds, left, right)
	require.NoError(t, err)

	assert.Equal(t, big.NewInt(117), reused)
	assert.Equal(t, reused, ordered)

	other, err := testutil.BuildDataset(2)
	require.NoError(t, err)
	_, err = c.Match(ctx, other, left, left)
	assert.Error(t, err)
}

func TestNew_InvalidOptions(t *testing.T) {
	_, err := New(WithSnapshotCompression("brotli"))
	assert.Error(t, err)

	_, err = New(WithReflection("mirror"))
	assert.Error(t, err)
}

func TestDefaultSnapshotPath(t *testing.T) {
	assert.Equal(t, filepath.Join("data", "dataset_n8_snapshot.npz"), DefaultSnapshotPath(filepath.Join("data", "dataset_n8.npz")))
	assert.Equal(t, "x_snapshot.npz", DefaultSnapshotPath("x"))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"other", errors.New("boom"), ExitFailure},
		{"canceled", fmt.Errorf("run: %w", context.Canceled), ExitInterrupted},
		{"dataset", &DatasetLoadError{Path: "x"}, ExitDatasetLoad},
		{"memory", &MemoryExceededError{RSS: 2, Limit: 1}, ExitMemoryExceeded},
		{"version", &VersionMismatchError{Field: "n"}, ExitVersionMismatch},
		{"snapshot", &SnapshotIOError{Op: snapshot.OpWrite, Err: errors.New("disk full")}, ExitSnapshotIO},
		{"wrapped memory", fmt.Errorf("phase 1: %w", &resource.MemoryExceededError{}), ExitMemoryExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestBasicMetricsCollector(t *testing.T) {
	path := writeFixture(t, 4)
	metrics := &BasicMetricsCollector{}

	c, err := New(WithMetricsCollector(metrics))
	require.NoError(t, err)
	res, err := c.Run(context.Background(), path)
	require.NoError(t, err)

	stats := metrics.GetStats()
	assert.Equal(t, int64(1), stats.DatasetLoads)
	assert.Equal(t, int64(8), stats.Roots)
	assert.Positive(t, stats.StatesExpanded)
	assert.Equal(t, int64(1), stats.Enumerations)
	assert.Equal(t, int64(res.Buckets), stats.Buckets)
	assert.Equal(t, int64(1), stats.SnapshotWrites)
	assert.Positive(t, stats.SnapshotBytes)
	assert.Equal(t, int64(res.Pairs), stats.Pairs)
	assert.Equal(t, int64(1), stats.Matches)
	assert.Zero(t, stats.MatchErrors)
}

// TestReferenceDataset counts N=8 from the published reference archive.
func TestReferenceDataset(t *testing.T) {
	path := os.Getenv("DISTRICTS_REFERENCE_DATASET")
	if path == "" {
		t.Skip("DISTRICTS_REFERENCE_DATASET not set")
	}
	c, err := New(WithoutSnapshot())
	require.NoError(t, err)
	res, err := c.Run(context.Background(), path)
	require.NoError(t, err)

	want, _ := new(big.Int).SetString("187497290034", 10)
	assert.Equal(t, want, res.Count)
}
