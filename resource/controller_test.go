package resource

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(rss ...uint64) Sampler {
	var mu sync.Mutex
	i := 0
	return func() (uint64, error) {
		mu.Lock()
		defer mu.Unlock()
		v := rss[min(i, len(rss)-1)]
		i++
		return v, nil
	}
}

func TestController_SamplesEveryN(t *testing.T) {
	var calls int
	c := NewController(Config{
		SampleEvery: 3,
		Sampler: func() (uint64, error) {
			calls++
			return 100, nil
		},
	})

	for i := 0; i < 10; i++ {
		require.NoError(t, c.Tick())
	}
	assert.Equal(t, 3, calls)

	s := c.Stats()
	assert.Equal(t, uint64(10), s.Ticks)
	assert.Equal(t, uint64(3), s.Samples)
	assert.Equal(t, uint64(100), s.PeakRSS)
	assert.Zero(t, s.Limit)
}

func TestController_CeilingAborts(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 150, SampleEvery: 1, Sampler: fixed(100, 120, 200, 50)})

	require.NoError(t, c.Tick())
	require.NoError(t, c.Tick())
	assert.False(t, c.Aborted())

	err := c.Tick()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMemoryExceeded)

	var me *MemoryExceededError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, uint64(200), me.RSS)
	assert.Equal(t, uint64(150), me.Limit)

	// Sticky: later ticks keep failing even though RSS dropped.
	assert.Same(t, err, c.Tick())
	assert.Same(t, err, c.Sample())
	assert.True(t, c.Aborted())
	assert.Equal(t, uint64(3), c.Stats().Samples)
	assert.Equal(t, uint64(200), c.Stats().PeakRSS)
}

func TestController_SamplerErrorsAreNotFatal(t *testing.T) {
	c := NewController(Config{
		MemoryLimitBytes: 1,
		SampleEvery:      1,
		Sampler:          func() (uint64, error) { return 0, errors.New("no procfs") },
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Tick())
	}
	assert.Equal(t, uint64(5), c.Stats().SampleErrors)
	assert.False(t, c.Aborted())
}

func TestController_AbortFirstWins(t *testing.T) {
	c := NewController(Config{})
	first := errors.New("first")
	c.Abort(nil)
	assert.False(t, c.Aborted())

	c.Abort(first)
	c.Abort(errors.New("second"))
	assert.Equal(t, first, c.Err())
	assert.Equal(t, first, c.Tick())
}

func TestController_Nil(t *testing.T) {
	var c *Controller
	assert.NoError(t, c.Tick())
	assert.NoError(t, c.Sample())
	assert.NoError(t, c.Err())
	assert.False(t, c.Aborted())
	assert.Equal(t, Stats{}, c.Stats())
	assert.Equal(t, 1, c.MaxWorkers())
	assert.NoError(t, c.AcquireWorker(context.Background()))
	c.ReleaseWorker()
	c.Abort(errors.New("ignored"))
	assert.NoError(t, c.AcquireIO(context.Background(), 1<<30))
}

func TestController_Workers(t *testing.T) {
	c := NewController(Config{MaxWorkers: 2})
	assert.Equal(t, 2, c.MaxWorkers())

	require.NoError(t, c.AcquireWorker(context.Background()))
	require.NoError(t, c.AcquireWorker(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.AcquireWorker(ctx), context.DeadlineExceeded)

	c.ReleaseWorker()
	assert.NoError(t, c.AcquireWorker(context.Background()))
}

func TestProcessRSS(t *testing.T) {
	rss, err := ProcessRSS()
	require.NoError(t, err)
	assert.Positive(t, rss)
}

func TestRateLimitedWriter_ChunksAboveBurst(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1 << 20})
	var buf bytes.Buffer
	w := NewRateLimitedWriter(context.Background(), &buf, c)

	// A single write larger than the burst is split instead of rejected.
	payload := bytes.Repeat([]byte{0xab}, (1<<20)+17)
	n, err := w.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf.Bytes())
}

func TestRateLimitedReader(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 64})
	payload := bytes.Repeat([]byte("0123456789"), 10)
	r := NewRateLimitedReader(context.Background(), bytes.NewReader(payload), c)

	p := make([]byte, 1000)
	n, err := r.Read(p)
	require.NoError(t, err)
	assert.Equal(t, 64, n)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewRateLimitedReader(ctx, bytes.NewReader(payload), c).Read(p)
	assert.Error(t, err)
}

func TestRateLimited_Unlimited(t *testing.T) {
	var buf bytes.Buffer
	w := NewRateLimitedWriter(context.Background(), &buf, NewController(Config{}))
	_, err := w.Write([]byte("abc"))
	require.NoError(t, err)

	got, err := io.ReadAll(NewRateLimitedReader(context.Background(), &buf, nil))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}
