package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/districts"
	"github.com/hupe1980/districts/internal/config"
	"github.com/hupe1980/districts/metrics"
)

func newRunCmd(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <dataset.npz> [snapshot.npz]",
		Short: "Enumerate, snapshot and match",
		Long: `Run the full pipeline and print the exact count.

The phase-1 snapshot is written to the second argument, ENUM_SNAPSHOT_PATH
or <dataset dir>/<dataset stem>_snapshot.npz, in that order.

Examples:
  districts run data/dataset_n6.npz
  districts run --max-rss-gb 48 --workers 32 data/dataset_n8.npz /scratch/n8.npz`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.settings(cmd)
			if err != nil {
				return err
			}
			if len(args) == 2 {
				cfg.Snapshot.Path = args[1]
				cfg.Snapshot.Disabled = false
			}
			return execute(cmd, cfg, func(ctx context.Context, c *districts.Counter) (*districts.Result, error) {
				return c.Run(ctx, args[0])
			})
		},
	}
	cmd.Flags().BoolVar(&f.noSnapshot, "no-snapshot", false, "Do not write the phase-1 snapshot")
	return cmd
}

func newResumeCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <dataset.npz> <snapshot.npz>",
		Short: "Match from a phase-1 snapshot",
		Long: `Skip phase 1 and match the bucket store of an earlier run.

The snapshot must have been written for the same dataset file and the same
reflection convention; otherwise the command exits with status 4. With
--snapshot-remote a snapshot missing locally is fetched from the mirror.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.settings(cmd)
			if err != nil {
				return err
			}
			return execute(cmd, cfg, func(ctx context.Context, c *districts.Counter) (*districts.Result, error) {
				return c.Resume(ctx, args[0], args[1])
			})
		},
	}
}

// execute builds a Counter from cfg, runs fn and prints the count.
func execute(cmd *cobra.Command, cfg config.Config, fn func(context.Context, *districts.Counter) (*districts.Result, error)) error {
	ctx := cmd.Context()
	logger := newLogger(cmd, cfg)

	opts := []districts.Option{
		districts.WithWorkers(cfg.Workers),
		districts.WithMemoryLimit(cfg.Memory.MaxRSSBytes),
		districts.WithSampleEvery(cfg.Memory.SampleEvery),
		districts.WithSnapshotCompression(cfg.Snapshot.Compression),
		districts.WithIOLimit(cfg.Snapshot.IOLimit),
		districts.WithReflection(districts.Reflection(cfg.Reflection)),
		districts.WithLogger(&districts.Logger{Logger: logger}),
	}
	switch {
	case cfg.Snapshot.Disabled:
		opts = append(opts, districts.WithoutSnapshot())
	case cfg.Snapshot.Path != "":
		opts = append(opts, districts.WithSnapshotPath(cfg.Snapshot.Path))
	}

	if cfg.Snapshot.Remote != "" {
		remote, err := openRemote(ctx, cfg.Snapshot.Remote)
		if err != nil {
			return err
		}
		opts = append(opts, districts.WithRemoteSnapshots(remote))
	}

	if cfg.Metrics.Textfile != "" || cfg.Metrics.Addr != "" {
		collector := metrics.NewCollector(nil)
		var mc districts.MetricsCollector = collector
		if cfg.Metrics.Textfile != "" {
			mc = &textfileCollector{Collector: collector, path: cfg.Metrics.Textfile, logger: logger}
		}
		opts = append(opts, districts.WithMetricsCollector(mc))

		if cfg.Metrics.Addr != "" {
			stop, err := serveMetrics(cfg.Metrics.Addr, collector, logger)
			if err != nil {
				return err
			}
			defer stop()
		}
	}

	c, err := districts.New(opts...)
	if err != nil {
		return err
	}
	res, err := fn(ctx, c)
	if err != nil {
		return err
	}

	logger.Info("count complete",
		slog.Int("n", res.N),
		slog.String("count", res.Count.String()),
		slog.Bool("resumed", res.Resumed),
		slog.String("snapshot", res.SnapshotPath),
		slog.Duration("enumerate", res.EnumerateDuration),
		slog.Duration("match", res.MatchDuration),
		slog.Uint64("peak_rss_bytes", res.PeakRSS),
	)
	_, err = fmt.Fprintln(cmd.OutOrStdout(), res.Count.String())
	return err
}

// textfileCollector rewrites the node exporter textfile after every root
// and at the end of each phase.
type textfileCollector struct {
	*metrics.Collector
	path   string
	logger *slog.Logger
}

func (c *textfileCollector) flush() {
	if err := c.WriteTextfile(c.path); err != nil {
		c.logger.Warn("metrics textfile write failed", slog.String("path", c.path), slog.Any("error", err))
	}
}

func (c *textfileCollector) RecordRoot(expanded uint64, live int, rss uint64) {
	c.Collector.RecordRoot(expanded, live, rss)
	c.flush()
}

func (c *textfileCollector) RecordEnumeration(buckets, rows int, d time.Duration, err error) {
	c.Collector.RecordEnumeration(buckets, rows, d, err)
	c.flush()
}

func (c *textfileCollector) RecordMatch(pairs int, d time.Duration, err error) {
	c.Collector.RecordMatch(pairs, d, err)
	c.flush()
}

func serveMetrics(addr string, collector *metrics.Collector, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", slog.Any("error", err))
		}
	}()
	logger.Info("serving metrics", slog.String("addr", ln.Addr().String()))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
