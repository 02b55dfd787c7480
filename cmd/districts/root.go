package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/hupe1980/districts/internal/config"
)

// flags holds the command line overrides. Only flags the user set replace
// values from the config file and the environment.
type flags struct {
	config          string
	workers         int
	maxRSSGB        float64
	sampleEvery     uint64
	compression     string
	reflection      string
	snapshotRemote  string
	ioLimit         int64
	metricsTextfile string
	metricsAddr     string
	logLevel        string
	logFormat       string
	noSnapshot      bool
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:   "districts",
		Short: "Count equal-area partitions of an N×N grid",
		Long: `districts counts the ways to split an N×N grid into N contiguous districts
of N cells each, exactly, from a precomputed compatibility dataset.

Phase 1 enumerates the left half of the grid into a bucket store and writes
it to a snapshot. Phase 2 matches the store against the mirrored right half.
A run interrupted during phase 2 continues with "districts resume".

Settings are read from --config (YAML or JSON), then the environment
(ENUM_MAX_RSS_GB, SLURM_CPUS_PER_TASK, ...), then the flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&f.config, "config", "", "Config file (YAML or JSON)")
	pf.IntVarP(&f.workers, "workers", "w", 0, "Parallel workers (default from the scheduler environment or GOMAXPROCS)")
	pf.Float64Var(&f.maxRSSGB, "max-rss-gb", 0, "Abort phase 1 above this resident set size in GiB (0 disables)")
	pf.Uint64Var(&f.sampleEvery, "sample-every", 0, "Expanded states between two RSS samples")
	pf.StringVar(&f.compression, "compression", "", "Snapshot compression: deflate, store, zstd or lz4")
	pf.StringVar(&f.reflection, "reflection", "", "Right half convention: reuse or rerun")
	pf.StringVar(&f.snapshotRemote, "snapshot-remote", "", "Mirror snapshots to file:///dir, s3://bucket/prefix or minio://host/bucket/prefix")
	pf.Int64Var(&f.ioLimit, "io-limit", 0, "Snapshot IO limit in bytes per second (0 is unlimited)")
	pf.StringVar(&f.metricsTextfile, "metrics-textfile", "", "Write Prometheus metrics to this file for the node exporter")
	pf.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9108")
	pf.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	pf.StringVar(&f.logFormat, "log-format", "", "Log format: text or json")

	root.AddCommand(newRunCmd(f), newResumeCmd(f), newInspectCmd(f))
	return root
}

// settings loads the configuration and applies the flags the user set.
func (f *flags) settings(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(f.config)
	if err != nil {
		return cfg, err
	}

	changed := cmd.Flags().Changed
	if changed("workers") {
		cfg.Workers = f.workers
	}
	if changed("max-rss-gb") {
		cfg.Memory.MaxRSSBytes = uint64(f.maxRSSGB * (1 << 30))
	}
	if changed("sample-every") {
		cfg.Memory.SampleEvery = f.sampleEvery
	}
	if changed("compression") {
		cfg.Snapshot.Compression = f.compression
	}
	if changed("reflection") {
		cfg.Reflection = f.reflection
	}
	if changed("snapshot-remote") {
		cfg.Snapshot.Remote = f.snapshotRemote
	}
	if changed("io-limit") {
		cfg.Snapshot.IOLimit = f.ioLimit
	}
	if changed("metrics-textfile") {
		cfg.Metrics.Textfile = f.metricsTextfile
	}
	if changed("metrics-addr") {
		cfg.Metrics.Addr = f.metricsAddr
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if changed("no-snapshot") {
		cfg.Snapshot.Disabled = f.noSnapshot
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg config.Config) *slog.Logger {
	level, _ := cfg.SlogLevel() // validated
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), opts))
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), opts))
}
