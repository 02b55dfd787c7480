// Package config loads the settings of the districts command from a YAML or
// JSON file and the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/districts/codec"
	"github.com/hupe1980/districts/internal/npz"
	"github.com/hupe1980/districts/resource"
	"github.com/hupe1980/districts/snapshot"
)

// WorkerEnv lists the variables consulted for the worker count, in order.
// The first positive value wins.
var WorkerEnv = []string{
	"MATCHER_THREADS",
	"RAYON_NUM_THREADS",
	"SLURM_CPUS_PER_TASK",
	"SLURM_CPUS_ON_NODE",
	"PBS_NP",
	"OMP_NUM_THREADS",
}

// Config holds every setting of a run.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after creation.
type Config struct {
	// Workers bounds parallelism in both phases.
	Workers int `json:"workers" yaml:"workers"`

	// Reflection is "reuse" or "rerun".
	Reflection string `json:"reflection" yaml:"reflection"`

	Memory   MemoryConfig   `json:"memory" yaml:"memory"`
	Snapshot SnapshotConfig `json:"snapshot" yaml:"snapshot"`
	Log      LogConfig      `json:"log" yaml:"log"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

// MemoryConfig contains the memory governor settings.
type MemoryConfig struct {
	// MaxRSSBytes is the resident set ceiling; 0 disables it.
	MaxRSSBytes uint64 `json:"max_rss_bytes" yaml:"max_rss_bytes"`
	SampleEvery uint64 `json:"sample_every" yaml:"sample_every"`
}

// SnapshotConfig contains the snapshot settings.
type SnapshotConfig struct {
	// Path overrides the default <dataset stem>_snapshot.npz.
	Path        string `json:"path" yaml:"path"`
	Disabled    bool   `json:"disabled" yaml:"disabled"`
	Compression string `json:"compression" yaml:"compression"`
	// Remote is a file://, s3:// or minio:// URL mirrored after each write.
	Remote string `json:"remote" yaml:"remote"`
	// IOLimit throttles snapshot IO in bytes per second; 0 is unlimited.
	IOLimit int64 `json:"io_limit" yaml:"io_limit"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// MetricsConfig contains metrics export settings.
type MetricsConfig struct {
	// Textfile is rewritten with the Prometheus metrics after every root
	// and at the end of the run.
	Textfile string `json:"textfile" yaml:"textfile"`
	// Addr serves /metrics while the run is in progress.
	Addr string `json:"addr" yaml:"addr"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Workers:    runtime.GOMAXPROCS(0),
		Reflection: string(snapshot.ReflectionReuse),
		Memory: MemoryConfig{
			SampleEvery: resource.DefaultSampleEvery,
		},
		Snapshot: SnapshotConfig{
			Compression: npz.Deflate.String(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load merges defaults, the file at path (optional) and the environment, in
// that order of increasing priority, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := loadEnv(&cfg); err != nil {
		return cfg, fmt.Errorf("load config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Try YAML first, then JSON.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := codec.Default.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse %s (tried YAML and JSON): YAML error: %v, JSON error: %w", path, err, jsonErr)
		}
	}
	return nil
}

func loadEnv(cfg *Config) error {
	if n, ok := WorkersFromEnv(); ok {
		cfg.Workers = n
	}

	if v := os.Getenv("ENUM_SNAPSHOT_PATH"); v != "" {
		cfg.Snapshot.Path = v
	}
	if v := os.Getenv("ENUM_SAMPLE_EVERY"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("ENUM_SAMPLE_EVERY: %w", err)
		}
		cfg.Memory.SampleEvery = n
	}
	limit, ok, err := maxRSSFromEnv()
	if err != nil {
		return err
	}
	if ok {
		cfg.Memory.MaxRSSBytes = limit
	}

	if v := os.Getenv("DISTRICTS_SNAPSHOT_REMOTE"); v != "" {
		cfg.Snapshot.Remote = v
	}
	if v := os.Getenv("DISTRICTS_SNAPSHOT_COMPRESSION"); v != "" {
		cfg.Snapshot.Compression = v
	}
	if v := os.Getenv("DISTRICTS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DISTRICTS_METRICS_TEXTFILE"); v != "" {
		cfg.Metrics.Textfile = v
	}
	return nil
}

// WorkersFromEnv returns the first positive integer among WorkerEnv.
// Unparsable values are skipped.
func WorkersFromEnv() (int, bool) {
	for _, name := range WorkerEnv {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			continue
		}
		// PBS_NP and SLURM_CPUS_ON_NODE may carry a node list such as "16(x2)".
		if i := strings.IndexByte(v, '('); i > 0 {
			v = v[:i]
		}
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n, true
		}
	}
	return 0, false
}

// maxRSSFromEnv reads ENUM_MAX_RSS_BYTES, ENUM_MAX_RSS_MB or ENUM_MAX_RSS_GB,
// the first one set.
func maxRSSFromEnv() (uint64, bool, error) {
	units := []struct {
		name  string
		scale float64
	}{
		{"ENUM_MAX_RSS_BYTES", 1},
		{"ENUM_MAX_RSS_MB", 1 << 20},
		{"ENUM_MAX_RSS_GB", 1 << 30},
	}
	for _, u := range units {
		v := strings.TrimSpace(os.Getenv(u.name))
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return 0, false, fmt.Errorf("%s: invalid value %q", u.name, v)
		}
		return uint64(f * u.scale), true, nil
	}
	return 0, false, nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1")
	}
	if c.Memory.SampleEvery < 1 {
		return fmt.Errorf("sample_every must be >= 1")
	}
	if c.Snapshot.IOLimit < 0 {
		return fmt.Errorf("io_limit must be >= 0")
	}
	if _, err := snapshot.ParseReflection(c.Reflection); err != nil {
		return err
	}
	if _, err := npz.ParseMethod(c.Snapshot.Compression); err != nil {
		return err
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// SlogLevel parses Log.Level ("debug", "info", "warn", "error").
func (c Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return l, nil
}
