// Package config loads the pkgcache command configuration.
//
// Configuration comes from a YAML file named by the --config flag or the
// PKGCACHE_CONFIG environment variable. PKGCACHE_* variables override
// individual values after the file is read, so containers can adjust a
// shared file without copying it.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meigma/pkgcache"
	"github.com/meigma/pkgcache/cache/evict"
)

// EnvConfig names the variable holding the config file path.
const EnvConfig = "PKGCACHE_CONFIG"

// Config is the complete command configuration.
type Config struct {
	// Root is the materialization directory.
	Root string `yaml:"root"`

	Registry RegistryConfig `yaml:"registry"`

	// Folders maps aliases of relocatable locations to directories.
	Folders map[string]string `yaml:"folders"`

	Extraction ExtractionConfig `yaml:"extraction"`
	Cache      CacheConfig      `yaml:"cache"`
	Index      IndexConfig      `yaml:"index"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// RegistryConfig selects the package database.
type RegistryConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// ExtractionConfig tunes the engine.
type ExtractionConfig struct {
	SpaceMultiplier   float64       `yaml:"space_multiplier"`
	MaxConcurrent     int           `yaml:"max_concurrent"`
	Cooldown          time.Duration `yaml:"cooldown"`
	PurgeMissingFiles bool          `yaml:"purge_missing_files"`
	MaxDepth          int           `yaml:"max_depth"`
	LockRetries       int           `yaml:"lock_retries"`
}

// CacheConfig bounds the materialization directory. A zero MaxBytes
// disables eviction.
type CacheConfig struct {
	MaxBytes     int64         `yaml:"max_bytes"`
	MinAge       time.Duration `yaml:"min_age"`
	Interval     time.Duration `yaml:"interval"`
	MinRecompute time.Duration `yaml:"min_recompute"`
}

// IndexConfig tunes the indexer.
type IndexConfig struct {
	Workers         int `yaml:"workers"`
	CheckpointEvery int `yaml:"checkpoint_every"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// MetricsConfig configures the metrics endpoint of the serve command.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used for values the file leaves unset.
func Default() *Config {
	base := filepath.Join(os.TempDir(), "pkgcache")
	if dir, err := os.UserCacheDir(); err == nil {
		base = filepath.Join(dir, "pkgcache")
	}
	return &Config{
		Root: filepath.Join(base, "packages"),
		Registry: RegistryConfig{
			Driver: "sqlite",
			DSN:    filepath.Join(base, "registry.db"),
		},
		Extraction: ExtractionConfig{
			SpaceMultiplier: pkgcache.DefaultSpaceMultiplier,
			MaxDepth:        pkgcache.DefaultMaxDepth,
			LockRetries:     5,
		},
		Cache: CacheConfig{
			MinAge:       evict.DefaultMinAge,
			Interval:     evict.DefaultInterval,
			MinRecompute: evict.DefaultMinRecompute,
		},
		Index: IndexConfig{
			CheckpointEvery: pkgcache.DefaultCheckpointEvery,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// Load reads the file at path, or the file named by PKGCACHE_CONFIG when
// path is empty, over the defaults and then applies environment overrides.
// Without any file the defaults are used.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides values from PKGCACHE_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int64) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("PKGCACHE_ROOT", &c.Root)
	str("PKGCACHE_REGISTRY_DRIVER", &c.Registry.Driver)
	str("PKGCACHE_REGISTRY_DSN", &c.Registry.DSN)
	str("PKGCACHE_LOG_LEVEL", &c.Log.Level)
	str("PKGCACHE_LOG_FORMAT", &c.Log.Format)
	str("PKGCACHE_METRICS_ADDR", &c.Metrics.Addr)
	num("PKGCACHE_CACHE_MAX_BYTES", &c.Cache.MaxBytes)

	concurrent := int64(c.Extraction.MaxConcurrent)
	num("PKGCACHE_MAX_CONCURRENT", &concurrent)
	c.Extraction.MaxConcurrent = int(concurrent)

	if v, ok := lookup("PKGCACHE_PURGE_MISSING_FILES"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("PKGCACHE_PURGE_MISSING_FILES: %w", err))
		} else {
			c.Extraction.PurgeMissingFiles = b
		}
	}
	return errors.Join(errs...)
}

// Validate checks the configuration for values the engine cannot use.
func (c *Config) Validate() error {
	var errs []error
	if c.Root == "" {
		errs = append(errs, errors.New("root is required"))
	}
	switch c.Registry.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("registry.driver: unknown driver %q", c.Registry.Driver))
	}
	if c.Registry.DSN == "" {
		errs = append(errs, errors.New("registry.dsn is required"))
	}
	if c.Extraction.SpaceMultiplier < 0 {
		errs = append(errs, errors.New("extraction.space_multiplier must not be negative"))
	}
	if c.Extraction.MaxConcurrent < 0 {
		errs = append(errs, errors.New("extraction.max_concurrent must not be negative"))
	}
	if c.Cache.MaxBytes < 0 {
		errs = append(errs, errors.New("cache.max_bytes must not be negative"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger writing to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// EngineOptions returns the engine options described by c.
func (c *Config) EngineOptions(logger *slog.Logger) []pkgcache.Option {
	opts := []pkgcache.Option{
		pkgcache.WithLogger(logger),
		pkgcache.WithFolders(c.Folders),
		pkgcache.WithSpaceMultiplier(c.Extraction.SpaceMultiplier),
		pkgcache.WithMaxConcurrent(c.Extraction.MaxConcurrent),
		pkgcache.WithCooldown(c.Extraction.Cooldown),
		pkgcache.WithPurgeMissingFiles(c.Extraction.PurgeMissingFiles),
		pkgcache.WithLockRetry(c.Extraction.LockRetries, 0),
	}
	if c.Extraction.MaxDepth > 0 {
		opts = append(opts, pkgcache.WithMaxDepth(c.Extraction.MaxDepth))
	}
	if c.Cache.MaxBytes > 0 {
		opts = append(opts, pkgcache.WithCacheLimit(c.Cache.MaxBytes,
			evict.WithMinAge(c.Cache.MinAge),
			evict.WithInterval(c.Cache.Interval),
			evict.WithMinRecompute(c.Cache.MinRecompute),
		))
	}
	return opts
}

// IndexerOptions returns the indexer options described by c.
func (c *Config) IndexerOptions() []pkgcache.IndexerOption {
	var opts []pkgcache.IndexerOption
	if c.Index.Workers > 0 {
		opts = append(opts, pkgcache.WithWorkers(c.Index.Workers))
	}
	if c.Index.CheckpointEvery > 0 {
		opts = append(opts, pkgcache.WithCheckpointEvery(c.Index.CheckpointEvery))
	}
	return opts
}
