package pkgcache

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meigma/pkgcache/cache/evict"
	"github.com/meigma/pkgcache/codec"
)

// Option configures an Engine.
type Option func(*Engine)

// Engine defaults.
const (
	DefaultSpaceMultiplier = 5.0
	DefaultMaxDepth        = 16
)

// WithLogger sets the logger for engine events.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithDispatcher replaces the codec dispatcher. Defaults to DefaultDispatcher.
func WithDispatcher(d *codec.Dispatcher) Option {
	return func(e *Engine) {
		e.codecs = d
	}
}

// WithFolders sets the aliases used to resolve relocatable locations of the
// form "${ALIAS}/rest".
func WithFolders(folders map[string]string) Option {
	return func(e *Engine) {
		e.folders = folders
	}
}

// WithSpaceMultiplier sets how many times a package's compressed size must be
// free before a full extraction starts. Defaults to 5.
func WithSpaceMultiplier(m float64) Option {
	return func(e *Engine) {
		e.multiplier = m
	}
}

// WithFreeSpace overrides the free-space probe.
func WithFreeSpace(fn func(path string) (uint64, error)) Option {
	return func(e *Engine) {
		e.freeSpace = fn
	}
}

// WithMaxConcurrent bounds how many extractions run at once across all
// packages. Zero means unbounded.
func WithMaxConcurrent(n int) Option {
	return func(e *Engine) {
		e.maxConcurrent = int64(n)
	}
}

// WithCooldown keeps a concurrency slot occupied for d after each
// extraction. It only has an effect together with WithMaxConcurrent.
func WithCooldown(d time.Duration) Option {
	return func(e *Engine) {
		e.cooldown = d
	}
}

// WithPurgeMissingFiles removes PackageFile records whose file turns out to
// be absent from a successfully decoded package.
func WithPurgeMissingFiles(enabled bool) Option {
	return func(e *Engine) {
		e.purgeMissing = enabled
	}
}

// WithLockRetry configures how often operations on locked files are retried.
func WithLockRetry(attempts int, initialWait time.Duration) Option {
	return func(e *Engine) {
		e.retrier.Attempts = attempts
		e.retrier.InitialWait = initialWait
	}
}

// WithMaxDepth bounds the length of parent chains. Defaults to 16.
func WithMaxDepth(n int) Option {
	return func(e *Engine) {
		e.maxDepth = n
	}
}

// WithCacheLimit enables eviction of the materialization root at maxBytes.
// The engine supplies the retain predicate, logger and metrics hooks; opts
// may tune the schedule.
func WithCacheLimit(maxBytes int64, opts ...evict.Option) Option {
	return func(e *Engine) {
		e.cacheLimit = maxBytes
		e.evictOpts = opts
	}
}

// WithMetricsRegisterer registers engine metrics with reg.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) {
		e.metricsReg = reg
	}
}
