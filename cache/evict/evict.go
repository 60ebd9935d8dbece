// Package evict keeps the extraction directory under a byte budget.
//
// The Manager treats every immediate subdirectory of the root as one cache
// entry. When the root exceeds its budget, entries are removed oldest birth
// time first until the total is back under budget. Entries younger than the
// minimum age, and entries the retain predicate claims, are never touched.
package evict

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meigma/pkgcache/internal/fsutil"
)

// Defaults for the Manager schedule.
const (
	DefaultMinAge       = 10 * time.Minute
	DefaultInterval     = 5 * time.Minute
	DefaultMinRecompute = time.Minute
)

// trashPrefix marks entries that were detached from the root and are being
// deleted in the background.
const trashPrefix = ".evicting-"

// RetainFunc reports whether the cache entry with the given directory name
// must be kept.
type RetainFunc func(ctx context.Context, name string) bool

// Result describes one CheckAndClean pass.
type Result struct {
	// Ran is false when the pass was skipped because the manager is disabled
	// or another pass was already running.
	Ran        bool
	TotalBytes int64
	FreedBytes int64
	Removed    []string
	Skipped    int
}

// Manager enforces the byte budget of a cache root.
type Manager struct {
	root         string
	maxBytes     int64
	minAge       time.Duration
	interval     time.Duration
	minRecompute time.Duration

	retain    RetainFunc
	birthTime func(string) (time.Time, error)
	now       func() time.Time
	onClean   func(Result)
	logger    *slog.Logger
	retrier   fsutil.Retrier

	enabled atomic.Bool
	running atomic.Bool
	looping atomic.Bool
	lastRun atomic.Int64
	seq     atomic.Int64
	pending sync.WaitGroup
	// deleting holds the trash paths with a deletion in progress.
	deleting sync.Map
	trigger chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetain sets the predicate protecting entries from eviction.
func WithRetain(fn RetainFunc) Option {
	return func(m *Manager) {
		m.retain = fn
	}
}

// WithMinAge sets the grace period during which new entries are never evicted.
func WithMinAge(d time.Duration) Option {
	return func(m *Manager) {
		m.minAge = d
	}
}

// WithInterval sets how often Run checks the budget.
func WithInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.interval = d
	}
}

// WithMinRecompute sets the minimum time between two passes started by Run
// or Trigger.
func WithMinRecompute(d time.Duration) Option {
	return func(m *Manager) {
		m.minRecompute = d
	}
}

// WithLogger sets the logger for eviction events.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithBirthTime overrides how entry ages are determined.
func WithBirthTime(fn func(string) (time.Time, error)) Option {
	return func(m *Manager) {
		m.birthTime = fn
	}
}

// WithOnClean registers a callback invoked after every pass that ran.
func WithOnClean(fn func(Result)) Option {
	return func(m *Manager) {
		m.onClean = fn
	}
}

// New creates a Manager for root with a budget of maxBytes.
// A budget of zero or less disables eviction.
func New(root string, maxBytes int64, opts ...Option) *Manager {
	m := &Manager{
		root:         root,
		maxBytes:     maxBytes,
		minAge:       DefaultMinAge,
		interval:     DefaultInterval,
		minRecompute: DefaultMinRecompute,
		birthTime:    fsutil.BirthTime,
		now:          time.Now,
		trigger:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.interval <= 0 {
		m.interval = DefaultInterval
	}
	m.enabled.Store(true)
	return m
}

func (m *Manager) log() *slog.Logger {
	if m.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return m.logger
}

// SetEnabled turns eviction on or off. Passes already running complete.
func (m *Manager) SetEnabled(enabled bool) {
	m.enabled.Store(enabled)
}

// Enabled reports whether eviction is on.
func (m *Manager) Enabled() bool {
	return m.enabled.Load()
}

// MaxBytes returns the configured budget.
func (m *Manager) MaxBytes() int64 {
	return m.maxBytes
}

type candidate struct {
	name string
	path string
	born time.Time
}

// CheckAndClean runs one eviction pass. It returns immediately with a zero
// Result when the manager is disabled or a pass is already running.
//
// Selected entries are detached from the root synchronously and deleted in
// the background; use Wait to block until the deletions finish.
func (m *Manager) CheckAndClean(ctx context.Context) (Result, error) {
	if !m.enabled.Load() || m.maxBytes <= 0 {
		return Result{}, nil
	}
	if !m.running.CompareAndSwap(false, true) {
		return Result{}, nil
	}
	defer m.running.Store(false)
	m.lastRun.Store(m.now().UnixNano())

	res, err := m.clean(ctx)
	if res.Ran && m.onClean != nil {
		m.onClean(res)
	}
	return res, err
}

func (m *Manager) clean(ctx context.Context) (Result, error) {
	total, trash, err := m.usage()
	if err != nil {
		return Result{}, err
	}
	for _, path := range trash {
		m.discard(path)
	}
	res := Result{Ran: true, TotalBytes: total}
	if total <= m.maxBytes {
		return res, nil
	}

	candidates, err := m.candidates()
	if err != nil {
		return res, err
	}

	m.log().Info("cache over budget",
		slog.String("root", m.root),
		slog.Int64("total_bytes", total),
		slog.Int64("max_bytes", m.maxBytes),
		slog.Int("entries", len(candidates)))

	remaining := total
	now := m.now()
	for _, c := range candidates {
		if remaining <= m.maxBytes {
			break
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if now.Sub(c.born) < m.minAge {
			res.Skipped++
			continue
		}
		if m.retain != nil && m.retain(ctx, c.name) {
			res.Skipped++
			continue
		}
		size, err := fsutil.DirSize(c.path)
		if err != nil {
			m.log().Warn("size cache entry",
				slog.String("path", c.path),
				slog.Any("error", err))
			res.Skipped++
			continue
		}
		if err := m.remove(c); err != nil {
			m.log().Warn("evict cache entry",
				slog.String("path", c.path),
				slog.Any("error", err))
			res.Skipped++
			continue
		}
		remaining -= size
		res.FreedBytes += size
		res.Removed = append(res.Removed, c.name)
		m.log().Debug("evicted cache entry",
			slog.String("name", c.name),
			slog.Int64("bytes", size))
	}
	return res, nil
}

// usage sums the live entries of the root and returns the detached trash
// directories separately.
func (m *Manager) usage() (int64, []string, error) {
	dirents, err := os.ReadDir(m.root)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}

	var total int64
	var trash []string
	for _, d := range dirents {
		path := filepath.Join(m.root, d.Name())
		switch {
		case d.IsDir() && strings.HasPrefix(d.Name(), trashPrefix):
			trash = append(trash, path)
		case d.IsDir():
			size, err := fsutil.DirSize(path)
			if err != nil {
				return 0, nil, err
			}
			total += size
		case d.Type().IsRegular():
			info, err := d.Info()
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return 0, nil, err
			}
			total += info.Size()
		}
	}
	return total, trash, nil
}

// candidates returns the root's entry directories, oldest first.
func (m *Manager) candidates() ([]candidate, error) {
	dirents, err := os.ReadDir(m.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]candidate, 0, len(dirents))
	for _, d := range dirents {
		if !d.IsDir() || strings.HasPrefix(d.Name(), trashPrefix) {
			continue
		}
		path := filepath.Join(m.root, d.Name())
		born, err := m.birthTime(path)
		if err != nil {
			continue
		}
		out = append(out, candidate{name: d.Name(), path: path, born: born})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].born.Equal(out[j].born) {
			return out[i].name < out[j].name
		}
		return out[i].born.Before(out[j].born)
	})
	return out, nil
}

// remove detaches c from the root and deletes it in the background.
func (m *Manager) remove(c candidate) error {
	trash := filepath.Join(m.root, trashPrefix+strconv.FormatInt(m.seq.Add(1), 10)+"-"+c.name)
	if err := os.Rename(c.path, trash); err != nil {
		return err
	}
	m.discard(trash)
	return nil
}

// discard deletes a trash directory in the background unless a deletion of
// it is already running. Trash left behind by an earlier process is picked
// up by the next pass.
func (m *Manager) discard(trash string) {
	if _, busy := m.deleting.LoadOrStore(trash, struct{}{}); busy {
		return
	}
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		defer m.deleting.Delete(trash)
		if err := m.retrier.RemoveAll(context.Background(), trash); err != nil {
			m.log().Warn("delete evicted entry",
				slog.String("path", trash),
				slog.Any("error", err))
		}
	}()
}

// Wait blocks until all background deletions have finished.
func (m *Manager) Wait() {
	m.pending.Wait()
}

// due reports whether MinRecompute has passed since the last pass.
func (m *Manager) due() bool {
	last := m.lastRun.Load()
	return last == 0 || m.now().Sub(time.Unix(0, last)) >= m.minRecompute
}

// Trigger requests a pass, typically after an extraction grew the cache.
// When Run is active the pass happens on its goroutine; otherwise one is
// started in the background. Requests within MinRecompute of the previous
// pass are dropped.
func (m *Manager) Trigger() {
	if !m.enabled.Load() || !m.due() {
		return
	}
	if m.looping.Load() {
		select {
		case m.trigger <- struct{}{}:
		default:
		}
		return
	}
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		if _, err := m.CheckAndClean(context.Background()); err != nil {
			m.log().Warn("cache eviction failed", slog.Any("error", err))
		}
	}()
}

// Run checks the budget every Interval and on Trigger until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	m.looping.Store(true)
	defer m.looping.Store(false)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-m.trigger:
		}
		if !m.due() {
			continue
		}
		if _, err := m.CheckAndClean(ctx); err != nil && ctx.Err() == nil {
			m.log().Warn("cache eviction failed", slog.Any("error", err))
		}
	}
}
