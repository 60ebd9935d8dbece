package pkgcache

import (
	"context"
	"sync"
)

// extraction is the in-flight extraction of one package.
type extraction struct {
	done chan struct{}

	// Request that started the extraction. full extractions satisfy every
	// request for the package.
	full bool
	rel  string

	// removal marks Engine.Remove holding the slot; it answers no request.
	removal bool

	// Set before done is closed.
	path string
	err  error
}

func (x *extraction) wait(ctx context.Context) error {
	select {
	case <-x.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// covers reports whether a successful x also answers a request for rel.
func (x *extraction) covers(rel string, fileOnly bool) bool {
	return x.full || (fileOnly && x.rel == rel)
}

// extractionTable holds at most one extraction per package id.
type extractionTable struct {
	mu       sync.Mutex
	inflight map[int64]*extraction
}

// begin registers an extraction for id. If one is already registered it is
// returned with leader false and the caller must wait for it instead.
func (t *extractionTable) begin(id int64, rel string, full bool) (*extraction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if x, ok := t.inflight[id]; ok {
		return x, false
	}
	if t.inflight == nil {
		t.inflight = make(map[int64]*extraction)
	}
	x := &extraction{done: make(chan struct{}), full: full, rel: rel}
	t.inflight[id] = x
	return x, true
}

// finish publishes the outcome of x and deregisters it.
func (t *extractionTable) finish(id int64, x *extraction, path string, err error) {
	t.mu.Lock()
	if t.inflight[id] == x {
		delete(t.inflight, id)
	}
	t.mu.Unlock()
	x.path, x.err = path, err
	close(x.done)
}

func (t *extractionTable) lookup(id int64) (*extraction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	x, ok := t.inflight[id]
	return x, ok
}

func (t *extractionTable) active(id int64) bool {
	_, ok := t.lookup(id)
	return ok
}

func (t *extractionTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}
