package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	done := m.ExtractionStarted("full")
	done(ResultOK)
	m.Extraction("full", ResultReused)
	m.DedupWait()
	m.Eviction(10, 5, 1)
	m.FilesIndexed(3)
	m.PackageIndexed(ResultOK)
}

func TestRecords(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	done := m.ExtractionStarted("full")
	assert.InDelta(t, 1, testutil.ToFloat64(m.inflight), 0)
	done(ResultOK)
	assert.InDelta(t, 0, testutil.ToFloat64(m.inflight), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.extractions.WithLabelValues("full", ResultOK)), 0)

	m.DedupWait()
	m.DedupWait()
	assert.InDelta(t, 2, testutil.ToFloat64(m.dedupWaits), 0)

	m.Eviction(1000, 400, 2)
	assert.InDelta(t, 600, testutil.ToFloat64(m.cacheBytes), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.evictedDirs), 0)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
