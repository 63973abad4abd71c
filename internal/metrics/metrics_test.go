package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounters(t *testing.T) {
	c := NewCollectorWith(prometheus.NewRegistry())

	c.RecordSubmitted()
	c.RecordSubmitted()
	c.RecordRejected()
	c.RecordCompleted()
	c.RecordFailed()
	c.RecordBlocked()
	c.RecordReaped()

	assert.Equal(t, float64(2), testutil.ToFloat64(c.jobsSubmitted))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.jobsRejected))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.jobsCompleted))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.jobsFailed))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.requestsBlocked))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.workersReaped))
}

func TestCollectorClusterGauges(t *testing.T) {
	c := NewCollectorWith(prometheus.NewRegistry())

	c.UpdateClusterStats(3, 42, 5)
	assert.Equal(t, float64(3), testutil.ToFloat64(c.workersActive))
	assert.Equal(t, float64(42), testutil.ToFloat64(c.queuePending))
	assert.Equal(t, float64(5), testutil.ToFloat64(c.queueProcessing))

	// Gauges track the latest snapshot, including decreases.
	c.UpdateClusterStats(1, 0, 0)
	assert.Equal(t, float64(1), testutil.ToFloat64(c.workersActive))
	assert.Equal(t, float64(0), testutil.ToFloat64(c.queuePending))
}

func TestCollectorFetchHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectorWith(reg)

	c.ObserveFetchDuration(0.25)
	c.ObserveFetchDuration(1.5)

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "scrape_fetch_duration_seconds" {
			require.NotEmpty(t, mf.GetMetric())
			h := mf.GetMetric()[0].GetHistogram()
			assert.Equal(t, uint64(2), h.GetSampleCount())
			assert.InDelta(t, 1.75, h.GetSampleSum(), 1e-9)
			return
		}
	}
	t.Fatal("scrape_fetch_duration_seconds not registered")
}

func TestCollectorRegistersAllInstruments(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollectorWith(reg)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	for _, want := range []string{
		"scrape_queue_pending",
		"scrape_queue_processing",
		"scrape_workers_active",
	} {
		assert.True(t, names[want], "expected %s to be registered", want)
	}
}
