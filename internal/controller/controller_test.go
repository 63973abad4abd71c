// ============================================================================
// Controller Node Tests
// ============================================================================
//
// Package: internal/controller
// File: controller_test.go
// Purpose: Verify submission validation and defaulting, the atomic enqueue
//          pipeline, the worker reaper and the metrics snapshot on the
//          in-memory store.
//
// ============================================================================

package controller

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adaptivescrape/asc/internal/metrics"
	"github.com/adaptivescrape/asc/internal/store"
	"github.com/adaptivescrape/asc/pkg/types"
)

func newTestController(t *testing.T, cfg Config) (*Controller, *store.MemoryStore, store.Keys) {
	t.Helper()
	s := store.NewMemory()
	t.Cleanup(func() { s.Close() })
	keys := store.NewKeys("asc:")
	c, err := New(s, keys, nil, cfg)
	require.NoError(t, err)
	return c, s, keys
}

func TestSubmissionEnqueuesJob(t *testing.T) {
	c, s, keys := newTestController(t, Config{})
	ctx := context.Background()

	c.handleSubmission(`{"id":"j1","url":"http://t.example/ok","priority":7,"metadata":{"tag":"a"}}`)

	stored, err := s.Get(ctx, keys.Job("j1"))
	require.NoError(t, err, "jobs:<id> must be set")
	var job types.Job
	require.NoError(t, json.Unmarshal([]byte(stored), &job))
	assert.Equal(t, "http://t.example/ok", job.URL)

	queued, err := s.LRange(ctx, keys.Queue(7), 0, -1)
	require.NoError(t, err)
	require.Len(t, queued, 1, "the payload goes onto the queue for its priority")
	var queuedJob types.Job
	require.NoError(t, json.Unmarshal([]byte(queued[0]), &queuedJob))
	assert.Equal(t, types.JobID("j1"), queuedJob.ID)
	assert.Equal(t, "a", queuedJob.Metadata["tag"])
}

func TestSubmissionFillsDefaults(t *testing.T) {
	c, s, keys := newTestController(t, Config{})
	ctx := context.Background()

	c.handleSubmission(`{"url":"http://t.example/defaults"}`)

	queued, err := s.LRange(ctx, keys.Queue(0), 0, -1)
	require.NoError(t, err)
	require.Len(t, queued, 1, "missing priority defaults to 0")

	var job types.Job
	require.NoError(t, json.Unmarshal([]byte(queued[0]), &job))
	assert.NotEmpty(t, job.ID, "missing id gets generated")
	assert.NotNil(t, job.Metadata, "missing metadata defaults to an empty map")
	assert.Empty(t, job.Metadata)
}

func TestSubmissionClampsPriority(t *testing.T) {
	c, s, keys := newTestController(t, Config{})

	c.handleSubmission(`{"id":"hot","url":"http://t.example/hot","priority":99}`)

	queued, err := s.LRange(context.Background(), keys.Queue(types.MaxPriority), 0, -1)
	require.NoError(t, err)
	assert.Len(t, queued, 1, "priorities above the ceiling land on the top queue")
}

func TestSubmissionDropsMalformedAndInvalid(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `{"id": "broken`},
		{"missing url", `{"id":"j1"}`},
		{"non-http url", `{"url":"ftp://example.com/file"}`},
		{"negative priority", `{"url":"http://t.example/x","priority":-1}`},
		{"bad method", `{"url":"http://t.example/x","http":{"method":"TRACE"}}`},
		{"unknown field", `{"url":"http://t.example/x","surprise":true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, s, keys := newTestController(t, Config{})
			c.handleSubmission(tt.payload)

			ctx := context.Background()
			for p := types.MinPriority; p <= types.MaxPriority; p++ {
				n, err := s.LLen(ctx, keys.Queue(p))
				require.NoError(t, err)
				assert.Zero(t, n, "nothing may be enqueued for %s", tt.name)
			}
		})
	}
}

func TestSubmissionDuplicateIDIsIdempotentOnJobKey(t *testing.T) {
	c, s, keys := newTestController(t, Config{})
	ctx := context.Background()

	c.handleSubmission(`{"id":"dup","url":"http://t.example/one","priority":3}`)
	c.handleSubmission(`{"id":"dup","url":"http://t.example/one","priority":3}`)

	queued, err := s.LLen(ctx, keys.Queue(3))
	require.NoError(t, err)
	assert.Equal(t, int64(2), queued, "no dedupe: both submissions queue")

	_, err = s.Get(ctx, keys.Job("dup"))
	assert.NoError(t, err, "repeated job-key writes are idempotent")
}

func TestSubmitChannelEndToEnd(t *testing.T) {
	c, s, keys := newTestController(t, Config{WorkerTimeout: time.Hour, MetricsInterval: time.Hour})
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	require.NoError(t, s.Publish(ctx, keys.SubmitChannel(), `{"id":"pub1","url":"http://t.example/pub"}`))

	require.Eventually(t, func() bool {
		n, err := s.LLen(ctx, keys.Queue(0))
		return err == nil && n == 1
	}, 2*time.Second, 5*time.Millisecond, "published job must be enqueued")
}

func TestReaperRemovesDeadWorkers(t *testing.T) {
	c, s, keys := newTestController(t, Config{WorkerTimeout: time.Minute})
	ctx := context.Background()

	now := time.Now().UnixMilli()
	fresh, _ := json.Marshal(types.WorkerRecord{ID: "w-fresh", Status: types.WorkerIdle, Timestamp: now})
	stale, _ := json.Marshal(types.WorkerRecord{ID: "w-stale", Status: types.WorkerBusy, Timestamp: now - 2*time.Minute.Milliseconds()})
	require.NoError(t, s.HSet(ctx, keys.WorkersActive(), "w-fresh", string(fresh)))
	require.NoError(t, s.HSet(ctx, keys.WorkersActive(), "w-stale", string(stale)))
	require.NoError(t, s.HSet(ctx, keys.WorkersActive(), "w-junk", "not json"))

	c.reapDeadWorkers()

	workers, err := s.HGetAll(ctx, keys.WorkersActive())
	require.NoError(t, err)
	assert.Contains(t, workers, "w-fresh", "live workers survive")
	assert.NotContains(t, workers, "w-stale", "stale heartbeats are reaped")
	assert.NotContains(t, workers, "w-junk", "undecodable records are reaped")
}

func TestMetricsSnapshotUpdatesGauges(t *testing.T) {
	s := store.NewMemory()
	t.Cleanup(func() { s.Close() })
	keys := store.NewKeys("asc:")

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollectorWith(reg)
	c, err := New(s, keys, collector, Config{})
	require.NoError(t, err)

	ctx := context.Background()
	record, _ := json.Marshal(types.WorkerRecord{ID: "w1", Status: types.WorkerIdle, Timestamp: time.Now().UnixMilli()})
	require.NoError(t, s.HSet(ctx, keys.WorkersActive(), "w1", string(record)))
	require.NoError(t, s.LPush(ctx, keys.Queue(5), "a", "b"))
	require.NoError(t, s.LPush(ctx, keys.Queue(0), "c"))
	require.NoError(t, s.SAdd(ctx, keys.Processing(), "x"))
	_, err = s.IncrBy(ctx, keys.StatsCompleted(), 7)
	require.NoError(t, err)

	c.logClusterMetrics()

	assert.Equal(t, float64(1), gaugeValue(t, reg, "scrape_workers_active"))
	assert.Equal(t, float64(3), gaugeValue(t, reg, "scrape_queue_pending"))
	assert.Equal(t, float64(1), gaugeValue(t, reg, "scrape_queue_processing"))
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			require.NotEmpty(t, mf.GetMetric())
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("gauge %s not found", name)
	return 0
}
