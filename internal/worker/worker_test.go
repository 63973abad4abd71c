// ============================================================================
// Worker Node Tests
// ============================================================================
//
// Package: internal/worker
// File: worker_test.go
// Purpose: Verify the job lifecycle (one record per job), failure paths,
//          heartbeats and in-progress recovery on shutdown, all on the
//          in-memory store against local httptest servers.
//
// ============================================================================

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adaptivescrape/asc/internal/dispatch"
	"github.com/adaptivescrape/asc/internal/governor"
	"github.com/adaptivescrape/asc/internal/parser"
	"github.com/adaptivescrape/asc/internal/proxy"
	"github.com/adaptivescrape/asc/internal/store"
	"github.com/adaptivescrape/asc/internal/useragent"
	"github.com/adaptivescrape/asc/pkg/types"
)

type testHarness struct {
	store  *store.MemoryStore
	keys   store.Keys
	worker *Worker
}

func newHarness(t *testing.T, govCfg governor.Config, cfg Config) *testHarness {
	t.Helper()
	s := store.NewMemory()
	t.Cleanup(func() { s.Close() })
	keys := store.NewKeys("asc:")

	gov := governor.New(s, keys, govCfg)
	pm := proxy.NewManager(s, keys, nil)
	d := dispatch.New(gov, pm, useragent.New(nil), nil, nil)
	w := New(s, keys, d, parser.NewRegistry(), nil, cfg)
	t.Cleanup(w.Stop)
	return &testHarness{store: s, keys: keys, worker: w}
}

func fastGovernor() governor.Config {
	return governor.Config{InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
}

func (h *testHarness) enqueue(t *testing.T, job types.Job) {
	t.Helper()
	payload, err := json.Marshal(job)
	require.NoError(t, err)
	require.NoError(t, h.store.LPush(context.Background(), h.keys.Queue(job.Priority), string(payload)))
}

func (h *testHarness) popResult(t *testing.T, key string) string {
	t.Helper()
	var out string
	require.Eventually(t, func() bool {
		vals, err := h.store.LRange(context.Background(), key, 0, 0)
		if err != nil || len(vals) == 0 {
			return false
		}
		out = vals[0]
		return true
	}, 3*time.Second, 5*time.Millisecond, "expected a record on %s", key)
	return out
}

func TestWorkerID(t *testing.T) {
	a, b := NewID(), NewID()
	assert.Regexp(t, `^worker-.+-[0-9a-f]{8}$`, a)
	assert.NotEqual(t, a, b, "ids must be unique per process")
}

func TestWorkerProcessesJobToSuccessRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "<html><title>Hi</title><h1>H</h1></html>")
	}))
	defer srv.Close()

	h := newHarness(t, fastGovernor(), Config{Concurrency: 1, WorkerTimeout: time.Second})
	h.enqueue(t, types.Job{
		ID:       "j1",
		URL:      srv.URL,
		Priority: 5,
		Metadata: map[string]any{"tag": "a"},
	})
	require.NoError(t, h.worker.Start())

	raw := h.popResult(t, h.keys.ResultsSuccess())
	var rec types.SuccessRecord
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	assert.Equal(t, types.JobID("j1"), rec.JobID)
	assert.Equal(t, h.worker.ID(), rec.WorkerID)
	assert.Equal(t, types.ResultSuccess, rec.Status)
	assert.Equal(t, 200, rec.StatusCode)
	assert.Equal(t, "a", rec.Metadata["tag"])
	assert.Equal(t, "Hi", rec.Data["title"])
	assert.Equal(t, "H", rec.Data["h1"])

	ctx := context.Background()
	n, err := h.store.SCard(ctx, h.keys.Processing())
	require.NoError(t, err)
	assert.Zero(t, n, "processing set must be cleared")
	completed, err := h.store.Get(ctx, h.keys.StatsCompleted())
	require.NoError(t, err)
	assert.Equal(t, "1", completed)
}

func TestWorkerTransportFailureRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	target := srv.URL
	srv.Close()

	h := newHarness(t, fastGovernor(), Config{Concurrency: 1, WorkerTimeout: time.Second})
	h.enqueue(t, types.Job{ID: "j-dead", URL: target, Priority: 0})
	require.NoError(t, h.worker.Start())

	raw := h.popResult(t, h.keys.ResultsFailed())
	var rec types.FailureRecord
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	assert.Equal(t, types.JobID("j-dead"), rec.JobID)
	assert.Equal(t, types.ResultFailed, rec.Status)
	assert.NotEmpty(t, rec.Error.Message)

	failed, err := h.store.Get(context.Background(), h.keys.StatsFailed())
	require.NoError(t, err)
	assert.Equal(t, "1", failed)
}

func TestWorkerBlockedResponseFailureRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, "Too Many Requests")
	}))
	defer srv.Close()

	h := newHarness(t, fastGovernor(), Config{Concurrency: 1, WorkerTimeout: time.Second})
	h.enqueue(t, types.Job{ID: "j-blocked", URL: srv.URL, Parser: "raw"})
	require.NoError(t, h.worker.Start())

	raw := h.popResult(t, h.keys.ResultsFailed())
	var rec types.FailureRecord
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	assert.Equal(t, types.JobID("j-blocked"), rec.JobID)
	assert.Contains(t, rec.Error.Message, "blocked", "record should name the block")
}

func TestWorkerUnknownParserFailureRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "body")
	}))
	defer srv.Close()

	h := newHarness(t, fastGovernor(), Config{Concurrency: 1, WorkerTimeout: time.Second})
	h.enqueue(t, types.Job{ID: "j-noparser", URL: srv.URL, Parser: "does-not-exist"})
	require.NoError(t, h.worker.Start())

	raw := h.popResult(t, h.keys.ResultsFailed())
	var rec types.FailureRecord
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	assert.Equal(t, types.JobID("j-noparser"), rec.JobID)
	assert.Contains(t, rec.Error.Message, "does-not-exist")
}

func TestWorkerDiscardsMalformedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "<html><title>ok</title></html>")
	}))
	defer srv.Close()

	h := newHarness(t, fastGovernor(), Config{Concurrency: 1, WorkerTimeout: time.Second})
	ctx := context.Background()
	require.NoError(t, h.store.LPush(ctx, h.keys.Queue(0), "{this is not json"))
	h.enqueue(t, types.Job{ID: "j-good", URL: srv.URL})
	require.NoError(t, h.worker.Start())

	raw := h.popResult(t, h.keys.ResultsSuccess())
	var rec types.SuccessRecord
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	assert.Equal(t, types.JobID("j-good"), rec.JobID, "the garbage entry is dropped, the next job runs")

	n, err := h.store.LLen(ctx, h.keys.ResultsFailed())
	require.NoError(t, err)
	assert.Zero(t, n, "an unparseable payload has no id to fail under")
}

func TestWorkerHeartbeat(t *testing.T) {
	h := newHarness(t, fastGovernor(), Config{Concurrency: 1, WorkerTimeout: 100 * time.Millisecond})
	require.NoError(t, h.worker.Start())

	ctx := context.Background()
	raw, err := h.store.HGet(ctx, h.keys.WorkersActive(), h.worker.ID())
	require.NoError(t, err, "Start writes the first heartbeat immediately")

	var rec types.WorkerRecord
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	assert.Equal(t, h.worker.ID(), rec.ID)
	assert.Equal(t, types.WorkerIdle, rec.Status)
	assert.InDelta(t, time.Now().UnixMilli(), rec.Timestamp, 5000)

	first := rec.Timestamp
	require.Eventually(t, func() bool {
		raw, err := h.store.HGet(ctx, h.keys.WorkersActive(), h.worker.ID())
		if err != nil {
			return false
		}
		var next types.WorkerRecord
		return json.Unmarshal([]byte(raw), &next) == nil && next.Timestamp > first
	}, 2*time.Second, 10*time.Millisecond, "heartbeat loop must refresh the record")

	h.worker.Stop()
	_, err = h.store.HGet(ctx, h.keys.WorkersActive(), h.worker.ID())
	assert.ErrorIs(t, err, store.ErrNotFound, "graceful stop removes the worker record")
}

func TestWorkerRequeuesInFlightJobOnStop(t *testing.T) {
	// A long politeness delay parks the job between pop and request, which
	// is exactly the window shutdown recovery covers.
	h := newHarness(t, governor.Config{
		InitialDelay: 10 * time.Second,
		MaxDelay:     20 * time.Second,
	}, Config{Concurrency: 1, WorkerTimeout: time.Second})

	job := types.Job{ID: "x", URL: "http://t.example/page", Priority: 2}
	h.enqueue(t, job)
	require.NoError(t, h.worker.Start())

	ctx := context.Background()
	inProgressKey := h.keys.InProgress(h.worker.ID())
	require.Eventually(t, func() bool {
		_, err := h.store.Get(ctx, inProgressKey)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond, "job must be recorded in-progress before dispatch")

	h.worker.Stop()

	vals, err := h.store.LRange(ctx, h.keys.Queue(2), 0, -1)
	require.NoError(t, err)
	require.Len(t, vals, 1, "the in-flight job must be back on its priority queue")
	var requeued types.Job
	require.NoError(t, json.Unmarshal([]byte(vals[0]), &requeued))
	assert.Equal(t, types.JobID("x"), requeued.ID)

	_, err = h.store.Get(ctx, inProgressKey)
	assert.ErrorIs(t, err, store.ErrNotFound, "in-progress key must be deleted")

	for _, key := range []string{h.keys.ResultsSuccess(), h.keys.ResultsFailed()} {
		n, err := h.store.LLen(ctx, key)
		require.NoError(t, err)
		assert.Zero(t, n, "a requeued job produces no result record")
	}
}

func TestWorkerConcurrentLoopsUseSeparateSlots(t *testing.T) {
	w := New(store.NewMemory(), store.NewKeys("asc:"), nil, parser.NewRegistry(), nil,
		Config{Concurrency: 3, WorkerTimeout: time.Second})
	defer w.Stop()

	slots := map[string]bool{}
	for i := 0; i < 3; i++ {
		slots[w.slotID(i)] = true
	}
	assert.Len(t, slots, 3, "each loop needs its own in-progress slot")

	single := New(store.NewMemory(), store.NewKeys("asc:"), nil, parser.NewRegistry(), nil,
		Config{Concurrency: 1, WorkerTimeout: time.Second})
	defer single.Stop()
	assert.Equal(t, single.ID(), single.slotID(0), "a single loop uses the bare worker id")
}
