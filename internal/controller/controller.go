// ============================================================================
// Controller Node
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Purpose: Accept job submissions, keep the priority queues fed and watch
//          over the worker fleet.
//
// Core loops (3 goroutines):
//   1. Submit loop - consume the jobs:submit channel, validate each message
//      against the job schema, fill defaults and enqueue atomically.
//   2. Reaper loop - every workerTimeout, drop worker records whose last
//      heartbeat is older than the timeout.
//   3. Metrics loop - every metricsUpdateInterval, snapshot the cluster
//      (workers, queue depths, counters) into one structured log record and
//      the Prometheus gauges.
//
// The subscription runs on its own connection inside the store client, so a
// quiet submit channel never blocks the reaper or metrics commands.
//
// ============================================================================

package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/adaptivescrape/asc/internal/metrics"
	"github.com/adaptivescrape/asc/internal/store"
	"github.com/adaptivescrape/asc/pkg/types"
)

// jobTTL keeps the serialized job record around long enough for slow
// queues and post-mortem inspection.
const jobTTL = 7 * 24 * time.Hour

// opTimeout bounds every non-blocking store operation the loops make.
const opTimeout = 5 * time.Second

// Config tunes one controller node.
type Config struct {
	// WorkerTimeout is how long a worker may go without a heartbeat before
	// the reaper removes it.
	WorkerTimeout time.Duration
	// MetricsInterval is the cadence of the cluster metrics snapshot.
	MetricsInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.WorkerTimeout <= 0 {
		c.WorkerTimeout = 60 * time.Second
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = 10 * time.Second
	}
	return c
}

// Controller is one controller node.
type Controller struct {
	store     store.Store
	keys      store.Keys
	collector *metrics.Collector
	schema    *jsonschema.Schema
	cfg       Config
	log       *slog.Logger

	sub    store.Subscription
	stopCh chan struct{}
	loopWg sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// New builds a controller. collector may be nil.
func New(st store.Store, keys store.Keys, collector *metrics.Collector, cfg Config) (*Controller, error) {
	schema, err := compileJobSchema()
	if err != nil {
		return nil, fmt.Errorf("compiling job schema: %w", err)
	}
	return &Controller{
		store:     st,
		keys:      keys,
		collector: collector,
		schema:    schema,
		cfg:       cfg.withDefaults(),
		log:       slog.With("component", "controller"),
		stopCh:    make(chan struct{}),
	}, nil
}

// Start verifies the store, subscribes to the submit channel and launches
// the three loops. It does not block.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.store.Ping(ctx); err != nil {
		return fmt.Errorf("coordination store unreachable: %w", err)
	}

	sub, err := c.store.Subscribe(ctx, c.keys.SubmitChannel())
	if err != nil {
		return fmt.Errorf("subscribing to submit channel: %w", err)
	}
	c.sub = sub

	c.loopWg.Add(3)
	go c.submitLoop()
	go c.reaperLoop()
	go c.metricsLoop()

	c.log.Info("Controller started",
		"channel", c.keys.SubmitChannel(),
		"workerTimeout", c.cfg.WorkerTimeout,
		"metricsInterval", c.cfg.MetricsInterval)
	return nil
}

// Stop shuts the loops down: the subscription closes (which ends the
// submit loop), the timers stop at their next tick boundary.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.log.Info("Stopping controller...")
	close(c.stopCh)
	if c.sub != nil {
		if err := c.sub.Close(); err != nil {
			c.log.Warn("Failed to close subscription", "error", err)
		}
	}
	c.loopWg.Wait()
	c.log.Info("Controller stopped")
}

// ============================================================================
// Submit loop
// ============================================================================

func (c *Controller) submitLoop() {
	defer c.loopWg.Done()
	for payload := range c.sub.Messages() {
		c.handleSubmission(payload)
	}
	c.log.Info("Submit loop stopped")
}

// handleSubmission validates one submit-channel message and enqueues it.
// Malformed or invalid submissions are dropped with a log; the channel is
// fire-and-forget, so the submitter is never notified.
func (c *Controller) handleSubmission(payload string) {
	var instance any
	if err := json.Unmarshal([]byte(payload), &instance); err != nil {
		c.log.Warn("Dropping malformed submission", "error", err)
		c.reject()
		return
	}

	if err := c.schema.Validate(instance); err != nil {
		c.log.Warn("Dropping invalid job submission", "causes", validationCauses(err))
		c.reject()
		return
	}

	var job types.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		c.log.Warn("Dropping undecodable job submission", "error", err)
		c.reject()
		return
	}

	// Defaults after validation.
	if job.ID == "" {
		job.ID = types.JobID(uuid.NewString())
	}
	job.Priority = types.ClampPriority(job.Priority)
	if job.Metadata == nil {
		job.Metadata = map[string]any{}
	}

	if err := c.enqueue(&job); err != nil {
		c.log.Error("Failed to enqueue job", "jobId", job.ID, "error", err)
		return
	}
	if c.collector != nil {
		c.collector.RecordSubmitted()
	}
	c.log.Info("Job enqueued", "jobId", job.ID, "url", job.URL, "priority", job.Priority)
}

// enqueue atomically stores the job record and pushes the payload onto its
// priority queue. Workers pop full payloads, so a queue entry is
// self-contained; jobs:<id> exists for inspection and idempotent re-writes.
func (c *Controller) enqueue(job *types.Job) error {
	encoded, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return c.store.Pipeline(ctx, func(p store.Pipe) {
		p.Set(c.keys.Job(job.ID), string(encoded), jobTTL)
		p.LPush(c.keys.Queue(job.Priority), string(encoded))
	})
}

func (c *Controller) reject() {
	if c.collector != nil {
		c.collector.RecordRejected()
	}
}

// validationCauses flattens a schema validation error into loggable
// location/message pairs.
func validationCauses(err error) []string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	out := ve.BasicOutput()
	causes := make([]string, 0, len(out.Errors))
	for _, unit := range out.Errors {
		if unit.Error == "" {
			continue
		}
		loc := unit.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		causes = append(causes, loc+": "+unit.Error)
	}
	return causes
}

// ============================================================================
// Reaper loop
// ============================================================================

func (c *Controller) reaperLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.WorkerTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.log.Info("Reaper loop stopped")
			return
		case <-ticker.C:
			c.reapDeadWorkers()
		}
	}
}

// reapDeadWorkers removes worker records whose heartbeat is older than the
// worker timeout. Records that fail to decode are removed too; they would
// otherwise never age out.
func (c *Controller) reapDeadWorkers() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	workers, err := c.store.HGetAll(ctx, c.keys.WorkersActive())
	if err != nil {
		c.log.Warn("Reaper scan failed", "error", err)
		return
	}

	cutoff := time.Now().Add(-c.cfg.WorkerTimeout).UnixMilli()
	for id, raw := range workers {
		var record types.WorkerRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			c.log.Warn("Removing malformed worker record", "workerId", id, "error", err)
			c.removeWorker(ctx, id)
			continue
		}
		if record.Timestamp < cutoff {
			c.log.Warn("Reaping dead worker",
				"workerId", id,
				"lastHeartbeat", time.UnixMilli(record.Timestamp))
			c.removeWorker(ctx, id)
			if c.collector != nil {
				c.collector.RecordReaped()
			}
		}
	}
}

func (c *Controller) removeWorker(ctx context.Context, id string) {
	if err := c.store.HDel(ctx, c.keys.WorkersActive(), id); err != nil {
		c.log.Warn("Failed to remove worker record", "workerId", id, "error", err)
	}
}

// ============================================================================
// Metrics loop
// ============================================================================

func (c *Controller) metricsLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.log.Info("Metrics loop stopped")
			return
		case <-ticker.C:
			c.logClusterMetrics()
		}
	}
}

// logClusterMetrics fetches one cluster snapshot and emits it as a single
// structured record, refreshing the Prometheus gauges along the way.
func (c *Controller) logClusterMetrics() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	workers, err := c.store.HGetAll(ctx, c.keys.WorkersActive())
	if err != nil {
		c.log.Warn("Metrics snapshot failed", "error", err)
		return
	}

	var pending int64
	for _, key := range c.keys.QueuesDesc() {
		n, err := c.store.LLen(ctx, key)
		if err != nil {
			c.log.Warn("Metrics snapshot failed", "error", err)
			return
		}
		pending += n
	}

	processing, err := c.store.SCard(ctx, c.keys.Processing())
	if err != nil {
		c.log.Warn("Metrics snapshot failed", "error", err)
		return
	}

	counters, err := c.store.MGet(ctx, c.keys.StatsCompleted(), c.keys.StatsFailed())
	if err != nil {
		c.log.Warn("Metrics snapshot failed", "error", err)
		return
	}
	completed := counterValue(counters[0])
	failed := counterValue(counters[1])

	c.log.Info("Cluster metrics",
		"activeWorkers", len(workers),
		"pendingJobs", pending,
		"processingJobs", processing,
		"completedJobs", completed,
		"failedJobs", failed)

	if c.collector != nil {
		c.collector.UpdateClusterStats(int64(len(workers)), pending, processing)
	}
}

func counterValue(raw *string) int64 {
	if raw == nil {
		return 0
	}
	var n int64
	fmt.Sscanf(*raw, "%d", &n)
	return n
}
