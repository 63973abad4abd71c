// ============================================================================
// Worker Node
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Purpose: Drain the priority queues and turn jobs into result records.
//
// Core loops (concurrency + 1 goroutines):
//   - N job loops: blocking-pop the highest-priority queue, dispatch the
//     request, parse the body, publish exactly one success or failure
//     record per job.
//   - 1 heartbeat loop: write the worker record into the workers hash every
//     workerTimeout/2 so the controller's reaper sees the node alive.
//
// Recovery:
//   Every job is recorded under an in-progress key before dispatch. When
//   shutdown interrupts a loop mid-job the original payload is pushed back
//   onto its priority queue so another worker picks it up, and the
//   in-progress key is deleted.
//
// Resilience:
//   A transient store failure on the blocking pop pauses the loop five
//   seconds and retries; shutdown interrupts the pause. Job-level failures
//   become failure records and never escape the loop.
//
// ============================================================================

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/projectdiscovery/utils/errkit"

	"github.com/adaptivescrape/asc/internal/dispatch"
	"github.com/adaptivescrape/asc/internal/metrics"
	"github.com/adaptivescrape/asc/internal/parser"
	"github.com/adaptivescrape/asc/internal/store"
	"github.com/adaptivescrape/asc/pkg/types"
)

// popRetryPause is how long a job loop waits after a transient store
// failure before retrying the blocking pop.
const popRetryPause = 5 * time.Second

// cleanupTimeout bounds the store writes that run during shutdown, when
// the loop context is already cancelled.
const cleanupTimeout = 5 * time.Second

// Config tunes one worker node.
type Config struct {
	// Concurrency is the number of independent job loops. Minimum 1.
	Concurrency int
	// WorkerTimeout drives the heartbeat interval (half of it) and the
	// in-progress key TTL (twice it). Matches the controller's reaper
	// setting.
	WorkerTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.WorkerTimeout <= 0 {
		c.WorkerTimeout = 60 * time.Second
	}
	return c
}

// Worker is one worker node. Start spawns its loops; Stop drains them,
// requeues any mid-flight job and removes the worker record.
type Worker struct {
	id         string
	store      store.Store
	keys       store.Keys
	dispatcher *dispatch.Dispatcher
	registry   *parser.Registry
	collector  *metrics.Collector
	cfg        Config
	log        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	loopWg sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	current map[int]types.JobID // loop index -> in-flight job id
}

// NewID generates a worker identity: worker-<hostname>-<8 hex chars>.
func NewID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("worker-%s-%s", host, suffix)
}

// New wires a worker node. collector may be nil.
func New(st store.Store, keys store.Keys, d *dispatch.Dispatcher, reg *parser.Registry, collector *metrics.Collector, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	id := NewID()
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		id:         id,
		store:      st,
		keys:       keys,
		dispatcher: d,
		registry:   reg,
		collector:  collector,
		cfg:        cfg,
		log:        slog.With("component", "worker", "workerId", id),
		ctx:        ctx,
		cancel:     cancel,
		stopCh:     make(chan struct{}),
		current:    make(map[int]types.JobID),
	}
}

// ID returns the worker identity.
func (w *Worker) ID() string { return w.id }

// Start writes the first heartbeat and launches the job and heartbeat
// loops. It does not block.
func (w *Worker) Start() error {
	if err := w.writeHeartbeat(w.ctx); err != nil {
		return fmt.Errorf("initial heartbeat failed: %w", err)
	}

	w.loopWg.Add(w.cfg.Concurrency + 1)
	for i := 0; i < w.cfg.Concurrency; i++ {
		go w.jobLoop(i)
	}
	go w.heartbeatLoop()

	w.log.Info("Worker started", "concurrency", w.cfg.Concurrency)
	return nil
}

// Stop shuts the worker down: loops exit at their next checkpoint,
// mid-flight jobs are requeued by their own loop, and the worker record is
// removed so the reaper has nothing to do.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	w.log.Info("Stopping worker...")
	close(w.stopCh)
	w.cancel()
	w.loopWg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := w.store.HDel(ctx, w.keys.WorkersActive(), w.id); err != nil {
		w.log.Warn("Failed to remove worker record", "error", err)
	}
	w.log.Info("Worker stopped")
}

// stopping reports whether Stop has been called.
func (w *Worker) stopping() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// slotID names the in-progress key for one job loop. A single-loop worker
// uses the bare worker id; extra loops get a numeric suffix so concurrent
// jobs never clobber each other's recovery payload.
func (w *Worker) slotID(loop int) string {
	if w.cfg.Concurrency == 1 {
		return w.id
	}
	return fmt.Sprintf("%s-%d", w.id, loop)
}

// ============================================================================
// Job loop
// ============================================================================

func (w *Worker) jobLoop(loop int) {
	defer w.loopWg.Done()
	queues := w.keys.QueuesDesc()

	for {
		if w.stopping() {
			w.log.Info("Job loop stopped", "loop", loop)
			return
		}

		queueKey, payload, err := w.store.BRPopMulti(w.ctx, queues...)
		if err != nil {
			if w.stopping() || errors.Is(err, context.Canceled) || errors.Is(err, store.ErrClosed) {
				w.log.Info("Job loop stopped", "loop", loop)
				return
			}
			w.log.Warn("Queue pop failed, backing off", "loop", loop, "error", err)
			if !w.pause(popRetryPause) {
				w.log.Info("Job loop stopped", "loop", loop)
				return
			}
			continue
		}

		var job types.Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			// No id to report a failure under; drop it.
			w.log.Error("Discarding unparseable job payload", "loop", loop, "error", err)
			continue
		}

		w.process(loop, queueKey, payload, &job)
	}
}

// pause sleeps d, returning false when shutdown interrupted it.
func (w *Worker) pause(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-w.stopCh:
		return false
	}
}

// process runs one job end to end: record it in-progress, dispatch, parse,
// publish exactly one result record, clean up. A shutdown that interrupts
// before the response arrives requeues the original payload instead.
func (w *Worker) process(loop int, queueKey, payload string, job *types.Job) {
	slot := w.slotID(loop)
	w.setCurrent(loop, job.ID)
	defer w.clearCurrent(loop)

	if err := w.store.Set(w.ctx, w.keys.InProgress(slot), payload, 2*w.cfg.WorkerTimeout); err != nil {
		w.log.Warn("Failed to record in-progress job", "jobId", job.ID, "error", err)
	}
	if err := w.store.SAdd(w.ctx, w.keys.Processing(), string(job.ID)); err != nil {
		w.log.Warn("Failed to add job to processing set", "jobId", job.ID, "error", err)
	}

	resp, err := w.dispatcher.Dispatch(w.ctx, job)
	if err != nil {
		if errors.Is(err, context.Canceled) && w.stopping() {
			w.requeue(slot, queueKey, payload, job)
			return
		}
		w.publishFailure(slot, job, err)
		return
	}

	// A block with a non-2xx status is a terminal failure. A keyword block
	// on a 200 still gets a parse attempt; the block only shaped the
	// feedback, and a parser that rejects the block page fails the job.
	if resp.Blocked && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		w.publishFailure(slot, job, errkit.New(fmt.Sprintf("blocked by host (status %d)", resp.StatusCode)).
			SetKind(types.ErrKindRequestFailed).
			Build())
		return
	}

	parse, err := w.registry.Get(job.ParserName())
	if err != nil {
		w.publishFailure(slot, job, err)
		return
	}
	data, err := parse(resp.Body, job)
	if err != nil {
		w.publishFailure(slot, job, err)
		return
	}

	w.publishSuccess(slot, job, resp, data)
}

// requeue pushes the original payload back to the head of its priority
// queue so another worker picks it up next.
func (w *Worker) requeue(slot, queueKey, payload string, job *types.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	err := w.store.Pipeline(ctx, func(p store.Pipe) {
		p.LPush(queueKey, payload)
		p.Delete(w.keys.InProgress(slot))
		p.SRem(w.keys.Processing(), string(job.ID))
	})
	if err != nil {
		w.log.Error("Failed to requeue in-flight job", "jobId", job.ID, "error", err)
		return
	}
	w.log.Info("Requeued in-flight job for another worker", "jobId", job.ID, "queue", queueKey)
}

// publishSuccess appends the success record and bumps the completed
// counter, clearing the in-progress bookkeeping in the same batch.
func (w *Worker) publishSuccess(slot string, job *types.Job, resp *dispatch.Response, data map[string]any) {
	record := types.SuccessRecord{
		JobID:      job.ID,
		WorkerID:   w.id,
		Status:     types.ResultSuccess,
		Timestamp:  time.Now().UnixMilli(),
		URL:        job.URL,
		FinalURL:   resp.FinalURL,
		StatusCode: resp.StatusCode,
		Metadata:   job.Metadata,
		Data:       data,
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		w.log.Error("Failed to encode success record", "jobId", job.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	err = w.store.Pipeline(ctx, func(p store.Pipe) {
		p.LPush(w.keys.ResultsSuccess(), string(encoded))
		p.IncrBy(w.keys.StatsCompleted(), 1)
		p.SRem(w.keys.Processing(), string(job.ID))
		p.Delete(w.keys.InProgress(slot))
	})
	if err != nil {
		w.log.Error("Failed to publish success record", "jobId", job.ID, "error", err)
		return
	}
	if w.collector != nil {
		w.collector.RecordCompleted()
	}
	w.log.Debug("Job completed", "jobId", job.ID, "statusCode", resp.StatusCode)
}

// publishFailure appends the failure record and bumps the failed counter.
func (w *Worker) publishFailure(slot string, job *types.Job, cause error) {
	record := types.FailureRecord{
		JobID:     job.ID,
		WorkerID:  w.id,
		Status:    types.ResultFailed,
		Timestamp: time.Now().UnixMilli(),
		URL:       job.URL,
		Metadata:  job.Metadata,
		Error:     types.ErrorInfo{Message: cause.Error()},
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		w.log.Error("Failed to encode failure record", "jobId", job.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	err = w.store.Pipeline(ctx, func(p store.Pipe) {
		p.LPush(w.keys.ResultsFailed(), string(encoded))
		p.IncrBy(w.keys.StatsFailed(), 1)
		p.SRem(w.keys.Processing(), string(job.ID))
		p.Delete(w.keys.InProgress(slot))
	})
	if err != nil {
		w.log.Error("Failed to publish failure record", "jobId", job.ID, "error", err)
		return
	}
	if w.collector != nil {
		w.collector.RecordFailed()
	}
	w.log.Debug("Job failed", "jobId", job.ID, "error", cause.Error())
}

// ============================================================================
// Heartbeat loop
// ============================================================================

func (w *Worker) heartbeatLoop() {
	defer w.loopWg.Done()
	ticker := time.NewTicker(w.cfg.WorkerTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			w.log.Info("Heartbeat loop stopped")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			if err := w.writeHeartbeat(ctx); err != nil {
				w.log.Warn("Heartbeat write failed", "error", err)
			}
			cancel()
		}
	}
}

// writeHeartbeat stores the current worker record into the workers hash.
func (w *Worker) writeHeartbeat(ctx context.Context) error {
	record := types.WorkerRecord{
		ID:        w.id,
		Status:    types.WorkerIdle,
		Timestamp: time.Now().UnixMilli(),
	}
	w.mu.Lock()
	for _, id := range w.current {
		record.Status = types.WorkerBusy
		record.CurrentJobID = id
		break
	}
	w.mu.Unlock()

	encoded, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return w.store.HSet(ctx, w.keys.WorkersActive(), w.id, string(encoded))
}

func (w *Worker) setCurrent(loop int, id types.JobID) {
	w.mu.Lock()
	w.current[loop] = id
	w.mu.Unlock()
}

func (w *Worker) clearCurrent(loop int) {
	w.mu.Lock()
	delete(w.current, loop)
	w.mu.Unlock()
}
