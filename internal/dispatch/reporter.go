// ============================================================================
// Feedback Reporter
// ============================================================================
//
// Package: internal/dispatch
// File: reporter.go
// Purpose: Bounded fire-and-forget execution of feedback writes (governor
//          state, proxy counters). A full backlog drops the report instead
//          of blocking the dispatch path.
//
// ============================================================================

package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/alitto/pond/v2"
)

// Reporter runs feedback callbacks on a small worker pool. Feedback is
// best-effort: when the queue backs up past its cap new reports are counted
// and dropped, never queued unboundedly.
type Reporter struct {
	pool     pond.Pool
	queueCap uint64
	dropped  atomic.Uint64
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// NewReporter builds a reporter with the given worker count and queue cap.
// Non-positive arguments fall back to 2 workers and a 256-deep queue.
func NewReporter(workers, queueCap int) *Reporter {
	if workers <= 0 {
		workers = 2
	}
	if queueCap <= 0 {
		queueCap = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reporter{
		pool:     pond.NewPool(workers, pond.WithContext(ctx)),
		queueCap: uint64(queueCap),
		log:      slog.With("component", "reporter"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Submit schedules one feedback callback. Returns false when the report was
// dropped because the reporter is closed or the backlog is full.
func (r *Reporter) Submit(fn func(ctx context.Context)) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.dropped.Add(1)
		return false
	}
	if r.pool.WaitingTasks() >= r.queueCap {
		r.mu.Unlock()
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.log.Warn("Feedback backlog full, dropping reports", "dropped", n)
		}
		return false
	}
	r.pool.Go(func() { fn(r.ctx) })
	r.mu.Unlock()
	return true
}

// Dropped reports how many callbacks were discarded.
func (r *Reporter) Dropped() uint64 {
	return r.dropped.Load()
}

// Close drains the queued reports and stops the pool. Safe to call twice.
func (r *Reporter) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.pool.StopAndWait()
	r.cancel()
}
