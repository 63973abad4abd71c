// ============================================================================
// Cluster Metrics - Prometheus Instruments
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose the cluster's operational metrics for
//          Prometheus scraping.
//
// Metric classes:
//
//   1. Job counters (monotonic):
//      - scrape_jobs_submitted_total: jobs accepted and enqueued
//      - scrape_jobs_rejected_total: submissions dropped (malformed/invalid)
//      - scrape_jobs_completed_total: jobs that produced a success record
//      - scrape_jobs_failed_total: jobs that produced a failure record
//      - scrape_requests_blocked_total: responses classified as blocks
//      - scrape_workers_reaped_total: dead workers removed by the reaper
//
//   2. Fetch performance (histogram):
//      - scrape_fetch_duration_seconds: HTTP dispatch latency distribution
//
//   3. Cluster state (gauges, refreshed by the controller metrics loop):
//      - scrape_queue_pending: jobs waiting across all priority queues
//      - scrape_queue_processing: jobs currently in flight
//      - scrape_workers_active: workers with a live heartbeat
//
// Useful queries:
//
//   # jobs completed per minute
//   rate(scrape_jobs_completed_total[1m])
//
//   # 95th percentile fetch latency
//   histogram_quantile(0.95, scrape_fetch_duration_seconds_bucket)
//
//   # block ratio
//   rate(scrape_requests_blocked_total[5m]) / rate(scrape_jobs_completed_total[5m])
//
// Exposed on /metrics when metrics.enabled is set; default port 9090.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the cluster's Prometheus instruments.
type Collector struct {
	jobsSubmitted   prometheus.Counter
	jobsRejected    prometheus.Counter
	jobsCompleted   prometheus.Counter
	jobsFailed      prometheus.Counter
	requestsBlocked prometheus.Counter
	workersReaped   prometheus.Counter

	fetchDuration prometheus.Histogram

	queuePending    prometheus.Gauge
	queueProcessing prometheus.Gauge
	workersActive   prometheus.Gauge
}

// NewCollector builds a collector registered on the default Prometheus
// registry, ready to be served by StartServer.
func NewCollector() *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer)
}

// NewCollectorWith registers the instruments on the given registerer.
// Tests pass a fresh registry so collectors never collide.
func NewCollectorWith(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrape_jobs_submitted_total",
			Help: "Total number of jobs accepted and enqueued",
		}),
		jobsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrape_jobs_rejected_total",
			Help: "Total number of submissions dropped as malformed or invalid",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrape_jobs_completed_total",
			Help: "Total number of jobs that produced a success record",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrape_jobs_failed_total",
			Help: "Total number of jobs that produced a failure record",
		}),
		requestsBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrape_requests_blocked_total",
			Help: "Total number of responses classified as anti-scraping blocks",
		}),
		workersReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrape_workers_reaped_total",
			Help: "Total number of dead workers removed by the reaper",
		}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scrape_fetch_duration_seconds",
			Help:    "HTTP dispatch latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		queuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scrape_queue_pending",
			Help: "Jobs waiting across all priority queues",
		}),
		queueProcessing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scrape_queue_processing",
			Help: "Jobs currently being processed",
		}),
		workersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scrape_workers_active",
			Help: "Workers with a live heartbeat",
		}),
	}

	reg.MustRegister(c.jobsSubmitted)
	reg.MustRegister(c.jobsRejected)
	reg.MustRegister(c.jobsCompleted)
	reg.MustRegister(c.jobsFailed)
	reg.MustRegister(c.requestsBlocked)
	reg.MustRegister(c.workersReaped)
	reg.MustRegister(c.fetchDuration)
	reg.MustRegister(c.queuePending)
	reg.MustRegister(c.queueProcessing)
	reg.MustRegister(c.workersActive)

	return c
}

// RecordSubmitted counts a job accepted and enqueued.
func (c *Collector) RecordSubmitted() {
	c.jobsSubmitted.Inc()
}

// RecordRejected counts a dropped submission.
func (c *Collector) RecordRejected() {
	c.jobsRejected.Inc()
}

// RecordCompleted counts a success record.
func (c *Collector) RecordCompleted() {
	c.jobsCompleted.Inc()
}

// RecordFailed counts a failure record.
func (c *Collector) RecordFailed() {
	c.jobsFailed.Inc()
}

// RecordBlocked counts a response classified as a block.
func (c *Collector) RecordBlocked() {
	c.requestsBlocked.Inc()
}

// RecordReaped counts a worker removed by the reaper.
func (c *Collector) RecordReaped() {
	c.workersReaped.Inc()
}

// ObserveFetchDuration records one HTTP dispatch latency.
func (c *Collector) ObserveFetchDuration(seconds float64) {
	c.fetchDuration.Observe(seconds)
}

// UpdateClusterStats refreshes the state gauges from one metrics snapshot.
func (c *Collector) UpdateClusterStats(workers, pending, processing int64) {
	c.workersActive.Set(float64(workers))
	c.queuePending.Set(float64(pending))
	c.queueProcessing.Set(float64(processing))
}

// StartServer exposes /metrics on the given port. Blocks; run it on its
// own goroutine.
func StartServer(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, nil)
}
