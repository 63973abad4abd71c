// Package types defines the core domain model shared by the controller,
// the workers, and the shared services.
package types

import "strings"

// JobID uniquely identifies a scraping job.
type JobID string

// Priority bounds. Higher priority jobs are delivered first; the
// practical ceiling keeps the per-priority queue set finite.
const (
	MinPriority = 0
	MaxPriority = 10
)

// DefaultParser is used when a job does not name a parser.
const DefaultParser = "html-cheerio"

// Worker presence statuses written into the workers hash.
const (
	WorkerIdle = "idle"
	WorkerBusy = "busy"
)

// Result record statuses.
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

// ClampPriority forces p into [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// JobHTTP carries the optional HTTP customization of a job. The body is
// only honored for POST, PUT and PATCH requests.
type JobHTTP struct {
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
}

// Job is a scraping request. It is immutable once enqueued.
type Job struct {
	ID       JobID          `json:"id"`                 // unique within pending/processing
	URL      string         `json:"url"`                // absolute http/https URL
	Parser   string         `json:"parser,omitempty"`   // parser registry name
	Priority int            `json:"priority"`           // 0..10, higher = sooner
	Metadata map[string]any `json:"metadata,omitempty"` // opaque, echoed into results
	HTTP     *JobHTTP       `json:"http,omitempty"`
}

// ParserName returns the parser to use, falling back to DefaultParser.
func (j *Job) ParserName() string {
	if j.Parser == "" {
		return DefaultParser
	}
	return j.Parser
}

// Method returns the effective HTTP method, defaulting to GET.
func (j *Job) Method() string {
	if j.HTTP == nil || j.HTTP.Method == "" {
		return "GET"
	}
	return strings.ToUpper(j.HTTP.Method)
}

// ErrorInfo is the error payload embedded in a failure record.
type ErrorInfo struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// SuccessRecord is appended to the success stream when a job produced
// parsed data.
type SuccessRecord struct {
	JobID      JobID          `json:"jobId"`
	WorkerID   string         `json:"workerId"`
	Status     string         `json:"status"` // always "success"
	Timestamp  int64          `json:"timestamp"`
	URL        string         `json:"url"`
	FinalURL   string         `json:"finalUrl"`
	StatusCode int            `json:"statusCode"`
	Metadata   map[string]any `json:"metadata"`
	Data       map[string]any `json:"data"`
}

// FailureRecord is appended to the failure stream when a job terminally
// failed (bad URL, transport failure, unknown parser, parse error).
type FailureRecord struct {
	JobID     JobID          `json:"jobId"`
	WorkerID  string         `json:"workerId"`
	Status    string         `json:"status"` // always "failed"
	Timestamp int64          `json:"timestamp"`
	URL       string         `json:"url"`
	Metadata  map[string]any `json:"metadata"`
	Error     ErrorInfo      `json:"error"`
}

// WorkerRecord is the heartbeat payload a worker writes into the workers
// hash. A record older than the configured worker timeout is considered
// dead and reaped by the controller.
type WorkerRecord struct {
	ID           string `json:"id"`
	Status       string `json:"status"` // idle | busy
	CurrentJobID JobID  `json:"currentJobId,omitempty"`
	Timestamp    int64  `json:"timestamp"` // epoch ms of last heartbeat
}

// HostState is the per-hostname politeness state owned by the feedback
// governor. CurrentDelay is always within [initialDelay, maxDelay].
type HostState struct {
	Host          string `json:"host"`
	CurrentDelay  int64  `json:"currentDelay"` // milliseconds
	SuccessStreak int    `json:"successStreak"`
	LastUpdated   int64  `json:"lastUpdated"` // epoch ms
}

// ProxyStats is the persisted counter pair for one proxy.
type ProxyStats struct {
	SuccessCount int64 `json:"successCount"`
	FailureCount int64 `json:"failureCount"`
}

// ProxyEntry is the in-memory view of one proxy in the rotation pool.
type ProxyEntry struct {
	URL          string
	SuccessCount int64
	FailureCount int64
	LastUsedAt   int64 // epoch ms, zero until first use
}
