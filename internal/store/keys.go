package store

import (
	"fmt"

	"github.com/adaptivescrape/asc/pkg/types"
)

// Keys builds the full key names used in the coordination store. Every key
// carries the configured prefix so several clusters can share one backend.
type Keys struct {
	prefix string
}

// NewKeys returns a Keys builder for the given prefix (e.g. "asc:").
func NewKeys(prefix string) Keys {
	return Keys{prefix: prefix}
}

// SubmitChannel is the pub/sub channel the controller subscribes to.
func (k Keys) SubmitChannel() string { return k.prefix + "jobs:submit" }

// Job holds the serialized job, kept for 7 days.
func (k Keys) Job(id types.JobID) string { return k.prefix + "jobs:" + string(id) }

// Queue is the pending list for one priority.
func (k Keys) Queue(priority int) string {
	return fmt.Sprintf("%squeue:p%d", k.prefix, priority)
}

// QueuesDesc lists every priority queue from highest to lowest, the order
// a blocking pop must scan them in.
func (k Keys) QueuesDesc() []string {
	keys := make([]string, 0, types.MaxPriority-types.MinPriority+1)
	for p := types.MaxPriority; p >= types.MinPriority; p-- {
		keys = append(keys, k.Queue(p))
	}
	return keys
}

// Processing is the set of in-flight job ids.
func (k Keys) Processing() string { return k.prefix + "queue:processing" }

// InProgress holds the payload a worker is currently processing.
func (k Keys) InProgress(workerID string) string {
	return k.prefix + "jobs:inprogress:" + workerID
}

// WorkersActive is the hash of live worker records.
func (k Keys) WorkersActive() string { return k.prefix + "workers:active" }

// ProxyStats holds the persisted counters for one proxy, kept for 30 days.
func (k Keys) ProxyStats(proxyURL string) string {
	return k.prefix + "proxy:" + proxyURL + ":stats"
}

// GovernorHost holds the serialized host state, kept for 24 hours.
func (k Keys) GovernorHost(host string) string {
	return k.prefix + "governor:host:" + host
}

// ResultsSuccess and ResultsFailed are the result streams.
func (k Keys) ResultsSuccess() string { return k.prefix + "results:success" }
func (k Keys) ResultsFailed() string  { return k.prefix + "results:failed" }

// StatsCompleted and StatsFailed are the cumulative counters.
func (k Keys) StatsCompleted() string { return k.prefix + "stats:jobs:completed" }
func (k Keys) StatsFailed() string    { return k.prefix + "stats:jobs:failed" }
