// ============================================================================
// User-Agent Rotator
// ============================================================================
//
// Package: internal/useragent
// File: rotator.go
// Purpose: Serve a random user-agent string per request so that outgoing
//          traffic does not present a single fingerprint.
//
// An empty pool is valid: Next then returns "" and the dispatcher sends no
// User-Agent header at all.
//
// ============================================================================

package useragent

import "math/rand/v2"

// Rotator hands out user-agent strings from a fixed pool. The pool is
// immutable after construction, so Next is safe for concurrent use.
type Rotator struct {
	agents []string
}

// New builds a rotator over the given pool.
func New(agents []string) *Rotator {
	pool := make([]string, len(agents))
	copy(pool, agents)
	return &Rotator{agents: pool}
}

// Next picks a user agent uniformly at random, or "" when the pool is empty.
func (r *Rotator) Next() string {
	if len(r.agents) == 0 {
		return ""
	}
	return r.agents[rand.IntN(len(r.agents))]
}

// Count reports the pool size.
func (r *Rotator) Count() int {
	return len(r.agents)
}
