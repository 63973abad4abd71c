// ============================================================================
// Proxy Manager
// ============================================================================
//
// Package: internal/proxy
// File: manager.go
// Purpose: Round-robin proxy rotation with per-proxy success/failure
//          counters. Counters are hydrated from the coordination store at
//          startup and persisted back on every report so the whole fleet
//          sees proxy health.
//
// Store failures are logged and never propagated: rotation always continues
// on the in-memory pool, which is the authoritative rotation order.
//
// ============================================================================

package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/adaptivescrape/asc/internal/store"
	"github.com/adaptivescrape/asc/pkg/types"
)

// Persisted counters survive a month of inactivity before they are forgotten.
const statsTTL = 30 * 24 * time.Hour

// Proxy is one rotation pick handed to the dispatcher.
type Proxy struct {
	Addr string   // configured URL string, the identity used for Report
	URL  *url.URL // parsed form for the HTTP transport
}

type entry struct {
	addr     string
	url      *url.URL
	success  int64
	failure  int64
	lastUsed int64 // epoch ms, zero until first use
}

// Manager owns the process-wide proxy pool. One instance per process.
type Manager struct {
	store store.Store
	keys  store.Keys
	log   *slog.Logger

	mu      sync.Mutex
	entries []*entry
	byAddr  map[string]*entry
	next    int
}

// NewManager parses the configured proxy URLs into the rotation pool.
// Malformed and duplicate entries are dropped with a warning; an empty
// pool is valid and means direct connections.
func NewManager(st store.Store, keys store.Keys, addrs []string) *Manager {
	m := &Manager{
		store:  st,
		keys:   keys,
		log:    slog.With("component", "proxy"),
		byAddr: make(map[string]*entry),
	}
	for _, addr := range addrs {
		u, err := url.Parse(addr)
		if err != nil {
			m.log.Warn("Dropping unparseable proxy URL", "proxy", addr, "error", err)
			continue
		}
		if u.Scheme == "" || u.Host == "" {
			m.log.Warn("Dropping proxy URL without scheme or host", "proxy", addr)
			continue
		}
		if _, dup := m.byAddr[addr]; dup {
			m.log.Warn("Dropping duplicate proxy URL", "proxy", addr)
			continue
		}
		e := &entry{addr: addr, url: u}
		m.entries = append(m.entries, e)
		m.byAddr[addr] = e
	}
	return m
}

// Initialize hydrates the success/failure counters from the store in one
// batched read. Missing or malformed records leave the counters at zero.
func (m *Manager) Initialize(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		m.log.Info("Proxy pool is empty, requests go direct")
		return
	}

	keys := make([]string, len(m.entries))
	for i, e := range m.entries {
		keys[i] = m.keys.ProxyStats(e.addr)
	}
	vals, err := m.store.MGet(ctx, keys...)
	if err != nil {
		m.log.Warn("Proxy stats hydrate failed, starting with zeroed counters", "error", err)
		return
	}
	for i, v := range vals {
		if v == nil {
			continue
		}
		var stats types.ProxyStats
		if err := json.Unmarshal([]byte(*v), &stats); err != nil {
			m.log.Warn("Resetting malformed proxy stats", "proxy", m.entries[i].addr, "error", err)
			continue
		}
		m.entries[i].success = stats.SuccessCount
		m.entries[i].failure = stats.FailureCount
	}
	m.log.Info("Proxy pool initialized", "proxies", len(m.entries))
}

// Next picks the next proxy round-robin and stamps its last-used time.
// Returns nil when the pool is empty.
func (m *Manager) Next() *Proxy {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return nil
	}
	e := m.entries[m.next]
	m.next = (m.next + 1) % len(m.entries)
	e.lastUsed = time.Now().UnixMilli()
	return &Proxy{Addr: e.addr, URL: e.url}
}

// Report records one request outcome for a proxy and persists the updated
// counters with a 30-day TTL. Unknown proxies are logged and ignored.
func (m *Manager) Report(ctx context.Context, addr string, success bool) {
	m.mu.Lock()
	e, ok := m.byAddr[addr]
	if !ok {
		m.mu.Unlock()
		m.log.Warn("Feedback for unknown proxy ignored", "proxy", addr)
		return
	}
	if success {
		e.success++
	} else {
		e.failure++
	}
	stats := types.ProxyStats{SuccessCount: e.success, FailureCount: e.failure}
	m.mu.Unlock()

	payload, err := json.Marshal(stats)
	if err != nil {
		m.log.Warn("Failed to encode proxy stats", "proxy", addr, "error", err)
		return
	}
	if err := m.store.Set(ctx, m.keys.ProxyStats(addr), string(payload), statsTTL); err != nil {
		m.log.Warn("Failed to persist proxy stats", "proxy", addr, "error", err)
	}
}

// Stats returns a deep copy of the pool for display.
func (m *Manager) Stats() []types.ProxyEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ProxyEntry, len(m.entries))
	for i, e := range m.entries {
		out[i] = types.ProxyEntry{
			URL:          e.addr,
			SuccessCount: e.success,
			FailureCount: e.failure,
			LastUsedAt:   e.lastUsed,
		}
	}
	return out
}

// Count reports the pool size.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
