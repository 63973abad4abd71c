// ============================================================================
// Feedback Governor
// ============================================================================
//
// Package: internal/governor
// File: governor.go
// Purpose: Per-host adaptive request pacing. Blocks raise the host delay
//          exponentially; sustained success lowers it slowly. State is
//          cached in memory for read performance and persisted to the
//          coordination store so the whole fleet converges on the same
//          politeness policy per host.
//
// Delay invariant: after any reported outcome the host delay stays within
// [InitialDelay, MaxDelay].
//
// ============================================================================

package governor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/projectdiscovery/gcache"

	"github.com/adaptivescrape/asc/internal/store"
	"github.com/adaptivescrape/asc/pkg/types"
)

// Persisted host state expires after a day so idle hosts are forgotten.
const stateTTL = 24 * time.Hour

// cacheSize bounds the in-memory host cache; eviction falls back to the
// persisted state on the next lookup.
const cacheSize = 4096

// Defaults applied by New for unset configuration fields.
const (
	DefaultInitialDelay   = time.Second
	DefaultMaxDelay       = 30 * time.Second
	DefaultBackoffFactor  = 1.5
	DefaultCooldownFactor = 1.1
)

// Default block-detection signals.
var (
	DefaultBlockStatusCodes = []int{403, 429, 503}
	DefaultBlockKeywords    = []string{"captcha", "blocked", "are you a robot"}
)

// Config tunes the governor. Factors must be greater than 1; the CLI layer
// validates user input, New only fills unset fields with defaults.
type Config struct {
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	BackoffFactor  float64
	CooldownFactor float64

	// A response is blocked when its status code is in BlockStatusCodes or
	// any BlockKeywords entry is a case-insensitive substring of its body.
	// nil means the built-in defaults; an explicit empty slice disables
	// that signal.
	BlockStatusCodes []int
	BlockKeywords    []string
}

func (c Config) withDefaults() Config {
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.BackoffFactor == 0 {
		c.BackoffFactor = DefaultBackoffFactor
	}
	if c.CooldownFactor == 0 {
		c.CooldownFactor = DefaultCooldownFactor
	}
	if c.BlockStatusCodes == nil {
		c.BlockStatusCodes = DefaultBlockStatusCodes
	}
	if c.BlockKeywords == nil {
		c.BlockKeywords = DefaultBlockKeywords
	}
	return c
}

// Governor owns the per-host delay state. One instance per process; the
// store keeps separate processes converging on the same per-host policy.
type Governor struct {
	store store.Store
	keys  store.Keys
	log   *slog.Logger

	initialMs   int64
	maxMs       int64
	backoff     float64
	cooldown    float64
	statusCodes map[int]struct{}
	keywords    []string // pre-lowered

	mu    sync.Mutex
	cache gcache.Cache[string, *types.HostState]
}

// New builds a governor over the given store. Unset config fields take the
// package defaults.
func New(st store.Store, keys store.Keys, cfg Config) *Governor {
	cfg = cfg.withDefaults()
	g := &Governor{
		store:       st,
		keys:        keys,
		log:         slog.With("component", "governor"),
		initialMs:   cfg.InitialDelay.Milliseconds(),
		maxMs:       cfg.MaxDelay.Milliseconds(),
		backoff:     cfg.BackoffFactor,
		cooldown:    cfg.CooldownFactor,
		statusCodes: make(map[int]struct{}, len(cfg.BlockStatusCodes)),
		keywords:    make([]string, 0, len(cfg.BlockKeywords)),
		cache:       gcache.New[string, *types.HostState](cacheSize).ARC().Build(),
	}
	for _, code := range cfg.BlockStatusCodes {
		g.statusCodes[code] = struct{}{}
	}
	for _, kw := range cfg.BlockKeywords {
		g.keywords = append(g.keywords, strings.ToLower(kw))
	}
	return g
}

// IsBlocked classifies a response: true when the status code is a
// configured block code or the body contains a configured keyword
// (case-insensitive). An empty body skips the keyword scan.
func (g *Governor) IsBlocked(statusCode int, body string) bool {
	if _, ok := g.statusCodes[statusCode]; ok {
		return true
	}
	if body == "" || len(g.keywords) == 0 {
		return false
	}
	lower := strings.ToLower(body)
	for _, kw := range g.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// DelayFor returns the current politeness delay for a host. Unknown hosts
// start at the initial delay.
func (g *Governor) DelayFor(ctx context.Context, host string) time.Duration {
	host = strings.ToLower(host)
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.stateLocked(ctx, host)
	return time.Duration(st.CurrentDelay) * time.Millisecond
}

// Report records one request outcome for a host.
//
// Success increments the streak; every tenth consecutive success the delay
// cools down by the cooldown factor, never below the initial delay. A block
// resets the streak and backs the delay off exponentially, capped at the
// maximum. The updated state is persisted with a 24 h TTL; store failures
// are logged and never alter the in-memory decision.
func (g *Governor) Report(ctx context.Context, host string, success bool) {
	host = strings.ToLower(host)
	g.mu.Lock()
	st := g.stateLocked(ctx, host)
	if success {
		st.SuccessStreak++
		if st.SuccessStreak%10 == 0 && st.CurrentDelay > g.initialMs {
			cooled := int64(math.Floor(float64(st.CurrentDelay) / g.cooldown))
			st.CurrentDelay = max(g.initialMs, cooled)
		}
	} else {
		st.SuccessStreak = 0
		backed := int64(math.Ceil(float64(st.CurrentDelay) * g.backoff))
		st.CurrentDelay = min(g.maxMs, backed)
	}
	st.LastUpdated = time.Now().UnixMilli()
	snapshot := *st
	g.mu.Unlock()

	payload, err := json.Marshal(snapshot)
	if err != nil {
		g.log.Warn("Failed to encode host state", "host", host, "error", err)
		return
	}
	if err := g.store.Set(ctx, g.keys.GovernorHost(host), string(payload), stateTTL); err != nil {
		g.log.Warn("Failed to persist host state", "host", host, "error", err)
	}
}

// stateLocked resolves the host state: cache, then store, then a fresh
// entry at the initial delay. Callers hold g.mu.
func (g *Governor) stateLocked(ctx context.Context, host string) *types.HostState {
	if st, err := g.cache.GetIFPresent(host); err == nil {
		return st
	}

	raw, err := g.store.Get(ctx, g.keys.GovernorHost(host))
	if err == nil {
		var st types.HostState
		if jerr := json.Unmarshal([]byte(raw), &st); jerr == nil {
			st.Host = host
			st.CurrentDelay = g.clampDelay(st.CurrentDelay)
			_ = g.cache.Set(host, &st)
			return &st
		}
		g.log.Warn("Resetting malformed host state", "host", host)
	} else if !errors.Is(err, store.ErrNotFound) {
		g.log.Warn("Host state read failed, starting at initial delay", "host", host, "error", err)
	}

	st := &types.HostState{
		Host:         host,
		CurrentDelay: g.initialMs,
		LastUpdated:  time.Now().UnixMilli(),
	}
	_ = g.cache.Set(host, st)
	return st
}

// clampDelay forces persisted values into [initial, max]; state written by
// a process with different limits stays usable.
func (g *Governor) clampDelay(ms int64) int64 {
	if ms < g.initialMs {
		return g.initialMs
	}
	if ms > g.maxMs {
		return g.maxMs
	}
	return ms
}
