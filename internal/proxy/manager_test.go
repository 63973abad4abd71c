// ============================================================================
// Proxy Manager Tests
// ============================================================================
//
// Package: internal/proxy
// File: manager_test.go
// Purpose: Verify rotation fairness, counter persistence, hydration and
//          the handling of malformed configuration and unknown proxies.
//
// ============================================================================

package proxy

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adaptivescrape/asc/internal/store"
	"github.com/adaptivescrape/asc/pkg/types"
)

func newTestManager(t *testing.T, addrs []string) (*Manager, *store.MemoryStore, store.Keys) {
	t.Helper()
	s := store.NewMemory()
	t.Cleanup(func() { s.Close() })
	keys := store.NewKeys("asc:")
	return NewManager(s, keys, addrs), s, keys
}

func TestManagerRoundRobinFairness(t *testing.T) {
	addrs := []string{"http://p1:8080", "http://p2:8080", "http://p3:8080"}
	m, _, _ := newTestManager(t, addrs)

	counts := make(map[string]int)
	const draws = 10
	for i := 0; i < draws; i++ {
		p := m.Next()
		require.NotNil(t, p)
		counts[p.Addr]++
	}

	// Over k draws from n proxies each one is used floor(k/n) or ceil(k/n) times.
	for _, addr := range addrs {
		assert.GreaterOrEqual(t, counts[addr], draws/len(addrs), "proxy %s underused", addr)
		assert.LessOrEqual(t, counts[addr], draws/len(addrs)+1, "proxy %s overused", addr)
	}
}

func TestManagerNextEmptyPool(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	assert.Nil(t, m.Next(), "empty pool should select no proxy")
	assert.Equal(t, 0, m.Count())
}

func TestManagerNextStampsLastUsed(t *testing.T) {
	m, _, _ := newTestManager(t, []string{"http://p1:8080"})

	before := m.Stats()
	require.Len(t, before, 1)
	assert.Zero(t, before[0].LastUsedAt, "unused proxy should have no last-used stamp")

	require.NotNil(t, m.Next())
	after := m.Stats()
	assert.NotZero(t, after[0].LastUsedAt, "selection should stamp last-used")
}

func TestManagerDropsMalformedAndDuplicateURLs(t *testing.T) {
	m, _, _ := newTestManager(t, []string{
		"http://ok:8080",
		"not a url at all\x7f",
		"relative/path",
		"http://ok:8080",
	})
	assert.Equal(t, 1, m.Count(), "only the first well-formed URL should survive")
}

func TestManagerReportUpdatesAndPersists(t *testing.T) {
	m, s, keys := newTestManager(t, []string{"http://p1:8080"})
	ctx := context.Background()

	m.Report(ctx, "http://p1:8080", true)
	m.Report(ctx, "http://p1:8080", true)
	m.Report(ctx, "http://p1:8080", false)

	stats := m.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(2), stats[0].SuccessCount)
	assert.Equal(t, int64(1), stats[0].FailureCount)

	raw, err := s.Get(ctx, keys.ProxyStats("http://p1:8080"))
	require.NoError(t, err, "report should persist counters")
	var persisted types.ProxyStats
	require.NoError(t, json.Unmarshal([]byte(raw), &persisted))
	assert.Equal(t, int64(2), persisted.SuccessCount)
	assert.Equal(t, int64(1), persisted.FailureCount)
}

func TestManagerReportUnknownProxyIgnored(t *testing.T) {
	m, s, keys := newTestManager(t, []string{"http://p1:8080"})
	ctx := context.Background()

	m.Report(ctx, "http://stranger:9999", false)

	stats := m.Stats()
	require.Len(t, stats, 1)
	assert.Zero(t, stats[0].SuccessCount)
	assert.Zero(t, stats[0].FailureCount)

	_, err := s.Get(ctx, keys.ProxyStats("http://stranger:9999"))
	assert.ErrorIs(t, err, store.ErrNotFound, "unknown proxy should not be persisted")
}

func TestManagerInitializeHydratesCounters(t *testing.T) {
	s := store.NewMemory()
	defer s.Close()
	keys := store.NewKeys("asc:")
	ctx := context.Background()

	seed, _ := json.Marshal(types.ProxyStats{SuccessCount: 7, FailureCount: 3})
	require.NoError(t, s.Set(ctx, keys.ProxyStats("http://p1:8080"), string(seed), 0))
	require.NoError(t, s.Set(ctx, keys.ProxyStats("http://p2:8080"), "{malformed", 0))

	m := NewManager(s, keys, []string{"http://p1:8080", "http://p2:8080", "http://p3:8080"})
	m.Initialize(ctx)

	stats := m.Stats()
	require.Len(t, stats, 3)
	assert.Equal(t, int64(7), stats[0].SuccessCount, "persisted counters should hydrate")
	assert.Equal(t, int64(3), stats[0].FailureCount)
	assert.Zero(t, stats[1].SuccessCount, "malformed record should reset to zero")
	assert.Zero(t, stats[2].SuccessCount, "missing record should reset to zero")
}

func TestManagerStatsIsACopy(t *testing.T) {
	m, _, _ := newTestManager(t, []string{"http://p1:8080"})

	stats := m.Stats()
	stats[0].SuccessCount = 999

	fresh := m.Stats()
	assert.Zero(t, fresh[0].SuccessCount, "mutating the snapshot should not touch the pool")
}
