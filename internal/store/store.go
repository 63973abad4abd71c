// ============================================================================
// Coordination Store Contract
// ============================================================================
//
// Package: internal/store
// File: store.go
// Purpose: Typed contract over the shared coordination store.
//
// The store is the only cross-process resource in the cluster: queues,
// job payloads, worker presence, governor state, proxy counters and the
// result streams all live behind this interface. Components never touch a
// concrete backend directly; they take a Store plus a Keys value.
//
// Two backends implement the contract:
//   - Redis (redis.go): the production backend.
//   - Memory (memory.go): full semantics in-process, used by tests and
//     the standalone demo.
//
// ============================================================================

package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by point reads when the key (or hash field)
	// does not exist or has expired.
	ErrNotFound = errors.New("store: key not found")
	// ErrClosed is returned once the store has been closed.
	ErrClosed = errors.New("store: closed")
)

// Subscription is a live pub/sub subscription. Messages is closed after
// Close returns (or when the backend drops the connection).
type Subscription interface {
	Messages() <-chan string
	Close() error
}

// Pipe batches commands for atomic execution. Commands are queued by the
// Pipeline callback and applied together.
type Pipe interface {
	Set(key, value string, ttl time.Duration)
	Delete(keys ...string)
	LPush(key string, values ...string)
	RPush(key string, values ...string)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
	IncrBy(key string, n int64)
}

// Store is the coordination-store client contract.
//
// Blocking and potentially slow calls take a context; BRPopMulti blocks
// indefinitely and must return promptly when the context is cancelled.
type Store interface {
	// Key-value.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	IncrBy(ctx context.Context, key string, n int64) (int64, error)
	MGet(ctx context.Context, keys ...string) ([]*string, error)

	// Lists. LPush inserts at the head, BRPopMulti pops from the tail of
	// the first non-empty key, scanning keys in the given order, and
	// reports which key produced the element.
	LPush(ctx context.Context, key string, values ...string) error
	RPush(ctx context.Context, key string, values ...string) error
	LLen(ctx context.Context, key string) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	BRPopMulti(ctx context.Context, keys ...string) (poppedKey, value string, err error)

	// Sets.
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SCard(ctx context.Context, key string) (int64, error)

	// Hashes.
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HDel(ctx context.Context, key string, fields ...string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// Pub/sub.
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Pipeline queues commands through fn and applies them atomically.
	Pipeline(ctx context.Context, fn func(Pipe)) error

	Ping(ctx context.Context) error
	Close() error
}
