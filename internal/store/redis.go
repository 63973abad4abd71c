// ============================================================================
// Redis Store Backend
// ============================================================================
//
// Package: internal/store
// File: redis.go
// Purpose: go-redis v9 implementation of the Store contract.
//
// Notes:
//   - BRPOP scans the given keys in order, which yields the strict
//     priority ordering the workers rely on.
//   - Subscribe checks out a dedicated connection inside go-redis, so the
//     subscription never blocks normal commands on the pool.
//   - Failures are tagged ErrKindStoreTransient; callers log, back off and
//     keep their loop alive.
//
// ============================================================================

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/projectdiscovery/utils/errkit"
	"github.com/redis/go-redis/v9"

	"github.com/adaptivescrape/asc/pkg/types"
)

// RedisConfig is the connection configuration for the Redis backend.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// RedisStore implements Store on a go-redis client.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedis builds a Redis-backed store. The connection is lazy; call Ping
// to verify reachability at startup.
func NewRedis(cfg RedisConfig) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisStore{rdb: rdb}
}

// transient tags a backend failure with the store-transient kind so
// callers can classify it without matching message text.
func transient(op string, err error) error {
	ex := errkit.FromError(err)
	ex.ResetKind().SetKind(types.ErrKindStoreTransient)
	return errkit.WithMessagef(ex.Build(), "redis %s", op)
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", transient("get", err)
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return transient("set", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return transient("del", err)
	}
	return nil
}

func (s *RedisStore) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	v, err := s.rdb.IncrBy(ctx, key, n).Result()
	if err != nil {
		return 0, transient("incrby", err)
	}
	return v, nil
}

func (s *RedisStore) MGet(ctx context.Context, keys ...string) ([]*string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	raw, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, transient("mget", err)
	}
	out := make([]*string, len(raw))
	for i, v := range raw {
		if str, ok := v.(string); ok {
			s := str
			out[i] = &s
		}
	}
	return out, nil
}

func (s *RedisStore) LPush(ctx context.Context, key string, values ...string) error {
	if err := s.rdb.LPush(ctx, key, toAny(values)...).Err(); err != nil {
		return transient("lpush", err)
	}
	return nil
}

func (s *RedisStore) RPush(ctx context.Context, key string, values ...string) error {
	if err := s.rdb.RPush(ctx, key, toAny(values)...).Err(); err != nil {
		return transient("rpush", err)
	}
	return nil
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, transient("llen", err)
	}
	return n, nil
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := s.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, transient("lrange", err)
	}
	return vals, nil
}

// BRPopMulti blocks until one of the keys has an element, popping from the
// first non-empty key in the given order.
func (s *RedisStore) BRPopMulti(ctx context.Context, keys ...string) (string, string, error) {
	res, err := s.rdb.BRPop(ctx, 0, keys...).Result()
	if err != nil {
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		return "", "", transient("brpop", err)
	}
	if len(res) != 2 {
		return "", "", transient("brpop", fmt.Errorf("unexpected reply length %d", len(res)))
	}
	return res[0], res[1], nil
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	if err := s.rdb.SAdd(ctx, key, toAny(members)...).Err(); err != nil {
		return transient("sadd", err)
	}
	return nil
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	if err := s.rdb.SRem(ctx, key, toAny(members)...).Err(); err != nil {
		return transient("srem", err)
	}
	return nil
}

func (s *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.SCard(ctx, key).Result()
	if err != nil {
		return 0, transient("scard", err)
	}
	return n, nil
}

func (s *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	if err := s.rdb.HSet(ctx, key, field, value).Err(); err != nil {
		return transient("hset", err)
	}
	return nil
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.rdb.HGet(ctx, key, field).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", transient("hget", err)
	}
	return v, nil
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if err := s.rdb.HDel(ctx, key, fields...).Err(); err != nil {
		return transient("hdel", err)
	}
	return nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, transient("hgetall", err)
	}
	return m, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel, payload string) error {
	if err := s.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return transient("publish", err)
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := s.rdb.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so a dead backend fails fast.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, transient("subscribe", err)
	}
	sub := &redisSubscription{ps: ps, msgs: make(chan string, 64)}
	go sub.pump()
	return sub, nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	msgs chan string
}

func (sub *redisSubscription) pump() {
	defer close(sub.msgs)
	for m := range sub.ps.Channel() {
		sub.msgs <- m.Payload
	}
}

func (sub *redisSubscription) Messages() <-chan string { return sub.msgs }

func (sub *redisSubscription) Close() error { return sub.ps.Close() }

func (s *RedisStore) Pipeline(ctx context.Context, fn func(Pipe)) error {
	pipe := s.rdb.TxPipeline()
	fn(&redisPipe{ctx: ctx, pipe: pipe})
	if _, err := pipe.Exec(ctx); err != nil {
		return transient("pipeline", err)
	}
	return nil
}

type redisPipe struct {
	ctx  context.Context
	pipe redis.Pipeliner
}

func (p *redisPipe) Set(key, value string, ttl time.Duration) {
	if ttl < 0 {
		ttl = 0
	}
	p.pipe.Set(p.ctx, key, value, ttl)
}

func (p *redisPipe) Delete(keys ...string) {
	if len(keys) > 0 {
		p.pipe.Del(p.ctx, keys...)
	}
}

func (p *redisPipe) LPush(key string, values ...string) {
	p.pipe.LPush(p.ctx, key, toAny(values)...)
}

func (p *redisPipe) RPush(key string, values ...string) {
	p.pipe.RPush(p.ctx, key, toAny(values)...)
}

func (p *redisPipe) SAdd(key string, members ...string) {
	p.pipe.SAdd(p.ctx, key, toAny(members)...)
}

func (p *redisPipe) SRem(key string, members ...string) {
	p.pipe.SRem(p.ctx, key, toAny(members)...)
}

func (p *redisPipe) IncrBy(key string, n int64) {
	p.pipe.IncrBy(p.ctx, key, n)
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return transient("ping", err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
