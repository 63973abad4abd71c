// ============================================================================
// In-Memory Store Backend
// ============================================================================
//
// Package: internal/store
// File: memory.go
// Purpose: Process-local implementation of the Store contract with the
//          same observable semantics as the Redis backend.
//
// Used by unit tests, the integration suite and the standalone demo, so
// the semantics have to be exact:
//   - lists model Redis lists (LPUSH at the head, BRPOP from the tail),
//   - BRPopMulti scans keys in order and blocks on a condition variable,
//   - key-value entries honor TTLs (expired lazily on read),
//   - pub/sub fans out to subscriber channels and drops on slow consumers,
//   - Pipeline applies its batch under one lock acquisition.
//
// ============================================================================

package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

type memEntry struct {
	val string
	exp time.Time // zero = no expiry
}

// MemoryStore implements Store entirely in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	cond   *sync.Cond
	kv     map[string]memEntry
	lists  map[string][]string // index 0 = head
	sets   map[string]map[string]struct{}
	hashes map[string]map[string]string
	subs   map[string][]*memorySubscription
	closed bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryStore {
	s := &MemoryStore{
		kv:     make(map[string]memEntry),
		lists:  make(map[string][]string),
		sets:   make(map[string]map[string]struct{}),
		hashes: make(map[string]map[string]string),
		subs:   make(map[string][]*memorySubscription),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// getLocked reads a key-value entry, expiring it lazily. Callers hold mu.
func (s *MemoryStore) getLocked(key string) (string, bool) {
	e, ok := s.kv[key]
	if !ok {
		return "", false
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		delete(s.kv, key)
		return "", false
	}
	return e.val, true
}

func (s *MemoryStore) setLocked(key, value string, ttl time.Duration) {
	e := memEntry{val: value}
	if ttl > 0 {
		e.exp = time.Now().Add(ttl)
	}
	s.kv[key] = e
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	v, ok := s.getLocked(key)
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.setLocked(key, value, ttl)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, k := range keys {
		delete(s.kv, k)
		delete(s.lists, k)
		delete(s.sets, k)
		delete(s.hashes, k)
	}
	return nil
}

func (s *MemoryStore) IncrBy(_ context.Context, key string, n int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.incrByLocked(key, n)
}

func (s *MemoryStore) incrByLocked(key string, n int64) (int64, error) {
	cur := int64(0)
	if v, ok := s.getLocked(key); ok {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("incrby %s: value is not an integer", key)
		}
		cur = parsed
	}
	cur += n
	// INCR preserves an existing TTL.
	e := s.kv[key]
	e.val = strconv.FormatInt(cur, 10)
	s.kv[key] = e
	return cur, nil
}

func (s *MemoryStore) MGet(_ context.Context, keys ...string) ([]*string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]*string, len(keys))
	for i, k := range keys {
		if v, ok := s.getLocked(k); ok {
			val := v
			out[i] = &val
		}
	}
	return out, nil
}

func (s *MemoryStore) LPush(_ context.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.lpushLocked(key, values...)
	s.cond.Broadcast()
	return nil
}

func (s *MemoryStore) lpushLocked(key string, values ...string) {
	for _, v := range values {
		s.lists[key] = append([]string{v}, s.lists[key]...)
	}
}

func (s *MemoryStore) RPush(_ context.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.lists[key] = append(s.lists[key], values...)
	s.cond.Broadcast()
	return nil
}

func (s *MemoryStore) LLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return int64(len(s.lists[key])), nil
}

func (s *MemoryStore) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	l := s.lists[key]
	n := int64(len(l))
	if start < 0 {
		start = n + start
		if start < 0 {
			start = 0
		}
	}
	if stop < 0 {
		stop = n + stop
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n || stop < 0 {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, l[start:stop+1])
	return out, nil
}

// BRPopMulti blocks until one of the keys has an element, scanning keys in
// order on every wakeup so higher-priority keys always win.
func (s *MemoryStore) BRPopMulti(ctx context.Context, keys ...string) (string, string, error) {
	// A cancelled context has to wake the condition wait.
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.closed {
			return "", "", ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return "", "", err
		}
		for _, k := range keys {
			l := s.lists[k]
			if len(l) == 0 {
				continue
			}
			v := l[len(l)-1]
			if len(l) == 1 {
				delete(s.lists, k)
			} else {
				s.lists[k] = l[:len(l)-1]
			}
			return k, v, nil
		}
		s.cond.Wait()
	}
}

func (s *MemoryStore) SAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.saddLocked(key, members...)
	return nil
}

func (s *MemoryStore) saddLocked(key string, members ...string) {
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
}

func (s *MemoryStore) SRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.sremLocked(key, members...)
	return nil
}

func (s *MemoryStore) sremLocked(key string, members ...string) {
	set := s.sets[key]
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		delete(s.sets, key)
	}
}

func (s *MemoryStore) SCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return int64(len(s.sets[key])), nil
}

func (s *MemoryStore) HSet(_ context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (s *MemoryStore) HGet(_ context.Context, key, field string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	v, ok := s.hashes[key][field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) HDel(_ context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	h := s.hashes[key]
	for _, f := range fields {
		delete(h, f)
	}
	if len(h) == 0 {
		delete(s.hashes, key)
	}
	return nil
}

func (s *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[string]string, len(s.hashes[key]))
	for f, v := range s.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (s *MemoryStore) Publish(_ context.Context, channel, payload string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	subs := make([]*memorySubscription, len(s.subs[channel]))
	copy(subs, s.subs[channel])
	s.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(payload)
	}
	return nil
}

func (s *MemoryStore) Subscribe(_ context.Context, channel string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	sub := &memorySubscription{
		store:   s,
		channel: channel,
		ch:      make(chan string, 256),
	}
	s.subs[channel] = append(s.subs[channel], sub)
	return sub, nil
}

type memorySubscription struct {
	store   *MemoryStore
	channel string

	mu     sync.Mutex
	ch     chan string
	closed bool
}

// deliver mirrors pub/sub semantics: a subscriber that cannot keep up
// loses messages instead of blocking the publisher.
func (sub *memorySubscription) deliver(payload string) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.ch <- payload:
	default:
	}
}

func (sub *memorySubscription) Messages() <-chan string { return sub.ch }

func (sub *memorySubscription) Close() error {
	sub.store.mu.Lock()
	list := sub.store.subs[sub.channel]
	for i, other := range list {
		if other == sub {
			sub.store.subs[sub.channel] = append(list[:i], list[i+1:]...)
			break
		}
	}
	sub.store.mu.Unlock()

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	return nil
}

func (s *MemoryStore) Pipeline(_ context.Context, fn func(Pipe)) error {
	p := &memoryPipe{}
	fn(p)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, op := range p.ops {
		op(s)
	}
	s.cond.Broadcast()
	return nil
}

type memoryPipe struct {
	ops []func(*MemoryStore)
}

func (p *memoryPipe) Set(key, value string, ttl time.Duration) {
	p.ops = append(p.ops, func(s *MemoryStore) { s.setLocked(key, value, ttl) })
}

func (p *memoryPipe) Delete(keys ...string) {
	p.ops = append(p.ops, func(s *MemoryStore) {
		for _, k := range keys {
			delete(s.kv, k)
			delete(s.lists, k)
			delete(s.sets, k)
			delete(s.hashes, k)
		}
	})
}

func (p *memoryPipe) LPush(key string, values ...string) {
	p.ops = append(p.ops, func(s *MemoryStore) { s.lpushLocked(key, values...) })
}

func (p *memoryPipe) RPush(key string, values ...string) {
	p.ops = append(p.ops, func(s *MemoryStore) { s.lists[key] = append(s.lists[key], values...) })
}

func (p *memoryPipe) SAdd(key string, members ...string) {
	p.ops = append(p.ops, func(s *MemoryStore) { s.saddLocked(key, members...) })
}

func (p *memoryPipe) SRem(key string, members ...string) {
	p.ops = append(p.ops, func(s *MemoryStore) { s.sremLocked(key, members...) })
}

func (p *memoryPipe) IncrBy(key string, n int64) {
	p.ops = append(p.ops, func(s *MemoryStore) { s.incrByLocked(key, n) })
}

func (s *MemoryStore) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var all []*memorySubscription
	for _, list := range s.subs {
		all = append(all, list...)
	}
	s.subs = make(map[string][]*memorySubscription)
	s.cond.Broadcast()
	s.mu.Unlock()

	for _, sub := range all {
		sub.mu.Lock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		sub.mu.Unlock()
	}
	return nil
}
