// Package ratelimit throttles status polling: one lookup per caller per
// request identifier per window.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type Limiter interface {
	Allow(ctx context.Context, caller, identifier string) (bool, error)
}

func key(caller, identifier string) string {
	return fmt.Sprintf("poll:%s:%s", caller, identifier)
}

// RedisLimiter marks each (caller, identifier) with SET NX PX window.
type RedisLimiter struct {
	client *redis.Client
	window time.Duration
}

func NewRedisLimiter(client *redis.Client, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, window: window}
}

func (l *RedisLimiter) Allow(ctx context.Context, caller, identifier string) (bool, error) {
	ok, err := l.client.SetNX(ctx, key(caller, identifier), 1, l.window).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check poll window: %w", err)
	}
	return ok, nil
}

// MemoryLimiter is a single-process Limiter.
type MemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
	now    func() time.Time
}

func NewMemoryLimiter(window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{window: window, seen: make(map[string]time.Time), now: time.Now}
}

func (l *MemoryLimiter) Allow(_ context.Context, caller, identifier string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key(caller, identifier)
	now := l.now()
	if until, ok := l.seen[k]; ok && now.Before(until) {
		return false, nil
	}
	l.seen[k] = now.Add(l.window)
	return true, nil
}
