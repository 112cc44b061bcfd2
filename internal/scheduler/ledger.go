package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// FiredLedger records which deadlines already fired so a trigger runs at most
// once, including across restarts when the ledger is durable.
type FiredLedger interface {
	// MarkFired claims key and reports whether this caller was first.
	MarkFired(ctx context.Context, key string) (bool, error)
	// Fired reports whether key was claimed.
	Fired(ctx context.Context, key string) (bool, error)
}

// MemoryLedger only deduplicates within one process.
type MemoryLedger struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{keys: make(map[string]struct{})}
}

func (l *MemoryLedger) MarkFired(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.keys[key]; ok {
		return false, nil
	}
	l.keys[key] = struct{}{}
	return true, nil
}

func (l *MemoryLedger) Fired(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.keys[key]
	return ok, nil
}

// RedisLedger stores fired markers with SETNX.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisLedger(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLedger {
	if prefix == "" {
		prefix = "carpool:deadline-fired"
	}
	return &RedisLedger{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLedger) MarkFired(ctx context.Context, key string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+":"+key, time.Now().UTC().Format(time.RFC3339), l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("scheduler.RedisLedger.MarkFired: %w", err)
	}
	return ok, nil
}

func (l *RedisLedger) Fired(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, l.prefix+":"+key).Result()
	if err != nil {
		return false, fmt.Errorf("scheduler.RedisLedger.Fired: %w", err)
	}
	return n > 0, nil
}
