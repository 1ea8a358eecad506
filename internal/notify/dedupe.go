package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/marginwatch/marginwatch/internal/margin"
)

// KeySet records dispatch keys. Add returns true if the key was newly added,
// false if it was already present.
type KeySet interface {
	Add(ctx context.Context, key string) (bool, error)
}

// DedupeDispatcher suppresses repeat dispatches of the same event, keyed on
// (subject_id, event_type, created_at). Redelivered copies of an already
// dispatched event are acknowledged without renotifying anyone.
type DedupeDispatcher struct {
	next   Dispatcher
	seen   KeySet
	logger *zap.Logger
}

// NewDedupeDispatcher wraps next with dedupe over seen.
func NewDedupeDispatcher(next Dispatcher, seen KeySet, logger *zap.Logger) *DedupeDispatcher {
	return &DedupeDispatcher{next: next, seen: seen, logger: logger}
}

func (d *DedupeDispatcher) Dispatch(ctx context.Context, ev *margin.AlertEvent) (*DispatchResult, error) {
	key := dedupeKey(ev)
	fresh, err := d.seen.Add(ctx, key)
	if err != nil {
		// If the key set is unreachable we dispatch anyway: a duplicate
		// notification beats a missed liquidation alert.
		d.logger.Warn("dedupe key set unavailable, dispatching without dedupe",
			zap.String("key", key), zap.Error(err))
		return d.next.Dispatch(ctx, ev)
	}
	if !fresh {
		d.logger.Debug("suppressing duplicate dispatch", zap.String("key", key))
		return &DispatchResult{EventID: ev.EventID, Deduplicated: true, DispatchedAt: time.Now().UTC()}, nil
	}
	return d.next.Dispatch(ctx, ev)
}

func dedupeKey(ev *margin.AlertEvent) string {
	return fmt.Sprintf("%s|%s|%s", ev.SubjectID, ev.EventType, ev.CreatedAt.UTC().Format(time.RFC3339Nano))
}

// MemoryKeySet is a process-local KeySet for tests and single-node runs.
type MemoryKeySet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewMemoryKeySet creates an empty in-memory key set.
func NewMemoryKeySet() *MemoryKeySet {
	return &MemoryKeySet{keys: make(map[string]struct{})}
}

func (s *MemoryKeySet) Add(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return false, nil
	}
	s.keys[key] = struct{}{}
	return true, nil
}

const dedupeKeyPrefix = "marginwatch:dispatched:"

// RedisKeySet stores dispatch keys in Redis with a TTL, sharing dedupe state
// across consumer instances.
type RedisKeySet struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisKeySet wraps an existing Redis client; keys expire after ttl.
func NewRedisKeySet(rdb *redis.Client, ttl time.Duration) *RedisKeySet {
	return &RedisKeySet{rdb: rdb, ttl: ttl}
}

func (s *RedisKeySet) Add(ctx context.Context, key string) (bool, error) {
	return s.rdb.SetNX(ctx, dedupeKeyPrefix+key, "1", s.ttl).Result()
}
