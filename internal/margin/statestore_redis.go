package margin

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const statusKeyPrefix = "marginwatch:status:"

// RedisStatusStore keeps per-subject status in Redis so it survives restarts
// and is shared across concurrent consumers.
type RedisStatusStore struct {
	rdb *redis.Client
}

// NewRedisStatusStore wraps an existing Redis client.
func NewRedisStatusStore(rdb *redis.Client) *RedisStatusStore {
	return &RedisStatusStore{rdb: rdb}
}

func (s *RedisStatusStore) GetPreviousStatus(ctx context.Context, subjectID string) (*Status, error) {
	val, err := s.rdb.Get(ctx, statusKeyPrefix+subjectID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read status for %s: %w", subjectID, err)
	}
	st := Status(val)
	if !st.Valid() {
		return nil, fmt.Errorf("corrupt status %q recorded for %s", val, subjectID)
	}
	return &st, nil
}

func (s *RedisStatusStore) SetStatus(ctx context.Context, subjectID string, status Status) error {
	if err := s.rdb.Set(ctx, statusKeyPrefix+subjectID, string(status), 0).Err(); err != nil {
		return fmt.Errorf("write status for %s: %w", subjectID, err)
	}
	return nil
}
