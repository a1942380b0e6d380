package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const consumedKeyPrefix = "biovote:session:consumed:"

// RedisTracker keeps consumed sessions as expiring keys. Redis evicts them
// itself, so there is nothing to sweep.
type RedisTracker struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *RedisTracker {
	return &RedisTracker{client: client}
}

// Consume is SET NX PX: the first writer wins atomically.
func (t *RedisTracker) Consume(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	if err := validate(sessionID, ttl); err != nil {
		return false, err
	}
	ok, err := t.client.SetNX(ctx, consumedKeyPrefix+sessionID, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("consume session: %w", err)
	}
	return ok, nil
}

func (t *RedisTracker) IsConsumed(ctx context.Context, sessionID string) (bool, error) {
	n, err := t.client.Exists(ctx, consumedKeyPrefix+sessionID).Result()
	if err != nil {
		return false, fmt.Errorf("check consumed session: %w", err)
	}
	return n == 1, nil
}

func (t *RedisTracker) Release(ctx context.Context, sessionID string) error {
	if err := t.client.Del(ctx, consumedKeyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("release session: %w", err)
	}
	return nil
}

func (t *RedisTracker) Transactional() bool { return false }
