package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis deduplicates through SET NX with a TTL, so claims expire without a
// sweeper and multiple engine instances share one view.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis { return &Redis{client: client} }

func key(connectorSlug, triggerID, eventID string) string {
	return fmt.Sprintf("dedup:%s:%s:%s", connectorSlug, triggerID, eventID)
}

func (r *Redis) ClaimEvent(ctx context.Context, connectorSlug, triggerID, eventID, executionID string, ttl time.Duration) (*Claim, error) {
	k := key(connectorSlug, triggerID, eventID)
	won, err := r.client.SetNX(ctx, k, executionID, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("dedup claim %s: %w", k, err)
	}
	if won {
		return &Claim{Fresh: true, ExecutionID: executionID}, nil
	}
	existing, err := r.client.Get(ctx, k).Result()
	if err == redis.Nil {
		return &Claim{Fresh: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dedup read %s: %w", k, err)
	}
	return &Claim{Fresh: false, ExecutionID: existing}, nil
}

// Sweep is a no-op: Redis expires claims natively.
func (r *Redis) Sweep(context.Context) (int64, error) { return 0, nil }
