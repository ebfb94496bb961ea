package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RateLimitState is the last-observed rate limit headers for one
// (connection, endpoint class) pair. Updated last-write-wins from response
// headers only.
type RateLimitState struct {
	ConnectionID  string
	EndpointClass string
	Limit         int64
	Remaining     int64
	ResetAt       sql.NullTime
	RetryAfter    time.Duration
	ObservedAt    time.Time
}

// PutRateLimit records the latest observation.
func (s *Store) PutRateLimit(ctx context.Context, r *RateLimitState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limits (connection_id, endpoint_class, limit_total, remaining, reset_at, retry_after_ms, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(connection_id, endpoint_class) DO UPDATE SET
			limit_total = excluded.limit_total, remaining = excluded.remaining,
			reset_at = excluded.reset_at, retry_after_ms = excluded.retry_after_ms,
			observed_at = datetime('now')`,
		r.ConnectionID, r.EndpointClass, r.Limit, r.Remaining, r.ResetAt,
		r.RetryAfter.Milliseconds())
	if err != nil {
		return fmt.Errorf("put rate limit %s/%s: %w", r.ConnectionID, r.EndpointClass, err)
	}
	return nil
}

// GetRateLimit returns the last observation, or (nil, nil) when none exists.
func (s *Store) GetRateLimit(ctx context.Context, connectionID, endpointClass string) (*RateLimitState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT connection_id, endpoint_class, limit_total, remaining, reset_at, retry_after_ms, observed_at
		FROM rate_limits WHERE connection_id = ? AND endpoint_class = ?`,
		connectionID, endpointClass)
	var r RateLimitState
	var retryMS int64
	if err := row.Scan(&r.ConnectionID, &r.EndpointClass, &r.Limit, &r.Remaining,
		&r.ResetAt, &retryMS, &r.ObservedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get rate limit %s/%s: %w", connectionID, endpointClass, err)
	}
	r.RetryAfter = time.Duration(retryMS) * time.Millisecond
	return &r, nil
}
