package connector

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/appscript-studio/engine/internal/errkind"
	"github.com/appscript-studio/engine/internal/store"
)

// maxInlineWait is the longest the tracker will sleep through a rate window
// inside a call. Longer waits are surfaced as RateLimited so the retry layer
// and scheduler can make the decision instead.
const maxInlineWait = 5 * time.Second

// defaultPace bounds request rate per connection when the provider has not
// told us anything yet.
const defaultPace = rate.Limit(10)

// RateTracker remembers provider rate limit state per (connection, endpoint
// class) and paces outbound requests. State is updated only from response
// headers; the tracker never invents budgets.
type RateTracker struct {
	store  *store.Store
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewRateTracker(st *store.Store, logger *slog.Logger) *RateTracker {
	return &RateTracker{store: st, logger: logger, limiters: make(map[string]*rate.Limiter)}
}

func (t *RateTracker) limiter(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[key]
	if !ok {
		l = rate.NewLimiter(defaultPace, int(defaultPace))
		t.limiters[key] = l
	}
	return l
}

// Acquire blocks until a request may go out for the given bucket. Returns
// RateLimited with a retry hint when the provider bucket is exhausted and the
// reset is too far away to wait through inline.
func (t *RateTracker) Acquire(ctx context.Context, connID, class string) error {
	st, err := t.store.GetRateLimit(ctx, connID, class)
	if err != nil {
		return err
	}
	if st != nil && st.Remaining <= 0 && st.ResetAt.Valid {
		wait := time.Until(st.ResetAt.Time)
		if wait > maxInlineWait {
			return errkind.New(errkind.RateLimited,
				"rate bucket %s/%s exhausted", connID, class).WithRetryAfter(wait)
		}
		if wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return t.limiter(connID + "/" + class).Wait(ctx)
}

// Observe records the rate state a response reported and retunes pacing so we
// approach the provider's window instead of slamming into it.
func (t *RateTracker) Observe(ctx context.Context, connID, class string, info *RateInfo) {
	if info == nil {
		return
	}
	rec := &store.RateLimitState{
		ConnectionID:  connID,
		EndpointClass: class,
		Limit:         info.Limit,
		Remaining:     info.Remaining,
		RetryAfter:    info.RetryAfter,
	}
	if !info.ResetAt.IsZero() {
		rec.ResetAt = sql.NullTime{Time: info.ResetAt.UTC(), Valid: true}
	}
	if err := t.store.PutRateLimit(ctx, rec); err != nil && t.logger != nil {
		t.logger.Warn("persist rate limit state", "connection", connID, "class", class, "error", err)
	}

	if info.Limit > 0 && !info.ResetAt.IsZero() {
		window := time.Until(info.ResetAt)
		if window > 0 {
			perSec := rate.Limit(float64(info.Limit) / window.Seconds())
			if perSec > 0 && perSec < defaultPace {
				t.limiter(connID + "/" + class).SetLimit(perSec)
			}
		}
	}
}
