package connector

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/appscript-studio/engine/internal/errkind"
)

// RetryPolicy controls retries of transient failures. Delay grows
// exponentially from BaseDelay, capped at MaxDelay, with ±25% jitter.
// A server-provided Retry-After hint overrides the computed delay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the engine-wide defaults.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}

// Delay returns the backoff before attempt n (1-based, so n=1 is the delay
// before the first retry).
func (p RetryPolicy) Delay(n int, hint time.Duration) time.Duration {
	if hint > 0 {
		if p.MaxDelay > 0 && hint > p.MaxDelay {
			return p.MaxDelay
		}
		return hint
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	// Jitter spreads retries from callers that failed together.
	j := int64(d) / 4
	return d + time.Duration(rand.Int64N(2*j+1)-j)
}

// Do runs fn until it succeeds, exhausts attempts, or hits a non-retryable
// error. attempts passed to fn start at 1.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) (attempts int, err error) {
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}
	for attempt := 1; ; attempt++ {
		err = fn(attempt)
		if err == nil || attempt >= max || !errkind.Retryable(err) {
			return attempt, err
		}
		var hint time.Duration
		if e := errkind.AsError(err); e != nil {
			hint = e.RetryAfter
		}
		timer := time.NewTimer(p.Delay(attempt, hint))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
}
