// Package dedup suppresses duplicate trigger events. Providers redeliver
// webhooks, so every (connector, trigger, eventId) is claimed exactly once
// within a TTL window; later deliveries map back to the original execution.
package dedup

import (
	"context"
	"time"
)

// Claim is the result of trying to register an event.
type Claim struct {
	// Fresh is true when this delivery won the claim and should execute.
	Fresh bool
	// ExecutionID is the run the event maps to: the new one when Fresh,
	// the original winner's otherwise.
	ExecutionID string
}

// Store is a dedup backend.
type Store interface {
	// ClaimEvent atomically registers the event for executionID with the
	// given TTL. When a live claim already exists, Fresh is false and
	// ExecutionID is the original claimant's.
	ClaimEvent(ctx context.Context, connectorSlug, triggerID, eventID, executionID string, ttl time.Duration) (*Claim, error)
	// Sweep removes expired claims where the backend needs it; TTL-native
	// backends may make it a no-op.
	Sweep(ctx context.Context) (int64, error)
}
