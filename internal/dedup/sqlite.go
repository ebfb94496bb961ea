package dedup

import (
	"context"
	"time"

	"github.com/appscript-studio/engine/internal/store"
)

// SQLite deduplicates through the engine's state database. Suitable for
// single-instance deployments; multi-instance setups share Redis instead.
type SQLite struct {
	store *store.Store
}

func NewSQLite(st *store.Store) *SQLite { return &SQLite{store: st} }

func (s *SQLite) ClaimEvent(ctx context.Context, connectorSlug, triggerID, eventID, executionID string, ttl time.Duration) (*Claim, error) {
	rec := &store.DedupRecord{
		ConnectorSlug: connectorSlug,
		TriggerID:     triggerID,
		EventID:       eventID,
		ExecutionID:   executionID,
	}
	won, err := s.store.RecordEvent(ctx, rec, ttl)
	if err != nil {
		return nil, err
	}
	if won {
		return &Claim{Fresh: true, ExecutionID: executionID}, nil
	}
	existing, err := s.store.SeenEvent(ctx, connectorSlug, triggerID, eventID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		// The claim expired between the insert race and this read; treat
		// the delivery as a duplicate with no known execution.
		return &Claim{Fresh: false}, nil
	}
	return &Claim{Fresh: false, ExecutionID: existing.ExecutionID}, nil
}

func (s *SQLite) Sweep(ctx context.Context) (int64, error) {
	return s.store.SweepExpiredEvents(ctx)
}
