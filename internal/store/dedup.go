package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DedupRecord maps an external trigger event to the execution it produced.
type DedupRecord struct {
	ConnectorSlug string
	TriggerID     string
	EventID       string
	ExecutionID   string
	FirstSeenAt   time.Time
	ExpiresAt     time.Time
}

// SeenEvent returns the dedup record for an external event, or (nil, nil)
// when the event is new or its record has expired.
func (s *Store) SeenEvent(ctx context.Context, connectorSlug, triggerID, eventID string) (*DedupRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT connector_slug, trigger_id, event_id, execution_id, first_seen_at, expires_at
		FROM dedup_records
		WHERE connector_slug = ? AND trigger_id = ? AND event_id = ? AND expires_at > datetime('now')`,
		connectorSlug, triggerID, eventID)
	var r DedupRecord
	if err := row.Scan(&r.ConnectorSlug, &r.TriggerID, &r.EventID, &r.ExecutionID,
		&r.FirstSeenAt, &r.ExpiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("seen event %s/%s/%s: %w", connectorSlug, triggerID, eventID, err)
	}
	return &r, nil
}

// RecordEvent stores a dedup record with the given TTL. Returns false when a
// live record already exists (another ingestion won the race), in which case
// the stored record is left untouched.
func (s *Store) RecordEvent(ctx context.Context, r *DedupRecord, ttl time.Duration) (bool, error) {
	// Expired rows with the same key are replaced, live ones are kept.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dedup_records (connector_slug, trigger_id, event_id, execution_id, first_seen_at, expires_at)
		VALUES (?, ?, ?, ?, datetime('now'), ?)
		ON CONFLICT(connector_slug, trigger_id, event_id) DO UPDATE SET
			execution_id = excluded.execution_id,
			first_seen_at = excluded.first_seen_at,
			expires_at = excluded.expires_at
		WHERE dedup_records.expires_at <= datetime('now')`,
		r.ConnectorSlug, r.TriggerID, r.EventID, r.ExecutionID, time.Now().UTC().Add(ttl))
	if err != nil {
		return false, fmt.Errorf("record event %s/%s/%s: %w", r.ConnectorSlug, r.TriggerID, r.EventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record event: %w", err)
	}
	return n > 0, nil
}

// SweepExpiredEvents deletes dedup records past their TTL and returns the
// number removed.
func (s *Store) SweepExpiredEvents(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dedup_records WHERE expires_at <= datetime('now')`)
	if err != nil {
		return 0, fmt.Errorf("sweep dedup records: %w", err)
	}
	return res.RowsAffected()
}
