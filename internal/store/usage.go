package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UsageCounter aggregates metered usage per (org, user, billing period).
// Counters only increase within a period; a new period key starts fresh.
type UsageCounter struct {
	OrgID        string
	UserID       string
	Period       string
	APICalls     int64
	TokensUsed   int64
	WorkflowRuns int64
	StorageBytes int64
	CostMicros   int64
}

// UsageDelta is one atomic increment applied to a counter row.
type UsageDelta struct {
	APICalls     int64
	TokensUsed   int64
	WorkflowRuns int64
	StorageBytes int64
	CostMicros   int64
}

// PeriodKey computes the billing period key for t. anchorDay of 0 means the
// UTC calendar month; otherwise the period starts on that day of the month.
func PeriodKey(t time.Time, anchorDay int) string {
	t = t.UTC()
	if anchorDay <= 0 || anchorDay > 28 {
		return t.Format("2006-01")
	}
	if t.Day() < anchorDay {
		t = t.AddDate(0, -1, 0)
	}
	return fmt.Sprintf("%s~%02d", t.Format("2006-01"), anchorDay)
}

// AddUsage atomically applies a delta to the counter row, creating it if
// needed.
func (s *Store) AddUsage(ctx context.Context, orgID, userID, period string, d UsageDelta) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_counters (org_id, user_id, period, api_calls, tokens_used, workflow_runs, storage_bytes, cost_micros)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(org_id, user_id, period) DO UPDATE SET
			api_calls = usage_counters.api_calls + excluded.api_calls,
			tokens_used = usage_counters.tokens_used + excluded.tokens_used,
			workflow_runs = usage_counters.workflow_runs + excluded.workflow_runs,
			storage_bytes = usage_counters.storage_bytes + excluded.storage_bytes,
			cost_micros = usage_counters.cost_micros + excluded.cost_micros`,
		orgID, userID, period, d.APICalls, d.TokensUsed, d.WorkflowRuns, d.StorageBytes, d.CostMicros)
	if err != nil {
		return fmt.Errorf("add usage %s/%s/%s: %w", orgID, userID, period, err)
	}
	return nil
}

// GetUsage returns the counter row, or a zero counter when absent.
func (s *Store) GetUsage(ctx context.Context, orgID, userID, period string) (*UsageCounter, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT org_id, user_id, period, api_calls, tokens_used, workflow_runs, storage_bytes, cost_micros
		FROM usage_counters WHERE org_id = ? AND user_id = ? AND period = ?`,
		orgID, userID, period)
	var u UsageCounter
	if err := row.Scan(&u.OrgID, &u.UserID, &u.Period, &u.APICalls, &u.TokensUsed,
		&u.WorkflowRuns, &u.StorageBytes, &u.CostMicros); err != nil {
		if err == sql.ErrNoRows {
			return &UsageCounter{OrgID: orgID, UserID: userID, Period: period}, nil
		}
		return nil, fmt.Errorf("get usage %s/%s/%s: %w", orgID, userID, period, err)
	}
	return &u, nil
}

// ListUsage returns all counter rows for a period, ordered by org then user.
func (s *Store) ListUsage(ctx context.Context, period string) ([]UsageCounter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT org_id, user_id, period, api_calls, tokens_used, workflow_runs, storage_bytes, cost_micros
		FROM usage_counters WHERE period = ? ORDER BY org_id, user_id`, period)
	if err != nil {
		return nil, fmt.Errorf("list usage %s: %w", period, err)
	}
	defer rows.Close()

	var out []UsageCounter
	for rows.Next() {
		var u UsageCounter
		if err := rows.Scan(&u.OrgID, &u.UserID, &u.Period, &u.APICalls, &u.TokensUsed,
			&u.WorkflowRuns, &u.StorageBytes, &u.CostMicros); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list usage %s: %w", period, err)
	}
	return out, nil
}

// RecordAlert remembers an emitted alert for coalescing. Returns false when
// an alert for the same (user, quotaType, bucket) was already recorded, in
// which case the row is updated to the latest values instead of duplicated.
func (s *Store) RecordAlert(ctx context.Context, userID, quotaType, bucket, alertType string, pct int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO usage_alerts (user_id, quota_type, bucket, alert_type, pct)
		VALUES (?, ?, ?, ?, ?)`, userID, quotaType, bucket, alertType, pct)
	if err != nil {
		return false, fmt.Errorf("record alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record alert: %w", err)
	}
	if n == 0 {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE usage_alerts SET alert_type = ?, pct = ?, created_at = datetime('now')
			WHERE user_id = ? AND quota_type = ? AND bucket = ?`,
			alertType, pct, userID, quotaType, bucket); err != nil {
			return false, fmt.Errorf("update alert: %w", err)
		}
		return false, nil
	}
	return true, nil
}

// Alert is an emitted usage alert row.
type Alert struct {
	UserID    string
	QuotaType string
	Bucket    string
	AlertType string
	Pct       int
	CreatedAt time.Time
}

// ListAlerts returns alerts at or above the given percentage, newest first.
func (s *Store) ListAlerts(ctx context.Context, minPct int) ([]Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, quota_type, bucket, alert_type, pct, created_at
		FROM usage_alerts WHERE pct >= ? ORDER BY created_at DESC`, minPct)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.UserID, &a.QuotaType, &a.Bucket, &a.AlertType, &a.Pct, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return out, nil
}

// CountMonthlyStarts counts executions started by an org within the current
// billing period; used to rebuild the monthly admission counter on restart.
func (s *Store) CountMonthlyStarts(ctx context.Context, orgID string, periodStart time.Time) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM executions WHERE org_id = ? AND started_at >= ?`,
		orgID, periodStart.UTC())
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count monthly starts %s: %w", orgID, err)
	}
	return n, nil
}
