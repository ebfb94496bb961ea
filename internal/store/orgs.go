package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Organization is the scoping boundary for quotas and connections.
type Organization struct {
	ID              string
	MaxConcurrent   int
	MaxPerMinute    int
	MaxPerMonth     int
	BetaOptIn       bool
	PeriodAnchorDay int // 0 means calendar month
}

// PutOrganization inserts or replaces an organization record.
func (s *Store) PutOrganization(ctx context.Context, o *Organization) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organizations (id, max_concurrent, max_per_minute, max_per_month, beta_opt_in, period_anchor_day)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			max_concurrent = excluded.max_concurrent,
			max_per_minute = excluded.max_per_minute,
			max_per_month = excluded.max_per_month,
			beta_opt_in = excluded.beta_opt_in,
			period_anchor_day = excluded.period_anchor_day`,
		o.ID, o.MaxConcurrent, o.MaxPerMinute, o.MaxPerMonth, o.BetaOptIn, o.PeriodAnchorDay)
	if err != nil {
		return fmt.Errorf("put organization %s: %w", o.ID, err)
	}
	return nil
}

// GetOrganization loads an organization, or (nil, nil) when absent so callers
// can fall back to configured default limits.
func (s *Store) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, max_concurrent, max_per_minute, max_per_month, beta_opt_in, period_anchor_day
		FROM organizations WHERE id = ?`, id)
	var o Organization
	if err := row.Scan(&o.ID, &o.MaxConcurrent, &o.MaxPerMinute, &o.MaxPerMonth,
		&o.BetaOptIn, &o.PeriodAnchorDay); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get organization %s: %w", id, err)
	}
	return &o, nil
}

// WorkflowRecord is a stored workflow definition. The definition is the JSON
// DAG parsed by the workflow package.
type WorkflowRecord struct {
	ID         string
	OrgID      string
	OwnerID    string
	Version    int
	Definition string
}

// PutWorkflow inserts or replaces a workflow definition, bumping its version.
func (s *Store) PutWorkflow(ctx context.Context, w *WorkflowRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, org_id, owner_id, version, definition, updated_at)
		VALUES (?, ?, ?, 1, ?, datetime('now'))
		ON CONFLICT(id) DO UPDATE SET
			org_id = excluded.org_id, owner_id = excluded.owner_id,
			version = workflows.version + 1,
			definition = excluded.definition, updated_at = datetime('now')`,
		w.ID, w.OrgID, w.OwnerID, w.Definition)
	if err != nil {
		return fmt.Errorf("put workflow %s: %w", w.ID, err)
	}
	return nil
}

// GetWorkflow loads a workflow definition by id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*WorkflowRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, owner_id, version, definition FROM workflows WHERE id = ?`, id)
	var w WorkflowRecord
	if err := row.Scan(&w.ID, &w.OrgID, &w.OwnerID, &w.Version, &w.Definition); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("workflow %q: not found", id)
		}
		return nil, fmt.Errorf("get workflow %s: %w", id, err)
	}
	return &w, nil
}

// FindTriggerWorkflows returns workflows of an organization whose trigger node
// matches the given connector slug and trigger operation.
func (s *Store) FindTriggerWorkflows(ctx context.Context, connectorSlug, triggerOp string) ([]WorkflowRecord, error) {
	// Trigger node types embed the slug and operation: trigger.<slug>.<op>.
	pattern := `%"trigger.` + connectorSlug + `.` + triggerOp + `"%`
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, owner_id, version, definition FROM workflows
		WHERE definition LIKE ?`, pattern)
	if err != nil {
		return nil, fmt.Errorf("find trigger workflows %s.%s: %w", connectorSlug, triggerOp, err)
	}
	defer rows.Close()

	var out []WorkflowRecord
	for rows.Next() {
		var w WorkflowRecord
		if err := rows.Scan(&w.ID, &w.OrgID, &w.OwnerID, &w.Version, &w.Definition); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find trigger workflows: %w", err)
	}
	return out, nil
}
