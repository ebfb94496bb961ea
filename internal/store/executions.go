package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Execution statuses. Terminal statuses never change again.
const (
	ExecQueued    = "queued"
	ExecRunning   = "running"
	ExecSucceeded = "succeeded"
	ExecFailed    = "failed"
	ExecCancelled = "cancelled"
	ExecTimedOut  = "timed-out"
)

// Node execution statuses.
const (
	NodePending   = "pending"
	NodeReady     = "ready"
	NodeRunning   = "running"
	NodeSucceeded = "succeeded"
	NodeFailed    = "failed"
	NodeSkipped   = "skipped"
)

// TerminalExecStatus reports whether status is one of the execution terminal
// states.
func TerminalExecStatus(status string) bool {
	switch status {
	case ExecSucceeded, ExecFailed, ExecCancelled, ExecTimedOut:
		return true
	}
	return false
}

// Execution is one attempt to run a workflow for one trigger event.
type Execution struct {
	ID             string
	WorkflowID     string
	OrgID          string
	UserID         string
	Status         string
	TriggerEventID string
	CorrelationID  string
	ConnectorSlug  string
	ErrorKind      string
	TotalNodes     int
	CompletedNodes int
	FailedNodes    int
	SkippedNodes   int
	Tags           []string
	StartedAt      time.Time
	EndedAt        sql.NullTime
	CreatedAt      time.Time
}

// NodeExecution is the per-node record within an execution.
type NodeExecution struct {
	ExecutionID string
	NodeID      string
	Status      string
	Attempts    int
	Input       string
	Output      string
	Error       string
	ErrorKind   string
	StartedAt   sql.NullTime
	EndedAt     sql.NullTime
	DurationMS  int64
	CostMicros  int64
	TokensUsed  int64
	CacheHit    bool
}

const executionColumns = `id, workflow_id, org_id, user_id, status, trigger_event_id,
	correlation_id, connector_slug, error_kind, total_nodes, completed_nodes,
	failed_nodes, skipped_nodes, tags, started_at, ended_at, created_at`

// CreateExecution records a newly admitted execution.
func (s *Store) CreateExecution(ctx context.Context, e *Execution) error {
	tags, err := json.Marshal(e.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, workflow_id, org_id, user_id, status, trigger_event_id,
			correlation_id, connector_slug, total_nodes, tags, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.WorkflowID, e.OrgID, e.UserID, e.Status, e.TriggerEventID,
		e.CorrelationID, e.ConnectorSlug, e.TotalNodes, string(tags), e.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("create execution %s: %w", e.ID, err)
	}
	return nil
}

// GetExecution loads one execution by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("execution %q: not found", id)
		}
		return nil, err
	}
	return e, nil
}

// UpdateExecutionStatus moves an execution to a new status. Terminal statuses
// also set ended_at and the error kind.
func (s *Store) UpdateExecutionStatus(ctx context.Context, id, status, errorKind string) error {
	var err error
	if TerminalExecStatus(status) {
		_, err = s.db.ExecContext(ctx, `
			UPDATE executions SET status = ?, error_kind = ?, ended_at = datetime('now')
			WHERE id = ?`, status, errorKind, id)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE executions SET status = ? WHERE id = ?`, status, id)
	}
	if err != nil {
		return fmt.Errorf("update execution %s status: %w", id, err)
	}
	return nil
}

// UpdateExecutionCounters writes the node tallies.
func (s *Store) UpdateExecutionCounters(ctx context.Context, id string, completed, failed, skipped int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE executions SET completed_nodes = ?, failed_nodes = ?, skipped_nodes = ?
		WHERE id = ?`, completed, failed, skipped, id)
	if err != nil {
		return fmt.Errorf("update execution %s counters: %w", id, err)
	}
	return nil
}

// NonTerminalExecutions returns executions still marked queued or running,
// used to reconstruct scheduler state after a restart.
func (s *Store) NonTerminalExecutions(ctx context.Context) ([]Execution, error) {
	return s.queryExecutions(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE status IN (?, ?)`,
		ExecQueued, ExecRunning)
}

// SearchExecutions implements the runs-search surface with optional filters
// and offset paging.
type ExecutionSearch struct {
	Status    string
	Connector string
	From      time.Time
	To        time.Time
	Page      int
	PageSize  int
}

// ExecutionFacets summarizes counts per status and per connector for the
// matching rows, ignoring paging.
type ExecutionFacets struct {
	Status    map[string]int
	Connector map[string]int
}

// SearchExecutions returns one page of matching executions plus the total and
// facet counts.
func (s *Store) SearchExecutions(ctx context.Context, q ExecutionSearch) ([]Execution, int, *ExecutionFacets, error) {
	where := []string{"1=1"}
	var args []any
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, q.Status)
	}
	if q.Connector != "" {
		where = append(where, "connector_slug = ?")
		args = append(args, q.Connector)
	}
	if !q.From.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, q.From.UTC())
	}
	if !q.To.IsZero() {
		where = append(where, "started_at <= ?")
		args = append(args, q.To.UTC())
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, nil, fmt.Errorf("search executions count: %w", err)
	}

	facets := &ExecutionFacets{Status: map[string]int{}, Connector: map[string]int{}}
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, connector_slug, COUNT(*) FROM executions WHERE `+cond+
			` GROUP BY status, connector_slug`, args...)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("search executions facets: %w", err)
	}
	for rows.Next() {
		var status, slug string
		var n int
		if err := rows.Scan(&status, &slug, &n); err != nil {
			rows.Close()
			return nil, 0, nil, fmt.Errorf("scan facet: %w", err)
		}
		facets.Status[status] += n
		if slug != "" {
			facets.Connector[slug] += n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, nil, fmt.Errorf("search executions facets: %w", err)
	}

	if q.PageSize <= 0 {
		q.PageSize = 50
	}
	if q.Page <= 0 {
		q.Page = 1
	}
	pageArgs := append(args, q.PageSize, (q.Page-1)*q.PageSize)
	execs, err := s.queryExecutions(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE `+cond+
			` ORDER BY started_at DESC LIMIT ? OFFSET ?`, pageArgs...)
	if err != nil {
		return nil, 0, nil, err
	}
	return execs, total, facets, nil
}

func (s *Store) queryExecutions(ctx context.Context, query string, args ...any) ([]Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var execs []Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		execs = append(execs, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	return execs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(sc rowScanner) (*Execution, error) {
	var e Execution
	var tagsJSON string
	if err := sc.Scan(
		&e.ID, &e.WorkflowID, &e.OrgID, &e.UserID, &e.Status, &e.TriggerEventID,
		&e.CorrelationID, &e.ConnectorSlug, &e.ErrorKind, &e.TotalNodes,
		&e.CompletedNodes, &e.FailedNodes, &e.SkippedNodes, &tagsJSON,
		&e.StartedAt, &e.EndedAt, &e.CreatedAt,
	); err != nil {
		return nil, err
	}
	if tagsJSON != "" {
		if err := json.Unmarshal([]byte(tagsJSON), &e.Tags); err != nil {
			return nil, fmt.Errorf("invalid tags JSON: %w", err)
		}
	}
	return &e, nil
}

// PutNodeExecution inserts or replaces the per-node record.
func (s *Store) PutNodeExecution(ctx context.Context, n *NodeExecution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_executions (execution_id, node_id, status, attempts, input, output,
			error, error_kind, started_at, ended_at, duration_ms, cost_micros, tokens_used, cache_hit)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, node_id) DO UPDATE SET
			status = excluded.status, attempts = excluded.attempts,
			input = excluded.input, output = excluded.output,
			error = excluded.error, error_kind = excluded.error_kind,
			started_at = excluded.started_at, ended_at = excluded.ended_at,
			duration_ms = excluded.duration_ms, cost_micros = excluded.cost_micros,
			tokens_used = excluded.tokens_used, cache_hit = excluded.cache_hit`,
		n.ExecutionID, n.NodeID, n.Status, n.Attempts, n.Input, n.Output,
		n.Error, n.ErrorKind, n.StartedAt, n.EndedAt, n.DurationMS,
		n.CostMicros, n.TokensUsed, n.CacheHit)
	if err != nil {
		return fmt.Errorf("put node execution %s/%s: %w", n.ExecutionID, n.NodeID, err)
	}
	return nil
}

// NodeExecutions returns all per-node records of one execution.
func (s *Store) NodeExecutions(ctx context.Context, executionID string) ([]NodeExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, node_id, status, attempts, input, output, error, error_kind,
			started_at, ended_at, duration_ms, cost_micros, tokens_used, cache_hit
		FROM node_executions WHERE execution_id = ?`, executionID)
	if err != nil {
		return nil, fmt.Errorf("node executions %s: %w", executionID, err)
	}
	defer rows.Close()

	var nodes []NodeExecution
	for rows.Next() {
		var n NodeExecution
		if err := rows.Scan(&n.ExecutionID, &n.NodeID, &n.Status, &n.Attempts, &n.Input,
			&n.Output, &n.Error, &n.ErrorKind, &n.StartedAt, &n.EndedAt,
			&n.DurationMS, &n.CostMicros, &n.TokensUsed, &n.CacheHit); err != nil {
			return nil, fmt.Errorf("scan node execution: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("node executions %s: %w", executionID, err)
	}
	return nodes, nil
}

// Heartbeat records runner liveness for an execution.
func (s *Store) Heartbeat(ctx context.Context, executionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runner_heartbeats (execution_id, beat_at) VALUES (?, datetime('now'))
		ON CONFLICT(execution_id) DO UPDATE SET beat_at = datetime('now')`, executionID)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", executionID, err)
	}
	return nil
}

// LastHeartbeat returns the most recent heartbeat for an execution, or a zero
// time when none was recorded.
func (s *Store) LastHeartbeat(ctx context.Context, executionID string) (time.Time, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT beat_at FROM runner_heartbeats WHERE execution_id = ?`, executionID)
	var t time.Time
	if err := row.Scan(&t); err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("last heartbeat %s: %w", executionID, err)
	}
	return t, nil
}

// DeleteHeartbeat removes the heartbeat row once an execution terminates.
func (s *Store) DeleteHeartbeat(ctx context.Context, executionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM runner_heartbeats WHERE execution_id = ?`, executionID); err != nil {
		return fmt.Errorf("delete heartbeat %s: %w", executionID, err)
	}
	return nil
}
