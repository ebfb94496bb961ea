// Package scheduler admits, queues, and dispatches workflow executions under
// per-organization quotas: a concurrency cap, a sliding 60s start-rate cap,
// and a monthly budget. Admission uses reserve-then-rollback so a burst of
// concurrent submissions can never overshoot a limit.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/appscript-studio/engine/internal/config"
	"github.com/appscript-studio/engine/internal/errkind"
	"github.com/appscript-studio/engine/internal/events"
	"github.com/appscript-studio/engine/internal/runner"
	"github.com/appscript-studio/engine/internal/store"
	"github.com/appscript-studio/engine/internal/workflow"
)

// rateWindow is the sliding window for the start-rate gate.
const rateWindow = 60 * time.Second

// Submission is a request to run a workflow for one trigger event.
type Submission struct {
	// ExecutionID presets the run's id; ingestion claims the dedup record
	// under this id before submitting. Empty means generate one.
	ExecutionID    string
	WorkflowID     string
	OrgID          string
	UserID         string
	Graph          *workflow.Graph
	TriggerEventID string
	CorrelationID  string
	ConnectorSlug  string
	TriggerOutput  any
	Tags           []string
}

// Outcome reports how a submission was handled.
type Outcome struct {
	ExecutionID string
	Queued      bool
}

// Scheduler owns admission and the worker pool.
type Scheduler struct {
	store  *store.Store
	runner *runner.Runner
	bus    *events.Bus
	logger *slog.Logger

	workers          int
	queueDepth       int
	queueWaitTimeout time.Duration
	executionTimeout time.Duration
	interruptWindow  time.Duration
	defaults         config.OrgLimits

	queue chan *job

	mu      sync.Mutex
	orgs    map[string]*orgState
	cancels map[string]context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

type job struct {
	sub      Submission
	exec     *store.Execution
	org      *store.Organization
	enqueued time.Time
	// runCtx and cancel are set at admission, before the execution is
	// visible as running, so Cancel always finds a live handle.
	runCtx context.Context
	cancel context.CancelFunc
}

// orgState is the in-memory admission state for one organization.
type orgState struct {
	limits store.Organization
	// running counts admitted, not-yet-finished executions.
	running int
	// starts is the ring of admission times inside the rate window.
	starts []time.Time
	// monthStarts counts admissions in the current billing period.
	monthStarts int
	periodKey   string
}

// Options wires a Scheduler.
type Options struct {
	Store            *store.Store
	Runner           *runner.Runner
	Bus              *events.Bus
	Logger           *slog.Logger
	Workers          int
	QueueDepth       int
	QueueWaitTimeout time.Duration
	ExecutionTimeout time.Duration
	InterruptWindow  time.Duration
	Defaults         config.OrgLimits
}

func New(opts Options) *Scheduler {
	s := &Scheduler{
		store:            opts.Store,
		runner:           opts.Runner,
		bus:              opts.Bus,
		logger:           opts.Logger,
		workers:          opts.Workers,
		queueDepth:       opts.QueueDepth,
		queueWaitTimeout: opts.QueueWaitTimeout,
		executionTimeout: opts.ExecutionTimeout,
		interruptWindow:  opts.InterruptWindow,
		defaults:         opts.Defaults,
		orgs:             make(map[string]*orgState),
		cancels:          make(map[string]context.CancelFunc),
		stopped:          make(chan struct{}),
	}
	if s.workers <= 0 {
		s.workers = 4
	}
	if s.queueDepth <= 0 {
		s.queueDepth = 64
	}
	if s.queueWaitTimeout <= 0 {
		s.queueWaitTimeout = 10 * time.Minute
	}
	if s.executionTimeout <= 0 {
		s.executionTimeout = 5 * time.Minute
	}
	if s.interruptWindow <= 0 {
		s.interruptWindow = time.Minute
	}
	s.queue = make(chan *job, s.queueDepth)
	return s
}

// Start recovers interrupted executions and launches the worker pool.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.recover(ctx); err != nil {
		return err
	}
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	return nil
}

// Stop drains the pool. In-flight executions finish; queued jobs are failed
// as queue timeouts on the next start.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
	s.wg.Wait()
}

// Submit runs the admission gates and either dispatches, queues, or rejects.
func (s *Scheduler) Submit(ctx context.Context, sub Submission) (*Outcome, error) {
	org, err := s.organization(ctx, sub.OrgID)
	if err != nil {
		return nil, err
	}

	admitted, reason, err := s.tryAdmit(ctx, org)
	if err != nil {
		return nil, err
	}
	// Only the concurrency gate queues. A blocked rate or monthly gate is a
	// rejection the caller retries later, not a queue entry.
	if !admitted && reason != "concurrent" {
		return nil, reason2err(reason, org)
	}

	execID := sub.ExecutionID
	if execID == "" {
		execID = uuid.NewString()
	}
	exec := &store.Execution{
		ID:             execID,
		WorkflowID:     sub.WorkflowID,
		OrgID:          sub.OrgID,
		UserID:         sub.UserID,
		TriggerEventID: sub.TriggerEventID,
		CorrelationID:  sub.CorrelationID,
		ConnectorSlug:  sub.ConnectorSlug,
		TotalNodes:     len(sub.Graph.Nodes),
		Tags:           sub.Tags,
		StartedAt:      time.Now().UTC(),
	}
	if admitted {
		exec.Status = store.ExecRunning
	} else {
		exec.Status = store.ExecQueued
	}
	j := &job{sub: sub, exec: exec, org: org, enqueued: time.Now()}
	if admitted {
		j.runCtx, j.cancel = s.register(exec.ID)
	}
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		if admitted {
			j.cancel()
			s.unregister(exec.ID)
			s.rollbackAdmission(sub.OrgID)
		}
		return nil, err
	}

	if admitted {
		s.dispatch(j)
		return &Outcome{ExecutionID: exec.ID}, nil
	}

	select {
	case s.queue <- j:
		s.bus.Publish(events.Event{
			Type: events.ExecutionQueued, OrgID: sub.OrgID, UserID: sub.UserID,
			ExecutionID: exec.ID, WorkflowID: sub.WorkflowID,
		})
		s.logger.Info("execution queued", "execution", exec.ID, "org", sub.OrgID)
		return &Outcome{ExecutionID: exec.ID, Queued: true}, nil
	default:
		_ = s.store.UpdateExecutionStatus(ctx, exec.ID, store.ExecFailed, string(errkind.QuotaExceeded))
		return nil, errkind.New(errkind.QuotaExceeded,
			"execution queue full (%d waiting)", s.queueDepth).WithData(quotaData("queue", org))
	}
}

// Cancel aborts a running execution or fails a queued one.
func (s *Scheduler) Cancel(ctx context.Context, executionID string) error {
	s.mu.Lock()
	cancel, running := s.cancels[executionID]
	s.mu.Unlock()
	if running {
		cancel()
		return nil
	}

	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return errkind.Wrap(errkind.NotFound, err, "cancel")
	}
	if exec.Status == store.ExecQueued {
		// The worker that eventually picks it up sees the terminal status
		// and drops it.
		return s.store.UpdateExecutionStatus(ctx, executionID, store.ExecCancelled, string(errkind.Cancelled))
	}
	if store.TerminalExecStatus(exec.Status) {
		return errkind.New(errkind.BadInput, "execution %s already %s", executionID, exec.Status)
	}
	return errkind.New(errkind.NotFound, "execution %s is not running on this instance", executionID)
}

// dispatch hands an admitted job straight to the pool, bypassing the gates
// the caller already passed.
func (s *Scheduler) dispatch(j *job) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(j)
	}()
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopped:
			return
		case <-ctx.Done():
			return
		case j := <-s.queue:
			s.runQueued(ctx, j)
		}
	}
}

// runQueued waits for admission capacity, then executes. A job that waits
// past the queue timeout fails with queue_timeout.
func (s *Scheduler) runQueued(ctx context.Context, j *job) {
	deadline := j.enqueued.Add(s.queueWaitTimeout)
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()

	for {
		cur, err := s.store.GetExecution(ctx, j.exec.ID)
		if err == nil && store.TerminalExecStatus(cur.Status) {
			return // cancelled while queued
		}

		admitted, reason, err := s.tryAdmit(ctx, j.org)
		if err != nil {
			s.logger.Error("admission check", "execution", j.exec.ID, "error", err)
		}
		if admitted {
			j.runCtx, j.cancel = s.register(j.exec.ID)
			_ = s.store.UpdateExecutionStatus(ctx, j.exec.ID, store.ExecRunning, "")
			s.execute(j)
			return
		}
		if reason == "month" {
			_ = s.store.UpdateExecutionStatus(ctx, j.exec.ID, store.ExecFailed, string(errkind.BudgetExceeded))
			return
		}

		if time.Now().After(deadline) {
			_ = s.store.UpdateExecutionStatus(ctx, j.exec.ID, store.ExecFailed, string(errkind.QueueTimeout))
			s.bus.Publish(events.Event{
				Type: events.ExecutionFinished, OrgID: j.sub.OrgID, UserID: j.sub.UserID,
				ExecutionID: j.exec.ID, Status: store.ExecFailed,
				ErrorKind: string(errkind.QueueTimeout),
			})
			s.logger.Warn("queued execution timed out", "execution", j.exec.ID, "org", j.sub.OrgID)
			return
		}

		select {
		case <-s.stopped:
			return
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

// register creates the run context for an admitted execution and exposes its
// cancel handle. Called before the execution becomes visible as running.
func (s *Scheduler) register(execID string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), s.executionTimeout)
	s.mu.Lock()
	s.cancels[execID] = cancel
	s.mu.Unlock()
	return ctx, cancel
}

func (s *Scheduler) unregister(execID string) {
	s.mu.Lock()
	delete(s.cancels, execID)
	s.mu.Unlock()
}

// execute runs an admitted job and releases the concurrency slot afterwards.
func (s *Scheduler) execute(j *job) {
	defer s.release(j.sub.OrgID)
	defer func() {
		j.cancel()
		s.unregister(j.exec.ID)
	}()

	if _, err := s.runner.Run(j.runCtx, j.exec, j.sub.Graph, j.org, j.sub.TriggerOutput); err != nil {
		s.logger.Error("execution infrastructure failure", "execution", j.exec.ID, "error", err)
	}
}

// tryAdmit reserves a start slot. It returns (false, reason, nil) when a
// gate rejects; reason is "month", "rate", or "concurrent".
func (s *Scheduler) tryAdmit(ctx context.Context, org *store.Organization) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.orgStateLocked(ctx, org)
	if err != nil {
		return false, "", err
	}
	now := time.Now()

	// Roll the billing period when it changed.
	pk := store.PeriodKey(now, org.PeriodAnchorDay)
	if pk != st.periodKey {
		st.periodKey = pk
		st.monthStarts = 0
	}

	if st.limits.MaxPerMonth > 0 && st.monthStarts >= st.limits.MaxPerMonth {
		return false, "month", nil
	}
	if st.limits.MaxConcurrent > 0 && st.running >= st.limits.MaxConcurrent {
		return false, "concurrent", nil
	}
	st.trimRing(now)
	if st.limits.MaxPerMinute > 0 && len(st.starts) >= st.limits.MaxPerMinute {
		return false, "rate", nil
	}

	st.running++
	st.starts = append(st.starts, now)
	st.monthStarts++
	return true, "", nil
}

func (s *Scheduler) release(orgID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.orgs[orgID]; ok && st.running > 0 {
		st.running--
	}
}

// rollbackAdmission undoes the full reservation made by tryAdmit when the
// admitted execution never started: the slot, its ring entry, and the
// monthly count all come back.
func (s *Scheduler) rollbackAdmission(orgID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.orgs[orgID]
	if !ok {
		return
	}
	if st.running > 0 {
		st.running--
	}
	if n := len(st.starts); n > 0 {
		st.starts = st.starts[:n-1]
	}
	if st.monthStarts > 0 {
		st.monthStarts--
	}
}

func (st *orgState) trimRing(now time.Time) {
	cut := 0
	for cut < len(st.starts) && now.Sub(st.starts[cut]) >= rateWindow {
		cut++
	}
	st.starts = st.starts[cut:]
}

// orgStateLocked builds admission state on first sight of an org, rebuilding
// the monthly counter from the store so restarts do not reset budgets.
func (s *Scheduler) orgStateLocked(ctx context.Context, org *store.Organization) (*orgState, error) {
	st, ok := s.orgs[org.ID]
	if ok {
		return st, nil
	}
	now := time.Now()
	pk := store.PeriodKey(now, org.PeriodAnchorDay)
	n, err := s.store.CountMonthlyStarts(ctx, org.ID, periodStart(now, org.PeriodAnchorDay))
	if err != nil {
		return nil, err
	}
	st = &orgState{limits: *org, monthStarts: n, periodKey: pk}
	s.orgs[org.ID] = st
	return st, nil
}

// organization loads the org row, falling back to configured defaults for
// orgs that have no explicit limits.
func (s *Scheduler) organization(ctx context.Context, orgID string) (*store.Organization, error) {
	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if org == nil {
		org = &store.Organization{
			ID:            orgID,
			MaxConcurrent: s.defaults.MaxConcurrent,
			MaxPerMinute:  s.defaults.MaxPerMinute,
			MaxPerMonth:   s.defaults.MaxPerMonth,
		}
	}
	return org, nil
}

// recover settles executions left non-terminal by a previous process. Runs
// with a heartbeat inside the interrupt window may still be owned by another
// instance and are left alone.
func (s *Scheduler) recover(ctx context.Context) error {
	execs, err := s.store.NonTerminalExecutions(ctx)
	if err != nil {
		return err
	}
	for _, e := range execs {
		switch e.Status {
		case store.ExecQueued:
			_ = s.store.UpdateExecutionStatus(ctx, e.ID, store.ExecFailed, string(errkind.QueueTimeout))
			s.logger.Warn("dropped stale queued execution", "execution", e.ID)
		case store.ExecRunning:
			beat, err := s.store.LastHeartbeat(ctx, e.ID)
			if err != nil {
				return err
			}
			if time.Since(beat) < s.interruptWindow {
				continue
			}
			_ = s.store.UpdateExecutionStatus(ctx, e.ID, store.ExecFailed, string(errkind.ServerError))
			_ = s.store.DeleteHeartbeat(ctx, e.ID)
			s.logger.Warn("failed interrupted execution", "execution", e.ID, "last_heartbeat", beat)
		}
	}
	return nil
}

// Depth reports current queue occupancy for health output.
func (s *Scheduler) Depth() int { return len(s.queue) }

// RunningCount reports admitted executions across all orgs.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.orgs {
		n += st.running
	}
	return n
}

func reason2err(reason string, org *store.Organization) error {
	switch reason {
	case "month":
		return errkind.New(errkind.BudgetExceeded,
			"organization %s exhausted its monthly run budget", org.ID).WithData(quotaData("month", org))
	case "rate":
		return errkind.New(errkind.RateExceeded,
			"organization %s exceeded its start rate", org.ID).WithRetryAfter(rateWindow).WithData(quotaData("rate", org))
	default:
		return errkind.New(errkind.ConcurrentExceeded,
			"organization %s is at its concurrency limit", org.ID).WithData(quotaData("concurrent", org))
	}
}

func quotaData(gate string, org *store.Organization) map[string]any {
	return map[string]any{
		"gate":          gate,
		"maxConcurrent": org.MaxConcurrent,
		"maxPerMinute":  org.MaxPerMinute,
		"maxPerMonth":   org.MaxPerMonth,
	}
}

// periodStart returns the UTC start of the billing period containing t.
func periodStart(t time.Time, anchorDay int) time.Time {
	t = t.UTC()
	if anchorDay <= 0 || anchorDay > 28 {
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	if t.Day() < anchorDay {
		t = t.AddDate(0, -1, 0)
	}
	return time.Date(t.Year(), t.Month(), anchorDay, 0, 0, 0, 0, time.UTC)
}
