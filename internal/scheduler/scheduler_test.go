package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/appscript-studio/engine/internal/config"
	"github.com/appscript-studio/engine/internal/errkind"
	"github.com/appscript-studio/engine/internal/events"
	"github.com/appscript-studio/engine/internal/runner"
	"github.com/appscript-studio/engine/internal/store"
	"github.com/appscript-studio/engine/internal/workflow"
)

type fixture struct {
	sched *Scheduler
	store *store.Store
	bus   *events.Bus
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.DiscardHandler)
	bus := events.NewBus(logger)
	run := runner.New(runner.Options{
		Store: st, Bus: bus, Logger: logger,
		HeartbeatInterval: 20 * time.Millisecond,
	})

	opts.Store = st
	opts.Runner = run
	opts.Bus = bus
	opts.Logger = logger
	if opts.Defaults == (config.OrgLimits{}) {
		opts.Defaults = config.OrgLimits{MaxConcurrent: 8, MaxPerMinute: 100}
	}
	s := New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})
	return &fixture{sched: s, store: st, bus: bus}
}

// delayGraph builds trigger -> delay(d) so a run holds its slot for a while.
func delayGraph(t *testing.T, d string) *workflow.Graph {
	t.Helper()
	g, err := workflow.Build(&workflow.Definition{
		Name: "test",
		Nodes: []workflow.Node{
			{ID: "t", Type: "trigger.slack.message_received"},
			{ID: "wait", Type: "control.delay", Params: json.RawMessage(`{"duration":"` + d + `"}`)},
		},
		Edges: []workflow.Edge{{From: "t", To: "wait"}},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func submission(g *workflow.Graph) Submission {
	return Submission{
		WorkflowID: "wf-1", OrgID: "org-1", UserID: "user-1",
		Graph: g, TriggerEventID: "ev-1", ConnectorSlug: "slack",
	}
}

func waitStatus(t *testing.T, st *store.Store, id, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		e, err := st.GetExecution(context.Background(), id)
		if err == nil && e.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	e, _ := st.GetExecution(context.Background(), id)
	t.Fatalf("execution %s never reached %q, last seen %+v", id, want, e)
}

func putOrg(t *testing.T, st *store.Store, org store.Organization) {
	t.Helper()
	if org.ID == "" {
		org.ID = "org-1"
	}
	if err := st.PutOrganization(context.Background(), &org); err != nil {
		t.Fatal(err)
	}
}

func TestSubmitRunsImmediately(t *testing.T) {
	f := newFixture(t, Options{})
	out, err := f.sched.Submit(context.Background(), submission(delayGraph(t, "1ms")))
	if err != nil {
		t.Fatal(err)
	}
	if out.Queued {
		t.Error("unconstrained submission should not queue")
	}
	waitStatus(t, f.store, out.ExecutionID, store.ExecSucceeded)
}

func TestConcurrencyGateQueuesThenDrains(t *testing.T) {
	f := newFixture(t, Options{Workers: 2})
	putOrg(t, f.store, store.Organization{MaxConcurrent: 1, MaxPerMinute: 100})

	first, err := f.sched.Submit(context.Background(), submission(delayGraph(t, "150ms")))
	if err != nil {
		t.Fatal(err)
	}
	if first.Queued {
		t.Fatal("first submission should run")
	}

	second, err := f.sched.Submit(context.Background(), submission(delayGraph(t, "1ms")))
	if err != nil {
		t.Fatal(err)
	}
	if !second.Queued {
		t.Fatal("second submission should queue behind the concurrency cap")
	}

	waitStatus(t, f.store, first.ExecutionID, store.ExecSucceeded)
	waitStatus(t, f.store, second.ExecutionID, store.ExecSucceeded)
}

func TestMonthlyBudgetRejects(t *testing.T) {
	f := newFixture(t, Options{})
	putOrg(t, f.store, store.Organization{MaxConcurrent: 5, MaxPerMinute: 100, MaxPerMonth: 1})

	first, err := f.sched.Submit(context.Background(), submission(delayGraph(t, "1ms")))
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, f.store, first.ExecutionID, store.ExecSucceeded)

	// Finishing a run does not give the budget back.
	_, err = f.sched.Submit(context.Background(), submission(delayGraph(t, "1ms")))
	if errkind.KindOf(err) != errkind.BudgetExceeded {
		t.Fatalf("second submission err = %v", err)
	}
}

func TestMonthlyBudgetSurvivesRestart(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	putOrg(t, st, store.Organization{MaxConcurrent: 5, MaxPerMinute: 100, MaxPerMonth: 1})

	// A run persisted by a previous process counts against this period.
	if err := st.CreateExecution(context.Background(), &store.Execution{
		ID: "old-1", WorkflowID: "wf-1", OrgID: "org-1", UserID: "u",
		Status: store.ExecSucceeded, StartedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.DiscardHandler)
	bus := events.NewBus(logger)
	s := New(Options{
		Store: st, Bus: bus, Logger: logger,
		Runner: runner.New(runner.Options{Store: st, Bus: bus, Logger: logger}),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	_, err = s.Submit(context.Background(), submission(delayGraph(t, "1ms")))
	if errkind.KindOf(err) != errkind.BudgetExceeded {
		t.Fatalf("budget should be rebuilt from the store, err = %v", err)
	}
}

func TestRateGateRejects(t *testing.T) {
	f := newFixture(t, Options{})
	putOrg(t, f.store, store.Organization{MaxConcurrent: 10, MaxPerMinute: 1})

	first, err := f.sched.Submit(context.Background(), submission(delayGraph(t, "1ms")))
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, f.store, first.ExecutionID, store.ExecSucceeded)

	// The 60s window has not rolled over; the next start is rejected, never
	// queued, and the caller gets a retry hint.
	out, err := f.sched.Submit(context.Background(), submission(delayGraph(t, "1ms")))
	if out != nil {
		t.Fatalf("rate-limited submission must not queue, got %+v", out)
	}
	e := errkind.AsError(err)
	if e == nil || e.Kind != errkind.RateExceeded {
		t.Fatalf("second submission err = %v", err)
	}
	if e.RetryAfter <= 0 {
		t.Errorf("rate rejection should carry a retry hint, got %v", e.RetryAfter)
	}
}

func TestCancelQueued(t *testing.T) {
	f := newFixture(t, Options{})
	putOrg(t, f.store, store.Organization{MaxConcurrent: 1, MaxPerMinute: 100})

	blocker, err := f.sched.Submit(context.Background(), submission(delayGraph(t, "10s")))
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, f.store, blocker.ExecutionID, store.ExecRunning)

	queued, err := f.sched.Submit(context.Background(), submission(delayGraph(t, "1ms")))
	if err != nil || !queued.Queued {
		t.Fatalf("setup: out=%+v err=%v", queued, err)
	}

	if err := f.sched.Cancel(context.Background(), queued.ExecutionID); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, f.store, queued.ExecutionID, store.ExecCancelled)

	if err := f.sched.Cancel(context.Background(), blocker.ExecutionID); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, f.store, blocker.ExecutionID, store.ExecCancelled)
}

func TestCancelRunning(t *testing.T) {
	f := newFixture(t, Options{})
	out, err := f.sched.Submit(context.Background(), submission(delayGraph(t, "10s")))
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, f.store, out.ExecutionID, store.ExecRunning)

	if err := f.sched.Cancel(context.Background(), out.ExecutionID); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, f.store, out.ExecutionID, store.ExecCancelled)
}

func TestCancelImmediatelyAfterSubmit(t *testing.T) {
	f := newFixture(t, Options{})

	// No waiting for the run to show up as running: the cancel handle must be
	// live the moment Submit returns.
	out, err := f.sched.Submit(context.Background(), submission(delayGraph(t, "10s")))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.sched.Cancel(context.Background(), out.ExecutionID); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, f.store, out.ExecutionID, store.ExecCancelled)
}

func TestFailedCreateRollsBackAdmission(t *testing.T) {
	f := newFixture(t, Options{})
	putOrg(t, f.store, store.Organization{MaxConcurrent: 1, MaxPerMinute: 1, MaxPerMonth: 2})

	// A pre-existing row both collides with the next submit and counts one
	// start against this period.
	if err := f.store.CreateExecution(context.Background(), &store.Execution{
		ID: "dup-1", WorkflowID: "wf-1", OrgID: "org-1", UserID: "u",
		Status: store.ExecSucceeded, StartedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	sub := submission(delayGraph(t, "1ms"))
	sub.ExecutionID = "dup-1"
	if _, err := f.sched.Submit(context.Background(), sub); err == nil {
		t.Fatal("duplicate execution id should fail the insert")
	}

	// The failed insert must give back the slot, the rate-window entry, and
	// the monthly start, or this submission gets blocked by phantom usage.
	out, err := f.sched.Submit(context.Background(), submission(delayGraph(t, "1ms")))
	if err != nil {
		t.Fatal(err)
	}
	if out.Queued {
		t.Fatal("admission state not rolled back, submission queued")
	}
	waitStatus(t, f.store, out.ExecutionID, store.ExecSucceeded)
}

func TestCancelTerminalIsBadInput(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.store.CreateExecution(context.Background(), &store.Execution{
		ID: "done-1", WorkflowID: "wf-1", OrgID: "org-1", UserID: "u",
		Status: store.ExecSucceeded, StartedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	err := f.sched.Cancel(context.Background(), "done-1")
	if errkind.KindOf(err) != errkind.BadInput {
		t.Errorf("cancel terminal err = %v", err)
	}

	err = f.sched.Cancel(context.Background(), "no-such-execution")
	if errkind.KindOf(err) != errkind.NotFound {
		t.Errorf("cancel unknown err = %v", err)
	}
}

func TestQueueWaitTimeout(t *testing.T) {
	f := newFixture(t, Options{QueueWaitTimeout: 300 * time.Millisecond})
	putOrg(t, f.store, store.Organization{MaxConcurrent: 1, MaxPerMinute: 100})

	blocker, err := f.sched.Submit(context.Background(), submission(delayGraph(t, "1500ms")))
	if err != nil {
		t.Fatal(err)
	}
	starved, err := f.sched.Submit(context.Background(), submission(delayGraph(t, "1ms")))
	if err != nil || !starved.Queued {
		t.Fatalf("setup: out=%+v err=%v", starved, err)
	}

	waitStatus(t, f.store, starved.ExecutionID, store.ExecFailed)
	e, err := f.store.GetExecution(context.Background(), starved.ExecutionID)
	if err != nil {
		t.Fatal(err)
	}
	if e.ErrorKind != string(errkind.QueueTimeout) {
		t.Errorf("error kind = %q", e.ErrorKind)
	}

	waitStatus(t, f.store, blocker.ExecutionID, store.ExecSucceeded)
}

func TestRecoverSettlesInterruptedRuns(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ctx := context.Background()

	seed := func(id, status string) {
		if err := st.CreateExecution(ctx, &store.Execution{
			ID: id, WorkflowID: "wf-1", OrgID: "org-1", UserID: "u",
			Status: status, StartedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatal(err)
		}
	}
	seed("stale-queued", store.ExecQueued)
	seed("abandoned", store.ExecRunning)
	seed("alive", store.ExecRunning)
	if err := st.Heartbeat(ctx, "alive"); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.DiscardHandler)
	bus := events.NewBus(logger)
	s := New(Options{
		Store: st, Bus: bus, Logger: logger, InterruptWindow: time.Minute,
		Runner: runner.New(runner.Options{Store: st, Bus: bus, Logger: logger}),
	})
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := s.Start(runCtx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	check := func(id, status, kind string) {
		e, err := st.GetExecution(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if e.Status != status || e.ErrorKind != kind {
			t.Errorf("%s = %s/%s, want %s/%s", id, e.Status, e.ErrorKind, status, kind)
		}
	}
	check("stale-queued", store.ExecFailed, string(errkind.QueueTimeout))
	check("abandoned", store.ExecFailed, string(errkind.ServerError))
	check("alive", store.ExecRunning, "")
}

func TestQueueFullRejects(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	putOrg(t, st, store.Organization{MaxConcurrent: 1, MaxPerMinute: 100})

	// No Start: no workers drain the queue, but admitted jobs still dispatch.
	logger := slog.New(slog.DiscardHandler)
	bus := events.NewBus(logger)
	s := New(Options{
		Store: st, Bus: bus, Logger: logger, QueueDepth: 1,
		Runner: runner.New(runner.Options{Store: st, Bus: bus, Logger: logger}),
	})

	blocker, err := s.Submit(context.Background(), submission(delayGraph(t, "10s")))
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, st, blocker.ExecutionID, store.ExecRunning)

	out, err := s.Submit(context.Background(), submission(delayGraph(t, "1ms")))
	if err != nil || !out.Queued {
		t.Fatalf("fill: out=%+v err=%v", out, err)
	}

	_, err = s.Submit(context.Background(), submission(delayGraph(t, "1ms")))
	if errkind.KindOf(err) != errkind.QuotaExceeded {
		t.Fatalf("overflow err = %v", err)
	}

	if err := s.Cancel(context.Background(), blocker.ExecutionID); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, st, blocker.ExecutionID, store.ExecCancelled)
	s.Stop()
}
