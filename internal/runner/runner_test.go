package runner

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/appscript-studio/engine/internal/config"
	"github.com/appscript-studio/engine/internal/connector"
	"github.com/appscript-studio/engine/internal/connector/providers"
	"github.com/appscript-studio/engine/internal/errkind"
	"github.com/appscript-studio/engine/internal/events"
	"github.com/appscript-studio/engine/internal/registry"
	"github.com/appscript-studio/engine/internal/store"
	"github.com/appscript-studio/engine/internal/workflow"
)

type fixture struct {
	runner *Runner
	store  *store.Store
	bus    *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus(slog.New(slog.DiscardHandler))
	r := New(Options{
		Store:             st,
		Bus:               bus,
		Logger:            slog.New(slog.DiscardHandler),
		RateCard:          config.RateCard{CostPerAPICallMicros: 100},
		HeartbeatInterval: time.Hour,
	})
	return &fixture{runner: r, store: st, bus: bus}
}

func (f *fixture) exec(t *testing.T, g *workflow.Graph) *store.Execution {
	t.Helper()
	e := &store.Execution{
		ID: "exec-1", WorkflowID: "wf-1", OrgID: "org-1", UserID: "user-1",
		Status: store.ExecQueued, TotalNodes: len(g.Nodes),
		StartedAt: time.Now().UTC(),
	}
	if err := f.store.CreateExecution(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	return e
}

func graph(t *testing.T, nodes []workflow.Node, edges []workflow.Edge) *workflow.Graph {
	t.Helper()
	g, err := workflow.Build(&workflow.Definition{Name: "test", Nodes: nodes, Edges: edges}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func (f *fixture) nodeStatuses(t *testing.T, execID string) map[string]string {
	t.Helper()
	recs, err := f.store.NodeExecutions(context.Background(), execID)
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string]string, len(recs))
	for _, r := range recs {
		out[r.NodeID] = r.Status
	}
	return out
}

func TestRunLinearSuccess(t *testing.T) {
	f := newFixture(t)
	g := graph(t,
		[]workflow.Node{
			{ID: "t", Type: "trigger.slack.message_received"},
			{ID: "a", Type: "control.noop"},
			{ID: "b", Type: "control.noop"},
		},
		[]workflow.Edge{{From: "t", To: "a"}, {From: "a", To: "b"}},
	)
	exec := f.exec(t, g)

	var usage []events.Event
	f.bus.Subscribe(func(e events.Event) {
		if e.Type == events.UsageRecorded {
			usage = append(usage, e)
		}
	})

	terminal, err := f.runner.Run(context.Background(), exec, g, &store.Organization{}, map[string]any{"event": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if terminal != store.ExecSucceeded {
		t.Fatalf("terminal = %q", terminal)
	}

	got, err := f.store.GetExecution(context.Background(), exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.ExecSucceeded || got.CompletedNodes != 3 || got.FailedNodes != 0 {
		t.Errorf("execution = %+v", got)
	}
	if !got.EndedAt.Valid {
		t.Error("terminal execution should have ended_at")
	}

	statuses := f.nodeStatuses(t, exec.ID)
	for _, id := range []string{"t", "a", "b"} {
		if statuses[id] != store.NodeSucceeded {
			t.Errorf("node %s = %q", id, statuses[id])
		}
	}

	if len(usage) != 1 {
		t.Fatalf("usage events = %d", len(usage))
	}
	if usage[0].Counters["workflow_runs"] != 1 || usage[0].Counters["api_calls"] != 0 {
		t.Errorf("usage counters = %v", usage[0].Counters)
	}
}

func TestRunFailureCascadesSkips(t *testing.T) {
	f := newFixture(t)
	g := graph(t,
		[]workflow.Node{
			{ID: "t", Type: "trigger.slack.message_received"},
			{ID: "bad", Type: "control.delay", Params: raw(`{"duration":"not a duration"}`)},
			{ID: "after", Type: "control.noop"},
			{ID: "deeper", Type: "control.noop"},
		},
		[]workflow.Edge{{From: "t", To: "bad"}, {From: "bad", To: "after"}, {From: "after", To: "deeper"}},
	)
	exec := f.exec(t, g)

	terminal, err := f.runner.Run(context.Background(), exec, g, &store.Organization{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if terminal != store.ExecFailed {
		t.Fatalf("terminal = %q", terminal)
	}

	statuses := f.nodeStatuses(t, exec.ID)
	if statuses["bad"] != store.NodeFailed {
		t.Errorf("bad = %q", statuses["bad"])
	}
	if statuses["after"] != store.NodeSkipped || statuses["deeper"] != store.NodeSkipped {
		t.Errorf("descendants should be skipped: %v", statuses)
	}

	got, err := f.store.GetExecution(context.Background(), exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ErrorKind != string(errkind.BadInput) {
		t.Errorf("error kind = %q", got.ErrorKind)
	}
	if got.CompletedNodes != 1 || got.FailedNodes != 1 || got.SkippedNodes != 2 {
		t.Errorf("counters = %+v", got)
	}
}

func TestRunContinueOnError(t *testing.T) {
	f := newFixture(t)
	g := graph(t,
		[]workflow.Node{
			{ID: "t", Type: "trigger.slack.message_received"},
			{ID: "flaky", Type: "control.delay", Params: raw(`{"duration":"bogus"}`), ContinueOnError: true},
			{ID: "after", Type: "control.noop"},
		},
		[]workflow.Edge{{From: "t", To: "flaky"}, {From: "flaky", To: "after"}},
	)
	exec := f.exec(t, g)

	terminal, err := f.runner.Run(context.Background(), exec, g, &store.Organization{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if terminal != store.ExecSucceeded {
		t.Fatalf("tolerated failure must not fail the run, got %q", terminal)
	}

	statuses := f.nodeStatuses(t, exec.ID)
	if statuses["flaky"] != store.NodeFailed {
		t.Errorf("flaky = %q", statuses["flaky"])
	}
	if statuses["after"] != store.NodeSucceeded {
		t.Errorf("downstream of a tolerated failure should still run: %v", statuses)
	}
}

func TestRunBranchFalseSkipsDescendants(t *testing.T) {
	f := newFixture(t)
	g := graph(t,
		[]workflow.Node{
			{ID: "t", Type: "trigger.slack.message_received"},
			{ID: "gate", Type: "control.branch", Params: raw(`{"condition":false}`)},
			{ID: "guarded", Type: "control.noop"},
			{ID: "deeper", Type: "control.noop"},
		},
		[]workflow.Edge{{From: "t", To: "gate"}, {From: "gate", To: "guarded"}, {From: "guarded", To: "deeper"}},
	)
	exec := f.exec(t, g)

	terminal, err := f.runner.Run(context.Background(), exec, g, &store.Organization{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if terminal != store.ExecSucceeded {
		t.Fatalf("a false branch is not a failure, got %q", terminal)
	}

	statuses := f.nodeStatuses(t, exec.ID)
	if statuses["gate"] != store.NodeSucceeded {
		t.Errorf("gate = %q", statuses["gate"])
	}
	if statuses["guarded"] != store.NodeSkipped || statuses["deeper"] != store.NodeSkipped {
		t.Errorf("guarded path should be skipped: %v", statuses)
	}
}

func TestRunBranchBinding(t *testing.T) {
	f := newFixture(t)
	g := graph(t,
		[]workflow.Node{
			{ID: "t", Type: "trigger.slack.message_received"},
			{ID: "gate", Type: "control.branch", Params: raw(`{"condition":"{{nodes.t.output.urgent}}"}`)},
			{ID: "notify", Type: "control.noop"},
		},
		[]workflow.Edge{{From: "t", To: "gate"}, {From: "gate", To: "notify"}},
	)
	exec := f.exec(t, g)

	terminal, err := f.runner.Run(context.Background(), exec, g, &store.Organization{},
		map[string]any{"urgent": true})
	if err != nil {
		t.Fatal(err)
	}
	if terminal != store.ExecSucceeded {
		t.Fatalf("terminal = %q", terminal)
	}
	statuses := f.nodeStatuses(t, exec.ID)
	if statuses["notify"] != store.NodeSucceeded {
		t.Errorf("true condition from trigger output should run the branch: %v", statuses)
	}
}

func TestRunDeadlineTimesOut(t *testing.T) {
	f := newFixture(t)
	g := graph(t,
		[]workflow.Node{
			{ID: "t", Type: "trigger.slack.message_received"},
			{ID: "wait", Type: "control.delay", Params: raw(`{"duration":"5s"}`)},
		},
		[]workflow.Edge{{From: "t", To: "wait"}},
	)
	exec := f.exec(t, g)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	terminal, err := f.runner.Run(ctx, exec, g, &store.Organization{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if terminal != store.ExecTimedOut {
		t.Fatalf("terminal = %q", terminal)
	}

	// Terminal state still lands in the store despite the dead context.
	got, err := f.store.GetExecution(context.Background(), exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.ExecTimedOut {
		t.Errorf("stored status = %q", got.Status)
	}
}

func TestRunDelay(t *testing.T) {
	f := newFixture(t)
	g := graph(t,
		[]workflow.Node{
			{ID: "t", Type: "trigger.slack.message_received"},
			{ID: "pause", Type: "control.delay", Params: raw(`{"duration":"10ms"}`)},
		},
		[]workflow.Edge{{From: "t", To: "pause"}},
	)
	exec := f.exec(t, g)

	start := time.Now()
	terminal, err := f.runner.Run(context.Background(), exec, g, &store.Organization{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if terminal != store.ExecSucceeded {
		t.Fatalf("terminal = %q", terminal)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("delay returned after %v", elapsed)
	}
}

func TestRunPublishesLifecycleEvents(t *testing.T) {
	f := newFixture(t)
	g := graph(t,
		[]workflow.Node{
			{ID: "t", Type: "trigger.slack.message_received"},
			{ID: "a", Type: "control.noop"},
		},
		[]workflow.Edge{{From: "t", To: "a"}},
	)
	exec := f.exec(t, g)

	var types []events.Type
	f.bus.Subscribe(func(e events.Event) { types = append(types, e.Type) })

	if _, err := f.runner.Run(context.Background(), exec, g, &store.Organization{}, nil); err != nil {
		t.Fatal(err)
	}

	count := map[events.Type]int{}
	for _, ty := range types {
		count[ty]++
	}
	if count[events.ExecutionStarted] != 1 || count[events.ExecutionFinished] != 1 {
		t.Errorf("lifecycle events = %v", count)
	}
	// The trigger is satisfied by the inbound event; only "a" runs as a node.
	if count[events.NodeFinished] != 1 {
		t.Errorf("node.finished = %d", count[events.NodeFinished])
	}
	if types[0] != events.ExecutionStarted {
		t.Errorf("first event = %q", types[0])
	}
	if types[len(types)-2] != events.ExecutionFinished || types[len(types)-1] != events.UsageRecorded {
		t.Errorf("tail events = %v", types)
	}
}

func TestRunConnectorNode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var hits atomic.Int64
	var gotCorrelation atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		gotCorrelation.Store(r.Header.Get("X-Correlation-Id"))
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	logger := slog.New(slog.DiscardHandler)
	reg, err := registry.New(ctx, f.store, registry.Catalog(), logger)
	if err != nil {
		t.Fatal(err)
	}
	hc := &http.Client{Timeout: 5 * time.Second}
	client := connector.NewClient([]connector.Provider{&providers.Slack{}}, connector.Options{
		HTTPClient:  hc,
		Credentials: connector.NewCredentialManager(f.store, hc, time.Minute, logger),
		Rates:       connector.NewRateTracker(f.store, logger),
		Retry:       connector.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		Logger:      logger,
	})
	r := New(Options{
		Store: f.store, Registry: reg, Client: client, Bus: f.bus, Logger: logger,
		RateCard: config.RateCard{CostPerAPICallMicros: 100}, HeartbeatInterval: time.Hour,
	})

	if err := f.store.PutConnection(ctx, &store.Connection{
		ID: "conn-slack", ConnectorSlug: "slack", OrgID: "org-1",
		AuthType: store.AuthBearer, AccessToken: "tok", BaseURLOverride: srv.URL,
	}); err != nil {
		t.Fatal(err)
	}

	g := graph(t,
		[]workflow.Node{
			{ID: "t", Type: "trigger.slack.message_received"},
			{ID: "post", Type: "action.slack.post_message", Params: raw(`{"channel":"C1","text":"hi"}`)},
		},
		[]workflow.Edge{{From: "t", To: "post"}},
	)
	exec := &store.Execution{
		ID: "exec-conn", WorkflowID: "wf-1", OrgID: "org-1", UserID: "user-1",
		Status: store.ExecQueued, CorrelationID: "corr-9",
		TotalNodes: len(g.Nodes), StartedAt: time.Now().UTC(),
	}
	if err := f.store.CreateExecution(ctx, exec); err != nil {
		t.Fatal(err)
	}

	terminal, err := r.Run(ctx, exec, g, &store.Organization{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if terminal != store.ExecFailed {
		t.Fatalf("terminal = %q", terminal)
	}
	if hits.Load() != 3 {
		t.Errorf("provider hits = %d, want 3 retried calls", hits.Load())
	}
	if got, _ := gotCorrelation.Load().(string); got != "corr-9" {
		t.Errorf("correlation header = %q", got)
	}

	recs, err := f.store.NodeExecutions(ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, rec := range recs {
		if rec.NodeID != "post" {
			continue
		}
		if rec.Status != store.NodeFailed || rec.Attempts != 3 {
			t.Errorf("post record = status %q attempts %d", rec.Status, rec.Attempts)
		}
		if rec.ErrorKind != string(errkind.ServerError) {
			t.Errorf("post error kind = %q", rec.ErrorKind)
		}
	}
}

func TestTruthy(t *testing.T) {
	cases := []struct {
		in   any
		want bool
	}{
		{true, true}, {false, false},
		{"", false}, {"false", false}, {"FALSE", false}, {"yes", true},
		{float64(0), false}, {float64(1), true},
		{nil, false},
		{map[string]any{}, true},
	}
	for _, tc := range cases {
		if got := truthy(tc.in); got != tc.want {
			t.Errorf("truthy(%#v) = %v", tc.in, got)
		}
	}
}
