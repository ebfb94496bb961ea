// Package runner executes one admitted workflow run to a terminal state. It
// advances the graph as a wavefront: every node whose parents are done runs
// as soon as a parallelism slot frees up, failures cascade skips to
// descendants, and each node's result is persisted as it lands.
package runner

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/appscript-studio/engine/internal/config"
	"github.com/appscript-studio/engine/internal/connector"
	"github.com/appscript-studio/engine/internal/errkind"
	"github.com/appscript-studio/engine/internal/events"
	"github.com/appscript-studio/engine/internal/registry"
	"github.com/appscript-studio/engine/internal/store"
	"github.com/appscript-studio/engine/internal/workflow"
)

// Runner executes workflow graphs.
type Runner struct {
	store    *store.Store
	reg      *registry.Registry
	client   *connector.Client
	bus      *events.Bus
	logger   *slog.Logger
	rateCard config.RateCard
	// MaxNodeParallelism is the engine-wide ceiling; the per-workflow width
	// never exceeds it.
	maxNodeParallelism int
	heartbeatInterval  time.Duration
}

// Options wires a Runner.
type Options struct {
	Store              *store.Store
	Registry           *registry.Registry
	Client             *connector.Client
	Bus                *events.Bus
	Logger             *slog.Logger
	RateCard           config.RateCard
	MaxNodeParallelism int
	HeartbeatInterval  time.Duration
}

func New(opts Options) *Runner {
	r := &Runner{
		store:              opts.Store,
		reg:                opts.Registry,
		client:             opts.Client,
		bus:                opts.Bus,
		logger:             opts.Logger,
		rateCard:           opts.RateCard,
		maxNodeParallelism: opts.MaxNodeParallelism,
		heartbeatInterval:  opts.HeartbeatInterval,
	}
	if r.maxNodeParallelism <= 0 {
		r.maxNodeParallelism = 8
	}
	if r.heartbeatInterval <= 0 {
		r.heartbeatInterval = 10 * time.Second
	}
	return r
}

// nodeResult is what a node goroutine reports back to the loop.
type nodeResult struct {
	nodeID   string
	status   string
	output   any
	attempts int
	err      error
	started  time.Time
	ended    time.Time
	// branchFalse marks a branch node that evaluated false: descendants are
	// skipped but the run stays healthy.
	branchFalse bool
}

// Run drives exec to a terminal state and returns that state. The error
// return is for infrastructure faults (store writes), not node failures.
func (r *Runner) Run(ctx context.Context, exec *store.Execution, g *workflow.Graph, org *store.Organization, triggerOutput any) (string, error) {
	logger := r.logger.With("execution", exec.ID, "workflow", exec.WorkflowID, "org", exec.OrgID)

	if err := r.store.UpdateExecutionStatus(ctx, exec.ID, store.ExecRunning, ""); err != nil {
		return "", err
	}
	r.bus.Publish(events.Event{
		Type: events.ExecutionStarted, OrgID: exec.OrgID, UserID: exec.UserID,
		ExecutionID: exec.ID, WorkflowID: exec.WorkflowID,
	})

	hbCtx, stopHB := context.WithCancel(context.WithoutCancel(ctx))
	go r.heartbeat(hbCtx, exec.ID)
	defer stopHB()

	st := &runState{
		status:  make(map[string]string, len(g.Nodes)),
		outputs: make(workflow.Outputs, len(g.Nodes)),
	}
	for id := range g.Nodes {
		st.status[id] = store.NodePending
	}

	// The trigger node is satisfied by the event that admitted the run.
	now := time.Now().UTC()
	st.finish(g.TriggerID, store.NodeSucceeded, triggerOutput)
	r.persistNode(ctx, exec.ID, &nodeResult{
		nodeID: g.TriggerID, status: store.NodeSucceeded,
		output: triggerOutput, started: now, ended: now,
	}, g.Nodes[g.TriggerID])

	width := g.Width()
	if width > r.maxNodeParallelism {
		width = r.maxNodeParallelism
	}

	done := make(chan *nodeResult)
	inflight := 0
	apiCalls := int64(0)
	totalCost := int64(0)

	launch := func(n *workflow.Node) {
		st.status[n.ID] = store.NodeRunning
		inflight++
		go func() {
			done <- r.runNode(ctx, exec, g, org, n, st.snapshot())
		}()
	}

	for {
		if ctx.Err() == nil {
			for _, n := range st.ready(g) {
				if inflight >= width {
					break
				}
				launch(n)
			}
		}
		if inflight == 0 {
			break
		}

		res := <-done
		inflight--
		node := g.Nodes[res.nodeID]
		st.finish(res.nodeID, res.status, res.output)
		r.persistNode(ctx, exec.ID, res, node)

		apiCalls += int64(res.attempts)
		totalCost += int64(res.attempts) * r.rateCard.CostPerAPICallMicros

		kind := ""
		if res.err != nil {
			kind = string(errkind.KindOf(res.err))
		}
		_, slug, _, _ := registry.ResolveType(node.Type)
		r.bus.Publish(events.Event{
			Type: events.NodeFinished, OrgID: exec.OrgID, UserID: exec.UserID,
			ExecutionID: exec.ID, WorkflowID: exec.WorkflowID, NodeID: res.nodeID,
			Connector: slug, Operation: node.Type, Status: res.status,
			ErrorKind: kind, Duration: res.ended.Sub(res.started),
		})

		if res.status == store.NodeFailed && !node.ContinueOnError {
			st.recordError(kind)
			r.cascadeSkips(ctx, exec.ID, g, st, res.nodeID)
		}
		if res.branchFalse {
			r.cascadeSkips(ctx, exec.ID, g, st, res.nodeID)
		}
	}

	// Anything still pending was stranded by cancellation or cascade.
	for id, s := range st.status {
		if s == store.NodePending {
			st.status[id] = store.NodeSkipped
			r.persistNode(ctx, exec.ID, &nodeResult{nodeID: id, status: store.NodeSkipped}, g.Nodes[id])
		}
	}

	terminal := st.terminalStatus(ctx, g)
	completed, failed, skipped := st.tally()

	// Terminal writes survive the execution context being cancelled.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.store.UpdateExecutionCounters(fctx, exec.ID, completed, failed, skipped); err != nil {
		logger.Error("persist counters", "error", err)
	}
	errKind := ""
	if terminal == store.ExecFailed {
		errKind = st.firstErrorKind
	}
	if err := r.store.UpdateExecutionStatus(fctx, exec.ID, terminal, errKind); err != nil {
		return "", err
	}
	if err := r.store.DeleteHeartbeat(fctx, exec.ID); err != nil {
		logger.Warn("delete heartbeat", "error", err)
	}

	r.bus.Publish(events.Event{
		Type: events.ExecutionFinished, OrgID: exec.OrgID, UserID: exec.UserID,
		ExecutionID: exec.ID, WorkflowID: exec.WorkflowID, Status: terminal, ErrorKind: errKind,
	})
	r.bus.Publish(events.Event{
		Type: events.UsageRecorded, OrgID: exec.OrgID, UserID: exec.UserID,
		ExecutionID: exec.ID, WorkflowID: exec.WorkflowID,
		Counters: map[string]int64{
			"workflow_runs": 1,
			"api_calls":     apiCalls,
			"cost_micros":   totalCost,
		},
	})

	logger.Info("execution finished", "status", terminal,
		"completed", completed, "failed", failed, "skipped", skipped, "api_calls", apiCalls)
	return terminal, nil
}

// runNode executes one node. Errors are encoded in the result, never
// returned as a goroutine panic.
func (r *Runner) runNode(ctx context.Context, exec *store.Execution, g *workflow.Graph, org *store.Organization, n *workflow.Node, outs workflow.Outputs) *nodeResult {
	res := &nodeResult{nodeID: n.ID, started: time.Now().UTC()}
	defer func() { res.ended = time.Now().UTC() }()

	r.bus.Publish(events.Event{
		Type: events.NodeStarted, OrgID: exec.OrgID, UserID: exec.UserID,
		ExecutionID: exec.ID, NodeID: n.ID, Operation: n.Type,
	})

	params, err := resolveParamsMap(n.Params, outs)
	if err != nil {
		return res.fail(err)
	}

	kind, slug, opID, err := registry.ResolveType(n.Type)
	if err != nil {
		return res.fail(err)
	}

	if kind == "control" {
		return r.runControl(ctx, res, opID, params)
	}

	warn, err := r.reg.CheckExecutable(slug, org.BetaOptIn)
	if err != nil {
		return res.fail(err)
	}
	if warn {
		r.bus.Publish(events.Event{
			Type: events.ConnectorWarning, OrgID: exec.OrgID, ExecutionID: exec.ID,
			NodeID: n.ID, Connector: slug,
			Detail: map[string]any{"reason": "deprecated"},
		})
	}

	if sch, err := r.reg.ParamsSchema(slug, opID); err != nil {
		return res.fail(err)
	} else if sch != nil {
		var doc any
		raw, _ := json.Marshal(params)
		if err := json.Unmarshal(raw, &doc); err == nil {
			if err := sch.Validate(doc); err != nil {
				return res.fail(errkind.Wrap(errkind.SchemaViolation, err,
					"params for %s rejected by schema", n.Type))
			}
		}
	}

	conn, err := r.connection(ctx, exec.OrgID, slug, n.ConnectionID)
	if err != nil {
		return res.fail(err)
	}

	callCtx := connector.WithCorrelationID(ctx, exec.CorrelationID)
	if d, _ := r.reg.Get(slug); d != nil {
		if op := d.Operation(opID); op != nil && !op.SupportsCancel {
			// In-flight provider calls complete even if the run is
			// cancelled, so external side effects are never half-made.
			callCtx = context.WithoutCancel(callCtx)
		}
	}

	out, err := r.client.Execute(callCtx, conn, opID, params)
	if err != nil {
		res.attempts = 1
		if e := errkind.AsError(err); e != nil && e.Attempts > 0 {
			res.attempts = e.Attempts
		}
		return res.fail(err)
	}
	res.attempts = out.Meta.Attempts
	res.status = store.NodeSucceeded
	res.output = out.Data
	return res
}

func (r *Runner) runControl(ctx context.Context, res *nodeResult, op string, params map[string]any) *nodeResult {
	switch op {
	case "noop", "merge":
		res.status = store.NodeSucceeded
		res.output = map[string]any{}
	case "delay":
		dur, _ := params["duration"].(string)
		d, err := time.ParseDuration(dur)
		if err != nil {
			return res.fail(errkind.New(errkind.BadInput, "delay: invalid duration %q", dur))
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return res.fail(ctx.Err())
		case <-timer.C:
		}
		res.status = store.NodeSucceeded
		res.output = map[string]any{"delayed": dur}
	case "branch":
		cond := truthy(params["condition"])
		res.status = store.NodeSucceeded
		res.output = map[string]any{"result": cond}
		res.branchFalse = !cond
	default:
		return res.fail(errkind.New(errkind.UnknownOperation, "unknown control operation %q", op))
	}
	return res
}

// connection resolves which credential a node uses.
func (r *Runner) connection(ctx context.Context, orgID, slug, connectionID string) (*store.Connection, error) {
	if connectionID != "" {
		conn, err := r.store.GetConnection(ctx, connectionID)
		if err != nil {
			return nil, errkind.Wrap(errkind.NotFound, err, "node connection")
		}
		if conn.OrgID != orgID {
			return nil, errkind.New(errkind.Forbidden, "connection %s belongs to another organization", connectionID)
		}
		return conn, nil
	}
	conn, err := r.store.FindConnection(ctx, orgID, slug)
	if err != nil {
		return nil, errkind.Wrap(errkind.NotFound, err, "no connection for connector %q", slug)
	}
	return conn, nil
}

// cascadeSkips settles the descendants of a failed or false-branch node:
// each one lands in the store as skipped, same as any other terminal node
// status.
func (r *Runner) cascadeSkips(ctx context.Context, execID string, g *workflow.Graph, st *runState, from string) {
	for _, id := range st.skipDescendants(g, from) {
		r.persistNode(ctx, execID, &nodeResult{nodeID: id, status: store.NodeSkipped}, g.Nodes[id])
	}
}

func (r *Runner) persistNode(ctx context.Context, execID string, res *nodeResult, n *workflow.Node) {
	rec := &store.NodeExecution{
		ExecutionID: execID,
		NodeID:      res.nodeID,
		Status:      res.status,
		Attempts:    res.attempts,
	}
	if n != nil && len(n.Params) > 0 {
		rec.Input = string(n.Params)
	}
	if res.output != nil {
		if raw, err := json.Marshal(res.output); err == nil {
			rec.Output = string(raw)
		}
	}
	if res.err != nil {
		rec.Error = res.err.Error()
		rec.ErrorKind = string(errkind.KindOf(res.err))
	}
	if !res.started.IsZero() {
		rec.StartedAt.Time, rec.StartedAt.Valid = res.started, true
	}
	if !res.ended.IsZero() {
		rec.EndedAt.Time, rec.EndedAt.Valid = res.ended, true
		rec.DurationMS = res.ended.Sub(res.started).Milliseconds()
	}
	rec.CostMicros = int64(res.attempts) * r.rateCard.CostPerAPICallMicros

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.store.PutNodeExecution(pctx, rec); err != nil {
		r.logger.Error("persist node execution", "execution", execID, "node", res.nodeID, "error", err)
	}
}

func (r *Runner) heartbeat(ctx context.Context, execID string) {
	t := time.NewTicker(r.heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := r.store.Heartbeat(ctx, execID); err != nil {
				r.logger.Warn("heartbeat", "execution", execID, "error", err)
			}
		}
	}
}

func (res *nodeResult) fail(err error) *nodeResult {
	res.status = store.NodeFailed
	res.err = err
	return res
}

// resolveParamsMap resolves bindings and decodes the params object.
func resolveParamsMap(raw json.RawMessage, outs workflow.Outputs) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	resolved, err := workflow.ResolveParams(raw, outs)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(resolved, &m); err != nil {
		return nil, errkind.Wrap(errkind.BadInput, err, "node params must be an object")
	}
	return m, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && !strings.EqualFold(t, "false")
	case float64:
		return t != 0
	case nil:
		return false
	default:
		return true
	}
}

// runState tracks per-node progress during one run. Only the loop goroutine
// mutates it; node goroutines receive an output snapshot.
type runState struct {
	mu             sync.Mutex
	status         map[string]string
	outputs        workflow.Outputs
	firstErrorKind string
}

func (st *runState) finish(id, status string, output any) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.status[id] = status
	if status == store.NodeSucceeded && output != nil {
		st.outputs[id] = output
	}
}

// ready returns pending nodes whose parents are all settled successfully
// (or failed with continueOnError, in which case the child sees no output).
func (st *runState) ready(g *workflow.Graph) []*workflow.Node {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []*workflow.Node
	for id, s := range st.status {
		if s != store.NodePending {
			continue
		}
		ok := true
		for _, p := range g.Parents[id] {
			ps := st.status[p]
			if ps == store.NodeSucceeded {
				continue
			}
			if ps == store.NodeFailed && g.Nodes[p].ContinueOnError {
				continue
			}
			ok = false
			break
		}
		if ok {
			out = append(out, g.Nodes[id])
		}
	}
	return out
}

// skipDescendants marks every pending descendant of id skipped and returns
// the ids it changed.
func (st *runState) skipDescendants(g *workflow.Graph, id string) []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	var skipped []string
	var rec func(string)
	rec = func(cur string) {
		for _, c := range g.Children[cur] {
			if st.status[c] == store.NodePending {
				st.status[c] = store.NodeSkipped
				skipped = append(skipped, c)
			}
			rec(c)
		}
	}
	rec(id)
	return skipped
}

func (st *runState) snapshot() workflow.Outputs {
	st.mu.Lock()
	defer st.mu.Unlock()
	cp := make(workflow.Outputs, len(st.outputs))
	for k, v := range st.outputs {
		cp[k] = v
	}
	return cp
}

func (st *runState) tally() (completed, failed, skipped int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, s := range st.status {
		switch s {
		case store.NodeSucceeded:
			completed++
		case store.NodeFailed:
			failed++
		case store.NodeSkipped:
			skipped++
		}
	}
	return
}

// terminalStatus decides the run's terminal state. Failures on nodes marked
// continueOnError do not fail the run.
func (st *runState) terminalStatus(ctx context.Context, g *workflow.Graph) string {
	if ctx.Err() == context.DeadlineExceeded {
		return store.ExecTimedOut
	}
	if ctx.Err() == context.Canceled {
		return store.ExecCancelled
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for id, s := range st.status {
		if s == store.NodeFailed && !g.Nodes[id].ContinueOnError {
			return store.ExecFailed
		}
	}
	return store.ExecSucceeded
}

// firstErrorKind is captured when a node fails; keep it here so terminal
// status reporting has a stable kind.
func (st *runState) recordError(kind string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.firstErrorKind == "" {
		st.firstErrorKind = kind
	}
}
