package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dukex/agentflow/pkg/contextstore"
	"github.com/dukex/agentflow/pkg/dag"
	"github.com/dukex/agentflow/pkg/eventbus"
	"github.com/dukex/agentflow/pkg/events"
	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/otelhelper"
	"github.com/dukex/agentflow/pkg/saga"
	"github.com/dukex/agentflow/pkg/template"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"
)

// InputsField is the working-memory field holding the input a node ran with.
const InputsField = "inputs"

type edgeState int

const (
	edgePending edgeState = iota
	edgeSatisfied
	edgePruned
	edgeBlocked
)

type readiness int

const (
	waiting readiness = iota
	ready
	skipped
	blocked
)

type nodeRun struct {
	state    models.NodeState
	settled  bool
	launched bool
	txID     string
	flow     models.FlowType
	result   any
	err      error
	kind     models.FailureKind
	lane     *semaphore.Weighted
	started  time.Time
	finished time.Time
}

type completion struct {
	nodeID   string
	out      outcome
	err      error
	finished time.Time
}

// run is the state of one execution. Everything except memory, saga and
// halted is owned by the scheduling goroutine.
type run struct {
	e      *Executor
	id     string
	def    *models.DAGDefinition
	graph  *dag.Graph
	input  map[string]any
	memory *contextstore.Store
	saga   *saga.Manager
	logger *slog.Logger

	nodes    map[string]*nodeRun
	edges    map[string]edgeState
	gates    map[string]models.GateStatus
	branches []models.BranchReport
	warnings []string

	parallel   *semaphore.Weighted
	sequential *semaphore.Weighted
	delegate   *semaphore.Weighted

	inflight  int
	cancelled bool
	aborted   bool
	fatal     error
	handoff   *models.Handoff
	startedAt time.Time

	// halted is set once the run stops scheduling; gates opened afterwards
	// cancel themselves.
	halted atomic.Bool
}

func newRun(e *Executor, id string, def *models.DAGDefinition, input map[string]any) *run {
	r := &run{
		e:          e,
		id:         id,
		def:        def,
		graph:      dag.NewGraph(def),
		input:      input,
		memory:     contextstore.New(),
		logger:     e.logger.With("run_id", id, "dag_id", def.ID),
		nodes:      make(map[string]*nodeRun, len(def.Nodes)),
		edges:      make(map[string]edgeState, len(def.Edges)),
		gates:      make(map[string]models.GateStatus),
		parallel:   semaphore.NewWeighted(int64(e.config.MaxParallel)),
		sequential: semaphore.NewWeighted(1),
		delegate:   semaphore.NewWeighted(int64(e.config.DelegateConcurrency)),
	}

	r.saga = saga.NewManager(id, e.steps, e.store, e.logger)
	r.saga.SetOwner(e.config.WorkerID)

	for _, nodeID := range r.graph.NodeIDs() {
		r.nodes[nodeID] = &nodeRun{state: models.NodeNotStarted}
	}

	return r
}

func (r *run) execute(ctx context.Context) (*models.ExecutionResult, error) {
	r.startedAt = time.Now()

	ctx, span := otelhelper.StartSpan(ctx, r.e.tracer, "workflow.Run",
		attribute.String(otelhelper.RunIDKey, r.id),
		attribute.String(otelhelper.DAGIDKey, r.def.ID),
		attribute.String(otelhelper.DAGNameKey, r.def.Name),
	)
	defer span.End()

	r.logger.InfoContext(ctx, "Starting run", "nodes", len(r.def.Nodes))
	r.publish(ctx, events.RunStarted{BaseEvent: r.base(events.RunStartedEvent), DAGID: r.def.ID})

	r.skipUnreachable()

	completions := make(chan completion)
	done := ctx.Done()

	for {
		if !r.cancelled && ctx.Err() != nil {
			r.markCancelled(ctx)
			done = nil
		}

		r.schedule(ctx, completions)

		if r.inflight == 0 {
			break
		}

		select {
		case c := <-completions:
			r.handle(ctx, c)

			if r.stopped() {
				r.releaseGates(ctx)
			}
		case <-done:
			r.markCancelled(ctx)
			done = nil
		}
	}

	if r.fatal != nil {
		_, err := r.saga.CompensateAll(context.WithoutCancel(ctx))
		if err != nil {
			r.logger.ErrorContext(ctx, "Compensation after fatal error failed", "error", err)
		}

		otelhelper.SetFailure(span, r.fatal, "")
		r.logger.ErrorContext(ctx, "Run aborted", "error", r.fatal)
		r.saveContext(ctx)

		return nil, r.fatal
	}

	r.finish(ctx)

	result := r.result()
	span.SetAttributes(attribute.String(otelhelper.RunStatusKey, string(result.Status)))

	if result.Status == models.RunFailed {
		otelhelper.SetFailure(span, errors.New(result.Error), string(result.Status))
	}

	r.saveContext(ctx)

	if r.e.metrics.RunLatency != nil {
		r.e.metrics.RunLatency.Record(ctx, time.Since(r.startedAt).Seconds(),
			metric.WithAttributes(attribute.String("dag", r.def.ID), attribute.String("status", string(result.Status))))
	}

	r.publish(ctx, events.RunCompleted{
		BaseEvent:         r.base(events.RunCompletedEvent),
		DAGID:             r.def.ID,
		Status:            result.Status,
		Success:           result.Success,
		CompletedBranches: result.CompletedBranches,
		FailedNodes:       failedNodes(result),
		Error:             result.Error,
	})

	r.logger.InfoContext(ctx, "Run finished",
		"status", result.Status,
		"compensations", result.Compensations(),
		"duration", result.FinishedAt.Sub(result.StartedAt))

	return result, nil
}

func (r *run) markCancelled(ctx context.Context) {
	if r.cancelled {
		return
	}

	r.cancelled = true
	r.logger.WarnContext(ctx, "Run cancelled, waiting for in-flight nodes", "in_flight", r.inflight)
}

func (r *run) stopped() bool {
	return r.cancelled || r.aborted || r.handoff != nil || r.fatal != nil
}

// releaseGates cancels the run's open gates once it stopped scheduling, so
// the run ends without waiting for their deadline.
func (r *run) releaseGates(ctx context.Context) {
	if !r.halted.CompareAndSwap(false, true) {
		return
	}

	cancelled := r.e.gates.CancelRun(context.WithoutCancel(ctx), r.id)
	if cancelled > 0 {
		r.logger.InfoContext(ctx, "Cancelled open gates of stopped run", "gates", cancelled)
	}
}

// skipUnreachable settles nodes that cannot be reached from the entry node.
func (r *run) skipUnreachable() {
	reachable := r.graph.Reachable(r.def.EntryNode)

	for _, id := range r.graph.NodeIDs() {
		if !reachable[id] {
			r.settle(id, models.NodeSkipped, edgePruned)
		}
	}
}

func (r *run) settle(id string, state models.NodeState, out edgeState) {
	nr := r.nodes[id]
	nr.state = state
	nr.settled = true

	for _, edge := range r.graph.Outgoing(id) {
		r.edges[edge.ID] = out
	}
}

// readiness applies dead-path elimination: a node runs once every incoming
// edge is resolved, none is blocked and at least one is satisfied.
func (r *run) readiness(id string) readiness {
	if id == r.def.EntryNode {
		return ready
	}

	incoming := r.graph.Incoming(id)
	if len(incoming) == 0 {
		return skipped
	}

	var anySatisfied, anyBlocked bool

	for _, edge := range incoming {
		switch r.edges[edge.ID] {
		case edgePending:
			return waiting
		case edgeSatisfied:
			anySatisfied = true
		case edgeBlocked:
			anyBlocked = true
		case edgePruned:
		}
	}

	switch {
	case anyBlocked:
		return blocked
	case anySatisfied:
		return ready
	default:
		return skipped
	}
}

// propagate settles skipped and blocked nodes until nothing changes.
func (r *run) propagate() {
	for changed := true; changed; {
		changed = false

		for _, id := range r.graph.NodeIDs() {
			nr := r.nodes[id]
			if nr.settled || nr.launched {
				continue
			}

			switch r.readiness(id) {
			case skipped:
				r.settle(id, models.NodeSkipped, edgePruned)
				changed = true
			case blocked:
				r.settle(id, models.NodeNotStarted, edgeBlocked)
				changed = true
			case waiting, ready:
			}
		}
	}
}

func (r *run) priority(id string) int {
	priority := 0

	for i, edge := range r.graph.Incoming(id) {
		if i == 0 || edge.Priority > priority {
			priority = edge.Priority
		}
	}

	return priority
}

func (r *run) sequentialHint(id string) bool {
	for _, edge := range r.graph.Incoming(id) {
		if edge.ExecutionHint == models.HintSequential {
			return true
		}
	}

	return false
}

// schedule launches ready nodes, highest priority first, as far as lane
// capacity allows. Nodes that do not fit stay ready for the next pass.
func (r *run) schedule(ctx context.Context, completions chan<- completion) {
	if r.stopped() {
		return
	}

	r.propagate()

	var candidates []string

	for _, id := range r.graph.NodeIDs() {
		nr := r.nodes[id]
		if !nr.settled && !nr.launched && r.readiness(id) == ready {
			candidates = append(candidates, id)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := r.priority(candidates[i]), r.priority(candidates[j])
		if pi != pj {
			return pi > pj
		}

		return candidates[i] < candidates[j]
	})

	for _, id := range candidates {
		node, _ := r.graph.Node(id)
		flow, gated := r.strategyFor(node)

		lane := r.laneFor(id, flow, gated)
		if lane != nil && !lane.TryAcquire(1) {
			continue
		}

		r.launch(ctx, node, flow, gated, lane, completions)

		if r.fatal != nil {
			return
		}
	}
}

// strategyFor resolves the strategy of a node: gates wait for a human, other
// nodes follow the common flow type of their non-handoff incoming edges.
func (r *run) strategyFor(node *models.Node) (models.FlowType, bool) {
	if node.Type == models.NodeTypeGate {
		return "", true
	}

	incoming := r.graph.Incoming(node.ID)

	for _, edge := range incoming {
		if edge.FlowType != models.FlowContextHandoff {
			return edge.FlowType, false
		}
	}

	switch {
	case node.Coordinator != nil:
		return models.FlowAutonomousDecision, false
	case len(incoming) > 0:
		return models.FlowContextHandoff, false
	default:
		return models.FlowDirectCall, false
	}
}

func (r *run) laneFor(id string, flow models.FlowType, gated bool) *semaphore.Weighted {
	switch {
	case gated, flow == models.FlowContextHandoff:
		return nil
	case flow == models.FlowSDKDelegate:
		return r.delegate
	case r.sequentialHint(id):
		return r.sequential
	default:
		return r.parallel
	}
}

// dependencies returns the transactions of the sources of satisfied edges.
func (r *run) dependencies(id string) []string {
	var deps []string

	seen := map[string]bool{}

	for _, edge := range r.graph.Incoming(id) {
		if r.edges[edge.ID] != edgeSatisfied || seen[edge.From] {
			continue
		}

		seen[edge.From] = true
		deps = append(deps, r.nodes[edge.From].txID)
	}

	return deps
}

func (r *run) launch(ctx context.Context, node *models.Node, flow models.FlowType, gated bool, lane *semaphore.Weighted, completions chan<- completion) {
	release := func() {
		if lane != nil {
			lane.Release(1)
		}
	}

	tx, err := r.saga.Create(ctx, node.ID, r.dependencies(node.ID), node.Compensation, gated)
	if err != nil {
		release()
		r.fatal = err

		return
	}

	err = r.saga.Start(ctx, tx.ID)
	if err != nil {
		release()
		r.fatal = err

		return
	}

	nr := r.nodes[node.ID]
	nr.launched = true
	nr.state = models.NodeRunning
	nr.txID = tx.ID
	nr.flow = flow
	nr.lane = lane
	nr.started = time.Now()

	input := r.stepInput(node.ID)

	err = r.memory.Update(node.ID, map[string]any{InputsField: input})
	if err != nil {
		r.logger.WarnContext(ctx, "Failed to record node inputs", "node_id", node.ID, "error", err)
	}

	r.logger.DebugContext(ctx, "Node started", "node_id", node.ID, "transaction_id", tx.ID, "flow_type", flow, "gated", gated)

	r.publish(ctx, events.NodeStarted{
		BaseEvent:     r.base(events.NodeStartedEvent),
		NodeID:        node.ID,
		TransactionID: tx.ID,
		FlowType:      flow,
	})

	if r.e.metrics.ActiveNodes != nil {
		r.e.metrics.ActiveNodes.Add(ctx, 1)
	}

	r.inflight++

	task := &nodeTask{node: node, flow: flow, gated: gated, tx: tx, input: input}

	go func() {
		completions <- r.runNode(ctx, task)
	}()
}

// stepInput merges the run input, the last results of completed ancestors
// and the slices handed off by context_handoff edges.
func (r *run) stepInput(id string) map[string]any {
	upstream := map[string]any{}

	for ancestor := range r.graph.Ancestors(id) {
		if r.nodes[ancestor].state != models.NodeCompleted {
			continue
		}

		if memory, ok := r.memory.Get(ancestor); ok {
			upstream[ancestor] = memory.LastResult
		}
	}

	input := map[string]any{
		"input":   contextstore.Clone(r.input),
		"context": upstream,
	}

	handoff := map[string]any{}

	for _, edge := range r.graph.Incoming(id) {
		if edge.FlowType != models.FlowContextHandoff || r.edges[edge.ID] != edgeSatisfied {
			continue
		}

		if memory, ok := r.memory.Get(edge.From); ok {
			handoff[edge.From] = slice(memory.LastResult, edge.ContextKeys)
		}
	}

	if len(handoff) > 0 {
		input["handoff"] = handoff
	}

	return input
}

// slice selects keys from a map result; other results pass whole.
func slice(result any, keys []string) any {
	fields, ok := result.(map[string]any)
	if !ok || len(keys) == 0 {
		return result
	}

	selected := make(map[string]any, len(keys))

	for _, key := range keys {
		if value, exists := fields[key]; exists {
			selected[key] = value
		}
	}

	return selected
}

func (r *run) runNode(ctx context.Context, task *nodeTask) (c completion) {
	ctx, span := otelhelper.StartSpan(ctx, r.e.tracer, "workflow.Node",
		attribute.String(otelhelper.RunIDKey, r.id),
		attribute.String(otelhelper.NodeIDKey, task.node.ID),
		attribute.String(otelhelper.NodeTypeKey, string(task.node.Type)),
		attribute.String(otelhelper.FlowTypeKey, string(task.flow)),
		attribute.String(otelhelper.StepRefKey, task.node.StepRef),
		attribute.String(otelhelper.TransactionIDKey, task.tx.ID),
	)
	defer span.End()

	c.nodeID = task.node.ID

	defer func() {
		if recovered := recover(); recovered != nil {
			c.err = &StepExecutionError{NodeID: task.node.ID, StepRef: task.node.StepRef, Message: fmt.Sprintf("panic: %v", recovered)}
		}

		if c.err != nil {
			otelhelper.SetFailure(span, c.err, string(failureKind(c.err)))
		}

		c.finished = time.Now()
	}()

	if task.gated {
		c.out, c.err = gate(ctx, r, task)

		return c
	}

	// in-flight work outlives cancellation; only its own deadline stops it
	c.out, c.err = r.e.strategies[task.flow](context.WithoutCancel(ctx), r, task)

	return c
}

func (r *run) handle(ctx context.Context, c completion) {
	nr := r.nodes[c.nodeID]

	if nr.lane != nil {
		nr.lane.Release(1)
	}

	r.inflight--
	nr.finished = c.finished

	if c.out.gate != "" {
		r.gates[c.nodeID] = c.out.gate
	}

	nodeAttrs := metric.WithAttributes(attribute.String("node", c.nodeID), attribute.String("dag", r.def.ID))

	if r.e.metrics.ActiveNodes != nil {
		r.e.metrics.ActiveNodes.Add(ctx, -1)
	}

	if r.e.metrics.NodeLatency != nil {
		r.e.metrics.NodeLatency.Record(ctx, nr.finished.Sub(nr.started).Seconds(), nodeAttrs)
	}

	if c.err != nil {
		if r.e.metrics.NodeFailures != nil {
			r.e.metrics.NodeFailures.Add(ctx, 1, nodeAttrs)
		}

		r.fail(ctx, c.nodeID, c.err)

		return
	}

	if r.e.metrics.NodeSuccesses != nil {
		r.e.metrics.NodeSuccesses.Add(ctx, 1, nodeAttrs)
	}

	r.complete(ctx, c.nodeID, c.out)
}

func (r *run) complete(ctx context.Context, id string, out outcome) {
	nr := r.nodes[id]

	err := r.saga.Complete(ctx, nr.txID)
	if err != nil {
		r.fatal = err

		return
	}

	nr.state = models.NodeCompleted
	nr.settled = true
	nr.result = out.result

	r.memory.Record(id, out.result)
	r.resolveOutgoing(ctx, id, out)

	if out.handoff != nil {
		r.handoff = out.handoff
		r.logger.InfoContext(ctx, "Coordinator handed off", "node_id", id, "target", out.handoff.Target)
	}

	r.logger.DebugContext(ctx, "Node completed", "node_id", id, "transaction_id", nr.txID)

	r.publish(ctx, events.NodeCompleted{
		BaseEvent:     r.base(events.NodeCompletedEvent),
		NodeID:        id,
		TransactionID: nr.txID,
		DurationMs:    nr.finished.Sub(nr.started).Milliseconds(),
	})
}

// resolveOutgoing evaluates edge conditions against the source result.
// Conditionless edges out of a validation node follow the predicate.
func (r *run) resolveOutgoing(ctx context.Context, id string, out outcome) {
	var completed map[string]any

	for _, edge := range r.graph.Outgoing(id) {
		satisfied := true

		switch {
		case edge.Condition != "":
			if completed == nil {
				completed = r.completedResults()
			}

			ok, err := template.EvaluateCondition(edge.Condition, template.ConditionData{
				Result:  out.result,
				Input:   r.input,
				Context: completed,
			})
			if err != nil {
				r.logger.ErrorContext(ctx, "Edge condition failed to evaluate, pruning edge",
					"edge_id", edge.ID, "condition", edge.Condition, "error", err)
			}

			satisfied = ok
		case r.nodes[id].flow == models.FlowValidation:
			satisfied = out.passed
		}

		if satisfied {
			r.edges[edge.ID] = edgeSatisfied
		} else {
			r.edges[edge.ID] = edgePruned
		}
	}
}

func (r *run) completedResults() map[string]any {
	results := map[string]any{}

	for id, nr := range r.nodes {
		if nr.state == models.NodeCompleted {
			results[id] = nr.result
		}
	}

	return results
}

func (r *run) fail(ctx context.Context, id string, cause error) {
	nr := r.nodes[id]

	err := r.saga.Fail(ctx, nr.txID, cause)
	if err != nil {
		r.fatal = err

		return
	}

	nr.state = models.NodeFailed
	nr.settled = true
	nr.err = cause
	nr.kind = failureKind(cause)

	for _, edge := range r.graph.Outgoing(id) {
		r.edges[edge.ID] = edgeBlocked
	}

	r.memory.MarkError(id, cause.Error())

	r.logger.WarnContext(ctx, "Node failed",
		"node_id", id,
		"transaction_id", nr.txID,
		"failure_kind", nr.kind,
		"error", cause)

	r.publish(ctx, events.NodeFailed{
		BaseEvent:     r.base(events.NodeFailedEvent),
		NodeID:        id,
		TransactionID: nr.txID,
		FailureKind:   nr.kind,
		Error:         cause.Error(),
	})

	report := models.BranchReport{
		FailedNode: id,
		Nodes:      r.branchNodes(nr.txID),
		Error:      cause.Error(),
	}

	switch {
	case r.stopped():
	case r.e.config.BranchFailurePolicy == PolicyAbort:
		r.aborted = true
		r.logger.WarnContext(ctx, "Aborting run after branch failure", "node_id", id)
	default:
		unwind, err := r.saga.CompensateBranch(context.WithoutCancel(ctx), nr.txID)
		if err != nil {
			r.logger.ErrorContext(ctx, "Branch compensation incomplete", "node_id", id, "error", err)
		}

		report.Compensated = r.applyUnwind(ctx, unwind)
		report.Deferred = r.nodeIDs(unwind.Deferred)

		r.publish(ctx, events.BranchCompensated{
			BaseEvent:   r.base(events.BranchCompensatedEvent),
			FailedNode:  id,
			Compensated: report.Compensated,
			Deferred:    report.Deferred,
			Records:     unwind.Records,
		})
	}

	r.branches = append(r.branches, report)
}

// branchNodes lists the failed node and its transitive dependencies in
// topological order.
func (r *run) branchNodes(txID string) []string {
	nodes := r.nodeIDs(r.saga.BranchStatus(txID).Members)
	r.graph.SortTopological(nodes)

	return nodes
}

func (r *run) nodeIDs(txIDs []string) []string {
	nodes := make([]string, 0, len(txIDs))

	for _, txID := range txIDs {
		if tx, ok := r.saga.Get(txID); ok {
			nodes = append(nodes, tx.NodeID)
		}
	}

	return nodes
}

// applyUnwind marks unwound nodes compensated and blocks their outgoing edges.
func (r *run) applyUnwind(ctx context.Context, unwind saga.UnwindResult) []string {
	nodes := r.nodeIDs(unwind.Compensated)

	for _, id := range nodes {
		r.nodes[id].state = models.NodeCompensated

		for _, edge := range r.graph.Outgoing(id) {
			r.edges[edge.ID] = edgeBlocked
		}
	}

	executed := int64(0)

	for _, record := range unwind.Records {
		if record.Executed {
			executed++
		}
	}

	if executed > 0 && r.e.metrics.Compensations != nil {
		r.e.metrics.Compensations.Add(ctx, executed, metric.WithAttributes(attribute.String("dag", r.def.ID)))
	}

	return nodes
}

// finish resolves outstanding compensation once nothing is in flight:
// everything on cancel or abort, otherwise the deferred ancestors that no
// completed exit depends on.
func (r *run) finish(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)

	var (
		unwind saga.UnwindResult
		err    error
	)

	if r.cancelled || r.aborted {
		unwind, err = r.saga.CompensateAll(ctx)
	} else {
		keep := r.deliveredNodes()
		unwind, err = r.saga.Settle(ctx, func(tx models.Transaction) bool { return keep[tx.NodeID] })
	}

	if err != nil {
		r.logger.ErrorContext(ctx, "Compensation incomplete", "error", err)
	}

	compensated := r.applyUnwind(ctx, unwind)
	if len(compensated) == 0 {
		return
	}

	unwound := make(map[string]bool, len(compensated))
	for _, id := range compensated {
		unwound[id] = true
	}

	for i := range r.branches {
		for _, id := range r.branches[i].Nodes {
			if unwound[id] {
				r.branches[i].Compensated = append(r.branches[i].Compensated, id)
			}
		}
	}

	r.publish(ctx, events.BranchCompensated{
		BaseEvent:   r.base(events.BranchCompensatedEvent),
		Compensated: compensated,
		Records:     unwind.Records,
	})
}

// deliveredNodes returns every completed exit together with its ancestors.
func (r *run) deliveredNodes() map[string]bool {
	delivered := map[string]bool{}

	for _, exit := range r.def.ExitNodes {
		nr, ok := r.nodes[exit]
		if !ok || nr.state != models.NodeCompleted {
			continue
		}

		delivered[exit] = true

		for ancestor := range r.graph.Ancestors(exit) {
			delivered[ancestor] = true
		}
	}

	return delivered
}

func (r *run) base(eventType events.EventType) events.BaseEvent {
	base := events.NewBaseEvent(eventType, r.id)
	base.WorkerID = r.e.config.WorkerID

	return base
}

func (r *run) publish(ctx context.Context, event eventbus.Event) {
	eventbus.Notify(context.WithoutCancel(ctx), r.e.publisher, r.logger, r.id, event)
}

// saveContext persists the context snapshot, which marks the run finished,
// and then drops the run manifest.
func (r *run) saveContext(ctx context.Context) {
	defer r.memory.Clear()
	defer r.e.gates.Forget(r.id)

	if r.e.store == nil {
		return
	}

	err := r.memory.Save(context.WithoutCancel(ctx), r.e.store, r.id)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to persist context snapshot", "error", err)

		return
	}

	r.saga.Discard(ctx)
}

func failureKind(err error) models.FailureKind {
	var timeout *TimeoutError

	switch {
	case errors.As(err, &timeout) && timeout.Stage != "":
		return models.FailureExpired
	case errors.As(err, &timeout):
		return models.FailureTimeout
	case errors.Is(err, ErrGateRejected):
		return models.FailureRejected
	case errors.Is(err, ErrCancelled):
		return models.FailureCancelled
	default:
		return models.FailureStep
	}
}
