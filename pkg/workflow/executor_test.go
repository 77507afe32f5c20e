package workflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dukex/agentflow/pkg/contextstore"
	"github.com/dukex/agentflow/pkg/dag"
	"github.com/dukex/agentflow/pkg/eventbus"
	"github.com/dukex/agentflow/pkg/events"
	"github.com/dukex/agentflow/pkg/log"
	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/persistence/file"
	"github.com/dukex/agentflow/pkg/registry"
	"github.com/dukex/agentflow/pkg/testutil"
	"github.com/dukex/agentflow/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, event eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, event)

	return nil
}

func (p *recordingPublisher) count(eventType events.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	count := 0

	for _, event := range p.events {
		if event.GetType() == eventType {
			count++
		}
	}

	return count
}

// compensations counts compensation calls per node.
type compensations struct {
	mu    sync.Mutex
	nodes []string
}

func (c *compensations) Compensate(_ context.Context, tx models.Transaction, _ models.CompensationAction) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nodes = append(c.nodes, tx.NodeID)

	return nil
}

func (c *compensations) calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.nodes...)
}

type harness struct {
	registry      *registry.Registry
	compensations *compensations
	publisher     *recordingPublisher
}

func newHarness(steps map[string]*testutil.RecordingStep) *harness {
	h := &harness{
		registry:      registry.NewRegistry(log.Discard()),
		compensations: &compensations{},
		publisher:     &recordingPublisher{},
	}

	for ref, step := range steps {
		h.registry.RegisterStep(ref, step)
	}

	h.registry.RegisterCompensator("svc", h.compensations)

	return h
}

func (h *harness) executor(t *testing.T, opts ...workflow.Option) *workflow.Executor {
	t.Helper()

	opts = append([]workflow.Option{workflow.WithPublisher(h.publisher)}, opts...)

	executor, err := workflow.NewExecutor(h.registry, log.Discard(), opts...)
	require.NoError(t, err)

	return executor
}

func compensated() func(*models.Node) {
	return testutil.WithCompensation("svc", models.CompensateCleanupResources)
}

func TestExecutor_LinearRunThreadsContext(t *testing.T) {
	t.Parallel()

	a := testutil.StaticStep(map[string]any{"draft": "v1"})
	b := testutil.StaticStep(map[string]any{"review": "ok"})
	c := &testutil.RecordingStep{}
	h := newHarness(map[string]*testutil.RecordingStep{"A": a, "B": b, "C": c})

	result, err := h.executor(t).Run(context.Background(), testutil.LinearDAG("A", "B", "C"), map[string]any{"topic": "solar"})
	require.NoError(t, err)

	assert.Equal(t, models.RunSucceeded, result.Status)
	assert.True(t, result.Success)
	assert.Equal(t, [][]string{{"A", "B", "C"}}, result.CompletedBranches)
	assert.Empty(t, result.FailedBranches)

	require.Equal(t, 1, c.Calls())
	input := c.Tasks()[0].Input

	assert.Equal(t, map[string]any{"topic": "solar"}, input["input"])
	assert.Equal(t, map[string]any{
		"A": map[string]any{"draft": "v1"},
		"B": map[string]any{"review": "ok"},
	}, input["context"])

	assert.Contains(t, result.Outputs, "C")
	assert.Equal(t, map[string]any{"review": "ok"}, result.Context["B"].LastResult)

	assert.Equal(t, 1, h.publisher.count(events.RunStartedEvent))
	assert.Equal(t, 3, h.publisher.count(events.NodeCompletedEvent))
	assert.Equal(t, 1, h.publisher.count(events.RunCompletedEvent))
}

func TestExecutor_FailedNodeCompensatesBranch(t *testing.T) {
	t.Parallel()

	c := &testutil.RecordingStep{}
	h := newHarness(map[string]*testutil.RecordingStep{
		"A": testutil.StaticStep("a"),
		"B": testutil.FailingStep("boom"),
		"C": c,
	})

	def := testutil.CreateTestDAG(
		[]models.Node{
			testutil.CreateTestNode("A", compensated()),
			testutil.CreateTestNode("B", compensated()),
			testutil.CreateTestNode("C"),
		},
		[]models.Edge{testutil.CreateTestEdge("A", "B"), testutil.CreateTestEdge("B", "C")},
	)

	result, err := h.executor(t).Run(context.Background(), def, nil)
	require.NoError(t, err)

	assert.Equal(t, models.RunFailed, result.Status)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "boom")

	assert.Equal(t, []string{"A"}, h.compensations.calls())
	assert.Equal(t, models.NodeCompensated, result.Nodes["A"].State)
	assert.Equal(t, models.NodeFailed, result.Nodes["B"].State)
	assert.Equal(t, models.FailureStep, result.Nodes["B"].FailureKind)
	assert.Equal(t, models.NodeNotStarted, result.Nodes["C"].State)
	assert.Zero(t, c.Calls())

	require.Len(t, result.FailedBranches, 1)
	assert.Equal(t, "B", result.FailedBranches[0].FailedNode)
	assert.Equal(t, []string{"A", "B"}, result.FailedBranches[0].Nodes)
	assert.Equal(t, []string{"A"}, result.FailedBranches[0].Compensated)

	require.Len(t, result.CompensationReport, 1)
	assert.Equal(t, "A", result.CompensationReport[0].NodeID)
	assert.True(t, result.CompensationReport[0].Executed)
	assert.Equal(t, 1, result.Compensations())

	assert.Equal(t, 1, h.publisher.count(events.NodeFailedEvent))
	assert.Equal(t, 1, h.publisher.count(events.BranchCompensatedEvent))
}

func TestExecutor_StructuralErrorReturnsNoResult(t *testing.T) {
	t.Parallel()

	a := &testutil.RecordingStep{}
	h := newHarness(map[string]*testutil.RecordingStep{"A": a, "B": a})

	def := testutil.LinearDAG("A", "B")
	def.Edges = append(def.Edges, testutil.CreateTestEdge("B", "A"))

	result, err := h.executor(t).Run(context.Background(), def, nil)

	require.Error(t, err)
	require.ErrorIs(t, err, dag.ErrStructural)
	assert.Nil(t, result)
	assert.Zero(t, a.Calls())
	assert.Zero(t, h.publisher.count(events.RunStartedEvent))
}

// barrier releases its waiters once n of them arrived, or fails them after
// a second.
type barrier struct {
	mu      sync.Mutex
	arrived int
	n       int
	open    chan struct{}
}

func newBarrier(n int) *barrier {
	return &barrier{n: n, open: make(chan struct{})}
}

func (b *barrier) step(result any) *testutil.RecordingStep {
	return &testutil.RecordingStep{Fn: func(context.Context, models.TaskDescriptor) (models.StepResult, error) {
		b.mu.Lock()
		b.arrived++
		if b.arrived == b.n {
			close(b.open)
		}
		b.mu.Unlock()

		select {
		case <-b.open:
			return models.StepResult{Success: true, Result: result}, nil
		case <-time.After(time.Second):
			return models.StepResult{Success: false, Error: "siblings did not run concurrently"}, nil
		}
	}}
}

func TestExecutor_DiamondRunsBranchesInParallel(t *testing.T) {
	t.Parallel()

	join := &testutil.RecordingStep{}
	b := newBarrier(2)
	h := newHarness(map[string]*testutil.RecordingStep{
		"A": testutil.StaticStep("a"),
		"B": b.step("b"),
		"C": b.step("c"),
		"D": join,
	})

	def := testutil.CreateTestDAG(
		[]models.Node{
			testutil.CreateTestNode("A"),
			testutil.CreateTestNode("B"),
			testutil.CreateTestNode("C"),
			testutil.CreateTestNode("D"),
		},
		[]models.Edge{
			testutil.CreateTestEdge("A", "B"),
			testutil.CreateTestEdge("A", "C"),
			testutil.CreateTestEdge("B", "D"),
			testutil.CreateTestEdge("C", "D"),
		},
	)

	result, err := h.executor(t).Run(context.Background(), def, nil)
	require.NoError(t, err)

	assert.Equal(t, models.RunSucceeded, result.Status)
	require.Equal(t, 1, join.Calls())
	assert.Equal(t, map[string]any{"A": "a", "B": "b", "C": "c"}, join.Tasks()[0].Input["context"])
	assert.Equal(t, [][]string{{"A", "B", "C", "D"}}, result.CompletedBranches)
}

func TestExecutor_SequentialHintSerializesSiblings(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		running int
		peak    int
	)

	tracked := func() *testutil.RecordingStep {
		return &testutil.RecordingStep{Fn: func(context.Context, models.TaskDescriptor) (models.StepResult, error) {
			mu.Lock()
			running++
			peak = max(peak, running)
			mu.Unlock()

			time.Sleep(20 * time.Millisecond)

			mu.Lock()
			running--
			mu.Unlock()

			return models.StepResult{Success: true, Result: "done"}, nil
		}}
	}

	h := newHarness(map[string]*testutil.RecordingStep{
		"A": testutil.StaticStep("a"),
		"B": tracked(),
		"C": tracked(),
		"D": tracked(),
	})

	sequential := testutil.WithHint(models.HintSequential)
	def := testutil.CreateTestDAG(
		[]models.Node{
			testutil.CreateTestNode("A"),
			testutil.CreateTestNode("B"),
			testutil.CreateTestNode("C"),
			testutil.CreateTestNode("D"),
		},
		[]models.Edge{
			testutil.CreateTestEdge("A", "B", sequential),
			testutil.CreateTestEdge("A", "C", sequential),
			testutil.CreateTestEdge("A", "D", sequential),
		},
		testutil.WithExits("B", "C", "D"),
	)

	result, err := h.executor(t).Run(context.Background(), def, nil)
	require.NoError(t, err)

	assert.Equal(t, models.RunSucceeded, result.Status)
	assert.Equal(t, 1, peak)
	assert.Len(t, result.Outputs, 3)
}

func TestExecutor_PriorityOrdersReadyNodes(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		order []string
	)

	ordered := func(id string) *testutil.RecordingStep {
		return &testutil.RecordingStep{Fn: func(context.Context, models.TaskDescriptor) (models.StepResult, error) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()

			return models.StepResult{Success: true, Result: id}, nil
		}}
	}

	h := newHarness(map[string]*testutil.RecordingStep{
		"A":    testutil.StaticStep("a"),
		"low":  ordered("low"),
		"high": ordered("high"),
		"mid":  ordered("mid"),
	})

	def := testutil.CreateTestDAG(
		[]models.Node{
			testutil.CreateTestNode("A"),
			testutil.CreateTestNode("low"),
			testutil.CreateTestNode("high"),
			testutil.CreateTestNode("mid"),
		},
		[]models.Edge{
			testutil.CreateTestEdge("A", "low", testutil.WithPriority(1)),
			testutil.CreateTestEdge("A", "high", testutil.WithPriority(9)),
			testutil.CreateTestEdge("A", "mid", testutil.WithPriority(5)),
		},
		testutil.WithExits("low", "high", "mid"),
	)

	config := workflow.DefaultConfig()
	config.MaxParallel = 1

	result, err := h.executor(t, workflow.WithConfig(config)).Run(context.Background(), def, nil)
	require.NoError(t, err)

	assert.Equal(t, models.RunSucceeded, result.Status)
	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestExecutor_NodeTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(map[string]*testutil.RecordingStep{
		"A": testutil.StaticStep("a"),
		"B": {Delay: time.Second},
	})

	def := testutil.CreateTestDAG(
		[]models.Node{testutil.CreateTestNode("A"), testutil.CreateTestNode("B", testutil.WithTimeout(50))},
		[]models.Edge{testutil.CreateTestEdge("A", "B")},
	)

	started := time.Now()
	result, err := h.executor(t).Run(context.Background(), def, nil)
	require.NoError(t, err)

	assert.Less(t, time.Since(started), 900*time.Millisecond)
	assert.Equal(t, models.RunFailed, result.Status)
	assert.Equal(t, models.FailureTimeout, result.Nodes["B"].FailureKind)
	assert.Contains(t, result.Nodes["B"].Error, "timed out")
}

func TestExecutor_DelegateUsesLongerDeadline(t *testing.T) {
	t.Parallel()

	h := newHarness(map[string]*testutil.RecordingStep{
		"A":     testutil.StaticStep("a"),
		"agent": {Delay: 80 * time.Millisecond},
	})

	def := testutil.CreateTestDAG(
		[]models.Node{testutil.CreateTestNode("A"), testutil.CreateTestNode("agent")},
		[]models.Edge{testutil.CreateTestEdge("A", "agent", testutil.WithFlow(models.FlowSDKDelegate))},
	)

	config := workflow.DefaultConfig()
	config.NodeTimeout = 20 * time.Millisecond
	config.DelegateTimeout = time.Second

	result, err := h.executor(t, workflow.WithConfig(config)).Run(context.Background(), def, nil)
	require.NoError(t, err)

	assert.Equal(t, models.RunSucceeded, result.Status)
}

func TestExecutor_DeadEndFailureIsPartial(t *testing.T) {
	t.Parallel()

	h := newHarness(map[string]*testutil.RecordingStep{
		"A":      testutil.StaticStep("a"),
		"audit":  {Delay: 10 * time.Millisecond, Fn: testutil.FailingStep("audit down").Fn},
		"report": {Delay: 50 * time.Millisecond},
	})

	def := testutil.CreateTestDAG(
		[]models.Node{
			testutil.CreateTestNode("A", compensated()),
			testutil.CreateTestNode("audit"),
			testutil.CreateTestNode("report"),
		},
		[]models.Edge{testutil.CreateTestEdge("A", "audit"), testutil.CreateTestEdge("A", "report")},
		testutil.WithExits("report"),
	)

	result, err := h.executor(t).Run(context.Background(), def, nil)
	require.NoError(t, err)

	assert.Equal(t, models.RunPartial, result.Status)
	assert.True(t, result.Success)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "audit")

	// A is still needed by report when audit fails, and report delivers.
	require.Len(t, result.FailedBranches, 1)
	assert.Equal(t, []string{"A"}, result.FailedBranches[0].Deferred)
	assert.Empty(t, h.compensations.calls())
	assert.Equal(t, models.NodeCompleted, result.Nodes["A"].State)
	assert.Equal(t, [][]string{{"A", "report"}}, result.CompletedBranches)
}

func TestExecutor_DeferredAncestorCompensatedWhenNothingDelivers(t *testing.T) {
	t.Parallel()

	h := newHarness(map[string]*testutil.RecordingStep{
		"A":     testutil.StaticStep("a"),
		"B":     testutil.FailingStep("b failed"),
		"C":     {Delay: 50 * time.Millisecond},
		"D":     {},
		"E":     testutil.FailingStep("e failed"),
		"final": {},
	})

	def := testutil.CreateTestDAG(
		[]models.Node{
			testutil.CreateTestNode("A", compensated()),
			testutil.CreateTestNode("B"),
			testutil.CreateTestNode("C", compensated()),
			testutil.CreateTestNode("E"),
			testutil.CreateTestNode("final"),
		},
		[]models.Edge{
			testutil.CreateTestEdge("A", "B"),
			testutil.CreateTestEdge("A", "C"),
			testutil.CreateTestEdge("C", "E"),
			testutil.CreateTestEdge("B", "final"),
			testutil.CreateTestEdge("E", "final"),
		},
	)

	result, err := h.executor(t).Run(context.Background(), def, nil)
	require.NoError(t, err)

	assert.Equal(t, models.RunFailed, result.Status)
	assert.ElementsMatch(t, []string{"A", "C"}, h.compensations.calls())
	assert.Equal(t, "C", h.compensations.calls()[0])
	assert.Equal(t, models.NodeNotStarted, result.Nodes["final"].State)
}

func TestExecutor_AbortPolicyCompensatesEverything(t *testing.T) {
	t.Parallel()

	h := newHarness(map[string]*testutil.RecordingStep{
		"A": testutil.StaticStep("a"),
		"B": testutil.FailingStep("b failed"),
		"C": {Delay: 50 * time.Millisecond},
		"D": {},
	})

	def := testutil.CreateTestDAG(
		[]models.Node{
			testutil.CreateTestNode("A", compensated()),
			testutil.CreateTestNode("B"),
			testutil.CreateTestNode("C", compensated()),
			testutil.CreateTestNode("D"),
		},
		[]models.Edge{
			testutil.CreateTestEdge("A", "B"),
			testutil.CreateTestEdge("A", "C"),
			testutil.CreateTestEdge("C", "D"),
		},
		testutil.WithExits("B", "D"),
	)

	config := workflow.DefaultConfig()
	config.BranchFailurePolicy = workflow.PolicyAbort

	result, err := h.executor(t, workflow.WithConfig(config)).Run(context.Background(), def, nil)
	require.NoError(t, err)

	assert.Equal(t, models.RunFailed, result.Status)
	assert.Equal(t, []string{"C", "A"}, h.compensations.calls())
	assert.Equal(t, models.NodeNotStarted, result.Nodes["D"].State)
	assert.Equal(t, models.NodeCompensated, result.Nodes["C"].State)
	require.Len(t, result.FailedBranches, 1)
	assert.Equal(t, []string{"A"}, result.FailedBranches[0].Compensated)
}

func TestExecutor_CancelStopsSchedulingAndCompensates(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	b := testutil.BlockingStep(release, "b")
	c := &testutil.RecordingStep{}
	h := newHarness(map[string]*testutil.RecordingStep{"A": testutil.StaticStep("a"), "B": b, "C": c})

	def := testutil.CreateTestDAG(
		[]models.Node{
			testutil.CreateTestNode("A", compensated()),
			testutil.CreateTestNode("B", compensated()),
			testutil.CreateTestNode("C"),
		},
		[]models.Edge{testutil.CreateTestEdge("A", "B"), testutil.CreateTestEdge("B", "C")},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for b.Calls() == 0 {
			time.Sleep(5 * time.Millisecond)
		}

		cancel()
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	result, err := h.executor(t).Run(ctx, def, nil)
	require.NoError(t, err)

	assert.Equal(t, models.RunCancelled, result.Status)
	assert.False(t, result.Success)
	assert.Equal(t, workflow.ErrCancelled.Error(), result.Error)

	// B finished despite the cancel and is unwound with A.
	assert.Equal(t, []string{"B", "A"}, h.compensations.calls())
	assert.Zero(t, c.Calls())
	assert.Equal(t, models.NodeNotStarted, result.Nodes["C"].State)
}

func TestExecutor_UnreachableNodesAreSkipped(t *testing.T) {
	t.Parallel()

	orphan := &testutil.RecordingStep{}
	h := newHarness(map[string]*testutil.RecordingStep{"A": {}, "B": {}, "orphan": orphan})

	def := testutil.CreateTestDAG(
		[]models.Node{testutil.CreateTestNode("A"), testutil.CreateTestNode("orphan"), testutil.CreateTestNode("B")},
		[]models.Edge{testutil.CreateTestEdge("A", "B")},
	)

	result, err := h.executor(t).Run(context.Background(), def, nil)
	require.NoError(t, err)

	assert.Equal(t, models.RunSucceeded, result.Status)
	assert.Equal(t, models.NodeSkipped, result.Nodes["orphan"].State)
	assert.Zero(t, orphan.Calls())
	assert.NotEmpty(t, result.Warnings)
}

func TestExecutor_ConditionsPruneEdges(t *testing.T) {
	t.Parallel()

	fast := &testutil.RecordingStep{}
	thorough := &testutil.RecordingStep{}
	h := newHarness(map[string]*testutil.RecordingStep{
		"triage":   testutil.StaticStep(map[string]any{"size": 3}),
		"fast":     fast,
		"thorough": thorough,
		"merge":    {},
	})

	def := testutil.CreateTestDAG(
		[]models.Node{
			testutil.CreateTestNode("triage"),
			testutil.CreateTestNode("fast"),
			testutil.CreateTestNode("thorough"),
			testutil.CreateTestNode("merge"),
		},
		[]models.Edge{
			testutil.CreateTestEdge("triage", "fast", testutil.WithCondition("lt .result.size 5")),
			testutil.CreateTestEdge("triage", "thorough", testutil.WithCondition("ge .result.size 5")),
			testutil.CreateTestEdge("fast", "merge"),
			testutil.CreateTestEdge("thorough", "merge"),
		},
	)

	result, err := h.executor(t).Run(context.Background(), def, nil)
	require.NoError(t, err)

	assert.Equal(t, models.RunSucceeded, result.Status)
	assert.Equal(t, 1, fast.Calls())
	assert.Zero(t, thorough.Calls())
	assert.Equal(t, models.NodeSkipped, result.Nodes["thorough"].State)
	assert.Equal(t, models.NodeCompleted, result.Nodes["merge"].State)
}

func TestExecutor_ValidationForkSelectsBranch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		score    int
		accepted models.NodeState
		rejected models.NodeState
	}{
		{name: "passes", score: 8, accepted: models.NodeCompleted, rejected: models.NodeSkipped},
		{name: "fails", score: 2, accepted: models.NodeSkipped, rejected: models.NodeCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(map[string]*testutil.RecordingStep{
				"draft":   {},
				"publish": testutil.StaticStep("published"),
				"redraft": testutil.StaticStep("redrafted"),
			})

			check := testutil.CreateTestNode("check", testutil.WithStepRef(""))
			check.Metadata = map[string]any{workflow.PredicateMetadata: "gt .input.score 5"}

			def := testutil.CreateTestDAG(
				[]models.Node{
					testutil.CreateTestNode("draft"),
					check,
					testutil.CreateTestNode("publish"),
					testutil.CreateTestNode("redraft"),
				},
				[]models.Edge{
					testutil.CreateTestEdge("draft", "check", testutil.WithFlow(models.FlowValidation)),
					testutil.CreateTestEdge("check", "publish"),
					testutil.CreateTestEdge("check", "redraft", testutil.WithCondition("not .result.valid")),
				},
				testutil.WithExits("publish", "redraft"),
			)

			result, err := h.executor(t).Run(context.Background(), def, map[string]any{"score": tt.score})
			require.NoError(t, err)

			assert.Equal(t, models.RunSucceeded, result.Status)
			assert.Equal(t, tt.accepted, result.Nodes["publish"].State)
			assert.Equal(t, tt.rejected, result.Nodes["redraft"].State)
			assert.Len(t, result.Outputs, 1)
		})
	}
}

func TestExecutor_ContextHandoffForwardsSliceUnchanged(t *testing.T) {
	t.Parallel()

	upstream := map[string]any{
		"summary": map[string]any{"points": []any{"a", "b"}, "score": 0.75},
		"scratch": "not forwarded",
	}

	writer := &testutil.RecordingStep{}
	h := newHarness(map[string]*testutil.RecordingStep{
		"research": testutil.StaticStep(upstream),
		"writer":   writer,
	})

	def := testutil.CreateTestDAG(
		[]models.Node{testutil.CreateTestNode("research"), testutil.CreateTestNode("writer")},
		[]models.Edge{testutil.CreateTestEdge("research", "writer",
			testutil.WithFlow(models.FlowContextHandoff),
			testutil.WithContextKeys("summary"))},
	)

	result, err := h.executor(t).Run(context.Background(), def, nil)
	require.NoError(t, err)

	assert.Equal(t, models.RunSucceeded, result.Status)
	assert.Zero(t, writer.Calls())

	want, err := json.Marshal(map[string]any{"summary": upstream["summary"]})
	require.NoError(t, err)

	got, err := json.Marshal(result.Outputs["writer"])
	require.NoError(t, err)

	assert.JSONEq(t, string(want), string(got))
	assert.Equal(t, want, got)
}

func TestExecutor_BatchLimit(t *testing.T) {
	t.Parallel()

	calls := func(n int) *testutil.RecordingStep {
		results := make([]any, n)
		for i := range results {
			results[i] = i
		}

		return testutil.StaticStep(map[string]any{"calls": results})
	}

	tests := []struct {
		name   string
		calls  int
		status models.RunStatus
	}{
		{name: "within limit", calls: 3, status: models.RunSucceeded},
		{name: "over limit", calls: 4, status: models.RunFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tools := calls(tt.calls)
			h := newHarness(map[string]*testutil.RecordingStep{"plan": {}, "tools": tools})

			node := testutil.CreateTestNode("tools")
			node.BatchLimit = 3

			def := testutil.CreateTestDAG(
				[]models.Node{testutil.CreateTestNode("plan"), node},
				[]models.Edge{testutil.CreateTestEdge("plan", "tools", testutil.WithFlow(models.FlowBatchExecute))},
			)

			result, err := h.executor(t).Run(context.Background(), def, nil)
			require.NoError(t, err)

			assert.Equal(t, tt.status, result.Status)
			require.Equal(t, 1, tools.Calls())
			assert.Equal(t, 3, tools.Tasks()[0].Parameters[workflow.BatchLimitParameter])
		})
	}
}

func TestExecutor_CoordinatorStopsAtMaxIterations(t *testing.T) {
	t.Parallel()

	reasoner := testutil.StaticStep(`{"action": "call_helper", "helper": "search", "task": "dig"}`)
	search := testutil.StaticStep("finding")
	h := newHarness(map[string]*testutil.RecordingStep{"brief": {}, "reason": reasoner, "search": search})

	def := testutil.CreateTestDAG(
		[]models.Node{
			testutil.CreateTestNode("brief"),
			testutil.CreateTestNode("lead", testutil.WithStepRef(""), testutil.WithCoordinator("reason", 3, "search")),
		},
		[]models.Edge{testutil.CreateTestEdge("brief", "lead", testutil.WithFlow(models.FlowAutonomousDecision))},
	)

	result, err := h.executor(t).Run(context.Background(), def, nil)
	require.NoError(t, err)

	assert.Equal(t, models.RunSucceeded, result.Status)
	assert.Equal(t, 3, reasoner.Calls())
	assert.Equal(t, 3, search.Calls())
	assert.Equal(t, []any{"finding", "finding", "finding"}, result.Outputs["lead"])
}

func TestExecutor_CoordinatorHandoffEndsRun(t *testing.T) {
	t.Parallel()

	next := &testutil.RecordingStep{}
	h := newHarness(map[string]*testutil.RecordingStep{
		"brief":  {},
		"reason": testutil.StaticStep("```json\n{\"action\": \"pass_to_coordinator\", \"target\": \"editor\", \"result\": \"draft\"}\n```"),
		"next":   next,
	})

	def := testutil.CreateTestDAG(
		[]models.Node{
			testutil.CreateTestNode("brief"),
			testutil.CreateTestNode("lead", testutil.WithStepRef(""), testutil.WithCoordinator("reason", 3)),
			testutil.CreateTestNode("next"),
		},
		[]models.Edge{
			testutil.CreateTestEdge("brief", "lead", testutil.WithFlow(models.FlowAutonomousDecision)),
			testutil.CreateTestEdge("lead", "next"),
		},
	)

	result, err := h.executor(t).Run(context.Background(), def, nil)
	require.NoError(t, err)

	assert.Equal(t, models.RunHandoff, result.Status)
	assert.True(t, result.Success)
	require.NotNil(t, result.Handoff)
	assert.Equal(t, "editor", result.Handoff.Target)
	assert.Equal(t, "lead", result.Handoff.FromNode)
	assert.Zero(t, next.Calls())
}

func TestExecutor_PersistsContextSnapshot(t *testing.T) {
	t.Parallel()

	store := file.NewStore(t.TempDir())

	h := newHarness(map[string]*testutil.RecordingStep{"A": testutil.StaticStep("a"), "B": {}})

	result, err := h.executor(t, workflow.WithStore(store)).Run(context.Background(), testutil.LinearDAG("A", "B"), nil, workflow.WithRunID("run-7"))
	require.NoError(t, err)
	assert.Equal(t, "run-7", result.RunID)

	restored, err := contextstore.Load(context.Background(), store, "run-7")
	require.NoError(t, err)

	memory, ok := restored.Get("A")
	require.True(t, ok)
	assert.Equal(t, "a", memory.LastResult)
}

func TestExecutor_InvalidConfig(t *testing.T) {
	t.Parallel()

	config := workflow.DefaultConfig()
	config.MaxParallel = 0

	_, err := workflow.NewExecutor(registry.NewRegistry(log.Discard()), log.Discard(), workflow.WithConfig(config))
	require.Error(t, err)
}

func TestExecutor_StepErrorIsStepExecutionError(t *testing.T) {
	t.Parallel()

	h := newHarness(map[string]*testutil.RecordingStep{
		"A": testutil.ErroringStep(errors.New("connection refused")),
	})

	result, err := h.executor(t).Run(context.Background(), testutil.LinearDAG("A"), nil)
	require.NoError(t, err)

	assert.Equal(t, models.RunFailed, result.Status)
	assert.Contains(t, result.Nodes["A"].Error, "connection refused")
	assert.Equal(t, models.FailureStep, result.Nodes["A"].FailureKind)
}
