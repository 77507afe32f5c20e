package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/agentflow/pkg/approval"
	"github.com/dukex/agentflow/pkg/channels/gochannel"
	"github.com/dukex/agentflow/pkg/eventbus"
	"github.com/dukex/agentflow/pkg/events"
	"github.com/dukex/agentflow/pkg/log"
	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/persistence"
	"github.com/dukex/agentflow/pkg/persistence/file"
	"github.com/dukex/agentflow/pkg/registry"
	"github.com/dukex/agentflow/pkg/saga"
	"github.com/dukex/agentflow/pkg/testutil"
	"github.com/dukex/agentflow/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type workerHarness struct {
	bus           *eventbus.WatermillEventBus
	store         *file.Store
	worker        *WorkerManager
	compensations *compensations
	completed     chan *events.RunCompleted
	requested     chan *events.ApprovalRequested
}

// compensations records the nodes compensated through the "svc" service.
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

func startWorker(t *testing.T, steps map[string]*testutil.RecordingStep) *workerHarness {
	t.Helper()

	return startWorkerOn(t, file.NewStore(t.TempDir()), steps)
}

// startWorkerOn starts a worker over store, which may hold state left by a
// previous process.
func startWorkerOn(t *testing.T, store *file.Store, steps map[string]*testutil.RecordingStep) *workerHarness {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	pub, sub := gochannel.CreateChannel(watermill.NopLogger{})
	bus := eventbus.NewWatermillEventBus(pub, sub, log.Discard())
	comp := &compensations{}

	reg := registry.NewRegistry(log.Discard())
	for ref, step := range steps {
		reg.RegisterStep(ref, step)
	}

	reg.RegisterCompensator("svc", comp)

	config := workflow.DefaultConfig()
	config.WorkerID = "worker-test"

	executor, err := workflow.NewExecutor(reg, log.Discard(),
		workflow.WithConfig(config),
		workflow.WithPublisher(bus),
		workflow.WithStore(store),
	)
	require.NoError(t, err)

	h := &workerHarness{
		bus:           bus,
		store:         store,
		worker:        NewWorkerManager("worker-test", store, bus, executor, "", log.Discard()),
		compensations: comp,
		completed:     make(chan *events.RunCompleted, 4),
		requested:     make(chan *events.ApprovalRequested, 4),
	}

	require.NoError(t, bus.Handle(events.RunCompletedEvent, func(_ context.Context, event any) error {
		h.completed <- event.(*events.RunCompleted)

		return nil
	}))
	require.NoError(t, bus.Handle(events.ApprovalRequestedEvent, func(_ context.Context, event any) error {
		h.requested <- event.(*events.ApprovalRequested)

		return nil
	}))

	require.NoError(t, h.worker.Start(ctx))

	t.Cleanup(func() {
		h.worker.Stop()
		cancel()
		_ = bus.Close()
	})

	return h
}

func (h *workerHarness) awaitCompletion(t *testing.T) *events.RunCompleted {
	t.Helper()

	select {
	case completed := <-h.completed:
		return completed
	case <-time.After(5 * time.Second):
		require.FailNow(t, "run did not complete")

		return nil
	}
}

func request(runID string, def *models.DAGDefinition) events.RunRequested {
	return events.RunRequested{
		BaseEvent:  events.NewBaseEvent(events.RunRequestedEvent, runID),
		Definition: *def,
		Input:      map[string]any{"topic": "solar"},
	}
}

func TestWorkerManager_ExecutesRequestedRuns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := testutil.StaticStep("done")
	h := startWorker(t, map[string]*testutil.RecordingStep{"a": {}, "b": b})

	require.NoError(t, h.bus.Publish(ctx, "run-1", request("run-1", testutil.LinearDAG("a", "b"))))

	completed := h.awaitCompletion(t)
	assert.Equal(t, "run-1", completed.RunID)
	assert.Equal(t, models.RunSucceeded, completed.Status)
	assert.Equal(t, "worker-test", completed.WorkerID)

	_, err := h.store.Load(ctx, persistence.ContextKey("run-1"))
	require.NoError(t, err)

	_, err = saga.LoadManifest(ctx, h.store, "run-1")
	assert.True(t, persistence.IsNotFound(err), "a finished run leaves no manifest")

	require.NoError(t, h.bus.Publish(ctx, "run-1", request("run-1", testutil.LinearDAG("a", "b"))))

	select {
	case <-h.completed:
		assert.Fail(t, "finished run executed again")
	case <-time.After(300 * time.Millisecond):
	}

	assert.Equal(t, 1, b.Calls())
}

func TestWorkerManager_InvalidDefinitionIsDropped(t *testing.T) {
	t.Parallel()

	h := startWorker(t, nil)

	def := testutil.LinearDAG("a", "b")
	def.EntryNode = "missing"

	require.NoError(t, h.bus.Publish(context.Background(), "run-2", request("run-2", def)))

	select {
	case <-h.completed:
		assert.Fail(t, "invalid definition must not run")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWorkerManager_DeliversDecisions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	publish := testutil.StaticStep("published")
	h := startWorker(t, map[string]*testutil.RecordingStep{"draft": testutil.StaticStep("text"), "publish": publish})

	def := testutil.CreateTestDAG(
		[]models.Node{
			testutil.CreateTestNode("draft"),
			testutil.CreateTestNode("review", testutil.AsGate("editorial", 60_000)),
			testutil.CreateTestNode("publish"),
		},
		[]models.Edge{testutil.CreateTestEdge("draft", "review"), testutil.CreateTestEdge("review", "publish")},
	)

	require.NoError(t, h.bus.Publish(ctx, "run-3", request("run-3", def)))

	var token models.ApprovalToken

	select {
	case requested := <-h.requested:
		token = requested.Token
	case <-time.After(5 * time.Second):
		require.FailNow(t, "gate was not opened")
	}

	assert.Equal(t, "editorial", token.Stage)

	unknown := events.DecisionSubmitted{
		BaseEvent: events.NewBaseEvent(events.DecisionSubmittedEvent, "run-3"),
		Token:     "not-ours",
		Decision:  models.HumanDecision{Decision: models.DecisionReject},
	}
	require.NoError(t, h.bus.Publish(ctx, "run-3", unknown))

	require.NoError(t, h.bus.Publish(ctx, "run-3", events.DecisionSubmitted{
		BaseEvent: events.NewBaseEvent(events.DecisionSubmittedEvent, "run-3"),
		Token:     token.Token,
		Decision:  models.HumanDecision{Decision: models.DecisionApprove, DecidedBy: "ana"},
	}))

	completed := h.awaitCompletion(t)
	assert.Equal(t, models.RunSucceeded, completed.Status)
	assert.Equal(t, 1, publish.Calls())
}

func TestWorkerManager_RecoversInterruptedRuns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := file.NewStore(t.TempDir())

	// A previous process completed "draft" and opened the "review" gate before
	// it went away.
	transactions := saga.NewManager("run-9", nil, store, log.Discard())
	transactions.SetOwner("worker-test")

	draft, err := transactions.Create(ctx, "draft", nil,
		&models.CompensationSpec{ServiceID: "svc", Action: models.CompensateCleanupResources}, false)
	require.NoError(t, err)
	require.NoError(t, transactions.Start(ctx, draft.ID))
	require.NoError(t, transactions.Complete(ctx, draft.ID))

	review, err := transactions.Create(ctx, "review", []string{draft.ID}, nil, true)
	require.NoError(t, err)
	require.NoError(t, transactions.Start(ctx, review.ID))

	token, err := approval.NewManager(nil, store, log.Discard()).Open(ctx, approval.OpenRequest{
		TransactionID: review.ID,
		RunID:         "run-9",
		NodeID:        "review",
		Timeout:       time.Hour,
		Checkpointer:  transactions,
	})
	require.NoError(t, err)

	h := startWorkerOn(t, store, nil)

	assert.Equal(t, []string{"draft"}, h.compensations.calls())

	_, err = saga.LoadManifest(ctx, store, "run-9")
	assert.True(t, persistence.IsNotFound(err))

	status, ok := h.worker.executor.Gates().Status(token.Token)
	require.True(t, ok)
	assert.Equal(t, models.GateCancelled, status)
}
