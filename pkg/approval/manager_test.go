package approval_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dukex/agentflow/pkg/approval"
	"github.com/dukex/agentflow/pkg/eventbus"
	"github.com/dukex/agentflow/pkg/events"
	"github.com/dukex/agentflow/pkg/log"
	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/persistence/file"
	"github.com/dukex/agentflow/pkg/saga"
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

func (p *recordingPublisher) types() []events.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()

	types := make([]events.EventType, 0, len(p.events))
	for _, event := range p.events {
		types = append(types, event.GetType())
	}

	return types
}

type recordingCheckpointer struct {
	mu     sync.Mutex
	states [][]byte
}

func (c *recordingCheckpointer) SetCheckpointState(_ context.Context, _ string, state []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.states = append(c.states, state)

	return nil
}

func (c *recordingCheckpointer) last(t *testing.T) map[string]any {
	t.Helper()

	c.mu.Lock()
	defer c.mu.Unlock()

	require.NotEmpty(t, c.states)

	var state map[string]any
	require.NoError(t, json.Unmarshal(c.states[len(c.states)-1], &state))

	return state
}

func openGate(t *testing.T, manager *approval.Manager, timeout time.Duration, checkpointer approval.Checkpointer) models.ApprovalToken {
	t.Helper()

	token, err := manager.Open(context.Background(), approval.OpenRequest{
		TransactionID: "tx-" + t.Name(),
		RunID:         "run-1",
		NodeID:        "review",
		Stage:         "legal",
		Timeout:       timeout,
		Artifacts:     map[string]any{"draft": "v1", "tone": "formal"},
		Checkpointer:  checkpointer,
	})
	require.NoError(t, err)

	return token
}

func TestManager_ExpiresWithoutDecision(t *testing.T) {
	t.Parallel()

	publisher := &recordingPublisher{}
	checkpointer := &recordingCheckpointer{}
	manager := approval.NewManager(publisher, nil, log.Discard())

	started := time.Now()
	token := openGate(t, manager, 1000*time.Millisecond, checkpointer)

	outcome, err := manager.Wait(context.Background(), token.Token)
	require.NoError(t, err)

	assert.Equal(t, models.GateExpired, outcome.Status)
	assert.GreaterOrEqual(t, time.Since(started), 1000*time.Millisecond)
	assert.Nil(t, outcome.Output)
	assert.False(t, outcome.Status.Succeeded())
	assert.Equal(t, string(models.GateExpired), checkpointer.last(t)["status"])
	assert.Equal(t, []events.EventType{events.ApprovalRequestedEvent, events.ApprovalResolvedEvent}, publisher.types())
}

func TestManager_Decisions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		decision models.HumanDecision
		status   models.GateStatus
		output   map[string]any
	}{
		{
			name:     "approve passes artifacts through",
			decision: models.HumanDecision{Decision: models.DecisionApprove},
			status:   models.GateApproved,
			output:   map[string]any{"draft": "v1", "tone": "formal"},
		},
		{
			name: "modify merges modifications",
			decision: models.HumanDecision{
				Decision:      models.DecisionModify,
				Feedback:      "shorter",
				Modifications: map[string]any{"draft": "v2"},
			},
			status: models.GateModified,
			output: map[string]any{"draft": "v2", "tone": "formal"},
		},
		{
			name:     "reject produces no output",
			decision: models.HumanDecision{Decision: models.DecisionReject, Feedback: "no"},
			status:   models.GateRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			manager := approval.NewManager(nil, nil, log.Discard())
			token := openGate(t, manager, time.Minute, nil)

			accepted, err := manager.Decide(context.Background(), token.Token, tt.decision)
			require.NoError(t, err)
			assert.True(t, accepted)

			outcome, err := manager.Wait(context.Background(), token.Token)
			require.NoError(t, err)

			assert.Equal(t, tt.status, outcome.Status)
			assert.Equal(t, tt.output, outcome.Output)
			require.NotNil(t, outcome.Decision)
			assert.False(t, outcome.Decision.DecidedAt.IsZero())
		})
	}
}

func TestManager_DuplicateDecisionIsNoop(t *testing.T) {
	t.Parallel()

	publisher := &recordingPublisher{}
	manager := approval.NewManager(publisher, nil, log.Discard())
	token := openGate(t, manager, time.Minute, nil)

	accepted, err := manager.Decide(context.Background(), token.Token, models.HumanDecision{Decision: models.DecisionApprove})
	require.NoError(t, err)
	assert.True(t, accepted)

	accepted, err = manager.Decide(context.Background(), token.Token, models.HumanDecision{Decision: models.DecisionReject})
	require.NoError(t, err)
	assert.False(t, accepted)

	status, ok := manager.Status(token.Token)
	require.True(t, ok)
	assert.Equal(t, models.GateApproved, status)
	assert.Equal(t, []events.EventType{events.ApprovalRequestedEvent, events.ApprovalResolvedEvent}, publisher.types())
}

func TestManager_UnknownToken(t *testing.T) {
	t.Parallel()

	manager := approval.NewManager(nil, nil, log.Discard())

	_, err := manager.Decide(context.Background(), "missing", models.HumanDecision{Decision: models.DecisionApprove})
	require.ErrorIs(t, err, approval.ErrTokenNotFound)

	_, err = manager.Wait(context.Background(), "missing")
	require.ErrorIs(t, err, approval.ErrTokenNotFound)
}

func TestManager_LateDecisionExpires(t *testing.T) {
	t.Parallel()

	now := time.Now()
	clock := func() time.Time { return now }

	manager := approval.NewManager(nil, nil, log.Discard(), approval.WithClock(clock))
	token := openGate(t, manager, time.Hour, nil)

	now = now.Add(2 * time.Hour)

	accepted, err := manager.Decide(context.Background(), token.Token, models.HumanDecision{Decision: models.DecisionApprove})
	require.NoError(t, err)
	assert.False(t, accepted)

	status, _ := manager.Status(token.Token)
	assert.Equal(t, models.GateExpired, status)
}

func TestManager_CancelledWait(t *testing.T) {
	t.Parallel()

	manager := approval.NewManager(nil, nil, log.Discard())
	token := openGate(t, manager, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := manager.Wait(ctx, token.Token)
	require.NoError(t, err)
	assert.Equal(t, models.GateCancelled, outcome.Status)

	accepted, err := manager.Decide(context.Background(), token.Token, models.HumanDecision{Decision: models.DecisionApprove})
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestManager_RejectsInvalidTimeout(t *testing.T) {
	t.Parallel()

	manager := approval.NewManager(nil, nil, log.Discard())

	_, err := manager.Open(context.Background(), approval.OpenRequest{TransactionID: "tx", Timeout: 0})
	require.ErrorIs(t, err, approval.ErrInvalidTimeout)
}

func TestManager_OneOpenGatePerTransaction(t *testing.T) {
	t.Parallel()

	manager := approval.NewManager(nil, nil, log.Discard())
	openGate(t, manager, time.Minute, nil)

	_, err := manager.Open(context.Background(), approval.OpenRequest{
		TransactionID: "tx-" + t.Name(),
		Timeout:       time.Minute,
	})
	require.ErrorIs(t, err, approval.ErrGateExists)
}

func TestManager_ResumeFromCheckpoint(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := file.NewStore(t.TempDir())

	transactions := saga.NewManager("run-1", nil, store, log.Discard())
	tx, err := transactions.Create(ctx, "review", nil, nil, true)
	require.NoError(t, err)
	require.NoError(t, transactions.Start(ctx, tx.ID))

	before := approval.NewManager(nil, store, log.Discard())
	token, err := before.Open(ctx, approval.OpenRequest{
		TransactionID: tx.ID,
		RunID:         "run-1",
		NodeID:        "review",
		Timeout:       time.Minute,
		Checkpointer:  transactions,
	})
	require.NoError(t, err)

	checkpoint, err := saga.LoadCheckpoint(ctx, store, tx.ID)
	require.NoError(t, err)
	require.True(t, checkpoint.CanResume)

	after := approval.NewManager(nil, store, log.Discard())
	require.NoError(t, after.Resume(ctx, checkpoint))

	status, ok := after.Status(token.Token)
	require.True(t, ok)
	assert.Equal(t, models.GateAwaitingDecision, status)

	accepted, err := after.Decide(ctx, token.Token, models.HumanDecision{Decision: models.DecisionApprove})
	require.NoError(t, err)
	assert.True(t, accepted)

	resolved, err := saga.LoadCheckpoint(ctx, store, tx.ID)
	require.NoError(t, err)
	assert.False(t, resolved.CanResume)
	assert.Equal(t, models.TransactionCompleted, resolved.Status)
	assert.Equal(t, checkpoint.Version+1, resolved.Version)
}

// pendingAtSave records how many gates were visible each time a state was saved.
type pendingAtSave struct {
	manager *approval.Manager

	mu      sync.Mutex
	pending []int
	status  []string
}

func (c *pendingAtSave) SetCheckpointState(_ context.Context, _ string, state []byte) error {
	var record approval.GateRecord

	err := json.Unmarshal(state, &record)
	if err != nil {
		return err
	}

	visible := len(c.manager.Pending())

	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending = append(c.pending, visible)
	c.status = append(c.status, string(record.Status))

	return nil
}

func TestManager_AwaitingStateSavedBeforeGateIsVisible(t *testing.T) {
	t.Parallel()

	manager := approval.NewManager(nil, nil, log.Discard())
	checkpointer := &pendingAtSave{manager: manager}

	token := openGate(t, manager, time.Minute, checkpointer)

	accepted, err := manager.Decide(context.Background(), token.Token, models.HumanDecision{Decision: models.DecisionApprove})
	require.NoError(t, err)
	require.True(t, accepted)

	checkpointer.mu.Lock()
	defer checkpointer.mu.Unlock()

	assert.Equal(t, []string{string(models.GateAwaitingDecision), string(models.GateApproved)}, checkpointer.status)
	assert.Equal(t, 0, checkpointer.pending[0])
}

func TestManager_CancelRun(t *testing.T) {
	t.Parallel()

	manager := approval.NewManager(nil, nil, log.Discard())

	open := func(txID, runID string) models.ApprovalToken {
		token, err := manager.Open(context.Background(), approval.OpenRequest{
			TransactionID: txID,
			RunID:         runID,
			NodeID:        txID,
			Stage:         "signoff",
			Timeout:       time.Minute,
		})
		require.NoError(t, err)

		return token
	}

	first := open("tx-1", "run-1")
	second := open("tx-2", "run-1")
	other := open("tx-3", "run-2")

	assert.Equal(t, 2, manager.CancelRun(context.Background(), "run-1"))
	assert.Zero(t, manager.CancelRun(context.Background(), "run-1"))

	for _, token := range []models.ApprovalToken{first, second} {
		outcome, err := manager.Wait(context.Background(), token.Token)
		require.NoError(t, err)
		assert.Equal(t, models.GateCancelled, outcome.Status)
	}

	status, ok := manager.Status(other.Token)
	require.True(t, ok)
	assert.Equal(t, models.GateAwaitingDecision, status)
}
