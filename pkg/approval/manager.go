// Package approval implements human-in-the-loop gates: single-use approval
// tokens resolved either by a decision or by expiry.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/dukex/agentflow/pkg/eventbus"
	"github.com/dukex/agentflow/pkg/events"
	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/persistence"
	"github.com/dukex/agentflow/pkg/protocol"
	"github.com/google/uuid"
)

var _ protocol.Resumable = (*Manager)(nil)

// Checkpointer persists the gate state alongside its transaction. The saga
// manager satisfies it.
type Checkpointer interface {
	SetCheckpointState(ctx context.Context, txID string, state []byte) error
}

type OpenRequest struct {
	TransactionID string
	RunID         string
	NodeID        string
	Stage         string
	Timeout       time.Duration
	Artifacts     map[string]any
	Checkpointer  Checkpointer
}

// GateRecord is the checkpoint payload of a gated transaction.
type GateRecord struct {
	Token    models.ApprovalToken  `json:"token"`
	Status   models.GateStatus     `json:"status"`
	Decision *models.HumanDecision `json:"decision,omitempty"`
}

type gate struct {
	token    models.ApprovalToken
	status   models.GateStatus
	decision *models.HumanDecision
	output   map[string]any
	done     chan struct{}
	timer    *time.Timer
	persist  func(ctx context.Context, state GateRecord) error
}

func (g *gate) outcome() models.GateOutcome {
	return models.GateOutcome{
		Token:    g.token.Token,
		Status:   g.status,
		Decision: g.decision,
		Output:   g.output,
	}
}

type Manager struct {
	publisher eventbus.EventPublisher
	store     persistence.Store
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	gates map[string]*gate
	byTx  map[string]string
}

type Option func(*Manager)

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a gate manager. Publisher and store may be nil.
func NewManager(publisher eventbus.EventPublisher, store persistence.Store, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		publisher: publisher,
		store:     store,
		logger:    logger.With("module", "approval"),
		now:       time.Now,
		gates:     make(map[string]*gate),
		byTx:      make(map[string]string),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Open issues a token for a gated transaction, persists its checkpoint and
// arms the expiry timer.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (models.ApprovalToken, error) {
	if req.Timeout <= 0 {
		return models.ApprovalToken{}, ErrInvalidTimeout
	}

	token := models.ApprovalToken{
		Token:         uuid.NewString(),
		TransactionID: req.TransactionID,
		RunID:         req.RunID,
		NodeID:        req.NodeID,
		Stage:         req.Stage,
		ExpiresAt:     m.now().Add(req.Timeout),
		Artifacts:     maps.Clone(req.Artifacts),
	}

	g := &gate{
		token:  token,
		status: models.GateAwaitingDecision,
		done:   make(chan struct{}),
	}

	if req.Checkpointer != nil {
		checkpointer := req.Checkpointer
		g.persist = func(ctx context.Context, state GateRecord) error {
			blob, err := json.Marshal(state)
			if err != nil {
				return err
			}

			return checkpointer.SetCheckpointState(ctx, state.Token.TransactionID, blob)
		}
	}

	err := m.available(token.TransactionID)
	if err != nil {
		return models.ApprovalToken{}, err
	}

	// persisted before the token is reachable by Decide or expiry
	m.persist(ctx, g, GateRecord{Token: token, Status: models.GateAwaitingDecision})

	err = m.register(g)
	if err != nil {
		return models.ApprovalToken{}, err
	}

	m.arm(g)

	m.logger.InfoContext(ctx, "Approval requested",
		"run_id", token.RunID,
		"node_id", token.NodeID,
		"transaction_id", token.TransactionID,
		"stage", token.Stage,
		"expires_at", token.ExpiresAt)

	m.publish(ctx, token.RunID, events.ApprovalRequested{
		BaseEvent: events.NewBaseEvent(events.ApprovalRequestedEvent, token.RunID),
		Token:     token,
	})

	return token, nil
}

// available fails when txID already has a gate awaiting a decision.
func (m *Manager) available(txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.availableLocked(txID)
}

func (m *Manager) availableLocked(txID string) error {
	if existing, ok := m.byTx[txID]; ok {
		if current := m.gates[existing]; current != nil && !current.status.Resolved() {
			return fmt.Errorf("%w: %s", ErrGateExists, txID)
		}
	}

	return nil
}

func (m *Manager) register(g *gate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.availableLocked(g.token.TransactionID)
	if err != nil {
		return err
	}

	m.gates[g.token.Token] = g
	m.byTx[g.token.TransactionID] = g.token.Token

	return nil
}

// arm starts the expiry timer of a registered gate.
func (m *Manager) arm(g *gate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	remaining := max(g.token.ExpiresAt.Sub(m.now()), 0)
	token := g.token.Token
	g.timer = time.AfterFunc(remaining, func() {
		m.expire(context.Background(), token)
	})
}

// Wait blocks until the gate resolves. Cancelling ctx resolves the gate as
// cancelled.
func (m *Manager) Wait(ctx context.Context, token string) (models.GateOutcome, error) {
	m.mu.Lock()
	g, ok := m.gates[token]
	m.mu.Unlock()

	if !ok {
		return models.GateOutcome{}, fmt.Errorf("%w: %s", ErrTokenNotFound, token)
	}

	select {
	case <-g.done:
	case <-ctx.Done():
		m.resolve(context.WithoutCancel(ctx), token, models.GateCancelled, nil)
		<-g.done
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return g.outcome(), nil
}

// Decide applies a human decision. Decisions for resolved tokens are no-ops
// reported as not accepted; a decision arriving after expiresAt expires the gate.
func (m *Manager) Decide(ctx context.Context, token string, decision models.HumanDecision) (bool, error) {
	m.mu.Lock()
	g, ok := m.gates[token]
	m.mu.Unlock()

	if !ok {
		return false, fmt.Errorf("%w: %s", ErrTokenNotFound, token)
	}

	if !m.now().Before(g.token.ExpiresAt) {
		m.resolve(ctx, token, models.GateExpired, nil)

		return false, nil
	}

	if decision.DecidedAt.IsZero() {
		decision.DecidedAt = m.now()
	}

	var status models.GateStatus

	switch decision.Decision {
	case models.DecisionApprove:
		status = models.GateApproved
	case models.DecisionModify:
		status = models.GateModified
	case models.DecisionReject:
		status = models.GateRejected
	default:
		return false, fmt.Errorf("unsupported decision %q", decision.Decision)
	}

	return m.resolve(ctx, token, status, &decision), nil
}

func (m *Manager) expire(ctx context.Context, token string) {
	m.resolve(ctx, token, models.GateExpired, nil)
}

// resolve moves an awaiting gate to status. It reports false when the gate
// was already resolved.
func (m *Manager) resolve(ctx context.Context, token string, status models.GateStatus, decision *models.HumanDecision) bool {
	m.mu.Lock()

	g, ok := m.gates[token]
	if !ok || g.status.Resolved() {
		m.mu.Unlock()

		return false
	}

	g.status = status
	g.decision = decision

	if status.Succeeded() {
		output := maps.Clone(g.token.Artifacts)
		if output == nil {
			output = make(map[string]any)
		}

		if decision != nil {
			maps.Copy(output, decision.Modifications)
		}

		g.output = output
	}

	if g.timer != nil {
		g.timer.Stop()
	}

	state := GateRecord{Token: g.token, Status: status, Decision: decision}
	m.mu.Unlock()

	defer close(g.done)

	m.persist(ctx, g, state)

	m.logger.InfoContext(ctx, "Approval resolved",
		"run_id", g.token.RunID,
		"node_id", g.token.NodeID,
		"transaction_id", g.token.TransactionID,
		"status", status)

	m.publish(ctx, g.token.RunID, events.ApprovalResolved{
		BaseEvent:     events.NewBaseEvent(events.ApprovalResolvedEvent, g.token.RunID),
		Token:         token,
		TransactionID: g.token.TransactionID,
		NodeID:        g.token.NodeID,
		Status:        status,
	})

	return true
}

// Status returns the current status of a token.
func (m *Manager) Status(token string) (models.GateStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.gates[token]
	if !ok {
		return "", false
	}

	return g.status, true
}

// Token returns the issued token.
func (m *Manager) Token(token string) (models.ApprovalToken, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.gates[token]
	if !ok {
		return models.ApprovalToken{}, false
	}

	return g.token, true
}

// Pending lists tokens still awaiting a decision.
func (m *Manager) Pending() []models.ApprovalToken {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := make([]models.ApprovalToken, 0)

	for _, g := range m.gates {
		if !g.status.Resolved() {
			pending = append(pending, g.token)
		}
	}

	return pending
}

// CancelRun resolves every gate of runID still awaiting a decision as
// cancelled and returns how many it resolved.
func (m *Manager) CancelRun(ctx context.Context, runID string) int {
	m.mu.Lock()

	var tokens []string

	for token, g := range m.gates {
		if g.token.RunID == runID && !g.status.Resolved() {
			tokens = append(tokens, token)
		}
	}

	m.mu.Unlock()

	cancelled := 0

	for _, token := range tokens {
		if m.resolve(ctx, token, models.GateCancelled, nil) {
			cancelled++
		}
	}

	return cancelled
}

// Forget drops resolved gates of a run.
func (m *Manager) Forget(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for token, g := range m.gates {
		if g.token.RunID == runID && g.status.Resolved() {
			delete(m.gates, token)

			if m.byTx[g.token.TransactionID] == token {
				delete(m.byTx, g.token.TransactionID)
			}
		}
	}
}

// Resume re-arms a gate from its persisted checkpoint after a restart, with
// whatever time remains until expiresAt. Resolved or non-resumable
// checkpoints are ignored.
func (m *Manager) Resume(ctx context.Context, checkpoint models.Checkpoint) error {
	if !checkpoint.CanResume || len(checkpoint.State) == 0 {
		return nil
	}

	var state GateRecord

	err := json.Unmarshal(checkpoint.State, &state)
	if err != nil {
		return fmt.Errorf("failed to decode gate state of %s: %w", checkpoint.TransactionID, err)
	}

	if state.Status.Resolved() || state.Token.Token == "" {
		return nil
	}

	m.mu.Lock()
	_, known := m.gates[state.Token.Token]
	m.mu.Unlock()

	if known {
		return nil
	}

	g := &gate{
		token:  state.Token,
		status: models.GateAwaitingDecision,
		done:   make(chan struct{}),
	}

	if m.store != nil {
		g.persist = m.checkpointWriter(checkpoint)
	}

	err = m.register(g)
	if err != nil {
		return err
	}

	m.arm(g)

	m.logger.InfoContext(ctx, "Approval resumed",
		"run_id", state.Token.RunID,
		"transaction_id", state.Token.TransactionID,
		"expires_at", state.Token.ExpiresAt)

	return nil
}

// checkpointWriter persists resolutions of a resumed gate directly, since the
// transaction manager that created it no longer exists.
func (m *Manager) checkpointWriter(checkpoint models.Checkpoint) func(ctx context.Context, state GateRecord) error {
	return func(ctx context.Context, state GateRecord) error {
		return writeGateCheckpoint(ctx, m.store, checkpoint, state, m.now())
	}
}

func writeGateCheckpoint(ctx context.Context, store persistence.Store, checkpoint models.Checkpoint, state GateRecord, now time.Time) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return err
	}

	checkpoint.State = blob
	checkpoint.Timestamp = now
	checkpoint.Version++
	checkpoint.CanResume = !state.Status.Resolved()

	switch {
	case !state.Status.Resolved():
	case state.Status.Succeeded():
		checkpoint.Status = models.TransactionCompleted
	default:
		checkpoint.Status = models.TransactionFailed
	}

	data, err := json.Marshal(checkpoint)
	if err != nil {
		return err
	}

	return store.Save(context.WithoutCancel(ctx), persistence.CheckpointKey(checkpoint.TransactionID), data)
}

func (m *Manager) persist(ctx context.Context, g *gate, state GateRecord) {
	if g.persist == nil {
		return
	}

	err := g.persist(ctx, state)
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to persist gate state",
			"transaction_id", state.Token.TransactionID,
			"error", err)
	}
}

func (m *Manager) publish(ctx context.Context, key string, event eventbus.Event) {
	eventbus.Notify(ctx, m.publisher, m.logger, key, event)
}

// live reports whether token is tracked by this manager.
func (m *Manager) live(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.gates[token]

	return ok
}
