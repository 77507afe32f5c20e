// Package saga implements the SAGA transaction manager: one state machine per
// node execution plus the compensation ledger used to unwind failed branches.
package saga

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/persistence"
	"github.com/dukex/agentflow/pkg/protocol"
	"github.com/google/uuid"
)

// BranchStatus summarizes a transaction together with everything it depends on.
type BranchStatus struct {
	TransactionID string
	Members       []string
	Counts        map[models.TransactionStatus]int
}

// Healthy reports whether nothing in the branch failed or was unwound.
func (b BranchStatus) Healthy() bool {
	return b.Counts[models.TransactionFailed] == 0 && b.Counts[models.TransactionCompensated] == 0
}

// UnwindResult reports one compensation pass.
type UnwindResult struct {
	Records []models.CompensationRecord
	// Compensated lists transaction ids unwound by this pass, in execution order.
	Compensated []string
	// Deferred lists completed ancestors still needed by a live transaction
	// outside the failed branch.
	Deferred []string
}

type Manager struct {
	runID       string
	owner       string
	compensator protocol.Compensable
	store       persistence.Store
	logger      *slog.Logger

	mu         sync.Mutex
	txs        map[string]*models.Transaction
	order      []string
	dependents map[string][]string
	deferred   map[string]bool
	states     map[string][]byte
	versions   map[string]int
	sequence   int
	ledger     []models.CompensationRecord
}

// NewManager creates the manager for one run. store may be nil, in which case
// checkpoints are not persisted.
func NewManager(runID string, compensator protocol.Compensable, store persistence.Store, logger *slog.Logger) *Manager {
	return &Manager{
		runID:       runID,
		compensator: compensator,
		store:       store,
		logger:      logger.With("module", "saga", "run_id", runID),
		txs:         make(map[string]*models.Transaction),
		dependents:  make(map[string][]string),
		deferred:    make(map[string]bool),
		states:      make(map[string][]byte),
		versions:    make(map[string]int),
	}
}

// Create registers a pending transaction for nodeID that depends on deps.
func (m *Manager) Create(ctx context.Context, nodeID string, deps []string, spec *models.CompensationSpec, gated bool) (models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, dep := range deps {
		if _, ok := m.txs[dep]; !ok {
			return models.Transaction{}, fmt.Errorf("%w: dependency %s of node %s", ErrUnknownTransaction, dep, nodeID)
		}
	}

	tx := &models.Transaction{
		ID:           uuid.NewString(),
		RunID:        m.runID,
		NodeID:       nodeID,
		Dependencies: slices.Clone(deps),
		Status:       models.TransactionPending,
		Gated:        gated,
	}

	if spec != nil {
		tx.Compensation = &models.CompensationAction{
			ServiceID:  spec.ServiceID,
			Action:     spec.Action,
			Parameters: spec.Parameters,
		}
	}

	m.txs[tx.ID] = tx
	m.order = append(m.order, tx.ID)

	for _, dep := range deps {
		m.dependents[dep] = append(m.dependents[dep], tx.ID)
	}

	m.checkpointLocked(ctx, tx)

	return *tx, nil
}

// Start moves pending to running. Every dependency must already be completed.
func (m *Manager) Start(ctx context.Context, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.transitionLocked(txID, models.TransactionPending, models.TransactionRunning)
	if err != nil {
		return err
	}

	for _, dep := range tx.Dependencies {
		if status := m.txs[dep].Status; status != models.TransactionCompleted {
			return &DependencyViolation{TransactionID: txID, DependencyID: dep, Status: status}
		}
	}

	tx.Status = models.TransactionRunning
	tx.StartTime = time.Now()
	m.checkpointLocked(ctx, tx)

	return nil
}

func (m *Manager) Complete(ctx context.Context, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.transitionLocked(txID, models.TransactionRunning, models.TransactionCompleted)
	if err != nil {
		return err
	}

	m.sequence++
	tx.Status = models.TransactionCompleted
	tx.EndTime = time.Now()
	tx.Sequence = m.sequence
	m.checkpointLocked(ctx, tx)
	m.manifestLocked(ctx)

	return nil
}

func (m *Manager) Fail(ctx context.Context, txID string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.transitionLocked(txID, models.TransactionRunning, models.TransactionFailed)
	if err != nil {
		return err
	}

	tx.Status = models.TransactionFailed
	tx.EndTime = time.Now()

	if cause != nil {
		tx.Error = cause.Error()
	}

	m.checkpointLocked(ctx, tx)

	return nil
}

func (m *Manager) transitionLocked(txID string, from, to models.TransactionStatus) (*models.Transaction, error) {
	tx, ok := m.txs[txID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransaction, txID)
	}

	if tx.Status != from {
		return nil, &TransitionError{TransactionID: txID, From: tx.Status, To: to}
	}

	return tx, nil
}

func (m *Manager) Get(txID string) (models.Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[txID]
	if !ok {
		return models.Transaction{}, false
	}

	return *tx, true
}

// Transactions returns every transaction in creation order.
func (m *Manager) Transactions() []models.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Transaction, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.txs[id])
	}

	return out
}

// Ledger returns every compensation executed so far, in execution order.
func (m *Manager) Ledger() []models.CompensationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.ledger)
}

// BranchStatus reports the state of txID and its transitive dependencies.
func (m *Manager) BranchStatus(txID string) BranchStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := BranchStatus{TransactionID: txID, Counts: map[models.TransactionStatus]int{}}

	if _, ok := m.txs[txID]; !ok {
		return status
	}

	members := m.closureLocked(txID)
	members[txID] = true

	for id := range members {
		status.Members = append(status.Members, id)
		status.Counts[m.txs[id].Status]++
	}

	sort.Strings(status.Members)

	return status
}

// closureLocked returns the transitive dependencies of txID, excluding txID.
func (m *Manager) closureLocked(txID string) map[string]bool {
	closure := map[string]bool{}
	stack := slices.Clone(m.txs[txID].Dependencies)

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if closure[id] {
			continue
		}

		closure[id] = true
		stack = append(stack, m.txs[id].Dependencies...)
	}

	return closure
}

func isLive(status models.TransactionStatus) bool {
	return status == models.TransactionPending || status == models.TransactionRunning || status == models.TransactionCompleted
}

// CompensateBranch unwinds the branch of a failed transaction. Completed
// ancestors are compensated in reverse completion order, each at most once;
// an ancestor still needed by a live transaction outside the branch is
// deferred until Settle or CompensateAll. Compensation failures are collected
// into a *CompensationError and never stop the unwind. The failed
// transaction itself ends up compensated.
func (m *Manager) CompensateBranch(ctx context.Context, failedTxID string) (UnwindResult, error) {
	m.mu.Lock()

	failed, ok := m.txs[failedTxID]
	if !ok {
		m.mu.Unlock()

		return UnwindResult{}, fmt.Errorf("%w: %s", ErrUnknownTransaction, failedTxID)
	}

	if failed.Status != models.TransactionFailed {
		m.mu.Unlock()

		return UnwindResult{}, &TransitionError{TransactionID: failedTxID, From: failed.Status, To: models.TransactionCompensated}
	}

	closure := m.closureLocked(failedTxID)

	var (
		targets  []*models.Transaction
		deferred []string
	)

	for id := range closure {
		tx := m.txs[id]
		if tx.Status != models.TransactionCompleted {
			continue
		}

		if m.neededOutsideLocked(id, closure, failedTxID) {
			m.deferred[id] = true
			deferred = append(deferred, id)

			continue
		}

		targets = append(targets, tx)
	}

	m.mu.Unlock()

	result, err := m.unwind(ctx, targets)
	result.Deferred = deferred
	sort.Strings(result.Deferred)

	m.mu.Lock()
	failed.Status = models.TransactionCompensated
	failed.EndTime = time.Now()
	m.checkpointLocked(ctx, failed)
	m.mu.Unlock()

	return result, err
}

func (m *Manager) neededOutsideLocked(id string, closure map[string]bool, failedTxID string) bool {
	for _, dependent := range m.dependents[id] {
		if dependent == failedTxID || closure[dependent] {
			continue
		}

		if isLive(m.txs[dependent].Status) {
			return true
		}
	}

	return false
}

// Settle resolves deferred compensations once no work is in flight. A
// deferred transaction is compensated unless keep reports that its effects
// are part of a delivered output.
func (m *Manager) Settle(ctx context.Context, keep func(tx models.Transaction) bool) (UnwindResult, error) {
	m.mu.Lock()

	var targets []*models.Transaction

	for id := range m.deferred {
		tx := m.txs[id]
		if tx.Status == models.TransactionCompleted && (keep == nil || !keep(*tx)) {
			targets = append(targets, tx)
		}
	}

	m.deferred = make(map[string]bool)
	m.mu.Unlock()

	return m.unwind(ctx, targets)
}

// CompensateAll unwinds every completed transaction and marks every failed
// one compensated. Used when a run is cancelled or aborted.
func (m *Manager) CompensateAll(ctx context.Context) (UnwindResult, error) {
	m.mu.Lock()

	var targets []*models.Transaction

	for _, id := range m.order {
		tx := m.txs[id]
		if tx.Status == models.TransactionCompleted {
			targets = append(targets, tx)
		}
	}

	m.deferred = make(map[string]bool)
	m.mu.Unlock()

	result, err := m.unwind(ctx, targets)

	m.mu.Lock()
	for _, id := range m.order {
		tx := m.txs[id]
		if tx.Status == models.TransactionFailed {
			tx.Status = models.TransactionCompensated
			m.checkpointLocked(ctx, tx)
		}
	}
	m.mu.Unlock()

	return result, err
}

// unwind compensates targets latest-completed first. A transaction already
// claimed by a concurrent unwind is skipped so each action runs exactly once.
func (m *Manager) unwind(ctx context.Context, targets []*models.Transaction) (UnwindResult, error) {
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].Sequence != targets[j].Sequence {
			return targets[i].Sequence > targets[j].Sequence
		}

		return targets[i].StartTime.After(targets[j].StartTime)
	})

	var (
		result   UnwindResult
		failures []models.CompensationRecord
	)

	for _, tx := range targets {
		m.mu.Lock()
		if tx.Status != models.TransactionCompleted {
			m.mu.Unlock()

			continue
		}

		tx.Status = models.TransactionCompensated
		delete(m.deferred, tx.ID)
		snapshot := *tx
		m.mu.Unlock()

		result.Compensated = append(result.Compensated, tx.ID)

		if snapshot.Compensation == nil {
			m.mu.Lock()
			m.checkpointLocked(ctx, tx)
			m.manifestLocked(ctx)
			m.mu.Unlock()

			continue
		}

		action := *snapshot.Compensation

		err := m.compensator.Compensate(ctx, snapshot, action)

		action.Executed = true
		action.Timestamp = time.Now()

		if err != nil {
			action.Error = err.Error()
			m.logger.WarnContext(ctx, "Compensation failed",
				"transaction_id", tx.ID, "node_id", tx.NodeID, "service_id", action.ServiceID, "error", err)
		} else {
			m.logger.InfoContext(ctx, "Compensation executed",
				"transaction_id", tx.ID, "node_id", tx.NodeID, "service_id", action.ServiceID, "action", action.Action)
		}

		record := models.CompensationRecord{TransactionID: tx.ID, NodeID: tx.NodeID, CompensationAction: action}

		m.mu.Lock()
		tx.Compensation = &action
		m.ledger = append(m.ledger, record)
		m.checkpointLocked(ctx, tx)
		m.manifestLocked(ctx)
		m.mu.Unlock()

		result.Records = append(result.Records, record)

		if err != nil {
			failures = append(failures, record)
		}
	}

	if len(failures) > 0 {
		return result, &CompensationError{Failures: failures}
	}

	return result, nil
}
