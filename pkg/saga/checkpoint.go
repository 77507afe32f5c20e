package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/persistence"
)

// SetCheckpointState attaches resumable state to a gated transaction and
// persists a new checkpoint version.
func (m *Manager) SetCheckpointState(ctx context.Context, txID string, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[txID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, txID)
	}

	m.states[txID] = state

	return m.saveCheckpointLocked(ctx, tx)
}

// checkpointLocked persists a checkpoint for gated transactions. Failures are
// logged; they never block a state transition.
func (m *Manager) checkpointLocked(ctx context.Context, tx *models.Transaction) {
	if !tx.Gated {
		return
	}

	err := m.saveCheckpointLocked(ctx, tx)
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to persist checkpoint", "transaction_id", tx.ID, "error", err)
	}
}

func (m *Manager) saveCheckpointLocked(ctx context.Context, tx *models.Transaction) error {
	if m.store == nil {
		return nil
	}

	m.versions[tx.ID]++

	checkpoint := models.Checkpoint{
		TransactionID: tx.ID,
		RunID:         tx.RunID,
		NodeID:        tx.NodeID,
		Status:        tx.Status,
		State:         m.states[tx.ID],
		Timestamp:     time.Now(),
		CanResume:     tx.Status == models.TransactionPending || tx.Status == models.TransactionRunning,
		Version:       m.versions[tx.ID],
	}

	blob, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	return m.store.Save(context.WithoutCancel(ctx), persistence.CheckpointKey(tx.ID), blob)
}

// LoadCheckpoint reads the latest checkpoint of a transaction.
func LoadCheckpoint(ctx context.Context, store persistence.Store, txID string) (models.Checkpoint, error) {
	blob, err := store.Load(ctx, persistence.CheckpointKey(txID))
	if err != nil {
		return models.Checkpoint{}, err
	}

	var checkpoint models.Checkpoint

	err = json.Unmarshal(blob, &checkpoint)
	if err != nil {
		return models.Checkpoint{}, fmt.Errorf("failed to unmarshal checkpoint %s: %w", txID, err)
	}

	return checkpoint, nil
}

// ListCheckpoints loads every persisted checkpoint.
func ListCheckpoints(ctx context.Context, store persistence.Store) ([]models.Checkpoint, error) {
	keys, err := store.Keys(ctx, persistence.CheckpointPrefix)
	if err != nil {
		return nil, err
	}

	checkpoints := make([]models.Checkpoint, 0, len(keys))

	for _, key := range keys {
		checkpoint, err := LoadCheckpoint(ctx, store, key[len(persistence.CheckpointPrefix):])
		if err != nil {
			return nil, err
		}

		checkpoints = append(checkpoints, checkpoint)
	}

	return checkpoints, nil
}
