package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/persistence"
	"github.com/dukex/agentflow/pkg/protocol"
)

// SetOwner stamps the run manifest with the process executing the run.
func (m *Manager) SetOwner(owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.owner = owner
}

// manifestLocked persists the completed transactions of the run. Failures are
// logged; they never block a state transition.
func (m *Manager) manifestLocked(ctx context.Context) {
	if m.store == nil {
		return
	}

	manifest := models.RunManifest{
		RunID:        m.runID,
		Owner:        m.owner,
		Transactions: []models.Transaction{},
		UpdatedAt:    time.Now(),
	}

	for _, id := range m.order {
		tx := m.txs[id]
		if tx.Status == models.TransactionCompleted {
			manifest.Transactions = append(manifest.Transactions, *tx)
		}
	}

	blob, err := json.Marshal(manifest)
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to marshal run manifest", "error", err)

		return
	}

	err = m.store.Save(context.WithoutCancel(ctx), persistence.RunKey(m.runID), blob)
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to persist run manifest", "error", err)
	}
}

// Discard removes the run manifest. Call it once the run finished and every
// compensation it needed has run.
func (m *Manager) Discard(ctx context.Context) {
	if m.store == nil {
		return
	}

	err := m.store.Delete(context.WithoutCancel(ctx), persistence.RunKey(m.runID))
	if err != nil && !persistence.IsNotFound(err) {
		m.logger.WarnContext(ctx, "Failed to remove run manifest", "error", err)
	}
}

// restore loads the transactions of a manifest as completed work.
func (m *Manager) restore(manifest models.RunManifest) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.owner = manifest.Owner

	for _, tx := range manifest.Transactions {
		restored := tx
		m.txs[tx.ID] = &restored
		m.order = append(m.order, tx.ID)
		m.sequence = max(m.sequence, tx.Sequence)
	}
}

// LoadManifest reads the manifest of a run.
func LoadManifest(ctx context.Context, store persistence.Store, runID string) (models.RunManifest, error) {
	blob, err := store.Load(ctx, persistence.RunKey(runID))
	if err != nil {
		return models.RunManifest{}, err
	}

	var manifest models.RunManifest

	err = json.Unmarshal(blob, &manifest)
	if err != nil {
		return models.RunManifest{}, fmt.Errorf("failed to unmarshal run manifest %s: %w", runID, err)
	}

	return manifest, nil
}

// Recover unwinds the runs owner left unfinished. Every completed transaction
// of an orphaned manifest is compensated latest first and the manifest is
// removed. A run whose context snapshot exists had already finished, so only
// its manifest is removed. Recover returns the ids of the unwound runs.
func Recover(ctx context.Context, store persistence.Store, owner string, compensator protocol.Compensable, logger *slog.Logger) ([]string, error) {
	keys, err := store.Keys(ctx, persistence.RunPrefix)
	if err != nil {
		return nil, err
	}

	var recovered []string

	for _, key := range keys {
		runID := key[len(persistence.RunPrefix):]

		manifest, err := LoadManifest(ctx, store, runID)
		if err != nil {
			logger.WarnContext(ctx, "Skipping unreadable run manifest", "run_id", runID, "error", err)

			continue
		}

		if manifest.Owner != owner {
			continue
		}

		m := NewManager(runID, compensator, store, logger)

		_, err = store.Load(ctx, persistence.ContextKey(runID))
		if err == nil {
			m.Discard(ctx)

			continue
		}

		m.restore(manifest)

		result, err := m.CompensateAll(ctx)
		if err != nil {
			m.logger.ErrorContext(ctx, "Compensation of interrupted run incomplete", "error", err)
		}

		m.logger.InfoContext(ctx, "Unwound interrupted run", "compensated", len(result.Compensated))
		m.Discard(ctx)

		recovered = append(recovered, runID)
	}

	return recovered, nil
}
