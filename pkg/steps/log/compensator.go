package log

import (
	"context"
	"log/slog"

	"github.com/dukex/agentflow/pkg/models"
)

// CompensatorID is the service id the log compensator is registered under.
const CompensatorID = "log"

// Compensator records compensations without undoing anything. It serves
// notify actions and stands in for services that have nothing to roll back.
type Compensator struct {
	logger *slog.Logger
}

func NewCompensator(logger *slog.Logger) *Compensator {
	return &Compensator{logger: logger.With("module", "log_compensator")}
}

func (c *Compensator) Compensate(ctx context.Context, tx models.Transaction, action models.CompensationAction) error {
	c.logger.WarnContext(ctx, "Compensating transaction",
		"run_id", tx.RunID,
		"node_id", tx.NodeID,
		"transaction_id", tx.ID,
		"action", action.Action,
		"parameters", action.Parameters)

	return nil
}
