// Package protocol defines the capability interfaces implemented by external
// steps and services the engine talks to.
package protocol

import (
	"context"
	"time"

	"github.com/dukex/agentflow/pkg/models"
)

// Invocable performs one unit of external work. Implementations are stateless
// between calls; continuity lives in the caller's context store.
type Invocable interface {
	Invoke(ctx context.Context, task models.TaskDescriptor) (models.StepResult, error)
}

// Compensable semantically undoes the side effects of a completed transaction.
// Implementations must be idempotent.
type Compensable interface {
	Compensate(ctx context.Context, tx models.Transaction, action models.CompensationAction) error
}

// Resumable restores a paused transaction from its checkpoint.
type Resumable interface {
	Resume(ctx context.Context, checkpoint models.Checkpoint) error
}

// InvokerFunc adapts a function to Invocable.
type InvokerFunc func(ctx context.Context, task models.TaskDescriptor) (models.StepResult, error)

func (f InvokerFunc) Invoke(ctx context.Context, task models.TaskDescriptor) (models.StepResult, error) {
	return f(ctx, task)
}

// CompensatorFunc adapts a function to Compensable.
type CompensatorFunc func(ctx context.Context, tx models.Transaction, action models.CompensationAction) error

func (f CompensatorFunc) Compensate(ctx context.Context, tx models.Transaction, action models.CompensationAction) error {
	return f(ctx, tx, action)
}

// StepFactory builds an Invocable from configuration. Plugins export one
// under the symbol "Step".
type StepFactory interface {
	ID() string
	Create(config map[string]any) (Invocable, error)
}

// Timed invokes step and fills in ExecutionTimeMs when the step left it empty.
func Timed(ctx context.Context, step Invocable, task models.TaskDescriptor) (models.StepResult, error) {
	started := time.Now()

	result, err := step.Invoke(ctx, task)
	if result.ExecutionTimeMs == 0 {
		result.ExecutionTimeMs = time.Since(started).Milliseconds()
	}

	return result, err
}
