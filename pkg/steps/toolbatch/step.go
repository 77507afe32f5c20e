// Package toolbatch provides a step that runs one tool step per item, for
// batch_execute nodes. The number of items is bounded by the node's batch
// limit and the fan-out by the configured concurrency.
package toolbatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/protocol"
	"golang.org/x/sync/errgroup"
)

const (
	// ItemsField names the list of items in the task input, either at the top
	// level or inside the run input.
	ItemsField = "items"
	// BatchLimitParameter matches the parameter set by the executor.
	BatchLimitParameter = "batch_limit"
	DefaultConcurrency  = 4
)

var ErrBatchLimit = errors.New("batch exceeds limit")

// Resolver resolves the tool step. The registry satisfies it.
type Resolver interface {
	Step(ref string, config map[string]any) (protocol.Invocable, error)
}

// Call is the outcome of one sub-call.
type Call struct {
	Index   int    `json:"index"`
	Item    any    `json:"item"`
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

type Step struct {
	tool        protocol.Invocable
	toolRef     string
	concurrency int
	failFast    bool
	logger      *slog.Logger
}

// Invoke calls the tool once per item. The batch fails when any call fails
// and fail_fast is set, or when every call failed.
func (s *Step) Invoke(ctx context.Context, task models.TaskDescriptor) (models.StepResult, error) {
	items := items(task.Input)

	if limit, ok := task.Parameters[BatchLimitParameter].(int); ok && len(items) > limit {
		return models.StepResult{
			Success: false,
			Error:   fmt.Sprintf("%v: %d items, limit %d", ErrBatchLimit, len(items), limit),
		}, nil
	}

	calls := make([]Call, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for i, item := range items {
		g.Go(func() error {
			call := Call{Index: i, Item: item}

			result, err := s.tool.Invoke(gctx, models.TaskDescriptor{
				ID:         fmt.Sprintf("%s/%d", task.ID, i),
				Type:       s.toolRef,
				Input:      map[string]any{"item": item},
				Parameters: task.Parameters,
			})

			switch {
			case err != nil:
				call.Error = err.Error()
			case !result.Success:
				call.Error = result.Error
			default:
				call.Success = true
				call.Result = result.Result
			}

			calls[i] = call

			if !call.Success && s.failFast {
				return fmt.Errorf("item %d: %s", i, call.Error)
			}

			return nil
		})
	}

	err := g.Wait()
	if err != nil {
		return models.StepResult{Success: false, Error: err.Error()}, nil
	}

	succeeded := 0
	results := make([]any, len(calls))

	for i, call := range calls {
		results[i] = call
		if call.Success {
			succeeded++
		}
	}

	s.logger.DebugContext(ctx, "Batch finished", "task_id", task.ID, "calls", len(calls), "succeeded", succeeded)

	if len(calls) > 0 && succeeded == 0 {
		return models.StepResult{Success: false, Error: "every batch call failed"}, nil
	}

	return models.StepResult{
		Success: true,
		Result: map[string]any{
			"calls":     results,
			"succeeded": succeeded,
			"failed":    len(calls) - succeeded,
		},
	}, nil
}

func items(input map[string]any) []any {
	if list, ok := input[ItemsField].([]any); ok {
		return list
	}

	if run, ok := input["input"].(map[string]any); ok {
		if list, ok := run[ItemsField].([]any); ok {
			return list
		}
	}

	return nil
}

type Factory struct {
	steps  Resolver
	logger *slog.Logger
}

func NewFactory(steps Resolver, logger *slog.Logger) *Factory {
	return &Factory{steps: steps, logger: logger.With("module", "toolbatch_step")}
}

func (f *Factory) ID() string {
	return "toolbatch"
}

// Create requires "tool", the step ref called per item, and accepts
// "concurrency" and "fail_fast".
func (f *Factory) Create(config map[string]any) (protocol.Invocable, error) {
	ref, ok := config["tool"].(string)
	if !ok || ref == "" {
		return nil, errors.New("missing required field 'tool'")
	}

	tool, err := f.steps.Step(ref, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tool %q: %w", ref, err)
	}

	step := &Step{tool: tool, toolRef: ref, concurrency: DefaultConcurrency, logger: f.logger}

	switch concurrency := config["concurrency"].(type) {
	case int:
		step.concurrency = concurrency
	case float64:
		step.concurrency = int(concurrency)
	}

	if step.concurrency < 1 {
		return nil, fmt.Errorf("invalid concurrency %d", step.concurrency)
	}

	if failFast, ok := config["fail_fast"].(bool); ok {
		step.failFast = failFast
	}

	return step, nil
}
