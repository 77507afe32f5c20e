// Package coordinator runs the iterative decision loop of autonomous nodes: a
// reasoning step decides, stateless helper steps do the work, until the
// reasoning step completes or hands off to another coordinator.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/dukex/agentflow/pkg/contextstore"
	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/protocol"
)

const DefaultMaxIterations = 10

// Working-memory fields of the coordinator node.
const (
	HelperResultsField = "helper_results"
	SynthesisField     = "synthesis"
)

var (
	ErrReasoningFailed = errors.New("reasoning step failed")
	ErrNoReasoningStep = errors.New("coordinator has no reasoning step")
)

// StepResolver resolves step references. The registry satisfies it.
type StepResolver interface {
	Step(ref string, config map[string]any) (protocol.Invocable, error)
}

type Request struct {
	RunID         string
	NodeID        string
	TransactionID string
	Spec          models.CoordinatorSpec
	Input         map[string]any
	Parameters    map[string]any
	// Memory receives helper results under NodeID. Optional.
	Memory *contextstore.Store
}

// HelperCall is one helper invocation as seen by later reasoning iterations.
type HelperCall struct {
	Iteration int    `json:"iteration"`
	Helper    string `json:"helper"`
	Task      any    `json:"task,omitempty"`
	Success   bool   `json:"success"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

type Response struct {
	Success     bool
	Result      any
	Handoff     *models.Handoff
	Error       string
	Iterations  int
	HelperCalls int
	// Partial is set when the loop stopped without an explicit complete.
	Partial bool
}

type Loop struct {
	steps  StepResolver
	logger *slog.Logger
}

func NewLoop(steps StepResolver, logger *slog.Logger) *Loop {
	return &Loop{
		steps:  steps,
		logger: logger.With("module", "coordinator"),
	}
}

type run struct {
	req       Request
	logger    *slog.Logger
	history   []HelperCall
	synthesis any
}

// Execute drives the loop. It returns an error only when the reasoning step
// itself cannot be invoked or reports failure; unparseable answers and
// exhausted iterations end with a partial result.
func (l *Loop) Execute(ctx context.Context, req Request) (Response, error) {
	if req.Spec.ReasoningRef == "" {
		return Response{}, ErrNoReasoningStep
	}

	reasoner, err := l.steps.Step(req.Spec.ReasoningRef, req.Parameters)
	if err != nil {
		return Response{}, err
	}

	maxIterations := req.Spec.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	r := &run{
		req:    req,
		logger: l.logger.With("run_id", req.RunID, "node_id", req.NodeID),
	}

	for iteration := 1; iteration <= maxIterations; iteration++ {
		if ctx.Err() != nil {
			return Response{Iterations: iteration - 1, HelperCalls: len(r.history)}, fmt.Errorf("%w: %w", ErrReasoningFailed, ctx.Err())
		}

		answer, err := protocol.Timed(ctx, reasoner, models.TaskDescriptor{
			ID:         fmt.Sprintf("%s/reason/%d", req.TransactionID, iteration),
			Type:       req.Spec.ReasoningRef,
			Input:      r.reasoningInput(iteration, maxIterations),
			Parameters: req.Parameters,
		})
		if err != nil {
			return Response{Iterations: iteration}, fmt.Errorf("%w: %w", ErrReasoningFailed, err)
		}

		if !answer.Success {
			return Response{Iterations: iteration}, fmt.Errorf("%w: %s", ErrReasoningFailed, answer.Error)
		}

		decision, err := ParseDecision(answer.Result)
		if err != nil {
			r.logger.WarnContext(ctx, "Unparseable decision, completing with partial result",
				"iteration", iteration, "error", err)

			return r.partial(iteration, err.Error()), nil
		}

		r.logger.DebugContext(ctx, "Coordinator decision", "iteration", iteration, "action", decision.Action)

		switch decision.Action {
		case ActionCallHelper:
			r.callHelper(ctx, l.steps, iteration, decision)
		case ActionSynthesize:
			r.synthesize(ctx, l.steps, decision)
		case ActionComplete:
			result := decision.Result
			if result == nil {
				result = r.best()
			}

			return Response{
				Success:     true,
				Result:      result,
				Iterations:  iteration,
				HelperCalls: len(r.history),
			}, nil
		case ActionPassToCoordinator:
			payload := decision.Result
			if payload == nil {
				payload = r.best()
			}

			return Response{
				Success: true,
				Result:  payload,
				Handoff: &models.Handoff{
					FromNode: req.NodeID,
					Target:   decision.Target,
					Payload:  payload,
				},
				Iterations:  iteration,
				HelperCalls: len(r.history),
			}, nil
		}
	}

	r.logger.WarnContext(ctx, "Coordinator reached max iterations", "max_iterations", maxIterations)

	return r.partial(maxIterations, fmt.Sprintf("max iterations (%d) reached", maxIterations)), nil
}

func (r *run) reasoningInput(iteration, maxIterations int) map[string]any {
	return map[string]any{
		"task":           r.req.Input,
		"helpers":        slices.Clone(r.req.Spec.Helpers),
		"history":        slices.Clone(r.history),
		"synthesis":      r.synthesis,
		"iteration":      iteration,
		"max_iterations": maxIterations,
	}
}

func (r *run) allowed(helper string) bool {
	return len(r.req.Spec.Helpers) == 0 || slices.Contains(r.req.Spec.Helpers, helper)
}

func (r *run) callHelper(ctx context.Context, steps StepResolver, iteration int, decision Decision) {
	call := HelperCall{Iteration: iteration, Helper: decision.Helper, Task: decision.Task}

	defer func() {
		r.history = append(r.history, call)
		r.remember(ctx)
	}()

	if !r.allowed(decision.Helper) {
		call.Error = fmt.Sprintf("helper %q is not available to this coordinator", decision.Helper)

		return
	}

	helper, err := steps.Step(decision.Helper, decision.Parameters)
	if err != nil {
		call.Error = err.Error()

		return
	}

	task := decision.Task
	if task == nil {
		task = r.req.Input
	}

	result, err := protocol.Timed(ctx, helper, models.TaskDescriptor{
		ID:         fmt.Sprintf("%s/helper/%d", r.req.TransactionID, iteration),
		Type:       decision.Helper,
		Input:      map[string]any{"task": task},
		Parameters: decision.Parameters,
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
}

func (r *run) remember(ctx context.Context) {
	if r.req.Memory == nil {
		return
	}

	results := make([]any, 0, len(r.history))
	for _, call := range r.history {
		results = append(results, call)
	}

	err := r.req.Memory.Update(r.req.NodeID, map[string]any{HelperResultsField: results})
	if err != nil {
		r.logger.WarnContext(ctx, "Failed to record helper results", "error", err)
	}
}

func (r *run) rememberSynthesis(ctx context.Context) {
	if r.req.Memory == nil {
		return
	}

	err := r.req.Memory.Update(r.req.NodeID, map[string]any{SynthesisField: r.synthesis})
	if err != nil {
		r.logger.WarnContext(ctx, "Failed to record synthesis", "error", err)
	}
}

// synthesize prefers the summary in the decision, then the synthesizer step,
// then a structural fold of successful helper results.
func (r *run) synthesize(ctx context.Context, steps StepResolver, decision Decision) {
	defer r.rememberSynthesis(ctx)

	if decision.Summary != nil {
		r.synthesis = decision.Summary

		return
	}

	if ref := r.req.Spec.SynthesizerRef; ref != "" {
		synthesizer, err := steps.Step(ref, r.req.Parameters)
		if err == nil {
			result, err := protocol.Timed(ctx, synthesizer, models.TaskDescriptor{
				ID:         r.req.TransactionID + "/synthesize",
				Type:       ref,
				Input:      map[string]any{"task": r.req.Input, "results": r.successful()},
				Parameters: r.req.Parameters,
			})
			if err == nil && result.Success {
				r.synthesis = result.Result

				return
			}
		}

		r.logger.WarnContext(ctx, "Synthesizer unavailable, folding helper results", "synthesizer", ref)
	}

	r.synthesis = map[string]any{"results": r.successful()}
}

func (r *run) successful() []any {
	results := make([]any, 0, len(r.history))

	for _, call := range r.history {
		if call.Success {
			results = append(results, call.Result)
		}
	}

	return results
}

// best is the last synthesis, else the successful helper results.
func (r *run) best() any {
	if r.synthesis != nil {
		return r.synthesis
	}

	return r.successful()
}

func (r *run) partial(iterations int, reason string) Response {
	return Response{
		Success:     true,
		Result:      r.best(),
		Error:       reason,
		Iterations:  iterations,
		HelperCalls: len(r.history),
		Partial:     true,
	}
}
