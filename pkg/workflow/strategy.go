package workflow

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/dukex/agentflow/pkg/contextstore"
	"github.com/dukex/agentflow/pkg/coordinator"
	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/protocol"
	"github.com/dukex/agentflow/pkg/template"
)

// BatchLimitParameter is the task parameter carrying the sub-call bound of a
// batch_execute node.
const BatchLimitParameter = "batch_limit"

// PredicateMetadata is the node metadata key holding the condition a
// stepless validation node evaluates.
const PredicateMetadata = "predicate"

type nodeTask struct {
	node  *models.Node
	flow  models.FlowType
	gated bool
	tx    models.Transaction
	input map[string]any
}

type outcome struct {
	result any
	// passed is the predicate result of a validation node.
	passed  bool
	handoff *models.Handoff
	gate    models.GateStatus
}

type strategy func(ctx context.Context, r *run, task *nodeTask) (outcome, error)

func strategies() map[models.FlowType]strategy {
	return map[models.FlowType]strategy{
		models.FlowDirectCall:         directCall,
		models.FlowContextHandoff:     contextHandoff,
		models.FlowBatchExecute:       batchExecute,
		models.FlowSDKDelegate:        sdkDelegate,
		models.FlowValidation:         validation,
		models.FlowAutonomousDecision: autonomousDecision,
	}
}

func (r *run) timeoutFor(node *models.Node, flow models.FlowType) time.Duration {
	switch {
	case node.TimeoutMs > 0:
		return time.Duration(node.TimeoutMs) * time.Millisecond
	case flow == models.FlowSDKDelegate:
		return r.e.config.DelegateTimeout
	default:
		return r.e.config.NodeTimeout
	}
}

func parameters(node *models.Node) map[string]any {
	params := make(map[string]any, len(node.Metadata)+1)
	maps.Copy(params, node.Metadata)

	return params
}

// invoke calls the node's step under the node deadline. The step keeps
// running in the background when the deadline fires first.
func (r *run) invoke(ctx context.Context, task *nodeTask, params map[string]any) (any, error) {
	node := task.node

	step, err := r.e.steps.Step(node.StepRef, node.Metadata)
	if err != nil {
		return nil, &StepExecutionError{NodeID: node.ID, StepRef: node.StepRef, Err: err}
	}

	timeout := r.timeoutFor(node, task.flow)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type reply struct {
		result models.StepResult
		err    error
	}

	replies := make(chan reply, 1)

	go func() {
		result, err := protocol.Timed(ctx, step, models.TaskDescriptor{
			ID:         task.tx.ID,
			Type:       string(task.flow),
			Input:      task.input,
			Parameters: params,
		})
		replies <- reply{result: result, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, &TimeoutError{NodeID: node.ID, Timeout: timeout}
	case reply := <-replies:
		switch {
		case reply.err != nil && ctx.Err() != nil:
			return nil, &TimeoutError{NodeID: node.ID, Timeout: timeout}
		case reply.err != nil:
			return nil, &StepExecutionError{NodeID: node.ID, StepRef: node.StepRef, Err: reply.err}
		case !reply.result.Success:
			return nil, &StepExecutionError{NodeID: node.ID, StepRef: node.StepRef, Message: reply.result.Error}
		}

		return reply.result.Result, nil
	}
}

// directCall invokes the step with the node input. Stepless nodes pass
// their input through; the entry node passes the run input.
func directCall(ctx context.Context, r *run, task *nodeTask) (outcome, error) {
	if task.node.StepRef == "" {
		if task.node.ID == r.def.EntryNode {
			return outcome{result: contextstore.Clone(r.input)}, nil
		}

		return outcome{result: task.input}, nil
	}

	result, err := r.invoke(ctx, task, parameters(task.node))

	return outcome{result: result}, err
}

// contextHandoff forwards the selected slice of the upstream working memory
// without invoking a step. A single source hands its slice over as is.
func contextHandoff(_ context.Context, _ *run, task *nodeTask) (outcome, error) {
	handoff, _ := task.input["handoff"].(map[string]any)

	switch len(handoff) {
	case 0:
		return outcome{result: task.input["context"]}, nil
	case 1:
		for _, slice := range handoff {
			return outcome{result: slice}, nil
		}
	}

	return outcome{result: handoff}, nil
}

// batchExecute runs a step that fans out into sub-calls, bounded by the
// node's batch limit.
func batchExecute(ctx context.Context, r *run, task *nodeTask) (outcome, error) {
	limit := task.node.BatchLimit
	if limit == 0 {
		limit = r.e.config.BatchLimit
	}

	params := parameters(task.node)
	params[BatchLimitParameter] = limit

	result, err := r.invoke(ctx, task, params)
	if err != nil {
		return outcome{}, err
	}

	if calls := subCalls(result); calls > limit {
		return outcome{}, &StepExecutionError{
			NodeID:  task.node.ID,
			StepRef: task.node.StepRef,
			Message: fmt.Sprintf("batch made %d calls, limit is %d", calls, limit),
		}
	}

	return outcome{result: result}, nil
}

func subCalls(result any) int {
	switch value := result.(type) {
	case []any:
		return len(value)
	case map[string]any:
		for _, key := range []string{"calls", "results"} {
			if calls, ok := value[key].([]any); ok {
				return len(calls)
			}
		}
	}

	return 0
}

// sdkDelegate hands the task to a long-running external agent under the
// delegate deadline.
func sdkDelegate(ctx context.Context, r *run, task *nodeTask) (outcome, error) {
	result, err := r.invoke(ctx, task, parameters(task.node))

	return outcome{result: result}, err
}

// validation evaluates a predicate whose result selects the outgoing edges.
// Without a step the node evaluates its "predicate" metadata against its
// input.
func validation(ctx context.Context, r *run, task *nodeTask) (outcome, error) {
	if task.node.StepRef != "" {
		result, err := r.invoke(ctx, task, parameters(task.node))
		if err != nil {
			return outcome{}, err
		}

		return outcome{result: result, passed: passed(result)}, nil
	}

	predicate, _ := task.node.Metadata[PredicateMetadata].(string)
	upstream, _ := task.input["context"].(map[string]any)

	ok, err := template.EvaluateCondition(predicate, template.ConditionData{
		Result:  task.input,
		Input:   r.input,
		Context: upstream,
	})
	if err != nil {
		return outcome{}, &StepExecutionError{NodeID: task.node.ID, Message: "predicate", Err: err}
	}

	return outcome{result: map[string]any{"valid": ok}, passed: ok}, nil
}

func passed(result any) bool {
	switch value := result.(type) {
	case bool:
		return value
	case map[string]any:
		for _, key := range []string{"valid", "passed"} {
			if verdict, ok := value[key].(bool); ok {
				return verdict
			}
		}
	}

	return template.Truthy(result)
}

// autonomousDecision drives the coordinator decision loop. The node deadline
// bounds the whole loop; reaching it fails the node with ErrReasoningFailed.
func autonomousDecision(ctx context.Context, r *run, task *nodeTask) (outcome, error) {
	node := task.node
	if node.Coordinator == nil {
		return outcome{}, &StepExecutionError{NodeID: node.ID, Message: "node has no coordinator configuration"}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeoutFor(node, task.flow))
	defer cancel()

	resp, err := r.e.coordinator.Execute(ctx, coordinator.Request{
		RunID:         r.id,
		NodeID:        node.ID,
		TransactionID: task.tx.ID,
		Spec:          *node.Coordinator,
		Input:         task.input,
		Parameters:    parameters(node),
		Memory:        r.memory,
	})
	if err != nil {
		return outcome{}, &StepExecutionError{NodeID: node.ID, StepRef: node.Coordinator.ReasoningRef, Err: err}
	}

	if !resp.Success {
		return outcome{}, &StepExecutionError{NodeID: node.ID, StepRef: node.Coordinator.ReasoningRef, Message: resp.Error}
	}

	return outcome{result: resp.Result, handoff: resp.Handoff}, nil
}
