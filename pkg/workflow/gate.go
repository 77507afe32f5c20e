package workflow

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/dukex/agentflow/pkg/approval"
	"github.com/dukex/agentflow/pkg/models"
)

// ArtifactInputs is the gate artifact holding the input the gate was reached with.
const ArtifactInputs = "inputs"

// gate suspends the node until a human decision or the stage deadline
// resolves it. Cancelling ctx resolves the gate as cancelled.
func gate(ctx context.Context, r *run, task *nodeTask) (outcome, error) {
	node := task.node

	spec := models.ApprovalSpec{Stage: node.ID}
	if node.Approval != nil {
		spec = *node.Approval
	}

	timeout := r.e.config.GateTimeout
	if spec.TimeoutMs > 0 {
		timeout = time.Duration(spec.TimeoutMs) * time.Millisecond
	}

	artifacts := make(map[string]any, len(spec.Artifacts)+1)
	maps.Copy(artifacts, spec.Artifacts)
	artifacts[ArtifactInputs] = task.input

	token, err := r.e.gates.Open(ctx, approval.OpenRequest{
		TransactionID: task.tx.ID,
		RunID:         r.id,
		NodeID:        node.ID,
		Stage:         spec.Stage,
		Timeout:       timeout,
		Artifacts:     artifacts,
		Checkpointer:  r.saga,
	})
	if err != nil {
		return outcome{}, &StepExecutionError{NodeID: node.ID, Message: "open approval gate", Err: err}
	}

	if r.halted.Load() {
		r.e.gates.CancelRun(context.WithoutCancel(ctx), r.id)
	}

	resolved, err := r.e.gates.Wait(ctx, token.Token)
	if err != nil {
		return outcome{}, &StepExecutionError{NodeID: node.ID, Message: "wait for approval", Err: err}
	}

	out := outcome{gate: resolved.Status}

	switch resolved.Status {
	case models.GateApproved, models.GateModified:
		out.result = resolved.Output

		return out, nil
	case models.GateRejected:
		message := "rejected"
		if resolved.Decision != nil && resolved.Decision.Feedback != "" {
			message = resolved.Decision.Feedback
		}

		return out, &StepExecutionError{NodeID: node.ID, Message: message, Err: fmt.Errorf("%w: %s", ErrGateRejected, message)}
	case models.GateExpired:
		return out, &TimeoutError{NodeID: node.ID, Timeout: timeout, Stage: spec.Stage}
	default:
		return out, fmt.Errorf("%w: gate %s of node %s", ErrCancelled, spec.Stage, node.ID)
	}
}
