package workflow

import (
	"time"

	"github.com/dukex/agentflow/pkg/models"
)

func (r *run) result() *models.ExecutionResult {
	result := &models.ExecutionResult{
		RunID:              r.id,
		DAGID:              r.def.ID,
		Outputs:            map[string]any{},
		Nodes:              make(map[string]models.NodeOutcome, len(r.nodes)),
		FailedBranches:     r.branches,
		CompensationReport: r.saga.Ledger(),
		Handoff:            r.handoff,
		Context:            r.memory.Snapshot(),
		Warnings:           r.warnings,
		StartedAt:          r.startedAt,
		FinishedAt:         time.Now(),
	}

	for id, nr := range r.nodes {
		node := models.NodeOutcome{
			NodeID:        id,
			TransactionID: nr.txID,
			State:         nr.state,
			FailureKind:   nr.kind,
			StartedAt:     nr.started,
			FinishedAt:    nr.finished,
		}

		if nr.state == models.NodeCompleted {
			node.Result = nr.result
		}

		if nr.err != nil {
			node.Error = nr.err.Error()
		}

		result.Nodes[id] = node
	}

	if len(r.gates) > 0 {
		result.Gates = r.gates
	}

	for _, exit := range r.def.ExitNodes {
		nr, ok := r.nodes[exit]
		if !ok || nr.state != models.NodeCompleted {
			continue
		}

		result.Outputs[exit] = nr.result
		result.CompletedBranches = append(result.CompletedBranches, r.completedBranch(exit))
	}

	result.Status, result.Error = r.status(len(result.Outputs) > 0)
	result.Success = result.Status == models.RunSucceeded ||
		result.Status == models.RunPartial ||
		result.Status == models.RunHandoff

	return result
}

// completedBranch lists the completed ancestors of exit and exit itself in
// topological order.
func (r *run) completedBranch(exit string) []string {
	branch := []string{exit}

	for ancestor := range r.graph.Ancestors(exit) {
		if r.nodes[ancestor].state == models.NodeCompleted {
			branch = append(branch, ancestor)
		}
	}

	r.graph.SortTopological(branch)

	return branch
}

// status classifies the run. A failure is fatal to the run only when every
// exit it could reach went undelivered.
func (r *run) status(delivered bool) (models.RunStatus, string) {
	switch {
	case r.cancelled:
		return models.RunCancelled, ErrCancelled.Error()
	case r.handoff != nil:
		return models.RunHandoff, ""
	}

	var (
		firstFailure string
		fatal        string
	)

	for _, id := range r.graph.NodeIDs() {
		nr := r.nodes[id]
		if nr.state != models.NodeFailed && !(nr.state == models.NodeCompensated && nr.err != nil) {
			continue
		}

		if firstFailure == "" {
			firstFailure = nr.err.Error()
		}

		if fatal == "" && r.strands(id) {
			fatal = nr.err.Error()
		}
	}

	switch {
	case fatal != "":
		return models.RunFailed, fatal
	case !delivered:
		if firstFailure != "" {
			return models.RunFailed, firstFailure
		}

		return models.RunFailed, ErrNoExit.Error()
	case firstFailure != "":
		return models.RunPartial, ""
	default:
		return models.RunSucceeded, ""
	}
}

// strands reports whether id reaches at least one exit and none of the
// exits it reaches completed.
func (r *run) strands(id string) bool {
	reachesExit := false

	for node := range r.graph.Reachable(id) {
		if !r.def.IsExit(node) {
			continue
		}

		if r.nodes[node].state == models.NodeCompleted {
			return false
		}

		reachesExit = true
	}

	return reachesExit
}

func failedNodes(result *models.ExecutionResult) []string {
	var failed []string

	for _, branch := range result.FailedBranches {
		failed = append(failed, branch.FailedNode)
	}

	return failed
}
