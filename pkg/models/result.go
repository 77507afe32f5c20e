package models

import "time"

type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunHandoff   RunStatus = "handoff"
)

type NodeState string

const (
	NodeNotStarted  NodeState = "not_started"
	NodeRunning     NodeState = "running"
	NodeCompleted   NodeState = "completed"
	NodeFailed      NodeState = "failed"
	NodeCompensated NodeState = "compensated"
	NodeSkipped     NodeState = "skipped"
)

// FailureKind tags why a node failed.
type FailureKind string

const (
	FailureStep      FailureKind = "step"
	FailureTimeout   FailureKind = "timeout"
	FailureRejected  FailureKind = "rejected"
	FailureExpired   FailureKind = "expired"
	FailureCancelled FailureKind = "cancelled"
)

type NodeOutcome struct {
	NodeID        string      `json:"node_id"`
	TransactionID string      `json:"transaction_id,omitempty"`
	State         NodeState   `json:"state"`
	Result        any         `json:"result,omitempty"`
	Error         string      `json:"error,omitempty"`
	FailureKind   FailureKind `json:"failure_kind,omitempty"`
	StartedAt     time.Time   `json:"started_at,omitzero"`
	FinishedAt    time.Time   `json:"finished_at,omitzero"`
}

// BranchReport describes a failed branch: the failed node together with its
// upstream nodes, in dependency order.
type BranchReport struct {
	FailedNode  string   `json:"failed_node"`
	Nodes       []string `json:"nodes"`
	Compensated []string `json:"compensated,omitempty"`
	Deferred    []string `json:"deferred,omitempty"`
	Error       string   `json:"error,omitempty"`
}

type CompensationRecord struct {
	TransactionID string `json:"transaction_id"`
	NodeID        string `json:"node_id"`
	CompensationAction
}

// Handoff is produced when a coordinator passes control to another coordinator.
type Handoff struct {
	FromNode string `json:"from_node"`
	Target   string `json:"target"`
	Payload  any    `json:"payload,omitempty"`
}

// ExecutionResult is the partial-success envelope returned for every run that
// got past validation.
type ExecutionResult struct {
	RunID              string                   `json:"run_id"`
	DAGID              string                   `json:"dag_id"`
	Status             RunStatus                `json:"status"`
	Success            bool                     `json:"success"`
	Outputs            map[string]any           `json:"outputs,omitempty"`
	Nodes              map[string]NodeOutcome   `json:"nodes"`
	Gates              map[string]GateStatus    `json:"gates,omitempty"`
	CompletedBranches  [][]string               `json:"completed_branches,omitempty"`
	FailedBranches     []BranchReport           `json:"failed_branches,omitempty"`
	CompensationReport []CompensationRecord     `json:"compensation_report,omitempty"`
	Handoff            *Handoff                 `json:"handoff,omitempty"`
	Context            map[string]WorkingMemory `json:"context,omitempty"`
	Warnings           []string                 `json:"warnings,omitempty"`
	Error              string                   `json:"error,omitempty"`
	StartedAt          time.Time                `json:"started_at"`
	FinishedAt         time.Time                `json:"finished_at"`
}

// Compensations returns how many compensation actions were executed.
func (r *ExecutionResult) Compensations() int {
	count := 0

	for _, record := range r.CompensationReport {
		if record.Executed {
			count++
		}
	}

	return count
}
