package models

import "time"

type GateStatus string

const (
	GateAwaitingDecision GateStatus = "awaiting_decision"
	GateApproved         GateStatus = "approved"
	GateRejected         GateStatus = "rejected"
	GateModified         GateStatus = "modified"
	GateExpired          GateStatus = "expired"
	GateCancelled        GateStatus = "cancelled"
)

// Succeeded reports whether the gate resolution maps to a completed transaction.
func (s GateStatus) Succeeded() bool {
	return s == GateApproved || s == GateModified
}

func (s GateStatus) Resolved() bool {
	return s != GateAwaitingDecision && s != ""
}

// ApprovalToken is single-use: it is invalidated by the first matching decision or by expiry.
type ApprovalToken struct {
	Token         string         `json:"token"`
	TransactionID string         `json:"transaction_id"`
	RunID         string         `json:"run_id"`
	NodeID        string         `json:"node_id"`
	Stage         string         `json:"stage"`
	ExpiresAt     time.Time      `json:"expires_at"`
	Artifacts     map[string]any `json:"artifacts,omitempty"`
}

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionModify  Decision = "modify"
)

type HumanDecision struct {
	Decision      Decision       `json:"decision"                validate:"required,oneof=approve reject modify"`
	Feedback      string         `json:"feedback,omitempty"`
	Modifications map[string]any `json:"modifications,omitempty"`
	DecidedBy     string         `json:"decided_by,omitempty"`
	DecidedAt     time.Time      `json:"decided_at,omitzero"`
}

// GateOutcome is what a resolved gate hands back to the executor.
type GateOutcome struct {
	Token    string         `json:"token"`
	Status   GateStatus     `json:"status"`
	Decision *HumanDecision `json:"decision,omitempty"`
	Output   map[string]any `json:"output,omitempty"`
}
