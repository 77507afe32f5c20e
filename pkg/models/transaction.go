package models

import (
	"encoding/json"
	"time"
)

type TransactionStatus string

const (
	TransactionPending     TransactionStatus = "pending"
	TransactionRunning     TransactionStatus = "running"
	TransactionCompleted   TransactionStatus = "completed"
	TransactionFailed      TransactionStatus = "failed"
	TransactionCompensated TransactionStatus = "compensated"
)

// CompensationKind names the semantic undo performed by a compensation.
type CompensationKind string

const (
	CompensateCleanupResources CompensationKind = "cleanup_resources"
	CompensateNotify           CompensationKind = "notify"
	CompensateArchiveArtifacts CompensationKind = "archive_artifacts"
	CompensateReleaseData      CompensationKind = "release_data"
	CompensateRollbackState    CompensationKind = "rollback_state"
)

// CompensationAction is registered when a transaction is created and executed
// at most once, after the owning branch fails.
type CompensationAction struct {
	ServiceID  string           `json:"service_id"`
	Action     CompensationKind `json:"action"`
	Parameters map[string]any   `json:"parameters,omitempty"`
	Executed   bool             `json:"executed"`
	Timestamp  time.Time        `json:"timestamp,omitzero"`
	Error      string           `json:"error,omitempty"`
}

// Transaction tracks one execution of one node.
type Transaction struct {
	ID           string              `json:"id"`
	RunID        string              `json:"run_id"`
	NodeID       string              `json:"node_id"`
	Dependencies []string            `json:"dependencies,omitempty"`
	Status       TransactionStatus   `json:"status"`
	Compensation *CompensationAction `json:"compensation,omitempty"`
	Gated        bool                `json:"gated,omitempty"`
	Error        string              `json:"error,omitempty"`
	StartTime    time.Time           `json:"start_time,omitzero"`
	EndTime      time.Time           `json:"end_time,omitzero"`
	// Sequence is the order in which the transaction completed, starting at 1.
	Sequence int `json:"sequence,omitempty"`
}

// RunManifest lists the completed, not yet compensated transactions of a run
// still executing. A manifest left by a crashed process names the work the
// next process must unwind.
type RunManifest struct {
	RunID        string        `json:"run_id"`
	Owner        string        `json:"owner,omitempty"`
	Transactions []Transaction `json:"transactions"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Checkpoint snapshots a gated or long-running transaction so it can be resumed.
type Checkpoint struct {
	TransactionID string            `json:"transaction_id"`
	RunID         string            `json:"run_id"`
	NodeID        string            `json:"node_id"`
	Status        TransactionStatus `json:"status"`
	State         json.RawMessage   `json:"state,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	CanResume     bool              `json:"can_resume"`
	Version       int               `json:"version"`
}
