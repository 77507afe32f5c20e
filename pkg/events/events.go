// Package events defines the lifecycle notifications emitted by the engine.
// Delivery is at-least-once; consumers must be idempotent.
package events

import (
	"time"

	"github.com/dukex/agentflow/pkg/models"
	"github.com/google/uuid"
)

type EventType string

const Topic = "agentflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	RunRequestedEvent EventType = "run.requested"
	RunStartedEvent   EventType = "run.started"
	RunCompletedEvent EventType = "run.completed"

	NodeStartedEvent   EventType = "node.started"
	NodeCompletedEvent EventType = "node.completed"
	NodeFailedEvent    EventType = "node.failed"

	BranchCompensatedEvent EventType = "branch.compensated"

	ApprovalRequestedEvent EventType = "approval.requested"
	ApprovalResolvedEvent  EventType = "approval.resolved"
	DecisionSubmittedEvent EventType = "decision.submitted"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, runID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		RunID:     runID,
	}
}

// RunRequested asks a worker to execute a definition.
type RunRequested struct {
	BaseEvent

	Definition models.DAGDefinition `json:"definition"`
	Input      map[string]any       `json:"input,omitempty"`
}

func (e RunRequested) GetType() EventType { return RunRequestedEvent }

type RunStarted struct {
	BaseEvent

	DAGID string `json:"dag_id"`
}

func (e RunStarted) GetType() EventType { return RunStartedEvent }

type RunCompleted struct {
	BaseEvent

	DAGID             string           `json:"dag_id"`
	Status            models.RunStatus `json:"status"`
	Success           bool             `json:"success"`
	CompletedBranches [][]string       `json:"completed_branches,omitempty"`
	FailedNodes       []string         `json:"failed_nodes,omitempty"`
	Error             string           `json:"error,omitempty"`
}

func (e RunCompleted) GetType() EventType { return RunCompletedEvent }

type NodeStarted struct {
	BaseEvent

	NodeID        string          `json:"node_id"`
	TransactionID string          `json:"transaction_id"`
	FlowType      models.FlowType `json:"flow_type,omitempty"`
}

func (e NodeStarted) GetType() EventType { return NodeStartedEvent }

type NodeCompleted struct {
	BaseEvent

	NodeID        string `json:"node_id"`
	TransactionID string `json:"transaction_id"`
	DurationMs    int64  `json:"duration_ms"`
}

func (e NodeCompleted) GetType() EventType { return NodeCompletedEvent }

type NodeFailed struct {
	BaseEvent

	NodeID        string             `json:"node_id"`
	TransactionID string             `json:"transaction_id"`
	FailureKind   models.FailureKind `json:"failure_kind"`
	Error         string             `json:"error"`
}

func (e NodeFailed) GetType() EventType { return NodeFailedEvent }

type BranchCompensated struct {
	BaseEvent

	FailedNode  string                      `json:"failed_node"`
	Compensated []string                    `json:"compensated,omitempty"`
	Deferred    []string                    `json:"deferred,omitempty"`
	Records     []models.CompensationRecord `json:"records,omitempty"`
}

func (e BranchCompensated) GetType() EventType { return BranchCompensatedEvent }

type ApprovalRequested struct {
	BaseEvent

	Token models.ApprovalToken `json:"token"`
}

func (e ApprovalRequested) GetType() EventType { return ApprovalRequestedEvent }

type ApprovalResolved struct {
	BaseEvent

	Token         string            `json:"token"`
	TransactionID string            `json:"transaction_id"`
	NodeID        string            `json:"node_id"`
	Status        models.GateStatus `json:"status"`
}

func (e ApprovalResolved) GetType() EventType { return ApprovalResolvedEvent }

// DecisionSubmitted carries a human decision from the API to the worker that
// owns the gate.
type DecisionSubmitted struct {
	BaseEvent

	Token    string               `json:"token"`
	Decision models.HumanDecision `json:"decision"`
}

func (e DecisionSubmitted) GetType() EventType { return DecisionSubmittedEvent }
