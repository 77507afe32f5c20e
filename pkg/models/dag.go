// Package models defines the domain types shared by the orchestration engine:
// workflow graphs, working memory, SAGA transactions, approval gates and run results.
package models

// NodeType classifies a node's role in the graph.
type NodeType string

const (
	NodeTypeEntry NodeType = "entry"
	NodeTypeTask  NodeType = "task"
	NodeTypeGate  NodeType = "gate"
	NodeTypeExit  NodeType = "exit"
)

// FlowType selects the strategy used to move from an edge's source to its target.
type FlowType string

const (
	FlowDirectCall         FlowType = "direct_call"
	FlowContextHandoff     FlowType = "context_handoff"
	FlowBatchExecute       FlowType = "batch_execute"
	FlowSDKDelegate        FlowType = "sdk_delegate"
	FlowValidation         FlowType = "validation"
	FlowAutonomousDecision FlowType = "autonomous_decision"
)

// FlowTypes lists every flow type, in declaration order.
func FlowTypes() []FlowType {
	return []FlowType{
		FlowDirectCall,
		FlowContextHandoff,
		FlowBatchExecute,
		FlowSDKDelegate,
		FlowValidation,
		FlowAutonomousDecision,
	}
}

func (f FlowType) Valid() bool {
	for _, known := range FlowTypes() {
		if f == known {
			return true
		}
	}

	return false
}

type ExecutionHint string

const (
	HintSequential ExecutionHint = "sequential"
	HintParallel   ExecutionHint = "parallel"
)

// CompensationSpec declares the action registered for a node's transaction.
type CompensationSpec struct {
	ServiceID  string           `json:"service_id"           yaml:"service_id"           validate:"required"`
	Action     CompensationKind `json:"action"               yaml:"action"               validate:"required,oneof=cleanup_resources notify archive_artifacts release_data rollback_state"`
	Parameters map[string]any   `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// ApprovalSpec configures a human gate node.
type ApprovalSpec struct {
	Stage     string         `json:"stage"               yaml:"stage"               validate:"required"`
	TimeoutMs int64          `json:"timeout_ms"          yaml:"timeout_ms"          validate:"gte=0"`
	Artifacts map[string]any `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
}

// CoordinatorSpec configures a node driven by the coordinator decision loop.
type CoordinatorSpec struct {
	ReasoningRef   string   `json:"reasoning_ref"             yaml:"reasoning_ref"             validate:"required"`
	Helpers        []string `json:"helpers,omitempty"         yaml:"helpers,omitempty"`
	MaxIterations  int      `json:"max_iterations"            yaml:"max_iterations"            validate:"gte=0"`
	SynthesizerRef string   `json:"synthesizer_ref,omitempty" yaml:"synthesizer_ref,omitempty"`
}

// Node is a unit of work in the graph. It carries no business logic; StepRef
// names the external step that performs the work.
type Node struct {
	ID           string            `json:"id"                     yaml:"id"                     validate:"required"`
	Type         NodeType          `json:"type"                   yaml:"type"                   validate:"required,oneof=entry task gate exit"`
	StepRef      string            `json:"step_ref,omitempty"     yaml:"step_ref,omitempty"`
	Metadata     map[string]any    `json:"metadata,omitempty"     yaml:"metadata,omitempty"`
	TimeoutMs    int64             `json:"timeout_ms,omitempty"   yaml:"timeout_ms,omitempty"   validate:"gte=0"`
	BatchLimit   int               `json:"batch_limit,omitempty"  yaml:"batch_limit,omitempty"  validate:"gte=0"`
	Compensation *CompensationSpec `json:"compensation,omitempty" yaml:"compensation,omitempty" validate:"omitempty"`
	Approval     *ApprovalSpec     `json:"approval,omitempty"     yaml:"approval,omitempty"     validate:"omitempty"`
	Coordinator  *CoordinatorSpec  `json:"coordinator,omitempty"  yaml:"coordinator,omitempty"  validate:"omitempty"`
}

// Edge connects two nodes with a typed flow.
type Edge struct {
	ID            string        `json:"id"                       yaml:"id"                       validate:"required"`
	From          string        `json:"from"                     yaml:"from"                     validate:"required"`
	To            string        `json:"to"                       yaml:"to"                       validate:"required"`
	FlowType      FlowType      `json:"flow_type"                yaml:"flow_type"                validate:"required"`
	Condition     string        `json:"condition,omitempty"      yaml:"condition,omitempty"`
	ExecutionHint ExecutionHint `json:"execution_hint,omitempty" yaml:"execution_hint,omitempty" validate:"omitempty,oneof=sequential parallel"`
	Priority      int           `json:"priority,omitempty"       yaml:"priority,omitempty"`
	ContextKeys   []string      `json:"context_keys,omitempty"   yaml:"context_keys,omitempty"`
}

// DAGDefinition is immutable once validated and may be shared by concurrent runs.
type DAGDefinition struct {
	ID        string   `json:"id"         yaml:"id"         validate:"required"`
	Name      string   `json:"name"       yaml:"name"`
	Version   string   `json:"version"    yaml:"version"`
	Nodes     []Node   `json:"nodes"      yaml:"nodes"      validate:"required,min=1,dive"`
	Edges     []Edge   `json:"edges"      yaml:"edges"      validate:"dive"`
	EntryNode string   `json:"entry_node" yaml:"entry_node" validate:"required"`
	ExitNodes []string `json:"exit_nodes" yaml:"exit_nodes" validate:"required,min=1"`
}

// Node returns the node with the given id.
func (d *DAGDefinition) Node(id string) (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}

	return nil, false
}

func (d *DAGDefinition) IsExit(id string) bool {
	for _, exit := range d.ExitNodes {
		if exit == id {
			return true
		}
	}

	return false
}
