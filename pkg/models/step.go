package models

// TaskDescriptor is the uniform payload handed to every external step.
type TaskDescriptor struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Input      map[string]any `json:"input,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// StepResult is the uniform reply of an external step. The engine routes
// Result to the context store without inspecting it.
type StepResult struct {
	Success         bool   `json:"success"`
	Result          any    `json:"result,omitempty"`
	Error           string `json:"error,omitempty"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
}
