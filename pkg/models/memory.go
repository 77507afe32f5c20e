package models

// WorkingMemory is the per-node record kept by the context store.
type WorkingMemory struct {
	LastResult   any            `json:"last_result,omitempty"`
	PriorResults []any          `json:"prior_results,omitempty"`
	HasError     bool           `json:"has_error"`
	ErrorRef     string         `json:"error_ref,omitempty"`
	Fields       map[string]any `json:"fields,omitempty"`
}

// Patch keys with a dedicated WorkingMemory field. Any other key is stored in Fields.
const (
	MemoryLastResult   = "last_result"
	MemoryPriorResults = "prior_results"
	MemoryHasError     = "has_error"
	MemoryErrorRef     = "error_ref"
)
