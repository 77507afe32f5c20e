package contextstore

import (
	"encoding/json"

	"github.com/dukex/agentflow/pkg/models"
)

func cloneMemory(memory models.WorkingMemory) models.WorkingMemory {
	clone := models.WorkingMemory{
		LastResult: cloneValue(memory.LastResult),
		HasError:   memory.HasError,
		ErrorRef:   memory.ErrorRef,
	}

	if memory.PriorResults != nil {
		clone.PriorResults = make([]any, len(memory.PriorResults))
		for i, prior := range memory.PriorResults {
			clone.PriorResults[i] = cloneValue(prior)
		}
	}

	if memory.Fields != nil {
		clone.Fields = cloneMap(memory.Fields)
	}

	return clone
}

// cloneValue deep-copies the JSON-shaped values steps exchange. Values of
// other types are shared.
func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return cloneMap(v)
	case []any:
		if v == nil {
			return v
		}

		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}

		return out
	case []string:
		return append([]string(nil), v...)
	case []byte:
		return append([]byte(nil), v...)
	case json.RawMessage:
		return append(json.RawMessage(nil), v...)
	default:
		return v
	}
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}

	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = cloneValue(value)
	}

	return out
}

// Clone deep-copies a JSON-shaped value.
func Clone(value any) any {
	return cloneValue(value)
}
