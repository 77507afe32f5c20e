package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

type Action string

const (
	ActionCallHelper        Action = "call_helper"
	ActionSynthesize        Action = "synthesize"
	ActionComplete          Action = "complete"
	ActionPassToCoordinator Action = "pass_to_coordinator"
)

// Decision is one answer of the reasoning step.
type Decision struct {
	Action     Action         `json:"action"`
	Helper     string         `json:"helper,omitempty"`
	Task       any            `json:"task,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Summary    any            `json:"summary,omitempty"`
	Result     any            `json:"result,omitempty"`
	Target     string         `json:"target,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

const decisionSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["action"],
  "properties": {
    "action": {"enum": ["call_helper", "synthesize", "complete", "pass_to_coordinator"]},
    "helper": {"type": "string", "minLength": 1},
    "task": {},
    "parameters": {"type": "object"},
    "summary": {},
    "result": {},
    "target": {"type": "string", "minLength": 1},
    "reason": {"type": "string"}
  },
  "allOf": [
    {
      "if": {"properties": {"action": {"const": "call_helper"}}},
      "then": {"required": ["helper"]}
    },
    {
      "if": {"properties": {"action": {"const": "pass_to_coordinator"}}},
      "then": {"required": ["target"]}
    }
  ]
}`

var compiledDecisionSchema = func() *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(decisionSchema))
	if err != nil {
		panic(fmt.Sprintf("invalid decision schema: %v", err))
	}

	return schema
}()

var ErrDecisionParse = errors.New("could not interpret coordinator decision")

// DecisionParseError reports a reasoning answer that is not a valid decision.
type DecisionParseError struct {
	Raw     string
	Reasons []string
}

func (e *DecisionParseError) Error() string {
	return fmt.Sprintf("%s: %s", ErrDecisionParse, strings.Join(e.Reasons, "; "))
}

func (e *DecisionParseError) Is(target error) bool {
	return target == ErrDecisionParse
}

// ParseDecision accepts either a structured value or text containing one JSON
// object, possibly wrapped in prose or a markdown fence.
func ParseDecision(raw any) (Decision, error) {
	var text string

	switch v := raw.(type) {
	case string:
		text = v
	case []byte:
		text = string(v)
	case nil:
		return Decision{}, &DecisionParseError{Reasons: []string{"empty answer"}}
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return Decision{}, &DecisionParseError{Reasons: []string{err.Error()}}
		}

		text = string(data)
	}

	object, reasons := firstDecisionObject(text)
	if object == nil {
		return Decision{}, &DecisionParseError{Raw: text, Reasons: reasons}
	}

	var decision Decision

	err := json.Unmarshal(object, &decision)
	if err != nil {
		return Decision{}, &DecisionParseError{Raw: text, Reasons: []string{err.Error()}}
	}

	return decision, nil
}

// firstDecisionObject tries every '{' in text as the start of a JSON value
// and returns the first object that satisfies the decision schema. When none
// does, the reasons describe the first candidate.
func firstDecisionObject(text string) (json.RawMessage, []string) {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")

	var reasons []string

	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}

		var candidate json.RawMessage

		err := json.NewDecoder(strings.NewReader(text[i:])).Decode(&candidate)
		if err != nil {
			if reasons == nil {
				reasons = []string{err.Error()}
			}

			continue
		}

		problems := schemaProblems(candidate)
		if len(problems) == 0 {
			return candidate, nil
		}

		if reasons == nil {
			reasons = problems
		}
	}

	if reasons == nil {
		reasons = []string{"no JSON object found"}
	}

	return nil, reasons
}

func schemaProblems(object json.RawMessage) []string {
	result, err := compiledDecisionSchema.Validate(gojsonschema.NewBytesLoader(object))
	if err != nil {
		return []string{err.Error()}
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, schemaErr := range result.Errors() {
		problems = append(problems, schemaErr.String())
	}

	return problems
}
