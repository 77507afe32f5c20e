// Package template renders text/template expressions over run data and
// evaluates edge conditions.
package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/dukex/agentflow/pkg/models"
)

const noValue = "<no value>"

var funcs = template.FuncMap{
	"now": func() string {
		return time.Now().UTC().Format(time.RFC3339)
	},
	"json": func(value any) (string, error) {
		data, err := json.Marshal(value)

		return string(data), err
	},
	"has": func(m map[string]any, key string) bool {
		_, ok := m[key]

		return ok
	},
}

// Render executes templateStr against data and decodes the output: JSON
// objects and arrays, numbers and booleans come back typed, anything else as
// a string.
func Render(templateStr string, data any) (any, error) {
	tmpl, err := template.New("render").Funcs(funcs).Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return nil, fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	result := strings.TrimSpace(buf.String())

	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err != nil {
			return nil, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
		}

		return jsonResult, nil
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}

// ConditionData is what an edge condition sees: the source node's result, the
// run input and the last results of completed nodes by id.
type ConditionData struct {
	Result  any
	Input   any
	Context map[string]any
}

func (d ConditionData) fields() map[string]any {
	return map[string]any{
		"result":  d.Result,
		"input":   d.Input,
		"context": d.Context,
	}
}

// EvaluateCondition renders expr and reports whether the output is truthy.
// A bare expression such as `.result.approved` or `eq .result.status "ok"` is
// wrapped in an action; full templates are rendered as-is.
func EvaluateCondition(expr string, data ConditionData) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}

	if !strings.Contains(expr, "{{") {
		expr = "{{ " + expr + " }}"
	}

	value, err := Render(expr, data.fields())
	if err != nil {
		return false, err
	}

	return Truthy(value), nil
}

// Truthy converts a rendered value to a boolean. Strings parse as booleans
// when they can, otherwise non-empty strings are true.
func Truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}

		return v != "" && v != noValue
	case int:
		return v != 0
	case int64:
		return v != 0
	case int32:
		return v != 0
	case float64:
		return v != 0
	case float32:
		return v != 0
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return false
	}
}

// TaskData exposes a step task to templates as .id, .type, .input and
// .parameters.
func TaskData(task models.TaskDescriptor) map[string]any {
	return map[string]any{
		"id":         task.ID,
		"type":       task.Type,
		"input":      task.Input,
		"parameters": task.Parameters,
	}
}
