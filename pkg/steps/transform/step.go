// Package transform provides a step that reshapes its input with a Go
// template expression.
package transform

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/protocol"
	"github.com/dukex/agentflow/pkg/template"
)

type Step struct {
	expression string
}

func NewStep(config map[string]any) (*Step, error) {
	expression, ok := config["expression"].(string)
	if !ok {
		return nil, errors.New("missing required field 'expression'")
	}

	return &Step{expression: expression}, nil
}

// Invoke renders the expression against the task. JSON output comes back as
// structured data.
func (s *Step) Invoke(_ context.Context, task models.TaskDescriptor) (models.StepResult, error) {
	result, err := template.Render(s.expression, template.TaskData(task))
	if err != nil {
		return models.StepResult{Success: false, Error: fmt.Sprintf("transformation failed: %v", err)}, nil
	}

	return models.StepResult{Success: true, Result: result}, nil
}

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) ID() string {
	return "transform"
}

func (f *Factory) Create(config map[string]any) (protocol.Invocable, error) {
	return NewStep(config)
}
