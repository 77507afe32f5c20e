// Package log provides a step that writes a templated message to the engine
// log. It is useful as a placeholder and for tracing data through a graph.
package log

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/template"
)

var levels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

type Step struct {
	message string
	level   string
	logger  *slog.Logger
}

// NewStep creates a log step. config requires "message" and accepts "level"
// (debug, info, warn, error; default info).
func NewStep(config map[string]any, logger *slog.Logger) (*Step, error) {
	message, ok := config["message"].(string)
	if !ok {
		return nil, errors.New("missing required field 'message'")
	}

	level := "info"
	if lvl, ok := config["level"].(string); ok {
		level = lvl
	}

	if _, ok := levels[level]; !ok {
		return nil, fmt.Errorf("invalid log level '%s' (must be debug, info, warn, or error)", level)
	}

	return &Step{message: message, level: level, logger: logger}, nil
}

func (s *Step) Invoke(ctx context.Context, task models.TaskDescriptor) (models.StepResult, error) {
	rendered, err := template.Render(s.message, template.TaskData(task))
	if err != nil {
		return models.StepResult{Success: false, Error: fmt.Sprintf("failed to render log message template: %v", err)}, nil
	}

	message := fmt.Sprintf("%v", rendered)

	s.logger.Log(ctx, levels[s.level], message, "task_id", task.ID)

	return models.StepResult{
		Success: true,
		Result: map[string]any{
			"message": message,
			"level":   s.level,
			"logged":  true,
		},
	}, nil
}
