package log

import (
	"log/slog"

	"github.com/dukex/agentflow/pkg/protocol"
)

type Factory struct {
	logger *slog.Logger
}

func NewFactory(logger *slog.Logger) *Factory {
	return &Factory{logger: logger.With("module", "log_step")}
}

func (f *Factory) ID() string {
	return "log"
}

func (f *Factory) Create(config map[string]any) (protocol.Invocable, error) {
	return NewStep(config, f.logger)
}
