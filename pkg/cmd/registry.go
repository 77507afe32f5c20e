// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"log/slog"
	"time"

	"github.com/dukex/agentflow/pkg/registry"
	"github.com/dukex/agentflow/pkg/steps/httprequest"
	steplog "github.com/dukex/agentflow/pkg/steps/log"
	"github.com/dukex/agentflow/pkg/steps/openai"
	"github.com/dukex/agentflow/pkg/steps/toolbatch"
	"github.com/dukex/agentflow/pkg/steps/transform"
)

const compensationTimeout = 30 * time.Second

// RegistryConfig lists what the registry is populated with at startup.
type RegistryConfig struct {
	PluginsPath string
	// OpenAI registers the "openai" step when APIKey is set.
	OpenAI OpenAIConfig
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

func registerNativeSteps(reg *registry.Registry, cfg RegistryConfig, logger *slog.Logger) {
	reg.RegisterFactory(steplog.NewFactory(logger))
	reg.RegisterFactory(transform.NewFactory())
	reg.RegisterFactory(httprequest.NewFactory())
	reg.RegisterFactory(toolbatch.NewFactory(reg, logger))

	if cfg.OpenAI.APIKey != "" {
		reg.RegisterFactory(openai.NewFactoryFromKey(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model, logger))
	}
}

func registerNativeCompensators(reg *registry.Registry, logger *slog.Logger) {
	reg.RegisterCompensator(steplog.CompensatorID, steplog.NewCompensator(logger))
	reg.RegisterCompensator(httprequest.CompensatorID, httprequest.NewCompensator(compensationTimeout))
}

// NewRegistry registers native steps and compensators, then step plugins,
// which may override native steps of the same id.
func NewRegistry(logger *slog.Logger, cfg RegistryConfig) (*registry.Registry, error) {
	reg := registry.NewRegistry(logger.With("module", "registry"))

	registerNativeSteps(reg, cfg, logger)
	registerNativeCompensators(reg, logger)

	if cfg.PluginsPath != "" {
		err := reg.LoadStepPlugins(cfg.PluginsPath)
		if err != nil {
			return nil, err
		}
	}

	return reg, nil
}
