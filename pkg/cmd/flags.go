package cmd

import (
	"context"
	"log/slog"

	"github.com/dukex/agentflow/pkg/otelhelper"
	"github.com/dukex/agentflow/pkg/workflow"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"
)

// LoggingFlags configure pkg/log.
func LoggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text, json)",
			Value:   "text",
			Sources: cli.EnvVars("LOG_FORMAT"),
		},
	}
}

// InfrastructureFlags select persistence, event bus and tracing.
func InfrastructureFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "database-url",
			Usage:    "Persistence URL (file path, file://, postgres://, redis://, badger://)",
			Required: true,
			Sources:  cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (kafka, gochannel)",
			Value:   "kafka",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "Comma separated Kafka brokers",
			Value:   "localhost:9092",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "consumer-group",
			Usage:   "Kafka consumer group",
			Value:   "agentflow-workers",
			Sources: cli.EnvVars("KAFKA_CONSUMER_GROUP"),
		},
		&cli.BoolFlag{
			Name:    "tracing",
			Usage:   "Export traces over OTLP/HTTP (configured by OTEL_EXPORTER_OTLP_* variables)",
			Sources: cli.EnvVars("TRACING_ENABLED"),
		},
	}
}

// StepFlags configure the step registry.
func StepFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "plugins-path",
			Usage:   "Path to the directory containing step plugins",
			Value:   "./plugins",
			Sources: cli.EnvVars("PLUGINS_PATH"),
		},
		&cli.StringFlag{
			Name:    "openai-api-key",
			Usage:   "Registers the openai step when set",
			Sources: cli.EnvVars("OPENAI_API_KEY"),
		},
		&cli.StringFlag{
			Name:    "openai-base-url",
			Usage:   "OpenAI compatible endpoint",
			Sources: cli.EnvVars("OPENAI_BASE_URL"),
		},
		&cli.StringFlag{
			Name:    "openai-model",
			Usage:   "Default chat model of the openai step",
			Value:   "gpt-4o-mini",
			Sources: cli.EnvVars("OPENAI_MODEL"),
		},
	}
}

// EngineFlags tune the executor. Defaults come from workflow.DefaultConfig.
func EngineFlags() []cli.Flag {
	defaults := workflow.DefaultConfig()

	return []cli.Flag{
		&cli.DurationFlag{
			Name:    "node-timeout",
			Usage:   "Default deadline of a node without timeout_ms",
			Value:   defaults.NodeTimeout,
			Sources: cli.EnvVars("NODE_TIMEOUT"),
		},
		&cli.DurationFlag{
			Name:    "delegate-timeout",
			Usage:   "Default deadline of sdk_delegate nodes",
			Value:   defaults.DelegateTimeout,
			Sources: cli.EnvVars("DELEGATE_TIMEOUT"),
		},
		&cli.DurationFlag{
			Name:    "gate-timeout",
			Usage:   "Default approval stage timeout",
			Value:   defaults.GateTimeout,
			Sources: cli.EnvVars("GATE_TIMEOUT"),
		},
		&cli.IntFlag{
			Name:    "max-parallel",
			Usage:   "Nodes of one run executing at once",
			Value:   defaults.MaxParallel,
			Sources: cli.EnvVars("MAX_PARALLEL"),
		},
		&cli.IntFlag{
			Name:    "delegate-concurrency",
			Usage:   "sdk_delegate nodes of one run executing at once",
			Value:   defaults.DelegateConcurrency,
			Sources: cli.EnvVars("DELEGATE_CONCURRENCY"),
		},
		&cli.IntFlag{
			Name:    "batch-limit",
			Usage:   "Maximum sub-calls of a batch_execute node",
			Value:   defaults.BatchLimit,
			Sources: cli.EnvVars("BATCH_LIMIT"),
		},
		&cli.StringFlag{
			Name:    "branch-failure-policy",
			Usage:   "What a failed branch does to its siblings (continue, abort)",
			Value:   string(defaults.BranchFailurePolicy),
			Sources: cli.EnvVars("BRANCH_FAILURE_POLICY"),
		},
	}
}

// WorkflowConfig reads EngineFlags.
func WorkflowConfig(command *cli.Command, workerID string) (workflow.Config, error) {
	cfg := workflow.Config{
		NodeTimeout:         command.Duration("node-timeout"),
		DelegateTimeout:     command.Duration("delegate-timeout"),
		GateTimeout:         command.Duration("gate-timeout"),
		MaxParallel:         command.Int("max-parallel"),
		DelegateConcurrency: command.Int("delegate-concurrency"),
		BatchLimit:          command.Int("batch-limit"),
		BranchFailurePolicy: workflow.BranchFailurePolicy(command.String("branch-failure-policy")),
		WorkerID:            workerID,
	}

	return cfg, cfg.Validate()
}

// EventBusFromFlags reads the event bus part of InfrastructureFlags.
func EventBusFromFlags(command *cli.Command) EventBusConfig {
	return EventBusConfig{
		Provider:      command.String("event-bus"),
		Brokers:       command.String("kafka-brokers"),
		ConsumerGroup: command.String("consumer-group"),
		OTELEnabled:   command.Bool("tracing"),
	}
}

// RegistryFromFlags reads StepFlags.
func RegistryFromFlags(command *cli.Command) RegistryConfig {
	return RegistryConfig{
		PluginsPath: command.String("plugins-path"),
		OpenAI: OpenAIConfig{
			APIKey:  command.String("openai-api-key"),
			BaseURL: command.String("openai-base-url"),
			Model:   command.String("openai-model"),
		},
	}
}

// NewTracer installs the OTLP exporter when tracing is enabled and returns
// the tracer with its shutdown. Disabled tracing yields the global no-op
// tracer.
// nolint:ireturn
func NewTracer(ctx context.Context, command *cli.Command, serviceName string, logger *slog.Logger) (trace.Tracer, func(context.Context) error) {
	noop := func(context.Context) error { return nil }

	if !command.Bool("tracing") {
		return otelhelper.Tracer(), noop
	}

	tracer, shutdown, err := otelhelper.NewTracer(ctx, serviceName)
	if err != nil {
		logger.WarnContext(ctx, "Tracing disabled", "error", err)

		return otelhelper.Tracer(), noop
	}

	return tracer, shutdown
}
