package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/dukex/agentflow/pkg/approval"
	"github.com/dukex/agentflow/pkg/cmd"
	"github.com/dukex/agentflow/pkg/dag"
	"github.com/dukex/agentflow/pkg/eventbus"
	"github.com/dukex/agentflow/pkg/events"
	"github.com/dukex/agentflow/pkg/log"
	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/workflow"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

func NewRunCommand() *cli.Command {
	flags := slices.Concat(
		[]cli.Flag{
			&cli.StringFlag{
				Name:     "file",
				Aliases:  []string{"f"},
				Usage:    "Workflow document (.json, .yaml, .yml)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "input",
				Usage: "Run input as a JSON or YAML object",
			},
			&cli.StringFlag{
				Name:  "input-file",
				Usage: "File holding the run input",
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Persist gate checkpoints and the context snapshot (file path, postgres://, redis://, badger://)",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.BoolFlag{
				Name:  "auto-approve",
				Usage: "Approve every human gate as soon as it opens",
			},
		},
		cmd.LoggingFlags(),
		cmd.StepFlags(),
		cmd.EngineFlags(),
	)

	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Execute a workflow document in this process and print the result",
		Flags:   flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("agentflow").With("action", "run")

			input, err := runInput(command)
			if err != nil {
				return err
			}

			loader, err := dag.NewLoader()
			if err != nil {
				return err
			}

			def, _, err := loader.LoadFile(command.String("file"))
			if err != nil {
				return err
			}

			config, err := cmd.WorkflowConfig(command, "cli")
			if err != nil {
				return err
			}

			registry, err := cmd.NewRegistry(logger, cmd.RegistryFromFlags(command))
			if err != nil {
				return err
			}

			publisher := &cliPublisher{logger: logger, autoApprove: command.Bool("auto-approve")}
			opts := []workflow.Option{workflow.WithConfig(config), workflow.WithPublisher(publisher)}

			if url := command.String("database-url"); url != "" {
				store, err := cmd.NewPersistence(ctx, logger, url)
				if err != nil {
					return err
				}

				defer func() { _ = store.Close(context.WithoutCancel(ctx)) }()

				opts = append(opts, workflow.WithStore(store))
			}

			executor, err := workflow.NewExecutor(registry, logger, opts...)
			if err != nil {
				return err
			}

			publisher.gates = executor.Gates()

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			result, err := executor.Run(ctx, def, input)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintln(command.Root().Writer, string(out))

			if !result.Success {
				return cli.Exit(fmt.Sprintf("run %s finished as %s", result.RunID, result.Status), 1)
			}

			return nil
		},
	}
}

func runInput(command *cli.Command) (map[string]any, error) {
	data := []byte(command.String("input"))

	if path := command.String("input-file"); path != "" {
		var err error

		data, err = os.ReadFile(path) // #nosec G304 -- path supplied by the operator
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
	}

	input := map[string]any{}
	if len(data) == 0 {
		return input, nil
	}

	err := yaml.Unmarshal(data, &input)
	if err != nil {
		return nil, fmt.Errorf("run input must be a JSON or YAML object: %w", err)
	}

	return input, nil
}

// cliPublisher logs lifecycle events and, when asked, approves gates as they
// open.
type cliPublisher struct {
	logger      *slog.Logger
	autoApprove bool
	gates       *approval.Manager
}

func (p *cliPublisher) Publish(ctx context.Context, key string, event eventbus.Event) error {
	p.logger.DebugContext(ctx, "Event", "type", event.GetType(), "key", key)

	requested, ok := event.(events.ApprovalRequested)
	if !ok {
		return nil
	}

	p.logger.InfoContext(ctx, "Approval requested",
		"token", requested.Token.Token,
		"node_id", requested.Token.NodeID,
		"stage", requested.Token.Stage,
		"expires_at", requested.Token.ExpiresAt)

	if !p.autoApprove || p.gates == nil {
		return nil
	}

	_, err := p.gates.Decide(ctx, requested.Token.Token, models.HumanDecision{
		Decision:  models.DecisionApprove,
		DecidedBy: "agentflow-cli",
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "Auto approval failed", "error", err)
	}

	return nil
}
