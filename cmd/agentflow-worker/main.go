package main

import (
	"context"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/dukex/agentflow/pkg/approval"
	"github.com/dukex/agentflow/pkg/cmd"
	"github.com/dukex/agentflow/pkg/log"
	"github.com/dukex/agentflow/pkg/workflow"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
)

func main() {
	flags := slices.Concat(
		[]cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:    "sweep-schedule",
				Usage:   "Cron schedule of the orphaned gate sweeper",
				Value:   approval.DefaultSweepSchedule,
				Sources: cli.EnvVars("SWEEP_SCHEDULE"),
			},
		},
		cmd.LoggingFlags(),
		cmd.InfrastructureFlags(),
		cmd.StepFlags(),
		cmd.EngineFlags(),
	)

	command := &cli.Command{
		Name:                  "agentflow-worker",
		EnableShellCompletion: true,
		Usage:                 "Execute workflow runs and deliver human decisions",
		Flags:                 flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("agentflow-worker").With("worker_id", workerID)

			logger.InfoContext(ctx, "Initializing agentflow worker")

			config, err := cmd.WorkflowConfig(command, workerID)
			if err != nil {
				return err
			}

			registry, err := cmd.NewRegistry(logger, cmd.RegistryFromFlags(command))
			if err != nil {
				return err
			}

			tracer, shutdownTracer := cmd.NewTracer(ctx, command, "agentflow-worker", logger)
			defer func() {
				err := shutdownTracer(context.WithoutCancel(ctx))
				if err != nil {
					logger.ErrorContext(ctx, "Failed to flush traces", "error", err)
				}
			}()

			eventBus, err := cmd.NewEventBus(cmd.EventBusFromFlags(command), logger)
			if err != nil {
				return err
			}

			defer func() {
				err := eventBus.Close()
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				err := store.Close(context.WithoutCancel(ctx))
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			executor, err := workflow.NewExecutor(registry, logger,
				workflow.WithConfig(config),
				workflow.WithPublisher(eventBus),
				workflow.WithStore(store),
				workflow.WithTracer(tracer),
			)
			if err != nil {
				return err
			}

			worker := NewWorkerManager(workerID, store, eventBus, executor, command.String("sweep-schedule"), logger)

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err = worker.Start(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start worker", "error", err)

				return err
			}

			<-ctx.Done()
			worker.Stop()

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
