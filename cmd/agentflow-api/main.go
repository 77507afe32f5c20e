package main

import (
	"context"
	"os"
	"slices"

	"github.com/dukex/agentflow/pkg/cmd"
	"github.com/dukex/agentflow/pkg/log"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	flags := slices.Concat(
		[]cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
		},
		cmd.LoggingFlags(),
		cmd.InfrastructureFlags(),
		cmd.StepFlags(),
	)

	command := &cli.Command{
		Name:                  "agentflow-api",
		Usage:                 "Submit runs and collect human decisions",
		EnableShellCompletion: true,
		Flags:                 flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("agentflow-api")

			logger.InfoContext(ctx, "Initializing agentflow API")

			registry, err := cmd.NewRegistry(logger, cmd.RegistryFromFlags(command))
			if err != nil {
				return err
			}

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

			api := NewAPI(logger, store, registry, eventBus)

			return api.Start(command.Int("port"))
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
