package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dukex/agentflow/pkg/dag"
	"github.com/urfave/cli/v3"
)

var ErrInvalidDAG = errors.New("workflow graph is invalid")

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:    "validate",
		Aliases: []string{"v"},
		Usage:   "Validate a workflow document and print its graph metrics",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "file",
				Aliases:  []string{"f"},
				Usage:    "Workflow document (.json, .yaml, .yml)",
				Required: true,
			},
		},
		Action: func(_ context.Context, command *cli.Command) error {
			loader, err := dag.NewLoader()
			if err != nil {
				return err
			}

			_, validation, err := loader.LoadFile(command.String("file"))

			var structural *dag.StructuralError
			if err != nil && !errors.As(err, &structural) {
				return err
			}

			if structural != nil && len(validation.Errors) == 0 {
				validation.Errors = structural.Issues
			}

			out, err := json.MarshalIndent(validation, "", "  ")
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintln(command.Root().Writer, string(out))

			if structural != nil {
				return cli.Exit(ErrInvalidDAG.Error(), 1)
			}

			return nil
		},
	}
}
