package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"
)

func newCommand() *cli.Command {
	return &cli.Command{
		Name:                  "agentflow",
		Usage:                 "Validate and run agent workflow graphs",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			NewValidateCommand(),
			NewRunCommand(),
		},
	}
}

func main() {
	err := newCommand().Run(context.Background(), os.Args)
	if err != nil {
		os.Exit(1)
	}
}
