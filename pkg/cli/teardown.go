package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/is-mlops/shipctl/pkg/local"
	"github.com/is-mlops/shipctl/pkg/workflow"
)

func teardownCmd(opts ...workflow.Option) *cli.Command {
	return &cli.Command{
		Name:  "teardown",
		Usage: "Stop and remove the local containers and network",
		Description: `Stops and removes the UI and API containers, then the local network.
Anything already gone is reported as "already absent". Other failures are
logged as warnings and the command still succeeds unless --strict is set.`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "strict",
				Usage: "exit non-zero when a step fails for a reason other than not found",
			},
			outputFlag(),
			formatFlag(""),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			outFormat, err := parseOutputFormat(cmd)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			res, runErr := pipeline(cmd, cfg, nil, opts).Teardown(ctx)
			if res != nil {
				if outFormat != "" {
					if err := writeOutput(ctx, cmd, outFormat, res); err != nil {
						return err
					}
				} else {
					printTeardown(cmd, res)
				}
			}

			if runErr != nil {
				if cmd.Bool("strict") {
					return runErr
				}
				slog.Warn("teardown incomplete", "error", runErr)
			}
			return nil
		},
	}
}

func printTeardown(cmd *cli.Command, res *local.TeardownResult) {
	w := stdout(cmd)
	for _, s := range res.Steps {
		if s.Error != "" {
			fmt.Fprintf(w, "%s %s: %s (%s)\n", s.Action, s.Target, s.Outcome, s.Error)
			continue
		}
		fmt.Fprintf(w, "%s %s: %s\n", s.Action, s.Target, s.Outcome)
	}
}
