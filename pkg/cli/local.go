package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/is-mlops/shipctl/pkg/workflow"
)

func localRunCmd(opts ...workflow.Option) *cli.Command {
	return &cli.Command{
		Name:  "local-run",
		Usage: "Build the images locally and run the API and UI containers",
		Description: `Builds every image with the local tag, creates the local network and starts
the API. The UI is started once the API health endpoint answers.
Containers left over from a previous run are replaced.`,
		Flags: []cli.Flag{
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

			states, err := pipeline(cmd, cfg, nil, opts).LocalRun(ctx)
			if err != nil {
				return err
			}

			if outFormat != "" {
				return writeOutput(ctx, cmd, outFormat, states)
			}
			w := stdout(cmd)
			for _, s := range states {
				fmt.Fprintf(w, "%s  %s  %s\n", s.Name, s.Status, s.URL)
			}
			slog.Info("local run started", "containers", len(states), "network", cfg.Local.Network)
			return nil
		},
	}
}
