package cli

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/is-mlops/shipctl/pkg/workflow"
)

func statusCmd(opts ...workflow.Option) *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show the recorded revision and live state of a release",
		ArgsUsage: "[env]",
		Flags: []cli.Flag{
			namespaceFlag(),
			kubeconfigFlag(),
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

			res, err := pipeline(cmd, cfg, nil, opts).Status(ctx, workflow.DeployOptions{
				Environment: cmd.Args().First(),
				Namespace:   cmd.String("namespace"),
				Kubeconfig:  cmd.String("kubeconfig"),
			})
			if err != nil {
				return err
			}

			if outFormat != "" {
				return writeOutput(ctx, cmd, outFormat, res)
			}

			w := stdout(cmd)
			if rec := res.Record; rec != nil {
				fmt.Fprintf(w, "Revision %d, tag %s, %s (last deployed %s)\n",
					rec.Revision, rec.Tag, rec.Status, rec.LastDeployed.Format("2006-01-02 15:04:05 MST"))
			} else {
				fmt.Fprintf(w, "Release %s has not been deployed.\n", res.Status.Release)
			}
			if res.Drifted() {
				fmt.Fprintf(w, "Values pin tag %s; run deploy to roll it out.\n", res.PinnedTag)
			}
			fmt.Fprintln(w)
			return res.Status.WriteText(w)
		},
	}
}
