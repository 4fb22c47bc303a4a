package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/is-mlops/shipctl/pkg/config"
	shiperrors "github.com/is-mlops/shipctl/pkg/errors"
	"github.com/is-mlops/shipctl/pkg/rollout"
	"github.com/is-mlops/shipctl/pkg/workflow"
)

func deployCmd(opts ...workflow.Option) *cli.Command {
	return &cli.Command{
		Name:      "deploy",
		Usage:     "Roll the release out to the cluster and wait until it is ready",
		ArgsUsage: "[env]",
		Description: fmt.Sprintf(`Renders the chart with values.yaml and values-<env>.yaml, applies it as
release %s-<env> and waits for every workload to become ready.

The environment defaults to %q. Exit code 2 means the release did not become
ready within --timeout; exit code 1 means it could not be applied.`,
			config.DefaultReleasePrefix, config.DefaultEnvironment),
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: fmt.Sprintf("readiness timeout (default: from config, %s)", config.DefaultTimeout),
			},
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
			if cmd.NArg() > 1 {
				return shiperrors.New(shiperrors.ErrCodeInvalidRequest,
					fmt.Sprintf("deploy takes at most one environment, got %d arguments", cmd.NArg()))
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if d := cmd.Duration("timeout"); d > 0 {
				cfg.Deploy.Timeout = d
			}

			res, err := pipeline(cmd, cfg, nil, opts).Deploy(ctx, workflow.DeployOptions{
				Environment: cmd.Args().First(),
				Namespace:   cmd.String("namespace"),
				Kubeconfig:  cmd.String("kubeconfig"),
				Observer:    logTransition,
			})
			if err != nil {
				if res != nil && res.Rollout != nil {
					for _, o := range res.Rollout.Pending() {
						slog.Warn("not ready", "object", o.String(), "reason", o.Message)
					}
				}
				return err
			}

			if outFormat != "" {
				return writeOutput(ctx, cmd, outFormat, res)
			}
			return printDeploy(cmd, res)
		},
	}
}

func logTransition(tr rollout.Transition) {
	attrs := []any{"to", string(tr.To), "at", tr.At.Format(time.RFC3339)}
	if tr.From != "" {
		attrs = append(attrs, "from", string(tr.From))
	}
	if tr.Reason != "" {
		attrs = append(attrs, "reason", tr.Reason)
	}
	slog.Info("rollout state", attrs...)
}

func printDeploy(cmd *cli.Command, res *workflow.DeployResult) error {
	w := stdout(cmd)
	r := res.Rollout
	verb := "installed"
	if r.IsUpgrade {
		verb = "upgraded"
	}
	fmt.Fprintf(w, "Release %s %s in %s (revision %d, tag %s): %s\n\n",
		r.Release, verb, r.Namespace, r.Revision, r.Tag, r.State)

	if res.Status == nil {
		_, err := fmt.Fprintln(w, "Status unavailable.")
		return err
	}
	return res.Status.WriteText(w)
}
