package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/is-mlops/shipctl/pkg/config"
	shiperrors "github.com/is-mlops/shipctl/pkg/errors"
	"github.com/is-mlops/shipctl/pkg/image"
	"github.com/is-mlops/shipctl/pkg/release"
	"github.com/is-mlops/shipctl/pkg/workflow"
)

func buildCmd(opts ...workflow.Option) *cli.Command {
	return &cli.Command{
		Name:  "build",
		Usage: "Build and publish the images, then pin the new tag in the environment values",
		Description: `Generates one release identifier, builds every configured image with it,
pushes the release tag and "latest" to the registry, and writes the identifier
into values-<env>.yaml. The previous values file is kept as values-<env>.yaml.bak.

Release tags are immutable: when the registry already holds the generated
time-based tag, the next suffixed identifier (-2, -3, ...) is used instead. A
content identifier that is already published is reused without rebuilding.

A build or push failure leaves the values file untouched.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env",
				Value: config.DefaultEnvironment,
				Usage: "environment whose values file receives the new tag",
			},
			&cli.StringFlag{
				Name:  "id-strategy",
				Value: string(release.StrategyTime),
				Usage: fmt.Sprintf("release identifier strategy (%s, %s)", release.StrategyTime, release.StrategyContent),
			},
			&cli.BoolFlag{
				Name:  "push-metrics",
				Usage: "push stage metrics to the configured Pushgateway",
			},
			&cli.BoolFlag{
				Name:  "insecure-tls",
				Usage: "skip TLS certificate verification when looking up tags in the registry",
			},
			&cli.BoolFlag{
				Name:  "plain-http",
				Usage: "use HTTP instead of HTTPS when looking up tags in the registry",
			},
			outputFlag(),
			formatFlag(""),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			outFormat, err := parseOutputFormat(cmd)
			if err != nil {
				return err
			}
			strategy, err := release.ParseStrategy(cmd.String("id-strategy"))
			if err != nil {
				return shiperrors.Wrap(shiperrors.ErrCodeInvalidRequest, "invalid --id-strategy", err)
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			v, err := image.NewRegistryVerifier(cmd.Bool("plain-http"), cmd.Bool("insecure-tls"))
			if err != nil {
				return shiperrors.Wrap(shiperrors.ErrCodeInvalidRequest, "failed to create registry verifier", err)
			}

			res, err := pipeline(cmd, cfg, []workflow.Option{workflow.WithVerifier(v)}, opts).Build(ctx, workflow.BuildOptions{
				Environment: cmd.String("env"),
				Strategy:    strategy,
				PushMetrics: cmd.Bool("push-metrics"),
			})
			if err != nil {
				return err
			}

			slog.Info("build completed",
				"release", res.ReleaseID,
				"images", len(res.Images),
				"values", res.ValuesFile,
				"changed", res.Changed,
			)

			if outFormat != "" {
				return writeOutput(ctx, cmd, outFormat, res)
			}
			return printBuild(cmd, res)
		},
	}
}

func printBuild(cmd *cli.Command, res *workflow.BuildResult) error {
	w := stdout(cmd)
	fmt.Fprintf(w, "Release %s\n", res.ReleaseID)
	for _, img := range res.Images {
		fmt.Fprintf(w, "  %s\n", img.Release)
		fmt.Fprintf(w, "  %s\n", img.Latest)
	}
	if res.Reused {
		fmt.Fprintln(w, "  (already published, nothing built)")
	}
	if res.Changed {
		_, err := fmt.Fprintf(w, "%s: tag %s -> %s\n", res.ValuesFile, res.Previous, res.ReleaseID)
		return err
	}
	_, err := fmt.Fprintf(w, "%s: tag already %s\n", res.ValuesFile, res.ReleaseID)
	return err
}
