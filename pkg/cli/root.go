package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/is-mlops/shipctl/pkg/config"
	"github.com/is-mlops/shipctl/pkg/engine"
	shiperrors "github.com/is-mlops/shipctl/pkg/errors"
	"github.com/is-mlops/shipctl/pkg/logging"
	"github.com/is-mlops/shipctl/pkg/workflow"
)

const name = "shipctl"

var (
	// overridden at build time with -ldflags
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Execute runs the CLI with os.Args and exits with the status mapped from
// the returned error.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().Run(ctx, os.Args)
	stop()

	if err != nil {
		slog.Error("command failed", "error", err, "code", shiperrors.CodeOf(err))
		os.Exit(shiperrors.ExitCode(err))
	}
}

// newRootCmd assembles the command tree. opts are applied to every pipeline
// after the command's own options.
func newRootCmd(opts ...workflow.Option) *cli.Command {
	return &cli.Command{
		Name:                  name,
		Usage:                 "Build, publish and roll out the swissre API and UI",
		Version:               fmt.Sprintf("%s (commit: %s, date: %s)", version, commit, date),
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   config.DefaultFile,
				Usage:   "path to the shipctl configuration file",
				Sources: cli.EnvVars("SHIPCTL_CONFIG"),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
			&cli.BoolFlag{
				Name:  "log-json",
				Usage: "output logs in JSON format",
			},
		},
		Before: setupLogging,
		// Exit codes are mapped once in Execute.
		ExitErrHandler: func(context.Context, *cli.Command, error) {},
		Commands: []*cli.Command{
			buildCmd(opts...),
			deployCmd(opts...),
			statusCmd(opts...),
			localRunCmd(opts...),
			teardownCmd(opts...),
		},
	}
}

func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	level := logging.LevelFromEnv()
	if cmd.Bool("debug") {
		level = slog.LevelDebug
	}
	logging.Setup(logging.Options{
		Name:    name,
		Version: version,
		Level:   level,
		JSON:    cmd.Bool("log-json"),
		Writer:  cmd.Root().ErrWriter,
	})
	return ctx, nil
}

func pipeline(cmd *cli.Command, cfg *config.Config, base []workflow.Option, opts []workflow.Option) *workflow.Pipeline {
	all := make([]workflow.Option, 0, len(base)+len(opts)+1)
	if cmd.Root().Bool("debug") {
		all = append(all, workflow.WithEngineOptions(engine.WithOutput(cmd.Root().ErrWriter)))
	}
	all = append(all, base...)
	all = append(all, opts...)
	return workflow.New(cfg, all...)
}
