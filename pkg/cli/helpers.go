package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/is-mlops/shipctl/pkg/config"
	shiperrors "github.com/is-mlops/shipctl/pkg/errors"
	"github.com/is-mlops/shipctl/pkg/serializer"
)

// Flags hold parsed state, so every command gets its own instance.

func outputFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "output",
		Aliases: []string{"o"},
		Usage:   "output file path (default: stdout)",
	}
}

func kubeconfigFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "kubeconfig",
		Aliases: []string{"k"},
		Usage:   "path to kubeconfig file (default: $KUBECONFIG or ~/.kube/config)",
	}
}

func namespaceFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "namespace",
		Aliases: []string{"n"},
		Usage:   fmt.Sprintf("target namespace (default: from config, %s)", config.DefaultNamespace),
	}
}

// formatFlag returns a --format flag with the given default. An empty
// default selects the command's human-readable output.
func formatFlag(def string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"t"},
		Value:   def,
		Usage:   fmt.Sprintf("output format (%s)", strings.Join(serializer.SupportedFormats(), ", ")),
	}
}

// parseOutputFormat extracts and validates the output format from CLI flags.
// An empty value is returned as-is.
func parseOutputFormat(cmd *cli.Command) (serializer.Format, error) {
	outFormat := serializer.Format(cmd.String("format"))
	if outFormat == "" {
		return "", nil
	}
	if outFormat.IsUnknown() {
		return "", shiperrors.New(shiperrors.ErrCodeInvalidRequest,
			fmt.Sprintf("unknown output format: %q, valid formats are: %s", outFormat, strings.Join(serializer.SupportedFormats(), ", ")))
	}
	return outFormat, nil
}

// loadConfig reads the file named by the global --config flag.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, shiperrors.Wrap(shiperrors.ErrCodeInvalidRequest, "failed to load configuration", err)
	}
	return cfg, nil
}

// stdout is where command results go when --output is not set.
func stdout(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

// writeOutput serializes data to the --output destination.
func writeOutput(ctx context.Context, cmd *cli.Command, format serializer.Format, data any) error {
	path := strings.TrimSpace(cmd.String("output"))
	if path == "" || path == serializer.StdoutURI {
		return serializer.NewWriter(format, stdout(cmd)).Serialize(ctx, data)
	}

	ser, err := serializer.NewFileWriterOrStdout(format, path)
	if err != nil {
		return err
	}
	defer func() {
		if c, ok := ser.(serializer.Closer); ok {
			if err := c.Close(); err != nil {
				slog.Warn("failed to close serializer", "error", err)
			}
		}
	}()
	return ser.Serialize(ctx, data)
}
