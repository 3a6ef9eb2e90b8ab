// Package cli implements the petalrun command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalrun/config"
)

// NewRootCmd builds the petalrun command tree.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "petalrun",
		Short: "petalrun browser scenario runner",
		Long: "petalrun queues browser test scenarios, executes them step by step and\n" +
			"streams step events to live observers.",
		// SilenceUsage prevents printing usage on every error
		SilenceUsage:      true,
		PersistentPreRunE: setupLogging,
	}

	root.PersistentFlags().String("config", "", "Path to petalrun.yaml (default: ./petalrun.yaml, ~/.petalrun/config.yaml)")
	root.PersistentFlags().Bool("verbose", false, "Enable verbose/debug logging")
	root.PersistentFlags().Bool("quiet", false, "Suppress all output except errors")
	root.PersistentFlags().String("log-format", "text", "Log format: text | json")

	root.Version = version
	root.SetVersionTemplate(fmt.Sprintf("petalrun version %s\n", version))

	root.AddCommand(NewServeCmd())
	root.AddCommand(NewWorkerCmd())
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewEnqueueCmd())
	root.AddCommand(NewFailedCmd())
	root.AddCommand(NewValidateCmd())
	return root
}

// setupLogging installs the process logger on stderr.
func setupLogging(cmd *cobra.Command, _ []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	quiet, _ := cmd.Flags().GetBool("quiet")
	format, _ := cmd.Flags().GetString("log-format")

	logger, err := newLogger(cmd.ErrOrStderr(), format, verbose, quiet)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	slog.SetDefault(logger)
	return nil
}

func newLogger(w io.Writer, format string, verbose, quiet bool) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch {
	case quiet:
		level = slog.LevelError
	case verbose:
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}

// loadConfig resolves the config file named by --config and applies the
// environment and defaults.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	explicit, _ := cmd.Flags().GetString("config")
	cfg, path, err := config.Load(explicit)
	if err != nil {
		return config.Config{}, exitError(exitConfig, "loading config: %v", err)
	}
	if path != "" {
		slog.Debug("loaded config", "path", path)
	}
	return cfg, nil
}
