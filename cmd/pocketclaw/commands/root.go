// Package commands implements the pocketclaw CLI using cobra.
package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/app"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/config"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pocketclaw",
		Short: "pocketclaw - personal AI assistant",
		Long: `pocketclaw is a small personal assistant. It answers on Telegram,
Discord, WhatsApp or a local web chat, runs scheduled jobs and can hand
longer tasks to background subagents.

Examples:
  pocketclaw setup
  pocketclaw serve
  pocketclaw chat "What's in my workspace?"
  pocketclaw cron add "every 1h" "Check the build status" --deliver --channel telegram --to 42`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newCronCmd(),
		newSessionsCmd(),
		newSetupCmd(),
		newSecretsCmd(),
		newStatusCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logs")

	return rootCmd
}

// loadConfig reads the --config file or the first one discovered. Defaults
// apply when no file exists.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, used, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config %s: %w", used, err)
	}
	return cfg, used, nil
}

// newLogger builds the slog handler from the logging section and --verbose.
func newLogger(cmd *cobra.Command, cfg *config.Config, w io.Writer) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	level := slog.LevelInfo
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Logging.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// buildApp loads config, resolves the API key and wires an App.
func buildApp(cmd *cobra.Command, logOut io.Writer, opts ...app.Option) (*app.App, *config.Config, *slog.Logger, error) {
	cfg, used, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	logger := newLogger(cmd, cfg, logOut)
	slog.SetDefault(logger)
	if used != "" {
		logger.Debug("config loaded", "path", used)
	}

	config.ResolveAPIKey(cfg, config.VaultFile, logger)

	a, err := app.New(cfg, logger, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	return a, cfg, logger, nil
}

// quietLogOutput sends logs to stderr, or discards them unless --verbose,
// for commands whose stdout is the user-facing result.
func quietLogOutput(cmd *cobra.Command) io.Writer {
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		return os.Stderr
	}
	return io.Discard
}
