package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/app"
)

// newServeCmd creates `pocketclaw serve`, which runs the assistant until
// SIGINT or SIGTERM.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the assistant with its channels, scheduler and heartbeat",
		Long: `Start pocketclaw as a long-running service. Every channel enabled in
the config is connected, scheduled jobs fire and the heartbeat ticks.

Examples:
  pocketclaw serve
  pocketclaw serve --config ./config.yaml
  pocketclaw serve --terminal`,
		RunE: runServe,
	}
	cmd.Flags().Bool("terminal", false, "also read messages from this terminal")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	var opts []app.Option
	opts = append(opts, app.WithQRHandler(func(code string) {
		fmt.Println()
		fmt.Println("Scan this code in WhatsApp > Linked devices:")
		fmt.Println(code)
		fmt.Println()
	}))
	if terminal, _ := cmd.Flags().GetBool("terminal"); terminal {
		opts = append(opts, app.WithTerminal(os.Stdin, os.Stdout))
	}

	a, _, logger, err := buildApp(cmd, os.Stderr, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received, stopping...")
	}()

	if err := a.Run(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
