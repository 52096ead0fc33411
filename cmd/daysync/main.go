package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	appLog "daysync/internal/log"
)

// rootFlags holds flags shared by every subcommand.
type rootFlags struct {
	configPath string
	listen     string
	logLevel   string
}

func main() {
	var flags rootFlags

	rootCmd := &cobra.Command{
		Use:           "daysync",
		Short:         "Daily timeline with calendar import, sync and completion rewards",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "/etc/daysync/config.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&flags.listen, "listen", "", "HTTP listen address (overrides config if set)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (overrides config if set)")

	rootCmd.AddCommand(
		newServeCmd(&flags),
		newPollCmd(&flags),
		newSyncCmd(&flags),
		newImportCmd(&flags),
		newTimelineCmd(&flags),
		newAddCmd(&flags),
		newCompleteCmd(&flags),
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	err := rootCmd.ExecuteContext(ctx)
	cancel()
	appLog.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
