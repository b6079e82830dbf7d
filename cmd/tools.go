package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// toolsCmd runs the tool surface over stdio: one JSON request per
// input line, one JSON response per output line. Meant for embedding
// goswarm as a subprocess tool provider.
func toolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Serve the tool surface as JSON lines over stdio",
		Run: func(cmd *cobra.Command, args []string) {
			runTools()
		},
	}
}

func runTools() {
	a, err := buildApp(resolveConfigPath())
	if err != nil {
		slog.Error("tools.boot_failed", "error", err)
		os.Exit(1)
	}
	defer a.shutdown()

	a.engine.Start()
	a.cron.Start()
	a.mail.StartSweeper(time.Duration(a.cfg.Mailbox.SweepIntervalSec) * time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.tools.RunStdio(ctx, os.Stdin, os.Stdout); err != nil && err != context.Canceled {
		slog.Error("tools.stdio_failed", "error", err)
		os.Exit(1)
	}
}
