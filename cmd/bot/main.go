package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ircbot/internal/app"
	"ircbot/internal/plugin"
	"ircbot/plugins/announce"
	"ircbot/plugins/keepalive"
	"ircbot/plugins/nickguard"
	"ircbot/plugins/unitwatch"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var cfgPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ircbot",
	Short: "Event-driven IRC bot",
	Long: `ircbot keeps one connection per configured IRC network alive,
reconnecting with exponential backoff, and runs timed plugins on a single
cooperative core loop.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("ircbot version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (JSON or YAML)")

	rootCmd.AddCommand(checkConfigCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// builtinPlugins lists every plugin compiled into the binary. Config decides
// which of them run.
func builtinPlugins() []plugin.Plugin {
	return []plugin.Plugin{
		keepalive.New(),
		nickguard.New(),
		announce.New(),
		unitwatch.New(),
	}
}

func run(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	a.Plugins().Register(builtinPlugins()...)

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
