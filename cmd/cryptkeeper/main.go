package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cryptkeeper/internal/app"
	"cryptkeeper/internal/config"
	"cryptkeeper/internal/entry"
	"cryptkeeper/internal/runtime/lifecycle"
	logx "cryptkeeper/pkg/logx"
)

const stopTimeout = 15 * time.Second

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "cryptkeeper",
	Short:         "Watch a wiki homepage for new news and releases and send notifications",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runDaemon,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run cycles on the configured schedule until interrupted (default)",
	Args:  cobra.NoArgs,
	RunE:  runDaemon,
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single cycle and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := app.New(cfgPath)
		if err != nil {
			return err
		}
		defer a.Close()

		rep, err := a.RunOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cycle %s: %d news, %d releases new; %d enriched, %d failed (%s)\n",
			rep.CycleID,
			len(rep.Inserted[entry.KindNews]),
			len(rep.Inserted[entry.KindRelease]),
			rep.Enriched, rep.EnrichFailed,
			rep.Took.Round(time.Millisecond),
		)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the storage tables and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		counts, err := app.Migrate(cmd.Context(), cfgPath, logx.NewConsole("INFO"))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "tables ready: %d news, %d releases stored\n",
			counts[entry.KindNews], counts[entry.KindRelease])
		return nil
	},
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		defer stopCancel()
		_ = a.Stop(stopCtx, lifecycle.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := lifecycle.StopUnknown
	select {
	case sig := <-sigCh:
		reason = lifecycle.FromSignal(sig)
	case <-a.Done():
		reason = lifecycle.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == lifecycle.StopFatalError {
		if err := a.Err(); err != nil {
			return err
		}
	}
	if code := reason.ExitCode(); code != 0 {
		os.Exit(code)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", config.DefaultPath, "path to config file (yaml or json)")
	rootCmd.AddCommand(runCmd, onceCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
