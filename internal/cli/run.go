package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Interval time.Duration
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Keep state and content in sync until interrupted",
		Long: `Start the background sync loop.

Every interval, and whenever the connection comes back, the loop pushes
pending operations, pulls state, refreshes feed content and updates the deck.
Pulls scheduled after individual pushes run on a separate detached runner.

Example:
  ntn run
  ntn run --interval 1m --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoop(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "sync interval (overrides sync.interval)")

	return cmd
}

func runLoop(opts *RunOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	a, err := openApp(opts.RootOptions, cmd, formatter)
	if err != nil {
		return err
	}
	defer a.Close()

	interval := a.cfg.Sync.Interval
	if opts.Interval > 0 {
		interval = opts.Interval
	}

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			a.logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	a.logger.Info("sync loop starting", "db", a.cfg.Store.Path, "server", a.cfg.Server.BaseURL, "interval", interval)
	fmt.Fprintln(cmd.OutOrStdout(), "Sync loop started.")
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	if err := a.coord.Run(ctx, interval); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "sync loop error", err)
	}

	a.logger.Info("sync loop stopped gracefully")
	return nil
}
