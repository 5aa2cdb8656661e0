package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tim-projects/not-the-news-sub001/internal/model"
)

// PendingEntry is one queued operation as printed by the pending command.
type PendingEntry struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Key       string `json:"key"`
	GUID      string `json:"guid,omitempty"`
	Action    string `json:"action,omitempty"`
	Timestamp string `json:"timestamp"`
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List operations waiting to be delivered",
		Long: `List the operations queued locally that the server has not confirmed yet,
oldest first. They are sent by the next sync.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPending(rootOpts, cmd)
		},
	}
	return cmd
}

// NewPruneCommand creates the prune command.
func NewPruneCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Forget old read marks of items that left the feed",
		Long: `Drop read marks older than 30 days whose item is no longer in the local
feed. Marks of items still in the feed are kept. The prune is local and is
not sent to the server.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrune(rootOpts, cmd)
		},
	}
	return cmd
}

func runPending(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)
	a, err := openApp(opts, cmd, formatter)
	if err != nil {
		return err
	}
	defer a.Close()

	ops, err := a.ledger.ListAll(cmd.Context())
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, "failed to read pending operations", err)
	}
	entries := make([]PendingEntry, 0, len(ops))
	for _, op := range ops {
		entries = append(entries, PendingEntry{
			ID:        op.ID,
			Type:      string(op.Type),
			Key:       op.AffectedKey(),
			GUID:      op.GUID,
			Action:    string(op.Action),
			Timestamp: model.FormatTime(op.Timestamp),
		})
	}

	if formatter.Format == "json" {
		return formatter.Success(entries)
	}
	if len(entries) == 0 {
		return formatter.Success("No pending operations.")
	}
	for _, e := range entries {
		target := e.Key
		if e.GUID != "" {
			target = fmt.Sprintf("%s %s %s", e.Key, e.Action, e.GUID)
		}
		fmt.Fprintf(formatter.Writer, "%4d  %-12s %s  (%s)\n", e.ID, e.Type, target, e.Timestamp)
	}
	fmt.Fprintf(formatter.Writer, "\n%d operation(s) pending\n", len(entries))
	return nil
}

func runPrune(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)
	a, err := openApp(opts, cmd, formatter)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.state.PruneStaleRead(cmd.Context())
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, "prune failed", err)
	}
	if formatter.Format == "json" {
		return formatter.Success(map[string]int{"pruned": n})
	}
	return formatter.Success(fmt.Sprintf("✓ Pruned %d read mark(s)", n))
}
