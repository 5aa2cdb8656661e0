package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tim-projects/not-the-news-sub001/internal/engine"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Force bool
}

// SyncSummary is the JSON payload of the sync command.
type SyncSummary struct {
	Skipped  string       `json:"skipped,omitempty"`
	Acked    int          `json:"acked"`
	Rejected int          `json:"rejected"`
	Unsent   int          `json:"unsent"`
	Keys     []KeySummary `json:"keys,omitempty"`
	Errors   []string     `json:"errors,omitempty"`

	Fetched   int  `json:"fetched"`
	Throttled bool `json:"throttled,omitempty"`
	Backfill  int  `json:"backfilled,omitempty"`
	DeckSize  int  `json:"deckSize"`
	Shuffles  int  `json:"shufflesLeft"`
}

// KeySummary is the pull outcome of one key.
type KeySummary struct {
	Key     string `json:"key"`
	Status  string `json:"status"`
	Added   int    `json:"added,omitempty"`
	Removed int    `json:"removed,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one full sync cycle",
		Long: `Run one sync cycle: push every pending operation, pull the state keys
that were not just pushed, refresh feed content and bring the deck up to date.

With --force the pull trusts the server: pending-change protection and
cursors are bypassed and list keys are replaced with the server copy.

Example:
  ntn sync
  ntn sync --force --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Force, "force", false, "trust the server over local state")

	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	a, err := openApp(opts.RootOptions, cmd, formatter)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	push := a.coord.PushAll(ctx)
	pull := push.Pull
	if opts.Force && push.Skipped == "" {
		forced := a.coord.PullAll(ctx, engine.PullOptions{Force: true})
		pull = &forced
	}
	content := a.refreshContent(ctx)
	a.coord.Flush(ctx)

	summary := summarize(push, pull)
	summary.Fetched = content.Feed.Fetched
	summary.Throttled = content.Feed.Throttled
	summary.Backfill = content.Backfill
	summary.DeckSize = len(content.Deck.Deck)
	summary.Shuffles = content.Deck.ShuffleCount

	if formatter.Format != "json" {
		writeSyncText(formatter.Writer, summary)
	}
	if len(summary.Errors) > 0 {
		msg := fmt.Sprintf("sync finished with %d error(s)", len(summary.Errors))
		return formatter.FailCycle(ExitFailure, ErrCodeSync, push.Cycle, msg, summary)
	}
	if formatter.Format == "json" {
		return formatter.SuccessCycle(push.Cycle, summary)
	}
	return nil
}

func summarize(push engine.PushReport, pull *engine.PullReport) SyncSummary {
	s := SyncSummary{
		Skipped:  push.Skipped,
		Acked:    push.Acked,
		Rejected: push.Rejected,
		Unsent:   push.Unsent,
	}
	for _, e := range push.Errors {
		s.Errors = append(s.Errors, e.Error())
	}
	if pull == nil {
		return s
	}
	if s.Skipped == "" {
		s.Skipped = pull.Skipped
	}
	for _, k := range pull.Keys {
		ks := KeySummary{
			Key:     k.Key,
			Status:  string(k.Status),
			Added:   k.Changes.Added,
			Removed: k.Changes.Removed,
		}
		if k.Err != nil {
			ks.Error = k.Err.Error()
			if k.Err.Code != engine.ErrCodeNoToken {
				s.Errors = append(s.Errors, ks.Error)
			}
		}
		s.Keys = append(s.Keys, ks)
	}
	return s
}

func writeSyncText(w io.Writer, s SyncSummary) {
	if s.Skipped != "" {
		fmt.Fprintf(w, "Sync skipped: %s\n", s.Skipped)
	} else {
		fmt.Fprintf(w, "✓ Pushed %d operation(s)", s.Acked)
		if s.Rejected > 0 || s.Unsent > 0 {
			fmt.Fprintf(w, " (%d rejected, %d unsent)", s.Rejected, s.Unsent)
		}
		fmt.Fprintln(w)
		for _, k := range s.Keys {
			line := fmt.Sprintf("  %-24s %s", k.Key, k.Status)
			if k.Added > 0 || k.Removed > 0 {
				line += fmt.Sprintf(" +%d -%d", k.Added, k.Removed)
			}
			if k.Error != "" {
				line += ": " + k.Error
			}
			fmt.Fprintln(w, line)
		}
	}
	if s.Throttled {
		fmt.Fprintln(w, "Feed refresh throttled by the server")
	} else if s.Fetched > 0 {
		fmt.Fprintf(w, "✓ Fetched %d feed item(s)\n", s.Fetched)
	}
	fmt.Fprintf(w, "Deck: %d item(s), %d shuffle(s) left today\n", s.DeckSize, s.Shuffles)
}
