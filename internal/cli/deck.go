package cli

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/tim-projects/not-the-news-sub001/internal/deck"
	"github.com/tim-projects/not-the-news-sub001/internal/model"
)

// DeckOptions holds flags for the deck command.
type DeckOptions struct {
	*RootOptions
	Filter string
}

var validFilters = []string{model.FilterUnread, model.FilterRead, model.FilterStarred, model.FilterAll}

// DeckView is the JSON payload of the deck and shuffle commands.
type DeckView struct {
	FilterMode   string      `json:"filterMode"`
	ShufflesLeft int         `json:"shufflesLeft"`
	Reset        bool        `json:"reset,omitempty"`
	Regenerated  bool        `json:"regenerated,omitempty"`
	Refunded     bool        `json:"refunded,omitempty"`
	Items        []DeckEntry `json:"items"`
}

// DeckEntry is one displayed item.
type DeckEntry struct {
	GUID      string `json:"guid"`
	Title     string `json:"title"`
	Link      string `json:"link,omitempty"`
	Published string `json:"pubDate,omitempty"`
	Read      bool   `json:"read"`
	Starred   bool   `json:"starred"`
}

// NewDeckCommand creates the deck command.
func NewDeckCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeckOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "deck",
		Short: "Show today's deck",
		Long: `Show today's deck of unread items, generating a new one when the day
changed or every item has been read.

With --filter read or --filter starred the matching items are listed
instead; the filter is remembered and synced like any other setting.

Example:
  ntn deck
  ntn deck --filter starred`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeck(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter mode (unread|read|starred|all)")

	return cmd
}

// NewShuffleCommand creates the shuffle command.
func NewShuffleCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shuffle",
		Short: "Replace the deck with new items",
		Long: `Set the current deck aside and draw a new one. Shuffles are limited per
day; the budget is restored at the start of each day.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShuffle(rootOpts, cmd)
		},
	}
	return cmd
}

func runDeck(opts *DeckOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	if opts.Filter != "" && !slices.Contains(validFilters, opts.Filter) {
		return formatter.Fail(ExitCommandError, ErrCodeInput,
			fmt.Sprintf("invalid filter %q: must be one of %v", opts.Filter, validFilters), nil)
	}

	a, err := openApp(opts.RootOptions, cmd, formatter)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	if opts.Filter != "" {
		if err := a.state.SetScalar(ctx, model.KeyFilterMode, opts.Filter); err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeStore, "failed to save filter", err)
		}
	}
	res, err := a.deck.Manage(ctx)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, "failed to build deck", err)
	}
	a.coord.Flush(ctx)
	return outputDeck(formatter, res)
}

func runShuffle(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)
	a, err := openApp(opts, cmd, formatter)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	res, err := a.deck.Shuffle(ctx)
	if errors.Is(err, deck.ErrNoShufflesLeft) {
		return formatter.Fail(ExitFailure, ErrCodeNoShuffles, "no shuffles left for today", nil)
	}
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, "shuffle failed", err)
	}
	a.coord.Flush(ctx)
	return outputDeck(formatter, res)
}

func deckView(res deck.Result) DeckView {
	v := DeckView{
		FilterMode:   res.FilterMode,
		ShufflesLeft: res.ShuffleCount,
		Reset:        res.Reset,
		Regenerated:  res.Regenerated,
		Refunded:     res.Refunded,
		Items:        make([]DeckEntry, 0, len(res.Deck)),
	}
	for _, e := range res.Deck {
		entry := DeckEntry{
			GUID:    e.GUID,
			Title:   e.Title,
			Link:    e.Link,
			Read:    e.Read,
			Starred: e.Starred,
		}
		if !e.PublishedAt.IsZero() {
			entry.Published = model.FormatTime(e.PublishedAt)
		}
		v.Items = append(v.Items, entry)
	}
	return v
}

func outputDeck(formatter *OutputFormatter, res deck.Result) error {
	view := deckView(res)
	if formatter.Format == "json" {
		return formatter.Success(view)
	}
	writeDeckText(formatter.Writer, view)
	return nil
}

func writeDeckText(w io.Writer, v DeckView) {
	if len(v.Items) == 0 {
		fmt.Fprintf(w, "No %s items.\n", v.FilterMode)
	}
	for i, it := range v.Items {
		flags := []byte("  ")
		if it.Read {
			flags[0] = 'R'
		}
		if it.Starred {
			flags[1] = '*'
		}
		fmt.Fprintf(w, "%2d. [%s] %s\n", i+1, flags, it.Title)
		fmt.Fprintf(w, "       %s\n", it.GUID)
	}
	if v.FilterMode == model.FilterUnread {
		fmt.Fprintf(w, "\n%d shuffle(s) left today\n", v.ShufflesLeft)
	}
}
