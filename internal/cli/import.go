package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tim-projects/not-the-news-sub001/internal/feedparse"
)

// ImportResult is the JSON payload of the import command.
type ImportResult struct {
	Source   string `json:"source"`
	Imported int    `json:"imported"`
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <path-or-url>",
		Short: "Import items from an RSS, Atom or JSON feed",
		Long: `Parse a feed file or URL and add its items to the local feed. Items
already present are replaced with the imported copy.

Example:
  ntn import ./feed.xml
  ntn import https://example.com/rss`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runImport(opts *RootOptions, source string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)
	a, err := openApp(opts, cmd, formatter)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	items, err := feedparse.New(a.clock).Load(ctx, source)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeImport, "failed to read feed", err)
	}
	formatter.VerboseLog("Parsed %d item(s) from %s", len(items), source)
	if err := a.store.PutFeedItems(ctx, items); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, "failed to store items", err)
	}

	res := ImportResult{Source: source, Imported: len(items)}
	if formatter.Format == "json" {
		return formatter.Success(res)
	}
	return formatter.Success(fmt.Sprintf("✓ Imported %d item(s) from %s", res.Imported, source))
}
