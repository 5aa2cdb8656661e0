package cli

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tim-projects/not-the-news-sub001/internal/model"
)

// markActions maps each mark verb to its list key and target state.
var markActions = map[string]struct {
	key string
	on  bool
}{
	"read":   {model.KeyRead, true},
	"unread": {model.KeyRead, false},
	"star":   {model.KeyStarred, true},
	"unstar": {model.KeyStarred, false},
}

// MarkResult is the JSON payload of the mark command.
type MarkResult struct {
	GUID    string `json:"guid"`
	Key     string `json:"key"`
	On      bool   `json:"on"`
	Changed bool   `json:"changed"`
}

// NewMarkCommand creates the mark command.
func NewMarkCommand(rootOpts *RootOptions) *cobra.Command {
	verbs := make([]string, 0, len(markActions))
	for v := range markActions {
		verbs = append(verbs, v)
	}
	slices.Sort(verbs)

	cmd := &cobra.Command{
		Use:   "mark <" + strings.Join(verbs, "|") + "> <guid>",
		Short: "Mark an item read, unread, starred or unstarred",
		Long: `Change the read or starred mark of one item. The change is stored locally
and queued; it is delivered immediately when the server is reachable.

Example:
  ntn mark read https://example.com/post/1
  ntn mark star urn:uuid:1225c695`,
		Args:          cobra.ExactArgs(2),
		ValidArgs:     verbs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMark(rootOpts, args[0], args[1], cmd)
		},
	}
	return cmd
}

func runMark(opts *RootOptions, verb, guid string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)
	action, ok := markActions[verb]
	if !ok {
		return formatter.Fail(ExitCommandError, ErrCodeInput, fmt.Sprintf("unknown mark %q", verb), nil)
	}

	a, err := openApp(opts, cmd, formatter)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	changed, err := a.state.SetMark(ctx, action.key, guid, action.on)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeInput, "failed to mark item", err)
	}
	a.coord.Flush(ctx)

	res := MarkResult{GUID: model.NormalizeGUID(guid), Key: action.key, On: action.on, Changed: changed}
	if formatter.Format == "json" {
		return formatter.Success(res)
	}
	if !changed {
		return formatter.Success(fmt.Sprintf("%s already %s", res.GUID, verb))
	}
	return formatter.Success(fmt.Sprintf("✓ %s marked %s", res.GUID, verb))
}
