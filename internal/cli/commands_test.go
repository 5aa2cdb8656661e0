package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tim-projects/not-the-news-sub001/internal/testutil"
)

const testToken = "cli-token"

func writeRSS(t *testing.T, n int) string {
	t.Helper()
	var items strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&items, `<item>
  <title>Post %d</title>
  <link>https://example.com/%d</link>
  <guid>post-%02d</guid>
  <pubDate>Mon, %02d Jun 2025 10:00:00 GMT</pubDate>
  <description>Body %d</description>
</item>
`, i, i, i, i, i)
	}
	doc := `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Test</title>
` + items.String() + `</channel></rss>`
	path := filepath.Join(t.TempDir(), "feed.xml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func decodeData[T any](t *testing.T, out string) T {
	t.Helper()
	var resp struct {
		Status string `json:"status"`
		Data   T      `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	return resp.Data
}

func TestMarkOfflineQueuesOperation(t *testing.T) {
	db := tempDB(t)

	out, err := executeRoot(t, db, "--offline", "--format", "json", "mark", "star", " Post-01 ")
	require.NoError(t, err)
	res := decodeData[MarkResult](t, out)
	assert.Equal(t, MarkResult{GUID: "post-01", Key: "starred", On: true, Changed: true}, res)

	out, err = executeRoot(t, db, "--offline", "--format", "json", "pending")
	require.NoError(t, err)
	entries := decodeData[[]PendingEntry](t, out)
	require.Len(t, entries, 1)
	assert.Equal(t, "starDelta", entries[0].Type)
	assert.Equal(t, "starred", entries[0].Key)
	assert.Equal(t, "post-01", entries[0].GUID)
	assert.Equal(t, "add", entries[0].Action)

	out, err = executeRoot(t, db, "--offline", "mark", "star", "post-01")
	require.NoError(t, err)
	assert.Contains(t, out, "already star")
}

func TestMarkUnknownVerb(t *testing.T) {
	out, err := executeRoot(t, tempDB(t), "--offline", "mark", "flag", "x")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, ErrCodeInput)
}

func TestPendingEmpty(t *testing.T) {
	out, err := executeRoot(t, tempDB(t), "--offline", "pending")
	require.NoError(t, err)
	assert.Contains(t, out, "No pending operations.")
}

func TestImportThenDeck(t *testing.T) {
	db := tempDB(t)
	feed := writeRSS(t, 3)

	out, err := executeRoot(t, db, "--offline", "--format", "json", "import", feed)
	require.NoError(t, err)
	imported := decodeData[ImportResult](t, out)
	assert.Equal(t, 3, imported.Imported)

	out, err = executeRoot(t, db, "--offline", "--format", "json", "deck")
	require.NoError(t, err)
	view := decodeData[DeckView](t, out)
	assert.Equal(t, "unread", view.FilterMode)
	assert.Equal(t, 2, view.ShufflesLeft)
	require.Len(t, view.Items, 3)
	// Offline decks list the newest items first.
	assert.Equal(t, "post-03", view.Items[0].GUID)
	assert.Equal(t, "Post 3", view.Items[0].Title)
}

func TestImportMissingFile(t *testing.T) {
	out, err := executeRoot(t, tempDB(t), "--offline", "import", filepath.Join(t.TempDir(), "none.xml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, ErrCodeImport)
}

func TestDeckInvalidFilter(t *testing.T) {
	out, err := executeRoot(t, tempDB(t), "--offline", "deck", "--filter", "everything")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, ErrCodeInput)
}

func TestDeckStarredFilter(t *testing.T) {
	db := tempDB(t)
	_, err := executeRoot(t, db, "--offline", "import", writeRSS(t, 3))
	require.NoError(t, err)
	_, err = executeRoot(t, db, "--offline", "mark", "star", "post-02")
	require.NoError(t, err)

	out, err := executeRoot(t, db, "--offline", "--format", "json", "deck", "--filter", "starred")
	require.NoError(t, err)
	view := decodeData[DeckView](t, out)
	assert.Equal(t, "starred", view.FilterMode)
	require.Len(t, view.Items, 1)
	assert.Equal(t, "post-02", view.Items[0].GUID)
	assert.True(t, view.Items[0].Starred)
}

func TestShuffleBudget(t *testing.T) {
	db := tempDB(t)
	_, err := executeRoot(t, db, "--offline", "import", writeRSS(t, 25))
	require.NoError(t, err)

	out, err := executeRoot(t, db, "--offline", "--format", "json", "shuffle")
	require.NoError(t, err)
	assert.Equal(t, 1, decodeData[DeckView](t, out).ShufflesLeft)

	out, err = executeRoot(t, db, "--offline", "--format", "json", "shuffle")
	require.NoError(t, err)
	assert.Equal(t, 0, decodeData[DeckView](t, out).ShufflesLeft)

	out, err = executeRoot(t, db, "--offline", "shuffle")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, ErrCodeNoShuffles)
}

func TestPrune(t *testing.T) {
	out, err := executeRoot(t, tempDB(t), "--offline", "prune")
	require.NoError(t, err)
	assert.Contains(t, out, "Pruned 0 read mark(s)")
}

func TestSyncOffline(t *testing.T) {
	out, err := executeRoot(t, tempDB(t), "--offline", "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "Sync skipped:")
	assert.Contains(t, out, "Deck: 0 item(s)")
}

func TestSyncDeliversQueuedMarks(t *testing.T) {
	server := testutil.NewProfileServer(t, testToken)
	t.Setenv("NTN_TOKEN", testToken)
	db := tempDB(t)

	_, err := executeRoot(t, db, "--offline", "mark", "read", "post-01")
	require.NoError(t, err)
	assert.Empty(t, server.MarkGUIDs("read"))

	out, err := executeRoot(t, db, "--server", server.URL, "--format", "json", "sync")
	require.NoError(t, err, out)
	summary := decodeData[SyncSummary](t, out)
	assert.Equal(t, 1, summary.Acked)
	assert.Empty(t, summary.Errors)

	assert.Equal(t, []string{"post-01"}, server.MarkGUIDs("read"))

	out, err = executeRoot(t, db, "--offline", "pending")
	require.NoError(t, err)
	assert.Contains(t, out, "No pending operations.")
}

func TestSyncTransportFailureReportsSyncError(t *testing.T) {
	server := testutil.NewProfileServer(t, testToken)
	t.Setenv("NTN_TOKEN", testToken)
	db := tempDB(t)

	_, err := executeRoot(t, db, "--offline", "mark", "read", "post-01")
	require.NoError(t, err)
	server.SetDown(true)

	out, err := executeRoot(t, db, "--server", server.URL, "--format", "json", "sync")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string      `json:"status"`
		Data   SyncSummary `json:"data"`
		Error  *CLIError   `json:"error"`
		Cycle  string      `json:"cycle"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeSync, resp.Error.Code)
	assert.NotEmpty(t, resp.Cycle)
	assert.Equal(t, 1, resp.Data.Unsent)
	assert.Len(t, resp.Data.Errors, 1)
	// The failed push marks the server unreachable, so no pull follows.
	assert.Equal(t, "offline", resp.Data.Skipped)
	assert.Zero(t, server.CountRequests("GET /profile/"))

	out, err = executeRoot(t, db, "--server", server.URL, "sync")
	require.Error(t, err)
	assert.Contains(t, out, "Error [E004]")

	out, err = executeRoot(t, db, "--offline", "pending")
	require.NoError(t, err)
	assert.Contains(t, out, "post-01")
}
