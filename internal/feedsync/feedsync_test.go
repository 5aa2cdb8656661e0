package feedsync

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tim-projects/not-the-news-sub001/internal/model"
	"github.com/tim-projects/not-the-news-sub001/internal/remote"
	"github.com/tim-projects/not-the-news-sub001/internal/store"
	"github.com/tim-projects/not-the-news-sub001/internal/testutil"
)

var now = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T, opts ...Option) (*Syncer, *store.Store, *testutil.ProfileServer) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := store.Open(filepath.Join(t.TempDir(), "feed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	srv := testutil.NewProfileServer(t, "secret")
	client := remote.New(srv.URL, remote.StaticToken("secret"), remote.WithLogger(logger))
	base := []Option{WithClock(testutil.NewFakeClock(now)), WithLogger(logger)}
	return New(s, client, append(base, opts...)...), s, srv
}

func item(guid string, age time.Duration) model.FeedItem {
	return model.FeedItem{GUID: guid, Title: guid, Description: "body of " + guid, PublishedAt: now.Add(-age)}
}

func localGUIDs(t *testing.T, s *store.Store) []string {
	t.Helper()
	set, err := s.FeedGUIDs(context.Background())
	require.NoError(t, err)
	out := make([]string, 0, len(set))
	for g := range set {
		out = append(out, g)
	}
	slices.Sort(out)
	return out
}

func TestRefresh_FetchesNewerItemsInBatches(t *testing.T) {
	ctx := context.Background()
	syncer, s, srv := setup(t, WithBatchSize(3))

	old := item("old", 48*time.Hour)
	require.NoError(t, s.PutFeedItems(ctx, []model.FeedItem{old}))
	srv.AddItems(old)
	for _, g := range []string{"n1", "n2", "n3", "n4", "n5", "n6", "N7"} {
		srv.AddItems(item(g, time.Hour))
	}

	rep, err := syncer.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, rep.Requested)
	assert.Equal(t, 7, rep.Fetched)
	assert.False(t, rep.Throttled)
	assert.Equal(t, 3, srv.CountRequests("POST /feed-items"))
	assert.Contains(t, localGUIDs(t, s), "n7")

	stored, err := s.FeedItem(ctx, "n1")
	require.NoError(t, err)
	assert.True(t, now.Equal(stored.FetchedAt), "fetch time is stamped")

	last, err := syncer.LastSync(ctx)
	require.NoError(t, err)
	assert.True(t, now.Equal(last))
}

func TestRefresh_ThrottledIsNotAnError(t *testing.T) {
	ctx := context.Background()
	syncer, s, srv := setup(t)
	srv.AddItems(item("a", time.Hour))
	srv.SetThrottled(true)

	rep, err := syncer.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Throttled)
	assert.Zero(t, srv.CountRequests("POST /feed-items"))
	assert.Empty(t, localGUIDs(t, s))

	last, err := syncer.LastSync(ctx)
	require.NoError(t, err)
	assert.True(t, now.Equal(last), "the attempt is recorded")
}

func TestRefresh_TransportFailureIsReturned(t *testing.T) {
	syncer, _, srv := setup(t)
	srv.SetDown(true)

	_, err := syncer.Refresh(context.Background())
	require.Error(t, err)

	last, err := syncer.LastSync(context.Background())
	require.NoError(t, err)
	assert.True(t, last.IsZero())
}

func TestFullSync_CompleteListingRemovesAbsentItems(t *testing.T) {
	ctx := context.Background()
	syncer, s, srv := setup(t)
	require.NoError(t, s.PutFeedItems(ctx, []model.FeedItem{item("a", time.Hour), item("b", time.Hour), item("c", time.Hour)}))
	srv.AddItems(item("b", time.Hour), item("c", time.Hour), item("d", time.Hour))

	rep, err := syncer.FullSync(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Fetched)
	assert.Equal(t, 1, rep.Removed)
	assert.Equal(t, []string{"b", "c", "d"}, localGUIDs(t, s))
}

func TestFullSync_PartialListingNeverRemoves(t *testing.T) {
	ctx := context.Background()
	syncer, s, srv := setup(t)
	require.NoError(t, s.PutFeedItems(ctx, []model.FeedItem{item("a", time.Hour)}))
	srv.AddItems(item("b", time.Hour))

	rep, err := syncer.FullSync(ctx, model.FormatTime(now.Add(-24*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Fetched)
	assert.Zero(t, rep.Removed)
	assert.Equal(t, []string{"a", "b"}, localGUIDs(t, s))
}

func TestFetchMissing_BackfillsDeckMembers(t *testing.T) {
	ctx := context.Background()
	syncer, s, srv := setup(t)
	require.NoError(t, s.PutFeedItems(ctx, []model.FeedItem{item("y", time.Hour)}))
	require.NoError(t, s.ReplaceMarks(ctx, model.KeyCurrentDeck, []model.Mark{{GUID: "x"}, {GUID: "y"}, {GUID: "z"}}))
	srv.AddItems(item("x", time.Hour))

	rep, err := syncer.FetchMissing(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Requested)
	assert.Equal(t, 1, rep.Fetched, "z is unknown to the server")
	assert.Equal(t, []string{"x", "y"}, localGUIDs(t, s))
}

func TestFetchMissing_NothingMissingSendsNothing(t *testing.T) {
	ctx := context.Background()
	syncer, s, srv := setup(t)
	require.NoError(t, s.PutFeedItems(ctx, []model.FeedItem{item("y", time.Hour)}))
	require.NoError(t, s.ReplaceMarks(ctx, model.KeyCurrentDeck, []model.Mark{{GUID: "y"}}))

	rep, err := syncer.FetchMissing(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Requested)
	assert.Zero(t, srv.CountRequests("POST /feed-items"))
}

func TestDedupe(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, dedupe([]string{"B", " a", "b", ""}))
}
