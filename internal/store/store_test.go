package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tim-projects/not-the-news-sub001/internal/model"
	"github.com/tim-projects/not-the-news-sub001/internal/testutil"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)

	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("busy_timeout", "5000"))
	assert.NoError(t, s.verifyPragma("user_version", "1"))
}

func TestPutMark_PreservesIdentity(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	require.NoError(t, s.PutMark(ctx, model.KeyRead, model.Mark{GUID: "G1", At: testTime}))
	id := markID(t, s, model.KeyRead, "g1")
	require.NotZero(t, id)

	later := testTime.Add(time.Hour)
	require.NoError(t, s.PutMark(ctx, model.KeyRead, model.Mark{GUID: "g1", At: later}))

	assert.Equal(t, id, markID(t, s, model.KeyRead, "g1"), "upsert must keep the row id")
	marks, err := s.Marks(ctx, model.KeyRead)
	require.NoError(t, err)
	require.Len(t, marks, 1)
	assert.True(t, later.Equal(marks[0].At))
}

func TestPutMark_IgnoresEmptyGUID(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	require.NoError(t, s.PutMark(ctx, model.KeyStarred, model.Mark{GUID: "  "}))

	marks, err := s.Marks(ctx, model.KeyStarred)
	require.NoError(t, err)
	assert.Empty(t, marks)
}

func TestMark_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.Mark(context.Background(), model.KeyRead, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := s.HasMark(context.Background(), model.KeyRead, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReplaceMarks_OrderAndFiltering(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	require.NoError(t, s.PutMark(ctx, model.KeyCurrentDeck, model.Mark{GUID: "old", At: testTime}))
	require.NoError(t, s.ReplaceMarks(ctx, model.KeyCurrentDeck, []model.Mark{
		{GUID: "c", At: testTime},
		{GUID: "", At: testTime},
		{GUID: "A", At: testTime},
		{GUID: "b", At: testTime},
		{GUID: "a", At: testTime},
	}))

	marks, err := s.Marks(ctx, model.KeyCurrentDeck)
	require.NoError(t, err)
	guids := make([]string, len(marks))
	for i, m := range marks {
		guids[i] = m.GUID
	}
	assert.Equal(t, []string{"c", "a", "b"}, guids)
}

func TestMarks_CollectionsAreDisjoint(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	require.NoError(t, s.PutMark(ctx, model.KeyRead, model.Mark{GUID: "g1", At: testTime}))
	require.NoError(t, s.PutMark(ctx, model.KeyStarred, model.Mark{GUID: "g2", At: testTime}))
	require.NoError(t, s.ClearMarks(ctx, model.KeyRead))

	read, err := s.Marks(ctx, model.KeyRead)
	require.NoError(t, err)
	starred, err := s.Marks(ctx, model.KeyStarred)
	require.NoError(t, err)
	assert.Empty(t, read)
	assert.Len(t, starred, 1)
}

func TestLatestMark(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	latest, err := s.LatestMark(ctx, model.KeyRead)
	require.NoError(t, err)
	assert.True(t, latest.IsZero())

	require.NoError(t, s.PutMarks(ctx, model.KeyRead, []model.Mark{
		{GUID: "a", At: testTime},
		{GUID: "b", At: testTime.Add(48 * time.Hour)},
		{GUID: "c", At: testTime.Add(time.Hour)},
	}))

	latest, err = s.LatestMark(ctx, model.KeyRead)
	require.NoError(t, err)
	assert.True(t, testTime.Add(48*time.Hour).Equal(latest))
}

func TestBatch_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.PutMark(ctx, model.KeyStarred, model.Mark{GUID: "keep", At: testTime}))

	boom := errors.New("boom")
	err := s.Batch(ctx, func(tx *Tx) error {
		if err := tx.ClearMarks(ctx, model.KeyStarred); err != nil {
			return err
		}
		if err := tx.PutMark(ctx, model.KeyStarred, model.Mark{GUID: "new", At: testTime}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	marks, err := s.Marks(ctx, model.KeyStarred)
	require.NoError(t, err)
	require.Len(t, marks, 1)
	assert.Equal(t, "keep", marks[0].GUID)
}

func TestPutFeedItems_ReplaceKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	require.NoError(t, s.PutFeedItems(ctx, []model.FeedItem{testItem("G1", testTime)}))
	var id int64
	require.NoError(t, s.db.QueryRow(`SELECT id FROM feed_items WHERE guid = 'g1'`).Scan(&id))

	updated := testItem("g1", testTime)
	updated.Title = "retitled"
	require.NoError(t, s.PutFeedItems(ctx, []model.FeedItem{updated}))

	var id2 int64
	require.NoError(t, s.db.QueryRow(`SELECT id FROM feed_items WHERE guid = 'g1'`).Scan(&id2))
	assert.Equal(t, id, id2)

	item, err := s.FeedItem(ctx, "G1")
	require.NoError(t, err)
	assert.Equal(t, "retitled", item.Title)
	assert.True(t, testTime.Equal(item.PublishedAt))
}

func TestFeedItems_NewestFirst(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	require.NoError(t, s.PutFeedItems(ctx, []model.FeedItem{
		testItem("old", testTime.Add(-48*time.Hour)),
		testItem("new", testTime),
		testItem("mid", testTime.Add(-time.Hour)),
	}))

	items, err := s.FeedItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "new", items[0].GUID)
	assert.Equal(t, "mid", items[1].GUID)
	assert.Equal(t, "old", items[2].GUID)

	latest, err := s.LatestPublished(ctx)
	require.NoError(t, err)
	assert.True(t, testTime.Equal(latest))

	require.NoError(t, s.DeleteFeedItems(ctx, []string{"MID"}))
	guids, err := s.FeedGUIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, guids, 2)
	assert.False(t, guids.Has("mid"))
}

func TestSettings_LastModifiedNeverDecreases(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	require.NoError(t, s.PutSetting(ctx, model.Setting{Key: model.KeyTheme, Value: json.RawMessage(`"dark"`), LastModified: "2025-06-02T00:00:00.000Z"}))
	require.NoError(t, s.PutSetting(ctx, model.Setting{Key: model.KeyTheme, Value: json.RawMessage(`"light"`), LastModified: "2025-06-01T00:00:00.000Z"}))

	got, err := s.Setting(ctx, model.KeyTheme)
	require.NoError(t, err)
	assert.JSONEq(t, `"light"`, string(got.Value))
	assert.Equal(t, "2025-06-02T00:00:00.000Z", got.LastModified)

	_, err = s.Setting(ctx, model.KeyFontSize)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetCursor_Monotonic(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	cursor, err := s.Cursor(ctx, model.KeyRead)
	require.NoError(t, err)
	assert.Empty(t, cursor)

	require.NoError(t, s.SetCursor(ctx, model.KeyRead, "2025-06-02T00:00:00.000Z"))
	require.NoError(t, s.SetCursor(ctx, model.KeyRead, "2025-06-01T00:00:00.000Z"))
	require.NoError(t, s.SetCursor(ctx, model.KeyRead, ""))

	cursor, err = s.Cursor(ctx, model.KeyRead)
	require.NoError(t, err)
	assert.Equal(t, "2025-06-02T00:00:00.000Z", cursor)
}

func TestSetCursor_UpdatesScalarMarker(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	require.NoError(t, s.PutSetting(ctx, model.Setting{Key: model.KeyTheme, Value: json.RawMessage(`"dark"`)}))
	require.NoError(t, s.SetCursor(ctx, model.KeyTheme, "2025-06-03T00:00:00.000Z"))

	got, err := s.Setting(ctx, model.KeyTheme)
	require.NoError(t, err)
	assert.Equal(t, "2025-06-03T00:00:00.000Z", got.LastModified)
}

func TestPending_IDsNeverReused(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	op := model.PendingOperation{Type: model.OpReadDelta, GUID: "g1", Action: model.ActionAdd, Timestamp: testTime}
	id1, err := s.InsertPending(ctx, op)
	require.NoError(t, err)
	id2, err := s.InsertPending(ctx, op)
	require.NoError(t, err)

	for _, id := range []int64{id1, id2} {
		deleted, err := s.DeletePending(ctx, id)
		require.NoError(t, err)
		assert.True(t, deleted)
	}

	id3, err := s.InsertPending(ctx, op)
	require.NoError(t, err)
	assert.Greater(t, id3, id2)

	deleted, err := s.DeletePending(ctx, id1)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestPending_RoundTripAndAffectedKey(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	_, err := s.InsertPending(ctx, model.PendingOperation{
		Type: model.OpStarDelta, GUID: "G1", Action: model.ActionAdd, Timestamp: testTime,
	})
	require.NoError(t, err)
	_, err = s.InsertPending(ctx, model.PendingOperation{
		Type: model.OpSimpleUpdate, Key: model.KeyTheme, Value: json.RawMessage(`"light"`), Timestamp: testTime,
	})
	require.NoError(t, err)

	ops, err := s.PendingOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, model.OpStarDelta, ops[0].Type)
	assert.Equal(t, "g1", ops[0].GUID)
	assert.Empty(t, ops[0].Value)
	assert.True(t, testTime.Equal(ops[0].Timestamp))
	assert.JSONEq(t, `"light"`, string(ops[1].Value))

	for key, want := range map[string]bool{
		model.KeyStarred: true,
		model.KeyTheme:   true,
		model.KeyRead:    false,
	} {
		got, err := s.HasPendingFor(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, want, got, key)
	}
}

func TestOpen_MigratesLegacyMarks(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.PutMark(ctx, model.KeyStarred, model.Mark{GUID: "kept", At: testTime}))
	_, err = s.db.Exec(`INSERT INTO legacy_marks (collection, payload) VALUES (?, ?), (?, ?)`,
		model.KeyRead, `["A", "b", {"guid": "C", "readAt": "2025-01-01T00:00:00Z"}, "", "a"]`,
		model.KeyStarred, `["kept", "new"]`,
	)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	migrated := testTime.Add(24 * time.Hour)
	s, err = Open(path, WithClock(testutil.NewFakeClock(migrated)))
	require.NoError(t, err)
	defer s.Close()

	read, err := s.Marks(ctx, model.KeyRead)
	require.NoError(t, err)
	require.Len(t, read, 3)
	assert.Equal(t, "a", read[0].GUID)
	assert.True(t, migrated.Equal(read[0].At), "legacy entries get the migration time")
	assert.Equal(t, "b", read[1].GUID)
	assert.Equal(t, "c", read[2].GUID)
	assert.True(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Equal(read[2].At))

	starred, err := s.Marks(ctx, model.KeyStarred)
	require.NoError(t, err)
	require.Len(t, starred, 2)
	assert.True(t, testTime.Equal(starred[0].At), "structured entry wins over legacy")

	var remaining int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM legacy_marks`).Scan(&remaining))
	assert.Zero(t, remaining)
}

func TestPutFeedItems_CapacityError(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t, WithMaxPages(40))

	big := strings.Repeat("x", 8*1024)
	var err error
	for i := 0; i < 200 && err == nil; i++ {
		item := testItem(string(rune('a'+i%26))+strings.Repeat("z", i), testTime)
		item.Description = big
		err = s.PutFeedItems(ctx, []model.FeedItem{item})
	}

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCapacity)
}
