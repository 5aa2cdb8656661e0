package ledger

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tim-projects/not-the-news-sub001/internal/model"
	"github.com/tim-projects/not-the-news-sub001/internal/store"
	"github.com/tim-projects/not-the-news-sub001/internal/testutil"
)

var now = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, testutil.NewFakeClock(now), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEnqueue_AssignsIncreasingIDs(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	id1, err := l.Enqueue(ctx, model.PendingOperation{Type: model.OpReadDelta, GUID: "G1", Action: model.ActionAdd})
	require.NoError(t, err)
	id2, err := l.Enqueue(ctx, model.PendingOperation{Type: model.OpSimpleUpdate, Key: model.KeyTheme, Value: json.RawMessage(`"light"`)})
	require.NoError(t, err)
	assert.Greater(t, id2, id1)

	ops, err := l.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, id1, ops[0].ID)
	assert.Equal(t, "g1", ops[0].GUID)
	assert.True(t, now.Equal(ops[0].Timestamp), "zero timestamp is stamped")
}

func TestEnqueue_RejectsEmptyPayload(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	tests := []struct {
		name string
		op   model.PendingOperation
	}{
		{"no type", model.PendingOperation{}},
		{"delta without guid", model.PendingOperation{Type: model.OpStarDelta, Action: model.ActionAdd}},
		{"update without value", model.PendingOperation{Type: model.OpSimpleUpdate, Key: model.KeyTheme}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Enqueue(ctx, tt.op)
			assert.ErrorIs(t, err, ErrEmptyPayload)
		})
	}

	n, err := l.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "rejected operations are never persisted")
}

func TestRemove_IdempotentByID(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	id, err := l.Enqueue(ctx, model.PendingOperation{Type: model.OpStarDelta, GUID: "g1", Action: model.ActionAdd})
	require.NoError(t, err)

	require.NoError(t, l.Remove(ctx, id))
	require.NoError(t, l.Remove(ctx, id))

	next, err := l.Enqueue(ctx, model.PendingOperation{Type: model.OpStarDelta, GUID: "g1", Action: model.ActionAdd})
	require.NoError(t, err)
	assert.NotEqual(t, id, next, "removed ids are never reused")
}

func TestHasPendingFor(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	pending, err := l.HasPendingFor(ctx, model.KeyRead)
	require.NoError(t, err)
	assert.False(t, pending)

	id, err := l.Enqueue(ctx, model.PendingOperation{Type: model.OpReadDelta, GUID: "x", Action: model.ActionAdd})
	require.NoError(t, err)

	pending, err = l.HasPendingFor(ctx, model.KeyRead)
	require.NoError(t, err)
	assert.True(t, pending)

	require.NoError(t, l.Remove(ctx, id))
	pending, err = l.HasPendingFor(ctx, model.KeyRead)
	require.NoError(t, err)
	assert.False(t, pending)
}
