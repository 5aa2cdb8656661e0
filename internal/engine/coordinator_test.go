package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tim-projects/not-the-news-sub001/internal/ledger"
	"github.com/tim-projects/not-the-news-sub001/internal/model"
	"github.com/tim-projects/not-the-news-sub001/internal/remote"
	"github.com/tim-projects/not-the-news-sub001/internal/store"
	"github.com/tim-projects/not-the-news-sub001/internal/testutil"
)

const token = "secret"

var now = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	coord  *Coordinator
	store  *store.Store
	ledger *ledger.Ledger
	server *testutil.ProfileServer
	clock  *testutil.FakeClock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := testutil.NewFakeClock(now)

	s, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	l := ledger.New(s, clk, logger)
	srv := testutil.NewProfileServer(t, token)
	client := remote.New(srv.URL, remote.StaticToken(token), remote.WithLogger(logger))

	base := []Option{
		WithClock(clk),
		WithLogger(logger),
		WithCycleTokens(testutil.NewCycleSequence("")),
	}
	return &fixture{
		coord:  New(s, l, client, append(base, opts...)...),
		store:  s,
		ledger: l,
		server: srv,
		clock:  clk,
	}
}

func (f *fixture) localGUIDs(t *testing.T, key string) []string {
	t.Helper()
	marks, err := f.store.Marks(context.Background(), key)
	require.NoError(t, err)
	out := make([]string, 0, len(marks))
	for _, m := range marks {
		out = append(out, m.GUID)
	}
	slices.Sort(out)
	return out
}

func (f *fixture) pending(t *testing.T) []model.PendingOperation {
	t.Helper()
	ops, err := f.ledger.ListAll(context.Background())
	require.NoError(t, err)
	return ops
}

func starAdd(guid string) model.PendingOperation {
	return model.PendingOperation{Type: model.OpStarDelta, GUID: guid, Action: model.ActionAdd}
}

func readAdd(guid string) model.PendingOperation {
	return model.PendingOperation{Type: model.OpReadDelta, GUID: guid, Action: model.ActionAdd}
}

func TestPushOne_DeliversAndSchedulesPull(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.coord.PushOne(ctx, starAdd("G1"))
	require.NoError(t, err)
	assert.NotZero(t, id)

	assert.Empty(t, f.pending(t), "acknowledged operation is dropped")
	assert.Equal(t, []string{"g1"}, f.server.MarkGUIDs(model.KeyStarred))

	cursor, err := f.store.Cursor(ctx, model.KeyStarred)
	require.NoError(t, err)
	assert.NotEmpty(t, cursor, "cursor moves to the server time")

	assert.Equal(t, 1, f.coord.Pending(), "follow-up pull is detached")
	assert.Zero(t, f.server.CountRequests("GET /profile/"))

	f.coord.Flush(ctx)
	assert.Zero(t, f.server.CountRequests("GET /profile/starred"), "pushed key is skipped")
	assert.Positive(t, f.server.CountRequests("GET /profile/read"))
	assert.Equal(t, []time.Duration{DefaultDebounce}, f.clock.Slept())
}

func TestPushOne_RejectsEmptyPayload(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.PushOne(context.Background(), model.PendingOperation{Type: model.OpSimpleUpdate, Key: model.KeyTheme})
	require.Error(t, err)

	var se *SyncError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeInvalid, se.Code)
	assert.ErrorIs(t, err, ledger.ErrEmptyPayload)
	assert.Empty(t, f.pending(t))
	assert.Empty(t, f.server.Requests())
}

func TestPushOne_FailureLeavesOperationBuffered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.server.SetDown(true)

	id, err := f.coord.PushOne(ctx, starAdd("g1"))
	require.NoError(t, err, "delivery failures never escape")

	ops := f.pending(t)
	require.Len(t, ops, 1)
	assert.Equal(t, id, ops[0].ID)
	assert.Zero(t, f.coord.Pending())
}

func TestPushOne_ServerRejectionKeepsOperation(t *testing.T) {
	f := newFixture(t)
	f.server.Reject("bad", "unknown item")

	_, err := f.coord.PushOne(context.Background(), readAdd("bad"))
	require.NoError(t, err)
	assert.Len(t, f.pending(t), 1)
}

func TestPushOne_SyncDisabledBuffers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.PutSetting(ctx, model.Setting{Key: model.KeySyncEnabled, Value: json.RawMessage(`false`)}))

	_, err := f.coord.PushOne(ctx, starAdd("g1"))
	require.NoError(t, err)
	assert.Len(t, f.pending(t), 1)
	assert.Empty(t, f.server.Requests())
}

func TestPushOne_OfflineThenReconnect(t *testing.T) {
	ctx := context.Background()
	net := NewSwitch(false)
	f := newFixture(t, WithConnectivity(net))

	_, err := f.coord.PushOne(ctx, starAdd("g1"))
	require.NoError(t, err)
	assert.Len(t, f.pending(t), 1, "offline push stays in the ledger")
	assert.Empty(t, f.server.Requests())

	net.Set(true)
	report := f.coord.PushAll(ctx)
	assert.Equal(t, 1, report.Acked)
	assert.Equal(t, []string{model.KeyStarred}, report.PushedKeys)
	assert.Empty(t, f.pending(t))

	def, _ := model.Lookup(model.KeyStarred)
	res := f.coord.PullKey(ctx, def, false)
	assert.Equal(t, StatusUpdated, res.Status)
	assert.Equal(t, []string{"g1"}, f.localGUIDs(t, model.KeyStarred))
}

func TestPushAll_BatchesAndKeepsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i := range 23 {
		_, err := f.ledger.Enqueue(ctx, readAdd(fmt.Sprintf("g%02d", i)))
		require.NoError(t, err)
	}
	f.server.Reject("g05", "gone")

	report := f.coord.PushAll(ctx)

	assert.Equal(t, 3, f.server.CountRequests("POST /profile"), "23 operations go in batches of 10")
	assert.Equal(t, 22, report.Acked)
	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, []string{model.KeyRead}, report.PushedKeys)

	left := f.pending(t)
	require.Len(t, left, 1)
	assert.Equal(t, "g05", left[0].GUID)

	require.NotNil(t, report.Pull)
	_, pulled := report.Pull.Result(model.KeyRead)
	assert.False(t, pulled, "pushed keys are excluded from the follow-up pull")
}

func TestPushAll_AcknowledgedIDsAreNotResent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id, err := f.ledger.Enqueue(ctx, starAdd("g1"))
	require.NoError(t, err)

	f.coord.PushAll(ctx)
	f.coord.PushAll(ctx)

	assert.Equal(t, 1, f.server.CountRequests("POST /profile"))
	require.NoError(t, f.ledger.Remove(ctx, id), "removing twice is a no-op")

	pushed := f.server.Pushed()
	require.Len(t, pushed, 1)
	assert.Equal(t, id, pushed[0].ID)
}

func TestPushAll_TransportFailureStopsDrain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i := range 12 {
		_, err := f.ledger.Enqueue(ctx, readAdd(fmt.Sprintf("g%d", i)))
		require.NoError(t, err)
	}
	f.server.SetDown(true)

	report := f.coord.PushAll(ctx)

	assert.Equal(t, 1, f.server.CountRequests("POST /profile"))
	assert.Equal(t, 12, report.Unsent)
	require.NotEmpty(t, report.Errors)
	assert.Equal(t, ErrCodeTransient, report.Errors[0].Code)
	assert.Len(t, f.pending(t), 12)
}

func TestPushAll_OfflineSkips(t *testing.T) {
	f := newFixture(t, WithConnectivity(NewSwitch(false)))

	report := f.coord.PushAll(context.Background())
	assert.Equal(t, SkipOffline, report.Skipped)
	assert.Nil(t, report.Pull)
	assert.Empty(t, f.server.Requests())
}

func TestPullKey_RaceGuardProtectsPendingKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.PutMark(ctx, model.KeyRead, model.Mark{GUID: "x", At: now}))
	_, err := f.ledger.Enqueue(ctx, readAdd("x"))
	require.NoError(t, err)
	f.server.SetMarks(model.KeyRead, now.Add(-time.Hour), "y")

	def, _ := model.Lookup(model.KeyRead)
	res := f.coord.PullKey(ctx, def, false)

	assert.Equal(t, StatusSkippedPending, res.Status)
	assert.Equal(t, []string{"x"}, f.localGUIDs(t, model.KeyRead))
	assert.Zero(t, f.server.CountRequests("GET /profile/read"))
}

func TestPullKey_ForceTrustsServer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.PutMark(ctx, model.KeyRead, model.Mark{GUID: "x", At: now}))
	_, err := f.ledger.Enqueue(ctx, readAdd("x"))
	require.NoError(t, err)
	f.server.SetMarks(model.KeyRead, now.Add(-time.Hour), "y")

	def, _ := model.Lookup(model.KeyRead)
	res := f.coord.PullKey(ctx, def, true)

	assert.Equal(t, StatusUpdated, res.Status)
	assert.False(t, res.Partial)
	assert.Equal(t, []string{"y"}, f.localGUIDs(t, model.KeyRead))
}

func TestPullKey_PartialDeltaSinceNewestMark(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.PutMark(ctx, model.KeyRead, model.Mark{GUID: "a", At: now}))
	f.server.SetState(model.KeyRead, []map[string]string{
		{"guid": "old", "readAt": model.FormatTime(now.Add(-time.Hour))},
		{"guid": "new", "readAt": model.FormatTime(now.Add(time.Hour))},
	})

	def, _ := model.Lookup(model.KeyRead)
	res := f.coord.PullKey(ctx, def, false)

	assert.Equal(t, StatusUpdated, res.Status)
	assert.True(t, res.Partial)
	assert.Equal(t, []string{"a", "new"}, f.localGUIDs(t, model.KeyRead), "a partial delta never removes")
}

func TestPullKey_NotModifiedAfterFirstPull(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.server.SetState(model.KeyTheme, "light")
	def, _ := model.Lookup(model.KeyTheme)

	first := f.coord.PullKey(ctx, def, false)
	second := f.coord.PullKey(ctx, def, false)

	assert.Equal(t, StatusUpdated, first.Status)
	assert.Equal(t, StatusNotModified, second.Status)

	setting, err := f.store.Setting(ctx, model.KeyTheme)
	require.NoError(t, err)
	assert.JSONEq(t, `"light"`, string(setting.Value))
	assert.Equal(t, first.LastModified, setting.LastModified)
}

func TestPullKey_RetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	f.server.SetDown(true)
	def, _ := model.Lookup(model.KeyTheme)

	res := f.coord.PullKey(context.Background(), def, false)

	assert.Equal(t, StatusError, res.Status)
	require.NotNil(t, res.Err)
	assert.Equal(t, ErrCodeTransient, res.Err.Code)
	assert.Equal(t, 3, f.server.CountRequests("GET /profile/theme"), "one attempt plus two retries")
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.clock.Slept())
}

func TestPullKey_NoTokenIsSkippedNotRaised(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := store.Open(filepath.Join(t.TempDir(), "notoken.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	srv := testutil.NewProfileServer(t, token)
	c := New(s, ledger.New(s, nil, logger), remote.New(srv.URL, remote.StaticToken("")), WithLogger(logger))

	def, _ := model.Lookup(model.KeyTheme)
	res := c.PullKey(context.Background(), def, false)

	assert.Equal(t, StatusNoToken, res.Status)
	assert.True(t, IsNoTokenError(res.Err))
	assert.Empty(t, srv.Requests())
}

func TestPullAll_IsolatesBadKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.server.SetState(model.KeyRead, map[string]string{"guid": "not-a-list"})
	lm := f.server.SetState(model.KeyTheme, "light")

	report := f.coord.PullAll(ctx, PullOptions{})

	read, ok := report.Result(model.KeyRead)
	require.True(t, ok)
	assert.Equal(t, StatusMalformed, read.Status)

	theme, ok := report.Result(model.KeyTheme)
	require.True(t, ok)
	assert.Equal(t, StatusUpdated, theme.Status)

	starred, ok := report.Result(model.KeyStarred)
	require.True(t, ok)
	assert.Equal(t, StatusNotFound, starred.Status)

	assert.Equal(t, lm, report.ServerTime)
	last, err := f.coord.LastStateSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, lm, last)
}

func TestPullAll_SkipsRequestedKeys(t *testing.T) {
	f := newFixture(t)

	report := f.coord.PullAll(context.Background(), PullOptions{Skip: []string{model.KeyRead, model.KeyTheme}})

	_, ok := report.Result(model.KeyRead)
	assert.False(t, ok)
	assert.Zero(t, f.server.CountRequests("GET /profile/read"))
	assert.Zero(t, f.server.CountRequests("GET /profile/theme"))
	assert.Positive(t, f.server.CountRequests("GET /profile/starred"))
}

func TestPullAll_InFlightIsNoop(t *testing.T) {
	f := newFixture(t)
	f.coord.pulling.Store(true)

	report := f.coord.PullAll(context.Background(), PullOptions{Force: true})

	assert.Equal(t, SkipInFlight, report.Skipped)
	assert.Empty(t, f.server.Requests())
}

func TestPullAll_OnlineCheck(t *testing.T) {
	f := newFixture(t, WithConnectivity(NewSwitch(false)))

	report := f.coord.PullAll(context.Background(), PullOptions{})
	assert.Equal(t, SkipOffline, report.Skipped)
	assert.Empty(t, f.server.Requests())
}

func TestPullAll_ProbesSyncEnabled(t *testing.T) {
	ctx := context.Background()
	var reports []PullReport
	f := newFixture(t, WithOnPullComplete(func(r PullReport) { reports = append(reports, r) }))
	require.NoError(t, f.store.PutSetting(ctx, model.Setting{Key: model.KeySyncEnabled, Value: json.RawMessage(`false`)}))
	f.server.SetState(model.KeySyncEnabled, false)

	report := f.coord.PullAll(ctx, PullOptions{})
	assert.Equal(t, SkipSyncOff, report.Skipped)
	assert.Equal(t, []string{"GET /profile/syncEnabled"}, f.server.Requests())
	assert.Empty(t, reports)

	f.server.SetState(model.KeySyncEnabled, true)
	report = f.coord.PullAll(ctx, PullOptions{})
	assert.Empty(t, report.Skipped)
	assert.True(t, f.coord.SyncEnabled(ctx))
	assert.Equal(t, 1, f.server.CountRequests("GET /profile/theme"))
	assert.Len(t, reports, 1)
}

func TestSchedulePull_Debounces(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.coord.SchedulePull([]string{model.KeyRead})
	f.clock.Advance(100 * time.Millisecond)
	f.coord.SchedulePull([]string{model.KeyStarred})
	assert.Equal(t, 1, f.coord.Pending(), "requests inside the window collapse")

	f.coord.Flush(ctx)

	assert.Equal(t, 1, f.server.CountRequests("GET /profile/theme"), "exactly one pull ran")
	assert.Zero(t, f.server.CountRequests("GET /profile/starred"))
	assert.Zero(t, f.server.CountRequests("GET /profile/read"), "earlier skip survives the collapse")
	assert.Equal(t, []time.Duration{DefaultDebounce}, f.clock.Slept())
}

func TestSchedulePull_CollapsedPullSkipsEveryPushedKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.coord.PushOne(ctx, readAdd("r1"))
	require.NoError(t, err)
	f.clock.Advance(100 * time.Millisecond)
	_, err = f.coord.PushOne(ctx, starAdd("s1"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.coord.Pending())

	f.coord.Flush(ctx)

	assert.Equal(t, 1, f.server.CountRequests("GET /profile/theme"))
	assert.Zero(t, f.server.CountRequests("GET /profile/read"))
	assert.Zero(t, f.server.CountRequests("GET /profile/starred"))
	assert.Equal(t, []string{"r1"}, f.server.MarkGUIDs(model.KeyRead))
}

func TestSchedulePull_NewWindowStartsFreshSkipList(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.coord.SchedulePull([]string{model.KeyRead})
	f.coord.Flush(ctx)
	assert.Zero(t, f.server.CountRequests("GET /profile/read"))

	f.coord.SchedulePull([]string{model.KeyStarred})
	f.coord.Flush(ctx)
	assert.Equal(t, 1, f.server.CountRequests("GET /profile/read"))
	assert.Equal(t, 1, f.server.CountRequests("GET /profile/starred"))
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	hooked := make(chan struct{}, 1)
	f.coord.cycleHook = func(context.Context) {
		select {
		case hooked <- struct{}{}:
		default:
		}
	}

	done := make(chan error, 1)
	go func() { done <- f.coord.Run(ctx, time.Hour) }()

	select {
	case <-hooked:
	case <-time.After(5 * time.Second):
		t.Fatal("first cycle did not run")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}
