package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/tim-projects/not-the-news-sub001/internal/deck"
	"github.com/tim-projects/not-the-news-sub001/internal/engine"
	"github.com/tim-projects/not-the-news-sub001/internal/feedsync"
	"github.com/tim-projects/not-the-news-sub001/internal/ledger"
	"github.com/tim-projects/not-the-news-sub001/internal/model"
	"github.com/tim-projects/not-the-news-sub001/internal/remote"
	"github.com/tim-projects/not-the-news-sub001/internal/store"
	"github.com/tim-projects/not-the-news-sub001/internal/testutil"
	"github.com/tim-projects/not-the-news-sub001/internal/userstate"
)

// scenarioToken is the bearer credential shared by the device and the fake
// server.
const scenarioToken = "scenario-token"

// presetAge is how long before the start preset list entries were made.
const presetAge = time.Hour

// Harness is one scenario's wired device and server.
// It runs on a fake clock, counted cycle tokens and a seeded deck
// generator, so identical scenarios produce identical traces.
type Harness struct {
	scenario *Scenario
	start    time.Time

	store  *store.Store
	ledger *ledger.Ledger
	server *testutil.ProfileServer
	clock  *testutil.FakeClock
	net    *engine.Switch
	coord  *engine.Coordinator
	state  *userstate.Service
	feed   *feedsync.Syncer
	deck   *deck.Manager
	logger *slog.Logger
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database against its own fake
// profile server. Execution flow:
// 1. Seed feed items and preset state on both sides
// 2. Execute steps, checking expect clauses
// 3. Capture the final state
// 4. Evaluate assertions
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	h, err := newHarness(scenario)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	if err := h.seed(ctx); err != nil {
		return nil, fmt.Errorf("failed to seed scenario: %w", err)
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		h.runStep(ctx, i, step, result)
	}

	state, err := h.finalState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read final state: %w", err)
	}
	result.State = state

	for _, msg := range EvaluateAssertions(result, scenario.Assertions, &AssertionContext{Server: h.server}) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(scenario *Scenario) (*Harness, error) {
	start, err := scenario.StartTime()
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := testutil.NewFakeClock(start)

	st, err := store.Open(":memory:", store.WithClock(clk), store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}

	h := &Harness{
		scenario: scenario,
		start:    start,
		store:    st,
		server:   testutil.StartProfileServer(scenarioToken),
		clock:    clk,
		net:      engine.NewSwitch(!scenario.Offline),
		logger:   logger,
	}
	h.ledger = ledger.New(st, clk, logger)

	client := remote.New(h.server.URL, remote.StaticToken(scenarioToken), remote.WithLogger(logger))
	h.coord = engine.New(st, h.ledger, client,
		engine.WithClock(clk),
		engine.WithLogger(logger),
		engine.WithConnectivity(h.net),
		engine.WithCycleTokens(testutil.NewCycleSequence(scenario.CycleToken)),
	)
	h.state = userstate.New(st, h.coord, clk, logger)
	h.feed = feedsync.New(st, client, feedsync.WithClock(clk), feedsync.WithLogger(logger))

	seed := scenario.Seed
	if seed == 0 {
		seed = 1
	}
	h.deck = deck.NewManager(h.state, deck.Seeded(seed, scenario.DeckSize),
		deck.WithClock(clk),
		deck.WithLogger(logger),
		deck.WithConnectivity(h.net),
	)
	return h, nil
}

// Close releases the store and stops the server.
func (h *Harness) Close() {
	h.server.Close()
	if err := h.store.Close(); err != nil {
		h.logger.Error("error closing store", "error", err)
	}
}

// seed writes the scenario's items and preset state.
func (h *Harness) seed(ctx context.Context) error {
	var local, onServer []model.FeedItem
	for i, fx := range h.scenario.Items {
		age := time.Duration(i+1) * time.Hour
		if fx.Age != "" {
			age, _ = time.ParseDuration(fx.Age)
		}
		title := fx.Title
		if title == "" {
			title = fx.GUID
		}
		item := model.FeedItem{
			GUID:        model.NormalizeGUID(fx.GUID),
			Title:       title,
			Link:        fx.Link,
			Description: fx.Description,
			Image:       fx.Image,
			PublishedAt: h.start.Add(-age),
			FetchedAt:   h.start,
		}
		if fx.On != OnServer {
			local = append(local, item)
		}
		if fx.On != OnLocal {
			onServer = append(onServer, item)
		}
	}
	if err := h.store.PutFeedItems(ctx, local); err != nil {
		return err
	}
	h.server.AddItems(onServer...)

	at := h.start.Add(-presetAge)
	for _, key := range sortedKeys(h.scenario.Local) {
		value := h.scenario.Local[key]
		if model.IsList(key) {
			guids, err := guidList(value)
			if err != nil {
				return fmt.Errorf("local %s: %w", key, err)
			}
			if err := h.store.ReplaceMarks(ctx, key, marksAt(guids, at)); err != nil {
				return err
			}
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("local %s: %w", key, err)
		}
		if err := h.store.PutSetting(ctx, model.Setting{Key: key, Value: raw}); err != nil {
			return err
		}
	}
	for _, key := range sortedKeys(h.scenario.Server) {
		if err := h.serverSet(key, h.scenario.Server[key], at); err != nil {
			return fmt.Errorf("server %s: %w", key, err)
		}
	}
	return nil
}

func (h *Harness) serverSet(key string, value any, at time.Time) error {
	if !model.IsList(key) {
		h.server.SetState(key, value)
		return nil
	}
	guids, err := guidList(value)
	if err != nil {
		return err
	}
	h.server.SetMarks(key, at, guids...)
	return nil
}

// runStep executes one step, records it in the trace and checks its
// expect clause.
func (h *Harness) runStep(ctx context.Context, index int, step Step, result *Result) {
	outcome, res, err := h.execute(ctx, step)
	if err != nil {
		outcome = CaseError
		res = nil
		h.logger.Debug("step failed", "step", index, "do", step.Do, "error", err)
	}
	result.AddTrace(TraceEvent{Step: step.Do, Args: step.Args, Case: outcome, Result: res})

	if step.Expect == nil {
		if err != nil {
			result.AddError(fmt.Sprintf("steps[%d] %s: unexpected error: %v", index, step.Do, err))
		}
		return
	}
	if outcome != step.Expect.Case {
		msg := fmt.Sprintf("steps[%d] %s: expected case %q, got %q", index, step.Do, step.Expect.Case, outcome)
		if err != nil {
			msg += fmt.Sprintf(" (%v)", err)
		}
		result.AddError(msg)
		return
	}
	for _, key := range sortedKeys(step.Expect.Result) {
		want := step.Expect.Result[key]
		got, ok := res[key]
		if !ok || !valuesEqual(got, want) {
			result.AddError(fmt.Sprintf("steps[%d] %s: result %q = %v, expected %v", index, step.Do, key, got, want))
		}
	}
}

// execute performs one step against the wired components.
func (h *Harness) execute(ctx context.Context, step Step) (string, map[string]any, error) {
	args := step.Args
	switch step.Do {
	case StepMark:
		changed, err := h.state.SetMark(ctx, argString(args, "key"), argString(args, "guid"), argBool(args, "on", true))
		if err != nil {
			return "", nil, err
		}
		return CaseOK, map[string]any{"changed": changed}, nil

	case StepSet:
		if err := h.state.SetScalar(ctx, argString(args, "key"), args["value"]); err != nil {
			return "", nil, err
		}
		return CaseOK, nil, nil

	case StepPush:
		rep := h.coord.PushAll(ctx)
		res := map[string]any{
			"acked":    rep.Acked,
			"rejected": rep.Rejected,
			"unsent":   rep.Unsent,
			"skipped":  rep.Skipped,
			"errors":   len(rep.Errors),
		}
		if rep.Pull != nil {
			res["updated"] = updatedKeys(*rep.Pull)
		}
		return CaseOK, res, nil

	case StepPull:
		rep := h.coord.PullAll(ctx, engine.PullOptions{Force: argBool(args, "force", false)})
		failed := 0
		for _, k := range rep.Keys {
			if k.Err != nil {
				failed++
			}
		}
		return CaseOK, map[string]any{
			"skipped": rep.Skipped,
			"updated": updatedKeys(rep),
			"errors":  failed,
		}, nil

	case StepFlush:
		ran := h.coord.Pending()
		h.coord.Flush(ctx)
		return CaseOK, map[string]any{"ran": ran}, nil

	case StepGoOffline:
		h.net.Set(false)
		return CaseOK, nil, nil

	case StepGoOnline:
		h.net.Set(true)
		return CaseOK, nil, nil

	case StepServerDown:
		h.server.SetDown(true)
		return CaseOK, nil, nil

	case StepServerUp:
		h.server.SetDown(false)
		return CaseOK, nil, nil

	case StepServerSet:
		if err := h.serverSet(argString(args, "key"), args["value"], h.clock.Now()); err != nil {
			return "", nil, err
		}
		return CaseOK, nil, nil

	case StepServerReject:
		reason := argString(args, "reason")
		if reason == "" {
			reason = "rejected"
		}
		h.server.Reject(argString(args, "guid"), reason)
		return CaseOK, nil, nil

	case StepServerThrottle:
		h.server.SetThrottled(argBool(args, "on", true))
		return CaseOK, nil, nil

	case StepRefresh:
		rep, err := h.feed.Refresh(ctx)
		if err != nil {
			return "", nil, err
		}
		return CaseOK, feedResult(rep), nil

	case StepFullSync:
		rep, err := h.feed.FullSync(ctx, argString(args, "since"))
		if err != nil {
			return "", nil, err
		}
		return CaseOK, feedResult(rep), nil

	case StepManageDeck:
		res, err := h.deck.Manage(ctx)
		if err != nil {
			return "", nil, err
		}
		return CaseOK, deckResult(res), nil

	case StepShuffle:
		res, err := h.deck.Shuffle(ctx)
		if errors.Is(err, deck.ErrNoShufflesLeft) {
			return CaseNoShufflesLeft, deckResult(res), nil
		}
		if err != nil {
			return "", nil, err
		}
		return CaseOK, deckResult(res), nil

	case StepPregenerate:
		if err := h.deck.Pregenerate(ctx); err != nil {
			return "", nil, err
		}
		return CaseOK, nil, nil

	case StepPrune:
		n, err := h.state.PruneStaleRead(ctx)
		if err != nil {
			return "", nil, err
		}
		return CaseOK, map[string]any{"pruned": n}, nil

	case StepAdvanceClock:
		d, err := time.ParseDuration(argString(args, "by"))
		if err != nil {
			return "", nil, fmt.Errorf("advance_clock: %w", err)
		}
		h.clock.Advance(d)
		return CaseOK, map[string]any{"now": model.FormatTime(h.clock.Now())}, nil
	}
	return "", nil, fmt.Errorf("unknown step %q", step.Do)
}

// finalState captures local and server state after the last step.
func (h *Harness) finalState(ctx context.Context) (FinalState, error) {
	fs := FinalState{
		Local:    map[string][]string{},
		Settings: map[string]json.RawMessage{},
		Server:   map[string][]string{},
		Pending:  []string{},
		Deck:     []string{},
	}
	for _, def := range model.ListKeys() {
		marks, err := h.store.Marks(ctx, def.Name)
		if err != nil {
			return fs, err
		}
		guids := markGUIDs(marks)
		if def.Name == model.KeyCurrentDeck {
			fs.Deck = slices.Clone(guids)
		}
		slices.Sort(guids)
		fs.Local[def.Name] = guids
		fs.Server[def.Name] = h.server.MarkGUIDs(def.Name)
	}

	settings, err := h.store.Settings(ctx)
	if err != nil {
		return fs, err
	}
	for _, s := range settings {
		fs.Settings[s.Key] = s.Value
	}

	ops, err := h.ledger.ListAll(ctx)
	if err != nil {
		return fs, err
	}
	for _, op := range ops {
		entry := fmt.Sprintf("%s %s", op.Type, op.AffectedKey())
		if op.GUID != "" {
			entry += fmt.Sprintf(" %s %s", op.Action, op.GUID)
		}
		fs.Pending = append(fs.Pending, entry)
	}
	return fs, nil
}

func updatedKeys(rep engine.PullReport) []string {
	keys := []string{}
	for _, k := range rep.Keys {
		if k.Status == engine.StatusUpdated {
			keys = append(keys, k.Key)
		}
	}
	slices.Sort(keys)
	return keys
}

func feedResult(rep feedsync.Report) map[string]any {
	return map[string]any{
		"requested": rep.Requested,
		"fetched":   rep.Fetched,
		"removed":   rep.Removed,
		"throttled": rep.Throttled,
	}
}

func deckResult(res deck.Result) map[string]any {
	guids := make([]string, 0, len(res.Deck))
	for _, e := range res.Deck {
		guids = append(guids, e.GUID)
	}
	return map[string]any{
		"deck":        guids,
		"size":        len(guids),
		"filter":      res.FilterMode,
		"shuffles":    res.ShuffleCount,
		"reset":       res.Reset,
		"regenerated": res.Regenerated,
		"refunded":    res.Refunded,
	}
}

func marksAt(guids []string, at time.Time) []model.Mark {
	marks := make([]model.Mark, 0, len(guids))
	for _, g := range guids {
		marks = append(marks, model.Mark{GUID: g, At: at})
	}
	return marks
}

func markGUIDs(marks []model.Mark) []string {
	out := make([]string, 0, len(marks))
	for _, m := range marks {
		out = append(out, m.GUID)
	}
	return out
}

// guidList converts a YAML sequence of strings.
func guidList(v any) ([]string, error) {
	switch list := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for i, e := range list {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("entry %d: expected guid string, got %T", i, e)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a list of guids, got %T", v)
}

func argString(args map[string]any, name string) string {
	if s, ok := args[name].(string); ok {
		return s
	}
	return ""
}

func argBool(args map[string]any, name string, def bool) bool {
	if b, ok := args[name].(bool); ok {
		return b
	}
	return def
}
