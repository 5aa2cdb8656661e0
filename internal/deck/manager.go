package deck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tim-projects/not-the-news-sub001/internal/clock"
	"github.com/tim-projects/not-the-news-sub001/internal/model"
	"github.com/tim-projects/not-the-news-sub001/internal/userstate"
)

// DailyShuffles is the shuffle budget granted each day.
const DailyShuffles = 2

// ErrNoShufflesLeft is returned by Shuffle when today's budget is spent.
// Nothing is changed.
var ErrNoShufflesLeft = errors.New("no shuffles left for today")

// State is the user state the manager reads and writes.
// *userstate.Service implements it.
type State interface {
	Snapshot(ctx context.Context) (userstate.Snapshot, error)
	Scalar(ctx context.Context, key string, dst any) error
	SetScalar(ctx context.Context, key string, value any) error
	SaveList(ctx context.Context, key string, marks []model.Mark) error
}

// Connectivity reports whether the server is believed reachable.
type Connectivity interface {
	Online() bool
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }

// Entry is a deck member annotated with its current flags.
type Entry struct {
	model.FeedItem
	Read    bool
	Starred bool
}

// Result is the deck state after Manage or Shuffle.
type Result struct {
	Deck             []Entry
	FilterMode       string
	ShuffleCount     int
	LastShuffleReset string

	// Reset is set when a new day cleared the shuffle state.
	Reset bool
	// Regenerated is set when deck membership was rebuilt.
	Regenerated bool
	// Refunded is set when a deck used up by reading returned a shuffle.
	Refunded bool
	// Pregenerated is set when a stored candidate deck was used.
	Pregenerated bool
}

// Manager owns the daily deck lifecycle: the new-day reset, the shuffle
// budget and regeneration of a depleted deck.
type Manager struct {
	state  State
	gen    *Generator
	net    Connectivity
	clock  clock.Clock
	logger *slog.Logger
	daily  int
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock sets the clock that decides the calendar day.
func WithClock(c clock.Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithConnectivity selects between the online and offline heuristics.
func WithConnectivity(c Connectivity) ManagerOption {
	return func(m *Manager) { m.net = c }
}

// WithDailyShuffles overrides the daily shuffle budget.
func WithDailyShuffles(n int) ManagerOption {
	return func(m *Manager) {
		if n >= 0 {
			m.daily = n
		}
	}
}

// NewManager creates a Manager.
func NewManager(state State, gen *Generator, opts ...ManagerOption) *Manager {
	m := &Manager{
		state:  state,
		gen:    gen,
		net:    alwaysOnline{},
		clock:  clock.Real{},
		logger: slog.Default(),
		daily:  DailyShuffles,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// view is the decoded working state of one Manage or Shuffle call.
type view struct {
	snap     userstate.Snapshot
	corpus   map[string]model.FeedItem
	read     model.GUIDSet
	starred  model.GUIDSet
	shuffled model.GUIDSet
	// members are the deck guids that still name a known item.
	members []string
}

func (m *Manager) load(ctx context.Context) (*view, error) {
	snap, err := m.state.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	v := &view{
		snap:     snap,
		corpus:   make(map[string]model.FeedItem, len(snap.Items)),
		read:     model.MarkSet(snap.Read),
		starred:  model.MarkSet(snap.Starred),
		shuffled: model.MarkSet(snap.ShuffledOut),
	}
	for _, it := range snap.Items {
		v.corpus[model.NormalizeGUID(it.GUID)] = it
	}
	for _, d := range snap.Deck {
		if _, ok := v.corpus[d.GUID]; ok {
			v.members = append(v.members, d.GUID)
		}
	}
	return v, nil
}

func (m *Manager) today() string {
	return m.clock.Now().Format(clock.DateLayout)
}

// Manage brings the deck up to date:
//   - on a new day the shuffled-out set is cleared, the budget restored
//     and the deck regenerated;
//   - in unread mode a deck whose members are all read or shuffled out is
//     regenerated, refunding one shuffle unless every member was shuffled
//     out;
//   - otherwise membership is kept and only the flags are refreshed.
//
// In read or starred mode the returned Deck is the filtered corpus rather
// than the stored membership.
func (m *Manager) Manage(ctx context.Context) (Result, error) {
	v, err := m.load(ctx)
	if err != nil {
		return Result{}, err
	}
	res := Result{
		FilterMode:       v.snap.FilterMode,
		ShuffleCount:     v.snap.ShuffleCount,
		LastShuffleReset: v.snap.LastShuffleReset,
	}
	if len(v.corpus) == 0 {
		m.logger.Debug("no feed items, deck management skipped")
		return res, nil
	}

	today := m.today()
	switch {
	case v.snap.LastShuffleReset != today:
		if err := m.resetDay(ctx, v, today); err != nil {
			return Result{}, err
		}
		res.Reset = true
		res.ShuffleCount = m.daily
		res.LastShuffleReset = today
		if res.Pregenerated, err = m.regenerate(ctx, v); err != nil {
			return Result{}, err
		}
		res.Regenerated = true

	case v.snap.FilterMode == model.FilterUnread && v.depleted():
		refund := !v.allShuffled()
		if res.Pregenerated, err = m.regenerate(ctx, v); err != nil {
			return Result{}, err
		}
		res.Regenerated = true
		if refund && res.ShuffleCount < m.daily {
			res.ShuffleCount++
			if err := m.state.SetScalar(ctx, model.KeyShuffleCount, res.ShuffleCount); err != nil {
				return Result{}, err
			}
			res.Refunded = true
		}
	}

	res.Deck = m.display(v)
	m.logger.Debug("deck managed",
		"size", len(res.Deck), "reset", res.Reset, "regenerated", res.Regenerated, "shuffles", res.ShuffleCount)
	return res, nil
}

// Shuffle moves every visible deck member to the shuffled-out set, spends
// one unit of budget and regenerates the deck. With no budget left it
// returns ErrNoShufflesLeft and changes nothing.
func (m *Manager) Shuffle(ctx context.Context) (Result, error) {
	v, err := m.load(ctx)
	if err != nil {
		return Result{}, err
	}
	if v.snap.LastShuffleReset != m.today() {
		// Yesterday's budget must not be spent today.
		if _, err := m.Manage(ctx); err != nil {
			return Result{}, err
		}
		if v, err = m.load(ctx); err != nil {
			return Result{}, err
		}
	}

	if v.snap.ShuffleCount <= 0 {
		m.logger.Info("shuffle refused, no shuffles left for today")
		return Result{
			Deck:             m.display(v),
			FilterMode:       v.snap.FilterMode,
			LastShuffleReset: v.snap.LastShuffleReset,
		}, ErrNoShufflesLeft
	}

	now := m.clock.Now()
	shuffled := v.snap.ShuffledOut
	for _, guid := range v.members {
		if !v.shuffled.Has(guid) {
			shuffled = append(shuffled, model.Mark{GUID: guid, At: now})
			v.shuffled.Add(guid)
		}
	}
	if err := m.state.SaveList(ctx, model.KeyShuffledOut, shuffled); err != nil {
		return Result{}, fmt.Errorf("shuffle: %w", err)
	}
	if err := m.state.SetScalar(ctx, model.KeyShuffleCount, v.snap.ShuffleCount-1); err != nil {
		return Result{}, fmt.Errorf("shuffle: %w", err)
	}
	m.logger.Info("deck shuffled", "shuffled", len(v.members), "remaining", v.snap.ShuffleCount-1)
	return m.Manage(ctx)
}

// Pregenerate computes an online and an offline candidate deck from the
// current state and stores them for a later Manage to consume.
func (m *Manager) Pregenerate(ctx context.Context) error {
	v, err := m.load(ctx)
	if err != nil {
		return err
	}
	for _, online := range []bool{true, false} {
		items := m.gen.Generate(m.input(v, model.FilterUnread, online))
		raw, err := model.MarshalMarks(model.KeyCurrentDeck, m.marks(items))
		if err != nil {
			return err
		}
		if err := m.state.SetScalar(ctx, pregenKey(online), raw); err != nil {
			return fmt.Errorf("pregenerate: %w", err)
		}
	}
	return nil
}

func (m *Manager) resetDay(ctx context.Context, v *view, today string) error {
	if err := m.state.SaveList(ctx, model.KeyShuffledOut, nil); err != nil {
		return fmt.Errorf("reset shuffled-out: %w", err)
	}
	if err := m.state.SetScalar(ctx, model.KeyShuffleCount, m.daily); err != nil {
		return fmt.Errorf("reset shuffle count: %w", err)
	}
	if err := m.state.SetScalar(ctx, model.KeyLastShuffleReset, today); err != nil {
		return fmt.Errorf("reset date: %w", err)
	}
	v.shuffled = model.GUIDSet{}
	m.logger.Info("new day, shuffle budget restored", "date", today)
	return nil
}

// regenerate replaces the deck membership and updates v. It reports
// whether a stored candidate deck was used.
func (m *Manager) regenerate(ctx context.Context, v *view) (bool, error) {
	online := m.net.Online()
	items, pregenerated := m.consumePregenerated(ctx, v, online)
	if !pregenerated {
		items = m.gen.Generate(m.input(v, model.FilterUnread, online))
	}

	if err := m.state.SaveList(ctx, model.KeyCurrentDeck, m.marks(items)); err != nil {
		return false, fmt.Errorf("save deck: %w", err)
	}
	v.members = v.members[:0]
	for _, it := range items {
		v.members = append(v.members, model.NormalizeGUID(it.GUID))
	}
	return pregenerated, nil
}

// consumePregenerated returns the stored candidate deck for the current
// connectivity when it still holds an unread item, topped up to the deck
// size. The stored deck is cleared either way.
func (m *Manager) consumePregenerated(ctx context.Context, v *view, online bool) ([]model.FeedItem, bool) {
	key := pregenKey(online)
	var raw json.RawMessage
	if err := m.state.Scalar(ctx, key, &raw); err != nil || len(raw) == 0 || string(raw) == "null" {
		return nil, false
	}
	if err := m.state.SetScalar(ctx, key, nil); err != nil {
		m.logger.Warn("clearing pregenerated deck failed", "key", key, "error", err)
	}

	marks, err := model.DecodeMarks(raw, m.clock.Now())
	if err != nil {
		m.logger.Warn("ignoring malformed pregenerated deck", "key", key, "error", err)
		return nil, false
	}

	chosen := newSelection(m.gen.Size())
	unread := false
	for _, mk := range marks {
		it, ok := v.corpus[mk.GUID]
		if !ok || v.shuffled.Has(mk.GUID) {
			continue
		}
		if chosen.add(it) && !v.read.Has(mk.GUID) {
			unread = true
		}
	}
	if !unread {
		return nil, false
	}
	if !chosen.full() {
		chosen.addAll(m.gen.Generate(m.input(v, model.FilterUnread, online)))
	}
	return newestFirst(chosen.items), true
}

func (m *Manager) input(v *view, mode string, online bool) Input {
	return Input{
		Items:       v.snap.Items,
		Read:        v.read,
		Starred:     v.starred,
		ShuffledOut: v.shuffled,
		FilterMode:  mode,
		Online:      online,
		Blacklist:   v.snap.Blacklist,
		Now:         m.clock.Now(),
	}
}

func (m *Manager) marks(items []model.FeedItem) []model.Mark {
	now := m.clock.Now()
	out := make([]model.Mark, 0, len(items))
	for _, it := range items {
		out = append(out, model.Mark{GUID: it.GUID, At: now})
	}
	return out
}

// display annotates the deck, or the filtered corpus outside unread mode.
func (m *Manager) display(v *view) []Entry {
	var items []model.FeedItem
	if v.snap.FilterMode == model.FilterRead || v.snap.FilterMode == model.FilterStarred {
		items = m.gen.Generate(m.input(v, v.snap.FilterMode, m.net.Online()))
	} else {
		for _, guid := range v.members {
			items = append(items, v.corpus[guid])
		}
	}
	out := make([]Entry, 0, len(items))
	for _, it := range items {
		out = append(out, Entry{FeedItem: it, Read: v.read.Has(it.GUID), Starred: v.starred.Has(it.GUID)})
	}
	return out
}

// depleted reports whether no member is left to read.
func (v *view) depleted() bool {
	for _, guid := range v.members {
		if !v.read.Has(guid) && !v.shuffled.Has(guid) {
			return false
		}
	}
	return true
}

// allShuffled reports whether every member was shuffled out. An empty
// deck counts as shuffled out.
func (v *view) allShuffled() bool {
	for _, guid := range v.members {
		if !v.shuffled.Has(guid) {
			return false
		}
	}
	return true
}

func pregenKey(online bool) string {
	if online {
		return model.KeyPregenOnlineDeck
	}
	return model.KeyPregenOfflineDeck
}
