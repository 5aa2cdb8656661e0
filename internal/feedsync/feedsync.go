// Package feedsync keeps the local feed corpus in step with the server.
//
// Feed items are immutable content: they are fetched by guid and upserted
// wholesale, never merged. Refresh asks the server for items newer than the
// newest local one; FullSync compares guid listings; FetchMissing backfills
// deck members whose content has not arrived yet.
package feedsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/tim-projects/not-the-news-sub001/internal/clock"
	"github.com/tim-projects/not-the-news-sub001/internal/model"
	"github.com/tim-projects/not-the-news-sub001/internal/remote"
	"github.com/tim-projects/not-the-news-sub001/internal/store"
)

// DefaultBatchSize is the number of guids requested per POST /feed-items.
const DefaultBatchSize = 50

// Remote is the feed half of the server API. *remote.Client implements it.
type Remote interface {
	Refresh(ctx context.Context, since time.Time) (remote.RefreshResponse, error)
	FeedGUIDs(ctx context.Context, since string) (remote.FeedGUIDs, error)
	FeedItems(ctx context.Context, guids []string) ([]model.FeedItem, error)
}

// Report summarises one feed sync.
type Report struct {
	Requested int
	Fetched   int
	Removed   int
	// Throttled is set when the server answered 429. Nothing was fetched.
	Throttled bool
}

// Syncer fetches feed content into the store.
type Syncer struct {
	store     *store.Store
	remote    Remote
	clock     clock.Clock
	logger    *slog.Logger
	batchSize int
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithClock sets the clock used to stamp fetches.
func WithClock(c clock.Clock) Option {
	return func(s *Syncer) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Syncer) { s.logger = l }
}

// WithBatchSize sets the number of guids per item request.
func WithBatchSize(n int) Option {
	return func(s *Syncer) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// New creates a Syncer.
func New(st *store.Store, r Remote, opts ...Option) *Syncer {
	s := &Syncer{
		store:     st,
		remote:    r,
		clock:     clock.Real{},
		logger:    slog.Default(),
		batchSize: DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Refresh fetches items published after the newest local item. A
// throttled server is not an error: the attempt is recorded and the
// corpus left as is.
func (s *Syncer) Refresh(ctx context.Context) (Report, error) {
	since, err := s.store.LatestPublished(ctx)
	if err != nil {
		return Report{}, err
	}

	resp, err := s.remote.Refresh(ctx, since)
	if errors.Is(err, remote.ErrThrottled) {
		s.logger.Warn("feed refresh throttled, will retry on the next cycle")
		return Report{Throttled: true}, s.markSynced(ctx)
	}
	if err != nil {
		return Report{}, fmt.Errorf("refresh: %w", err)
	}

	guids := make([]string, 0, len(resp.Items))
	for _, it := range resp.Items {
		guids = append(guids, it.GUID)
	}
	rep := Report{}
	if rep.Requested, rep.Fetched, err = s.fetch(ctx, guids); err != nil {
		return rep, err
	}
	s.logger.Info("feed refreshed", "since", since, "requested", rep.Requested, "fetched", rep.Fetched)
	return rep, s.markSynced(ctx)
}

// FullSync lists the server's guids and fetches the ones missing locally.
// With an empty since the listing is complete, and local items the server
// no longer has are removed.
func (s *Syncer) FullSync(ctx context.Context, since string) (Report, error) {
	listing, err := s.remote.FeedGUIDs(ctx, since)
	if err != nil {
		return Report{}, fmt.Errorf("list feed guids: %w", err)
	}
	server := model.NewGUIDSet(listing.GUIDs...)
	local, err := s.store.FeedGUIDs(ctx)
	if err != nil {
		return Report{}, err
	}

	var missing []string
	for guid := range server {
		if !local.Has(guid) {
			missing = append(missing, guid)
		}
	}
	rep := Report{}
	if rep.Requested, rep.Fetched, err = s.fetch(ctx, missing); err != nil {
		return rep, err
	}

	if since == "" {
		var gone []string
		for guid := range local {
			if !server.Has(guid) {
				gone = append(gone, guid)
			}
		}
		if len(gone) > 0 {
			slices.Sort(gone)
			if err := s.store.DeleteFeedItems(ctx, gone); err != nil {
				return rep, err
			}
			rep.Removed = len(gone)
		}
	}
	s.logger.Info("feed full sync", "since", since, "fetched", rep.Fetched, "removed", rep.Removed)
	return rep, s.markSynced(ctx)
}

// FetchMissing fetches deck members whose content is not stored locally.
func (s *Syncer) FetchMissing(ctx context.Context) (Report, error) {
	deck, err := s.store.Marks(ctx, model.KeyCurrentDeck)
	if err != nil {
		return Report{}, err
	}
	local, err := s.store.FeedGUIDs(ctx)
	if err != nil {
		return Report{}, err
	}
	var missing []string
	for _, m := range deck {
		if !local.Has(m.GUID) {
			missing = append(missing, m.GUID)
		}
	}
	if len(missing) == 0 {
		return Report{}, nil
	}
	rep := Report{}
	rep.Requested, rep.Fetched, err = s.fetch(ctx, missing)
	if err == nil && rep.Fetched < rep.Requested {
		s.logger.Info("deck members unknown to the server", "missing", rep.Requested-rep.Fetched)
	}
	return rep, err
}

// LastSync returns when feed content was last synced, or the zero time.
func (s *Syncer) LastSync(ctx context.Context) (time.Time, error) {
	setting, err := s.store.Setting(ctx, model.KeyLastFeedSync)
	if errors.Is(err, store.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	var raw string
	if err := json.Unmarshal(setting.Value, &raw); err != nil {
		return time.Time{}, nil
	}
	t, _ := model.ParseTime(raw)
	return t, nil
}

// fetch requests guids in batches and upserts what comes back. It returns
// the number of distinct guids requested and items stored.
func (s *Syncer) fetch(ctx context.Context, guids []string) (int, int, error) {
	unique := dedupe(guids)
	fetched := 0
	now := s.clock.Now()
	for batch := range slices.Chunk(unique, s.batchSize) {
		items, err := s.remote.FeedItems(ctx, batch)
		if err != nil {
			return len(unique), fetched, fmt.Errorf("fetch feed items: %w", err)
		}
		for i := range items {
			if items[i].FetchedAt.IsZero() {
				items[i].FetchedAt = now
			}
		}
		if err := s.store.PutFeedItems(ctx, items); err != nil {
			return len(unique), fetched, err
		}
		fetched += len(items)
	}
	return len(unique), fetched, nil
}

func (s *Syncer) markSynced(ctx context.Context) error {
	raw, err := json.Marshal(model.FormatTime(s.clock.Now()))
	if err != nil {
		return err
	}
	return s.store.PutSetting(ctx, model.Setting{Key: model.KeyLastFeedSync, Value: raw})
}

// dedupe normalises guids, dropping blanks and repeats. The result is
// sorted so requests are deterministic.
func dedupe(guids []string) []string {
	set := model.NewGUIDSet(guids...)
	out := make([]string, 0, len(set))
	for guid := range set {
		out = append(out, guid)
	}
	slices.Sort(out)
	return out
}
