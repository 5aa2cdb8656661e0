package userstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tim-projects/not-the-news-sub001/internal/model"
	"github.com/tim-projects/not-the-news-sub001/internal/store"
)

// Snapshot is a consistent read of the feed corpus and the user state the
// deck logic consumes.
type Snapshot struct {
	Items       []model.FeedItem
	Read        []model.Mark
	Starred     []model.Mark
	ShuffledOut []model.Mark
	Deck        []model.Mark

	FilterMode       string
	ShuffleCount     int
	LastShuffleReset string
	Blacklist        []string
	SyncEnabled      bool
}

type settingReader interface {
	Setting(ctx context.Context, key string) (model.Setting, error)
}

// Snapshot reads everything in one transaction, so a concurrent
// reconciliation is either fully visible or not at all.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.store.Batch(ctx, func(tx *store.Tx) error {
		var err error
		if snap.Items, err = tx.FeedItems(ctx); err != nil {
			return err
		}
		lists := []struct {
			key string
			dst *[]model.Mark
		}{
			{model.KeyRead, &snap.Read},
			{model.KeyStarred, &snap.Starred},
			{model.KeyShuffledOut, &snap.ShuffledOut},
			{model.KeyCurrentDeck, &snap.Deck},
		}
		for _, l := range lists {
			if *l.dst, err = tx.Marks(ctx, l.key); err != nil {
				return err
			}
		}

		var resetDate *string
		scalars := []struct {
			key string
			dst any
		}{
			{model.KeyFilterMode, &snap.FilterMode},
			{model.KeyShuffleCount, &snap.ShuffleCount},
			{model.KeyLastShuffleReset, &resetDate},
			{model.KeyKeywordBlacklist, &snap.Blacklist},
			{model.KeySyncEnabled, &snap.SyncEnabled},
		}
		for _, sc := range scalars {
			if err := s.scalar(ctx, tx, sc.key, sc.dst); err != nil {
				return err
			}
		}
		if resetDate != nil {
			snap.LastShuffleReset = *resetDate
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	if snap.FilterMode == "" {
		snap.FilterMode = model.FilterUnread
	}
	snap.Blacklist = cleanKeywords(snap.Blacklist)
	return snap, nil
}

// Scalar decodes the stored value of key into dst, or the registry default
// when nothing is stored.
func (s *Service) Scalar(ctx context.Context, key string, dst any) error {
	return s.scalar(ctx, s.store, key, dst)
}

// scalar falls back to the default when the stored value does not decode
// into dst, and logs the mismatch.
func (s *Service) scalar(ctx context.Context, r settingReader, key string, dst any) error {
	def, ok := model.Lookup(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	setting, err := r.Setting(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return json.Unmarshal(def.Default, dst)
	case err != nil:
		return err
	}
	if err := json.Unmarshal(setting.Value, dst); err != nil {
		s.logger.Warn("stored setting has unexpected shape, using default", "key", key, "error", err)
		return json.Unmarshal(def.Default, dst)
	}
	return nil
}

func cleanKeywords(raw []string) []string {
	var out []string
	for _, kw := range raw {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			out = append(out, kw)
		}
	}
	return out
}
