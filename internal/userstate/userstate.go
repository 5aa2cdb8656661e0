// Package userstate is the local mutation API for user state.
//
// Every mutation is written to the local store first and then handed to
// the sync coordinator as a pending operation, so it survives being
// offline. Read and starred changes become per-guid deltas; other lists and
// scalars are sent whole as simpleUpdate operations. Local-only keys are
// never queued.
package userstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tim-projects/not-the-news-sub001/internal/clock"
	"github.com/tim-projects/not-the-news-sub001/internal/model"
	"github.com/tim-projects/not-the-news-sub001/internal/store"
)

// StaleReadAge is how long a read mark for an item that left the corpus is
// kept.
const StaleReadAge = 30 * 24 * time.Hour

var (
	// ErrUnknownKey is returned for a key missing from the registry or of
	// the wrong kind for the call.
	ErrUnknownKey = errors.New("unknown state key")

	// ErrEmptyGUID is returned when a mark is requested for a blank guid.
	ErrEmptyGUID = errors.New("empty guid")
)

// Pusher queues an operation and attempts delivery.
// *engine.Coordinator implements it.
type Pusher interface {
	PushOne(ctx context.Context, op model.PendingOperation) (int64, error)
}

// Service mutates user state.
type Service struct {
	store  *store.Store
	pusher Pusher
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a Service. A nil clock or logger falls back to defaults.
func New(s *store.Store, p Pusher, clk clock.Clock, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, pusher: p, clock: clock.Or(clk), logger: logger}
}

// SetMark sets or clears the read or starred mark of guid. It reports
// whether anything changed; setting a mark to its current state queues
// nothing.
func (s *Service) SetMark(ctx context.Context, key, guid string, on bool) (bool, error) {
	opType, err := deltaType(key)
	if err != nil {
		return false, err
	}
	guid = model.NormalizeGUID(guid)
	if guid == "" {
		return false, ErrEmptyGUID
	}

	has, err := s.store.HasMark(ctx, key, guid)
	if err != nil {
		return false, err
	}
	if has == on {
		return false, nil
	}

	now := s.clock.Now()
	action := model.ActionAdd
	if on {
		err = s.store.PutMark(ctx, key, model.Mark{GUID: guid, At: now})
	} else {
		action = model.ActionRemove
		err = s.store.DeleteMark(ctx, key, guid)
	}
	if err != nil {
		return false, fmt.Errorf("set %s mark: %w", key, err)
	}

	op := model.PendingOperation{Type: opType, GUID: guid, Action: action, Timestamp: now}
	if _, err := s.pusher.PushOne(ctx, op); err != nil {
		return true, err
	}
	return true, nil
}

// ToggleRead flips the read mark of guid and returns the new state.
func (s *Service) ToggleRead(ctx context.Context, guid string) (bool, error) {
	return s.toggle(ctx, model.KeyRead, guid)
}

// ToggleStar flips the starred mark of guid and returns the new state.
func (s *Service) ToggleStar(ctx context.Context, guid string) (bool, error) {
	return s.toggle(ctx, model.KeyStarred, guid)
}

func (s *Service) toggle(ctx context.Context, key, guid string) (bool, error) {
	has, err := s.store.HasMark(ctx, key, model.NormalizeGUID(guid))
	if err != nil {
		return false, err
	}
	if _, err := s.SetMark(ctx, key, guid, !has); err != nil {
		return has, err
	}
	return !has, nil
}

// SetScalar stores a scalar setting and, unless the key is local-only,
// queues it for the server.
func (s *Service) SetScalar(ctx context.Context, key string, value any) error {
	def, ok := model.Lookup(key)
	if !ok || def.Kind != model.KindScalar {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.store.PutSetting(ctx, model.Setting{Key: key, Value: raw}); err != nil {
		return err
	}
	if def.LocalOnly {
		return nil
	}
	_, err = s.pusher.PushOne(ctx, model.PendingOperation{
		Type:      model.OpSimpleUpdate,
		Key:       key,
		Value:     raw,
		Timestamp: s.clock.Now(),
	})
	return err
}

// SaveList overwrites a list key with marks, in order.
//
// For read and starred the difference to the stored collection is applied
// in place, keeping the identity of surviving entries, and queued as one
// delta per changed guid. Other lists are replaced and queued whole.
func (s *Service) SaveList(ctx context.Context, key string, marks []model.Mark) error {
	def, ok := model.Lookup(key)
	if !ok || def.Kind != model.KindList {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}

	if opType, err := deltaType(key); err == nil {
		return s.saveDeltas(ctx, key, opType, marks)
	}

	if err := s.store.ReplaceMarks(ctx, key, marks); err != nil {
		return err
	}
	stored, err := s.store.Marks(ctx, key)
	if err != nil {
		return err
	}
	raw, err := model.MarshalMarks(key, stored)
	if err != nil {
		return err
	}
	_, err = s.pusher.PushOne(ctx, model.PendingOperation{
		Type:      model.OpSimpleUpdate,
		Key:       key,
		Value:     raw,
		Timestamp: s.clock.Now(),
	})
	return err
}

func (s *Service) saveDeltas(ctx context.Context, key string, opType model.OpType, marks []model.Mark) error {
	now := s.clock.Now()
	var ops []model.PendingOperation

	err := s.store.Batch(ctx, func(tx *store.Tx) error {
		local, err := tx.Marks(ctx, key)
		if err != nil {
			return err
		}
		localSet := model.MarkSet(local)
		wanted := model.MarkSet(marks)

		var removed []string
		for _, m := range local {
			if !wanted.Has(m.GUID) {
				removed = append(removed, m.GUID)
				ops = append(ops, model.PendingOperation{Type: opType, GUID: m.GUID, Action: model.ActionRemove, Timestamp: now})
			}
		}
		if err := tx.DeleteMarks(ctx, key, removed); err != nil {
			return err
		}

		var added []model.Mark
		for _, m := range marks {
			guid := model.NormalizeGUID(m.GUID)
			if guid == "" || localSet.Has(guid) {
				continue
			}
			localSet.Add(guid)
			at := m.At
			if at.IsZero() {
				at = now
			}
			added = append(added, model.Mark{GUID: guid, At: at})
			ops = append(ops, model.PendingOperation{Type: opType, GUID: guid, Action: model.ActionAdd, Timestamp: at})
		}
		return tx.PutMarks(ctx, key, added)
	})
	if err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}

	for _, op := range ops {
		if _, err := s.pusher.PushOne(ctx, op); err != nil {
			return err
		}
	}
	return nil
}

// PruneStaleRead drops read marks older than StaleReadAge whose item is no
// longer in the feed corpus. Marks for items still in the corpus are kept
// regardless of age, and nothing is pruned while the corpus is empty. The
// prune is local and queues nothing.
func (s *Service) PruneStaleRead(ctx context.Context) (int, error) {
	corpus, err := s.store.FeedGUIDs(ctx)
	if err != nil {
		return 0, err
	}
	if len(corpus) == 0 {
		return 0, nil
	}

	marks, err := s.store.Marks(ctx, model.KeyRead)
	if err != nil {
		return 0, err
	}
	cutoff := s.clock.Now().Add(-StaleReadAge)
	var stale []string
	for _, m := range marks {
		if corpus.Has(m.GUID) || m.At.IsZero() {
			continue
		}
		if !m.At.After(cutoff) {
			stale = append(stale, m.GUID)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := s.store.DeleteMarks(ctx, model.KeyRead, stale); err != nil {
		return 0, err
	}
	s.logger.Info("pruned stale read marks", "count", len(stale))
	return len(stale), nil
}

func deltaType(key string) (model.OpType, error) {
	switch key {
	case model.KeyRead:
		return model.OpReadDelta, nil
	case model.KeyStarred:
		return model.OpStarDelta, nil
	}
	return "", fmt.Errorf("%w: %s has no delta operation", ErrUnknownKey, key)
}
