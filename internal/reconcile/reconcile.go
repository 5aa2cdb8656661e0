// Package reconcile folds a remote snapshot or delta into the local store.
//
// Scalars are last-writer-wins by server clock. List keys use one of two
// policies:
//
//   - Merge adds server entries missing locally and, only for a full
//     snapshot, removes local entries missing on the server. A partial
//     delta never implies a deletion. Entries present on both sides are
//     updated in place.
//   - Replace clears the local collection and repopulates it verbatim.
//
// Every reconciliation of one key runs in a single store transaction, so
// readers never observe a half-applied payload.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tim-projects/not-the-news-sub001/internal/clock"
	"github.com/tim-projects/not-the-news-sub001/internal/model"
	"github.com/tim-projects/not-the-news-sub001/internal/store"
)

// Batcher runs a group of store operations atomically. *store.Store
// implements it.
type Batcher interface {
	Batch(ctx context.Context, fn func(tx *store.Tx) error) error
}

// Result summarises one reconciliation.
type Result struct {
	Added   int
	Removed int
	// Updated counts existing entries whose timestamp changed.
	Updated int
	// Malformed is set when the payload had the wrong shape and was
	// ignored.
	Malformed bool
}

// Reconciler applies pulled payloads to the store.
type Reconciler struct {
	store  Batcher
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a Reconciler. A nil clock or logger falls back to defaults.
func New(s Batcher, clk clock.Clock, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: s, clock: clock.Or(clk), logger: logger}
}

// Apply reconciles a pulled value for def using mode for list keys.
// Malformed list payloads are logged and ignored rather than raised.
func (r *Reconciler) Apply(ctx context.Context, def model.KeyDef, value json.RawMessage, lastModified string, partial bool, mode model.SyncMode) (Result, error) {
	if def.Kind == model.KindScalar {
		return Result{}, r.ApplyScalar(ctx, def.Name, value, lastModified)
	}

	// Entries without their own timestamp keep a zero time, so Merge can
	// tell them apart from server-stamped ones.
	marks, err := model.DecodeMarks(value, time.Time{})
	if err != nil {
		r.logger.Warn("ignoring malformed list payload", "key", def.Name, "error", err)
		return Result{Malformed: true}, nil
	}

	if mode == model.ModeReplace {
		now := r.clock.Now()
		for i := range marks {
			if marks[i].At.IsZero() {
				marks[i].At = now
			}
		}
		return r.Replace(ctx, def.Name, marks, lastModified)
	}
	return r.Merge(ctx, def.Name, marks, partial, lastModified)
}

// ApplyScalar overwrites the local value and its last-modified marker.
func (r *Reconciler) ApplyScalar(ctx context.Context, key string, value json.RawMessage, lastModified string) error {
	err := r.store.Batch(ctx, func(tx *store.Tx) error {
		if err := tx.PutSetting(ctx, model.Setting{Key: key, Value: value, LastModified: lastModified}); err != nil {
			return err
		}
		return tx.SetCursor(ctx, key, lastModified)
	})
	if err != nil {
		return fmt.Errorf("apply scalar %s: %w", key, err)
	}
	return nil
}

// Merge adds server entries missing locally. When partial is false the
// payload is a full snapshot and local entries absent from it are removed.
// Server entries are de-duplicated by normalised guid. An entry that
// already exists locally keeps its identity and position; it takes the
// server timestamp when the server sent one. Entries with a zero time are
// stamped with the current time when added.
func (r *Reconciler) Merge(ctx context.Context, key string, server []model.Mark, partial bool, lastModified string) (Result, error) {
	var res Result
	now := r.clock.Now()
	err := r.store.Batch(ctx, func(tx *store.Tx) error {
		local, err := tx.Marks(ctx, key)
		if err != nil {
			return err
		}
		localAt := make(map[string]time.Time, len(local))
		for _, m := range local {
			localAt[model.NormalizeGUID(m.GUID)] = m.At
		}
		serverSet := model.GUIDSet{}

		for _, m := range server {
			guid := model.NormalizeGUID(m.GUID)
			if guid == "" || serverSet.Has(guid) {
				continue
			}
			serverSet.Add(guid)
			if at, ok := localAt[guid]; ok {
				if m.At.IsZero() || m.At.Equal(at) {
					continue
				}
				if err := tx.PutMark(ctx, key, model.Mark{GUID: guid, At: m.At}); err != nil {
					return err
				}
				res.Updated++
				continue
			}
			at := m.At
			if at.IsZero() {
				at = now
			}
			if err := tx.PutMark(ctx, key, model.Mark{GUID: guid, At: at}); err != nil {
				return err
			}
			res.Added++
		}

		if !partial {
			for _, m := range local {
				if serverSet.Has(m.GUID) {
					continue
				}
				if err := tx.DeleteMark(ctx, key, m.GUID); err != nil {
					return err
				}
				res.Removed++
			}
		}

		return tx.SetCursor(ctx, key, lastModified)
	})
	if err != nil {
		return Result{}, fmt.Errorf("merge %s: %w", key, err)
	}
	return res, nil
}

// Replace clears the local collection and repopulates it from server in
// order, dropping entries without a guid.
func (r *Reconciler) Replace(ctx context.Context, key string, server []model.Mark, lastModified string) (Result, error) {
	var res Result
	err := r.store.Batch(ctx, func(tx *store.Tx) error {
		local, err := tx.Marks(ctx, key)
		if err != nil {
			return err
		}
		if err := tx.ReplaceMarks(ctx, key, server); err != nil {
			return err
		}
		after, err := tx.Marks(ctx, key)
		if err != nil {
			return err
		}
		before := model.MarkSet(local)
		now := model.MarkSet(after)
		for g := range now {
			if !before.Has(g) {
				res.Added++
			}
		}
		for g := range before {
			if !now.Has(g) {
				res.Removed++
			}
		}
		return tx.SetCursor(ctx, key, lastModified)
	})
	if err != nil {
		return Result{}, fmt.Errorf("replace %s: %w", key, err)
	}
	return res, nil
}
