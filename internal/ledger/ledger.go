// Package ledger is the durable queue of local mutations the server has not
// yet acknowledged.
//
// The ledger is the single source of truth for "what local changes are
// unconfirmed". Operations are persisted before Enqueue returns and are
// removed only by id, after the server acknowledges them.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tim-projects/not-the-news-sub001/internal/clock"
	"github.com/tim-projects/not-the-news-sub001/internal/model"
)

// ErrEmptyPayload is returned when an operation without a usable payload
// is offered to Enqueue. Such operations are never persisted.
var ErrEmptyPayload = errors.New("pending operation has an empty payload")

// Storage is the persistence the ledger needs. *store.Store implements it.
type Storage interface {
	InsertPending(ctx context.Context, op model.PendingOperation) (int64, error)
	PendingOperations(ctx context.Context) ([]model.PendingOperation, error)
	DeletePending(ctx context.Context, id int64) (bool, error)
	HasPendingFor(ctx context.Context, key string) (bool, error)
}

// Ledger queues pending operations.
//
// Thread-safety: Ledger holds no state of its own; concurrency safety comes
// from the underlying Storage.
type Ledger struct {
	storage Storage
	clock   clock.Clock
	logger  *slog.Logger
}

// New creates a ledger over storage. A nil clock or logger falls back to
// the defaults.
func New(storage Storage, clk clock.Clock, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{storage: storage, clock: clock.Or(clk), logger: logger}
}

// Enqueue validates and persists op, returning its assigned id. A zero
// timestamp is stamped with the current time. Operations with an empty
// payload are rejected with ErrEmptyPayload and logged.
func (l *Ledger) Enqueue(ctx context.Context, op model.PendingOperation) (int64, error) {
	if err := op.Validate(); err != nil {
		l.logger.Warn("rejected pending operation", "type", op.Type, "key", op.Key, "error", err)
		return 0, fmt.Errorf("%w: %v", ErrEmptyPayload, err)
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = l.clock.Now()
	}
	op.GUID = model.NormalizeGUID(op.GUID)

	id, err := l.storage.InsertPending(ctx, op)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", op.Type, err)
	}
	l.logger.Debug("queued pending operation", "id", id, "type", op.Type, "key", op.AffectedKey())
	return id, nil
}

// ListAll returns every pending operation in id order.
func (l *Ledger) ListAll(ctx context.Context) ([]model.PendingOperation, error) {
	return l.storage.PendingOperations(ctx)
}

// Remove deletes an acknowledged operation. Removing an id that is no
// longer present is a no-op.
func (l *Ledger) Remove(ctx context.Context, id int64) error {
	deleted, err := l.storage.DeletePending(ctx, id)
	if err != nil {
		return fmt.Errorf("remove pending operation %d: %w", id, err)
	}
	if !deleted {
		l.logger.Debug("pending operation already removed", "id", id)
	}
	return nil
}

// HasPendingFor reports whether an unconfirmed operation touches key.
func (l *Ledger) HasPendingFor(ctx context.Context, key string) (bool, error) {
	return l.storage.HasPendingFor(ctx, key)
}

// Len returns the number of pending operations.
func (l *Ledger) Len(ctx context.Context) (int, error) {
	ops, err := l.storage.PendingOperations(ctx)
	if err != nil {
		return 0, err
	}
	return len(ops), nil
}
