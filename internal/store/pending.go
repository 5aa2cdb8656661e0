package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/tim-projects/not-the-news-sub001/internal/model"
)

// InsertPending persists op and returns its assigned id. Ids come from an
// AUTOINCREMENT column and are never reused. op.ID is ignored.
func (qs queries) InsertPending(ctx context.Context, op model.PendingOperation) (int64, error) {
	var value sql.NullString
	if len(op.Value) > 0 {
		value = sql.NullString{String: string(op.Value), Valid: true}
	}
	result, err := qs.q.ExecContext(ctx, `
		INSERT INTO pending_operations (type, key, value, guid, action, affected_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		string(op.Type),
		op.Key,
		value,
		model.NormalizeGUID(op.GUID),
		string(op.Action),
		op.AffectedKey(),
		model.FormatTime(op.Timestamp),
	)
	if err != nil {
		return 0, wrapErr("insert pending operation", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert pending operation: last insert id: %w", err)
	}
	return id, nil
}

// PendingOperations returns every queued operation in id order.
func (qs queries) PendingOperations(ctx context.Context) ([]model.PendingOperation, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT id, type, key, value, guid, action, created_at
		FROM pending_operations
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query pending operations: %w", err)
	}
	defer rows.Close()

	ops := []model.PendingOperation{}
	for rows.Next() {
		var op model.PendingOperation
		var typ, action, created string
		var value sql.NullString
		if err := rows.Scan(&op.ID, &typ, &op.Key, &value, &op.GUID, &action, &created); err != nil {
			return nil, fmt.Errorf("scan pending operation: %w", err)
		}
		op.Type = model.OpType(typ)
		op.Action = model.Action(action)
		if value.Valid {
			op.Value = json.RawMessage(value.String)
		}
		op.Timestamp, _ = model.ParseTime(created)
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending operations: %w", err)
	}
	return ops, nil
}

// DeletePending removes an operation by id and reports whether it existed.
func (qs queries) DeletePending(ctx context.Context, id int64) (bool, error) {
	result, err := qs.q.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, id)
	if err != nil {
		return false, wrapErr("delete pending operation", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete pending operation: rows affected: %w", err)
	}
	return n > 0, nil
}

// HasPendingFor reports whether any queued operation mutates key.
func (qs queries) HasPendingFor(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := qs.q.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM pending_operations WHERE affected_key = ?)
	`, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pending for %s: %w", key, err)
	}
	return exists, nil
}
