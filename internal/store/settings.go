package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tim-projects/not-the-news-sub001/internal/model"
)

// Setting returns a scalar setting. Returns ErrNotFound if it was never
// written.
func (qs queries) Setting(ctx context.Context, key string) (model.Setting, error) {
	var value, lastModified string
	err := qs.q.QueryRowContext(ctx, `
		SELECT value, last_modified FROM settings WHERE key = ?
	`, key).Scan(&value, &lastModified)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Setting{}, fmt.Errorf("setting %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return model.Setting{}, fmt.Errorf("read setting %s: %w", key, err)
	}
	return model.Setting{Key: key, Value: json.RawMessage(value), LastModified: lastModified}, nil
}

// Settings returns every stored setting ordered by key.
func (qs queries) Settings(ctx context.Context) ([]model.Setting, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT key, value, last_modified FROM settings ORDER BY key ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()

	settings := []model.Setting{}
	for rows.Next() {
		var s model.Setting
		var value string
		if err := rows.Scan(&s.Key, &value, &s.LastModified); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		s.Value = json.RawMessage(value)
		settings = append(settings, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settings: %w", err)
	}
	return settings, nil
}

// PutSetting writes a scalar setting. The value is overwritten; the stored
// last-modified marker never moves backwards.
func (qs queries) PutSetting(ctx context.Context, s model.Setting) error {
	value := s.Value
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO settings (key, value, last_modified) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			last_modified = MAX(settings.last_modified, excluded.last_modified)
	`, s.Key, string(value), s.LastModified)
	if err != nil {
		return wrapErr("put setting", err)
	}
	return nil
}

// DeleteSetting removes a setting. Deleting an absent key is a no-op.
func (qs queries) DeleteSetting(ctx context.Context, key string) error {
	if _, err := qs.q.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key); err != nil {
		return wrapErr("delete setting", err)
	}
	return nil
}

// Cursor returns the last-modified marker recorded for key, or "" when the
// key has never been synchronised.
func (qs queries) Cursor(ctx context.Context, key string) (string, error) {
	var lastModified string
	err := qs.q.QueryRowContext(ctx, `
		SELECT last_modified FROM sync_cursors WHERE key = ?
	`, key).Scan(&lastModified)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read cursor %s: %w", key, err)
	}
	return lastModified, nil
}

// SetCursor advances the last-modified marker of key. Older markers are
// ignored, so the stored marker is monotonically non-decreasing. A scalar
// setting with the same key gets the same marker.
func (qs queries) SetCursor(ctx context.Context, key, lastModified string) error {
	if lastModified == "" {
		return nil
	}
	return qs.atomic(ctx, func(q queries) error {
		_, err := q.q.ExecContext(ctx, `
			INSERT INTO sync_cursors (key, last_modified) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET
				last_modified = MAX(sync_cursors.last_modified, excluded.last_modified)
		`, key, lastModified)
		if err != nil {
			return wrapErr("set cursor", err)
		}
		_, err = q.q.ExecContext(ctx, `
			UPDATE settings SET last_modified = MAX(last_modified, ?) WHERE key = ?
		`, lastModified, key)
		if err != nil {
			return wrapErr("set cursor", err)
		}
		return nil
	})
}
