package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tim-projects/not-the-news-sub001/internal/model"
)

// Marks returns every entry of a mark collection in stored order
// (position, then insertion). Returns an empty slice, not nil, when the
// collection is empty.
func (qs queries) Marks(ctx context.Context, collection string) ([]model.Mark, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT guid, ts FROM marks
		WHERE collection = ?
		ORDER BY position ASC, id ASC
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("query marks %s: %w", collection, err)
	}
	defer rows.Close()

	marks := []model.Mark{}
	for rows.Next() {
		var guid, ts string
		if err := rows.Scan(&guid, &ts); err != nil {
			return nil, fmt.Errorf("scan mark: %w", err)
		}
		at, _ := model.ParseTime(ts)
		marks = append(marks, model.Mark{GUID: guid, At: at})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate marks %s: %w", collection, err)
	}
	return marks, nil
}

// Mark returns one entry by guid. Returns ErrNotFound if absent.
func (qs queries) Mark(ctx context.Context, collection, guid string) (model.Mark, error) {
	guid = model.NormalizeGUID(guid)
	var ts string
	err := qs.q.QueryRowContext(ctx, `
		SELECT ts FROM marks WHERE collection = ? AND guid = ?
	`, collection, guid).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Mark{}, fmt.Errorf("mark %s/%s: %w", collection, guid, ErrNotFound)
	}
	if err != nil {
		return model.Mark{}, fmt.Errorf("read mark %s/%s: %w", collection, guid, err)
	}
	at, _ := model.ParseTime(ts)
	return model.Mark{GUID: guid, At: at}, nil
}

// HasMark reports whether guid is present in the collection.
func (qs queries) HasMark(ctx context.Context, collection, guid string) (bool, error) {
	_, err := qs.Mark(ctx, collection, guid)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// PutMark upserts one entry. An existing entry with the same normalised guid
// keeps its row id and position; only its timestamp is updated. Entries with
// an empty guid are ignored.
func (qs queries) PutMark(ctx context.Context, collection string, m model.Mark) error {
	guid := model.NormalizeGUID(m.GUID)
	if guid == "" {
		return nil
	}
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO marks (collection, guid, ts, position)
		VALUES (?, ?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM marks WHERE collection = ?))
		ON CONFLICT(collection, guid) DO UPDATE SET ts = excluded.ts
	`, collection, guid, model.FormatTime(m.At), collection)
	if err != nil {
		return wrapErr("put mark", err)
	}
	return nil
}

// PutMarks upserts several entries atomically.
func (qs queries) PutMarks(ctx context.Context, collection string, marks []model.Mark) error {
	return qs.atomic(ctx, func(q queries) error {
		for _, m := range marks {
			if err := q.PutMark(ctx, collection, m); err != nil {
				return err
			}
		}
		return nil
	})
}

// insertMarkIfAbsent adds an entry unless the guid is already present.
func (qs queries) insertMarkIfAbsent(ctx context.Context, collection string, m model.Mark) error {
	guid := model.NormalizeGUID(m.GUID)
	if guid == "" {
		return nil
	}
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO marks (collection, guid, ts, position)
		VALUES (?, ?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM marks WHERE collection = ?))
		ON CONFLICT(collection, guid) DO NOTHING
	`, collection, guid, model.FormatTime(m.At), collection)
	if err != nil {
		return wrapErr("insert mark", err)
	}
	return nil
}

// DeleteMark removes one entry. Deleting an absent guid is a no-op.
func (qs queries) DeleteMark(ctx context.Context, collection, guid string) error {
	_, err := qs.q.ExecContext(ctx, `
		DELETE FROM marks WHERE collection = ? AND guid = ?
	`, collection, model.NormalizeGUID(guid))
	if err != nil {
		return wrapErr("delete mark", err)
	}
	return nil
}

// DeleteMarks removes several entries atomically.
func (qs queries) DeleteMarks(ctx context.Context, collection string, guids []string) error {
	return qs.atomic(ctx, func(q queries) error {
		for _, g := range guids {
			if err := q.DeleteMark(ctx, collection, g); err != nil {
				return err
			}
		}
		return nil
	})
}

// ClearMarks removes every entry of the collection.
func (qs queries) ClearMarks(ctx context.Context, collection string) error {
	if _, err := qs.q.ExecContext(ctx, `DELETE FROM marks WHERE collection = ?`, collection); err != nil {
		return wrapErr("clear marks", err)
	}
	return nil
}

// ReplaceMarks clears the collection and inserts marks in the given order,
// in one transaction. Entries with an empty guid and repeated guids are
// dropped. No reader observes the collection half-cleared.
func (qs queries) ReplaceMarks(ctx context.Context, collection string, marks []model.Mark) error {
	return qs.atomic(ctx, func(q queries) error {
		if err := q.ClearMarks(ctx, collection); err != nil {
			return err
		}
		seen := model.GUIDSet{}
		pos := 0
		for _, m := range marks {
			guid := model.NormalizeGUID(m.GUID)
			if guid == "" || seen.Has(guid) {
				continue
			}
			seen.Add(guid)
			pos++
			_, err := q.q.ExecContext(ctx, `
				INSERT INTO marks (collection, guid, ts, position) VALUES (?, ?, ?, ?)
			`, collection, guid, model.FormatTime(m.At), pos)
			if err != nil {
				return wrapErr("replace marks", err)
			}
		}
		return nil
	})
}

// LatestMark returns the newest entry timestamp of the collection, or the
// zero time when it is empty.
func (qs queries) LatestMark(ctx context.Context, collection string) (time.Time, error) {
	var ts sql.NullString
	err := qs.q.QueryRowContext(ctx, `
		SELECT MAX(ts) FROM marks WHERE collection = ? AND ts != ''
	`, collection).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("latest mark %s: %w", collection, err)
	}
	at, _ := model.ParseTime(ts.String)
	return at, nil
}
