package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tim-projects/not-the-news-sub001/internal/model"
)

const feedItemColumns = `guid, title, link, description, image, published_at, fetched_at`

// PutFeedItems upserts items atomically. Re-fetched items replace every
// field of the stored copy but keep its row id. Items with an empty guid
// are skipped.
func (qs queries) PutFeedItems(ctx context.Context, items []model.FeedItem) error {
	return qs.atomic(ctx, func(q queries) error {
		for _, item := range items {
			guid := model.NormalizeGUID(item.GUID)
			if guid == "" {
				continue
			}
			_, err := q.q.ExecContext(ctx, `
				INSERT INTO feed_items (`+feedItemColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(guid) DO UPDATE SET
					title = excluded.title,
					link = excluded.link,
					description = excluded.description,
					image = excluded.image,
					published_at = excluded.published_at,
					fetched_at = excluded.fetched_at
			`,
				guid,
				item.Title,
				item.Link,
				item.Description,
				item.Image,
				model.FormatTime(item.PublishedAt),
				model.FormatTime(item.FetchedAt),
			)
			if err != nil {
				return wrapErr("put feed item", err)
			}
		}
		return nil
	})
}

// FeedItem returns one item by guid. Returns ErrNotFound if absent.
func (qs queries) FeedItem(ctx context.Context, guid string) (model.FeedItem, error) {
	guid = model.NormalizeGUID(guid)
	row := qs.q.QueryRowContext(ctx, `
		SELECT `+feedItemColumns+` FROM feed_items WHERE guid = ?
	`, guid)
	item, err := scanFeedItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.FeedItem{}, fmt.Errorf("feed item %s: %w", guid, ErrNotFound)
	}
	if err != nil {
		return model.FeedItem{}, fmt.Errorf("read feed item %s: %w", guid, err)
	}
	return item, nil
}

// FeedItems returns the whole corpus ordered newest-first, ties broken by
// guid.
func (qs queries) FeedItems(ctx context.Context) ([]model.FeedItem, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT `+feedItemColumns+` FROM feed_items
		ORDER BY published_at DESC, guid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query feed items: %w", err)
	}
	defer rows.Close()

	items := []model.FeedItem{}
	for rows.Next() {
		item, err := scanFeedItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan feed item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feed items: %w", err)
	}
	return items, nil
}

// FeedGUIDs returns the set of stored guids.
func (qs queries) FeedGUIDs(ctx context.Context) (model.GUIDSet, error) {
	rows, err := qs.q.QueryContext(ctx, `SELECT guid FROM feed_items`)
	if err != nil {
		return nil, fmt.Errorf("query feed guids: %w", err)
	}
	defer rows.Close()

	set := model.GUIDSet{}
	for rows.Next() {
		var guid string
		if err := rows.Scan(&guid); err != nil {
			return nil, fmt.Errorf("scan feed guid: %w", err)
		}
		set.Add(guid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feed guids: %w", err)
	}
	return set, nil
}

// DeleteFeedItems removes items by guid atomically.
func (qs queries) DeleteFeedItems(ctx context.Context, guids []string) error {
	return qs.atomic(ctx, func(q queries) error {
		for _, g := range guids {
			if _, err := q.q.ExecContext(ctx, `DELETE FROM feed_items WHERE guid = ?`, model.NormalizeGUID(g)); err != nil {
				return wrapErr("delete feed item", err)
			}
		}
		return nil
	})
}

// LatestPublished returns the newest publication time in the corpus, or the
// zero time when it is empty.
func (qs queries) LatestPublished(ctx context.Context) (time.Time, error) {
	var ts sql.NullString
	err := qs.q.QueryRowContext(ctx, `
		SELECT MAX(published_at) FROM feed_items WHERE published_at != ''
	`).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("latest published: %w", err)
	}
	at, _ := model.ParseTime(ts.String)
	return at, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFeedItem(row scanner) (model.FeedItem, error) {
	var item model.FeedItem
	var published, fetched string
	if err := row.Scan(
		&item.GUID, &item.Title, &item.Link, &item.Description, &item.Image,
		&published, &fetched,
	); err != nil {
		return model.FeedItem{}, err
	}
	item.PublishedAt, _ = model.ParseTime(published)
	item.FetchedAt, _ = model.ParseTime(fetched)
	return item, nil
}
