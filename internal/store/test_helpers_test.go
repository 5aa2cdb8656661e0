package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/tim-projects/not-the-news-sub001/internal/model"
)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// markID returns the row id of a mark, or 0 if absent.
func markID(t *testing.T, s *Store, collection, guid string) int64 {
	t.Helper()
	var id int64
	err := s.db.QueryRow(`SELECT id FROM marks WHERE collection = ? AND guid = ?`, collection, guid).Scan(&id)
	if err != nil {
		return 0
	}
	return id
}

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testItem(guid string, published time.Time) model.FeedItem {
	return model.FeedItem{
		GUID:        guid,
		Title:       "title " + guid,
		Link:        "https://example.com/" + guid,
		Description: "description of " + guid,
		PublishedAt: published,
		FetchedAt:   testTime,
	}
}
