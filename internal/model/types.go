package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// FeedItem is one article of the feed corpus. Identity is the normalised
// guid. Items are replaced wholesale on re-fetch, never patched.
type FeedItem struct {
	GUID        string
	Title       string
	Link        string
	Description string
	Image       string
	PublishedAt time.Time
	FetchedAt   time.Time
}

type feedItemWire struct {
	GUID        string   `json:"guid"`
	Title       string   `json:"title"`
	Link        string   `json:"link"`
	Description string   `json:"description"`
	Image       string   `json:"image,omitempty"`
	PubDate     WireTime `json:"pubDate"`
	Timestamp   int64    `json:"timestamp,omitempty"`
	FetchedAt   WireTime `json:"fetchedAt,omitzero"`
}

// MarshalJSON encodes the item in the remote API shape.
func (f FeedItem) MarshalJSON() ([]byte, error) {
	w := feedItemWire{
		GUID:        f.GUID,
		Title:       f.Title,
		Link:        f.Link,
		Description: f.Description,
		Image:       f.Image,
		PubDate:     WireTime{f.PublishedAt},
		FetchedAt:   WireTime{f.FetchedAt},
	}
	if !f.PublishedAt.IsZero() {
		w.Timestamp = f.PublishedAt.UnixMilli()
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the remote API shape. A missing pubDate falls back
// to the millisecond timestamp field.
func (f *FeedItem) UnmarshalJSON(data []byte) error {
	var w feedItemWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	published := w.PubDate.Time
	if published.IsZero() && w.Timestamp > 0 {
		published = time.UnixMilli(w.Timestamp).UTC()
	}
	*f = FeedItem{
		GUID:        w.GUID,
		Title:       w.Title,
		Link:        w.Link,
		Description: w.Description,
		Image:       w.Image,
		PublishedAt: published,
		FetchedAt:   w.FetchedAt.Time,
	}
	return nil
}

// Mark is one entry of a list key: a read, starred, shuffled-out or deck
// membership record. At is readAt/starredAt/shuffledAt/addedAt depending on
// the collection.
type Mark struct {
	GUID string
	At   time.Time
}

// ReadItem, StarredItem, ShuffledOutItem and DeckItem are all Marks; the
// names exist for readability at call sites.
type (
	ReadItem        = Mark
	StarredItem     = Mark
	ShuffledOutItem = Mark
	DeckItem        = Mark
)

// Setting is a scalar key/value with its optimistic concurrency marker.
type Setting struct {
	Key          string
	Value        json.RawMessage
	LastModified string
}

// OpType names the kind of pending operation.
type OpType string

const (
	OpSimpleUpdate OpType = "simpleUpdate"
	OpReadDelta    OpType = "readDelta"
	OpStarDelta    OpType = "starDelta"
)

// Action is the direction of a delta operation.
type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
)

// PendingOperation is a local mutation not yet acknowledged by the server.
// ID is assigned by the ledger and never reused.
type PendingOperation struct {
	ID        int64           `json:"id,omitempty"`
	Type      OpType          `json:"type"`
	Key       string          `json:"key,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	GUID      string          `json:"guid,omitempty"`
	Action    Action          `json:"action,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrInvalidOperation is returned by Validate for operations that must
// never be queued.
var ErrInvalidOperation = errors.New("invalid pending operation")

// Validate rejects operations with an empty payload.
func (op PendingOperation) Validate() error {
	switch op.Type {
	case OpSimpleUpdate:
		if op.Key == "" {
			return fmt.Errorf("%w: simpleUpdate without key", ErrInvalidOperation)
		}
		if len(op.Value) == 0 || string(op.Value) == "null" {
			return fmt.Errorf("%w: simpleUpdate %q without value", ErrInvalidOperation, op.Key)
		}
	case OpReadDelta, OpStarDelta:
		if NormalizeGUID(op.GUID) == "" {
			return fmt.Errorf("%w: %s without guid", ErrInvalidOperation, op.Type)
		}
		if op.Action != ActionAdd && op.Action != ActionRemove {
			return fmt.Errorf("%w: %s with action %q", ErrInvalidOperation, op.Type, op.Action)
		}
	case "":
		return fmt.Errorf("%w: missing type", ErrInvalidOperation)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Type)
	}
	return nil
}

// AffectedKey returns the state key the operation mutates.
func (op PendingOperation) AffectedKey() string {
	if op.Key != "" {
		return op.Key
	}
	switch op.Type {
	case OpReadDelta:
		return KeyRead
	case OpStarDelta:
		return KeyStarred
	}
	return ""
}
