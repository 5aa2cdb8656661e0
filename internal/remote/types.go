package remote

import (
	"encoding/json"

	"github.com/tim-projects/not-the-news-sub001/internal/model"
)

// ProfileValue is the body of GET /profile/{key}.
type ProfileValue struct {
	Value        json.RawMessage `json:"value"`
	LastModified string          `json:"lastModified"`
	// Partial is true when the server filtered the list by the since
	// cursor, so deletions cannot be inferred.
	Partial bool `json:"partial,omitempty"`
}

// Operation outcome statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// PushResult is the server's outcome for one pushed operation.
type PushResult struct {
	ID           int64  `json:"id"`
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
	LastModified string `json:"lastModified,omitempty"`
}

// Succeeded reports whether the server acknowledged the operation.
func (r PushResult) Succeeded() bool {
	return r.Status == StatusSuccess
}

// PushResponse is the body of POST /profile.
type PushResponse struct {
	Results    []PushResult `json:"results"`
	ServerTime string       `json:"serverTime"`
}

// FeedGUIDs is the body of GET /feed-guids.
type FeedGUIDs struct {
	GUIDs      []string `json:"guids"`
	ServerTime string   `json:"serverTime"`
}

// DeltaItem is a guid-only pointer returned by POST /refresh.
type DeltaItem struct {
	GUID string `json:"guid"`
}

// RefreshResponse is the body of POST /refresh.
type RefreshResponse struct {
	Items []DeltaItem `json:"items"`
}

type feedItemsRequest struct {
	GUIDs []string `json:"guids"`
}

type refreshRequest struct {
	Since int64 `json:"since"`
}

// feedItemsResponse accepts both a bare array and {"items": [...]}.
type feedItemsResponse []model.FeedItem

func (r *feedItemsResponse) UnmarshalJSON(data []byte) error {
	var items []model.FeedItem
	if err := json.Unmarshal(data, &items); err == nil {
		*r = items
		return nil
	}
	var wrapped struct {
		Items []model.FeedItem `json:"items"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return err
	}
	*r = wrapped.Items
	return nil
}
