// Package remote is the HTTP client for the profile and feed API.
//
// Every request carries "Authorization: Bearer <token>" and runs under a
// per-request timeout. A missing credential aborts the call with ErrNoToken
// before anything is sent.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tim-projects/not-the-news-sub001/internal/model"
)

// DefaultTimeout bounds each request.
const DefaultTimeout = 10 * time.Second

// maxErrorBody caps how much of an error response is kept in StatusError.
const maxErrorBody = 512

// Client talks to the remote profile store.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the API rooted at baseURL.
func New(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
		tokens:  tokens,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tokens == nil {
		c.tokens = StaticToken("")
	}
	return c
}

// GetProfileKey fetches one state key. ifNoneMatch, when non-empty, is sent
// as If-None-Match and a 304 answer yields ErrNotModified. since, when
// non-empty, asks the server for entries newer than the cursor only; the
// answer then has Partial set. A 404 yields ErrNotFound.
func (c *Client) GetProfileKey(ctx context.Context, key, since, ifNoneMatch string) (ProfileValue, error) {
	query := url.Values{}
	if since != "" {
		query.Set("since", since)
	}
	header := http.Header{}
	if ifNoneMatch != "" {
		header.Set("If-None-Match", ifNoneMatch)
	}

	var out ProfileValue
	status, err := c.do(ctx, http.MethodGet, "/profile/"+url.PathEscape(key), query, header, nil, &out)
	switch {
	case err != nil:
		return ProfileValue{}, err
	case status == http.StatusNotModified:
		return ProfileValue{}, ErrNotModified
	}
	return out, nil
}

// Push sends a batch of operations, each tagged with its ledger id.
func (c *Client) Push(ctx context.Context, ops []model.PendingOperation) (PushResponse, error) {
	var out PushResponse
	if _, err := c.do(ctx, http.MethodPost, "/profile", nil, nil, ops, &out); err != nil {
		return PushResponse{}, err
	}
	return out, nil
}

// FeedGUIDs lists the server's feed guids, newer than since when non-empty.
func (c *Client) FeedGUIDs(ctx context.Context, since string) (FeedGUIDs, error) {
	query := url.Values{}
	if since != "" {
		query.Set("since", since)
	}
	var out FeedGUIDs
	if _, err := c.do(ctx, http.MethodGet, "/feed-guids", query, nil, nil, &out); err != nil {
		return FeedGUIDs{}, err
	}
	return out, nil
}

// FeedItems fetches full items by guid.
func (c *Client) FeedItems(ctx context.Context, guids []string) ([]model.FeedItem, error) {
	var out feedItemsResponse
	if _, err := c.do(ctx, http.MethodPost, "/feed-items", nil, nil, feedItemsRequest{GUIDs: guids}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Refresh asks for items newer than since. A 429 yields ErrThrottled.
func (c *Client) Refresh(ctx context.Context, since time.Time) (RefreshResponse, error) {
	req := refreshRequest{}
	if !since.IsZero() {
		req.Since = since.UnixMilli()
	}
	var out RefreshResponse
	if _, err := c.do(ctx, http.MethodPost, "/refresh", nil, nil, req, &out); err != nil {
		return RefreshResponse{}, err
	}
	return out, nil
}

// do sends one request and decodes a 2xx JSON body into out. It returns
// the status code; 304 is returned without error and without decoding.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, header http.Header, body, out any) (int, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s %s: token: %w", method, path, err)
	}
	if token == "" {
		return 0, fmt.Errorf("%s %s: %w", method, path, ErrNoToken)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("%s %s: encode body: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("remote request", "method", method, "path", path, "status", resp.StatusCode)

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return resp.StatusCode, nil
	case resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests:
		return resp.StatusCode, fmt.Errorf("%s %s: %w", method, path, ErrThrottled)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, &StatusError{
			Method: method,
			Path:   path,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(msg)),
		}
	}

	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return resp.StatusCode, nil
}
