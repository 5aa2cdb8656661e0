// Package feedparse turns RSS, Atom and JSON feeds into FeedItems.
package feedparse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/tim-projects/not-the-news-sub001/internal/clock"
	"github.com/tim-projects/not-the-news-sub001/internal/model"
)

const feedAcceptHeader = "application/atom+xml, application/rss+xml, application/feed+json, application/xml;q=0.9, text/xml;q=0.8, */*;q=0.5"

// ErrEmptySource is returned for a blank path or URL.
var ErrEmptySource = errors.New("feed source is empty")

type acceptTransport struct {
	base http.RoundTripper
}

func (t acceptTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	clone := req.Clone(req.Context())
	if clone.Header.Get("Accept") == "" {
		clone.Header.Set("Accept", feedAcceptHeader)
	}
	return base.RoundTrip(clone)
}

// Parser reads feeds from files or URLs.
type Parser struct {
	fp    *gofeed.Parser
	clock clock.Clock
}

// New creates a Parser. A nil clock uses the system clock.
func New(clk clock.Clock) *Parser {
	fp := gofeed.NewParser()
	fp.UserAgent = "ntn/1.0"
	fp.Client = &http.Client{Timeout: 30 * time.Second, Transport: acceptTransport{base: http.DefaultTransport}}
	return &Parser{fp: fp, clock: clock.Or(clk)}
}

// Load parses source, which is an http(s) URL or a file path.
func (p *Parser) Load(ctx context.Context, source string) ([]model.FeedItem, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, ErrEmptySource
	}
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		feed, err := p.fp.ParseURLWithContext(source, ctx)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", source, err)
		}
		return Items(feed, p.clock.Now()), nil
	}

	f, err := os.Open(source)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	items, err := p.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", source, err)
	}
	return items, nil
}

// Parse reads one feed document.
func (p *Parser) Parse(r io.Reader) ([]model.FeedItem, error) {
	feed, err := p.fp.Parse(r)
	if err != nil {
		return nil, err
	}
	return Items(feed, p.clock.Now()), nil
}

// Items maps parsed entries to FeedItems stamped with fetchedAt. Entries
// without a guid are identified by their link, then their title; entries
// with none of the three are dropped.
func Items(feed *gofeed.Feed, fetchedAt time.Time) []model.FeedItem {
	items := make([]model.FeedItem, 0, len(feed.Items))
	for _, it := range feed.Items {
		if it == nil {
			continue
		}
		guid := model.NormalizeGUID(firstNonEmpty(it.GUID, it.Link, it.Title))
		if guid == "" {
			continue
		}
		description := firstNonEmpty(it.Description, it.Content)
		items = append(items, model.FeedItem{
			GUID:        guid,
			Title:       strings.TrimSpace(it.Title),
			Link:        strings.TrimSpace(it.Link),
			Description: description,
			Image:       image(it, description),
			PublishedAt: published(it, fetchedAt),
			FetchedAt:   fetchedAt,
		})
	}
	return items
}

func published(it *gofeed.Item, fallback time.Time) time.Time {
	switch {
	case it.PublishedParsed != nil:
		return it.PublishedParsed.UTC()
	case it.UpdatedParsed != nil:
		return it.UpdatedParsed.UTC()
	}
	return fallback
}

func image(it *gofeed.Item, description string) string {
	if it.Image != nil && it.Image.URL != "" {
		return it.Image.URL
	}
	for _, enc := range it.Enclosures {
		if enc != nil && strings.HasPrefix(enc.Type, "image/") && enc.URL != "" {
			return enc.URL
		}
	}
	return FirstImage(description)
}

// FirstImage returns the src of the first <img> in an HTML fragment, or "".
func FirstImage(html string) string {
	if !strings.Contains(strings.ToLower(html), "<img") {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	src, _ := doc.Find("img[src]").First().Attr("src")
	return strings.TrimSpace(src)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
