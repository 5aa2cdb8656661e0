package deck

import (
	"math/rand/v2"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/tim-projects/not-the-news-sub001/internal/model"
)

// MaxDeckSize caps a generated unread deck.
const MaxDeckSize = 10

// recentWindow is how old an item may be and still count as recent.
const recentWindow = 24 * time.Hour

const (
	longDescription = 750
	questionWindow  = 150
)

var hyperlink = regexp.MustCompile(`(?i)<a\s+href=`)

// Input is everything Generate looks at.
type Input struct {
	Items       []model.FeedItem
	Read        model.GUIDSet
	Starred     model.GUIDSet
	ShuffledOut model.GUIDSet
	FilterMode  string
	Online      bool
	// Blacklist holds lower-cased keywords. Items whose title, description
	// or guid contains one are never selected.
	Blacklist []string
	Now       time.Time
}

// Generator selects deck candidates.
//
// Generate is a pure function of its input and the random source; with a
// seeded source the output is reproducible.
type Generator struct {
	size int
	rng  *rand.Rand
}

// NewGenerator creates a Generator. A nil rng uses a randomly seeded
// source; size <= 0 means MaxDeckSize.
func NewGenerator(rng *rand.Rand, size int) *Generator {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if size <= 0 {
		size = MaxDeckSize
	}
	return &Generator{size: size, rng: rng}
}

// Seeded returns a Generator whose shuffles are determined by seed.
func Seeded(seed uint64, size int) *Generator {
	return NewGenerator(rand.New(rand.NewPCG(seed, seed)), size)
}

// Size returns the deck cap.
func (g *Generator) Size() int {
	return g.size
}

// Generate returns the candidate deck for in.
//
// In "read" and "starred" mode every matching item is returned, newest
// first and uncapped. Otherwise at most Size items are returned, newest
// first, without duplicate guids.
func (g *Generator) Generate(in Input) []model.FeedItem {
	items := newestFirst(in.Items)
	blocked := blacklist(in.Blacklist)

	switch in.FilterMode {
	case model.FilterRead:
		return filter(items, func(it model.FeedItem) bool { return in.Read.Has(it.GUID) })
	case model.FilterStarred:
		return filter(items, func(it model.FeedItem) bool { return in.Starred.Has(it.GUID) })
	}

	eligible := filter(items, func(it model.FeedItem) bool { return !blocked(it) })
	candidates := filter(eligible, func(it model.FeedItem) bool {
		return !in.Read.Has(it.GUID) && !in.ShuffledOut.Has(it.GUID)
	})
	if len(candidates) == 0 {
		candidates = filter(eligible, func(it model.FeedItem) bool { return !in.ShuffledOut.Has(it.GUID) })
	}

	var picked []model.FeedItem
	if in.Online {
		picked = g.online(in, eligible, candidates)
	} else {
		picked = g.offline(in, candidates)
	}
	return newestFirst(picked)
}

// online walks the heuristic buckets, then a shuffled remainder, then
// resurfaces shuffled-out unread items, then pads with any other unread
// item. Read items never pad the deck.
func (g *Generator) online(in Input, eligible, candidates []model.FeedItem) []model.FeedItem {
	d := newSelection(g.size)

	buckets := []struct {
		quota int
		match func(model.FeedItem) bool
	}{
		{2, func(it model.FeedItem) bool { return isRecent(it, in.Now) }},
		{1, hasHyperlink},
		{1, questionInTitle},
		{1, questionInHead},
		{1, questionInTail},
		{1, hasImage},
		{1, isLong},
		{1, isShort},
	}
	for _, b := range buckets {
		n := 0
		for _, it := range candidates {
			if n == b.quota || d.full() {
				break
			}
			if b.match(it) && d.add(it) {
				n++
			}
		}
	}

	remainder := filter(candidates, func(it model.FeedItem) bool { return !d.has(it) })
	g.rng.Shuffle(len(remainder), func(i, j int) { remainder[i], remainder[j] = remainder[j], remainder[i] })
	d.addAll(remainder)

	resurface := filter(eligible, func(it model.FeedItem) bool {
		return in.ShuffledOut.Has(it.GUID) && !in.Read.Has(it.GUID)
	})
	d.addAll(oldestFirst(resurface))
	d.addAll(oldestFirst(filter(eligible, func(it model.FeedItem) bool { return !in.Read.Has(it.GUID) })))
	return d.items
}

// offline prefers items that are useful without a connection: no
// questions, links or images. Rich items are restored only to fill the
// deck, images first, then links, then questions.
func (g *Generator) offline(in Input, candidates []model.FeedItem) []model.FeedItem {
	var pool, rich []model.FeedItem
	for _, it := range candidates {
		if hasImage(it) || hasHyperlink(it) || hasQuestion(it) {
			rich = append(rich, it)
		} else {
			pool = append(pool, it)
		}
	}

	if len(pool) < g.size {
		for _, restore := range []func(model.FeedItem) bool{hasImage, hasHyperlink, hasQuestion} {
			var keep []model.FeedItem
			for _, it := range rich {
				if len(pool) < g.size && restore(it) {
					pool = append(pool, it)
				} else {
					keep = append(keep, it)
				}
			}
			rich = keep
		}
	}

	d := newSelection(g.size)
	n := 0
	for _, it := range pool {
		if n == 2 || d.full() {
			break
		}
		if isRecent(it, in.Now) && d.add(it) {
			n++
		}
	}
	d.addAll(pool)
	return d.items
}

// selection is a bounded, duplicate-free list of picked items.
type selection struct {
	size  int
	items []model.FeedItem
	seen  model.GUIDSet
}

func newSelection(size int) *selection {
	return &selection{size: size, seen: model.GUIDSet{}}
}

func (s *selection) full() bool { return len(s.items) >= s.size }

func (s *selection) has(it model.FeedItem) bool { return s.seen.Has(it.GUID) }

func (s *selection) add(it model.FeedItem) bool {
	if s.full() || s.has(it) {
		return false
	}
	s.items = append(s.items, it)
	s.seen.Add(it.GUID)
	return true
}

func (s *selection) addAll(items []model.FeedItem) {
	for _, it := range items {
		if s.full() {
			return
		}
		s.add(it)
	}
}

func isRecent(it model.FeedItem, now time.Time) bool {
	return !it.PublishedAt.IsZero() && now.Sub(it.PublishedAt) <= recentWindow
}

func hasHyperlink(it model.FeedItem) bool {
	return hyperlink.MatchString(it.Description)
}

func questionInTitle(it model.FeedItem) bool {
	return strings.Contains(it.Title, "?")
}

// questionInHead and questionInTail only apply to descriptions of at least
// questionWindow characters.
func questionInHead(it model.FeedItem) bool {
	r := []rune(it.Description)
	return len(r) >= questionWindow && strings.ContainsRune(string(r[:questionWindow]), '?')
}

func questionInTail(it model.FeedItem) bool {
	r := []rune(it.Description)
	return len(r) >= questionWindow && strings.ContainsRune(string(r[len(r)-questionWindow:]), '?')
}

func hasQuestion(it model.FeedItem) bool {
	return questionInTitle(it) || questionInHead(it) || questionInTail(it)
}

func hasImage(it model.FeedItem) bool {
	return it.Image != ""
}

func isLong(it model.FeedItem) bool {
	return len([]rune(it.Description)) >= longDescription
}

func isShort(it model.FeedItem) bool {
	n := len([]rune(it.Description))
	return n > 0 && n < longDescription
}

func blacklist(keywords []string) func(model.FeedItem) bool {
	if len(keywords) == 0 {
		return func(model.FeedItem) bool { return false }
	}
	return func(it model.FeedItem) bool {
		text := strings.ToLower(it.Title + " " + it.Description + " " + it.GUID)
		for _, kw := range keywords {
			if kw != "" && strings.Contains(text, kw) {
				return true
			}
		}
		return false
	}
}

func filter(items []model.FeedItem, keep func(model.FeedItem) bool) []model.FeedItem {
	var out []model.FeedItem
	for _, it := range items {
		if keep(it) {
			out = append(out, it)
		}
	}
	return out
}

// newestFirst sorts a copy by publication time, newest first, ties by guid.
func newestFirst(items []model.FeedItem) []model.FeedItem {
	out := slices.Clone(items)
	slices.SortStableFunc(out, func(a, b model.FeedItem) int {
		if c := b.PublishedAt.Compare(a.PublishedAt); c != 0 {
			return c
		}
		return strings.Compare(a.GUID, b.GUID)
	})
	return out
}

// oldestFirst sorts a copy by publication time, oldest first, ties by guid.
func oldestFirst(items []model.FeedItem) []model.FeedItem {
	out := slices.Clone(items)
	slices.SortStableFunc(out, func(a, b model.FeedItem) int {
		if c := a.PublishedAt.Compare(b.PublishedAt); c != 0 {
			return c
		}
		return strings.Compare(a.GUID, b.GUID)
	})
	return out
}
