package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tim-projects/not-the-news-sub001/internal/model"
)

// maxServerBatch mirrors the server's batch limit for POST /profile.
const maxServerBatch = 25

// serverEpoch is the base of the fake server's logical clock.
var serverEpoch = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

// ProfileServer is an in-memory implementation of the profile and feed API
// served over httptest.
//
// Every successful write advances a logical server clock by one second, so
// lastModified markers and serverTime values are deterministic and
// strictly increasing.
//
// Thread-safety: All methods and handlers are safe for concurrent use.
type ProfileServer struct {
	*httptest.Server

	mu        sync.Mutex
	token     string
	seq       int
	state     map[string]serverValue
	items     map[string]model.FeedItem
	rejected  map[string]string
	throttled bool
	down      bool
	requests  []string
	pushed    []model.PendingOperation
}

type serverValue struct {
	value        json.RawMessage
	lastModified string
}

// NewProfileServer starts a server accepting token as bearer credential.
// The server is closed when the test ends.
func NewProfileServer(t testing.TB, token string) *ProfileServer {
	s := StartProfileServer(token)
	t.Cleanup(s.Close)
	return s
}

// StartProfileServer starts a server outside of a test. The caller closes
// it.
func StartProfileServer(token string) *ProfileServer {
	s := &ProfileServer{
		token:    token,
		state:    map[string]serverValue{},
		items:    map[string]model.FeedItem{},
		rejected: map[string]string{},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.record)
	r.Use(s.outage)
	r.Use(s.auth)
	r.Get("/profile/{key}", s.handleGetProfile)
	r.Post("/profile", s.handlePostProfile)
	r.Get("/feed-guids", s.handleFeedGUIDs)
	r.Post("/feed-items", s.handleFeedItems)
	r.Post("/refresh", s.handleRefresh)

	s.Server = httptest.NewServer(r)
	return s
}

// SetState stores value for key and returns the new lastModified marker.
func (s *ProfileServer) SetState(key string, value any) string {
	raw, err := json.Marshal(value)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(key, raw)
}

// SetMarks stores a list key from guids, each stamped with at.
func (s *ProfileServer) SetMarks(key string, at time.Time, guids ...string) string {
	marks := make([]model.Mark, 0, len(guids))
	for _, g := range guids {
		marks = append(marks, model.Mark{GUID: g, At: at})
	}
	raw, err := model.MarshalMarks(key, marks)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(key, raw)
}

// State returns the stored value and lastModified of key.
func (s *ProfileServer) State(key string) (json.RawMessage, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.state[key]
	return v.value, v.lastModified
}

// MarkGUIDs returns the guids stored under a list key.
func (s *ProfileServer) MarkGUIDs(key string) []string {
	raw, _ := s.State(key)
	marks, _ := model.DecodeMarks(raw, time.Time{})
	guids := make([]string, 0, len(marks))
	for _, m := range marks {
		guids = append(guids, m.GUID)
	}
	slices.Sort(guids)
	return guids
}

// AddItems adds feed items to the server corpus.
func (s *ProfileServer) AddItems(items ...model.FeedItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		item.GUID = model.NormalizeGUID(item.GUID)
		s.items[item.GUID] = item
	}
}

// RemoveItems deletes feed items from the server corpus.
func (s *ProfileServer) RemoveItems(guids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range guids {
		delete(s.items, model.NormalizeGUID(g))
	}
}

// Reject makes every pushed delta for guid fail with reason.
func (s *ProfileServer) Reject(guid, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[model.NormalizeGUID(guid)] = reason
}

// SetThrottled makes POST /refresh answer 429.
func (s *ProfileServer) SetThrottled(throttled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.throttled = throttled
}

// SetDown makes every request fail at the transport level.
func (s *ProfileServer) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// Requests returns "METHOD /path" for every request received, in order.
func (s *ProfileServer) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

// CountRequests returns how many received requests start with prefix.
func (s *ProfileServer) CountRequests(prefix string) int {
	n := 0
	for _, r := range s.Requests() {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

// Pushed returns every operation received by POST /profile.
func (s *ProfileServer) Pushed() []model.PendingOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.pushed)
}

// put stores raw under key. Caller holds mu.
func (s *ProfileServer) put(key string, raw json.RawMessage) string {
	lm := s.tick()
	s.state[key] = serverValue{value: raw, lastModified: lm}
	return lm
}

// tick advances the logical clock. Caller holds mu.
func (s *ProfileServer) tick() string {
	s.seq++
	return model.FormatTime(serverEpoch.Add(time.Duration(s.seq) * time.Second))
}

func (s *ProfileServer) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.Method+" "+r.URL.Path)
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *ProfileServer) outage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		down := s.down
		s.mu.Unlock()
		if !down {
			next.ServeHTTP(w, r)
			return
		}
		hj, ok := w.(http.Hijacker)
		if !ok {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			conn.Close()
		}
	})
}

func (s *ProfileServer) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *ProfileServer) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	s.mu.Lock()
	v, ok := s.state[key]
	s.mu.Unlock()

	if inm := r.Header.Get("If-None-Match"); inm != "" && ok && inm == v.lastModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	resp := map[string]any{"value": v.value, "lastModified": v.lastModified}
	if since, ok := model.ParseTime(r.URL.Query().Get("since")); ok && model.IsList(key) {
		marks, err := model.DecodeMarks(v.value, time.Time{})
		if err == nil {
			var newer []model.Mark
			for _, m := range marks {
				if m.At.After(since) {
					newer = append(newer, m)
				}
			}
			filtered, _ := model.MarshalMarks(key, newer)
			resp["value"] = filtered
			resp["partial"] = true
		}
	}
	writeJSON(w, resp)
}

func (s *ProfileServer) handlePostProfile(w http.ResponseWriter, r *http.Request) {
	var ops []model.PendingOperation
	if err := json.NewDecoder(r.Body).Decode(&ops); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if len(ops) > maxServerBatch {
		http.Error(w, "Too many operations in batch", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pushed = append(s.pushed, ops...)
	results := make([]map[string]any, 0, len(ops))
	for _, op := range ops {
		if reason, ok := s.rejected[model.NormalizeGUID(op.GUID)]; ok && op.GUID != "" {
			results = append(results, map[string]any{"id": op.ID, "status": "failed", "reason": reason})
			continue
		}
		switch op.Type {
		case model.OpSimpleUpdate:
			lm := s.put(op.Key, op.Value)
			results = append(results, map[string]any{"id": op.ID, "status": "success", "lastModified": lm})
		case model.OpReadDelta, model.OpStarDelta:
			key := op.AffectedKey()
			marks, _ := model.DecodeMarks(s.state[key].value, time.Time{})
			guid := model.NormalizeGUID(op.GUID)
			marks = slices.DeleteFunc(marks, func(m model.Mark) bool { return m.GUID == guid })
			if op.Action == model.ActionAdd {
				marks = append(marks, model.Mark{GUID: guid, At: op.Timestamp})
			}
			raw, _ := model.MarshalMarks(key, marks)
			lm := s.put(key, raw)
			results = append(results, map[string]any{"id": op.ID, "status": "success", "lastModified": lm})
		default:
			results = append(results, map[string]any{"id": op.ID, "status": "failed", "reason": "unknown operation type"})
		}
	}
	writeJSON(w, map[string]any{"status": "ok", "results": results, "serverTime": s.tick()})
}

func (s *ProfileServer) handleFeedGUIDs(w http.ResponseWriter, r *http.Request) {
	since, hasSince := model.ParseTime(r.URL.Query().Get("since"))

	s.mu.Lock()
	defer s.mu.Unlock()

	guids := []string{}
	for guid, item := range s.items {
		if hasSince && !item.PublishedAt.After(since) {
			continue
		}
		guids = append(guids, guid)
	}
	slices.Sort(guids)
	writeJSON(w, map[string]any{"guids": guids, "serverTime": s.tick()})
}

func (s *ProfileServer) handleFeedItems(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GUIDs []string `json:"guids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	items := []model.FeedItem{}
	for _, g := range req.GUIDs {
		if item, ok := s.items[model.NormalizeGUID(g)]; ok {
			items = append(items, item)
		}
	}
	writeJSON(w, items)
}

func (s *ProfileServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Since json.Number `json:"since"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	since, _ := strconv.ParseInt(req.Since.String(), 10, 64)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.throttled {
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	type delta struct {
		GUID string `json:"guid"`
	}
	items := []delta{}
	for guid, item := range s.items {
		if item.PublishedAt.UnixMilli() > since {
			items = append(items, delta{GUID: guid})
		}
	}
	slices.SortFunc(items, func(a, b delta) int { return strings.Compare(a.GUID, b.GUID) })
	writeJSON(w, map[string]any{"items": items})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
