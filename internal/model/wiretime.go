package model

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// WireTime is a time.Time that decodes from any of the representations the
// remote API and legacy local data use: RFC 3339, RFC 1123 (with or without
// numeric zone), a bare date, or a number of Unix milliseconds. Unparseable
// values decode to the zero time instead of failing the whole payload.
// It always encodes as RFC 3339 in UTC.
type WireTime struct {
	time.Time
}

var wireLayouts = []string{
	time.RFC3339Nano,
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTime parses a textual timestamp using the layouts accepted on the
// wire. A string of digits is taken as Unix milliseconds.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), true
	}
	for _, layout := range wireLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// FormatTime renders t the way it is stored and sent: RFC 3339 with
// millisecond precision in UTC. The zero time renders as "".
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func (w WireTime) MarshalJSON() ([]byte, error) {
	if w.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(FormatTime(w.Time))
}

func (w *WireTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	w.Time = time.Time{}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if t, ok := ParseTime(s); ok {
			w.Time = t
		}
		return nil
	}
	var ms float64
	if err := json.Unmarshal(data, &ms); err != nil {
		return nil
	}
	if ms > 0 {
		w.Time = time.UnixMilli(int64(ms)).UTC()
	}
	return nil
}
