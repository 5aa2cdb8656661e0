package model

import (
	"encoding/json"
	"fmt"
	"time"
)

var markTimeFields = []string{"readAt", "starredAt", "shuffledAt", "addedAt", "timestamp"}

// DecodeMarks decodes a list payload whose entries are either bare guid
// strings (legacy form) or objects carrying a guid and a timestamp.
// Legacy strings and objects without a parseable timestamp get fallback as
// their time. Entries with an empty guid, entries of any other shape, and
// duplicates (by normalised guid, first wins) are dropped.
func DecodeMarks(raw json.RawMessage, fallback time.Time) ([]Mark, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode marks: %w", err)
	}
	seen := make(GUIDSet, len(entries))
	marks := make([]Mark, 0, len(entries))
	for _, entry := range entries {
		m, ok := decodeMark(entry, fallback)
		if !ok || seen.Has(m.GUID) {
			continue
		}
		seen.Add(m.GUID)
		marks = append(marks, m)
	}
	return marks, nil
}

func decodeMark(entry json.RawMessage, fallback time.Time) (Mark, bool) {
	var guid string
	if err := json.Unmarshal(entry, &guid); err == nil {
		guid = NormalizeGUID(guid)
		return Mark{GUID: guid, At: fallback}, guid != ""
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(entry, &obj); err != nil {
		return Mark{}, false
	}
	if err := json.Unmarshal(obj["guid"], &guid); err != nil {
		return Mark{}, false
	}
	guid = NormalizeGUID(guid)
	if guid == "" {
		return Mark{}, false
	}
	at := fallback
	for _, field := range markTimeFields {
		raw, ok := obj[field]
		if !ok {
			continue
		}
		var wt WireTime
		if err := wt.UnmarshalJSON(raw); err == nil && !wt.IsZero() {
			at = wt.Time
			break
		}
	}
	return Mark{GUID: guid, At: at}, true
}

// MarshalMarks encodes marks as the structured list payload of key, using
// the key's timestamp field name.
func MarshalMarks(key string, marks []Mark) (json.RawMessage, error) {
	field := "timestamp"
	if def, ok := Lookup(key); ok && def.TimeField != "" {
		field = def.TimeField
	}
	out := make([]map[string]string, 0, len(marks))
	for _, m := range marks {
		out = append(out, map[string]string{
			"guid": m.GUID,
			field:  FormatTime(m.At),
		})
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal marks %s: %w", key, err)
	}
	return data, nil
}

// LatestMark returns the newest timestamp among marks, or the zero time.
func LatestMark(marks []Mark) time.Time {
	var latest time.Time
	for _, m := range marks {
		if m.At.After(latest) {
			latest = m.At
		}
	}
	return latest
}
