package model

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeGUID returns the identity form of a guid: trimmed, NFC
// normalised and lower-cased. Two guids name the same item iff their
// normalised forms are equal.
func NormalizeGUID(guid string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(guid)))
}

// GUIDSet is a set of normalised guids.
type GUIDSet map[string]struct{}

// NewGUIDSet builds a set from raw guids, normalising each one and
// skipping empties.
func NewGUIDSet(guids ...string) GUIDSet {
	set := make(GUIDSet, len(guids))
	for _, g := range guids {
		set.Add(g)
	}
	return set
}

// MarkSet builds a set from the guids of the given marks.
func MarkSet(marks []Mark) GUIDSet {
	set := make(GUIDSet, len(marks))
	for _, m := range marks {
		set.Add(m.GUID)
	}
	return set
}

// Add inserts a guid after normalising it.
func (s GUIDSet) Add(guid string) {
	if g := NormalizeGUID(guid); g != "" {
		s[g] = struct{}{}
	}
}

// Has reports whether the normalised guid is present.
func (s GUIDSet) Has(guid string) bool {
	_, ok := s[NormalizeGUID(guid)]
	return ok
}
