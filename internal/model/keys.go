package model

import (
	"encoding/json"
	"sort"
)

// State keys.
const (
	KeyRead             = "read"
	KeyStarred          = "starred"
	KeyShuffledOut      = "shuffledOutGuids"
	KeyCurrentDeck      = "currentDeckGuids"
	KeySyncEnabled      = "syncEnabled"
	KeyFilterMode       = "filterMode"
	KeyShuffleCount     = "shuffleCount"
	KeyLastShuffleReset = "lastShuffleResetDate"
	KeyKeywordBlacklist = "keywordBlacklist"
	KeyRSSFeeds         = "rssFeeds"
	KeyTheme            = "theme"
	KeyImagesEnabled    = "imagesEnabled"
	KeyOpenInNewTab     = "openUrlsInNewTabEnabled"

	KeyFontSize          = "fontSize"
	KeyLastStateSync     = "lastStateSync"
	KeyLastFeedSync      = "lastFeedSync"
	KeyPregenOnlineDeck  = "pregeneratedOnlineDeck"
	KeyPregenOfflineDeck = "pregeneratedOfflineDeck"
)

// Filter modes.
const (
	FilterUnread  = "unread"
	FilterRead    = "read"
	FilterStarred = "starred"
	FilterAll     = "all"
)

// Kind distinguishes list keys (mark collections) from scalar settings.
type Kind int

const (
	KindScalar Kind = iota
	KindList
)

func (k Kind) String() string {
	if k == KindList {
		return "list"
	}
	return "scalar"
}

// SyncMode selects how a pulled list payload is reconciled.
type SyncMode int

const (
	ModeMerge SyncMode = iota
	ModeReplace
)

func (m SyncMode) String() string {
	if m == ModeReplace {
		return "replace"
	}
	return "merge"
}

// KeyDef describes one piece of user state.
type KeyDef struct {
	Name      string
	Kind      Kind
	LocalOnly bool
	Mode      SyncMode
	// TimeField is the JSON name of the per-entry timestamp for list keys.
	TimeField string
	Default   json.RawMessage
}

var registry = indexKeys(
	KeyDef{Name: KeyRead, Kind: KindList, Mode: ModeMerge, TimeField: "readAt", Default: json.RawMessage(`[]`)},
	KeyDef{Name: KeyStarred, Kind: KindList, Mode: ModeMerge, TimeField: "starredAt", Default: json.RawMessage(`[]`)},
	KeyDef{Name: KeyShuffledOut, Kind: KindList, Mode: ModeMerge, TimeField: "shuffledAt", Default: json.RawMessage(`[]`)},
	KeyDef{Name: KeyCurrentDeck, Kind: KindList, Mode: ModeReplace, TimeField: "addedAt", Default: json.RawMessage(`[]`)},
	KeyDef{Name: KeySyncEnabled, Default: json.RawMessage(`true`)},
	KeyDef{Name: KeyFilterMode, Default: json.RawMessage(`"unread"`)},
	KeyDef{Name: KeyShuffleCount, Default: json.RawMessage(`2`)},
	KeyDef{Name: KeyLastShuffleReset, Default: json.RawMessage(`null`)},
	KeyDef{Name: KeyKeywordBlacklist, Default: json.RawMessage(`[]`)},
	KeyDef{Name: KeyRSSFeeds, Default: json.RawMessage(`{}`)},
	KeyDef{Name: KeyTheme, Default: json.RawMessage(`"dark"`)},
	KeyDef{Name: KeyImagesEnabled, Default: json.RawMessage(`true`)},
	KeyDef{Name: KeyOpenInNewTab, Default: json.RawMessage(`true`)},

	KeyDef{Name: KeyFontSize, LocalOnly: true, Default: json.RawMessage(`100`)},
	KeyDef{Name: KeyLastStateSync, LocalOnly: true, Default: json.RawMessage(`null`)},
	KeyDef{Name: KeyLastFeedSync, LocalOnly: true, Default: json.RawMessage(`null`)},
	KeyDef{Name: KeyPregenOnlineDeck, LocalOnly: true, Default: json.RawMessage(`null`)},
	KeyDef{Name: KeyPregenOfflineDeck, LocalOnly: true, Default: json.RawMessage(`null`)},
)

func indexKeys(defs ...KeyDef) map[string]KeyDef {
	m := make(map[string]KeyDef, len(defs))
	for _, d := range defs {
		m[d.Name] = d
	}
	return m
}

// Lookup returns the definition of a key.
func Lookup(key string) (KeyDef, bool) {
	def, ok := registry[key]
	return def, ok
}

// IsList reports whether key is a registered list key.
func IsList(key string) bool {
	def, ok := registry[key]
	return ok && def.Kind == KindList
}

// SyncKeys returns every key that is synchronised with the server, sorted
// by name.
func SyncKeys() []KeyDef {
	defs := make([]KeyDef, 0, len(registry))
	for _, def := range registry {
		if !def.LocalOnly {
			defs = append(defs, def)
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// ListKeys returns the registered list keys, sorted by name.
func ListKeys() []KeyDef {
	var defs []KeyDef
	for _, def := range registry {
		if def.Kind == KindList {
			defs = append(defs, def)
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}
