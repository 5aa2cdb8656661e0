package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tim-projects/not-the-news-sub001/internal/model"
)

// DefaultStart is the fake wall clock of a scenario that sets none.
var DefaultStart = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

// Scenario defines a conformance test scenario: a seeded device and
// server, a sequence of steps run against the real components, and
// assertions on the trace and the final state.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// CycleToken prefixes the counted tokens that tag each sync cycle's log
	// lines.
	CycleToken string `yaml:"cycle_token,omitempty"`

	// Start is the RFC 3339 wall clock at the first step.
	Start string `yaml:"start,omitempty"`

	// Seed seeds the deck generator. Zero uses seed 1.
	Seed uint64 `yaml:"seed,omitempty"`

	// DeckSize overrides the deck size.
	DeckSize int `yaml:"deck_size,omitempty"`

	// Offline starts the device disconnected.
	Offline bool `yaml:"offline,omitempty"`

	// Items seeds the feed corpus.
	Items []ItemFixture `yaml:"items,omitempty"`

	// Local and Server preset user state by key. List keys take a list of
	// guids; scalar keys take any YAML value.
	Local  map[string]any `yaml:"local,omitempty"`
	Server map[string]any `yaml:"server,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// ItemFixture is one seeded feed item.
type ItemFixture struct {
	GUID        string `yaml:"guid"`
	Title       string `yaml:"title,omitempty"`
	Link        string `yaml:"link,omitempty"`
	Description string `yaml:"description,omitempty"`
	Image       string `yaml:"image,omitempty"`

	// Age is how long before Start the item was published, e.g. "3h".
	Age string `yaml:"age,omitempty"`

	// On selects where the item exists: "both" (default), "local" or
	// "server".
	On string `yaml:"on,omitempty"`
}

// Item placements.
const (
	OnBoth   = "both"
	OnLocal  = "local"
	OnServer = "server"
)

// Step is one action of the flow.
type Step struct {
	// Do names the action, e.g. "mark" or "push".
	Do string `yaml:"do"`

	Args map[string]any `yaml:"args,omitempty"`

	// Expect checks the outcome. If nil, only an unexpected error fails
	// the step.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected outcome of a step.
type ExpectClause struct {
	// Case is the expected outcome: ok, error or no_shuffles_left.
	Case string `yaml:"case"`

	// Result is a subset match on the step's result fields.
	Result map[string]any `yaml:"result,omitempty"`
}

// Step actions.
const (
	StepMark           = "mark"
	StepSet            = "set"
	StepPush           = "push"
	StepPull           = "pull"
	StepFlush          = "flush"
	StepGoOffline      = "go_offline"
	StepGoOnline       = "go_online"
	StepServerDown     = "server_down"
	StepServerUp       = "server_up"
	StepServerSet      = "server_set"
	StepServerReject   = "server_reject"
	StepServerThrottle = "server_throttle"
	StepRefresh        = "refresh"
	StepFullSync       = "full_sync"
	StepManageDeck     = "manage_deck"
	StepShuffle        = "shuffle"
	StepPregenerate    = "pregenerate"
	StepPrune          = "prune"
	StepAdvanceClock   = "advance_clock"
)

// requiredArgs lists the arguments each step needs.
var requiredArgs = map[string][]string{
	StepMark:           {"key", "guid"},
	StepSet:            {"key", "value"},
	StepPush:           nil,
	StepPull:           nil,
	StepFlush:          nil,
	StepGoOffline:      nil,
	StepGoOnline:       nil,
	StepServerDown:     nil,
	StepServerUp:       nil,
	StepServerSet:      {"key", "value"},
	StepServerReject:   {"guid"},
	StepServerThrottle: nil,
	StepRefresh:        nil,
	StepFullSync:       nil,
	StepManageDeck:     nil,
	StepShuffle:        nil,
	StepPregenerate:    nil,
	StepPrune:          nil,
	StepAdvanceClock:   {"by"},
}

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Step and Args select trace events (trace_contains, trace_count).
	Step string         `yaml:"step,omitempty"`
	Args map[string]any `yaml:"args,omitempty"`

	// Steps is the expected order (trace_order).
	Steps []string `yaml:"steps,omitempty"`

	// Count is the expected number of occurrences (trace_count,
	// pending_count, request_count, deck).
	Count int `yaml:"count,omitempty"`

	// Key names the state key (local_marks, server_marks, local_value,
	// server_value).
	Key string `yaml:"key,omitempty"`

	// GUIDs is the exact expected set of guids.
	GUIDs []string `yaml:"guids,omitempty"`

	// Value is the expected scalar value.
	Value any `yaml:"value,omitempty"`

	// Prefix selects server requests, e.g. "POST /profile".
	Prefix string `yaml:"prefix,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertLocalMarks    = "local_marks"
	AssertServerMarks   = "server_marks"
	AssertLocalValue    = "local_value"
	AssertServerValue   = "server_value"
	AssertPendingCount  = "pending_count"
	AssertRequestCount  = "request_count"
	AssertDeck          = "deck"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// StartTime returns the parsed start clock.
func (s *Scenario) StartTime() (time.Time, error) {
	if s.Start == "" {
		return DefaultStart, nil
	}
	t, err := time.Parse(time.RFC3339, s.Start)
	if err != nil {
		return time.Time{}, fmt.Errorf("start: %w", err)
	}
	return t.UTC(), nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if _, err := s.StartTime(); err != nil {
		return err
	}
	if s.DeckSize < 0 {
		return fmt.Errorf("deck_size must be non-negative")
	}

	for i, it := range s.Items {
		if it.GUID == "" {
			return fmt.Errorf("items[%d]: guid is required", i)
		}
		if it.Age != "" {
			if _, err := time.ParseDuration(it.Age); err != nil {
				return fmt.Errorf("items[%d]: age: %w", i, err)
			}
		}
		if it.On != "" && !slices.Contains([]string{OnBoth, OnLocal, OnServer}, it.On) {
			return fmt.Errorf("items[%d]: on must be both, local or server", i)
		}
	}
	for _, preset := range []map[string]any{s.Local, s.Server} {
		for key := range preset {
			if _, ok := model.Lookup(key); !ok {
				return fmt.Errorf("unknown state key %q", key)
			}
		}
	}

	for i, step := range s.Steps {
		required, ok := requiredArgs[step.Do]
		if !ok {
			return fmt.Errorf("steps[%d]: unknown step %q", i, step.Do)
		}
		for _, arg := range required {
			if _, ok := step.Args[arg]; !ok {
				return fmt.Errorf("steps[%d]: %s requires arg %q", i, step.Do, arg)
			}
		}
		if step.Expect != nil && step.Expect.Case == "" {
			return fmt.Errorf("steps[%d].expect: case is required", i)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains, AssertTraceCount:
		if a.Step == "" {
			return fmt.Errorf("assertions[%d]: step is required for %s", index, a.Type)
		}
	case AssertTraceOrder:
		if len(a.Steps) == 0 {
			return fmt.Errorf("assertions[%d]: steps list is required for trace_order", index)
		}
	case AssertLocalMarks, AssertServerMarks:
		if !model.IsList(a.Key) {
			return fmt.Errorf("assertions[%d]: %s needs a list key, got %q", index, a.Type, a.Key)
		}
	case AssertLocalValue, AssertServerValue:
		if _, ok := model.Lookup(a.Key); !ok || model.IsList(a.Key) {
			return fmt.Errorf("assertions[%d]: %s needs a scalar key, got %q", index, a.Type, a.Key)
		}
	case AssertRequestCount:
		if a.Prefix == "" {
			return fmt.Errorf("assertions[%d]: prefix is required for request_count", index)
		}
	case AssertPendingCount, AssertDeck:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}
	return nil
}
