package harness

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"sort"
	"strings"

	"github.com/tim-projects/not-the-news-sub001/internal/model"
	"github.com/tim-projects/not-the-news-sub001/internal/testutil"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %v -> %s\n", event.Seq, event.Step, event.Args, event.Case)
		}
	}
	return buf.String()
}

// AssertionContext gives assertions access to the fake server.
type AssertionContext struct {
	Server *testutil.ProfileServer
}

// assertTraceContains checks if the trace contains a step matching the
// specified name and args (subset match).
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if event.Step == assertion.Step && matchArgs(event.Args, assertion.Args) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("step %s with args %v", assertion.Step, assertion.Args),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks if steps appear in the specified order.
// Steps don't need to be consecutive (intervening steps are allowed).
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	positions := make(map[string]int)
	for i, event := range trace {
		if positions[event.Step] == 0 {
			positions[event.Step] = i + 1 // 1-indexed for readability
		}
	}

	for _, step := range assertion.Steps {
		if positions[step] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all steps present: %v", assertion.Steps),
				Actual:   fmt.Sprintf("missing step: %s", step),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Steps); i++ {
		prev, curr := assertion.Steps[i-1], assertion.Steps[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("steps in order: %v", assertion.Steps),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks if the step appears exactly the specified number
// of times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Step == assertion.Step && matchArgs(event.Args, assertion.Args) {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Step),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertMarks compares a list key's guids as a set.
func assertMarks(kind string, lists map[string][]string, assertion Assertion) error {
	want := make([]string, 0, len(assertion.GUIDs))
	for _, g := range assertion.GUIDs {
		want = append(want, model.NormalizeGUID(g))
	}
	slices.Sort(want)
	want = slices.Compact(want)

	got := lists[assertion.Key]
	if !slices.Equal(got, want) {
		return &AssertionError{
			Type:     kind,
			Expected: fmt.Sprintf("%s = %v", assertion.Key, want),
			Actual:   fmt.Sprintf("%s = %v", assertion.Key, got),
		}
	}
	return nil
}

// assertValue compares a scalar's JSON value. An absent key reads as its
// registered default.
func assertValue(kind string, raw json.RawMessage, assertion Assertion) error {
	if len(raw) == 0 {
		def, _ := model.Lookup(assertion.Key)
		raw = def.Default
	}
	if !valuesEqual(raw, assertion.Value) {
		return &AssertionError{
			Type:     kind,
			Expected: fmt.Sprintf("%s = %v", assertion.Key, assertion.Value),
			Actual:   fmt.Sprintf("%s = %s", assertion.Key, raw),
		}
	}
	return nil
}

// assertDeck checks the deck size and, when guids are given, its members.
func assertDeck(deck []string, assertion Assertion) error {
	if len(assertion.GUIDs) == 0 {
		if len(deck) != assertion.Count {
			return &AssertionError{
				Type:     AssertDeck,
				Expected: fmt.Sprintf("%d deck members", assertion.Count),
				Actual:   fmt.Sprintf("%d deck members: %v", len(deck), deck),
			}
		}
		return nil
	}
	sorted := slices.Sorted(slices.Values(deck))
	return assertMarks(AssertDeck, map[string][]string{"": sorted}, Assertion{GUIDs: assertion.GUIDs})
}

func assertCount(kind, what string, got, want int) error {
	if got != want {
		return &AssertionError{
			Type:     kind,
			Expected: fmt.Sprintf("%d %s", want, what),
			Actual:   fmt.Sprintf("%d %s", got, what),
		}
	}
	return nil
}

// matchArgs checks if actual args contain all expected args (subset match).
// Extra keys in actual are ignored.
func matchArgs(actual, expected map[string]any) bool {
	for key, expectedVal := range expected {
		actualVal, exists := actual[key]
		if !exists || !valuesEqual(actualVal, expectedVal) {
			return false
		}
	}
	return true
}

// valuesEqual compares two values by their JSON form, so YAML integers,
// Go ints and raw JSON numbers compare equal.
func valuesEqual(actual, expected any) bool {
	a, errA := normalize(actual)
	e, errE := normalize(expected)
	if errA != nil || errE != nil {
		return false
	}
	return reflect.DeepEqual(a, e)
}

func normalize(v any) (any, error) {
	raw, ok := v.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = json.Marshal(v); err != nil {
			return nil, err
		}
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides the server for request and server_value
// assertions; it may be nil when none are used.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertLocalMarks:
			err = assertMarks(AssertLocalMarks, result.State.Local, assertion)
		case AssertServerMarks:
			err = assertMarks(AssertServerMarks, result.State.Server, assertion)
		case AssertLocalValue:
			err = assertValue(AssertLocalValue, result.State.Settings[assertion.Key], assertion)
		case AssertPendingCount:
			err = assertCount(AssertPendingCount, "pending operations", len(result.State.Pending), assertion.Count)
		case AssertDeck:
			err = assertDeck(result.State.Deck, assertion)
		case AssertServerValue, AssertRequestCount:
			if actx == nil || actx.Server == nil {
				err = fmt.Errorf("assertion[%d]: %s requires the server", i, assertion.Type)
				break
			}
			if assertion.Type == AssertServerValue {
				raw, _ := actx.Server.State(assertion.Key)
				err = assertValue(AssertServerValue, raw, assertion)
			} else {
				err = assertCount(AssertRequestCount, assertion.Prefix+" requests",
					actx.Server.CountRequests(assertion.Prefix), assertion.Count)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
