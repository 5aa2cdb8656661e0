package harness

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func traceOf(steps ...string) []TraceEvent {
	r := NewResult()
	for _, s := range steps {
		r.AddTrace(TraceEvent{Step: s, Case: CaseOK})
	}
	return r.Trace
}

func TestAssertTraceContains(t *testing.T) {
	trace := []TraceEvent{
		{Seq: 1, Step: StepPull, Args: map[string]any{"force": true}},
		{Seq: 2, Step: StepPush},
	}

	assert.NoError(t, assertTraceContains(trace, Assertion{Step: StepPull, Args: map[string]any{"force": true}}))
	assert.NoError(t, assertTraceContains(trace, Assertion{Step: StepPush}))

	err := assertTraceContains(trace, Assertion{Step: StepPull, Args: map[string]any{"force": false}})
	require.Error(t, err)
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, AssertTraceContains, ae.Type)
	assert.Contains(t, err.Error(), "Full trace:")
}

func TestAssertTraceOrder(t *testing.T) {
	trace := traceOf(StepGoOffline, StepMark, StepPush, StepGoOnline, StepPush)

	assert.NoError(t, assertTraceOrder(trace, Assertion{Steps: []string{StepGoOffline, StepMark, StepGoOnline}}))
	assert.NoError(t, assertTraceOrder(trace, Assertion{Steps: []string{StepMark, StepPush, StepGoOnline}}))

	// Only the first occurrence of a step counts.
	err := assertTraceOrder(trace, Assertion{Steps: []string{StepGoOnline, StepPush}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "should be before")

	err = assertTraceOrder(trace, Assertion{Steps: []string{StepMark, StepShuffle}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing step: shuffle")
}

func TestAssertTraceCount(t *testing.T) {
	trace := []TraceEvent{
		{Step: StepShuffle, Case: CaseOK},
		{Step: StepShuffle, Case: CaseNoShufflesLeft},
		{Step: StepPull, Args: map[string]any{"force": true}},
		{Step: StepPull},
	}

	assert.NoError(t, assertTraceCount(trace, Assertion{Step: StepShuffle, Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Step: StepPull, Args: map[string]any{"force": true}, Count: 1}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Step: StepPush, Count: 0}))
	assert.Error(t, assertTraceCount(trace, Assertion{Step: StepPull, Count: 1}))
}

func TestAssertMarks_NormalizesExpected(t *testing.T) {
	lists := map[string][]string{"starred": {"a", "b"}}

	assert.NoError(t, assertMarks(AssertLocalMarks, lists, Assertion{Key: "starred", GUIDs: []string{" B ", "a", "A"}}))

	err := assertMarks(AssertLocalMarks, lists, Assertion{Key: "starred", GUIDs: []string{"a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "starred = [a b]")
}

func TestAssertMarks_EmptyList(t *testing.T) {
	lists := map[string][]string{"read": {}}
	assert.NoError(t, assertMarks(AssertServerMarks, lists, Assertion{Key: "read"}))
}

func TestAssertValue_FallsBackToDefault(t *testing.T) {
	assert.NoError(t, assertValue(AssertLocalValue, nil, Assertion{Key: "shuffleCount", Value: 2}))
	assert.NoError(t, assertValue(AssertLocalValue, json.RawMessage(`"light"`), Assertion{Key: "theme", Value: "light"}))
	assert.Error(t, assertValue(AssertLocalValue, nil, Assertion{Key: "theme", Value: "light"}))
}

func TestAssertDeck(t *testing.T) {
	deck := []string{"c", "a", "b"}

	assert.NoError(t, assertDeck(deck, Assertion{Count: 3}))
	assert.Error(t, assertDeck(deck, Assertion{Count: 2}))
	assert.NoError(t, assertDeck(deck, Assertion{GUIDs: []string{"a", "b", "c"}}))
	assert.Error(t, assertDeck(deck, Assertion{GUIDs: []string{"a", "b"}}))
}

func TestValuesEqual(t *testing.T) {
	assert.True(t, valuesEqual(1, 1.0))
	assert.True(t, valuesEqual(json.RawMessage(`3`), 3))
	assert.True(t, valuesEqual([]string{"a"}, []any{"a"}))
	assert.True(t, valuesEqual(map[string]any{"x": 1}, map[string]int{"x": 1}))
	assert.False(t, valuesEqual("1", 1))
	assert.False(t, valuesEqual([]string{}, nil))
}

func TestEvaluateAssertions_CollectsFailures(t *testing.T) {
	result := NewResult()
	result.AddTrace(TraceEvent{Step: StepPush, Case: CaseOK})
	result.State = FinalState{
		Local:    map[string][]string{"read": {"a"}},
		Settings: map[string]json.RawMessage{},
		Pending:  []string{"starDelta starred add a"},
	}

	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertTraceContains, Step: StepPush},
		{Type: AssertLocalMarks, Key: "read", GUIDs: []string{"a"}},
		{Type: AssertPendingCount, Count: 0},
		{Type: AssertRequestCount, Prefix: "POST /profile", Count: 1},
		{Type: "bogus"},
	}, nil)

	require.Len(t, errs, 3)
	assert.Contains(t, errs[0], "pending operations")
	assert.Contains(t, errs[1], "requires the server")
	assert.Contains(t, errs[2], `unknown assertion type "bogus"`)
}
