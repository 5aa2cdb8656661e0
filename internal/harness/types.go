package harness

import "encoding/json"

// Step outcomes recorded in the trace.
const (
	CaseOK             = "ok"
	CaseError          = "error"
	CaseNoShufflesLeft = "no_shuffles_left"
)

// TraceEvent is one executed step.
type TraceEvent struct {
	Seq    int64          `json:"seq"`
	Step   string         `json:"step"`
	Args   map[string]any `json:"args,omitempty"`
	Case   string         `json:"case"`
	Result map[string]any `json:"result,omitempty"`
}

// FinalState is what the scenario left behind, on the device and on the
// server. List keys hold sorted guids; Deck keeps deck order.
type FinalState struct {
	Local    map[string][]string        `json:"local"`
	Settings map[string]json.RawMessage `json:"settings"`
	Server   map[string][]string        `json:"server"`
	Pending  []string                   `json:"pending"`
	Deck     []string                   `json:"deck"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace contains every executed step in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	State FinalState `json:"state"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step to the trace.
func (r *Result) AddTrace(ev TraceEvent) {
	ev.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, ev)
}
