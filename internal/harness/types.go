package harness

import "github.com/roach88/shapefabric/internal/shape"

// Trace event types.
const (
	EventActivate = "activate"
	EventTick     = "tick"
	EventDeliver  = "deliver"
	EventAdd      = "add"
	EventRemove   = "remove"
	EventError    = "error"
)

// TraceEvent is one observable effect of a scenario step.
type TraceEvent struct {
	Seq      int64        `json:"seq"`
	Type     string       `json:"type"`
	Step     string       `json:"step,omitempty"`
	Shape    string       `json:"shape,omitempty"`
	Owner    string       `json:"owner,omitempty"`
	Observer string       `json:"observer,omitempty"`
	State    *shape.Shape `json:"state,omitempty"`
	Code     string       `json:"code,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true if every step behaved as expected and every assertion
	// held.
	Pass bool `json:"pass"`

	// Trace contains every event in order.
	Trace []TraceEvent `json:"trace"`

	// Errors explains each failure. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result with an empty trace.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// record appends e with the next sequence number.
func (r *Result) record(e TraceEvent) {
	e.Seq = int64(len(r.Trace)) + 1
	r.Trace = append(r.Trace, e)
}
