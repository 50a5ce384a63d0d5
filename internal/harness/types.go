package harness

// Trace event types.
const (
	TraceStep  = "step"
	TraceFrame = "frame"
)

// TraceEvent is one entry of a scenario trace: either a flow step and its
// outcome, or a message or error frame a connection received during it.
// Status and summary frames are not traced; assertions cover them.
type TraceEvent struct {
	Type  string `json:"type"` // "step" or "frame"
	Index int64  `json:"index"`

	// Step fields.
	Do      string `json:"do,omitempty"`
	As      string `json:"as,omitempty"`
	Outcome string `json:"outcome,omitempty"` // "ok" or an engine error code

	// Frame fields.
	Conn   string `json:"conn,omitempty"`
	Frame  string `json:"frame,omitempty"` // "message" or "error"
	Sender string `json:"sender,omitempty"`
	Text   string `json:"text,omitempty"`

	// Shared.
	Conversation string `json:"conversation,omitempty"`
	Seq          int64  `json:"seq"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every expect clause and assertion matched.
	Pass bool `json:"pass"`

	// Trace contains every step and traced frame in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
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

// AddStepTrace adds a flow step to the trace.
func (r *Result) AddStepTrace(step FlowStep, outcome string, seq int64) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:         TraceStep,
		Index:        int64(len(r.Trace) + 1),
		Do:           step.Do,
		As:           step.As,
		Conn:         step.Conn,
		Conversation: step.Conversation,
		Outcome:      outcome,
		Seq:          seq,
	})
}

// AddFrameTrace adds a frame received by conn to the trace.
func (r *Result) AddFrameTrace(ev TraceEvent) {
	ev.Type = TraceFrame
	ev.Index = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, ev)
}
