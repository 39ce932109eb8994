package harness

// Step outcomes recorded in the trace.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeDeferred = "deferred"
	// OutcomeFailed is an error that is not a rejection, e.g. an unreachable
	// directory during a flush.
	OutcomeFailed = "failed"
)

// TraceEvent records one executed flow step.
//
// Only fields that can be predicted by hand appear here. Hashes,
// signatures and session IDs stay out so golden traces remain readable.
type TraceEvent struct {
	Seq     int64  `json:"seq"`
	Action  string `json:"action"`
	Entity  string `json:"entity,omitempty"`
	To      string `json:"to,omitempty"`
	Mode    string `json:"mode,omitempty"`
	Amount  int64  `json:"amount,omitempty"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`

	// Published is set for unilateral transfers only.
	Published *bool `json:"published,omitempty"`
	// Applied, Skipped and Rejected count publications handled by a sync.
	Applied  int `json:"applied,omitempty"`
	Skipped  int `json:"skipped,omitempty"`
	Rejected int `json:"rejected,omitempty"`
	// Sent counts outbox entries delivered by a flush.
	Sent int `json:"sent,omitempty"`

	// StateNumber and Balance describe the acting entity's head after the
	// step. Directory toggles have no acting entity and leave them zero.
	StateNumber uint64 `json:"state_number"`
	Balance     int64  `json:"balance"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace holds one event per flow step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Balances is every entity's final head balance.
	Balances map[string]int64 `json:"balances,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:     true,
		Trace:    []TraceEvent{},
		Errors:   []string{},
		Balances: make(map[string]int64),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddEvent appends ev to the trace, numbering it.
func (r *Result) AddEvent(ev TraceEvent) TraceEvent {
	ev.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, ev)
	return ev
}
