package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/dsm/internal/index"
	"github.com/roach88/dsm/internal/state"
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

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, ev := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s", ev.Seq, ev.Action)
		if ev.Entity != "" {
			fmt.Fprintf(&buf, " %s", ev.Entity)
		}
		if ev.To != "" {
			fmt.Fprintf(&buf, " -> %s %d (%s)", ev.To, ev.Amount, ev.Mode)
		}
		fmt.Fprintf(&buf, ": %s", ev.Outcome)
		if ev.Reason != "" {
			fmt.Fprintf(&buf, " %s", ev.Reason)
		}
		buf.WriteByte('\n')
	}

	return buf.String()
}

// checkAssertions evaluates every assertion, recording failures on result.
func (h *Harness) checkAssertions(assertions []Assertion, result *Result) {
	for i, a := range assertions {
		if err := h.assert(a, result.Trace); err != nil {
			result.AddError(fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
}

func (h *Harness) assert(a Assertion, trace []TraceEvent) error {
	fail := func(expected, actual string) error {
		return &AssertionError{Type: a.Type, Expected: expected, Actual: actual, Trace: trace}
	}

	switch a.Type {
	case AssertTraceCount:
		return assertTraceCount(trace, a)
	case AssertTotalBalance:
		var total int64
		for _, id := range h.sortedIDs() {
			total += h.nodes[id].Head().Balance
		}
		if total != a.Balance {
			return fail(fmt.Sprintf("total balance %d", a.Balance), fmt.Sprintf("total balance %d", total))
		}
		return nil
	}

	pr, err := h.node(a.Entity)
	if err != nil {
		return err
	}
	head := pr.Head()

	switch a.Type {
	case AssertBalance:
		if head.Balance != a.Balance {
			return fail(fmt.Sprintf("%s balance %d", a.Entity, a.Balance), fmt.Sprintf("balance %d", head.Balance))
		}
	case AssertHead:
		if head.StateNumber != a.StateNumber {
			return fail(fmt.Sprintf("%s head at state %d", a.Entity, a.StateNumber), fmt.Sprintf("head at state %d", head.StateNumber))
		}
	case AssertPending:
		pending := pr.Relationships().Pending(state.EntityID(a.Entity), state.EntityID(a.Peer))
		if len(pending) != a.Count {
			return fail(fmt.Sprintf("%d pending states %s->%s", a.Count, a.Entity, a.Peer), fmt.Sprintf("%d pending", len(pending)))
		}
	case AssertOutbox:
		if n := len(pr.Outbox()); n != a.Count {
			return fail(fmt.Sprintf("%d outbox entries for %s", a.Count, a.Entity), fmt.Sprintf("%d entries", n))
		}
	case AssertChainValid:
		if err := assertChainValid(h, a.Entity); err != nil {
			return fail(fmt.Sprintf("valid chain for %s", a.Entity), err.Error())
		}
	}
	return nil
}

// assertTraceCount checks the number of trace events for an action,
// optionally restricted to one outcome.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Action == a.Action && (a.Outcome == "" || ev.Outcome == a.Outcome) {
			count++
		}
	}
	if count != a.Count {
		what := a.Action
		if a.Outcome != "" {
			what += " " + a.Outcome
		}
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%s appears %d times", what, a.Count),
			Actual:   fmt.Sprintf("appears %d times", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertChainValid re-verifies the whole chain from genesis and checks that
// every state is included under the current index root.
func assertChainValid(h *Harness, id string) error {
	pr := h.nodes[id]
	head := pr.Head()
	if err := pr.Chain().Verify(0, head.StateNumber); err != nil {
		return err
	}
	for n := uint64(0); n <= head.StateNumber; n++ {
		st, ok := pr.Chain().Get(n)
		if !ok {
			return fmt.Errorf("state %d missing", n)
		}
		proof, root, err := pr.Prove(n)
		if err != nil {
			return err
		}
		if !index.VerifyInclusion(h.p, root, state.ID(h.p, st), proof) {
			return fmt.Errorf("state %d not included under the index root", n)
		}
	}
	return nil
}
