package harness

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssertionError_Error(t *testing.T) {
	err := &AssertionError{
		Type:     AssertBalance,
		Expected: "alice balance 5",
		Actual:   "balance 4",
		Trace: []TraceEvent{
			{Seq: 1, Action: ActionTransfer, Entity: "alice", To: "bob", Amount: 6, Mode: ModeBilateral, Outcome: OutcomeRejected, Reason: "NegativeBalance"},
			{Seq: 2, Action: ActionDirectoryDown, Outcome: OutcomeOK},
		},
	}

	want := "Assertion failed: balance\n" +
		"  Expected: alice balance 5\n" +
		"  Actual: balance 4\n" +
		"\nFull trace:\n" +
		"  [1] transfer alice -> bob 6 (bilateral): rejected NegativeBalance\n" +
		"  [2] directory_down: ok\n"
	assert.Equal(t, want, err.Error())
}

func TestAssertTraceCount(t *testing.T) {
	trace := []TraceEvent{
		{Seq: 1, Action: ActionTransfer, Outcome: OutcomeOK},
		{Seq: 2, Action: ActionTransfer, Outcome: OutcomeRejected},
		{Seq: 3, Action: ActionSync, Outcome: OutcomeOK},
	}

	assert.NoError(t, assertTraceCount(trace, Assertion{Action: ActionTransfer, Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Action: ActionTransfer, Outcome: OutcomeRejected, Count: 1}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Action: ActionFlush, Count: 0}))

	err := assertTraceCount(trace, Assertion{Action: ActionSync, Count: 2})
	var ae *AssertionError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "sync appears 2 times", ae.Expected)
	assert.Equal(t, "appears 1 times", ae.Actual)
}

func TestRun_FailingAssertionsReported(t *testing.T) {
	scenario := &Scenario{
		Name:     "wrong_expectations",
		Entities: pair(10),
		Flow: []FlowStep{
			{Action: ActionTransfer, Entity: "alice", To: "bob", Amount: 3, Mode: ModeUnilateral},
		},
		Assertions: []Assertion{
			{Type: AssertBalance, Entity: "bob", Balance: 3},
			{Type: AssertHead, Entity: "alice", StateNumber: 2},
			{Type: AssertPending, Entity: "alice", Peer: "bob", Count: 0},
			{Type: AssertOutbox, Entity: "alice", Count: 1},
			{Type: AssertTotalBalance, Balance: 10},
			{Type: AssertChainValid, Entity: "alice"},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	// bob has not synced, alice is at state 1, one publication is pending,
	// nothing is queued and 3 units are in flight.
	require.Len(t, result.Errors, 5, "errors: %v", result.Errors)
	assert.Contains(t, result.Errors[0], "assertions[0]")
	assert.Contains(t, result.Errors[4], "assertions[4]")
}
