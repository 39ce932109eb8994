package harness

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pair(aliceBalance int64) []Entity {
	return []Entity{{ID: "alice", Balance: aliceBalance}, {ID: "bob"}}
}

func TestRun_BilateralTransfer(t *testing.T) {
	scenario := &Scenario{
		Name:     "bilateral",
		Entities: pair(10),
		Flow: []FlowStep{
			{Action: ActionTransfer, Entity: "alice", To: "bob", Amount: 4},
		},
		Assertions: []Assertion{
			{Type: AssertBalance, Entity: "alice", Balance: 6},
			{Type: AssertBalance, Entity: "bob", Balance: 4},
			{Type: AssertHead, Entity: "bob", StateNumber: 1},
			{Type: AssertChainValid, Entity: "bob"},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Trace, 1)

	ev := result.Trace[0]
	assert.Equal(t, int64(1), ev.Seq)
	assert.Equal(t, ModeBilateral, ev.Mode)
	assert.Equal(t, OutcomeOK, ev.Outcome)
	assert.Nil(t, ev.Published, "bilateral transfers are not published")
	assert.Equal(t, map[string]int64{"alice": 6, "bob": 4}, result.Balances)
}

func TestRun_UnexpectedRejectionFails(t *testing.T) {
	scenario := &Scenario{
		Name:     "overdraw",
		Entities: pair(10),
		Flow: []FlowStep{
			{Action: ActionTransfer, Entity: "alice", To: "bob", Amount: 11},
		},
		Assertions: []Assertion{{Type: AssertBalance, Entity: "alice", Balance: 10}},
	}

	result, err := Run(scenario)
	require.NoError(t, err, "a failed expectation is a result, not an error")
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "NegativeBalance")
	assert.Equal(t, "NegativeBalance", result.Trace[0].Reason)
}

func TestRun_ExpectMismatch(t *testing.T) {
	applied := 3
	scenario := &Scenario{
		Name:     "mismatch",
		Entities: pair(10),
		Flow: []FlowStep{
			{Action: ActionTransfer, Entity: "alice", To: "bob", Amount: 1, Expect: &ExpectClause{Outcome: OutcomeRejected, Reason: "Declined"}},
			{Action: ActionSync, Entity: "bob", Expect: &ExpectClause{Outcome: OutcomeOK, Applied: &applied}},
		},
		Assertions: []Assertion{{Type: AssertTotalBalance, Balance: 10}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Len(t, result.Errors, 3, "outcome, reason and applied each mismatch: %v", result.Errors)
}

func TestRun_UnilateralToUnknownEntity(t *testing.T) {
	scenario := &Scenario{
		Name:     "unknown",
		Entities: pair(10),
		Flow: []FlowStep{
			{Action: ActionTransfer, Entity: "alice", To: "dave", Amount: 1, Mode: ModeUnilateral,
				Expect: &ExpectClause{Outcome: OutcomeRejected, Reason: "UnknownAnchor"}},
		},
		Assertions: []Assertion{{Type: AssertHead, Entity: "alice", StateNumber: 0}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_Deterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/pending_sync_and_decline.yaml")
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)
	assert.Equal(t, first.Trace, second.Trace)
}

func TestRun_DirectoryBackendsAgree(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/pending_sync_and_decline.yaml")
	require.NoError(t, err)

	memory, err := Run(scenario)
	require.NoError(t, err)

	sqlite := *scenario
	sqlite.Directory = "sqlite"
	persisted, err := Run(&sqlite)
	require.NoError(t, err)

	assert.True(t, persisted.Pass, "errors: %v", persisted.Errors)
	assert.Equal(t, memory.Trace, persisted.Trace)
}

func TestRun_LogsThroughGivenLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	scenario := &Scenario{
		Name:     "logged",
		Entities: pair(10),
		Flow: []FlowStep{
			{Action: ActionTransfer, Entity: "alice", To: "bob", Amount: 4},
		},
	}

	result, err := Run(scenario, WithLogger(logger))
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	for _, line := range lines {
		assert.Contains(t, line, `"scenario":"logged"`)
		assert.LessOrEqual(t, strings.Count(line, `"entity":`), 1, "entity logged twice: %s", line)
	}
	assert.Contains(t, buf.String(), `"entity":"alice"`)
	assert.Contains(t, buf.String(), `"entity":"bob"`)
}

func TestNewHarness_Options(t *testing.T) {
	h := newHarness(&Scenario{Name: "opts"}, []Option{
		WithSessionTimeout(5 * time.Second),
		WithCheckpointInterval(4),
	})
	assert.Equal(t, 5*time.Second, h.timeout)
	assert.Equal(t, uint64(4), h.interval)

	// A scenario's own interval wins.
	h = newHarness(&Scenario{Name: "opts", CheckpointInterval: 2}, []Option{WithCheckpointInterval(4)})
	assert.Equal(t, uint64(2), h.interval)
	assert.Zero(t, h.timeout)
}
