package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	scenariosDir = "../harness/testdata/scenarios"
	goldenDir    = "../harness/testdata/golden"
)

const failingScenario = `name: wrong_balance
entities:
  - id: alice
    balance: 10
  - id: bob
    balance: 0
flow:
  - action: transfer
    entity: alice
    to: bob
    amount: 4
assertions:
  - type: balance
    entity: bob
    balance: 5
`

func TestScenarioRun_AllPass(t *testing.T) {
	out, err := execute(t, "scenario", "run", scenariosDir, "--golden", goldenDir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ bilateral_then_overdraw")
	assert.Contains(t, out, "✓ unilateral_outbox_restart")
	assert.Contains(t, out, "3 passed, 0 failed, 3 total")
}

func TestScenarioRun_Filter(t *testing.T) {
	out, err := execute(t, "scenario", "run", scenariosDir, "--golden", goldenDir,
		"--filter", "unilateral_*", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string          `json:"status"`
		Data   ScenarioSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, "unilateral_outbox_restart", resp.Data.Scenarios[0].Name)
	assert.True(t, resp.Data.Scenarios[0].Pass)
}

func TestScenarioRun_Failure(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "scenarios")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wrong_balance.yaml"), []byte(failingScenario), 0o644))

	out, err := execute(t, "scenario", "run", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ wrong_balance")
	assert.Contains(t, out, "Assertion failed")
	assert.Contains(t, out, "0 passed, 1 failed, 1 total")
}

func TestScenarioRun_UpdateWritesGolden(t *testing.T) {
	golden := t.TempDir()

	_, err := execute(t, "scenario", "run", filepath.Join(scenariosDir, "bilateral_then_overdraw.yaml"),
		"--golden", golden, "--update")
	require.NoError(t, err)

	written, err := os.ReadFile(filepath.Join(golden, "bilateral_then_overdraw.golden"))
	require.NoError(t, err)
	want, err := os.ReadFile(filepath.Join(goldenDir, "bilateral_then_overdraw.golden"))
	require.NoError(t, err)
	assert.Equal(t, string(want), string(written))
}

func TestScenarioRun_GoldenMismatch(t *testing.T) {
	golden := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(golden, "bilateral_then_overdraw.golden"), []byte("{}\n"), 0o644))

	out, err := execute(t, "scenario", "run", filepath.Join(scenariosDir, "bilateral_then_overdraw.yaml"),
		"--golden", golden)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "trace does not match golden file")
}

func TestScenarioRun_MissingPath(t *testing.T) {
	_, err := execute(t, "scenario", "run", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestScenarioRun_Empty(t *testing.T) {
	out, err := execute(t, "scenario", "run", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestScenarioRun_UsesConfiguredLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.cue")
	require.NoError(t, os.WriteFile(path, []byte(`
session_timeout: "5s"
log: {
	level:  "debug"
	format: "json"
}
`), 0o644))

	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"scenario", "run", filepath.Join(scenariosDir, "bilateral_then_overdraw.yaml"),
		"--golden", goldenDir, "--config", path})
	require.NoError(t, cmd.ExecuteContext(context.Background()), stdout.String())

	logs := stderr.String()
	assert.Contains(t, logs, `"scenario":"bilateral_then_overdraw"`)
	assert.Contains(t, logs, `"entity":"alice"`)
	assert.Contains(t, logs, `"msg":"transaction finalized"`)
	assert.Contains(t, stdout.String(), "✓ bilateral_then_overdraw")
}
