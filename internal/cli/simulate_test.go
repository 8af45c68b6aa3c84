package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const harnessScenarios = "../harness/testdata/scenarios"

const failingScenario = `
name: failing
description: "expects a write that never happens"
boot: running
steps:
  - connect: true
  - tick: 2
assertions:
  - type: writes
    addr: 0xF554
    count: 1
`

const quietScenario = `
name: quiet
description: "ticks without a coordinator"
boot: running
steps:
  - tick: 2
assertions:
  - type: trace_count
    event: sent
    count: 0
`

func runSimulateCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"simulate"}, args...))
	err := cmd.Execute()
	return buf.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestSimulate_Passes(t *testing.T) {
	out, err := runSimulateCmd(t, filepath.Join(harnessScenarios, "deliver_present.yaml"))
	require.NoError(t, err)
	assert.Contains(t, out, "✓ deliver_present")
	assert.Contains(t, out, "Summary: 1 passed, 0 failed, 1 total")
}

func TestSimulate_MatchesCheckedInGolden(t *testing.T) {
	out, err := runSimulateCmd(t, harnessScenarios, "--golden", "../harness/testdata/golden")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ deliver_present")
	assert.Contains(t, out, "✓ replay_suppression")
	assert.Contains(t, out, "✓ cooldown_drain")
	assert.Contains(t, out, "Summary: 3 passed, 0 failed, 3 total")
}

func TestSimulate_Failure(t *testing.T) {
	path := writeFile(t, t.TempDir(), "failing.yaml", failingScenario)

	out, err := runSimulateCmd(t, path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ failing")
	assert.Contains(t, out, "Assertion failed: writes")
	assert.Contains(t, out, "Summary: 0 passed, 1 failed, 1 total")
}

func TestSimulate_LoadErrorReported(t *testing.T) {
	path := writeFile(t, t.TempDir(), "broken.yaml", "name: broken\n")

	out, err := runSimulateCmd(t, path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ broken.yaml")
	assert.Contains(t, out, "failed to load scenario")
}

func TestSimulate_DirectoryAndFilter(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "failing.yaml", failingScenario)
	writeFile(t, dir, "quiet.yml", quietScenario)
	writeFile(t, dir, "notes.txt", "not a scenario")

	out, err := runSimulateCmd(t, dir, "--filter", "qui*")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ quiet")
	assert.NotContains(t, out, "failing")

	_, err = runSimulateCmd(t, dir)
	require.Error(t, err)
}

func TestSimulate_JSON(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "quiet.yaml", quietScenario)

	out, err := runSimulateCmd(t, dir, "--format", "json", "--trace")
	require.NoError(t, err)

	var resp struct {
		Status string         `json:"status"`
		Data   SimulateResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Data.Total)
	assert.Equal(t, 1, resp.Data.Passed)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, "quiet", resp.Data.Scenarios[0].Name)
	assert.Empty(t, resp.Data.Scenarios[0].Trace)
}

func TestSimulate_JSONFailure(t *testing.T) {
	path := writeFile(t, t.TempDir(), "failing.yaml", failingScenario)

	out, err := runSimulateCmd(t, path, "--format", "json")
	require.Error(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_SCENARIO_FAILED", resp.Error.Code)
}

func TestSimulate_Trace(t *testing.T) {
	out, err := runSimulateCmd(t, filepath.Join(harnessScenarios, "deliver_present.yaml"), "--trace")
	require.NoError(t, err)
	assert.Contains(t, out, "[1] received:RoomInfo")
	assert.Contains(t, out, `applied:ok index=1 item="Rocket Skates" category=inventory`)
}

func TestSimulate_UpdateThenCompare(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "quiet.yaml", quietScenario)
	golden := filepath.Join(dir, "golden")

	_, err := runSimulateCmd(t, path, "--golden", golden, "--update")
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(golden, "quiet.golden"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"scenario_name": "quiet"`)

	_, err = runSimulateCmd(t, path, "--golden", golden)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(golden, "quiet.golden"), []byte("{}\n"), 0644))
	out, err := runSimulateCmd(t, path, "--golden", golden)
	require.Error(t, err)
	assert.Contains(t, out, "trace does not match golden file")
}

func TestSimulate_CommandErrors(t *testing.T) {
	_, err := runSimulateCmd(t, "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = runSimulateCmd(t, harnessScenarios, "--update")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "--update requires --golden")

	_, err = runSimulateCmd(t)
	require.Error(t, err)
}
