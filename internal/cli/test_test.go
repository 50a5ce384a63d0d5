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

const passingScenario = `name: one_message
flow:
  - do: send
    as: alice
    conversation: ab
    text: hi
    expect: { seq: 1 }
conversations:
  - ref: ab
    members: [alice, bob]
assertions:
  - type: latest_seq
    conversation: ab
    seq: 1
`

const failingScenario = `name: wrong_seq
conversations:
  - ref: ab
    members: [alice, bob]
flow:
  - do: send
    as: alice
    conversation: ab
    text: hi
    expect: { seq: 2 }
assertions:
  - type: healthy
`

// scenarioTree writes scenarios into <tmp>/scenarios and returns the
// scenarios dir and its sibling golden dir.
func scenarioTree(t *testing.T, files map[string]string) (string, string) {
	t.Helper()
	root := t.TempDir()
	scenariosDir := filepath.Join(root, "scenarios")
	require.NoError(t, os.MkdirAll(scenariosDir, 0755))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(scenariosDir, name), []byte(content), 0644))
	}
	return scenariosDir, filepath.Join(root, "golden")
}

func executeTest(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewTestCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := executeTest(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommandNonExistentScenariosDir(t *testing.T) {
	_, err := executeTest(t, "text", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scenarios directory not found")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommandEmptyScenariosDir(t *testing.T) {
	dir, _ := scenarioTree(t, nil)

	out, err := executeTest(t, "text", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found")
}

func TestTestCommandEmptyScenariosDirJSON(t *testing.T) {
	dir, _ := scenarioTree(t, nil)

	out, err := executeTest(t, "json", dir)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestTestCommandPassingWithoutGolden(t *testing.T) {
	dir, _ := scenarioTree(t, map[string]string{"one.yaml": passingScenario})

	out, err := executeTest(t, "text", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ one_message")
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestTestCommandFailingScenario(t *testing.T) {
	dir, _ := scenarioTree(t, map[string]string{
		"one.yaml":   passingScenario,
		"wrong.yaml": failingScenario,
	})

	out, err := executeTest(t, "text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ wrong_seq")
	assert.Contains(t, out, "expected seq 2, got 1")
	assert.Contains(t, out, "1 passed, 1 failed, 2 total")
}

func TestTestCommandFailingScenarioJSON(t *testing.T) {
	dir, _ := scenarioTree(t, map[string]string{"wrong.yaml": failingScenario})

	out, err := executeTest(t, "json", dir)
	require.Error(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
		Error  *CLIError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_TEST_FAILED", resp.Error.Code)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.False(t, resp.Data.Scenarios[0].Pass)
	assert.NotEmpty(t, resp.Data.Scenarios[0].Errors)
}

func TestTestCommandLoadError(t *testing.T) {
	dir, _ := scenarioTree(t, map[string]string{"broken.yaml": "name: [unclosed"})

	out, err := executeTest(t, "text", dir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ broken.yaml")
	assert.Contains(t, out, "failed to load scenario")
}

func TestTestCommandFilter(t *testing.T) {
	dir, _ := scenarioTree(t, map[string]string{
		"one.yaml":   passingScenario,
		"wrong.yaml": failingScenario,
	})

	out, err := executeTest(t, "text", dir, "--filter", "on*")
	require.NoError(t, err)
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
	assert.NotContains(t, out, "wrong_seq")
}

func TestTestCommandInvalidFilter(t *testing.T) {
	dir, _ := scenarioTree(t, map[string]string{"one.yaml": passingScenario})

	_, err := executeTest(t, "text", dir, "--filter", "[")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommandGoldenUpdateThenCompare(t *testing.T) {
	dir, goldenDir := scenarioTree(t, map[string]string{"one.yaml": passingScenario})

	out, err := executeTest(t, "text", dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ one_message (golden updated)")

	goldenPath := filepath.Join(goldenDir, "one_message.golden")
	data, err := os.ReadFile(goldenPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"scenario_name":"one_message"`)

	_, err = executeTest(t, "text", dir)
	require.NoError(t, err, "a fresh run reproduces the recorded trace")

	require.NoError(t, os.WriteFile(goldenPath, []byte(`{"scenario_name":"one_message","trace":[]}`), 0644))
	out, err = executeTest(t, "text", dir)
	require.Error(t, err)
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTestCommandGoldenDirFlag(t *testing.T) {
	dir, defaultGolden := scenarioTree(t, map[string]string{"one.yaml": passingScenario})
	custom := filepath.Join(t.TempDir(), "elsewhere")

	_, err := executeTest(t, "text", dir, "--update", "--golden", custom)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(custom, "one_message.golden"))
	assert.NoDirExists(t, defaultGolden)
}

func TestTestCommandHarnessTestdata(t *testing.T) {
	out, err := executeTest(t, "text", "../harness/testdata/scenarios")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ direct_read_receipts")
	assert.Contains(t, out, "✓ group_gap_fill")
	assert.Contains(t, out, "All scenarios passed")
}
