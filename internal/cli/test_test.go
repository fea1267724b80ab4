package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const harnessScenarios = "../harness/testdata/scenarios"

func TestTestCommand_HarnessScenariosPass(t *testing.T) {
	stdout, _, err := execute(t, "test", harnessScenarios)
	require.NoError(t, err, stdout)
	assert.Contains(t, stdout, "PASS latest_wins")
	assert.Contains(t, stdout, "0 failed")
}

func TestTestCommand_JSON(t *testing.T) {
	stdout, _, err := execute(t, "test", harnessScenarios, "--filter", "latest_*", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Data.Total)
	assert.Equal(t, "latest_wins", resp.Data.Scenarios[0].Name)
}

func TestTestCommand_MissingArgs(t *testing.T) {
	_, _, err := execute(t, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommand_NonExistentDir(t *testing.T) {
	_, _, err := execute(t, "test", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommand_FailingScenario(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "scenarios")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wrong.yaml"), []byte(`
name: wrong
description: "Expects two rows where there is one"
pipeline:
  key_columns: [id]
columns:
  - {name: id, type: TEXT}
  - {name: ingested_at, type: TEXT}
steps:
  - append:
      - {id: a, ingested_at: "t1"}
  - run: true
assertions:
  - type: target_count
    count: 2
`), 0644))

	stdout, _, err := execute(t, "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, stdout, "Error [E003]: 1 of 1 scenarios failed")
}

func TestTestCommand_UpdateWritesGolden(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "scenarios")
	require.NoError(t, os.MkdirAll(dir, 0755))
	src, err := os.ReadFile(filepath.Join(harnessScenarios, "latest_wins.yaml"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "latest_wins.yaml"), src, 0644))

	_, _, err = execute(t, "test", dir, "--update")
	require.NoError(t, err)

	written, err := os.ReadFile(filepath.Join(root, "golden", "latest_wins.golden"))
	require.NoError(t, err)
	want, err := os.ReadFile("../harness/testdata/golden/latest_wins.golden")
	require.NoError(t, err)
	assert.Equal(t, string(want), string(written))

	// A tampered golden file now fails the scenario.
	require.NoError(t, os.WriteFile(filepath.Join(root, "golden", "latest_wins.golden"), []byte("{}"), 0644))
	_, _, err = execute(t, "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestFindScenarioFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.yaml", "b.yml", "c.txt", "sub/d.yaml"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	}

	files, err := findScenarioFiles(dir, "")
	require.NoError(t, err)
	assert.Len(t, files, 3)

	files, err = findScenarioFiles(dir, "a*")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.yaml")}, files)

	_, err = findScenarioFiles(dir, "[")
	require.Error(t, err)
}

func TestGoldenFilePath(t *testing.T) {
	assert.Equal(t,
		filepath.Join("testdata", "golden", "latest_wins.golden"),
		goldenFilePath(filepath.Join("testdata", "scenarios", "latest_wins.yaml")))
}
