package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

// TestScenarios runs every YAML scenario under testdata/scenarios and
// compares each outcome against its golden file. The scenario files
// encode the engine's end-to-end properties: basic sync convergence
// with pinned message counts, tombstone propagation, last-writer-wins,
// the future-timestamp bound, the empty-entry rule, capability
// monotonicity, and download-policy gating.
func TestScenarios(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths, "no scenario files found")

	for _, path := range paths {
		scenario, err := LoadScenario(path)
		require.NoError(t, err, path)
		t.Run(scenario.Name, func(t *testing.T) {
			require.NoError(t, RunWithGolden(t, scenario))
		})
	}
}

func TestLoadScenarioRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	writeFile(t, path, `
name: bad
description: has a typo'd field
peers:
  - name: alice
steps:
  - op: insert
    peer: alice
    key: k
expect:
  setz:
    alice: [k]
`)
	_, err := LoadScenario(path)
	require.Error(t, err)
}

func TestLoadScenarioRejectsUnknownOp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad-op.yaml")
	writeFile(t, path, `
name: bad-op
description: uses an op the runner does not know
peers:
  - name: alice
steps:
  - op: frobnicate
    peer: alice
expect:
  sets:
    alice: []
`)
	_, err := LoadScenario(path)
	require.ErrorContains(t, err, "unknown op")
}
