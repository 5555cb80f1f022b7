package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// execute runs the CLI against a temp data directory, returning stdout.
func execute(t *testing.T, dataDir string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--data-dir", dataDir}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func mustExecute(t *testing.T, dataDir string, args ...string) string {
	t.Helper()
	out, err := execute(t, dataDir, args...)
	require.NoError(t, err, out)
	return out
}

func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv("IROH_AUTHOR", "")
	t.Setenv("IROH_DOC", "")
}

func TestRootRejectsInvalidFormat(t *testing.T) {
	clearEnv(t)
	_, err := execute(t, t.TempDir(), "--format", "xml", "author", "list")
	require.ErrorContains(t, err, "invalid format")
}

func TestAuthorNewListDefault(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	first := strings.TrimSpace(mustExecute(t, dir, "author", "new"))
	require.Len(t, first, 64, "author id prints as 32 bytes of hex")

	second := strings.TrimSpace(mustExecute(t, dir, "author", "new"))
	require.NotEqual(t, first, second)

	list := mustExecute(t, dir, "author", "list")
	require.Contains(t, list, first)
	require.Contains(t, list, second)
	// The first author created became the default.
	require.Contains(t, list, "* "+first)

	def := strings.TrimSpace(mustExecute(t, dir, "author", "default"))
	require.Equal(t, first, def)

	// The default cannot be deleted; a non-default can.
	_, err := execute(t, dir, "author", "delete", first)
	require.ErrorContains(t, err, "default")
	mustExecute(t, dir, "author", "delete", second)
}

func TestAuthorExportImportRoundTrips(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	id := strings.TrimSpace(mustExecute(t, dir, "author", "new"))
	seed := strings.TrimSpace(mustExecute(t, dir, "author", "export", id))
	require.Len(t, seed, 64, "seed prints as 32 bytes of hex")

	// Importing the same seed into a fresh node yields the same id.
	other := t.TempDir()
	imported := strings.TrimSpace(mustExecute(t, other, "author", "import", seed))
	require.Equal(t, id, imported)
}

func TestDocSetGetKeysDel(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	mustExecute(t, dir, "author", "new")
	doc := strings.TrimSpace(mustExecute(t, dir, "doc", "new"))
	require.Len(t, doc, 64)

	mustExecute(t, dir, "doc", "set", doc, "greeting/en", "hello")
	mustExecute(t, dir, "doc", "set", doc, "greeting/de", "hallo")

	got := mustExecute(t, dir, "doc", "get", doc, "greeting/en")
	require.Contains(t, got, "greeting/en")

	keys := mustExecute(t, dir, "doc", "keys", doc)
	require.Contains(t, keys, "greeting/en")
	require.Contains(t, keys, "greeting/de")

	onlyDe := mustExecute(t, dir, "doc", "keys", doc, "--prefix", "greeting/d")
	require.Contains(t, onlyDe, "greeting/de")
	require.NotContains(t, onlyDe, "greeting/en")

	del := mustExecute(t, dir, "doc", "del", doc, "greeting/")
	require.Contains(t, del, "removed 2")

	after := mustExecute(t, dir, "doc", "keys", doc)
	require.NotContains(t, after, "greeting/en")
	require.NotContains(t, after, "greeting/de")
}

func TestDocShareJoinRoundTrips(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	mustExecute(t, dir, "author", "new")
	doc := strings.TrimSpace(mustExecute(t, dir, "doc", "new"))

	nodeID := strings.Repeat("ab", 32)
	tk := strings.TrimSpace(mustExecute(t, dir, "doc", "share", doc,
		"--mode", "read", "--node-id", nodeID, "--addr", "192.0.2.7:4433"))
	require.True(t, strings.HasPrefix(tk, "doc"))

	// Joining on a fresh node imports the document read-only.
	other := t.TempDir()
	joined := mustExecute(t, other, "doc", "join", tk)
	require.Contains(t, joined, doc)
	require.Contains(t, joined, "read")

	list := mustExecute(t, other, "doc", "list")
	require.Contains(t, list, doc)
	require.Contains(t, list, "read")

	// A read-only copy rejects writes.
	mustExecute(t, other, "author", "new")
	_, err := execute(t, other, "doc", "set", doc, "k", "v")
	require.ErrorContains(t, err, "read-only")
}

func TestDocExportImport(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	mustExecute(t, dir, "author", "new")
	doc := strings.TrimSpace(mustExecute(t, dir, "doc", "new"))
	mustExecute(t, dir, "doc", "set", doc, "k1", "v1")
	mustExecute(t, dir, "doc", "set", doc, "k2", "v2")

	dumpPath := t.TempDir() + "/dump.json"
	mustExecute(t, dir, "doc", "export", doc, "-o", dumpPath)

	// Share write access to a second node, then restore the dump there.
	tk := strings.TrimSpace(mustExecute(t, dir, "doc", "share", doc,
		"--mode", "write", "--node-id", strings.Repeat("cd", 32), "--addr", "192.0.2.9:4433"))
	other := t.TempDir()
	mustExecute(t, other, "doc", "join", tk)
	out := mustExecute(t, other, "doc", "import", doc, "-i", dumpPath)
	require.Contains(t, out, "imported 2 of 2")

	keys := mustExecute(t, other, "doc", "keys", doc)
	require.Contains(t, keys, "k1")
	require.Contains(t, keys, "k2")
}
