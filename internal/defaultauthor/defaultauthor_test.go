package defaultauthor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brutalist-labs/docengine/internal/ids"
)

func TestLoadFreshDirectoryHasNoDefault(t *testing.T) {
	f, err := Load(t.TempDir())
	require.NoError(t, err)

	_, ok := f.Get()
	require.False(t, ok)
}

func TestSetThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	author, _, err := ids.NewAuthor()
	require.NoError(t, err)

	f, err := Load(dir)
	require.NoError(t, err)
	require.NoError(t, f.Set(author))

	got, ok := f.Get()
	require.True(t, ok)
	require.Equal(t, author, got)

	// A fresh Load sees the persisted selection.
	reloaded, err := Load(dir)
	require.NoError(t, err)
	got, ok = reloaded.Get()
	require.True(t, ok)
	require.Equal(t, author, got)
}

func TestSetReplacesPrevious(t *testing.T) {
	dir := t.TempDir()
	first, _, err := ids.NewAuthor()
	require.NoError(t, err)
	second, _, err := ids.NewAuthor()
	require.NoError(t, err)

	f, err := Load(dir)
	require.NoError(t, err)
	require.NoError(t, f.Set(first))
	require.NoError(t, f.Set(second))

	reloaded, err := Load(dir)
	require.NoError(t, err)
	got, ok := reloaded.Get()
	require.True(t, ok)
	require.Equal(t, second, got)
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("not-hex\n"), 0o600))

	_, err := Load(dir)
	require.Error(t, err)
}

func TestLoadToleratesTrailingWhitespace(t *testing.T) {
	dir := t.TempDir()
	author, _, err := ids.NewAuthor()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("  "+author.String()+"\n\n"), 0o600))

	f, err := Load(dir)
	require.NoError(t, err)
	got, ok := f.Get()
	require.True(t, ok)
	require.Equal(t, author, got)
}
