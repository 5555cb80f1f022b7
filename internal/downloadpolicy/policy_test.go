package downloadpolicy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultDownloadsEverything(t *testing.T) {
	p := Default()
	require.True(t, p.ShouldDownload([]byte("anything")))
	require.True(t, p.ShouldDownload([]byte("")))
}

func TestNothingExceptWithNoFiltersDownloadsNothing(t *testing.T) {
	p := Policy{Variant: NothingExcept}
	require.False(t, p.ShouldDownload([]byte("anything")))
}

func TestNothingExceptPrefixMatch(t *testing.T) {
	p := Policy{
		Variant: NothingExcept,
		Filters: []Filter{{Kind: FilterPrefix, Pattern: []byte("images/")}},
	}
	require.True(t, p.ShouldDownload([]byte("images/cat.png")))
	require.False(t, p.ShouldDownload([]byte("docs/readme.md")))
}

func TestEverythingExceptExactMatch(t *testing.T) {
	p := Policy{
		Variant: EverythingExcept,
		Filters: []Filter{{Kind: FilterExact, Pattern: []byte("secret.txt")}},
	}
	require.False(t, p.ShouldDownload([]byte("secret.txt")))
	require.True(t, p.ShouldDownload([]byte("public.txt")))
}

func TestEmptyKeyMatchesPrefixFilterWithEmptyPattern(t *testing.T) {
	p := Policy{
		Variant: NothingExcept,
		Filters: []Filter{{Kind: FilterPrefix, Pattern: nil}},
	}
	require.True(t, p.ShouldDownload([]byte("anything")))
	require.True(t, p.ShouldDownload([]byte("")))
}
