// Package downloadpolicy implements the per-document content download
// filter: deciding, for a given key, whether the live engine
// should fetch an entry's content after accepting it over sync.
package downloadpolicy

import "bytes"

// FilterKind distinguishes how a Filter's pattern is matched against a
// key.
type FilterKind int

const (
	FilterPrefix FilterKind = iota
	FilterExact
)

// Filter matches a key either by prefix or by exact equality.
type Filter struct {
	Kind    FilterKind `json:"kind"`
	Pattern []byte     `json:"pattern"`
}

// Matches reports whether key satisfies this filter.
func (f Filter) Matches(key []byte) bool {
	switch f.Kind {
	case FilterPrefix:
		return bytes.HasPrefix(key, f.Pattern)
	case FilterExact:
		return bytes.Equal(key, f.Pattern)
	default:
		return false
	}
}

// Variant selects whether Filters name an allow-list or a deny-list.
type Variant int

const (
	// NothingExcept downloads content only for keys matching a filter.
	// An empty filter list means "download nothing."
	NothingExcept Variant = iota
	// EverythingExcept downloads content for every key except those
	// matching a filter. An empty filter list means "download
	// everything."
	EverythingExcept
)

// Policy is a document's download policy: the outer variant plus the
// filters it's evaluated against.
type Policy struct {
	Variant Variant  `json:"variant"`
	Filters []Filter `json:"filters"`
}

// Default is "download everything" (EverythingExcept with no filters),
// matching the original's behavior for a document with no configured
// policy.
func Default() Policy {
	return Policy{Variant: EverythingExcept}
}

// ShouldDownload reports whether content for key should be fetched
// under this policy: yes if any filter matches and the variant is
// NothingExcept, or none match and the variant is EverythingExcept.
func (p Policy) ShouldDownload(key []byte) bool {
	matched := false
	for _, f := range p.Filters {
		if f.Matches(key) {
			matched = true
			break
		}
	}
	switch p.Variant {
	case NothingExcept:
		return matched
	case EverythingExcept:
		return !matched
	default:
		return false
	}
}
