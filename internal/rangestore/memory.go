package rangestore

import (
	"context"
	"sort"

	"github.com/brutalist-labs/docengine/internal/docentry"
)

// Memory is an in-memory, sort.Search-ordered Store implementation. It
// backs reconciliation unit tests and the harness's scenario runner
// suites; the persistent SQLite-backed store implements the same
// interface for production use.
type Memory struct {
	entries []docentry.SignedEntry // kept sorted by Id
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) search(id docentry.RecordIdentifier) int {
	return sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].Id.Compare(id) >= 0
	})
}

func (m *Memory) GetFirst(ctx context.Context) (docentry.RecordIdentifier, error) {
	if len(m.entries) == 0 {
		return docentry.RecordIdentifier{}, nil
	}
	return m.entries[0].Id, nil
}

func (m *Memory) Get(ctx context.Context, id docentry.RecordIdentifier) (docentry.SignedEntry, bool, error) {
	i := m.search(id)
	if i < len(m.entries) && m.entries[i].Id.Compare(id) == 0 {
		return m.entries[i], true, nil
	}
	return docentry.SignedEntry{}, false, nil
}

func (m *Memory) Len(ctx context.Context) (int, error) {
	return len(m.entries), nil
}

// inRange materializes the entries matching r in ascending identifier
// order. For a wrapping range this is a single linear scan: matching
// entries before r.Y precede matching entries from r.X onward in
// identifier order, and SQL's (key>=x OR key<y) ORDER BY key produces
// the identical ordering — see internal/reconcile's splitRange doc
// comment for why that ordering (not an x-rotated one) is required.
func (m *Memory) inRange(r Range) []docentry.SignedEntry {
	var out []docentry.SignedEntry
	for _, e := range m.entries {
		if r.Contains(e.Id) {
			out = append(out, e)
		}
	}
	return out
}

func (m *Memory) GetFingerprint(ctx context.Context, r Range) (docentry.Fingerprint, error) {
	return docentry.FingerprintSet(toEntries(m.inRange(r))), nil
}

func (m *Memory) GetRange(ctx context.Context, r Range) ([]docentry.SignedEntry, error) {
	return m.inRange(r), nil
}

func (m *Memory) GetRangeLen(ctx context.Context, r Range) (int, error) {
	return len(m.inRange(r)), nil
}

func (m *Memory) PrefixedBy(ctx context.Context, id docentry.RecordIdentifier) ([]docentry.SignedEntry, error) {
	var out []docentry.SignedEntry
	for _, e := range m.entries {
		if e.Id.HasPrefix(id) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) PrefixesOf(ctx context.Context, id docentry.RecordIdentifier) ([]docentry.SignedEntry, error) {
	var out []docentry.SignedEntry
	for _, e := range m.entries {
		if id.HasPrefix(e.Id) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) EntryPut(ctx context.Context, entry docentry.SignedEntry) error {
	i := m.search(entry.Id)
	if i < len(m.entries) && m.entries[i].Id.Compare(entry.Id) == 0 {
		m.entries[i] = entry
		return nil
	}
	m.entries = append(m.entries, docentry.SignedEntry{})
	copy(m.entries[i+1:], m.entries[i:])
	m.entries[i] = entry
	return nil
}

func (m *Memory) EntryRemove(ctx context.Context, id docentry.RecordIdentifier) error {
	i := m.search(id)
	if i < len(m.entries) && m.entries[i].Id.Compare(id) == 0 {
		m.entries = append(m.entries[:i], m.entries[i+1:]...)
	}
	return nil
}

func (m *Memory) RemovePrefixFiltered(ctx context.Context, prefix docentry.RecordIdentifier, predicate func(docentry.Record) bool) (int, error) {
	kept := m.entries[:0]
	removed := 0
	for _, e := range m.entries {
		if e.Id.HasPrefix(prefix) && predicate(e.Record) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return removed, nil
}

func toEntries(signed []docentry.SignedEntry) []docentry.Entry {
	out := make([]docentry.Entry, len(signed))
	for i, s := range signed {
		out[i] = s.Entry
	}
	return out
}
