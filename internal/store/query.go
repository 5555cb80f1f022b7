package store

import (
	"bytes"
	"context"
	"sort"

	"github.com/brutalist-labs/docengine/internal/docentry"
	"github.com/brutalist-labs/docengine/internal/ids"
)

// Query describes one GetMany read: an
// author and/or key filter, a sort order, pagination, and the two
// gates — include_empty (tombstones suppressed unless set) and
// single_latest_per_key (emit only the winning record per key across
// authors).
type Query struct {
	// Author restricts results to one author when non-nil.
	Author *ids.AuthorId
	// KeyMatch and Key restrict results by key.
	KeyMatch KeyMatch
	Key      []byte

	SortBy    SortBy
	Direction Direction

	// Limit caps the number of entries returned; zero means no cap.
	Limit  uint64
	Offset uint64

	// IncludeEmpty returns tombstones too; by default they are
	// suppressed.
	IncludeEmpty bool
	// SingleLatestPerKey collapses each key to the entry with the
	// greatest (timestamp, content_hash) across authors.
	SingleLatestPerKey bool
}

// KeyMatch selects how Query.Key is compared.
type KeyMatch int

const (
	KeyMatchAll KeyMatch = iota
	KeyMatchExact
	KeyMatchPrefix
)

// SortBy selects the result ordering's major axis.
type SortBy int

const (
	SortByAuthorKey SortBy = iota
	SortByKeyAuthor
)

// Direction selects ascending or descending order.
type Direction int

const (
	Asc Direction = iota
	Desc
)

// QueryEntries runs q against this namespace's records. Author and key
// filters are pushed into SQL (walking idx_records_by_key for key-major
// reads); ordering, the latest-per-key collapse, the tombstone gate,
// and pagination run over the fetched rows.
func (r *ReplicaStore) QueryEntries(ctx context.Context, q Query) ([]docentry.SignedEntry, error) {
	where := "1=1"
	var args []any
	if q.Author != nil {
		where += " AND author_id = ?"
		args = append(args, (*q.Author)[:])
	}
	switch q.KeyMatch {
	case KeyMatchExact:
		where += " AND key = ?"
		args = append(args, q.Key)
	case KeyMatchPrefix:
		where += " AND substr(key, 1, ?) = ?"
		args = append(args, len(q.Key), q.Key)
	}
	entries, err := r.queryEntries(ctx, where, args...)
	if err != nil {
		return nil, err
	}
	return ApplyQuery(entries, q), nil
}

// ApplyQuery evaluates q over an already-materialized entry set. It is
// the reference semantics QueryEntries defers to after its SQL
// pushdown, and the path syncactor uses for stores without a SQL
// backend (rangestore.Memory).
func ApplyQuery(entries []docentry.SignedEntry, q Query) []docentry.SignedEntry {
	filtered := make([]docentry.SignedEntry, 0, len(entries))
	for _, e := range entries {
		if !matches(e, q) {
			continue
		}
		filtered = append(filtered, e)
	}

	if q.SingleLatestPerKey {
		filtered = latestPerKey(filtered)
	}

	if !q.IncludeEmpty {
		kept := filtered[:0]
		for _, e := range filtered {
			if !e.Record.IsEmpty() {
				kept = append(kept, e)
			}
		}
		filtered = kept
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		c := compareForSort(filtered[i], filtered[j], q.SortBy)
		if q.Direction == Desc {
			return c > 0
		}
		return c < 0
	})

	if q.Offset > 0 {
		if q.Offset >= uint64(len(filtered)) {
			return nil
		}
		filtered = filtered[q.Offset:]
	}
	if q.Limit > 0 && uint64(len(filtered)) > q.Limit {
		filtered = filtered[:q.Limit]
	}
	return filtered
}

func matches(e docentry.SignedEntry, q Query) bool {
	if q.Author != nil && e.Id.Author != *q.Author {
		return false
	}
	switch q.KeyMatch {
	case KeyMatchExact:
		return bytes.Equal(e.Id.Key, q.Key)
	case KeyMatchPrefix:
		return bytes.HasPrefix(e.Id.Key, q.Key)
	}
	return true
}

// latestPerKey keeps, per key, the entry whose record is greatest by
// the LWW order (timestamp, then content_hash) across all authors —
// the same tiebreak insertion itself uses.
func latestPerKey(entries []docentry.SignedEntry) []docentry.SignedEntry {
	best := make(map[string]docentry.SignedEntry, len(entries))
	var order []string
	for _, e := range entries {
		k := string(e.Id.Key)
		prev, ok := best[k]
		if !ok {
			best[k] = e
			order = append(order, k)
			continue
		}
		if e.Record.GreaterThan(prev.Record) {
			best[k] = e
		}
	}
	out := make([]docentry.SignedEntry, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	return out
}

func compareForSort(a, b docentry.SignedEntry, by SortBy) int {
	var first, second int
	if by == SortByKeyAuthor {
		first = bytes.Compare(a.Id.Key, b.Id.Key)
		second = bytes.Compare(a.Id.Author[:], b.Id.Author[:])
	} else {
		first = bytes.Compare(a.Id.Author[:], b.Id.Author[:])
		second = bytes.Compare(a.Id.Key, b.Id.Key)
	}
	if first != 0 {
		return first
	}
	return second
}
