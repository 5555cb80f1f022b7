package rangestore

import (
	"context"

	"github.com/brutalist-labs/docengine/internal/docentry"
)

// PutOutcome describes what Store.Put did.
type PutOutcome int

const (
	// Inserted means the entry was accepted and written.
	Inserted PutOutcome = iota
	// NotInserted means a newer-or-equal record already superseded the
	// candidate (last-writer-wins or prefix dominance).
	NotInserted
)

// PutResult is the outcome of Store.Put: whether the entry was
// inserted, and how many existing entries were removed by prefix
// dominance.
type PutResult struct {
	Outcome PutOutcome
	Removed int
}

// Store is the abstract ordered range store over SignedEntry that the
// reconciliation protocol and the replica layer run against. A
// concrete implementation backs it with the persistent store
// (internal/store); a pure in-memory implementation also exists for
// reconciliation unit tests.
type Store interface {
	// GetFirst returns the lowest identifier present, or the zero
	// sentinel if empty.
	GetFirst(ctx context.Context) (docentry.RecordIdentifier, error)

	// Get returns the entry at id, if any.
	Get(ctx context.Context, id docentry.RecordIdentifier) (docentry.SignedEntry, bool, error)

	// Len returns the number of entries in the store.
	Len(ctx context.Context) (int, error)

	// GetFingerprint returns the XOR-accumulated fingerprint of entries
	// within r.
	GetFingerprint(ctx context.Context, r Range) (docentry.Fingerprint, error)

	// GetRange iterates entries within r in ascending identifier order.
	GetRange(ctx context.Context, r Range) ([]docentry.SignedEntry, error)

	// GetRangeLen counts entries within r.
	GetRangeLen(ctx context.Context, r Range) (int, error)

	// PrefixedBy iterates entries whose identifier starts with id's
	// identifier (id's Key read as a literal byte prefix).
	PrefixedBy(ctx context.Context, id docentry.RecordIdentifier) ([]docentry.SignedEntry, error)

	// PrefixesOf iterates entries whose identifier is a prefix of id —
	// used for the prefix-dominance check.
	PrefixesOf(ctx context.Context, id docentry.RecordIdentifier) ([]docentry.SignedEntry, error)

	// EntryPut inserts or overwrites entry without the LWW check —
	// called by the reconciliation layer after it has already validated.
	EntryPut(ctx context.Context, entry docentry.SignedEntry) error

	// EntryRemove deletes the entry at id, if present.
	EntryRemove(ctx context.Context, id docentry.RecordIdentifier) error

	// RemovePrefixFiltered atomically deletes every entry whose
	// identifier has the given prefix and whose record satisfies
	// predicate; returns the removed count.
	RemovePrefixFiltered(ctx context.Context, prefix docentry.RecordIdentifier, predicate func(docentry.Record) bool) (int, error)
}

// Put is the composite operation built from the primitives: it first
// consults PrefixesOf for the prefix-dominance check,
// then RemovePrefixFiltered for LWW-prefix-replace, then EntryPut.
func Put(ctx context.Context, s Store, entry docentry.SignedEntry) (PutResult, error) {
	dominators, err := s.PrefixesOf(ctx, entry.Id)
	if err != nil {
		return PutResult{}, err
	}
	for _, d := range dominators {
		if !entry.Record.GreaterThan(d.Record) {
			return PutResult{Outcome: NotInserted}, nil
		}
	}

	removed, err := s.RemovePrefixFiltered(ctx, entry.Id, func(r docentry.Record) bool {
		return !r.GreaterThan(entry.Record)
	})
	if err != nil {
		return PutResult{}, err
	}

	if err := s.EntryPut(ctx, entry); err != nil {
		return PutResult{}, err
	}

	return PutResult{Outcome: Inserted, Removed: removed}, nil
}
