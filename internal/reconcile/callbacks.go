package reconcile

import (
	"context"

	"github.com/brutalist-labs/docengine/internal/docentry"
)

// ValidateFunc is invoked on every incoming entry before insertion;
// returning false skips insertion while still letting the protocol make
// progress. This is how namespace/signature/timestamp validation is
// plugged in.
type ValidateFunc func(ctx context.Context, entry docentry.SignedEntry, status ContentStatus) bool

// OnInsertFunc is invoked after an incoming entry is actually inserted
// (not merely validated — prefix/LWW dominance may still suppress it).
type OnInsertFunc func(ctx context.Context, entry docentry.SignedEntry, status ContentStatus)

// ContentStatusFunc resolves the local availability of a batch of
// outgoing entries' content in one round-trip to the blob store, rather
// than one call per entry, which avoids a round-trip storm on large
// RangeItem replies.
type ContentStatusFunc func(ctx context.Context, entries []docentry.SignedEntry) ([]ContentStatus, error)

// Callbacks bundles the three injection points process_message needs.
// A nil ContentStatus func is treated as "always Missing".
type Callbacks struct {
	Validate      ValidateFunc
	OnInsert      OnInsertFunc
	ContentStatus ContentStatusFunc
}

func (c Callbacks) resolveContentStatus(ctx context.Context, entries []docentry.SignedEntry) ([]ContentStatus, error) {
	if c.ContentStatus == nil {
		out := make([]ContentStatus, len(entries))
		for i := range out {
			out[i] = ContentMissing
		}
		return out, nil
	}
	return c.ContentStatus(ctx, entries)
}

func (c Callbacks) attach(ctx context.Context, entries []docentry.SignedEntry) ([]ValueEntry, error) {
	statuses, err := c.resolveContentStatus(ctx, entries)
	if err != nil {
		return nil, err
	}
	values := make([]ValueEntry, len(entries))
	for i, e := range entries {
		values[i] = ValueEntry{Entry: e, ContentStatus: statuses[i]}
	}
	return values, nil
}

// Outcome accumulates summary statistics over one process_message call
// of one reconciliation session: entries received, entries sent, and (when
// wired by the caller) AuthorHeads entries resolved via the
// heads-comparison fast path.
type Outcome struct {
	HeadsReceived int
	NumSent       int
	NumRecv       int
}
