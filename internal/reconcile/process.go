package reconcile

import (
	"context"

	"github.com/brutalist-labs/docengine/internal/docentry"
	"github.com/brutalist-labs/docengine/internal/rangestore"
)

// InitialMessage returns the opening message a session sends: a single
// RangeFingerprint part covering the entire set, anchored at the
// store's first identifier.
func InitialMessage(ctx context.Context, store rangestore.Store) (Message, error) {
	first, err := store.GetFirst(ctx)
	if err != nil {
		return Message{}, err
	}
	r := rangestore.All(first)
	fp, err := store.GetFingerprint(ctx, r)
	if err != nil {
		return Message{}, err
	}
	return Message{Parts: []Part{{Fingerprint: &RangeFingerprintPart{Range: r, Fingerprint: fp}}}}, nil
}

// ProcessMessage runs one round of the reconciliation protocol:
// incoming item parts are diffed and inserted, incoming fingerprint
// parts are compared and either answered with a diff or recursively
// split, exactly mirroring process_message in original_source's
// ranger.rs. It returns the reply message (empty when the session has
// converged) together with the round's Outcome.
//
// Items are processed in full before fingerprints, matching the
// original: an incoming RangeItem may insert entries that change what
// a later RangeFingerprint in the same message should diff against.
func ProcessMessage(ctx context.Context, store rangestore.Store, cfg Config, cb Callbacks, msg Message) (Message, Outcome, error) {
	var out Outcome
	var reply []Part

	for _, part := range msg.Parts {
		if part.Item == nil {
			continue
		}
		parts, err := processItem(ctx, store, cb, *part.Item, &out)
		if err != nil {
			return Message{}, Outcome{}, err
		}
		reply = append(reply, parts...)
	}

	for _, part := range msg.Parts {
		if part.Fingerprint == nil {
			continue
		}
		parts, err := processFingerprint(ctx, store, cfg, cb, *part.Fingerprint, &out)
		if err != nil {
			return Message{}, Outcome{}, err
		}
		reply = append(reply, parts...)
	}

	return Message{Parts: reply}, out, nil
}

// processItem accepts the incoming values (insertion), and — when the
// sender declared they don't already have our side of the range
// (HaveLocal == false) — replies with our entries that it's missing.
func processItem(ctx context.Context, store rangestore.Store, cb Callbacks, item RangeItemPart, out *Outcome) ([]Part, error) {
	for _, ve := range item.Values {
		out.NumRecv++
		if cb.Validate != nil && !cb.Validate(ctx, ve.Entry, ve.ContentStatus) {
			continue
		}
		result, err := rangestore.Put(ctx, store, ve.Entry)
		if err != nil {
			return nil, err
		}
		if result.Outcome == rangestore.Inserted && cb.OnInsert != nil {
			cb.OnInsert(ctx, ve.Entry, ve.ContentStatus)
		}
	}

	if item.HaveLocal {
		return nil, nil
	}

	ours, err := store.GetRange(ctx, item.Range)
	if err != nil {
		return nil, err
	}
	diff := diffAgainst(ours, item.Values)
	if len(diff) == 0 {
		return nil, nil
	}
	values, err := cb.attach(ctx, diff)
	if err != nil {
		return nil, err
	}
	out.NumSent += len(values)
	return []Part{{Item: &RangeItemPart{Range: item.Range, Values: values, HaveLocal: true}}}, nil
}

// diffAgainst returns the entries in ours that aren't already
// superseded by an equal-or-newer entry at the same identifier in
// theirs.
func diffAgainst(ours []docentry.SignedEntry, theirs []ValueEntry) []docentry.SignedEntry {
	var diff []docentry.SignedEntry
	for _, our := range ours {
		superseded := false
		for _, their := range theirs {
			if our.Id.Compare(their.Entry.Id) == 0 && their.Entry.Record.Compare(our.Record) >= 0 {
				superseded = true
				break
			}
		}
		if !superseded {
			diff = append(diff, our)
		}
	}
	return diff
}

// processFingerprint compares the incoming fingerprint against the
// local one over the same range: equal fingerprints need no reply;
// a range small enough (or an empty remote fingerprint) is answered
// with raw values; otherwise the range is split into cfg.SplitFactor
// sub-ranges and each sub-range is answered with either a fingerprint
// (if still larger than cfg.MaxSetSize) or raw values.
func processFingerprint(ctx context.Context, store rangestore.Store, cfg Config, cb Callbacks, fp RangeFingerprintPart, out *Outcome) ([]Part, error) {
	local, err := store.GetFingerprint(ctx, fp.Range)
	if err != nil {
		return nil, err
	}
	if local == fp.Fingerprint {
		return nil, nil
	}

	n, err := store.GetRangeLen(ctx, fp.Range)
	if err != nil {
		return nil, err
	}
	if n <= 1 || fp.Fingerprint == docentry.EmptyFingerprint {
		entries, err := store.GetRange(ctx, fp.Range)
		if err != nil {
			return nil, err
		}
		values, err := cb.attach(ctx, entries)
		if err != nil {
			return nil, err
		}
		out.NumSent += len(values)
		return []Part{{Item: &RangeItemPart{Range: fp.Range, Values: values, HaveLocal: false}}}, nil
	}

	subRanges, err := splitRange(ctx, store, cfg, fp.Range)
	if err != nil {
		return nil, err
	}

	var reply []Part
	for _, sr := range subRanges {
		chunk, err := store.GetRange(ctx, sr)
		if err != nil {
			return nil, err
		}
		if len(chunk) > cfg.MaxSetSize {
			sfp, err := store.GetFingerprint(ctx, sr)
			if err != nil {
				return nil, err
			}
			reply = append(reply, Part{Fingerprint: &RangeFingerprintPart{Range: sr, Fingerprint: sfp}})
			continue
		}
		values, err := cb.attach(ctx, chunk)
		if err != nil {
			return nil, err
		}
		out.NumSent += len(values)
		reply = append(reply, Part{Item: &RangeItemPart{Range: sr, Values: values, HaveLocal: false}})
	}
	return reply, nil
}

// splitRange partitions r into cfg.SplitFactor sub-ranges using
// positional pivots over the ascending materialization of r, exactly
// mirroring the pivot() closure in original_source's ranger.rs: pivot i
// lands at offset (n*(i+1))/split_factor into the rotation that starts
// at the first element >= r.X (start_index), wrapping modulo n. The
// is_all() case pairs cfg.SplitFactor consecutive pivots circularly;
// the regular case anchors the first sub-range at r.X and the last at
// r.Y. Degenerate (empty) sub-ranges are dropped.
func splitRange(ctx context.Context, store rangestore.Store, cfg Config, r rangestore.Range) ([]rangestore.Range, error) {
	entries, err := store.GetRange(ctx, r)
	if err != nil {
		return nil, err
	}
	n := len(entries)
	if n == 0 {
		return nil, nil
	}

	startIndex := 0
	if r.Kind() != rangestore.RangeAll {
		for i, e := range entries {
			if !e.Id.Less(r.X) {
				startIndex = i
				break
			}
			startIndex = i + 1
		}
	}

	pivot := func(i int) docentry.RecordIdentifier {
		ii := i % cfg.SplitFactor
		offset := (n * (ii + 1)) / cfg.SplitFactor
		offset = (startIndex + offset) % n
		return entries[offset].Id
	}

	var ranges []rangestore.Range
	addIfNonEmpty := func(x, y docentry.RecordIdentifier) {
		if x.Compare(y) != 0 {
			ranges = append(ranges, rangestore.Range{X: x, Y: y})
		}
	}

	if r.Kind() == rangestore.RangeAll {
		for i := 0; i < cfg.SplitFactor; i++ {
			addIfNonEmpty(pivot(i), pivot(i+1))
		}
		return ranges, nil
	}

	addIfNonEmpty(r.X, pivot(0))
	for i := 0; i < cfg.SplitFactor-2; i++ {
		addIfNonEmpty(pivot(i), pivot(i+1))
	}
	addIfNonEmpty(pivot(cfg.SplitFactor-2), r.Y)
	return ranges, nil
}
