// Package reconcile implements the recursive range-fingerprint set
// reconciliation protocol, grounded directly on
// original_source/src/ranger.rs's process_message. It is a pure function
// over a rangestore.Store and an incoming Message — the sole suspension
// point is the content-status callback.
package reconcile

import (
	"github.com/brutalist-labs/docengine/internal/docentry"
	"github.com/brutalist-labs/docengine/internal/rangestore"
)

// ContentStatus is advisory metadata about a peer's local availability
// of an entry's content; it never affects acceptance.
type ContentStatus int

const (
	ContentMissing ContentStatus = iota
	ContentIncomplete
	ContentComplete
)

// ValueEntry pairs a signed entry with the sender's advisory content
// status for it.
type ValueEntry struct {
	Entry         docentry.SignedEntry
	ContentStatus ContentStatus
}

// RangeFingerprintPart carries the XOR-accumulated fingerprint over a
// range, inviting the receiver to recurse or diff.
type RangeFingerprintPart struct {
	Range       rangestore.Range
	Fingerprint docentry.Fingerprint
}

// RangeItemPart carries concrete entries within a range, either as a
// diff request (HaveLocal == false) or an authoritative reply
// (HaveLocal == true).
type RangeItemPart struct {
	Range     rangestore.Range
	Values    []ValueEntry
	HaveLocal bool
}

// Part is one entry of a reconciliation Message: exactly one of
// RangeFingerprintPart or RangeItemPart is non-nil.
type Part struct {
	Fingerprint *RangeFingerprintPart
	Item        *RangeItemPart
}

// Message is an ordered list of parts exchanged between two replicas
// reconciling a namespace.
type Message struct {
	Parts []Part
}

// Empty reports whether the message carries no parts — the termination
// signal: either side returns no reply to end the session.
func (m *Message) Empty() bool {
	return m == nil || len(m.Parts) == 0
}
