// Package rangestore defines the abstract ordered-store contract
// that the reconciliation protocol (internal/reconcile) runs against,
// and the Range type describing the three wrap-around cases.
package rangestore

import "github.com/brutalist-labs/docengine/internal/docentry"

// Range is a semantically three-cased interval over RecordIdentifier,
// the cases distinguished by comparing the bounds:
//
//	cmp(x,y) == 0  -> the entire set
//	cmp(x,y) <  0  -> half-open [x, y)
//	cmp(x,y) >  0  -> wrap-around: everything >= x plus everything < y
type Range struct {
	X, Y docentry.RecordIdentifier
}

// RangeKind classifies a Range for dispatch.
type RangeKind int

const (
	RangeAll RangeKind = iota
	RangeNormal
	RangeWrapping
)

// Kind classifies the range by comparing its bounds.
func (r Range) Kind() RangeKind {
	switch cmp := r.X.Compare(r.Y); {
	case cmp == 0:
		return RangeAll
	case cmp < 0:
		return RangeNormal
	default:
		return RangeWrapping
	}
}

// Contains reports whether id falls within the range.
func (r Range) Contains(id docentry.RecordIdentifier) bool {
	switch r.Kind() {
	case RangeAll:
		return true
	case RangeNormal:
		return !id.Less(r.X) && id.Less(r.Y)
	default: // RangeWrapping
		return !id.Less(r.X) || id.Less(r.Y)
	}
}

// All returns the range denoting the entire set: (first, first), the
// convention the opening reconciliation message uses, where first is
// any sentinel identifier — typically the zero RecordIdentifier.
func All(first docentry.RecordIdentifier) Range {
	return Range{X: first, Y: first}
}
