// Package docentry defines the entry model shared by every other
// component: the (namespace, author, key) identifier, the record it maps
// to, and the signed, canonically-encoded form that travels over the
// wire and anchors the range-reconciliation fingerprint.
//
// Canonical encoding is explicit byte-level construction via
// appends to a byte slice and encoding/binary, not a generic reflection-based
// marshaler, so the exact bytes that get signed and hashed are pinned
// down in one place.
package docentry
