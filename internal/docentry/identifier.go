package docentry

import (
	"bytes"

	"github.com/brutalist-labs/docengine/internal/ids"
)

// RecordIdentifier is the tuple (namespace, author, key). Ordering is
// byte-wise on the concatenation namespace‖author‖key, which is the
// basis for range reconciliation.
type RecordIdentifier struct {
	Namespace ids.NamespaceId
	Author    ids.AuthorId
	Key       []byte
}

// NewRecordIdentifier constructs an identifier, copying the key so
// callers may reuse their buffer.
func NewRecordIdentifier(ns ids.NamespaceId, author ids.AuthorId, key []byte) RecordIdentifier {
	k := make([]byte, len(key))
	copy(k, key)
	return RecordIdentifier{Namespace: ns, Author: author, Key: k}
}

// concat returns namespace‖author‖key, the byte string ordering is
// defined over.
func (r RecordIdentifier) concat() []byte {
	buf := make([]byte, 0, 32+32+len(r.Key))
	buf = append(buf, r.Namespace[:]...)
	buf = append(buf, r.Author[:]...)
	buf = append(buf, r.Key...)
	return buf
}

// Compare returns -1, 0, or 1 comparing r to other lexicographically on
// namespace‖author‖key.
func (r RecordIdentifier) Compare(other RecordIdentifier) int {
	return bytes.Compare(r.concat(), other.concat())
}

// Less reports whether r sorts strictly before other.
func (r RecordIdentifier) Less(other RecordIdentifier) bool {
	return r.Compare(other) < 0
}

// HasPrefix reports whether r's identifier starts with prefix's
// identifier — used for prefix-dominance and prefix-deletion (invariant
// 6). Comparison is on the full concatenated byte string, so a "prefix"
// RecordIdentifier for namespace N and author A with key k matches every
// identifier in the same (N, A) whose key starts with k.
func (r RecordIdentifier) HasPrefix(prefix RecordIdentifier) bool {
	return bytes.HasPrefix(r.concat(), prefix.concat())
}

// Zero reports whether this is the default sentinel identifier (all
// zero namespace/author, empty key) used by rangestore.Store.GetFirst on an
// empty store and by the reconciliation protocol's "all" range marker.
func (r RecordIdentifier) Zero() bool {
	return r.Namespace == ids.NamespaceId{} && r.Author == ids.AuthorId{} && len(r.Key) == 0
}
