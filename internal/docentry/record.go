package docentry

import (
	"bytes"
	"crypto/sha256"
)

// Hash is a 32-byte content hash identifying a blob in the external
// content-addressed store.
type Hash [32]byte

// EmptyHash is the hash of the empty byte string, paired with Len==0 to
// form the canonical tombstone record.
var EmptyHash = Hash(sha256.Sum256(nil))

// Record is the content reference, length, and timestamp for one
// (namespace, author, key). Timestamp is microseconds since Unix epoch.
type Record struct {
	Hash      Hash
	Len       uint64
	Timestamp uint64 // microseconds since Unix epoch
}

// Tombstone builds the canonical empty record at the given timestamp.
func Tombstone(timestampMicros uint64) Record {
	return Record{Hash: EmptyHash, Len: 0, Timestamp: timestampMicros}
}

// IsEmpty reports whether this record is a tombstone.
func (r Record) IsEmpty() bool {
	return r.Len == 0 && r.Hash == EmptyHash
}

// ValidEmptiness enforces the empty-entry discipline: content_len == 0 iff
// content_hash == empty_hash.
func (r Record) ValidEmptiness() bool {
	if r.Len == 0 {
		return r.Hash == EmptyHash
	}
	return r.Hash != EmptyHash
}

// Compare orders records by timestamp ascending, then content hash
// ascending. This governs both LWW resolution and
// SignedEntry ordering.
func (r Record) Compare(other Record) int {
	if r.Timestamp != other.Timestamp {
		if r.Timestamp < other.Timestamp {
			return -1
		}
		return 1
	}
	return bytes.Compare(r.Hash[:], other.Hash[:])
}

// GreaterThan reports whether r strictly supersedes other under LWW
// ordering (the stored record must be strictly greater
// than any record it replaces).
func (r Record) GreaterThan(other Record) bool {
	return r.Compare(other) > 0
}
