package docentry

import "github.com/brutalist-labs/docengine/internal/ids"

// Entry pairs an identifier with the record it maps to.
type Entry struct {
	Id     RecordIdentifier
	Record Record
}

// Compare orders entries by identifier then record. This
// ordering governs both reconciliation range boundaries and the range
// store's ascending iteration.
func (e Entry) Compare(other Entry) int {
	if c := e.Id.Compare(other.Id); c != 0 {
		return c
	}
	return e.Record.Compare(other.Record)
}

// Signature holds the two Ed25519 signatures over an entry's canonical
// encoding: one by the namespace key, one by the author key.
type Signature struct {
	NamespaceSig [64]byte
	AuthorSig    [64]byte
}

// SignedEntry is an Entry plus its namespace and author signatures
// over its canonical encoding. It is the unit stored by the range
// store and exchanged on the wire.
type SignedEntry struct {
	Entry
	Signature Signature
}

// Sign produces a SignedEntry by signing entry's canonical encoding
// with both the namespace secret and the author secret. The caller is
// responsible for ensuring entry.Id.Namespace matches the namespace
// secret's public key and entry.Id.Author matches the author secret's
// public key.
func Sign(entry Entry, nsSecret ids.NamespaceSecret, authorSecret ids.AuthorSecret) SignedEntry {
	msg := entry.CanonicalEncoding()
	return SignedEntry{
		Entry: entry,
		Signature: Signature{
			NamespaceSig: nsSecret.Sign(msg),
			AuthorSig:    authorSecret.Sign(msg),
		},
	}
}

// Verify checks both signatures over the entry's canonical encoding
// against its declared namespace and author public keys.
func (s SignedEntry) Verify() bool {
	msg := s.Entry.CanonicalEncoding()
	return s.Id.Namespace.Verify(msg, s.Signature.NamespaceSig) &&
		s.Id.Author.Verify(msg, s.Signature.AuthorSig)
}

// Compare orders SignedEntry the same way as its embedded Entry;
// signatures do not participate in ordering.
func (s SignedEntry) Compare(other SignedEntry) int {
	return s.Entry.Compare(other.Entry)
}
