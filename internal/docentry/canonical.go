package docentry

import (
	"crypto/sha256"
	"encoding/binary"
)

// fingerprintDomain separates the range-fingerprint atom hash from
// any other hash this package might someday compute:
// SHA256(domain || 0x00 || data).
const fingerprintDomain = "docengine/fingerprint/v1"

// CanonicalEncoding returns the exact byte string that is signed and
// that transits the wire for an entry:
//
//	namespace(32) ‖ author(32) ‖ key(variable) ‖ len_be(8) ‖ content_hash(32) ‖ timestamp_be(8)
//
// The key carries no length prefix of its own — the surrounding frame
// (wire codec or SQL column) supplies it.
func (e Entry) CanonicalEncoding() []byte {
	buf := make([]byte, 0, 32+32+len(e.Id.Key)+8+32+8)
	buf = append(buf, e.Id.Namespace[:]...)
	buf = append(buf, e.Id.Author[:]...)
	buf = append(buf, e.Id.Key...)

	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], e.Record.Len)
	buf = append(buf, lenBuf[:]...)

	buf = append(buf, e.Record.Hash[:]...)

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], e.Record.Timestamp)
	buf = append(buf, tsBuf[:]...)

	return buf
}

// Fingerprint is a 32-byte XOR-hash summarizing a set of entries,
// commutative under set union.
type Fingerprint [32]byte

// EmptyFingerprint is the fingerprint of the empty set (the all-zero
// XOR identity).
var EmptyFingerprint Fingerprint

// XOR combines two fingerprints (or a fingerprint and an atom),
// producing the fingerprint of their symmetric union. Because XOR is
// commutative and associative, accumulating atoms in any order yields
// the same set fingerprint.
func (f Fingerprint) XOR(other Fingerprint) Fingerprint {
	var out Fingerprint
	for i := range out {
		out[i] = f[i] ^ other[i]
	}
	return out
}

// FingerprintAtom computes the single-entry fingerprint contribution:
// domain-separated hash over namespace ‖ author ‖ key ‖ timestamp_be ‖
// content_hash (BLAKE3 in the upstream protocol, SHA-256 here
// — see the doc comment on fingerprintDomain).
func (e Entry) FingerprintAtom() Fingerprint {
	buf := make([]byte, 0, 32+32+len(e.Id.Key)+8+32)
	buf = append(buf, e.Id.Namespace[:]...)
	buf = append(buf, e.Id.Author[:]...)
	buf = append(buf, e.Id.Key...)

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], e.Record.Timestamp)
	buf = append(buf, tsBuf[:]...)

	buf = append(buf, e.Record.Hash[:]...)

	h := sha256.New()
	h.Write([]byte(fingerprintDomain))
	h.Write([]byte{0x00})
	h.Write(buf)

	var out Fingerprint
	copy(out[:], h.Sum(nil))
	return out
}

// FingerprintSet computes the fingerprint of a slice of entries by
// XOR-accumulating their atoms, independent of order (property 5).
func FingerprintSet(entries []Entry) Fingerprint {
	var fp Fingerprint
	for _, e := range entries {
		fp = fp.XOR(e.FingerprintAtom())
	}
	return fp
}
