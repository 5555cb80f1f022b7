// Package wire frames reconciliation messages for transit over a
// bidirectional byte stream. It hand-rolls a fixed binary
// layout the same way internal/docentry/canonical.go hand-rolls the
// entry's canonical encoding, rather than reaching for a generic
// marshaler: the wire format is part of the protocol's definition, not
// an implementation detail a serde library should own.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/brutalist-labs/docengine/internal/docentry"
	"github.com/brutalist-labs/docengine/internal/ids"
	"github.com/brutalist-labs/docengine/internal/rangestore"
	"github.com/brutalist-labs/docengine/internal/reconcile"
)

// ALPN is the protocol identifier a transport (QUIC or equivalent)
// would negotiate for a reconciliation session.
const ALPN = "/iroh-sync/1"

// MaxFrameLen bounds a single frame's payload size, guarding a peer
// from forcing an unbounded allocation via a forged length prefix.
const MaxFrameLen = 64 << 20 // 64 MiB

// WriteFrame writes one length-prefixed frame: a u32 byte count
// followed by payload. Big-endian, consistent with the rest of the
// package's field convention (internal/docentry/canonical.go).
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameLen {
		return fmt.Errorf("wire: frame of %d bytes exceeds MaxFrameLen", len(payload))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame written by WriteFrame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameLen {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds MaxFrameLen", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: read frame payload: %w", err)
	}
	return payload, nil
}

// AbortReason classifies why a responder refuses to open a session.
type AbortReason int

const (
	AbortNotFound AbortReason = iota
	AbortAlreadySyncing
	AbortInternalServerError
)

func (r AbortReason) String() string {
	switch r {
	case AbortNotFound:
		return "NotFound"
	case AbortAlreadySyncing:
		return "AlreadySyncing"
	case AbortInternalServerError:
		return "InternalServerError"
	default:
		return fmt.Sprintf("AbortReason(%d)", int(r))
	}
}

// syncMessageTag discriminates SyncMessage's three variants on the
// wire: Initial handshake, Sync payload, or Abort.
type syncMessageTag uint8

const (
	tagInitial syncMessageTag = iota
	tagSync
	tagAbort
)

// SyncMessage is the tagged union exchanged over a reconciliation
// session: exactly one of Initial, Sync, or Abort is populated,
// mirroring reconcile.Part's "exactly one of" discipline.
type SyncMessage struct {
	Initial *InitialMessage
	Sync    *reconcile.Message
	Abort   *AbortMessage
}

// InitialMessage is Alice's handshake, naming the namespace she wants
// to reconcile.
type InitialMessage struct {
	Namespace ids.NamespaceId
}

// AbortMessage is Bob's refusal to open a session.
type AbortMessage struct {
	Reason AbortReason
}

// EncodeSyncMessage serializes msg into a single frame payload (not
// yet length-prefixed — see WriteFrame).
func EncodeSyncMessage(msg SyncMessage) ([]byte, error) {
	var buf []byte
	switch {
	case msg.Initial != nil:
		buf = append(buf, byte(tagInitial))
		buf = append(buf, msg.Initial.Namespace[:]...)
	case msg.Sync != nil:
		buf = append(buf, byte(tagSync))
		buf = appendMessage(buf, *msg.Sync)
	case msg.Abort != nil:
		buf = append(buf, byte(tagAbort))
		buf = append(buf, byte(msg.Abort.Reason))
	default:
		return nil, fmt.Errorf("wire: SyncMessage has no populated variant")
	}
	return buf, nil
}

// DecodeSyncMessage parses a frame payload produced by
// EncodeSyncMessage.
func DecodeSyncMessage(payload []byte) (SyncMessage, error) {
	d := &decoder{buf: payload}
	tag, err := d.readByte()
	if err != nil {
		return SyncMessage{}, fmt.Errorf("wire: read SyncMessage tag: %w", err)
	}
	switch syncMessageTag(tag) {
	case tagInitial:
		var ns ids.NamespaceId
		if err := d.readFixed(ns[:]); err != nil {
			return SyncMessage{}, fmt.Errorf("wire: read Initial.Namespace: %w", err)
		}
		return SyncMessage{Initial: &InitialMessage{Namespace: ns}}, d.finish()
	case tagSync:
		m, err := d.readMessage()
		if err != nil {
			return SyncMessage{}, fmt.Errorf("wire: read Sync message: %w", err)
		}
		return SyncMessage{Sync: &m}, d.finish()
	case tagAbort:
		reasonByte, err := d.readByte()
		if err != nil {
			return SyncMessage{}, fmt.Errorf("wire: read Abort.Reason: %w", err)
		}
		return SyncMessage{Abort: &AbortMessage{Reason: AbortReason(reasonByte)}}, d.finish()
	default:
		return SyncMessage{}, fmt.Errorf("wire: unknown SyncMessage tag %d", tag)
	}
}

// WriteSyncMessage frames and writes msg.
func WriteSyncMessage(w io.Writer, msg SyncMessage) error {
	payload, err := EncodeSyncMessage(msg)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadSyncMessage reads and decodes one framed SyncMessage. r should
// be a *bufio.Reader (or equivalent) so repeated small reads don't
// each hit the underlying stream.
func ReadSyncMessage(r io.Reader) (SyncMessage, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return SyncMessage{}, err
	}
	return DecodeSyncMessage(payload)
}

// BufferedReader wraps conn in a *bufio.Reader sized for typical
// reconciliation frames, the shape Alice/Bob sessions read from.
func BufferedReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 4096)
}

// appendMessage encodes a reconcile.Message onto buf.
func appendMessage(buf []byte, m reconcile.Message) []byte {
	buf = appendUvarint(buf, uint64(len(m.Parts)))
	for _, p := range m.Parts {
		buf = appendPart(buf, p)
	}
	return buf
}

func appendPart(buf []byte, p reconcile.Part) []byte {
	switch {
	case p.Fingerprint != nil:
		buf = append(buf, 0)
		buf = appendRange(buf, p.Fingerprint.Range)
		buf = append(buf, p.Fingerprint.Fingerprint[:]...)
	case p.Item != nil:
		buf = append(buf, 1)
		buf = appendRange(buf, p.Item.Range)
		buf = appendUvarint(buf, uint64(len(p.Item.Values)))
		for _, v := range p.Item.Values {
			buf = appendValueEntry(buf, v)
		}
		if p.Item.HaveLocal {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	default:
		buf = append(buf, 2) // empty part, never produced but decodable
	}
	return buf
}

func appendRange(buf []byte, r rangestore.Range) []byte {
	buf = appendRecordIdentifier(buf, r.X)
	buf = appendRecordIdentifier(buf, r.Y)
	return buf
}

func appendRecordIdentifier(buf []byte, id docentry.RecordIdentifier) []byte {
	buf = append(buf, id.Namespace[:]...)
	buf = append(buf, id.Author[:]...)
	buf = appendUvarint(buf, uint64(len(id.Key)))
	buf = append(buf, id.Key...)
	return buf
}

func appendValueEntry(buf []byte, v reconcile.ValueEntry) []byte {
	buf = appendSignedEntry(buf, v.Entry)
	buf = append(buf, byte(v.ContentStatus))
	return buf
}

func appendSignedEntry(buf []byte, e docentry.SignedEntry) []byte {
	buf = appendRecordIdentifier(buf, e.Id)
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], e.Record.Len)
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, e.Record.Hash[:]...)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], e.Record.Timestamp)
	buf = append(buf, tsBuf[:]...)
	buf = append(buf, e.Signature.NamespaceSig[:]...)
	buf = append(buf, e.Signature.AuthorSig[:]...)
	return buf
}

// appendUvarint appends n as a standard LEB128 varint, the same
// variable-length integer encoding postcard itself uses — the one
// piece of postcard's wire format this codec deliberately keeps,
// since a fixed-width count would waste space on the common case of
// small part/value counts.
func appendUvarint(buf []byte, n uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	w := binary.PutUvarint(tmp[:], n)
	return append(buf, tmp[:w]...)
}

// decoder reads sequentially from a byte slice, erroring on underrun.
type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) readByte() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) readFixed(dst []byte) error {
	if d.pos+len(dst) > len(d.buf) {
		return io.ErrUnexpectedEOF
	}
	copy(dst, d.buf[d.pos:d.pos+len(dst)])
	d.pos += len(dst)
	return nil
}

func (d *decoder) readBytes(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	out := make([]byte, n)
	copy(out, d.buf[d.pos:d.pos+n])
	d.pos += n
	return out, nil
}

func (d *decoder) readUvarint() (uint64, error) {
	n, w := binary.Uvarint(d.buf[d.pos:])
	if w <= 0 {
		return 0, fmt.Errorf("wire: malformed varint")
	}
	d.pos += w
	return n, nil
}

func (d *decoder) readUint64() (uint64, error) {
	if d.pos+8 > len(d.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint64(d.buf[d.pos : d.pos+8])
	d.pos += 8
	return v, nil
}

func (d *decoder) finish() error {
	if d.pos != len(d.buf) {
		return fmt.Errorf("wire: %d trailing bytes after decode", len(d.buf)-d.pos)
	}
	return nil
}

func (d *decoder) readRecordIdentifier() (docentry.RecordIdentifier, error) {
	var id docentry.RecordIdentifier
	if err := d.readFixed(id.Namespace[:]); err != nil {
		return id, fmt.Errorf("namespace: %w", err)
	}
	if err := d.readFixed(id.Author[:]); err != nil {
		return id, fmt.Errorf("author: %w", err)
	}
	keyLen, err := d.readUvarint()
	if err != nil {
		return id, fmt.Errorf("key length: %w", err)
	}
	key, err := d.readBytes(int(keyLen))
	if err != nil {
		return id, fmt.Errorf("key: %w", err)
	}
	id.Key = key
	return id, nil
}

func (d *decoder) readRange() (rangestore.Range, error) {
	x, err := d.readRecordIdentifier()
	if err != nil {
		return rangestore.Range{}, fmt.Errorf("range.X: %w", err)
	}
	y, err := d.readRecordIdentifier()
	if err != nil {
		return rangestore.Range{}, fmt.Errorf("range.Y: %w", err)
	}
	return rangestore.Range{X: x, Y: y}, nil
}

func (d *decoder) readSignedEntry() (docentry.SignedEntry, error) {
	var e docentry.SignedEntry
	id, err := d.readRecordIdentifier()
	if err != nil {
		return e, fmt.Errorf("id: %w", err)
	}
	e.Id = id

	length, err := d.readUint64()
	if err != nil {
		return e, fmt.Errorf("record.len: %w", err)
	}
	e.Record.Len = length

	if err := d.readFixed(e.Record.Hash[:]); err != nil {
		return e, fmt.Errorf("record.hash: %w", err)
	}

	ts, err := d.readUint64()
	if err != nil {
		return e, fmt.Errorf("record.timestamp: %w", err)
	}
	e.Record.Timestamp = ts

	if err := d.readFixed(e.Signature.NamespaceSig[:]); err != nil {
		return e, fmt.Errorf("signature.namespace: %w", err)
	}
	if err := d.readFixed(e.Signature.AuthorSig[:]); err != nil {
		return e, fmt.Errorf("signature.author: %w", err)
	}
	return e, nil
}

func (d *decoder) readValueEntry() (reconcile.ValueEntry, error) {
	entry, err := d.readSignedEntry()
	if err != nil {
		return reconcile.ValueEntry{}, err
	}
	status, err := d.readByte()
	if err != nil {
		return reconcile.ValueEntry{}, fmt.Errorf("content status: %w", err)
	}
	return reconcile.ValueEntry{Entry: entry, ContentStatus: reconcile.ContentStatus(status)}, nil
}

func (d *decoder) readPart() (reconcile.Part, error) {
	kind, err := d.readByte()
	if err != nil {
		return reconcile.Part{}, fmt.Errorf("part kind: %w", err)
	}
	switch kind {
	case 0:
		rng, err := d.readRange()
		if err != nil {
			return reconcile.Part{}, fmt.Errorf("fingerprint part range: %w", err)
		}
		var fp docentry.Fingerprint
		if err := d.readFixed(fp[:]); err != nil {
			return reconcile.Part{}, fmt.Errorf("fingerprint part fingerprint: %w", err)
		}
		return reconcile.Part{Fingerprint: &reconcile.RangeFingerprintPart{Range: rng, Fingerprint: fp}}, nil
	case 1:
		rng, err := d.readRange()
		if err != nil {
			return reconcile.Part{}, fmt.Errorf("item part range: %w", err)
		}
		count, err := d.readUvarint()
		if err != nil {
			return reconcile.Part{}, fmt.Errorf("item part value count: %w", err)
		}
		var values []reconcile.ValueEntry
		if count > 0 {
			values = make([]reconcile.ValueEntry, 0, count)
		}
		for i := uint64(0); i < count; i++ {
			v, err := d.readValueEntry()
			if err != nil {
				return reconcile.Part{}, fmt.Errorf("item part value %d: %w", i, err)
			}
			values = append(values, v)
		}
		haveLocalByte, err := d.readByte()
		if err != nil {
			return reconcile.Part{}, fmt.Errorf("item part have_local: %w", err)
		}
		return reconcile.Part{Item: &reconcile.RangeItemPart{Range: rng, Values: values, HaveLocal: haveLocalByte != 0}}, nil
	case 2:
		return reconcile.Part{}, nil
	default:
		return reconcile.Part{}, fmt.Errorf("unknown part kind %d", kind)
	}
}

func (d *decoder) readMessage() (reconcile.Message, error) {
	count, err := d.readUvarint()
	if err != nil {
		return reconcile.Message{}, fmt.Errorf("part count: %w", err)
	}
	if count == 0 {
		return reconcile.Message{}, nil
	}
	parts := make([]reconcile.Part, 0, count)
	for i := uint64(0); i < count; i++ {
		p, err := d.readPart()
		if err != nil {
			return reconcile.Message{}, fmt.Errorf("part %d: %w", i, err)
		}
		parts = append(parts, p)
	}
	return reconcile.Message{Parts: parts}, nil
}
