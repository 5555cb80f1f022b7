// Package ticket implements the self-describing sharing token: a
// capability for one document plus the addresses of at least one
// node that can serve it, rendered as a "doc"-prefixed base32 string
// suitable for pasting into a chat message or a shell.
package ticket

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/brutalist-labs/docengine/internal/ids"
)

// Prefix tags the textual form so a reader (human or machine) can tell
// what kind of token they are holding before decoding it.
const Prefix = "doc"

// wireVariant0 is the only wire variant so far. The discriminator byte
// exists so a future format revision can coexist with this one rather
// than replace it.
const wireVariant0 = 0

const (
	capTagWrite = 0
	capTagRead  = 1
)

// NodeAddr describes one way to reach a node: its identity key, an
// optional relay URL, and zero or more direct socket addresses.
type NodeAddr struct {
	NodeID   [32]byte
	RelayURL string
	Addrs    []string
}

// DocTicket is a sharing token for one document: the capability being
// granted (read or write) and a non-empty list of nodes to contact.
type DocTicket struct {
	Capability ids.Capability
	Nodes      []NodeAddr
}

// New builds a ticket, rejecting an empty node list up front so an
// unusable token is never minted in the first place.
func New(capability ids.Capability, nodes []NodeAddr) (DocTicket, error) {
	if len(nodes) == 0 {
		return DocTicket{}, fmt.Errorf("ticket: node list cannot be empty")
	}
	return DocTicket{Capability: capability, Nodes: nodes}, nil
}

// encoding without padding; the textual form lower-cases it and decode
// accepts either case.
var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Bytes returns the binary wire form: a variant discriminator, the
// capability (tag byte plus 32 bytes of key material — the namespace
// id for read, the secret seed for write), then a varint-counted list
// of node addresses.
func (t DocTicket) Bytes() []byte {
	var buf []byte
	buf = append(buf, wireVariant0)
	if t.Capability.IsWrite() {
		seed := t.Capability.Secret.Seed()
		buf = append(buf, capTagWrite)
		buf = append(buf, seed[:]...)
	} else {
		buf = append(buf, capTagRead)
		buf = append(buf, t.Capability.Id[:]...)
	}
	buf = appendUvarint(buf, uint64(len(t.Nodes)))
	for _, n := range t.Nodes {
		buf = append(buf, n.NodeID[:]...)
		buf = appendUvarint(buf, uint64(len(n.RelayURL)))
		buf = append(buf, n.RelayURL...)
		buf = appendUvarint(buf, uint64(len(n.Addrs)))
		for _, a := range n.Addrs {
			buf = appendUvarint(buf, uint64(len(a)))
			buf = append(buf, a...)
		}
	}
	return buf
}

// String renders the ticket as Prefix plus lower-case base32 of Bytes.
func (t DocTicket) String() string {
	return Prefix + strings.ToLower(b32.EncodeToString(t.Bytes()))
}

// Parse decodes the textual form produced by String. The base32 body
// is accepted case-insensitively, and a ticket with no nodes is
// rejected the same way New rejects minting one.
func Parse(s string) (DocTicket, error) {
	if !strings.HasPrefix(s, Prefix) {
		return DocTicket{}, fmt.Errorf("ticket: missing %q prefix", Prefix)
	}
	raw, err := b32.DecodeString(strings.ToUpper(s[len(Prefix):]))
	if err != nil {
		return DocTicket{}, fmt.Errorf("ticket: decode base32: %w", err)
	}
	return FromBytes(raw)
}

// FromBytes decodes the binary wire form produced by Bytes.
func FromBytes(raw []byte) (DocTicket, error) {
	d := &decoder{buf: raw}

	variant, err := d.readByte()
	if err != nil {
		return DocTicket{}, fmt.Errorf("ticket: read variant: %w", err)
	}
	if variant != wireVariant0 {
		return DocTicket{}, fmt.Errorf("ticket: unknown wire variant %d", variant)
	}

	capTag, err := d.readByte()
	if err != nil {
		return DocTicket{}, fmt.Errorf("ticket: read capability tag: %w", err)
	}
	var keyMaterial [32]byte
	if err := d.readFixed(keyMaterial[:]); err != nil {
		return DocTicket{}, fmt.Errorf("ticket: read capability key: %w", err)
	}
	var capability ids.Capability
	switch capTag {
	case capTagWrite:
		capability = ids.NewWriteCapability(ids.NamespaceSecretFromSeed(keyMaterial))
	case capTagRead:
		capability = ids.NewReadCapability(ids.NamespaceId(keyMaterial))
	default:
		return DocTicket{}, fmt.Errorf("ticket: unknown capability tag %d", capTag)
	}

	count, err := d.readUvarint()
	if err != nil {
		return DocTicket{}, fmt.Errorf("ticket: read node count: %w", err)
	}
	if count == 0 {
		return DocTicket{}, fmt.Errorf("ticket: node list cannot be empty")
	}
	nodes := make([]NodeAddr, 0, count)
	for i := uint64(0); i < count; i++ {
		var n NodeAddr
		if err := d.readFixed(n.NodeID[:]); err != nil {
			return DocTicket{}, fmt.Errorf("ticket: read node id: %w", err)
		}
		relay, err := d.readString()
		if err != nil {
			return DocTicket{}, fmt.Errorf("ticket: read relay url: %w", err)
		}
		n.RelayURL = relay
		addrCount, err := d.readUvarint()
		if err != nil {
			return DocTicket{}, fmt.Errorf("ticket: read address count: %w", err)
		}
		for j := uint64(0); j < addrCount; j++ {
			addr, err := d.readString()
			if err != nil {
				return DocTicket{}, fmt.Errorf("ticket: read address: %w", err)
			}
			n.Addrs = append(n.Addrs, addr)
		}
		nodes = append(nodes, n)
	}

	if err := d.finish(); err != nil {
		return DocTicket{}, err
	}
	return DocTicket{Capability: capability, Nodes: nodes}, nil
}

func appendUvarint(buf []byte, n uint64) []byte {
	for n >= 0x80 {
		buf = append(buf, byte(n)|0x80)
		n >>= 7
	}
	return append(buf, byte(n))
}

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) readByte() (byte, error) {
	if d.off >= len(d.buf) {
		return 0, fmt.Errorf("unexpected end of input")
	}
	b := d.buf[d.off]
	d.off++
	return b, nil
}

func (d *decoder) readFixed(dst []byte) error {
	if d.off+len(dst) > len(d.buf) {
		return fmt.Errorf("unexpected end of input")
	}
	copy(dst, d.buf[d.off:])
	d.off += len(dst)
	return nil
}

func (d *decoder) readUvarint() (uint64, error) {
	var n uint64
	var shift uint
	for {
		b, err := d.readByte()
		if err != nil {
			return 0, err
		}
		if shift >= 64 {
			return 0, fmt.Errorf("uvarint overflows 64 bits")
		}
		n |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return n, nil
		}
		shift += 7
	}
}

func (d *decoder) readString() (string, error) {
	n, err := d.readUvarint()
	if err != nil {
		return "", err
	}
	if uint64(d.off)+n > uint64(len(d.buf)) {
		return "", fmt.Errorf("unexpected end of input")
	}
	s := string(d.buf[d.off : d.off+int(n)])
	d.off += int(n)
	return s, nil
}

func (d *decoder) finish() error {
	if d.off != len(d.buf) {
		return fmt.Errorf("ticket: %d trailing bytes after ticket body", len(d.buf)-d.off)
	}
	return nil
}
