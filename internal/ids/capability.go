package ids

import "fmt"

// CapabilityKind distinguishes read-only from write capability.
type CapabilityKind uint8

const (
	CapabilityRead  CapabilityKind = 1
	CapabilityWrite CapabilityKind = 2
)

// Capability is a per-namespace read or write authority. Write carries
// the namespace secret; Read carries only the public id.
type Capability struct {
	Kind    CapabilityKind
	Id      NamespaceId
	Secret  NamespaceSecret // zero unless Kind == CapabilityWrite
}

// NewReadCapability builds a read-only capability for a namespace.
func NewReadCapability(id NamespaceId) Capability {
	return Capability{Kind: CapabilityRead, Id: id}
}

// NewWriteCapability builds a write capability from a namespace secret.
func NewWriteCapability(secret NamespaceSecret) Capability {
	return Capability{Kind: CapabilityWrite, Id: secret.Public(), Secret: secret}
}

// IsWrite reports whether this capability grants write authority.
func (c Capability) IsWrite() bool {
	return c.Kind == CapabilityWrite
}

// Namespace returns the namespace id this capability applies to.
func (c Capability) Namespace() NamespaceId {
	return c.Id
}

// ErrNamespaceMismatch is returned by Merge when the two capabilities
// refer to different namespaces.
type ErrNamespaceMismatch struct {
	A, B NamespaceId
}

func (e *ErrNamespaceMismatch) Error() string {
	return fmt.Sprintf("capability mismatch: %s vs %s", e.A, e.B)
}

// Merge upgrades a Read capability to Write in place (Read ⊕ Write =
// Write) and rejects downgrading an existing Write: the reverse
// direction, Write ⊕ Read, also resolves to Write, never to Read.
func Merge(existing, incoming Capability) (Capability, error) {
	if existing.Id != incoming.Id {
		return Capability{}, &ErrNamespaceMismatch{A: existing.Id, B: incoming.Id}
	}
	if existing.IsWrite() || incoming.IsWrite() {
		if existing.IsWrite() {
			return existing, nil
		}
		return incoming, nil
	}
	return existing, nil
}
