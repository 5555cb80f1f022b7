package ids

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// NamespaceId is the 32-byte Ed25519 public key identifying a document.
type NamespaceId [32]byte

// NamespaceSecret is the 64-byte Ed25519 private key granting write
// authority over a namespace.
type NamespaceSecret [64]byte

// String renders the namespace id as lowercase hex.
func (n NamespaceId) String() string {
	return hex.EncodeToString(n[:])
}

// NewNamespace generates a fresh namespace keypair.
func NewNamespace() (NamespaceId, NamespaceSecret, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return NamespaceId{}, NamespaceSecret{}, fmt.Errorf("generate namespace key: %w", err)
	}
	var id NamespaceId
	var secret NamespaceSecret
	copy(id[:], pub)
	copy(secret[:], priv)
	return id, secret, nil
}

// Public derives the namespace id from its secret.
func (s NamespaceSecret) Public() NamespaceId {
	var id NamespaceId
	copy(id[:], ed25519.PrivateKey(s[:]).Public().(ed25519.PublicKey))
	return id
}

// Sign signs data with the namespace secret, producing a 64-byte signature.
func (s NamespaceSecret) Sign(data []byte) [64]byte {
	sig := ed25519.Sign(ed25519.PrivateKey(s[:]), data)
	var out [64]byte
	copy(out[:], sig)
	return out
}

// Verify checks a namespace signature over data.
func (n NamespaceId) Verify(data []byte, sig [64]byte) bool {
	return ed25519.Verify(ed25519.PublicKey(n[:]), data, sig[:])
}

// Seed returns the 32-byte Ed25519 seed for this secret, the compact
// form carried inside write-capability tickets.
func (s NamespaceSecret) Seed() [32]byte {
	var seed [32]byte
	copy(seed[:], ed25519.PrivateKey(s[:]).Seed())
	return seed
}

// NamespaceSecretFromSeed expands a 32-byte Ed25519 seed back into a
// full namespace secret (the inverse of Seed).
func NamespaceSecretFromSeed(seed [32]byte) NamespaceSecret {
	priv := ed25519.NewKeyFromSeed(seed[:])
	var secret NamespaceSecret
	copy(secret[:], priv)
	return secret
}

// NamespaceIdFromBytes validates and wraps a 32-byte public key.
func NamespaceIdFromBytes(b []byte) (NamespaceId, error) {
	if len(b) != 32 {
		return NamespaceId{}, fmt.Errorf("namespace id must be 32 bytes, got %d", len(b))
	}
	var id NamespaceId
	copy(id[:], b)
	return id, nil
}
