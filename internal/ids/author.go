package ids

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// AuthorId is the 32-byte Ed25519 public key identifying a writer.
type AuthorId [32]byte

// AuthorSecret is the 64-byte Ed25519 private key letting a node sign
// entries as a given author.
type AuthorSecret [64]byte

func (a AuthorId) String() string {
	return hex.EncodeToString(a[:])
}

// NewAuthor generates a fresh author keypair.
func NewAuthor() (AuthorId, AuthorSecret, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return AuthorId{}, AuthorSecret{}, fmt.Errorf("generate author key: %w", err)
	}
	var id AuthorId
	var secret AuthorSecret
	copy(id[:], pub)
	copy(secret[:], priv)
	return id, secret, nil
}

func (s AuthorSecret) Public() AuthorId {
	var id AuthorId
	copy(id[:], ed25519.PrivateKey(s[:]).Public().(ed25519.PublicKey))
	return id
}

func (s AuthorSecret) Sign(data []byte) [64]byte {
	sig := ed25519.Sign(ed25519.PrivateKey(s[:]), data)
	var out [64]byte
	copy(out[:], sig)
	return out
}

func (a AuthorId) Verify(data []byte, sig [64]byte) bool {
	return ed25519.Verify(ed25519.PublicKey(a[:]), data, sig[:])
}

// Seed returns the 32-byte Ed25519 seed for this secret, the compact
// form `author export` prints and the authors table persists.
func (s AuthorSecret) Seed() [32]byte {
	var seed [32]byte
	copy(seed[:], ed25519.PrivateKey(s[:]).Seed())
	return seed
}

// AuthorSecretFromSeed expands a 32-byte Ed25519 seed back into a full
// author secret (the inverse of Seed).
func AuthorSecretFromSeed(seed [32]byte) AuthorSecret {
	priv := ed25519.NewKeyFromSeed(seed[:])
	var secret AuthorSecret
	copy(secret[:], priv)
	return secret
}

// AuthorIdFromBytes validates and wraps a 32-byte public key.
func AuthorIdFromBytes(b []byte) (AuthorId, error) {
	if len(b) != 32 {
		return AuthorId{}, fmt.Errorf("author id must be 32 bytes, got %d", len(b))
	}
	var id AuthorId
	copy(id[:], b)
	return id, nil
}

// AuthorSecretFromHex parses a hex-encoded 32-byte Ed25519 seed (the
// form `author import` accepts on the command line) and expands it to
// a full private key.
func AuthorSecretFromHex(s string) (AuthorSecret, error) {
	seed, err := hex.DecodeString(s)
	if err != nil {
		return AuthorSecret{}, fmt.Errorf("decode author seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return AuthorSecret{}, fmt.Errorf("author seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	var secret AuthorSecret
	copy(secret[:], priv)
	return secret, nil
}
