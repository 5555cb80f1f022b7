// Package ids provides the cryptographic identities of the replicated
// document engine: namespaces (documents) and authors (writers).
//
// Namespace and author identities are Ed25519 keypairs. A namespace's
// secret grants write authority over the document; an author's secret
// lets a node sign entries on its own behalf. Neither key type imports
// anything outside the standard library — Ed25519 has no ecosystem
// alternative in common Go practice.
package ids
