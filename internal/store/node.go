package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/brutalist-labs/docengine/internal/docentry"
	"github.com/brutalist-labs/docengine/internal/ids"
)

// Node-level tables: authors and namespaces span every document, so
// their accessors live on *Store rather than ReplicaStore. Together
// they back the engine-level actor actions (ImportAuthor,
// ExportAuthor, DeleteAuthor, ListAuthors, ImportNamespace,
// ListReplicas, ContentHashes).

// ImportAuthor persists an author keypair, returning its public id.
// Re-importing the same author is a no-op.
func (s *Store) ImportAuthor(ctx context.Context, secret ids.AuthorSecret) (ids.AuthorId, error) {
	id := secret.Public()
	seed := secret.Seed()
	tx, err := s.beginWrite(ctx)
	if err != nil {
		return ids.AuthorId{}, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO authors (author_id, secret) VALUES (?, ?)
		ON CONFLICT(author_id) DO NOTHING
	`, id[:], seed[:])
	if err != nil {
		return ids.AuthorId{}, fmt.Errorf("import author: %w", err)
	}
	return id, s.commitPending(ctx)
}

// GetAuthor returns the stored secret for id, if this node holds it.
func (s *Store) GetAuthor(ctx context.Context, id ids.AuthorId) (ids.AuthorSecret, bool, error) {
	if err := s.commitPending(ctx); err != nil {
		return ids.AuthorSecret{}, false, err
	}
	var seedBytes []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT secret FROM authors WHERE author_id = ?
	`, id[:]).Scan(&seedBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return ids.AuthorSecret{}, false, nil
	}
	if err != nil {
		return ids.AuthorSecret{}, false, err
	}
	if len(seedBytes) != 32 {
		return ids.AuthorSecret{}, false, fmt.Errorf("get author: secret for %s is %d bytes, want 32", id, len(seedBytes))
	}
	var seed [32]byte
	copy(seed[:], seedBytes)
	return ids.AuthorSecretFromSeed(seed), true, nil
}

// ListAuthors returns every stored author id in byte order.
func (s *Store) ListAuthors(ctx context.Context) ([]ids.AuthorId, error) {
	if err := s.commitPending(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT author_id FROM authors ORDER BY author_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ids.AuthorId
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := ids.AuthorIdFromBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("list authors: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DeleteAuthor removes a stored author keypair. The caller (the actor)
// is responsible for refusing to delete the current default author.
func (s *Store) DeleteAuthor(ctx context.Context, id ids.AuthorId) error {
	tx, err := s.beginWrite(ctx)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM authors WHERE author_id = ?`, id[:])
	if err != nil {
		return fmt.Errorf("delete author: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("delete author: %s not found", id)
	}
	return s.commitPending(ctx)
}

// GetNamespace returns the capability this node holds for ns, if the
// namespace has been registered.
func (s *Store) GetNamespace(ctx context.Context, ns ids.NamespaceId) (ids.Capability, bool, error) {
	if err := s.commitPending(ctx); err != nil {
		return ids.Capability{}, false, err
	}
	var kind int
	var secret []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT capability_kind, secret FROM namespaces WHERE namespace_id = ?
	`, ns.String()).Scan(&kind, &secret)
	if errors.Is(err, sql.ErrNoRows) {
		return ids.Capability{}, false, nil
	}
	if err != nil {
		return ids.Capability{}, false, err
	}
	cap := ids.Capability{Kind: ids.CapabilityKind(kind), Id: ns}
	if cap.IsWrite() {
		if len(secret) != len(cap.Secret) {
			return ids.Capability{}, false, fmt.Errorf("get namespace: secret for %s is %d bytes, want %d", ns, len(secret), len(cap.Secret))
		}
		copy(cap.Secret[:], secret)
	}
	return cap, true, nil
}

// NamespaceInfo is one row of ListNamespaces: which documents this
// node knows about and with what authority.
type NamespaceInfo struct {
	Id         ids.NamespaceId
	Capability ids.CapabilityKind
}

// ListNamespaces returns every registered namespace.
func (s *Store) ListNamespaces(ctx context.Context) ([]NamespaceInfo, error) {
	if err := s.commitPending(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT namespace_id, capability_kind FROM namespaces ORDER BY namespace_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NamespaceInfo
	for rows.Next() {
		var hexID string
		var kind int
		if err := rows.Scan(&hexID, &kind); err != nil {
			return nil, err
		}
		id, err := namespaceIdFromHex(hexID)
		if err != nil {
			return nil, fmt.Errorf("list namespaces: %w", err)
		}
		out = append(out, NamespaceInfo{Id: id, Capability: ids.CapabilityKind(kind)})
	}
	return out, rows.Err()
}

func namespaceIdFromHex(s string) (ids.NamespaceId, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ids.NamespaceId{}, err
	}
	return ids.NamespaceIdFromBytes(raw)
}

// ContentHashes returns every distinct non-empty content hash
// referenced by any stored record, across all namespaces — the set the
// blob layer must not garbage-collect.
func (s *Store) ContentHashes(ctx context.Context) ([]docentry.Hash, error) {
	if err := s.commitPending(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT content_hash FROM records WHERE content_len > 0 ORDER BY content_hash
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []docentry.Hash
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		if len(raw) != 32 {
			return nil, fmt.Errorf("content hashes: hash is %d bytes, want 32", len(raw))
		}
		var h docentry.Hash
		copy(h[:], raw)
		out = append(out, h)
	}
	return out, rows.Err()
}
