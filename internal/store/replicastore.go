package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/brutalist-labs/docengine/internal/docentry"
	"github.com/brutalist-labs/docengine/internal/downloadpolicy"
	"github.com/brutalist-labs/docengine/internal/ids"
	"github.com/brutalist-labs/docengine/internal/rangestore"
)

// ReplicaStore implements rangestore.Store for one namespace against
// the shared SQLite connection. It is the production counterpart to
// rangestore.Memory; internal/syncactor's Registry opens one per
// namespace through its StoreFactory.
type ReplicaStore struct {
	store *Store
	ns    ids.NamespaceId
}

// Namespace returns the per-namespace range store for ns. The caller
// must have already registered ns via RegisterNamespace.
func (s *Store) Namespace(ns ids.NamespaceId) *ReplicaStore {
	return &ReplicaStore{store: s, ns: ns}
}

// Flush force-commits the shared Store's pending write transaction.
// Satisfies internal/syncactor's flusher interface, so the actor's
// periodic ticker and FlushStore action reach every open namespace's
// underlying *Store (shared across ReplicaStore instances).
func (r *ReplicaStore) Flush(ctx context.Context) error {
	return r.store.Flush(ctx)
}

// RegisterNamespace records a namespace's capability (read-only or
// read-write) so GetNamespace can later be used to recover which
// capability this node holds. Re-registering merges per
// ids.Capability's upgrade-never-downgrade rule.
func (s *Store) RegisterNamespace(ctx context.Context, cap ids.Capability) error {
	if err := s.commitPending(ctx); err != nil {
		return err
	}
	var existingKind int
	var secret []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT capability_kind, secret FROM namespaces WHERE namespace_id = ?
	`, cap.Namespace().String()).Scan(&existingKind, &secret)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.insertNamespace(ctx, cap)
	case err != nil:
		return err
	}

	existing := ids.Capability{Kind: ids.CapabilityKind(existingKind), Id: cap.Namespace()}
	if existingKind == int(ids.CapabilityWrite) {
		copy(existing.Secret[:], secret)
	}
	merged, err := ids.Merge(existing, cap)
	if err != nil {
		return err
	}
	return s.insertNamespace(ctx, merged)
}

func (s *Store) insertNamespace(ctx context.Context, cap ids.Capability) error {
	var secret []byte
	if cap.IsWrite() {
		secret = cap.Secret[:]
	}
	tx, err := s.beginWrite(ctx)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO namespaces (namespace_id, capability_kind, secret)
		VALUES (?, ?, ?)
		ON CONFLICT(namespace_id) DO UPDATE SET
			capability_kind = excluded.capability_kind,
			secret = excluded.secret
	`, cap.Namespace().String(), int(cap.Kind), secret)
	if err != nil {
		return err
	}
	return s.commitPending(ctx)
}

// DeleteNamespace permanently removes every row belonging to this
// namespace across every table (records, latest_per_author,
// namespace_peers, download_policy, and the namespaces row itself).
// Used by the DropReplica action to actually erase a
// document's data rather than merely closing the in-memory handle.
func (r *ReplicaStore) DeleteNamespace(ctx context.Context) error {
	tx, err := r.store.beginWrite(ctx)
	if err != nil {
		return err
	}

	tables := []string{"records", "latest_per_author", "namespace_peers", "download_policy", "namespaces"}
	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE namespace_id = ?", r.ns.String()); err != nil {
			return fmt.Errorf("delete namespace: %s: %w", table, err)
		}
	}
	return r.store.commitPending(ctx)
}

func idKey(author ids.AuthorId, key []byte) []byte {
	out := make([]byte, 0, 32+len(key))
	out = append(out, author[:]...)
	out = append(out, key...)
	return out
}

func (r *ReplicaStore) scanRow(row *sql.Row) (docentry.SignedEntry, bool, error) {
	var authorBytes, keyBytes, hashBytes, nsSig, authorSig []byte
	var length, timestamp uint64
	err := row.Scan(&authorBytes, &keyBytes, &hashBytes, &length, &timestamp, &nsSig, &authorSig)
	if errors.Is(err, sql.ErrNoRows) {
		return docentry.SignedEntry{}, false, nil
	}
	if err != nil {
		return docentry.SignedEntry{}, false, err
	}
	return r.buildEntry(authorBytes, keyBytes, hashBytes, length, timestamp, nsSig, authorSig)
}

func (r *ReplicaStore) buildEntry(authorBytes, keyBytes, hashBytes []byte, length, timestamp uint64, nsSig, authorSig []byte) (docentry.SignedEntry, bool, error) {
	author, err := ids.AuthorIdFromBytes(authorBytes)
	if err != nil {
		return docentry.SignedEntry{}, false, err
	}
	var hash docentry.Hash
	copy(hash[:], hashBytes)
	id := docentry.NewRecordIdentifier(r.ns, author, keyBytes)
	entry := docentry.Entry{Id: id, Record: docentry.Record{Hash: hash, Len: length, Timestamp: timestamp}}
	var sig docentry.Signature
	copy(sig.NamespaceSig[:], nsSig)
	copy(sig.AuthorSig[:], authorSig)
	return docentry.SignedEntry{Entry: entry, Signature: sig}, true, nil
}

const selectColumns = `author_id, key, content_hash, content_len, timestamp, namespace_sig, author_sig`

func (r *ReplicaStore) GetFirst(ctx context.Context) (docentry.RecordIdentifier, error) {
	if err := r.store.commitPending(ctx); err != nil {
		return docentry.RecordIdentifier{}, err
	}
	row := r.store.db.QueryRowContext(ctx, `
		SELECT author_id, key FROM records
		WHERE namespace_id = ?
		ORDER BY id_key ASC LIMIT 1
	`, r.ns.String())
	var authorBytes, keyBytes []byte
	err := row.Scan(&authorBytes, &keyBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return docentry.RecordIdentifier{}, nil
	}
	if err != nil {
		return docentry.RecordIdentifier{}, err
	}
	author, err := ids.AuthorIdFromBytes(authorBytes)
	if err != nil {
		return docentry.RecordIdentifier{}, err
	}
	return docentry.NewRecordIdentifier(r.ns, author, keyBytes), nil
}

func (r *ReplicaStore) Get(ctx context.Context, id docentry.RecordIdentifier) (docentry.SignedEntry, bool, error) {
	if err := r.store.commitPending(ctx); err != nil {
		return docentry.SignedEntry{}, false, err
	}
	row := r.store.db.QueryRowContext(ctx, `
		SELECT `+selectColumns+` FROM records
		WHERE namespace_id = ? AND id_key = ?
	`, r.ns.String(), idKey(id.Author, id.Key))
	return r.scanRow(row)
}

func (r *ReplicaStore) Len(ctx context.Context) (int, error) {
	if err := r.store.commitPending(ctx); err != nil {
		return 0, err
	}
	var n int
	err := r.store.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM records WHERE namespace_id = ?
	`, r.ns.String()).Scan(&n)
	return n, err
}

// rangeWhere builds the WHERE clause fragment (plus bind args) matching
// rangestore.Range's three cases against id_key, grounded on
// internal/rangestore.Range.Contains's own three-way dispatch.
func rangeWhere(r rangestore.Range) (string, []any) {
	switch r.Kind() {
	case rangestore.RangeAll:
		return "1=1", nil
	case rangestore.RangeNormal:
		return "id_key >= ? AND id_key < ?", []any{idKey(r.X.Author, r.X.Key), idKey(r.Y.Author, r.Y.Key)}
	default: // RangeWrapping
		return "(id_key >= ? OR id_key < ?)", []any{idKey(r.X.Author, r.X.Key), idKey(r.Y.Author, r.Y.Key)}
	}
}

func (r *ReplicaStore) queryEntries(ctx context.Context, where string, args ...any) ([]docentry.SignedEntry, error) {
	if err := r.store.commitPending(ctx); err != nil {
		return nil, err
	}
	rows, err := r.store.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM records
		WHERE namespace_id = ? AND `+where+`
		ORDER BY id_key ASC
	`, append([]any{r.ns.String()}, args...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []docentry.SignedEntry
	for rows.Next() {
		var authorBytes, keyBytes, hashBytes, nsSig, authorSig []byte
		var length, timestamp uint64
		if err := rows.Scan(&authorBytes, &keyBytes, &hashBytes, &length, &timestamp, &nsSig, &authorSig); err != nil {
			return nil, err
		}
		entry, _, err := r.buildEntry(authorBytes, keyBytes, hashBytes, length, timestamp, nsSig, authorSig)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (r *ReplicaStore) GetRange(ctx context.Context, rng rangestore.Range) ([]docentry.SignedEntry, error) {
	where, args := rangeWhere(rng)
	return r.queryEntries(ctx, where, args...)
}

func (r *ReplicaStore) GetRangeLen(ctx context.Context, rng rangestore.Range) (int, error) {
	if err := r.store.commitPending(ctx); err != nil {
		return 0, err
	}
	where, args := rangeWhere(rng)
	var n int
	err := r.store.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM records WHERE namespace_id = ? AND `+where,
		append([]any{r.ns.String()}, args...)...,
	).Scan(&n)
	return n, err
}

func (r *ReplicaStore) GetFingerprint(ctx context.Context, rng rangestore.Range) (docentry.Fingerprint, error) {
	entries, err := r.GetRange(ctx, rng)
	if err != nil {
		return docentry.Fingerprint{}, err
	}
	plain := make([]docentry.Entry, len(entries))
	for i, e := range entries {
		plain[i] = e.Entry
	}
	return docentry.FingerprintSet(plain), nil
}

func (r *ReplicaStore) PrefixedBy(ctx context.Context, id docentry.RecordIdentifier) ([]docentry.SignedEntry, error) {
	prefix := idKey(id.Author, id.Key)
	return r.queryEntries(ctx, "substr(id_key, 1, ?) = ?", len(prefix), prefix)
}

func (r *ReplicaStore) PrefixesOf(ctx context.Context, id docentry.RecordIdentifier) ([]docentry.SignedEntry, error) {
	full := idKey(id.Author, id.Key)
	// Every possible prefix of full is itself a candidate dominator;
	// since id_key is author(32)||key, and all entries share the same
	// author for a meaningful prefix-dominance check, restrict the
	// candidate set to rows sharing the same author and whose id_key is
	// a byte-prefix of full.
	entries, err := r.queryEntries(ctx, "author_id = ? AND ? >= id_key AND substr(?, 1, length(id_key)) = id_key",
		id.Author[:], full, full)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *ReplicaStore) EntryPut(ctx context.Context, entry docentry.SignedEntry) error {
	tx, err := r.store.beginWrite(ctx)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO records
			(namespace_id, author_id, key, id_key, content_hash, content_len, timestamp, namespace_sig, author_sig)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace_id, id_key) DO UPDATE SET
			content_hash = excluded.content_hash,
			content_len = excluded.content_len,
			timestamp = excluded.timestamp,
			namespace_sig = excluded.namespace_sig,
			author_sig = excluded.author_sig
	`,
		r.ns.String(),
		entry.Id.Author[:],
		entry.Id.Key,
		idKey(entry.Id.Author, entry.Id.Key),
		entry.Record.Hash[:],
		entry.Record.Len,
		entry.Record.Timestamp,
		entry.Signature.NamespaceSig[:],
		entry.Signature.AuthorSig[:],
	)
	if err != nil {
		return err
	}
	return r.refreshLatestForAuthor(ctx, tx, entry.Id.Author)
}

func (r *ReplicaStore) EntryRemove(ctx context.Context, id docentry.RecordIdentifier) error {
	tx, err := r.store.beginWrite(ctx)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		DELETE FROM records WHERE namespace_id = ? AND id_key = ?
	`, r.ns.String(), idKey(id.Author, id.Key))
	if err != nil {
		return err
	}
	return r.refreshLatestForAuthor(ctx, tx, id.Author)
}

// RemovePrefixFiltered deletes every record under prefix whose record
// fails predicate, materializing candidates first since predicate is
// an arbitrary Go closure the database can't evaluate directly.
func (r *ReplicaStore) RemovePrefixFiltered(ctx context.Context, prefix docentry.RecordIdentifier, predicate func(docentry.Record) bool) (int, error) {
	candidates, err := r.PrefixedBy(ctx, prefix)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, c := range candidates {
		if !predicate(c.Record) {
			continue
		}
		if err := r.EntryRemove(ctx, c.Id); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// refreshLatestForAuthor recomputes latest_per_author's single row for
// author after a write, satisfying the AuthorHeads comparison fast
// path without scanning all of records on every
// HasNewsForUs call. It runs against tx (the same held write
// transaction EntryPut/EntryRemove just wrote to), not the committed
// database, so it observes the write that triggered it.
func (r *ReplicaStore) refreshLatestForAuthor(ctx context.Context, tx namespaceExecer, author ids.AuthorId) error {
	row := tx.QueryRowContext(ctx, `
		SELECT key, timestamp FROM records
		WHERE namespace_id = ? AND author_id = ?
		ORDER BY timestamp DESC LIMIT 1
	`, r.ns.String(), author[:])
	var key []byte
	var ts uint64
	err := row.Scan(&key, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM latest_per_author WHERE namespace_id = ? AND author_id = ?
		`, r.ns.String(), author[:])
		return err
	}
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO latest_per_author (namespace_id, author_id, key, timestamp)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace_id, author_id) DO UPDATE SET
			key = excluded.key, timestamp = excluded.timestamp
	`, r.ns.String(), author[:], key, ts)
	return err
}

// RegisterPeer records that peerID has been useful for syncing this
// namespace, backing GetSyncPeers so future sync attempts can prefer
// known-good peers across restarts.
func (r *ReplicaStore) RegisterPeer(ctx context.Context, peerID []byte, syncedAtUnixMicro int64) error {
	tx, err := r.store.beginWrite(ctx)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO namespace_peers (namespace_id, peer_id, last_synced_at)
		VALUES (?, ?, ?)
		ON CONFLICT(namespace_id, peer_id) DO UPDATE SET last_synced_at = excluded.last_synced_at
	`, r.ns.String(), peerID, syncedAtUnixMicro)
	if err != nil {
		return err
	}

	// The cache is a bounded MRU (PEERS_PER_DOC_CACHE_SIZE, invariant
	// 9): refreshing an existing peer bumped its last_synced_at above,
	// so evicting everything past the newest N keeps exactly the N
	// most recently useful peers.
	_, err = tx.ExecContext(ctx, `
		DELETE FROM namespace_peers
		WHERE namespace_id = ? AND peer_id NOT IN (
			SELECT peer_id FROM namespace_peers
			WHERE namespace_id = ?
			ORDER BY last_synced_at DESC, peer_id LIMIT ?
		)
	`, r.ns.String(), r.ns.String(), r.store.peerCacheSize)
	return err
}

// ListPeers returns every peer id registered as useful for this
// namespace, most recently synced first.
func (r *ReplicaStore) ListPeers(ctx context.Context) ([][]byte, error) {
	if err := r.store.commitPending(ctx); err != nil {
		return nil, err
	}
	rows, err := r.store.db.QueryContext(ctx, `
		SELECT peer_id FROM namespace_peers
		WHERE namespace_id = ?
		ORDER BY last_synced_at DESC
	`, r.ns.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var peerID []byte
		if err := rows.Scan(&peerID); err != nil {
			return nil, err
		}
		out = append(out, peerID)
	}
	return out, rows.Err()
}

// SetDownloadPolicy persists ns's download policy as JSON in the
// download_policy table, the typed form internal/downloadpolicy works
// with, kept separate from the CUE-authored source (internal/policycfg)
// so a read path never pays for re-parsing CUE.
func (r *ReplicaStore) SetDownloadPolicy(ctx context.Context, policy downloadpolicy.Policy) error {
	encoded, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("encode download policy: %w", err)
	}
	tx, err := r.store.beginWrite(ctx)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO download_policy (namespace_id, policy_json)
		VALUES (?, ?)
		ON CONFLICT(namespace_id) DO UPDATE SET policy_json = excluded.policy_json
	`, r.ns.String(), encoded)
	return err
}

// GetDownloadPolicy returns ns's download policy, defaulting to
// downloadpolicy.Default() ("download everything") if none has been
// set.
func (r *ReplicaStore) GetDownloadPolicy(ctx context.Context) (downloadpolicy.Policy, error) {
	if err := r.store.commitPending(ctx); err != nil {
		return downloadpolicy.Policy{}, err
	}
	var encoded []byte
	err := r.store.db.QueryRowContext(ctx, `
		SELECT policy_json FROM download_policy WHERE namespace_id = ?
	`, r.ns.String()).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return downloadpolicy.Default(), nil
	}
	if err != nil {
		return downloadpolicy.Policy{}, err
	}
	var policy downloadpolicy.Policy
	if err := json.Unmarshal(encoded, &policy); err != nil {
		return downloadpolicy.Policy{}, fmt.Errorf("decode download policy: %w", err)
	}
	return policy, nil
}

// AuthorHeads returns the latest timestamp seen per author, the
// supplemented fast-path comparison used by HasNewsForUs
// to decide whether a sync round is worth
// attempting before paying for a full fingerprint exchange.
func (r *ReplicaStore) AuthorHeads(ctx context.Context) (map[ids.AuthorId]uint64, error) {
	if err := r.store.commitPending(ctx); err != nil {
		return nil, err
	}
	rows, err := r.store.db.QueryContext(ctx, `
		SELECT author_id, timestamp FROM latest_per_author WHERE namespace_id = ?
	`, r.ns.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[ids.AuthorId]uint64)
	for rows.Next() {
		var authorBytes []byte
		var ts uint64
		if err := rows.Scan(&authorBytes, &ts); err != nil {
			return nil, err
		}
		author, err := ids.AuthorIdFromBytes(authorBytes)
		if err != nil {
			return nil, err
		}
		out[author] = ts
	}
	return out, rows.Err()
}

// ExportAll returns every record this namespace holds, tombstones
// included, in identifier order — the operator backup path (`doc
// export`). The signatures travel with each entry so a restore can
// re-verify provenance rather than trusting the dump file.
func (r *ReplicaStore) ExportAll(ctx context.Context) ([]docentry.SignedEntry, error) {
	return r.queryEntries(ctx, "1=1")
}

// ImportAll merges a previously exported record set back in (`doc
// import`). Each entry is verified against this namespace and its own
// signatures, then inserted through the normal LWW/prefix-dominance
// path, so restoring an old dump never clobbers newer local writes.
// Returns how many entries were actually inserted.
func (r *ReplicaStore) ImportAll(ctx context.Context, entries []docentry.SignedEntry) (int, error) {
	inserted := 0
	for _, entry := range entries {
		if entry.Id.Namespace != r.ns {
			return inserted, fmt.Errorf("import: entry namespace %s does not match %s", entry.Id.Namespace, r.ns)
		}
		if !entry.Verify() {
			return inserted, fmt.Errorf("import: signature verification failed for key %q", entry.Id.Key)
		}
		result, err := rangestore.Put(ctx, r, entry)
		if err != nil {
			return inserted, err
		}
		if result.Outcome == rangestore.Inserted {
			inserted++
		}
	}
	return inserted, nil
}
