// Package store provides the durable, SQLite-backed persistence layer
// for replicated documents: a single *sql.DB wrapped by pragma
// configuration and PRAGMA user_version migrations, holding the
// multi-table schema a replicated document store needs (namespaces,
// authors, records, latest_per_author, namespace_peers,
// download_policy).
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - initial schema (pre-migration)
// 1 - back-fill latest_per_author for databases created before it existed
// 2 - back-fill idx_records_by_key for databases created before it existed
// 3 - add the authors table for databases created before it existed
const currentSchemaVersion = 3

// DefaultPeerCacheSize is PEERS_PER_DOC_CACHE_SIZE's default: how
// many useful peers RegisterPeer retains per namespace
// before evicting the least recently synced.
const DefaultPeerCacheSize = 5

// Store wraps the SQLite connection shared by every namespace's
// replica. Per-namespace access goes through ReplicaStore, obtained via
// Store.Namespace.
//
// Writes batch into a single held transaction — at most one write
// transaction open at a time, reused across actions for up to
// MAX_COMMIT_DELAY — rather than committing per statement. beginWrite lazily opens pendingTx on
// the first write after the last flush; commitPending closes it out,
// either because a read needs to observe its effects or because the
// syncactor's periodic flush timer / FlushStore action fired.
type Store struct {
	db            *sql.DB
	peerCacheSize int

	mu        sync.Mutex
	pendingTx *sql.Tx
}

// Option configures a Store at Open time.
type Option func(*Store)

// WithPeerCacheSize overrides DefaultPeerCacheSize
// (PEERS_PER_DOC_CACHE_SIZE).
func WithPeerCacheSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.peerCacheSize = n
		}
	}
}

// Open creates or opens a SQLite database at path, applying pragmas and
// migrations. Idempotent — safe to call multiple times against the
// same path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// SQLite only supports one writer at a time; the sync actor
	// already serializes writes through a single goroutine, so a
	// single connection avoids SQLITE_BUSY without adding its own
	// locking layer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{db: db, peerCacheSize: DefaultPeerCacheSize}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close force-commits any pending write transaction and closes the
// underlying database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.commitPending(context.Background()); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for callers (ticket/default-author
// lookups, admin tooling) that need direct queries. These bypass the
// batched write transaction, so callers that interleave with replica
// writes should flush first.
func (s *Store) DB() *sql.DB {
	return s.db
}

// beginWrite returns the currently held write transaction, opening one
// against the pool if none is pending. Every ReplicaStore write method
// routes through this so consecutive writes share one transaction
// instead of committing individually.
func (s *Store) beginWrite(ctx context.Context) (*sql.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingTx != nil {
		return s.pendingTx, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin write transaction: %w", err)
	}
	s.pendingTx = tx
	return tx, nil
}

// commitPending force-commits the held write transaction, if any.
// ReplicaStore's read methods call this before querying the pool
// directly, so a read always observes every effect of prior writes.
func (s *Store) commitPending(ctx context.Context) error {
	s.mu.Lock()
	tx := s.pendingTx
	s.pendingTx = nil
	s.mu.Unlock()
	if tx == nil {
		return nil
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit pending write transaction: %w", err)
	}
	return nil
}

// Flush force-commits the pending write transaction, if any. Backs the
// FlushStore engine action and the syncactor's periodic flush timer
// (both reach it through ReplicaStore.Flush, which every open
// namespace shares one *Store with).
func (s *Store) Flush(ctx context.Context) error {
	return s.commitPending(ctx)
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
		version = 1
	}
	if version < 2 {
		if err := migrateToV2(db); err != nil {
			return err
		}
		version = 2
	}
	if version < 3 {
		if err := migrateToV3(db); err != nil {
			return err
		}
		version = 3
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 back-fills latest_per_author for databases created
// before that table was introduced, scanning each (namespace, author)
// group's most recent timestamp directly out of records.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		INSERT OR IGNORE INTO latest_per_author (namespace_id, author_id, key, timestamp)
		SELECT r.namespace_id, r.author_id, r.key, r.timestamp
		FROM records r
		INNER JOIN (
			SELECT namespace_id, author_id, MAX(timestamp) AS max_ts
			FROM records
			GROUP BY namespace_id, author_id
		) latest
		ON r.namespace_id = latest.namespace_id
		AND r.author_id = latest.author_id
		AND r.timestamp = latest.max_ts
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// migrateToV2 adds idx_records_by_key for databases created before the
// key-scoped query path (PrefixedBy, per-key "all authors" lookups)
// existed. CREATE INDEX IF NOT EXISTS is a no-op on databases that
// already have it from schema.sql.
func migrateToV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_records_by_key
		ON records(namespace_id, key, author_id)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	return nil
}

// migrateToV3 adds the authors table for databases created before
// author keys moved from a standalone file into the store. CREATE
// TABLE IF NOT EXISTS is a no-op on databases that already have it
// from schema.sql.
func migrateToV3(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS authors (
			author_id BLOB PRIMARY KEY,
			secret BLOB NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v3: %w", err)
	}
	return nil
}

// namespaceExecer is satisfied by both *sql.DB and *sql.Tx, letting
// ReplicaStore's methods run either directly against the pool or
// inside the batched write transaction from internal/syncactor.
type namespaceExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
