// Package blobstore gives the external content-addressed blob store
// a concrete shape: has/status/get/put by hash. internal/liveengine
// depends only on the Store
// interface; Memory is an in-memory reference implementation exercised
// by tests and by anything running without a real blob backend wired
// in.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"github.com/brutalist-labs/docengine/internal/docentry"
	"github.com/brutalist-labs/docengine/internal/reconcile"
)

// Store is the opaque external content-addressed collaborator: content
// is addressed by hash, and the engine tracks only references to it.
type Store interface {
	// Has reports whether content for hash is fully available locally.
	Has(ctx context.Context, hash docentry.Hash) (bool, error)

	// Status resolves the advisory content status for a batch of
	// entries in one round-trip (batched, rather than a call per
	// entry), suitable for direct use
	// as a reconcile.ContentStatusFunc.
	Status(ctx context.Context, entries []docentry.SignedEntry) ([]reconcile.ContentStatus, error)

	// Get streams the content addressed by hash.
	Get(ctx context.Context, hash docentry.Hash) (io.ReadCloser, error)

	// Put stores content under its hash, verifying that hashing r's
	// bytes actually produces hash.
	Put(ctx context.Context, hash docentry.Hash, length uint64, r io.Reader) error
}

// ErrNotFound is returned by Get when no content is stored under the
// requested hash.
var ErrNotFound = fmt.Errorf("blobstore: not found")

// Memory is an in-memory Store, the reference implementation standing
// in for a real content-addressed backend in tests and in any node
// running without one configured.
type Memory struct {
	mu    sync.Mutex
	blobs map[docentry.Hash][]byte
}

// NewMemory constructs an empty Memory store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[docentry.Hash][]byte)}
}

func (m *Memory) Has(_ context.Context, hash docentry.Hash) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[hash]
	return ok, nil
}

func (m *Memory) Status(_ context.Context, entries []docentry.SignedEntry) ([]reconcile.ContentStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]reconcile.ContentStatus, len(entries))
	for i, e := range entries {
		if e.Record.IsEmpty() {
			out[i] = reconcile.ContentComplete
			continue
		}
		if _, ok := m.blobs[e.Record.Hash]; ok {
			out[i] = reconcile.ContentComplete
		} else {
			out[i] = reconcile.ContentMissing
		}
	}
	return out, nil
}

func (m *Memory) Get(_ context.Context, hash docentry.Hash) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) Put(_ context.Context, hash docentry.Hash, length uint64, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("blobstore: read content for %x: %w", hash[:8], err)
	}
	if uint64(len(data)) != length {
		return fmt.Errorf("blobstore: content for %x is %d bytes, declared length is %d", hash[:8], len(data), length)
	}
	if got := docentry.Hash(sha256.Sum256(data)); got != hash {
		return fmt.Errorf("blobstore: content hash mismatch for %x: computed %x", hash[:8], got[:8])
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[hash] = data
	return nil
}
