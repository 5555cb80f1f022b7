package syncactor

import (
	"context"
	"fmt"
	"sync"

	"github.com/brutalist-labs/docengine/internal/ids"
	"github.com/brutalist-labs/docengine/internal/rangestore"
	"github.com/brutalist-labs/docengine/internal/replica"
)

// StoreFactory opens the rangestore.Store backing namespace ns — in
// production, store.Store.Namespace; in tests, a func returning a
// fresh rangestore.Memory per namespace.
type StoreFactory func(ns ids.NamespaceId) rangestore.Store

// namespaceDeleter is implemented by stores (store.ReplicaStore) that
// can erase a namespace's persisted data outright.
type namespaceDeleter interface {
	DeleteNamespace(ctx context.Context) error
}

type handle struct {
	replica *replica.Replica
	refs    int
}

// Registry tracks open replica handles by namespace with reference
// counting, so multiple concurrent callers (RPC handlers, sync
// sessions) can share one Replica per namespace (the Open /
// Close / DropReplica actions). All methods are only ever called from
// the Actor's single Run goroutine, so no locking is needed here —
// the mutex exists solely to let ListReplicas and Refs be queried for
// diagnostics from other goroutines without going through the queue.
type Registry struct {
	newStore   StoreFactory
	replicaOpt []replica.Option
	node       NodeStore

	mu       sync.Mutex
	handles  map[ids.NamespaceId]*handle
}

// NewRegistry constructs an empty Registry. replicaOpts are applied to
// every Replica this registry opens (e.g. WithClock for tests).
func NewRegistry(factory StoreFactory, replicaOpts ...replica.Option) *Registry {
	return &Registry{
		newStore:   factory,
		replicaOpt: replicaOpts,
		handles:    make(map[ids.NamespaceId]*handle),
	}
}

// SetNodeStore attaches the node-level store (authors, namespace
// registrations, content hashes) backing the engine-level actions.
// Registries without one (pure in-memory tests) leave those actions
// returning ErrNoNodeStore.
func (r *Registry) SetNodeStore(n NodeStore) {
	r.node = n
}

// Refs reports ns's current open-handle count, mirrored to clients via
// the OpenState surface.
func (r *Registry) Refs(ns ids.NamespaceId) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[ns]; ok {
		return h.refs
	}
	return 0
}

// Open returns the Replica for ns, creating it with cap if not already
// open, and increments its reference count. Reopening an already-open
// replica merges the new capability in rather than replacing it
// (upgrades only, never a downgrade).
func (r *Registry) Open(ns ids.NamespaceId, cap ids.Capability) (*replica.Replica, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[ns]; ok {
		h.refs++
		if err := h.replica.MergeCapability(cap); err != nil {
			return nil, err
		}
		return h.replica, nil
	}

	store := r.newStore(ns)
	opts := r.replicaOpt
	if policies, ok := store.(replica.DownloadPolicyStore); ok {
		opts = append(append([]replica.Option{}, opts...), replica.WithDownloadPolicyStore(policies))
	}
	rep := replica.New(ns, cap, store, opts...)
	r.handles[ns] = &handle{replica: rep, refs: 1}
	return rep, nil
}

// Close decrements ns's reference count, closing and evicting the
// replica once it reaches zero.
func (r *Registry) Close(ns ids.NamespaceId) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[ns]
	if !ok {
		return
	}
	h.refs--
	if h.refs <= 0 {
		h.replica.Close()
		delete(r.handles, ns)
	}
}

// Get returns the already-open replica for ns, if any, without
// affecting its reference count.
func (r *Registry) Get(ns ids.NamespaceId) (*replica.Replica, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[ns]
	if !ok {
		return nil, false
	}
	return h.replica, true
}

// DropReplica closes ns's in-memory handle regardless of reference
// count and permanently erases its persisted data, if the backing
// store supports it.
func (r *Registry) DropReplica(ctx context.Context, ns ids.NamespaceId) error {
	r.mu.Lock()
	h, ok := r.handles[ns]
	if ok {
		delete(r.handles, ns)
	}
	r.mu.Unlock()

	if ok {
		h.replica.Close()
	}

	store := r.newStore(ns)
	if deleter, ok := store.(namespaceDeleter); ok {
		if err := deleter.DeleteNamespace(ctx); err != nil {
			return fmt.Errorf("drop replica: %w", err)
		}
	}
	return nil
}

// flusher is implemented by stores that batch writes into a
// long-lived transaction and need an explicit commit point
// (store.ReplicaStore — see DESIGN.md's C5 entry). Stores without a pending write transaction
// to commit (e.g. rangestore.Memory) simply don't implement it.
type flusher interface {
	Flush(ctx context.Context) error
}

// FlushAll force-commits every open replica's pending write
// transaction, if its store supports one (the FlushStore action and
// the periodic flush timer).
func (r *Registry) FlushAll(ctx context.Context) error {
	r.mu.Lock()
	stores := make([]flusher, 0, len(r.handles))
	for _, h := range r.handles {
		if f, ok := h.replica.Store().(flusher); ok {
			stores = append(stores, f)
		}
	}
	r.mu.Unlock()

	for _, f := range stores {
		if err := f.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ListReplicas returns every namespace currently open.
func (r *Registry) ListReplicas() []ids.NamespaceId {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ids.NamespaceId, 0, len(r.handles))
	for ns := range r.handles {
		out = append(out, ns)
	}
	return out
}
