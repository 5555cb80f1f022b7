package syncactor

import (
	"context"
	"errors"
	"fmt"

	"github.com/brutalist-labs/docengine/internal/docentry"
	"github.com/brutalist-labs/docengine/internal/ids"
	"github.com/brutalist-labs/docengine/internal/rangestore"
	"github.com/brutalist-labs/docengine/internal/store"
)

// NodeStore is the node-level persistence surface behind the
// engine-wide actions (ImportAuthor, ExportAuthor, DeleteAuthor,
// ListAuthors, ImportNamespace, ListReplicas, ContentHashes).
// store.Store implements it.
type NodeStore interface {
	ImportAuthor(ctx context.Context, secret ids.AuthorSecret) (ids.AuthorId, error)
	GetAuthor(ctx context.Context, id ids.AuthorId) (ids.AuthorSecret, bool, error)
	ListAuthors(ctx context.Context) ([]ids.AuthorId, error)
	DeleteAuthor(ctx context.Context, id ids.AuthorId) error
	RegisterNamespace(ctx context.Context, cap ids.Capability) error
	GetNamespace(ctx context.Context, ns ids.NamespaceId) (ids.Capability, bool, error)
	ListNamespaces(ctx context.Context) ([]store.NamespaceInfo, error)
	ContentHashes(ctx context.Context) ([]docentry.Hash, error)
}

// ErrNoNodeStore is returned by node-level actions when the registry
// was built without persistent node storage.
var ErrNoNodeStore = errors.New("syncactor: no node store configured")

// ErrNotFound is returned by OpenExisting for a namespace this node
// has never imported.
var ErrNotFound = errors.New("syncactor: namespace not found")

// ImportAuthor persists an author keypair on this node.
func (a *Actor) ImportAuthor(ctx context.Context, secret ids.AuthorSecret) (ids.AuthorId, error) {
	return submit(ctx, a, func(ctx context.Context, reg *Registry) (ids.AuthorId, error) {
		if reg.node == nil {
			return ids.AuthorId{}, ErrNoNodeStore
		}
		return reg.node.ImportAuthor(ctx, secret)
	})
}

// ExportAuthor returns the stored secret for an author id.
func (a *Actor) ExportAuthor(ctx context.Context, id ids.AuthorId) (ids.AuthorSecret, bool, error) {
	type reply struct {
		secret ids.AuthorSecret
		found  bool
	}
	r, err := submit(ctx, a, func(ctx context.Context, reg *Registry) (reply, error) {
		if reg.node == nil {
			return reply{}, ErrNoNodeStore
		}
		secret, found, err := reg.node.GetAuthor(ctx, id)
		return reply{secret: secret, found: found}, err
	})
	return r.secret, r.found, err
}

// DeleteAuthor removes a stored author keypair.
func (a *Actor) DeleteAuthor(ctx context.Context, id ids.AuthorId) error {
	_, err := submit(ctx, a, func(ctx context.Context, reg *Registry) (struct{}, error) {
		if reg.node == nil {
			return struct{}{}, ErrNoNodeStore
		}
		return struct{}{}, reg.node.DeleteAuthor(ctx, id)
	})
	return err
}

// streamBuffer bounds the channels ListAuthors, ListReplicas, GetMany,
// and ContentHashes stream over, so a slow consumer stalls only its
// own drain goroutine, never the actor queue.
const streamBuffer = 64

// stream materializes items inside the actor turn that produced them,
// then hands them to the caller over a bounded channel fed from a
// separate goroutine.
func stream[T any](items []T) <-chan T {
	ch := make(chan T, streamBuffer)
	go func() {
		defer close(ch)
		for _, item := range items {
			ch <- item
		}
	}()
	return ch
}

// ListAuthors streams every stored author id.
func (a *Actor) ListAuthors(ctx context.Context) (<-chan ids.AuthorId, error) {
	authors, err := submit(ctx, a, func(ctx context.Context, reg *Registry) ([]ids.AuthorId, error) {
		if reg.node == nil {
			return nil, ErrNoNodeStore
		}
		return reg.node.ListAuthors(ctx)
	})
	if err != nil {
		return nil, err
	}
	return stream(authors), nil
}

// ImportNamespace registers a capability (creating or upgrading the
// namespace registration, never downgrading it) and opens the replica.
func (a *Actor) ImportNamespace(ctx context.Context, cap ids.Capability) error {
	_, err := submit(ctx, a, func(ctx context.Context, reg *Registry) (struct{}, error) {
		if reg.node != nil {
			if err := reg.node.RegisterNamespace(ctx, cap); err != nil {
				return struct{}{}, err
			}
		}
		_, err := reg.Open(cap.Namespace(), cap)
		return struct{}{}, err
	})
	return err
}

// OpenExisting opens a namespace previously imported on this node,
// recovering its persisted capability; ErrNotFound if the node has
// never seen it.
func (a *Actor) OpenExisting(ctx context.Context, ns ids.NamespaceId) (ReplicaState, error) {
	return submit(ctx, a, func(ctx context.Context, reg *Registry) (ReplicaState, error) {
		if reg.node == nil {
			return ReplicaState{}, ErrNoNodeStore
		}
		cap, found, err := reg.node.GetNamespace(ctx, ns)
		if err != nil {
			return ReplicaState{}, err
		}
		if !found {
			return ReplicaState{}, fmt.Errorf("%w: %s", ErrNotFound, ns)
		}
		rep, err := reg.Open(ns, cap)
		if err != nil {
			return ReplicaState{}, err
		}
		return ReplicaState{
			Open:        true,
			Capability:  rep.Capability(),
			Sync:        rep.SyncEnabled(),
			Subscribers: rep.SubscriberCount(),
			Handles:     reg.Refs(ns),
		}, nil
	})
}

// ListReplicas streams every namespace this node has registered,
// persisted registrations first; with no node store it falls back to
// the currently open set.
func (a *Actor) ListReplicas(ctx context.Context) (<-chan store.NamespaceInfo, error) {
	infos, err := submit(ctx, a, func(ctx context.Context, reg *Registry) ([]store.NamespaceInfo, error) {
		if reg.node != nil {
			return reg.node.ListNamespaces(ctx)
		}
		open := reg.ListReplicas()
		out := make([]store.NamespaceInfo, 0, len(open))
		for _, ns := range open {
			info := store.NamespaceInfo{Id: ns}
			if rep, ok := reg.Get(ns); ok {
				info.Capability = rep.Capability().Kind
			}
			out = append(out, info)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return stream(infos), nil
}

// ContentHashes streams every distinct content hash referenced by any
// stored record, the set the blob layer must keep alive.
func (a *Actor) ContentHashes(ctx context.Context) (<-chan docentry.Hash, error) {
	hashes, err := submit(ctx, a, func(ctx context.Context, reg *Registry) ([]docentry.Hash, error) {
		if reg.node == nil {
			return nil, ErrNoNodeStore
		}
		return reg.node.ContentHashes(ctx)
	})
	if err != nil {
		return nil, err
	}
	return stream(hashes), nil
}

// querier is implemented by stores with their own query pushdown
// (store.ReplicaStore); others are served by scanning the full range
// and applying the query semantics in memory.
type querier interface {
	QueryEntries(ctx context.Context, q store.Query) ([]docentry.SignedEntry, error)
}

// GetMany streams every entry matching q in ns.
func (a *Actor) GetMany(ctx context.Context, ns ids.NamespaceId, q store.Query) (<-chan docentry.SignedEntry, error) {
	entries, err := submit(ctx, a, func(ctx context.Context, reg *Registry) ([]docentry.SignedEntry, error) {
		rep, ok := reg.Get(ns)
		if !ok {
			return nil, replicaNotOpenError(ns)
		}
		if qs, ok := rep.Store().(querier); ok {
			return qs.QueryEntries(ctx, q)
		}
		first, err := rep.Store().GetFirst(ctx)
		if err != nil {
			return nil, err
		}
		all, err := rep.Store().GetRange(ctx, rangestore.All(first))
		if err != nil {
			return nil, err
		}
		return store.ApplyQuery(all, q), nil
	})
	if err != nil {
		return nil, err
	}
	return stream(entries), nil
}

// SetSync marks ns's replica as participating (or not) in live sync.
func (a *Actor) SetSync(ctx context.Context, ns ids.NamespaceId, enabled bool) error {
	_, err := submit(ctx, a, func(ctx context.Context, reg *Registry) (struct{}, error) {
		rep, ok := reg.Get(ns)
		if !ok {
			return struct{}{}, replicaNotOpenError(ns)
		}
		rep.SetSync(enabled)
		return struct{}{}, nil
	})
	return err
}

// Shutdown flushes every open replica and stops the Run loop after the
// current queue entry. Further submits
// fail once Run returns.
func (a *Actor) Shutdown(ctx context.Context) error {
	_, err := submit(ctx, a, func(ctx context.Context, reg *Registry) (struct{}, error) {
		a.stopped = true
		return struct{}{}, reg.FlushAll(ctx)
	})
	return err
}
