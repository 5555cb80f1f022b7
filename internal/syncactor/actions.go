package syncactor

import (
	"context"
	"fmt"

	"github.com/brutalist-labs/docengine/internal/docentry"
	"github.com/brutalist-labs/docengine/internal/downloadpolicy"
	"github.com/brutalist-labs/docengine/internal/ids"
	"github.com/brutalist-labs/docengine/internal/reconcile"
	"github.com/brutalist-labs/docengine/internal/replica"
)

// replicaNotOpenError reports an action against a namespace with no
// open replica handle.
func replicaNotOpenError(ns ids.NamespaceId) error {
	return fmt.Errorf("syncactor: namespace %s is not open", ns)
}

// Each method below is a typed entry point over the single submit[T]
// primitive in actor.go: Open, Close, DropReplica, Subscribe/Unsubscribe,
// InsertLocal, DeletePrefix, InsertRemote, SyncInitialMessage,
// SyncProcessMessage, GetSyncPeers, RegisterUsefulPeer, GetExact,
// ExportSecretKey, HasNewsForUs, GetState, SetDownloadPolicy,
// GetDownloadPolicy. The engine-level actions (ImportAuthor,
// ListAuthors, ImportNamespace, ListReplicas, ContentHashes, GetMany,
// SetSync, Shutdown) live in node.go.

// Open opens (or re-references) the replica for ns under cap.
func (a *Actor) Open(ctx context.Context, ns ids.NamespaceId, cap ids.Capability) (*replica.Replica, error) {
	return submit(ctx, a, func(ctx context.Context, reg *Registry) (*replica.Replica, error) {
		return reg.Open(ns, cap)
	})
}

// Close releases this caller's reference to ns's replica.
func (a *Actor) Close(ctx context.Context, ns ids.NamespaceId) error {
	_, err := submit(ctx, a, func(ctx context.Context, reg *Registry) (struct{}, error) {
		reg.Close(ns)
		return struct{}{}, nil
	})
	return err
}

// DropReplica closes ns unconditionally and erases its persisted data.
func (a *Actor) DropReplica(ctx context.Context, ns ids.NamespaceId) error {
	_, err := submit(ctx, a, func(ctx context.Context, reg *Registry) (struct{}, error) {
		return struct{}{}, reg.DropReplica(ctx, ns)
	})
	return err
}

// ReplicaState summarizes a namespace's open replica for GetState,
// mirroring the open-state counters {sync, subscribers, handles} plus the
// held capability.
type ReplicaState struct {
	Open        bool
	Capability  ids.Capability
	Sync        bool
	Subscribers int
	Handles     int
}

// GetState reports whether ns is open and, if so, its capability and
// open-state counters.
func (a *Actor) GetState(ctx context.Context, ns ids.NamespaceId) (ReplicaState, error) {
	return submit(ctx, a, func(ctx context.Context, reg *Registry) (ReplicaState, error) {
		rep, ok := reg.Get(ns)
		if !ok {
			return ReplicaState{}, nil
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

// FlushStore force-commits every open replica's pending write
// transaction.
func (a *Actor) FlushStore(ctx context.Context) error {
	_, err := submit(ctx, a, func(ctx context.Context, reg *Registry) (struct{}, error) {
		return struct{}{}, reg.FlushAll(ctx)
	})
	return err
}

// Subscription is returned by Subscribe: Unsubscribe via the Actor
// releases it, and Events is safe to range over from any goroutine.
type Subscription struct {
	ns     ids.NamespaceId
	id     int
	Events <-chan replica.Event
}

// Subscribe registers an event listener on ns's replica.
func (a *Actor) Subscribe(ctx context.Context, ns ids.NamespaceId, buffer int) (*Subscription, error) {
	return submit(ctx, a, func(ctx context.Context, reg *Registry) (*Subscription, error) {
		rep, ok := reg.Get(ns)
		if !ok {
			return nil, replicaNotOpenError(ns)
		}
		id, ch := rep.Subscribe(buffer)
		return &Subscription{ns: ns, id: id, Events: ch}, nil
	})
}

// Unsubscribe removes a subscription obtained from Subscribe.
func (a *Actor) Unsubscribe(ctx context.Context, sub *Subscription) error {
	_, err := submit(ctx, a, func(ctx context.Context, reg *Registry) (struct{}, error) {
		if rep, ok := reg.Get(sub.ns); ok {
			rep.Unsubscribe(sub.id)
		}
		return struct{}{}, nil
	})
	return err
}

// InsertLocal signs and inserts a locally authored entry.
func (a *Actor) InsertLocal(ctx context.Context, ns ids.NamespaceId, author ids.AuthorId, authorSecret ids.AuthorSecret, nsSecret ids.NamespaceSecret, key []byte, hash docentry.Hash, length uint64) (int, error) {
	return submit(ctx, a, func(ctx context.Context, reg *Registry) (int, error) {
		rep, ok := reg.Get(ns)
		if !ok {
			return 0, replicaNotOpenError(ns)
		}
		return rep.InsertLocal(ctx, author, authorSecret, nsSecret, key, hash, length)
	})
}

// DeletePrefix inserts a prefix tombstone.
func (a *Actor) DeletePrefix(ctx context.Context, ns ids.NamespaceId, author ids.AuthorId, authorSecret ids.AuthorSecret, nsSecret ids.NamespaceSecret, prefix []byte) (int, error) {
	return submit(ctx, a, func(ctx context.Context, reg *Registry) (int, error) {
		rep, ok := reg.Get(ns)
		if !ok {
			return 0, replicaNotOpenError(ns)
		}
		return rep.DeletePrefix(ctx, author, authorSecret, nsSecret, prefix)
	})
}

// InsertRemote validates and inserts an already-signed entry.
func (a *Actor) InsertRemote(ctx context.Context, ns ids.NamespaceId, entry docentry.SignedEntry, status reconcile.ContentStatus) (bool, error) {
	return submit(ctx, a, func(ctx context.Context, reg *Registry) (bool, error) {
		rep, ok := reg.Get(ns)
		if !ok {
			return false, replicaNotOpenError(ns)
		}
		return rep.InsertRemote(ctx, entry, status)
	})
}

// SyncInitialMessage opens a reconciliation session against ns.
func (a *Actor) SyncInitialMessage(ctx context.Context, ns ids.NamespaceId) (reconcile.Message, error) {
	return submit(ctx, a, func(ctx context.Context, reg *Registry) (reconcile.Message, error) {
		rep, ok := reg.Get(ns)
		if !ok {
			return reconcile.Message{}, replicaNotOpenError(ns)
		}
		return rep.SyncInitialMessage(ctx)
	})
}

// syncReply bundles ProcessMessage's two return values for submit[T].
type syncReply struct {
	Message reconcile.Message
	Outcome reconcile.Outcome
}

// SyncProcessMessage runs one reconciliation round against ns.
func (a *Actor) SyncProcessMessage(ctx context.Context, ns ids.NamespaceId, cfg reconcile.Config, contentStatus reconcile.ContentStatusFunc, msg reconcile.Message) (reconcile.Message, reconcile.Outcome, error) {
	reply, err := submit(ctx, a, func(ctx context.Context, reg *Registry) (syncReply, error) {
		rep, ok := reg.Get(ns)
		if !ok {
			return syncReply{}, replicaNotOpenError(ns)
		}
		msgOut, outcome, err := rep.SyncProcessMessage(ctx, cfg, contentStatus, msg)
		return syncReply{Message: msgOut, Outcome: outcome}, err
	})
	return reply.Message, reply.Outcome, err
}

// GetSyncPeers returns ns's previously-useful peers.
func (a *Actor) GetSyncPeers(ctx context.Context, ns ids.NamespaceId) ([][]byte, error) {
	return submit(ctx, a, func(ctx context.Context, reg *Registry) ([][]byte, error) {
		rep, ok := reg.Get(ns)
		if !ok {
			return nil, replicaNotOpenError(ns)
		}
		return rep.GetSyncPeers(ctx)
	})
}

// RegisterUsefulPeer records peerID as useful for syncing ns.
func (a *Actor) RegisterUsefulPeer(ctx context.Context, ns ids.NamespaceId, peerID []byte) error {
	_, err := submit(ctx, a, func(ctx context.Context, reg *Registry) (struct{}, error) {
		rep, ok := reg.Get(ns)
		if !ok {
			return struct{}{}, replicaNotOpenError(ns)
		}
		return struct{}{}, rep.RegisterUsefulPeer(ctx, peerID)
	})
	return err
}

// getExactResult bundles Get's found flag alongside the entry.
type getExactResult struct {
	Entry docentry.SignedEntry
	Found bool
}

// GetExact looks up a single entry by identifier.
func (a *Actor) GetExact(ctx context.Context, id docentry.RecordIdentifier) (docentry.SignedEntry, bool, error) {
	r, err := submit(ctx, a, func(ctx context.Context, reg *Registry) (getExactResult, error) {
		rep, ok := reg.Get(id.Namespace)
		if !ok {
			return getExactResult{}, replicaNotOpenError(id.Namespace)
		}
		entry, found, storeErr := rep.Store().Get(ctx, id)
		return getExactResult{Entry: entry, Found: found}, storeErr
	})
	return r.Entry, r.Found, err
}

// ExportSecretKey returns ns's namespace secret, if this node holds
// write capability.
func (a *Actor) ExportSecretKey(ctx context.Context, ns ids.NamespaceId) (ids.NamespaceSecret, error) {
	return submit(ctx, a, func(ctx context.Context, reg *Registry) (ids.NamespaceSecret, error) {
		rep, ok := reg.Get(ns)
		if !ok {
			return ids.NamespaceSecret{}, replicaNotOpenError(ns)
		}
		cap := rep.Capability()
		if !cap.IsWrite() {
			return ids.NamespaceSecret{}, fmt.Errorf("export secret key: namespace %s is read-only", ns)
		}
		return cap.Secret, nil
	})
}

// SetDownloadPolicy replaces ns's download policy.
func (a *Actor) SetDownloadPolicy(ctx context.Context, ns ids.NamespaceId, policy downloadpolicy.Policy) error {
	_, err := submit(ctx, a, func(ctx context.Context, reg *Registry) (struct{}, error) {
		rep, ok := reg.Get(ns)
		if !ok {
			return struct{}{}, replicaNotOpenError(ns)
		}
		return struct{}{}, rep.SetDownloadPolicy(ctx, policy)
	})
	return err
}

// GetDownloadPolicy returns ns's current download policy, defaulting
// to downloadpolicy.Default if none has been set.
func (a *Actor) GetDownloadPolicy(ctx context.Context, ns ids.NamespaceId) (downloadpolicy.Policy, error) {
	return submit(ctx, a, func(ctx context.Context, reg *Registry) (downloadpolicy.Policy, error) {
		rep, ok := reg.Get(ns)
		if !ok {
			return downloadpolicy.Policy{}, replicaNotOpenError(ns)
		}
		return rep.GetDownloadPolicy(ctx)
	})
}

// authorHeadsStore is implemented by stores that can report each
// author's latest timestamp without a full fingerprint exchange
// (store.ReplicaStore).
type authorHeadsStore interface {
	AuthorHeads(ctx context.Context) (map[ids.AuthorId]uint64, error)
}

// HasNewsForUs compares our per-author head timestamps against theirs,
// reporting whether theirs has anything newer — a cheap pre-check
// before paying for a fingerprint round. Stores that don't support
// the fast path (e.g.
// rangestore.Memory in tests) always report true, deferring the real
// answer to reconciliation itself.
func (a *Actor) HasNewsForUs(ctx context.Context, ns ids.NamespaceId, theirHeads map[ids.AuthorId]uint64) (bool, error) {
	return submit(ctx, a, func(ctx context.Context, reg *Registry) (bool, error) {
		rep, ok := reg.Get(ns)
		if !ok {
			return false, replicaNotOpenError(ns)
		}
		ah, ok := rep.Store().(authorHeadsStore)
		if !ok {
			return true, nil
		}
		ourHeads, err := ah.AuthorHeads(ctx)
		if err != nil {
			return false, err
		}
		for author, theirTS := range theirHeads {
			if ourTS, known := ourHeads[author]; !known || theirTS > ourTS {
				return true, nil
			}
		}
		return false, nil
	})
}
