// Package replica implements the single-namespace state machine:
// insertion validation (signature, namespace, timestamp-bound,
// LWW/prefix-dominance), subscriber fan-out, and the thin wrappers
// around internal/reconcile that the sync actor drives.
package replica

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/brutalist-labs/docengine/internal/docentry"
	"github.com/brutalist-labs/docengine/internal/downloadpolicy"
	"github.com/brutalist-labs/docengine/internal/ids"
	"github.com/brutalist-labs/docengine/internal/rangestore"
	"github.com/brutalist-labs/docengine/internal/reconcile"
)

// DefaultMaxTimestampFutureShift is MAX_TIMESTAMP_FUTURE_SHIFT's
// default: entries timestamped more than this far ahead of
// wall-clock now are rejected.
const DefaultMaxTimestampFutureShift = 10 * time.Minute

// EventKind distinguishes a locally authored insertion from one
// received and accepted over sync.
type EventKind int

const (
	LocalInsert EventKind = iota
	RemoteInsert
)

// Event is broadcast to every subscriber on each accepted insertion.
type Event struct {
	Kind          EventKind
	Entry         docentry.SignedEntry
	ContentStatus reconcile.ContentStatus
	Removed       int

	// ShouldDownload is set on RemoteInsert events: the result of
	// evaluating this document's download policy against the entry's
	// key.
	ShouldDownload bool
}

// PeerRegistry persists which remote peers have proven useful for
// syncing a namespace. store.ReplicaStore implements it; an in-memory
// implementation is used where no persistent store is wired.
type PeerRegistry interface {
	RegisterPeer(ctx context.Context, peerID []byte, syncedAtUnixMicro int64) error
	ListPeers(ctx context.Context) ([][]byte, error)
}

// Replica is the state machine for one namespace: validation pipeline,
// subscriber fan-out, and sync session wrappers, all running against a
// rangestore.Store (either the SQLite-backed store.ReplicaStore or, in
// tests, rangestore.Memory).
type Replica struct {
	ns             ids.NamespaceId
	store          rangestore.Store
	clock          Clock
	maxFutureShift time.Duration
	peers          PeerRegistry
	policies       DownloadPolicyStore
	logger         *slog.Logger

	mu          sync.Mutex
	capability  ids.Capability
	closed      bool
	syncEnabled bool

	subsMu    sync.Mutex
	subs      map[int]chan Event
	nextSubID int
}

// New constructs a Replica over store for namespace ns, holding cap as
// its initial capability.
func New(ns ids.NamespaceId, cap ids.Capability, store rangestore.Store, opts ...Option) *Replica {
	r := &Replica{
		ns:             ns,
		store:          store,
		clock:          SystemClock{},
		maxFutureShift: DefaultMaxTimestampFutureShift,
		peers:          newMemoryPeerRegistry(),
		policies:       newMemoryDownloadPolicyStore(),
		logger:         slog.Default(),
		capability:     cap,
		subs:           make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Option configures a Replica at construction time, following the
// same functional-options convention the engine and actor use.
type Option func(*Replica)

func WithClock(c Clock) Option                { return func(r *Replica) { r.clock = c } }
func WithMaxFutureShift(d time.Duration) Option { return func(r *Replica) { r.maxFutureShift = d } }
func WithPeerRegistry(p PeerRegistry) Option  { return func(r *Replica) { r.peers = p } }
func WithDownloadPolicyStore(p DownloadPolicyStore) Option {
	return func(r *Replica) { r.policies = p }
}
func WithLogger(l *slog.Logger) Option { return func(r *Replica) { r.logger = l } }

// Namespace returns the namespace this replica handles.
func (r *Replica) Namespace() ids.NamespaceId { return r.ns }

// Store returns the rangestore.Store backing this replica, for direct
// point lookups (GetExact) that don't need the
// reconciliation machinery.
func (r *Replica) Store() rangestore.Store { return r.store }

// Capability returns the currently held capability.
func (r *Replica) Capability() ids.Capability {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.capability
}

// MergeCapability upgrades (never downgrades) the held capability.
func (r *Replica) MergeCapability(incoming ids.Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	merged, err := ids.Merge(r.capability, incoming)
	if err != nil {
		return err
	}
	r.capability = merged
	return nil
}

// SetSync marks this replica as participating in live sync. The wire
// responder refuses inbound sessions against replicas that aren't.
func (r *Replica) SetSync(enabled bool) {
	r.mu.Lock()
	r.syncEnabled = enabled
	r.mu.Unlock()
}

// SyncEnabled reports whether SetSync(true) is in effect.
func (r *Replica) SyncEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.syncEnabled
}

// SubscriberCount reports how many event subscribers are attached,
// mirrored to clients via the OpenState surface.
func (r *Replica) SubscriberCount() int {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	return len(r.subs)
}

// Close marks the replica closed; subsequent insertions fail with
// ErrCodeClosed.
func (r *Replica) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.subsMu.Lock()
	for id, ch := range r.subs {
		close(ch)
		delete(r.subs, id)
	}
	r.subsMu.Unlock()
}

// Subscribe registers a new event listener with the given buffer size,
// returning a handle for Unsubscribe and a receive-only channel.
// Subscribers own their channel; a full channel causes that
// subscriber's next event to be dropped rather than blocking the
// replica.
func (r *Replica) Subscribe(buffer int) (int, <-chan Event) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	id := r.nextSubID
	r.nextSubID++
	ch := make(chan Event, buffer)
	r.subs[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber's channel.
func (r *Replica) Unsubscribe(id int) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	if ch, ok := r.subs[id]; ok {
		close(ch)
		delete(r.subs, id)
	}
}

func (r *Replica) emit(ev Event) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for id, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			r.logger.Warn("dropping event for slow subscriber", "subscriber", id)
		}
	}
}

func (r *Replica) checkOpenAndWritable() error {
	if r.closed {
		return newInsertError(ErrCodeClosed, "replica is closed")
	}
	if !r.capability.IsWrite() {
		return newInsertError(ErrCodeReadOnly, "namespace capability is read-only")
	}
	return nil
}

// InsertLocal signs and inserts a new entry authored locally.
// hash/length describe the content; a zero-length,
// non-empty-hash pair (or vice versa) is rejected as EntryIsEmpty
// before any signing happens.
func (r *Replica) InsertLocal(ctx context.Context, author ids.AuthorId, authorSecret ids.AuthorSecret, nsSecret ids.NamespaceSecret, key []byte, hash docentry.Hash, length uint64) (int, error) {
	record := docentry.Record{Hash: hash, Len: length, Timestamp: nowMicros(r.clock)}
	if !record.ValidEmptiness() {
		return 0, newInsertError(ErrCodeEntryIsEmpty, "content_len == 0 must imply content_hash == empty_hash and vice versa")
	}

	r.mu.Lock()
	err := r.checkOpenAndWritable()
	r.mu.Unlock()
	if err != nil {
		return 0, err
	}

	id := docentry.NewRecordIdentifier(r.ns, author, key)
	entry := docentry.Sign(docentry.Entry{Id: id, Record: record}, nsSecret, authorSecret)

	result, err := rangestore.Put(ctx, r.store, entry)
	if err != nil {
		return 0, newInsertError(ErrCodeStore, err.Error())
	}
	if result.Outcome == rangestore.NotInserted {
		return 0, newInsertError(ErrCodeNewerEntryExists, "an existing entry or ancestor prefix already dominates this write")
	}

	r.emit(Event{Kind: LocalInsert, Entry: entry, Removed: result.Removed})
	return result.Removed, nil
}

// DeletePrefix inserts an empty (tombstone) entry at key == prefix,
// letting the store's prefix-dominance + LWW-prefix-replace rules
// perform the deletion of every descendant entry they supersede.
func (r *Replica) DeletePrefix(ctx context.Context, author ids.AuthorId, authorSecret ids.AuthorSecret, nsSecret ids.NamespaceSecret, prefix []byte) (int, error) {
	return r.InsertLocal(ctx, author, authorSecret, nsSecret, prefix, docentry.EmptyHash, 0)
}

// validateRemote runs the full acceptance pipeline for an entry that
// did not originate locally: namespace match, signature verification,
// and the future-timestamp bound. It does not
// check capability — a read-only replica still accepts remote writes
// from sync (only locally authored writes require write capability).
func (r *Replica) validateRemote(entry docentry.SignedEntry) error {
	if entry.Id.Namespace != r.ns {
		return newValidationError(ValidationInvalidNamespace, "entry namespace does not match this replica")
	}
	if !entry.Verify() {
		return newValidationError(ValidationBadSignature, "namespace or author signature does not verify")
	}
	if !entry.Record.ValidEmptiness() {
		return newValidationError(ValidationInvalidEmptyEntry, "content_len == 0 must imply content_hash == empty_hash and vice versa")
	}
	bound := nowMicros(r.clock) + uint64(r.maxFutureShift.Microseconds())
	if entry.Record.Timestamp > bound {
		return newValidationError(ValidationTooFarInTheFuture, "entry timestamp exceeds the future-timestamp bound")
	}
	return nil
}

// InsertRemote validates and inserts an entry received already
// signed, e.g. from a trusted RPC caller outside of a reconciliation
// session.
func (r *Replica) InsertRemote(ctx context.Context, entry docentry.SignedEntry, status reconcile.ContentStatus) (bool, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return false, newInsertError(ErrCodeClosed, "replica is closed")
	}
	if err := r.validateRemote(entry); err != nil {
		return false, err
	}

	result, err := rangestore.Put(ctx, r.store, entry)
	if err != nil {
		return false, newInsertError(ErrCodeStore, err.Error())
	}
	if result.Outcome != rangestore.Inserted {
		return false, nil
	}
	r.emit(Event{
		Kind:           RemoteInsert,
		Entry:          entry,
		ContentStatus:  status,
		Removed:        result.Removed,
		ShouldDownload: r.shouldDownload(ctx, entry.Id.Key),
	})
	return true, nil
}

// shouldDownload evaluates this namespace's download policy against
// key, logging and defaulting to "download everything" if the policy
// store itself fails (the decision is advisory, never a reason to
// reject an otherwise-valid insert).
func (r *Replica) shouldDownload(ctx context.Context, key []byte) bool {
	policy, err := r.policies.GetDownloadPolicy(ctx)
	if err != nil {
		r.logger.Warn("failed to load download policy, defaulting to download-everything", "error", err)
		return true
	}
	return policy.ShouldDownload(key)
}

// SetDownloadPolicy replaces this namespace's download policy.
func (r *Replica) SetDownloadPolicy(ctx context.Context, policy downloadpolicy.Policy) error {
	return r.policies.SetDownloadPolicy(ctx, policy)
}

// GetDownloadPolicy returns this namespace's current download policy.
func (r *Replica) GetDownloadPolicy(ctx context.Context) (downloadpolicy.Policy, error) {
	return r.policies.GetDownloadPolicy(ctx)
}

// SyncInitialMessage returns the opening reconciliation message for a
// session over this replica's store.
func (r *Replica) SyncInitialMessage(ctx context.Context) (reconcile.Message, error) {
	return reconcile.InitialMessage(ctx, r.store)
}

// SyncProcessMessage runs one round of reconciliation against this
// replica's store, wiring validateRemote as the protocol's Validate
// callback and emitting RemoteInsert events from OnInsert.
func (r *Replica) SyncProcessMessage(ctx context.Context, cfg reconcile.Config, contentStatus reconcile.ContentStatusFunc, msg reconcile.Message) (reconcile.Message, reconcile.Outcome, error) {
	cb := reconcile.Callbacks{
		Validate: func(_ context.Context, entry docentry.SignedEntry, _ reconcile.ContentStatus) bool {
			if err := r.validateRemote(entry); err != nil {
				r.logger.Debug("rejected entry during sync", "error", err)
				return false
			}
			return true
		},
		OnInsert: func(insertCtx context.Context, entry docentry.SignedEntry, status reconcile.ContentStatus) {
			r.emit(Event{
				Kind:           RemoteInsert,
				Entry:          entry,
				ContentStatus:  status,
				ShouldDownload: r.shouldDownload(insertCtx, entry.Id.Key),
			})
		},
		ContentStatus: contentStatus,
	}
	return reconcile.ProcessMessage(ctx, r.store, cfg, cb, msg)
}

// RegisterUsefulPeer records peerID as having been useful for syncing
// this namespace.
func (r *Replica) RegisterUsefulPeer(ctx context.Context, peerID []byte) error {
	return r.peers.RegisterPeer(ctx, peerID, int64(nowMicros(r.clock)))
}

// GetSyncPeers returns every peer id previously registered as useful,
// most-recently-synced first.
func (r *Replica) GetSyncPeers(ctx context.Context) ([][]byte, error) {
	return r.peers.ListPeers(ctx)
}
