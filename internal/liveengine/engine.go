// Package liveengine is the top-level orchestrator: per-document
// gossip membership, direct reconciliation scheduling, content
// download dispatch, and the event surface clients subscribe to.
//
// Per document the engine bridges three worlds: the sync actor (which
// owns the replica), the gossip overlay (neighbor membership and
// compact Op broadcasts), and the blob subsystem (content downloads
// decided by the document's download policy). All coordination is
// message passing; the engine holds no replica state of its own.
//
// Ordering note: PendingContentReady is emitted after the
// SyncFinished of the session that initiated the downloads, once those
// downloads have settled. Its interleaving with events from sessions
// started afterwards is observable and deliberately left
// non-deterministic.
package liveengine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/brutalist-labs/docengine/internal/docentry"
	"github.com/brutalist-labs/docengine/internal/gossipbus"
	"github.com/brutalist-labs/docengine/internal/ids"
	"github.com/brutalist-labs/docengine/internal/reconcile"
	"github.com/brutalist-labs/docengine/internal/replica"
	"github.com/brutalist-labs/docengine/internal/syncactor"
	"github.com/brutalist-labs/docengine/internal/wire"
)

// SyncReason records what triggered a direct reconciliation run.
type SyncReason int

const (
	// ReasonDirectJoin: the peer was named explicitly in a StartSync
	// call (e.g. came from a ticket).
	ReasonDirectJoin SyncReason = iota
	// ReasonNewNeighbor: the gossip overlay reported the peer joining
	// this document's topic.
	ReasonNewNeighbor
	// ReasonResync: a caller asked for a fresh run against a peer that
	// already synced before (e.g. after a sync report showed drift).
	ReasonResync
	// ReasonAccepted: the peer dialed us; we ran the responder side.
	ReasonAccepted
)

func (r SyncReason) String() string {
	switch r {
	case ReasonDirectJoin:
		return "direct-join"
	case ReasonNewNeighbor:
		return "new-neighbor"
	case ReasonResync:
		return "resync"
	case ReasonAccepted:
		return "accepted"
	}
	return "unknown"
}

// EventKind discriminates Event.
type EventKind int

const (
	// EventSyncFinished: a reconciliation session against Peer ended
	// (Err is set if it failed).
	EventSyncFinished EventKind = iota
	// EventNeighborUp / EventNeighborDown: gossip topic membership.
	EventNeighborUp
	EventNeighborDown
	// EventContentReady: content for Hash became available locally, or
	// a neighbor announced it has it.
	EventContentReady
	// EventPendingContentReady: every download initiated during the
	// triggering sync session has settled, success or failure.
	EventPendingContentReady
)

// Event is delivered to engine-level subscribers for one document.
type Event struct {
	Kind      EventKind
	Namespace ids.NamespaceId
	Peer      gossipbus.PeerID
	Reason    SyncReason
	Outcome   reconcile.Outcome
	Hash      docentry.Hash
	Err       error
}

// Dialer opens a bidirectional byte stream to a peer. The QUIC
// endpoint layer is the production implementation; tests use in-memory
// pipes.
type Dialer interface {
	Dial(ctx context.Context, peer gossipbus.PeerID) (io.ReadWriteCloser, error)
}

// Downloader fetches content by hash into the local blob store. The
// engine fires it for remote inserts whose download policy says yes
// and whose content isn't already complete.
type Downloader interface {
	Download(ctx context.Context, hash docentry.Hash, length uint64) error
}

// Engine orchestrates live sync across documents.
type Engine struct {
	actor         *syncactor.Actor
	bus           gossipbus.Bus
	dialer        Dialer
	downloader    Downloader
	cfg           reconcile.Config
	contentStatus reconcile.ContentStatusFunc
	self          gossipbus.PeerID
	logger        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	docs map[ids.NamespaceId]*docState
}

type docState struct {
	topic      gossipbus.Topic
	sub        *syncactor.Subscription
	running    map[gossipbus.PeerID]bool
	downloads  map[docentry.Hash]chan struct{}
	subscribers []chan Event
}

// Option configures an Engine at construction.
type Option func(*Engine)

func WithDialer(d Dialer) Option            { return func(e *Engine) { e.dialer = d } }
func WithDownloader(d Downloader) Option    { return func(e *Engine) { e.downloader = d } }
func WithConfig(cfg reconcile.Config) Option { return func(e *Engine) { e.cfg = cfg } }
func WithSelf(p gossipbus.PeerID) Option    { return func(e *Engine) { e.self = p } }
func WithLogger(l *slog.Logger) Option      { return func(e *Engine) { e.logger = l } }

// WithContentStatus injects the callback resolving local content
// availability for outgoing entries (normally blobstore.Store.Status).
func WithContentStatus(f reconcile.ContentStatusFunc) Option {
	return func(e *Engine) { e.contentStatus = f }
}

// New constructs an Engine over an actor (which the caller runs) and a
// gossip bus.
func New(actor *syncactor.Actor, bus gossipbus.Bus, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		actor:  actor,
		bus:    bus,
		cfg:    reconcile.DefaultConfig(),
		logger: slog.Default(),
		ctx:    ctx,
		cancel: cancel,
		docs:   make(map[ids.NamespaceId]*docState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// topicID maps a namespace to its gossip topic.
func topicID(ns ids.NamespaceId) docentry.Hash {
	return docentry.Hash(ns)
}

// namedJoiner lets tests and multi-node simulations join with a
// stable caller-chosen identity (gossipbus.Memory.JoinAs).
type namedJoiner interface {
	JoinAs(ns docentry.Hash, self gossipbus.PeerID) (gossipbus.Topic, error)
}

// StartSync enables live sync for ns: marks the replica sync-enabled,
// joins its gossip topic, and enqueues a direct reconciliation run
// against every listed peer. Calling it again adds peers to an
// already-live document.
func (e *Engine) StartSync(ctx context.Context, ns ids.NamespaceId, peers []gossipbus.PeerID) error {
	if err := e.actor.SetSync(ctx, ns, true); err != nil {
		return err
	}

	e.mu.Lock()
	st, ok := e.docs[ns]
	e.mu.Unlock()

	if !ok {
		var topic gossipbus.Topic
		var err error
		if nj, hasNames := e.bus.(namedJoiner); hasNames && e.self != "" {
			topic, err = nj.JoinAs(topicID(ns), e.self)
		} else {
			topic, err = e.bus.Join(topicID(ns))
		}
		if err != nil {
			return err
		}
		sub, err := e.actor.Subscribe(ctx, ns, 256)
		if err != nil {
			topic.Leave()
			return err
		}
		st = &docState{
			topic:     topic,
			sub:       sub,
			running:   make(map[gossipbus.PeerID]bool),
			downloads: make(map[docentry.Hash]chan struct{}),
		}
		e.mu.Lock()
		e.docs[ns] = st
		e.mu.Unlock()

		e.wg.Add(2)
		go e.replicaEventLoop(ns, st)
		go e.topicLoop(ns, st)
	}

	for _, peer := range peers {
		e.enqueueSync(ns, st, peer, ReasonDirectJoin)
	}
	return nil
}

// Resync schedules a fresh reconciliation run against a known peer,
// e.g. after a sync report showed the document still drifting.
func (e *Engine) Resync(ns ids.NamespaceId, peer gossipbus.PeerID) {
	e.mu.Lock()
	st, ok := e.docs[ns]
	e.mu.Unlock()
	if ok {
		e.enqueueSync(ns, st, peer, ReasonResync)
	}
}

// Subscribe returns an event channel for ns. The channel is buffered;
// events are dropped rather than blocking the engine if the consumer
// falls behind.
func (e *Engine) Subscribe(ns ids.NamespaceId) (<-chan Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.docs[ns]
	if !ok {
		return nil, errors.New("liveengine: namespace is not live")
	}
	ch := make(chan Event, 256)
	st.subscribers = append(st.subscribers, ch)
	return ch, nil
}

func (e *Engine) emit(st *docState, ev Event) {
	e.mu.Lock()
	subs := append([]chan Event(nil), st.subscribers...)
	e.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			e.logger.Warn("dropping live event for slow subscriber", "kind", ev.Kind, "namespace", ev.Namespace)
		}
	}
}

// enqueueSync starts a sync run against peer unless one against that
// peer is already in flight for this document, so a burst of neighbor-up events cannot
// stack duplicate sessions.
func (e *Engine) enqueueSync(ns ids.NamespaceId, st *docState, peer gossipbus.PeerID, reason SyncReason) {
	if e.dialer == nil || peer == e.self {
		return
	}
	e.mu.Lock()
	if st.running[peer] {
		e.mu.Unlock()
		return
	}
	st.running[peer] = true
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(st.running, peer)
			e.mu.Unlock()
		}()
		e.runSync(ns, st, peer, reason)
	}()
}

// runSync drives one initiator-side reconciliation session.
func (e *Engine) runSync(ns ids.NamespaceId, st *docState, peer gossipbus.PeerID, reason SyncReason) {
	session := uuid.Must(uuid.NewV7()).String()
	log := e.logger.With("session", session, "namespace", ns, "peer", peer, "reason", reason.String())
	log.Info("sync session starting")

	conn, err := e.dialer.Dial(e.ctx, peer)
	if err != nil {
		log.Warn("dial failed", "error", err)
		e.emit(st, Event{Kind: EventSyncFinished, Namespace: ns, Peer: peer, Reason: reason, Err: err})
		return
	}
	defer conn.Close()

	process := func(ctx context.Context, ns ids.NamespaceId, msg reconcile.Message) (reconcile.Message, reconcile.Outcome, error) {
		return e.actor.SyncProcessMessage(ctx, ns, e.cfg, e.contentStatus, msg)
	}
	outcome, err := wire.RunAlice(e.ctx, conn, ns, e.actor.SyncInitialMessage, process)
	if err != nil {
		log.Warn("sync session failed", "error", err)
		e.emit(st, Event{Kind: EventSyncFinished, Namespace: ns, Peer: peer, Reason: reason, Err: err})
		return
	}

	log.Info("sync session finished", "sent", outcome.NumSent, "received", outcome.NumRecv)
	if err := e.actor.RegisterUsefulPeer(e.ctx, ns, []byte(peer)); err != nil {
		log.Warn("register useful peer failed", "error", err)
	}
	e.emit(st, Event{Kind: EventSyncFinished, Namespace: ns, Peer: peer, Reason: reason, Outcome: outcome})
	e.emitPendingContentReady(ns, st)
}

// emitPendingContentReady waits for every download currently in
// flight for this document to settle, then tells subscribers the
// triggering session's content has landed.
func (e *Engine) emitPendingContentReady(ns ids.NamespaceId, st *docState) {
	e.mu.Lock()
	waiting := make([]chan struct{}, 0, len(st.downloads))
	for _, done := range st.downloads {
		waiting = append(waiting, done)
	}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for _, done := range waiting {
			select {
			case <-done:
			case <-e.ctx.Done():
				return
			}
		}
		e.emit(st, Event{Kind: EventPendingContentReady, Namespace: ns})
	}()
}

// HandleConnection runs the responder side of one inbound session from
// peer (the responder role). The transport layer calls this once per
// accepted bi-stream.
func (e *Engine) HandleConnection(ctx context.Context, peer gossipbus.PeerID, conn io.ReadWriteCloser) error {
	defer conn.Close()

	lookup := func(ns ids.NamespaceId) (bool, bool) {
		state, err := e.actor.GetState(ctx, ns)
		if err != nil || !state.Open || !state.Sync {
			return false, false
		}
		e.mu.Lock()
		st, live := e.docs[ns]
		already := live && st.running[peer]
		e.mu.Unlock()
		return true, already
	}
	process := func(ctx context.Context, ns ids.NamespaceId, msg reconcile.Message) (reconcile.Message, reconcile.Outcome, error) {
		return e.actor.SyncProcessMessage(ctx, ns, e.cfg, e.contentStatus, msg)
	}

	ns, outcome, err := wire.RunBob(ctx, conn, lookup, process)
	e.mu.Lock()
	st, live := e.docs[ns]
	e.mu.Unlock()
	if err != nil {
		if live {
			e.emit(st, Event{Kind: EventSyncFinished, Namespace: ns, Peer: peer, Reason: ReasonAccepted, Err: err})
		}
		return err
	}

	if regErr := e.actor.RegisterUsefulPeer(ctx, ns, []byte(peer)); regErr != nil {
		e.logger.Warn("register useful peer failed", "namespace", ns, "error", regErr)
	}
	if live {
		e.emit(st, Event{Kind: EventSyncFinished, Namespace: ns, Peer: peer, Reason: ReasonAccepted, Outcome: outcome})
		e.emitPendingContentReady(ns, st)
	}
	return nil
}

// replicaEventLoop bridges replica events to the overlay and the
// download dispatcher: local inserts broadcast Op::Put; accepted
// remote inserts that the download policy wants trigger a content
// fetch.
func (e *Engine) replicaEventLoop(ns ids.NamespaceId, st *docState) {
	defer e.wg.Done()
	for ev := range st.sub.Events {
		switch ev.Kind {
		case replica.LocalInsert:
			op := gossipbus.Op{Kind: gossipbus.OpPut, Entry: ev.Entry}
			if err := st.topic.Broadcast(e.ctx, op); err != nil {
				e.logger.Warn("gossip broadcast failed", "namespace", ns, "error", err)
			}
		case replica.RemoteInsert:
			if ev.ShouldDownload && ev.ContentStatus != reconcile.ContentComplete && !ev.Entry.Record.IsEmpty() {
				e.startDownload(ns, st, ev.Entry)
			}
		}
	}
}

// startDownload dispatches a content fetch for entry's hash unless one
// is already in flight. Success is announced to subscribers and, with
// neighbor scope, on the gossip topic; failure is logged and the entry
// stays in the store (a download failure never unwinds an insert).
func (e *Engine) startDownload(ns ids.NamespaceId, st *docState, entry docentry.SignedEntry) {
	if e.downloader == nil {
		return
	}
	hash := entry.Record.Hash
	length := entry.Record.Len

	e.mu.Lock()
	if _, inFlight := st.downloads[hash]; inFlight {
		e.mu.Unlock()
		return
	}
	done := make(chan struct{})
	st.downloads[hash] = done
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := e.downloader.Download(e.ctx, hash, length)

		e.mu.Lock()
		delete(st.downloads, hash)
		e.mu.Unlock()
		close(done)

		if err != nil {
			e.logger.Warn("content download failed", "namespace", ns, "hash", hash, "error", err)
			return
		}
		e.emit(st, Event{Kind: EventContentReady, Namespace: ns, Hash: hash})
		op := gossipbus.Op{Kind: gossipbus.OpContentReady, Hash: hash}
		if berr := st.topic.Broadcast(e.ctx, op); berr != nil {
			e.logger.Warn("content-ready broadcast failed", "namespace", ns, "error", berr)
		}
	}()
}

// topicLoop consumes the document's gossip topic: membership changes
// schedule sync runs, Op::Put forwards to the actor as a remote
// insert, Op::ContentReady surfaces to subscribers.
func (e *Engine) topicLoop(ns ids.NamespaceId, st *docState) {
	defer e.wg.Done()
	neighbors := st.topic.Neighbors()
	messages := st.topic.Messages()
	for neighbors != nil || messages != nil {
		select {
		case <-e.ctx.Done():
			return
		case ev, ok := <-neighbors:
			if !ok {
				neighbors = nil
				continue
			}
			switch ev.Kind {
			case gossipbus.NeighborUp:
				e.emit(st, Event{Kind: EventNeighborUp, Namespace: ns, Peer: ev.Peer})
				e.enqueueSync(ns, st, ev.Peer, ReasonNewNeighbor)
			case gossipbus.NeighborDown:
				e.emit(st, Event{Kind: EventNeighborDown, Namespace: ns, Peer: ev.Peer})
			}
		case op, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			switch op.Kind {
			case gossipbus.OpPut:
				if _, err := e.actor.InsertRemote(e.ctx, ns, op.Entry, reconcile.ContentMissing); err != nil {
					e.logger.Debug("gossiped entry rejected", "namespace", ns, "error", err)
				}
			case gossipbus.OpContentReady:
				e.emit(st, Event{Kind: EventContentReady, Namespace: ns, Hash: op.Hash})
			}
		}
	}
}

// Leave disables live sync for ns: the replica is marked sync=false,
// the gossip subscription is dropped, and — if killSubscribers is set
// — engine-level subscribers are closed so they observe
// end-of-stream.
func (e *Engine) Leave(ctx context.Context, ns ids.NamespaceId, killSubscribers bool) error {
	e.mu.Lock()
	st, ok := e.docs[ns]
	if ok {
		delete(e.docs, ns)
	}
	var subs []chan Event
	if ok && killSubscribers {
		subs = st.subscribers
		st.subscribers = nil
	}
	e.mu.Unlock()

	if !ok {
		return nil
	}

	// Tear everything down even if an actor call fails: the topic and
	// the replica subscription feed this document's goroutines, and
	// Close waits on those.
	err := e.actor.SetSync(ctx, ns, false)
	if uerr := e.actor.Unsubscribe(ctx, st.sub); err == nil {
		err = uerr
	}
	st.topic.Leave()
	for _, ch := range subs {
		close(ch)
	}
	return err
}

// Close aborts every in-flight task and leaves every document. In-
// flight sync sessions observe context cancellation at their next
// suspension point.
func (e *Engine) Close() {
	e.cancel()

	e.mu.Lock()
	namespaces := make([]ids.NamespaceId, 0, len(e.docs))
	for ns := range e.docs {
		namespaces = append(namespaces, ns)
	}
	e.mu.Unlock()

	for _, ns := range namespaces {
		if err := e.Leave(context.Background(), ns, true); err != nil {
			e.logger.Warn("leave during close failed", "namespace", ns, "error", err)
		}
	}
	e.wg.Wait()
}
