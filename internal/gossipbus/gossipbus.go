// Package gossipbus gives the external gossip overlay a concrete
// shape: a broadcast bus per topic. internal/liveengine depends only
// on the Bus interface; Memory is an
// in-process reference implementation, one memoryTopicSet per topic, exercised
// by tests and by any node running without a real overlay wired in.
package gossipbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/brutalist-labs/docengine/internal/docentry"
)

// PeerID identifies a remote node on the overlay.
type PeerID string

// NeighborEventKind classifies a topic membership change.
type NeighborEventKind int

const (
	NeighborUp NeighborEventKind = iota
	NeighborDown
)

// NeighborEvent reports a peer joining or leaving a document's gossip
// topic.
type NeighborEvent struct {
	Kind NeighborEventKind
	Peer PeerID
}

// OpKind discriminates Op's variants.
type OpKind int

const (
	// OpPut reports a locally or remotely inserted entry.
	OpPut OpKind = iota
	// OpContentReady reports that content for a hash became available,
	// broadcast with neighbor scope so peers holding the entry but
	// not its content can learn of availability.
	OpContentReady
)

// Op is the compact message the live engine publishes on a document's
// gossip topic.
type Op struct {
	Kind  OpKind
	Entry docentry.SignedEntry // populated when Kind == OpPut
	Hash  docentry.Hash        // populated when Kind == OpContentReady
}

// Topic is a joined gossip subscription for one namespace: neighbor
// membership changes and inbound Ops arrive on their own channels,
// and Broadcast publishes an Op to every other member.
type Topic interface {
	Neighbors() <-chan NeighborEvent
	Messages() <-chan Op
	Broadcast(ctx context.Context, op Op) error
	Leave()
}

// Bus is the overlay's join entry point: one Bus per node, one Topic
// per namespace a node has joined.
type Bus interface {
	Join(ns docentry.Hash) (Topic, error)
}

// Memory is an in-process Bus: every node sharing one Memory instance
// and joining the same namespace topic sees each other's Broadcasts
// and NeighborEvents, following the subscriber-fan-out discipline
// already used by replica.Replica.Subscribe — a per-subscriber
// buffered channel, dropping sends when full rather than blocking the
// publisher.
type Memory struct {
	mu     sync.Mutex
	topics map[docentry.Hash]*memoryTopicSet
}

// NewMemory constructs an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{topics: make(map[docentry.Hash]*memoryTopicSet)}
}

// memoryTopicSet tracks every member currently joined to one topic.
type memoryTopicSet struct {
	mu      sync.Mutex
	members map[*memoryTopic]PeerID
}

const memoryTopicBuffer = 64

// Join attaches peer to ns's topic, notifying existing members of its
// arrival and returning a handle peer can use to broadcast and
// receive.
func (b *Memory) Join(ns docentry.Hash) (Topic, error) {
	return b.JoinAs(ns, PeerID(fmt.Sprintf("peer-%x", ns[:4])))
}

// JoinAs is Join with an explicit, caller-chosen PeerID — tests and
// multi-node simulations need distinct, stable peer identities rather
// than the namespace-derived default Join uses.
func (b *Memory) JoinAs(ns docentry.Hash, self PeerID) (Topic, error) {
	b.mu.Lock()
	set, ok := b.topics[ns]
	if !ok {
		set = &memoryTopicSet{members: make(map[*memoryTopic]PeerID)}
		b.topics[ns] = set
	}
	b.mu.Unlock()

	t := &memoryTopic{
		set:       set,
		self:      self,
		neighbors: make(chan NeighborEvent, memoryTopicBuffer),
		messages:  make(chan Op, memoryTopicBuffer),
	}

	set.mu.Lock()
	for existing, peer := range set.members {
		nonBlockingSendNeighbor(existing.neighbors, NeighborEvent{Kind: NeighborUp, Peer: self})
		nonBlockingSendNeighbor(t.neighbors, NeighborEvent{Kind: NeighborUp, Peer: peer})
	}
	set.members[t] = self
	set.mu.Unlock()

	return t, nil
}

type memoryTopic struct {
	set       *memoryTopicSet
	self      PeerID
	neighbors chan NeighborEvent
	messages  chan Op

	mu    sync.Mutex
	left  bool
}

func (t *memoryTopic) Neighbors() <-chan NeighborEvent { return t.neighbors }
func (t *memoryTopic) Messages() <-chan Op             { return t.messages }

func (t *memoryTopic) Broadcast(ctx context.Context, op Op) error {
	t.set.mu.Lock()
	defer t.set.mu.Unlock()
	for member := range t.set.members {
		if member == t {
			continue
		}
		nonBlockingSendOp(member.messages, op)
	}
	return ctx.Err()
}

func (t *memoryTopic) Leave() {
	t.mu.Lock()
	if t.left {
		t.mu.Unlock()
		return
	}
	t.left = true
	t.mu.Unlock()

	t.set.mu.Lock()
	delete(t.set.members, t)
	for other, peer := range t.set.members {
		nonBlockingSendNeighbor(other.neighbors, NeighborEvent{Kind: NeighborDown, Peer: t.self})
		_ = peer
	}
	t.set.mu.Unlock()

	close(t.neighbors)
	close(t.messages)
}

func nonBlockingSendNeighbor(ch chan NeighborEvent, ev NeighborEvent) {
	select {
	case ch <- ev:
	default:
	}
}

func nonBlockingSendOp(ch chan Op, op Op) {
	select {
	case ch <- op:
	default:
	}
}
