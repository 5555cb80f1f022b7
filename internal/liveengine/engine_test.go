package liveengine

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brutalist-labs/docengine/internal/blobstore"
	"github.com/brutalist-labs/docengine/internal/docentry"
	"github.com/brutalist-labs/docengine/internal/downloadpolicy"
	"github.com/brutalist-labs/docengine/internal/gossipbus"
	"github.com/brutalist-labs/docengine/internal/ids"
	"github.com/brutalist-labs/docengine/internal/rangestore"
	"github.com/brutalist-labs/docengine/internal/syncactor"
)

const waitFor = 5 * time.Second
const tick = 10 * time.Millisecond

// testNode is one simulated node: an actor over in-memory stores, an
// in-memory blob store resolving content statuses, and a live engine
// attached to the shared in-process gossip bus.
type testNode struct {
	id     gossipbus.PeerID
	actor  *syncactor.Actor
	engine *Engine
	blobs  *blobstore.Memory

	mu     sync.Mutex
	stores map[ids.NamespaceId]*rangestore.Memory
}

func (n *testNode) store(ns ids.NamespaceId) rangestore.Store {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.stores[ns]
	if !ok {
		s = rangestore.NewMemory()
		n.stores[ns] = s
	}
	return s
}

// pipeDialer connects nodes with net.Pipe, standing in for the QUIC
// layer: dialing a peer hands its engine the server half of the pipe.
type pipeDialer struct {
	self  gossipbus.PeerID
	peers map[gossipbus.PeerID]*testNode
}

func (d *pipeDialer) Dial(_ context.Context, peer gossipbus.PeerID) (io.ReadWriteCloser, error) {
	remote, ok := d.peers[peer]
	if !ok {
		return nil, fmt.Errorf("no such peer %q", peer)
	}
	client, server := net.Pipe()
	go func() {
		_ = remote.engine.HandleConnection(context.Background(), d.self, server)
	}()
	return client, nil
}

// recordingDownloader records requested hashes instead of fetching.
type recordingDownloader struct {
	mu     sync.Mutex
	hashes []docentry.Hash
}

func (d *recordingDownloader) Download(_ context.Context, hash docentry.Hash, _ uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hashes = append(d.hashes, hash)
	return nil
}

func (d *recordingDownloader) recorded() []docentry.Hash {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]docentry.Hash(nil), d.hashes...)
}

type cluster struct {
	bus   *gossipbus.Memory
	nodes map[gossipbus.PeerID]*testNode
}

func newCluster(t *testing.T) *cluster {
	return &cluster{bus: gossipbus.NewMemory(), nodes: make(map[gossipbus.PeerID]*testNode)}
}

func (c *cluster) addNode(t *testing.T, id gossipbus.PeerID, opts ...Option) *testNode {
	t.Helper()
	n := &testNode{
		id:     id,
		blobs:  blobstore.NewMemory(),
		stores: make(map[ids.NamespaceId]*rangestore.Memory),
	}
	reg := syncactor.NewRegistry(n.store)
	n.actor = syncactor.New(reg)

	ctx, cancel := context.WithCancel(context.Background())
	go n.actor.Run(ctx)
	t.Cleanup(cancel)

	dialer := &pipeDialer{self: id, peers: c.nodes}
	opts = append([]Option{WithSelf(id), WithDialer(dialer), WithContentStatus(n.blobs.Status)}, opts...)
	n.engine = New(n.actor, c.bus, opts...)
	t.Cleanup(n.engine.Close)

	c.nodes[id] = n
	return n
}

func insertKeys(t *testing.T, n *testNode, ctx context.Context, ns ids.NamespaceId, nsSecret ids.NamespaceSecret, author ids.AuthorId, authorSecret ids.AuthorSecret, keys ...string) {
	t.Helper()
	for _, k := range keys {
		content := []byte("content of " + k)
		hash := docentry.Hash(sha256.Sum256(content))
		_, err := n.actor.InsertLocal(ctx, ns, author, authorSecret, nsSecret, []byte(k), hash, uint64(len(content)))
		require.NoError(t, err)
	}
}

func storeLen(t *testing.T, n *testNode, ns ids.NamespaceId) int {
	t.Helper()
	count, err := n.store(ns).Len(context.Background())
	require.NoError(t, err)
	return count
}

func TestDirectJoinSyncConverges(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	a := c.addNode(t, "node-a")
	b := c.addNode(t, "node-b")

	nsID, nsSecret, err := ids.NewNamespace()
	require.NoError(t, err)
	author, authorSecret, err := ids.NewAuthor()
	require.NoError(t, err)
	cap := ids.NewWriteCapability(nsSecret)

	_, err = a.actor.Open(ctx, nsID, cap)
	require.NoError(t, err)
	_, err = b.actor.Open(ctx, nsID, cap)
	require.NoError(t, err)

	insertKeys(t, a, ctx, nsID, nsSecret, author, authorSecret, "ape", "eel", "fox")
	insertKeys(t, b, ctx, nsID, nsSecret, author, authorSecret, "bee", "cat")

	require.NoError(t, b.engine.StartSync(ctx, nsID, nil))
	require.NoError(t, a.engine.StartSync(ctx, nsID, []gossipbus.PeerID{b.id}))

	require.Eventually(t, func() bool {
		return storeLen(t, a, nsID) == 5 && storeLen(t, b, nsID) == 5
	}, waitFor, tick, "both replicas should hold the union after a direct-join sync")

	// The initiator records the responder as a useful peer.
	require.Eventually(t, func() bool {
		peers, err := a.actor.GetSyncPeers(ctx, nsID)
		return err == nil && len(peers) == 1 && string(peers[0]) == string(b.id)
	}, waitFor, tick)
}

func TestGossipPropagatesLocalInserts(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	a := c.addNode(t, "node-a")
	b := c.addNode(t, "node-b")

	nsID, nsSecret, err := ids.NewNamespace()
	require.NoError(t, err)
	author, authorSecret, err := ids.NewAuthor()
	require.NoError(t, err)
	cap := ids.NewWriteCapability(nsSecret)

	_, err = a.actor.Open(ctx, nsID, cap)
	require.NoError(t, err)
	_, err = b.actor.Open(ctx, nsID, cap)
	require.NoError(t, err)

	require.NoError(t, a.engine.StartSync(ctx, nsID, nil))
	require.NoError(t, b.engine.StartSync(ctx, nsID, nil))

	// An insert after both are live reaches the peer through the
	// gossip Op::Put path alone, without a reconciliation session.
	insertKeys(t, a, ctx, nsID, nsSecret, author, authorSecret, "gnu")

	require.Eventually(t, func() bool {
		return storeLen(t, b, nsID) == 1
	}, waitFor, tick, "gossiped entry should land on the neighbor")
}

func TestDownloadPolicyGatesContentDispatch(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	a := c.addNode(t, "node-a")
	dl := &recordingDownloader{}
	b := c.addNode(t, "node-b", WithDownloader(dl))

	nsID, nsSecret, err := ids.NewNamespace()
	require.NoError(t, err)
	author, authorSecret, err := ids.NewAuthor()
	require.NoError(t, err)
	cap := ids.NewWriteCapability(nsSecret)

	_, err = a.actor.Open(ctx, nsID, cap)
	require.NoError(t, err)
	_, err = b.actor.Open(ctx, nsID, cap)
	require.NoError(t, err)

	// Only the fellowship key's content should be fetched.
	policy := downloadpolicy.Policy{
		Variant: downloadpolicy.NothingExcept,
		Filters: []downloadpolicy.Filter{{Kind: downloadpolicy.FilterExact, Pattern: []byte("lotr/fellowship")}},
	}
	require.NoError(t, b.actor.SetDownloadPolicy(ctx, nsID, policy))

	insertKeys(t, a, ctx, nsID, nsSecret, author, authorSecret,
		"lotr/fellowship", "lotr/two-towers", "lotr/return-of-the-king")

	wantContent := []byte("content of lotr/fellowship")
	wantHash := docentry.Hash(sha256.Sum256(wantContent))

	// A accepts inbound sessions but stays off the gossip topic, so
	// the one session B schedules below is the only sync that runs.
	require.NoError(t, a.actor.SetSync(ctx, nsID, true))
	require.NoError(t, b.engine.StartSync(ctx, nsID, nil))

	events, err := b.engine.Subscribe(nsID)
	require.NoError(t, err)

	b.engine.Resync(nsID, a.id)

	require.Eventually(t, func() bool {
		return storeLen(t, b, nsID) == 3
	}, waitFor, tick, "sync should deliver all three entries regardless of policy")

	require.Eventually(t, func() bool {
		return len(dl.recorded()) == 1
	}, waitFor, tick, "exactly one download should be dispatched")
	require.Equal(t, []docentry.Hash{wantHash}, dl.recorded())

	var sawSyncFinished, sawContentReady, sawPending bool
	deadline := time.After(waitFor)
	for !(sawSyncFinished && sawContentReady && sawPending) {
		select {
		case ev := <-events:
			switch ev.Kind {
			case EventSyncFinished:
				require.NoError(t, ev.Err)
				sawSyncFinished = true
			case EventContentReady:
				require.Equal(t, wantHash, ev.Hash)
				sawContentReady = true
			case EventPendingContentReady:
				sawPending = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for events: sync=%v content=%v pending=%v",
				sawSyncFinished, sawContentReady, sawPending)
		}
	}
}

func TestHandleConnectionRefusesWhenSyncDisabled(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	a := c.addNode(t, "node-a")
	b := c.addNode(t, "node-b")

	nsID, nsSecret, err := ids.NewNamespace()
	require.NoError(t, err)
	cap := ids.NewWriteCapability(nsSecret)

	_, err = a.actor.Open(ctx, nsID, cap)
	require.NoError(t, err)
	_, err = b.actor.Open(ctx, nsID, cap)
	require.NoError(t, err)

	// A is live; B never called StartSync, so B must refuse A's dial.
	require.NoError(t, a.engine.StartSync(ctx, nsID, nil))

	events, err := a.engine.Subscribe(nsID)
	require.NoError(t, err)
	a.engine.Resync(nsID, b.id)

	select {
	case ev := <-events:
		require.Equal(t, EventSyncFinished, ev.Kind)
		require.Error(t, ev.Err)
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for the refused session to report")
	}
}

func TestLeaveKillsSubscribers(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	a := c.addNode(t, "node-a")

	nsID, nsSecret, err := ids.NewNamespace()
	require.NoError(t, err)
	_, err = a.actor.Open(ctx, nsID, ids.NewWriteCapability(nsSecret))
	require.NoError(t, err)

	require.NoError(t, a.engine.StartSync(ctx, nsID, nil))
	events, err := a.engine.Subscribe(nsID)
	require.NoError(t, err)

	require.NoError(t, a.engine.Leave(ctx, nsID, true))

	require.Eventually(t, func() bool {
		select {
		case _, open := <-events:
			return !open
		default:
			return false
		}
	}, waitFor, tick, "subscriber channel should observe end-of-stream")

	state, err := a.actor.GetState(ctx, nsID)
	require.NoError(t, err)
	require.False(t, state.Sync)
}
