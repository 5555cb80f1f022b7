package syncactor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brutalist-labs/docengine/internal/docentry"
	"github.com/brutalist-labs/docengine/internal/downloadpolicy"
	"github.com/brutalist-labs/docengine/internal/ids"
	"github.com/brutalist-labs/docengine/internal/rangestore"
)

func newTestActor(t *testing.T) (*Actor, context.Context, context.CancelFunc) {
	t.Helper()
	stores := make(map[ids.NamespaceId]*rangestore.Memory)
	reg := NewRegistry(func(ns ids.NamespaceId) rangestore.Store {
		if s, ok := stores[ns]; ok {
			return s
		}
		s := rangestore.NewMemory()
		stores[ns] = s
		return s
	})
	a := New(reg, WithFlushInterval(0))
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	return a, ctx, cancel
}

func TestActorOpenInsertGetExact(t *testing.T) {
	a, ctx, cancel := newTestActor(t)
	defer cancel()

	nsID, nsSecret, err := ids.NewNamespace()
	require.NoError(t, err)
	author, authorSecret, err := ids.NewAuthor()
	require.NoError(t, err)

	_, err = a.Open(ctx, nsID, ids.NewWriteCapability(nsSecret))
	require.NoError(t, err)

	_, err = a.InsertLocal(ctx, nsID, author, authorSecret, nsSecret, []byte("k"), docentry.EmptyHash, 0)
	require.NoError(t, err)

	id := docentry.NewRecordIdentifier(nsID, author, []byte("k"))
	entry, found, err := a.GetExact(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, id, entry.Id)

	state, err := a.GetState(ctx, nsID)
	require.NoError(t, err)
	require.True(t, state.Open)
	require.True(t, state.Capability.IsWrite())

	require.NoError(t, a.FlushStore(ctx))
}

func TestActorSubscribeReceivesLocalInsert(t *testing.T) {
	a, ctx, cancel := newTestActor(t)
	defer cancel()

	nsID, nsSecret, err := ids.NewNamespace()
	require.NoError(t, err)
	author, authorSecret, err := ids.NewAuthor()
	require.NoError(t, err)

	_, err = a.Open(ctx, nsID, ids.NewWriteCapability(nsSecret))
	require.NoError(t, err)

	sub, err := a.Subscribe(ctx, nsID, 4)
	require.NoError(t, err)
	defer a.Unsubscribe(ctx, sub)

	_, err = a.InsertLocal(ctx, nsID, author, authorSecret, nsSecret, []byte("k"), docentry.EmptyHash, 0)
	require.NoError(t, err)

	select {
	case ev := <-sub.Events:
		require.Equal(t, []byte("k"), ev.Entry.Id.Key)
	case <-time.After(time.Second):
		t.Fatal("expected an event on the subscription channel")
	}
}

func TestActorOpenReferenceCountingAcrossClose(t *testing.T) {
	a, ctx, cancel := newTestActor(t)
	defer cancel()

	nsID, nsSecret, err := ids.NewNamespace()
	require.NoError(t, err)

	_, err = a.Open(ctx, nsID, ids.NewReadCapability(nsID))
	require.NoError(t, err)
	_, err = a.Open(ctx, nsID, ids.NewWriteCapability(nsSecret))
	require.NoError(t, err)

	require.NoError(t, a.Close(ctx, nsID))

	state, err := a.GetState(ctx, nsID)
	require.NoError(t, err)
	require.True(t, state.Open, "replica should still be open after one of two Close calls")

	require.NoError(t, a.Close(ctx, nsID))
	state, err = a.GetState(ctx, nsID)
	require.NoError(t, err)
	require.False(t, state.Open)
}

func TestActorSyncRoundTripsThroughGetSyncPeers(t *testing.T) {
	a, ctx, cancel := newTestActor(t)
	defer cancel()

	nsID, nsSecret, err := ids.NewNamespace()
	require.NoError(t, err)
	_, err = a.Open(ctx, nsID, ids.NewWriteCapability(nsSecret))
	require.NoError(t, err)

	peers, err := a.GetSyncPeers(ctx, nsID)
	require.NoError(t, err)
	require.Empty(t, peers)

	require.NoError(t, a.RegisterUsefulPeer(ctx, nsID, []byte("peer-a")))
	peers, err = a.GetSyncPeers(ctx, nsID)
	require.NoError(t, err)
	require.Len(t, peers, 1)
}

func TestActorDownloadPolicyDefaultsToEverythingExcept(t *testing.T) {
	a, ctx, cancel := newTestActor(t)
	defer cancel()

	nsID, nsSecret, err := ids.NewNamespace()
	require.NoError(t, err)
	_, err = a.Open(ctx, nsID, ids.NewWriteCapability(nsSecret))
	require.NoError(t, err)

	policy, err := a.GetDownloadPolicy(ctx, nsID)
	require.NoError(t, err)
	require.Equal(t, downloadpolicy.Default(), policy)
}

func TestActorSetDownloadPolicyRoundTripsAndGatesInsertRemote(t *testing.T) {
	a, ctx, cancel := newTestActor(t)
	defer cancel()

	nsID, nsSecret, err := ids.NewNamespace()
	require.NoError(t, err)
	author, authorSecret, err := ids.NewAuthor()
	require.NoError(t, err)
	_, err = a.Open(ctx, nsID, ids.NewWriteCapability(nsSecret))
	require.NoError(t, err)

	policy := downloadpolicy.Policy{
		Variant: downloadpolicy.NothingExcept,
		Filters: []downloadpolicy.Filter{{Kind: downloadpolicy.FilterPrefix, Pattern: []byte("images/")}},
	}
	require.NoError(t, a.SetDownloadPolicy(ctx, nsID, policy))

	got, err := a.GetDownloadPolicy(ctx, nsID)
	require.NoError(t, err)
	require.Equal(t, policy, got)

	sub, err := a.Subscribe(ctx, nsID, 4)
	require.NoError(t, err)
	defer a.Unsubscribe(ctx, sub)
	events := sub.Events

	notDownloaded := docentry.Sign(docentry.Entry{
		Id:     docentry.NewRecordIdentifier(nsID, author, []byte("docs/readme.md")),
		Record: docentry.Record{Hash: docentry.EmptyHash, Len: 0, Timestamp: 1},
	}, nsSecret, authorSecret)
	inserted, err := a.InsertRemote(ctx, nsID, notDownloaded, 0)
	require.NoError(t, err)
	require.True(t, inserted)

	select {
	case ev := <-events:
		require.False(t, ev.ShouldDownload, "docs/readme.md does not match the images/ prefix filter")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for InsertRemote event")
	}

	downloaded := docentry.Sign(docentry.Entry{
		Id:     docentry.NewRecordIdentifier(nsID, author, []byte("images/cat.png")),
		Record: docentry.Record{Hash: docentry.EmptyHash, Len: 0, Timestamp: 2},
	}, nsSecret, authorSecret)
	inserted, err = a.InsertRemote(ctx, nsID, downloaded, 0)
	require.NoError(t, err)
	require.True(t, inserted)

	select {
	case ev := <-events:
		require.True(t, ev.ShouldDownload, "images/cat.png matches the images/ prefix filter")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second InsertRemote event")
	}
}
