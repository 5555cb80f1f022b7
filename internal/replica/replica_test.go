package replica

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brutalist-labs/docengine/internal/docentry"
	"github.com/brutalist-labs/docengine/internal/ids"
	"github.com/brutalist-labs/docengine/internal/rangestore"
)

func newTestReplica(t *testing.T, cap ids.Capability, now time.Time) *Replica {
	t.Helper()
	store := rangestore.NewMemory()
	return New(cap.Namespace(), cap, store, WithClock(FixedClock(now)))
}

func TestS4FutureTimestampRejection(t *testing.T) {
	ctx := context.Background()
	nsID, nsSecret, err := ids.NewNamespace()
	require.NoError(t, err)
	author, authorSecret, err := ids.NewAuthor()
	require.NoError(t, err)
	now := time.Now()
	r := newTestReplica(t, ids.NewWriteCapability(nsSecret), now)
	_ = nsID

	entry := docentry.Sign(docentry.Entry{
		Id:     docentry.NewRecordIdentifier(r.Namespace(), author, []byte("k")),
		Record: docentry.Record{Hash: docentry.EmptyHash, Len: 0, Timestamp: uint64(now.Add(10*time.Minute + time.Millisecond).UnixMicro())},
	}, nsSecret, authorSecret)
	_, err = r.InsertRemote(ctx, entry, 0)
	require.Error(t, err)
	require.True(t, IsTooFarInTheFuture(err))

	entry2 := docentry.Sign(docentry.Entry{
		Id:     docentry.NewRecordIdentifier(r.Namespace(), author, []byte("k")),
		Record: docentry.Record{Hash: docentry.EmptyHash, Len: 0, Timestamp: uint64(now.Add(10 * time.Minute).UnixMicro())},
	}, nsSecret, authorSecret)
	inserted, err := r.InsertRemote(ctx, entry2, 0)
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestS5EmptyEntryRule(t *testing.T) {
	ctx := context.Background()
	_, nsSecret, err := ids.NewNamespace()
	require.NoError(t, err)
	author, authorSecret, err := ids.NewAuthor()
	require.NoError(t, err)
	r := newTestReplica(t, ids.NewWriteCapability(nsSecret), time.Now())

	nonEmptyHash := docentry.Hash{1, 2, 3}
	_, err = r.InsertLocal(ctx, author, authorSecret, nsSecret, []byte("k"), nonEmptyHash, 0)
	require.Error(t, err)
	require.True(t, IsEntryIsEmpty(err))

	_, err = r.InsertLocal(ctx, author, authorSecret, nsSecret, []byte("k"), docentry.EmptyHash, 0)
	require.NoError(t, err)
}

func TestS6ReadOnlyCapabilityNeverDowngrades(t *testing.T) {
	ctx := context.Background()
	nsID, nsSecret, err := ids.NewNamespace()
	require.NoError(t, err)
	author, authorSecret, err := ids.NewAuthor()
	require.NoError(t, err)

	r := newTestReplica(t, ids.NewReadCapability(nsID), time.Now())
	_, err = r.InsertLocal(ctx, author, authorSecret, nsSecret, []byte("k"), docentry.EmptyHash, 0)
	require.Error(t, err)
	require.True(t, IsReadOnly(err))

	require.NoError(t, r.MergeCapability(ids.NewWriteCapability(nsSecret)))
	_, err = r.InsertLocal(ctx, author, authorSecret, nsSecret, []byte("k"), docentry.EmptyHash, 0)
	require.NoError(t, err)

	require.NoError(t, r.MergeCapability(ids.NewReadCapability(nsID)))
	_, err = r.InsertLocal(ctx, author, authorSecret, nsSecret, []byte("other"), docentry.EmptyHash, 0)
	require.NoError(t, err, "capability must never downgrade from write back to read")
}

func TestSubscribeReceivesLocalInsertEvent(t *testing.T) {
	ctx := context.Background()
	_, nsSecret, err := ids.NewNamespace()
	require.NoError(t, err)
	author, authorSecret, err := ids.NewAuthor()
	require.NoError(t, err)
	r := newTestReplica(t, ids.NewWriteCapability(nsSecret), time.Now())

	_, ch := r.Subscribe(4)
	_, err = r.InsertLocal(ctx, author, authorSecret, nsSecret, []byte("k"), docentry.EmptyHash, 0)
	require.NoError(t, err)

	select {
	case ev := <-ch:
		require.Equal(t, LocalInsert, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected a LocalInsert event")
	}
}
