package syncactor

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brutalist-labs/docengine/internal/docentry"
	"github.com/brutalist-labs/docengine/internal/ids"
	"github.com/brutalist-labs/docengine/internal/store"
)

func TestActorGetManyAppliesQueryOverMemoryStore(t *testing.T) {
	a, ctx, cancel := newTestActor(t)
	defer cancel()

	nsID, nsSecret, err := ids.NewNamespace()
	require.NoError(t, err)
	author, authorSecret, err := ids.NewAuthor()
	require.NoError(t, err)
	_, err = a.Open(ctx, nsID, ids.NewWriteCapability(nsSecret))
	require.NoError(t, err)

	for _, k := range []string{"fruit/apple", "fruit/banana", "veg/carrot"} {
		content := []byte("v:" + k)
		hash := docentry.Hash(sha256.Sum256(content))
		_, err = a.InsertLocal(ctx, nsID, author, authorSecret, nsSecret, []byte(k), hash, uint64(len(content)))
		require.NoError(t, err)
	}

	entries, err := a.GetMany(ctx, nsID, store.Query{
		KeyMatch: store.KeyMatchPrefix,
		Key:      []byte("fruit/"),
		SortBy:   store.SortByKeyAuthor,
	})
	require.NoError(t, err)

	var keys []string
	for e := range entries {
		keys = append(keys, string(e.Id.Key))
	}
	require.Equal(t, []string{"fruit/apple", "fruit/banana"}, keys)
}

func TestActorSetSyncReflectsInState(t *testing.T) {
	a, ctx, cancel := newTestActor(t)
	defer cancel()

	nsID, nsSecret, err := ids.NewNamespace()
	require.NoError(t, err)
	_, err = a.Open(ctx, nsID, ids.NewWriteCapability(nsSecret))
	require.NoError(t, err)

	state, err := a.GetState(ctx, nsID)
	require.NoError(t, err)
	require.False(t, state.Sync)
	require.Equal(t, 1, state.Handles)

	require.NoError(t, a.SetSync(ctx, nsID, true))
	state, err = a.GetState(ctx, nsID)
	require.NoError(t, err)
	require.True(t, state.Sync)

	require.NoError(t, a.SetSync(ctx, nsID, false))
	state, err = a.GetState(ctx, nsID)
	require.NoError(t, err)
	require.False(t, state.Sync)
}

func TestActorNodeActionsRequireNodeStore(t *testing.T) {
	a, ctx, cancel := newTestActor(t)
	defer cancel()

	_, err := a.ListAuthors(ctx)
	require.ErrorIs(t, err, ErrNoNodeStore)
	_, err = a.ContentHashes(ctx)
	require.ErrorIs(t, err, ErrNoNodeStore)
	_, err = a.OpenExisting(ctx, ids.NamespaceId{})
	require.ErrorIs(t, err, ErrNoNodeStore)
}

func TestActorShutdownStopsTheRunLoop(t *testing.T) {
	a, ctx, cancel := newTestActor(t)
	defer cancel()

	require.NoError(t, a.Shutdown(ctx))

	// After shutdown the Run goroutine has exited, so further submits
	// only return once their context gives up.
	short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	err := a.FlushStore(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
