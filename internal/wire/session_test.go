package wire

import (
	"context"
	"crypto/sha256"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brutalist-labs/docengine/internal/docentry"
	"github.com/brutalist-labs/docengine/internal/ids"
	"github.com/brutalist-labs/docengine/internal/rangestore"
	"github.com/brutalist-labs/docengine/internal/reconcile"
)

func mustNamespace(t *testing.T) (ids.NamespaceId, ids.NamespaceSecret) {
	t.Helper()
	id, secret, err := ids.NewNamespace()
	require.NoError(t, err)
	return id, secret
}

func mustAuthor(t *testing.T) (ids.AuthorId, ids.AuthorSecret) {
	t.Helper()
	id, secret, err := ids.NewAuthor()
	require.NoError(t, err)
	return id, secret
}

func putTestEntry(t *testing.T, ctx context.Context, store rangestore.Store, ns ids.NamespaceId, nsSecret ids.NamespaceSecret, author ids.AuthorId, authorSecret ids.AuthorSecret, key string, timestamp uint64) {
	t.Helper()
	id := docentry.NewRecordIdentifier(ns, author, []byte(key))
	content := []byte("v:" + key)
	hash := docentry.Hash(sha256.Sum256(content))
	record := docentry.Record{Hash: hash, Len: uint64(len(content)), Timestamp: timestamp}
	entry := docentry.Sign(docentry.Entry{Id: id, Record: record}, nsSecret, authorSecret)
	_, err := rangestore.Put(ctx, store, entry)
	require.NoError(t, err)
}

func storeBackedFuncs(store rangestore.Store) (InitialFunc, ProcessFunc) {
	cfg := reconcile.DefaultConfig()
	cb := reconcile.Callbacks{}
	initial := func(ctx context.Context, _ ids.NamespaceId) (reconcile.Message, error) {
		return reconcile.InitialMessage(ctx, store)
	}
	process := func(ctx context.Context, _ ids.NamespaceId, msg reconcile.Message) (reconcile.Message, reconcile.Outcome, error) {
		return reconcile.ProcessMessage(ctx, store, cfg, cb, msg)
	}
	return initial, process
}

// TestRunAliceRunBobConvergesOverPipe drives a full Alice/Bob session
// over net.Pipe, the same stand-in for a QUIC bidi stream
// this package's tests use in place of a QUIC stream.
func TestRunAliceRunBobConvergesOverPipe(t *testing.T) {
	ctx := context.Background()
	ns, nsSecret := mustNamespace(t)
	author, authorSecret := mustAuthor(t)

	alice := rangestore.NewMemory()
	bob := rangestore.NewMemory()
	for _, k := range []string{"ape", "eel", "fox", "gnu"} {
		putTestEntry(t, ctx, alice, ns, nsSecret, author, authorSecret, k, 1)
	}
	for _, k := range []string{"bee", "cat", "doe", "eel", "fox", "hog"} {
		putTestEntry(t, ctx, bob, ns, nsSecret, author, authorSecret, k, 1)
	}

	aliceConn, bobConn := net.Pipe()
	defer aliceConn.Close()
	defer bobConn.Close()

	aliceInitial, aliceProcess := storeBackedFuncs(alice)
	_, bobProcess := storeBackedFuncs(bob)

	lookup := func(lookedUp ids.NamespaceId) (bool, bool) {
		return lookedUp == ns, false
	}

	type bobResult struct {
		outcome reconcile.Outcome
		err     error
	}
	bobDone := make(chan bobResult, 1)
	go func() {
		_, outcome, err := RunBob(ctx, bobConn, lookup, bobProcess)
		bobDone <- bobResult{outcome, err}
	}()

	aliceOutcome, err := RunAlice(ctx, aliceConn, ns, aliceInitial, aliceProcess)
	require.NoError(t, err)

	var bobRes bobResult
	select {
	case bobRes = <-bobDone:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for bob")
	}
	require.NoError(t, bobRes.err)

	require.Positive(t, aliceOutcome.NumSent)
	require.Positive(t, bobRes.outcome.NumSent)

	aliceLen, err := alice.Len(ctx)
	require.NoError(t, err)
	bobLen, err := bob.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, bobLen, aliceLen, "both sides should converge to the same entry count")
	require.Equal(t, 8, aliceLen, "union of {ape,eel,fox,gnu} and {bee,cat,doe,eel,fox,hog} is 8 distinct keys")
}

// TestRunBobAbortsUnknownNamespace exercises Bob's NotFound refusal.
func TestRunBobAbortsUnknownNamespace(t *testing.T) {
	ctx := context.Background()
	ns, _ := mustNamespace(t)

	aliceConn, bobConn := net.Pipe()
	defer aliceConn.Close()
	defer bobConn.Close()

	lookup := func(ids.NamespaceId) (bool, bool) { return false, false }

	type bobResult struct {
		err error
	}
	bobDone := make(chan bobResult, 1)
	go func() {
		_, _, err := RunBob(ctx, bobConn, lookup, nil)
		bobDone <- bobResult{err}
	}()

	store := rangestore.NewMemory()
	initial, process := storeBackedFuncs(store)
	_, err := RunAlice(ctx, aliceConn, ns, initial, process)
	require.Error(t, err)
	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, AbortNotFound, abortErr.Reason)

	bobRes := <-bobDone
	require.Error(t, bobRes.err)
}

func TestEncodeDecodeSyncMessageRoundTrip(t *testing.T) {
	ns, _ := mustNamespace(t)

	cases := []SyncMessage{
		{Initial: &InitialMessage{Namespace: ns}},
		{Abort: &AbortMessage{Reason: AbortAlreadySyncing}},
		{Sync: &reconcile.Message{}},
	}
	for _, msg := range cases {
		payload, err := EncodeSyncMessage(msg)
		require.NoError(t, err)
		decoded, err := DecodeSyncMessage(payload)
		require.NoError(t, err)
		require.Equal(t, msg, decoded)
	}
}
