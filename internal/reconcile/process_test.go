package reconcile

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brutalist-labs/docengine/internal/docentry"
	"github.com/brutalist-labs/docengine/internal/ids"
	"github.com/brutalist-labs/docengine/internal/rangestore"
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

func put(t *testing.T, ctx context.Context, store rangestore.Store, ns ids.NamespaceId, nsSecret ids.NamespaceSecret, author ids.AuthorId, authorSecret ids.AuthorSecret, key string, timestamp uint64) {
	t.Helper()
	id := docentry.NewRecordIdentifier(ns, author, []byte(key))
	content := []byte("v:" + key)
	hash := docentry.Hash(sha256.Sum256(content))
	record := docentry.Record{Hash: hash, Len: uint64(len(content)), Timestamp: timestamp}
	entry := docentry.Sign(docentry.Entry{Id: id, Record: record}, nsSecret, authorSecret)
	_, err := rangestore.Put(ctx, store, entry)
	require.NoError(t, err)
}

// runToConvergence repeatedly exchanges messages between two stores of
// the same namespace until the session terminates (an empty reply),
// mirroring the session loop internal/wire's RunAlice/RunBob drive over
// the wire codec. It returns how many non-empty messages each side sent, for
// comparison against the known counts for the paper dataset.
func runToConvergence(t *testing.T, ctx context.Context, cfg Config, alice, bob rangestore.Store) (aliceMessages, bobMessages int) {
	t.Helper()
	cb := Callbacks{}

	current, err := InitialMessage(ctx, alice)
	require.NoError(t, err)
	aliceMessages++
	fromAlice := true

	for !current.Empty() {
		var reply Message
		if fromAlice {
			reply, _, err = ProcessMessage(ctx, bob, cfg, cb, current)
		} else {
			reply, _, err = ProcessMessage(ctx, alice, cfg, cb, current)
		}
		require.NoError(t, err)
		fromAlice = !fromAlice
		current = reply
		if !current.Empty() {
			if fromAlice {
				aliceMessages++
			} else {
				bobMessages++
			}
		}
	}
	return aliceMessages, bobMessages
}

func TestS1BasicSyncConverges(t *testing.T) {
	ctx := context.Background()
	ns, nsSecret := mustNamespace(t)
	author, authorSecret := mustAuthor(t)

	alice := rangestore.NewMemory()
	bob := rangestore.NewMemory()

	for _, k := range []string{"ape", "eel", "fox", "gnu"} {
		put(t, ctx, alice, ns, nsSecret, author, authorSecret, k, 1)
	}
	for _, k := range []string{"bee", "cat", "doe", "eel", "fox", "hog"} {
		put(t, ctx, bob, ns, nsSecret, author, authorSecret, k, 1)
	}

	cfg := DefaultConfig()

	// Trace the exact message shape against original_source/src/ranger.rs's
	// test_paper_1 (same dataset, same split_factor=2/max_set_size=1): one
	// fingerprint round-trip, then a final exchange that resolves to raw
	// items.
	aliceToBob, bobToAlice := []Message{}, []Message{}
	cb := Callbacks{}

	current, err := InitialMessage(ctx, alice)
	require.NoError(t, err)
	aliceToBob = append(aliceToBob, current)
	fromAlice := true

	for !current.Empty() {
		var reply Message
		if fromAlice {
			reply, _, err = ProcessMessage(ctx, bob, cfg, cb, current)
		} else {
			reply, _, err = ProcessMessage(ctx, alice, cfg, cb, current)
		}
		require.NoError(t, err)
		fromAlice = !fromAlice
		current = reply
		if current.Empty() {
			break
		}
		if fromAlice {
			aliceToBob = append(aliceToBob, current)
		} else {
			bobToAlice = append(bobToAlice, current)
		}
	}

	require.Len(t, aliceToBob, 3, "Alice -> Bob message count")
	require.Len(t, bobToAlice, 2, "Bob -> Alice message count")

	require.Len(t, aliceToBob[0].Parts, 1)
	require.NotNil(t, aliceToBob[0].Parts[0].Fingerprint)

	require.Len(t, bobToAlice[0].Parts, 2)
	require.NotNil(t, bobToAlice[0].Parts[0].Fingerprint)
	require.NotNil(t, bobToAlice[0].Parts[1].Fingerprint)

	require.Len(t, aliceToBob[1].Parts, 3)
	require.NotNil(t, aliceToBob[1].Parts[0].Fingerprint)
	require.NotNil(t, aliceToBob[1].Parts[1].Fingerprint)
	require.NotNil(t, aliceToBob[1].Parts[2].Item)

	require.Len(t, bobToAlice[1].Parts, 2)
	require.NotNil(t, bobToAlice[1].Parts[0].Item)
	require.NotNil(t, bobToAlice[1].Parts[1].Item)

	aliceLen, err := alice.Len(ctx)
	require.NoError(t, err)
	bobLen, err := bob.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 8, aliceLen)
	require.Equal(t, 8, bobLen)

	aliceFP, err := alice.GetFingerprint(ctx, rangestore.All(docentry.RecordIdentifier{}))
	require.NoError(t, err)
	bobFP, err := bob.GetFingerprint(ctx, rangestore.All(docentry.RecordIdentifier{}))
	require.NoError(t, err)
	require.Equal(t, aliceFP, bobFP)
}

func TestLWWPicksLaterTimestamp(t *testing.T) {
	ctx := context.Background()
	ns, nsSecret := mustNamespace(t)
	author, authorSecret := mustAuthor(t)

	alice := rangestore.NewMemory()
	bob := rangestore.NewMemory()

	put(t, ctx, alice, ns, nsSecret, author, authorSecret, "k", 100)
	put(t, ctx, bob, ns, nsSecret, author, authorSecret, "k", 200)

	runToConvergence(t, ctx, DefaultConfig(), alice, bob)

	id := docentry.NewRecordIdentifier(ns, author, []byte("k"))
	aliceEntry, ok, err := alice.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	bobEntry, ok, err := bob.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, uint64(200), aliceEntry.Record.Timestamp)
	require.Equal(t, uint64(200), bobEntry.Record.Timestamp)
}

func TestEmptyStoresConvergeWithNoMessages(t *testing.T) {
	ctx := context.Background()
	alice := rangestore.NewMemory()
	bob := rangestore.NewMemory()

	msg, err := InitialMessage(ctx, alice)
	require.NoError(t, err)
	reply, _, err := ProcessMessage(ctx, bob, DefaultConfig(), Callbacks{}, msg)
	require.NoError(t, err)
	require.True(t, reply.Empty())
}

func TestPrefixDeleteSupersedesChildren(t *testing.T) {
	ctx := context.Background()
	ns, nsSecret := mustNamespace(t)
	author, authorSecret := mustAuthor(t)

	store := rangestore.NewMemory()
	put(t, ctx, store, ns, nsSecret, author, authorSecret, "foo/a", 1)
	put(t, ctx, store, ns, nsSecret, author, authorSecret, "foo/b", 1)

	prefixID := docentry.NewRecordIdentifier(ns, author, []byte("foo/"))
	tombstone := docentry.Sign(docentry.Entry{Id: prefixID, Record: docentry.Tombstone(2)}, nsSecret, authorSecret)
	result, err := rangestore.Put(ctx, store, tombstone)
	require.NoError(t, err)
	require.Equal(t, rangestore.Inserted, result.Outcome)
	require.Equal(t, 2, result.Removed)

	n, err := store.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
