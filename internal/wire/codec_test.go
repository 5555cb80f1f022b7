package wire

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brutalist-labs/docengine/internal/docentry"
	"github.com/brutalist-labs/docengine/internal/rangestore"
	"github.com/brutalist-labs/docengine/internal/reconcile"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello")))
	require.NoError(t, WriteFrame(&buf, []byte("world")))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	got, err = ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, []byte("world"), got)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, 16)))
	raw := buf.Bytes()
	// Overwrite the length prefix with something past MaxFrameLen.
	raw[0], raw[1], raw[2], raw[3] = 0xff, 0xff, 0xff, 0xff
	_, err := ReadFrame(bytes.NewReader(raw))
	require.Error(t, err)
}

func TestSyncMessageRoundTripWithFingerprintAndItemParts(t *testing.T) {
	ns, nsSecret := mustNamespace(t)
	author, authorSecret := mustAuthor(t)

	id := docentry.NewRecordIdentifier(ns, author, []byte("k1"))
	hash := docentry.Hash(sha256.Sum256([]byte("v1")))
	entry := docentry.Sign(docentry.Entry{
		Id:     id,
		Record: docentry.Record{Hash: hash, Len: 2, Timestamp: 42},
	}, nsSecret, authorSecret)

	rng := rangestore.Range{X: id, Y: id}
	fp := entry.FingerprintAtom()

	msg := reconcile.Message{
		Parts: []reconcile.Part{
			{Fingerprint: &reconcile.RangeFingerprintPart{Range: rng, Fingerprint: fp}},
			{Item: &reconcile.RangeItemPart{
				Range: rng,
				Values: []reconcile.ValueEntry{
					{Entry: entry, ContentStatus: reconcile.ContentComplete},
				},
				HaveLocal: true,
			}},
		},
	}

	payload, err := EncodeSyncMessage(SyncMessage{Sync: &msg})
	require.NoError(t, err)

	decoded, err := DecodeSyncMessage(payload)
	require.NoError(t, err)
	require.NotNil(t, decoded.Sync)
	require.Equal(t, msg, *decoded.Sync)
}

func TestAbortMessageRoundTrip(t *testing.T) {
	for _, reason := range []AbortReason{AbortNotFound, AbortAlreadySyncing, AbortInternalServerError} {
		payload, err := EncodeSyncMessage(SyncMessage{Abort: &AbortMessage{Reason: reason}})
		require.NoError(t, err)
		decoded, err := DecodeSyncMessage(payload)
		require.NoError(t, err)
		require.NotNil(t, decoded.Abort)
		require.Equal(t, reason, decoded.Abort.Reason)
	}
}

func TestDecodeSyncMessageRejectsTrailingBytes(t *testing.T) {
	ns, _ := mustNamespace(t)
	payload, err := EncodeSyncMessage(SyncMessage{Initial: &InitialMessage{Namespace: ns}})
	require.NoError(t, err)
	payload = append(payload, 0xff)
	_, err = DecodeSyncMessage(payload)
	require.Error(t, err)
}
