package docentry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brutalist-labs/docengine/internal/ids"
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

func TestSignAndVerifyRoundTrip(t *testing.T) {
	nsID, nsSecret := mustNamespace(t)
	authorID, authorSecret := mustAuthor(t)

	entry := Entry{
		Id:     NewRecordIdentifier(nsID, authorID, []byte("hello")),
		Record: Record{Hash: Hash{1, 2, 3}, Len: 3, Timestamp: 100},
	}

	signed := Sign(entry, nsSecret, authorSecret)
	assert.True(t, signed.Verify())
}

func TestVerifyRejectsTamperedEntry(t *testing.T) {
	nsID, nsSecret := mustNamespace(t)
	authorID, authorSecret := mustAuthor(t)

	entry := Entry{
		Id:     NewRecordIdentifier(nsID, authorID, []byte("hello")),
		Record: Record{Hash: Hash{1, 2, 3}, Len: 3, Timestamp: 100},
	}
	signed := Sign(entry, nsSecret, authorSecret)

	signed.Record.Timestamp = 200
	assert.False(t, signed.Verify())
}

func TestRecordIdentifierOrdering(t *testing.T) {
	nsID, _ := mustNamespace(t)
	authorID, _ := mustAuthor(t)

	a := NewRecordIdentifier(nsID, authorID, []byte("ape"))
	b := NewRecordIdentifier(nsID, authorID, []byte("bee"))

	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.Equal(t, 0, a.Compare(a))
}

func TestHasPrefix(t *testing.T) {
	nsID, _ := mustNamespace(t)
	authorID, _ := mustAuthor(t)

	prefix := NewRecordIdentifier(nsID, authorID, []byte("foo"))
	longer := NewRecordIdentifier(nsID, authorID, []byte("foobar"))
	other := NewRecordIdentifier(nsID, authorID, []byte("bar"))

	assert.True(t, longer.HasPrefix(prefix))
	assert.False(t, other.HasPrefix(prefix))
}

func TestFingerprintCommutative(t *testing.T) {
	nsID, _ := mustNamespace(t)
	authorID, _ := mustAuthor(t)

	e1 := Entry{Id: NewRecordIdentifier(nsID, authorID, []byte("a")), Record: Record{Hash: Hash{1}, Len: 1, Timestamp: 1}}
	e2 := Entry{Id: NewRecordIdentifier(nsID, authorID, []byte("b")), Record: Record{Hash: Hash{2}, Len: 1, Timestamp: 2}}
	e3 := Entry{Id: NewRecordIdentifier(nsID, authorID, []byte("c")), Record: Record{Hash: Hash{3}, Len: 1, Timestamp: 3}}

	fp1 := FingerprintSet([]Entry{e1, e2, e3})
	fp2 := FingerprintSet([]Entry{e3, e1, e2})
	fp3 := FingerprintSet([]Entry{e2, e3, e1})

	assert.Equal(t, fp1, fp2)
	assert.Equal(t, fp1, fp3)
}

func TestTombstoneEmptiness(t *testing.T) {
	ts := Tombstone(123)
	assert.True(t, ts.IsEmpty())
	assert.True(t, ts.ValidEmptiness())

	invalid := Record{Hash: Hash{9}, Len: 0, Timestamp: 1}
	assert.False(t, invalid.ValidEmptiness())
}
