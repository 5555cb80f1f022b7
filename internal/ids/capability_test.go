package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeUpgradesReadToWrite(t *testing.T) {
	_, secret, err := NewNamespace()
	require.NoError(t, err)

	read := NewReadCapability(secret.Public())
	write := NewWriteCapability(secret)

	merged, err := Merge(read, write)
	require.NoError(t, err)
	assert.True(t, merged.IsWrite())
}

func TestMergeNeverDowngradesWrite(t *testing.T) {
	_, secret, err := NewNamespace()
	require.NoError(t, err)

	write := NewWriteCapability(secret)
	read := NewReadCapability(secret.Public())

	merged, err := Merge(write, read)
	require.NoError(t, err)
	assert.True(t, merged.IsWrite(), "write ⊕ read must stay write")
}

func TestMergeRejectsNamespaceMismatch(t *testing.T) {
	_, secretA, err := NewNamespace()
	require.NoError(t, err)
	_, secretB, err := NewNamespace()
	require.NoError(t, err)

	_, err = Merge(NewReadCapability(secretA.Public()), NewReadCapability(secretB.Public()))
	require.Error(t, err)
	var mismatch *ErrNamespaceMismatch
	assert.ErrorAs(t, err, &mismatch)
}

func TestSignAndVerify(t *testing.T) {
	id, secret, err := NewAuthor()
	require.NoError(t, err)

	msg := []byte("entry canonical bytes")
	sig := secret.Sign(msg)

	assert.True(t, id.Verify(msg, sig))
	assert.False(t, id.Verify([]byte("tampered"), sig))
}
