package ticket

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brutalist-labs/docengine/internal/ids"
)

func testNode(fill byte) NodeAddr {
	var n NodeAddr
	for i := range n.NodeID {
		n.NodeID[i] = fill
	}
	return n
}

func TestReadTicketRoundTrips(t *testing.T) {
	nsID, _, err := ids.NewNamespace()
	require.NoError(t, err)

	tk, err := New(ids.NewReadCapability(nsID), []NodeAddr{testNode(0xae)})
	require.NoError(t, err)

	s := tk.String()
	require.True(t, strings.HasPrefix(s, "doc"))
	require.Equal(t, strings.ToLower(s), s, "textual form is lower-case")

	decoded, err := Parse(s)
	require.NoError(t, err)
	require.Equal(t, tk, decoded)
	require.False(t, decoded.Capability.IsWrite())
}

func TestWriteTicketRoundTrips(t *testing.T) {
	_, nsSecret, err := ids.NewNamespace()
	require.NoError(t, err)

	tk, err := New(ids.NewWriteCapability(nsSecret), []NodeAddr{
		{NodeID: testNode(0x01).NodeID, RelayURL: "https://relay.example.com", Addrs: []string{"192.0.2.1:4433", "[2001:db8::1]:4433"}},
		testNode(0x02),
	})
	require.NoError(t, err)

	decoded, err := Parse(tk.String())
	require.NoError(t, err)
	require.Equal(t, tk, decoded)
	require.True(t, decoded.Capability.IsWrite())
	require.Equal(t, nsSecret.Public(), decoded.Capability.Namespace())
}

func TestParseIsCaseInsensitive(t *testing.T) {
	nsID, _, err := ids.NewNamespace()
	require.NoError(t, err)
	tk, err := New(ids.NewReadCapability(nsID), []NodeAddr{testNode(0x7f)})
	require.NoError(t, err)

	s := tk.String()
	upper := "doc" + strings.ToUpper(s[len("doc"):])
	decoded, err := Parse(upper)
	require.NoError(t, err)
	require.Equal(t, tk, decoded)
}

func TestEmptyNodeListRejected(t *testing.T) {
	nsID, _, err := ids.NewNamespace()
	require.NoError(t, err)

	_, err = New(ids.NewReadCapability(nsID), nil)
	require.Error(t, err)

	// A hand-built wire body with a zero node count must be rejected
	// on decode too, not just at mint time.
	raw := []byte{wireVariant0, capTagRead}
	raw = append(raw, nsID[:]...)
	raw = append(raw, 0) // node count
	_, err = FromBytes(raw)
	require.ErrorContains(t, err, "empty")
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("blob6aahgmlrx")
	require.ErrorContains(t, err, "prefix")

	_, err = Parse("doc!!!not-base32!!!")
	require.Error(t, err)

	_, err = Parse("doc")
	require.Error(t, err)
}

func TestTrailingBytesRejected(t *testing.T) {
	nsID, _, err := ids.NewNamespace()
	require.NoError(t, err)
	tk, err := New(ids.NewReadCapability(nsID), []NodeAddr{testNode(0x11)})
	require.NoError(t, err)

	raw := append(tk.Bytes(), 0xff)
	_, err = FromBytes(raw)
	require.ErrorContains(t, err, "trailing")
}
