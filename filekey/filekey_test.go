package filekey

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromBytesDeterministic(t *testing.T) {
	a := FromBytes([]byte("int main(){return 0;}"))
	b := FromBytes([]byte("int main(){return 0;}"))
	assert.Equal(t, a, b)
}

func TestFromBytesDiffers(t *testing.T) {
	a := FromBytes([]byte("a"))
	b := FromBytes([]byte("b"))
	assert.NotEqual(t, a, b)
}

func TestFromReaderMatchesFromBytes(t *testing.T) {
	data := []byte("some file contents\n")
	want := FromBytes(data)
	got, err := FromReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestStringRoundTrip(t *testing.T) {
	k := FromBytes([]byte("round trip me"))
	s := k.String()
	parsed, err := ParseString(s)
	require.NoError(t, err)
	assert.Equal(t, k, parsed)
}

func TestParseStringRejectsBadLength(t *testing.T) {
	_, err := ParseString("deadbeef")
	assert.Error(t, err)
}

func TestHasherMatchesFromBytes(t *testing.T) {
	data := []byte("streamed content")
	h := NewHasher()
	_, err := h.Write(data[:5])
	require.NoError(t, err)
	_, err = h.Write(data[5:])
	require.NoError(t, err)
	assert.Equal(t, FromBytes(data), h.Sum())
}

func TestZeroIsZero(t *testing.T) {
	assert.True(t, Zero.IsZero())
	assert.False(t, FromBytes([]byte("x")).IsZero())
}
