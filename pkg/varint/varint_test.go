package varint

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignedRoundTrip(t *testing.T) {
	values := []int64{
		0, 1, -1, 63, -63, 64, -64, 127, -127, 128, -128,
		8191, -8192, 1 << 20, -(1 << 20), math.MaxInt64, math.MinInt64 + 1,
	}
	for _, v := range values {
		buf := AppendInt(nil, v)
		got, n := Int(buf)
		require.Equal(t, len(buf), n, "value %d", v)
		assert.Equal(t, v, got, "value %d", v)

		// Re-encoding the decoded value reproduces the same bytes.
		assert.Equal(t, buf, AppendInt(nil, got))
	}
}

func TestUnsignedRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 300, 1 << 14, 1 << 35, math.MaxUint64}
	for _, v := range values {
		buf := AppendUint(nil, v)
		got, n := Uint(buf)
		require.Equal(t, len(buf), n)
		assert.Equal(t, v, got)
	}
}

func TestFirstByteLayout(t *testing.T) {
	// 6 bits of magnitude fit in one byte.
	assert.Equal(t, []byte{0x3f}, AppendInt(nil, 63))
	// The sign lives in bit 6.
	assert.Equal(t, []byte{0x7f}, AppendInt(nil, -63))
	// 64 needs a continuation: low 6 bits zero with bit 7 set, then 1.
	assert.Equal(t, []byte{0x80, 0x01}, AppendInt(nil, 64))
	assert.Equal(t, []byte{0xc0, 0x01}, AppendInt(nil, -64))
}

func TestTruncatedInput(t *testing.T) {
	buf := AppendInt(nil, 1<<30)
	for i := 0; i < len(buf); i++ {
		_, n := Int(buf[:i])
		assert.Zero(t, n, "prefix length %d", i)
	}
}

func TestByteReaderPaths(t *testing.T) {
	buf := AppendInt(nil, -987654321)
	buf = AppendUint(buf, 987654321)

	r := bytes.NewReader(buf)
	i, err := ReadInt(r)
	require.NoError(t, err)
	assert.Equal(t, int64(-987654321), i)

	u, err := ReadUint(r)
	require.NoError(t, err)
	assert.Equal(t, uint64(987654321), u)

	_, err = ReadInt(r)
	assert.Error(t, err)
}
