package streamer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferStrings(t *testing.T) {
	var b Buffer
	long := strings.Repeat("q", 254)
	longer := strings.Repeat("r", 255)
	b.WriteString("")
	b.WriteString(long)
	b.WriteString(longer)
	assert.Equal(t, 1+(1+254)+(1+4+255), b.Len())

	for _, want := range []string{"", long, longer} {
		got, err := b.ReadString()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := b.ReadString()
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestBufferByteCount(t *testing.T) {
	var b Buffer
	at := b.beginCount()
	b.WriteU32(7)
	b.WriteI16(-2)
	b.endCount(at)

	n, err := b.readCount()
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	bad := NewBuffer([]byte{0, 0, 0, 1})
	_, err = bad.readCount()
	assert.ErrorIs(t, err, ErrSchema)

	short := NewBuffer([]byte{0x40, 0, 0, 9, 1})
	_, err = short.readCount()
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestBufferDetach(t *testing.T) {
	var b Buffer
	b.WriteF64(2.5)
	data := b.Detach()
	assert.Len(t, data, 8)
	assert.Zero(t, b.Len())
	b.WriteU8(1)
	assert.Equal(t, byte(0x40), data[0], "detached bytes are not reused")

	rb := NewBuffer(data)
	v, err := rb.ReadF64()
	require.NoError(t, err)
	assert.Equal(t, 2.5, v)
	require.NoError(t, rb.SetPos(0))
	assert.Error(t, rb.SetPos(9))
}
