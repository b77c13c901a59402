package ringbuffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitResetsIndices(t *testing.T) {
	mem := make([]byte, 64)
	for i := range mem {
		mem[i] = 0xff
	}

	rb, err := Init(mem)
	require.NoError(t, err)

	idx, avail := rb.ReadIndex()
	assert.Equal(t, uint32(0), idx)
	assert.Equal(t, int32(0), avail)
	assert.Equal(t, byte(0xff), mem[Size], "data past the control block is untouched")
}

func TestShortBlock(t *testing.T) {
	_, err := Init(make([]byte, Size-1))
	assert.ErrorIs(t, err, ErrShortBlock)
}

func TestWriteThenReadWraps(t *testing.T) {
	ctl := make([]byte, Size)
	data := make([]byte, 8)

	producer, err := Init(ctl)
	require.NoError(t, err)
	consumer, err := Attach(ctl)
	require.NoError(t, err)

	// advance both sides so the next write straddles the end of the data area
	producer.WriteUpdate(6)
	consumer.ReadUpdate(6)

	widx, filled := producer.WriteIndex()
	require.Equal(t, int32(0), filled)
	WriteData(data, widx, []byte{1, 2, 3, 4})
	producer.WriteUpdate(widx + 4)

	ridx, avail := consumer.ReadIndex()
	require.Equal(t, int32(4), avail)

	out := make([]byte, 4)
	ReadData(data, ridx, out)
	consumer.ReadUpdate(ridx + 4)

	assert.Equal(t, []byte{1, 2, 3, 4}, out)
	assert.Equal(t, []byte{3, 4}, data[:2])

	_, avail = consumer.ReadIndex()
	assert.Equal(t, int32(0), avail)
}
