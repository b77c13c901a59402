package rtgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pair builds a producer/consumer couple exchanging buffer ids through io.
func pair(io *IO, nbuffers uint32) (*Node, *Node, *[]uint32) {
	var next uint32
	var consumed []uint32
	src := &Node{Name: "src", Process: func() Status {
		io.SetBufferID(next % nbuffers)
		io.SetStatus(StatusHaveData)
		next++
		return StatusHaveData
	}}
	sink := &Node{Name: "sink", Process: func() Status {
		consumed = append(consumed, io.BufferID())
		io.SetStatus(StatusNeedData)
		return StatusNeedData
	}}
	return src, sink, &consumed
}

func TestCycleMovesBuffers(t *testing.T) {
	g := New("data")
	io := NewIO()
	src, sink, consumed := pair(io, 2)
	g.Splice(src, sink, io)

	for i := 0; i < 3; i++ {
		assert.Equal(t, 1, g.Cycle())
	}
	assert.Equal(t, []uint32{0, 1, 0}, *consumed)
	assert.Equal(t, uint64(3), g.Cycles())
	assert.Equal(t, uint64(3), g.Moved())
	assert.Equal(t, uint64(3), src.Processed())
}

func TestUnspliceStopsExchange(t *testing.T) {
	g := New("data")
	io := NewIO()
	src, sink, consumed := pair(io, 4)
	l := g.Splice(src, sink, io)
	require.Equal(t, 1, g.Spliced())

	g.Cycle()
	require.True(t, g.Unsplice(l))
	assert.False(t, g.Unsplice(l))
	assert.Zero(t, g.Spliced())
	assert.Equal(t, StatusStopped, io.Status())
	assert.Equal(t, InvalidBuffer, io.BufferID())

	assert.Zero(t, g.Cycle())
	assert.Len(t, *consumed, 1)
}

func TestNodeRunsOncePerCycle(t *testing.T) {
	g := New("data")
	io1, io2 := NewIO(), NewIO()
	runs := 0
	src := &Node{Name: "src", Process: func() Status {
		runs++
		io1.SetStatus(StatusHaveData)
		io2.SetStatus(StatusHaveData)
		return StatusHaveData
	}}
	sink := func(io *IO) *Node {
		return &Node{Process: func() Status { io.SetStatus(StatusNeedData); return StatusNeedData }}
	}
	g.Splice(src, sink(io1), io1)
	g.Splice(src, sink(io2), io2)

	assert.Equal(t, 2, g.Cycle())
	assert.Equal(t, 1, runs)
}
