// Package rtgraph is the realtime side of the media graph.
//
// Spliced ports share an IO area holding a status and a buffer id. Each cycle
// drives the output node of every spliced pair when its IO asks for data, then
// the input node when data is available. A Graph belongs to one data loop and
// must only be touched from that loop's goroutine; counters are atomic so they
// can be read from anywhere.
package rtgraph

import (
	"sync/atomic"
)

// Status is the state of an IO area and the result of a Process call.
type Status int32

const (
	// StatusOK means nothing to do
	StatusOK Status = iota
	// StatusNeedData means the consumer wants a buffer
	StatusNeedData
	// StatusHaveData means a buffer is waiting for the consumer
	StatusHaveData
	// StatusStopped means the port no longer exchanges buffers
	StatusStopped
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNeedData:
		return "need-data"
	case StatusHaveData:
		return "have-data"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// InvalidBuffer marks an IO area without a buffer.
const InvalidBuffer = ^uint32(0)

// IO is the area shared by a spliced output and input port.
type IO struct {
	status   atomic.Int32
	bufferID atomic.Uint32
}

// NewIO returns an IO area asking for data.
func NewIO() *IO {
	io := &IO{}
	io.status.Store(int32(StatusNeedData))
	io.bufferID.Store(InvalidBuffer)
	return io
}

func (io *IO) Status() Status        { return Status(io.status.Load()) }
func (io *IO) SetStatus(s Status)    { io.status.Store(int32(s)) }
func (io *IO) BufferID() uint32      { return io.bufferID.Load() }
func (io *IO) SetBufferID(id uint32) { io.bufferID.Store(id) }

// Node is the realtime face of a node.
type Node struct {
	Name    string
	Process func() Status

	lastCycle uint64
	processed atomic.Uint64
}

// Processed returns how many times the node ran.
func (n *Node) Processed() uint64 {
	return n.processed.Load()
}

func (n *Node) run(cycle uint64) Status {
	if n.lastCycle == cycle || n.Process == nil {
		return StatusOK
	}
	n.lastCycle = cycle
	n.processed.Add(1)
	return n.Process()
}

// Link connects an output node to an input node through io.
type Link struct {
	Output *Node
	Input  *Node
	IO     *IO
}

// Graph is the set of spliced links of one data loop.
type Graph struct {
	name  string
	links []*Link
	cycle uint64

	cycles   atomic.Uint64
	moved    atomic.Uint64
	nspliced atomic.Int32
}

// New creates an empty graph.
func New(name string) *Graph {
	return &Graph{name: name}
}

// Name returns the graph name.
func (g *Graph) Name() string {
	return g.name
}

// Splice connects out to in through io.
func (g *Graph) Splice(out, in *Node, io *IO) *Link {
	l := &Link{Output: out, Input: in, IO: io}
	g.links = append(g.links, l)
	g.nspliced.Add(1)
	return l
}

// Unsplice removes l. It reports false when l is not part of the graph.
func (g *Graph) Unsplice(l *Link) bool {
	for i, cur := range g.links {
		if cur != l {
			continue
		}
		g.links = append(g.links[:i], g.links[i+1:]...)
		l.IO.SetStatus(StatusStopped)
		l.IO.SetBufferID(InvalidBuffer)
		g.nspliced.Add(-1)
		return true
	}
	return false
}

// Spliced returns the number of links in the graph.
func (g *Graph) Spliced() int {
	return int(g.nspliced.Load())
}

// Cycles returns the number of completed cycles.
func (g *Graph) Cycles() uint64 {
	return g.cycles.Load()
}

// Moved returns the number of buffers handed from an output to an input.
func (g *Graph) Moved() uint64 {
	return g.moved.Load()
}

// Cycle runs one graph cycle and returns the number of buffers moved.
//
// Every node runs at most once per cycle and producers run before consumers.
func (g *Graph) Cycle() int {
	g.cycle++
	moved := 0
	for _, l := range g.links {
		if l.IO.Status() == StatusNeedData {
			l.Output.run(g.cycle)
		}
	}
	for _, l := range g.links {
		if l.IO.Status() != StatusHaveData {
			continue
		}
		l.Input.run(g.cycle)
		if l.IO.Status() != StatusHaveData {
			moved++
		}
	}
	g.cycles.Add(1)
	g.moved.Add(uint64(moved))
	return moved
}
