// Package testnode provides a configurable node implementation used by tests
// and by the demo graph of the daemon.
//
// A Node produces on its output ports and consumes on its input ports. Every
// operation can be made asynchronous, held until the test releases it, or made
// to fail.
package testnode

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/mediagraph/buffer"
	"github.com/c360/mediagraph/pkg/rtgraph"
	"github.com/c360/mediagraph/plugin"
	"github.com/c360/mediagraph/pod"
)

// Op names an operation for failure injection and async control.
type Op string

const (
	OpSetFormat    Op = "set-format"
	OpUseBuffers   Op = "use-buffers"
	OpAllocBuffers Op = "alloc-buffers"
	OpCommand      Op = "command"
)

// Config describes a node.
type Config struct {
	Name    string
	Inputs  int
	Outputs int

	// Formats are offered as EnumFormat on every port.
	Formats []*pod.Object
	// Buffers are offered as Buffers params on every port.
	Buffers []*pod.Object
	// Metas are offered as Meta params on every port.
	Metas []*pod.Object

	Flags      plugin.PortFlags
	MinBuffers int
	MaxBuffers int
	MinSize    int

	// Async makes the listed operations complete later through Callbacks.Done.
	Async map[Op]bool
	// Hold keeps async completions queued until Flush is called.
	Hold bool
	// Delay is waited before an async completion is delivered when Hold is off.
	Delay time.Duration
	// Fail makes the listed operations fail with the given error.
	Fail map[Op]error
}

type portKey struct {
	dir plugin.Direction
	id  uint32
}

type port struct {
	format  *pod.Object
	buffers []*buffer.Buffer
	io      *rtgraph.IO
	next    uint32
}

type completion struct {
	seq uint32
	err error
}

// Node is a test node.
type Node struct {
	cfg Config

	mu      sync.Mutex
	ports   map[portKey]*port
	cb      plugin.Callbacks
	seq     uint32
	held    []completion
	calls   []string
	running bool

	produced atomic.Uint64
	consumed atomic.Uint64
}

// New creates a node.
func New(cfg Config) *Node {
	n := &Node{cfg: cfg, ports: make(map[portKey]*port)}
	for i := 0; i < cfg.Inputs; i++ {
		n.ports[portKey{plugin.DirectionInput, uint32(i)}] = &port{}
	}
	for i := 0; i < cfg.Outputs; i++ {
		n.ports[portKey{plugin.DirectionOutput, uint32(i)}] = &port{}
	}
	return n
}

// Name returns the configured name.
func (n *Node) Name() string {
	return n.cfg.Name
}

// Calls returns the recorded control calls.
func (n *Node) Calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

// Produced returns the number of buffers produced on output ports.
func (n *Node) Produced() uint64 {
	return n.produced.Load()
}

// Consumed returns the number of buffers consumed on input ports.
func (n *Node) Consumed() uint64 {
	return n.consumed.Load()
}

// Running reports whether the last command was start.
func (n *Node) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

// Format returns the format set on a port.
func (n *Node) Format(dir plugin.Direction, id uint32) *pod.Object {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.ports[portKey{dir, id}]; ok {
		return p.format
	}
	return nil
}

// Buffers returns the buffers in use on a port.
func (n *Node) Buffers(dir plugin.Direction, id uint32) []*buffer.Buffer {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.ports[portKey{dir, id}]; ok {
		return p.buffers
	}
	return nil
}

// Held returns the sequence numbers waiting for Flush.
func (n *Node) Held() []uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	seqs := make([]uint32, 0, len(n.held))
	for _, c := range n.held {
		seqs = append(seqs, c.seq)
	}
	return seqs
}

// Flush delivers every held completion, in order.
func (n *Node) Flush() int {
	n.mu.Lock()
	held := n.held
	n.held = nil
	done := n.cb.Done
	n.mu.Unlock()

	for _, c := range held {
		if done != nil {
			done(c.seq, c.err)
		}
	}
	return len(held)
}

// Complete delivers a completion for seq directly, held or not.
func (n *Node) Complete(seq uint32, err error) {
	n.mu.Lock()
	done := n.cb.Done
	n.mu.Unlock()
	if done != nil {
		done(seq, err)
	}
}

// SetCallbacks implements plugin.Node.
func (n *Node) SetCallbacks(cb plugin.Callbacks) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cb = cb
}

func (n *Node) port(dir plugin.Direction, id uint32) (*port, error) {
	p, ok := n.ports[portKey{dir, id}]
	if !ok {
		return nil, fmt.Errorf("%s: no %s port %d", n.cfg.Name, dir, id)
	}
	return p, nil
}

// finish records the call and returns its result. n.mu must be held.
func (n *Node) finish(op Op, call string) (plugin.Result, error) {
	n.calls = append(n.calls, call)
	err := n.cfg.Fail[op]
	if !n.cfg.Async[op] {
		return plugin.Done(), err
	}

	n.seq++
	c := completion{seq: n.seq, err: err}
	if n.cfg.Hold {
		n.held = append(n.held, c)
		return plugin.Pending(c.seq), nil
	}
	done := n.cb.Done
	delay := n.cfg.Delay
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		if done != nil {
			done(c.seq, c.err)
		}
	}()
	return plugin.Pending(c.seq), nil
}

// EnumParams implements plugin.Node.
func (n *Node) EnumParams(dir plugin.Direction, id uint32, param pod.ParamID, index int) (*pod.Object, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	p, err := n.port(dir, id)
	if err != nil {
		return nil, err
	}
	var list []*pod.Object
	switch param {
	case pod.ParamEnumFormat:
		list = n.cfg.Formats
	case pod.ParamFormat:
		if p.format != nil {
			list = []*pod.Object{p.format}
		}
	case pod.ParamBuffers:
		list = n.cfg.Buffers
	case pod.ParamMeta:
		list = n.cfg.Metas
	}
	if index < 0 || index >= len(list) {
		return nil, plugin.ErrEnumEnd
	}
	return list[index].Clone(), nil
}

// SetParam implements plugin.Node.
func (n *Node) SetParam(dir plugin.Direction, id uint32, param pod.ParamID, _ uint32, obj *pod.Object) (plugin.Result, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	p, err := n.port(dir, id)
	if err != nil {
		return plugin.Done(), err
	}
	if param != pod.ParamFormat {
		return plugin.Done(), fmt.Errorf("%s: unsupported param %s", n.cfg.Name, param)
	}
	if obj == nil {
		p.format = nil
		p.buffers = nil
		n.calls = append(n.calls, fmt.Sprintf("clear-format %s:%d", dir, id))
		return plugin.Done(), nil
	}
	if n.cfg.Fail[OpSetFormat] == nil {
		p.format = obj.Clone()
	}
	return n.finish(OpSetFormat, fmt.Sprintf("set-format %s:%d", dir, id))
}

// PortInfo implements plugin.Node.
func (n *Node) PortInfo(dir plugin.Direction, id uint32) (plugin.PortInfo, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, err := n.port(dir, id); err != nil {
		return plugin.PortInfo{}, err
	}
	return plugin.PortInfo{
		Flags:      n.cfg.Flags,
		MinBuffers: n.cfg.MinBuffers,
		MaxBuffers: n.cfg.MaxBuffers,
		MinSize:    n.cfg.MinSize,
	}, nil
}

// UseBuffers implements plugin.Node.
func (n *Node) UseBuffers(dir plugin.Direction, id uint32, bufs []*buffer.Buffer) (plugin.Result, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	p, err := n.port(dir, id)
	if err != nil {
		return plugin.Done(), err
	}
	if bufs == nil {
		p.buffers = nil
		n.calls = append(n.calls, fmt.Sprintf("release-buffers %s:%d", dir, id))
		return plugin.Done(), nil
	}
	if n.cfg.Fail[OpUseBuffers] == nil {
		p.buffers = bufs
		p.next = 0
	}
	return n.finish(OpUseBuffers, fmt.Sprintf("use-buffers %s:%d n=%d", dir, id, len(bufs)))
}

// AllocBuffers implements plugin.Node. Data blocks left without memory get a
// private allocation of their maximum size.
func (n *Node) AllocBuffers(dir plugin.Direction, id uint32, _ []*pod.Object, bufs []*buffer.Buffer) (plugin.Result, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	p, err := n.port(dir, id)
	if err != nil {
		return plugin.Done(), err
	}
	if n.cfg.Fail[OpAllocBuffers] == nil {
		for _, b := range bufs {
			for i := range b.Datas {
				d := &b.Datas[i]
				if d.Type == buffer.DataInvalid {
					d.Type = buffer.DataMemPtr
					d.Data = make([]byte, d.MaxSize)
				}
			}
		}
		p.buffers = bufs
		p.next = 0
	}
	return n.finish(OpAllocBuffers, fmt.Sprintf("alloc-buffers %s:%d n=%d", dir, id, len(bufs)))
}

// SendCommand implements plugin.Node.
func (n *Node) SendCommand(cmd plugin.Command) (plugin.Result, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.cfg.Fail[OpCommand] == nil {
		n.running = cmd == plugin.CommandStart
	}
	return n.finish(OpCommand, "command "+cmd.String())
}

// SetIO implements plugin.Node.
func (n *Node) SetIO(dir plugin.Direction, id uint32, io *rtgraph.IO) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	p, err := n.port(dir, id)
	if err != nil {
		return err
	}
	p.io = io
	return nil
}

// Process implements plugin.Node. Outputs hand out their buffers round robin
// and stamp the header sequence; inputs take what is offered.
func (n *Node) Process() rtgraph.Status {
	n.mu.Lock()
	defer n.mu.Unlock()

	status := rtgraph.StatusOK
	for key, p := range n.ports {
		if p.io == nil || len(p.buffers) == 0 {
			continue
		}
		switch key.dir {
		case plugin.DirectionOutput:
			if p.io.Status() != rtgraph.StatusNeedData {
				continue
			}
			b := p.buffers[p.next%uint32(len(p.buffers))]
			p.next++
			if h, ok := b.Header(); ok {
				h.SetSeq(uint64(p.next))
			}
			for i := range b.Datas {
				d := &b.Datas[i]
				if len(d.Data) > 0 {
					d.Data[0] = byte(p.next)
				}
				if d.Chunk.Valid() {
					d.Chunk.SetSize(d.MaxSize)
				}
			}
			p.io.SetBufferID(b.ID)
			p.io.SetStatus(rtgraph.StatusHaveData)
			n.produced.Add(1)
			status = rtgraph.StatusHaveData
		case plugin.DirectionInput:
			if p.io.Status() != rtgraph.StatusHaveData {
				continue
			}
			p.io.SetStatus(rtgraph.StatusNeedData)
			n.consumed.Add(1)
			if status == rtgraph.StatusOK {
				status = rtgraph.StatusNeedData
			}
		}
	}
	return status
}

var _ plugin.Node = (*Node)(nil)
