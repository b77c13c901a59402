package core

import (
	"fmt"
	"slices"

	"github.com/c360/mediagraph/buffer"
	"github.com/c360/mediagraph/errors"
	"github.com/c360/mediagraph/pkg/arena"
	"github.com/c360/mediagraph/pkg/workqueue"
	"github.com/c360/mediagraph/plugin"
	"github.com/c360/mediagraph/pod"
)

const formatParam = pod.ParamFormat

func arenaID[T ~uint64](id T) arena.ID {
	return arena.ID(id)
}

func asyncExpect(res plugin.Result) workqueue.Expect {
	return workqueue.Async(res.Seq)
}

// Port is one input or output of a node.
type Port struct {
	id    PortID
	node  *Node
	dir   plugin.Direction
	index uint32

	state  PortState
	err    error
	format *pod.Object
	// buffers is the set the port works on; owned is the set it must free.
	buffers *buffer.Set
	owned   *buffer.Set
	links   []LinkID
	// busy counts async operations in flight on the port
	busy int
}

// PortInfo is a snapshot of a port.
type PortInfo struct {
	ID        PortID
	Node      NodeID
	Direction plugin.Direction
	Index     uint32
	State     PortState
	Error     error
	Format    *pod.Object
	Buffers   int
	Links     []LinkID
}

func (p *Port) String() string {
	return fmt.Sprintf("%s:%s:%d", p.node.name, p.dir, p.index)
}

func (p *Port) info() PortInfo {
	info := PortInfo{
		ID:        p.id,
		Node:      p.node.id,
		Direction: p.dir,
		Index:     p.index,
		State:     p.state,
		Error:     p.err,
		Format:    p.format.Clone(),
		Links:     append([]LinkID(nil), p.links...),
	}
	if p.buffers != nil {
		info.Buffers = p.buffers.Count()
	}
	return info
}

// AddPort registers port index of direction dir on a node. A port whose node
// already has a format set starts Ready.
func (c *Context) AddPort(node NodeID, dir plugin.Direction, index uint32) (PortID, error) {
	n, err := c.lookupNode(node, "AddPort")
	if err != nil {
		return 0, err
	}
	for _, pid := range n.ports {
		if p, _ := c.ports.Get(arenaID(pid)); p.dir == dir && p.index == index {
			return 0, errors.WrapInvalid(
				fmt.Errorf("%w: %s port %d already added", errors.ErrInvalidParameter, dir, index),
				"Context", "AddPort", "add port to "+n.name)
		}
	}
	if _, err := n.impl.PortInfo(dir, index); err != nil {
		return 0, errors.WrapKind(err, errors.KindNode, "Context", "AddPort", "query port info")
	}
	format, err := plugin.CurrentFormat(n.impl, dir, index)
	if err != nil {
		return 0, errors.WrapKind(err, errors.KindNode, "Context", "AddPort", "query current format")
	}

	p := &Port{node: n, dir: dir, index: index, state: PortConfigure}
	if format != nil {
		p.format = format
		p.state = PortReady
	}
	p.id = PortID(c.ports.Insert(p))
	n.ports = append(n.ports, p.id)

	c.logger.Debug("port added", "port", p.id, "name", p.String(), "state", p.state)
	return p.id, nil
}

// PortInfo returns a snapshot of a port.
func (c *Context) PortInfo(id PortID) (PortInfo, error) {
	p, err := c.lookupPort(id, "PortInfo")
	if err != nil {
		return PortInfo{}, err
	}
	return p.info(), nil
}

// RemovePort unlinks and destroys every link of the port, then forgets it.
func (c *Context) RemovePort(id PortID) error {
	p, err := c.lookupPort(id, "RemovePort")
	if err != nil {
		return err
	}

	for _, lid := range append([]LinkID(nil), p.links...) {
		l, ok := c.links.Get(arenaID(lid))
		if !ok {
			continue
		}
		l.listeners.emit(func(ev LinkEvents) {
			if ev.PortUnlinked != nil {
				ev.PortUnlinked(id)
			}
		})
		c.updateState(l, LinkUnlinked, nil)
		c.destroyLink(l)
	}

	c.releasePort(p)
	c.freePortSet(p)
	if p.format != nil {
		if _, err := p.node.impl.SetParam(p.dir, p.index, formatParam, 0, nil); err != nil {
			c.logger.Warn("clear format failed", "port", id, "error", err)
		}
	}
	n := p.node
	n.ports = slices.DeleteFunc(n.ports, func(x PortID) bool { return x == id })
	c.ports.Remove(arenaID(id))

	c.logger.Debug("port removed", "port", id, "name", p.String())
	return nil
}

func (c *Context) lookupPort(id PortID, method string) (*Port, error) {
	p, ok := c.ports.Get(arenaID(id))
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrNotFound, id), "Context", method, "lookup port")
	}
	return p, nil
}

func (c *Context) setPortState(p *Port, state PortState, err error) {
	old := p.state
	if old == state {
		return
	}
	p.state = state
	if err != nil {
		p.err = err
		c.logger.Warn("port state changed", "port", p.id, "name", p.String(), "old", old, "new", state, "error", err)
	} else {
		c.logger.Debug("port state changed", "port", p.id, "name", p.String(), "old", old, "new", state)
	}

	if state >= PortPaused && p.node.state == NodeSuspended {
		c.setNodeState(p.node, NodeIdle, nil)
	}
	for _, lid := range p.links {
		if l, ok := c.links.Get(arenaID(lid)); ok {
			c.scheduleCheck(l)
		}
	}
}

// releasePort makes the node drop the buffers of p. The set itself is not freed.
func (c *Context) releasePort(p *Port) {
	if p.buffers == nil {
		return
	}
	if _, err := p.node.impl.UseBuffers(p.dir, p.index, nil); err != nil {
		c.logger.Warn("release buffers failed", "port", p.id, "error", err)
	}
	p.buffers = nil
	c.logger.Debug("port buffers released", "port", p.id, "name", p.String())

	if p.state > PortReady {
		next := PortConfigure
		if p.format != nil {
			next = PortReady
		}
		c.setPortState(p, next, nil)
	}
}

// freePortSet frees the set p owns. The port must have released it first.
func (c *Context) freePortSet(p *Port) {
	if p.owned == nil {
		return
	}
	c.freeSet(p.owned)
	p.owned = nil
}

func (c *Context) freeSet(set *buffer.Set) {
	size := set.MemSize()
	if err := set.Free(); err != nil {
		c.logger.Warn("free buffer set failed", "set", set.Params.Name, "error", err)
	}
	c.metrics.RecordBufferSetFreed(size)
	c.logger.Debug("buffer set freed", "set", set.Params.Name, "bytes", size)
}
