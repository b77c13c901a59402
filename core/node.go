package core

import (
	"fmt"
	"maps"
	"strconv"

	"github.com/c360/mediagraph/errors"
	"github.com/c360/mediagraph/pkg/rtgraph"
	"github.com/c360/mediagraph/pkg/workqueue"
	"github.com/c360/mediagraph/plugin"
)

// PropNodeLoop selects the data loop of a node by index.
const PropNodeLoop = "node.loop"

// Node is a processing node registered with a Context.
type Node struct {
	id    NodeID
	name  string
	impl  plugin.Node
	props map[string]string

	state NodeState
	err   error
	live  bool
	// busy is set while a command is in flight
	busy bool

	data  *dataLoop
	rt    *rtgraph.Node
	ports []PortID
}

// NodeInfo is a snapshot of a node.
type NodeInfo struct {
	ID    NodeID
	Name  string
	State NodeState
	Error error
	Live  bool
	Loop  string
	Ports []PortID
}

func (n *Node) info() NodeInfo {
	return NodeInfo{
		ID:    n.id,
		Name:  n.name,
		State: n.state,
		Error: n.err,
		Live:  n.live,
		Loop:  n.data.tl.Name(),
		Ports: append([]PortID(nil), n.ports...),
	}
}

// AddNode registers impl under name. The node runs on the data loop named by the
// PropNodeLoop property, the first one by default.
func (c *Context) AddNode(name string, impl plugin.Node, props map[string]string) (NodeID, error) {
	if impl == nil {
		return 0, errors.WrapInvalid(errors.ErrInvalidParameter, "Context", "AddNode", "nil node")
	}

	d := c.data[0]
	if v, ok := props[PropNodeLoop]; ok {
		idx, err := strconv.Atoi(v)
		if err != nil || idx < 0 || idx >= len(c.data) {
			return 0, errors.WrapInvalid(
				fmt.Errorf("%w: %s=%q", errors.ErrInvalidParameter, PropNodeLoop, v),
				"Context", "AddNode", "select data loop")
		}
		d = c.data[idx]
	}

	n := &Node{
		name:  name,
		impl:  impl,
		props: maps.Clone(props),
		state: NodeSuspended,
		data:  d,
		rt:    &rtgraph.Node{Name: name, Process: impl.Process},
	}
	n.id = NodeID(c.nodes.Insert(n))

	impl.SetCallbacks(plugin.Callbacks{
		Done: func(seq uint32, err error) {
			c.loop.Post(func() {
				c.work.Complete(n, seq, err)
			})
		},
	})

	c.logger.Debug("node added", "node", n.id, "name", name, "loop", d.tl.Name())
	return n.id, nil
}

// NodeInfo returns a snapshot of a node.
func (c *Context) NodeInfo(id NodeID) (NodeInfo, error) {
	n, err := c.lookupNode(id, "NodeInfo")
	if err != nil {
		return NodeInfo{}, err
	}
	return n.info(), nil
}

// DestroyNode removes a node with all its ports and links.
func (c *Context) DestroyNode(id NodeID) error {
	n, err := c.lookupNode(id, "DestroyNode")
	if err != nil {
		return err
	}

	for _, pid := range append([]PortID(nil), n.ports...) {
		if err := c.RemovePort(pid); err != nil {
			c.logger.Warn("remove port failed", "node", id, "port", pid, "error", err)
		}
	}
	if n.state > NodeSuspended {
		if _, err := n.impl.SendCommand(plugin.CommandSuspend); err != nil {
			c.logger.Warn("suspend on destroy failed", "node", id, "error", err)
		}
	}
	c.work.Cancel(n, workqueue.InvalidID)
	n.impl.SetCallbacks(plugin.Callbacks{})
	c.nodes.Remove(arenaID(id))

	c.logger.Debug("node destroyed", "node", id, "name", n.name)
	return nil
}

// SuspendNode clears the formats of every port and frees their buffers. It
// fails while any link of the node is still active.
func (c *Context) SuspendNode(id NodeID) error {
	n, err := c.lookupNode(id, "SuspendNode")
	if err != nil {
		return err
	}
	for _, pid := range n.ports {
		p, _ := c.ports.Get(arenaID(pid))
		for _, lid := range p.links {
			if l, ok := c.links.Get(arenaID(lid)); ok && !l.state.Terminal() {
				return errors.WrapInvalid(
					fmt.Errorf("%w: %s is still active", errors.ErrInvalidParameter, lid),
					"Context", "SuspendNode", "suspend "+n.name)
			}
		}
	}

	if _, err := n.impl.SendCommand(plugin.CommandSuspend); err != nil {
		return errors.WrapKind(err, errors.KindNode, "Context", "SuspendNode", "send suspend")
	}
	for _, pid := range n.ports {
		p, _ := c.ports.Get(arenaID(pid))
		c.releasePort(p)
		c.freePortSet(p)
		if _, err := n.impl.SetParam(p.dir, p.index, formatParam, 0, nil); err != nil {
			c.logger.Warn("clear format failed", "port", pid, "error", err)
		}
		p.format = nil
		c.setPortState(p, PortConfigure, nil)
	}
	// A start or pause still in flight must not land on a suspended node.
	c.work.Cancel(n, workqueue.InvalidID)
	n.busy = false
	c.setNodeState(n, NodeSuspended, nil)
	return nil
}

func (c *Context) lookupNode(id NodeID, method string) (*Node, error) {
	n, ok := c.nodes.Get(arenaID(id))
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrNotFound, id), "Context", method, "lookup node")
	}
	return n, nil
}

func (c *Context) setNodeState(n *Node, state NodeState, err error) {
	old := n.state
	if old == state {
		return
	}
	n.state = state
	n.err = err
	if err != nil {
		c.logger.Warn("node state changed", "node", n.id, "name", n.name, "old", old, "new", state, "error", err)
	} else {
		c.logger.Debug("node state changed", "node", n.id, "name", n.name, "old", old, "new", state)
	}

	if state == NodeRunning {
		for _, pid := range n.ports {
			if p, ok := c.ports.Get(arenaID(pid)); ok && p.state == PortPaused {
				c.setPortState(p, PortStreaming, nil)
			}
		}
	}
	c.recheckNode(n)
}

// recheckNode schedules a state check on every link of n.
func (c *Context) recheckNode(n *Node) {
	for _, pid := range n.ports {
		p, ok := c.ports.Get(arenaID(pid))
		if !ok {
			continue
		}
		for _, lid := range p.links {
			if l, ok := c.links.Get(arenaID(lid)); ok {
				c.scheduleCheck(l)
			}
		}
	}
}

// activeLinks counts the links of n that are neither terminal nor passive, and
// how many of them have their side of n allocated.
func (c *Context) activeLinks(n *Node) (active, ready int) {
	for _, pid := range n.ports {
		p, ok := c.ports.Get(arenaID(pid))
		if !ok {
			continue
		}
		for _, lid := range p.links {
			l, ok := c.links.Get(arenaID(lid))
			if !ok || l.state.Terminal() || l.passive {
				continue
			}
			active++
			if p.state >= PortPaused {
				ready++
			}
		}
	}
	return active, ready
}

// startNode sends Start once every active link of n has allocated buffers.
func (c *Context) startNode(n *Node) {
	if n.busy || n.state == NodeRunning || n.state == NodeError {
		return
	}
	if active, ready := c.activeLinks(n); active == 0 || ready < active {
		c.logger.Debug("node start deferred", "node", n.id, "name", n.name, "active", active, "ready", ready)
		return
	}

	res, err := n.impl.SendCommand(plugin.CommandStart)
	if err != nil {
		c.setNodeState(n, NodeError, err)
		return
	}
	if !res.Async {
		c.setNodeState(n, NodeRunning, nil)
		return
	}
	n.busy = true
	c.work.Add(n, asyncExpect(res), func(err error) {
		n.busy = false
		if err != nil {
			c.setNodeState(n, NodeError, err)
			return
		}
		c.setNodeState(n, NodeRunning, nil)
		// Links may have gone while the start was pending.
		c.idleNode(n)
	})
}

// idleNode pauses n when no active link needs it running.
func (c *Context) idleNode(n *Node) {
	if n.state != NodeRunning || n.busy {
		return
	}
	if active, _ := c.activeLinks(n); active > 0 {
		return
	}

	res, err := n.impl.SendCommand(plugin.CommandPause)
	if err != nil {
		c.setNodeState(n, NodeError, err)
		return
	}
	if !res.Async {
		c.setNodeState(n, NodeIdle, nil)
		return
	}
	n.busy = true
	c.work.Add(n, asyncExpect(res), func(err error) {
		n.busy = false
		if err != nil {
			c.setNodeState(n, NodeError, err)
			return
		}
		c.setNodeState(n, NodeIdle, nil)
	})
}
