package core

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"

	"github.com/c360/mediagraph/buffer"
	"github.com/c360/mediagraph/errors"
	"github.com/c360/mediagraph/pkg/rtgraph"
	"github.com/c360/mediagraph/pkg/workqueue"
	"github.com/c360/mediagraph/plugin"
	"github.com/c360/mediagraph/pod"
)

// PropLinkPassive marks a link that never starts its nodes by itself.
const PropLinkPassive = "link.passive"

// maxCheckSteps bounds the phases run by one state check before it yields.
const maxCheckSteps = 8

type workRef struct {
	obj  any
	id   uint32
	undo func()
}

// Link connects an output port to an input port.
type Link struct {
	id      LinkID
	output  *Port
	input   *Port
	filter  *pod.Object
	props   map[string]string
	passive bool
	logger  *slog.Logger

	state  LinkState
	err    error
	format *pod.Object
	live   bool
	owner  Owner
	// set is the buffer set both ports use; owned is set when the link frees it
	set   *buffer.Set
	owned *buffer.Set

	work      []workRef
	recheck   uint32
	spliced   *rtgraph.Link
	listeners hookList[LinkEvents]
	destroyed bool
}

// CreateLink links an output port to an input port and starts negotiating in the
// background. filter, when set, restricts the formats considered.
func (c *Context) CreateLink(output, input PortID, filter *pod.Object, props map[string]string) (LinkID, error) {
	out, err := c.lookupPort(output, "CreateLink")
	if err != nil {
		return 0, err
	}
	in, err := c.lookupPort(input, "CreateLink")
	if err != nil {
		return 0, err
	}

	misuse := func(err error, action string) (LinkID, error) {
		return 0, errors.WrapKind(err, errors.KindMisuse, "Context", "CreateLink", action)
	}
	switch {
	case out == in:
		return misuse(errors.ErrSamePort, "link "+out.String())
	case out.dir != plugin.DirectionOutput || in.dir != plugin.DirectionInput:
		return misuse(fmt.Errorf("%w: %s to %s", errors.ErrWrongDirection, out, in), "check directions")
	case out.node.data != in.node.data:
		return misuse(fmt.Errorf("%w: %s and %s run on different data loops", errors.ErrInvalidParameter, out, in),
			"check data loops")
	}
	for _, lid := range out.links {
		if l, ok := c.links.Get(arenaID(lid)); ok && l.input == in {
			return misuse(fmt.Errorf("%w: %s", errors.ErrLinkExists, lid), "check existing links")
		}
	}

	l := &Link{
		output: out,
		input:  in,
		filter: filter.Clone(),
		props:  maps.Clone(props),
		state:  LinkInit,
	}
	if v, ok := props[PropLinkPassive]; ok {
		l.passive, _ = strconv.ParseBool(v)
	}
	l.id = LinkID(c.links.Insert(l))
	l.logger = c.logger.With("link", l.id.Serial())
	out.links = append(out.links, l.id)
	in.links = append(in.links, l.id)

	l.logger.Info("link created", "output", out.String(), "input", in.String(), "passive", l.passive)
	c.scheduleCheck(l)
	return l.id, nil
}

// LinkInfo returns a snapshot of a link.
func (c *Context) LinkInfo(id LinkID) (LinkInfo, error) {
	l, err := c.lookupLink(id, "LinkInfo")
	if err != nil {
		return LinkInfo{}, err
	}
	return c.linkInfo(l), nil
}

// Links returns the ids of every link.
func (c *Context) Links() []LinkID {
	out := make([]LinkID, 0, c.links.Len())
	for id := range c.links.All() {
		out = append(out, LinkID(id))
	}
	return out
}

// AddLinkListener registers events for one link and returns a function removing
// them. Listeners are dropped when the link is destroyed.
func (c *Context) AddLinkListener(id LinkID, events LinkEvents) (func(), error) {
	l, err := c.lookupLink(id, "AddLinkListener")
	if err != nil {
		return nil, err
	}
	return l.listeners.add(events), nil
}

// DestroyLink tears a link down. Any phase in progress is abandoned and late
// completions for it are ignored.
func (c *Context) DestroyLink(id LinkID) error {
	l, err := c.lookupLink(id, "DestroyLink")
	if err != nil {
		return err
	}
	c.destroyLink(l)
	return nil
}

func (c *Context) lookupLink(id LinkID, method string) (*Link, error) {
	l, ok := c.links.Get(arenaID(id))
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrNotFound, id), "Context", method, "lookup link")
	}
	return l, nil
}

func (c *Context) linkInfo(l *Link) LinkInfo {
	info := LinkInfo{
		ID:         l.id,
		OutputNode: l.output.node.id,
		OutputPort: l.output.id,
		InputNode:  l.input.node.id,
		InputPort:  l.input.id,
		State:      l.state,
		Error:      l.err,
		Format:     l.format.Clone(),
		Props:      maps.Clone(l.props),
		Owner:      l.owner,
		Passive:    l.passive,
		Live:       l.live,
	}
	if l.set != nil {
		info.Buffers = l.set.Count()
	}
	return info
}

func (c *Context) emitInfo(l *Link) {
	info := c.linkInfo(l)
	l.listeners.emit(func(ev LinkEvents) {
		if ev.InfoChanged != nil {
			ev.InfoChanged(info)
		}
	})
	c.listeners.emit(func(ev Events) {
		if ev.LinkInfoChanged != nil {
			ev.LinkInfoChanged(info)
		}
	})
}

// updateState moves l to state. Non-terminal states only move forward and a
// terminal link never changes again.
func (c *Context) updateState(l *Link, state LinkState, err error) {
	old := l.state
	switch {
	case old == state, old.Terminal():
		return
	case !state.Terminal() && state < old:
		return
	}
	l.state = state
	l.err = err

	if state == LinkError {
		kind := errors.KindOf(err)
		l.logger.Warn("link failed", "old", old, "kind", kind, "error", err)
		c.metrics.RecordLinkFailure(kind.String())
	} else {
		l.logger.Debug("link state changed", "old", old, "new", state)
	}
	c.metrics.RecordLinkState(old.String(), state.String())

	l.listeners.emit(func(ev LinkEvents) {
		if ev.StateChanged != nil {
			ev.StateChanged(old, state, err)
		}
	})
	info := c.linkInfo(l)
	c.listeners.emit(func(ev Events) {
		if ev.LinkStateChanged != nil {
			ev.LinkStateChanged(info, old)
		}
	})

	if state.Terminal() {
		c.idleNode(l.output.node)
		c.idleNode(l.input.node)
		c.recheckNode(l.output.node)
		c.recheckNode(l.input.node)
	}
}

func (c *Context) fail(l *Link, err error) {
	c.updateState(l, LinkError, err)
}

// scheduleCheck queues a state check behind every pending completion.
func (c *Context) scheduleCheck(l *Link) {
	if l.destroyed || l.state.Terminal() || l.recheck != workqueue.InvalidID {
		return
	}
	l.recheck = c.work.Add(l, workqueue.Barrier(), func(error) {
		l.recheck = workqueue.InvalidID
		c.checkStates(l)
	})
}

func (c *Context) schedulePort(p *Port) {
	for _, lid := range p.links {
		if l, ok := c.links.Get(arenaID(lid)); ok {
			c.scheduleCheck(l)
		}
	}
}

// checkStates advances l through negotiation, allocation, start and splice as
// far as synchronous progress allows.
func (c *Context) checkStates(l *Link) {
	out, in := l.output, l.input
	for range maxCheckSteps {
		if l.destroyed || l.state.Terminal() {
			return
		}
		if err := checkErrors(out, in); err != nil {
			c.fail(l, err)
			return
		}
		if out.busy > 0 || in.busy > 0 || out.node.busy || in.node.busy {
			return
		}

		switch {
		case out.state == PortStreaming && in.state == PortStreaming:
			c.activate(l)
			return
		case out.state == PortConfigure || in.state == PortConfigure:
			if err := c.negotiate(l); err != nil {
				c.fail(l, err)
				return
			}
		case out.state == PortReady || in.state == PortReady:
			if err := c.allocate(l); err != nil {
				c.fail(l, err)
				return
			}
		default:
			c.updateState(l, LinkPaused, nil)
			c.start(l)
			if out.state != PortStreaming || in.state != PortStreaming {
				return
			}
		}
	}
	c.scheduleCheck(l)
}

func checkErrors(ports ...*Port) error {
	for _, p := range ports {
		if p.node.state == NodeError {
			return errors.WrapKind(fmt.Errorf("%w: %s: %w", errors.ErrNodeError, p.node.name, causeOf(p.node.err)),
				errors.KindNode, "Link", "checkStates", "check node")
		}
		if p.state == PortError {
			return errors.WrapKind(fmt.Errorf("%w: %s: %w", errors.ErrPortError, p, causeOf(p.err)),
				errors.KindNode, "Link", "checkStates", "check port")
		}
	}
	return nil
}

func causeOf(err error) error {
	if err == nil {
		return errors.ErrInvalidData
	}
	return err
}

// addWork tracks an async node operation of l so destroying l can cancel it.
func (c *Context) addWork(l *Link, n *Node, res plugin.Result, undo func(), fn func(error)) {
	var id uint32
	id = c.work.Add(n, asyncExpect(res), func(err error) {
		l.work = slices.DeleteFunc(l.work, func(r workRef) bool { return r.id == id })
		fn(err)
	})
	l.work = append(l.work, workRef{obj: n, id: id, undo: undo})
}

// addPortWork tracks an async operation on p, keeping p busy until it completes.
func (c *Context) addPortWork(l *Link, p *Port, res plugin.Result, fn func(error)) {
	p.busy++
	undo := func() {
		p.busy--
		c.schedulePort(p)
	}
	c.addWork(l, p.node, res, undo, func(err error) {
		p.busy--
		fn(err)
		c.schedulePort(p)
	})
}

func (c *Context) cancelWork(l *Link) {
	for _, ref := range l.work {
		if c.work.Cancel(ref.obj, ref.id) > 0 && ref.undo != nil {
			ref.undo()
		}
	}
	l.work = nil
	if l.recheck != workqueue.InvalidID {
		c.work.Cancel(l, l.recheck)
		l.recheck = workqueue.InvalidID
	}
}

func (c *Context) portFailed(l *Link, p *Port, action string, err error) {
	c.setPortState(p, PortError, err)
	c.fail(l, errors.WrapKind(err, errors.KindNode, "Link", action, p.String()))
}

// start moves allocated ports of running nodes to streaming and starts the
// nodes that are not running yet. Passive links never start nodes.
func (c *Context) start(l *Link) {
	for _, p := range []*Port{l.output, l.input} {
		switch {
		case p.state == PortStreaming:
		case p.node.state == NodeRunning:
			c.setPortState(p, PortStreaming, nil)
		case !l.passive:
			c.startNode(p.node)
		}
	}
}

// activate splices l into the data loop of its nodes.
func (c *Context) activate(l *Link) {
	if l.spliced == nil {
		out, in := l.output, l.input
		d := out.node.data
		io := rtgraph.NewIO()
		err := c.invokeWait(d, func() error {
			if err := out.node.impl.SetIO(out.dir, out.index, io); err != nil {
				return err
			}
			if err := in.node.impl.SetIO(in.dir, in.index, io); err != nil {
				_ = out.node.impl.SetIO(out.dir, out.index, nil)
				return err
			}
			l.spliced = d.graph.Splice(out.node.rt, in.node.rt, io)
			return nil
		})
		if err != nil {
			c.fail(l, errors.WrapKind(err, errors.KindNode, "Link", "activate", "splice into "+d.tl.Name()))
			return
		}
		l.logger.Debug("link spliced", "loop", d.tl.Name())
	}
	c.updateState(l, LinkRunning, nil)
}

func (c *Context) deactivate(l *Link) {
	if l.spliced == nil {
		return
	}
	out, in := l.output, l.input
	d := out.node.data
	sp := l.spliced
	err := c.invokeWait(d, func() error {
		d.graph.Unsplice(sp)
		_ = out.node.impl.SetIO(out.dir, out.index, nil)
		_ = in.node.impl.SetIO(in.dir, in.index, nil)
		return nil
	})
	l.spliced = nil
	if err != nil {
		l.logger.Warn("unsplice failed", "loop", d.tl.Name(), "error", err)
		return
	}
	l.logger.Debug("link unspliced", "loop", d.tl.Name())
}

// destroyLink unsplices l, abandons its work, releases both ports before any
// set is freed and finally forgets the link.
func (c *Context) destroyLink(l *Link) {
	if l.destroyed {
		return
	}
	l.destroyed = true
	l.listeners.emit(func(ev LinkEvents) {
		if ev.Destroy != nil {
			ev.Destroy()
		}
	})
	l.logger.Debug("destroying link", "state", l.state)

	c.deactivate(l)
	c.cancelWork(l)
	if l.state == LinkRunning {
		c.metrics.RecordLinkState(l.state.String(), "destroyed")
	}

	out, in := l.output, l.input
	var sets []*buffer.Set
	for _, p := range []*Port{out, in} {
		p.links = slices.DeleteFunc(p.links, func(x LinkID) bool { return x == l.id })
		// A port fanning out keeps its buffers while another link still uses them.
		if len(p.links) == 0 || (p.buffers != nil && p.buffers == l.set && !c.sharedWithOthers(p, l)) {
			c.releasePort(p)
		}
	}
	for _, p := range []*Port{out, in} {
		if len(p.links) == 0 && p.owned != nil {
			sets = append(sets, p.owned)
			p.owned = nil
		}
	}
	if l.owned != nil {
		sets = append(sets, l.owned)
		l.owned = nil
	}
	for _, set := range sets {
		c.freeSet(set)
	}
	l.set = nil

	c.idleNode(out.node)
	c.idleNode(in.node)
	c.links.Remove(arenaID(l.id))
	c.recheckNode(out.node)
	c.recheckNode(in.node)

	c.listeners.emit(func(ev Events) {
		if ev.LinkDestroyed != nil {
			ev.LinkDestroyed(l.id)
		}
	})
	l.listeners.emit(func(ev LinkEvents) {
		if ev.Free != nil {
			ev.Free()
		}
	})
	l.listeners.clear()
	l.logger.Info("link destroyed")
}
