package core

import (
	"fmt"

	"github.com/c360/mediagraph/buffer"
	"github.com/c360/mediagraph/errors"
	"github.com/c360/mediagraph/plugin"
	"github.com/c360/mediagraph/pod"
)

// defaultBuffers is the set size used when neither port asks for one.
const defaultBuffers = 2

// pairOwner decides which side allocates the set.
func pairOwner(out, in plugin.PortFlags) (Owner, error) {
	outAlloc, outUse := out.Has(plugin.FlagCanAllocBuffers), out.Has(plugin.FlagCanUseBuffers)
	inAlloc, inUse := in.Has(plugin.FlagCanAllocBuffers), in.Has(plugin.FlagCanUseBuffers)

	switch {
	case outAlloc && inUse:
		return OwnerOutput, nil
	case outUse && inAlloc:
		return OwnerInput, nil
	case outUse && inUse:
		return OwnerLink, nil
	case outAlloc && inAlloc:
		return OwnerOutput, nil
	}
	return OwnerNone, errors.ErrNoBufferPairing
}

// allocate gives both ports of l the same buffer set, reusing the set of a port
// that already has one.
func (c *Context) allocate(l *Link) error {
	c.updateState(l, LinkAllocating, nil)
	out, in := l.output, l.input

	oinfo, err := out.node.impl.PortInfo(out.dir, out.index)
	if err != nil {
		return errors.WrapKind(err, errors.KindNode, "Link", "allocate", "query "+out.String())
	}
	iinfo, err := in.node.impl.PortInfo(in.dir, in.index)
	if err != nil {
		return errors.WrapKind(err, errors.KindNode, "Link", "allocate", "query "+in.String())
	}
	if oinfo.Flags.Has(plugin.FlagLive) {
		l.live = true
		out.node.live = true
		in.node.live = true
	}

	if out.state > PortReady || in.state > PortReady {
		return c.reuse(l, oinfo, iinfo)
	}

	owner, err := pairOwner(oinfo.Flags, iinfo.Flags)
	if err != nil {
		return errors.WrapKind(err, errors.KindAllocation, "Link", "allocate",
			fmt.Sprintf("pair %s with %s", out, in))
	}
	params, param, err := c.bufferParams(l, owner, oinfo, iinfo)
	if err != nil {
		return err
	}
	set, err := buffer.Alloc(params)
	if err != nil {
		return errors.WrapKind(err, errors.KindAllocation, "Link", "allocate", "allocate "+params.Name)
	}
	set.Format = l.format.Clone()
	l.set = set
	l.owner = owner
	c.metrics.RecordBufferSet(owner.String(), set.MemSize())
	l.logger.Debug("buffers allocated", "owner", owner, "count", set.Count(),
		"size", set.DataSize(), "bytes", set.MemSize())
	c.emitInfo(l)

	switch owner {
	case OwnerOutput:
		out.owned = set
		return c.allocBuffers(l, out, in, set, param)
	case OwnerInput:
		in.owned = set
		return c.allocBuffers(l, in, out, set, param)
	default:
		l.owned = set
		if err := c.useBuffers(l, out, set); err != nil {
			return err
		}
		return c.useBuffers(l, in, set)
	}
}

// reuse hands the set of the port that has one to the other port.
func (c *Context) reuse(l *Link, oinfo, iinfo plugin.PortInfo) error {
	holder, other, info, owner := l.output, l.input, iinfo, OwnerOutput
	if holder.state <= PortReady {
		holder, other, info, owner = l.input, l.output, oinfo, OwnerInput
	}
	set := holder.buffers

	if other.state > PortReady {
		if other.buffers == set && set != nil {
			l.set, l.owner = set, owner
			return nil
		}
		return errors.WrapKind(fmt.Errorf("%w: %s and %s hold different buffers", errors.ErrNoBufferPairing, holder, other),
			errors.KindAllocation, "Link", "allocate", "reuse buffers")
	}
	if reason := c.unusable(l, holder, info); reason != "" {
		return errors.WrapKind(fmt.Errorf("%w: %s", errors.ErrNoBufferPairing, reason),
			errors.KindAllocation, "Link", "allocate", "reuse buffers of "+holder.String())
	}

	l.set, l.owner = set, owner
	l.logger.Debug("reusing buffers", "holder", holder.String(), "count", set.Count())
	c.emitInfo(l)
	return c.useBuffers(l, other, set)
}

// unusable explains why the set held by holder cannot serve the other side of
// l, or returns "" when it can.
func (c *Context) unusable(l *Link, holder *Port, info plugin.PortInfo) string {
	set := holder.buffers
	switch {
	case set == nil:
		return "port holds no buffers"
	case holder.owned != set:
		return "buffers are not owned by the port"
	}
	if _, err := pod.Intersect(set.Format, l.format); err != nil {
		return fmt.Sprintf("buffers carry format %s", set.Format)
	}
	switch {
	case set.Count() < info.MinBuffers:
		return fmt.Sprintf("%d buffers, need at least %d", set.Count(), info.MinBuffers)
	case info.MaxBuffers > 0 && set.Count() > info.MaxBuffers:
		return fmt.Sprintf("%d buffers, accept at most %d", set.Count(), info.MaxBuffers)
	case set.DataSize() < info.MinSize:
		return fmt.Sprintf("blocks of %d bytes, need %d", set.DataSize(), info.MinSize)
	}
	return ""
}

// bufferParams intersects the Buffers params of both ports and applies the
// port limits and context defaults. It also returns the fixed param handed to
// the allocating node.
func (c *Context) bufferParams(l *Link, owner Owner, oinfo, iinfo plugin.PortInfo) (buffer.Params, *pod.Object, error) {
	out, in := l.output, l.input
	fail := func(err error, action string) (buffer.Params, *pod.Object, error) {
		return buffer.Params{}, nil, errors.WrapKind(err, errors.KindAllocation, "Link", "bufferParams", action)
	}

	obufs, err := plugin.EnumAll(out.node.impl, out.dir, out.index, pod.ParamBuffers, nil)
	if err != nil {
		return buffer.Params{}, nil, errors.WrapKind(err, errors.KindNode, "Link", "bufferParams", "enumerate "+out.String())
	}
	ibufs, err := plugin.EnumAll(in.node.impl, in.dir, in.index, pod.ParamBuffers, nil)
	if err != nil {
		return buffer.Params{}, nil, errors.WrapKind(err, errors.KindNode, "Link", "bufferParams", "enumerate "+in.String())
	}

	var param *pod.Object
	switch {
	case len(obufs) == 0 && len(ibufs) == 0:
		param = pod.NewObject(pod.ParamBuffers, "", nil)
	case len(ibufs) == 0:
		param = obufs[0]
	case len(obufs) == 0:
		param = ibufs[0]
	default:
	search:
		for _, o := range obufs {
			for _, i := range ibufs {
				if r, err := pod.Intersect(o, i); err == nil {
					param = r
					break search
				}
			}
		}
		if param == nil {
			return fail(fmt.Errorf("%w: buffer params of %s and %s do not intersect", errors.ErrNoBufferPairing, out, in),
				"intersect buffer params")
		}
	}
	param = param.Fixate()

	minBuffers := max(1, oinfo.MinBuffers, iinfo.MinBuffers)
	maxBuffers := c.cfg.MaxBuffers
	for _, m := range []int{oinfo.MaxBuffers, iinfo.MaxBuffers} {
		if m > 0 {
			maxBuffers = min(maxBuffers, m)
		}
	}
	if minBuffers > maxBuffers {
		return fail(fmt.Errorf("%w: need %d buffers, at most %d allowed", errors.ErrNoBufferPairing, minBuffers, maxBuffers),
			"limit buffer count")
	}
	count := int(param.GetOr(pod.KeyBuffers, int64(max(defaultBuffers, minBuffers))))
	count = min(max(count, minBuffers), maxBuffers)

	size := int(param.GetOr(pod.KeySize, 0))
	if size <= 0 {
		size = c.cfg.DefaultBufferSize
	}
	size = max(size, oinfo.MinSize, iinfo.MinSize)

	metas, err := c.metaSpecs(l)
	if err != nil {
		return buffer.Params{}, nil, err
	}

	p := buffer.Params{
		Name:        fmt.Sprintf("link-%d", l.id.Serial()),
		Count:       count,
		Blocks:      int(max(param.GetOr(pod.KeyBlocks, 1), 1)),
		Size:        size,
		ChunkStride: int(param.GetOr(pod.KeyStride, 0)),
		Align:       int(param.GetOr(pod.KeyAlign, int64(c.cfg.DefaultAlign))),
		Metas:       metas,
	}
	if owner != OwnerLink {
		p.Flags |= buffer.AllocNoData
	}

	param.Props[pod.KeyBuffers] = pod.Fixed(int64(p.Count))
	param.Props[pod.KeyBlocks] = pod.Fixed(int64(p.Blocks))
	param.Props[pod.KeySize] = pod.Fixed(int64(p.Size))
	param.Props[pod.KeyAlign] = pod.Fixed(int64(p.Align))
	return p, param, nil
}

// metaSpecs returns the meta areas both ports support, each sized for the
// larger request.
func (c *Context) metaSpecs(l *Link) ([]buffer.MetaSpec, error) {
	out, in := l.output, l.input
	ometas, err := plugin.EnumAll(out.node.impl, out.dir, out.index, pod.ParamMeta, nil)
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindNode, "Link", "metaSpecs", "enumerate "+out.String())
	}
	imetas, err := plugin.EnumAll(in.node.impl, in.dir, in.index, pod.ParamMeta, nil)
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindNode, "Link", "metaSpecs", "enumerate "+in.String())
	}

	var specs []buffer.MetaSpec
	seen := make(map[buffer.MetaType]bool)
	for _, o := range ometas {
		t := buffer.MetaType(o.GetOr(pod.KeyType, 0))
		if t == buffer.MetaInvalid || seen[t] {
			continue
		}
		for _, i := range imetas {
			if buffer.MetaType(i.GetOr(pod.KeyType, 0)) != t {
				continue
			}
			seen[t] = true
			size := max(o.GetOr(pod.KeySize, 0), i.GetOr(pod.KeySize, 0))
			specs = append(specs, buffer.MetaSpec{Type: t, Size: int(size)})
			break
		}
	}
	return specs, nil
}

// allocBuffers asks the owning port to fill in the set, then hands it to user.
func (c *Context) allocBuffers(l *Link, owner, user *Port, set *buffer.Set, param *pod.Object) error {
	res, err := owner.node.impl.AllocBuffers(owner.dir, owner.index, []*pod.Object{param}, set.Buffers)
	if err != nil {
		c.setPortState(owner, PortError, err)
		return errors.WrapKind(err, errors.KindNode, "Link", "allocate", "alloc buffers on "+owner.String())
	}
	next := func() error {
		owner.buffers = set
		c.setPortState(owner, PortPaused, nil)
		return c.useBuffers(l, user, set)
	}
	if !res.Async {
		return next()
	}
	c.addPortWork(l, owner, res, func(err error) {
		if err != nil {
			c.portFailed(l, owner, "allocate", err)
			return
		}
		if err := next(); err != nil {
			c.fail(l, err)
		}
	})
	return nil
}

func (c *Context) useBuffers(l *Link, p *Port, set *buffer.Set) error {
	res, err := p.node.impl.UseBuffers(p.dir, p.index, set.Buffers)
	if err != nil {
		c.setPortState(p, PortError, err)
		return errors.WrapKind(err, errors.KindNode, "Link", "allocate", "use buffers on "+p.String())
	}
	done := func() {
		p.buffers = set
		c.setPortState(p, PortPaused, nil)
	}
	if !res.Async {
		done()
		return nil
	}
	c.addPortWork(l, p, res, func(err error) {
		if err != nil {
			c.portFailed(l, p, "allocate", err)
			return
		}
		done()
	})
	return nil
}
