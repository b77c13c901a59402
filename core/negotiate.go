package core

import (
	"fmt"

	"github.com/c360/mediagraph/errors"
	"github.com/c360/mediagraph/plugin"
	"github.com/c360/mediagraph/pod"
)

// negotiate agrees on a format and sets it on every port that still needs one.
func (c *Context) negotiate(l *Link) error {
	c.updateState(l, LinkNegotiating, nil)

	format, err := c.findFormat(l)
	if err != nil {
		if errors.KindOf(err) == errors.KindNode {
			return err
		}
		return errors.WrapKind(err, errors.KindNegotiation, "Link", "negotiate", "find common format")
	}
	if !pod.Equal(l.format, format) {
		l.format = format
		l.logger.Debug("format negotiated", "format", format.String())
		c.emitInfo(l)
	}

	for _, p := range []*Port{l.output, l.input} {
		if err := c.configurePort(l, p, format); err != nil {
			return err
		}
	}
	return nil
}

// findFormat returns a fixed format both ports accept. A port that already has
// a format keeps it and the other side must accept it.
func (c *Context) findFormat(l *Link) (*pod.Object, error) {
	out, in := l.output, l.input
	switch {
	case out.state > PortConfigure:
		return c.matchCurrent(l, out, in)
	case in.state > PortConfigure:
		return c.matchCurrent(l, in, out)
	}

	inFormats, err := plugin.EnumAll(in.node.impl, in.dir, in.index, pod.ParamEnumFormat, l.filter)
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindNode, "Link", "findFormat", "enumerate formats of "+in.String())
	}
	for _, f := range inFormats {
		outFormats, err := plugin.EnumAll(out.node.impl, out.dir, out.index, pod.ParamEnumFormat, f)
		if err != nil {
			return nil, errors.WrapKind(err, errors.KindNode, "Link", "findFormat", "enumerate formats of "+out.String())
		}
		if len(outFormats) > 0 {
			return asFormat(outFormats[0]), nil
		}
	}
	return nil, fmt.Errorf("%w between %s and %s", errors.ErrNoFormat, out, in)
}

func (c *Context) matchCurrent(l *Link, fixed, other *Port) (*pod.Object, error) {
	filter := fixed.format
	if l.filter != nil {
		f, err := pod.Intersect(fixed.format, l.filter)
		if err != nil {
			return nil, fmt.Errorf("%w: %s is fixed to %s", errors.ErrNoFormat, fixed, fixed.format)
		}
		filter = f
	}
	candidates, err := plugin.EnumAll(other.node.impl, other.dir, other.index, pod.ParamEnumFormat, filter)
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindNode, "Link", "findFormat", "enumerate formats of "+other.String())
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s does not accept %s", errors.ErrNoFormat, other, fixed.format)
	}
	return asFormat(candidates[0]), nil
}

func asFormat(o *pod.Object) *pod.Object {
	f := o.Fixate()
	f.ID = pod.ParamFormat
	return f
}

// configurePort sets format on p. A port that already has a compatible format
// is left alone; an incompatible one is reset when nothing else depends on it.
func (c *Context) configurePort(l *Link, p *Port, format *pod.Object) error {
	if p.state > PortConfigure {
		if _, err := pod.Intersect(p.format, format); err == nil {
			l.logger.Debug("port format unchanged", "port", p.String())
			return nil
		}
		if p.node.state == NodeRunning || c.sharedWithOthers(p, l) {
			return errors.WrapKind(fmt.Errorf("%w: %s is in use with %s", errors.ErrNoFormat, p, p.format),
				errors.KindNegotiation, "Link", "negotiate", "reconfigure port")
		}
		c.releasePort(p)
		c.freePortSet(p)
		p.format = nil
		c.setPortState(p, PortConfigure, nil)
	}

	res, err := p.node.impl.SetParam(p.dir, p.index, formatParam, 0, format)
	if err != nil {
		c.setPortState(p, PortError, err)
		return errors.WrapKind(err, errors.KindNode, "Link", "negotiate", "set format on "+p.String())
	}
	done := func() {
		p.format = format.Clone()
		c.setPortState(p, PortReady, nil)
	}
	if !res.Async {
		done()
		return nil
	}
	c.addPortWork(l, p, res, func(err error) {
		if err != nil {
			c.portFailed(l, p, "negotiate", err)
			return
		}
		done()
	})
	return nil
}

// sharedWithOthers reports whether a link other than l still uses p.
func (c *Context) sharedWithOthers(p *Port, l *Link) bool {
	for _, lid := range p.links {
		other, ok := c.links.Get(arenaID(lid))
		if ok && other != l && !other.state.Terminal() {
			return true
		}
	}
	return false
}
