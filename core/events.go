package core

import (
	"slices"

	"github.com/c360/mediagraph/pod"
)

// Events are context-wide notifications, delivered on the control loop.
type Events struct {
	LinkStateChanged func(info LinkInfo, old LinkState)
	LinkInfoChanged  func(info LinkInfo)
	LinkDestroyed    func(id LinkID)
}

// LinkEvents are notifications about one link, delivered on the control loop.
type LinkEvents struct {
	StateChanged func(old, state LinkState, err error)
	InfoChanged  func(info LinkInfo)
	PortUnlinked func(port PortID)
	// Destroy runs first during teardown, Free runs last.
	Destroy func()
	Free    func()
}

// LinkInfo is a snapshot of a link.
type LinkInfo struct {
	ID         LinkID
	OutputNode NodeID
	OutputPort PortID
	InputNode  NodeID
	InputPort  PortID
	State      LinkState
	Error      error
	Format     *pod.Object
	Props      map[string]string
	Owner      Owner
	Passive    bool
	Live       bool
	Buffers    int
}

type hook[T any] struct {
	events  T
	removed bool
}

// hookList is a listener list that tolerates removal while emitting.
type hookList[T any] struct {
	hooks []*hook[T]
}

func (l *hookList[T]) add(events T) func() {
	h := &hook[T]{events: events}
	l.hooks = append(l.hooks, h)
	return func() {
		if h.removed {
			return
		}
		h.removed = true
		l.hooks = slices.DeleteFunc(l.hooks, func(x *hook[T]) bool { return x == h })
	}
}

func (l *hookList[T]) emit(fn func(T)) {
	for _, h := range slices.Clone(l.hooks) {
		if !h.removed {
			fn(h.events)
		}
	}
}

func (l *hookList[T]) clear() {
	for _, h := range l.hooks {
		h.removed = true
	}
	l.hooks = nil
}
