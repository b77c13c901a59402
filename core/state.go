package core

import (
	"strconv"

	"github.com/c360/mediagraph/pkg/arena"
)

// NodeID identifies a node within a Context.
type NodeID arena.ID

// PortID identifies a port within a Context.
type PortID arena.ID

// LinkID identifies a link within a Context.
type LinkID arena.ID

func (id NodeID) String() string { return "node " + arena.ID(id).String() }
func (id PortID) String() string { return "port " + arena.ID(id).String() }
func (id LinkID) String() string { return "link " + arena.ID(id).String() }

// Serial returns the slot index of the link, stable for its lifetime.
func (id LinkID) Serial() uint32 {
	return arena.ID(id).Index()
}

// PortState is the negotiation progress of a port.
type PortState int

const (
	PortError PortState = iota - 1
	PortConfigure
	PortReady
	PortPaused
	PortStreaming
)

// String returns the string representation of PortState
func (s PortState) String() string {
	switch s {
	case PortError:
		return "error"
	case PortConfigure:
		return "configure"
	case PortReady:
		return "ready"
	case PortPaused:
		return "paused"
	case PortStreaming:
		return "streaming"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// NodeState is the run state of a node.
type NodeState int

const (
	NodeError NodeState = iota - 1
	NodeSuspended
	NodeIdle
	NodeRunning
)

// String returns the string representation of NodeState
func (s NodeState) String() string {
	switch s {
	case NodeError:
		return "error"
	case NodeSuspended:
		return "suspended"
	case NodeIdle:
		return "idle"
	case NodeRunning:
		return "running"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// LinkState is the state of a link. Error and Unlinked are terminal.
type LinkState int

const (
	LinkError LinkState = iota - 2
	LinkUnlinked
	LinkInit
	LinkNegotiating
	LinkAllocating
	LinkPaused
	LinkRunning
)

// String returns the string representation of LinkState
func (s LinkState) String() string {
	switch s {
	case LinkError:
		return "error"
	case LinkUnlinked:
		return "unlinked"
	case LinkInit:
		return "init"
	case LinkNegotiating:
		return "negotiating"
	case LinkAllocating:
		return "allocating"
	case LinkPaused:
		return "paused"
	case LinkRunning:
		return "running"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// Terminal reports whether no further transitions happen from s.
func (s LinkState) Terminal() bool {
	return s < LinkInit
}

// Owner tells who frees a link's buffer set.
type Owner int

const (
	OwnerNone Owner = iota
	OwnerOutput
	OwnerInput
	OwnerLink
)

// String returns the string representation of Owner
func (o Owner) String() string {
	switch o {
	case OwnerOutput:
		return "output"
	case OwnerInput:
		return "input"
	case OwnerLink:
		return "link"
	default:
		return "none"
	}
}
