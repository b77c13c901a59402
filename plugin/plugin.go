// Package plugin defines the contract between the graph core and node
// implementations.
//
// A node exposes numbered input and output ports. The core negotiates formats
// and buffers port by port through this interface and drives the node's run
// state with commands. Any call may complete asynchronously: it then returns an
// async Result carrying a sequence number, and the node later reports the outcome
// through Callbacks.Done with the same number.
package plugin

import (
	"errors"

	"github.com/c360/mediagraph/buffer"
	"github.com/c360/mediagraph/pkg/rtgraph"
	"github.com/c360/mediagraph/pod"
)

// ErrEnumEnd is returned by EnumParams when index is past the last parameter.
var ErrEnumEnd = errors.New("plugin: end of enumeration")

// Direction of a port.
type Direction int

const (
	DirectionInput Direction = iota
	DirectionOutput
)

// String returns the string representation of Direction
func (d Direction) String() string {
	if d == DirectionOutput {
		return "output"
	}
	return "input"
}

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	if d == DirectionOutput {
		return DirectionInput
	}
	return DirectionOutput
}

// PortFlags advertise port capabilities.
type PortFlags uint32

const (
	// FlagLive marks a port that produces data in real time
	FlagLive PortFlags = 1 << iota
	// FlagCanAllocBuffers marks a port that can fill in buffer memory itself
	FlagCanAllocBuffers
	// FlagCanUseBuffers marks a port that can work on buffers supplied to it
	FlagCanUseBuffers
)

// Has reports whether every bit of f2 is set.
func (f PortFlags) Has(f2 PortFlags) bool {
	return f&f2 == f2
}

// PortInfo describes a port.
type PortInfo struct {
	Flags      PortFlags
	MinBuffers int
	MaxBuffers int
	MinSize    int
}

// Command changes a node's run state.
type Command int

const (
	CommandSuspend Command = iota
	CommandPause
	CommandStart
)

// String returns the string representation of Command
func (c Command) String() string {
	switch c {
	case CommandStart:
		return "start"
	case CommandPause:
		return "pause"
	default:
		return "suspend"
	}
}

// Result of a call that may complete later.
type Result struct {
	Async bool
	Seq   uint32
}

// Done is a Result for a call that already completed.
func Done() Result {
	return Result{}
}

// Pending is a Result for a call that completes with sequence seq.
func Pending(seq uint32) Result {
	return Result{Async: true, Seq: seq}
}

// Callbacks are installed by the core on every node.
type Callbacks struct {
	// Done reports the outcome of an async call. It may be called from any goroutine.
	Done func(seq uint32, err error)
}

// Node is implemented by every processing node.
//
// Methods other than Process are called from the control loop. Process and the
// IO areas set with SetIO belong to the data loop.
type Node interface {
	EnumParams(dir Direction, port uint32, id pod.ParamID, index int) (*pod.Object, error)
	// SetParam with a nil param clears it. Clearing the format releases buffers.
	SetParam(dir Direction, port uint32, id pod.ParamID, flags uint32, param *pod.Object) (Result, error)
	PortInfo(dir Direction, port uint32) (PortInfo, error)
	// UseBuffers with nil buffers releases the port's buffers.
	UseBuffers(dir Direction, port uint32, buffers []*buffer.Buffer) (Result, error)
	AllocBuffers(dir Direction, port uint32, params []*pod.Object, buffers []*buffer.Buffer) (Result, error)
	SendCommand(cmd Command) (Result, error)
	SetIO(dir Direction, port uint32, io *rtgraph.IO) error
	Process() rtgraph.Status
	SetCallbacks(cb Callbacks)
}

// EnumAll collects every parameter of id on a port, each intersected with
// filter. Parameters that do not intersect are skipped.
func EnumAll(n Node, dir Direction, port uint32, id pod.ParamID, filter *pod.Object) ([]*pod.Object, error) {
	var out []*pod.Object
	for index := 0; ; index++ {
		param, err := n.EnumParams(dir, port, id, index)
		if errors.Is(err, ErrEnumEnd) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		if filter != nil {
			if param, err = pod.Intersect(param, filter); err != nil {
				continue
			}
		}
		out = append(out, param)
	}
}

// CurrentFormat returns the active format of a port or nil when none is set.
func CurrentFormat(n Node, dir Direction, port uint32) (*pod.Object, error) {
	f, err := n.EnumParams(dir, port, pod.ParamFormat, 0)
	if errors.Is(err, ErrEnumEnd) {
		return nil, nil
	}
	return f, err
}
