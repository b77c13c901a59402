package core

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360/mediagraph/plugin"
	"github.com/c360/mediagraph/plugin/testnode"
	"github.com/c360/mediagraph/pod"
)

// logRecorder keeps the message of every log record in order.
type logRecorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *logRecorder) Enabled(context.Context, slog.Level) bool { return true }

func (r *logRecorder) Handle(_ context.Context, rec slog.Record) error {
	r.note(rec.Message)
	return nil
}

func (r *logRecorder) WithAttrs([]slog.Attr) slog.Handler { return r }
func (r *logRecorder) WithGroup(string) slog.Handler      { return r }

func (r *logRecorder) note(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *logRecorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.msgs)
}

func (r *logRecorder) count(msg string) int {
	n := 0
	for _, m := range r.messages() {
		if m == msg {
			n++
		}
	}
	return n
}

// index returns the position of the first msg recorded at or after from.
func (r *logRecorder) index(msg string, from int) int {
	msgs := r.messages()
	for i := from; i < len(msgs); i++ {
		if msgs[i] == msg {
			return i
		}
	}
	return -1
}

func newTestContext(t *testing.T, opts ...Option) (*Context, *logRecorder) {
	t.Helper()
	rec := &logRecorder{}
	cfg := DefaultConfig()
	cfg.CycleInterval = 0

	c, err := NewContext(cfg, append([]Option{WithLogger(slog.New(rec))}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, rec
}

// iterateUntil runs the control loop until cond holds.
func iterateUntil(t *testing.T, c *Context, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached in time")
		}
		c.Iterate(10 * time.Millisecond)
	}
}

// settle runs the control loop until it stays idle for a few iterations.
func settle(c *Context) {
	for idle := 0; idle < 3; {
		if c.Iterate(5*time.Millisecond) == 0 {
			idle++
		} else {
			idle = 0
		}
	}
}

func audio(rate pod.Choice) *pod.Object {
	return pod.NewObject(pod.ParamEnumFormat, "audio/raw", map[string]pod.Choice{
		"rate":     rate,
		"channels": pod.Fixed(2),
	})
}

func source(mod ...func(*testnode.Config)) *testnode.Node {
	cfg := testnode.Config{
		Name:    "src",
		Outputs: 1,
		Formats: []*pod.Object{audio(pod.Range(44100, 8000, 96000))},
		Flags:   plugin.FlagCanAllocBuffers | plugin.FlagCanUseBuffers,
	}
	for _, m := range mod {
		m(&cfg)
	}
	return testnode.New(cfg)
}

func sink(mod ...func(*testnode.Config)) *testnode.Node {
	cfg := testnode.Config{
		Name:    "sink",
		Inputs:  1,
		Formats: []*pod.Object{audio(pod.Fixed(48000))},
		Flags:   plugin.FlagCanUseBuffers,
	}
	for _, m := range mod {
		m(&cfg)
	}
	return testnode.New(cfg)
}

type endpoint struct {
	node NodeID
	port PortID
}

// addNode registers n with one port in direction dir.
func addNode(t *testing.T, c *Context, n *testnode.Node, dir plugin.Direction) endpoint {
	t.Helper()
	id, err := c.AddNode(n.Name(), n, nil)
	require.NoError(t, err)
	pid, err := c.AddPort(id, dir, 0)
	require.NoError(t, err)
	return endpoint{node: id, port: pid}
}

func linkState(t *testing.T, c *Context, id LinkID) LinkState {
	t.Helper()
	info, err := c.LinkInfo(id)
	require.NoError(t, err)
	return info.State
}

// runningLink links src to snk and waits for the link to run.
func runningLink(t *testing.T, c *Context, src, snk endpoint) LinkID {
	t.Helper()
	id, err := c.CreateLink(src.port, snk.port, nil, nil)
	require.NoError(t, err)
	iterateUntil(t, c, func() bool { return linkState(t, c, id) == LinkRunning })
	return id
}
