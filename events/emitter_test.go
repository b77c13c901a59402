package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mediagraph/core"
	mgerrors "github.com/c360/mediagraph/errors"
	"github.com/c360/mediagraph/metric"
	"github.com/c360/mediagraph/pkg/retry"
	"github.com/c360/mediagraph/plugin"
	"github.com/c360/mediagraph/plugin/testnode"
	"github.com/c360/mediagraph/pod"
)

type message struct {
	subject string
	event   LinkEvent
}

// recorder is a Publisher that keeps what it is sent and can fail a number
// of times first.
type recorder struct {
	mu       sync.Mutex
	msgs     []message
	failures int
	err      error
}

func (r *recorder) Publish(_ context.Context, subject string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return r.err
	}
	var ev LinkEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	r.msgs = append(r.msgs, message{subject: subject, event: ev})
	return nil
}

func (r *recorder) messages() []message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message(nil), r.msgs...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.Retry = retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{name: "prefix", modify: func(c *Config) { c.SubjectPrefix = "" }},
		{name: "workers", modify: func(c *Config) { c.Workers = 0 }},
		{name: "queue", modify: func(c *Config) { c.QueueSize = -1 }},
		{name: "timeout", modify: func(c *Config) { c.PublishTimeout = 0 }},
		{name: "retry", modify: func(c *Config) { c.Retry.InitialDelay = -time.Second }},
	}
	require.NoError(t, DefaultConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			_, err := NewEmitter(&recorder{}, cfg)
			assert.True(t, mgerrors.IsInvalid(err))
		})
	}

	_, err := NewEmitter(nil, DefaultConfig())
	assert.ErrorIs(t, err, mgerrors.ErrInvalidParameter)
}

func TestEmitter_RetriesTransientFailures(t *testing.T) {
	pub := &recorder{failures: 2, err: errors.New("connection reset")}
	reg := metric.NewMetricsRegistry()
	e, err := NewEmitter(pub, testConfig(), WithMetrics(reg))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	e.Emit(LinkEvent{Type: TypeState, Link: "link 3.1", Serial: 3, State: "running"})
	require.NoError(t, e.Stop(time.Second))

	msgs := pub.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "mediagraph.link.3.state", msgs[0].subject)
	assert.Equal(t, "running", msgs[0].event.State)
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.Metrics.EventsPublished.WithLabelValues("success")))
}

func TestEmitter_GivesUp(t *testing.T) {
	pub := &recorder{failures: 10, err: errors.New("no responders")}
	reg := metric.NewMetricsRegistry()
	e, err := NewEmitter(pub, testConfig(), WithMetrics(reg))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	e.Emit(LinkEvent{Type: TypeDestroyed, Serial: 1})
	require.NoError(t, e.Stop(time.Second))

	assert.Empty(t, pub.messages())
	assert.Equal(t, int64(1), e.Stats().Failed)
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.Metrics.EventsPublished.WithLabelValues("error")))
}

func TestEmitter_DropsWhenNotStarted(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	e, err := NewEmitter(&recorder{}, testConfig(), WithMetrics(reg))
	require.NoError(t, err)

	e.Emit(LinkEvent{Type: TypeState, Serial: 1})
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.Metrics.EventsPublished.WithLabelValues("dropped")))
}

func TestLinkEvent_Subject(t *testing.T) {
	ev := LinkEvent{Type: TypeInfo, Serial: 12}
	assert.Equal(t, "studio.a.link.12.info", ev.Subject("studio.a"))
}

func TestDecodeLinkEvent(t *testing.T) {
	sent := LinkEvent{Type: TypeState, Instance: "i-1", Link: "link:3", Serial: 3, Old: "paused", State: "running",
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	data, err := sent.Marshal()
	require.NoError(t, err)

	got, err := DecodeLinkEvent(data)
	require.NoError(t, err)
	assert.Equal(t, sent, got)

	for _, bad := range []string{`{`, `{"type":"state"}`, `{"link":"link:3"}`} {
		_, err := DecodeLinkEvent([]byte(bad))
		assert.True(t, mgerrors.IsInvalid(err), bad)
	}
}

func newGraph(t *testing.T) *core.Context {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.CycleInterval = 0
	c, err := core.NewContext(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func addNode(t *testing.T, c *core.Context, cfg testnode.Config, dir plugin.Direction) core.PortID {
	t.Helper()
	id, err := c.AddNode(cfg.Name, testnode.New(cfg), nil)
	require.NoError(t, err)
	pid, err := c.AddPort(id, dir, 0)
	require.NoError(t, err)
	return pid
}

func audio(rate pod.Choice) *pod.Object {
	return pod.NewObject(pod.ParamEnumFormat, "audio/raw", map[string]pod.Choice{
		"rate":     rate,
		"channels": pod.Fixed(2),
	})
}

// waitState runs the control loop of c until link id reaches state.
func waitState(t *testing.T, c *core.Context, id core.LinkID, state core.LinkState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		info, err := c.LinkInfo(id)
		require.NoError(t, err)
		if info.State == state {
			return
		}
		require.True(t, time.Now().Before(deadline), "link stuck in %s", info.State)
		c.Iterate(10 * time.Millisecond)
	}
}

func TestEmitter_AttachPublishesLinkLifecycle(t *testing.T) {
	c := newGraph(t)
	pub := &recorder{}
	e, err := NewEmitter(pub, testConfig())
	require.NoError(t, err)
	detach := e.Attach(c)
	require.NoError(t, e.Start(context.Background()))

	out := addNode(t, c, testnode.Config{
		Name: "src", Outputs: 1,
		Formats: []*pod.Object{audio(pod.Range(44100, 8000, 96000))},
		Flags:   plugin.FlagCanAllocBuffers | plugin.FlagCanUseBuffers,
	}, plugin.DirectionOutput)
	in := addNode(t, c, testnode.Config{
		Name: "sink", Inputs: 1,
		Formats: []*pod.Object{audio(pod.Fixed(48000))},
		Flags:   plugin.FlagCanUseBuffers,
	}, plugin.DirectionInput)

	id, err := c.CreateLink(out, in, nil, nil)
	require.NoError(t, err)
	waitState(t, c, id, core.LinkRunning)
	require.NoError(t, c.DestroyLink(id))
	detach()
	require.NoError(t, e.Stop(time.Second))

	msgs := pub.messages()
	require.NotEmpty(t, msgs)
	var states []string
	for _, m := range msgs {
		assert.Equal(t, c.ID().String(), m.event.Instance)
		assert.True(t, strings.HasPrefix(m.subject, "mediagraph.link."), m.subject)
		if m.event.Type == TypeState {
			states = append(states, m.event.State)
		}
	}
	assert.Contains(t, states, "negotiating")
	assert.Contains(t, states, "running")

	last := msgs[len(msgs)-1]
	assert.Equal(t, TypeDestroyed, last.event.Type)
	assert.Equal(t, id.Serial(), last.event.Serial)

	var running LinkEvent
	for _, m := range msgs {
		if m.event.Type == TypeState && m.event.State == "running" {
			running = m.event
		}
	}
	assert.Equal(t, "paused", running.Old)
	assert.Equal(t, "output", running.Owner)
	assert.Equal(t, 2, running.Buffers)
	assert.Contains(t, running.Format, "48000")
}

func TestEmitter_FailedLinkCarriesKind(t *testing.T) {
	c := newGraph(t)
	pub := &recorder{}
	e, err := NewEmitter(pub, testConfig())
	require.NoError(t, err)
	e.Attach(c)
	require.NoError(t, e.Start(context.Background()))

	out := addNode(t, c, testnode.Config{
		Name: "src", Outputs: 1,
		Formats: []*pod.Object{audio(pod.Fixed(44100))},
		Flags:   plugin.FlagCanAllocBuffers,
	}, plugin.DirectionOutput)
	in := addNode(t, c, testnode.Config{
		Name: "sink", Inputs: 1,
		Formats: []*pod.Object{audio(pod.Fixed(48000))},
		Flags:   plugin.FlagCanUseBuffers,
	}, plugin.DirectionInput)

	id, err := c.CreateLink(out, in, nil, nil)
	require.NoError(t, err)
	waitState(t, c, id, core.LinkError)
	require.NoError(t, e.Stop(time.Second))

	var failed *LinkEvent
	for _, m := range pub.messages() {
		if m.event.State == "error" {
			ev := m.event
			failed = &ev
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, "negotiation", failed.ErrorKind)
	assert.NotEmpty(t, failed.Error)
}
