package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mediagraph/config"
	"github.com/c360/mediagraph/events"
	"github.com/c360/mediagraph/metric"
	"github.com/c360/mediagraph/natsclient"
)

func TestFormatEvent(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		ev   events.LinkEvent
		want string
	}{
		{
			name: "state",
			ev:   events.LinkEvent{Type: events.TypeState, Instance: "i-1", Serial: 4, Old: "paused", State: "running", Timestamp: ts},
			want: "2026-03-01T12:00:00Z i-1 link 4 paused -> running",
		},
		{
			name: "failure",
			ev: events.LinkEvent{Type: events.TypeState, Instance: "i-1", Serial: 4, Old: "negotiating", State: "error",
				ErrorKind: "negotiation", Error: "no common format", Timestamp: ts},
			want: "2026-03-01T12:00:00Z i-1 link 4 negotiating -> error [negotiation] no common format",
		},
		{
			name: "info",
			ev: events.LinkEvent{Type: events.TypeInfo, Instance: "i-1", Serial: 4, Owner: "output", Buffers: 2,
				Format: "audio/raw", Timestamp: ts},
			want: "2026-03-01T12:00:00Z i-1 link 4 info owner=output buffers=2 format=audio/raw",
		},
		{
			name: "destroyed",
			ev:   events.LinkEvent{Type: events.TypeDestroyed, Instance: "i-1", Serial: 4, Timestamp: ts},
			want: "2026-03-01T12:00:00Z i-1 link 4 destroyed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatEvent(tt.ev))
		})
	}
}

func TestRunMonitor_NeedsURLs(t *testing.T) {
	cfg := config.Default()
	cfg.Events.URLs = nil
	d := &daemon{cfg: cfg, logger: slog.New(slog.NewTextHandler(io.Discard, nil)), registry: metric.NewMetricsRegistry()}
	err := d.runMonitor(context.Background(), io.Discard)
	assert.ErrorContains(t, err, "events.urls")
}

// lockedBuffer is written by the subscription goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestIntegration_MonitorPrintsEvents(t *testing.T) {
	ts := natsclient.NewTestServer(t)

	cfg := config.Default()
	cfg.Events.URLs = []string{ts.URL}
	cfg.Events.SubjectPrefix = "it"
	d := &daemon{
		cfg:             cfg,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		registry:        metric.NewMetricsRegistry(),
		shutdownTimeout: time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	out := &lockedBuffer{}
	done := make(chan error, 1)
	go func() { done <- d.runMonitor(ctx, out) }()

	ev := events.LinkEvent{Type: events.TypeState, Instance: "i-1", Link: "link:1", Serial: 1,
		Old: "paused", State: "running", Timestamp: time.Now().UTC()}
	data, err := ev.Marshal()
	require.NoError(t, err)

	// The subscription is in place once a published event shows up.
	require.Eventually(t, func() bool {
		_ = ts.Client.Publish(context.Background(), ev.Subject("it"), data)
		return strings.Contains(out.String(), "paused -> running")
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
