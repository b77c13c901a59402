package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the graph-level metrics shared by every context.
//
// All Record methods are safe on a nil receiver so callers can run without a
// registry.
type Metrics struct {
	// Link metrics
	LinkTransitions *prometheus.CounterVec
	LinkFailures    *prometheus.CounterVec
	LinksRunning    prometheus.Gauge

	// Buffer metrics
	BufferSets       *prometheus.CounterVec
	BufferSetsActive prometheus.Gauge
	SharedMemory     prometheus.Gauge

	// Loop metrics
	WorkPending    prometheus.Gauge
	InvokeDuration *prometheus.HistogramVec

	// Event metrics
	EventsPublished  *prometheus.CounterVec
	ConnectionEvents *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all graph metrics
func NewMetrics() *Metrics {
	return &Metrics{
		LinkTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mediagraph",
				Subsystem: "link",
				Name:      "transitions_total",
				Help:      "Link state transitions by target state",
			},
			[]string{"state"},
		),

		LinkFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mediagraph",
				Subsystem: "link",
				Name:      "failures_total",
				Help:      "Links that entered the error state, by failure kind",
			},
			[]string{"kind"},
		),

		LinksRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mediagraph",
				Subsystem: "link",
				Name:      "running",
				Help:      "Number of links currently running",
			},
		),

		BufferSets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mediagraph",
				Subsystem: "buffers",
				Name:      "sets_total",
				Help:      "Buffer sets allocated, by owner",
			},
			[]string{"owner"},
		),

		BufferSetsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mediagraph",
				Subsystem: "buffers",
				Name:      "sets_active",
				Help:      "Buffer sets not yet freed",
			},
		),

		SharedMemory: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mediagraph",
				Subsystem: "buffers",
				Name:      "shm_bytes",
				Help:      "Bytes of shared memory held by buffer sets",
			},
		),

		WorkPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mediagraph",
				Subsystem: "loop",
				Name:      "work_pending",
				Help:      "Entries waiting in the control work queue",
			},
		),

		InvokeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mediagraph",
				Subsystem: "loop",
				Name:      "invoke_duration_seconds",
				Help:      "Time spent in blocking invokes on data loops",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"loop"},
		),

		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mediagraph",
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Link events handed to the publisher, by result",
			},
			[]string{"status"},
		),

		ConnectionEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mediagraph",
				Subsystem: "events",
				Name:      "connection_events_total",
				Help:      "Disconnects and reconnects of the event bus connection",
			},
			[]string{"event"},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.LinkTransitions,
		m.LinkFailures,
		m.LinksRunning,
		m.BufferSets,
		m.BufferSetsActive,
		m.SharedMemory,
		m.WorkPending,
		m.InvokeDuration,
		m.EventsPublished,
		m.ConnectionEvents,
	}
}

// RecordLinkState counts a transition into state and tracks running links
func (m *Metrics) RecordLinkState(old, state string) {
	if m == nil {
		return
	}
	m.LinkTransitions.WithLabelValues(state).Inc()
	if state == "running" {
		m.LinksRunning.Inc()
	}
	if old == "running" {
		m.LinksRunning.Dec()
	}
}

// RecordLinkFailure counts a failed link
func (m *Metrics) RecordLinkFailure(kind string) {
	if m == nil {
		return
	}
	m.LinkFailures.WithLabelValues(kind).Inc()
}

// RecordBufferSet tracks a newly allocated set
func (m *Metrics) RecordBufferSet(owner string, bytes int) {
	if m == nil {
		return
	}
	m.BufferSets.WithLabelValues(owner).Inc()
	m.BufferSetsActive.Inc()
	m.SharedMemory.Add(float64(bytes))
}

// RecordBufferSetFreed tracks a freed set
func (m *Metrics) RecordBufferSetFreed(bytes int) {
	if m == nil {
		return
	}
	m.BufferSetsActive.Dec()
	m.SharedMemory.Sub(float64(bytes))
}

// RecordWorkPending updates the work queue depth
func (m *Metrics) RecordWorkPending(n int) {
	if m == nil {
		return
	}
	m.WorkPending.Set(float64(n))
}

// RecordInvokeDuration records a blocking invoke on a data loop
func (m *Metrics) RecordInvokeDuration(loop string, d time.Duration) {
	if m == nil {
		return
	}
	m.InvokeDuration.WithLabelValues(loop).Observe(d.Seconds())
}

// RecordEventPublished counts a publish attempt outcome
func (m *Metrics) RecordEventPublished(status string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(status).Inc()
}

// RecordConnectionEvent counts a disconnect or reconnect of the event bus
func (m *Metrics) RecordConnectionEvent(event string) {
	if m == nil {
		return
	}
	m.ConnectionEvents.WithLabelValues(event).Inc()
}
