package metric

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mediagraph/errors"
)

func gathered(t *testing.T, r *MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestMetricsRegistry_Register(t *testing.T) {
	tests := []struct {
		name     string
		register func(r *MetricsRegistry, name string) error
	}{
		{"counter", func(r *MetricsRegistry, name string) error {
			c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: "h"})
			c.Inc()
			return r.RegisterCounter("svc", name, c)
		}},
		{"gauge", func(r *MetricsRegistry, name string) error {
			g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: "h"})
			g.Set(3)
			return r.RegisterGauge("svc", name, g)
		}},
		{"histogram", func(r *MetricsRegistry, name string) error {
			h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: name, Help: "h"})
			h.Observe(0.2)
			return r.RegisterHistogram("svc", name, h)
		}},
		{"counter_vec", func(r *MetricsRegistry, name string) error {
			v := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: "h"}, []string{"l"})
			v.WithLabelValues("a").Inc()
			return r.RegisterCounterVec("svc", name, v)
		}},
		{"gauge_vec", func(r *MetricsRegistry, name string) error {
			v := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: "h"}, []string{"l"})
			v.WithLabelValues("a").Set(1)
			return r.RegisterGaugeVec("svc", name, v)
		}},
		{"histogram_vec", func(r *MetricsRegistry, name string) error {
			v := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: "h"}, []string{"l"})
			v.WithLabelValues("a").Observe(1)
			return r.RegisterHistogramVec("svc", name, v)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewMetricsRegistry()
			name := "test_" + tt.name

			require.NoError(t, tt.register(r, name))
			assert.True(t, gathered(t, r)[name])

			err := tt.register(r, name)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
			assert.Contains(t, err.Error(), "duplicate metric registration")
		})
	}
}

func TestMetricsRegistry_PrometheusConflict(t *testing.T) {
	r := NewMetricsRegistry()

	c1 := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_counter", Help: "same"})
	c2 := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_counter", Help: "same"})

	require.NoError(t, r.RegisterCounter("a", "dup_counter", c1))
	err := r.RegisterCounter("b", "dup_counter", c2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prometheus conflict")
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	r := NewMetricsRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "gone_counter", Help: "h"})
	c.Inc()

	require.NoError(t, r.RegisterCounter("svc", "gone_counter", c))
	assert.True(t, r.Unregister("svc", "gone_counter"))
	assert.False(t, gathered(t, r)["gone_counter"])
	assert.False(t, r.Unregister("svc", "gone_counter"))

	// The name is free again.
	require.NoError(t, r.RegisterCounter("svc", "gone_counter", c))
}

func TestMetricsRegistry_ConcurrentRegistration(t *testing.T) {
	r := NewMetricsRegistry()
	const n = 10

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			name := fmt.Sprintf("concurrent_counter_%d", id)
			c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: "h"})
			c.Inc()
			assert.NoError(t, r.RegisterCounter("svc", name, c))
		}(i)
	}
	wg.Wait()

	names := gathered(t, r)
	for i := 0; i < n; i++ {
		assert.True(t, names[fmt.Sprintf("concurrent_counter_%d", i)])
	}
}

func TestCoreMetrics_Registered(t *testing.T) {
	r := NewMetricsRegistry()
	m := r.CoreMetrics()
	require.NotNil(t, m)

	m.RecordLinkState("init", "negotiating")
	m.RecordLinkFailure("negotiation")
	m.RecordBufferSet("output", 4096)
	m.RecordWorkPending(2)
	m.RecordInvokeDuration("data-0", time.Millisecond)
	m.RecordEventPublished("ok")
	m.RecordConnectionEvent("disconnect")

	names := gathered(t, r)
	for _, want := range []string{
		"mediagraph_link_transitions_total",
		"mediagraph_link_failures_total",
		"mediagraph_link_running",
		"mediagraph_buffers_sets_total",
		"mediagraph_buffers_sets_active",
		"mediagraph_buffers_shm_bytes",
		"mediagraph_loop_work_pending",
		"mediagraph_loop_invoke_duration_seconds",
		"mediagraph_events_published_total",
		"mediagraph_events_connection_events_total",
	} {
		assert.True(t, names[want], "missing %s", want)
	}
}

func TestCoreMetrics_Values(t *testing.T) {
	m := NewMetrics()

	m.RecordLinkState("paused", "running")
	m.RecordLinkState("init", "running")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LinksRunning))
	m.RecordLinkState("running", "error")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LinksRunning))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LinkTransitions.WithLabelValues("running")))

	m.RecordBufferSet("link", 1024)
	m.RecordBufferSet("output", 512)
	m.RecordBufferSetFreed(1024)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BufferSetsActive))
	assert.Equal(t, 512.0, testutil.ToFloat64(m.SharedMemory))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BufferSets.WithLabelValues("output")))
}

func TestCoreMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordLinkState("init", "running")
		m.RecordLinkFailure("node")
		m.RecordBufferSet("link", 1)
		m.RecordBufferSetFreed(1)
		m.RecordWorkPending(1)
		m.RecordInvokeDuration("x", time.Second)
		m.RecordEventPublished("ok")
		m.RecordConnectionEvent("reconnect")
	})

	var r *MetricsRegistry
	assert.Nil(t, r.CoreMetrics())
}
