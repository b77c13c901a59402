// Package metric provides Prometheus metrics for the media graph and the HTTP
// server that exposes them.
//
// A MetricsRegistry owns a private Prometheus registry holding the graph
// metrics (Metrics) and Go runtime collectors. Other components register their
// own collectors through the MetricsRegistrar interface; names are tracked per
// component so a second registration of the same name fails with an invalid
// error instead of panicking.
//
// # Graph metrics
//
//   - mediagraph_link_transitions_total{state}: link state transitions
//   - mediagraph_link_failures_total{kind}: links that failed, by error kind
//   - mediagraph_link_running: links currently running
//   - mediagraph_buffers_sets_total{owner}, mediagraph_buffers_sets_active,
//     mediagraph_buffers_shm_bytes: buffer set allocation
//   - mediagraph_loop_work_pending, mediagraph_loop_invoke_duration_seconds:
//     control and data loop activity
//   - mediagraph_events_published_total{status}: link events sent to the bus
//
// Every Record method accepts a nil *Metrics, so the graph core runs the same
// with and without a registry.
//
// # Server
//
//	registry := metric.NewMetricsRegistry()
//	srv := metric.NewServer(9090, "/metrics", registry, func() health.Status {
//	    return monitor.AggregateHealth("mediagraphd")
//	})
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop()
//
// /health serves the JSON health.Status returned by the health function and
// answers 503 when it is unhealthy.
package metric
