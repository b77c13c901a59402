// Package health reports the health of the graph runtime and its parts.
//
// A Status is one of healthy, degraded or unhealthy. Composite statuses are
// built with Aggregate, where the worst part decides. The daemon keeps a
// Monitor with one entry per subsystem (graph, events) and serves its
// aggregate on the /health endpoint.
//
//	mon := health.NewMonitor()
//	mon.Update("graph", ctx.Health())
//	mon.Update("events", health.FromError("events", publishErr))
//	overall := mon.AggregateHealth("mediagraphd")
//
// Error messages passed through FromError are sanitized so URLs, absolute
// paths, addresses and credentials do not leak over HTTP.
package health
