// Package events publishes link notifications of a core.Context to a message
// broker.
//
// Each state change, info change and destruction becomes a JSON LinkEvent on
// the subject "<prefix>.link.<serial>.<type>", for example
// "mediagraph.link.4.state". Listeners run on the control loop and only
// enqueue; a worker pool publishes with retry, and events that do not fit in
// the queue are dropped and counted rather than stalling the graph.
package events
