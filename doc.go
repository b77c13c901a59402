// Package mediagraph is a user-space media routing runtime. Nodes expose
// ports; linking two ports negotiates a format, allocates one shared memory
// buffer set for both ends and, once both nodes stream, splices the pair into
// the realtime graph of a data loop.
//
// # Layout
//
//	core             Context, nodes, ports and the link state machine
//	plugin           the contract a node implementation fulfils
//	plugin/testnode  configurable source and sink nodes
//	pod              parameter objects, choice intersection and fixation
//	buffer           buffer set layout and allocation
//	events           link events published to NATS
//	config           layered JSON/YAML configuration
//	errors           classified errors and the link failure kinds
//	metric, health   prometheus metrics and health reporting
//	natsclient       NATS connection with circuit breaker
//
//	pkg/loop        reactor loop that control and data contexts run on
//	pkg/threadloop  a loop on its own goroutine with a recursive lock
//	pkg/workqueue   completion registry for asynchronous node results
//	pkg/rtgraph     data loop port slots, splice and cycle
//	pkg/shm         memfd backed shared regions and fd passing
//	pkg/ringbuffer  ring buffer control block kept inside a meta
//	pkg/arena       generational indices for nodes, ports and links
//	pkg/worker      generic worker pool
//	pkg/retry       retry with exponential backoff
//
// # Threads
//
// All Context methods run on its control loop, iterated by the owner with
// Iterate or Run. Node completions may arrive from any goroutine and are
// posted back onto the control loop. Each data loop is a threadloop; the
// control loop reaches it only through blocking invokes.
//
// # Link lifecycle
//
//	init -> negotiating -> allocating -> paused -> running
//
// Any phase may end in error, which is terminal until the link is destroyed.
// No phase retries on its own.
//
// # Running the daemon
//
//	mediagraphd -config=configs/mediagraphd.yaml -demo
package mediagraph
