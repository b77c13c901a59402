// Package worker provides a generic pool of goroutines draining a bounded
// queue.
//
// Submit never blocks: when the queue is full the item is dropped and
// ErrQueueFull returned, so callers on a latency sensitive path (such as the
// control loop handing link events to a publisher) are never stalled by a slow
// consumer. Stop closes the queue and waits for queued items to be processed.
//
//	pool := worker.NewPool(4, 256, func(ctx context.Context, ev events.LinkEvent) error {
//	    return publish(ctx, ev)
//	}, worker.WithMetricsRegistry[events.LinkEvent](registry, "mediagraph_events"))
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
//
// With a metrics registry the pool exports queue depth, utilization,
// submitted/processed/failed/dropped counters and a processing duration
// histogram, all under the given prefix.
package worker
