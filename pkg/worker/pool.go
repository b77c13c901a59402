package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/mediagraph/metric"
)

// Pool runs a fixed number of workers over a bounded queue of T.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error
	logger    *slog.Logger

	queue   chan T
	metrics *poolMetrics
	wg      sync.WaitGroup
	busy    atomic.Int64

	mu      sync.Mutex
	started bool
	stopped bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	registry *metric.MetricsRegistry
	prefix   string
}

type poolMetrics struct {
	queueDepth  prometheus.Gauge
	utilization prometheus.Gauge
	submitted   prometheus.Counter
	processed   prometheus.Counter
	failed      prometheus.Counter
	dropped     prometheus.Counter
	duration    *prometheus.HistogramVec
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithMetricsRegistry registers the pool metrics under prefix.
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.registry = registry
		p.prefix = prefix
	}
}

// WithLogger logs processing failures at debug level.
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(p *Pool[T]) {
		p.logger = logger
	}
}

// NewPool creates a pool. Zero workers or queue size select 10 and 1000.
// It panics when processor is nil.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 10
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		queue:     make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "worker-pool")
	if p.registry != nil && p.prefix != "" {
		p.initMetrics()
	}
	return p
}

func (p *Pool[T]) initMetrics() {
	m := &poolMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: p.prefix + "_queue_depth",
			Help: "Items waiting in the queue",
		}),
		utilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: p.prefix + "_utilization",
			Help: "Fraction of workers busy",
		}),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: p.prefix + "_submitted_total",
			Help: "Items accepted by Submit",
		}),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: p.prefix + "_processed_total",
			Help: "Items processed",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: p.prefix + "_failed_total",
			Help: "Items whose processor returned an error",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: p.prefix + "_dropped_total",
			Help: "Items rejected because the queue was full",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    p.prefix + "_processing_duration_seconds",
			Help:    "Time spent processing an item",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"status"}),
	}

	const service = "worker_pool"
	r := p.registry
	_ = r.RegisterGauge(service, p.prefix+"_queue_depth", m.queueDepth)
	_ = r.RegisterGauge(service, p.prefix+"_utilization", m.utilization)
	_ = r.RegisterCounter(service, p.prefix+"_submitted_total", m.submitted)
	_ = r.RegisterCounter(service, p.prefix+"_processed_total", m.processed)
	_ = r.RegisterCounter(service, p.prefix+"_failed_total", m.failed)
	_ = r.RegisterCounter(service, p.prefix+"_dropped_total", m.dropped)
	_ = r.RegisterHistogramVec(service, p.prefix+"_processing_duration_seconds", m.duration)
	p.metrics = m
}

// Submit queues work without blocking. It returns ErrQueueFull when the
// queue has no room.
func (p *Pool[T]) Submit(work T) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case !p.started:
		return ErrPoolNotStarted
	case p.stopped:
		return ErrPoolStopped
	}

	select {
	case p.queue <- work:
		p.submitted.Add(1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
			p.metrics.queueDepth.Set(float64(len(p.queue)))
		}
		return nil
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// Start launches the workers. They exit when ctx ends or after Stop has
// drained the queue.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}
	for range p.workers {
		p.wg.Add(1)
		go p.run(ctx)
	}
	p.started = true
	return nil
}

// Stop closes the queue and waits up to timeout for queued work to finish.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started || p.stopped {
		return nil
	}
	close(p.queue)
	p.stopped = true

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.queue),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

func (p *Pool[T]) run(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.queue:
			if !ok {
				return
			}
			p.process(ctx, work)
		}
	}
}

func (p *Pool[T]) process(ctx context.Context, work T) {
	p.setBusy(p.busy.Add(1))
	defer func() { p.setBusy(p.busy.Add(-1)) }()

	start := time.Now()
	err := p.processor(ctx, work)
	elapsed := time.Since(start)

	p.processed.Add(1)
	status := "success"
	if err != nil {
		p.failed.Add(1)
		status = "error"
		p.logger.Debug("work item failed", "error", err, "duration", elapsed)
	}
	if p.metrics != nil {
		p.metrics.processed.Inc()
		if err != nil {
			p.metrics.failed.Inc()
		}
		p.metrics.duration.WithLabelValues(status).Observe(elapsed.Seconds())
		p.metrics.queueDepth.Set(float64(len(p.queue)))
	}
}

func (p *Pool[T]) setBusy(n int64) {
	if p.metrics != nil {
		p.metrics.utilization.Set(float64(n) / float64(p.workers))
	}
}
