package events

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/mediagraph/core"
	"github.com/c360/mediagraph/errors"
	"github.com/c360/mediagraph/metric"
	"github.com/c360/mediagraph/pkg/retry"
	"github.com/c360/mediagraph/pkg/worker"
)

// Publisher sends a payload on a subject. natsclient.Client implements it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Config controls how events are queued and published.
type Config struct {
	SubjectPrefix  string
	Workers        int
	QueueSize      int
	PublishTimeout time.Duration
	Retry          retry.Config
}

// DefaultConfig publishes under "mediagraph" with two workers.
func DefaultConfig() Config {
	return Config{
		SubjectPrefix:  "mediagraph",
		Workers:        2,
		QueueSize:      256,
		PublishTimeout: 2 * time.Second,
		Retry:          retry.DefaultConfig(),
	}
}

// Validate checks the settings before an Emitter is built.
func (c Config) Validate() error {
	switch {
	case c.SubjectPrefix == "":
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Emitter", "Validate", "empty subject prefix")
	case c.Workers <= 0:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Emitter", "Validate", "workers must be positive")
	case c.QueueSize <= 0:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Emitter", "Validate", "queue size must be positive")
	case c.PublishTimeout <= 0:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Emitter", "Validate", "publish timeout must be positive")
	}
	return c.Retry.Validate()
}

// Emitter turns link notifications of a core.Context into published events.
// Listeners only enqueue, so the control loop never waits on the broker.
type Emitter struct {
	cfg       Config
	publisher Publisher
	pool      *worker.Pool[LinkEvent]
	registry  *metric.MetricsRegistry
	metrics   *metric.Metrics
	logger    *slog.Logger
	dropLog   *rate.Limiter
}

// Option configures an Emitter.
type Option func(*Emitter)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Emitter) { e.logger = logger }
}

// WithMetrics records publish outcomes and the worker pool metrics in
// registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(e *Emitter) {
		e.registry = registry
		e.metrics = registry.CoreMetrics()
	}
}

// NewEmitter creates an Emitter publishing through p.
func NewEmitter(p Publisher, cfg Config, opts ...Option) (*Emitter, error) {
	if p == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidParameter, "Emitter", "NewEmitter", "nil publisher")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Emitter{
		cfg:       cfg,
		publisher: p,
		dropLog:   rate.NewLimiter(rate.Every(time.Second), 5),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "events")

	poolOpts := []worker.Option[LinkEvent]{worker.WithLogger[LinkEvent](e.logger)}
	if e.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[LinkEvent](e.registry, "mediagraph_events"))
	}
	e.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, e.publish, poolOpts...)
	return e, nil
}

// Start launches the publishing workers.
func (e *Emitter) Start(ctx context.Context) error {
	if err := e.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "Emitter", "Start", "start worker pool")
	}
	return nil
}

// Stop publishes what is queued, waiting at most timeout.
func (e *Emitter) Stop(timeout time.Duration) error {
	if err := e.pool.Stop(timeout); err != nil {
		return errors.WrapTransient(err, "Emitter", "Stop", "drain queue")
	}
	return nil
}

// Stats returns the worker pool counters.
func (e *Emitter) Stats() worker.PoolStats {
	return e.pool.Stats()
}

// Attach subscribes to the link notifications of c. The returned function
// detaches again. Attach must be called from c's control loop or before it
// runs.
func (e *Emitter) Attach(c *core.Context) func() {
	instance := c.ID().String()
	return c.AddListener(core.Events{
		LinkStateChanged: func(info core.LinkInfo, old core.LinkState) {
			ev := fromInfo(TypeState, instance, info)
			ev.Old = old.String()
			e.Emit(ev)
		},
		LinkInfoChanged: func(info core.LinkInfo) {
			e.Emit(fromInfo(TypeInfo, instance, info))
		},
		LinkDestroyed: func(id core.LinkID) {
			e.Emit(LinkEvent{
				Type:      TypeDestroyed,
				Instance:  instance,
				Link:      id.String(),
				Serial:    id.Serial(),
				Timestamp: time.Now().UTC(),
			})
		},
	})
}

// Emit queues ev. An event that does not fit in the queue is dropped and
// counted; the warnings about drops are rate limited.
func (e *Emitter) Emit(ev LinkEvent) {
	if err := e.pool.Submit(ev); err != nil {
		e.metrics.RecordEventPublished("dropped")
		if e.dropLog.Allow() {
			e.logger.Warn("link event dropped", "link", ev.Link, "type", ev.Type, "error", err)
		}
	}
}

func (e *Emitter) publish(ctx context.Context, ev LinkEvent) error {
	data, err := ev.Marshal()
	if err != nil {
		e.metrics.RecordEventPublished("error")
		return err
	}
	subject := ev.Subject(e.cfg.SubjectPrefix)

	err = retry.Do(ctx, e.cfg.Retry, func() error {
		pctx, cancel := context.WithTimeout(ctx, e.cfg.PublishTimeout)
		defer cancel()
		return e.publisher.Publish(pctx, subject, data)
	})
	if err != nil {
		e.metrics.RecordEventPublished("error")
		e.logger.Warn("link event not published", "subject", subject, "error", err)
		return errors.Wrap(err, "Emitter", "publish", "publish "+subject)
	}
	e.metrics.RecordEventPublished("success")
	e.logger.Debug("link event published", "subject", subject)
	return nil
}
