// Package core is the control side of the media graph.
//
// A Context owns nodes, their ports and the links between them. Creating a link
// starts an asynchronous negotiation that agrees on a format, allocates one
// buffer set shared by both ports and finally splices the pair into the
// realtime graph of a data loop. Progress is driven by the control loop: every
// exported method and every listener runs on the goroutine that iterates it,
// and node completions are marshalled onto it through a work queue.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/mediagraph/errors"
	"github.com/c360/mediagraph/health"
	"github.com/c360/mediagraph/metric"
	"github.com/c360/mediagraph/pkg/arena"
	"github.com/c360/mediagraph/pkg/loop"
	"github.com/c360/mediagraph/pkg/rtgraph"
	"github.com/c360/mediagraph/pkg/threadloop"
	"github.com/c360/mediagraph/pkg/workqueue"
)

// Config holds the limits a Context negotiates with.
type Config struct {
	// MaxBuffers caps the number of buffers in a set
	MaxBuffers int
	// DefaultBufferSize is used when neither port asks for a size
	DefaultBufferSize int
	// DefaultAlign is used when neither port asks for an alignment
	DefaultAlign int
	// DataLoops is the number of realtime loops
	DataLoops int
	// CycleInterval paces graph cycles on each data loop; zero disables pacing
	CycleInterval time.Duration
	// InvokeTimeout bounds blocking calls into a data loop. Splice and unsplice
	// wait longer and only warn.
	InvokeTimeout time.Duration
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		MaxBuffers:        16,
		DefaultBufferSize: 4096,
		DefaultAlign:      16,
		DataLoops:         1,
		CycleInterval:     10 * time.Millisecond,
		InvokeTimeout:     5 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.MaxBuffers <= 0:
		return fmt.Errorf("%w: max buffers must be positive", errors.ErrInvalidConfig)
	case c.DefaultBufferSize <= 0:
		return fmt.Errorf("%w: default buffer size must be positive", errors.ErrInvalidConfig)
	case c.DefaultAlign <= 0 || c.DefaultAlign&(c.DefaultAlign-1) != 0:
		return fmt.Errorf("%w: default align must be a power of two", errors.ErrInvalidConfig)
	case c.DataLoops <= 0:
		return fmt.Errorf("%w: at least one data loop is required", errors.ErrInvalidConfig)
	case c.CycleInterval < 0 || c.InvokeTimeout <= 0:
		return fmt.Errorf("%w: intervals must not be negative", errors.ErrInvalidConfig)
	}
	return nil
}

type dataLoop struct {
	index int
	tl    *threadloop.ThreadLoop
	graph *rtgraph.Graph

	queued atomic.Bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// cycle posts one graph cycle unless one is already queued.
func (d *dataLoop) cycle() {
	if !d.queued.CompareAndSwap(false, true) {
		return
	}
	d.tl.Loop().Post(func() {
		d.queued.Store(false)
		d.graph.Cycle()
	})
}

func (d *dataLoop) pace(interval time.Duration) {
	defer d.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.cycle()
		}
	}
}

// Context is the registry of nodes, ports and links.
type Context struct {
	id      uuid.UUID
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Metrics
	created time.Time

	loop *loop.Loop
	work *workqueue.Queue

	nodes arena.Arena[*Node]
	ports arena.Arena[*Port]
	links arena.Arena[*Link]

	data      []*dataLoop
	listeners hookList[Events]
	started   bool
}

// Option configures a Context.
type Option func(*Context)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Context) {
		c.logger = logger
	}
}

// WithMetrics records link and buffer metrics into m.
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Context) {
		c.metrics = m
	}
}

// WithID sets the instance id reported in events.
func WithID(id uuid.UUID) Option {
	return func(c *Context) {
		c.id = id
	}
}

// NewContext creates a context with its control loop and data loops. The data
// loops do not run until Start.
func NewContext(cfg Config, opts ...Option) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Context", "NewContext", "validate config")
	}

	c := &Context{
		id:      uuid.New(),
		cfg:     cfg,
		logger:  slog.Default(),
		created: time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "core", "instance", c.id.String())
	c.loop = loop.New("control", loop.WithLogger(c.logger))
	c.work = workqueue.New(c.loop.Post)

	for i := 0; i < cfg.DataLoops; i++ {
		name := fmt.Sprintf("data-%d", i)
		c.data = append(c.data, &dataLoop{
			index: i,
			tl:    threadloop.New(name, threadloop.WithLogger(c.logger)),
			graph: rtgraph.New(name),
		})
	}
	return c, nil
}

// ID returns the instance id.
func (c *Context) ID() uuid.UUID {
	return c.id
}

// Config returns the configuration.
func (c *Context) Config() Config {
	return c.cfg
}

// Loop returns the control loop. Other goroutines reach the context through its
// Invoke.
func (c *Context) Loop() *loop.Loop {
	return c.loop
}

// Start runs the data loops.
func (c *Context) Start() error {
	if c.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Context", "Start", "start data loops")
	}
	for _, d := range c.data {
		if err := d.tl.Start(); err != nil {
			return errors.WrapFatal(err, "Context", "Start", "start "+d.tl.Name())
		}
		if c.cfg.CycleInterval > 0 {
			d.stop = make(chan struct{})
			d.wg.Add(1)
			go d.pace(c.cfg.CycleInterval)
		}
	}
	c.started = true
	c.logger.Info("context started", "data_loops", len(c.data))
	return nil
}

// Close destroys every link and node and stops the data loops.
func (c *Context) Close() error {
	for _, id := range ids(&c.links) {
		if l, ok := c.links.Get(id); ok {
			c.destroyLink(l)
		}
	}
	for _, id := range ids(&c.nodes) {
		_ = c.DestroyNode(NodeID(id))
	}

	var errs []error
	for _, d := range c.data {
		if d.stop != nil {
			close(d.stop)
			d.wg.Wait()
			d.stop = nil
		}
		if err := d.tl.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	c.started = false
	if len(errs) > 0 {
		return errors.WrapFatal(errs[0], "Context", "Close", "stop data loops")
	}
	c.logger.Info("context closed")
	return nil
}

// Iterate runs one control loop iteration, waiting up to timeout for work.
func (c *Context) Iterate(timeout time.Duration) int {
	n := c.loop.Iterate(timeout)
	c.metrics.RecordWorkPending(c.work.Pending())
	return n
}

// Run iterates the control loop until ctx ends.
func (c *Context) Run(ctx context.Context) error {
	return c.loop.Run(ctx)
}

// AddListener registers context-wide events and returns a function removing them.
func (c *Context) AddListener(events Events) func() {
	return c.listeners.add(events)
}

// Cycle runs one graph cycle on data loop index, waiting for it to finish.
func (c *Context) Cycle(index int) (int, error) {
	if index < 0 || index >= len(c.data) {
		return 0, errors.WrapInvalid(errors.ErrInvalidParameter, "Context", "Cycle",
			fmt.Sprintf("data loop %d", index))
	}
	d := c.data[index]
	moved := 0
	err := c.invoke(d, func() error {
		moved = d.graph.Cycle()
		return nil
	})
	return moved, err
}

// ids snapshots the ids of a so entries can be removed while walking them.
func ids[T any](a *arena.Arena[T]) []arena.ID {
	out := make([]arena.ID, 0, a.Len())
	for id := range a.All() {
		out = append(out, id)
	}
	return out
}

// invoke runs fn on a data loop and waits for it at most InvokeTimeout.
func (c *Context) invoke(d *dataLoop, fn func() error) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.InvokeTimeout)
	defer cancel()
	return c.invokeCtx(ctx, d, fn)
}

// invokeWait runs fn on a data loop and waits until it has run. Splice and
// unsplice use it: memory shared with the data loop may only be released
// once the loop has let go of it.
func (c *Context) invokeWait(d *dataLoop, fn func() error) error {
	return c.invokeCtx(context.Background(), d, fn)
}

func (c *Context) invokeCtx(ctx context.Context, d *dataLoop, fn func() error) error {
	start := time.Now()
	err := d.tl.Loop().Invoke(ctx, fn, true)
	elapsed := time.Since(start)
	c.metrics.RecordInvokeDuration(d.tl.Name(), elapsed)
	if elapsed > c.cfg.InvokeTimeout {
		c.logger.Warn("data loop invoke slow", "loop", d.tl.Name(), "elapsed", elapsed)
	}
	return err
}

// Health reports the state of the data loops and links.
func (c *Context) Health() health.Status {
	m := &health.Metrics{
		Uptime: time.Since(c.created),
		Nodes:  c.nodes.Len(),
		Links:  c.links.Len(),
	}
	for _, l := range c.links.All() {
		switch l.state {
		case LinkRunning:
			m.LinksRunning++
		case LinkError:
			m.LinksFailed++
		}
	}
	for _, p := range c.ports.All() {
		if p.owned != nil {
			m.BufferSets++
		}
	}
	for _, l := range c.links.All() {
		if l.owned != nil {
			m.BufferSets++
		}
	}

	var subs []health.Status
	for _, d := range c.data {
		name := d.tl.Name()
		switch {
		case d.tl.Loop().Running():
			subs = append(subs, health.NewHealthy(name,
				fmt.Sprintf("%d links spliced, %d cycles", d.graph.Spliced(), d.graph.Cycles())))
		case c.started:
			subs = append(subs, health.NewUnhealthy(name, "loop stopped"))
		default:
			subs = append(subs, health.NewDegraded(name, "not started"))
		}
	}
	if m.LinksFailed > 0 {
		subs = append(subs, health.NewDegraded("links",
			fmt.Sprintf("%d of %d links failed", m.LinksFailed, m.Links)))
	} else {
		subs = append(subs, health.NewHealthy("links", fmt.Sprintf("%d links", m.Links)))
	}

	return health.Aggregate("graph", subs).WithMetrics(m)
}
