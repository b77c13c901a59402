// Package loop provides the reactor loop that control and data contexts run on.
//
// A Loop is a task queue drained by whichever goroutine iterates it. Other
// goroutines hand work to it with Post (fire and forget) or Invoke (optionally
// waiting for the result). Poll hooks run around the blocking wait of every
// iteration so that an owner can release a lock while the loop sleeps.
package loop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/mediagraph/errors"
)

// Hooks run before and after the blocking wait of each iteration.
type Hooks struct {
	BeforePoll func()
	AfterPoll  func()
}

// Loop is a task queue with a single consumer.
type Loop struct {
	name   string
	logger *slog.Logger

	mu    sync.Mutex
	tasks []func()
	wake  chan struct{}
	hooks Hooks

	owner   atomic.Uint64
	entered atomic.Int32
	quit    atomic.Bool
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger used to report task panics.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		l.logger = logger
	}
}

// WithHooks sets the poll hooks.
func WithHooks(h Hooks) Option {
	return func(l *Loop) {
		l.hooks = h
	}
}

// New creates a loop.
func New(name string, opts ...Option) *Loop {
	l := &Loop{
		name:   name,
		logger: slog.Default(),
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "loop", "loop", name)
	return l
}

// Name returns the loop name.
func (l *Loop) Name() string {
	return l.name
}

// Enter marks the calling goroutine as the loop goroutine.
func (l *Loop) Enter() {
	l.owner.Store(GoroutineID())
	l.entered.Add(1)
}

// Leave undoes Enter.
func (l *Loop) Leave() {
	if l.entered.Add(-1) == 0 {
		l.owner.Store(0)
	}
}

// Running reports whether a goroutine has entered the loop.
func (l *Loop) Running() bool {
	return l.entered.Load() > 0
}

// InLoop reports whether the caller is the loop goroutine.
func (l *Loop) InLoop() bool {
	id := l.owner.Load()
	return id != 0 && id == GoroutineID()
}

// Post queues fn and wakes the loop.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	l.Wakeup()
}

// Wakeup interrupts a blocking Iterate.
func (l *Loop) Wakeup() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Invoke runs fn on the loop.
//
// When the caller is the loop goroutine, or nobody has entered the loop, fn runs
// inline. Otherwise fn is queued; with block set, Invoke waits for its result or
// for ctx to end. A non-blocking Invoke returns nil once fn is queued.
func (l *Loop) Invoke(ctx context.Context, fn func() error, block bool) error {
	if l.InLoop() || !l.Running() {
		return fn()
	}
	if !block {
		l.Post(func() {
			if err := fn(); err != nil {
				l.logger.Warn("invoke failed", "error", err)
			}
		})
		return nil
	}

	done := make(chan error, 1)
	l.Post(func() { done <- fn() })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Loop", "Invoke",
			fmt.Sprintf("wait for %s", l.name))
	}
}

// Pending returns the number of queued tasks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

// Iterate waits up to timeout for work and runs every queued task. A negative
// timeout waits until woken, zero does not wait. It returns the number of tasks
// run.
func (l *Loop) Iterate(timeout time.Duration) int {
	l.Enter()
	defer l.Leave()

	if l.Pending() == 0 && timeout != 0 {
		if l.hooks.BeforePoll != nil {
			l.hooks.BeforePoll()
		}
		l.poll(timeout)
		if l.hooks.AfterPoll != nil {
			l.hooks.AfterPoll()
		}
	}
	return l.dispatch()
}

func (l *Loop) poll(timeout time.Duration) {
	if timeout < 0 {
		<-l.wake
		return
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-l.wake:
	case <-timer.C:
	}
}

func (l *Loop) dispatch() int {
	l.mu.Lock()
	tasks := l.tasks
	l.tasks = nil
	l.mu.Unlock()

	for _, task := range tasks {
		l.safeExecute(task)
	}
	return len(tasks)
}

func (l *Loop) safeExecute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("task panicked", "panic", r)
		}
	}()
	task()
}

// Run iterates until ctx ends or Quit is called.
func (l *Loop) Run(ctx context.Context) error {
	l.Enter()
	defer l.Leave()

	l.quit.Store(false)
	stop := context.AfterFunc(ctx, l.Quit)
	defer stop()

	for !l.quit.Load() {
		l.Iterate(-1)
	}
	return ctx.Err()
}

// Quit makes Run return after the current iteration.
func (l *Loop) Quit() {
	l.quit.Store(true)
	l.Wakeup()
}
