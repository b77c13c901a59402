// Package threadloop runs a loop.Loop on its own goroutine behind a recursive
// lock, with a signal/wait/accept handshake between the loop goroutine and its
// callers.
//
// The loop goroutine holds the lock while it dispatches tasks and releases it
// while it waits for work, so every task observes the lock held. A caller that
// needs a synchronous answer from the loop takes the lock, issues the request,
// and Waits until a task Signals it.
package threadloop

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/mediagraph/pkg/loop"
)

// Sentinel errors for thread loop operations
var (
	// ErrLockHeld is returned by Stop when the caller holds the loop lock
	ErrLockHeld = errors.New("threadloop: stop called with lock held")

	// ErrAlreadyStarted is returned by Start on a running thread loop
	ErrAlreadyStarted = errors.New("threadloop: already started")
)

// ThreadLoop is a loop with a dedicated goroutine.
type ThreadLoop struct {
	name   string
	logger *slog.Logger
	loop   *loop.Loop

	m sync.Mutex
	// free is signalled when the lock becomes available
	free *sync.Cond
	// signalled is broadcast on every Signal
	signalled *sync.Cond
	// accepted is broadcast on every Accept
	accepted *sync.Cond

	owner   uint64
	depth   int
	gen     uint64
	pending int

	running bool
	done    chan struct{}
}

// Option configures a ThreadLoop.
type Option func(*ThreadLoop)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *ThreadLoop) {
		t.logger = logger
	}
}

// New creates a stopped thread loop.
func New(name string, opts ...Option) *ThreadLoop {
	t := &ThreadLoop{
		name:   name,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "threadloop", "loop", name)
	t.free = sync.NewCond(&t.m)
	t.signalled = sync.NewCond(&t.m)
	t.accepted = sync.NewCond(&t.m)
	t.loop = loop.New(name,
		loop.WithLogger(t.logger),
		loop.WithHooks(loop.Hooks{BeforePoll: t.Unlock, AfterPoll: t.Lock}),
	)
	return t
}

// Name returns the loop name.
func (t *ThreadLoop) Name() string {
	return t.name
}

// Loop returns the wrapped loop.
func (t *ThreadLoop) Loop() *loop.Loop {
	return t.loop
}

// Start spawns the loop goroutine.
func (t *ThreadLoop) Start() error {
	t.m.Lock()
	defer t.m.Unlock()

	if t.running {
		return ErrAlreadyStarted
	}
	t.running = true
	t.done = make(chan struct{})
	started := make(chan struct{})
	go t.run(started, t.done)

	// Wait until the loop is entered so Invoke never races past it.
	t.m.Unlock()
	<-started
	t.m.Lock()
	return nil
}

func (t *ThreadLoop) run(started, done chan struct{}) {
	defer close(done)

	t.Lock()
	t.loop.Enter()
	close(started)
	t.logger.Debug("thread loop started")

	for t.isRunning() {
		t.loop.Iterate(-1)
	}

	t.loop.Leave()
	t.Unlock()
	t.logger.Debug("thread loop stopped")
}

func (t *ThreadLoop) isRunning() bool {
	t.m.Lock()
	defer t.m.Unlock()
	return t.running
}

// Stop wakes the loop, waits for its goroutine to exit and returns. It must not
// be called while holding the lock.
func (t *ThreadLoop) Stop() error {
	gid := loop.GoroutineID()

	t.m.Lock()
	if t.owner == gid {
		t.m.Unlock()
		return ErrLockHeld
	}
	if !t.running {
		t.m.Unlock()
		return nil
	}
	done := t.done
	t.m.Unlock()

	t.loop.Post(func() {
		t.m.Lock()
		t.running = false
		t.m.Unlock()
	})
	<-done
	return nil
}

// InThread reports whether the caller is the loop goroutine.
func (t *ThreadLoop) InThread() bool {
	return t.loop.InLoop()
}

// Lock acquires the loop lock. It is recursive.
func (t *ThreadLoop) Lock() {
	gid := loop.GoroutineID()

	t.m.Lock()
	defer t.m.Unlock()
	if t.owner == gid {
		t.depth++
		return
	}
	t.acquire(gid, 1)
}

// Unlock releases one level of the loop lock.
func (t *ThreadLoop) Unlock() {
	gid := loop.GoroutineID()

	t.m.Lock()
	defer t.m.Unlock()
	if t.owner != gid {
		panic("threadloop: unlock of lock not held by caller")
	}
	t.depth--
	if t.depth == 0 {
		t.owner = 0
		t.free.Signal()
	}
}

// acquire waits for the lock and takes it with the given depth. t.m must be held.
func (t *ThreadLoop) acquire(gid uint64, depth int) {
	for t.owner != 0 {
		t.free.Wait()
	}
	t.owner = gid
	t.depth = depth
}

// release drops the lock entirely and returns the depth it had. t.m must be held.
func (t *ThreadLoop) release(gid uint64) int {
	if t.owner != gid {
		panic("threadloop: wait without holding the lock")
	}
	depth := t.depth
	t.owner = 0
	t.depth = 0
	t.free.Signal()
	return depth
}

// Wait releases the lock, blocks until Signal is called and reacquires the lock.
// The caller must hold the lock.
func (t *ThreadLoop) Wait() {
	gid := loop.GoroutineID()

	t.m.Lock()
	defer t.m.Unlock()

	depth := t.release(gid)
	gen := t.gen
	for t.gen == gen {
		t.signalled.Wait()
	}
	t.acquire(gid, depth)
}

// TimedWait is Wait with a timeout. It reports false when the timeout expired
// before a Signal arrived. The lock is held again in both cases.
func (t *ThreadLoop) TimedWait(d time.Duration) bool {
	gid := loop.GoroutineID()

	t.m.Lock()
	defer t.m.Unlock()

	depth := t.release(gid)
	gen := t.gen
	expired := false
	timer := time.AfterFunc(d, func() {
		t.m.Lock()
		expired = true
		t.m.Unlock()
		t.signalled.Broadcast()
	})
	for t.gen == gen && !expired {
		t.signalled.Wait()
	}
	timer.Stop()
	signalled := t.gen != gen
	t.acquire(gid, depth)
	return signalled
}

// Signal wakes every goroutine blocked in Wait. With waitForAccept set, it
// releases the lock and blocks until a woken goroutine calls Accept. The caller
// must hold the lock.
func (t *ThreadLoop) Signal(waitForAccept bool) {
	gid := loop.GoroutineID()

	t.m.Lock()
	defer t.m.Unlock()

	if waitForAccept {
		t.pending++
	}
	t.gen++
	t.signalled.Broadcast()

	if !waitForAccept {
		return
	}
	depth := t.release(gid)
	for t.pending > 0 {
		t.accepted.Wait()
	}
	t.acquire(gid, depth)
}

// Accept releases a goroutine blocked in Signal(true). The caller must hold the lock.
func (t *ThreadLoop) Accept() {
	t.m.Lock()
	defer t.m.Unlock()

	if t.pending > 0 {
		t.pending--
	}
	t.accepted.Broadcast()
}
