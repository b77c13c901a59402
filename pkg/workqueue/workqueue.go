// Package workqueue tracks pending asynchronous completions per object.
//
// Work is added with an expectation: already done (Sync), done later under a
// sequence number (Async), or "after everything queued before me" (Barrier).
// Completed work is dispatched through a scheduling hook, normally a loop's
// Post, so callbacks always run on the owning loop and never under the queue's
// lock.
package workqueue

import (
	"sync"
)

// InvalidID is never returned by Add. Passed to Cancel it matches every entry.
const InvalidID uint32 = 0

type expectKind int

const (
	expectSync expectKind = iota
	expectAsync
	expectBarrier
)

// Expect describes how an entry completes.
type Expect struct {
	kind expectKind
	seq  uint32
	err  error
}

// Sync is an operation that already finished with err.
func Sync(err error) Expect {
	return Expect{kind: expectSync, err: err}
}

// Async is an operation that will be reported with Complete(obj, seq, err).
func Async(seq uint32) Expect {
	return Expect{kind: expectAsync, seq: seq}
}

// Barrier runs once every entry added before it has completed.
func Barrier() Expect {
	return Expect{kind: expectBarrier}
}

// Func is called with the completion result.
type Func func(err error)

type entry struct {
	id   uint32
	obj  any
	kind expectKind
	seq  uint32
	err  error
	fn   Func
}

// Queue is safe for concurrent use.
type Queue struct {
	post func(func())

	mu        sync.Mutex
	nextID    uint32
	pending   []*entry
	ready     []*entry
	scheduled bool
}

// New creates a queue that dispatches through post.
func New(post func(func())) *Queue {
	return &Queue{post: post}
}

// Add registers fn for obj and returns the entry id.
//
// A Sync expectation runs fn before Add returns.
func (q *Queue) Add(obj any, expect Expect, fn Func) uint32 {
	q.mu.Lock()
	q.nextID++
	if q.nextID == InvalidID {
		q.nextID++
	}
	e := &entry{id: q.nextID, obj: obj, kind: expect.kind, seq: expect.seq, err: expect.err, fn: fn}

	if e.kind == expectSync {
		q.mu.Unlock()
		if fn != nil {
			fn(e.err)
		}
		return e.id
	}

	q.pending = append(q.pending, e)
	q.releaseBarriers()
	schedule := q.markScheduled()
	q.mu.Unlock()

	if schedule {
		q.post(q.Process)
	}
	return e.id
}

// Complete reports the result of an Async entry. Unknown, cancelled or already
// completed (obj, seq) pairs are ignored. It reports whether an entry matched.
func (q *Queue) Complete(obj any, seq uint32, err error) bool {
	q.mu.Lock()
	idx := -1
	for i, e := range q.pending {
		if e.kind == expectAsync && e.obj == obj && e.seq == seq {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return false
	}
	e := q.pending[idx]
	e.err = err
	q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
	q.ready = append(q.ready, e)
	q.releaseBarriers()
	schedule := q.markScheduled()
	q.mu.Unlock()

	if schedule {
		q.post(q.Process)
	}
	return true
}

// Cancel drops entries of obj without running them. id selects one entry;
// InvalidID drops them all. It returns the number of entries dropped.
func (q *Queue) Cancel(obj any, id uint32) int {
	q.mu.Lock()
	match := func(e *entry) bool {
		return e.obj == obj && (id == InvalidID || e.id == id)
	}
	n := 0
	keep := q.pending[:0]
	for _, e := range q.pending {
		if match(e) {
			n++
			continue
		}
		keep = append(keep, e)
	}
	clear(q.pending[len(keep):])
	q.pending = keep

	keepReady := q.ready[:0]
	for _, e := range q.ready {
		if match(e) {
			n++
			continue
		}
		keepReady = append(keepReady, e)
	}
	clear(q.ready[len(keepReady):])
	q.ready = keepReady

	q.releaseBarriers()
	schedule := q.markScheduled()
	q.mu.Unlock()

	if schedule {
		q.post(q.Process)
	}
	return n
}

// releaseBarriers moves barriers with no earlier async entry to the ready list.
// q.mu must be held.
func (q *Queue) releaseBarriers() {
	keep := q.pending[:0]
	blocked := false
	for _, e := range q.pending {
		if e.kind == expectBarrier && !blocked {
			q.ready = append(q.ready, e)
			continue
		}
		if e.kind == expectAsync {
			blocked = true
		}
		keep = append(keep, e)
	}
	clear(q.pending[len(keep):])
	q.pending = keep
}

// markScheduled reports whether the caller must post Process. q.mu must be held.
func (q *Queue) markScheduled() bool {
	if q.scheduled || len(q.ready) == 0 {
		return false
	}
	q.scheduled = true
	return true
}

// Process runs every ready entry in completion order.
func (q *Queue) Process() {
	for {
		q.mu.Lock()
		if len(q.ready) == 0 {
			q.scheduled = false
			q.mu.Unlock()
			return
		}
		e := q.ready[0]
		q.ready[0] = nil
		q.ready = q.ready[1:]
		q.mu.Unlock()

		if e.fn != nil {
			e.fn(e.err)
		}
	}
}

// Pending returns the number of entries that have not run yet.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.ready)
}

// PendingFor returns the number of entries of obj that have not run yet.
func (q *Queue) PendingFor(obj any) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.pending {
		if e.obj == obj {
			n++
		}
	}
	for _, e := range q.ready {
		if e.obj == obj {
			n++
		}
	}
	return n
}
