package workqueue

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualPost collects scheduled Process calls so tests decide when they run.
type manualPost struct {
	fns []func()
}

func (m *manualPost) post(fn func()) {
	m.fns = append(m.fns, fn)
}

func (m *manualPost) run() {
	fns := m.fns
	m.fns = nil
	for _, fn := range fns {
		fn()
	}
}

type object struct{ name string }

func TestSyncFiresImmediately(t *testing.T) {
	var p manualPost
	q := New(p.post)

	var got error
	called := 0
	sentinel := errors.New("sync result")
	id := q.Add(&object{}, Sync(sentinel), func(err error) {
		called++
		got = err
	})

	assert.NotEqual(t, InvalidID, id)
	assert.Equal(t, 1, called)
	assert.ErrorIs(t, got, sentinel)
	assert.Zero(t, q.Pending())
	assert.Empty(t, p.fns)
}

func TestAsyncWaitsForComplete(t *testing.T) {
	var p manualPost
	q := New(p.post)
	node := &object{"node"}

	var results []error
	q.Add(node, Async(7), func(err error) { results = append(results, err) })
	p.run()
	assert.Empty(t, results)
	assert.Equal(t, 1, q.PendingFor(node))

	assert.False(t, q.Complete(node, 8, nil), "wrong sequence")
	assert.False(t, q.Complete(&object{}, 7, nil), "wrong object")

	assert.True(t, q.Complete(node, 7, nil))
	p.run()
	require.Len(t, results, 1)
	assert.NoError(t, results[0])
}

func TestCompleteIsIdempotent(t *testing.T) {
	var p manualPost
	q := New(p.post)
	node := &object{}

	calls := 0
	q.Add(node, Async(1), func(error) { calls++ })

	assert.True(t, q.Complete(node, 1, nil))
	assert.False(t, q.Complete(node, 1, nil))
	p.run()
	assert.False(t, q.Complete(node, 1, errors.New("late")))
	p.run()

	assert.Equal(t, 1, calls)
}

func TestCancelDropsWithoutInvoking(t *testing.T) {
	var p manualPost
	q := New(p.post)
	node := &object{}

	calls := 0
	id := q.Add(node, Async(1), func(error) { calls++ })
	q.Add(node, Async(2), func(error) { calls++ })

	assert.Equal(t, 1, q.Cancel(node, id))
	assert.False(t, q.Complete(node, 1, nil), "completion after cancel is a no-op")

	assert.Equal(t, 1, q.Cancel(node, InvalidID))
	assert.False(t, q.Complete(node, 2, nil))
	p.run()

	assert.Zero(t, calls)
	assert.Zero(t, q.Pending())
}

func TestCancelReadyEntry(t *testing.T) {
	var p manualPost
	q := New(p.post)
	node := &object{}

	calls := 0
	q.Add(node, Async(1), func(error) { calls++ })
	q.Complete(node, 1, nil)
	q.Cancel(node, InvalidID)
	p.run()

	assert.Zero(t, calls)
}

func TestSameObjectCompletesInReportOrder(t *testing.T) {
	var p manualPost
	q := New(p.post)
	node := &object{}

	var order []uint32
	for seq := uint32(1); seq <= 3; seq++ {
		q.Add(node, Async(seq), func(error) { order = append(order, seq) })
	}

	q.Complete(node, 3, nil)
	q.Complete(node, 1, nil)
	q.Complete(node, 2, nil)
	p.run()

	assert.Equal(t, []uint32{3, 1, 2}, order)
}

func TestBarrierWaitsForEarlierEntries(t *testing.T) {
	var p manualPost
	q := New(p.post)
	a, b, link := &object{"a"}, &object{"b"}, &object{"link"}

	var order []string
	q.Add(a, Async(1), func(error) { order = append(order, "a") })
	q.Add(b, Async(1), func(error) { order = append(order, "b") })
	q.Add(link, Barrier(), func(error) { order = append(order, "barrier") })

	p.run()
	assert.Empty(t, order)

	q.Complete(b, 1, nil)
	p.run()
	assert.Equal(t, []string{"b"}, order)

	q.Complete(a, 1, nil)
	p.run()
	assert.Equal(t, []string{"b", "a", "barrier"}, order)
}

func TestBarrierWithNothingPendingRunsOnNextProcess(t *testing.T) {
	var p manualPost
	q := New(p.post)

	ran := false
	q.Add(&object{}, Barrier(), func(error) { ran = true })
	assert.False(t, ran, "barriers are never run inline")

	p.run()
	assert.True(t, ran)
}

func TestBarrierReleasedByCancel(t *testing.T) {
	var p manualPost
	q := New(p.post)
	node, link := &object{}, &object{}

	ran := false
	q.Add(node, Async(5), nil)
	q.Add(link, Barrier(), func(error) { ran = true })

	q.Cancel(node, InvalidID)
	p.run()
	assert.True(t, ran)
}

func TestCallbackMayAddWork(t *testing.T) {
	var p manualPost
	q := New(p.post)
	node := &object{}

	var order []string
	q.Add(node, Async(1), func(error) {
		order = append(order, "first")
		q.Add(node, Barrier(), func(error) { order = append(order, "recheck") })
	})
	q.Complete(node, 1, nil)
	p.run()
	p.run()

	assert.Equal(t, []string{"first", "recheck"}, order)
}
