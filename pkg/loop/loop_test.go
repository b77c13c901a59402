package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostRunsOnIterate(t *testing.T) {
	l := New("test")

	var order []int
	l.Post(func() { order = append(order, 1) })
	l.Post(func() { order = append(order, 2) })

	assert.Equal(t, 2, l.Pending())
	assert.Equal(t, 2, l.Iterate(0))
	assert.Equal(t, []int{1, 2}, order)
	assert.Equal(t, 0, l.Iterate(0))
}

func TestIterateWakesOnPost(t *testing.T) {
	l := New("test")

	go func() {
		time.Sleep(10 * time.Millisecond)
		l.Post(func() {})
	}()

	start := time.Now()
	n := l.Iterate(5 * time.Second)
	assert.Equal(t, 1, n)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestIterateTimeout(t *testing.T) {
	l := New("test")
	assert.Equal(t, 0, l.Iterate(5*time.Millisecond))
}

func TestInvokeInlineWhenNotRunning(t *testing.T) {
	l := New("test")

	caller := GoroutineID()
	var ran uint64
	err := l.Invoke(context.Background(), func() error {
		ran = GoroutineID()
		return nil
	}, true)
	require.NoError(t, err)
	assert.Equal(t, caller, ran)
}

func TestInvokeBlockingRunsOnLoopGoroutine(t *testing.T) {
	l := New("test")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loopID := make(chan uint64, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		loopID <- GoroutineID()
		_ = l.Run(ctx)
	}()
	id := <-loopID
	require.Eventually(t, l.Running, time.Second, time.Millisecond)

	sentinel := errors.New("from loop")
	var ranOn uint64
	err := l.Invoke(ctx, func() error {
		ranOn = GoroutineID()
		assert.True(t, l.InLoop())
		return sentinel
	}, true)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, id, ranOn)
	assert.False(t, l.InLoop())

	cancel()
	wg.Wait()
}

func TestInvokeTimesOut(t *testing.T) {
	l := New("test")
	l.Enter()
	defer l.Leave()

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		done <- l.Invoke(ctx, func() error { return nil }, true)
	}()

	err := <-done
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHooksWrapPoll(t *testing.T) {
	var before, after atomic.Int32
	l := New("test", WithHooks(Hooks{
		BeforePoll: func() { before.Add(1) },
		AfterPoll:  func() { after.Add(1) },
	}))

	l.Iterate(time.Millisecond)
	assert.Equal(t, int32(1), before.Load())
	assert.Equal(t, int32(1), after.Load())

	l.Post(func() {})
	l.Iterate(time.Second)
	assert.Equal(t, int32(1), before.Load(), "no poll when work is already queued")
}

func TestPanicDoesNotKillLoop(t *testing.T) {
	l := New("test")
	ran := false
	l.Post(func() { panic("boom") })
	l.Post(func() { ran = true })

	assert.Equal(t, 2, l.Iterate(0))
	assert.True(t, ran)
}
