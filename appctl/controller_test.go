package appctl

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBrick struct {
	name      string
	started   atomic.Bool
	stopped   atomic.Bool
	iters     atomic.Int32
	startErr  error
	runnables []Runnable
	stopOrder *[]string
}

func (b *recordingBrick) Name() string          { return b.name }
func (b *recordingBrick) Runnables() []Runnable { return b.runnables }
func (b *recordingBrick) Start() error          { b.started.Store(true); return b.startErr }
func (b *recordingBrick) Stop() error {
	b.stopped.Store(true)
	if b.stopOrder != nil {
		*b.stopOrder = append(*b.stopOrder, b.name)
	}
	return nil
}

func newLoopBrick(name string) *recordingBrick {
	b := &recordingBrick{name: name}
	b.runnables = []Runnable{AsLoop("loop", func() error {
		b.iters.Add(1)
		time.Sleep(time.Millisecond)
		return nil
	})}
	return b
}

func TestController_StartStopOrdering(t *testing.T) {
	// Start() has run by the time a worker goroutine has iterated, and
	// Stop() has run by the time StopBricks returns.
	b := newLoopBrick("widget")

	c := New()
	c.Register(b)
	c.StartBricks()

	require.Eventually(t, func() bool { return b.iters.Load() > 0 }, time.Second, time.Millisecond)
	assert.True(t, b.started.Load())

	c.StopBricks()
	assert.True(t, b.stopped.Load())
}

func TestController_ReverseStopOrder(t *testing.T) {
	var stopOrder []string
	a1 := &recordingBrick{name: "first", stopOrder: &stopOrder}
	a2 := &recordingBrick{name: "second", stopOrder: &stopOrder}

	c := New()
	c.Register(a1)
	c.Register(a2)
	c.StartBricks()

	require.Equal(t, []Brick{a1, a2}, c.order)

	c.StopBricks()
	assert.True(t, a1.stopped.Load())
	assert.True(t, a2.stopped.Load())
	assert.Equal(t, []string{"second", "first"}, stopOrder)
}

func TestController_JoinTimeoutWarnsNotKills(t *testing.T) {
	stuck := &recordingBrick{name: "stuck"}
	stuck.runnables = []Runnable{AsExecute("block", func(stop <-chan struct{}) error {
		<-stop
		// simulate a runnable that ignores the stop signal briefly, longer
		// than the join timeout but eventually returns.
		time.Sleep(joinTimeout + 2*time.Second)
		return nil
	})}

	c := New()
	c.Register(stuck)
	c.StartBricks()
	time.Sleep(10 * time.Millisecond)

	start := time.Now()
	c.StopBricks()
	assert.Less(t, time.Since(start), 6*time.Second)
}

func TestController_Run(t *testing.T) {
	b := newLoopBrick("runner")
	c := New()
	c.Register(b)

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, func(ctx context.Context) error {
			calls.Add(1)
			time.Sleep(time.Millisecond)
			return nil
		})
	}()

	require.Eventually(t, func() bool { return calls.Load() > 2 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.True(t, b.stopped.Load())
}

func TestController_RegisterIdempotent(t *testing.T) {
	b := newLoopBrick("dup")
	c := New()
	c.Register(b)
	c.Register(b)
	require.Len(t, c.waiting, 1)
	c.StartBricks()
	require.Eventually(t, func() bool { return b.iters.Load() > 0 }, time.Second, time.Millisecond)
	c.StopBricks()
}
