package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arduino/app-bricks/internal/obs"
	"github.com/arduino/app-bricks/ratelimit"
)

var logger = obs.Named("pipeline")

type stageKind int

const (
	kindSource stageKind = iota
	kindProcessor
	kindSink
)

// stageAdapter normalizes a user brick, of whatever role, into the uniform
// cooperative contract {start, stop, produce|process|consume}, grounded on
// arduino/app_internal/pipeline/adapter.py's AsyncBrickAdapter hierarchy.
type stageAdapter struct {
	kind    stageKind
	name    string
	limiter *ratelimit.Limiter

	starter func(ctx context.Context) error
	stopper func(ctx context.Context) error

	// source
	produce  func(ctx context.Context) (any, bool, error)
	blocking bool

	// blocking-source internals: a dedicated goroutine plus a capacity-1
	// handoff channel, mirroring AsyncBlockingSourceAdapter.
	handoff    chan any
	stopped    atomic.Bool
	producerWG sync.WaitGroup

	// processor
	process func(ctx context.Context, in any) (any, bool, error)

	// sink
	consume func(ctx context.Context, in any) error
}

// Start runs the adapter's optional user Start hook, then, for a blocking
// source, launches its dedicated producer goroutine.
func (a *stageAdapter) Start(ctx context.Context) error {
	if a.starter != nil {
		if err := a.starter(ctx); err != nil {
			return err
		}
	}

	if a.kind == kindSource && a.blocking {
		a.handoff = make(chan any, 1)
		a.stopped.Store(false)
		a.producerWG.Add(1)
		go a.producerLoop()
	}

	return nil
}

// Stop unblocks a pending blocking-source producer (if any), waits briefly
// for its goroutine to exit, then runs the user's optional Stop hook.
// Adapter.Stop always runs regardless of how the stage task finished, per
// the "cleanup always runs" rule.
func (a *stageAdapter) Stop(ctx context.Context) error {
	if a.kind == kindSource && a.blocking {
		a.unblockProducer()
		done := make(chan struct{})
		go func() {
			a.producerWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(blockingJoinTimeout):
			logger.Warning().Str("brick", a.name).Log("producer goroutine did not exit within join timeout")
		}
	}

	if a.stopper != nil {
		return a.stopper(ctx)
	}
	return nil
}

// unblockProducer signals the dedicated producer goroutine to stop and
// injects a sentinel into the handoff channel, non-blockingly, so a
// cooperative reader blocked in channel-receive is released without
// waiting for the goroutine's next iteration. This is the sole unblock
// mechanism (see DESIGN.md, Open Question OQ-1): we do not also rely on
// liveness checks to break the consumer out of its receive.
func (a *stageAdapter) unblockProducer() {
	if a.kind != kindSource || !a.blocking {
		return
	}
	if a.stopped.CompareAndSwap(false, true) {
		select {
		case a.handoff <- shutdown:
		default:
			logger.Warning().Str("brick", a.name).Log("could not inject sentinel, handoff channel full")
		}
	}
}

// producerLoop is the dedicated goroutine for a blocking source: it calls
// the user's (non-cancellable) produce function repeatedly and forwards
// results into the handoff channel.
func (a *stageAdapter) producerLoop() {
	defer a.producerWG.Done()
	defer func() {
		select {
		case a.handoff <- shutdown:
		default:
		}
	}()

	for !a.stopped.Load() {
		v, ok, err := a.produce(context.Background())
		if err != nil {
			logger.Err().Str("brick", a.name).Err(err).Log("blocking producer failed")
			return
		}
		if !ok {
			return
		}
		if a.stopped.Load() {
			return
		}
		select {
		case a.handoff <- v:
		default:
			// handoff is capacity 1 with a single consumer; if this blocks
			// because the consumer hasn't drained yet, wait for it.
			a.handoff <- v
		}
	}
}

// produceCoop is the cooperative produce() exposed to the source's stage
// task: for a non-blocking source it calls straight through (after rate
// limiting); for a blocking source it pulls from the handoff channel
// (after rate limiting, applied at emission time as per spec).
func (a *stageAdapter) produceCoop(ctx context.Context) (any, bool, error) {
	if a.limiter != nil {
		if err := a.limiter.Acquire(ctx); err != nil {
			return nil, false, err
		}
	}

	if !a.blocking {
		return a.produce(ctx)
	}

	select {
	case v := <-a.handoff:
		if isShutdown(v) {
			return nil, false, nil
		}
		return v, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// processCoop applies the rate limiter, then the user process call.
func (a *stageAdapter) processCoop(ctx context.Context, in any) (any, bool, error) {
	if a.limiter != nil {
		if err := a.limiter.Acquire(ctx); err != nil {
			return nil, false, err
		}
	}
	return a.process(ctx, in)
}

// consumeCoop applies the rate limiter, then the user consume call.
func (a *stageAdapter) consumeCoop(ctx context.Context, in any) error {
	if a.limiter != nil {
		if err := a.limiter.Acquire(ctx); err != nil {
			return err
		}
	}
	return a.consume(ctx, in)
}
