// Package pipeline implements the staged, back-pressured dataflow engine:
// Source -> bounded queue -> Processor* -> bounded queue -> Sink, grounded
// on arduino/app_internal/pipeline/pipeline.py's Pipeline class. The
// Python original hosts an asyncio event loop on a background thread; the
// Go translation hosts a supervisor goroutine that links stage channels,
// launches one goroutine per stage, and gathers their completion with
// golang.org/x/sync/errgroup — the same "background thread + event loop +
// gather" shape, built from goroutines and channels instead of asyncio
// tasks and queues.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arduino/app-bricks/brick"
	"github.com/arduino/app-bricks/ratelimit"
)

// Option configures a stage as it is added to a Pipeline.
type Option func(*stageOptions)

type stageOptions struct {
	rateLimit float64
	queueSize int
}

// WithRateLimit caps the stage's emission rate to at most rate per second.
func WithRateLimit(rate float64) Option {
	return func(o *stageOptions) { o.rateLimit = rate }
}

// WithQueueSize overrides the default capacity-1 output queue for a stage.
func WithQueueSize(n int) Option {
	return func(o *stageOptions) { o.queueSize = n }
}

func resolveOptions(opts []Option) stageOptions {
	o := stageOptions{queueSize: defaultQueueSize}
	for _, f := range opts {
		f(&o)
	}
	return o
}

// stageEntry is one position in the pipeline's topology.
type stageEntry struct {
	kind      stageKind
	adapter   *stageAdapter
	queueSize int
}

// Pipeline is an ordered, non-empty list of stages, beginning with exactly
// one source, followed by zero or more processors, ending with exactly one
// sink. It is not mutable once running.
type Pipeline struct {
	mu      sync.Mutex
	stages  []*stageEntry
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New constructs an empty Pipeline.
func New() *Pipeline {
	return &Pipeline{}
}

func (p *Pipeline) addStage(kind stageKind, a *stageAdapter, o stageOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("pipeline: cannot add bricks while pipeline is running")
	}

	switch kind {
	case kindSource:
		if len(p.stages) != 0 {
			return fmt.Errorf("pipeline: source must be the first brick added")
		}
	case kindProcessor:
		if len(p.stages) == 0 {
			return fmt.Errorf("pipeline: cannot add processor before a source")
		}
		if p.stages[len(p.stages)-1].kind == kindSink {
			return fmt.Errorf("pipeline: cannot add processor after a sink")
		}
	case kindSink:
		if len(p.stages) == 0 {
			return fmt.Errorf("pipeline: cannot add sink before a source")
		}
		if p.stages[len(p.stages)-1].kind == kindSink {
			return fmt.Errorf("pipeline: cannot add sink after another sink")
		}
	}

	p.stages = append(p.stages, &stageEntry{kind: kind, adapter: a, queueSize: o.queueSize})
	return nil
}

func newLimiter(rate float64) (*ratelimit.Limiter, error) {
	if rate == 0 {
		return nil, nil
	}
	return ratelimit.NewLimiter(rate)
}

// AddSource appends a source brick. T is erased to `any` on the internal
// output channel; callers get type safety at the call site since src is
// statically typed.
func AddSource[T any](p *Pipeline, name string, src brick.Source[T], opts ...Option) error {
	o := resolveOptions(opts)
	limiter, err := newLimiter(o.rateLimit)
	if err != nil {
		return err
	}

	a := &stageAdapter{
		kind:    kindSource,
		name:    name,
		limiter: limiter,
		produce: func(ctx context.Context) (any, bool, error) {
			v, ok, err := src.Produce(ctx)
			return v, ok, err
		},
	}
	if b, ok := any(src).(brick.Blocking); ok {
		a.blocking = b.Blocking()
	}
	if s, ok := any(src).(brick.Starter); ok {
		a.starter = s.Start
	}
	if s, ok := any(src).(brick.Stopper); ok {
		a.stopper = s.Stop
	}

	return p.addStage(kindSource, a, o)
}

// AddProcessor appends a processor brick.
func AddProcessor[In, Out any](p *Pipeline, name string, proc brick.Processor[In, Out], opts ...Option) error {
	o := resolveOptions(opts)
	limiter, err := newLimiter(o.rateLimit)
	if err != nil {
		return err
	}

	a := &stageAdapter{
		kind:    kindProcessor,
		name:    name,
		limiter: limiter,
		process: func(ctx context.Context, in any) (any, bool, error) {
			typed, ok := in.(In)
			if !ok {
				return nil, false, fmt.Errorf("pipeline: processor %q received unexpected type %T", name, in)
			}
			v, ok, err := proc.Process(ctx, typed)
			return v, ok, err
		},
	}
	if s, ok := any(proc).(brick.Starter); ok {
		a.starter = s.Start
	}
	if s, ok := any(proc).(brick.Stopper); ok {
		a.stopper = s.Stop
	}

	return p.addStage(kindProcessor, a, o)
}

// AddSink appends a sink brick.
func AddSink[T any](p *Pipeline, name string, sink brick.Sink[T], opts ...Option) error {
	o := resolveOptions(opts)
	limiter, err := newLimiter(o.rateLimit)
	if err != nil {
		return err
	}

	a := &stageAdapter{
		kind:    kindSink,
		name:    name,
		limiter: limiter,
		consume: func(ctx context.Context, in any) error {
			typed, ok := in.(T)
			if !ok {
				return fmt.Errorf("pipeline: sink %q received unexpected type %T", name, in)
			}
			return sink.Consume(ctx, typed)
		},
	}
	if s, ok := any(sink).(brick.Starter); ok {
		a.starter = s.Start
	}
	if s, ok := any(sink).(brick.Stopper); ok {
		a.stopper = s.Stop
	}

	return p.addStage(kindSink, a, o)
}

// Start links stage queues, starts every stage adapter, and launches the
// supervisor goroutine that runs the stage tasks to completion.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		logger.Warning().Log("pipeline is already running")
		return nil
	}
	if len(p.stages) < 2 || p.stages[len(p.stages)-1].kind != kindSink {
		p.mu.Unlock()
		return fmt.Errorf("pipeline: must have at least a source and a sink")
	}
	stages := p.stages
	p.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan struct{})

	go p.runLoop(loopCtx, stages, ready, done)

	select {
	case <-ready:
	case <-time.After(loopReadyTimeout):
		cancel()
		<-done
		return fmt.Errorf("pipeline: event loop failed to start within %s", loopReadyTimeout)
	}

	p.mu.Lock()
	p.running = true
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	return nil
}

// runLoop is the supervisor goroutine: the Go analogue of the original's
// dedicated asyncio event-loop thread.
func (p *Pipeline) runLoop(ctx context.Context, stages []*stageEntry, ready, done chan struct{}) {
	defer close(done)

	channels := make([]chan any, len(stages))
	for i, s := range stages {
		if s.kind != kindSink {
			channels[i] = make(chan any, s.queueSize)
		}
	}

	tasks := make([]*stageTask, len(stages))
	for i, s := range stages {
		t := &stageTask{adapter: s.adapter}
		if i > 0 {
			t.input = channels[i-1]
		}
		if s.kind != kindSink {
			t.output = channels[i]
		}
		tasks[i] = t
	}

	logger.Debug().Log("starting stages")
	for _, s := range stages {
		if err := s.adapter.Start(ctx); err != nil {
			logger.Err().Str("brick", s.adapter.name).Err(err).Log("stage failed to start")
		}
	}

	close(ready)

	group, gctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		t := t
		group.Go(func() error { return t.run(gctx) })
	}

	if err := group.Wait(); err != nil {
		logger.Warning().Err(err).Log("pipeline run finished with error")
	} else {
		logger.Debug().Log("pipeline run completed normally")
	}

	logger.Debug().Log("entering final cleanup phase for all stages")
	for _, s := range stages {
		if err := s.adapter.Stop(context.Background()); err != nil {
			logger.Err().Str("brick", s.adapter.name).Err(err).Log("error stopping stage")
		}
	}
	logger.Debug().Log("final cleanup phase completed")
}

// Stop unblocks the source (if it is a blocking source) and waits for all
// stages to drain and terminate, escalating to cancellation on timeout.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		logger.Warning().Log("pipeline is not running or already stopped")
		return nil
	}
	stages := p.stages
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	logger.Debug().Log("stopping pipeline")

	if len(stages) > 0 {
		stages[0].adapter.unblockProducer()
	}

	select {
	case <-done:
		logger.Debug().Log("pipeline tasks finished after stop initiated")
	case <-time.After(stopGatherTimeout):
		logger.Warning().Log("pipeline tasks did not finish within timeout, cancelling remaining")
		cancel()
		select {
		case <-done:
		case <-time.After(stopCallerTimeout - stopGatherTimeout):
			logger.Warning().Log("pipeline event loop did not terminate cleanly")
		}
	}

	cancel()

	p.mu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.mu.Unlock()

	logger.Debug().Log("pipeline stopped")
	return nil
}
