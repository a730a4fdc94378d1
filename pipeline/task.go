package pipeline

import "context"

// stageTask is the lifecycle + run-loop wrapper that wires an adapter to
// its input/output channels, grounded on
// arduino/app_internal/pipeline/task.py's PipelineTask hierarchy.
type stageTask struct {
	adapter *stageAdapter
	input   <-chan any
	output  chan any
}

// injectShutdown sends the shutdown sentinel downstream, but never blocks
// past cancellation: once ctx is done, a downstream task may have already
// exited without draining, and an unconditional send would leak this
// goroutine forever.
func (t *stageTask) injectShutdown(ctx context.Context) {
	select {
	case t.output <- shutdown:
	case <-ctx.Done():
	}
}

// runSource is the source task's run-loop: produce until terminal, sending
// each item downstream; on every exit path, injects the shutdown sentinel.
func (t *stageTask) runSource(ctx context.Context) error {
	defer t.injectShutdown(ctx)

	for {
		v, ok, err := t.adapter.produceCoop(ctx)
		if err != nil {
			logger.Err().Str("brick", t.adapter.name).Err(err).Log("source task terminated with error")
			return err
		}
		if !ok {
			logger.Info().Str("brick", t.adapter.name).Log("source indicated end of stream")
			return nil
		}
		select {
		case t.output <- v:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runProcessor is the processor task's run-loop: receive, drop sentinel
// by terminating, otherwise transform and forward non-dropped results.
func (t *stageTask) runProcessor(ctx context.Context) error {
	defer t.injectShutdown(ctx)

	for {
		var in any
		select {
		case in = <-t.input:
		case <-ctx.Done():
			return ctx.Err()
		}
		if isShutdown(in) {
			return nil
		}

		out, ok, err := t.adapter.processCoop(ctx, in)
		if err != nil {
			logger.Err().Str("brick", t.adapter.name).Err(err).Log("processor task terminated with error")
			return err
		}
		if !ok {
			continue
		}
		select {
		case t.output <- out:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runSink is the sink task's run-loop: receive until the shutdown
// sentinel, consuming each item.
func (t *stageTask) runSink(ctx context.Context) error {
	for {
		var in any
		select {
		case in = <-t.input:
		case <-ctx.Done():
			return ctx.Err()
		}
		if isShutdown(in) {
			return nil
		}

		if err := t.adapter.consumeCoop(ctx, in); err != nil {
			logger.Err().Str("brick", t.adapter.name).Err(err).Log("sink task terminated with error")
			return err
		}
	}
}

func (t *stageTask) run(ctx context.Context) error {
	switch t.adapter.kind {
	case kindSource:
		return t.runSource(ctx)
	case kindProcessor:
		return t.runProcessor(ctx)
	default:
		return t.runSink(ctx)
	}
}
