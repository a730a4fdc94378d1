// Package brick defines the capability interfaces a user component must
// implement to take a role (source, processor, sink) in a pipeline, in
// place of the original framework's name/coroutine probing of
// produce/process/consume. This is the Go-native re-architecture the
// framework's own design notes call for: "require that each role implement
// a small capability set, with optional start/stop. Offer a helper that
// lifts a plain function into a role."
package brick

import "context"

// Source yields data until the stream ends, at which point Produce returns
// ok=false.
type Source[T any] interface {
	Produce(ctx context.Context) (T, bool, error)
}

// Processor transforms one item into zero or one items; ok=false means the
// item is dropped.
type Processor[In, Out any] interface {
	Process(ctx context.Context, in In) (Out, bool, error)
}

// Sink consumes items, observing no return value.
type Sink[T any] interface {
	Consume(ctx context.Context, in T) error
}

// Starter is an optional hook invoked once before a brick's task begins
// running.
type Starter interface {
	Start(ctx context.Context) error
}

// Stopper is an optional hook invoked once after a brick's task has
// finished, regardless of how it finished.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Blocking marks a Source whose Produce call may block indefinitely and
// is not itself cancellation-aware, requiring the blocking-source adapter
// (a dedicated goroutine plus a handoff channel) rather than a direct
// cooperative call. This replaces the original's runtime
// iscoroutinefunction probe with an explicit, static declaration.
type Blocking interface {
	Blocking() bool
}

// FuncSource lifts a plain function into a Source, the Go equivalent of the
// original's "wrap a plain callable into a synthetic holder" behavior.
type FuncSource[T any] func(ctx context.Context) (T, bool, error)

func (f FuncSource[T]) Produce(ctx context.Context) (T, bool, error) { return f(ctx) }

// FuncProcessor lifts a plain function into a Processor.
type FuncProcessor[In, Out any] func(ctx context.Context, in In) (Out, bool, error)

func (f FuncProcessor[In, Out]) Process(ctx context.Context, in In) (Out, bool, error) {
	return f(ctx, in)
}

// FuncSink lifts a plain function into a Sink.
type FuncSink[T any] func(ctx context.Context, in T) error

func (f FuncSink[T]) Consume(ctx context.Context, in T) error { return f(ctx, in) }

// BlockingFuncSource lifts a plain, non-cancellable blocking function into
// a Source that also declares itself Blocking, so the pipeline routes it
// through the dedicated-goroutine adapter rather than calling it
// cooperatively on the supervisor goroutine.
type BlockingFuncSource[T any] func() (T, bool)

func (f BlockingFuncSource[T]) Produce(context.Context) (T, bool, error) {
	v, ok := f()
	return v, ok, nil
}

func (BlockingFuncSource[T]) Blocking() bool { return true }
