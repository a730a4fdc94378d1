// Package appctl orchestrates brick lifecycle: registration, ordered
// start/stop, and one goroutine per discovered loop/execute method.
// Grounded on arduino/app_utils/app.py's AppController, with its dir()
// based attribute discovery replaced by explicit Go interfaces, per the
// framework's own direction to prefer static typing over runtime
// reflection for capability discovery.
package appctl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arduino/app-bricks/internal/obs"
)

const joinTimeout = 5 * time.Second

var logger = obs.Named("appctl")

// Starter and Stopper mirror brick.Starter/brick.Stopper: a brick that
// needs setup/teardown around its runnable methods implements these.
type Starter interface {
	Start() error
}

type Stopper interface {
	Stop() error
}

// Runnable is a brick method discovered and driven by the Controller, the
// explicit-interface replacement for app.py's dir()-based @loop/@execute
// discovery.
type Runnable interface {
	// Run executes the method body. kindLoop runnables are called
	// repeatedly until stopped; kindExecute runnables are called once
	// and are expected to block for their own lifetime.
	Run(stop <-chan struct{}) error
	runnableKind() runnableKind
	runnableName() string
}

type runnableKind int

const (
	kindLoop runnableKind = iota
	kindExecute
)

type namedRunnable struct {
	name string
	kind runnableKind
	fn   func(stop <-chan struct{}) error
}

func (r *namedRunnable) Run(stop <-chan struct{}) error { return r.fn(stop) }
func (r *namedRunnable) runnableKind() runnableKind      { return r.kind }
func (r *namedRunnable) runnableName() string            { return r.name }

// AsLoop wraps fn as a loop runnable: the Controller calls fn repeatedly,
// in its own goroutine, until the brick is stopped. fn should do one unit
// of non-blocking work and return promptly so the stop signal is observed
// in bounded time.
func AsLoop(name string, fn func() error) Runnable {
	return &namedRunnable{name: name, kind: kindLoop, fn: func(stop <-chan struct{}) error {
		for {
			select {
			case <-stop:
				return nil
			default:
			}
			if err := fn(); err != nil {
				return err
			}
		}
	}}
}

// AsExecute wraps fn as an execute runnable: the Controller calls fn once,
// in its own goroutine. fn is expected to run for the brick's lifetime and
// return when stop is closed; it is never force-killed.
func AsExecute(name string, fn func(stop <-chan struct{}) error) Runnable {
	return &namedRunnable{name: name, kind: kindExecute, fn: fn}
}

// Brick is anything that can be registered with the Controller: at minimum
// it names itself and lists its runnable methods. Starter/Stopper are
// implemented optionally.
type Brick interface {
	Name() string
	Runnables() []Runnable
}

type brickState struct {
	brick Brick
	stops []chan struct{}
	wg    sync.WaitGroup
}

// Controller orchestrates brick startup, shutdown, and their loop/execute
// methods. Unlike app.py's process-wide App singleton, Controller is an
// ordinary value constructed with New and passed to callers explicitly.
type Controller struct {
	mu      sync.Mutex
	waiting []Brick
	running map[Brick]*brickState
	order   []Brick // running order, for reverse-order stop
}

// New constructs an empty Controller.
func New() *Controller {
	return &Controller{running: make(map[Brick]*brickState)}
}

// Register queues brick to be auto-started on the next StartBricks/Run
// call. A brick already running is left alone.
func (c *Controller) Register(b Brick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, running := c.running[b]; running {
		return
	}
	for _, w := range c.waiting {
		if w == b {
			return
		}
	}
	c.waiting = append(c.waiting, b)
	logger.Debug().Str("brick", b.Name()).Log("registered brick to start on next StartBricks")
}

// Unregister removes brick from the waiting queue. A brick already
// running is left alone.
func (c *Controller) Unregister(b Brick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, running := c.running[b]; running {
		return
	}
	for i, w := range c.waiting {
		if w == b {
			c.waiting = append(c.waiting[:i], c.waiting[i+1:]...)
			logger.Debug().Str("brick", b.Name()).Log("unregistered brick from waiting queue")
			return
		}
	}
}

// StartBricks starts every currently-waiting brick, draining the waiting
// queue. Use this for non-blocking control of the Controller's lifecycle;
// pair with StopBricks.
func (c *Controller) StartBricks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.waiting) > 0 {
		b := c.waiting[0]
		c.waiting = c.waiting[1:]
		c.start(b)
	}
	logger.Debug().Log("all managed bricks started")
}

// StartBrick immediately starts a single brick outside of the waiting
// queue. The caller is responsible for calling StopBrick later.
func (c *Controller) StartBrick(b Brick) {
	c.Unregister(b)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.start(b)
}

// StopBricks stops every running brick, in reverse start order.
func (c *Controller) StopBricks() {
	c.mu.Lock()
	order := append([]Brick(nil), c.order...)
	c.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		c.mu.Lock()
		c.stop(order[i])
		c.mu.Unlock()
	}
	logger.Debug().Log("all bricks stopped")
}

// StopBrick immediately stops a single running brick.
func (c *Controller) StopBrick(b Brick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stop(b)
}

// Run starts all registered bricks, then blocks running userLoop
// repeatedly until ctx is cancelled, then stops every brick in reverse
// start order. If userLoop is nil, Run simply waits for ctx to be done.
func (c *Controller) Run(ctx context.Context, userLoop func(ctx context.Context) error) error {
	logger.Info().Log("app is starting")
	c.StartBricks()
	logger.Info().Log("app started")

	err := c.loop(ctx, userLoop)

	logger.Info().Log("app is shutting down")
	c.StopBricks()
	logger.Info().Log("app shutdown completed")
	return err
}

func (c *Controller) loop(ctx context.Context, userLoop func(ctx context.Context) error) error {
	if userLoop == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := userLoop(ctx); err != nil {
			return err
		}
	}
}

// start must be called while holding mu.
func (c *Controller) start(b Brick) {
	if _, ok := c.running[b]; ok {
		logger.Warning().Str("brick", b.Name()).Log("brick is already running")
		return
	}

	if s, ok := b.(Starter); ok {
		logger.Debug().Str("brick", b.Name()).Log("calling Start()")
		if err := s.Start(); err != nil {
			logger.Err().Str("brick", b.Name()).Err(err).Log("failed to start brick")
			return
		}
	}

	state := &brickState{brick: b}
	for _, r := range b.Runnables() {
		stop := make(chan struct{})
		state.stops = append(state.stops, stop)
		state.wg.Add(1)
		go c.runWorker(b, r, stop, &state.wg)
	}

	c.running[b] = state
	c.order = append(c.order, b)
}

func (c *Controller) runWorker(b Brick, r Runnable, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	name := fmt.Sprintf("%s.%s", b.Name(), r.runnableName())
	if r.runnableKind() == kindExecute {
		logger.Debug().Str("runnable", name).Log("executing blocking runnable")
	} else {
		logger.Debug().Str("runnable", name).Log("starting loop runnable")
	}

	if err := r.Run(stop); err != nil {
		logger.Err().Str("runnable", name).Err(err).Log("runnable exited with error")
	}
	logger.Debug().Str("runnable", name).Log("worker terminated")
}

// stop must be called while holding mu.
func (c *Controller) stop(b Brick) {
	state, ok := c.running[b]
	if !ok {
		logger.Warning().Str("brick", b.Name()).Log("brick is not running")
		return
	}

	// Stop the brick first: for a blocking execute runnable this is often
	// the only way to unblock it, so we accept the small race where the
	// loop body runs once more after Stop() returns.
	if s, ok := b.(Stopper); ok {
		logger.Debug().Str("brick", b.Name()).Log("calling Stop()")
		if err := s.Stop(); err != nil {
			logger.Err().Str("brick", b.Name()).Err(err).Log("failed to stop brick")
		}
	}

	for _, stop := range state.stops {
		close(stop)
	}

	done := make(chan struct{})
	go func() {
		state.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(joinTimeout):
		logger.Warning().Str("brick", b.Name()).Log("worker goroutines did not terminate within join timeout")
	}

	delete(c.running, b)
	for i, ob := range c.order {
		if ob == b {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}

	logger.Debug().Str("brick", b.Name()).Log("brick stopped successfully")
}
