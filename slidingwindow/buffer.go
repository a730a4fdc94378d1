// Package slidingwindow implements the single-producer/single-consumer ring
// buffer that yields overlapped windows of fixed-shape items, grounded on
// arduino/app_utils/slidingwindowbuffer.py. Go generics let the element
// type and shape be fixed at instantiation (Buffer[int16] for scalar
// streams, Buffer[[]int16] for the multi-channel case the original handled
// via numpy's item shape). Push records no shape on the first push and
// checks none afterwards: for a slice element type such as []int16, items
// of differing lengths are accepted.
package slidingwindow

import (
	"context"
	"fmt"
	"sync"
)

// Buffer is a fixed-capacity ring buffer of items of type T, exposing
// overlapped "pull" windows of a fixed size.
type Buffer[T any] struct {
	window   int
	slide    int
	capacity int

	mu   sync.Mutex
	cond *sync.Cond

	buf   []T
	write int
	read  int

	count    int
	newCount int
}

// New constructs a Buffer with the given window size, slide amount, and
// ring capacity. slide must satisfy 0 < slide <= window; capacity must be
// at least window+slide. A capacity of 0 defaults to 2*window, matching the
// original's default.
func New[T any](window, slide, capacity int) (*Buffer[T], error) {
	if window <= 0 || slide <= 0 {
		return nil, fmt.Errorf("slidingwindow: window and slide must be positive")
	}
	if slide > window {
		return nil, fmt.Errorf("slidingwindow: slide cannot exceed window")
	}
	if capacity == 0 {
		capacity = 2 * window
	}
	if capacity < window+slide {
		return nil, fmt.Errorf("slidingwindow: capacity too small for window+slide")
	}

	b := &Buffer[T]{
		window:   window,
		slide:    slide,
		capacity: capacity,
		buf:      make([]T, capacity),
	}
	b.cond = sync.NewCond(&b.mu)
	return b, nil
}

// Push appends the items in batch atomically. It returns false, leaving the
// buffer unchanged, if the batch would overflow capacity. An empty batch is
// always accepted and is a no-op.
func (b *Buffer[T]) Push(batch []T) bool {
	n := len(batch)
	if n == 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count+n > b.capacity {
		return false
	}

	end := b.write + n
	if end <= b.capacity {
		copy(b.buf[b.write:end], batch)
	} else {
		part1 := b.capacity - b.write
		copy(b.buf[b.write:], batch[:part1])
		copy(b.buf[:n-part1], batch[part1:])
	}

	b.write = (b.write + n) % b.capacity
	b.count += n
	b.newCount += n

	if b.newCount >= b.slide {
		b.cond.Broadcast()
	}

	return true
}

// Pull blocks until a full window is ready or ctx is done, then returns a
// copy of the W items starting at the logical read index and advances the
// read index by the slide amount. On timeout (ctx done before readiness),
// it returns an empty slice.
func (b *Buffer[T]) Pull(ctx context.Context) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.waitReady(ctx) {
		return nil
	}

	start := b.read
	end := start + b.window
	var window []T
	if end <= b.capacity {
		window = append(window, b.buf[start:end]...)
	} else {
		wrapped := end % b.capacity
		window = append(window, b.buf[start:]...)
		window = append(window, b.buf[:wrapped]...)
	}

	b.read = (b.read + b.slide) % b.capacity
	b.count -= b.slide
	b.newCount -= b.slide

	return window
}

// waitReady blocks on the condition variable until the readiness predicate
// holds or ctx is cancelled; returns false on cancellation. Cancellation is
// observed by a watcher goroutine that broadcasts on the condition once ctx
// is done, since sync.Cond has no native context support.
func (b *Buffer[T]) waitReady(ctx context.Context) bool {
	done := ctx.Done()
	if done == nil {
		for !b.readyLocked() {
			b.cond.Wait()
		}
		return true
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-done:
			b.cond.Broadcast()
		case <-stop:
		}
	}()

	for !b.readyLocked() {
		if err := ctx.Err(); err != nil {
			return false
		}
		b.cond.Wait()
	}
	return true
}

// Flush resets all indices and counters to zero and wakes every waiter.
func (b *Buffer[T]) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.write = 0
	b.read = 0
	b.count = 0
	b.newCount = 0
	b.cond.Broadcast()
}

// HasData reports, without blocking, whether Pull would return immediately.
func (b *Buffer[T]) HasData() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readyLocked()
}

func (b *Buffer[T]) readyLocked() bool {
	return b.count >= b.window && b.newCount >= b.slide
}
