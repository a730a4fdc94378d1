package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arduino/app-bricks/brick"
)

func TestPipeline_Basics(t *testing.T) {
	// S1: source emits [1,2,3] then terminal; processor doubles; sink
	// appends to a list. After run, list equals [2,4,6].
	items := []int{1, 2, 3}
	idx := 0
	src := brick.FuncSource[int](func(ctx context.Context) (int, bool, error) {
		if idx >= len(items) {
			return 0, false, nil
		}
		v := items[idx]
		idx++
		return v, true, nil
	})

	proc := brick.FuncProcessor[int, int](func(ctx context.Context, in int) (int, bool, error) {
		return in * 2, true, nil
	})

	var mu sync.Mutex
	var got []int
	sink := brick.FuncSink[int](func(ctx context.Context, in int) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, in)
		return nil
	})

	p := New()
	require.NoError(t, AddSource[int](p, "src", src))
	require.NoError(t, AddProcessor[int, int](p, "double", proc))
	require.NoError(t, AddSink[int](p, "sink", sink))

	require.NoError(t, p.Start())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, time.Millisecond)
	require.NoError(t, p.Stop())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{2, 4, 6}, got)
}

func TestPipeline_DropSemantics(t *testing.T) {
	// S2: source emits [1,2,3,4]; processor drops even numbers; sink == [1,3].
	items := []int{1, 2, 3, 4}
	idx := 0
	src := brick.FuncSource[int](func(ctx context.Context) (int, bool, error) {
		if idx >= len(items) {
			return 0, false, nil
		}
		v := items[idx]
		idx++
		return v, true, nil
	})

	proc := brick.FuncProcessor[int, int](func(ctx context.Context, in int) (int, bool, error) {
		if in%2 == 0 {
			return 0, false, nil
		}
		return in, true, nil
	})

	var mu sync.Mutex
	var got []int
	sink := brick.FuncSink[int](func(ctx context.Context, in int) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, in)
		return nil
	})

	p := New()
	require.NoError(t, AddSource[int](p, "src", src))
	require.NoError(t, AddProcessor[int, int](p, "odd-only", proc))
	require.NoError(t, AddSink[int](p, "sink", sink))

	require.NoError(t, p.Start())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, time.Millisecond)
	require.NoError(t, p.Stop())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 3}, got)
}

func TestPipeline_BlockingSourceStopsQuickly(t *testing.T) {
	// S4: source's produce blocks forever; stop() completes quickly and
	// the sink has seen SHUTDOWN (i.e. the sink task returned).
	src := brick.BlockingFuncSource[int](func() (int, bool) {
		select {} // blocks forever, never cancellable cooperatively
	})

	var sinkDone sync.WaitGroup
	sinkDone.Add(0)
	sink := brick.FuncSink[int](func(ctx context.Context, in int) error { return nil })

	p := New()
	require.NoError(t, AddSource[int](p, "blocker", src))
	require.NoError(t, AddSink[int](p, "sink", sink))

	require.NoError(t, p.Start())

	start := time.Now()
	require.NoError(t, p.Stop())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPipeline_ConstructionValidation(t *testing.T) {
	p := New()
	proc := brick.FuncProcessor[int, int](func(ctx context.Context, in int) (int, bool, error) { return in, true, nil })
	err := AddProcessor[int, int](p, "p", proc)
	require.Error(t, err)

	sink := brick.FuncSink[int](func(ctx context.Context, in int) error { return nil })
	err = AddSink[int](p, "s", sink)
	require.Error(t, err)

	src := brick.FuncSource[int](func(ctx context.Context) (int, bool, error) { return 0, false, nil })
	require.NoError(t, AddSource[int](p, "src", src))

	err = AddSink[int](p, "s", sink)
	require.NoError(t, err)

	err = AddProcessor[int, int](p, "p", proc)
	require.Error(t, err, "cannot add processor after a sink")
}

func TestPipeline_MustHaveTwoStages(t *testing.T) {
	p := New()
	src := brick.FuncSource[int](func(ctx context.Context) (int, bool, error) { return 0, false, nil })
	require.NoError(t, AddSource[int](p, "src", src))
	require.Error(t, p.Start())
}
