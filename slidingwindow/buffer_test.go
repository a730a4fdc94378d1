package slidingwindow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_InvalidParams(t *testing.T) {
	_, err := New[int](0, 1, 10)
	require.Error(t, err)

	_, err = New[int](5, 0, 10)
	require.Error(t, err)

	_, err = New[int](5, 6, 10)
	require.Error(t, err)

	_, err = New[int](5, 2, 3)
	require.Error(t, err)
}

// TestBuffer_Scenario mirrors scenario S5 from the spec: W=5, S=2, C=10.
func TestBuffer_Scenario(t *testing.T) {
	b, err := New[int](5, 2, 10)
	require.NoError(t, err)

	require.True(t, b.Push([]int{1, 2, 3, 4, 5}))
	assert.Equal(t, []int{1, 2, 3, 4, 5}, b.Pull(context.Background()))

	require.True(t, b.Push([]int{6, 7}))
	assert.Equal(t, []int{3, 4, 5, 6, 7}, b.Pull(context.Background()))

	require.True(t, b.Push([]int{8, 9}))
	assert.Equal(t, []int{5, 6, 7, 8, 9}, b.Pull(context.Background()))
}

func TestBuffer_Overlap(t *testing.T) {
	b, err := New[int](5, 2, 12)
	require.NoError(t, err)

	require.True(t, b.Push([]int{1, 2, 3, 4, 5, 6, 7}))
	w1 := b.Pull(context.Background())
	require.True(t, b.Push([]int{8, 9}))
	w2 := b.Pull(context.Background())

	// for S < W, the last W-S items of window n equal the first W-S items of window n+1.
	assert.Equal(t, w1[len(w1)-3:], w2[:3])
}

func TestBuffer_Tumbling(t *testing.T) {
	b, err := New[int](4, 4, 8)
	require.NoError(t, err)

	require.True(t, b.Push([]int{1, 2, 3, 4}))
	w1 := b.Pull(context.Background())
	require.True(t, b.Push([]int{5, 6, 7, 8}))
	w2 := b.Pull(context.Background())

	assert.Equal(t, []int{1, 2, 3, 4}, w1)
	assert.Equal(t, []int{5, 6, 7, 8}, w2)
}

func TestBuffer_PullTimeout(t *testing.T) {
	b, err := New[int](5, 2, 10)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	got := b.Pull(ctx)
	assert.Empty(t, got)
}

func TestBuffer_Overflow(t *testing.T) {
	b, err := New[int](2, 2, 4)
	require.NoError(t, err)

	assert.True(t, b.Push([]int{1, 2, 3, 4}))
	assert.False(t, b.Push([]int{5}))
}

func TestBuffer_Flush(t *testing.T) {
	b, err := New[int](2, 2, 4)
	require.NoError(t, err)

	require.True(t, b.Push([]int{1, 2}))
	require.True(t, b.HasData())
	b.Flush()
	require.False(t, b.HasData())
}

func TestBuffer_MultiChannel(t *testing.T) {
	b, err := New[[]int16](2, 2, 4)
	require.NoError(t, err)

	frame1 := []int16{1, 2}
	frame2 := []int16{3, 4}
	require.True(t, b.Push([]([]int16){frame1, frame2}))
	window := b.Pull(context.Background())
	assert.Equal(t, []([]int16){frame1, frame2}, window)
}
