package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushUntilFull(t *testing.T) {
	for _, capacity := range []int{1, BlobCapacity, FileRequestCapacity, ControlMessageCapacity} {
		q := New[int](capacity)
		for i := 0; i < capacity; i++ {
			require.True(t, q.Push(i), "push %d of %d", i, capacity)
		}
		assert.True(t, q.IsFull())
		assert.False(t, q.Push(capacity), "push past capacity %d must fail", capacity)
		assert.Equal(t, capacity, q.Len())
	}
}

func TestPopOrder(t *testing.T) {
	q := New[string](4)
	for _, s := range []string{"a", "b", "c"} {
		require.True(t, q.Push(s))
	}

	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	assert.True(t, q.IsEmpty())
}

func TestPopEmpty(t *testing.T) {
	q := New[int](2)
	v, ok := q.Pop()
	assert.False(t, ok)
	assert.Zero(t, v)
}

func TestWrapAround(t *testing.T) {
	q := New[int](3)
	next := 0
	want := 0
	// Interleave pushes and pops so head wraps several times.
	for round := 0; round < 10; round++ {
		for q.Push(next) {
			next++
		}
		for i := 0; i < 2; i++ {
			got, ok := q.Pop()
			require.True(t, ok)
			assert.Equal(t, want, got)
			want++
		}
	}
	for !q.IsEmpty() {
		got, _ := q.Pop()
		assert.Equal(t, want, got)
		want++
	}
	assert.Equal(t, next, want)
}

func TestFailedPushLeavesQueueIntact(t *testing.T) {
	q := New[int](2)
	q.Push(1)
	q.Push(2)
	assert.False(t, q.Push(3))

	a, _ := q.Pop()
	b, _ := q.Pop()
	assert.Equal(t, []int{1, 2}, []int{a, b})
}

func TestClear(t *testing.T) {
	q := New[int](2)
	q.Push(1)
	q.Push(2)
	q.Clear()
	assert.True(t, q.IsEmpty())
	assert.Equal(t, 2, q.Cap())
	assert.True(t, q.Push(3))
}

func TestMinimumCapacity(t *testing.T) {
	q := New[int](0)
	assert.Equal(t, 1, q.Cap())
}
