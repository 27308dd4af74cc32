package actor

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerLifecycle(t *testing.T) {
	w := NewWorker("test", func(w *Worker) error {
		w.Lock()
		defer w.Unlock()
		w.Wait(func() bool { return true })
		return nil
	})
	assert.Equal(t, Created, w.State())

	require.NoError(t, w.Start())
	assert.Equal(t, Running, w.State())
	assert.ErrorIs(t, w.Start(), ErrAlreadyStarted)

	w.Stop()
	assert.Equal(t, StopRequested, w.State())
	assert.True(t, w.Stopping())

	require.NoError(t, w.Join())
	assert.Equal(t, Joined, w.State())
}

func TestJoinBeforeStart(t *testing.T) {
	w := NewWorker("idle", func(*Worker) error { return nil })
	assert.ErrorIs(t, w.Join(), ErrNotStarted)
}

func TestJoinReturnsLoopError(t *testing.T) {
	boom := errors.New("boom")
	w := NewWorker("failing", func(*Worker) error { return boom })
	require.NoError(t, w.Start())

	assert.ErrorIs(t, w.Join(), boom)
	assert.ErrorIs(t, w.Err(), boom)
}

func TestActorDeliversInOrder(t *testing.T) {
	var (
		mu  sync.Mutex
		got []int
	)
	done := make(chan struct{})
	a := New("ordered", 8, func(v int) error {
		mu.Lock()
		got = append(got, v)
		n := len(got)
		mu.Unlock()
		if n == 5 {
			close(done)
		}
		return nil
	})
	require.NoError(t, a.Start())

	for i := 0; i < 5; i++ {
		require.True(t, a.Push(i))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("items not delivered")
	}

	a.Stop()
	require.NoError(t, a.Join())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestActorPushFullQueue(t *testing.T) {
	a := New("full", 2, func(int) error { return nil })
	// not started: nothing drains
	assert.True(t, a.Push(1))
	assert.True(t, a.Push(2))
	assert.False(t, a.Push(3))
	assert.Equal(t, 2, a.Len())
}

func TestActorDiscardsQueuedItemsOnStop(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	var handled int
	a := New("blocked", 4, func(int) error {
		handled++
		entered <- struct{}{}
		<-release
		return nil
	})
	require.NoError(t, a.Start())

	require.True(t, a.Push(1))
	<-entered
	// the handler is busy with item 1; these stay queued
	require.True(t, a.Push(2))
	require.True(t, a.Push(3))

	a.Stop()
	assert.False(t, a.Push(4), "push after stop must fail")
	close(release)

	require.NoError(t, a.Join())
	assert.Equal(t, 1, handled)
	assert.Equal(t, 0, a.Len())
}

func TestActorHandlerErrorEndsLoop(t *testing.T) {
	broken := errors.New("broken pipe")
	a := New("writer", 4, func(int) error { return broken })
	require.NoError(t, a.Start())

	require.True(t, a.Push(1))

	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit on handler error")
	}
	assert.ErrorIs(t, a.Join(), broken)
	assert.False(t, a.Push(2))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "stop_requested", StopRequested.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestQuitClosedByStop(t *testing.T) {
	w := NewWorker("ticker", func(w *Worker) error {
		<-w.Quit()
		return nil
	})
	require.NoError(t, w.Start())
	w.Stop()
	w.Stop()
	require.NoError(t, w.Join())
}
