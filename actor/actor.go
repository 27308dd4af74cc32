// Package actor implements the worker lifecycle shared by the controller,
// receiver, video stream and fps counter.
//
// A Worker runs one loop function on its own goroutine. An Actor is a Worker
// that owns a bounded queue and drains it one item at a time: the item is
// popped under the lock and processed outside it.
package actor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"screenlink/queue"
)

var (
	ErrAlreadyStarted = errors.New("actor: already started")
	ErrNotStarted     = errors.New("actor: not started")
)

// State is the worker lifecycle.
type State int

const (
	Created State = iota
	Running
	StopRequested
	Joined
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case StopRequested:
		return "stop_requested"
	case Joined:
		return "joined"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// LoopFunc is the body of a worker. It should return when w.Stopping()
// reports true or when its transport fails.
type LoopFunc func(w *Worker) error

// Worker owns one goroutine and its stop flag. The mutex and condition
// variable are exposed to the loop so queue owners can wait on them.
type Worker struct {
	name string
	loop LoopFunc
	log  *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	state   State
	stopped bool
	exited  bool
	err     error
	done    chan struct{}
	quit    chan struct{}
}

// NewWorker creates a worker in the Created state.
func NewWorker(name string, loop LoopFunc) *Worker {
	w := &Worker{
		name: name,
		loop: loop,
		log:  slog.With("component", name),
		done: make(chan struct{}),
		quit: make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Name returns the worker's name.
func (w *Worker) Name() string { return w.name }

// Start spawns the loop and returns once it is running.
func (w *Worker) Start() error {
	w.mu.Lock()
	if w.state != Created {
		w.mu.Unlock()
		return ErrAlreadyStarted
	}
	w.state = Running
	w.mu.Unlock()

	ready := make(chan struct{})
	go w.run(ready)
	<-ready
	return nil
}

func (w *Worker) run(ready chan<- struct{}) {
	defer close(w.done)
	close(ready)

	err := w.loop(w)

	w.mu.Lock()
	w.err = err
	w.exited = true
	w.mu.Unlock()

	if err != nil {
		w.log.Warn("worker loop ended", "error", err)
	} else {
		w.log.Debug("worker loop ended")
	}
}

// Stop sets the stop flag and wakes the loop. It does not wait; a loop
// blocked in socket I/O is released by closing the socket.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.stopped {
		close(w.quit)
	}
	w.stopped = true
	if w.state == Running {
		w.state = StopRequested
	}
	w.cond.Broadcast()
	w.mu.Unlock()
}

// Join blocks until the loop returns and reports the loop's error.
func (w *Worker) Join() error {
	w.mu.Lock()
	if w.state == Created {
		w.mu.Unlock()
		return ErrNotStarted
	}
	w.mu.Unlock()

	<-w.done

	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = Joined
	return w.err
}

// Done is closed when the loop has returned.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Quit is closed by Stop, for loops that select on timers instead of
// waiting on the condition variable.
func (w *Worker) Quit() <-chan struct{} { return w.quit }

// Stopping reports whether Stop was called.
func (w *Worker) Stopping() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Err returns the loop error once the loop has returned.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Wait blocks on the condition variable while blocked reports true and Stop
// has not been called. The caller must hold the lock via Lock. It returns
// false if the worker was stopped.
func (w *Worker) Wait(blocked func() bool) bool {
	for !w.stopped && blocked() {
		w.cond.Wait()
	}
	return !w.stopped
}

// Lock and Unlock guard state shared with the loop.
func (w *Worker) Lock()   { w.mu.Lock() }
func (w *Worker) Unlock() { w.mu.Unlock() }

// Signal wakes the loop. The caller must hold the lock.
func (w *Worker) Signal() { w.cond.Signal() }

// Handler processes one queued item outside the lock. A returned error ends
// the actor's loop.
type Handler[T any] func(item T) error

// Actor is a Worker draining a bounded queue.
type Actor[T any] struct {
	*Worker
	queue   *queue.Queue[T]
	handler Handler[T]
}

// New creates an actor with the given queue capacity.
func New[T any](name string, capacity int, handler Handler[T]) *Actor[T] {
	a := &Actor[T]{
		queue:   queue.New[T](capacity),
		handler: handler,
	}
	a.Worker = NewWorker(name, a.drain)
	return a
}

// Push enqueues item and wakes the loop if the queue was empty. It returns
// false when the queue is full or the actor has been stopped or has failed.
func (a *Actor[T]) Push(item T) bool {
	a.Lock()
	defer a.Unlock()

	if a.stopped || a.exited {
		return false
	}
	wasEmpty := a.queue.IsEmpty()
	if !a.queue.Push(item) {
		return false
	}
	if wasEmpty {
		a.Signal()
	}
	return true
}

// Len returns the number of undelivered items.
func (a *Actor[T]) Len() int {
	a.Lock()
	defer a.Unlock()
	return a.queue.Len()
}

func (a *Actor[T]) drain(w *Worker) error {
	for {
		w.Lock()
		if !w.Wait(a.queue.IsEmpty) {
			// undelivered items are dropped on stop
			a.queue.Clear()
			w.Unlock()
			return nil
		}
		item, _ := a.queue.Pop()
		w.Unlock()

		if err := a.handler(item); err != nil {
			return err
		}
	}
}
