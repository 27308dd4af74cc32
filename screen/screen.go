// Package screen is the render side of the video buffer. It takes each new
// frame out of the buffer and fans it out to websocket viewers.
package screen

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"screenlink/actor"
	"screenlink/videobuffer"
)

// Renderer receives every consumed frame. The frame is a private copy.
type Renderer interface {
	Render(f *videobuffer.Frame)
}

// Screen consumes frames from a videobuffer.Buffer on its own goroutine.
type Screen struct {
	*actor.Worker
	buf      *videobuffer.Buffer
	renderer Renderer
	log      *slog.Logger

	// one pending notification is enough: the decoder only notifies once
	// per frame that replaced a consumed one
	events chan struct{}

	mu       sync.Mutex
	last     *videobuffer.Frame
	rendered atomic.Uint64
}

// New creates a screen rendering to r, which may be nil.
func New(buf *videobuffer.Buffer, r Renderer) *Screen {
	s := &Screen{
		buf:      buf,
		renderer: r,
		log:      slog.With("component", "screen"),
		events:   make(chan struct{}, 1),
	}
	s.Worker = actor.NewWorker("screen", s.run)
	return s
}

// NotifyNewFrame is the decoder's new-frame callback. It never blocks.
func (s *Screen) NotifyNewFrame() {
	select {
	case s.events <- struct{}{}:
	default:
	}
}

// LastFrame returns the most recently rendered frame, or nil.
func (s *Screen) LastFrame() *videobuffer.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Rendered counts consumed frames.
func (s *Screen) Rendered() uint64 { return s.rendered.Load() }

func (s *Screen) run(w *actor.Worker) error {
	for {
		select {
		case <-w.Quit():
			return nil
		case <-s.events:
			s.render(s.consume())
		}
	}
}

func (s *Screen) consume() *videobuffer.Frame {
	s.buf.Lock()
	defer s.buf.Unlock()
	f := s.buf.ConsumeRenderedFrame()
	// the decoder may reuse the slot as soon as the lock is released
	cp := *f
	cp.Data = append([]byte(nil), f.Data...)
	return &cp
}

func (s *Screen) render(f *videobuffer.Frame) {
	s.mu.Lock()
	prev := s.last
	s.last = f
	s.mu.Unlock()
	s.rendered.Add(1)

	if prev == nil || prev.Width != f.Width || prev.Height != f.Height {
		s.log.Info("frame size", "width", f.Width, "height", f.Height)
	}
	if s.renderer != nil {
		s.renderer.Render(f)
	}
}
