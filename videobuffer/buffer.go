// Package videobuffer is the two-slot handoff between the decoder and the
// renderer.
//
// The decoder offers each frame; the renderer consumes the latest one. In
// the default drop mode an unconsumed frame is simply replaced. With
// render-expired-frames the decoder waits until the renderer has taken the
// previous frame, so no frame is skipped.
package videobuffer

import (
	"errors"
	"sync"
)

var ErrInterrupted = errors.New("videobuffer: interrupted")

// Frame is a decoded picture, or whatever the configured codec produces.
type Frame struct {
	PTS      uint64
	Width    int
	Height   int
	Keyframe bool
	Data     []byte

	// Discontinuity is set by the buffer when the frame replaced one that
	// was never consumed.
	Discontinuity bool
}

// Buffer holds the decoding and rendering slots.
type Buffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	decoding  *Frame
	rendering *Frame
	consumed  bool

	renderExpiredFrames bool
	interrupted         bool

	rendered uint64
	skipped  uint64
}

// New creates an empty buffer. The rendering slot starts out consumed so
// the first offer never blocks.
func New(renderExpiredFrames bool) *Buffer {
	b := &Buffer{
		consumed:            true,
		renderExpiredFrames: renderExpiredFrames,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// RenderExpiredFrames reports the buffer's mode.
func (b *Buffer) RenderExpiredFrames() bool { return b.renderExpiredFrames }

// OfferDecodedFrame publishes frame as the frame to render and reports
// whether the previous one was replaced before being consumed. The caller
// then only needs to announce a new frame when previousSkipped is false.
//
// In render-expired-frames mode it blocks until the previous frame has been
// consumed, and returns ErrInterrupted without publishing if Interrupt is
// called meanwhile.
func (b *Buffer) OfferDecodedFrame(frame *Frame) (previousSkipped bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.decoding = frame
	if b.renderExpiredFrames {
		for !b.consumed && !b.interrupted {
			b.cond.Wait()
		}
		if b.interrupted {
			b.decoding = nil
			return false, ErrInterrupted
		}
	} else if !b.consumed {
		b.skipped++
		frame.Discontinuity = true
	}

	b.decoding, b.rendering = b.rendering, b.decoding
	previousSkipped = !b.consumed
	b.consumed = false
	return previousSkipped, nil
}

// Lock must be held around ConsumeRenderedFrame and while the returned
// frame is read.
func (b *Buffer) Lock()   { b.mu.Lock() }
func (b *Buffer) Unlock() { b.mu.Unlock() }

// ConsumeRenderedFrame takes the frame to render. The caller must hold the
// lock and must only call it once per new frame; anything else is a bug and
// panics.
func (b *Buffer) ConsumeRenderedFrame() *Frame {
	if b.mu.TryLock() {
		b.mu.Unlock()
		panic("videobuffer: ConsumeRenderedFrame called without holding the lock")
	}
	if b.consumed {
		panic("videobuffer: rendering frame already consumed")
	}
	b.consumed = true
	b.rendered++
	if b.renderExpiredFrames {
		b.cond.Signal()
	}
	return b.rendering
}

// Interrupt releases a producer blocked in OfferDecodedFrame. Later offers
// in render-expired-frames mode fail with ErrInterrupted.
func (b *Buffer) Interrupt() {
	b.mu.Lock()
	b.interrupted = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Counters returns the number of frames rendered and skipped so far.
func (b *Buffer) Counters() (rendered, skipped uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rendered, b.skipped
}
