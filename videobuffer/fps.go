package videobuffer

import (
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"screenlink/actor"
)

// FPSCounter samples the buffer's counters at a fixed interval and logs the
// rendered and skipped frame rates.
type FPSCounter struct {
	*actor.Worker
	buf      *Buffer
	interval time.Duration
	log      *slog.Logger

	fps atomic.Uint64 // float64 bits
}

// NewFPSCounter creates a counter sampling every interval (one second when
// zero).
func NewFPSCounter(buf *Buffer, interval time.Duration) *FPSCounter {
	if interval <= 0 {
		interval = time.Second
	}
	c := &FPSCounter{
		buf:      buf,
		interval: interval,
		log:      slog.With("component", "fps"),
	}
	c.Worker = actor.NewWorker("fps", c.run)
	return c
}

// FPS returns the rendered frame rate of the last complete interval.
func (c *FPSCounter) FPS() float64 {
	return math.Float64frombits(c.fps.Load())
}

func (c *FPSCounter) run(w *actor.Worker) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	lastRendered, lastSkipped := c.buf.Counters()
	last := time.Now()
	for {
		select {
		case <-w.Quit():
			return nil
		case now := <-ticker.C:
			rendered, skipped := c.buf.Counters()
			secs := now.Sub(last).Seconds()
			fps := float64(rendered-lastRendered) / secs
			c.fps.Store(math.Float64bits(fps))
			if rendered != lastRendered || skipped != lastSkipped {
				c.log.Info("frame rate",
					"rendered_fps", math.Round(fps*10)/10,
					"skipped", skipped-lastSkipped)
			}
			lastRendered, lastSkipped, last = rendered, skipped, now
		}
	}
}
