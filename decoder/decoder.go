// Package decoder connects the video stream to the video buffer through a
// Codec. Pixel decoding itself is left to the Codec implementation.
package decoder

import (
	"errors"
	"fmt"
	"log/slog"

	"screenlink/stream"
	"screenlink/videobuffer"
)

// Codec turns access units into frames. It may buffer and return zero
// frames for a unit.
type Codec interface {
	Decode(u stream.Unit) ([]*videobuffer.Frame, error)
	Close() error
}

// Decoder is a stream.DecodeSink feeding a videobuffer.Buffer.
type Decoder struct {
	codec   Codec
	buf     *videobuffer.Buffer
	onFrame func()
	log     *slog.Logger
}

// New creates a decoder. onFrame, if set, is called after each offered
// frame unless the previous frame was still waiting, in which case the
// pending notification already covers it.
func New(codec Codec, buf *videobuffer.Buffer, onFrame func()) *Decoder {
	return &Decoder{
		codec:   codec,
		buf:     buf,
		onFrame: onFrame,
		log:     slog.With("component", "decoder"),
	}
}

func (d *Decoder) Push(u stream.Unit) error {
	frames, err := d.codec.Decode(u)
	if err != nil {
		return fmt.Errorf("decode pts %d: %w", u.PTS, err)
	}
	for _, f := range frames {
		skipped, err := d.buf.OfferDecodedFrame(f)
		if errors.Is(err, videobuffer.ErrInterrupted) {
			// shutting down; the stream will see its socket close
			return nil
		}
		if err != nil {
			return err
		}
		if !skipped && d.onFrame != nil {
			d.onFrame()
		}
	}
	return nil
}

func (d *Decoder) Close() error {
	return d.codec.Close()
}
