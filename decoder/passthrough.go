package decoder

import (
	"screenlink/nal"
	"screenlink/scrcpy"
	"screenlink/stream"
	"screenlink/videobuffer"
)

// PassthroughCodec yields each access unit unchanged as the frame, for
// consumers that decode downstream (browsers, external players). The frame
// size is tracked from the SPS carried by config units.
type PassthroughCodec struct {
	codec  nal.Codec
	width  int
	height int
}

// NewPassthrough starts with the size announced by the device.
func NewPassthrough(codec nal.Codec, initial scrcpy.Size) *PassthroughCodec {
	return &PassthroughCodec{
		codec:  codec,
		width:  int(initial.Width),
		height: int(initial.Height),
	}
}

func (c *PassthroughCodec) Decode(u stream.Unit) ([]*videobuffer.Frame, error) {
	if u.Config {
		if sps := nal.FindSPS(c.codec, u.Data); sps != nil {
			// a bad SPS only costs us the size update
			if info, err := nal.ParseSPS(c.codec, sps); err == nil {
				c.width, c.height = int(info.Width), int(info.Height)
			}
		}
	}
	return []*videobuffer.Frame{{
		PTS:      u.PTS,
		Width:    c.width,
		Height:   c.height,
		Keyframe: nal.ContainsKeyframe(c.codec, u.Data),
		Data:     u.Data,
	}}, nil
}

func (c *PassthroughCodec) Close() error { return nil }
