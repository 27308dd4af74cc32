package scrcpy

import (
	"strconv"
)

// ServerMainClass is the entry point of the server jar on the device.
const ServerMainClass = "com.genymobile.scrcpy.Server"

// Size is a screen size in device pixels.
type Size struct {
	Width  uint16 `json:"width"`
	Height uint16 `json:"height"`
}

// Point is a position in device pixels.
type Point struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
}

// Position locates a point on a screen of the given size. The server drops
// events whose screen size no longer matches the current frame size.
//
// Wire layout (12 bytes): x(4) y(4) width(2) height(2).
type Position struct {
	Screen Size  `json:"screen"`
	Point  Point `json:"point"`
}

// Crop is the capture rectangle passed to the server, "-" when unset.
type Crop struct {
	Width, Height, X, Y uint16
}

func (c *Crop) String() string {
	if c == nil {
		return "-"
	}
	return strconv.Itoa(int(c.Width)) + ":" + strconv.Itoa(int(c.Height)) + ":" +
		strconv.Itoa(int(c.X)) + ":" + strconv.Itoa(int(c.Y))
}

// ServerParams are the positional arguments understood by the server.
type ServerParams struct {
	Version       string
	MaxSize       uint16
	BitRate       uint32
	MaxFPS        uint16
	TunnelForward bool
	Crop          *Crop
	Control       bool
}

// Args renders the parameters in the order the server reads them. The
// literal "true" asks the server to send frame metadata (packet headers).
func (p ServerParams) Args() []string {
	return []string{
		p.Version,
		strconv.FormatUint(uint64(p.MaxSize), 10),
		strconv.FormatUint(uint64(p.BitRate), 10),
		strconv.FormatUint(uint64(p.MaxFPS), 10),
		strconv.FormatBool(p.TunnelForward),
		p.Crop.String(),
		"true",
		strconv.FormatBool(p.Control),
	}
}
