package scrcpy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var be = binary.BigEndian

var (
	ErrUnknownControlMessage = errors.New("scrcpy: unknown control message")
	ErrNeedMoreData          = errors.New("scrcpy: need more data")
)

// ControlMessage is one command on the control socket. The set of
// implementations is closed; see the Type* constants for the wire tags.
type ControlMessage interface {
	Type() ControlMessageType
	controlMessage()
}

type InjectKeycode struct {
	Action    KeyAction `json:"action"`
	Keycode   uint32    `json:"keycode"`
	Metastate uint32    `json:"metastate"`
}

type InjectText struct {
	Text string `json:"text"`
}

type InjectTouchEvent struct {
	Action    MotionAction `json:"action"`
	PointerID uint64       `json:"pointer_id"`
	Position  Position     `json:"position"`
	// Pressure is in [0, 1].
	Pressure float32 `json:"pressure"`
	Buttons  uint32  `json:"buttons"`
}

type InjectScrollEvent struct {
	Position Position `json:"position"`
	HScroll  int32    `json:"hscroll"`
	VScroll  int32    `json:"vscroll"`
}

type BackOrScreenOn struct{}

type ExpandNotificationPanel struct{}

type CollapseNotificationPanel struct{}

type GetClipboard struct{}

type SetClipboard struct {
	Text string `json:"text"`
}

type SetScreenPowerMode struct {
	Mode ScreenPowerMode `json:"mode"`
}

type RotateDevice struct{}

func (InjectKeycode) Type() ControlMessageType             { return TypeInjectKeycode }
func (InjectText) Type() ControlMessageType                { return TypeInjectText }
func (InjectTouchEvent) Type() ControlMessageType          { return TypeInjectTouchEvent }
func (InjectScrollEvent) Type() ControlMessageType         { return TypeInjectScrollEvent }
func (BackOrScreenOn) Type() ControlMessageType            { return TypeBackOrScreenOn }
func (ExpandNotificationPanel) Type() ControlMessageType   { return TypeExpandNotificationPanel }
func (CollapseNotificationPanel) Type() ControlMessageType { return TypeCollapseNotificationPanel }
func (GetClipboard) Type() ControlMessageType              { return TypeGetClipboard }
func (SetClipboard) Type() ControlMessageType              { return TypeSetClipboard }
func (SetScreenPowerMode) Type() ControlMessageType        { return TypeSetScreenPowerMode }
func (RotateDevice) Type() ControlMessageType              { return TypeRotateDevice }

func (InjectKeycode) controlMessage()             {}
func (InjectText) controlMessage()                {}
func (InjectTouchEvent) controlMessage()          {}
func (InjectScrollEvent) controlMessage()         {}
func (BackOrScreenOn) controlMessage()            {}
func (ExpandNotificationPanel) controlMessage()   {}
func (CollapseNotificationPanel) controlMessage() {}
func (GetClipboard) controlMessage()              {}
func (SetClipboard) controlMessage()              {}
func (SetScreenPowerMode) controlMessage()        {}
func (RotateDevice) controlMessage()              {}

const (
	positionSize      = 12
	injectKeycodeSize = 1 + 1 + 4 + 4
	injectTouchSize   = 1 + 1 + 8 + positionSize + 2 + 4
	injectScrollSize  = 1 + positionSize + 4 + 4
	powerModeSize     = 1 + 1
)

// SerializeControlMessage encodes msg into its wire form.
func SerializeControlMessage(msg ControlMessage) ([]byte, error) {
	switch m := msg.(type) {
	case InjectKeycode:
		buf := make([]byte, injectKeycodeSize)
		buf[0] = byte(TypeInjectKeycode)
		buf[1] = byte(m.Action)
		be.PutUint32(buf[2:], m.Keycode)
		be.PutUint32(buf[6:], m.Metastate)
		return buf, nil
	case InjectText:
		return appendString([]byte{byte(TypeInjectText)}, m.Text, InjectTextMaxLength), nil
	case InjectTouchEvent:
		buf := make([]byte, injectTouchSize)
		buf[0] = byte(TypeInjectTouchEvent)
		buf[1] = byte(m.Action)
		be.PutUint64(buf[2:], m.PointerID)
		putPosition(buf[10:], m.Position)
		be.PutUint16(buf[22:], encodePressure(m.Pressure))
		be.PutUint32(buf[24:], m.Buttons)
		return buf, nil
	case InjectScrollEvent:
		buf := make([]byte, injectScrollSize)
		buf[0] = byte(TypeInjectScrollEvent)
		putPosition(buf[1:], m.Position)
		be.PutUint32(buf[13:], uint32(m.HScroll))
		be.PutUint32(buf[17:], uint32(m.VScroll))
		return buf, nil
	case SetClipboard:
		return appendString([]byte{byte(TypeSetClipboard)}, m.Text, ClipboardTextMaxLength), nil
	case SetScreenPowerMode:
		return []byte{byte(TypeSetScreenPowerMode), byte(m.Mode)}, nil
	case BackOrScreenOn, ExpandNotificationPanel, CollapseNotificationPanel, GetClipboard, RotateDevice:
		return []byte{byte(m.Type())}, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownControlMessage, msg)
}

// DeserializeControlMessage decodes one control message from the front of
// buf and reports how many bytes it used. It is the device side of
// SerializeControlMessage and returns ErrNeedMoreData on a partial message.
func DeserializeControlMessage(buf []byte) (ControlMessage, int, error) {
	if len(buf) < 1 {
		return nil, 0, ErrNeedMoreData
	}
	typ := ControlMessageType(buf[0])
	switch typ {
	case TypeInjectKeycode:
		if len(buf) < injectKeycodeSize {
			return nil, 0, ErrNeedMoreData
		}
		return InjectKeycode{
			Action:    KeyAction(buf[1]),
			Keycode:   be.Uint32(buf[2:]),
			Metastate: be.Uint32(buf[6:]),
		}, injectKeycodeSize, nil
	case TypeInjectText, TypeSetClipboard:
		text, n, err := readString(buf[1:])
		if err != nil {
			return nil, 0, err
		}
		if typ == TypeInjectText {
			return InjectText{Text: text}, 1 + n, nil
		}
		return SetClipboard{Text: text}, 1 + n, nil
	case TypeInjectTouchEvent:
		if len(buf) < injectTouchSize {
			return nil, 0, ErrNeedMoreData
		}
		return InjectTouchEvent{
			Action:    MotionAction(buf[1]),
			PointerID: be.Uint64(buf[2:]),
			Position:  readPosition(buf[10:]),
			Pressure:  decodePressure(be.Uint16(buf[22:])),
			Buttons:   be.Uint32(buf[24:]),
		}, injectTouchSize, nil
	case TypeInjectScrollEvent:
		if len(buf) < injectScrollSize {
			return nil, 0, ErrNeedMoreData
		}
		return InjectScrollEvent{
			Position: readPosition(buf[1:]),
			HScroll:  int32(be.Uint32(buf[13:])),
			VScroll:  int32(be.Uint32(buf[17:])),
		}, injectScrollSize, nil
	case TypeSetScreenPowerMode:
		if len(buf) < powerModeSize {
			return nil, 0, ErrNeedMoreData
		}
		return SetScreenPowerMode{Mode: ScreenPowerMode(buf[1])}, powerModeSize, nil
	case TypeBackOrScreenOn:
		return BackOrScreenOn{}, 1, nil
	case TypeExpandNotificationPanel:
		return ExpandNotificationPanel{}, 1, nil
	case TypeCollapseNotificationPanel:
		return CollapseNotificationPanel{}, 1, nil
	case TypeGetClipboard:
		return GetClipboard{}, 1, nil
	case TypeRotateDevice:
		return RotateDevice{}, 1, nil
	}
	return nil, 0, fmt.Errorf("%w: type %d", ErrUnknownControlMessage, buf[0])
}

func putPosition(buf []byte, p Position) {
	be.PutUint32(buf[0:], uint32(p.Point.X))
	be.PutUint32(buf[4:], uint32(p.Point.Y))
	be.PutUint16(buf[8:], p.Screen.Width)
	be.PutUint16(buf[10:], p.Screen.Height)
}

func readPosition(buf []byte) Position {
	return Position{
		Point: Point{
			X: int32(be.Uint32(buf[0:])),
			Y: int32(be.Uint32(buf[4:])),
		},
		Screen: Size{
			Width:  be.Uint16(buf[8:]),
			Height: be.Uint16(buf[10:]),
		},
	}
}

// encodePressure maps [0, 1] to a 16-bit fixed point fraction of 1.0. 1.0
// itself saturates to 0xFFFF.
func encodePressure(p float32) uint16 {
	if p < 0 || math.IsNaN(float64(p)) {
		p = 0
	} else if p > 1 {
		p = 1
	}
	v := math.Round(float64(p) * 65536)
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}

func decodePressure(v uint16) float32 {
	if v == math.MaxUint16 {
		return 1
	}
	return float32(v) / 65536
}

func appendString(dst []byte, s string, max int) []byte {
	s = truncateUTF8(s, max)
	dst = be.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...)
}

// readString reads a 2-byte length prefixed string and returns the bytes
// consumed, prefix included.
func readString(buf []byte) (string, int, error) {
	if len(buf) < 2 {
		return "", 0, ErrNeedMoreData
	}
	n := int(be.Uint16(buf))
	if len(buf)-2 < n {
		return "", 0, ErrNeedMoreData
	}
	return string(buf[2 : 2+n]), 2 + n, nil
}
