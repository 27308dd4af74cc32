package scrcpy

import (
	"errors"
	"fmt"
)

var ErrUnknownDeviceMessage = errors.New("scrcpy: unknown device message")

// DeviceMessage is sent by the server on the control socket.
type DeviceMessage interface {
	Type() DeviceMessageType
	deviceMessage()
}

// Clipboard carries the device clipboard text, sent after GetClipboard or
// whenever the device clipboard changes.
type Clipboard struct {
	Text string `json:"text"`
}

func (Clipboard) Type() DeviceMessageType { return TypeClipboard }
func (Clipboard) deviceMessage()          {}

// DeserializeDeviceMessage decodes one message from the front of buf.
//
// ErrNeedMoreData means buf holds only part of a message; the caller keeps
// the bytes and retries after the next read. ErrUnknownDeviceMessage means
// the stream is out of sync and the connection must be dropped.
func DeserializeDeviceMessage(buf []byte) (DeviceMessage, int, error) {
	if len(buf) < 3 {
		return nil, 0, ErrNeedMoreData
	}
	switch DeviceMessageType(buf[0]) {
	case TypeClipboard:
		text, n, err := readString(buf[1:])
		if err != nil {
			return nil, 0, err
		}
		return Clipboard{Text: text}, 1 + n, nil
	}
	return nil, 0, fmt.Errorf("%w: type %d", ErrUnknownDeviceMessage, buf[0])
}

// SerializeDeviceMessage is the device side of DeserializeDeviceMessage.
func SerializeDeviceMessage(msg DeviceMessage) ([]byte, error) {
	switch m := msg.(type) {
	case Clipboard:
		return appendString([]byte{byte(TypeClipboard)}, m.Text, DeviceClipboardMaxLength), nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownDeviceMessage, msg)
}
