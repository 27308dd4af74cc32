package scrcpy

import (
	"bytes"
	"fmt"
	"io"
	"unicode/utf8"
)

// DeviceNameFieldLength is the fixed size of the NUL padded device name sent
// before the video stream.
const DeviceNameFieldLength = 64

// DeviceInfo is written by the server on the video socket right after the
// connection is established.
type DeviceInfo struct {
	Name string `json:"name"`
	Size Size   `json:"size"`
}

// ReadDeviceInfo reads the 64-byte name followed by the initial frame size.
func ReadDeviceInfo(r io.Reader) (DeviceInfo, error) {
	buf := make([]byte, DeviceNameFieldLength+4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return DeviceInfo{}, fmt.Errorf("read device info: %w", err)
	}
	name := buf[:DeviceNameFieldLength]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return DeviceInfo{
		Name: string(name),
		Size: Size{
			Width:  be.Uint16(buf[DeviceNameFieldLength:]),
			Height: be.Uint16(buf[DeviceNameFieldLength+2:]),
		},
	}, nil
}

// WriteDeviceInfo is the device side of ReadDeviceInfo. The name is cut so
// that at least one NUL terminator remains.
func WriteDeviceInfo(w io.Writer, info DeviceInfo) error {
	buf := make([]byte, DeviceNameFieldLength+4)
	copy(buf, truncateUTF8(info.Name, DeviceNameFieldLength-1))
	be.PutUint16(buf[DeviceNameFieldLength:], info.Size.Width)
	be.PutUint16(buf[DeviceNameFieldLength+2:], info.Size.Height)
	_, err := w.Write(buf)
	return err
}

// truncateUTF8 returns the longest prefix of s not exceeding max bytes that
// does not split a multi-byte character.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	n := max
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
