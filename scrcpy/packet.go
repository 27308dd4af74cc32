package scrcpy

import (
	"errors"
	"fmt"
	"io"
)

const (
	PacketHeaderSize = 12

	// NoPTS marks a config packet (codec parameters such as SPS/PPS).
	NoPTS uint64 = ^uint64(0)

	// MaxPacketSize bounds a single payload so a corrupt header cannot make
	// the reader allocate gigabytes.
	MaxPacketSize = 64 << 20
)

var (
	ErrEmptyPacket    = errors.New("scrcpy: empty packet")
	ErrPacketTooLarge = errors.New("scrcpy: packet too large")
	ErrShortHeader    = errors.New("scrcpy: short packet header")
)

// PacketHeader precedes every video packet: 8-byte PTS, 4-byte length.
type PacketHeader struct {
	PTS    uint64
	Length uint32
}

// IsConfig reports whether the header carries the no-timestamp sentinel.
func (h PacketHeader) IsConfig() bool { return h.PTS == NoPTS }

// ParsePacketHeader decodes the first 12 bytes of b.
func ParsePacketHeader(b []byte) (PacketHeader, error) {
	if len(b) < PacketHeaderSize {
		return PacketHeader{}, ErrShortHeader
	}
	h := PacketHeader{
		PTS:    be.Uint64(b[0:8]),
		Length: be.Uint32(b[8:12]),
	}
	if h.Length == 0 {
		return h, ErrEmptyPacket
	}
	return h, nil
}

// WritePacketHeader encodes h into the first 12 bytes of b.
func WritePacketHeader(b []byte, h PacketHeader) {
	be.PutUint64(b[0:8], h.PTS)
	be.PutUint32(b[8:12], h.Length)
}

// Packet is one framed video unit as read from the socket.
type Packet struct {
	PTS  uint64
	Data []byte
}

func (p Packet) IsConfig() bool { return p.PTS == NoPTS }

// ReadPacket reads one header and its payload.
func ReadPacket(r io.Reader) (Packet, error) {
	var hdr [PacketHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Packet{}, err
	}
	h, err := ParsePacketHeader(hdr[:])
	if err != nil {
		return Packet{}, err
	}
	if h.Length > MaxPacketSize {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, h.Length)
	}
	data := make([]byte, h.Length)
	if _, err := io.ReadFull(r, data); err != nil {
		return Packet{}, fmt.Errorf("read packet payload: %w", err)
	}
	return Packet{PTS: h.PTS, Data: data}, nil
}

// WritePacket frames data with a header and writes both in one call.
func WritePacket(w io.Writer, pts uint64, data []byte) error {
	if len(data) == 0 {
		return ErrEmptyPacket
	}
	buf := make([]byte, PacketHeaderSize+len(data))
	WritePacketHeader(buf, PacketHeader{PTS: pts, Length: uint32(len(data))})
	copy(buf[PacketHeaderSize:], data)
	_, err := w.Write(buf)
	return err
}
