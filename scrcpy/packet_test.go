package scrcpy

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketHeaderRoundTrip(t *testing.T) {
	cases := []PacketHeader{
		{PTS: 0, Length: 1},
		{PTS: 123456789, Length: 1},
		{PTS: NoPTS, Length: 42},
		{PTS: 1 << 40, Length: 0xFFFFFFFF},
	}
	for _, h := range cases {
		var b [PacketHeaderSize]byte
		WritePacketHeader(b[:], h)
		got, err := ParsePacketHeader(b[:])
		require.NoError(t, err)
		assert.Equal(t, h, got)
		assert.Equal(t, h.PTS == NoPTS, got.IsConfig())
	}
}

func TestParsePacketHeaderBytes(t *testing.T) {
	b := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0, 0, 0x01, 0x00}
	h, err := ParsePacketHeader(b)
	require.NoError(t, err)
	assert.True(t, h.IsConfig())
	assert.Equal(t, uint32(256), h.Length)
}

func TestParsePacketHeaderErrors(t *testing.T) {
	_, err := ParsePacketHeader(make([]byte, 11))
	assert.ErrorIs(t, err, ErrShortHeader)

	_, err = ParsePacketHeader(make([]byte, PacketHeaderSize))
	assert.ErrorIs(t, err, ErrEmptyPacket)
}

func TestReadPacket(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePacket(&buf, NoPTS, []byte{0, 0, 0, 1, 0x67}))
	require.NoError(t, WritePacket(&buf, 1000, []byte{0, 0, 0, 1, 0x65, 0x88}))

	p, err := ReadPacket(&buf)
	require.NoError(t, err)
	assert.True(t, p.IsConfig())
	assert.Equal(t, []byte{0, 0, 0, 1, 0x67}, p.Data)

	p, err = ReadPacket(&buf)
	require.NoError(t, err)
	assert.False(t, p.IsConfig())
	assert.Equal(t, uint64(1000), p.PTS)
	assert.Len(t, p.Data, 6)

	_, err = ReadPacket(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadPacketTooLarge(t *testing.T) {
	var b [PacketHeaderSize]byte
	WritePacketHeader(b[:], PacketHeader{PTS: 1, Length: MaxPacketSize + 1})
	_, err := ReadPacket(bytes.NewReader(b[:]))
	assert.ErrorIs(t, err, ErrPacketTooLarge)
}

func TestReadPacketTruncatedPayload(t *testing.T) {
	var b [PacketHeaderSize + 2]byte
	WritePacketHeader(b[:], PacketHeader{PTS: 1, Length: 10})
	_, err := ReadPacket(bytes.NewReader(b[:]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestWritePacketRejectsEmpty(t *testing.T) {
	assert.ErrorIs(t, WritePacket(io.Discard, 1, nil), ErrEmptyPacket)
}
