// Package nal holds the small amount of H.264/H.265 bitstream handling the
// client needs: splitting Annex-B byte streams, classifying NAL units,
// reading the frame size out of an SPS and stripping SEI/AUD units before
// forwarding a stream to browsers.
package nal

import "bytes"

// Codec names the video elementary stream format.
type Codec string

const (
	H264 Codec = "h264"
	H265 Codec = "h265"
)

// StartCode is the 4-byte Annex-B prefix used when re-framing units.
var StartCode = []byte{0x00, 0x00, 0x00, 0x01}

// H.264 nal_unit_type values.
const (
	H264Slice = 1
	H264IDR   = 5
	H264SEI   = 6
	H264SPS   = 7
	H264PPS   = 8
	H264AUD   = 9
)

// H.265 nal_unit_type values.
const (
	H265IDRWRADL  = 19
	H265IDRNLP    = 20
	H265CRA       = 21
	H265VPS       = 32
	H265SPS       = 33
	H265PPS       = 34
	H265AUD       = 35
	H265PrefixSEI = 39
	H265SuffixSEI = 40
)

// Split returns the NAL units of an Annex-B stream without their start
// codes. Trailing zero bytes of each unit are dropped.
func Split(b []byte) [][]byte {
	var out [][]byte
	i := 0
	for {
		start, scLen := findStartCode(b, i)
		if start < 0 {
			break
		}
		next, _ := findStartCode(b, start+scLen)
		end := next
		if next < 0 {
			end = len(b)
		}
		if unit := trimTrailingZeros(b[start+scLen : end]); len(unit) > 0 {
			out = append(out, unit)
		}
		if next < 0 {
			break
		}
		i = next
	}
	return out
}

// Join re-frames units with 4-byte start codes.
func Join(units ...[]byte) []byte {
	size := 0
	for _, u := range units {
		size += len(StartCode) + len(u)
	}
	out := make([]byte, 0, size)
	for _, u := range units {
		out = append(out, StartCode...)
		out = append(out, u...)
	}
	return out
}

func findStartCode(b []byte, from int) (int, int) {
	n := len(b)
	for i := from; i+2 < n; i++ {
		if b[i] != 0x00 || b[i+1] != 0x00 {
			continue
		}
		if b[i+2] == 0x01 {
			return i, 3
		}
		if i+3 < n && b[i+2] == 0x00 && b[i+3] == 0x01 {
			return i, 4
		}
	}
	return -1, 0
}

func trimTrailingZeros(b []byte) []byte {
	i := len(b)
	for i > 0 && b[i-1] == 0x00 {
		i--
	}
	return b[:i]
}

// Type returns the nal_unit_type of a unit without start code.
func Type(codec Codec, unit []byte) int {
	if len(unit) == 0 {
		return -1
	}
	if codec == H265 {
		return int(unit[0]>>1) & 0x3F
	}
	return int(unit[0] & 0x1F)
}

// IsParameterSet reports whether the unit is a VPS, SPS or PPS.
func IsParameterSet(codec Codec, unit []byte) bool {
	t := Type(codec, unit)
	if codec == H265 {
		return t == H265VPS || t == H265SPS || t == H265PPS
	}
	return t == H264SPS || t == H264PPS
}

// IsKeyframe reports whether the unit starts a random access point.
func IsKeyframe(codec Codec, unit []byte) bool {
	t := Type(codec, unit)
	if codec == H265 {
		return t >= H265IDRWRADL && t <= H265CRA
	}
	return t == H264IDR
}

// ContainsKeyframe scans an Annex-B access unit for a random access point.
func ContainsKeyframe(codec Codec, au []byte) bool {
	for _, u := range Split(au) {
		if IsKeyframe(codec, u) {
			return true
		}
	}
	return false
}

// FindSPS returns the first SPS in an Annex-B buffer, or nil.
func FindSPS(codec Codec, au []byte) []byte {
	want := H264SPS
	if codec == H265 {
		want = H265SPS
	}
	for _, u := range Split(au) {
		if Type(codec, u) == want {
			return u
		}
	}
	return nil
}

// Prune removes SEI and AUD units from an Annex-B access unit. Browsers
// choke on some vendor SEI payloads and AUDs carry nothing a decoder needs.
// The result reuses payload's backing array; callers must use the return
// value.
func Prune(payload []byte, codec Codec) []byte {
	if len(payload) < 5 {
		return payload
	}
	first, _ := findStartCode(payload, 0)
	if first < 0 {
		return payload
	}

	out := payload[:first]
	start := first
	for start < len(payload) {
		_, scLen := findStartCode(payload, start)
		next, _ := findStartCode(payload, start+scLen)
		end := next
		if next < 0 {
			end = len(payload)
		}
		if !isSEIOrAUD(codec, payload[start+scLen:end]) {
			// out never grows faster than start advances, so this copy
			// cannot clobber bytes not yet read
			out = append(out, payload[start:end]...)
		}
		start = end
	}
	return out
}

func isSEIOrAUD(codec Codec, unit []byte) bool {
	t := Type(codec, unit)
	if codec == H265 {
		return t == H265PrefixSEI || t == H265SuffixSEI || t == H265AUD
	}
	return t == H264SEI || t == H264AUD
}

// HasStartCode reports whether b begins with an Annex-B start code.
func HasStartCode(b []byte) bool {
	return bytes.HasPrefix(b, StartCode) || bytes.HasPrefix(b, StartCode[1:])
}
