package nal

import (
	"bytes"
	"errors"
	"fmt"
)

var ErrNotSPS = errors.New("nal: not a sequence parameter set")

// SPSInfo is the subset of an SPS the client cares about.
type SPSInfo struct {
	Width        uint32
	Height       uint32
	Profile      uint8
	Level        uint8
	ChromaFormat uint32
}

// ParseSPS dispatches on codec. unit must not include a start code.
func ParseSPS(codec Codec, unit []byte) (SPSInfo, error) {
	if codec == H265 {
		return ParseH265SPS(unit)
	}
	return ParseH264SPS(unit)
}

// ParseH264SPS reads the cropped frame size from an H.264 SPS.
func ParseH264SPS(unit []byte) (SPSInfo, error) {
	var info SPSInfo
	if len(unit) < 4 {
		return info, fmt.Errorf("%w: %d bytes", ErrNotSPS, len(unit))
	}
	if unit[0]&0x1F != H264SPS {
		return info, fmt.Errorf("%w: type %d", ErrNotSPS, unit[0]&0x1F)
	}

	br := newBitReader(removeEmulationPreventionBytes(unit[1:]))
	info.Profile = uint8(br.ReadBits(8))
	br.ReadBits(8) // constraint flags
	info.Level = uint8(br.ReadBits(8))
	br.ReadUE() // seq_parameter_set_id

	info.ChromaFormat = 1
	separateColourPlane := false
	switch info.Profile {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		info.ChromaFormat = br.ReadUE()
		if info.ChromaFormat == 3 {
			separateColourPlane = br.ReadBits(1) == 1
		}
		br.ReadUE()    // bit_depth_luma_minus8
		br.ReadUE()    // bit_depth_chroma_minus8
		br.ReadBits(1) // qpprime_y_zero_transform_bypass_flag
		if br.ReadBits(1) == 1 {
			lists := 8
			if info.ChromaFormat == 3 {
				lists = 12
			}
			for i := 0; i < lists; i++ {
				if br.ReadBits(1) == 0 {
					continue
				}
				size := 16
				if i >= 6 {
					size = 64
				}
				skipScalingList(br, size)
			}
		}
	}

	br.ReadUE() // log2_max_frame_num_minus4
	switch br.ReadUE() {
	case 0:
		br.ReadUE() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		br.ReadBits(1) // delta_pic_order_always_zero_flag
		br.ReadSE()    // offset_for_non_ref_pic
		br.ReadSE()    // offset_for_top_to_bottom_field
		n := br.ReadUE()
		for i := uint32(0); i < n && !br.Exhausted(); i++ {
			br.ReadSE()
		}
	}
	br.ReadUE()    // max_num_ref_frames
	br.ReadBits(1) // gaps_in_frame_num_value_allowed_flag

	widthMbs := br.ReadUE() + 1
	heightMapUnits := br.ReadUE() + 1
	frameMbsOnly := br.ReadBits(1)
	if frameMbsOnly == 0 {
		br.ReadBits(1) // mb_adaptive_frame_field_flag
	}
	br.ReadBits(1) // direct_8x8_inference_flag

	width := widthMbs * 16
	height := (2 - frameMbsOnly) * heightMapUnits * 16

	if br.ReadBits(1) == 1 {
		left, right := br.ReadUE(), br.ReadUE()
		top, bottom := br.ReadUE(), br.ReadUE()

		cropX, cropY := uint32(1), 2-frameMbsOnly
		if !separateColourPlane && info.ChromaFormat != 0 {
			subW, subH := chromaSubsampling(info.ChromaFormat)
			cropX = subW
			cropY = subH * (2 - frameMbsOnly)
		}
		width -= (left + right) * cropX
		height -= (top + bottom) * cropY
	}
	if br.Exhausted() {
		return info, fmt.Errorf("%w: truncated", ErrNotSPS)
	}

	info.Width = width
	info.Height = height
	return info, nil
}

func skipScalingList(br *bitReader, size int) {
	last, next := int32(8), int32(8)
	for j := 0; j < size; j++ {
		if next != 0 {
			next = (last + br.ReadSE() + 256) % 256
		}
		if next != 0 {
			last = next
		}
	}
}

// ParseH265SPS reads the conformance-window cropped frame size from an
// H.265 SPS.
func ParseH265SPS(unit []byte) (SPSInfo, error) {
	var info SPSInfo
	if len(unit) < 2 {
		return info, fmt.Errorf("%w: %d bytes", ErrNotSPS, len(unit))
	}

	br := newBitReader(removeEmulationPreventionBytes(unit))

	// NAL header: forbidden(1) type(6) layer(6) tid(3)
	br.ReadBits(1)
	nalType := br.ReadBits(6)
	br.ReadBits(6)
	br.ReadBits(3)
	if nalType != H265SPS {
		return info, fmt.Errorf("%w: type %d", ErrNotSPS, nalType)
	}

	br.ReadBits(4) // sps_video_parameter_set_id
	maxSubLayersMinus1 := br.ReadBits(3)
	br.ReadBits(1) // sps_temporal_id_nesting_flag

	info.Profile, info.Level = skipProfileTierLevel(br, maxSubLayersMinus1)

	br.ReadUE() // sps_seq_parameter_set_id
	info.ChromaFormat = br.ReadUE()
	if info.ChromaFormat == 3 {
		br.ReadBits(1) // separate_colour_plane_flag
	}

	width := br.ReadUE()
	height := br.ReadUE()

	if br.ReadBits(1) == 1 {
		left, right := br.ReadUE(), br.ReadUE()
		top, bottom := br.ReadUE(), br.ReadUE()
		subW, subH := chromaSubsampling(info.ChromaFormat)
		width -= (left + right) * subW
		height -= (top + bottom) * subH
	}
	if br.Exhausted() {
		return info, fmt.Errorf("%w: truncated", ErrNotSPS)
	}

	info.Width = width
	info.Height = height
	return info, nil
}

// skipProfileTierLevel consumes profile_tier_level() including the
// sub-layer entries, which must be skipped to reach the picture size.
func skipProfileTierLevel(br *bitReader, maxSubLayersMinus1 uint32) (profile, level uint8) {
	br.ReadBits(2) // general_profile_space
	br.ReadBits(1) // general_tier_flag
	profile = uint8(br.ReadBits(5))
	br.ReadBits(32) // general_profile_compatibility_flags
	br.ReadBits(32) // general_constraint_indicator_flags
	br.ReadBits(16)
	level = uint8(br.ReadBits(8))

	profilePresent := make([]bool, maxSubLayersMinus1)
	levelPresent := make([]bool, maxSubLayersMinus1)
	for i := range profilePresent {
		profilePresent[i] = br.ReadBits(1) == 1
		levelPresent[i] = br.ReadBits(1) == 1
	}
	if maxSubLayersMinus1 > 0 {
		for i := maxSubLayersMinus1; i < 8; i++ {
			br.ReadBits(2) // reserved_zero_2bits
		}
	}
	for i := range profilePresent {
		if profilePresent[i] {
			br.ReadBits(8)  // space, tier, profile idc
			br.ReadBits(32) // compatibility flags
			br.ReadBits(32) // constraint flags
			br.ReadBits(16)
		}
		if levelPresent[i] {
			br.ReadBits(8)
		}
	}
	return profile, level
}

// chromaSubsampling returns SubWidthC and SubHeightC for chroma_format_idc.
func chromaSubsampling(chromaFormat uint32) (uint32, uint32) {
	switch chromaFormat {
	case 1:
		return 2, 2
	case 2:
		return 2, 1
	}
	return 1, 1
}

type bitReader struct {
	data   []byte
	offset int // in bits
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

// ReadBits reads n <= 32 bits MSB first. Bits past the end read as zero.
func (r *bitReader) ReadBits(n int) uint32 {
	var v uint32
	for i := 0; i < n; i++ {
		byteOffset := r.offset / 8
		bitOffset := 7 - r.offset%8
		r.offset++
		if byteOffset >= len(r.data) {
			v <<= 1
			continue
		}
		v = v<<1 | uint32(r.data[byteOffset]>>bitOffset&1)
	}
	return v
}

// ReadUE reads an unsigned Exp-Golomb code.
func (r *bitReader) ReadUE() uint32 {
	zeros := 0
	for r.ReadBits(1) == 0 {
		zeros++
		if zeros > 31 || r.Exhausted() {
			return 0
		}
	}
	return (1 << zeros) - 1 + r.ReadBits(zeros)
}

// ReadSE reads a signed Exp-Golomb code.
func (r *bitReader) ReadSE() int32 {
	k := r.ReadUE()
	if k&1 == 1 {
		return int32((k + 1) / 2)
	}
	return -int32(k / 2)
}

// Exhausted reports whether reads have run past the data.
func (r *bitReader) Exhausted() bool {
	return r.offset > len(r.data)*8
}

// removeEmulationPreventionBytes turns 00 00 03 back into 00 00.
func removeEmulationPreventionBytes(data []byte) []byte {
	if !bytes.Contains(data, []byte{0, 0, 3}) {
		return data
	}
	buf := make([]byte, 0, len(data))
	for i := 0; i < len(data); {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 {
			buf = append(buf, 0, 0)
			i += 3
			continue
		}
		buf = append(buf, data[i])
		i++
	}
	return buf
}
