package nal

type bitWriter struct {
	buf  []byte
	bits int
}

func (w *bitWriter) put(n int, v uint32) {
	for i := n - 1; i >= 0; i-- {
		if w.bits%8 == 0 {
			w.buf = append(w.buf, 0)
		}
		if v>>uint(i)&1 == 1 {
			w.buf[len(w.buf)-1] |= 0x80 >> uint(w.bits%8)
		}
		w.bits++
	}
}

func (w *bitWriter) ue(v uint32) {
	v++
	n := 0
	for t := v; t > 1; t >>= 1 {
		n++
	}
	w.put(n, 0)
	w.put(n+1, v)
}

// trailing writes rbsp_stop_one_bit and pads to a byte boundary.
func (w *bitWriter) trailing() []byte {
	w.put(1, 1)
	for w.bits%8 != 0 {
		w.put(1, 0)
	}
	return w.buf
}

// BuildH264SPS returns a minimal constrained-baseline SPS describing a
// width x height picture, cropping to sizes that are not multiples of 16.
// Emulation prevention is not applied; the fields written here never
// produce two consecutive zero bytes for sizes up to 8K.
func BuildH264SPS(width, height int) []byte {
	widthMbs := uint32(width+15) / 16
	heightMbs := uint32(height+15) / 16
	cropRight := (widthMbs*16 - uint32(width)) / 2
	cropBottom := (heightMbs*16 - uint32(height)) / 2

	w := &bitWriter{}
	w.put(8, 0x67)
	w.put(8, 66)   // profile_idc: baseline
	w.put(8, 0xc0) // constraint_set0/1
	w.put(8, 40)   // level 4.0
	w.ue(0)        // seq_parameter_set_id
	w.ue(0)        // log2_max_frame_num_minus4
	w.ue(0)        // pic_order_cnt_type
	w.ue(0)        // log2_max_pic_order_cnt_lsb_minus4
	w.ue(1)        // max_num_ref_frames
	w.put(1, 0)    // gaps_in_frame_num_value_allowed_flag
	w.ue(widthMbs - 1)
	w.ue(heightMbs - 1)
	w.put(1, 1) // frame_mbs_only_flag
	w.put(1, 1) // direct_8x8_inference_flag
	if cropRight > 0 || cropBottom > 0 {
		w.put(1, 1)
		w.ue(0)
		w.ue(cropRight)
		w.ue(0)
		w.ue(cropBottom)
	} else {
		w.put(1, 0)
	}
	w.put(1, 0) // vui_parameters_present_flag
	return w.trailing()
}
