package h264

import (
	"errors"
	"fmt"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

const (
	profileBaseline = 66

	// log2_max_frame_num = 4 → frame_num은 0..15를 순환
	log2MaxFrameNum = 4
	maxFrameNum     = 1 << log2MaxFrameNum

	mbTypeIPCM = 25

	nalRefIdcHighest = 3
)

// ErrFrameSize는 입력 프레임 크기가 인코더 설정과 다를 때 반환됩니다
var ErrFrameSize = errors.New("frame size does not match encoder configuration")

// MaxFrameSize는 한 변의 최대 픽셀 수 (Level 5.1의 프레임 크기 상한 부근)
const MaxFrameSize = 8192

// PCMEncoderConfig는 I_PCM 인코더 설정입니다
type PCMEncoderConfig struct {
	Width  int
	Height int
	FPS    int
	KeyInt int // IDR 간격 (프레임 수)
}

// PCMEncoder는 모든 매크로블록을 I_PCM으로 기록하는 Baseline H.264 인코더입니다
// 압축은 하지 않지만 어떤 디코더에서도 재생 가능한 비트스트림을 만듭니다
type PCMEncoder struct {
	width, height int
	mbWidth       int
	mbHeight      int
	keyInt        int

	sps []byte
	pps []byte

	frameIndex int
	frameNum   int
	idrPicID   uint32
}

// NewPCMEncoder는 새로운 I_PCM 인코더를 생성합니다
func NewPCMEncoder(cfg PCMEncoderConfig) (*PCMEncoder, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > MaxFrameSize || cfg.Height > MaxFrameSize {
		return nil, fmt.Errorf("invalid frame size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Width%2 != 0 || cfg.Height%2 != 0 {
		return nil, fmt.Errorf("frame size %dx%d must be even for 4:2:0", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.KeyInt <= 0 {
		cfg.KeyInt = cfg.FPS
	}

	e := &PCMEncoder{
		width:    cfg.Width,
		height:   cfg.Height,
		mbWidth:  (cfg.Width + 15) / 16,
		mbHeight: (cfg.Height + 15) / 16,
		keyInt:   cfg.KeyInt,
	}

	e.sps = e.buildSPS(cfg.FPS)
	e.pps = e.buildPPS()

	return e, nil
}

// SPS는 인코더의 시퀀스 파라미터 셋 NAL unit입니다
func (e *PCMEncoder) SPS() []byte { return e.sps }

// PPS는 인코더의 픽처 파라미터 셋 NAL unit입니다
func (e *PCMEncoder) PPS() []byte { return e.pps }

// Encode는 I420 프레임 하나를 access unit으로 인코딩합니다
// IDR access unit에는 SPS, PPS가 앞에 붙습니다
func (e *PCMEncoder) Encode(y, u, v []byte) ([][]byte, bool, error) {
	cw, ch := e.width/2, e.height/2
	if len(y) < e.width*e.height || len(u) < cw*ch || len(v) < cw*ch {
		return nil, false, ErrFrameSize
	}

	idr := e.frameIndex%e.keyInt == 0
	if idr {
		e.frameNum = 0
	}

	slice := e.buildSlice(y, u, v, idr)

	e.frameIndex++
	e.frameNum = (e.frameNum + 1) % maxFrameNum
	if idr {
		e.idrPicID = (e.idrPicID + 1) % 65536
	}

	if idr {
		return [][]byte{e.sps, e.pps, slice}, true, nil
	}
	return [][]byte{slice}, false, nil
}

// RequestKeyframe은 다음 프레임을 IDR로 만듭니다
func (e *PCMEncoder) RequestKeyframe() {
	e.frameIndex = 0
}

func (e *PCMEncoder) levelIdc(fps int) uint64 {
	frameMbs := e.mbWidth * e.mbHeight
	mbps := frameMbs * fps

	switch {
	case frameMbs <= 396 && mbps <= 11880:
		return 21
	case frameMbs <= 1620 && mbps <= 40500:
		return 30
	case frameMbs <= 3600 && mbps <= 108000:
		return 31
	case frameMbs <= 8192 && mbps <= 245760:
		return 41
	default:
		return 51
	}
}

func nalHeader(refIdc uint8, typ mch264.NALUType) byte {
	return refIdc<<5 | byte(typ)
}

func (e *PCMEncoder) buildSPS(fps int) []byte {
	w := NewBitWriter(32)

	w.WriteBits(profileBaseline, 8)
	// constraint_set0_flag, constraint_set1_flag (Constrained Baseline), 나머지 0
	w.WriteBits(0xC0, 8)
	w.WriteBits(e.levelIdc(fps), 8)
	w.WriteUE(0) // seq_parameter_set_id

	w.WriteUE(log2MaxFrameNum - 4)
	w.WriteUE(2) // pic_order_cnt_type
	w.WriteUE(1) // max_num_ref_frames
	w.WriteBit(false)

	w.WriteUE(uint32(e.mbWidth - 1))
	w.WriteUE(uint32(e.mbHeight - 1))

	w.WriteBit(true) // frame_mbs_only_flag
	w.WriteBit(true) // direct_8x8_inference_flag

	cropRight := (e.mbWidth*16 - e.width) / 2
	cropBottom := (e.mbHeight*16 - e.height) / 2
	if cropRight > 0 || cropBottom > 0 {
		w.WriteBit(true)
		w.WriteUE(0)
		w.WriteUE(uint32(cropRight))
		w.WriteUE(0)
		w.WriteUE(uint32(cropBottom))
	} else {
		w.WriteBit(false)
	}

	// VUI: timing_info만 기록
	w.WriteBit(true)
	w.WriteBit(false) // aspect_ratio_info_present_flag
	w.WriteBit(false) // overscan_info_present_flag
	w.WriteBit(false) // video_signal_type_present_flag
	w.WriteBit(false) // chroma_loc_info_present_flag
	w.WriteBit(true)  // timing_info_present_flag
	w.WriteBits(1, 32)
	w.WriteBits(uint64(2*fps), 32)
	w.WriteBit(true)  // fixed_frame_rate_flag
	w.WriteBit(false) // nal_hrd_parameters_present_flag
	w.WriteBit(false) // vcl_hrd_parameters_present_flag
	w.WriteBit(false) // pic_struct_present_flag
	w.WriteBit(false) // bitstream_restriction_flag

	w.WriteTrailingBits()

	return append([]byte{nalHeader(nalRefIdcHighest, mch264.NALUTypeSPS)}, EscapeRBSP(w.Bytes())...)
}

func (e *PCMEncoder) buildPPS() []byte {
	w := NewBitWriter(8)

	w.WriteUE(0)      // pic_parameter_set_id
	w.WriteUE(0)      // seq_parameter_set_id
	w.WriteBit(false) // entropy_coding_mode_flag (CAVLC)
	w.WriteBit(false) // bottom_field_pic_order_in_frame_present_flag
	w.WriteUE(0)      // num_slice_groups_minus1
	w.WriteUE(0)      // num_ref_idx_l0_default_active_minus1
	w.WriteUE(0)      // num_ref_idx_l1_default_active_minus1
	w.WriteBit(false) // weighted_pred_flag
	w.WriteBits(0, 2) // weighted_bipred_idc
	w.WriteSE(0)      // pic_init_qp_minus26
	w.WriteSE(0)      // pic_init_qs_minus26
	w.WriteSE(0)      // chroma_qp_index_offset
	w.WriteBit(true)  // deblocking_filter_control_present_flag
	w.WriteBit(false) // constrained_intra_pred_flag
	w.WriteBit(false) // redundant_pic_cnt_present_flag

	w.WriteTrailingBits()

	return append([]byte{nalHeader(nalRefIdcHighest, mch264.NALUTypePPS)}, EscapeRBSP(w.Bytes())...)
}

func (e *PCMEncoder) buildSlice(y, u, v []byte, idr bool) []byte {
	mbs := e.mbWidth * e.mbHeight
	w := NewBitWriter(mbs*(384+2) + 16)

	w.WriteUE(0) // first_mb_in_slice
	w.WriteUE(7) // slice_type: I (모든 슬라이스 동일)
	w.WriteUE(0) // pic_parameter_set_id
	w.WriteBits(uint64(e.frameNum), log2MaxFrameNum)
	if idr {
		w.WriteUE(e.idrPicID)
	}

	// dec_ref_pic_marking()
	if idr {
		w.WriteBit(false) // no_output_of_prior_pics_flag
		w.WriteBit(false) // long_term_reference_flag
	} else {
		w.WriteBit(false) // adaptive_ref_pic_marking_mode_flag
	}

	w.WriteSE(0) // slice_qp_delta
	w.WriteUE(1) // disable_deblocking_filter_idc

	for mbY := 0; mbY < e.mbHeight; mbY++ {
		for mbX := 0; mbX < e.mbWidth; mbX++ {
			w.WriteUE(mbTypeIPCM)
			w.AlignZero()
			e.writePlaneBlock(w, y, e.width, e.height, mbX*16, mbY*16, 16)
			e.writePlaneBlock(w, u, e.width/2, e.height/2, mbX*8, mbY*8, 8)
			e.writePlaneBlock(w, v, e.width/2, e.height/2, mbX*8, mbY*8, 8)
		}
	}

	w.WriteTrailingBits()

	typ := mch264.NALUTypeNonIDR
	if idr {
		typ = mch264.NALUTypeIDR
	}

	return append([]byte{nalHeader(nalRefIdcHighest, typ)}, EscapeRBSP(w.Bytes())...)
}

// writePlaneBlock은 size x size 블록을 기록합니다
// 프레임 밖(크롭 영역)은 가장자리 픽셀을 복제하고, 0 샘플은 1로 올립니다
func (e *PCMEncoder) writePlaneBlock(w *BitWriter, plane []byte, stride, height, x0, y0, size int) {
	for yy := 0; yy < size; yy++ {
		py := y0 + yy
		if py >= height {
			py = height - 1
		}
		row := plane[py*stride : py*stride+stride]
		for xx := 0; xx < size; xx++ {
			px := x0 + xx
			if px >= stride {
				px = stride - 1
			}
			s := row[px]
			if s == 0 {
				s = 1
			}
			_ = w.WriteByte(s)
		}
	}
}
