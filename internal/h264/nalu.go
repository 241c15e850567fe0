package h264

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

const maxNALUSize = 8 * 1024 * 1024

// ErrInvalidAVCC는 length-prefixed 데이터가 손상되었을 때 반환됩니다
var ErrInvalidAVCC = errors.New("invalid AVCC length prefix")

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// Type은 NAL 헤더의 nal_unit_type을 반환합니다
func Type(nalu []byte) mch264.NALUType {
	if len(nalu) == 0 {
		return 0
	}
	return mch264.NALUType(nalu[0] & 0x1f)
}

// IsIDR는 access unit에 IDR 슬라이스가 포함되어 있는지 확인합니다
func IsIDR(au [][]byte) bool {
	for _, nalu := range au {
		if Type(nalu) == mch264.NALUTypeIDR {
			return true
		}
	}
	return false
}

// ParameterSets는 access unit에서 SPS와 PPS를 찾아 반환합니다 (없으면 nil)
func ParameterSets(au [][]byte) (sps, pps []byte) {
	for _, nalu := range au {
		switch Type(nalu) {
		case mch264.NALUTypeSPS:
			sps = nalu
		case mch264.NALUTypePPS:
			pps = nalu
		}
	}
	return sps, pps
}

// EscapeRBSP는 RBSP에 emulation_prevention_three_byte를 삽입합니다
func EscapeRBSP(rbsp []byte) []byte {
	out := make([]byte, 0, len(rbsp)+len(rbsp)/64+4)
	zeros := 0
	for _, b := range rbsp {
		if zeros >= 2 && b <= 0x03 {
			out = append(out, 0x03)
			zeros = 0
		}
		out = append(out, b)
		if b == 0x00 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}

// UnescapeRBSP는 emulation_prevention_three_byte를 제거합니다
func UnescapeRBSP(nalu []byte) []byte {
	out := make([]byte, 0, len(nalu))
	zeros := 0
	for i := 0; i < len(nalu); i++ {
		b := nalu[i]
		if zeros >= 2 && b == 0x03 {
			zeros = 0
			continue
		}
		out = append(out, b)
		if b == 0x00 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}

// MarshalAnnexB는 NAL unit들을 4바이트 start code로 이어 붙입니다
func MarshalAnnexB(au [][]byte) []byte {
	n := 0
	for _, nalu := range au {
		n += len(startCode) + len(nalu)
	}
	out := make([]byte, 0, n)
	for _, nalu := range au {
		out = append(out, startCode...)
		out = append(out, nalu...)
	}
	return out
}

// SplitAVCC는 length-prefixed(AVCC) 샘플을 NAL unit들로 나눕니다
func SplitAVCC(buf []byte, lengthSize int) ([][]byte, error) {
	if lengthSize != 1 && lengthSize != 2 && lengthSize != 4 {
		return nil, fmt.Errorf("unsupported NALU length size %d", lengthSize)
	}

	var au [][]byte
	for len(buf) > 0 {
		if len(buf) < lengthSize {
			return nil, ErrInvalidAVCC
		}

		var size int
		switch lengthSize {
		case 1:
			size = int(buf[0])
		case 2:
			size = int(binary.BigEndian.Uint16(buf))
		case 4:
			size = int(binary.BigEndian.Uint32(buf))
		}
		buf = buf[lengthSize:]

		if size == 0 {
			continue
		}
		if size > len(buf) {
			return nil, ErrInvalidAVCC
		}
		au = append(au, buf[:size])
		buf = buf[size:]
	}

	return au, nil
}

// findStartCode는 from 이후 첫 start code의 위치와 길이를 반환합니다
func findStartCode(data []byte, from int) (int, int) {
	for i := from; i+2 < len(data); i++ {
		if data[i] != 0x00 || data[i+1] != 0x00 {
			continue
		}
		if data[i+2] == 0x01 {
			if i > from && data[i-1] == 0x00 {
				return i - 1, 4
			}
			return i, 3
		}
	}
	return -1, 0
}

func trimTrailingZeros(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == 0x00 {
		b = b[:len(b)-1]
	}
	return b
}

// ScanNALUs는 Annex-B 바이트 스트림을 NAL unit 단위로 자르는 bufio.SplitFunc입니다
// 반환되는 토큰에는 start code가 포함되지 않습니다
func ScanNALUs(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start, scLen := findStartCode(data, 0)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// start code가 버퍼 경계에 걸칠 수 있으므로 마지막 3바이트는 남김
		if len(data) > 3 {
			return len(data) - 3, nil, nil
		}
		return 0, nil, nil
	}

	payload := start + scLen
	next, _ := findStartCode(data, payload)
	if next < 0 {
		if !atEOF {
			return start, nil, nil
		}
		nalu := trimTrailingZeros(data[payload:])
		if len(nalu) == 0 {
			return len(data), nil, nil
		}
		return len(data), nalu, nil
	}

	nalu := trimTrailingZeros(data[payload:next])
	if len(nalu) == 0 {
		return next, nil, nil
	}
	return next, nalu, nil
}

// NewAnnexBScanner는 Annex-B 스트림용 Scanner를 생성합니다
// Scan()이 반환한 Bytes()는 다음 Scan() 호출 전까지만 유효합니다
func NewAnnexBScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxNALUSize)
	sc.Split(ScanNALUs)
	return sc
}
