package h264

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scanAll(t *testing.T, data []byte) [][]byte {
	t.Helper()

	sc := NewAnnexBScanner(bytes.NewReader(data))
	var out [][]byte
	for sc.Scan() {
		out = append(out, append([]byte(nil), sc.Bytes()...))
	}
	require.NoError(t, sc.Err())
	return out
}

func TestScanNALUs(t *testing.T) {
	stream := []byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0x00,
		0x00, 0x00, 0x01, 0x68, 0xce,
		0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x00,
	}

	nalus := scanAll(t, stream)
	require.Equal(t, [][]byte{
		{0x67, 0x42},
		{0x68, 0xce},
		{0x65, 0x88, 0x84},
	}, nalus)
}

func TestScanNALUsSmallReads(t *testing.T) {
	enc, err := NewPCMEncoder(PCMEncoderConfig{Width: 32, Height: 32})
	require.NoError(t, err)

	y, u, v := grayFrame(32, 32, 77)
	au, _, err := enc.Encode(y, u, v)
	require.NoError(t, err)

	// 1바이트씩 읽어도 경계가 유지되어야 함
	sc := NewAnnexBScanner(&oneByteReader{data: MarshalAnnexB(au)})
	var got [][]byte
	for sc.Scan() {
		got = append(got, append([]byte(nil), sc.Bytes()...))
	}
	require.NoError(t, sc.Err())
	require.Equal(t, au, got)
}

func TestScanNALUsLeadingGarbage(t *testing.T) {
	nalus := scanAll(t, []byte{0xff, 0xfe, 0x00, 0x00, 0x01, 0x09, 0xf0})
	require.Equal(t, [][]byte{{0x09, 0xf0}}, nalus)
}

type oneByteReader struct {
	data []byte
}

func (r *oneByteReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	p[0] = r.data[0]
	r.data = r.data[1:]
	return 1, nil
}

func TestSplitAVCC(t *testing.T) {
	buf := []byte{
		0x00, 0x00, 0x00, 0x02, 0x67, 0x42,
		0x00, 0x00, 0x00, 0x03, 0x65, 0x01, 0x02,
	}

	au, err := SplitAVCC(buf, 4)
	require.NoError(t, err)
	require.Equal(t, [][]byte{{0x67, 0x42}, {0x65, 0x01, 0x02}}, au)

	_, err = SplitAVCC([]byte{0x00, 0x00, 0x00, 0x09, 0x65}, 4)
	require.ErrorIs(t, err, ErrInvalidAVCC)

	_, err = SplitAVCC(buf, 3)
	require.Error(t, err)
}

func TestEscapeRoundTrip(t *testing.T) {
	rbsp := []byte{0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x03, 0x05}
	escaped := EscapeRBSP(rbsp)

	assert.Equal(t, []byte{0x00, 0x00, 0x03, 0x00, 0x00, 0x03, 0x01, 0x00, 0x00, 0x03, 0x03, 0x05}, escaped)
	assert.Equal(t, rbsp, UnescapeRBSP(escaped))
}

func TestParameterSets(t *testing.T) {
	sps, pps := ParameterSets([][]byte{{0x09, 0xf0}, {0x67, 1}, {0x68, 2}, {0x65, 3}})
	assert.Equal(t, []byte{0x67, 1}, sps)
	assert.Equal(t, []byte{0x68, 2}, pps)
}
