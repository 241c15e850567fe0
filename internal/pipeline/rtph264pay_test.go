package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bluenviron/gortsplib/v4/pkg/format/rtph264"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/rtspfeed/internal/h264"
	"go.uber.org/zap"
)

var (
	testIDR    = []byte{0x65, 0x88, 0x84, 0x21}
	testNonIDR = []byte{0x41, 0x9a, 0x02}
	testAUD    = []byte{0x09, 0xf0}
)

func testParams(t *testing.T) (sps, pps []byte) {
	enc, err := h264.NewPCMEncoder(h264.PCMEncoderConfig{Width: 64, Height: 48, FPS: 30})
	require.NoError(t, err)
	return enc.SPS(), enc.PPS()
}

func newTestPay(t *testing.T, props map[string]string) *RTPH264Pay {
	el, err := newRTPH264Pay(&ElementContext{
		Name:   "pay0",
		Props:  newProps("pay0", props),
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return el.(*RTPH264Pay)
}

type packetLog struct {
	mu   sync.Mutex
	pkts []*rtp.Packet
}

func (l *packetLog) handle(pkt *rtp.Packet, _ time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pkts = append(l.pkts, pkt)
}

// decodeAUs는 받은 패킷을 다시 access unit으로 묶습니다
func (l *packetLog) decodeAUs(t *testing.T) [][][]byte {
	dec := &rtph264.Decoder{}
	require.NoError(t, dec.Init())

	l.mu.Lock()
	defer l.mu.Unlock()

	var aus [][][]byte
	for _, pkt := range l.pkts {
		au, err := dec.Decode(pkt)
		if errors.Is(err, rtph264.ErrMorePacketsNeeded) {
			continue
		}
		require.NoError(t, err)
		aus = append(aus, au)
	}
	return aus
}

func runPay(t *testing.T, pay *RTPH264Pay, bufs ...*Buffer) *packetLog {
	log := &packetLog{}
	pay.setHandler(log.handle)

	in := make(chan *Buffer, len(bufs))
	for _, b := range bufs {
		in <- b
	}
	close(in)

	require.NoError(t, pay.Run(context.Background(), in, nil))
	return log
}

func TestRTPH264PayDropsUntilIDR(t *testing.T) {
	sps, pps := testParams(t)
	pay := newTestPay(t, nil)

	log := runPay(t, pay,
		&Buffer{PTS: 0, AU: [][]byte{testNonIDR}},
		&Buffer{PTS: 33 * time.Millisecond, AU: [][]byte{sps, pps, testIDR}},
		&Buffer{PTS: 66 * time.Millisecond, AU: [][]byte{testNonIDR}},
	)

	aus := log.decodeAUs(t)
	require.Len(t, aus, 2)
	assert.Equal(t, [][]byte{sps, pps, testIDR}, aus[0])
	assert.Equal(t, [][]byte{testNonIDR}, aus[1])
	assert.Equal(t, uint64(2), pay.stats().Frames)

	f := pay.Format()
	require.NotNil(t, f)
	assert.Equal(t, uint8(96), f.PayloadTyp)
	assert.Equal(t, sps, f.SPS)
	assert.Equal(t, pps, f.PPS)
	assert.Equal(t, 1, f.PacketizationMode)
}

func TestRTPH264PayConfigInterval(t *testing.T) {
	sps, pps := testParams(t)

	for _, ca := range []struct {
		name     string
		interval string
		want     [][]byte
	}{
		{"disabled", "0", [][]byte{testIDR}},
		{"every idr", "-1", [][]byte{sps, pps, testIDR}},
		{"one second", "1", [][]byte{sps, pps, testIDR}},
	} {
		t.Run(ca.name, func(t *testing.T) {
			pay := newTestPay(t, map[string]string{"config-interval": ca.interval})

			log := runPay(t, pay,
				&Buffer{PTS: 0, AU: [][]byte{sps, pps, testIDR}},
				&Buffer{PTS: 500 * time.Millisecond, AU: [][]byte{testNonIDR}},
				&Buffer{PTS: 1500 * time.Millisecond, AU: [][]byte{testIDR}},
			)

			aus := log.decodeAUs(t)
			require.Len(t, aus, 3)
			assert.Equal(t, ca.want, aus[2])
		})
	}
}

func TestRTPH264PayConfigIntervalNotDue(t *testing.T) {
	sps, pps := testParams(t)
	pay := newTestPay(t, map[string]string{"config-interval": "10"})

	log := runPay(t, pay,
		&Buffer{PTS: 0, AU: [][]byte{sps, pps, testIDR}},
		&Buffer{PTS: time.Second, AU: [][]byte{testIDR}},
	)

	aus := log.decodeAUs(t)
	require.Len(t, aus, 2)
	assert.Equal(t, [][]byte{testIDR}, aus[1])
}

func TestRTPH264PayStripsAUD(t *testing.T) {
	sps, pps := testParams(t)
	pay := newTestPay(t, nil)

	log := runPay(t, pay,
		&Buffer{AU: [][]byte{testAUD, sps, pps, testIDR}},
		&Buffer{PTS: time.Second, AU: [][]byte{testAUD}},
	)

	aus := log.decodeAUs(t)
	require.Len(t, aus, 1)
	assert.Equal(t, [][]byte{sps, pps, testIDR}, aus[0])
}

func TestRTPH264PayHeaderFields(t *testing.T) {
	sps, pps := testParams(t)
	pay := newTestPay(t, map[string]string{
		"pt":               "100",
		"ssrc":             "0x1234",
		"seqnum-offset":    "7",
		"timestamp-offset": "1000",
	})

	log := runPay(t, pay,
		&Buffer{PTS: 0, AU: [][]byte{sps, pps, testIDR}},
		&Buffer{PTS: time.Second, AU: [][]byte{testNonIDR}},
	)

	require.Len(t, log.pkts, 2)
	first, second := log.pkts[0], log.pkts[1]

	assert.Equal(t, uint8(100), first.PayloadType)
	assert.Equal(t, uint32(0x1234), first.SSRC)
	assert.Equal(t, uint16(7), first.SequenceNumber)
	assert.Equal(t, uint16(8), second.SequenceNumber)
	assert.Equal(t, uint32(1000), first.Timestamp)
	assert.Equal(t, uint32(1000+90000), second.Timestamp)
	assert.True(t, first.Marker)
}

func TestRTPH264PayFragmentsLargeNALU(t *testing.T) {
	sps, pps := testParams(t)
	pay := newTestPay(t, map[string]string{"mtu": "200"})

	big := make([]byte, 1000)
	big[0] = 0x65

	log := runPay(t, pay, &Buffer{AU: [][]byte{sps, pps, big}})

	assert.Greater(t, len(log.pkts), 5)
	for i, pkt := range log.pkts {
		assert.LessOrEqual(t, len(pkt.Payload), 200-rtpHeaderSize)
		assert.Equal(t, i == len(log.pkts)-1, pkt.Marker)
	}

	aus := log.decodeAUs(t)
	require.Len(t, aus, 1)
	assert.Equal(t, big, aus[0][len(aus[0])-1])
}

func TestRTPTime(t *testing.T) {
	assert.Equal(t, uint32(0), rtpTime(0))
	assert.Equal(t, uint32(3000), rtpTime(time.Second/30))
	assert.Equal(t, uint32(90000*3600), rtpTime(time.Hour))
	// 32비트 경계에서 순환
	assert.Equal(t, uint32(90000*50000-1<<32), rtpTime(50000*time.Second))
}

func TestFrameTimestampsDoNotDrift(t *testing.T) {
	for _, fr := range []Fraction{{Num: 30, Den: 1}, {Num: 30000, Den: 1001}, {Num: 25, Den: 1}} {
		step := uint32(90000 * fr.Den / fr.Num)
		for n := 0; n < 10000; n += 7 {
			want := uint32(int64(n) * 90000 * int64(fr.Den) / int64(fr.Num))
			if int64(n)*90000*int64(fr.Den)%int64(fr.Num) != 0 {
				continue
			}
			require.Equal(t, want, rtpTime(fr.FrameTime(n)), "%s frame %d", fr, n)
		}
		assert.Equal(t, step, rtpTime(fr.FrameTime(1)), fr.String())
	}
}
