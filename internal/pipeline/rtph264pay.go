package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtph264"
	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/yourusername/rtspfeed/internal/h264"
	"go.uber.org/zap"
)

const (
	rtpClockRate  = 90000
	rtpHeaderSize = 12
)

// RTPH264Pay는 access unit을 RFC 6184 RTP 패킷으로 나눕니다 (packetization-mode=1)
//
// config-interval:
//
//	-1  모든 IDR 앞에 SPS/PPS를 넣음
//	 0  넣지 않음 (스트림에 있는 그대로)
//	 N  N초마다 다음 IDR 앞에 넣음
type RTPH264Pay struct {
	name           string
	pt             uint8
	configInterval int
	mtu            int
	ssrc           *uint32
	seqnumOffset   *uint16
	tsOffset       *uint32
	logger         *zap.Logger

	mu     sync.Mutex
	sps    []byte
	pps    []byte
	format *format.H264

	ready     chan struct{}
	readyOnce sync.Once

	handler atomic.Pointer[PacketHandler]

	frames  atomic.Uint64
	packets atomic.Uint64
	bytes   atomic.Uint64
}

func newRTPH264Pay(ec *ElementContext) (Element, error) {
	p := ec.Props
	pay := &RTPH264Pay{
		name:           ec.Name,
		pt:             uint8(p.IntRange("pt", 96, 96, 127)),
		configInterval: p.IntRange("config-interval", 0, -1, 3600),
		mtu:            p.IntRange("mtu", 1400, 28+rtpHeaderSize, 65535),
		logger:         ec.Logger,
		ready:          make(chan struct{}),
	}

	if p.Has("ssrc") {
		v := p.Uint32("ssrc", 0)
		pay.ssrc = &v
	}
	if seq := p.IntRange("seqnum-offset", -1, -1, 65535); seq >= 0 {
		v := uint16(seq)
		pay.seqnumOffset = &v
	}
	if ts := p.Int("timestamp-offset", -1); ts >= 0 {
		v := uint32(ts)
		pay.tsOffset = &v
	}
	// GStreamer 호환 속성
	p.Enum("aggregate-mode", "none", "none", "zero-latency", "max")

	return pay, nil
}

func (p *RTPH264Pay) Name() string { return p.name }

func (p *RTPH264Pay) Negotiate(in Caps) (Caps, error) {
	if in.Media != MediaH264 {
		return Caps{}, fmt.Errorf("expected %s input, got %s", MediaH264, in.Media)
	}
	return Caps{Media: MediaRTP}, nil
}

// PayloadType은 RTP payload type
func (p *RTPH264Pay) PayloadType() uint8 { return p.pt }

// Format은 SPS/PPS가 채워진 RTP 포맷 (준비 전에는 nil)
func (p *RTPH264Pay) Format() *format.H264 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.format
}

func (p *RTPH264Pay) setHandler(cb PacketHandler) {
	p.handler.Store(&cb)
}

func (p *RTPH264Pay) stats() Stats {
	return Stats{
		Frames:  p.frames.Load(),
		Packets: p.packets.Load(),
		Bytes:   p.bytes.Load(),
	}
}

// learnParams는 in-band SPS/PPS를 기억하고 처음 둘 다 확보되면 ready를 닫습니다
func (p *RTPH264Pay) learnParams(au [][]byte) {
	sps, pps := h264.ParameterSets(au)
	if sps == nil && pps == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	changed := false
	if sps != nil && !bytes.Equal(sps, p.sps) {
		p.sps = append([]byte(nil), sps...)
		changed = true

		var parsed mch264.SPS
		if err := parsed.Unmarshal(p.sps); err == nil {
			p.logger.Info("H264 parameters",
				zap.Int("width", parsed.Width()),
				zap.Int("height", parsed.Height()),
				zap.Uint8("profile_idc", parsed.ProfileIdc),
				zap.Uint8("level_idc", parsed.LevelIdc),
			)
		} else {
			p.logger.Warn("Failed to parse SPS", zap.Error(err))
		}
	}
	if pps != nil && !bytes.Equal(pps, p.pps) {
		p.pps = append([]byte(nil), pps...)
		changed = true
	}

	if !changed || p.sps == nil || p.pps == nil {
		return
	}

	if p.format != nil {
		p.format.SafeSetParams(p.sps, p.pps)
		return
	}

	p.format = &format.H264{
		PayloadTyp:        p.pt,
		SPS:               p.sps,
		PPS:               p.pps,
		PacketizationMode: 1,
	}
	p.readyOnce.Do(func() { close(p.ready) })
}

func (p *RTPH264Pay) parameterSets() (sps, pps []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sps, p.pps
}

func stripAUD(au [][]byte) [][]byte {
	out := au[:0:0]
	for _, nalu := range au {
		if len(nalu) == 0 || h264.Type(nalu) == mch264.NALUTypeAccessUnitDelimiter {
			continue
		}
		out = append(out, nalu)
	}
	return out
}

// rtpTime은 pts를 90kHz 틱으로 변환합니다 (가장 가까운 틱으로 반올림)
func rtpTime(pts time.Duration) uint32 {
	secs := pts / time.Second
	rem := pts % time.Second
	return uint32(int64(secs)*rtpClockRate + (int64(rem)*rtpClockRate+int64(time.Second)/2)/int64(time.Second))
}

func (p *RTPH264Pay) Run(ctx context.Context, in <-chan *Buffer, _ chan<- *Buffer) error {
	enc := &rtph264.Encoder{
		PayloadType:           p.pt,
		SSRC:                  p.ssrc,
		InitialSequenceNumber: p.seqnumOffset,
		PayloadMaxSize:        p.mtu - rtpHeaderSize,
		PacketizationMode:     1,
	}
	if err := enc.Init(); err != nil {
		return fmt.Errorf("failed to initialize RTP encoder: %w", err)
	}

	tsBase := rand.Uint32()
	if p.tsOffset != nil {
		tsBase = *p.tsOffset
	}

	var (
		sawIDR     bool
		lastConfig time.Duration
		configSent bool
		ntpBase    time.Time
		firstPTS   time.Duration
	)

	for buf := range in {
		au := stripAUD(buf.AU)
		if len(au) == 0 {
			continue
		}

		p.learnParams(au)

		idr := h264.IsIDR(au)
		if !sawIDR {
			if !idr {
				continue
			}
			sawIDR = true
			ntpBase = time.Now()
			firstPTS = buf.PTS
		}

		if idr && p.configInterval != 0 {
			inBandSPS, inBandPPS := h264.ParameterSets(au)
			hasParams := inBandSPS != nil && inBandPPS != nil

			due := p.configInterval < 0 || !configSent ||
				buf.PTS-lastConfig >= time.Duration(p.configInterval)*time.Second

			if due && !hasParams {
				if sps, pps := p.parameterSets(); sps != nil && pps != nil {
					au = append([][]byte{sps, pps}, au...)
					hasParams = true
				}
			}
			if hasParams && due {
				lastConfig = buf.PTS
				configSent = true
			}
		}

		pkts, err := enc.Encode(au)
		if err != nil {
			return fmt.Errorf("failed to packetize: %w", err)
		}

		ts := tsBase + rtpTime(buf.PTS)
		ntp := ntpBase.Add(buf.PTS - firstPTS)

		var cb PacketHandler
		if h := p.handler.Load(); h != nil {
			cb = *h
		}

		p.frames.Add(1)
		for _, pkt := range pkts {
			pkt.Timestamp = ts
			p.packets.Add(1)
			p.bytes.Add(uint64(len(pkt.Payload)))
			if cb != nil {
				cb(pkt, ntp)
			}
		}
	}

	return ctx.Err()
}
