package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/abema/go-mp4"
	"github.com/yourusername/rtspfeed/internal/h264"
	"go.uber.org/zap"
)

// ErrNoVideoTrack는 요청한 AVC 트랙이 파일에 없을 때 반환됩니다
var ErrNoVideoTrack = errors.New("no such AVC video track")

var avcCPath = mp4.BoxPath{
	mp4.BoxTypeMoov(),
	mp4.BoxTypeTrak(),
	mp4.BoxTypeMdia(),
	mp4.BoxTypeMinf(),
	mp4.BoxTypeStbl(),
	mp4.BoxTypeStsd(),
	mp4.BoxTypeAvc1(),
	mp4.BoxTypeAvcC(),
}

// QTDemux는 mp4 파일의 N번째 AVC 트랙을 access unit으로 내보냅니다
// src pad video_N으로 트랙을 고릅니다
type QTDemux struct {
	name   string
	track  int
	logger *zap.Logger
}

func newQTDemux(ec *ElementContext) (Element, error) {
	track := 0
	if ec.SrcPad != "" {
		n, ok := strings.CutPrefix(ec.SrcPad, "video_")
		idx, err := strconv.Atoi(n)
		if !ok || err != nil || idx < 0 {
			return nil, fmt.Errorf("unknown pad %q (expected video_N)", ec.SrcPad)
		}
		track = idx
	}

	return &QTDemux{name: ec.Name, track: track, logger: ec.Logger}, nil
}

func (d *QTDemux) Name() string { return d.name }

func (d *QTDemux) Negotiate(in Caps) (Caps, error) {
	if in.Media != MediaQuickTime {
		return Caps{}, fmt.Errorf("expected %s input, got %s", MediaQuickTime, in.Media)
	}
	return Caps{Media: MediaH264}, nil
}

type avcTrack struct {
	timescale  uint32
	samples    mp4.Samples
	chunks     mp4.Chunks
	sps, pps   []byte
	lengthSize int
}

func (d *QTDemux) openTrack(r io.ReadSeeker) (*avcTrack, error) {
	info, err := mp4.Probe(r)
	if err != nil {
		return nil, fmt.Errorf("failed to probe mp4: %w", err)
	}

	var tracks []*mp4.Track
	for _, t := range info.Tracks {
		if t.Codec == mp4.CodecAVC1 {
			tracks = append(tracks, t)
		}
	}
	if d.track >= len(tracks) {
		return nil, fmt.Errorf("%w: video_%d (file has %d)", ErrNoVideoTrack, d.track, len(tracks))
	}
	t := tracks[d.track]

	if len(t.Samples) == 0 {
		return nil, fmt.Errorf("track %d has no samples (fragmented mp4 is not supported)", t.TrackID)
	}

	boxes, err := mp4.ExtractBoxWithPayload(r, nil, avcCPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read avcC: %w", err)
	}
	if d.track >= len(boxes) {
		return nil, fmt.Errorf("%w: video_%d has no avcC", ErrNoVideoTrack, d.track)
	}
	conf, ok := boxes[d.track].Payload.(*mp4.AVCDecoderConfiguration)
	if !ok {
		return nil, fmt.Errorf("unexpected avcC payload")
	}

	out := &avcTrack{
		timescale:  t.Timescale,
		samples:    t.Samples,
		chunks:     t.Chunks,
		lengthSize: int(conf.LengthSizeMinusOne) + 1,
	}
	if len(conf.SequenceParameterSets) > 0 {
		out.sps = conf.SequenceParameterSets[0].NALUnit
	}
	if len(conf.PictureParameterSets) > 0 {
		out.pps = conf.PictureParameterSets[0].NALUnit
	}
	if out.timescale == 0 {
		return nil, fmt.Errorf("track %d has no timescale", t.TrackID)
	}

	return out, nil
}

func toDuration(v uint64, timescale uint32) time.Duration {
	ts := uint64(timescale)
	return time.Duration(v/ts)*time.Second + time.Duration(v%ts*uint64(time.Second)/ts)
}

// Run은 샘플 타임스탬프에 맞춰 access unit을 내보내고 트랙 끝에서 EOS
func (d *QTDemux) Run(ctx context.Context, in <-chan *Buffer, out chan<- *Buffer) error {
	var src *Buffer
	select {
	case b, ok := <-in:
		if !ok {
			return nil
		}
		src = b
	case <-ctx.Done():
		return ctx.Err()
	}
	if src.Stream == nil {
		return fmt.Errorf("expected a file stream")
	}
	r := src.Stream

	track, err := d.openTrack(r)
	if err != nil {
		return err
	}

	d.logger.Info("MP4 track opened",
		zap.Int("track", d.track),
		zap.Int("samples", len(track.samples)),
		zap.Uint32("timescale", track.timescale),
	)

	start := time.Now()
	var dts uint64
	idx := 0

	for _, chunk := range track.chunks {
		offset := int64(chunk.DataOffset)

		for i := 0; i < int(chunk.SamplesPerChunk) && idx < len(track.samples); i++ {
			sample := track.samples[idx]
			idx++

			data := make([]byte, sample.Size)
			if _, err := r.Seek(offset, io.SeekStart); err != nil {
				return fmt.Errorf("seek failed: %w", err)
			}
			if _, err := io.ReadFull(r, data); err != nil {
				return fmt.Errorf("failed to read sample: %w", err)
			}
			offset += int64(sample.Size)

			au, err := h264.SplitAVCC(data, track.lengthSize)
			if err != nil {
				return fmt.Errorf("sample %d: %w", idx-1, err)
			}

			if err := sleepUntil(ctx, start.Add(toDuration(dts, track.timescale))); err != nil {
				return err
			}

			idr := h264.IsIDR(au)
			if idr && track.sps != nil && track.pps != nil {
				// avcC의 파라미터 셋을 IDR 앞에 붙임 (in-band로 없는 경우가 많음)
				au = append([][]byte{track.sps, track.pps}, au...)
			}

			pts := int64(dts) + sample.CompositionTimeOffset
			if pts < 0 {
				pts = 0
			}

			buf := &Buffer{
				PTS:      toDuration(uint64(pts), track.timescale),
				Duration: toDuration(uint64(sample.TimeDelta), track.timescale),
				AU:       au,
				IDR:      idr,
			}
			if err := push(ctx, out, buf); err != nil {
				return err
			}

			dts += uint64(sample.TimeDelta)
		}
	}

	d.logger.Info("MP4 track finished", zap.Int("samples", idx))
	return nil
}
