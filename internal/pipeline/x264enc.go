package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/google/uuid"
	"github.com/yourusername/rtspfeed/internal/h264"
	"github.com/yourusername/rtspfeed/internal/process"
	"go.uber.org/zap"
)

const (
	backendAuto   = "auto"
	backendFFmpeg = "ffmpeg"
	backendPCM    = "pcm"
)

var speedPresets = []string{
	"ultrafast", "superfast", "veryfast", "faster", "fast",
	"medium", "slow", "slower", "veryslow", "placebo",
}

var tunes = []string{
	"zerolatency", "fastdecode", "film", "animation", "grain",
	"stillimage", "psnr", "ssim", "none",
}

// X264Enc는 raw 프레임을 H.264 access unit으로 인코딩합니다
// backend=ffmpeg는 libx264 프로세스를, backend=pcm은 내장 I_PCM 인코더를 사용합니다
type X264Enc struct {
	name    string
	backend string
	logger  *zap.Logger

	keyIntMax   int
	bitrate     int
	speedPreset string
	tune        string
	threads     int

	ffmpegPath string
	processes  *process.Manager

	width     int
	height    int
	framerate Fraction
}

func newX264Enc(ec *ElementContext) (Element, error) {
	p := ec.Props
	e := &X264Enc{
		name:        ec.Name,
		logger:      ec.Logger,
		backend:     p.Enum("backend", ec.Build.EncoderBackend, backendAuto, backendFFmpeg, backendPCM),
		keyIntMax:   p.Int("key-int-max", 0),
		bitrate:     p.Int("bitrate", 2048),
		speedPreset: p.Enum("speed-preset", "ultrafast", speedPresets...),
		tune:        p.Enum("tune", "zerolatency", tunes...),
		threads:     p.Int("threads", 0),
		ffmpegPath:  ec.Build.FFmpegPath,
		processes:   ec.Build.Processes,
	}

	if e.keyIntMax < 0 || e.bitrate <= 0 || e.threads < 0 {
		return nil, fmt.Errorf("key-int-max, bitrate and threads must not be negative")
	}

	_, lookErr := ec.Build.LookPath(e.ffmpegPath)
	switch e.backend {
	case backendAuto:
		e.backend = backendPCM
		if lookErr == nil {
			e.backend = backendFFmpeg
		}
	case backendFFmpeg:
		if lookErr != nil {
			return nil, fmt.Errorf("ffmpeg backend requested: %w", lookErr)
		}
	}

	return e, nil
}

func (e *X264Enc) Name() string { return e.name }

// Backend는 실제로 선택된 백엔드 이름
func (e *X264Enc) Backend() string { return e.backend }

func (e *X264Enc) Negotiate(in Caps) (Caps, error) {
	if in.Media != MediaRawVideo {
		return Caps{}, fmt.Errorf("expected %s input, got %s", MediaRawVideo, in.Media)
	}
	if in.Width <= 0 || in.Height <= 0 {
		return Caps{}, fmt.Errorf("input size is not fixed")
	}

	e.width, e.height = in.Width, in.Height
	e.framerate = in.Framerate
	if e.framerate.Num <= 0 {
		e.framerate = Fraction{Num: 30, Den: 1}
	}
	if e.keyIntMax == 0 {
		e.keyIntMax = e.framerate.Rounded()
	}

	return Caps{Media: MediaH264, Width: in.Width, Height: in.Height, Framerate: e.framerate}, nil
}

func (e *X264Enc) Run(ctx context.Context, in <-chan *Buffer, out chan<- *Buffer) error {
	e.logger.Info("Encoder started",
		zap.String("backend", e.backend),
		zap.Int("width", e.width),
		zap.Int("height", e.height),
		zap.Int("key_int_max", e.keyIntMax),
	)

	if e.backend == backendFFmpeg {
		return e.runFFmpeg(ctx, in, out)
	}
	return e.runPCM(ctx, in, out)
}

func checkFrame(buf *Buffer, w, h int) error {
	if buf.Frame == nil {
		return fmt.Errorf("expected a raw video frame")
	}
	if buf.Frame.Width != w || buf.Frame.Height != h {
		return fmt.Errorf("frame %dx%d does not match negotiated %dx%d", buf.Frame.Width, buf.Frame.Height, w, h)
	}
	return nil
}

func (e *X264Enc) runPCM(ctx context.Context, in <-chan *Buffer, out chan<- *Buffer) error {
	enc, err := h264.NewPCMEncoder(h264.PCMEncoderConfig{
		Width:  e.width,
		Height: e.height,
		FPS:    e.framerate.Rounded(),
		KeyInt: e.keyIntMax,
	})
	if err != nil {
		return err
	}

	for buf := range in {
		if err := checkFrame(buf, e.width, e.height); err != nil {
			return err
		}

		au, idr, err := enc.Encode(buf.Frame.Y, buf.Frame.U, buf.Frame.V)
		if err != nil {
			return err
		}

		if err := push(ctx, out, &Buffer{
			PTS:      buf.PTS,
			Duration: buf.Duration,
			AU:       au,
			IDR:      idr,
		}); err != nil {
			return err
		}
	}

	return nil
}

// ffmpegArgs는 stdin raw I420 → stdout Annex-B 변환 인자
func (e *X264Enc) ffmpegArgs() []string {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "yuv420p",
		"-s", fmt.Sprintf("%dx%d", e.width, e.height),
		"-r", e.framerate.String(),
		"-i", "pipe:0",
		"-an",
		"-c:v", "libx264",
		"-preset", e.speedPreset,
	}
	if e.tune != "none" {
		args = append(args, "-tune", e.tune)
	}
	args = append(args,
		"-profile:v", "baseline",
		"-g", strconv.Itoa(e.keyIntMax),
		"-bf", "0",
		"-b:v", strconv.Itoa(e.bitrate)+"k",
		"-threads", strconv.Itoa(e.threads),
		"-x264-params", "aud=1:repeat-headers=1",
		"-f", "h264",
		"pipe:1",
	)
	return args
}

type timing struct {
	pts, dur time.Duration
}

func (e *X264Enc) runFFmpeg(ctx context.Context, in <-chan *Buffer, out chan<- *Buffer) error {
	id := e.name + "-" + uuid.NewString()[:8]

	proc, err := e.processes.Start(id, e.ffmpegPath, e.ffmpegArgs())
	if err != nil {
		return fmt.Errorf("failed to start encoder: %w", err)
	}

	timings := make(chan timing, 512)
	writerDone := make(chan struct{})
	var writeErr error

	defer func() {
		if err := e.processes.Stop(id); err != nil && !errors.Is(err, process.ErrNotFound) {
			e.logger.Warn("Failed to stop encoder", zap.Error(err))
		}
		_ = proc.Stdout.Close()
		go func() {
			for range timings {
			}
		}()
		<-writerDone
	}()

	go func() {
		defer close(writerDone)
		defer close(timings)
		defer proc.Stdin.Close()
		writeErr = e.writeFrames(ctx, in, proc, timings)
	}()

	last := timing{dur: e.framerate.Duration()}
	emit := func(au [][]byte) error {
		t, ok := <-timings
		if !ok {
			t = timing{pts: last.pts + last.dur, dur: last.dur}
		}
		last = t
		return push(ctx, out, &Buffer{
			PTS:      t.pts,
			Duration: t.dur,
			AU:       au,
			IDR:      h264.IsIDR(au),
		})
	}

	var cur [][]byte
	sc := h264.NewAnnexBScanner(proc.Stdout)
	for sc.Scan() {
		nalu := append([]byte(nil), sc.Bytes()...)

		// aud=1: 매 access unit이 AUD로 시작
		if h264.Type(nalu) == mch264.NALUTypeAccessUnitDelimiter {
			if len(cur) > 0 {
				if err := emit(cur); err != nil {
					return err
				}
			}
			cur = nil
			continue
		}
		cur = append(cur, nalu)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read encoder output: %w", err)
	}
	if len(cur) > 0 {
		if err := emit(cur); err != nil {
			return err
		}
	}

	if err := proc.Err(); err != nil {
		return fmt.Errorf("encoder exited: %w", err)
	}

	<-writerDone
	if writeErr != nil && !errors.Is(writeErr, context.Canceled) {
		return writeErr
	}
	return nil
}

func (e *X264Enc) writeFrames(ctx context.Context, in <-chan *Buffer, proc *process.Process, timings chan<- timing) error {
	for {
		var buf *Buffer
		select {
		case b, ok := <-in:
			if !ok {
				return nil
			}
			buf = b
		case <-ctx.Done():
			return ctx.Err()
		}

		if err := checkFrame(buf, e.width, e.height); err != nil {
			return err
		}

		for _, plane := range [][]byte{buf.Frame.Y, buf.Frame.U, buf.Frame.V} {
			if _, err := proc.Stdin.Write(plane); err != nil {
				return fmt.Errorf("failed to write frame: %w", err)
			}
		}

		select {
		case timings <- timing{pts: buf.PTS, dur: buf.Duration}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
