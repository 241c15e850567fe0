package pipeline

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testPipeline = "videotestsrc pattern=bar horizontal-speed=2 ! x264enc ! queue ! rtph264pay name=pay0 config-interval=1 pt=96"

// pcmBuildContext는 ffmpeg가 없는 환경을 흉내냅니다
func pcmBuildContext(t *testing.T) BuildContext {
	return BuildContext{
		Logger:   zaptest.NewLogger(t),
		LookPath: func(string) (string, error) { return "", exec.ErrNotFound },
	}
}

func tempFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestBuildDefaultPipeline(t *testing.T) {
	p, err := ParseAndBuild(testPipeline, pcmBuildContext(t))
	require.NoError(t, err)

	assert.Equal(t, []string{"videotestsrc0", "x264enc0", "queue0", "pay0"}, p.ElementNames())
	assert.Equal(t, uint8(96), p.pay.PayloadType())
	assert.Nil(t, p.pay.Format())

	enc := p.elements[1].(*X264Enc)
	assert.Equal(t, backendPCM, enc.Backend())
}

func TestBuildAutoBackendPrefersFFmpeg(t *testing.T) {
	bc := pcmBuildContext(t)
	bc.LookPath = func(string) (string, error) { return "/usr/bin/ffmpeg", nil }

	p, err := ParseAndBuild(testPipeline, bc)
	require.NoError(t, err)
	assert.Equal(t, backendFFmpeg, p.elements[1].(*X264Enc).Backend())
}

func TestBuildCapsFilterConfiguresSource(t *testing.T) {
	d, err := Parse("videotestsrc ! video/x-raw,width=640,height=480,framerate=15/1 ! x264enc ! rtph264pay name=pay0")
	require.NoError(t, err)

	p, err := Build(d, pcmBuildContext(t))
	require.NoError(t, err)

	src := p.elements[0].(*VideoTestSrc)
	assert.Equal(t, 640, src.width)
	assert.Equal(t, 480, src.height)
	assert.Equal(t, Fraction{Num: 15, Den: 1}, src.framerate)

	enc := p.elements[2].(*X264Enc)
	assert.Equal(t, 15, enc.keyIntMax)

	// 원본 설명은 바뀌지 않음
	assert.Empty(t, d.Element("videotestsrc0").Props)
}

func TestBuildErrors(t *testing.T) {
	for _, ca := range []struct {
		name string
		text string
		err  error
	}{
		{"no payloader", "videotestsrc ! x264enc ! queue", ErrNoPayloader},
		{"payloader not last", "videotestsrc ! x264enc ! rtph264pay name=pay0 ! queue", ErrPayloaderNotTerminal},
		{"pay0 is not a payloader", "videotestsrc ! x264enc ! queue name=pay0", ErrNotPayloader},
		{"unknown element", "nosuchsrc ! rtph264pay name=pay0", ErrUnknownElement},
		{"unknown property", "videotestsrc bogus=1 ! x264enc ! rtph264pay name=pay0", ErrUnknownProperty},
		{"two sources", "videotestsrc ! x264enc ! rtph264pay name=pay0 videotestsrc", ErrNotLinear},
		{"source in the middle", "videotestsrc ! videotestsrc ! x264enc ! rtph264pay name=pay0", ErrNotLinear},
		{"raw into payloader", "videotestsrc ! rtph264pay name=pay0", ErrIncompatibleCaps},
		{"caps conflict", "videotestsrc width=320 ! video/x-raw,width=640 ! x264enc ! rtph264pay name=pay0", ErrIncompatibleCaps},
		{"h264 caps on raw link", "videotestsrc ! video/x-h264 ! x264enc ! rtph264pay name=pay0", ErrIncompatibleCaps},
	} {
		t.Run(ca.name, func(t *testing.T) {
			_, err := ParseAndBuild(ca.text, pcmBuildContext(t))
			assert.ErrorIs(t, err, ca.err)
		})
	}
}

func TestBuildPropertyErrors(t *testing.T) {
	for _, text := range []string{
		"videotestsrc ! x264enc ! rtph264pay name=pay0 pt=200",
		"videotestsrc ! x264enc ! rtph264pay name=pay0 config-interval=abc",
		"videotestsrc pattern=plaid ! x264enc ! rtph264pay name=pay0",
		"videotestsrc width=321 ! x264enc ! rtph264pay name=pay0",
		"videotestsrc width=400000000 height=2 ! x264enc backend=pcm ! rtph264pay name=pay0",
		"videotestsrc width=64 height=8194 ! x264enc ! rtph264pay name=pay0",
		"videotestsrc width=8 height=8 ! x264enc ! rtph264pay name=pay0",
		"videotestsrc ! video/x-raw,width=400000000 ! x264enc ! rtph264pay name=pay0",
		"videotestsrc ! x264enc backend=ffmpeg ! rtph264pay name=pay0",
		"videotestsrc ! x264enc ! queue max-size-buffers=0 ! rtph264pay name=pay0",
		"filesrc ! qtdemux ! rtph264pay name=pay0",
		"filesrc location=/nonexistent/clip.mp4 ! qtdemux ! rtph264pay name=pay0",
	} {
		t.Run(text, func(t *testing.T) {
			assert.Error(t, Validate(text, pcmBuildContext(t)))
		})
	}
}

func TestBuildDoesNotAllocateFrames(t *testing.T) {
	p, err := ParseAndBuild("videotestsrc width=8192 height=8192 ! x264enc backend=pcm ! rtph264pay name=pay0", pcmBuildContext(t))
	require.NoError(t, err)
	defer p.Close()

	src := p.elements[0].(*VideoTestSrc)
	assert.Nil(t, src.lineY)
	assert.Nil(t, src.lineU)
	assert.Nil(t, src.lineV)
}

func TestBuildDemuxPads(t *testing.T) {
	path := tempFile(t, "clip.mp4", nil)

	err := Validate("filesrc location="+path+" ! qtdemux name=demux demux.video_1 ! queue ! rtph264pay name=pay0", pcmBuildContext(t))
	require.NoError(t, err)

	err = Validate("filesrc location="+path+" ! qtdemux name=demux demux.audio_0 ! queue ! rtph264pay name=pay0", pcmBuildContext(t))
	assert.ErrorContains(t, err, "audio_0")
}

func TestFFmpegArgs(t *testing.T) {
	p, err := ParseAndBuild("videotestsrc width=640 height=360 framerate=25/1 ! x264enc key-int-max=50 bitrate=1000 tune=none ! rtph264pay name=pay0", pcmBuildContext(t))
	require.NoError(t, err)

	args := p.elements[1].(*X264Enc).ffmpegArgs()
	assert.Subset(t, args, []string{"-s", "640x360", "-r", "25/1", "-g", "50", "-b:v", "1000k", "pipe:0", "pipe:1"})
	assert.NotContains(t, args, "-tune")
	assert.Contains(t, args, "aud=1:repeat-headers=1")
}

func TestFactories(t *testing.T) {
	assert.Equal(t, []string{
		"capsfilter", "filesrc", "qtdemux", "queue", "rtph264pay", "videotestsrc", "x264enc",
	}, Factories())
}
