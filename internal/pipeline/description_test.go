package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLinearPipeline(t *testing.T) {
	d, err := Parse("videotestsrc pattern=bar horizontal-speed=2 ! x264enc ! queue ! rtph264pay name=pay0 config-interval=1 pt=96")
	require.NoError(t, err)
	require.Len(t, d.Chains, 1)

	var names []string
	for _, el := range d.Elements() {
		names = append(names, el.Name)
	}
	assert.Equal(t, []string{"videotestsrc0", "x264enc0", "queue0", "pay0"}, names)

	src := d.Element("videotestsrc0")
	require.NotNil(t, src)
	assert.Equal(t, map[string]string{"pattern": "bar", "horizontal-speed": "2"}, src.Props)

	pay := d.Element("pay0")
	require.NotNil(t, pay)
	assert.Equal(t, "rtph264pay", pay.Factory)
	assert.Equal(t, map[string]string{"config-interval": "1", "pt": "96"}, pay.Props)
}

func TestParseCapsAndQuotes(t *testing.T) {
	d, err := Parse(`videotestsrc ! video/x-raw,width=640,height=480 ! x264enc ! rtph264pay name="pay0"`)
	require.NoError(t, err)

	caps := d.Elements()[1]
	assert.Equal(t, "capsfilter", caps.Factory)
	assert.Equal(t, "capsfilter0", caps.Name)
	assert.Equal(t, "video/x-raw,width=640,height=480", caps.Props["caps"])
	assert.NotNil(t, d.Element("pay0"))
}

func TestParseQuotedValueWithSpaces(t *testing.T) {
	d, err := Parse(`filesrc location="/tmp/my clip.mp4" ! qtdemux name=demux demux.video_0 ! rtph264pay name=pay0`)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/my clip.mp4", d.Element("filesrc0").Props["location"])
}

func TestParsePadReference(t *testing.T) {
	d, err := Parse("filesrc location=a.mp4 ! qtdemux name=demux demux.video_0 ! queue ! rtph264pay name=pay0")
	require.NoError(t, err)
	require.Len(t, d.Chains, 2)

	assert.Nil(t, d.Chains[0].From)
	require.NotNil(t, d.Chains[1].From)
	assert.Equal(t, PadRef{Element: "demux", Pad: "video_0"}, *d.Chains[1].From)
	assert.Equal(t, "demux.video_0", d.Chains[1].From.String())
	assert.Len(t, d.Chains[1].Elements, 2)
}

func TestParseGeneratedNamesAvoidExplicitOnes(t *testing.T) {
	d, err := Parse("videotestsrc ! queue name=queue0 ! queue ! x264enc ! rtph264pay name=pay0")
	require.NoError(t, err)

	els := d.Elements()
	assert.Equal(t, "queue0", els[1].Name)
	assert.Equal(t, "queue1", els[2].Name)
}

func TestParseErrors(t *testing.T) {
	for _, ca := range []struct {
		name string
		text string
	}{
		{"empty", "   "},
		{"trailing bang", "videotestsrc ! x264enc !"},
		{"leading bang", "! videotestsrc"},
		{"double bang", "videotestsrc ! ! x264enc"},
		{"property without element", "pt=96 ! rtph264pay"},
		{"unterminated quote", `filesrc location="a.mp4`},
		{"invalid element", "video@src ! rtph264pay name=pay0"},
		{"unlinked pad", "filesrc ! qtdemux name=demux demux.video_0"},
		{"link into pad", "filesrc ! demux.sink"},
		{"duplicate name", "videotestsrc name=a ! x264enc name=a ! rtph264pay name=pay0"},
		{"bad caps", "videotestsrc ! video/x-raw,width=abc ! x264enc"},
		{"unsupported caps", "videotestsrc ! audio/x-raw ! x264enc"},
	} {
		t.Run(ca.name, func(t *testing.T) {
			_, err := Parse(ca.text)
			assert.ErrorIs(t, err, ErrSyntax)
		})
	}
}

func TestParseCaps(t *testing.T) {
	caps, err := ParseCaps("video/x-raw,format=I420,width=(int)640,height=480,framerate=25/1")
	require.NoError(t, err)
	assert.Equal(t, Caps{
		Media:     MediaRawVideo,
		Width:     640,
		Height:    480,
		Framerate: Fraction{Num: 25, Den: 1},
	}, caps)
	assert.Equal(t, "video/x-raw,width=640,height=480,framerate=25/1", caps.String())

	_, err = ParseCaps("video/x-raw,format=NV12")
	assert.Error(t, err)

	_, err = ParseCaps("video/x-raw,width=641,height=480")
	assert.Error(t, err)

	_, err = ParseCaps("video/x-h264,stream-format=avc")
	assert.NoError(t, err)
}

func TestFraction(t *testing.T) {
	f, err := ParseFraction("30000/1001")
	require.NoError(t, err)
	assert.Equal(t, 30, f.Rounded())
	assert.Equal(t, "30000/1001", f.String())

	f, err = ParseFraction("15")
	require.NoError(t, err)
	assert.Equal(t, Fraction{Num: 15, Den: 1}, f)

	_, err = ParseFraction("0/1")
	assert.Error(t, err)
	_, err = ParseFraction("30/0")
	assert.Error(t, err)
}
