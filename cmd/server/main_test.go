package main

import (
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/gortsplib/v4/pkg/liberrors"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/rtspfeed/internal/core"
	"github.com/yourusername/rtspfeed/pkg/logger"
	"go.uber.org/zap/zaptest"
)

func TestStreamURL(t *testing.T) {
	assert.Equal(t, "rtsp://127.0.0.1:554/stream1", streamURL(":554", "/stream1"))
	assert.Equal(t, "rtsp://127.0.0.1:8554/cam", streamURL("0.0.0.0:8554", "/cam"))
	assert.Equal(t, "rtsp://10.0.0.5:554/stream1", streamURL("10.0.0.5:554", "/stream1"))
	assert.Equal(t, "rtsp://[::1]:554/stream1", streamURL("[::1]:554", "/stream1"))
}

// testConfig는 기본 설정에서 포트와 인코더만 바꿉니다
func testConfig(t *testing.T) *core.Config {
	t.Helper()

	prev := logger.Log
	logger.Log = zaptest.NewLogger(t)
	t.Cleanup(func() { logger.Log = prev })

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	cfg := core.DefaultConfig()
	cfg.Server.RTSPAddress = addr
	cfg.Encoder.Backend = "pcm"
	return cfg
}

type reader struct {
	client  *gortsplib.Client
	packets atomic.Int64
}

func playStream(t *testing.T, addr, path string) (*reader, *description.Session) {
	t.Helper()

	transport := gortsplib.TransportTCP
	r := &reader{client: &gortsplib.Client{Transport: &transport}}
	require.NoError(t, r.client.Start("rtsp", addr))
	t.Cleanup(r.client.Close)

	u, err := base.ParseURL("rtsp://" + addr + path)
	require.NoError(t, err)

	desc, _, err := r.client.Describe(u)
	require.NoError(t, err)
	require.NoError(t, r.client.SetupAll(desc.BaseURL, desc.Medias))

	r.client.OnPacketRTPAny(func(_ *description.Media, _ format.Format, _ *rtp.Packet) {
		r.packets.Add(1)
	})

	_, err = r.client.Play(nil)
	require.NoError(t, err)
	return r, desc
}

func TestApplicationServesDefaultMount(t *testing.T) {
	cfg := testConfig(t)

	app := initializeApplication(cfg)
	require.NoError(t, app.start())
	defer app.cleanup()

	f, ok := app.rtspServer.MountPoints().Get("/stream1")
	require.True(t, ok)
	assert.True(t, f.Shared())
	assert.Equal(t, core.DefaultPipeline, f.Launch())

	r1, desc := playStream(t, cfg.Server.RTSPAddress, "/stream1")
	r2, _ := playStream(t, cfg.Server.RTSPAddress, "/stream1")

	require.Len(t, desc.Medias, 1)
	require.Len(t, desc.Medias[0].Formats, 1)
	forma, ok := desc.Medias[0].Formats[0].(*format.H264)
	require.True(t, ok)
	assert.Equal(t, uint8(96), forma.PayloadType())

	require.Eventually(t, func() bool {
		return r1.packets.Load() > 10 && r2.packets.Load() > 10
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, uint64(1), f.Constructed())
}

func TestApplicationUnknownMount(t *testing.T) {
	cfg := testConfig(t)

	app := initializeApplication(cfg)
	require.NoError(t, app.start())
	defer app.cleanup()

	transport := gortsplib.TransportTCP
	c := &gortsplib.Client{Transport: &transport}
	require.NoError(t, c.Start("rtsp", cfg.Server.RTSPAddress))
	defer c.Close()

	u, err := base.ParseURL("rtsp://" + cfg.Server.RTSPAddress + "/nope")
	require.NoError(t, err)
	_, _, err = c.Describe(u)
	var bad liberrors.ErrClientBadStatusCode
	require.True(t, errors.As(err, &bad), "unexpected error: %v", err)
	assert.Equal(t, base.StatusNotFound, bad.Code)
}

func TestApplicationStartFailsWhenPortTaken(t *testing.T) {
	cfg := testConfig(t)

	l, err := net.Listen("tcp", cfg.Server.RTSPAddress)
	require.NoError(t, err)
	defer l.Close()

	app := initializeApplication(cfg)
	require.Error(t, app.start())

	// 시작에 실패해도 정리는 안전해야 함
	app.cleanup()
}

func TestApplicationInvalidMountStillRegistered(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mounts = append(cfg.Mounts, core.MountConfig{Path: "/broken", Pipeline: "videotestsrc ! x264enc ! queue"})

	app := initializeApplication(cfg)
	defer app.cleanup()

	_, ok := app.rtspServer.MountPoints().Get("/broken")
	assert.True(t, ok)
	_, ok = app.rtspServer.MountPoints().Get("/stream1")
	assert.True(t, ok)
}
