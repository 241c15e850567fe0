package api

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/rtspfeed/internal/core"
	"github.com/yourusername/rtspfeed/internal/events"
	"github.com/yourusername/rtspfeed/internal/pipeline"
	"github.com/yourusername/rtspfeed/internal/rtsp"
	"go.uber.org/zap/zaptest"
)

const testLaunch = "videotestsrc width=64 height=48 ! x264enc backend=pcm ! rtph264pay name=pay0 pt=96"

type fixture struct {
	api      *Server
	rtsp     *rtsp.Server
	store    *core.MountStore
	rtspAddr string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	build := pipeline.BuildContext{
		LookPath: func(string) (string, error) { return "", exec.ErrNotFound },
	}
	hub := events.NewHub(events.Config{Logger: logger})

	rs := rtsp.NewServer(rtsp.ServerConfig{
		Server: core.ServerConfig{RTSPAddress: addr},
		Build:  build,
		Events: hub,
		Logger: logger,
	})
	require.NoError(t, rs.Start())
	t.Cleanup(rs.Close)

	yamlMount := core.MountConfig{Path: "/stream1", Pipeline: testLaunch, Shared: true}
	require.NoError(t, rs.MountPoints().AddFactory(yamlMount.Path, rtsp.FactoryFromConfig(yamlMount)))

	store := core.NewMountStore([]core.MountConfig{yamlMount}, filepath.Join(t.TempDir(), "mounts.json"), logger)

	srv := NewServer(ServerConfig{
		Version: "test",
		Logger:  logger,
		RTSP:    rs,
		Store:   store,
		Build:   build,
		Events:  hub,
	})

	return &fixture{api: srv, rtsp: rs, store: store, rtspAddr: addr}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	f.api.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.EqualValues(t, 1, body["mounts"])
	assert.EqualValues(t, 0, body["sessions"])
}

func TestListAndGetMounts(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/mounts", nil)
	require.Equal(t, http.StatusOK, w.Code)

	mounts := decode(t, w)["mounts"].([]interface{})
	require.Len(t, mounts, 1)
	m := mounts[0].(map[string]interface{})
	assert.Equal(t, "/stream1", m["path"])
	assert.Equal(t, true, m["shared"])
	assert.Equal(t, false, m["runtime"])
	assert.Equal(t, testLaunch, m["pipeline"])

	w = f.do(t, http.MethodGet, "/api/v1/mounts/stream1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/stream1", decode(t, w)["path"])

	w = f.do(t, http.MethodGet, "/api/v1/mounts/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAddMount(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/mounts", AddMountRequest{
		Path:     "/cam/2",
		Pipeline: testLaunch,
		Shared:   true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	got, ok := f.rtsp.MountPoints().Get("/cam/2")
	require.True(t, ok)
	assert.True(t, got.Shared())

	stored, ok := f.store.Get("/cam/2")
	require.True(t, ok)
	assert.Equal(t, testLaunch, stored.Pipeline)

	w = f.do(t, http.MethodGet, "/api/v1/mounts/cam/2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["runtime"])

	w = f.do(t, http.MethodPost, "/api/v1/mounts", AddMountRequest{Path: "/cam/2", Pipeline: testLaunch})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAddMountRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)

	for _, ca := range []struct {
		name string
		body interface{}
	}{
		{"missing fields", map[string]string{"path": "/x"}},
		{"relative path", AddMountRequest{Path: "x", Pipeline: testLaunch}},
		{"no payloader", AddMountRequest{Path: "/x", Pipeline: "videotestsrc ! x264enc ! queue"}},
		{"unknown element", AddMountRequest{Path: "/x", Pipeline: "foosrc ! rtph264pay name=pay0"}},
		{"syntax", AddMountRequest{Path: "/x", Pipeline: "videotestsrc ! ! rtph264pay name=pay0"}},
	} {
		t.Run(ca.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/v1/mounts", ca.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, decode(t, w), "error")
		})
	}

	_, ok := f.rtsp.MountPoints().Get("/x")
	assert.False(t, ok)
	_, ok = f.store.Get("/x")
	assert.False(t, ok)
}

func TestDeleteMount(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodDelete, "/api/v1/mounts/stream1", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/mounts", AddMountRequest{Path: "/tmp", Pipeline: testLaunch})
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodDelete, "/api/v1/mounts/tmp", nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, ok := f.rtsp.MountPoints().Get("/tmp")
	assert.False(t, ok)

	w = f.do(t, http.MethodDelete, "/api/v1/mounts/tmp", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSDP(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/sdp/stream1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// DESCRIBE로 공유 미디어를 만듦
	transport := gortsplib.TransportTCP
	c := &gortsplib.Client{Transport: &transport}
	require.NoError(t, c.Start("rtsp", f.rtspAddr))
	defer c.Close()
	u, err := base.ParseURL("rtsp://" + f.rtspAddr + "/stream1")
	require.NoError(t, err)
	_, _, err = c.Describe(u)
	require.NoError(t, err)

	w = f.do(t, http.MethodGet, "/api/v1/sdp/stream1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/sdp", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "a=rtpmap:96 H264/90000")

	w = f.do(t, http.MethodGet, "/api/v1/sdp/stream1?format=json", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var summary SDPSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, "/stream1", summary.Path)
	assert.NotEmpty(t, summary.MediaID)
	require.Len(t, summary.Media, 1)
	assert.Equal(t, "video", summary.Media[0].Type)
	assert.Equal(t, []string{"96"}, summary.Media[0].Formats)
	assert.Equal(t, "96 H264/90000", summary.Media[0].RTPMap)
	assert.Contains(t, summary.Media[0].FMTP, "packetization-mode=1")
}

func TestSessionsAndStats(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode(t, w)["sessions"])

	w = f.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode(t, w)
	assert.EqualValues(t, 1, stats["mounts"])
	assert.EqualValues(t, 0, stats["media"])
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodOptions, "/api/v1/mounts", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	f.api.address = "127.0.0.1:0"

	require.NoError(t, f.api.Start())

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + f.api.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, f.api.Stop())
}
