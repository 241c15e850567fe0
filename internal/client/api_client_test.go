package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T) (*APIClient, *[]NewMount) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	added := &[]NewMount{}
	r := gin.New()
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": "1.0", "mounts": 1})
	})
	r.GET("/api/v1/mounts", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"mounts": []gin.H{{
			"path":    "/stream1",
			"shared":  true,
			"clients": 2,
			"media":   []gin.H{{"id": "m1", "state": "prepared", "stats": gin.H{"packets": 42}}},
		}}})
	})
	r.GET("/api/v1/mounts/*path", func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "mount not found"})
	})
	r.POST("/api/v1/mounts", func(c *gin.Context) {
		var m NewMount
		if err := c.ShouldBindJSON(&m); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if m.Pipeline == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "pipeline is empty"})
			return
		}
		*added = append(*added, m)
		c.JSON(http.StatusCreated, gin.H{"path": m.Path})
	})
	r.DELETE("/api/v1/mounts/*path", func(c *gin.Context) {
		c.JSON(http.StatusForbidden, gin.H{"error": "mount is defined in the config file"})
	})
	r.GET("/api/v1/sdp/*path", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/sdp", []byte("v=0\r\nm=video 0 RTP/AVP 96\r\n"))
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return NewAPIClient(srv.URL + "/"), added
}

func TestAPIClientListMounts(t *testing.T) {
	c, _ := newTestAPI(t)

	mounts, err := c.ListMounts(context.Background())
	require.NoError(t, err)
	require.Len(t, mounts, 1)
	assert.Equal(t, "/stream1", mounts[0].Path)
	assert.True(t, mounts[0].Shared)
	assert.Equal(t, 2, mounts[0].Clients)
	require.Len(t, mounts[0].Media, 1)
	assert.Equal(t, uint64(42), mounts[0].Media[0].Stats.Packets)

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 1, h.Mounts)
}

func TestAPIClientAddMount(t *testing.T) {
	c, added := newTestAPI(t)

	require.NoError(t, c.AddMount(context.Background(), NewMount{Path: "/cam", Pipeline: "videotestsrc ! x264enc ! rtph264pay name=pay0", Shared: true}))
	require.Len(t, *added, 1)
	assert.Equal(t, "/cam", (*added)[0].Path)
	assert.True(t, (*added)[0].Shared)

	err := c.AddMount(context.Background(), NewMount{Path: "/cam"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "pipeline is empty")
}

func TestAPIClientErrors(t *testing.T) {
	c, _ := newTestAPI(t)

	_, err := c.GetMount(context.Background(), "/nope")
	assert.ErrorIs(t, err, ErrNotFound)

	err = c.DeleteMount(context.Background(), "/stream1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
}

func TestAPIClientSDP(t *testing.T) {
	c, _ := newTestAPI(t)

	sdp, err := c.SDP(context.Background(), "/stream1")
	require.NoError(t, err)
	assert.Contains(t, sdp, "m=video 0 RTP/AVP 96")
}

func TestStatusErrorPlainBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	_, err := NewAPIClient(srv.URL).Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream down")
}
