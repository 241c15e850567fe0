package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pion/sdp/v3"
	"github.com/yourusername/rtspfeed/internal/core"
	"github.com/yourusername/rtspfeed/internal/pipeline"
	"github.com/yourusername/rtspfeed/internal/rtsp"
	"go.uber.org/zap"
)

// AddMountRequest는 POST /api/v1/mounts 요청 본문
type AddMountRequest struct {
	Path             string `json:"path" binding:"required"`
	Pipeline         string `json:"pipeline" binding:"required"`
	Shared           bool   `json:"shared"`
	StopOnDisconnect bool   `json:"stop_on_disconnect"`
}

// SDPSummary는 ?format=json 으로 요청한 SDP 요약
type SDPSummary struct {
	Path        string     `json:"path"`
	MediaID     string     `json:"media_id"`
	SessionName string     `json:"session_name"`
	Media       []SDPMedia `json:"media"`
	Raw         string     `json:"raw"`
}

// SDPMedia는 SDP 미디어 섹션 하나
type SDPMedia struct {
	Type    string   `json:"type"`
	Formats []string `json:"formats"`
	RTPMap  string   `json:"rtpmap,omitempty"`
	FMTP    string   `json:"fmtp,omitempty"`
	Control string   `json:"control,omitempty"`
}

// handleListMounts는 마운트 목록을 반환합니다
func (s *Server) handleListMounts(c *gin.Context) {
	mounts := s.rtsp.MountPoints().List()

	out := make([]gin.H, 0, len(mounts))
	for _, m := range mounts {
		out = append(out, s.mountView(m))
	}

	c.JSON(http.StatusOK, gin.H{
		"mounts": out,
	})
}

// handleGetMount는 마운트 상세를 반환합니다
func (s *Server) handleGetMount(c *gin.Context) {
	path := c.Param("path")

	f, ok := s.rtsp.MountPoints().Get(path)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "mount not found"})
		return
	}

	c.JSON(http.StatusOK, s.mountView(f.Info()))
}

func (s *Server) mountView(m rtsp.MountInfo) gin.H {
	var sessions int
	var packets uint64
	for _, info := range m.Media {
		sessions += info.Sessions
		packets += info.Stats.Packets
	}

	return gin.H{
		"path":               m.Path,
		"pipeline":           m.Pipeline,
		"shared":             m.Shared,
		"stop_on_disconnect": m.StopOnDisconnect,
		"constructed":        m.Constructed,
		"runtime":            s.store != nil && !s.store.IsYAMLMount(m.Path),
		"clients":            sessions,
		"packets":            packets,
		"media":              m.Media,
	}
}

// handleAddMount는 런타임 마운트를 추가합니다
// 파이프라인은 저장 전에 빌드해서 검증합니다
func (s *Server) handleAddMount(c *gin.Context) {
	var req AddMountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	m := core.MountConfig{
		Path:             req.Path,
		Pipeline:         req.Pipeline,
		Shared:           req.Shared,
		StopOnDisconnect: req.StopOnDisconnect,
	}
	if err := core.ValidateMount(m); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	bc := s.build
	bc.Logger = s.logger
	if err := pipeline.Validate(m.Pipeline, bc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if s.store != nil {
		if err := s.store.Add(m); err != nil {
			s.respondStoreError(c, err)
			return
		}
	}

	if err := s.rtsp.MountPoints().AddFactory(m.Path, rtsp.FactoryFromConfig(m)); err != nil {
		if s.store != nil {
			if rbErr := s.store.Delete(m.Path); rbErr != nil {
				s.logger.Warn("Failed to roll back stored mount", zap.String("path", m.Path), zap.Error(rbErr))
			}
		}
		if errors.Is(err, rtsp.ErrMountExists) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.logger.Info("Runtime mount added",
		zap.String("path", m.Path),
		zap.Bool("shared", m.Shared),
	)

	c.JSON(http.StatusCreated, gin.H{
		"message": "mount added",
		"path":    m.Path,
	})
}

// handleDeleteMount는 런타임 마운트를 삭제합니다 (설정 파일 마운트는 403)
func (s *Server) handleDeleteMount(c *gin.Context) {
	path := c.Param("path")

	if s.store != nil {
		if err := s.store.Delete(path); err != nil {
			s.respondStoreError(c, err)
			return
		}
	}

	if err := s.rtsp.MountPoints().RemoveFactory(path); err != nil {
		if errors.Is(err, rtsp.ErrMountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "mount removed",
		"path":    path,
	})
}

func (s *Server) respondStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, core.ErrMountExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrMountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrReadOnlyMount):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		s.logger.Error("Mount store failure", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// handleSDP는 마운트의 실행 중인 미디어 SDP를 반환합니다
func (s *Server) handleSDP(c *gin.Context) {
	path := c.Param("path")

	f, ok := s.rtsp.MountPoints().Get(path)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "mount not found"})
		return
	}

	m, ok := f.LiveMedia()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "mount has no running media"})
		return
	}

	raw, err := m.SDP()
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	if c.Query("format") != "json" {
		c.Data(http.StatusOK, "application/sdp", raw)
		return
	}

	summary, err := summarizeSDP(raw)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	summary.Path = path
	summary.MediaID = m.ID()

	c.JSON(http.StatusOK, summary)
}

func summarizeSDP(raw []byte) (*SDPSummary, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(raw); err != nil {
		return nil, err
	}

	out := &SDPSummary{
		SessionName: string(sd.SessionName),
		Media:       make([]SDPMedia, 0, len(sd.MediaDescriptions)),
		Raw:         string(raw),
	}

	for _, md := range sd.MediaDescriptions {
		m := SDPMedia{
			Type:    md.MediaName.Media,
			Formats: md.MediaName.Formats,
		}
		m.RTPMap, _ = md.Attribute("rtpmap")
		m.FMTP, _ = md.Attribute("fmtp")
		m.Control, _ = md.Attribute("control")
		out.Media = append(out.Media, m)
	}

	return out, nil
}
