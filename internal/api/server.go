package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/yourusername/rtspfeed/internal/core"
	"github.com/yourusername/rtspfeed/internal/events"
	"github.com/yourusername/rtspfeed/internal/pipeline"
	"github.com/yourusername/rtspfeed/internal/rtsp"
	"go.uber.org/zap"
)

// Server는 HTTP API 서버입니다
type Server struct {
	logger     *zap.Logger
	httpServer *http.Server
	listener   net.Listener
	router     *gin.Engine
	address    string
	version    string
	startedAt  time.Time

	rtsp   *rtsp.Server
	store  *core.MountStore
	build  pipeline.BuildContext
	events *events.Hub
}

// ServerConfig는 API 서버 설정
type ServerConfig struct {
	Address    string
	Production bool
	PProf      bool
	Version    string
	Logger     *zap.Logger

	RTSP   *rtsp.Server
	Store  *core.MountStore
	Build  pipeline.BuildContext // 마운트 추가 시 파이프라인 검증용
	Events *events.Hub
}

// NewServer는 새로운 API 서버를 생성합니다
func NewServer(config ServerConfig) *Server {
	if !config.Production {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(loggerMiddleware(config.Logger))

	server := &Server{
		logger:    config.Logger,
		router:    router,
		address:   config.Address,
		version:   config.Version,
		startedAt: time.Now(),
		rtsp:      config.RTSP,
		store:     config.Store,
		build:     config.Build,
		events:    config.Events,
	}

	server.setupRoutes(config.PProf)

	return server
}

// Handler는 라우터를 반환합니다 (테스트용)
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes는 라우트를 설정합니다
func (s *Server) setupRoutes(enablePProf bool) {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/mounts", s.handleListMounts)
		v1.POST("/mounts", s.handleAddMount)
		v1.GET("/mounts/*path", s.handleGetMount)
		v1.DELETE("/mounts/*path", s.handleDeleteMount)
		v1.GET("/sdp/*path", s.handleSDP)
		v1.GET("/sessions", s.handleSessions)
		v1.GET("/stats", s.handleStats)
	}

	// 미디어/세션 이벤트
	if s.events != nil {
		s.router.GET("/ws", gin.WrapF(s.events.HandleWebSocket))
	}

	if enablePProf {
		pprof.Register(s.router)
	}
}

// Start는 리스너를 열고 API 서버를 백그라운드에서 시작합니다
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	s.listener = ln

	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting API server",
		zap.String("addr", ln.Addr().String()),
	)

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()

	return nil
}

// Addr는 실제로 열린 주소를 반환합니다
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.address
	}
	return s.listener.Addr().String()
}

// Stop은 API 서버를 종료합니다
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")

	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// handleHealth는 헬스 체크를 처리합니다
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"version":  s.version,
		"uptime":   time.Since(s.startedAt).Round(time.Second).String(),
		"mounts":   len(s.rtsp.MountPoints().List()),
		"sessions": len(s.rtsp.Sessions()),
		"clients":  s.events.ClientCount(),
	})
}

// handleStats는 서버 통계를 반환합니다
func (s *Server) handleStats(c *gin.Context) {
	mounts := s.rtsp.MountPoints().List()

	var (
		medias int
		total  pipeline.Stats
	)
	for _, m := range mounts {
		for _, info := range m.Media {
			medias++
			total.Frames += info.Stats.Frames
			total.Packets += info.Stats.Packets
			total.Bytes += info.Stats.Bytes
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"mounts":         len(mounts),
		"media":          medias,
		"sessions":       len(s.rtsp.Sessions()),
		"frames":         total.Frames,
		"packets":        total.Packets,
		"bytes":          total.Bytes,
		"goroutines":     runtime.NumGoroutine(),
	})
}

// handleSessions는 RTSP 세션 목록을 반환합니다
func (s *Server) handleSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"sessions": s.rtsp.Sessions(),
	})
}

// corsMiddleware는 CORS 미들웨어입니다
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept, Origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// loggerMiddleware는 로깅 미들웨어입니다
func loggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}
