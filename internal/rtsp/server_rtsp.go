package rtsp

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/google/uuid"
	"github.com/yourusername/rtspfeed/internal/core"
	"github.com/yourusername/rtspfeed/internal/events"
	"github.com/yourusername/rtspfeed/internal/pipeline"
	"go.uber.org/zap"
)

// Server는 마운트 테이블을 가진 RTSP 서버
// 프로토콜 처리는 gortsplib가 하고, 여기서는 요청을 미디어 팩토리로 연결합니다
type Server struct {
	config core.ServerConfig
	server *gortsplib.Server
	mounts *MountPoints
	env    *mediaEnv
	logger *zap.Logger

	mu       sync.Mutex
	started  bool
	parked   map[*gortsplib.ServerConn]*Media
	sessions map[*gortsplib.ServerSession]*Session
}

// ServerConfig는 RTSP 서버 설정입니다
type ServerConfig struct {
	Server core.ServerConfig
	Media  core.MediaConfig
	Build  pipeline.BuildContext
	Events *events.Hub
	Logger *zap.Logger
}

// NewServer는 새로운 RTSP 서버를 생성합니다. 리스너는 Start에서 엽니다
func NewServer(config ServerConfig) *Server {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Media.PrepareTimeout <= 0 {
		config.Media.PrepareTimeout = 10 * time.Second
	}
	if config.Media.LingerTimeout <= 0 {
		config.Media.LingerTimeout = 30 * time.Second
	}

	s := &Server{
		config:   config.Server,
		logger:   config.Logger,
		parked:   make(map[*gortsplib.ServerConn]*Media),
		sessions: make(map[*gortsplib.ServerSession]*Session),
	}

	s.server = &gortsplib.Server{
		Handler:        s,
		RTSPAddress:    config.Server.RTSPAddress,
		UDPRTPAddress:  config.Server.UDPRTPAddress,
		UDPRTCPAddress: config.Server.UDPRTCPAddress,
		ReadTimeout:    config.Server.ReadTimeout,
		WriteTimeout:   config.Server.WriteTimeout,
		WriteQueueSize: config.Server.WriteQueueSize,
	}

	s.env = &mediaEnv{
		server:         s.server,
		build:          config.Build,
		prepareTimeout: config.Media.PrepareTimeout,
		lingerTimeout:  config.Media.LingerTimeout,
		events:         config.Events,
		logger:         config.Logger,
	}

	s.mounts = NewMountPoints(config.Logger)
	s.mounts.env = s.env

	return s
}

// MountPoints는 서버의 마운트 테이블
func (s *Server) MountPoints() *MountPoints {
	return s.mounts
}

// Start는 RTSP 리스너를 엽니다
func (s *Server) Start() error {
	s.logger.Info("Starting RTSP server",
		zap.String("address", s.config.RTSPAddress),
		zap.Bool("udp", s.config.UDPEnabled()),
	)

	if err := s.server.Start(); err != nil {
		return fmt.Errorf("failed to start RTSP server: %w", err)
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	s.logger.Info("RTSP server started successfully", zap.String("address", s.config.RTSPAddress))
	return nil
}

// Wait는 서버가 멈출 때까지 기다립니다
func (s *Server) Wait() error {
	return s.server.Wait()
}

// Close는 리스너와 모든 세션을 닫고 미디어를 정리합니다
func (s *Server) Close() {
	s.logger.Info("Stopping RTSP server")

	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()

	if started {
		s.server.Close()
	}
	s.mounts.CloseAll()

	s.logger.Info("RTSP server stopped")
}

// Sessions는 생성 시간 순으로 현재 세션 목록을 반환합니다
func (s *Server) Sessions() []Session {
	s.mu.Lock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func remoteAddr(conn *gortsplib.ServerConn) string {
	if conn == nil {
		return ""
	}
	return conn.NetConn().RemoteAddr().String()
}

// park는 공유되지 않는 미디어를 DESCRIBE한 연결에 맡겨 두고 다음 SETUP이 가져갑니다
func (s *Server) park(conn *gortsplib.ServerConn, m *Media) {
	s.mu.Lock()
	old := s.parked[conn]
	s.parked[conn] = m
	s.mu.Unlock()

	if old != nil && old != m {
		old.closeIfUnused()
	}
}

func (s *Server) takeParked(conn *gortsplib.ServerConn, f *MediaFactory) *Media {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.parked[conn]
	if m == nil || m.factory != f {
		return nil
	}
	delete(s.parked, conn)
	return m
}

// OnConnOpen는 클라이언트 연결 시 호출됩니다 (gortsplib.ServerHandlerOnConnOpen)
func (s *Server) OnConnOpen(ctx *gortsplib.ServerHandlerOnConnOpenCtx) {
	s.logger.Debug("RTSP client connected",
		zap.String("remote_addr", remoteAddr(ctx.Conn)),
	)
}

// OnConnClose는 클라이언트 종료 시 호출됩니다 (gortsplib.ServerHandlerOnConnClose)
func (s *Server) OnConnClose(ctx *gortsplib.ServerHandlerOnConnCloseCtx) {
	s.mu.Lock()
	m := s.parked[ctx.Conn]
	delete(s.parked, ctx.Conn)
	s.mu.Unlock()

	if m != nil {
		m.closeIfUnused()
	}

	s.logger.Debug("RTSP client disconnected",
		zap.String("remote_addr", remoteAddr(ctx.Conn)),
		zap.Error(ctx.Error),
	)
}

// OnSessionOpen은 세션 생성 시 호출됩니다 (gortsplib.ServerHandlerOnSessionOpen)
func (s *Server) OnSessionOpen(ctx *gortsplib.ServerHandlerOnSessionOpenCtx) {
	s.logger.Debug("RTSP session opened", zap.String("remote_addr", remoteAddr(ctx.Conn)))
}

// OnSessionClose는 세션 종료 시 호출됩니다 (gortsplib.ServerHandlerOnSessionClose)
func (s *Server) OnSessionClose(ctx *gortsplib.ServerHandlerOnSessionCloseCtx) {
	s.mu.Lock()
	sess := s.sessions[ctx.Session]
	delete(s.sessions, ctx.Session)
	s.mu.Unlock()

	if sess == nil {
		return
	}

	sess.media.detach(ctx.Session)

	s.logger.Info("RTSP session closed",
		zap.String("path", sess.Path),
		zap.String("session_id", sess.ID),
		zap.Error(ctx.Error),
	)
	s.env.publish(events.Event{
		Type:      events.SessionClosed,
		Path:      sess.Path,
		MediaID:   sess.MediaID,
		SessionID: sess.ID,
	})
}

// OnDescribe는 DESCRIBE 요청 시 호출됩니다 (gortsplib.ServerHandlerOnDescribe)
// 마운트가 없으면 404, 미디어를 만들 수 없으면 503
func (s *Server) OnDescribe(ctx *gortsplib.ServerHandlerOnDescribeCtx) (*base.Response, *gortsplib.ServerStream, error) {
	remote := remoteAddr(ctx.Conn)
	s.logger.Info("DESCRIBE request received",
		zap.String("path", ctx.Path),
		zap.String("remote_addr", remote),
	)

	f, mount, ok := s.mounts.Match(ctx.Path)
	if !ok {
		s.logger.Warn("No mount for path", zap.String("path", ctx.Path))
		return &base.Response{
			StatusCode: base.StatusNotFound,
		}, nil, nil
	}

	m, err := f.obtain(MediaRequest{
		Path:        mount,
		RequestPath: ctx.Path,
		Query:       ctx.Query,
		RemoteAddr:  remote,
	})
	if err != nil {
		return &base.Response{
			StatusCode: base.StatusServiceUnavailable,
		}, nil, nil
	}

	stream := m.Stream()
	if stream == nil {
		return &base.Response{
			StatusCode: base.StatusServiceUnavailable,
		}, nil, nil
	}

	if !f.Shared() {
		s.park(ctx.Conn, m)
	}

	return &base.Response{
		StatusCode: base.StatusOK,
	}, stream, nil
}

// OnSetup은 SETUP 요청 시 호출됩니다 (gortsplib.ServerHandlerOnSetup)
func (s *Server) OnSetup(ctx *gortsplib.ServerHandlerOnSetupCtx) (*base.Response, *gortsplib.ServerStream, error) {
	remote := remoteAddr(ctx.Conn)
	s.logger.Info("SETUP request received",
		zap.String("path", ctx.Path),
		zap.String("remote_addr", remote),
	)

	f, mount, ok := s.mounts.Match(ctx.Path)
	if !ok {
		return &base.Response{
			StatusCode: base.StatusNotFound,
		}, nil, nil
	}

	// 같은 세션의 추가 SETUP
	s.mu.Lock()
	existing := s.sessions[ctx.Session]
	s.mu.Unlock()
	if existing != nil {
		if stream := existing.media.Stream(); stream != nil {
			return &base.Response{
				StatusCode: base.StatusOK,
			}, stream, nil
		}
		return &base.Response{
			StatusCode: base.StatusServiceUnavailable,
		}, nil, nil
	}

	m := s.takeParked(ctx.Conn, f)
	if m == nil {
		var err error
		m, err = f.obtain(MediaRequest{
			Path:        mount,
			RequestPath: ctx.Path,
			Query:       ctx.Query,
			RemoteAddr:  remote,
		})
		if err != nil {
			return &base.Response{
				StatusCode: base.StatusServiceUnavailable,
			}, nil, nil
		}
	}

	if err := m.attach(ctx.Session); err != nil {
		s.logger.Warn("Media closed before SETUP completed", zap.String("path", mount))
		return &base.Response{
			StatusCode: base.StatusServiceUnavailable,
		}, nil, nil
	}

	stream := m.Stream()
	if stream == nil {
		m.detach(ctx.Session)
		return &base.Response{
			StatusCode: base.StatusServiceUnavailable,
		}, nil, nil
	}

	sess := &Session{
		ID:         uuid.NewString(),
		Path:       mount,
		MediaID:    m.ID(),
		RemoteAddr: remote,
		CreatedAt:  time.Now(),
		media:      m,
	}

	s.mu.Lock()
	s.sessions[ctx.Session] = sess
	s.mu.Unlock()

	s.logger.Info("RTSP session attached",
		zap.String("path", mount),
		zap.String("session_id", sess.ID),
		zap.String("media_id", sess.MediaID),
	)
	s.env.publish(events.Event{
		Type:      events.SessionOpened,
		Path:      mount,
		MediaID:   sess.MediaID,
		SessionID: sess.ID,
	})

	return &base.Response{
		StatusCode: base.StatusOK,
	}, stream, nil
}

// OnPlay는 PLAY 요청 시 호출됩니다 (gortsplib.ServerHandlerOnPlay)
func (s *Server) OnPlay(ctx *gortsplib.ServerHandlerOnPlayCtx) (*base.Response, error) {
	s.mu.Lock()
	sess := s.sessions[ctx.Session]
	if sess != nil {
		sess.Playing = true
	}
	s.mu.Unlock()

	if sess == nil {
		return &base.Response{
			StatusCode: base.StatusSessionNotFound,
		}, nil
	}

	s.logger.Info("PLAY request received",
		zap.String("path", sess.Path),
		zap.String("session_id", sess.ID),
	)

	return &base.Response{
		StatusCode: base.StatusOK,
	}, nil
}
