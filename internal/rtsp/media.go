package rtsp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/yourusername/rtspfeed/internal/events"
	"github.com/yourusername/rtspfeed/internal/pipeline"
	"go.uber.org/zap"
)

const sessionTitle = "Session streamed by rtspfeed"

var (
	ErrMediaClosed   = errors.New("media is closed")
	ErrMediaNotReady = errors.New("media has no live stream")
)

// MediaState는 미디어 수명 주기 상태
type MediaState int

const (
	MediaPreparing MediaState = iota
	MediaPrepared
	MediaClosed
	MediaError
)

func (s MediaState) String() string {
	switch s {
	case MediaPreparing:
		return "preparing"
	case MediaPrepared:
		return "prepared"
	case MediaClosed:
		return "closed"
	case MediaError:
		return "error"
	}
	return "unknown"
}

// mediaEnv는 팩토리가 미디어를 만들 때 필요한 서버 쪽 환경
type mediaEnv struct {
	server         *gortsplib.Server
	build          pipeline.BuildContext
	prepareTimeout time.Duration
	lingerTimeout  time.Duration
	events         *events.Hub
	logger         *zap.Logger
}

func (e *mediaEnv) publish(ev events.Event) {
	if e == nil {
		return
	}
	e.events.Publish(ev)
}

// MediaInfo는 미디어 하나의 요약
type MediaInfo struct {
	ID        string         `json:"id"`
	Path      string         `json:"path"`
	State     string         `json:"state"`
	Pipeline  string         `json:"pipeline"`
	Sessions  int            `json:"sessions"`
	CreatedAt time.Time      `json:"created_at"`
	Stats     pipeline.Stats `json:"stats"`
	Error     string         `json:"error,omitempty"`
}

// Media는 실행 중인 파이프라인 하나와 그 ServerStream
type Media struct {
	id        string
	path      string
	launch    string
	factory   *MediaFactory
	env       *mediaEnv
	pipeline  *pipeline.Pipeline
	medi      *description.Media
	logger    *zap.Logger
	createdAt time.Time

	// 패킷 콜백이 잠금 없이 읽음
	stream atomic.Pointer[gortsplib.ServerStream]

	mu       sync.Mutex
	state    MediaState
	err      error
	sessions map[*gortsplib.ServerSession]struct{}
	attached bool
	linger   *time.Timer

	closeOnce sync.Once
	done      chan struct{}
}

// newMedia는 파이프라인을 빌드하고 SPS/PPS가 나올 때까지 준비한 뒤 ServerStream을 게시합니다
func newMedia(env *mediaEnv, f *MediaFactory, req MediaRequest, launch string) (*Media, error) {
	id := uuid.NewString()
	m := &Media{
		id:        id,
		path:      req.Path,
		launch:    launch,
		factory:   f,
		env:       env,
		logger:    env.logger.With(zap.String("path", req.Path), zap.String("media_id", id)),
		createdAt: time.Now(),
		state:     MediaPreparing,
		sessions:  make(map[*gortsplib.ServerSession]struct{}),
		done:      make(chan struct{}),
	}

	build := env.build
	build.Logger = m.logger
	p, err := pipeline.ParseAndBuild(launch, build)
	if err != nil {
		return nil, fmt.Errorf("invalid pipeline: %w", err)
	}
	m.pipeline = p
	p.OnPacket(m.writePacket)

	if err := p.Start(context.Background()); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), env.prepareTimeout)
	defer cancel()

	forma, err := p.Prepare(ctx)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to prepare pipeline: %w", err)
	}

	m.medi = &description.Media{
		Type:    description.MediaTypeVideo,
		Formats: []format.Format{forma},
	}

	stream := &gortsplib.ServerStream{
		Server: env.server,
		Desc: &description.Session{
			Title:  sessionTitle,
			Medias: []*description.Media{m.medi},
		},
	}
	if err := stream.Initialize(); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to initialize stream: %w", err)
	}
	m.stream.Store(stream)

	m.mu.Lock()
	m.state = MediaPrepared
	m.linger = time.AfterFunc(env.lingerTimeout, m.onLinger)
	m.mu.Unlock()

	go m.watch()

	m.logger.Info("Media prepared",
		zap.Uint8("payload_type", forma.PayloadTyp),
		zap.Strings("elements", p.ElementNames()),
	)
	env.publish(events.Event{Type: events.MediaPrepared, Path: m.path, MediaID: m.id})

	return m, nil
}

// ID는 미디어 식별자
func (m *Media) ID() string { return m.id }

// Path는 미디어가 속한 마운트 경로
func (m *Media) Path() string { return m.path }

// Stream은 게시된 ServerStream을 반환합니다 (닫힌 뒤에는 nil)
func (m *Media) Stream() *gortsplib.ServerStream {
	return m.stream.Load()
}

// Done은 미디어가 닫히면 닫힙니다
func (m *Media) Done() <-chan struct{} {
	return m.done
}

// State는 현재 상태
func (m *Media) State() MediaState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err는 파이프라인 오류로 닫혔을 때 그 오류
func (m *Media) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// SessionCount는 붙어 있는 세션 수
func (m *Media) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// SDP는 클라이언트에 전달되는 세션 설명
func (m *Media) SDP() ([]byte, error) {
	stream := m.stream.Load()
	if stream == nil {
		return nil, ErrMediaNotReady
	}
	return stream.Desc.Marshal(false)
}

// Info는 미디어 요약을 반환합니다
func (m *Media) Info() MediaInfo {
	m.mu.Lock()
	info := MediaInfo{
		ID:        m.id,
		Path:      m.path,
		State:     m.state.String(),
		Pipeline:  m.launch,
		Sessions:  len(m.sessions),
		CreatedAt: m.createdAt,
	}
	if m.err != nil {
		info.Error = m.err.Error()
	}
	m.mu.Unlock()

	info.Stats = m.pipeline.Stats()
	return info
}

func (m *Media) writePacket(pkt *rtp.Packet, ntp time.Time) {
	stream := m.stream.Load()
	if stream == nil {
		return
	}
	if err := stream.WritePacketRTPWithNTP(m.medi, pkt, ntp); err != nil {
		m.logger.Debug("Failed to write RTP packet", zap.Error(err))
	}
}

// watch는 파이프라인 EOS/오류 시 미디어를 닫습니다
func (m *Media) watch() {
	select {
	case <-m.pipeline.Done():
	case <-m.done:
		return
	}

	err := m.pipeline.Err()
	if err != nil {
		m.logger.Error("Media pipeline failed", zap.Error(err))
	} else {
		m.logger.Info("Media reached end of stream")
	}
	m.closeWith(err)
}

func (m *Media) onLinger() {
	m.mu.Lock()
	unused := !m.attached && m.state == MediaPrepared
	m.mu.Unlock()

	if unused {
		m.logger.Info("Media was never played, closing",
			zap.Duration("linger_timeout", m.env.lingerTimeout),
		)
		m.Close()
	}
}

// attach는 SETUP한 세션을 미디어에 연결합니다
func (m *Media) attach(ss *gortsplib.ServerSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != MediaPrepared {
		return ErrMediaClosed
	}

	m.sessions[ss] = struct{}{}
	m.attached = true
	if m.linger != nil {
		m.linger.Stop()
	}
	return nil
}

// detach는 세션을 떼고, 마지막 세션이면 팩토리 설정에 따라 미디어를 닫습니다
// 공유되지 않는 미디어는 항상 그 클라이언트와 함께 닫힙니다
func (m *Media) detach(ss *gortsplib.ServerSession) {
	stopWhenIdle := !m.factory.Shared() || m.factory.StopOnDisconnect()

	m.mu.Lock()
	if _, ok := m.sessions[ss]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, ss)
	closeNow := len(m.sessions) == 0 && m.state == MediaPrepared && stopWhenIdle
	m.mu.Unlock()

	if closeNow {
		m.logger.Info("Last session left, closing media")
		m.Close()
	}
}

// closeIfUnused는 어떤 세션도 붙은 적 없는 미디어를 닫습니다
func (m *Media) closeIfUnused() {
	m.mu.Lock()
	unused := !m.attached && m.state == MediaPrepared
	m.mu.Unlock()

	if unused {
		m.Close()
	}
}

// Close는 스트림과 파이프라인을 닫습니다. 스트림을 읽던 세션은 끊깁니다
func (m *Media) Close() {
	m.closeWith(nil)
}

func (m *Media) closeWith(cause error) {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.state = MediaClosed
		if cause != nil {
			m.state = MediaError
			m.err = cause
		}
		if m.linger != nil {
			m.linger.Stop()
		}
		m.mu.Unlock()

		if stream := m.stream.Swap(nil); stream != nil {
			stream.Close()
		}
		m.pipeline.Close()
		m.factory.forget(m)
		close(m.done)

		ev := events.Event{Type: events.MediaClosed, Path: m.path, MediaID: m.id}
		if cause != nil {
			ev.Type = events.MediaError
			ev.Error = cause.Error()
		}
		m.env.publish(ev)

		m.logger.Info("Media closed", zap.Uint64("packets", m.pipeline.Stats().Packets))
	})
}
