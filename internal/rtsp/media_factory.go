package rtsp

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/yourusername/rtspfeed/internal/core"
	"github.com/yourusername/rtspfeed/internal/events"
	"go.uber.org/zap"
)

// ErrNotMounted는 서버에 등록되지 않은 팩토리로 미디어를 만들려 할 때 반환됩니다
var ErrNotMounted = errors.New("media factory is not mounted on a server")

// MediaRequest는 미디어 생성을 일으킨 요청
type MediaRequest struct {
	Path        string // 일치한 마운트 경로
	RequestPath string // 클라이언트가 요청한 경로
	Query       string
	RemoteAddr  string
}

// PipelineProvider는 요청마다 파이프라인 설명을 돌려주는 함수
type PipelineProvider func(req MediaRequest) (string, error)

// StaticPipeline은 항상 같은 설명을 돌려주는 provider
func StaticPipeline(launch string) PipelineProvider {
	return func(MediaRequest) (string, error) {
		return launch, nil
	}
}

// MediaFactory는 마운트 하나의 미디어를 만들고 공유 여부에 따라 재사용합니다
type MediaFactory struct {
	provider PipelineProvider
	launch   string

	mu               sync.Mutex
	path             string
	env              *mediaEnv
	shared           bool
	stopOnDisconnect bool
	sharedMedia      *Media
	medias           map[*Media]struct{}

	// 공유 미디어를 만드는 중이면 non-nil, 끝나면 닫힘
	constructing chan struct{}
	removed      bool

	constructed atomic.Uint64
}

// NewMediaFactory는 provider로 파이프라인 설명을 얻는 팩토리를 생성합니다
func NewMediaFactory(provider PipelineProvider) *MediaFactory {
	return &MediaFactory{
		provider: provider,
		medias:   make(map[*Media]struct{}),
	}
}

// NewStaticMediaFactory는 고정된 파이프라인 설명을 쓰는 팩토리를 생성합니다
func NewStaticMediaFactory(launch string) *MediaFactory {
	f := NewMediaFactory(StaticPipeline(launch))
	f.launch = launch
	return f
}

// FactoryFromConfig는 설정 파일이나 API로 받은 마운트 설정으로 팩토리를 만듭니다
func FactoryFromConfig(m core.MountConfig) *MediaFactory {
	f := NewStaticMediaFactory(m.Pipeline)
	f.shared = m.Shared
	f.stopOnDisconnect = m.StopOnDisconnect
	return f
}

// SetShared가 true이면 모든 클라이언트가 하나의 미디어를 공유합니다
func (f *MediaFactory) SetShared(shared bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shared = shared
}

func (f *MediaFactory) Shared() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shared
}

// SetStopOnDisconnect가 true이면 마지막 세션이 떠날 때 공유 미디어도 닫습니다
func (f *MediaFactory) SetStopOnDisconnect(stop bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopOnDisconnect = stop
}

func (f *MediaFactory) StopOnDisconnect() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopOnDisconnect
}

// Launch는 고정 설명 팩토리의 파이프라인 설명 (provider 팩토리는 빈 문자열)
func (f *MediaFactory) Launch() string { return f.launch }

// Constructed는 지금까지 만든 미디어 수
func (f *MediaFactory) Constructed() uint64 { return f.constructed.Load() }

func (f *MediaFactory) bind(path string, env *mediaEnv) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.path = path
	f.env = env
	f.removed = false
}

// obtain은 DESCRIBE/SETUP에 쓸 미디어를 반환합니다
// 공유 팩토리는 한 번에 하나만 생성하고, 동시 요청은 그 결과를 기다렸다가 재사용합니다
// 생성(prepare) 동안 팩토리 잠금은 잡지 않습니다
func (f *MediaFactory) obtain(req MediaRequest) (*Media, error) {
	for {
		f.mu.Lock()

		if f.removed {
			f.mu.Unlock()
			return nil, ErrNotMounted
		}

		if !f.shared {
			env := f.env
			f.mu.Unlock()

			m, err := f.construct(env, req)
			if err != nil {
				return nil, err
			}
			if err := f.track(m); err != nil {
				return nil, err
			}
			return m, nil
		}

		if m := f.sharedMedia; m != nil && m.State() == MediaPrepared {
			f.mu.Unlock()
			return m, nil
		}

		if wait := f.constructing; wait != nil {
			f.mu.Unlock()
			<-wait
			continue
		}

		done := make(chan struct{})
		f.constructing = done
		env := f.env
		f.mu.Unlock()

		m, err := f.construct(env, req)

		f.mu.Lock()
		f.constructing = nil
		close(done)
		if err != nil {
			f.mu.Unlock()
			return nil, err
		}
		if f.removed {
			f.mu.Unlock()
			m.Close()
			return nil, ErrNotMounted
		}
		f.sharedMedia = m
		f.medias[m] = struct{}{}
		f.mu.Unlock()

		// 생성 직후 이미 끝난 미디어 (EOS 등)
		select {
		case <-m.Done():
			f.forget(m)
		default:
		}
		return m, nil
	}
}

func (f *MediaFactory) construct(env *mediaEnv, req MediaRequest) (*Media, error) {
	if env == nil {
		return nil, ErrNotMounted
	}

	launch, err := f.provider(req)
	if err == nil {
		var m *Media
		m, err = newMedia(env, f, req, launch)
		if err == nil {
			f.constructed.Add(1)
			return m, nil
		}
	}

	env.logger.Error("Failed to construct media",
		zap.String("path", req.Path),
		zap.String("remote_addr", req.RemoteAddr),
		zap.Error(err),
	)
	env.publish(events.Event{Type: events.MediaError, Path: req.Path, Error: err.Error()})

	return nil, fmt.Errorf("%s: %w", req.Path, err)
}

func (f *MediaFactory) track(m *Media) error {
	f.mu.Lock()
	if f.removed {
		f.mu.Unlock()
		m.Close()
		return ErrNotMounted
	}
	f.medias[m] = struct{}{}
	f.mu.Unlock()

	// 등록 전에 이미 끝난 미디어
	select {
	case <-m.Done():
		f.forget(m)
	default:
	}
	return nil
}

func (f *MediaFactory) forget(m *Media) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.medias, m)
	if f.sharedMedia == m {
		f.sharedMedia = nil
	}
}

// Medias는 살아 있는 미디어 목록
func (f *MediaFactory) Medias() []*Media {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]*Media, 0, len(f.medias))
	for m := range f.medias {
		out = append(out, m)
	}
	return out
}

// LiveMedia는 SDP 조회에 쓸 미디어 하나를 반환합니다 (공유 미디어 우선)
func (f *MediaFactory) LiveMedia() (*Media, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sharedMedia != nil {
		return f.sharedMedia, true
	}
	for m := range f.medias {
		return m, true
	}
	return nil, false
}

// Info는 마운트 요약을 반환합니다
func (f *MediaFactory) Info() MountInfo {
	f.mu.Lock()
	info := MountInfo{
		Path:             f.path,
		Pipeline:         f.launch,
		Shared:           f.shared,
		StopOnDisconnect: f.stopOnDisconnect,
		Constructed:      f.constructed.Load(),
	}
	medias := make([]*Media, 0, len(f.medias))
	for m := range f.medias {
		medias = append(medias, m)
	}
	f.mu.Unlock()

	info.Media = make([]MediaInfo, 0, len(medias))
	for _, m := range medias {
		info.Media = append(info.Media, m.Info())
	}
	return info
}

func (f *MediaFactory) closeAll() {
	f.mu.Lock()
	f.removed = true
	medias := make([]*Media, 0, len(f.medias))
	for m := range f.medias {
		medias = append(medias, m)
	}
	f.mu.Unlock()

	for _, m := range medias {
		m.Close()
	}
}
