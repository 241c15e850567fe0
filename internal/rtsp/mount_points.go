package rtsp

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/yourusername/rtspfeed/internal/events"
	"go.uber.org/zap"
)

var (
	ErrInvalidMountPath = errors.New("mount path must start with / and must not end with /")
	ErrMountExists      = errors.New("mount already exists")
	ErrMountNotFound    = errors.New("mount not found")
)

// MountPoints는 마운트 경로와 미디어 팩토리의 매핑
type MountPoints struct {
	factories map[string]*MediaFactory
	env       *mediaEnv
	logger    *zap.Logger
	mu        sync.RWMutex
}

// MountInfo는 마운트 하나의 요약
type MountInfo struct {
	Path             string      `json:"path"`
	Pipeline         string      `json:"pipeline,omitempty"`
	Shared           bool        `json:"shared"`
	StopOnDisconnect bool        `json:"stop_on_disconnect"`
	Constructed      uint64      `json:"constructed"`
	Media            []MediaInfo `json:"media"`
}

// NewMountPoints는 빈 마운트 테이블을 생성합니다
func NewMountPoints(logger *zap.Logger) *MountPoints {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MountPoints{
		factories: make(map[string]*MediaFactory),
		logger:    logger,
	}
}

// ValidMountPath는 마운트 경로 형식을 검사합니다
func ValidMountPath(path string) bool {
	if !strings.HasPrefix(path, "/") {
		return false
	}
	return path == "/" || !strings.HasSuffix(path, "/")
}

// AddFactory는 path에 팩토리를 등록합니다
func (m *MountPoints) AddFactory(path string, f *MediaFactory) error {
	if !ValidMountPath(path) {
		return fmt.Errorf("%w: %q", ErrInvalidMountPath, path)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.factories[path]; exists {
		return fmt.Errorf("%w: %s", ErrMountExists, path)
	}

	f.bind(path, m.env)
	m.factories[path] = f

	m.logger.Info("Mount added",
		zap.String("path", path),
		zap.Bool("shared", f.Shared()),
	)
	m.env.publish(events.Event{Type: events.MountAdded, Path: path})

	return nil
}

// RemoveFactory는 마운트를 제거하고 그 미디어를 닫습니다
func (m *MountPoints) RemoveFactory(path string) error {
	m.mu.Lock()
	f, exists := m.factories[path]
	if exists {
		delete(m.factories, path)
	}
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrMountNotFound, path)
	}

	f.closeAll()

	m.logger.Info("Mount removed", zap.String("path", path))
	m.env.publish(events.Event{Type: events.MountRemoved, Path: path})

	return nil
}

// Get은 정확히 path에 등록된 팩토리를 반환합니다
func (m *MountPoints) Get(path string) (*MediaFactory, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.factories[path]
	return f, ok
}

// Match는 경로 구분자 경계에서 가장 길게 일치하는 마운트를 찾습니다
// "/stream1/trackID=0"은 "/stream1"로 해석됩니다
func (m *MountPoints) Match(path string) (*MediaFactory, string, bool) {
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		best     *MediaFactory
		bestPath string
	)
	for mount, f := range m.factories {
		if !pathHasPrefix(path, mount) {
			continue
		}
		if best == nil || len(mount) > len(bestPath) {
			best, bestPath = f, mount
		}
	}

	return best, bestPath, best != nil
}

func pathHasPrefix(path, mount string) bool {
	switch {
	case mount == "/":
		return strings.HasPrefix(path, "/")
	case path == mount:
		return true
	default:
		return strings.HasPrefix(path, mount+"/")
	}
}

// List는 경로 순으로 정렬된 마운트 목록을 반환합니다
func (m *MountPoints) List() []MountInfo {
	m.mu.RLock()
	factories := make([]*MediaFactory, 0, len(m.factories))
	for _, f := range m.factories {
		factories = append(factories, f)
	}
	m.mu.RUnlock()

	out := make([]MountInfo, 0, len(factories))
	for _, f := range factories {
		out = append(out, f.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// CloseAll은 모든 팩토리의 미디어를 닫습니다 (마운트는 유지)
func (m *MountPoints) CloseAll() {
	m.mu.RLock()
	factories := make([]*MediaFactory, 0, len(m.factories))
	for _, f := range m.factories {
		factories = append(factories, f)
	}
	m.mu.RUnlock()

	for _, f := range factories {
		f.closeAll()
	}
}
