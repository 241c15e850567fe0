package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrMountExists는 같은 경로의 마운트가 이미 있을 때 반환됩니다
	ErrMountExists = errors.New("mount already exists")
	// ErrMountNotFound는 마운트가 없을 때 반환됩니다
	ErrMountNotFound = errors.New("mount not found")
	// ErrReadOnlyMount는 YAML에서 정의된 마운트를 변경하려 할 때 반환됩니다
	ErrReadOnlyMount = errors.New("mount is defined in the config file")
)

// MountStore는 마운트 설정을 관리합니다
// YAML 마운트는 읽기 전용이고, API로 추가된 마운트만 JSON 파일에 저장됩니다
type MountStore struct {
	mounts     map[string]MountConfig
	yamlMounts map[string]MountConfig
	mu         sync.RWMutex
	filePath   string
	logger     *zap.Logger
}

// NewMountStore는 새로운 MountStore를 생성합니다
// runtimeFilePath가 비어 있으면 런타임 마운트는 메모리에만 유지됩니다
func NewMountStore(yamlMounts []MountConfig, runtimeFilePath string, logger *zap.Logger) *MountStore {
	store := &MountStore{
		mounts:     make(map[string]MountConfig),
		yamlMounts: make(map[string]MountConfig),
		filePath:   runtimeFilePath,
		logger:     logger,
	}

	for _, m := range yamlMounts {
		store.yamlMounts[m.Path] = m
		store.mounts[m.Path] = m
	}

	// 런타임 설정 로드 시도
	if err := store.LoadFromFile(); err != nil {
		logger.Warn("Failed to load runtime mounts, using config file mounts only", zap.Error(err))
	}

	return store
}

// Add는 런타임 마운트를 추가하고 저장합니다
func (s *MountStore) Add(m MountConfig) error {
	if err := ValidateMount(m); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.mounts[m.Path]; exists {
		return fmt.Errorf("%w: %s", ErrMountExists, m.Path)
	}

	s.mounts[m.Path] = m

	if err := s.saveToFileUnsafe(); err != nil {
		delete(s.mounts, m.Path)
		return fmt.Errorf("failed to save mounts: %w", err)
	}

	s.logger.Info("Mount stored", zap.String("path", m.Path))
	return nil
}

// Get은 특정 마운트 설정을 가져옵니다
func (s *MountStore) Get(path string) (MountConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, exists := s.mounts[path]
	return m, exists
}

// List는 모든 마운트를 경로 순으로 반환합니다
func (s *MountStore) List() []MountConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]MountConfig, 0, len(s.mounts))
	for _, m := range s.mounts {
		result = append(result, m)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Path < result[j].Path })
	return result
}

// Delete는 런타임 마운트를 삭제합니다
func (s *MountStore) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, exists := s.mounts[path]
	if !exists {
		return fmt.Errorf("%w: %s", ErrMountNotFound, path)
	}

	// YAML에서 로드된 마운트는 삭제 불가
	if _, isYAML := s.yamlMounts[path]; isYAML {
		return fmt.Errorf("%w: %s", ErrReadOnlyMount, path)
	}

	delete(s.mounts, path)

	if err := s.saveToFileUnsafe(); err != nil {
		s.mounts[path] = m
		return fmt.Errorf("failed to save mounts: %w", err)
	}

	s.logger.Info("Mount deleted", zap.String("path", path))
	return nil
}

// IsYAMLMount는 해당 마운트가 설정 파일에서 정의된 것인지 확인합니다
func (s *MountStore) IsYAMLMount(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, isYAML := s.yamlMounts[path]
	return isYAML
}

// LoadFromFile은 런타임 마운트 파일을 로드합니다
func (s *MountStore) LoadFromFile() error {
	if s.filePath == "" {
		return nil
	}

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			// 파일이 없으면 정상 (처음 실행)
			return nil
		}
		return fmt.Errorf("failed to read runtime mounts: %w", err)
	}

	var runtimeMounts []MountConfig
	if err := json.Unmarshal(data, &runtimeMounts); err != nil {
		return fmt.Errorf("failed to parse runtime mounts: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	loaded := 0
	for _, m := range runtimeMounts {
		// YAML 마운트는 덮어쓰지 않음
		if _, isYAML := s.yamlMounts[m.Path]; isYAML {
			continue
		}
		if err := ValidateMount(m); err != nil {
			s.logger.Warn("Skipping invalid runtime mount", zap.String("path", m.Path), zap.Error(err))
			continue
		}
		s.mounts[m.Path] = m
		loaded++
	}

	s.logger.Info("Runtime mounts loaded", zap.Int("count", loaded))
	return nil
}

// saveToFileUnsafe는 mutex 없이 파일에 저장합니다 (호출자가 lock 보유)
func (s *MountStore) saveToFileUnsafe() error {
	if s.filePath == "" {
		return nil
	}

	runtimeMounts := make([]MountConfig, 0, len(s.mounts))
	for path, m := range s.mounts {
		if _, isYAML := s.yamlMounts[path]; !isYAML {
			runtimeMounts = append(runtimeMounts, m)
		}
	}
	sort.Slice(runtimeMounts, func(i, j int) bool { return runtimeMounts[i].Path < runtimeMounts[j].Path })

	data, err := json.MarshalIndent(runtimeMounts, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal runtime mounts: %w", err)
	}

	if dir := filepath.Dir(s.filePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create mounts directory: %w", err)
		}
	}

	if err := os.WriteFile(s.filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write runtime mounts: %w", err)
	}

	return nil
}
