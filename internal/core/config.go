package core

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPipeline은 기본 마운트(/stream1)가 사용하는 테스트 패턴 파이프라인
const DefaultPipeline = "videotestsrc pattern=bar horizontal-speed=2 background-color=9228238 foreground-color=4080751 ! x264enc ! queue ! rtph264pay name=pay0 config-interval=1 pt=96"

// Config는 전체 애플리케이션 설정을 담는 구조체
type Config struct {
	Server  ServerConfig     `yaml:"server"`
	API     APIConfig        `yaml:"api"`
	Media   MediaConfig      `yaml:"media"`
	Encoder EncoderConfig    `yaml:"encoder"`
	Client  RTSPClientConfig `yaml:"client"`
	Mounts  []MountConfig    `yaml:"mounts"`
	Logging LoggingConfig    `yaml:"logging"`
}

// ServerConfig는 RTSP 서버 설정
type ServerConfig struct {
	RTSPAddress    string        `yaml:"rtsp_address"`
	UDPRTPAddress  string        `yaml:"udp_rtp_address"`
	UDPRTCPAddress string        `yaml:"udp_rtcp_address"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	WriteQueueSize int           `yaml:"write_queue_size"`
}

// UDPEnabled는 UDP 전송이 설정되었는지 확인합니다
func (c ServerConfig) UDPEnabled() bool {
	return c.UDPRTPAddress != "" && c.UDPRTCPAddress != ""
}

// APIConfig는 HTTP API 설정
type APIConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Address    string `yaml:"address"`
	Production bool   `yaml:"production"`
	PProf      bool   `yaml:"pprof"`
	MountsFile string `yaml:"mounts_file"`
}

// MediaConfig는 미디어 준비/정리 시간 설정
type MediaConfig struct {
	PrepareTimeout time.Duration `yaml:"prepare_timeout"`
	LingerTimeout  time.Duration `yaml:"linger_timeout"`
}

// EncoderConfig는 x264enc 요소의 기본값
type EncoderConfig struct {
	Backend    string `yaml:"backend"` // auto | ffmpeg | pcm
	FFmpegPath string `yaml:"ffmpeg_path"`
}

// RTSPClientConfig는 프로브 클라이언트 설정
type RTSPClientConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retry_count"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// MountConfig는 마운트 하나의 설정
type MountConfig struct {
	Path             string `yaml:"path" json:"path"`
	Pipeline         string `yaml:"pipeline" json:"pipeline"`
	Shared           bool   `yaml:"shared" json:"shared"`
	StopOnDisconnect bool   `yaml:"stop_on_disconnect" json:"stop_on_disconnect"`
}

// LoggingConfig는 로거 설정
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Output     string `yaml:"output"`
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

// DefaultConfig는 설정 파일 없이 실행할 때의 기본 설정을 반환합니다
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			RTSPAddress:    ":554",
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			WriteQueueSize: 512,
		},
		API: APIConfig{
			Enabled:    false,
			Address:    ":8080",
			MountsFile: "data/mounts.json",
		},
		Media: MediaConfig{
			PrepareTimeout: 10 * time.Second,
			LingerTimeout:  30 * time.Second,
		},
		Encoder: EncoderConfig{
			Backend:    "auto",
			FFmpegPath: "ffmpeg",
		},
		Client: RTSPClientConfig{
			Timeout:    10 * time.Second,
			RetryCount: 3,
			RetryDelay: 2 * time.Second,
		},
		Mounts: []MountConfig{
			{
				Path:     "/stream1",
				Pipeline: DefaultPipeline,
				Shared:   true,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     "console",
			FilePath:   "logs/rtspfeed.log",
			MaxSize:    100,
			MaxBackups: 7,
			MaxAge:     30,
		},
	}
}

// LoadConfig는 YAML 파일에서 설정을 로드합니다
// 파일에 없는 값은 DefaultConfig 값이 유지됩니다
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	// mounts는 파일에 있으면 통째로 대체
	config.Mounts = nil

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if config.Mounts == nil {
		config.Mounts = DefaultConfig().Mounts
	}

	// 설정 검증
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

// LoadConfigOrDefault는 path가 기본 경로이고 파일이 없으면 기본 설정을 반환합니다
func LoadConfigOrDefault(path string, isDefaultPath bool) (*Config, error) {
	if isDefaultPath {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return DefaultConfig(), nil
		}
	}
	return LoadConfig(path)
}

// Validate는 설정값의 유효성을 검증합니다
func (c *Config) Validate() error {
	if c.Server.RTSPAddress == "" {
		return fmt.Errorf("rtsp_address is required")
	}

	if (c.Server.UDPRTPAddress == "") != (c.Server.UDPRTCPAddress == "") {
		return fmt.Errorf("udp_rtp_address and udp_rtcp_address must be set together")
	}

	if c.Server.WriteQueueSize <= 0 || c.Server.WriteQueueSize&(c.Server.WriteQueueSize-1) != 0 {
		return fmt.Errorf("write_queue_size must be a power of two: %d", c.Server.WriteQueueSize)
	}

	if c.API.Enabled && c.API.Address == "" {
		return fmt.Errorf("api.address is required when the API is enabled")
	}

	if c.Media.PrepareTimeout <= 0 {
		return fmt.Errorf("prepare_timeout must be positive")
	}

	if c.Media.LingerTimeout <= 0 {
		return fmt.Errorf("linger_timeout must be positive")
	}

	switch c.Encoder.Backend {
	case "auto", "ffmpeg", "pcm":
	default:
		return fmt.Errorf("invalid encoder backend: %q", c.Encoder.Backend)
	}

	seen := make(map[string]bool, len(c.Mounts))
	for _, m := range c.Mounts {
		if err := ValidateMount(m); err != nil {
			return err
		}
		if seen[m.Path] {
			return fmt.Errorf("duplicate mount path %s", m.Path)
		}
		seen[m.Path] = true
	}

	return nil
}

// ValidateMount는 마운트 설정의 형식을 검증합니다 (파이프라인 문법은 검사하지 않음)
func ValidateMount(m MountConfig) error {
	if !strings.HasPrefix(m.Path, "/") {
		return fmt.Errorf("mount path must start with '/': %q", m.Path)
	}
	if len(m.Path) > 1 && strings.HasSuffix(m.Path, "/") {
		return fmt.Errorf("mount path must not end with '/': %q", m.Path)
	}
	if strings.TrimSpace(m.Pipeline) == "" {
		return fmt.Errorf("mount %s: pipeline is empty", m.Path)
	}
	return nil
}
