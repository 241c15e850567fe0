package rtsp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pion/rtp"
	"go.uber.org/zap"
)

// Client는 마운트를 DESCRIBE/SETUP/PLAY 해보는 프로브 클라이언트
type Client struct {
	url        string
	transport  string // "tcp" or "udp"
	timeout    time.Duration
	retryCount int
	retryDelay time.Duration
	logger     *zap.Logger
	onPacket   func(*rtp.Packet)

	mutex  sync.Mutex
	result ProbeResult
}

// ClientConfig는 프로브 클라이언트 설정
type ClientConfig struct {
	URL        string
	Transport  string // "tcp" or "udp"
	Timeout    time.Duration
	RetryCount int
	RetryDelay time.Duration
	Logger     *zap.Logger
	OnPacket   func(*rtp.Packet)
}

// ProbeResult는 프로브 결과
type ProbeResult struct {
	Codec       string        `json:"codec"`
	PayloadType uint8         `json:"payload_type"`
	ClockRate   int           `json:"clock_rate"`
	Width       int           `json:"width,omitempty"`
	Height      int           `json:"height,omitempty"`
	Packets     uint64        `json:"packets"`
	Bytes       uint64        `json:"bytes"`
	Frames      uint64        `json:"frames"`
	Attempts    int           `json:"attempts"`
	Duration    time.Duration `json:"duration"`
}

// NewClient는 새로운 프로브 클라이언트를 생성합니다
func NewClient(config ClientConfig) (*Client, error) {
	u, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid RTSP URL: %w", err)
	}
	if u.Scheme != "rtsp" && u.Scheme != "rtsps" {
		return nil, fmt.Errorf("invalid RTSP URL: unsupported scheme %q", u.Scheme)
	}

	if config.Transport == "" {
		config.Transport = "tcp"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.RetryCount == 0 {
		config.RetryCount = 3
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = 2 * time.Second
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &Client{
		url:        config.URL,
		transport:  config.Transport,
		timeout:    config.Timeout,
		retryCount: config.RetryCount,
		retryDelay: config.RetryDelay,
		logger:     config.Logger,
		onPacket:   config.OnPacket,
	}, nil
}

// Probe는 재시도하며 연결한 뒤 duration 동안 패킷을 받습니다
// ctx가 먼저 끝나면 그때까지의 결과를 반환합니다
func (c *Client) Probe(ctx context.Context, duration time.Duration) (*ProbeResult, error) {
	attempt := 0

	for {
		attempt++
		c.logger.Info("Connecting to RTSP stream",
			zap.String("url", c.maskURL()),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.retryCount),
		)

		err := c.run(ctx, duration)

		c.mutex.Lock()
		c.result.Attempts = attempt
		res := c.result
		c.mutex.Unlock()

		if err == nil {
			return &res, nil
		}
		if ctx.Err() != nil {
			return &res, ctx.Err()
		}

		c.logger.Error("RTSP connection failed",
			zap.Error(err),
			zap.Int("attempt", attempt),
		)

		// 0이면 무한 재시도
		if c.retryCount > 0 && attempt >= c.retryCount {
			return &res, fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}

		c.logger.Info("Retrying connection", zap.Duration("delay", c.retryDelay))

		select {
		case <-time.After(c.retryDelay):
		case <-ctx.Done():
			return &res, ctx.Err()
		}
	}
}

// Stats는 지금까지 받은 패킷 수와 바이트 수
func (c *Client) Stats() (packets, bytes uint64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.result.Packets, c.result.Bytes
}

func (c *Client) run(ctx context.Context, duration time.Duration) error {
	u, err := url.Parse(c.url)
	if err != nil {
		return fmt.Errorf("failed to parse URL: %w", err)
	}

	client := &gortsplib.Client{
		Transport:    c.getTransport(),
		ReadTimeout:  c.timeout,
		WriteTimeout: c.timeout,
	}

	if err := client.Start(u.Scheme, u.Host); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer client.Close()

	baseURL, err := base.ParseURL(c.url)
	if err != nil {
		return fmt.Errorf("failed to parse base URL: %w", err)
	}

	desc, _, err := client.Describe(baseURL)
	if err != nil {
		return fmt.Errorf("failed to describe: %w", err)
	}

	c.describeFormat(desc)

	if err := client.SetupAll(desc.BaseURL, desc.Medias); err != nil {
		return fmt.Errorf("failed to setup: %w", err)
	}

	client.OnPacketRTPAny(func(_ *description.Media, _ format.Format, pkt *rtp.Packet) {
		c.handleRTPPacket(pkt)
	})

	if _, err := client.Play(nil); err != nil {
		return fmt.Errorf("failed to play: %w", err)
	}

	c.logger.Info("RTSP playback started")
	start := time.Now()

	waitErr := make(chan error, 1)
	go func() { waitErr <- client.Wait() }()

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		err = nil
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-waitErr:
		if err == nil {
			err = errors.New("stream ended")
		}
	}

	c.mutex.Lock()
	c.result.Duration = time.Since(start)
	c.mutex.Unlock()

	return err
}

// describeFormat은 SDP의 첫 비디오 포맷을 결과에 기록합니다
func (c *Client) describeFormat(desc *description.Session) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for _, media := range desc.Medias {
		for _, forma := range media.Formats {
			c.logger.Info("Media format detected",
				zap.String("codec", forma.Codec()),
				zap.Uint8("payload_type", forma.PayloadType()),
			)

			if c.result.Codec != "" {
				continue
			}
			c.result.Codec = forma.Codec()
			c.result.PayloadType = forma.PayloadType()
			c.result.ClockRate = forma.ClockRate()

			if h, ok := forma.(*format.H264); ok {
				sps, _ := h.SafeParams()
				var parsed mch264.SPS
				if sps != nil && parsed.Unmarshal(sps) == nil {
					c.result.Width = parsed.Width()
					c.result.Height = parsed.Height()
				}
			}
		}
	}
}

func (c *Client) getTransport() *gortsplib.Transport {
	if c.transport == "udp" {
		transport := gortsplib.TransportUDP
		return &transport
	}
	transport := gortsplib.TransportTCP
	return &transport
}

// maskURL은 비밀번호를 마스킹한 URL을 반환합니다
func (c *Client) maskURL() string {
	u, err := url.Parse(c.url)
	if err != nil {
		return "***"
	}

	if u.User != nil {
		u.User = url.UserPassword("***", "***")
	}

	return u.String()
}

func (c *Client) handleRTPPacket(pkt *rtp.Packet) {
	c.mutex.Lock()
	c.result.Packets++
	c.result.Bytes += uint64(len(pkt.Payload))
	if pkt.Marker {
		c.result.Frames++
	}
	c.mutex.Unlock()

	if c.onPacket != nil {
		c.onPacket(pkt)
	}
}
