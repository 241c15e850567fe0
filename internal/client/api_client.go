package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNotFound는 API가 404를 반환했을 때의 오류
var ErrNotFound = errors.New("not found")

// MediaStats는 미디어 파이프라인 통계
type MediaStats struct {
	Frames  uint64 `json:"frames"`
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
}

// MediaInfo represents a running media of a mount
type MediaInfo struct {
	ID        string     `json:"id"`
	State     string     `json:"state"`
	Sessions  int        `json:"sessions"`
	CreatedAt time.Time  `json:"created_at"`
	Stats     MediaStats `json:"stats"`
	Error     string     `json:"error,omitempty"`
}

// MountInfo represents a mount returned by the API
type MountInfo struct {
	Path             string      `json:"path"`
	Pipeline         string      `json:"pipeline"`
	Shared           bool        `json:"shared"`
	StopOnDisconnect bool        `json:"stop_on_disconnect"`
	Runtime          bool        `json:"runtime"`
	Constructed      uint64      `json:"constructed"`
	Clients          int         `json:"clients"`
	Packets          uint64      `json:"packets"`
	Media            []MediaInfo `json:"media"`
}

// NewMount is the body of an add-mount request
type NewMount struct {
	Path             string `json:"path"`
	Pipeline         string `json:"pipeline"`
	Shared           bool   `json:"shared"`
	StopOnDisconnect bool   `json:"stop_on_disconnect"`
}

// Health represents the health response
type Health struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Uptime   string `json:"uptime"`
	Mounts   int    `json:"mounts"`
	Sessions int    `json:"sessions"`
}

// APIClient handles communication with the rtspfeed HTTP API
type APIClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewAPIClient creates a new API client
func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Health returns the server health
func (c *APIClient) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ListMounts retrieves the list of mounts
func (c *APIClient) ListMounts(ctx context.Context) ([]MountInfo, error) {
	var resp struct {
		Mounts []MountInfo `json:"mounts"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/mounts", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Mounts, nil
}

// GetMount retrieves a single mount
func (c *APIClient) GetMount(ctx context.Context, path string) (*MountInfo, error) {
	var m MountInfo
	if err := c.do(ctx, http.MethodGet, "/api/v1/mounts"+path, nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// AddMount registers a runtime mount
func (c *APIClient) AddMount(ctx context.Context, m NewMount) error {
	return c.do(ctx, http.MethodPost, "/api/v1/mounts", m, nil)
}

// DeleteMount removes a runtime mount
func (c *APIClient) DeleteMount(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/mounts"+path, nil, nil)
}

// SDP returns the raw session description of the mount's running media
func (c *APIClient) SDP(ctx context.Context, path string) (string, error) {
	var raw bytes.Buffer
	if err := c.do(ctx, http.MethodGet, "/api/v1/sdp"+path, nil, &raw); err != nil {
		return "", err
	}
	return raw.String(), nil
}

// do sends the request and decodes the JSON response into out
// out이 *bytes.Buffer이면 본문을 그대로 복사합니다
func (c *APIClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(method, path, resp)
	}

	switch o := out.(type) {
	case nil:
		return nil
	case *bytes.Buffer:
		if _, err := io.Copy(o, resp.Body); err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}
		return nil
	default:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}
}

func statusError(method, path string, resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var apiErr struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
		msg = apiErr.Error
	}

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w: %s", method, path, ErrNotFound, msg)
	}
	return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, msg)
}
