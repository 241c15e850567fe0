package rtsp

import (
	"time"
)

// Session은 SETUP으로 미디어에 붙은 RTSP 세션
type Session struct {
	ID         string    `json:"id"`
	Path       string    `json:"path"`
	MediaID    string    `json:"media_id"`
	RemoteAddr string    `json:"remote_addr"`
	Playing    bool      `json:"playing"`
	CreatedAt  time.Time `json:"created_at"`

	media *Media
}
