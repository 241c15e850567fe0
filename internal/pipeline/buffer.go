package pipeline

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// 미디어 타입 (caps 이름)
const (
	MediaRawVideo  = "video/x-raw"
	MediaH264      = "video/x-h264"
	MediaQuickTime = "video/quicktime"
	MediaRTP       = "application/x-rtp"
)

// RawFrame은 I420 프레임
type RawFrame struct {
	Width  int
	Height int
	Y      []byte
	U      []byte
	V      []byte
}

// Buffer는 요소 사이를 흐르는 데이터 단위
// caps에 따라 Frame, AU, Stream 중 하나가 채워집니다
type Buffer struct {
	PTS      time.Duration
	Duration time.Duration

	// video/x-raw
	Frame *RawFrame

	// video/x-h264 (access unit, start code 없는 NAL unit 목록)
	AU  [][]byte
	IDR bool

	// video/quicktime: filesrc가 디먹서에 넘기는 파일
	Stream io.ReadSeeker
}

// Fraction은 framerate 등 분수 값
type Fraction struct {
	Num int
	Den int
}

// Duration은 1/Fraction 시간을 반환합니다 (프레임 간격)
func (f Fraction) Duration() time.Duration {
	if f.Num <= 0 || f.Den <= 0 {
		return 0
	}
	return time.Second * time.Duration(f.Den) / time.Duration(f.Num)
}

// FrameTime은 n번째 프레임의 시작 시각을 반환합니다
// Duration()을 n번 더하면 잘린 나머지가 누적되므로 비율로 직접 계산합니다
func (f Fraction) FrameTime(n int) time.Duration {
	if f.Num <= 0 || f.Den <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(f.Den) * int64(time.Second) / int64(f.Num))
}

// Rounded는 정수 fps를 반환합니다 (최소 1)
func (f Fraction) Rounded() int {
	if f.Den <= 0 {
		return 1
	}
	n := (f.Num + f.Den/2) / f.Den
	if n < 1 {
		return 1
	}
	return n
}

func (f Fraction) String() string {
	return fmt.Sprintf("%d/%d", f.Num, f.Den)
}

// ParseFraction은 "30/1" 또는 "30" 형식을 파싱합니다
func ParseFraction(s string) (Fraction, error) {
	num, den, found := strings.Cut(s, "/")
	if !found {
		den = "1"
	}
	n, err := strconv.Atoi(strings.TrimSpace(num))
	if err != nil {
		return Fraction{}, fmt.Errorf("invalid fraction %q", s)
	}
	d, err := strconv.Atoi(strings.TrimSpace(den))
	if err != nil || d <= 0 || n <= 0 {
		return Fraction{}, fmt.Errorf("invalid fraction %q", s)
	}
	return Fraction{Num: n, Den: d}, nil
}

// Caps는 링크를 지나는 데이터의 형식
type Caps struct {
	Media     string
	Width     int
	Height    int
	Framerate Fraction
}

func (c Caps) String() string {
	s := c.Media
	if c.Width > 0 {
		s += ",width=" + strconv.Itoa(c.Width)
	}
	if c.Height > 0 {
		s += ",height=" + strconv.Itoa(c.Height)
	}
	if c.Framerate.Num > 0 {
		s += ",framerate=" + c.Framerate.String()
	}
	return s
}

// IsCapsString은 요소 이름 대신 caps 문자열이 쓰였는지 확인합니다
func IsCapsString(s string) bool {
	media, _, _ := strings.Cut(s, ",")
	return strings.Contains(media, "/") && !strings.Contains(media, "=")
}

// ParseCaps는 "video/x-raw,width=640,height=480,framerate=30/1" 형식을 파싱합니다
func ParseCaps(s string) (Caps, error) {
	fields := strings.Split(s, ",")
	caps := Caps{Media: strings.TrimSpace(fields[0])}

	switch caps.Media {
	case MediaRawVideo, MediaH264:
	default:
		return Caps{}, fmt.Errorf("unsupported caps %q", caps.Media)
	}

	for _, field := range fields[1:] {
		key, value, ok := strings.Cut(strings.TrimSpace(field), "=")
		if !ok {
			return Caps{}, fmt.Errorf("invalid caps field %q", field)
		}
		// (int)640 같은 타입 표기 제거
		if i := strings.Index(value, ")"); strings.HasPrefix(value, "(") && i > 0 {
			value = value[i+1:]
		}

		var err error
		switch key {
		case "width":
			caps.Width, err = strconv.Atoi(value)
		case "height":
			caps.Height, err = strconv.Atoi(value)
		case "framerate":
			caps.Framerate, err = ParseFraction(value)
		case "format":
			if caps.Media == MediaRawVideo && value != "I420" {
				err = fmt.Errorf("only I420 raw video is supported")
			}
		case "stream-format":
			if value != "byte-stream" && value != "avc" {
				err = fmt.Errorf("unsupported stream-format %q", value)
			}
		}
		if err != nil {
			return Caps{}, fmt.Errorf("caps field %s: %w", key, err)
		}
	}

	if caps.Width < 0 || caps.Height < 0 || caps.Width%2 != 0 || caps.Height%2 != 0 {
		return Caps{}, fmt.Errorf("caps size %dx%d must be positive and even", caps.Width, caps.Height)
	}

	return caps, nil
}

// push는 ctx가 취소되지 않는 한 buf를 다음 요소로 보냅니다
func push(ctx context.Context, out chan<- *Buffer, buf *Buffer) error {
	select {
	case out <- buf:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sleepUntil은 deadline까지 대기합니다
func sleepUntil(ctx context.Context, deadline time.Time) error {
	d := time.Until(deadline)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
