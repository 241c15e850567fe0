package pipeline

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/yourusername/rtspfeed/internal/process"
	"go.uber.org/zap"
)

// PayloaderName은 RTSP 미디어로 노출되는 페이로더의 이름
const PayloaderName = "pay0"

var (
	ErrUnknownElement       = errors.New("unknown element")
	ErrNoPayloader          = errors.New("pipeline has no element named pay0")
	ErrNotPayloader         = errors.New("pay0 is not a payloader")
	ErrPayloaderNotTerminal = errors.New("pay0 must be the last element")
	ErrNotLinear            = errors.New("pipeline is not a single linear chain")
	ErrIncompatibleCaps     = errors.New("incompatible caps")
)

// BuildContext는 요소 생성 시 공유되는 환경
type BuildContext struct {
	Logger *zap.Logger

	// Processes는 x264enc ffmpeg 백엔드가 인코더 프로세스를 띄울 때 사용합니다
	Processes *process.Manager

	// EncoderBackend는 x264enc backend 속성의 기본값 (auto|ffmpeg|pcm)
	EncoderBackend string
	FFmpegPath     string

	// LookPath는 auto 백엔드가 ffmpeg 존재 여부를 확인할 때 사용합니다 (기본 exec.LookPath)
	LookPath func(file string) (string, error)
}

func (bc *BuildContext) withDefaults() *BuildContext {
	out := *bc
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.EncoderBackend == "" {
		out.EncoderBackend = "auto"
	}
	if out.FFmpegPath == "" {
		out.FFmpegPath = "ffmpeg"
	}
	if out.LookPath == nil {
		out.LookPath = exec.LookPath
	}
	if out.Processes == nil {
		out.Processes = process.NewManager(out.Logger)
	}
	return &out
}

type pathEntry struct {
	spec   *ElementSpec
	srcPad string
}

// linearize는 체인들을 소스에서 pay0까지 하나의 경로로 이어 붙입니다
func linearize(d *Description) ([]pathEntry, error) {
	var root *Chain
	fromElement := make(map[string]*Chain)

	for _, c := range d.Chains {
		if c.From == nil {
			if root != nil {
				return nil, fmt.Errorf("%w: more than one source chain", ErrNotLinear)
			}
			root = c
			continue
		}
		if d.Element(c.From.Element) == nil {
			return nil, fmt.Errorf("%w: pad %s refers to an unknown element", ErrNotLinear, c.From)
		}
		if _, dup := fromElement[c.From.Element]; dup {
			return nil, fmt.Errorf("%w: element %s has more than one output", ErrNotLinear, c.From.Element)
		}
		fromElement[c.From.Element] = c
	}
	if root == nil {
		return nil, fmt.Errorf("%w: no source chain", ErrNotLinear)
	}

	var path []pathEntry
	visited := make(map[*ElementSpec]bool)

	for c := root; c != nil; {
		for i, el := range c.Elements {
			if visited[el] {
				return nil, fmt.Errorf("%w: loop at %s", ErrNotLinear, el.Name)
			}
			visited[el] = true
			path = append(path, pathEntry{spec: el})

			if _, ok := fromElement[el.Name]; ok && i != len(c.Elements)-1 {
				return nil, fmt.Errorf("%w: element %s has more than one output", ErrNotLinear, el.Name)
			}
		}

		last := c.Elements[len(c.Elements)-1]
		next, ok := fromElement[last.Name]
		if !ok {
			break
		}
		path[len(path)-1].srcPad = next.From.Pad
		c = next
	}

	for _, el := range d.Elements() {
		if !visited[el] {
			return nil, fmt.Errorf("%w: element %s is not linked to the source", ErrNotLinear, el.Name)
		}
	}

	return path, nil
}

// propagateCaps는 raw video caps 필터의 크기/프레임레이트를 상류 videotestsrc에 적용합니다
func propagateCaps(path []pathEntry) error {
	for i, entry := range path {
		if entry.spec.Factory != "capsfilter" {
			continue
		}
		caps, err := ParseCaps(entry.spec.Props["caps"])
		if err != nil || caps.Media != MediaRawVideo {
			continue
		}

		for j := i - 1; j >= 0; j-- {
			up := path[j].spec
			if up.Factory == "queue" || up.Factory == "capsfilter" {
				continue
			}
			if up.Factory != "videotestsrc" {
				break
			}
			apply := func(key, value string) error {
				if cur, ok := up.Props[key]; ok && cur != value {
					return fmt.Errorf("%w: %s %s=%s conflicts with %s", ErrIncompatibleCaps, up.Name, key, cur, caps)
				}
				up.Props[key] = value
				return nil
			}
			if caps.Width > 0 {
				if err := apply("width", strconv.Itoa(caps.Width)); err != nil {
					return err
				}
			}
			if caps.Height > 0 {
				if err := apply("height", strconv.Itoa(caps.Height)); err != nil {
					return err
				}
			}
			if caps.Framerate.Num > 0 {
				if cur, ok := up.Props["framerate"]; ok {
					f, err := ParseFraction(cur)
					if err == nil && f.Num*caps.Framerate.Den != caps.Framerate.Num*f.Den {
						return fmt.Errorf("%w: %s framerate=%s conflicts with %s", ErrIncompatibleCaps, up.Name, cur, caps)
					}
				} else {
					up.Props["framerate"] = caps.Framerate.String()
				}
			}
			break
		}
	}
	return nil
}

// Build는 파싱된 설명으로 실행 가능한 파이프라인을 만듭니다
// 요소 생성은 부작용이 없으므로 검증 용도로도 사용할 수 있습니다
func Build(d *Description, bc BuildContext) (*Pipeline, error) {
	ctx := bc.withDefaults()

	pay := d.Element(PayloaderName)
	if pay == nil {
		return nil, ErrNoPayloader
	}

	path, err := linearize(d)
	if err != nil {
		return nil, err
	}

	if path[len(path)-1].spec != pay {
		return nil, ErrPayloaderNotTerminal
	}

	// 속성 맵을 수정하므로 복사본으로 작업
	for i := range path {
		spec := *path[i].spec
		spec.Props = make(map[string]string, len(path[i].spec.Props))
		for k, v := range path[i].spec.Props {
			spec.Props[k] = v
		}
		path[i].spec = &spec
	}

	if err := propagateCaps(path); err != nil {
		return nil, err
	}

	elements := make([]Element, 0, len(path))
	var caps Caps

	for i, entry := range path {
		spec := entry.spec

		factory, ok := factories[spec.Factory]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownElement, spec.Factory)
		}

		switch {
		case i == 0 && factory.Kind != KindSource:
			return nil, fmt.Errorf("%w: %s cannot start a pipeline", ErrNotLinear, spec.Name)
		case i > 0 && factory.Kind == KindSource:
			return nil, fmt.Errorf("%w: source %s cannot have an input", ErrNotLinear, spec.Name)
		case i == len(path)-1 && factory.Kind != KindPayloader:
			return nil, fmt.Errorf("%w: %s", ErrNotPayloader, spec.Factory)
		case i < len(path)-1 && factory.Kind == KindPayloader:
			return nil, fmt.Errorf("%w: payloader %s is not the last element", ErrPayloaderNotTerminal, spec.Name)
		}

		props := newProps(spec.Name, spec.Props)
		el, err := factory.New(&ElementContext{
			Name:   spec.Name,
			SrcPad: entry.srcPad,
			Props:  props,
			Build:  ctx,
			Logger: ctx.Logger.With(zap.String("element", spec.Name)),
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", spec.Name, err)
		}
		if err := props.Err(); err != nil {
			return nil, err
		}

		next, err := el.Negotiate(caps)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrIncompatibleCaps, spec.Name, err)
		}
		caps = next

		elements = append(elements, el)
	}

	return newPipeline(d, elements, ctx.Logger), nil
}

// ParseAndBuild는 Parse와 Build를 함께 수행합니다
func ParseAndBuild(text string, bc BuildContext) (*Pipeline, error) {
	d, err := Parse(text)
	if err != nil {
		return nil, err
	}
	return Build(d, bc)
}

// Validate는 파이프라인 설명이 빌드 가능한지 검사합니다
func Validate(text string, bc BuildContext) error {
	_, err := ParseAndBuild(text, bc)
	return err
}
