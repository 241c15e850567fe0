package pipeline

import (
	"context"
	"fmt"
)

// CapsFilter는 링크의 caps를 제한합니다
// raw video 크기/프레임레이트는 빌드 시 상류 소스에 적용되고, 실행 시에는 크기만 확인합니다
type CapsFilter struct {
	name string
	caps Caps
}

func newCapsFilter(ec *ElementContext) (Element, error) {
	raw := ec.Props.String("caps", "")
	if raw == "" {
		return nil, fmt.Errorf("caps property is required")
	}
	caps, err := ParseCaps(raw)
	if err != nil {
		return nil, err
	}
	return &CapsFilter{name: ec.Name, caps: caps}, nil
}

func (f *CapsFilter) Name() string { return f.name }

func (f *CapsFilter) Negotiate(in Caps) (Caps, error) {
	if in.Media != f.caps.Media {
		return Caps{}, fmt.Errorf("%s cannot accept %s", f.caps, in.Media)
	}

	out := in
	if f.caps.Width > 0 {
		if in.Width > 0 && in.Width != f.caps.Width {
			return Caps{}, fmt.Errorf("width %d does not match %d", in.Width, f.caps.Width)
		}
		out.Width = f.caps.Width
	}
	if f.caps.Height > 0 {
		if in.Height > 0 && in.Height != f.caps.Height {
			return Caps{}, fmt.Errorf("height %d does not match %d", in.Height, f.caps.Height)
		}
		out.Height = f.caps.Height
	}
	if f.caps.Framerate.Num > 0 {
		out.Framerate = f.caps.Framerate
	}
	return out, nil
}

func (f *CapsFilter) Run(ctx context.Context, in <-chan *Buffer, out chan<- *Buffer) error {
	for buf := range in {
		if fr := buf.Frame; fr != nil {
			if (f.caps.Width > 0 && fr.Width != f.caps.Width) || (f.caps.Height > 0 && fr.Height != f.caps.Height) {
				return fmt.Errorf("frame %dx%d does not match %s", fr.Width, fr.Height, f.caps)
			}
		}
		if err := push(ctx, out, buf); err != nil {
			return err
		}
	}
	return nil
}
