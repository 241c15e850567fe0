package pipeline

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// FileSrc는 파일을 열어 디먹서에 seek 가능한 스트림으로 넘깁니다
type FileSrc struct {
	name     string
	location string
	logger   *zap.Logger
}

func newFileSrc(ec *ElementContext) (Element, error) {
	location := ec.Props.String("location", "")
	if location == "" {
		return nil, fmt.Errorf("location property is required")
	}

	info, err := os.Stat(location)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s: %w", location, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", location)
	}

	return &FileSrc{name: ec.Name, location: location, logger: ec.Logger}, nil
}

func (s *FileSrc) Name() string { return s.name }

func (s *FileSrc) Negotiate(Caps) (Caps, error) {
	return Caps{Media: MediaQuickTime}, nil
}

// Run은 파일을 넘긴 뒤 파이프라인이 끝날 때까지 파일을 열어 둡니다
func (s *FileSrc) Run(ctx context.Context, _ <-chan *Buffer, out chan<- *Buffer) error {
	f, err := os.Open(s.location)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	s.logger.Debug("File opened", zap.String("location", s.location))

	if err := push(ctx, out, &Buffer{Stream: f}); err != nil {
		return err
	}

	<-ctx.Done()
	return ctx.Err()
}
