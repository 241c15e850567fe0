package pipeline

import (
	"context"
	"sort"

	"go.uber.org/zap"
)

// Kind는 요소가 체인에서 차지할 수 있는 위치
type Kind int

const (
	KindSource Kind = iota
	KindFilter
	KindPayloader
)

// Element는 파이프라인 요소
// Run은 in(소스는 nil)에서 버퍼를 받아 out(페이로더는 nil)으로 보냅니다
// 입력이 끝나면(EOS) nil을 반환하고, out은 런타임이 닫습니다
type Element interface {
	Name() string
	Negotiate(in Caps) (Caps, error)
	Run(ctx context.Context, in <-chan *Buffer, out chan<- *Buffer) error
}

// ElementContext는 요소 생성에 필요한 값
type ElementContext struct {
	Name   string
	SrcPad string
	Props  *Props
	Build  *BuildContext
	Logger *zap.Logger
}

// Factory는 요소 생성기
type Factory struct {
	Name string
	Kind Kind
	New  func(ec *ElementContext) (Element, error)
}

var factories = map[string]Factory{
	"videotestsrc": {Name: "videotestsrc", Kind: KindSource, New: newVideoTestSrc},
	"filesrc":      {Name: "filesrc", Kind: KindSource, New: newFileSrc},
	"qtdemux":      {Name: "qtdemux", Kind: KindFilter, New: newQTDemux},
	"x264enc":      {Name: "x264enc", Kind: KindFilter, New: newX264Enc},
	"queue":        {Name: "queue", Kind: KindFilter, New: newQueue},
	"capsfilter":   {Name: "capsfilter", Kind: KindFilter, New: newCapsFilter},
	"rtph264pay":   {Name: "rtph264pay", Kind: KindPayloader, New: newRTPH264Pay},
}

// Factories는 사용 가능한 요소 이름 목록을 반환합니다
func Factories() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
