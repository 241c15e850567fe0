package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"
	"go.uber.org/zap"
)

// ErrNotStarted는 Start 전에 Prepare가 호출되었을 때 반환됩니다
var ErrNotStarted = errors.New("pipeline not started")

// ErrEOS는 준비가 끝나기 전에 스트림이 끝났을 때 반환됩니다
var ErrEOS = errors.New("end of stream")

// PacketHandler는 페이로더가 만든 RTP 패킷을 받습니다
type PacketHandler func(pkt *rtp.Packet, ntp time.Time)

// Stats는 파이프라인 통계
type Stats struct {
	Frames  uint64 `json:"frames"`
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
}

// Pipeline은 빌드된 요소 체인과 그 실행 상태
type Pipeline struct {
	desc     *Description
	elements []Element
	pay      *RTPH264Pay
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started atomic.Bool
	closed  atomic.Bool

	done    chan struct{}
	errOnce sync.Once
	err     error
}

func newPipeline(d *Description, elements []Element, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		desc:     d,
		elements: elements,
		pay:      elements[len(elements)-1].(*RTPH264Pay),
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Description은 파이프라인의 원본 설명을 반환합니다
func (p *Pipeline) Description() *Description {
	return p.desc
}

// ElementNames는 체인 순서대로 요소 이름을 반환합니다
func (p *Pipeline) ElementNames() []string {
	names := make([]string, len(p.elements))
	for i, el := range p.elements {
		names[i] = el.Name()
	}
	return names
}

// OnPacket은 RTP 패킷 콜백을 설정합니다 (Start 전후 언제든 가능)
func (p *Pipeline) OnPacket(cb PacketHandler) {
	p.pay.setHandler(cb)
}

// Start는 요소 고루틴들을 시작합니다
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline already started")
	}

	p.ctx, p.cancel = context.WithCancel(ctx)

	var in chan *Buffer
	for i, el := range p.elements {
		var out chan *Buffer
		if i < len(p.elements)-1 {
			out = make(chan *Buffer, 1)
		}

		p.wg.Add(1)
		go p.runElement(el, in, out, i == len(p.elements)-1)

		in = out
	}

	go func() {
		p.wg.Wait()
		close(p.done)
	}()

	p.logger.Debug("Pipeline started", zap.Strings("elements", p.ElementNames()))
	return nil
}

func (p *Pipeline) runElement(el Element, in <-chan *Buffer, out chan *Buffer, terminal bool) {
	defer p.wg.Done()
	if out != nil {
		defer close(out)
	}

	err := el.Run(p.ctx, in, out)

	switch {
	case err == nil:
		if terminal {
			p.logger.Info("Pipeline reached end of stream")
			p.cancel()
		}
	case errors.Is(err, context.Canceled) && p.ctx.Err() != nil:
		// 정상 종료
	default:
		p.fail(fmt.Errorf("%s: %w", el.Name(), err))
	}
}

func (p *Pipeline) fail(err error) {
	p.errOnce.Do(func() {
		if !p.closed.Load() {
			p.err = err
			p.logger.Error("Pipeline error", zap.Error(err))
		}
	})
	p.cancel()
}

// Prepare는 페이로더가 SPS/PPS를 확보할 때까지 기다리고 RTP 포맷을 반환합니다
func (p *Pipeline) Prepare(ctx context.Context) (*format.H264, error) {
	if !p.started.Load() {
		return nil, ErrNotStarted
	}

	select {
	case <-p.pay.ready:
		return p.pay.Format(), nil
	case <-p.done:
		if err := p.Err(); err != nil {
			return nil, err
		}
		return nil, ErrEOS
	case <-ctx.Done():
		return nil, fmt.Errorf("pipeline did not produce parameter sets: %w", ctx.Err())
	}
}

// Done은 모든 요소가 끝나면 닫힙니다
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Err는 실행 오류를 반환합니다. EOS나 Close로 끝났으면 nil
func (p *Pipeline) Err() error {
	select {
	case <-p.done:
	default:
		return nil
	}
	return p.err
}

// Stats는 페이로더 통계를 반환합니다
func (p *Pipeline) Stats() Stats {
	return p.pay.stats()
}

// Close는 파이프라인을 중지하고 모든 요소가 끝날 때까지 기다립니다
func (p *Pipeline) Close() {
	if !p.started.Load() {
		return
	}
	p.closed.Store(true)
	p.cancel()
	<-p.done
}
