package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// Queue는 상류와 하류를 분리하는 제한된 버퍼
//
//	leaky=no          가득 차면 상류를 막음
//	leaky=upstream    가득 차면 새 버퍼를 버림
//	leaky=downstream  가득 차면 가장 오래된 버퍼를 버림
type Queue struct {
	name    string
	max     int
	leaky   string
	logger  *zap.Logger
	dropped atomic.Uint64
}

func newQueue(ec *ElementContext) (Element, error) {
	q := &Queue{
		name:   ec.Name,
		max:    ec.Props.Int("max-size-buffers", 200),
		leaky:  ec.Props.Enum("leaky", "no", "no", "upstream", "downstream"),
		logger: ec.Logger,
	}
	// GStreamer 호환 속성 (버퍼 수만 사용)
	ec.Props.Int("max-size-bytes", 0)
	ec.Props.Int("max-size-time", 0)

	if q.max <= 0 {
		return nil, fmt.Errorf("max-size-buffers must be positive")
	}
	return q, nil
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) Negotiate(in Caps) (Caps, error) { return in, nil }

// Dropped는 leaky 정책으로 버려진 버퍼 수
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

func (q *Queue) Run(ctx context.Context, in <-chan *Buffer, out chan<- *Buffer) error {
	var pending []*Buffer

	for {
		if in == nil && len(pending) == 0 {
			return nil
		}

		inCh := in
		if q.leaky == "no" && len(pending) >= q.max {
			inCh = nil
		}

		var outCh chan<- *Buffer
		var head *Buffer
		if len(pending) > 0 {
			outCh = out
			head = pending[0]
		}

		select {
		case buf, ok := <-inCh:
			if !ok {
				in = nil
				continue
			}
			if len(pending) >= q.max {
				q.dropped.Add(1)
				if q.leaky == "upstream" {
					continue
				}
				pending[0] = nil
				pending = pending[1:]
			}
			pending = append(pending, buf)

		case outCh <- head:
			pending[0] = nil
			pending = pending[1:]

		case <-ctx.Done():
			if n := q.dropped.Load(); n > 0 {
				q.logger.Debug("Queue dropped buffers", zap.Uint64("dropped", n))
			}
			return ctx.Err()
		}
	}
}
