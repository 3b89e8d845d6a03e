package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"railflow/models"
)

var ErrPoolClosed = errors.New("pipeline: pool closed")

// Handler processes one segment. A returned error stops the pool.
type Handler func(ctx context.Context, seg models.Segment) error

type PoolStats struct {
	Submitted int64 `json:"submitted"`
	Processed int64 `json:"processed"`
	Cancelled int64 `json:"cancelled"`
}

// Pool runs segments on a fixed set of workers. Segments of one train always
// land on the same worker, so they are handled in the order submitted.
type Pool struct {
	handle Handler
	queues []chan models.Segment
	logger *zap.Logger

	group *errgroup.Group
	gctx  context.Context

	mu       sync.RWMutex
	closed   bool
	draining atomic.Bool

	submitted atomic.Int64
	processed atomic.Int64
	cancelled atomic.Int64
}

func NewPool(handle Handler, workers, queueSize int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	p := &Pool{handle: handle, logger: logger, queues: make([]chan models.Segment, workers)}
	for i := range p.queues {
		p.queues[i] = make(chan models.Segment, queueSize)
	}
	return p
}

// Start launches the workers. Cancelling ctx stops them after their current
// segment.
func (p *Pool) Start(ctx context.Context) {
	p.group, p.gctx = errgroup.WithContext(ctx)
	for i, q := range p.queues {
		p.group.Go(func() error {
			return p.work(i, q)
		})
	}
}

func (p *Pool) work(id int, q <-chan models.Segment) error {
	for {
		select {
		case <-p.gctx.Done():
			return nil
		case seg, ok := <-q:
			if !ok {
				return nil
			}
			if p.draining.Load() {
				p.cancelled.Add(1)
				continue
			}
			if err := p.handle(p.gctx, seg); err != nil {
				p.logger.Error("worker stopped", zap.Int("worker", id), zap.Error(err))
				return err
			}
			p.processed.Add(1)
		}
	}
}

// Submit queues seg on its train's worker, blocking while that queue is full.
func (p *Pool) Submit(ctx context.Context, seg models.Segment) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	q := p.queues[xxhash.Sum64String(seg.Key.RID)%uint64(len(p.queues))]
	select {
	case q <- seg:
		p.submitted.Add(1)
		return nil
	case <-p.gctx.Done():
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Failed is closed when a worker has stopped with an error or the pool's
// context has ended.
func (p *Pool) Failed() <-chan struct{} {
	return p.gctx.Done()
}

// Drain stops intake, discards queued segments that have not started and
// waits for in-flight ones to finish.
func (p *Pool) Drain() error {
	p.draining.Store(true)
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for _, q := range p.queues {
			close(q)
		}
	}
	p.mu.Unlock()
	return p.group.Wait()
}

func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Submitted: p.submitted.Load(),
		Processed: p.processed.Load(),
		Cancelled: p.cancelled.Load(),
	}
}
