// Package feed runs the live movement feed: it keeps one transport
// subscription alive, decodes payloads, extracts segments and hands them to
// the prediction pipeline.
package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"railflow/models"
)

type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

var (
	payloadsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "railflow_feed_payloads_total",
		Help: "Feed payloads received by decode outcome",
	}, []string{"outcome"})
	feedReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "railflow_feed_reconnects_total",
		Help: "Feed connections lost and re-established",
	})
	feedState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "railflow_feed_state",
		Help: "Feed runtime state (0 connecting, 1 streaming, 2 draining, 3 stopped)",
	})
)

type Extractor interface {
	Process(ev models.FeedEvent, now time.Time) []models.Segment
	Sweep(now time.Time) int
}

// Pool is the worker pool segments are submitted to.
type Pool interface {
	Start(ctx context.Context)
	Submit(ctx context.Context, seg models.Segment) error
	Failed() <-chan struct{}
	Drain() error
}

// Writer is the storage writer flushed during draining.
type Writer interface {
	Run(ctx context.Context) error
	Close()
}

type RuntimeConfig struct {
	// Duration bounds the streaming window. Negative runs until the context
	// passed to Run is cancelled.
	Duration         time.Duration
	Buffer           int
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	SweepInterval    time.Duration
}

type Status struct {
	State        string    `json:"state"`
	StartedAt    time.Time `json:"started_at"`
	Payloads     int64     `json:"payloads"`
	Events       int64     `json:"events"`
	Segments     int64     `json:"segments"`
	DecodeErrors int64     `json:"decode_errors"`
	Reconnects   int64     `json:"reconnects"`
}

type Runtime struct {
	transport Transport
	extractor Extractor
	pool      Pool
	writer    Writer
	cfg       RuntimeConfig
	logger    *zap.Logger
	now       func() time.Time

	state     atomic.Int32
	startedAt atomic.Int64

	payloads     atomic.Int64
	events       atomic.Int64
	segments     atomic.Int64
	decodeErrors atomic.Int64
	reconnects   atomic.Int64
}

func NewRuntime(transport Transport, extractor Extractor, pool Pool, writer Writer, cfg RuntimeConfig, logger *zap.Logger) *Runtime {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = 500 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Runtime{
		transport: transport,
		extractor: extractor,
		pool:      pool,
		writer:    writer,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

func (r *Runtime) State() State {
	return State(r.state.Load())
}

func (r *Runtime) setState(s State) {
	prev := State(r.state.Swap(int32(s)))
	feedState.Set(float64(s))
	if prev != s {
		r.logger.Info("feed state", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

func (r *Runtime) Status() Status {
	var started time.Time
	if ns := r.startedAt.Load(); ns != 0 {
		started = time.Unix(0, ns).UTC()
	}
	return Status{
		State:        r.State().String(),
		StartedAt:    started,
		Payloads:     r.payloads.Load(),
		Events:       r.events.Load(),
		Segments:     r.segments.Load(),
		DecodeErrors: r.decodeErrors.Load(),
		Reconnects:   r.reconnects.Load(),
	}
}

// Run streams until the configured duration elapses, ctx is cancelled or the
// pipeline fails, then drains and stops. The returned error is non-nil only
// when the pipeline or the writer failed.
func (r *Runtime) Run(ctx context.Context) error {
	r.startedAt.Store(r.now().UnixNano())
	r.setState(StateConnecting)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if r.cfg.Duration >= 0 {
		var stop context.CancelFunc
		streamCtx, stop = context.WithTimeout(streamCtx, r.cfg.Duration)
		defer stop()
	}

	workCtx := context.WithoutCancel(ctx)
	writerDone := make(chan error, 1)
	go func() { writerDone <- r.writer.Run(workCtx) }()
	r.pool.Start(workCtx)

	stopping := make(chan struct{})
	payloads := make(chan []byte, r.cfg.Buffer)
	deliver := func(b []byte) {
		select {
		case payloads <- b:
		case <-stopping:
		}
	}

	var conn sync.WaitGroup
	conn.Add(1)
	go func() {
		defer conn.Done()
		r.maintain(streamCtx, deliver)
	}()

	sweep := time.NewTicker(r.cfg.SweepInterval)
	defer sweep.Stop()

	var (
		runErr        error
		writerStopped bool
	)
loop:
	for {
		select {
		case <-streamCtx.Done():
			break loop
		case <-r.pool.Failed():
			runErr = errors.New("prediction pipeline stopped")
			break loop
		case err := <-writerDone:
			writerStopped = true
			runErr = err
			if runErr == nil {
				runErr = errors.New("writer stopped")
			}
			break loop
		case b := <-payloads:
			r.handle(streamCtx, b)
		case <-sweep.C:
			if n := r.extractor.Sweep(r.now()); n > 0 {
				r.logger.Debug("expired inactive trains", zap.Int("count", n))
			}
		}
	}

	close(stopping)
	cancel()
	conn.Wait()
	r.setState(StateDraining)
	if err := r.transport.Close(); err != nil {
		r.logger.Warn("transport close failed", zap.Error(err))
	}

	if err := r.pool.Drain(); err != nil {
		runErr = err
	}
	r.writer.Close()
	if !writerStopped {
		if err := <-writerDone; err != nil {
			runErr = err
		}
	}

	r.setState(StateStopped)
	if runErr != nil {
		r.logger.Error("feed runtime stopped with error", zap.Error(runErr))
	}
	return runErr
}

// maintain keeps the transport connected until ctx ends.
func (r *Runtime) maintain(ctx context.Context, deliver func([]byte)) {
	for ctx.Err() == nil {
		r.setState(StateConnecting)

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = r.cfg.ReconnectInitial
		b.MaxInterval = r.cfg.ReconnectMax
		lost, err := backoff.Retry(ctx, func() (<-chan error, error) {
			return r.transport.Connect(ctx, deliver)
		},
			backoff.WithBackOff(b),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				r.logger.Warn("feed connect failed", zap.Duration("retry_in", next), zap.Error(err))
			}),
		)
		if err != nil {
			return
		}
		r.setState(StateStreaming)

		select {
		case <-ctx.Done():
			return
		case err := <-lost:
			r.reconnects.Add(1)
			feedReconnects.Inc()
			r.logger.Warn("feed disconnected", zap.Error(err))
			if cerr := r.transport.Close(); cerr != nil {
				r.logger.Debug("transport close failed", zap.Error(cerr))
			}
		}
	}
}

func (r *Runtime) handle(ctx context.Context, payload []byte) {
	r.payloads.Add(1)
	events, err := Decode(payload)
	if err != nil {
		r.decodeErrors.Add(1)
		payloadsReceived.WithLabelValues("invalid").Inc()
		r.logger.Debug("dropping undecodable payload", zap.Int("bytes", len(payload)), zap.Error(err))
		return
	}
	payloadsReceived.WithLabelValues("ok").Inc()

	now := r.now()
	for _, ev := range events {
		r.events.Add(1)
		for _, seg := range r.extractor.Process(ev, now) {
			if err := r.pool.Submit(ctx, seg); err != nil {
				r.logger.Debug("segment not submitted", zap.String("segment", seg.Key.String()), zap.Error(err))
				continue
			}
			r.segments.Add(1)
		}
	}
}
