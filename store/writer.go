package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"railflow/models"
)

var ErrWriterClosed = errors.New("store: writer closed")

var (
	writesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "railflow_store_writes_total",
		Help: "Rows written per table",
	}, []string{"table"})
	writeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "railflow_store_write_retries_total",
		Help: "Write attempts that failed and were retried",
	})
	writeQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "railflow_store_queue_depth",
		Help: "Predictions waiting to be written",
	})
)

// Actionable decides which predictions are copied to predictions_actual.
// Zero thresholds are disabled.
type Actionable struct {
	RequireActualDeparture bool
	MinPredictedDelay      float64
	MinConfidence          float64
}

func (a Actionable) Match(p models.Prediction) bool {
	if a.RequireActualDeparture && !p.HasActualDep {
		return false
	}
	if a.MinPredictedDelay > 0 && p.PredictedDelay < a.MinPredictedDelay {
		return false
	}
	if a.MinConfidence > 0 && p.Confidence < a.MinConfidence {
		return false
	}
	return true
}

// Publisher fans written predictions out to live consumers.
type Publisher interface {
	Publish(ctx context.Context, v any) error
}

type WriterConfig struct {
	QueueSize      int
	MaxRetries     uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Actionable     Actionable
}

type WriterStats struct {
	Written    int64 `json:"written"`
	Actionable int64 `json:"actionable"`
	Retries    int64 `json:"retries"`
	Pending    int   `json:"pending"`
}

// Writer serialises all database writes through one goroutine. Producers
// block once the queue is full.
type Writer struct {
	sink   Sink
	pub    Publisher
	cfg    WriterConfig
	logger *zap.Logger

	queue chan models.Prediction

	mu     sync.RWMutex
	closed bool

	dead    chan struct{}
	deadErr error

	written    atomic.Int64
	actionable atomic.Int64
	retries    atomic.Int64
}

func NewWriter(sink Sink, pub Publisher, cfg WriterConfig, logger *zap.Logger) *Writer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	return &Writer{
		sink:   sink,
		pub:    pub,
		cfg:    cfg,
		logger: logger,
		queue:  make(chan models.Prediction, cfg.QueueSize),
		dead:   make(chan struct{}),
	}
}

// RecordPrediction queues p for writing.
func (w *Writer) RecordPrediction(ctx context.Context, p models.Prediction) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWriterClosed
	}
	select {
	case <-w.dead:
		return w.deadErr
	default:
	}
	select {
	case w.queue <- p:
		writeQueueDepth.Set(float64(len(w.queue)))
		return nil
	case <-w.dead:
		return w.deadErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run writes queued predictions until Close has been called and the queue
// is empty. A write that exhausts its retries stops the writer and is
// returned.
func (w *Writer) Run(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	for p := range w.queue {
		writeQueueDepth.Set(float64(len(w.queue)))
		if err := w.write(ctx, p); err != nil {
			w.deadErr = err
			close(w.dead)
			w.logger.Error("writer stopped", zap.String("segment", p.Key().String()), zap.Error(err))
			return err
		}
	}
	return nil
}

// Close stops accepting predictions. Run returns once the backlog is written.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.queue)
}

func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Written:    w.written.Load(),
		Actionable: w.actionable.Load(),
		Retries:    w.retries.Load(),
		Pending:    len(w.queue),
	}
}

func (w *Writer) write(ctx context.Context, p models.Prediction) error {
	if err := w.retry(ctx, "predictions_all", func() error {
		return w.sink.UpsertPrediction(ctx, p)
	}); err != nil {
		return err
	}
	w.written.Add(1)
	writesTotal.WithLabelValues("predictions_all").Inc()

	if w.cfg.Actionable.Match(p) {
		var inserted bool
		if err := w.retry(ctx, "predictions_actual", func() error {
			var err error
			inserted, err = w.sink.UpsertActionable(ctx, p)
			return err
		}); err != nil {
			return err
		}
		if inserted {
			w.actionable.Add(1)
			writesTotal.WithLabelValues("predictions_actual").Inc()
		}
	}

	w.publish(ctx, p)
	return nil
}

func (w *Writer) retry(ctx context.Context, table string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialBackoff
	b.MaxInterval = w.cfg.MaxBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err != nil && permanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(w.cfg.MaxRetries),
		backoff.WithNotify(func(err error, next time.Duration) {
			w.retries.Add(1)
			writeRetries.Inc()
			w.logger.Warn("write failed, retrying",
				zap.String("table", table),
				zap.Duration("backoff", next),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		return fmt.Errorf("write %s: %w", table, err)
	}
	return nil
}

func (w *Writer) publish(ctx context.Context, p models.Prediction) {
	if w.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := w.pub.Publish(ctx, p); err != nil {
		w.logger.Debug("publish failed", zap.String("rid", p.RID), zap.Error(err))
	}
}
