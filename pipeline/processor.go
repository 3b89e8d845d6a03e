// Package pipeline turns extracted segments into persisted predictions.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"railflow/cache"
	"railflow/ensemble"
	"railflow/features"
	"railflow/models"
	"railflow/segments"
)

var (
	segmentsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "railflow_pipeline_segments_total",
		Help: "Segments handled by the pipeline by outcome",
	}, []string{"outcome"})
	predictionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "railflow_pipeline_prediction_seconds",
		Help:    "Time to build features and score a segment",
		Buckets: prometheus.DefBuckets,
	})
)

type FeatureBuilder interface {
	Build(ctx context.Context, seg models.Segment) (features.Vector, error)
}

type Scorer interface {
	Score(pair string, v features.Vector) (ensemble.Result, error)
}

type Recorder interface {
	RecordPrediction(ctx context.Context, p models.Prediction) error
}

type HistoryRecorder interface {
	Record(ctx context.Context, pair string, delay float64) error
}

type ProcessorConfig struct {
	Window segments.Window
	Print  bool
}

type ProcessorStats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Skipped   int64 `json:"skipped"`
	Failed    int64 `json:"failed"`
	CacheSize int   `json:"cache_size"`
}

// Processor handles one segment: window check, cached prediction or a fresh
// feature build and score, then the write.
type Processor struct {
	builder FeatureBuilder
	scorer  Scorer
	cache   *cache.Cache
	writer  Recorder
	history HistoryRecorder
	cfg     ProcessorConfig
	logger  *zap.Logger
	now     func() time.Time

	hits    atomic.Int64
	misses  atomic.Int64
	skipped atomic.Int64
	failed  atomic.Int64
}

func NewProcessor(builder FeatureBuilder, scorer Scorer, c *cache.Cache, writer Recorder, history HistoryRecorder, cfg ProcessorConfig, logger *zap.Logger) *Processor {
	return &Processor{
		builder: builder,
		scorer:  scorer,
		cache:   c,
		writer:  writer,
		history: history,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Handle processes seg. Only errors that should end the run are returned;
// a segment that cannot be scored is logged and skipped.
func (p *Processor) Handle(ctx context.Context, seg models.Segment) error {
	if !p.cfg.Window.Allow(seg, p.now()) {
		p.skipped.Add(1)
		segmentsHandled.WithLabelValues("outside_window").Inc()
		return nil
	}

	var firstActual bool
	entry, status, err := p.cache.GetOrCompute(ctx, seg.Key, seg.StateHash(), func(cctx context.Context) (cache.Entry, error) {
		prev, had := p.cache.Lookup(seg.Key)
		firstActual = seg.HasActualDep && !(had && prev.Prediction.HasActualDep)
		return p.compute(cctx, seg)
	})
	switch {
	case errors.Is(err, ensemble.ErrUnknownPair):
		p.skipped.Add(1)
		segmentsHandled.WithLabelValues("unknown_pair").Inc()
		p.logger.Debug("no weights for pair", zap.String("pair", seg.Key.Pair()))
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil
	case err != nil:
		p.failed.Add(1)
		segmentsHandled.WithLabelValues("failed").Inc()
		p.logger.Warn("prediction failed", zap.String("segment", seg.Key.String()), zap.Error(err))
		return nil
	}

	pred := entry.Prediction
	pred.CacheStatus = status
	if status == models.CacheHit {
		p.hits.Add(1)
		segmentsHandled.WithLabelValues("hit").Inc()
		p.print(pred)
		return nil
	}

	p.misses.Add(1)
	segmentsHandled.WithLabelValues("miss").Inc()
	if err := p.writer.RecordPrediction(ctx, pred); err != nil {
		return fmt.Errorf("record prediction %s: %w", seg.Key, err)
	}
	if firstActual && p.history != nil {
		if err := p.history.Record(ctx, seg.Key.Pair(), seg.DepartureDelay); err != nil {
			p.logger.Warn("route history update failed", zap.String("pair", seg.Key.Pair()), zap.Error(err))
		}
	}
	p.print(pred)
	return nil
}

func (p *Processor) compute(ctx context.Context, seg models.Segment) (cache.Entry, error) {
	start := time.Now()
	defer func() { predictionLatency.Observe(time.Since(start).Seconds()) }()

	vec, err := p.builder.Build(ctx, seg)
	if err != nil {
		return cache.Entry{}, err
	}
	res, err := p.scorer.Score(seg.Key.Pair(), vec)
	if err != nil {
		return cache.Entry{}, err
	}
	pred := models.Prediction{
		RID:            seg.Key.RID,
		Origin:         seg.Key.Origin,
		Destination:    seg.Key.Destination,
		PlannedDep:     seg.PlannedDep,
		PlannedArr:     seg.PlannedArr,
		SSD:            seg.SSD,
		DepTime:        seg.DepTime,
		DepKind:        seg.DepKind,
		HasActualDep:   seg.HasActualDep,
		DepartureDelay: seg.DepartureDelay,
		DwellDelay:     seg.DwellDelay,
		Features:       vec.Slice(),
		PredictedDelay: res.PredictedDelay,
		Confidence:     res.Confidence,
		ModelVersion:   res.Version,
		GeneratedAt:    p.now().UTC(),
		CacheStatus:    models.CacheMiss,
		Degraded:       res.Degraded || vec.Degraded,
		Excluded:       res.Excluded,
		Revision:       seg.Revision,
	}
	return cache.Entry{Prediction: pred, Vector: vec}, nil
}

func (p *Processor) print(pred models.Prediction) {
	if !p.cfg.Print {
		return
	}
	fields := []zap.Field{
		zap.String("flag", flag(pred)),
		zap.String("rid", pred.RID),
		zap.String("segment", pred.Origin+"→"+pred.Destination),
		zap.Time("planned_dep", pred.PlannedDep),
		zap.Time("dep_time", pred.DepTime),
		zap.String("dep_time_kind", string(pred.DepKind)),
		zap.Float64("dep_delay", pred.DepartureDelay),
		zap.Float64("pred", pred.PredictedDelay),
		zap.Float64("confidence", pred.Confidence),
		zap.String("cache", string(pred.CacheStatus)),
		zap.Int("cache_size", p.cache.Len()),
	}
	if pred.DwellDelay != nil {
		fields = append(fields, zap.Float64("dwell", *pred.DwellDelay))
	}
	p.logger.Info("prediction", fields...)
}

func flag(pred models.Prediction) string {
	switch {
	case pred.HasActualDep:
		return "ACTUAL"
	case pred.DepKind == models.DepartureEstimate:
		return "EST"
	}
	return "PLAN"
}

func (p *Processor) Stats() ProcessorStats {
	return ProcessorStats{
		Hits:      p.hits.Load(),
		Misses:    p.misses.Load(),
		Skipped:   p.skipped.Load(),
		Failed:    p.failed.Load(),
		CacheSize: p.cache.Len(),
	}
}
