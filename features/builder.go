package features

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"railflow/models"
)

var (
	lookupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "railflow_features_context_lookup_seconds",
		Help:    "Duration of route history lookups.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	})
	degradedBuilds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "railflow_features_degraded_total",
		Help: "Feature vectors built with fallback context values.",
	})
)

// ErrNoAnchor is returned when a segment has no scheduled departure to derive
// calendar features from.
var ErrNoAnchor = errors.New("segment has no scheduled departure")

// HistoryLookup returns the most recent observed departure delays for a route
// pair, newest first.
type HistoryLookup interface {
	RecentDelays(ctx context.Context, pair string, n int) ([]float64, error)
}

type BuilderConfig struct {
	LookupTimeout  time.Duration
	HistorySamples int
	Location       *time.Location
}

type Builder struct {
	history HistoryLookup
	cfg     BuilderConfig
	logger  *zap.Logger
}

// NewBuilder returns a Builder. history may be nil, in which case the context
// columns always carry their fallback values.
func NewBuilder(history HistoryLookup, cfg BuilderConfig, logger *zap.Logger) *Builder {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.HistorySamples <= 0 {
		cfg.HistorySamples = 20
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 200 * time.Millisecond
	}
	return &Builder{history: history, cfg: cfg, logger: logger.Named("features")}
}

// Build computes the feature vector for seg. A failed or slow context lookup
// yields a degraded vector rather than an error; Build returns no later than
// LookupTimeout after the lookup starts.
func (b *Builder) Build(ctx context.Context, seg models.Segment) (Vector, error) {
	if seg.PlannedDep.IsZero() {
		return Vector{}, ErrNoAnchor
	}

	var v Vector
	anchor := seg.PlannedDep.In(b.cfg.Location)

	v.Values[DepartureDelay] = seg.DepartureDelay
	if seg.DwellDelay != nil {
		v.Values[DwellDelay] = *seg.DwellDelay
	}
	v.Values[Peak] = boolFloat(IsPeak(anchor))
	v.Values[DayOfWeek] = float64(DayIndex(anchor))
	v.Values[DayOfMonth] = float64(anchor.Day())
	v.Values[HourOfDay] = float64(anchor.Hour())
	v.Values[Weekend] = boolFloat(IsWeekend(anchor))
	v.Values[Season] = float64(SeasonOf(anchor))
	v.Values[Month] = float64(anchor.Month())
	v.Values[Holiday] = boolFloat(IsBankHoliday(anchor))

	// fallback context: the segment's own delay stands in for the route mean
	v.Values[RouteMeanDelay] = seg.DepartureDelay
	if b.history == nil {
		return v, nil
	}

	delays, err := b.lookup(ctx, seg.Key.Pair())
	if err != nil {
		degradedBuilds.Inc()
		v.Degraded = true
		v.DegradedReason = err.Error()
		b.logger.Warn("route history unavailable, using fallback context",
			zap.String("pair", seg.Key.Pair()), zap.Error(err))
		return v, nil
	}

	v.Values[ContextAvailable] = 1
	v.Values[RouteSamples] = float64(len(delays))
	if len(delays) > 0 {
		mean, std := stat.MeanStdDev(delays, nil)
		if len(delays) == 1 {
			std = 0
		}
		v.Values[RouteMeanDelay] = mean
		v.Values[RouteDelayStd] = std
	}
	return v, nil
}

type lookupResult struct {
	delays []float64
	err    error
}

func (b *Builder) lookup(ctx context.Context, pair string) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.LookupTimeout)
	defer cancel()

	start := time.Now()
	defer func() { lookupDuration.Observe(time.Since(start).Seconds()) }()

	done := make(chan lookupResult, 1)
	go func() {
		delays, err := b.history.RecentDelays(ctx, pair, b.cfg.HistorySamples)
		done <- lookupResult{delays: delays, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("route history lookup: %w", res.err)
		}
		return res.delays, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("route history lookup: %w", ctx.Err())
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
