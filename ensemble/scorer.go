package ensemble

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"railflow/features"
)

var (
	ErrUnknownPair = errors.New("no weights for route pair")
	ErrNoSubModels = errors.New("every sub-model failed")
)

var (
	scoresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "railflow_ensemble_scores_total",
		Help: "Ensemble scoring calls by outcome.",
	}, []string{"outcome"})
	subModelFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "railflow_ensemble_submodel_failures_total",
		Help: "Sub-model evaluation failures, by sub-model.",
	}, []string{"model"})
)

// agreementScale is the regressor spread, in minutes, at which agreement
// drops to one half.
const agreementScale = 5.0

type Result struct {
	PredictedDelay float64
	Confidence     float64
	Version        string
	Degraded       bool
	Excluded       []string
}

type Scorer struct {
	weights *Weights
	logger  *zap.Logger
}

func NewScorer(w *Weights, logger *zap.Logger) *Scorer {
	return &Scorer{weights: w, logger: logger.Named("ensemble")}
}

func (s *Scorer) Version() string { return s.weights.version }

// Score evaluates every weighted sub-model for pair and combines them.
// Regressors are averaged by weight. Classifiers vote by weight for a delay
// band, and the winning band's delay joins the average carrying the
// classifiers' total weight. Failed sub-models are left out and the remaining
// weights renormalised; the result is then marked degraded.
func (s *Scorer) Score(pair string, v features.Vector) (Result, error) {
	members, ok := s.weights.forPair(pair)
	if !ok {
		scoresTotal.WithLabelValues("unknown_pair").Inc()
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownPair, pair)
	}

	res := Result{Version: s.weights.version}

	var regOut, regW []float64
	var regWeight, clsWeight, totalWeight float64
	votes := make(map[float64]float64)
	for _, m := range members {
		totalWeight += m.weight
		out, err := m.model.evaluate(v)
		if err != nil {
			subModelFailures.WithLabelValues(m.model.ID).Inc()
			res.Excluded = append(res.Excluded, m.model.ID)
			s.logger.Debug("sub-model excluded", zap.String("model", m.model.ID), zap.String("pair", pair), zap.Error(err))
			continue
		}
		if m.model.Classifier() {
			votes[out] += m.weight
			clsWeight += m.weight
			continue
		}
		regOut = append(regOut, out)
		regW = append(regW, m.weight)
		regWeight += m.weight
	}

	if len(regOut) == 0 && clsWeight == 0 {
		scoresTotal.WithLabelValues("failed").Inc()
		return Result{}, fmt.Errorf("%w for %s: %v", ErrNoSubModels, pair, res.Excluded)
	}

	var voteShare float64
	if clsWeight > 0 {
		band, share := winningBand(votes)
		voteShare = share / clsWeight
		regOut = append(regOut, band)
		regW = append(regW, clsWeight)
	}

	mean, std := stat.PopMeanStdDev(regOut, regW)
	usedWeight := floats.Sum(regW)

	agreement := (regWeight/(1+std/agreementScale) + clsWeight*voteShare) / usedWeight
	res.PredictedDelay = mean
	res.Confidence = clamp01(usedWeight / totalWeight * agreement)
	res.Degraded = len(res.Excluded) > 0

	if res.Degraded {
		scoresTotal.WithLabelValues("degraded").Inc()
	} else {
		scoresTotal.WithLabelValues("ok").Inc()
	}
	return res, nil
}

// winningBand returns the band with the most weight, preferring the lower
// delay on ties.
func winningBand(votes map[float64]float64) (float64, float64) {
	bands := make([]float64, 0, len(votes))
	for b := range votes {
		bands = append(bands, b)
	}
	sort.Float64s(bands)

	best, bestW := bands[0], votes[bands[0]]
	for _, b := range bands[1:] {
		if votes[b] > bestW {
			best, bestW = b, votes[b]
		}
	}
	return best, bestW
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}
