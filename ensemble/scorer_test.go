package ensemble

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"railflow/features"
)

func loadTestScorer(t *testing.T) *Scorer {
	t.Helper()
	w, err := LoadWeights(filepath.Join("testdata", "weights.json"))
	require.NoError(t, err)
	return NewScorer(w, zap.NewNop())
}

func vector(depDelay, dwell float64, context bool) features.Vector {
	var v features.Vector
	v.Values[features.DepartureDelay] = depDelay
	v.Values[features.DwellDelay] = dwell
	v.Values[features.RouteMeanDelay] = 4
	v.Values[features.RouteSamples] = 10
	if context {
		v.Values[features.ContextAvailable] = 1
	}
	return v
}

func TestWeightedMean(t *testing.T) {
	s := loadTestScorer(t)

	res, err := s.Score("POOLE_PSTONE", vector(0, 0, true))
	require.NoError(t, err)
	assert.InDelta(t, 5.8, res.PredictedDelay, 1e-9)
	assert.Equal(t, "test-v1", res.Version)
	assert.False(t, res.Degraded)
	assert.Greater(t, res.Confidence, 0.0)
	assert.LessOrEqual(t, res.Confidence, 1.0)
}

func TestScoreIsDeterministic(t *testing.T) {
	s := loadTestScorer(t)
	v := vector(3.5, 1.25, true)

	first, err := s.Score("PSTONE_BRANKSM", v)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := s.Score("PSTONE_BRANKSM", v)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestFailedSubModelIsExcluded(t *testing.T) {
	s := loadTestScorer(t)

	full, err := s.Score("PSTONE_BRANKSM", vector(2, 1, true))
	require.NoError(t, err)
	assert.False(t, full.Degraded)

	// lin = 0.5 + 0.9*2 + 0.2*1 = 2.5, persist = 2 + 0.5 = 2.5
	degraded, err := s.Score("PSTONE_BRANKSM", vector(2, 1, false))
	require.NoError(t, err)
	assert.True(t, degraded.Degraded)
	assert.Equal(t, []string{"route"}, degraded.Excluded)
	assert.InDelta(t, 2.5, degraded.PredictedDelay, 1e-9)
	assert.Less(t, degraded.Confidence, full.Confidence+1e-12)
	assert.InDelta(t, 0.8, degraded.Confidence, 1e-9, "coverage 0.8 with full agreement")
}

func TestClassifierVote(t *testing.T) {
	s := loadTestScorer(t)

	// lin = 0.5 + 0.9*6 = 5.9, bands: 6 falls in [5,15) -> 10
	res, err := s.Score("BRANKSM_BOMO", vector(6, 0, true))
	require.NoError(t, err)
	assert.InDelta(t, (5.9+10)/2, res.PredictedDelay, 1e-9)
}

func TestBandBoundaries(t *testing.T) {
	m := &SubModel{Kind: KindBandClassifier, Feature: features.DepartureDelay, Edges: []float64{1, 5}, Values: []float64{0, 3, 10}}
	for in, want := range map[float64]float64{-2: 0, 0.99: 0, 1: 3, 4.9: 3, 5: 10, 40: 10} {
		out, err := m.evaluate(vector(in, 0, false))
		require.NoError(t, err)
		assert.Equal(t, want, out, "delay %v", in)
	}
}

func TestDefaultPairAndUnknownPair(t *testing.T) {
	s := loadTestScorer(t)

	res, err := s.Score("WOOL_WARHAM", vector(4, 2, false))
	require.NoError(t, err)
	assert.InDelta(t, 5.0, res.PredictedDelay, 1e-9)

	w, err := ParseWeights([]byte(`{"models":{"p":{"kind":"persistence"}},"weights":{"A_B":{"p":1}}}`))
	require.NoError(t, err)
	_, err = NewScorer(w, zap.NewNop()).Score("C_D", vector(1, 0, false))
	assert.ErrorIs(t, err, ErrUnknownPair)
}

func TestAllSubModelsFail(t *testing.T) {
	w, err := ParseWeights([]byte(`{"models":{"r":{"kind":"route_history"}},"weights":{"*":{"r":1}}}`))
	require.NoError(t, err)

	_, err = NewScorer(w, zap.NewNop()).Score("A_B", vector(1, 0, false))
	assert.ErrorIs(t, err, ErrNoSubModels)
}

func TestParseWeightsVersionFingerprint(t *testing.T) {
	doc := []byte(`{"models":{"p":{"kind":"persistence"}},"weights":{"*":{"p":1}}}`)
	a, err := ParseWeights(doc)
	require.NoError(t, err)
	b, err := ParseWeights(doc)
	require.NoError(t, err)
	assert.Equal(t, a.Version(), b.Version())
	assert.Contains(t, a.Version(), "xxh-")
}

func TestParseWeightsRejects(t *testing.T) {
	tests := map[string]string{
		"bad json":         `{`,
		"no models":        `{"weights":{"*":{"a":1}}}`,
		"no weights":       `{"models":{"a":{"kind":"persistence"}}}`,
		"unknown kind":     `{"models":{"a":{"kind":"forest"}},"weights":{"*":{"a":1}}}`,
		"unknown model":    `{"models":{"a":{"kind":"persistence"}},"weights":{"*":{"b":1}}}`,
		"negative weight":  `{"models":{"a":{"kind":"persistence"}},"weights":{"*":{"a":-1}}}`,
		"zero weights":     `{"models":{"a":{"kind":"persistence"}},"weights":{"*":{"a":0}}}`,
		"unknown feature":  `{"models":{"a":{"kind":"linear","coefficients":{"speed":1}}},"weights":{"*":{"a":1}}}`,
		"band value count": `{"models":{"a":{"kind":"band_classifier","edges":[1,2],"values":[0,1]}},"weights":{"*":{"a":1}}}`,
		"unsorted edges":   `{"models":{"a":{"kind":"band_classifier","edges":[5,1],"values":[0,1,2]}},"weights":{"*":{"a":1}}}`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseWeights([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadWeightsMissingFile(t *testing.T) {
	_, err := LoadWeights(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestPairs(t *testing.T) {
	s := loadTestScorer(t)
	assert.Equal(t, []string{"BRANKSM_BOMO", "POOLE_PSTONE", "PSTONE_BRANKSM"}, s.weights.Pairs())
}
