package ensemble

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"railflow/features"
)

type Kind string

const (
	KindLinear         Kind = "linear"
	KindPersistence    Kind = "persistence"
	KindRouteHistory   Kind = "route_history"
	KindBandClassifier Kind = "band_classifier"
)

var (
	errNoContext  = errors.New("route context unavailable")
	errFewSamples = errors.New("not enough route history samples")
	errNonFinite  = errors.New("non-finite output")
)

// SubModel is one member of the ensemble. Kind selects which of the
// parameter groups below is used.
type SubModel struct {
	ID   string
	Kind Kind

	// linear
	Intercept    float64
	coefficients [features.Size]float64

	// persistence
	DwellFactor float64

	// route_history
	MinSamples int

	// band_classifier
	Feature int
	Edges   []float64
	Values  []float64
}

// Classifier reports whether the sub-model votes rather than regresses.
func (m *SubModel) Classifier() bool {
	return m.Kind == KindBandClassifier
}

// evaluate returns the sub-model's predicted delay in minutes. Classifiers
// return the representative delay of the band they select.
func (m *SubModel) evaluate(v features.Vector) (float64, error) {
	var out float64
	switch m.Kind {
	case KindLinear:
		out = m.Intercept + floats.Dot(m.coefficients[:], v.Values[:])
	case KindPersistence:
		out = v.Get(features.DepartureDelay) + m.DwellFactor*v.Get(features.DwellDelay)
	case KindRouteHistory:
		if v.Get(features.ContextAvailable) == 0 {
			return 0, errNoContext
		}
		if int(v.Get(features.RouteSamples)) < m.MinSamples {
			return 0, errFewSamples
		}
		out = v.Get(features.RouteMeanDelay)
	case KindBandClassifier:
		x := v.Get(m.Feature)
		band := sort.SearchFloat64s(m.Edges, x)
		if band < len(m.Edges) && m.Edges[band] == x {
			band++
		}
		out = m.Values[band]
	default:
		return 0, fmt.Errorf("unknown sub-model kind %q", m.Kind)
	}
	if math.IsNaN(out) || math.IsInf(out, 0) {
		return 0, errNonFinite
	}
	return out, nil
}

type modelSpec struct {
	Kind         Kind               `json:"kind"`
	Intercept    float64            `json:"intercept"`
	Coefficients map[string]float64 `json:"coefficients"`
	DwellFactor  float64            `json:"dwell_factor"`
	MinSamples   int                `json:"min_samples"`
	Feature      string             `json:"feature"`
	Edges        []float64          `json:"edges"`
	Values       []float64          `json:"values"`
}

func (s modelSpec) build(id string) (*SubModel, error) {
	m := &SubModel{ID: id, Kind: s.Kind}
	switch s.Kind {
	case KindLinear:
		m.Intercept = s.Intercept
		for name, c := range s.Coefficients {
			i, ok := features.Index(name)
			if !ok {
				return nil, fmt.Errorf("model %s: unknown feature %q", id, name)
			}
			m.coefficients[i] = c
		}
	case KindPersistence:
		m.DwellFactor = s.DwellFactor
	case KindRouteHistory:
		m.MinSamples = s.MinSamples
	case KindBandClassifier:
		name := s.Feature
		if name == "" {
			name = "departure_delay"
		}
		i, ok := features.Index(name)
		if !ok {
			return nil, fmt.Errorf("model %s: unknown feature %q", id, name)
		}
		if len(s.Values) != len(s.Edges)+1 {
			return nil, fmt.Errorf("model %s: need %d band values, got %d", id, len(s.Edges)+1, len(s.Values))
		}
		if !sort.Float64sAreSorted(s.Edges) {
			return nil, fmt.Errorf("model %s: band edges must be ascending", id)
		}
		m.Feature = i
		m.Edges = append([]float64(nil), s.Edges...)
		m.Values = append([]float64(nil), s.Values...)
	default:
		return nil, fmt.Errorf("model %s: unknown kind %q", id, s.Kind)
	}
	return m, nil
}
