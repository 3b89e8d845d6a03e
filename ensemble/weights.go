// Package ensemble scores feature vectors with a weighted set of sub-models
// described by a weights file.
package ensemble

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// DefaultPair is the weights entry used for route pairs without their own.
const DefaultPair = "*"

type weightsFile struct {
	Version string                        `json:"version"`
	Models  map[string]modelSpec          `json:"models"`
	Weights map[string]map[string]float64 `json:"weights"`
}

type weighted struct {
	model  *SubModel
	weight float64
}

// Weights is the parsed, immutable weights configuration.
type Weights struct {
	version string
	models  map[string]*SubModel
	pairs   map[string][]weighted
}

func LoadWeights(path string) (*Weights, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read weights file: %w", err)
	}
	w, err := ParseWeights(data)
	if err != nil {
		return nil, fmt.Errorf("weights file %s: %w", path, err)
	}
	return w, nil
}

// ParseWeights validates a weights document. When it carries no version, the
// version is a fingerprint of its content.
func ParseWeights(data []byte) (*Weights, error) {
	var f weightsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(f.Models) == 0 {
		return nil, errors.New("no models defined")
	}
	if len(f.Weights) == 0 {
		return nil, errors.New("no weights defined")
	}

	w := &Weights{
		version: f.Version,
		models:  make(map[string]*SubModel, len(f.Models)),
		pairs:   make(map[string][]weighted, len(f.Weights)),
	}
	if w.version == "" {
		w.version = "xxh-" + strconv.FormatUint(xxhash.Sum64(data), 16)
	}

	for id, spec := range f.Models {
		m, err := spec.build(id)
		if err != nil {
			return nil, err
		}
		w.models[id] = m
	}

	for pair, entries := range f.Weights {
		ids := make([]string, 0, len(entries))
		for id := range entries {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		list := make([]weighted, 0, len(ids))
		for _, id := range ids {
			weight := entries[id]
			m, ok := w.models[id]
			if !ok {
				return nil, fmt.Errorf("pair %s: unknown model %q", pair, id)
			}
			if weight < 0 {
				return nil, fmt.Errorf("pair %s: negative weight for %s", pair, id)
			}
			if weight == 0 {
				continue
			}
			list = append(list, weighted{model: m, weight: weight})
		}
		if len(list) == 0 {
			return nil, fmt.Errorf("pair %s: no positive weights", pair)
		}
		w.pairs[pair] = list
	}
	return w, nil
}

func (w *Weights) Version() string { return w.version }

// Pairs lists the route pairs with dedicated weights, sorted.
func (w *Weights) Pairs() []string {
	out := make([]string, 0, len(w.pairs))
	for p := range w.pairs {
		if p != DefaultPair {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func (w *Weights) forPair(pair string) ([]weighted, bool) {
	if list, ok := w.pairs[pair]; ok {
		return list, true
	}
	list, ok := w.pairs[DefaultPair]
	return list, ok
}
