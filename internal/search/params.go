package search

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Params is the recognized tuning-parameter map. Zero values fall back
// to defaults in the getters so a partially filled file is fine.
type Params struct {
	Population             int     `yaml:"population"`
	MutationProb           float64 `yaml:"mutation_prob"`
	NumIters               int     `yaml:"num_iters"`
	EpsGreedy              float64 `yaml:"eps_greedy"`
	UseMeasuredRatio       float64 `yaml:"use_measured_ratio"`
	MinPopulation          int     `yaml:"min_population"`
	EmptyRetryCount        int     `yaml:"empty_retry_count"`
	MaxInnermostSplitFactor int    `yaml:"max_innermost_split_factor"`
	MeasuresPerRound       int     `yaml:"measures_per_round"`

	// set marks fields explicitly configured, so a deliberate zero
	// (e.g. min_population: 0) survives the default fallbacks.
	set map[string]bool
}

// DefaultParams returns the parameter set used when nothing is configured.
func DefaultParams() Params {
	return Params{
		Population:              512,
		MutationProb:            0.85,
		NumIters:                4,
		EpsGreedy:               0.05,
		UseMeasuredRatio:        0.2,
		MinPopulation:           50,
		EmptyRetryCount:         5,
		MaxInnermostSplitFactor: 64,
		MeasuresPerRound:        64,
	}
}

// LoadParams reads a parameter file and overlays it on the defaults.
func LoadParams(path string) (Params, error) {
	p := DefaultParams()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read params file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return p, fmt.Errorf("parse params file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse params file %s: %w", path, err)
	}
	p.set = make(map[string]bool, len(raw))
	for k := range raw {
		p.set[k] = true
	}
	// Re-apply defaults for fields the file left out entirely.
	d := DefaultParams()
	if !p.set["population"] && p.Population == 0 {
		p.Population = d.Population
	}
	if !p.set["min_population"] && p.MinPopulation == 0 {
		p.MinPopulation = d.MinPopulation
	}
	if !p.set["empty_retry_count"] && p.EmptyRetryCount == 0 {
		p.EmptyRetryCount = d.EmptyRetryCount
	}
	if !p.set["max_innermost_split_factor"] && p.MaxInnermostSplitFactor == 0 {
		p.MaxInnermostSplitFactor = d.MaxInnermostSplitFactor
	}
	if !p.set["measures_per_round"] && p.MeasuresPerRound == 0 {
		p.MeasuresPerRound = d.MeasuresPerRound
	}
	if !p.set["num_iters"] && p.NumIters == 0 {
		p.NumIters = d.NumIters
	}
	if !p.set["mutation_prob"] && p.MutationProb == 0 {
		p.MutationProb = d.MutationProb
	}
	if !p.set["eps_greedy"] && p.EpsGreedy == 0 {
		p.EpsGreedy = d.EpsGreedy
	}
	if !p.set["use_measured_ratio"] && p.UseMeasuredRatio == 0 {
		p.UseMeasuredRatio = d.UseMeasuredRatio
	}
	return p, nil
}
