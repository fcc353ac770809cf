package search

import (
	"sync/atomic"
	"testing"

	"github.com/guesswewho/ftuner/internal/schedule"
	"github.com/guesswewho/ftuner/internal/workload"
)

func TestSampleInitPopulationFillsAllSplits(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, staticTask(t, 128, 128, 64))
	population := p.SampleInitPopulation(p.Sketches(), p.params.MinPopulation)

	if len(population) < p.params.MinPopulation {
		t.Fatalf("population: got %d, want >= %d", len(population), p.params.MinPopulation)
	}
	seen := make(map[string]bool)
	for _, s := range population {
		key := s.CanonKey()
		if seen[key] {
			t.Fatal("duplicate state in sampled population")
		}
		seen[key] = true
		for _, st := range s.Steps {
			if st.Kind == schedule.KindSplit && !st.FullySpecified() {
				t.Fatalf("sampled state kept an unspecified split: %+v", st)
			}
		}
	}
}

func TestSampleInitPopulationRespectsInnermostCap(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, staticTask(t, 512, 512, 64))
	cap64 := int64(p.params.MaxInnermostSplitFactor)
	for _, s := range p.SampleInitPopulation(p.Sketches(), p.params.MinPopulation) {
		for _, st := range s.Steps {
			if st.Kind != schedule.KindSplit {
				continue
			}
			if inner := st.Lengths[len(st.Lengths)-1]; inner > cap64 {
				t.Fatalf("innermost factor %d exceeds cap %d", inner, cap64)
			}
		}
	}
}

// countingModel counts Predict calls; each call corresponds to one
// sampling wave with fresh candidates.
type countingModel struct {
	inner CostModel
	calls atomic.Int64
}

func (m *countingModel) Predict(task *workload.Task, states []schedule.State) []float64 {
	m.calls.Add(1)
	return m.inner.Predict(task, states)
}

func (m *countingModel) PredictForAllInstances(task *workload.Task, states []schedule.State) ([]float64, []float64, []float64) {
	return m.inner.PredictForAllInstances(task, states)
}

func (m *countingModel) Update(inputs []MeasureInput, results []MeasureResult) {
	m.inner.Update(inputs, results)
}

func TestSampleInitPopulationZeroTargetRunsOneWave(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, staticTask(t, 128, 128, 64))
	model := &countingModel{inner: NewRandomModel(1)}
	p.model = model

	p.SampleInitPopulation(p.Sketches(), 0)
	if got := model.calls.Load(); got != 1 {
		t.Fatalf("zero target must run exactly one wave, scored %d", got)
	}
}
