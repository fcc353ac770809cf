package search

import (
	"testing"

	"github.com/guesswewho/ftuner/internal/hardware"
	"github.com/guesswewho/ftuner/internal/logger"
	"github.com/guesswewho/ftuner/internal/schedule"
	"github.com/guesswewho/ftuner/internal/workload"
)

// testParams keeps the search loops small enough for unit tests.
func testParams() Params {
	p := DefaultParams()
	p.Population = 64
	p.MinPopulation = 16
	p.MeasuresPerRound = 8
	p.NumIters = 1
	return p
}

func staticTask(t *testing.T, m, n, k int64) *workload.Task {
	t.Helper()
	w := workload.Matmul(
		workload.Extent{Size: m}, workload.Extent{Size: n}, workload.Extent{Size: k})
	task, err := workload.NewTask(w, "cuda", hardware.RTX3090(), nil, nil, nil)
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	return task
}

func dynTask(t *testing.T, instances [][]int64, weights []float64) *workload.Task {
	t.Helper()
	w := workload.Matmul(
		workload.Extent{Var: "T"}, workload.Extent{Size: 64}, workload.Extent{Size: 64})
	task, err := workload.NewTask(w, "cuda", hardware.RTX3090(),
		[]string{"T"}, instances, weights)
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	return task
}

func newTestPolicy(t *testing.T, task *workload.Task) *SketchPolicy {
	t.Helper()
	log := logger.Discard()
	measurer := NewMeasurer(&SimBuilder{}, &SimRunner{}, log)
	policy, err := NewSketchPolicy(task, NewRandomModel(1), testParams(), measurer, log, 1)
	if err != nil {
		t.Fatalf("NewSketchPolicy: %v", err)
	}
	return policy
}

// unrollModel scores a state by the max-step of its unroll pragma, which
// gives tests a deterministic, controllable ranking.
type unrollModel struct{}

func stateUnroll(s schedule.State) float64 {
	for _, st := range s.Steps {
		if st.Kind == schedule.KindUnroll {
			return float64(st.MaxStep)
		}
	}
	return 0
}

func (unrollModel) Predict(task *workload.Task, states []schedule.State) []float64 {
	out := make([]float64, len(states))
	for i, s := range states {
		out[i] = stateUnroll(s)
	}
	return out
}

func (m unrollModel) PredictForAllInstances(task *workload.Task, states []schedule.State) (occ, pad, scores []float64) {
	n := len(task.Instances) * len(states)
	occ = make([]float64, n)
	pad = make([]float64, n)
	scores = make([]float64, n)
	base := m.Predict(task, states)
	for i := range task.Instances {
		for j := range states {
			occ[i*len(states)+j] = 1
			pad[i*len(states)+j] = 1
			scores[i*len(states)+j] = base[j]
		}
	}
	return occ, pad, scores
}

func (unrollModel) Update(inputs []MeasureInput, results []MeasureResult) {}
