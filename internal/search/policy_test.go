package search

import (
	"testing"

	"github.com/guesswewho/ftuner/internal/logger"
)

func TestNewSketchPolicyRejectsCPUTargets(t *testing.T) {
	t.Parallel()

	task := staticTask(t, 64, 64, 64)
	task.Target = "llvm"
	log := logger.Discard()
	_, err := NewSketchPolicy(task, NewRandomModel(1), testParams(),
		NewMeasurer(&SimBuilder{}, &SimRunner{}, log), log, 1)
	if err == nil {
		t.Fatal("expected an error for a non-cuda target")
	}
}

func TestSearchStaticEndToEnd(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, staticTask(t, 64, 64, 64))
	res, err := p.Search(16, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !res.Best.Defined() {
		t.Fatal("static search returned an undefined best state")
	}
	if res.BestCost <= 0 {
		t.Fatalf("best cost: got %v, want > 0", res.BestCost)
	}
	if res.NumMeasured == 0 || res.NumMeasured > 16 {
		t.Fatalf("measured %d trials with a budget of 16", res.NumMeasured)
	}
	if res.Dispatch != nil {
		t.Fatal("static search must not produce a dispatch table")
	}
}

func TestSearchDynamicDispatchesEveryInstance(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, dynTask(t, [][]int64{{5}, {10}, {20}}, []float64{1, 1, 1}))
	res, err := p.Search(16, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Dispatch) != 3 {
		t.Fatalf("dispatch entries: got %d, want one per instance", len(res.Dispatch))
	}
	for i, e := range res.Dispatch {
		if got, want := e.Instance[0], p.task.Instances[i][0]; got != want {
			t.Fatalf("entry %d instance: got %d, want %d", i, got, want)
		}
		if !p.measuredKeys[e.State.CanonKey()] {
			t.Fatalf("entry %d dispatched a state that was never measured", i)
		}
		if e.AdaptedScore <= 0 {
			t.Fatalf("entry %d has no positive adapted score", i)
		}
	}
	if res.FlopWeightedLatency <= 0 {
		t.Fatalf("flop-weighted latency: got %v, want > 0", res.FlopWeightedLatency)
	}
}

func TestSearchZeroBudgetReturnsUnmeasuredPick(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, staticTask(t, 64, 64, 64))
	res, err := p.Search(0, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !res.Best.Defined() {
		t.Fatal("zero-budget search returned an undefined state")
	}
	if res.NumMeasured != 0 || res.BestCost != 0 {
		t.Fatalf("zero-budget search measured: %d trials, cost %v", res.NumMeasured, res.BestCost)
	}
}

func TestPickStatesWithEpsGreedySkipsMeasured(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, staticTask(t, 64, 64, 64))
	states := numberedStates(6)
	p.measuredKeys[states[0].CanonKey()] = true

	inputs := p.PickStatesWithEpsGreedy(states, nil, 100)
	if len(inputs) != 5 {
		t.Fatalf("inputs: got %d, want the 5 unmeasured states", len(inputs))
	}
	seen := map[string]bool{}
	for _, in := range inputs {
		key := in.State.CanonKey()
		if key == states[0].CanonKey() {
			t.Fatal("picked an already-measured state")
		}
		if seen[key] {
			t.Fatal("picked the same state twice")
		}
		seen[key] = true
	}
}

func TestPickStatesWithEpsGreedyHonorsBudget(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, staticTask(t, 64, 64, 64))
	inputs := p.PickStatesWithEpsGreedy(numberedStates(6), nil, 2)
	if len(inputs) != 2 {
		t.Fatalf("inputs: got %d, want the remaining budget of 2", len(inputs))
	}
}

func TestContinueSearchOneRoundReportsProgress(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, staticTask(t, 64, 64, 64))
	measured, objective, err := p.ContinueSearchOneRound(100)
	if err != nil {
		t.Fatalf("ContinueSearchOneRound: %v", err)
	}
	if measured == 0 {
		t.Fatal("first round measured nothing")
	}
	if objective <= 0 {
		t.Fatalf("objective: got %v, want the best measured cost", objective)
	}
	if p.nTrials != measured {
		t.Fatalf("trial counter %d does not match measured %d", p.nTrials, measured)
	}
}

func TestEfficientSearchStatic(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, staticTask(t, 128, 128, 64))
	res, err := p.EfficientSearch()
	if err != nil {
		t.Fatalf("EfficientSearch: %v", err)
	}
	if !res.Best.Defined() {
		t.Fatal("efficient search returned an undefined best state")
	}
	if res.BestCost <= 0 {
		t.Fatalf("best cost: got %v, want > 0", res.BestCost)
	}
	if res.NumMeasured == 0 {
		t.Fatal("efficient search measured nothing")
	}
}

func TestEfficientSearchDynamicDispatchesEveryInstance(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, dynTask(t, [][]int64{{5}, {10}, {20}}, []float64{1, 2, 1}))
	res, err := p.EfficientSearch()
	if err != nil {
		t.Fatalf("EfficientSearch: %v", err)
	}
	if len(res.Dispatch) != 3 {
		t.Fatalf("dispatch entries: got %d, want one per instance", len(res.Dispatch))
	}
	for i, e := range res.Dispatch {
		if e.AdaptedScore <= 0 {
			t.Fatalf("entry %d has no positive adapted score", i)
		}
	}
	if res.FlopWeightedLatency <= 0 {
		t.Fatalf("flop-weighted latency: got %v, want > 0", res.FlopWeightedLatency)
	}
}

func TestMeasuringInstancePicksHeaviest(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, dynTask(t, [][]int64{{5}, {10}, {20}}, []float64{1, 5, 2}))
	if inst := p.measuringInstance(); inst[0] != 10 {
		t.Fatalf("measuring instance: got %v, want the weight-5 one", inst)
	}

	p = newTestPolicy(t, staticTask(t, 64, 64, 64))
	if inst := p.measuringInstance(); inst != nil {
		t.Fatalf("static task measuring instance: got %v, want nil", inst)
	}
}
