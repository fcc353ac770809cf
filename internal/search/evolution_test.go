package search

import (
	"math/rand"
	"testing"

	"github.com/guesswewho/ftuner/internal/schedule"
	"github.com/guesswewho/ftuner/internal/workload"
)

// unrollPopulation builds states whose fitness under unrollModel is the
// given value.
func unrollPopulation(values []int) []schedule.State {
	w := workload.Matmul(
		workload.Extent{Size: 64}, workload.Extent{Size: 64}, workload.Extent{Size: 64})
	out := make([]schedule.State, len(values))
	for i, v := range values {
		out[i] = schedule.Init(w).Append(schedule.NewUnroll(0, v))
	}
	return out
}

func TestEvolutionarySearchZeroItersKeepsTopScores(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, staticTask(t, 128, 128, 64))
	p.model = unrollModel{}
	p.params.NumIters = 0

	population := unrollPopulation([]int{3, 9, 1, 7, 5, 8, 2})
	got := p.EvolutionarySearch(population, 5)

	if len(got) != 5 {
		t.Fatalf("retained: got %d states, want 5", len(got))
	}
	want := []float64{9, 8, 7, 5, 3}
	for i, s := range got {
		if stateUnroll(s) != want[i] {
			t.Fatalf("rank %d: got score %v, want %v", i, stateUnroll(s), want[i])
		}
	}
}

func TestEvolutionarySearchExcludesMeasured(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, staticTask(t, 128, 128, 64))
	p.model = unrollModel{}
	p.params.NumIters = 0

	population := unrollPopulation([]int{1, 2, 3})
	p.measuredKeys[population[2].CanonKey()] = true

	got := p.EvolutionarySearch(population, 3)
	for _, s := range got {
		if s.Equal(population[2]) {
			t.Fatal("measured state returned by evolutionary search")
		}
	}
}

func TestMutateTileSizePreservesProduct(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, staticTask(t, 128, 128, 64))
	w := p.task.Workload
	base := schedule.Init(w).Append(
		schedule.NewSplit(0, 0, workload.Extent{Size: 128}, []int64{2, 8, 4}))

	rng := rand.New(rand.NewSource(7))
	mutated := 0
	for i := 0; i < 50; i++ {
		next, ok := mutateTileSize{}.Apply(p, rng, base)
		if !ok {
			continue
		}
		mutated++
		step := next.Steps[0]
		if got := step.SplitLengthsProduct(); got != 64 {
			t.Fatalf("mutation changed the factor product: %v -> %d", step.Lengths, got)
		}
		if inner := step.Lengths[len(step.Lengths)-1]; inner > int64(p.params.MaxInnermostSplitFactor) {
			t.Fatalf("mutation exceeded the innermost cap: %v", step.Lengths)
		}
	}
	if mutated == 0 {
		t.Fatal("tile-size mutation never applied")
	}
}

func TestMutateInnermostTouchesOnlyLastFactor(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, dynTask(t, [][]int64{{5}, {64}}, []float64{1, 1}))
	w := p.task.Workload
	base := schedule.Init(w).Append(
		schedule.NewSplit(0, 0, workload.Extent{Var: "T"}, []int64{1, 4, 8}))

	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 50; i++ {
		next, ok := mutateInnermostTileSize{}.Apply(p, rng, base)
		if !ok {
			continue
		}
		step := next.Steps[0]
		if step.Lengths[0] != 1 || step.Lengths[1] != 4 {
			t.Fatalf("outer factors perturbed: %v", step.Lengths)
		}
		if step.Lengths[2] == 8 {
			t.Fatalf("innermost factor unchanged after mutation: %v", step.Lengths)
		}
	}
}

func TestSelectionProbs(t *testing.T) {
	t.Parallel()

	probs := selectionProbs([]float64{-2, 0, 4})
	if len(probs) != 3 {
		t.Fatalf("len: got %d", len(probs))
	}
	for i := 1; i < len(probs); i++ {
		if probs[i] <= probs[i-1] {
			t.Fatalf("cumulative probs not increasing: %v", probs)
		}
	}
	if probs[len(probs)-1] != 1 {
		t.Fatalf("distribution must end at 1, got %v", probs[len(probs)-1])
	}
}
