package search

import (
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/guesswewho/ftuner/internal/schedule"
)

// mutationRule perturbs one candidate during evolutionary search. Rules
// are drawn with probability proportional to Weight.
type mutationRule interface {
	Name() string
	Weight() float64
	Apply(p *SketchPolicy, rng *rand.Rand, s schedule.State) (schedule.State, bool)
}

// mutateTileSize moves a factor between two slots of a random split, so
// the tiling product stays fixed while the shape changes.
type mutateTileSize struct{}

func (mutateTileSize) Name() string    { return "tile_size" }
func (mutateTileSize) Weight() float64 { return 0.90 }

func (mutateTileSize) Apply(p *SketchPolicy, rng *rand.Rand, s schedule.State) (schedule.State, bool) {
	var candidates []int
	for _, stepID := range s.SplitSteps() {
		st := s.Steps[stepID]
		if st.FullySpecified() && len(st.Lengths) >= 2 {
			candidates = append(candidates, stepID)
		}
	}
	if len(candidates) == 0 {
		return s, false
	}
	stepID := candidates[rng.Intn(len(candidates))]
	step := s.Steps[stepID]
	lengths := make([]int64, len(step.Lengths))
	copy(lengths, step.Lengths)

	src := rng.Intn(len(lengths))
	dst := rng.Intn(len(lengths))
	if src == dst || lengths[src] == 1 {
		return s, false
	}
	divs := divisors(lengths[src])
	f := divs[1+rng.Intn(len(divs)-1)] // skip the trivial divisor 1
	lengths[src] /= f
	lengths[dst] *= f
	if dst == len(lengths)-1 && lengths[dst] > int64(p.params.MaxInnermostSplitFactor) {
		return s, false
	}
	step.Lengths = lengths
	return s.ReplaceStep(stepID, step), true
}

// mutateAutoUnroll rerolls the auto-unroll pragma value.
type mutateAutoUnroll struct{}

func (mutateAutoUnroll) Name() string    { return "auto_unroll" }
func (mutateAutoUnroll) Weight() float64 { return 0.10 }

func (mutateAutoUnroll) Apply(p *SketchPolicy, rng *rand.Rand, s schedule.State) (schedule.State, bool) {
	for i := range s.Steps {
		if s.Steps[i].Kind != schedule.KindUnroll {
			continue
		}
		step := s.Steps[i]
		next := unrollCandidates[rng.Intn(len(unrollCandidates))]
		if next == step.MaxStep {
			return s, false
		}
		step.MaxStep = next
		return s.ReplaceStep(i, step), true
	}
	return s, false
}

// mutateInnermostTileSize scales the register tile of one spatial split
// by a small factor. It is the only mutation for dynamic-shape tasks:
// outer tiles stay pinned to the hardware-aligned config while the
// innermost factor explores padding trade-offs.
type mutateInnermostTileSize struct{}

func (mutateInnermostTileSize) Name() string    { return "innermost_tile_size" }
func (mutateInnermostTileSize) Weight() float64 { return 1.0 }

func (mutateInnermostTileSize) Apply(p *SketchPolicy, rng *rand.Rand, s schedule.State) (schedule.State, bool) {
	var candidates []int
	for _, stepID := range s.SplitSteps() {
		st := s.Steps[stepID]
		if len(st.Lengths) == 3 && st.FullySpecified() {
			candidates = append(candidates, stepID)
		}
	}
	if len(candidates) == 0 {
		return s, false
	}
	stepID := candidates[rng.Intn(len(candidates))]
	step := s.Steps[stepID]
	lengths := make([]int64, len(step.Lengths))
	copy(lengths, step.Lengths)

	last := len(lengths) - 1
	factor := int64(2 + rng.Intn(2)) // 2 or 3
	if rng.Intn(2) == 0 && lengths[last]%factor == 0 {
		lengths[last] /= factor
	} else if lengths[last]*factor <= int64(p.params.MaxInnermostSplitFactor) {
		lengths[last] *= factor
	} else {
		return s, false
	}
	step.Lengths = lengths
	return s.ReplaceStep(stepID, step), true
}

// selectionProbs turns fitness scores into a cumulative distribution
// for parent selection. Scores are shifted non-negative first so a
// generation of uniformly bad candidates still selects uniformly.
func selectionProbs(scores []float64) []float64 {
	shifted := make([]float64, len(scores))
	minScore := floats.Min(scores)
	for i, s := range scores {
		shifted[i] = s - minScore + 1e-4
	}
	floats.CumSum(shifted, shifted)
	total := shifted[len(shifted)-1]
	floats.Scale(1/total, shifted)
	// Pin the tail so a rounding shortfall cannot strand a draw past it.
	shifted[len(shifted)-1] = 1
	return shifted
}

// pickByWeight draws a mutation rule with probability proportional to
// its weight.
func pickByWeight(rules []mutationRule, rng *rand.Rand) mutationRule {
	total := 0.0
	for _, r := range rules {
		total += r.Weight()
	}
	x := rng.Float64() * total
	for _, r := range rules {
		x -= r.Weight()
		if x <= 0 {
			return r
		}
	}
	return rules[len(rules)-1]
}

// generationScores scores one generation under the cost model. For
// dynamic tasks each state takes its best adapted score over all
// instances, sharpened as the trial budget is spent so late search
// exploits harder.
func (p *SketchPolicy) generationScores(states []schedule.State) []float64 {
	if !p.task.IsDyn() {
		return p.model.Predict(p.task, states)
	}
	occ, pad, raw := p.model.PredictForAllInstances(p.task, states)
	n := len(states)
	exp := float64(p.nTrials/100 + 1)
	scores := make([]float64, n)
	for j := 0; j < n; j++ {
		best := math.Inf(-1)
		for i := range p.task.Instances {
			s := raw[i*n+j] * occ[i*n+j] * pad[i*n+j]
			if s > best {
				best = s
			}
		}
		if best > 0 {
			best = math.Pow(best, exp)
		}
		scores[j] = best
	}
	return scores
}

// EvolutionarySearch runs the genetic search over an initial population
// and returns up to outSize of the best unmeasured states, descending
// by predicted score.
func (p *SketchPolicy) EvolutionarySearch(population []schedule.State, outSize int) []schedule.State {
	if len(population) == 0 {
		return nil
	}
	numIters := p.params.NumIters
	if _, random := p.model.(*RandomModel); random && numIters > 2 {
		// A random model cannot rank candidates; extra generations only
		// shuffle, so cap the work.
		numIters = 2
	}

	best := newBestHeap(outSize, p.measuredKeys)
	now := population
	next := make([]schedule.State, 0, p.params.Population)

	for iter := 0; ; iter++ {
		scores := p.generationScores(now)
		for i, s := range now {
			if scores[i] > rejectFloor {
				best.Offer(s, scores[i])
			}
		}
		if iter == numIters {
			break
		}

		probs := selectionProbs(scores)
		target := p.params.Population
		next = next[:0]
		next = append(next, make([]schedule.State, target)...)
		seeds := make([]int64, target)
		for i := range seeds {
			seeds[i] = p.rng.Int63()
		}
		parallelFor(target, func(i int) {
			rng := rand.New(rand.NewSource(seeds[i]))
			parent := now[sort.SearchFloat64s(probs, rng.Float64())]
			if rng.Float64() < p.params.MutationProb {
				rule := pickByWeight(p.mutationRules, rng)
				if mutated, ok := rule.Apply(p, rng, parent); ok {
					next[i] = mutated
					return
				}
			}
			next[i] = parent
		})
		now, next = next, now
	}

	states, scores := best.Sorted()
	maxScore := 0.0
	if len(scores) > 0 {
		maxScore = scores[0]
	}
	p.log.Info("evolutionary search done",
		"generations", numIters+1, "retained", len(states), "best_score", maxScore)
	return states
}
