package search

import (
	"math/rand"

	"github.com/guesswewho/ftuner/internal/schedule"
)

// initRule annotates a sketch into a complete candidate. Rules run in
// registry order; returning false discards the candidate.
type initRule interface {
	Name() string
	Apply(p *SketchPolicy, rng *rand.Rand, s schedule.State) (schedule.State, bool)
}

// unrollCandidates are the auto-unroll max-step pragma values sampling
// chooses from.
var unrollCandidates = []int{0, 16, 64, 512, 1024}

func divisors(n int64) []int64 {
	var small, large []int64
	for d := int64(1); d*d <= n; d++ {
		if n%d == 0 {
			small = append(small, d)
			if d != n/d {
				large = append(large, n/d)
			}
		}
	}
	for i := len(large) - 1; i >= 0; i-- {
		small = append(small, large[i])
	}
	return small
}

// randomFactorization samples n tile factors of extent, innermost last
// and capped at maxInnermost. The product of the factors divides the
// extent, so the implicit outer loop carries the rest.
func randomFactorization(rng *rand.Rand, extent int64, n int, maxInnermost int64) []int64 {
	lengths := make([]int64, n)
	rest := extent
	for i := 0; i < n; i++ {
		divs := divisors(rest)
		if i == n-1 {
			k := 0
			for _, d := range divs {
				if d <= maxInnermost {
					divs[k] = d
					k++
				}
			}
			divs = divs[:k]
		}
		d := int64(1)
		if len(divs) > 0 {
			d = divs[rng.Intn(len(divs))]
		}
		lengths[i] = d
		rest /= d
	}
	return lengths
}

// initFillTileSize assigns a random factorization to every unspecified
// split. Dynamic extents factor by their largest instance value.
type initFillTileSize struct{}

func (initFillTileSize) Name() string { return "fill_tile_size" }

func (initFillTileSize) Apply(p *SketchPolicy, rng *rand.Rand, s schedule.State) (schedule.State, bool) {
	maxInner := int64(p.params.MaxInnermostSplitFactor)
	for _, stepID := range s.SplitSteps() {
		step := s.Steps[stepID]
		if step.FullySpecified() {
			continue
		}
		extent, err := p.task.MaxExtent(step.Extent)
		if err != nil || extent <= 0 {
			return s, false
		}
		step.Lengths = randomFactorization(rng, extent, len(step.Lengths), maxInner)
		s = s.ReplaceStep(stepID, step)
	}
	return s, true
}

// stateThreadsNum derives the thread-block size from the filled tiling:
// the product of the thread factor of every 3-factor split.
func stateThreadsNum(s schedule.State) int64 {
	threads := int64(1)
	for _, st := range s.Steps {
		if st.Kind == schedule.KindSplit && len(st.Lengths) == 3 && st.Lengths[1] > 0 {
			threads *= st.Lengths[1]
		}
	}
	return threads
}

// reductionStageID finds the un-scoped stage of the reduction in a
// state's stage list.
func reductionStageID(p *SketchPolicy, s schedule.State) int {
	for i, meta := range s.Stages {
		if meta.Scope != "" {
			continue
		}
		if p.task.Workload.Stages[meta.Origin].HasReduce() {
			return i
		}
	}
	return -1
}

// initThreadBind binds the tiled loop nest onto the GPU grid. A tiling
// whose implied block exceeds the device thread limit is discarded.
type initThreadBind struct{}

func (initThreadBind) Name() string { return "thread_bind" }

func (initThreadBind) Apply(p *SketchPolicy, rng *rand.Rand, s schedule.State) (schedule.State, bool) {
	if stageHasStep(s, reductionStageID(p, s), schedule.KindBind) {
		return s, true
	}
	if stateThreadsNum(s) >= 1024 {
		return s, false
	}
	stageID := reductionStageID(p, s)
	if stageID < 0 {
		return s, false
	}
	s = s.Append(schedule.NewBind(stageID, 0, schedule.AxisBlockX))
	s = s.Append(schedule.NewBind(stageID, 0, schedule.AxisVThread))
	s = s.Append(schedule.NewBind(stageID, 0, schedule.AxisThreadX))
	return s, true
}

// initUnroll attaches a random auto-unroll pragma to the reduction stage.
type initUnroll struct{}

func (initUnroll) Name() string { return "unroll" }

func (initUnroll) Apply(p *SketchPolicy, rng *rand.Rand, s schedule.State) (schedule.State, bool) {
	stageID := reductionStageID(p, s)
	if stageID < 0 {
		return s, false
	}
	return s.Append(schedule.NewUnroll(stageID, unrollCandidates[rng.Intn(len(unrollCandidates))])), true
}

// fillTilesFromConfig pins a sketch's splits to one hardware-aligned
// config: space splits get [vthread, thread, register] factors derived
// from the shared-memory and register tiles, reduce splits the
// shared-memory reduction length.
func fillTilesFromConfig(s schedule.State, cfg *HwAlignedConfig) schedule.State {
	si, ri := 0, 0
	for _, stepID := range s.SplitSteps() {
		step := s.Steps[stepID]
		switch len(step.Lengths) {
		case 3:
			smem := cfg.SpaceTiles[0][si]
			reg := cfg.SpaceTiles[1][si]
			step.Lengths = []int64{1, smem / reg, reg}
			si++
		case 2:
			step.Lengths = []int64{cfg.ReduceTiles[0][ri], 1}
			ri++
		default:
			continue
		}
		s = s.ReplaceStep(stepID, step)
	}
	return s
}

// pickTiledSketch selects the sketch carrying exactly the multi-level
// tiling skeleton: one 3-factor split per spatial dimension and one
// 2-factor split per reduction dimension.
func pickTiledSketch(sketches []schedule.State, spaceDims, reduceDims int) (schedule.State, bool) {
	for _, s := range sketches {
		s3, s2 := 0, 0
		for _, st := range s.Steps {
			if st.Kind != schedule.KindSplit {
				continue
			}
			switch len(st.Lengths) {
			case 3:
				s3++
			case 2:
				s2++
			}
		}
		if s3 == spaceDims && s2 == reduceDims {
			return s, true
		}
	}
	return schedule.State{}, false
}

// SampleInitPopulation draws random complete candidates from the
// sketches until minPopulation distinct valid states exist. Stalled
// rounds halve the target so a hostile search space cannot hang the
// loop; the loop body always runs at least once so a zero target still
// yields whatever one round produces.
func (p *SketchPolicy) SampleInitPopulation(sketches []schedule.State, minPopulation int) []schedule.State {
	if len(sketches) == 0 {
		return nil
	}
	target := minPopulation
	var population []schedule.State
	seen := make(map[string]bool)
	failCt := 0
	unchangeCnt := 0
	iter := 0

	for {
		batch := len(sketches) * sampleInitBatchFactor
		if batch < p.params.Population {
			batch = p.params.Population
		}
		cands := make([]schedule.State, batch)
		seeds := make([]int64, batch)
		for i := range seeds {
			seeds[i] = p.rng.Int63()
		}
		parallelFor(batch, func(i int) {
			rng := rand.New(rand.NewSource(seeds[i]))
			state := sketches[rng.Intn(len(sketches))]
			ok := true
			for _, rule := range p.initRules {
				state, ok = rule.Apply(p, rng, state)
				if !ok {
					break
				}
			}
			if ok {
				cands[i] = state
			}
		})

		var fresh []schedule.State
		for _, c := range cands {
			if !c.Defined() {
				failCt++
				continue
			}
			key := c.CanonKey()
			if seen[key] {
				continue
			}
			seen[key] = true
			fresh = append(fresh, c)
		}

		// Invalid candidates score below the reject floor; drop them.
		if len(fresh) > 0 {
			scores := p.model.Predict(p.task, fresh)
			kept := len(population)
			for i, c := range fresh {
				if scores[i] > rejectFloor {
					population = append(population, c)
				}
			}
			if len(population) == kept {
				unchangeCnt++
			} else {
				unchangeCnt = 0
			}
		} else {
			unchangeCnt++
		}

		if unchangeCnt == 5 {
			if target <= 1 {
				p.log.Warn("init population stalled at minimum target, giving up",
					"valid", len(population))
				break
			}
			target /= 2
			unchangeCnt = 0
			p.log.Warn("init population stalled, lowering target", "target", target)
		}

		iter++
		if iter%5 == 0 {
			p.log.Info("sampling init population",
				"valid", len(population), "failed", failCt, "target", target)
		}
		if len(population) >= target {
			break
		}
	}

	p.log.Info("init population sampled", "valid", len(population), "failed", failCt)
	return population
}

// sampleInitBatchFactor scales the per-round sample count with the
// sketch count.
const sampleInitBatchFactor = 16
