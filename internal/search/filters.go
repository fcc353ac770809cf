package search

import (
	"sort"

	"github.com/guesswewho/ftuner/internal/schedule"
)

// filterPair carries the parallel (configs, states) arrays through the
// filter chain. Filters drop entries but never reorder survivors
// relative to each other, except the compute-intensity rankers.
type filterPair struct {
	configs []*HwAlignedConfig
	states  []schedule.State
}

func (fp filterPair) keep(valid []bool) filterPair {
	var out filterPair
	for i, ok := range valid {
		if ok {
			out.configs = append(out.configs, fp.configs[i])
			out.states = append(out.states, fp.states[i])
		}
	}
	return out
}

// gridSize multiplies the block counts implied by every 3-factor split
// under one workload instance.
func (p *SketchPolicy) gridSize(s schedule.State, inst []int64) (int64, error) {
	grid := int64(1)
	for _, st := range s.Steps {
		if st.Kind != schedule.KindSplit || len(st.Lengths) != 3 {
			continue
		}
		extent, err := p.task.ResolveExtent(st.Extent, inst)
		if err != nil {
			return 0, err
		}
		grid *= ceilDiv(extent, st.SplitLengthsProduct())
	}
	return grid, nil
}

// paddingPenalty multiplies, over every 2- or 3-factor split, the
// fraction of the padded extent that is real work. 1 means no padding.
func (p *SketchPolicy) paddingPenalty(s schedule.State, inst []int64) (float64, error) {
	penalty := 1.0
	for _, st := range s.Steps {
		if st.Kind != schedule.KindSplit {
			continue
		}
		if len(st.Lengths) != 2 && len(st.Lengths) != 3 {
			continue
		}
		extent, err := p.task.ResolveExtent(st.Extent, inst)
		if err != nil {
			return 0, err
		}
		padded := roundUpTo(extent, st.SplitLengthsProduct())
		penalty *= float64(extent) / float64(padded)
	}
	return penalty, nil
}

// threadsNumberFilter keeps configs whose thread count fills whole
// compute partitions: a multiple of warp size times the partition units.
func (p *SketchPolicy) threadsNumberFilter(fp filterPair) filterPair {
	hw := p.task.Hardware
	quantum := int64(hw.WarpSize * hw.ComputeSMPartition.Units())
	valid := make([]bool, len(fp.configs))
	for i, cfg := range fp.configs {
		valid[i] = cfg.ThreadsNum%quantum == 0
	}
	return fp.keep(valid)
}

// occupancyRatioFloor bounds the occupancy relaxation loop; below it the
// filter gives up and passes everything through.
const occupancyRatioFloor = 0.05

// occupancyFilter keeps configs whose grid fills the device well under
// the given instance, iteratively lowering the occupancy bar and
// widening the accepted SM-multiple window until something passes.
func (p *SketchPolicy) occupancyFilter(fp filterPair, inst []int64) (filterPair, error) {
	hw := p.task.Hardware
	grids := make([]int64, len(fp.configs))
	errs := make([]error, len(fp.configs))
	parallelFor(len(fp.configs), func(i int) {
		grids[i], errs[i] = p.gridSize(fp.states[i], inst)
	})
	if err := firstError(errs); err != nil {
		return filterPair{}, err
	}

	var maxGrid int64
	for _, g := range grids {
		if g > maxGrid {
			maxGrid = g
		}
	}
	smUnit := int64(hw.GlbmemSMPartition.BlocksPerUnit())
	maxSMTimes := ceilDiv(maxGrid, smUnit)

	cores := int64(hw.NumCores)
	var out filterPair
	for ratio := 0.95; len(out.configs) == 0 && ratio >= occupancyRatioFloor; ratio -= 0.05 {
		for smTimes := int64(hw.SmemSMPartition.Units()); smTimes <= maxSMTimes; smTimes++ {
			for i, g := range grids {
				coeff := hw.GtRatio
				if g < cores {
					coeff = hw.LtRatio
				}
				score := coeff * float64(g) /
					((coeff-1)*float64(g) + float64(roundUpTo(g, cores)))
				if ceilDiv(g, smUnit) == smTimes && score > ratio {
					out.configs = append(out.configs, fp.configs[i])
					out.states = append(out.states, fp.states[i])
				}
			}
		}
	}
	if len(out.configs) == 0 {
		// Relaxed to the floor with nothing structurally passable; keep
		// the inputs rather than emptying the chain.
		return fp, nil
	}
	return out, nil
}

// registerLaunchBoundsFilter rejects configs whose projected register
// pressure exceeds the SM budget or the per-thread architectural cap.
func (p *SketchPolicy) registerLaunchBoundsFilter(fp filterPair, inst []int64) (filterPair, error) {
	if len(fp.configs) == 0 {
		return fp, nil
	}
	hw := p.task.Hardware
	// Deeper schedules (cache stages inserted) hold more live values.
	schBase := int64(1)
	if len(fp.states[0].Stages) > 7 {
		schBase = 2
	}
	valid := make([]bool, len(fp.configs))
	errs := make([]error, len(fp.configs))
	parallelFor(len(fp.configs), func(i int) {
		grid, err := p.gridSize(fp.states[i], inst)
		if err != nil {
			errs[i] = err
			return
		}
		blocksInSM := min64(int64(hw.SmemSMPartition.Units()),
			ceilDiv(grid, int64(hw.SmemSMPartition.BlocksPerUnit())))
		cfg := fp.configs[i]
		regUse := float64(cfg.SingleThreadRegUsage)
		spill := regUse * float64(cfg.ReduceTiles[0][0]) / 16
		valid[i] = float64(blocksInSM)*float64(cfg.ThreadsNum)*(regUse+spill) < float64(hw.MaxRegPerSM) &&
			regUse*float64(schBase)+spill < 255
	})
	if err := firstError(errs); err != nil {
		return filterPair{}, err
	}
	return fp.keep(valid), nil
}

// sharedMemoryLaunchBoundsFilter rejects configs whose resident blocks
// cannot fit their shared memory in one SM.
func (p *SketchPolicy) sharedMemoryLaunchBoundsFilter(fp filterPair, inst []int64) (filterPair, error) {
	hw := p.task.Hardware
	valid := make([]bool, len(fp.configs))
	errs := make([]error, len(fp.configs))
	parallelFor(len(fp.configs), func(i int) {
		grid, err := p.gridSize(fp.states[i], inst)
		if err != nil {
			errs[i] = err
			return
		}
		blocksInSM := min64(int64(hw.SmemSMPartition.Units()),
			ceilDiv(grid, int64(hw.SmemSMPartition.BlocksPerUnit())))
		valid[i] = blocksInSM*fp.configs[i].SmemUsage < int64(hw.MaxSmemUsagePerSM)
	})
	if err := firstError(errs); err != nil {
		return filterPair{}, err
	}
	return fp.keep(valid), nil
}

// paddingPenaltyFloor bounds the padding relaxation loop.
const paddingPenaltyFloor = 0.05

// paddingFilter keeps configs with little padding waste under the given
// instance, relaxing the threshold until at least one survives.
func (p *SketchPolicy) paddingFilter(fp filterPair, inst []int64) (filterPair, error) {
	penalties := make([]float64, len(fp.configs))
	errs := make([]error, len(fp.configs))
	parallelFor(len(fp.configs), func(i int) {
		penalties[i], errs[i] = p.paddingPenalty(fp.states[i], inst)
	})
	if err := firstError(errs); err != nil {
		return filterPair{}, err
	}
	for threshold := 0.95; threshold >= paddingPenaltyFloor; threshold -= 0.05 {
		valid := make([]bool, len(fp.configs))
		any := false
		for i, pen := range penalties {
			valid[i] = pen > threshold
			any = any || valid[i]
		}
		if any {
			return fp.keep(valid), nil
		}
	}
	return fp, nil
}

// topKByRatio keeps the k configs with the highest compute-intensity
// ratio at the given level, descending.
func topKByRatio(fp filterPair, level, k int) filterPair {
	idx := make([]int, len(fp.configs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return fp.configs[idx[a]].ComputeIntensiveRatio[level] >
			fp.configs[idx[b]].ComputeIntensiveRatio[level]
	})
	if k > len(idx) {
		k = len(idx)
	}
	var out filterPair
	for _, i := range idx[:k] {
		out.configs = append(out.configs, fp.configs[i])
		out.states = append(out.states, fp.states[i])
	}
	return out
}

// sharedMemoryComputeIntensiveFilter keeps the top 20 configs by
// shared-memory-level compute intensity.
func (p *SketchPolicy) sharedMemoryComputeIntensiveFilter(fp filterPair) filterPair {
	return topKByRatio(fp, 0, 20)
}

// regComputeIntensiveFilter keeps the top 10 configs by register-level
// compute intensity.
func (p *SketchPolicy) regComputeIntensiveFilter(fp filterPair) filterPair {
	return topKByRatio(fp, 1, 10)
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
