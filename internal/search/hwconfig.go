package search

import (
	"fmt"
	"strings"

	"github.com/guesswewho/ftuner/internal/workload"
)

// HwAlignedConfig is a concrete tile-size assignment across the modeled
// memory levels plus the derived resource metrics the filters consume.
// Level index 0 is shared memory, index 1 the register file.
type HwAlignedConfig struct {
	SpaceTiles  [][]int64
	ReduceTiles [][]int64

	KThreshold            []float64
	ComputeIntensiveRatio []float64

	SingleThreadRegUsage     int64
	SpaceProductionThreshold int64
	SmemUsage                int64
	ThreadsNum               int64
}

// Less is a lexicographic strict weak ordering over the tile factors,
// space tiles first. It backs deduplication and map keying.
func (c *HwAlignedConfig) Less(o *HwAlignedConfig) bool {
	for i := range c.SpaceTiles {
		for j := range c.SpaceTiles[i] {
			if c.SpaceTiles[i][j] != o.SpaceTiles[i][j] {
				return c.SpaceTiles[i][j] < o.SpaceTiles[i][j]
			}
		}
	}
	for i := range c.ReduceTiles {
		for j := range c.ReduceTiles[i] {
			if c.ReduceTiles[i][j] != o.ReduceTiles[i][j] {
				return c.ReduceTiles[i][j] < o.ReduceTiles[i][j]
			}
		}
	}
	return false
}

// Key returns a string form of the tile factors for map keying.
// Configs with equal tiles share a key.
func (c *HwAlignedConfig) Key() string {
	var b strings.Builder
	for _, lv := range c.SpaceTiles {
		fmt.Fprintf(&b, "s%v", lv)
	}
	for _, lv := range c.ReduceTiles {
		fmt.Fprintf(&b, "r%v", lv)
	}
	return b.String()
}

func prod(xs []int64) int64 {
	p := int64(1)
	for _, x := range xs {
		p *= x
	}
	return p
}

func sum(xs []int64) int64 {
	var s int64
	for _, x := range xs {
		s += x
	}
	return s
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func ceilDiv(a, b int64) int64 { return (a + b - 1) / b }

// roundUpTo rounds a up to the next multiple of b.
func roundUpTo(a, b int64) int64 { return ceilDiv(a, b) * b }

// smallPrimes returns the distinct prime factors, in increasing order,
// found across the given extents, capped at 32. They drive the
// register-level tile multipliers.
func smallPrimes(extents []int64) []int64 {
	seen := map[int64]bool{}
	for _, e := range extents {
		for p := int64(2); p <= 32 && p <= e; p++ {
			if e%p == 0 {
				for e%p == 0 {
					e /= p
				}
				seen[p] = true
			}
		}
	}
	var out []int64
	for p := int64(2); p <= 32; p++ {
		if seen[p] {
			out = append(out, p)
		}
	}
	return out
}

// alignedTiles holds, per tiled dimension, the list of legal tile sizes
// at one memory level.
type alignedTiles struct {
	space  [][]int64
	reduce [][]int64
}

// iterExtents gathers per-dimension extents of the reduction stage
// across all workload instances, plus the per-dimension maxima.
type iterExtents struct {
	spaceMax  []int64
	reduceMax []int64
	spaceAll  [][]int64
	reduceAll [][]int64
}

func gatherExtents(task *workload.Task) (*iterExtents, error) {
	st := task.Workload.ReductionStage()
	if st == nil {
		return nil, fmt.Errorf("workload %q has no reduction stage", task.Workload.Name)
	}
	ex := &iterExtents{}
	for _, it := range st.Iters {
		all, err := task.InstanceExtents(it.Extent)
		if err != nil {
			return nil, err
		}
		var maxv int64
		for _, v := range all {
			if v > maxv {
				maxv = v
			}
		}
		if it.Kind == workload.IterSpatial {
			ex.spaceAll = append(ex.spaceAll, all)
			ex.spaceMax = append(ex.spaceMax, maxv)
		} else {
			ex.reduceAll = append(ex.reduceAll, all)
			ex.reduceMax = append(ex.reduceMax, maxv)
		}
	}
	return ex, nil
}

// coalescedSpaceDims returns the indices of spatial dimensions that form
// the innermost index of some input access and therefore must keep tile
// sizes aligned to the memory transaction.
func coalescedSpaceDims(task *workload.Task) map[int]bool {
	st := task.Workload.ReductionStage()
	need := map[int]bool{}
	if st == nil {
		return need
	}
	space, _ := task.Workload.IterNames()
	for _, acc := range st.Accesses {
		last := acc.Indices[len(acc.Indices)-1]
		for j, name := range space {
			if name == last {
				need[j] = true
				break
			}
		}
	}
	return need
}

// alignedTileSizes enumerates legal tile sizes per dimension at one
// memory level, growing outward from the base tile of the level within.
// memLevel counts outward-in: NumLevel (registers) down to 1 (shared).
func (p *SketchPolicy) alignedTileSizes(sbase, rbase []int64, memLevel int, ex *iterExtents) alignedTiles {
	hw := p.task.Hardware
	var tiles alignedTiles

	if memLevel == 2 {
		// Register tiles: small-prime multipliers of the base.
		for i, base := range sbase {
			mults := append([]int64{1}, smallPrimes(ex.spaceAll[i])...)
			var reg []int64
			for _, m := range mults {
				if base*m > ex.spaceMax[i] {
					break
				}
				reg = append(reg, base*m)
			}
			tiles.space = append(tiles.space, reg)
		}
		for range rbase {
			tiles.reduce = append(tiles.reduce, []int64{1})
		}
		return tiles
	}

	// Shared-memory tiles: coalesced dimensions advance in transaction
	// multiples, the rest in plain multiples of the base.
	elem := int64(task4ElemBytes(p.task))
	txn := int64(hw.TransactionSize[0]) / elem
	need := coalescedSpaceDims(p.task)
	for i, base := range sbase {
		step := base
		if need[i] {
			step = base * txn / gcd(base, txn)
		}
		var smem []int64
		for j := int64(1); j <= 32; j++ {
			if step*j >= ex.spaceMax[i] {
				break
			}
			smem = append(smem, step*j)
		}
		tiles.space = append(tiles.space, smem)
	}
	for i, base := range rbase {
		rbaseDim := base * txn / gcd(base, txn)
		rlenCap := int64(32)
		for _, e := range ex.reduceAll[i] {
			if e < rlenCap {
				rlenCap = e
			}
		}
		var smem []int64
		for rbaseDim <= rlenCap {
			smem = append(smem, rbaseDim)
			rbaseDim += txn
		}
		if len(smem) == 0 || smem[len(smem)-1] != rlenCap {
			smem = append(smem, rlenCap)
		}
		tiles.reduce = append(tiles.reduce, smem)
	}
	return tiles
}

func task4ElemBytes(task *workload.Task) int {
	if st := task.Workload.ReductionStage(); st != nil {
		return st.ElemBytes()
	}
	return 4
}

// memFootprint projects the per-thread register count (memLevel 2) or
// shared-memory bytes (memLevel 1) of a tiling. Each distinct producer
// contributes the product of its accessed dimensions' tiles.
func memFootprint(task *workload.Task, spaceTiles, reduceTiles []int64, memLevel int) int64 {
	st := task.Workload.ReductionStage()
	space, reduce := task.Workload.IterNames()
	visited := map[string]bool{}
	var use int64
	for _, acc := range st.Accesses {
		if visited[acc.Producer] {
			continue
		}
		visited[acc.Producer] = true
		varUse := int64(1)
		for _, idx := range acc.Indices {
			for j, name := range space {
				if name == idx {
					varUse *= spaceTiles[j]
					break
				}
			}
			for j, name := range reduce {
				if name == idx {
					varUse *= reduceTiles[j]
					break
				}
			}
		}
		use += varUse
	}
	if memLevel == 2 {
		// A thread's accumulator footprint dominates its register use.
		return prod(spaceTiles)
	}
	return use * int64(st.ElemBytes())
}

// computeIntensiveThreshold is the reduction-length threshold beyond
// which a tiling becomes compute bound at the given memory level.
func (p *SketchPolicy) computeIntensiveThreshold(spaceTiles []int64, memLevel int) float64 {
	hw := p.task.Hardware
	elem := float64(task4ElemBytes(p.task))
	product := float64(prod(spaceTiles))
	s := float64(sum(spaceTiles))
	k := product * elem /
		(2*product*hw.Bandwidth[memLevel-1]/hw.PeakFlops - s*elem)
	if k < 0 {
		k = 9999 - 1.0/k
	}
	return k
}

// computeIntensiveRatio relates a tiling's arithmetic throughput demand
// to its bandwidth demand at the given memory level.
func (p *SketchPolicy) computeIntensiveRatio(spaceTiles, reduceTiles []int64, memLevel int, memUse int64) float64 {
	hw := p.task.Hardware
	elem := float64(task4ElemBytes(p.task))
	product := float64(prod(spaceTiles) * prod(reduceTiles))
	if memLevel == 2 {
		memUse = 1 + sum(spaceTiles)
	}
	return (product * 2 / hw.PeakFlops) /
		(float64(memUse) * elem / hw.Bandwidth[memLevel-1])
}

// parallelism is the thread count implied by an outer tile over an
// inner tile; outer tiles are constructed as multiples of the inner.
func parallelism(outer, inner []int64) int64 {
	t := int64(1)
	for i := range outer {
		t *= outer[i] / inner[i]
	}
	return t
}

// configFilter checks one tile candidate against the hardware capacity
// of its memory level and, if it fits, synthesizes the next-level config
// carrying the inner level's derived values forward. It returns nil on
// rejection.
func (p *SketchPolicy) configFilter(base *HwAlignedConfig, spaceTiles, reduceTiles []int64, memLevel int) *HwAlignedConfig {
	hw := p.task.Hardware
	n := hw.NumLevel

	if memLevel == 2 {
		regUse := memFootprint(p.task, spaceTiles, reduceTiles, memLevel)
		if regUse > int64(hw.RegCap[1]) {
			return nil
		}
		cfg := &HwAlignedConfig{
			SpaceTiles:            make([][]int64, n),
			ReduceTiles:           make([][]int64, n),
			KThreshold:            make([]float64, n),
			ComputeIntensiveRatio: make([]float64, n),
		}
		cfg.SpaceTiles[memLevel-1] = spaceTiles
		cfg.ReduceTiles[memLevel-1] = reduceTiles
		cfg.KThreshold[memLevel-1] = p.computeIntensiveThreshold(spaceTiles, memLevel)
		cfg.ComputeIntensiveRatio[memLevel-1] = p.computeIntensiveRatio(spaceTiles, reduceTiles, memLevel, regUse)
		cfg.SingleThreadRegUsage = regUse
		return cfg
	}

	// memLevel == 1: shared memory.
	smemUse := memFootprint(p.task, spaceTiles, reduceTiles, memLevel)
	if smemUse > int64(hw.SmemCap[0]) {
		return nil
	}
	threads := parallelism(spaceTiles, base.SpaceTiles[memLevel])
	if threads*base.SingleThreadRegUsage > int64(hw.RegCap[0]) {
		return nil
	}
	if threads >= 1024 {
		return nil
	}
	cfg := &HwAlignedConfig{
		SpaceTiles:            make([][]int64, n),
		ReduceTiles:           make([][]int64, n),
		KThreshold:            make([]float64, n),
		ComputeIntensiveRatio: make([]float64, n),
	}
	cfg.SpaceTiles[memLevel] = base.SpaceTiles[memLevel]
	cfg.ReduceTiles[memLevel] = base.ReduceTiles[memLevel]
	cfg.KThreshold[memLevel] = base.KThreshold[memLevel]
	cfg.ComputeIntensiveRatio[memLevel] = base.ComputeIntensiveRatio[memLevel]
	cfg.SpaceTiles[memLevel-1] = spaceTiles
	cfg.ReduceTiles[memLevel-1] = reduceTiles
	cfg.KThreshold[memLevel-1] = p.computeIntensiveThreshold(spaceTiles, memLevel)
	cfg.ComputeIntensiveRatio[memLevel-1] =
		p.computeIntensiveRatio(spaceTiles, reduceTiles, memLevel, smemUse/int64(task4ElemBytes(p.task)))
	cfg.SingleThreadRegUsage = base.SingleThreadRegUsage
	cfg.SmemUsage = smemUse
	cfg.ThreadsNum = threads
	cfg.SpaceProductionThreshold = int64(hw.ComputeSMPartition.BlocksPerUnit()) * 2 * prod(spaceTiles)
	return cfg
}

// odometer walks the cartesian product of per-dimension tile candidates.
// Space dimensions advance innermost-first; carries propagate into the
// reduce dimensions, and the walk ends when the outermost reduce
// dimension overflows. pruneTail skips the rest of the innermost space
// dimension after a rejection, the capacity filters being monotone in
// the innermost tile.
type odometer struct {
	tiles     alignedTiles
	spaceIdx  []int
	reduceIdx []int
	exhausted bool
}

func newOdometer(tiles alignedTiles) *odometer {
	o := &odometer{
		tiles:     tiles,
		spaceIdx:  make([]int, len(tiles.space)),
		reduceIdx: make([]int, len(tiles.reduce)),
	}
	for _, dim := range tiles.space {
		if len(dim) == 0 {
			o.exhausted = true
		}
	}
	for _, dim := range tiles.reduce {
		if len(dim) == 0 {
			o.exhausted = true
		}
	}
	return o
}

func (o *odometer) hasNext() bool { return !o.exhausted }

// current reads the tile candidate under the odometer.
func (o *odometer) current() (space, reduce []int64) {
	space = make([]int64, len(o.spaceIdx))
	for i, idx := range o.spaceIdx {
		space[i] = o.tiles.space[i][idx]
	}
	reduce = make([]int64, len(o.reduceIdx))
	for i, idx := range o.reduceIdx {
		reduce[i] = o.tiles.reduce[i][idx]
	}
	return space, reduce
}

// advance moves the innermost space dimension one step, or to its end
// when pruneTail is set, then propagates carries.
func (o *odometer) advance(pruneTail bool) {
	last := len(o.spaceIdx) - 1
	if last < 0 {
		o.exhausted = true
		return
	}
	if pruneTail {
		o.spaceIdx[last] = len(o.tiles.space[last])
	} else {
		o.spaceIdx[last]++
	}
	for i := last; i >= 0; i-- {
		if o.spaceIdx[i] < len(o.tiles.space[i]) {
			return
		}
		o.spaceIdx[i] = 0
		if i > 0 {
			o.spaceIdx[i-1]++
			continue
		}
		// Space wheel wrapped: carry into the reduce wheel.
		rlast := len(o.reduceIdx) - 1
		if rlast < 0 {
			o.exhausted = true
			return
		}
		o.reduceIdx[rlast]++
		for j := rlast; j >= 0; j-- {
			if o.reduceIdx[j] < len(o.tiles.reduce[j]) {
				return
			}
			if j == 0 {
				o.exhausted = true
				return
			}
			o.reduceIdx[j] = 0
			o.reduceIdx[j-1]++
		}
	}
}

// EmitConfig enumerates hardware-aligned tile configs for the task's
// reduction stage, outward from the register level. Level transitions
// swap the accepted list into the next level's seed set.
func (p *SketchPolicy) EmitConfig(spaceDims, reduceDims int) ([]*HwAlignedConfig, error) {
	ex, err := gatherExtents(p.task)
	if err != nil {
		return nil, err
	}

	memLevel := p.task.Hardware.NumLevel
	var now []*HwAlignedConfig
	for memLevel > 0 {
		var next []*HwAlignedConfig
		if len(now) == 0 {
			sbase := onesTile(spaceDims)
			rbase := onesTile(reduceDims)
			tiles := p.alignedTileSizes(sbase, rbase, memLevel, ex)
			p.walkConfigs(&next, nil, tiles, memLevel)
		} else {
			for _, base := range now {
				tiles := p.alignedTileSizes(base.SpaceTiles[memLevel], base.ReduceTiles[memLevel], memLevel, ex)
				p.walkConfigs(&next, base, tiles, memLevel)
			}
		}
		p.log.Debug("tile level enumerated", "mem_level", memLevel, "configs", len(next))
		now = next
		memLevel--
	}
	return now, nil
}

func (p *SketchPolicy) walkConfigs(out *[]*HwAlignedConfig, base *HwAlignedConfig, tiles alignedTiles, memLevel int) {
	o := newOdometer(tiles)
	for o.hasNext() {
		space, reduce := o.current()
		cfg := p.configFilter(base, space, reduce, memLevel)
		if cfg != nil {
			*out = append(*out, cfg)
		}
		o.advance(cfg == nil)
	}
}

func onesTile(n int) []int64 {
	t := make([]int64, n)
	for i := range t {
		t[i] = 1
	}
	return t
}
