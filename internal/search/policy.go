package search

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/google/uuid"

	"github.com/guesswewho/ftuner/internal/logger"
	"github.com/guesswewho/ftuner/internal/schedule"
	"github.com/guesswewho/ftuner/internal/workload"
)

// SketchPolicy is the sketch-based search session: sketch generation,
// population sampling, evolutionary refinement and measurement picking
// for one task. A policy is not safe for concurrent use; internal
// batches parallelize on their own.
type SketchPolicy struct {
	task       *workload.Task
	model      CostModel
	params     Params
	measurer   *Measurer
	dispatcher *TopKDispatcher
	log        logger.Logger
	rng        *rand.Rand

	// SessionID tags log lines and API status for this search.
	SessionID string

	// OnProgress, when set, is called after every measured round with
	// the trial count so far and the current objective.
	OnProgress func(trials int, objective float64)

	sketchRules   []sketchRule
	initRules     []initRule
	mutationRules []mutationRule

	sketchCache []schedule.State

	// Measurement bookkeeping across rounds.
	measuredKeys        map[string]bool
	measuredStates      []schedule.State
	measuredThroughputs []float64
	nTrials             int
}

// NewSketchPolicy builds a search session. Only GPU targets carry a
// search-rule registry; CPU tasks are rejected up front.
func NewSketchPolicy(task *workload.Task, model CostModel, params Params,
	measurer *Measurer, log logger.Logger, seed int64) (*SketchPolicy, error) {

	if !task.IsGPU() {
		return nil, fmt.Errorf("target %q: sketch search supports cuda targets only", task.Target)
	}
	if task.IsDyn() && task.Hardware.NumLevel == 0 {
		return nil, fmt.Errorf("dynamic task needs a hardware descriptor with memory levels")
	}

	p := &SketchPolicy{
		task:         task,
		model:        model,
		params:       params,
		measurer:     measurer,
		dispatcher:   &TopKDispatcher{},
		log:          log,
		rng:          rand.New(rand.NewSource(seed)),
		SessionID:    uuid.NewString(),
		measuredKeys: make(map[string]bool),
	}

	p.sketchRules = []sketchRule{
		ruleAlwaysInline{},
		ruleAddCacheRead{},
		ruleCrossThreadReduction{},
		ruleAddRfactor{},
		ruleAddCacheWrite{},
		ruleAlignHardwareTiling{},
		ruleMultiLevelTiling{},
		ruleSkipStage{},
	}
	p.initRules = []initRule{
		initFillTileSize{},
		initThreadBind{},
		initUnroll{},
	}
	if task.IsDyn() {
		// Outer tiles stay hardware-aligned; only the innermost factor
		// remains worth perturbing.
		p.mutationRules = []mutationRule{mutateInnermostTileSize{}}
	} else {
		p.mutationRules = []mutationRule{mutateTileSize{}, mutateAutoUnroll{}}
	}
	return p, nil
}

// Sketches returns the session's sketch set, generating it on first use.
// Generation is deterministic, so the cache never invalidates.
func (p *SketchPolicy) Sketches() []schedule.State {
	if p.sketchCache == nil {
		p.sketchCache = p.GenerateSketches()
	}
	return p.sketchCache
}

// measuringInstance picks the instance a candidate is timed under
// during search rounds: the heaviest-weighted one. Static tasks time
// the workload as-is.
func (p *SketchPolicy) measuringInstance() []int64 {
	if !p.task.IsDyn() {
		return nil
	}
	best, bestW := 0, p.task.Weights[0]
	for i, w := range p.task.Weights {
		if w > bestW {
			best, bestW = i, w
		}
	}
	return p.task.Instances[best]
}

// SearchOneRound produces one round of candidates: the evolutionary
// best, plus extra randomly sampled states for the exploration arm of
// the measurement picker.
func (p *SketchPolicy) SearchOneRound(numRandom int) (bestStates, randomStates []schedule.State) {
	sketches := p.Sketches()
	population := p.SampleInitPopulation(sketches, p.params.MinPopulation)

	// Seed the population with the best already-measured states so the
	// GA refines known-good regions instead of rediscovering them.
	numMeasured := int(float64(p.params.Population) * p.params.UseMeasuredRatio)
	if numMeasured > 0 && len(p.measuredStates) > 0 {
		idx := make([]int, len(p.measuredStates))
		for i := range idx {
			idx[i] = i
		}
		sort.Slice(idx, func(a, b int) bool {
			return p.measuredThroughputs[idx[a]] > p.measuredThroughputs[idx[b]]
		})
		if numMeasured > len(idx) {
			numMeasured = len(idx)
		}
		for _, i := range idx[:numMeasured] {
			population = append(population, p.measuredStates[i])
		}
	}

	bestStates = p.EvolutionarySearch(population, p.params.MeasuresPerRound)

	if numRandom > 0 {
		sampled := p.SampleInitPopulation(sketches, 1)
		if numRandom > len(sampled) {
			numRandom = len(sampled)
		}
		p.rng.Shuffle(len(sampled), func(i, j int) { sampled[i], sampled[j] = sampled[j], sampled[i] })
		randomStates = sampled[:numRandom]
	}
	return bestStates, randomStates
}

// PickStatesWithEpsGreedy selects the round's measurement batch:
// mostly the predicted best, an eps fraction of random states, skipping
// anything already measured and respecting the remaining trial budget.
func (p *SketchPolicy) PickStatesWithEpsGreedy(bestStates, randomStates []schedule.State, remaining int) []MeasureInput {
	numMeasure := p.params.MeasuresPerRound
	if numMeasure > remaining {
		numMeasure = remaining
	}
	numGood := int(float64(numMeasure) * (1 - p.params.EpsGreedy))

	inst := p.measuringInstance()
	var inputs []MeasureInput
	bi, ri := 0, 0
	for len(inputs) < numMeasure {
		var state schedule.State
		if len(inputs) < numGood {
			if bi < len(bestStates) {
				state = bestStates[bi]
				bi++
			} else if ri < len(randomStates) {
				state = randomStates[ri]
				ri++
			} else {
				break
			}
		} else {
			if ri < len(randomStates) {
				state = randomStates[ri]
				ri++
			} else if bi < len(bestStates) {
				state = bestStates[bi]
				bi++
			} else {
				break
			}
		}
		key := state.CanonKey()
		if p.measuredKeys[key] {
			continue
		}
		p.measuredKeys[key] = true
		inputs = append(inputs, NewMeasureInput(p.task, state, inst))
	}
	return inputs
}

// recordMeasurements folds a measured batch into the session state and
// trains the cost model on it.
func (p *SketchPolicy) recordMeasurements(inputs []MeasureInput, results []MeasureResult) error {
	flop, err := p.task.EstimateFlopForInst(p.measuringInstance())
	if err != nil {
		return err
	}
	for i, res := range results {
		p.nTrials++
		if res.ErrNo != 0 {
			continue
		}
		p.measuredStates = append(p.measuredStates, inputs[i].State)
		p.measuredThroughputs = append(p.measuredThroughputs, flop/res.MeanCost())
	}
	p.model.Update(inputs, results)
	return nil
}

// ContinueSearchOneRound runs one search-measure round and returns the
// number of measurements taken plus the session objective so far: the
// flop-weighted latency for dynamic tasks, the best measured cost
// otherwise.
func (p *SketchPolicy) ContinueSearchOneRound(remaining int) (int, float64, error) {
	bestStates, randomStates := p.SearchOneRound(p.params.MeasuresPerRound)
	inputs := p.PickStatesWithEpsGreedy(bestStates, randomStates, remaining)
	if len(inputs) == 0 {
		return 0, 0, nil
	}
	results := p.measurer.Measure(p.task, inputs)
	if err := p.recordMeasurements(inputs, results); err != nil {
		return 0, 0, err
	}

	if !p.task.IsDyn() {
		return len(inputs), p.measurer.BestCost(p.task.WorkloadKey), nil
	}
	if len(p.measuredStates) == 0 {
		// Every measurement this round failed; no dispatch to update yet.
		return len(inputs), 0, nil
	}
	entries, err := p.dispatchMeasured()
	if err != nil {
		return 0, 0, err
	}
	flops := make([]float64, len(entries))
	for i, e := range entries {
		flops[i] = e.AdaptedScore
	}
	p.measurer.RecordInstFlops(p.task.WorkloadKey, flops)
	latency, err := p.computeFlopWeightedLatency(flops)
	if err != nil {
		return 0, 0, err
	}
	return len(inputs), latency, nil
}

// adaptStateToInstance scales a measured throughput to one instance by
// the analytic occupancy and padding penalties of the schedule under
// that instance's shapes.
func (p *SketchPolicy) adaptStateToInstance(s schedule.State, inst []int64, throughput float64) (float64, error) {
	hw := p.task.Hardware
	grid, err := p.gridSize(s, inst)
	if err != nil {
		return 0, err
	}
	cores := int64(hw.NumCores)
	coeff := hw.GtRatio
	if grid < cores {
		coeff = hw.LtRatio
	}
	occ := coeff * float64(grid) /
		((coeff-1)*float64(grid) + float64(roundUpTo(grid, cores)))
	pad, err := p.paddingPenalty(s, inst)
	if err != nil {
		return 0, err
	}
	return throughput * occ * pad, nil
}

// dispatchMeasured builds the instance dispatch over everything
// measured so far and verifies the chosen schedules still build.
func (p *SketchPolicy) dispatchMeasured() ([]DispatchEntry, error) {
	if len(p.measuredStates) == 0 {
		return nil, fmt.Errorf("no valid measurements to dispatch")
	}
	numInsts := len(p.task.Instances)
	numStates := len(p.measuredStates)
	adapted := make([]float64, numInsts*numStates)
	errs := make([]error, numInsts)
	parallelFor(numInsts, func(i int) {
		for j, s := range p.measuredStates {
			a, err := p.adaptStateToInstance(s, p.task.Instances[i], p.measuredThroughputs[j])
			if err != nil {
				errs[i] = err
				return
			}
			adapted[i*numStates+j] = a
		}
	})
	if err := firstError(errs); err != nil {
		return nil, err
	}
	return p.dispatchVerified(p.measuredStates, adapted)
}

// SearchResult is the outcome of a full search session.
type SearchResult struct {
	// Best is the best measured schedule (static tasks), or the best
	// unmeasured prediction when the trial budget was zero.
	Best     schedule.State
	BestCost float64

	// Dispatch maps every workload instance to its schedule for
	// dynamic tasks.
	Dispatch            []DispatchEntry
	FlopWeightedLatency float64

	NumMeasured int
}

// Search runs the full tuning loop: rounds of candidate generation and
// measurement until the trial budget is spent, early stopping fires, or
// the candidate space is exhausted.
func (p *SketchPolicy) Search(nTrials, earlyStopping int) (*SearchResult, error) {
	if earlyStopping <= 0 {
		earlyStopping = nTrials * 2
	}

	if nTrials <= 1 {
		// No measurement budget: return the model's top pick directly.
		bestStates, _ := p.SearchOneRound(0)
		if len(bestStates) == 0 {
			return nil, fmt.Errorf("search produced no candidates")
		}
		return &SearchResult{Best: bestStates[0]}, nil
	}

	key := p.task.WorkloadKey
	emptyRetry := p.params.EmptyRetryCount
	for p.nTrials < nTrials {
		measured, objective, err := p.ContinueSearchOneRound(nTrials - p.nTrials)
		if err != nil {
			return nil, err
		}
		if measured == 0 {
			emptyRetry--
			if emptyRetry <= 0 {
				p.log.Warn("candidate space exhausted, stopping search", "trials", p.nTrials)
				break
			}
			continue
		}
		emptyRetry = p.params.EmptyRetryCount
		p.log.Info("search round done",
			"session", p.SessionID, "trials", p.nTrials, "objective", objective)
		if p.OnProgress != nil {
			p.OnProgress(p.nTrials, objective)
		}

		if p.measurer.HasValid(key) && p.nTrials-p.measurer.BestCt(key) > earlyStopping {
			p.log.Info("early stopping", "trials", p.nTrials, "best_ct", p.measurer.BestCt(key))
			break
		}
	}

	res := &SearchResult{NumMeasured: p.nTrials}
	if len(p.measuredStates) == 0 {
		return nil, fmt.Errorf("no valid schedule found in %d trials", p.nTrials)
	}

	if !p.task.IsDyn() {
		bestJ := 0
		for j := range p.measuredThroughputs {
			if p.measuredThroughputs[j] > p.measuredThroughputs[bestJ] {
				bestJ = j
			}
		}
		res.Best = p.measuredStates[bestJ]
		res.BestCost = p.measurer.BestCost(key)
		return res, nil
	}

	entries, err := p.dispatchMeasured()
	if err != nil {
		return nil, err
	}
	res.Dispatch = entries
	flops := make([]float64, len(entries))
	for i, e := range entries {
		flops[i] = e.AdaptedScore
	}
	p.measurer.RecordInstFlops(key, flops)
	res.FlopWeightedLatency, err = p.computeFlopWeightedLatency(flops)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// EfficientSearch is the analytic fast path for hardware-described
// targets: enumerate hardware-aligned tile configs, push them through
// the capacity and intensity filters per instance, measure the
// survivors once each, and dispatch by adapted throughput. No cost
// model or evolution involved.
func (p *SketchPolicy) EfficientSearch() (*SearchResult, error) {
	if p.task.Hardware.NumLevel == 0 {
		return nil, fmt.Errorf("efficient search needs a hardware descriptor with memory levels")
	}
	spaceDims, reduceDims := p.task.Workload.IterDims()
	sketch, ok := pickTiledSketch(p.Sketches(), spaceDims, reduceDims)
	if !ok {
		return nil, fmt.Errorf("no multi-level tiling sketch for workload %q", p.task.Workload.Name)
	}

	configs, err := p.EmitConfig(spaceDims, reduceDims)
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		return nil, fmt.Errorf("no hardware-aligned tile config fits the device")
	}
	p.log.Info("hardware-aligned configs emitted", "count", len(configs))

	all := filterPair{configs: configs}
	all.states = make([]schedule.State, len(configs))
	seeds := make([]int64, len(configs))
	for i := range seeds {
		seeds[i] = p.rng.Int63()
	}
	parallelFor(len(configs), func(i int) {
		rng := rand.New(rand.NewSource(seeds[i]))
		s := fillTilesFromConfig(sketch, configs[i])
		s, _ = initThreadBind{}.Apply(p, rng, s)
		s, _ = initUnroll{}.Apply(p, rng, s)
		all.states[i] = s
	})
	all = p.threadsNumberFilter(all)

	instances := p.task.Instances
	if !p.task.IsDyn() {
		instances = [][]int64{nil}
	}

	// Per-instance filter chains; survivors union into one candidate
	// pool keyed by tile config.
	type cand struct {
		config *HwAlignedConfig
		state  schedule.State
		inst   []int64
	}
	pool := make(map[string]cand)
	for _, inst := range instances {
		fp, err := p.occupancyFilter(all, inst)
		if err != nil {
			return nil, err
		}
		if fp, err = p.registerLaunchBoundsFilter(fp, inst); err != nil {
			return nil, err
		}
		if fp, err = p.sharedMemoryLaunchBoundsFilter(fp, inst); err != nil {
			return nil, err
		}
		if fp, err = p.paddingFilter(fp, inst); err != nil {
			return nil, err
		}
		fp = p.sharedMemoryComputeIntensiveFilter(fp)
		fp = p.regComputeIntensiveFilter(fp)
		for i := range fp.configs {
			key := fp.configs[i].Key()
			if _, ok := pool[key]; !ok {
				pool[key] = cand{config: fp.configs[i], state: fp.states[i], inst: inst}
			}
		}
	}
	if len(pool) == 0 {
		return nil, fmt.Errorf("all hardware-aligned configs were filtered out")
	}

	keys := make([]string, 0, len(pool))
	for k := range pool {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	inputs := make([]MeasureInput, len(keys))
	for i, k := range keys {
		c := pool[k]
		inputs[i] = NewMeasureInput(p.task, c.state, c.inst)
	}
	results := p.measurer.Measure(p.task, inputs)

	states := make([]schedule.State, 0, len(keys))
	throughputs := make([]float64, 0, len(keys))
	for i, res := range results {
		if res.ErrNo != 0 {
			continue
		}
		c := pool[keys[i]]
		flop, err := p.task.EstimateFlopForInst(c.inst)
		if err != nil {
			return nil, err
		}
		states = append(states, c.state)
		throughputs = append(throughputs, flop/res.MeanCost())
	}
	if len(states) == 0 {
		return nil, fmt.Errorf("no hardware-aligned candidate measured successfully")
	}

	res := &SearchResult{NumMeasured: len(inputs)}
	if !p.task.IsDyn() {
		bestJ := 0
		for j := range throughputs {
			if throughputs[j] > throughputs[bestJ] {
				bestJ = j
			}
		}
		res.Best = states[bestJ]
		res.BestCost = p.measurer.BestCost(p.task.WorkloadKey)
		return res, nil
	}

	numInsts := len(instances)
	adapted := make([]float64, numInsts*len(states))
	for i, inst := range instances {
		for j, s := range states {
			a, err := p.adaptStateToInstance(s, inst, throughputs[j])
			if err != nil {
				return nil, err
			}
			adapted[i*len(states)+j] = a
		}
	}
	entries, err := p.dispatchVerified(states, adapted)
	if err != nil {
		return nil, err
	}
	res.Dispatch = entries
	flops := make([]float64, len(entries))
	for i, e := range entries {
		flops[i] = e.AdaptedScore
	}
	p.measurer.RecordInstFlops(p.task.WorkloadKey, flops)
	res.FlopWeightedLatency, err = p.computeFlopWeightedLatency(flops)
	if err != nil {
		return nil, err
	}
	return res, nil
}
