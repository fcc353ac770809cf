package search

import (
	"github.com/guesswewho/ftuner/internal/schedule"
	"github.com/guesswewho/ftuner/internal/workload"
)

// conditionKind is a sketch rule's answer to "does this rule fire for
// (state, stage)?".
type conditionKind int

const (
	condSkip conditionKind = iota
	condApply
	condApplyAndSkipRest
)

// stateStage is one successor produced by a rule: the derived state and
// the stage cursor it should resume at.
type stateStage struct {
	state schedule.State
	stage int
}

// sketchRule is one derivation rule of the sketch generation engine.
// Rules hold no state; everything flows through the policy session.
type sketchRule interface {
	Name() string
	MeetCondition(p *SketchPolicy, s schedule.State, stageID int) conditionKind
	Apply(p *SketchPolicy, s schedule.State, stageID int) []stateStage
}

func originStage(p *SketchPolicy, s schedule.State, stageID int) *workload.Stage {
	return &p.task.Workload.Stages[s.Stages[stageID].Origin]
}

func stageHasStep(s schedule.State, stageID int, kind schedule.StepKind) bool {
	for _, st := range s.Steps {
		if st.Kind == kind && st.StageID == stageID {
			return true
		}
	}
	return false
}

// ruleSkipStage is the fallback: move the cursor on without touching the
// stage.
type ruleSkipStage struct{}

func (ruleSkipStage) Name() string { return "skip_stage" }

func (ruleSkipStage) MeetCondition(p *SketchPolicy, s schedule.State, stageID int) conditionKind {
	return condApplyAndSkipRest
}

func (ruleSkipStage) Apply(p *SketchPolicy, s schedule.State, stageID int) []stateStage {
	return []stateStage{{state: s, stage: stageID - 1}}
}

// ruleAlwaysInline consumes trivially inlinable stages.
type ruleAlwaysInline struct{}

func (ruleAlwaysInline) Name() string { return "always_inline" }

func (ruleAlwaysInline) MeetCondition(p *SketchPolicy, s schedule.State, stageID int) conditionKind {
	if s.Stages[stageID].Scope == "" && originStage(p, s, stageID).Inlinable {
		return condApplyAndSkipRest
	}
	return condSkip
}

func (ruleAlwaysInline) Apply(p *SketchPolicy, s schedule.State, stageID int) []stateStage {
	return []stateStage{{state: s, stage: stageID - 1}}
}

// ruleAddCacheRead stages every input of a reduction stage through
// shared memory.
type ruleAddCacheRead struct{}

func (ruleAddCacheRead) Name() string { return "add_cache_read" }

func (ruleAddCacheRead) MeetCondition(p *SketchPolicy, s schedule.State, stageID int) conditionKind {
	if !p.task.IsGPU() || s.Stages[stageID].Scope != "" {
		return condSkip
	}
	st := originStage(p, s, stageID)
	if !st.HasReduce() || len(st.Accesses) == 0 {
		return condSkip
	}
	if stageHasStep(s, stageID, schedule.KindCacheRead) {
		return condSkip
	}
	return condApplyAndSkipRest
}

func (ruleAddCacheRead) Apply(p *SketchPolicy, s schedule.State, stageID int) []stateStage {
	st := originStage(p, s, stageID)
	next := s
	for _, acc := range st.Accesses {
		next = next.Append(schedule.NewCacheRead(stageID, "shared"))
		next = next.AddStage(stageID, acc.Producer+".shared", "shared")
	}
	// The cursor stays put: the cached stage still needs tiling.
	return []stateStage{{state: next, stage: stageID}}
}

// ruleCrossThreadReduction binds the reduction axis across threads.
// Static tasks only: dynamic extents cannot fix the thread count.
type ruleCrossThreadReduction struct{}

func (ruleCrossThreadReduction) Name() string { return "cross_thread_reduction" }

func (ruleCrossThreadReduction) MeetCondition(p *SketchPolicy, s schedule.State, stageID int) conditionKind {
	if p.task.IsDyn() || !p.task.IsGPU() {
		return condSkip
	}
	if !originStage(p, s, stageID).HasReduce() || stageHasStep(s, stageID, schedule.KindSplit) {
		return condSkip
	}
	return condApply
}

func (ruleCrossThreadReduction) Apply(p *SketchPolicy, s schedule.State, stageID int) []stateStage {
	st := originStage(p, s, stageID)
	next := s
	for iterID, it := range st.Iters {
		if it.Kind != workload.IterReduction {
			continue
		}
		next = next.Append(schedule.NewSplit(stageID, iterID, it.Extent, []int64{0}))
		next = next.Append(schedule.NewBind(stageID, iterID, schedule.AxisThreadX))
		break
	}
	return []stateStage{{state: next, stage: stageID - 1}}
}

// ruleAddRfactor factors the reduction so partial results parallelize.
// The split factor starts at the warp size; the generation post-pass
// unsets it again so sampling stays free to choose.
type ruleAddRfactor struct{}

func (ruleAddRfactor) Name() string { return "add_rfactor" }

func (ruleAddRfactor) MeetCondition(p *SketchPolicy, s schedule.State, stageID int) conditionKind {
	if p.task.IsDyn() {
		return condSkip
	}
	if !originStage(p, s, stageID).HasReduce() || stageHasStep(s, stageID, schedule.KindSplit) {
		return condSkip
	}
	return condApply
}

func (ruleAddRfactor) Apply(p *SketchPolicy, s schedule.State, stageID int) []stateStage {
	st := originStage(p, s, stageID)
	next := s
	for iterID, it := range st.Iters {
		if it.Kind != workload.IterReduction {
			continue
		}
		next = next.Append(schedule.NewSplit(stageID, iterID, it.Extent,
			[]int64{int64(p.task.Hardware.WarpSize)}))
		next = next.Append(schedule.NewRfactor(stageID, iterID))
		break
	}
	return []stateStage{{state: next, stage: stageID - 1}}
}

// ruleAddCacheWrite accumulates the reduction in a local scratch stage.
type ruleAddCacheWrite struct{}

func (ruleAddCacheWrite) Name() string { return "add_cache_write" }

func (ruleAddCacheWrite) MeetCondition(p *SketchPolicy, s schedule.State, stageID int) conditionKind {
	if s.Stages[stageID].Scope != "" || !originStage(p, s, stageID).HasReduce() {
		return condSkip
	}
	if stageHasStep(s, stageID, schedule.KindCacheWrite) {
		return condSkip
	}
	return condApply
}

func (ruleAddCacheWrite) Apply(p *SketchPolicy, s schedule.State, stageID int) []stateStage {
	next := s.Append(schedule.NewCacheWrite(stageID, "local"))
	next = next.AddStage(stageID, s.Stages[stageID].Name+".local", "local")
	return []stateStage{{state: next, stage: stageID}}
}

// tilingSplits emits the multi-level tiling skeleton for a reduction
// stage: a 3-factor split per spatial iterator (block / thread / inner)
// and a 2-factor split per reduction iterator, all factors unspecified.
func tilingSplits(p *SketchPolicy, s schedule.State, stageID int) schedule.State {
	st := originStage(p, s, stageID)
	next := s
	for iterID, it := range st.Iters {
		if it.Kind == workload.IterSpatial {
			next = next.Append(schedule.NewSplit(stageID, iterID, it.Extent, []int64{0, 0, 0}))
		} else {
			next = next.Append(schedule.NewSplit(stageID, iterID, it.Extent, []int64{0, 0}))
		}
	}
	return next
}

func stageTiled(s schedule.State, stageID int) bool {
	for _, st := range s.Steps {
		if st.Kind == schedule.KindSplit && st.StageID == stageID && len(st.Lengths) >= 2 {
			return true
		}
	}
	return false
}

// ruleAlignHardwareTiling is the hardware-aligned variant of multi-level
// tiling, used when the descriptor models explicit memory levels; the
// aligned config search later pins its factors.
type ruleAlignHardwareTiling struct{}

func (ruleAlignHardwareTiling) Name() string { return "align_hardware_tiling" }

func (ruleAlignHardwareTiling) MeetCondition(p *SketchPolicy, s schedule.State, stageID int) conditionKind {
	if p.task.Hardware.NumLevel == 0 {
		return condSkip
	}
	if s.Stages[stageID].Scope != "" || !originStage(p, s, stageID).HasReduce() {
		return condSkip
	}
	if stageTiled(s, stageID) {
		return condSkip
	}
	return condApplyAndSkipRest
}

func (ruleAlignHardwareTiling) Apply(p *SketchPolicy, s schedule.State, stageID int) []stateStage {
	return []stateStage{{state: tilingSplits(p, s, stageID), stage: stageID - 1}}
}

// ruleMultiLevelTiling is the generic tiling skeleton.
type ruleMultiLevelTiling struct{}

func (ruleMultiLevelTiling) Name() string { return "multi_level_tiling" }

func (ruleMultiLevelTiling) MeetCondition(p *SketchPolicy, s schedule.State, stageID int) conditionKind {
	if s.Stages[stageID].Scope != "" || !originStage(p, s, stageID).HasReduce() {
		return condSkip
	}
	if stageTiled(s, stageID) {
		return condSkip
	}
	return condApplyAndSkipRest
}

func (ruleMultiLevelTiling) Apply(p *SketchPolicy, s schedule.State, stageID int) []stateStage {
	return []stateStage{{state: tilingSplits(p, s, stageID), stage: stageID - 1}}
}

// GenerateSketches derives schedule skeletons by walking every stage
// innermost-to-outermost and applying the rule registry in priority
// order. Output depends only on rule order and the workload structure;
// sketches are cached per session.
func (p *SketchPolicy) GenerateSketches() []schedule.State {
	init := schedule.Init(p.task.Workload)

	// Two ping-pong buffers for the wave frontier.
	now := []schedule.State{init}
	var next []schedule.State

	curStage := map[string]int{init.CanonKey(): len(init.Stages) - 1}

	var out []schedule.State
	for len(now) > 0 {
		next = next[:0]
		for _, state := range now {
			stageID := curStage[state.CanonKey()]
			if stageID < 0 {
				out = append(out, state)
				continue
			}
			for _, rule := range p.sketchRules {
				cond := rule.MeetCondition(p, state, stageID)
				if cond == condSkip {
					continue
				}
				for _, succ := range rule.Apply(p, state, stageID) {
					curStage[succ.state.CanonKey()] = succ.stage
					next = append(next, succ.state)
				}
				if cond == condApplyAndSkipRest {
					break
				}
			}
		}
		now, next = next, now
	}

	// Rfactor splits carried a fixed factor so the step sequence stayed
	// applicable; unset it now so sampling can pick its own value.
	for i, state := range out {
		for stepID := 1; stepID < len(state.Steps); stepID++ {
			if state.Steps[stepID].Kind != schedule.KindRfactor {
				continue
			}
			split := state.Steps[stepID-1]
			if split.Kind == schedule.KindSplit && split.FullySpecified() {
				split.Lengths = make([]int64, len(split.Lengths))
				state = state.ReplaceStep(stepID-1, split)
			}
		}
		out[i] = state
	}

	p.log.Info("generated sketches", "count", len(out))
	return out
}
