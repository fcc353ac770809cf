package schedule

import "github.com/guesswewho/ftuner/internal/workload"

// StepKind discriminates the schedule-construction primitives.
type StepKind string

const (
	KindSplit      StepKind = "split"
	KindBind       StepKind = "bind"
	KindUnroll     StepKind = "unroll"
	KindCacheRead  StepKind = "cache_read"
	KindCacheWrite StepKind = "cache_write"
	KindRfactor    StepKind = "rfactor"
)

// ThreadAxis names a GPU binding target.
type ThreadAxis string

const (
	AxisBlockX  ThreadAxis = "blockIdx.x"
	AxisThreadX ThreadAxis = "threadIdx.x"
	AxisVThread ThreadAxis = "vthread"
)

// Step is one transform applied to the loop nest. Steps are immutable;
// replacing one means rebuilding the state's step sequence.
type Step struct {
	Kind    StepKind `json:"kind"`
	StageID int      `json:"stage"`
	IterID  int      `json:"iter,omitempty"`

	// Split fields. A zero length is unspecified and left for sampling.
	Extent       workload.Extent `json:"extent,omitempty"`
	Lengths      []int64         `json:"lengths,omitempty"`
	InnerToOuter bool            `json:"inner_to_outer,omitempty"`

	// Bind field.
	Axis ThreadAxis `json:"axis,omitempty"`

	// Unroll field: the max-step pragma value.
	MaxStep int `json:"max_step,omitempty"`

	// Cache field.
	Scope string `json:"scope,omitempty"`
}

// SplitLengthsProduct multiplies the specified factors of a split.
// Unspecified factors count as 1.
func (s *Step) SplitLengthsProduct() int64 {
	p := int64(1)
	for _, l := range s.Lengths {
		if l > 0 {
			p *= l
		}
	}
	return p
}

// FullySpecified reports whether every split factor is concrete.
func (s *Step) FullySpecified() bool {
	for _, l := range s.Lengths {
		if l == 0 {
			return false
		}
	}
	return true
}

func splitStep(stageID, iterID int, extent workload.Extent, lengths []int64) Step {
	return Step{
		Kind:         KindSplit,
		StageID:      stageID,
		IterID:       iterID,
		Extent:       extent,
		Lengths:      lengths,
		InnerToOuter: true,
	}
}

// NewSplit builds a split step. Factor slots holding zero stay
// unspecified until an annotation rule fills them.
func NewSplit(stageID, iterID int, extent workload.Extent, lengths []int64) Step {
	return splitStep(stageID, iterID, extent, lengths)
}

// NewBind builds a thread-binding step.
func NewBind(stageID, iterID int, axis ThreadAxis) Step {
	return Step{Kind: KindBind, StageID: stageID, IterID: iterID, Axis: axis}
}

// NewUnroll builds an auto-unroll pragma step.
func NewUnroll(stageID, maxStep int) Step {
	return Step{Kind: KindUnroll, StageID: stageID, MaxStep: maxStep}
}

// NewCacheRead builds a cache-read step for the given producer stage.
func NewCacheRead(stageID int, scope string) Step {
	return Step{Kind: KindCacheRead, StageID: stageID, Scope: scope}
}

// NewCacheWrite builds a cache-write step.
func NewCacheWrite(stageID int, scope string) Step {
	return Step{Kind: KindCacheWrite, StageID: stageID, Scope: scope}
}

// NewRfactor builds a reduction-factoring step.
func NewRfactor(stageID, iterID int) Step {
	return Step{Kind: KindRfactor, StageID: stageID, IterID: iterID}
}
