package schedule

import (
	json "github.com/goccy/go-json"

	"github.com/guesswewho/ftuner/internal/workload"
)

// StageMeta is the per-stage view a State keeps: the stage name plus an
// origin index into the workload's stage list. Cache steps add stages
// with a scope suffix and the same origin.
type StageMeta struct {
	Name   string `json:"name"`
	Origin int    `json:"origin"`
	Scope  string `json:"scope,omitempty"`
}

// State is a candidate schedule: an ordered sequence of transform steps
// over the workload's stages. States are values with copy-on-write step
// sequences: Append shares the unchanged prefix with its parent, so
// cloning is cheap and no state referenced elsewhere is ever mutated.
type State struct {
	Stages []StageMeta
	Steps  []Step
}

// Init builds the initial (empty-schedule) state for a workload.
func Init(w *workload.Workload) State {
	stages := make([]StageMeta, len(w.Stages))
	for i, st := range w.Stages {
		stages[i] = StageMeta{Name: st.Name, Origin: i}
	}
	return State{Stages: stages}
}

// Defined reports whether the state was ever initialized. Sampling uses
// the zero State as its discard marker.
func (s State) Defined() bool { return len(s.Stages) > 0 }

// Append returns a new state with one more step. The receiver is not
// modified; the step prefix is shared structurally.
func (s State) Append(step Step) State {
	steps := append(s.Steps[:len(s.Steps):len(s.Steps)], step)
	return State{Stages: s.Stages, Steps: steps}
}

// AddStage returns a new state with a derived stage inserted directly
// after the origin stage, the way cache-read/cache-write stages appear.
func (s State) AddStage(after int, name, scope string) State {
	stages := make([]StageMeta, 0, len(s.Stages)+1)
	stages = append(stages, s.Stages[:after+1]...)
	stages = append(stages, StageMeta{Name: name, Origin: s.Stages[after].Origin, Scope: scope})
	stages = append(stages, s.Stages[after+1:]...)
	return State{Stages: stages, Steps: s.Steps}
}

// ReplaceStep returns a new state with the step at index i swapped.
// The whole sequence is copied: the original may be shared.
func (s State) ReplaceStep(i int, step Step) State {
	steps := make([]Step, len(s.Steps))
	copy(steps, s.Steps)
	steps[i] = step
	return State{Stages: s.Stages, Steps: steps}
}

// SplitSteps returns the indices of all split steps.
func (s State) SplitSteps() []int {
	var out []int
	for i := range s.Steps {
		if s.Steps[i].Kind == KindSplit {
			out = append(out, i)
		}
	}
	return out
}

// CanonKey is the canonical string form of the state: a JSON encoding of
// the step sequence. Structurally equal states map to equal keys, so the
// key doubles as the dedup-set and measured-state cache key.
func (s State) CanonKey() string {
	b, err := json.Marshal(s.Steps)
	if err != nil {
		// Steps hold only plain values; marshal cannot fail.
		panic(err)
	}
	return string(b)
}

// Equal reports structural equality over the step sequence.
func (s State) Equal(o State) bool {
	return s.CanonKey() == o.CanonKey()
}
