package search

import (
	"hash/fnv"
	"sync"

	"github.com/google/uuid"

	"github.com/guesswewho/ftuner/internal/logger"
	"github.com/guesswewho/ftuner/internal/schedule"
	"github.com/guesswewho/ftuner/internal/workload"
)

// MeasureInput is one candidate handed to the measurer: a state, and for
// dynamic tasks the concrete instance it should be compiled for.
type MeasureInput struct {
	ID       string
	Task     *workload.Task
	State    schedule.State
	Instance []int64
}

// NewMeasureInput builds an input with a fresh record ID.
func NewMeasureInput(task *workload.Task, state schedule.State, instance []int64) MeasureInput {
	return MeasureInput{ID: uuid.NewString(), Task: task, State: state, Instance: instance}
}

// MeasureResult is the outcome of building and timing one input.
// A non-zero ErrNo means the candidate failed; Costs then carries a
// single penalty value.
type MeasureResult struct {
	Costs  []float64
	ErrNo  int
	ErrMsg string
}

// MeanCost averages the result's cost samples.
func (r MeasureResult) MeanCost() float64 {
	if len(r.Costs) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range r.Costs {
		sum += c
	}
	return sum / float64(len(r.Costs))
}

// BuildResult is the outcome of compiling one input without running it.
type BuildResult struct {
	ErrNo  int
	ErrMsg string
}

// Builder compiles candidates. External collaborator.
type Builder interface {
	Build(inputs []MeasureInput) []BuildResult
}

// Runner executes built candidates on the device. External collaborator.
type Runner interface {
	Run(inputs []MeasureInput, builds []BuildResult) []MeasureResult
}

// Measurer drives Build+Run round-trips and tracks the best result per
// workload key across the session.
type Measurer struct {
	builder Builder
	runner  Runner
	log     logger.Logger
	record  *RecordLog

	mu            sync.Mutex
	bestCost      map[string]float64
	bestCt        map[string]int
	hasValid      map[string]bool
	ct            map[string]int
	bestInstFlops map[string][]float64
}

// NewMeasurer wires a builder and runner into a measurer.
func NewMeasurer(b Builder, r Runner, log logger.Logger) *Measurer {
	m := &Measurer{builder: b, runner: r, log: log}
	m.Reset()
	return m
}

// WithRecordLog makes the measurer append every measured batch to a
// JSONL record log.
func (m *Measurer) WithRecordLog(l *RecordLog) *Measurer {
	m.record = l
	return m
}

// Reset clears the best-so-far tracking for a new search session.
func (m *Measurer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bestCost = make(map[string]float64)
	m.bestCt = make(map[string]int)
	m.hasValid = make(map[string]bool)
	m.ct = make(map[string]int)
	m.bestInstFlops = make(map[string][]float64)
}

// Measure builds and runs a batch, updating best-so-far tracking.
func (m *Measurer) Measure(task *workload.Task, inputs []MeasureInput) []MeasureResult {
	builds := m.builder.Build(inputs)
	results := m.runner.Run(inputs, builds)

	if m.record != nil {
		if err := m.record.Append(inputs, results); err != nil {
			m.log.Warn("record log append failed", "err", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := task.WorkloadKey
	for _, res := range results {
		m.ct[key]++
		if res.ErrNo != 0 {
			continue
		}
		m.hasValid[key] = true
		cost := res.MeanCost()
		if best, ok := m.bestCost[key]; !ok || cost < best {
			m.bestCost[key] = cost
			m.bestCt[key] = m.ct[key]
		}
	}
	return results
}

// Build compiles a batch without running it. Used by the dispatcher's
// verification pass.
func (m *Measurer) Build(inputs []MeasureInput) []BuildResult {
	return m.builder.Build(inputs)
}

// BestCt returns the trial index at which the best result was seen.
func (m *Measurer) BestCt(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bestCt[key]
}

// HasValid reports whether any valid measurement exists for the key.
func (m *Measurer) HasValid(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasValid[key]
}

// BestCost returns the best measured cost for the key, or 0.
func (m *Measurer) BestCost(key string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bestCost[key]
}

// RecordInstFlops stores the per-instance best flop rates for a dynamic
// task; the policy updates them after each dispatch.
func (m *Measurer) RecordInstFlops(key string, flops []float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]float64, len(flops))
	copy(cp, flops)
	m.bestInstFlops[key] = cp
}

// BestInstFlops returns the per-instance best flop rates, or nil.
func (m *Measurer) BestInstFlops(key string) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bestInstFlops[key]
}

// SimBuilder is an in-process builder used by the CLI and tests. It
// fails candidates whose canonical key hashes into the failure set,
// which makes build failures reproducible.
type SimBuilder struct {
	// FailRate in [0,1] selects the fraction of key space that fails.
	FailRate float64
}

func (b *SimBuilder) Build(inputs []MeasureInput) []BuildResult {
	out := make([]BuildResult, len(inputs))
	for i, in := range inputs {
		if b.FailRate > 0 && keyFraction(in.State.CanonKey()) < b.FailRate {
			out[i] = BuildResult{ErrNo: 2, ErrMsg: "simulated build failure"}
		}
	}
	return out
}

// SimRunner scores built candidates with a deterministic pseudo-cost
// derived from the state key. It stands in for on-device timing.
type SimRunner struct{}

func (r *SimRunner) Run(inputs []MeasureInput, builds []BuildResult) []MeasureResult {
	out := make([]MeasureResult, len(inputs))
	for i := range inputs {
		if builds[i].ErrNo != 0 {
			out[i] = MeasureResult{Costs: []float64{1e10}, ErrNo: builds[i].ErrNo, ErrMsg: builds[i].ErrMsg}
			continue
		}
		// Cost in (1ms, 2ms), keyed off the schedule so repeated runs agree.
		cost := 1e-3 * (1 + keyFraction(inputs[i].State.CanonKey()))
		out[i] = MeasureResult{Costs: []float64{cost}}
	}
	return out
}

func keyFraction(key string) float64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return float64(h.Sum64()%1000000) / 1000000
}
