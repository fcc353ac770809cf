package search

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/guesswewho/ftuner/internal/schedule"
)

// TopKDispatcher assigns each workload instance of a dynamic task the
// best state for it, drawn from the K states with the highest
// weight-averaged adapted score. K <= 0 considers every state.
type TopKDispatcher struct {
	K int
}

// Dispatch returns one state index per instance. adapted is a flat
// [numInstances x numStates] matrix of adapted throughput scores; an
// entry of 0 marks a (instance, state) pair ruled out earlier.
func (d *TopKDispatcher) Dispatch(adapted []float64, numInsts, numStates int, weights []float64) []int {
	allowed := d.topStates(adapted, numInsts, numStates, weights)

	assignment := make([]int, numInsts)
	for i := 0; i < numInsts; i++ {
		bestJ, bestScore := -1, 0.0
		for _, j := range allowed {
			if s := adapted[i*numStates+j]; s > bestScore {
				bestJ, bestScore = j, s
			}
		}
		assignment[i] = bestJ
	}
	return assignment
}

// topStates ranks states by weighted mean adapted score over all
// instances and keeps the top K.
func (d *TopKDispatcher) topStates(adapted []float64, numInsts, numStates int, weights []float64) []int {
	type ranked struct {
		j     int
		score float64
	}
	rs := make([]ranked, numStates)
	for j := 0; j < numStates; j++ {
		s := 0.0
		for i := 0; i < numInsts; i++ {
			w := 1.0
			if i < len(weights) {
				w = weights[i]
			}
			s += w * adapted[i*numStates+j]
		}
		rs[j] = ranked{j: j, score: s}
	}
	for a := 1; a < len(rs); a++ {
		for b := a; b > 0 && rs[b].score > rs[b-1].score; b-- {
			rs[b], rs[b-1] = rs[b-1], rs[b]
		}
	}
	k := d.K
	if k <= 0 || k > numStates {
		k = numStates
	}
	out := make([]int, k)
	for a := 0; a < k; a++ {
		out[a] = rs[a].j
	}
	return out
}

// DispatchEntry maps one workload instance to its chosen schedule.
type DispatchEntry struct {
	Instance []int64
	State    schedule.State

	// AdaptedScore is the instance-adapted throughput estimate the
	// dispatcher ranked by.
	AdaptedScore float64
}

// dispatchVerified runs dispatch-then-build rounds until every assigned
// (instance, state) pair compiles. A pair that fails to build has its
// adapted score zeroed, forcing the next round onto the runner-up;
// rounds are paced with exponential backoff so a busy build farm gets
// room to drain.
func (p *SketchPolicy) dispatchVerified(states []schedule.State, adapted []float64) ([]DispatchEntry, error) {
	numInsts := len(p.task.Instances)
	numStates := len(states)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 0

	var assignment []int
	for round := 0; ; round++ {
		assignment = p.dispatcher.Dispatch(adapted, numInsts, numStates, p.task.Weights)
		for i, j := range assignment {
			if j < 0 {
				return nil, fmt.Errorf("instance %v has no buildable schedule left", p.task.Instances[i])
			}
		}

		// One representative build per instance, under that instance's
		// shapes. A failure rules out only that (instance, state) pair.
		inputs := make([]MeasureInput, numInsts)
		for i, j := range assignment {
			inputs[i] = NewMeasureInput(p.task, states[j], p.task.Instances[i])
		}
		builds := p.measurer.Build(inputs)

		failed := 0
		for i, res := range builds {
			if res.ErrNo == 0 {
				continue
			}
			failed++
			adapted[i*numStates+assignment[i]] = 0
			p.log.Warn("dispatched schedule failed to build, rerouting",
				"instance", i, "state", assignment[i], "err", res.ErrMsg)
		}
		if failed == 0 {
			break
		}
		if d := bo.NextBackOff(); d != backoff.Stop {
			time.Sleep(d)
		}
	}

	out := make([]DispatchEntry, numInsts)
	for i, j := range assignment {
		out[i] = DispatchEntry{
			Instance:     p.task.Instances[i],
			State:        states[j],
			AdaptedScore: adapted[i*numStates+j],
		}
	}
	return out, nil
}

// computeFlopWeightedLatency aggregates per-instance latencies into the
// session objective: the instance-weighted mean of flops/throughput.
// Instances with no valid throughput yet contribute nothing.
func (p *SketchPolicy) computeFlopWeightedLatency(bestInstFlops []float64) (float64, error) {
	totalW := 0.0
	latency := 0.0
	for i, inst := range p.task.Instances {
		if i >= len(bestInstFlops) || bestInstFlops[i] <= 0 {
			continue
		}
		flop, err := p.task.EstimateFlopForInst(inst)
		if err != nil {
			return 0, err
		}
		w := p.task.Weights[i]
		latency += w * flop / bestInstFlops[i]
		totalW += w
	}
	if totalW == 0 {
		return 0, nil
	}
	return latency / totalW, nil
}
