package search

import (
	"math/rand"
	"sync"

	"github.com/guesswewho/ftuner/internal/schedule"
	"github.com/guesswewho/ftuner/internal/workload"
)

// CostModel predicts candidate fitness. The model is learned and lives
// outside the core; the search only consumes these three calls.
type CostModel interface {
	// Predict scores each state; higher is better. States that fail
	// feature extraction score below the reject floor.
	Predict(task *workload.Task, states []schedule.State) []float64

	// PredictForAllInstances scores each state under every workload
	// instance of a dynamic task. All three returned slices are flat
	// [numInstances x numStates] arrays.
	PredictForAllInstances(task *workload.Task, states []schedule.State) (occupancy, padding, scores []float64)

	// Update trains the model on a batch of measurement results.
	Update(inputs []MeasureInput, results []MeasureResult)
}

// rejectFloor is the score below which a candidate counts as invalid.
const rejectFloor = -1e10

// RandomModel scores states uniformly at random. It is the stand-in
// model before any measurements exist; evolutionary search caps its
// generation count when running under it.
type RandomModel struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomModel builds a RandomModel from a seed.
func NewRandomModel(seed int64) *RandomModel {
	return &RandomModel{rng: rand.New(rand.NewSource(seed))}
}

func (m *RandomModel) Predict(task *workload.Task, states []schedule.State) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	scores := make([]float64, len(states))
	for i := range scores {
		scores[i] = m.rng.Float64()
	}
	return scores
}

func (m *RandomModel) PredictForAllInstances(task *workload.Task, states []schedule.State) (occupancy, padding, scores []float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(task.Instances) * len(states)
	occupancy = make([]float64, n)
	padding = make([]float64, n)
	scores = make([]float64, n)
	for i := range scores {
		occupancy[i] = 1
		padding[i] = 1
		scores[i] = m.rng.Float64()
	}
	return occupancy, padding, scores
}

func (m *RandomModel) Update(inputs []MeasureInput, results []MeasureResult) {}
