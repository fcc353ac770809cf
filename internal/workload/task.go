package workload

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/guesswewho/ftuner/internal/hardware"
)

// Task describes one tuning session: the workload, the target device and,
// for dynamic-shape workloads, the concrete instances to optimize for.
// A Task is immutable after NewTask.
type Task struct {
	Workload *Workload
	Target   string
	Hardware *hardware.Descriptor

	// ShapeVars names the symbolic shape variables, if any. Instances
	// holds one value per variable for each concrete workload instance,
	// Weights one relative weight per instance.
	ShapeVars []string
	Instances [][]int64
	Weights   []float64

	// WorkloadKey identifies this task in measurer best-state tracking.
	WorkloadKey string
}

// NewTask validates and builds a Task. Inconsistent shape-variable,
// instance or weight definitions are programming errors and fail here,
// before any search starts.
func NewTask(w *Workload, target string, hw *hardware.Descriptor,
	shapeVars []string, instances [][]int64, weights []float64) (*Task, error) {

	if err := w.Validate(); err != nil {
		return nil, err
	}
	if err := hw.Validate(); err != nil {
		return nil, err
	}
	switch target {
	case "cuda", "llvm":
	default:
		return nil, fmt.Errorf("unsupported target %q", target)
	}
	declared := make(map[string]bool, len(shapeVars))
	for _, v := range shapeVars {
		declared[v] = true
	}
	for _, st := range w.Stages {
		for _, it := range st.Iters {
			if !it.Extent.Fixed() && !declared[it.Extent.Var] {
				return nil, fmt.Errorf("shape variable %q not declared for workload %q",
					it.Extent.Var, w.Name)
			}
		}
	}
	if len(shapeVars) > 0 {
		if len(instances) == 0 {
			return nil, fmt.Errorf("dynamic task: shape variables given but no workload instances")
		}
		if len(instances) != len(weights) {
			return nil, fmt.Errorf("dynamic task: %d instances but %d weights",
				len(instances), len(weights))
		}
		for i, inst := range instances {
			if len(inst) != len(shapeVars) {
				return nil, fmt.Errorf("instance %d has %d values for %d shape variables",
					i, len(inst), len(shapeVars))
			}
		}
	}
	return &Task{
		Workload:    w,
		Target:      target,
		Hardware:    hw,
		ShapeVars:   shapeVars,
		Instances:   instances,
		Weights:     weights,
		WorkloadKey: w.Name + "-" + uuid.NewString(),
	}, nil
}

// IsDyn reports whether the task has symbolic shape variables.
func (t *Task) IsDyn() bool { return len(t.ShapeVars) > 0 }

// IsGPU reports whether the task targets a GPU device.
func (t *Task) IsGPU() bool { return t.Target == "cuda" }

// ResolveExtent evaluates an extent under one workload instance.
// A symbolic extent whose variable is not bound is a programming error.
func (t *Task) ResolveExtent(e Extent, inst []int64) (int64, error) {
	if e.Fixed() {
		return e.Size, nil
	}
	for i, v := range t.ShapeVars {
		if v == e.Var {
			return inst[i], nil
		}
	}
	return 0, fmt.Errorf("shape variable %q has no value in instance %v", e.Var, inst)
}

// MaxExtent returns the largest value an extent takes across all
// instances (or its fixed size for static extents).
func (t *Task) MaxExtent(e Extent) (int64, error) {
	if e.Fixed() {
		return e.Size, nil
	}
	var maxv int64
	for _, inst := range t.Instances {
		v, err := t.ResolveExtent(e, inst)
		if err != nil {
			return 0, err
		}
		if v > maxv {
			maxv = v
		}
	}
	return maxv, nil
}

// InstanceExtents resolves every extent an iterator takes across all
// instances, in instance order.
func (t *Task) InstanceExtents(e Extent) ([]int64, error) {
	if e.Fixed() {
		return []int64{e.Size}, nil
	}
	out := make([]int64, 0, len(t.Instances))
	for _, inst := range t.Instances {
		v, err := t.ResolveExtent(e, inst)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// EstimateFlopForInst estimates the floating-point work of the workload
// under one instance: 2 flops per reduction-stage loop-nest point plus
// one per point of every other stage.
func (t *Task) EstimateFlopForInst(inst []int64) (float64, error) {
	total := 0.0
	for _, st := range t.Workload.Stages {
		points := 1.0
		for _, it := range st.Iters {
			v, err := t.ResolveExtent(it.Extent, inst)
			if err != nil {
				return 0, err
			}
			points *= float64(v)
		}
		if st.HasReduce() {
			total += 2 * points
		} else {
			total += points
		}
	}
	return total, nil
}
