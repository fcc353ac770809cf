package workload

import "fmt"

// IterKind classifies a loop iterator.
type IterKind int

const (
	IterSpatial IterKind = iota
	IterReduction
)

func (k IterKind) String() string {
	if k == IterReduction {
		return "reduce"
	}
	return "space"
}

// Extent is a loop extent: either a fixed size or a symbolic shape
// variable resolved per workload instance.
type Extent struct {
	Size int64  `json:"size,omitempty"`
	Var  string `json:"var,omitempty"`
}

// Fixed reports whether the extent is a compile-time constant.
func (e Extent) Fixed() bool { return e.Var == "" }

// Iterator is one loop of a stage's loop nest.
type Iterator struct {
	Name   string
	Extent Extent
	Kind   IterKind
}

// Access records which iterators index one input tensor of a stage.
// The last index is the innermost (contiguous) dimension and therefore
// the one that must stay transaction-aligned for coalesced loads.
type Access struct {
	Producer string
	Indices  []string
}

// Stage is one computation stage over a loop nest.
type Stage struct {
	Name      string
	Iters     []Iterator
	Accesses  []Access
	Inlinable bool
}

// HasReduce reports whether the stage carries a reduction iterator.
func (s *Stage) HasReduce() bool {
	for _, it := range s.Iters {
		if it.Kind == IterReduction {
			return true
		}
	}
	return false
}

// ElemBytes returns the element size of the stage's operands in bytes.
func (s *Stage) ElemBytes() int { return 4 }

// Workload is a computation expressed as an ordered list of stages.
type Workload struct {
	Name   string
	Stages []Stage
}

// ReductionStage returns the first stage carrying a reduction, or nil.
func (w *Workload) ReductionStage() *Stage {
	for i := range w.Stages {
		if w.Stages[i].HasReduce() {
			return &w.Stages[i]
		}
	}
	return nil
}

// IterDims returns the spatial and reduction dimension counts of the
// reduction stage.
func (w *Workload) IterDims() (spaceDims, reduceDims int) {
	st := w.ReductionStage()
	if st == nil {
		return 0, 0
	}
	for _, it := range st.Iters {
		if it.Kind == IterSpatial {
			spaceDims++
		} else {
			reduceDims++
		}
	}
	return spaceDims, reduceDims
}

// IterNames returns the spatial and reduction iterator names of the
// reduction stage, in declaration order.
func (w *Workload) IterNames() (space, reduce []string) {
	st := w.ReductionStage()
	if st == nil {
		return nil, nil
	}
	for _, it := range st.Iters {
		if it.Kind == IterSpatial {
			space = append(space, it.Name)
		} else {
			reduce = append(reduce, it.Name)
		}
	}
	return space, reduce
}

// Matmul builds a dense workload C[i,j] = sum_k A[i,k]*B[k,j].
// Any extent may be symbolic.
func Matmul(m, n, k Extent) *Workload {
	return &Workload{
		Name: "matmul",
		Stages: []Stage{
			{
				Name: "C",
				Iters: []Iterator{
					{Name: "i", Extent: m, Kind: IterSpatial},
					{Name: "j", Extent: n, Kind: IterSpatial},
					{Name: "k", Extent: k, Kind: IterReduction},
				},
				Accesses: []Access{
					{Producer: "A", Indices: []string{"i", "k"}},
					{Producer: "B", Indices: []string{"k", "j"}},
				},
			},
		},
	}
}

// BatchMatmul builds a batched dense workload over a batch extent b.
func BatchMatmul(b, m, n, k Extent) *Workload {
	return &Workload{
		Name: "batch_matmul",
		Stages: []Stage{
			{
				Name: "C",
				Iters: []Iterator{
					{Name: "b", Extent: b, Kind: IterSpatial},
					{Name: "i", Extent: m, Kind: IterSpatial},
					{Name: "j", Extent: n, Kind: IterSpatial},
					{Name: "k", Extent: k, Kind: IterReduction},
				},
				Accesses: []Access{
					{Producer: "A", Indices: []string{"b", "i", "k"}},
					{Producer: "B", Indices: []string{"b", "k", "j"}},
				},
			},
		},
	}
}

// Validate checks basic structural sanity.
func (w *Workload) Validate() error {
	if len(w.Stages) == 0 {
		return fmt.Errorf("workload %q has no stages", w.Name)
	}
	for _, st := range w.Stages {
		if len(st.Iters) == 0 {
			return fmt.Errorf("workload %q: stage %q has no iterators", w.Name, st.Name)
		}
	}
	return nil
}
