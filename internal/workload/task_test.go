package workload

import (
	"strings"
	"testing"

	"github.com/guesswewho/ftuner/internal/hardware"
)

func testHW(t *testing.T) *hardware.Descriptor {
	t.Helper()
	hw, err := hardware.Preset("rtx3090")
	if err != nil {
		t.Fatalf("preset: %v", err)
	}
	return hw
}

func TestNewTaskValidation(t *testing.T) {
	t.Parallel()

	hw := testHW(t)
	static := Matmul(Extent{Size: 64}, Extent{Size: 64}, Extent{Size: 64})
	dyn := Matmul(Extent{Var: "T"}, Extent{Size: 64}, Extent{Size: 64})

	cases := []struct {
		name      string
		w         *Workload
		target    string
		shapeVars []string
		instances [][]int64
		weights   []float64
		wantErr   string
	}{
		{name: "static ok", w: static, target: "cuda"},
		{name: "bad target", w: static, target: "opencl", wantErr: "unsupported target"},
		{
			name: "dyn ok", w: dyn, target: "cuda",
			shapeVars: []string{"T"}, instances: [][]int64{{5}, {10}}, weights: []float64{1, 1},
		},
		{
			name: "undeclared shape variable", w: dyn, target: "cuda",
			wantErr: "not declared",
		},
		{
			name: "dyn missing instances", w: dyn, target: "cuda",
			shapeVars: []string{"T"}, wantErr: "no workload instances",
		},
		{
			name: "dyn weight mismatch", w: dyn, target: "cuda",
			shapeVars: []string{"T"}, instances: [][]int64{{5}, {10}}, weights: []float64{1},
			wantErr: "2 instances but 1 weights",
		},
		{
			name: "dyn instance arity", w: dyn, target: "cuda",
			shapeVars: []string{"T"}, instances: [][]int64{{5, 7}}, weights: []float64{1},
			wantErr: "2 values for 1 shape variables",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewTask(tc.w, tc.target, hw, tc.shapeVars, tc.instances, tc.weights)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("got %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestResolveExtent(t *testing.T) {
	t.Parallel()

	hw := testHW(t)
	w := Matmul(Extent{Var: "T"}, Extent{Size: 64}, Extent{Size: 32})
	task, err := NewTask(w, "cuda", hw, []string{"T"}, [][]int64{{5}, {128}}, []float64{1, 1})
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}

	got, err := task.ResolveExtent(Extent{Var: "T"}, []int64{5})
	if err != nil || got != 5 {
		t.Fatalf("ResolveExtent(T): got %d, %v", got, err)
	}
	got, err = task.ResolveExtent(Extent{Size: 64}, nil)
	if err != nil || got != 64 {
		t.Fatalf("ResolveExtent(fixed): got %d, %v", got, err)
	}
	if _, err = task.ResolveExtent(Extent{Var: "U"}, []int64{5}); err == nil {
		t.Fatal("expected error for unbound shape variable")
	}

	maxT, err := task.MaxExtent(Extent{Var: "T"})
	if err != nil || maxT != 128 {
		t.Fatalf("MaxExtent: got %d, %v", maxT, err)
	}
	all, err := task.InstanceExtents(Extent{Var: "T"})
	if err != nil || len(all) != 2 || all[0] != 5 || all[1] != 128 {
		t.Fatalf("InstanceExtents: got %v, %v", all, err)
	}
}

func TestEstimateFlopForInst(t *testing.T) {
	t.Parallel()

	hw := testHW(t)
	w := Matmul(Extent{Var: "T"}, Extent{Size: 64}, Extent{Size: 32})
	task, err := NewTask(w, "cuda", hw, []string{"T"}, [][]int64{{10}}, []float64{1})
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	flop, err := task.EstimateFlopForInst([]int64{10})
	if err != nil {
		t.Fatalf("EstimateFlopForInst: %v", err)
	}
	// 2 flops per point of the 10x64x32 reduction nest.
	if want := 2.0 * 10 * 64 * 32; flop != want {
		t.Fatalf("flop estimate: got %v, want %v", flop, want)
	}
}
