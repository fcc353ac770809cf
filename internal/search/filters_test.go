package search

import (
	"testing"

	"github.com/guesswewho/ftuner/internal/schedule"
	"github.com/guesswewho/ftuner/internal/workload"
)

// splitState builds a state with one 3-factor split of the given extent
// and inner lengths, enough for the grid and padding computations.
func splitState(p *SketchPolicy, extent int64, lengths []int64) schedule.State {
	return schedule.Init(p.task.Workload).Append(
		schedule.NewSplit(0, 0, workload.Extent{Size: extent}, lengths))
}

func TestThreadsNumberFilter(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, staticTask(t, 128, 128, 64))
	// Quantum on this device: warp 32 x 4 partition units = 128.
	fp := filterPair{
		configs: []*HwAlignedConfig{{ThreadsNum: 128}, {ThreadsNum: 96}, {ThreadsNum: 256}},
		states:  make([]schedule.State, 3),
	}
	out := p.threadsNumberFilter(fp)
	if len(out.configs) != 2 {
		t.Fatalf("kept %d configs, want 2", len(out.configs))
	}
	if out.configs[0].ThreadsNum != 128 || out.configs[1].ThreadsNum != 256 {
		t.Fatalf("wrong survivors: %v %v", out.configs[0].ThreadsNum, out.configs[1].ThreadsNum)
	}
}

func TestRegisterLaunchBoundsFilterRejectsOverBudget(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, staticTask(t, 128, 128, 64))
	p.task.Hardware.MaxRegPerSM = 128

	mk := func(regUsage int64) (*HwAlignedConfig, schedule.State) {
		cfg := &HwAlignedConfig{
			SingleThreadRegUsage: regUsage,
			ThreadsNum:           1,
			ReduceTiles:          [][]int64{{0}, {1}},
		}
		// Grid 64: one resident block per SM on this device.
		return cfg, splitState(p, 64, []int64{1, 1, 1})
	}

	over, overState := mk(130)
	under, underState := mk(100)
	fp := filterPair{
		configs: []*HwAlignedConfig{over, under},
		states:  []schedule.State{overState, underState},
	}
	out, err := p.registerLaunchBoundsFilter(fp, nil)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(out.configs) != 1 || out.configs[0] != under {
		t.Fatalf("expected only the 100-register config to survive, got %d", len(out.configs))
	}
}

func TestSharedMemoryLaunchBoundsFilter(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, staticTask(t, 128, 128, 64))
	maxSmem := int64(p.task.Hardware.MaxSmemUsagePerSM)

	fits := &HwAlignedConfig{SmemUsage: maxSmem/2 - 1}
	blown := &HwAlignedConfig{SmemUsage: maxSmem}
	state := splitState(p, 4096, []int64{1, 1, 1})
	fp := filterPair{
		configs: []*HwAlignedConfig{fits, blown},
		states:  []schedule.State{state, state},
	}
	out, err := p.sharedMemoryLaunchBoundsFilter(fp, nil)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(out.configs) != 1 || out.configs[0] != fits {
		t.Fatalf("expected only the fitting config to survive, got %d", len(out.configs))
	}
}

func TestPaddingFilterRelaxesUntilNonEmpty(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, staticTask(t, 128, 128, 64))
	// Extent 7 tiled by 4 pads to 8: penalty 0.875, below the first
	// threshold but above the floor.
	state := splitState(p, 7, []int64{1, 2, 2})
	fp := filterPair{
		configs: []*HwAlignedConfig{{}},
		states:  []schedule.State{state},
	}
	out, err := p.paddingFilter(fp, nil)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(out.configs) != 1 {
		t.Fatalf("relaxation must keep the only candidate, kept %d", len(out.configs))
	}
}

func TestPaddingPenalty(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, staticTask(t, 128, 128, 64))
	cases := []struct {
		extent  int64
		lengths []int64
		want    float64
	}{
		{extent: 64, lengths: []int64{1, 8, 4}, want: 1},
		{extent: 7, lengths: []int64{1, 2, 2}, want: 7.0 / 8.0},
		{extent: 5, lengths: []int64{3, 1}, want: 5.0 / 6.0},
	}
	for _, tc := range cases {
		s := schedule.Init(p.task.Workload).Append(
			schedule.NewSplit(0, 0, workload.Extent{Size: tc.extent}, tc.lengths))
		got, err := p.paddingPenalty(s, nil)
		if err != nil {
			t.Fatalf("paddingPenalty: %v", err)
		}
		if got != tc.want {
			t.Fatalf("extent %d tiles %v: got %v, want %v", tc.extent, tc.lengths, got, tc.want)
		}
	}
}

func TestOccupancyFilterFallsBackToInputs(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, staticTask(t, 128, 128, 64))
	// Grid 1 on an 82-core device: occupancy far below any threshold.
	state := splitState(p, 64, []int64{1, 8, 8})
	fp := filterPair{
		configs: []*HwAlignedConfig{{ThreadsNum: 128}},
		states:  []schedule.State{state},
	}
	out, err := p.occupancyFilter(fp, nil)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(out.configs) != 1 {
		t.Fatalf("floor fallback must pass inputs through, got %d", len(out.configs))
	}
}

func TestTopKByRatioOrdersDescending(t *testing.T) {
	t.Parallel()

	fp := filterPair{
		configs: []*HwAlignedConfig{
			{ComputeIntensiveRatio: []float64{0.2, 0}},
			{ComputeIntensiveRatio: []float64{0.9, 0}},
			{ComputeIntensiveRatio: []float64{0.5, 0}},
		},
		states: make([]schedule.State, 3),
	}
	out := topKByRatio(fp, 0, 2)
	if len(out.configs) != 2 {
		t.Fatalf("kept %d, want 2", len(out.configs))
	}
	if out.configs[0].ComputeIntensiveRatio[0] != 0.9 || out.configs[1].ComputeIntensiveRatio[0] != 0.5 {
		t.Fatal("top-k did not sort descending")
	}
}

func TestGridSize(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, staticTask(t, 128, 128, 64))
	s := schedule.Init(p.task.Workload)
	s = s.Append(schedule.NewSplit(0, 0, workload.Extent{Size: 128}, []int64{1, 8, 4}))
	s = s.Append(schedule.NewSplit(0, 1, workload.Extent{Size: 128}, []int64{1, 16, 2}))
	// Reduce split must not contribute to the grid.
	s = s.Append(schedule.NewSplit(0, 2, workload.Extent{Size: 64}, []int64{8, 1}))

	got, err := p.gridSize(s, nil)
	if err != nil {
		t.Fatalf("gridSize: %v", err)
	}
	if want := int64(4 * 4); got != want {
		t.Fatalf("grid: got %d, want %d", got, want)
	}
}
