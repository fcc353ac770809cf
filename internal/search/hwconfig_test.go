package search

import (
	"testing"
)

func TestEmitConfigRespectsCapacities(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, staticTask(t, 128, 128, 64))
	hw := p.task.Hardware
	spaceDims, reduceDims := p.task.Workload.IterDims()

	configs, err := p.EmitConfig(spaceDims, reduceDims)
	if err != nil {
		t.Fatalf("EmitConfig: %v", err)
	}
	if len(configs) == 0 {
		t.Fatal("no config emitted for a device-sized workload")
	}
	for _, cfg := range configs {
		if cfg.SingleThreadRegUsage > int64(hw.RegCap[1]) {
			t.Fatalf("register usage %d over cap %d", cfg.SingleThreadRegUsage, hw.RegCap[1])
		}
		if cfg.SmemUsage > int64(hw.SmemCap[0]) {
			t.Fatalf("smem usage %d over cap %d", cfg.SmemUsage, hw.SmemCap[0])
		}
		if cfg.ThreadsNum >= 1024 {
			t.Fatalf("thread count %d over launch limit", cfg.ThreadsNum)
		}
		for d := 0; d < spaceDims; d++ {
			if cfg.SpaceTiles[0][d]%cfg.SpaceTiles[1][d] != 0 {
				t.Fatalf("outer tile %d not a multiple of inner tile %d",
					cfg.SpaceTiles[0][d], cfg.SpaceTiles[1][d])
			}
		}
	}
}

func TestEmitConfigDynamicUsesMaxExtents(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, dynTask(t, [][]int64{{5}, {10}, {77}}, []float64{1, 1, 1}))
	configs, err := p.EmitConfig(p.task.Workload.IterDims())
	if err != nil {
		t.Fatalf("EmitConfig: %v", err)
	}
	if len(configs) == 0 {
		t.Fatal("no config emitted for dynamic task")
	}
	for _, cfg := range configs {
		// The symbolic M dimension tops out at 77.
		if cfg.SpaceTiles[0][0] >= 77 {
			t.Fatalf("tile %d not bounded by the max instance extent", cfg.SpaceTiles[0][0])
		}
	}
}

func TestConfigLessIsStrictWeakOrdering(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, staticTask(t, 128, 128, 64))
	configs, err := p.EmitConfig(p.task.Workload.IterDims())
	if err != nil {
		t.Fatalf("EmitConfig: %v", err)
	}
	if len(configs) > 24 {
		configs = configs[:24]
	}
	for _, a := range configs {
		if a.Less(a) {
			t.Fatal("irreflexivity violated")
		}
		for _, b := range configs {
			if a.Less(b) && b.Less(a) {
				t.Fatal("asymmetry violated")
			}
			for _, c := range configs {
				if a.Less(b) && b.Less(c) && !a.Less(c) {
					t.Fatal("transitivity violated")
				}
			}
		}
	}
}

func TestConfigKeyMatchesEquality(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, staticTask(t, 128, 128, 64))
	configs, err := p.EmitConfig(p.task.Workload.IterDims())
	if err != nil {
		t.Fatalf("EmitConfig: %v", err)
	}
	if len(configs) > 64 {
		configs = configs[:64]
	}
	for _, a := range configs {
		for _, b := range configs {
			equal := !a.Less(b) && !b.Less(a)
			if equal != (a.Key() == b.Key()) {
				t.Fatalf("Key and Less disagree: %s vs %s", a.Key(), b.Key())
			}
		}
	}
}

func TestOdometerEnumeratesFullProduct(t *testing.T) {
	t.Parallel()

	tiles := alignedTiles{
		space:  [][]int64{{1, 2}, {1, 3, 5}},
		reduce: [][]int64{{1, 7}},
	}
	o := newOdometer(tiles)
	seen := make(map[string]bool)
	count := 0
	for o.hasNext() {
		space, reduce := o.current()
		cfg := HwAlignedConfig{SpaceTiles: [][]int64{space}, ReduceTiles: [][]int64{reduce}}
		key := cfg.Key()
		if seen[key] {
			t.Fatalf("odometer revisited %s", key)
		}
		seen[key] = true
		count++
		o.advance(false)
	}
	if want := 2 * 3 * 2; count != want {
		t.Fatalf("enumerated %d candidates, want %d", count, want)
	}
}

func TestOdometerPruneSkipsInnermostTail(t *testing.T) {
	t.Parallel()

	tiles := alignedTiles{
		space:  [][]int64{{1, 2}, {1, 3, 5}},
		reduce: [][]int64{{1}},
	}
	o := newOdometer(tiles)
	count := 0
	for o.hasNext() {
		count++
		o.advance(true)
	}
	// Pruning after every candidate collapses the innermost dimension:
	// only the first entry of the second wheel is ever visited.
	if count != 2 {
		t.Fatalf("pruned walk visited %d candidates, want 2", count)
	}
}

func TestSmallPrimes(t *testing.T) {
	t.Parallel()

	got := smallPrimes([]int64{12, 35})
	want := []int64{2, 3, 5, 7}
	if len(got) != len(want) {
		t.Fatalf("smallPrimes: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("smallPrimes: got %v, want %v", got, want)
		}
	}
}
