package search

import (
	"sort"
	"testing"

	"github.com/guesswewho/ftuner/internal/schedule"
)

func sketchKeys(states []schedule.State) []string {
	keys := make([]string, len(states))
	for i, s := range states {
		keys[i] = s.CanonKey()
	}
	sort.Strings(keys)
	return keys
}

func TestGenerateSketchesIdempotent(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, staticTask(t, 128, 128, 64))
	first := sketchKeys(p.GenerateSketches())
	second := sketchKeys(p.GenerateSketches())

	if len(first) == 0 {
		t.Fatal("no sketches generated")
	}
	if len(first) != len(second) {
		t.Fatalf("sketch counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatal("sketch sets differ between runs")
		}
	}
}

func TestSketchesContainTilingSkeleton(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, staticTask(t, 128, 128, 64))
	sketches := p.Sketches()

	spaceDims, reduceDims := p.task.Workload.IterDims()
	s, ok := pickTiledSketch(sketches, spaceDims, reduceDims)
	if !ok {
		t.Fatal("no multi-level tiling sketch found")
	}
	for _, st := range s.Steps {
		if st.Kind == schedule.KindSplit && st.FullySpecified() {
			t.Fatalf("tiling skeleton carries fixed factors: %+v", st)
		}
	}
}

func TestSketchesLeaveRfactorSplitUnspecified(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, staticTask(t, 128, 128, 64))
	found := false
	for _, s := range p.Sketches() {
		for i, st := range s.Steps {
			if st.Kind != schedule.KindRfactor {
				continue
			}
			found = true
			if i == 0 || s.Steps[i-1].Kind != schedule.KindSplit {
				t.Fatal("rfactor step without a preceding split")
			}
			if s.Steps[i-1].FullySpecified() {
				t.Fatalf("split before rfactor kept a fixed factor: %+v", s.Steps[i-1])
			}
		}
	}
	if !found {
		t.Fatal("no rfactor sketch generated for a static reduction workload")
	}
}

func TestDynamicSketchesSkipStaticOnlyRules(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, dynTask(t, [][]int64{{5}, {64}}, []float64{1, 1}))
	for _, s := range p.Sketches() {
		for _, st := range s.Steps {
			if st.Kind == schedule.KindRfactor {
				t.Fatal("rfactor emitted for a dynamic-shape task")
			}
		}
	}
}

func TestSketchesDedupCacheStages(t *testing.T) {
	t.Parallel()

	p := newTestPolicy(t, staticTask(t, 128, 128, 64))
	for _, s := range p.Sketches() {
		reads := 0
		for _, st := range s.Steps {
			if st.Kind == schedule.KindCacheRead {
				reads++
			}
		}
		// Matmul has two inputs; the cache-read rule fires at most once.
		if reads > 2 {
			t.Fatalf("cache-read applied repeatedly: %d reads", reads)
		}
	}
}
