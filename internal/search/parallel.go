package search

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// parallelFor runs fn for every index in [0, n) on a bounded worker pool.
// Each invocation must write only to its own output slot; fn receives no
// shared mutable state and the call returns only after every index ran.
func parallelFor(n int, fn func(i int)) {
	if n <= 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < n; i++ {
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	// fn never returns an error; Wait only joins the pool.
	_ = g.Wait()
}
