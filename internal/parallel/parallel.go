// Package parallel runs independent units of work on a bounded number of
// goroutines.
package parallel

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Workers returns the default goroutine bound.
func Workers() int {
	return runtime.GOMAXPROCS(0)
}

// ForEach calls f(i) for every i in [0, n) on at most workers goroutines
// and returns the first error. With workers <= 1 the calls run inline, in
// order, stopping at the first error.
func ForEach(n, workers int, f func(i int) error) error {
	if workers <= 1 || n <= 1 {
		for i := range n {
			if err := f(i); err != nil {
				return err
			}
		}
		return nil
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for i := range n {
		g.Go(func() error {
			return f(i)
		})
	}
	return g.Wait()
}

// ForGrid calls f(r, c) for every cell of a rows x cols grid, spreading
// rows*cols units over at most workers goroutines.
func ForGrid(rows, cols, workers int, f func(r, c int)) {
	if cols == 0 {
		return
	}
	_ = ForEach(rows*cols, workers, func(k int) error {
		f(k/cols, k%cols)
		return nil
	})
}
