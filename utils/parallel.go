// Package utils contains the small parallelism helpers the pipeline uses to
// fan work out across pixels within a chip and chips within a date.
package utils

import (
	"context"
	"math"
	"runtime"
	"sync"

	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
)

// ParallelFactor controls the max level of parallelization. Tests may lower
// it; chip feature extraction is CPU bound so more workers than cores only
// adds scheduling overhead.
var ParallelFactor = runtime.GOMAXPROCS(0)

func init() {
	if ParallelFactor <= 0 {
		ParallelFactor = 1
	}
}

// ParallelForEachPixel runs f for every pixel of a width x height grid,
// splitting rows across workers. f must not mutate shared state without its
// own synchronization.
func ParallelForEachPixel(width, height int, f func(x, y int)) {
	procs := ParallelFactor
	if procs > height {
		procs = height
	}
	if procs <= 1 {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				f(x, y)
			}
		}
		return
	}
	rowsPer := int(math.Ceil(float64(height) / float64(procs)))
	var wait sync.WaitGroup
	for from := 0; from < height; from += rowsPer {
		to := from + rowsPer
		if to > height {
			to = height
		}
		fromCopy, toCopy := from, to
		wait.Add(1)
		goutils.PanicCapturingGo(func() {
			defer wait.Done()
			for y := fromCopy; y < toCopy; y++ {
				for x := 0; x < width; x++ {
					f(x, y)
				}
			}
		})
	}
	wait.Wait()
}

// ParallelForEach runs work(i) for i in [0, n) across workers and combines
// any errors. A failed item does not stop the others; a canceled context
// only stops submission of further items.
func ParallelForEach(ctx context.Context, n int, work func(i int) error) error {
	procs := ParallelFactor
	if procs > n {
		procs = n
	}
	if procs <= 1 {
		var all error
		for i := 0; i < n; i++ {
			if ctx.Err() != nil {
				return multierr.Append(all, ctx.Err())
			}
			all = multierr.Append(all, work(i))
		}
		return all
	}

	idx := make(chan int)
	errs := make([]error, procs)
	var wait sync.WaitGroup
	for w := 0; w < procs; w++ {
		wCopy := w
		wait.Add(1)
		goutils.PanicCapturingGo(func() {
			defer wait.Done()
			for i := range idx {
				errs[wCopy] = multierr.Append(errs[wCopy], work(i))
			}
		})
	}
	var stopped error
submit:
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			stopped = ctx.Err()
			break submit
		case idx <- i:
		}
	}
	close(idx)
	wait.Wait()
	all := stopped
	for _, err := range errs {
		all = multierr.Append(all, err)
	}
	return all
}
