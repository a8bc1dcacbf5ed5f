package utils

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestParallelForEachPixelCoversGrid(t *testing.T) {
	const width, height = 37, 23
	var mu sync.Mutex
	seen := make(map[[2]int]int)
	ParallelForEachPixel(width, height, func(x, y int) {
		mu.Lock()
		seen[[2]int{x, y}]++
		mu.Unlock()
	})
	test.That(t, len(seen), test.ShouldEqual, width*height)
	for _, count := range seen {
		test.That(t, count, test.ShouldEqual, 1)
	}
}

func TestParallelForEachCollectsErrors(t *testing.T) {
	var ran int64
	err := ParallelForEach(context.Background(), 50, func(i int) error {
		atomic.AddInt64(&ran, 1)
		if i%10 == 3 {
			return errors.Errorf("item %d failed", i)
		}
		return nil
	})
	test.That(t, ran, test.ShouldEqual, int64(50))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestParallelForEachCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ParallelForEach(ctx, 1000, func(i int) error { return nil })
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
}
