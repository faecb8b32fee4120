// Package gcworkers implements the fixed GC worker pool that marks,
// evacuates, and updates references (spec §5's "GC workers" thread
// class), the safepoint rendezvous helper mutators are brought to for
// root scanning and phase transitions, and the allocation pacer that
// throttles mutators to marking progress.
package gcworkers

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/shenandoah-gc/shenandoah/internal/gcstate"
)

// Pool is a fixed-size worker pool bounding concurrent GC work (marking,
// evacuation, update-refs) to Concurrency goroutines regardless of how
// many work items a phase submits, grounded on the teacher's
// errgroup.WithContext plus buffered-channel semaphore shape.
type Pool struct {
	concurrency int
	cancel      *gcstate.Cancellation
}

// New creates a Pool bounding fan-out to concurrency goroutines.
// concurrency <= 0 is clamped to 1.
func New(concurrency int, cancel *gcstate.Cancellation) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pool{concurrency: concurrency, cancel: cancel}
}

// Concurrency returns the pool's configured fan-out width.
func (p *Pool) Concurrency() int { return p.concurrency }

// Run fans work out across p.Concurrency goroutines, one call to fn per
// item, stopping at the first error and cancelling the remaining items'
// context. A nil cancellation flag disables the cooperative-cancel check
// (used by tests that don't need it).
func (p *Pool) Run(ctx context.Context, items int, fn func(ctx context.Context, i int) error) error {
	if items <= 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, p.concurrency)

	for i := 0; i < items; i++ {
		i := i
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-sem }()

			if p.cancel != nil && p.cancel.IsCancelled() {
				return fmt.Errorf("gcworkers: cancelled before item %d", i)
			}
			return fn(gctx, i)
		})
	}
	return g.Wait()
}

// RunUntilCancelled repeatedly calls fn (one goroutine per worker slot)
// until it returns false or the cancellation flag trips, the shape a
// continuous marking/evacuation drain loop takes rather than a bounded
// work-item fan-out. Grounded on the same pool, adapted for an unbounded
// work-stealing drain instead of a fixed item count.
func (p *Pool) RunUntilCancelled(ctx context.Context, fn func(ctx context.Context, worker int) (more bool, err error)) error {
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < p.concurrency; w++ {
		w := w
		g.Go(func() error {
			for {
				if p.cancel != nil && p.cancel.IsCancelled() {
					return nil
				}
				select {
				case <-gctx.Done():
					return gctx.Err()
				default:
				}
				more, err := fn(gctx, w)
				if err != nil {
					return err
				}
				if !more {
					return nil
				}
			}
		})
	}
	return g.Wait()
}
