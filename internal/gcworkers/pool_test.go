package gcworkers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/shenandoah-gc/shenandoah/internal/gcstate"
)

func TestRunVisitsEveryItemExactlyOnce(t *testing.T) {
	p := New(4, nil)
	var count atomic.Int64
	seen := make([]atomic.Bool, 50)

	err := p.Run(context.Background(), len(seen), func(_ context.Context, i int) error {
		if !seen[i].CompareAndSwap(false, true) {
			t.Errorf("item %d visited twice", i)
		}
		count.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if count.Load() != int64(len(seen)) {
		t.Errorf("count = %d, want %d", count.Load(), len(seen))
	}
}

func TestRunPropagatesFirstError(t *testing.T) {
	p := New(2, nil)
	sentinel := errors.New("boom")

	err := p.Run(context.Background(), 10, func(_ context.Context, i int) error {
		if i == 5 {
			return sentinel
		}
		return nil
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("Run error = %v, want %v", err, sentinel)
	}
}

func TestRunRespectsCancellationFlag(t *testing.T) {
	cancel := &gcstate.Cancellation{}
	cancel.TryCancel()
	p := New(2, cancel)

	err := p.Run(context.Background(), 4, func(_ context.Context, _ int) error {
		t.Error("fn should not run once the cancellation flag is already tripped")
		return nil
	})
	if err == nil {
		t.Error("Run should report an error when cancellation is already set")
	}
}

func TestRunUntilCancelledStopsOnFalse(t *testing.T) {
	p := New(3, nil)
	var calls atomic.Int64

	err := p.RunUntilCancelled(context.Background(), func(_ context.Context, _ int) (bool, error) {
		n := calls.Add(1)
		return n < 20, nil
	})
	if err != nil {
		t.Fatalf("RunUntilCancelled: %v", err)
	}
	if calls.Load() < 20 {
		t.Errorf("calls = %d, want at least 20", calls.Load())
	}
}

func TestRunUntilCancelledStopsOnCancellation(t *testing.T) {
	cancel := &gcstate.Cancellation{}
	p := New(2, cancel)
	var calls atomic.Int64

	err := p.RunUntilCancelled(context.Background(), func(_ context.Context, _ int) (bool, error) {
		if calls.Add(1) == 5 {
			cancel.TryCancel()
		}
		return true, nil
	})
	if err != nil {
		t.Fatalf("RunUntilCancelled: %v", err)
	}
}
