package gcworkers

import (
	"context"
	"testing"
	"time"

	"github.com/shenandoah-gc/shenandoah/internal/freeset"
	"github.com/shenandoah-gc/shenandoah/internal/region"
)

func newPacerTestFreeSet(t *testing.T) *freeset.FreeSet {
	t.Helper()
	h, err := region.NewHeap(4, 16*region.WordSize)
	if err != nil {
		t.Fatalf("NewHeap: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	fs := freeset.New(h, 1<<20, false)
	fs.Rebuild(0)
	return fs
}

func TestPacerDisabledNeverBlocks(t *testing.T) {
	p := NewPacer(1000)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := p.Claim(ctx, 10000); err != nil {
		t.Errorf("Claim with pacing disabled should never block: %v", err)
	}
}

func TestPacerEnabledBlocksUntilUpdateReplenishes(t *testing.T) {
	fs := newPacerTestFreeSet(t)
	p := NewPacer(64)
	p.SetEnabled(true)
	p.StartCycle()

	// Drain the whole starting budget.
	if err := p.Claim(context.Background(), 64); err != nil {
		t.Fatalf("first Claim: %v", err)
	}

	claimed := make(chan error, 1)
	go func() {
		claimed <- p.Claim(context.Background(), 8)
	}()

	select {
	case <-claimed:
		t.Fatal("Claim returned before any budget was replenished")
	case <-time.After(50 * time.Millisecond):
	}

	p.Update(fs, 1.0) // full marking progress, empty heap: no fragmentation
	select {
	case err := <-claimed:
		if err != nil {
			t.Errorf("Claim after Update: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Claim did not unblock after Update replenished the budget")
	}
}

func TestPacerClaimRespectsContextCancellation(t *testing.T) {
	p := NewPacer(10)
	p.SetEnabled(true)
	p.StartCycle()
	p.Claim(context.Background(), 10) // exhaust the budget

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.Claim(ctx, 1); err == nil {
		t.Error("Claim should report an error once its context is done")
	}
}

func TestPacerUpdateNeverExceedsCapacity(t *testing.T) {
	fs := newPacerTestFreeSet(t)
	p := NewPacer(100)
	p.SetEnabled(true)
	p.StartCycle()
	p.Update(fs, 1.0)
	p.Update(fs, 1.0)
	if got := p.BudgetWords(); got > 100 {
		t.Errorf("BudgetWords = %d, want capped at 100", got)
	}
}
