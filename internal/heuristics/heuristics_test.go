package heuristics

import (
	"testing"
	"time"

	"github.com/shenandoah-gc/shenandoah/internal/collectionset"
	"github.com/shenandoah-gc/shenandoah/internal/freeset"
	"github.com/shenandoah-gc/shenandoah/internal/region"
)

func newTestHeap(t *testing.T, regions int, regionWords uintptr) *region.Heap {
	t.Helper()
	h, err := region.NewHeap(regions, regionWords*region.WordSize)
	if err != nil {
		t.Fatalf("NewHeap: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func makeRegularWithGarbage(t *testing.T, r *region.Region, used, live uintptr) {
	t.Helper()
	if err := r.MakeCommitted(); err != nil {
		t.Fatalf("MakeCommitted: %v", err)
	}
	if err := r.MakeRegularAlloc(); err != nil {
		t.Fatalf("MakeRegularAlloc: %v", err)
	}
	if used > 0 {
		if _, ok := r.Allocate(used, region.AllocMutatorShared); !ok {
			t.Fatal("allocate failed")
		}
	}
	if live > 0 {
		r.IncreaseLiveData(live)
	}
}

func TestShouldStartGCFreeFloorTrigger(t *testing.T) {
	h := newTestHeap(t, 10, 16)
	heur := New(Static, DefaultConfig(Static), h)

	in := TriggerInputs{
		MaxCapacity:     h.TotalSize(),
		SoftMaxCapacity: h.TotalSize(),
		Available:       h.TotalSize() / 20, // 5%, below the 10% default floor
		Now:             time.Now(),
	}
	ok, reason := heur.ShouldStartGC(in)
	if !ok {
		t.Fatal("expected free-floor trigger to fire")
	}
	if reason == "" {
		t.Error("expected a non-empty trigger reason")
	}
}

func TestShouldStartGCNoTriggerWhenAboveFloor(t *testing.T) {
	h := newTestHeap(t, 10, 16)
	heur := New(Static, DefaultConfig(Static), h)

	in := TriggerInputs{
		MaxCapacity:     h.TotalSize(),
		SoftMaxCapacity: h.TotalSize(),
		Available:       h.TotalSize(), // fully free
		Now:             time.Now(),
	}
	if ok, _ := heur.ShouldStartGC(in); ok {
		t.Error("should not trigger when free is comfortably above the floor")
	}
}

func TestPassiveNeverTriggers(t *testing.T) {
	h := newTestHeap(t, 4, 16)
	heur := New(Passive, DefaultConfig(Passive), h)
	in := TriggerInputs{
		MaxCapacity:     h.TotalSize(),
		SoftMaxCapacity: h.TotalSize(),
		Available:       0,
		Now:             time.Now(),
	}
	if ok, _ := heur.ShouldStartGC(in); ok {
		t.Error("Passive should never self-trigger a concurrent cycle")
	}
}

func TestCompactAllocationRateTrigger(t *testing.T) {
	h := newTestHeap(t, 10, 16)
	heur := New(Compact, DefaultConfig(Compact), h)
	in := TriggerInputs{
		MaxCapacity:                   h.TotalSize(),
		SoftMaxCapacity:               h.TotalSize(),
		Available:                     h.TotalSize(), // free floor not a factor
		BytesAllocatedSinceCycleStart: h.TotalSize(), // 100% > 10% threshold
		Now:                           time.Now(),
	}
	ok, _ := heur.ShouldStartGC(in)
	if !ok {
		t.Fatal("expected Compact's allocation-rate trigger to fire")
	}
}

func TestGuaranteedIntervalTrigger(t *testing.T) {
	h := newTestHeap(t, 10, 16)
	cfg := DefaultConfig(Static)
	cfg.GuaranteedGCInterval = time.Second
	heur := New(Static, cfg, h)
	heur.RecordCycleEnd(time.Now().Add(-2 * time.Second))

	in := TriggerInputs{
		MaxCapacity:     h.TotalSize(),
		SoftMaxCapacity: h.TotalSize(),
		Available:       h.TotalSize(),
		Now:             time.Now(),
	}
	ok, reason := heur.ShouldStartGC(in)
	if !ok || reason == "" {
		t.Fatal("expected guaranteed-interval trigger to fire")
	}
}

func TestRecordSuccessFeedbackCounters(t *testing.T) {
	h := newTestHeap(t, 4, 16)
	heur := New(Adaptive, DefaultConfig(Adaptive), h)

	heur.RecordSuccessDegenerated()
	heur.RecordSuccessDegenerated()
	if got := heur.DegeneratedCyclesInRow(); got != 2 {
		t.Errorf("degenerated streak = %d, want 2", got)
	}
	if got := heur.GCTimePenalty(); got != 2*degeneratedPenalty {
		t.Errorf("penalty = %d, want %d", got, 2*degeneratedPenalty)
	}

	heur.RecordSuccessConcurrent()
	if got := heur.DegeneratedCyclesInRow(); got != 0 {
		t.Errorf("a concurrent success should reset the degenerated streak, got %d", got)
	}
	if got := heur.SuccessfulCyclesInRow(); got != 1 {
		t.Errorf("successful streak = %d, want 1", got)
	}
}

func TestShouldDegenerateCycleRespectsFullGCThreshold(t *testing.T) {
	h := newTestHeap(t, 4, 16)
	cfg := DefaultConfig(Adaptive)
	cfg.FullGCThreshold = 2
	heur := New(Adaptive, cfg, h)

	if !heur.ShouldDegenerateCycle() {
		t.Fatal("fresh heuristics should allow a degenerated retry")
	}
	heur.RecordSuccessDegenerated()
	heur.RecordSuccessDegenerated()
	heur.RecordSuccessDegenerated()
	if heur.ShouldDegenerateCycle() {
		t.Error("should escalate to full GC once the degenerated streak exceeds the threshold")
	}
}

func TestShouldDegenerateCyclePassiveFollowsAllowFlag(t *testing.T) {
	h := newTestHeap(t, 4, 16)
	cfg := DefaultConfig(Passive)
	cfg.AllowDegenerate = false
	heur := New(Passive, cfg, h)
	if heur.ShouldDegenerateCycle() {
		t.Error("Passive with AllowDegenerate=false should never retry degenerated")
	}
}

func TestChooseCollectionSetTrashesImmediateGarbageAndSelectsCandidates(t *testing.T) {
	h := newTestHeap(t, 4, 16)
	// Region 0: fully garbage (no live data) -> immediate trash.
	makeRegularWithGarbage(t, h.Region(0), 16, 0)
	// Region 1: mostly garbage with some live data -> a cset candidate.
	makeRegularWithGarbage(t, h.Region(1), 16, 2)
	// Region 2: left empty.
	// Region 3: left empty.

	cs := collectionset.New(h)
	cfg := DefaultConfig(Static)
	cfg.GarbageThreshold = 0
	cfg.ImmediateThreshold = 100
	heur := New(Static, cfg, h)

	heur.ChooseCollectionSet(cs)

	if h.Region(0).State() != region.StateTrash {
		t.Errorf("region 0 state = %v, want Trash (all garbage, no live data)", h.Region(0).State())
	}
	if !cs.IsInIndex(1) {
		t.Error("region 1 should have been selected into the collection set")
	}
	if cs.IsInIndex(0) {
		t.Error("an all-garbage region should be trashed directly, not added to the cset")
	}
}

func TestChooseCollectionSetSkipsWhenImmediateGarbageExceedsThreshold(t *testing.T) {
	h := newTestHeap(t, 2, 16)
	makeRegularWithGarbage(t, h.Region(0), 16, 0) // all garbage -> immediate trash, 100% of total garbage

	cs := collectionset.New(h)
	cfg := DefaultConfig(Static)
	cfg.ImmediateThreshold = 50
	heur := New(Static, cfg, h)

	heur.ChooseCollectionSet(cs)

	if cs.Count() != 0 {
		t.Error("cset selection should be skipped once immediate garbage exceeds ImmediateThreshold")
	}
}

func TestCheckProgressRejectsBelowCriticalFreeThreshold(t *testing.T) {
	h := newTestHeap(t, 4, 16)
	heur := New(Adaptive, DefaultConfig(Adaptive), h)

	before := ProgressSnapshot{used: 60, internalFragmentation: 0.5, externalFragmentation: 0.5}
	after := ProgressSnapshot{used: 0, internalFragmentation: 0, externalFragmentation: 0}

	if heur.CheckProgress(before, after, 0, h.TotalSize()) {
		t.Error("progress below the critical free threshold must never count as good progress")
	}
}

func TestCheckProgressAcceptsRegionsWorthOfFreedUsed(t *testing.T) {
	h := newTestHeap(t, 4, 16)
	heur := New(Adaptive, DefaultConfig(Adaptive), h)

	regionBytes := h.RegionSize()
	before := ProgressSnapshot{used: 3 * regionBytes, internalFragmentation: 0.1, externalFragmentation: 0.1}
	after := ProgressSnapshot{used: 1 * regionBytes, internalFragmentation: 0.1, externalFragmentation: 0.1}

	if !heur.CheckProgress(before, after, h.TotalSize(), h.TotalSize()) {
		t.Error("freeing more than a region's worth of used space should count as good progress")
	}
}

func TestCheckProgressAcceptsFragmentationImprovement(t *testing.T) {
	h := newTestHeap(t, 4, 16)
	heur := New(Adaptive, DefaultConfig(Adaptive), h)

	before := ProgressSnapshot{used: 10, internalFragmentation: 0.30, externalFragmentation: 0.30}
	after := ProgressSnapshot{used: 10, internalFragmentation: 0.10, externalFragmentation: 0.30}

	if !heur.CheckProgress(before, after, h.TotalSize(), h.TotalSize()) {
		t.Error("a >1%% internal fragmentation improvement should count as good progress")
	}
}

func TestSnapBeforeAfterReadFreeSet(t *testing.T) {
	h := newTestHeap(t, 4, 16)
	fs := freeset.New(h, 1<<20, false)
	fs.Rebuild(0)

	before := SnapBefore(fs)
	req := &region.Request{Kind: region.AllocMutatorShared, RequestedWords: 16}
	if _, ok := fs.Allocate(req); !ok {
		t.Fatal("allocate failed")
	}
	after := SnapAfter(fs)

	if after.used <= before.used {
		t.Error("SnapAfter should observe the allocation made between snapshots")
	}
}
