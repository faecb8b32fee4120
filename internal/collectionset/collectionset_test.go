package collectionset

import (
	"sync"
	"testing"

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

func makeRegular(t *testing.T, r *region.Region) {
	t.Helper()
	if err := r.MakeCommitted(); err != nil {
		t.Fatalf("MakeCommitted: %v", err)
	}
	if err := r.MakeRegularAlloc(); err != nil {
		t.Fatalf("MakeRegularAlloc: %v", err)
	}
}

func TestAddRegionTransitionsAndAccumulates(t *testing.T) {
	h := newTestHeap(t, 4, 16)
	r := h.Region(0)
	makeRegular(t, r)
	if _, ok := r.Allocate(8, region.AllocMutatorShared); !ok {
		t.Fatal("allocate failed")
	}
	r.IncreaseLiveData(4) // 4 live words of 8 used -> 4 words garbage

	cs := New(h)
	if err := cs.AddRegion(r); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	if r.State() != region.StateCSet {
		t.Errorf("region state = %v, want CSet", r.State())
	}
	if cs.Count() != 1 {
		t.Errorf("Count = %d, want 1", cs.Count())
	}
	if cs.Used() != 8*region.WordSize {
		t.Errorf("Used = %d, want %d", cs.Used(), 8*region.WordSize)
	}
	if cs.Garbage() != 4*region.WordSize {
		t.Errorf("Garbage = %d, want %d", cs.Garbage(), 4*region.WordSize)
	}
	if !cs.IsInRegion(r) || !cs.IsInIndex(0) {
		t.Error("region 0 should report as a cset member")
	}
}

func TestAddRegionRejectsPinned(t *testing.T) {
	h := newTestHeap(t, 1, 16)
	r := h.Region(0)
	makeRegular(t, r)
	r.Pin()

	cs := New(h)
	if err := cs.AddRegion(r); err == nil {
		t.Error("AddRegion on a pinned region should fail")
	}
	if cs.Count() != 0 {
		t.Error("a failed AddRegion must not have accumulated counters")
	}
}

func TestIsInAddrMatchesIsInIndex(t *testing.T) {
	h := newTestHeap(t, 4, 16)
	r1 := h.Region(1)
	makeRegular(t, r1)

	cs := New(h)
	if err := cs.AddRegion(r1); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}

	addrInRegion1 := r1.Bottom() + 4*region.WordSize
	if !cs.IsInAddr(addrInRegion1) {
		t.Error("an address inside region 1 should report as a cset member")
	}
	if cs.IsInAddr(h.Region(2).Bottom()) {
		t.Error("an address inside region 2 should not report as a cset member")
	}
}

func TestIsInAddrOutOfRangeIsFalse(t *testing.T) {
	h := newTestHeap(t, 2, 16)
	cs := New(h)
	if cs.IsInAddr(region.Address(h.TotalSize() * 10)) {
		t.Error("an address far outside the heap must report false, not panic or alias")
	}
}

func TestClearResetsEverything(t *testing.T) {
	h := newTestHeap(t, 2, 16)
	r := h.Region(0)
	makeRegular(t, r)
	cs := New(h)
	if err := cs.AddRegion(r); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	cs.Clear()
	if cs.Count() != 0 || cs.Used() != 0 || cs.Garbage() != 0 {
		t.Error("Clear should zero all counters")
	}
	if cs.IsInIndex(0) {
		t.Error("Clear should remove membership")
	}
}

func TestClaimNextVisitsEachMemberExactlyOnce(t *testing.T) {
	h := newTestHeap(t, 8, 16)
	cs := New(h)
	for _, i := range []int{1, 3, 5, 6} {
		r := h.Region(i)
		makeRegular(t, r)
		if err := cs.AddRegion(r); err != nil {
			t.Fatalf("AddRegion(%d): %v", i, err)
		}
	}

	const workers = 4
	claimed := make([][]int, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			for {
				r := cs.ClaimNext()
				if r == nil {
					return
				}
				claimed[w] = append(claimed[w], r.Index())
			}
		}(w)
	}
	wg.Wait()

	seen := map[int]int{}
	for _, list := range claimed {
		for _, idx := range list {
			seen[idx]++
		}
	}
	for _, idx := range []int{1, 3, 5, 6} {
		if seen[idx] != 1 {
			t.Errorf("region %d claimed %d times, want exactly 1", idx, seen[idx])
		}
	}
	if len(seen) != 4 {
		t.Errorf("claimed %d distinct regions, want 4", len(seen))
	}
	if cs.ClaimNext() != nil {
		t.Error("ClaimNext after full drain should return nil")
	}
}

func TestNextSingleThreaded(t *testing.T) {
	h := newTestHeap(t, 4, 16)
	cs := New(h)
	for _, i := range []int{0, 2} {
		r := h.Region(i)
		makeRegular(t, r)
		if err := cs.AddRegion(r); err != nil {
			t.Fatalf("AddRegion(%d): %v", i, err)
		}
	}

	first := cs.Next()
	if first == nil || first.Index() != 0 {
		t.Fatalf("first Next() = %v, want region 0", first)
	}
	second := cs.Next()
	if second == nil || second.Index() != 2 {
		t.Fatalf("second Next() = %v, want region 2", second)
	}
	if cs.Next() != nil {
		t.Error("Next() after exhausting members should return nil")
	}
}

func TestResetCursorAllowsSecondPass(t *testing.T) {
	h := newTestHeap(t, 2, 16)
	r := h.Region(0)
	makeRegular(t, r)
	cs := New(h)
	if err := cs.AddRegion(r); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	if cs.Next() == nil {
		t.Fatal("first Next() should find region 0")
	}
	if cs.Next() != nil {
		t.Fatal("cursor should be exhausted")
	}
	cs.ResetCursor()
	if cs.Next() == nil {
		t.Error("Next() after ResetCursor should find region 0 again")
	}
}
