package forwarding

import (
	"sync"
	"testing"

	"github.com/shenandoah-gc/shenandoah/internal/region"
)

func newTestHeap(t *testing.T) *region.Heap {
	t.Helper()
	h, err := region.NewHeap(4, 256*uintptr(region.WordSize))
	if err != nil {
		t.Fatalf("NewHeap: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	r := h.Region(0)
	if err := r.MakeCommitted(); err != nil {
		t.Fatalf("MakeCommitted: %v", err)
	}
	if err := r.MakeRegularAlloc(); err != nil {
		t.Fatalf("MakeRegularAlloc: %v", err)
	}
	return h
}

func TestForwardingBasic(t *testing.T) {
	h := newTestHeap(t)
	r := h.Region(0)
	obj, ok := r.Allocate(4, region.AllocMutatorShared)
	if !ok {
		t.Fatal("allocate failed")
	}
	slot := New(h)

	if slot.IsForwarded(obj) {
		t.Error("freshly allocated object should not be forwarded")
	}
	if got := slot.Get(obj); got != obj {
		t.Errorf("Get on unforwarded object = %v, want %v", got, obj)
	}

	copy, ok := r.Allocate(4, region.AllocCollectorGCLAB)
	if !ok {
		t.Fatal("allocate copy failed")
	}
	won := slot.TryInstall(obj, copy)
	if won != copy {
		t.Errorf("TryInstall winner = %v, want %v", won, copy)
	}
	if !slot.IsForwarded(obj) {
		t.Error("object should be forwarded after install")
	}
	if got := slot.Get(obj); got != copy {
		t.Errorf("Get after install = %v, want %v", got, copy)
	}
}

func TestForwardingIdempotence(t *testing.T) {
	h := newTestHeap(t)
	r := h.Region(0)
	obj, _ := r.Allocate(4, region.AllocMutatorShared)
	copyAddr, _ := r.Allocate(4, region.AllocCollectorGCLAB)
	slot := New(h)
	slot.TryInstall(obj, copyAddr)

	first := slot.Get(obj)
	second := slot.Get(first)
	if first != second {
		t.Errorf("get(get(o)) = %v, want %v (idempotence law)", second, first)
	}
}

func TestForwardingRace(t *testing.T) {
	h := newTestHeap(t)
	r := h.Region(0)
	obj, _ := r.Allocate(4, region.AllocMutatorShared)
	slot := New(h)

	const n = 8
	candidates := make([]region.Address, n)
	for i := range candidates {
		candidates[i], _ = r.Allocate(4, region.AllocCollectorGCLAB)
	}

	results := make([]region.Address, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i] = slot.TryInstall(obj, candidates[i])
		}(i)
	}
	wg.Wait()

	winner := results[0]
	for _, r := range results {
		if r != winner {
			t.Errorf("all racers must observe the same winner: got %v and %v", r, winner)
		}
	}
	if slot.Get(obj) != winner {
		t.Errorf("header after race = %v, want winner %v", slot.Get(obj), winner)
	}
}

func TestGetUncheckedToleratesNullForwardee(t *testing.T) {
	h := newTestHeap(t)
	r := h.Region(0)
	obj, _ := r.Allocate(4, region.AllocMutatorShared)
	slot := New(h)

	// Simulate a torn/null forwardee (as an inspector might observe
	// mid-install) by tagging the header with address 0 directly.
	*h.Uint64At(obj) = markedBit

	if got := slot.GetUnchecked(obj); got != obj {
		t.Errorf("GetUnchecked on tagged-null header = %v, want %v", got, obj)
	}
}

func TestGetPanicsOnNullForwardee(t *testing.T) {
	h := newTestHeap(t)
	r := h.Region(0)
	obj, _ := r.Allocate(4, region.AllocMutatorShared)
	slot := New(h)
	*h.Uint64At(obj) = markedBit

	defer func() {
		if recover() == nil {
			t.Error("Get on tagged-null header should panic (ForwardingChain)")
		}
	}()
	slot.Get(obj)
}
