package heap

import (
	"context"
	"sync"
	"time"

	"github.com/shenandoah-gc/shenandoah/internal/gcstate"
	"github.com/shenandoah-gc/shenandoah/internal/region"
)

// collectorHolder is the gcstate.HeapLock holder token the collector
// itself uses when mutating region state outside any mutator thread ID
// range.
const collectorHolder int64 = -1

// RunConcurrentCycle drives one full mark-evacuate-update-refs cycle, per
// spec.md §2's data flow. If evacuation signals OOM (the collector
// partition could not satisfy a copy), the cycle unwinds into a
// degenerated retry rather than returning an error, per spec.md §7's
// EvacFailure policy.
func (h *Heap) RunConcurrentCycle(ctx context.Context) error {
	start := time.Now()
	h.cancel.Reset()
	h.engine.ResetOOM()
	h.pacer.StartCycle()
	h.heur.RecordCycleStart(start)

	seed := h.initMark()
	h.concurrentMark(ctx, seed)
	h.finalMark()

	oom := false
	if !h.cset.IsEmpty() {
		h.beginEvacuation()
		oom = h.evacuateWork(ctx)
	}
	if oom {
		h.cancel.TryCancel()
		h.log.Warnf("evacuation OOM, cancelling concurrent cycle for a degenerated retry")
		h.heur.RecordSuccessDegenerated()
		if err := h.RunDegeneratedCycle(ctx); err != nil {
			return err
		}
		h.recordCycleEnd(start, &h.stats.CyclesDegenerated)
		return nil
	}

	h.runUpdateRefs()
	h.finishCycle()
	h.heur.RecordSuccessConcurrent()
	h.recordCycleEnd(start, &h.stats.CyclesConcurrent)
	return nil
}

func (h *Heap) recordCycleEnd(start time.Time, counter *int64) {
	now := time.Now()
	h.heur.RecordCycleEnd(now)
	h.mu.Lock()
	*counter++
	h.stats.LastCycleDuration = now.Sub(start)
	h.mu.Unlock()
}

// initMarkAt captures TAMS for every live-bearing region, seeds the mark
// bitmap from roots, and publishes the MARKING state bit. Assumes the
// caller already holds the safepoint (or is running stop-the-world).
func (h *Heap) initMarkAt() (seed []region.Address) {
	for i := 0; i < h.region.NumRegions(); i++ {
		r := h.region.Region(i)
		switch r.State() {
		case region.StateRegular, region.StateHumongousStart, region.StateHumongousContinuation, region.StatePinned, region.StatePinnedHumongousStart:
			r.ResetLiveData()
			h.mark.CaptureTopAtMarkStart(r)
		}
	}
	h.state.Set(gcstate.Marking)
	if h.roots == nil {
		return nil
	}
	h.roots.IterateRoots(func(kind RootKind, obj region.Address) {
		if obj == 0 {
			return
		}
		r := h.region.RegionOf(obj)
		switch kind {
		case RootWeak:
			h.mark.MarkWeak(r, obj)
		default:
			if newly, _ := h.mark.MarkStrong(r, obj); newly {
				h.markLive(r, obj)
				seed = append(seed, obj)
			}
		}
	})
	return seed
}

// markLive adds obj's size to r's live-word count the first time obj is
// confirmed strongly marked, so Garbage()/HasLive() (and in turn
// Heuristics.ChooseCollectionSet) see this cycle's discovered live set
// rather than only what RecordEvacuationWaste/allocation bookkeeping knew
// about beforehand.
func (h *Heap) markLive(r *region.Region, obj region.Address) {
	r.IncreaseLiveData(h.model.SizeWords(obj))
}

// initMark runs initMarkAt at a safepoint, per spec.md §6's collaborator
// contract.
func (h *Heap) initMark() []region.Address {
	var seed []region.Address
	h.safepoint.Enter(func() {
		seed = h.initMarkAt()
	})
	return seed
}

// concurrentMark traces the object graph from seed to a fixed point,
// fanning workers out over a shared worklist with a standard
// active-worker termination count: a worker blocks while the queue is
// empty but other workers are still processing (they might enqueue more
// work), and a worker observes "done" only once the queue is empty and no
// worker is active.
func (h *Heap) concurrentMark(ctx context.Context, seed []region.Address) {
	if len(seed) == 0 {
		return
	}

	var mu sync.Mutex
	cond := sync.NewCond(&mu)
	queue := append([]region.Address(nil), seed...)
	active := 0

	pop := func() (region.Address, bool) {
		mu.Lock()
		defer mu.Unlock()
		for len(queue) == 0 && active > 0 {
			cond.Wait()
		}
		if len(queue) == 0 {
			return 0, false
		}
		n := len(queue) - 1
		addr := queue[n]
		queue = queue[:n]
		active++
		return addr, true
	}
	push := func(addrs []region.Address) {
		if len(addrs) == 0 {
			return
		}
		mu.Lock()
		queue = append(queue, addrs...)
		mu.Unlock()
		cond.Broadcast()
	}
	finish := func() {
		mu.Lock()
		active--
		mu.Unlock()
		cond.Broadcast()
	}

	_ = h.pool.RunUntilCancelled(ctx, func(_ context.Context, worker int) (bool, error) {
		addr, ok := pop()
		if !ok {
			return false, nil
		}
		threadID := int64(worker)
		h.engine.ScanObject(addr, threadID)
		newly := h.engine.DrainSATB(threadID)
		var fresh []region.Address
		for _, a := range newly {
			r := h.region.RegionOf(a)
			if nm, _ := h.mark.MarkStrong(r, a); nm {
				h.markLive(r, a)
				fresh = append(fresh, a)
			}
		}
		push(fresh)
		finish()
		return true, nil
	})
}

// finalMarkAt clears MARKING, drains any SATB entries left over from the
// concurrent phase (none in this package's synchronous driver, since no
// mutator runs concurrently with RunConcurrentCycle; kept so a future
// concurrent-mutator driver gets correct final-mark semantics for free),
// and runs cset selection.
func (h *Heap) finalMarkAt() {
	h.state.Clear(gcstate.Marking)
	for _, buf := range h.engine.DrainAllSATB() {
		for _, a := range buf {
			r := h.region.RegionOf(a)
			if nm, _ := h.mark.MarkStrong(r, a); nm {
				h.markLive(r, a)
			}
		}
	}
	h.heur.ChooseCollectionSet(h.cset)
}

func (h *Heap) finalMark() {
	h.safepoint.Enter(h.finalMarkAt)
}

func (h *Heap) beginEvacuation() {
	h.safepoint.Enter(func() {
		h.state.Set(gcstate.Evacuation | gcstate.HasForwarded)
	})
}

// evacuateWork copies every live object out of each claimed cset region,
// returning true if the OOM-during-evacuation protocol fired.
func (h *Heap) evacuateWork(ctx context.Context) bool {
	n := h.cset.Count()
	_ = h.pool.Run(ctx, n, func(_ context.Context, i int) error {
		r := h.cset.ClaimNext()
		if r == nil {
			return nil
		}
		threadID := int64(i)
		tams := h.mark.TopAtMarkStart(r)
		h.walkObjects(r, tams, func(a region.Address) {
			if h.mark.IsMarked(r, a) && !h.fwd.IsForwarded(a) {
				words := h.model.SizeWords(a)
				dst := h.engine.EvacuateObject(a, threadID)
				if dst == a {
					// OOM-during-evacuation protocol: a becomes its own
					// forwardee and stays put, per spec.md §7. r can no
					// longer be trashed at cycle end.
					r.MarkEvacuationFailed()
					return
				}
				h.region.RegionOf(dst).IncreaseLiveData(words)
				h.mu.Lock()
				h.stats.WordsEvacuated += uint64(words)
				h.mu.Unlock()
			}
		})
		return nil
	})
	return h.engine.IsOOMTriggered()
}

// setUpdateWatermarksAt marks every still-live, non-cset region's update
// watermark at its TAMS: every object live before this cycle's mark start
// needs its reference fields checked for cset membership, while anything
// allocated after update-refs begins was created after pointers were
// already fixed up and needs no checking.
func (h *Heap) setUpdateWatermarksAt() {
	for i := 0; i < h.region.NumRegions(); i++ {
		r := h.region.Region(i)
		switch r.State() {
		case region.StateRegular, region.StateHumongousStart, region.StateHumongousContinuation, region.StatePinned, region.StatePinnedHumongousStart:
			r.SetUpdateWatermark(h.mark.TopAtMarkStart(r))
		case region.StateCSet:
			if r.EvacuationFailed() {
				r.SetUpdateWatermark(h.mark.TopAtMarkStart(r))
			}
		}
	}
}

// updateRefsWork walks every still-live region rewriting reference fields
// that still point into the collection set to their forwardees. The cset
// regions themselves have already been evacuated and are handled by
// finishCycle.
func (h *Heap) updateRefsWork() {
	for i := 0; i < h.region.NumRegions(); i++ {
		r := h.region.Region(i)
		scan := false
		switch r.State() {
		case region.StateRegular, region.StatePinned:
			scan = true
		case region.StateCSet:
			scan = r.EvacuationFailed()
		}
		if !scan {
			continue
		}
		tams := h.mark.TopAtMarkStart(r)
		h.walkObjects(r, tams, func(a region.Address) {
			if h.mark.IsMarked(r, a) {
				h.engine.ScanObject(a, 0)
			}
		})
	}
}

// runUpdateRefs brackets updateRefsWork with the state-bit transitions and
// watermark setup, each performed at a safepoint.
func (h *Heap) runUpdateRefs() {
	h.safepoint.Enter(func() {
		h.state.Clear(gcstate.Evacuation)
		h.state.Set(gcstate.UpdateRefs)
		h.setUpdateWatermarksAt()
	})
	h.updateRefsWork()
	h.safepoint.Enter(func() {
		h.state.Clear(gcstate.UpdateRefs | gcstate.HasForwarded)
	})
}

// finishCycleAt trashes fully-evacuated cset regions and clears their mark
// bitmap/TAMS ahead of recycling. A region that hit the OOM-during-evac
// protocol (one or more objects self-forwarded in place) still holds live
// data and is returned to Regular service instead, per spec.md §7.
func (h *Heap) finishCycleAt() {
	for i := 0; i < h.region.NumRegions(); i++ {
		r := h.region.Region(i)
		if r.State() == region.StateCSet {
			if r.EvacuationFailed() {
				_ = r.MakeRegularAlloc()
				continue
			}
			_ = r.MakeTrash()
		}
	}
	h.cset.Clear()
	for i := 0; i < h.region.NumRegions(); i++ {
		r := h.region.Region(i)
		if r.State() == region.StateTrash {
			h.mark.ClearRegion(r)
			h.mark.ResetTopAtMarkStart(r)
		}
	}
}

// finishCycle runs finishCycleAt at a safepoint, recycles every Trash
// region back to Empty-Committed, and rebuilds the free-set partitions
// for the next cycle.
func (h *Heap) finishCycle() {
	h.safepoint.Enter(h.finishCycleAt)
	h.fs.RecycleTrash(h.lock, collectorHolder)
	h.fs.Rebuild(h.cfg.EvacReserve)
}

// walkObjects visits every object-start address in [r.Bottom(), bound),
// relying on the object model's SizeWords to step from one object to the
// next: the region's bump allocator packs objects with no gaps, so this
// is a valid object-start walk without a separate allocation bitmap.
func (h *Heap) walkObjects(r *region.Region, bound region.Address, visit func(a region.Address)) {
	for a := r.Bottom(); a < bound; {
		visit(a)
		words := h.model.SizeWords(a)
		if words == 0 {
			return
		}
		a += region.Address(words * region.WordSize)
	}
}

// RunDegeneratedCycle retries the remainder of a cycle stop-the-world,
// after a concurrent cycle was cancelled by evacuation OOM. Per spec.md
// §7, a degenerated cycle widens the collector partition to the whole
// heap for the duration of the retry: there is no concurrent mutator
// allocation to share capacity with once every thread is parked at the
// safepoint that drives it.
func (h *Heap) RunDegeneratedCycle(ctx context.Context) error {
	h.cancel.Reset()
	h.engine.ResetOOM()
	h.fs.Rebuild(100)

	if !h.cset.IsEmpty() {
		h.cset.ResetCursor()
		h.beginEvacuation()
		h.evacuateWork(ctx)
	}
	h.runUpdateRefs()
	h.finishCycle()

	if h.heur.DegeneratedCyclesInRow() >= h.cfg.FullGCThreshold {
		return h.RunFullCycle(ctx)
	}
	return nil
}

// RunFullCycle runs mark-evacuate-update-refs entirely as a sequence of
// safepoints with a widened collector partition, guaranteeing forward
// progress when repeated degenerated cycles have failed to keep up, per
// spec.md §7's full_gc_threshold escalation.
func (h *Heap) RunFullCycle(ctx context.Context) error {
	start := time.Now()
	var seed []region.Address
	h.safepoint.Enter(func() {
		h.cancel.Reset()
		h.engine.ResetOOM()
		h.fs.Rebuild(100)
		seed = h.initMarkAt()
	})

	h.concurrentMark(ctx, seed)

	h.safepoint.Enter(func() {
		h.finalMarkAt()
		if !h.cset.IsEmpty() {
			h.state.Set(gcstate.Evacuation | gcstate.HasForwarded)
		}
	})
	if !h.cset.IsEmpty() {
		h.evacuateWork(ctx)
	}

	h.safepoint.Enter(func() {
		h.state.Clear(gcstate.Evacuation)
		h.state.Set(gcstate.UpdateRefs)
		h.setUpdateWatermarksAt()
	})
	h.updateRefsWork()
	h.safepoint.Enter(func() {
		h.state.Clear(gcstate.UpdateRefs | gcstate.HasForwarded)
		h.finishCycleAt()
	})
	h.fs.RecycleTrash(h.lock, collectorHolder)
	h.fs.Rebuild(h.cfg.EvacReserve)

	h.heur.RecordSuccessFull()
	h.recordCycleEnd(start, &h.stats.CyclesFull)
	return nil
}
