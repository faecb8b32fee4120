package barrier

import (
	"sync/atomic"

	"github.com/shenandoah-gc/shenandoah/internal/gcstate"
	"github.com/shenandoah-gc/shenandoah/internal/region"
)

// CloneBarrier walks obj's reference fields at clone time, with behavior
// keyed on the GC-state byte, per spec §4.7's clone-barrier section.
func (e *Engine) CloneBarrier(obj region.Address, threadID int64) {
	if !e.cfg.CloneBarrier {
		return
	}
	e.ScanObject(obj, threadID)
}

// ScanObject walks obj's reference fields for the collector's own tracing
// work — root scanning during concurrent mark, reference rewriting during
// evacuation and update-refs — sharing CloneBarrier's phase dispatch but
// never gated by cfg.CloneBarrier: that flag only toggles the mutator's
// clone() intercept, never the collector's own graph walk, which must run
// regardless.
func (e *Engine) ScanObject(obj region.Address, threadID int64) {
	st := e.state.Load()
	switch {
	case st&gcstate.Marking != 0:
		e.cloneMarking(obj, threadID)
	case st&gcstate.Evacuation != 0:
		e.cloneEvacuation(obj, threadID)
	default:
		e.cloneUpdate(obj, threadID)
	}
}

// cloneMarking enqueues every reference field of obj for SATB/IU
// processing, unless obj was allocated after this cycle's mark start (in
// which case it is implicitly live and needs no snapshot).
func (e *Engine) cloneMarking(obj region.Address, threadID int64) {
	r := e.heap.RegionOf(obj)
	if e.mark.AllocatedAfterMarkStart(r, obj) {
		return
	}
	for _, field := range e.model.References(obj) {
		val := region.Address(atomic.LoadUint64(e.heap.Uint64At(field)))
		if val != 0 {
			e.enqueue(val, threadID)
		}
	}
}

// cloneEvacuation rewrites obj's reference fields to their forwardees,
// evacuating cset members on the fly, if obj sits below its region's
// update watermark (above the watermark, every field already holds a
// post-snapshot value and no bulk work is needed).
func (e *Engine) cloneEvacuation(obj region.Address, threadID int64) {
	if !e.needBulkUpdate(obj) {
		return
	}
	exit := e.oom.enterScope()
	defer exit()
	for _, field := range e.model.References(obj) {
		e.updateFieldInCSet(field, true, threadID)
	}
}

// cloneUpdate rewrites obj's reference fields to their forwardees without
// evacuating (update-refs phase: every cset member has already been
// evacuated, only the reference needs rewriting).
func (e *Engine) cloneUpdate(obj region.Address, threadID int64) {
	if !e.needBulkUpdate(obj) {
		return
	}
	for _, field := range e.model.References(obj) {
		e.updateFieldInCSet(field, false, threadID)
	}
}

func (e *Engine) updateFieldInCSet(field region.Address, evac bool, threadID int64) {
	ptr := e.heap.Uint64At(field)
	val := region.Address(atomic.LoadUint64(ptr))
	if val == 0 || !e.cset.IsInAddr(val) {
		return
	}
	fwd := e.resolveInCSet(val, evac, threadID)
	atomic.CompareAndSwapUint64(ptr, uint64(val), uint64(fwd))
}

// ArraycopyBarrier is the array-slice analog of CloneBarrier: src and dst
// are the addresses of the first reference-sized slot in the source and
// destination arrays, count is the number of reference slots.
func (e *Engine) ArraycopyBarrier(src, dst region.Address, count uintptr, threadID int64) {
	if count == 0 {
		return
	}
	st := e.state.Load()
	switch {
	case st&gcstate.Marking != 0:
		e.arraycopyMarking(src, dst, count, threadID)
	case st&gcstate.Evacuation != 0:
		e.arraycopyEvacuation(src, count, threadID)
	case st&gcstate.UpdateRefs != 0:
		e.arraycopyUpdate(src, count, threadID)
	}
}

// arraycopyMarking enqueues one side of the copy: the destination if SATB
// is active, the source otherwise (IU mode) — grounded directly on
// ShenandoahBarrierSet::arraycopy_marking's array selection, not on the
// spec prose gloss of it.
func (e *Engine) arraycopyMarking(src, dst region.Address, count uintptr, threadID int64) {
	array := src
	if e.cfg.SATBBarrier {
		array = dst
	}
	r := e.heap.RegionOf(array)
	if e.mark.AllocatedAfterMarkStart(r, array) {
		return
	}
	e.arraycopyWork(array, count, false, false, true, threadID)
}

func (e *Engine) arraycopyEvacuation(src region.Address, count uintptr, threadID int64) {
	if !e.needBulkUpdate(src) {
		return
	}
	exit := e.oom.enterScope()
	defer exit()
	e.arraycopyWork(src, count, true, true, false, threadID)
}

func (e *Engine) arraycopyUpdate(src region.Address, count uintptr, threadID int64) {
	if !e.needBulkUpdate(src) {
		return
	}
	e.arraycopyWork(src, count, true, false, false, threadID)
}

// arraycopyWork is the shared element loop behind all three array-copy
// specializations, parameterized on whether forwarded objects may be
// present, whether to evacuate them on the fly, and whether to SATB
// enqueue the (possibly rewritten) element.
func (e *Engine) arraycopyWork(start region.Address, count uintptr, hasFwd, evac, enqueue bool, threadID int64) {
	for i := uintptr(0); i < count; i++ {
		field := start + region.Address(i*region.WordSize)
		ptr := e.heap.Uint64At(field)
		val := region.Address(atomic.LoadUint64(ptr))
		if val == 0 {
			continue
		}
		obj := val
		if hasFwd && e.cset.IsInAddr(obj) {
			fwd := e.resolveInCSet(obj, evac, threadID)
			atomic.CompareAndSwapUint64(ptr, uint64(val), uint64(fwd))
			obj = fwd
		}
		if enqueue {
			e.enqueue(obj, threadID)
		}
	}
}
