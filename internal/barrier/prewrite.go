package barrier

import (
	"sync/atomic"

	"github.com/shenandoah-gc/shenandoah/internal/gcstate"
	"github.com/shenandoah-gc/shenandoah/internal/region"
)

// iuBarrier enqueues obj (the value about to be stored) while marking is
// in progress, the incremental-update alternative to SATB.
func (e *Engine) iuBarrier(obj region.Address, threadID int64) {
	if !e.cfg.IUBarrier || obj == 0 {
		return
	}
	if e.state.Load()&gcstate.Marking == 0 {
		return
	}
	e.enqueue(obj, threadID)
}

// satbBarrier enqueues field's pre-store value while marking is in
// progress, filtered by the same IS_DEST_UNINITIALIZED/AS_NO_KEEPALIVE
// decorator exclusions as the original (a freshly allocated, as-yet
// unpublished field has nothing meaningful to snapshot).
func (e *Engine) satbBarrier(decorators Decorator, field region.Address, threadID int64) {
	if decorators&IsDestUninitialized != 0 || decorators&AsNoKeepalive != 0 {
		return
	}
	if !e.cfg.SATBBarrier || e.state.Load()&gcstate.Marking == 0 {
		return
	}
	prev := region.Address(atomic.LoadUint64(e.heap.Uint64At(field)))
	if prev != 0 {
		e.enqueue(prev, threadID)
	}
}

// OopStore performs field := newVal with both pre-write barriers fired
// ahead of the raw store, in the order the original's
// oop_store_not_in_heap composes them: IU sees the incoming value, SATB
// sees the outgoing one, then the store itself happens.
func (e *Engine) OopStore(decorators Decorator, field, newVal region.Address, threadID int64) {
	e.iuBarrier(newVal, threadID)
	e.satbBarrier(decorators, field, threadID)
	atomic.StoreUint64(e.heap.Uint64At(field), uint64(newVal))
}
