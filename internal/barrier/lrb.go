package barrier

import (
	"github.com/shenandoah-gc/shenandoah/internal/gcstate"
	"github.com/shenandoah-gc/shenandoah/internal/region"
)

// LoadReferenceBarrierMutator is the fast path taken by compiled mutator
// code that has already inlined the collection-set test: obj is known to
// be in cset. Resolve its forwardee, evacuating now if it has not been
// forwarded yet, and opportunistically self-fix the load site.
func (e *Engine) LoadReferenceBarrierMutator(obj region.Address, loadAddr *region.Address, threadID int64) region.Address {
	fwd := e.fwd.Get(obj)
	if obj == fwd {
		fwd = e.EvacuateObject(obj, threadID)
	}
	if loadAddr != nil && fwd != obj {
		e.selfFixInstall(*loadAddr, obj, fwd)
	}
	return fwd
}

// LoadReferenceBarrier is the general load-reference barrier applied on
// every heap-reference load, implementing spec §4.7's four-step decision
// tree:
//  1. obj==null or HAS_FORWARDED clear: return obj.
//  2. obj not in cset: return obj, unless concurrent weak-roots is in
//     progress and the decorator names a weak/phantom reference whose
//     target isn't (strongly, for weak; at all, for phantom) marked, in
//     which case return null to prevent resurrection.
//  3. Resolve fwd=get(obj). If unforwarded and evacuation is in
//     progress, evacuate now and return the copy; else return fwd.
//  4. If a load address was supplied and fwd != obj, opportunistically
//     self-fix the heap slot.
func (e *Engine) LoadReferenceBarrier(decorators Decorator, obj region.Address, loadAddr *region.Address, threadID int64) region.Address {
	if !e.cfg.LoadRefBarrier || obj == 0 {
		return obj
	}

	st := e.state.Load()
	if st&gcstate.HasForwarded == 0 {
		return obj
	}

	if !e.cset.IsInAddr(obj) {
		if st&gcstate.WeakRoots != 0 {
			r := e.heap.RegionOf(obj)
			if decorators&OnPhantomOopRef != 0 && !e.mark.IsMarked(r, obj) {
				return 0
			}
			if decorators&OnWeakOopRef != 0 && !e.mark.IsMarkedStrong(r, obj) {
				return 0
			}
		}
		return obj
	}

	fwd := e.resolveInCSet(obj, st&gcstate.Evacuation != 0, threadID)

	if loadAddr != nil && fwd != obj {
		e.selfFixInstall(*loadAddr, obj, fwd)
	}
	return fwd
}

// KeepAliveIfWeak SATB-enqueues a just-loaded value unless the access was
// a strong-reference load or an explicit no-keepalive peek, preventing a
// weak/phantom-reachable object from being reclaimed mid-iteration (spec
// §4.7's keep-alive rule).
func (e *Engine) KeepAliveIfWeak(decorators Decorator, obj region.Address, threadID int64) {
	if obj == 0 {
		return
	}
	peek := decorators&AsNoKeepalive != 0
	strong := decorators&OnStrongOopRef != 0
	if peek || strong {
		return
	}
	e.satbEnqueueIfMarking(obj, threadID)
}

func (e *Engine) satbEnqueueIfMarking(obj region.Address, threadID int64) {
	if obj == 0 || !e.cfg.SATBBarrier {
		return
	}
	if e.state.Load()&gcstate.Marking == 0 {
		return
	}
	e.enqueue(obj, threadID)
}

// OopLoad composes the load-reference barrier with the keep-alive rule,
// the shape every heap reference load goes through.
func (e *Engine) OopLoad(decorators Decorator, obj region.Address, loadAddr *region.Address, threadID int64) region.Address {
	fwd := e.LoadReferenceBarrier(decorators, obj, loadAddr, threadID)
	e.KeepAliveIfWeak(decorators, fwd, threadID)
	return fwd
}
