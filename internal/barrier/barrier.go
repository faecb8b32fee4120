// Package barrier implements the load-reference barrier, the pre-write
// barriers, and the clone/arraycopy bulk barriers (C7): the mutator-side
// surface gated by the shared GC state byte, grounded on
// shenandoahBarrierSet.inline.hpp and shenandoahBarrierSetClone.inline.hpp
// (original source).
package barrier

import (
	"sync"
	"sync/atomic"

	"github.com/shenandoah-gc/shenandoah/internal/collectionset"
	"github.com/shenandoah-gc/shenandoah/internal/forwarding"
	"github.com/shenandoah-gc/shenandoah/internal/freeset"
	"github.com/shenandoah-gc/shenandoah/internal/gcstate"
	"github.com/shenandoah-gc/shenandoah/internal/marking"
	"github.com/shenandoah-gc/shenandoah/internal/region"
)

// Decorator tags a reference access the way the original's DecoratorSet
// does: reference strength plus access-intent bits the barrier needs to
// make a resurrection-safety decision.
type Decorator uint8

const (
	OnStrongOopRef Decorator = 1 << iota
	OnWeakOopRef
	OnPhantomOopRef
	AsNoKeepalive
	IsDestUninitialized
)

// ObjectModel is the minimal shape the barrier engine needs from the
// object representation it does not itself define: an object's size for
// evacuation copies, and which of its words hold heap references for the
// clone/arraycopy bulk barriers. Supplied by the surrounding runtime.
type ObjectModel interface {
	SizeWords(obj region.Address) uintptr
	References(obj region.Address) []region.Address
}

// Config selects which barrier classes are active, mirroring spec §6's
// per-barrier enable flags.
type Config struct {
	SATBBarrier    bool
	IUBarrier      bool
	CloneBarrier   bool
	LoadRefBarrier bool
	SelfFixing     bool
	GCLabWords     uintptr
}

// DefaultConfig enables the SATB, clone and load-reference barriers with
// self-fixing on; the IU barrier, the alternative to SATB, is off.
func DefaultConfig() Config {
	return Config{
		SATBBarrier:    true,
		IUBarrier:      false,
		CloneBarrier:   true,
		LoadRefBarrier: true,
		SelfFixing:     true,
		GCLabWords:     256,
	}
}

// Engine is the collector's C7 barrier engine: one instance per heap,
// shared read-only by every mutator thread except for its per-thread
// SATB buffers and GCLABs.
type Engine struct {
	heap  *region.Heap
	state *gcstate.Word
	cset  *collectionset.CollectionSet
	mark  *marking.Context
	fwd   *forwarding.Slot
	fs    *freeset.FreeSet
	model ObjectModel
	cfg   Config

	oom oomState

	satbMu sync.Mutex
	satb   map[int64][]region.Address

	labMu sync.Mutex
	labs  map[int64]*gcLab
}

// New creates an Engine wiring the C1-C5 components a barrier must
// consult, per spec §4.7's data-flow description.
func New(heap *region.Heap, state *gcstate.Word, cset *collectionset.CollectionSet, mark *marking.Context, fwd *forwarding.Slot, fs *freeset.FreeSet, model ObjectModel, cfg Config) *Engine {
	return &Engine{
		heap:  heap,
		state: state,
		cset:  cset,
		mark:  mark,
		fwd:   fwd,
		fs:    fs,
		model: model,
		cfg:   cfg,
		satb:  make(map[int64][]region.Address),
		labs:  make(map[int64]*gcLab),
	}
}

// oomState is the shared OOM-during-evacuation flag (spec §4.7): the
// first allocation failure inside an evac scope flips it; scopes track
// how many threads are currently inside one so a degenerated-GC trigger
// can wait for the last one to unwind before firing.
type oomState struct {
	mu        sync.Mutex
	triggered bool
	active    int
}

func (o *oomState) enterScope() func() {
	o.mu.Lock()
	o.active++
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		o.active--
		o.mu.Unlock()
	}
}

func (o *oomState) signal() {
	o.mu.Lock()
	o.triggered = true
	o.mu.Unlock()
}

func (o *oomState) isTriggered() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.triggered
}

func (o *oomState) activeScopes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

func (o *oomState) reset() {
	o.mu.Lock()
	o.triggered = false
	o.mu.Unlock()
}

// IsOOMTriggered reports whether an evacuation allocation has failed
// since the last ResetOOM, the signal the control thread watches to
// decide on a degenerated-GC retry.
func (e *Engine) IsOOMTriggered() bool { return e.oom.isTriggered() }

// ActiveEvacScopes returns how many threads are currently inside an
// evacuation OOM scope, for a control thread waiting to rendezvous before
// acting on IsOOMTriggered.
func (e *Engine) ActiveEvacScopes() int { return e.oom.activeScopes() }

// ResetOOM clears the OOM flag, called when a new cycle starts.
func (e *Engine) ResetOOM() { e.oom.reset() }

// EvacuateObject performs the mutator-thread evacuation of spec §4.7:
// allocate a copy from this thread's GCLAB (refilling or falling back to
// a direct shared allocation on failure), copy the payload, and install
// the forwarding pointer. Returns the winning copy's address — which may
// belong to another thread that raced this one, or may be obj itself if
// every allocation attempt failed (the OOM-during-evacuation protocol:
// skip the move, the object becomes its own forwardee).
func (e *Engine) EvacuateObject(obj region.Address, threadID int64) region.Address {
	exit := e.oom.enterScope()
	defer exit()

	words := e.model.SizeWords(obj)
	copyAddr, unrollable, ok := e.allocateForEvac(threadID, words)
	if !ok {
		e.oom.signal()
		return e.fwd.TryInstall(obj, obj)
	}

	dst := e.heap.Bytes(copyAddr, words*region.WordSize)
	src := e.heap.Bytes(obj, words*region.WordSize)
	copy(dst, src)

	winner := e.fwd.TryInstall(obj, copyAddr)
	if winner != copyAddr {
		if unrollable && e.unrollLab(threadID, copyAddr, words) {
			return winner
		}
		e.fs.RecordEvacuationWaste(words)
	}
	return winner
}

// resolveInCSet resolves obj to its forwardee if it is a collection-set
// member, evacuating it now if evacuation is in progress and it has not
// been forwarded yet. Shared by the load-reference barrier and the
// clone/arraycopy bulk barriers.
func (e *Engine) resolveInCSet(obj region.Address, evacuating bool, threadID int64) region.Address {
	if !e.cset.IsInAddr(obj) {
		return obj
	}
	fwd := e.fwd.GetUnchecked(obj)
	if fwd == obj && evacuating {
		return e.EvacuateObject(obj, threadID)
	}
	return fwd
}

func (e *Engine) needBulkUpdate(obj region.Address) bool {
	r := e.heap.RegionOf(obj)
	return obj < r.UpdateWatermark()
}

func (e *Engine) selfFixInstall(field, expected, fwd region.Address) {
	if !e.cfg.SelfFixing {
		return
	}
	ptr := e.heap.Uint64At(field)
	atomic.CompareAndSwapUint64(ptr, uint64(expected), uint64(fwd))
}

// enqueue pushes obj onto threadID's SATB buffer unless it is already
// strongly marked, mirroring ShenandoahBarrierSet::enqueue's
// requires_marking filter: no point queueing an object the marker would
// immediately discard.
func (e *Engine) enqueue(obj region.Address, threadID int64) {
	if obj == 0 {
		return
	}
	r := e.heap.RegionOf(obj)
	if e.mark.IsMarkedStrong(r, obj) {
		return
	}
	e.satbMu.Lock()
	e.satb[threadID] = append(e.satb[threadID], obj)
	e.satbMu.Unlock()
}

// DrainSATB removes and returns threadID's queued SATB/IU entries, for a
// marker worker to process.
func (e *Engine) DrainSATB(threadID int64) []region.Address {
	e.satbMu.Lock()
	defer e.satbMu.Unlock()
	buf := e.satb[threadID]
	delete(e.satb, threadID)
	return buf
}

// DrainAllSATB removes and returns every thread's queued entries, for
// final-mark's full drain.
func (e *Engine) DrainAllSATB() map[int64][]region.Address {
	e.satbMu.Lock()
	defer e.satbMu.Unlock()
	out := make(map[int64][]region.Address, len(e.satb))
	for id, buf := range e.satb {
		if len(buf) > 0 {
			out[id] = buf
		}
	}
	e.satb = make(map[int64][]region.Address)
	return out
}
