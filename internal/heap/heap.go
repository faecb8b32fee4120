// Package heap is the top-level orchestrator: it wires Region,
// ForwardingSlot, MarkingContext, FreeSet, CollectionSet, Heuristics, and
// BarrierEngine into complete GC cycles, and defines the collaborator
// interfaces (RootIterator, Safepoint) the surrounding runtime must
// supply per spec.md §6.
package heap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shenandoah-gc/shenandoah/internal/barrier"
	"github.com/shenandoah-gc/shenandoah/internal/collectionset"
	"github.com/shenandoah-gc/shenandoah/internal/forwarding"
	"github.com/shenandoah-gc/shenandoah/internal/freeset"
	"github.com/shenandoah-gc/shenandoah/internal/gcconfig"
	"github.com/shenandoah-gc/shenandoah/internal/gcerrors"
	"github.com/shenandoah-gc/shenandoah/internal/gclog"
	"github.com/shenandoah-gc/shenandoah/internal/gcstate"
	"github.com/shenandoah-gc/shenandoah/internal/gcworkers"
	"github.com/shenandoah-gc/shenandoah/internal/heuristics"
	"github.com/shenandoah-gc/shenandoah/internal/marking"
	"github.com/shenandoah-gc/shenandoah/internal/region"
)

// ObjectModel is the object-layout collaborator the barrier engine
// requires (size in words, outgoing reference slots). Re-exported so a
// caller wiring a Heap need only import this package, not internal/barrier
// directly.
type ObjectModel = barrier.ObjectModel

// RootKind distinguishes the three root sources spec.md §6 names: a
// RootIterator tells its visitor which kind each root slot is so the
// tracer knows whether to mark strong or weak.
type RootKind int

const (
	RootStrong RootKind = iota
	RootWeak
	RootThreadStack
)

func (k RootKind) String() string {
	switch k {
	case RootStrong:
		return "strong"
	case RootWeak:
		return "weak"
	case RootThreadStack:
		return "thread-stack"
	default:
		return "unknown"
	}
}

// RootIterator is invoked under safepoint at init-mark to enumerate every
// root reference, per spec.md §6's collaborator contract ("a root iterator
// invoked under safepoint that calls a supplied callback on every
// reference in strong-roots, weak-roots, and thread-stack roots").
type RootIterator interface {
	IterateRoots(visit func(kind RootKind, obj region.Address))
}

// Safepoint brings every registered mutator to a quiescent state and runs
// a supplied closure, per spec.md §6's collaborator contract. Satisfied by
// *gcworkers.Safepoint; a narrower interface here so this package doesn't
// need gcworkers's full surface to define its own requirement.
type Safepoint interface {
	Enter(fn func())
}

// Stats tracks cumulative cycle outcomes, surfaced for diagnostics and
// cmd/shenandoah-sim's scenario reporting.
type Stats struct {
	CyclesConcurrent  int64
	CyclesDegenerated int64
	CyclesFull        int64
	WordsEvacuated    uint64
	LastCycleDuration time.Duration
}

// Heap is the collector's top-level coordinator: one instance per process,
// holding every C1-C7 sub-component plus the process-wide state the
// barrier engine and worker pool share. Grounded on
// internal/runtime/gcavoidance/engine.go's Engine (a struct bundling
// sub-component pointers and a Stats behind one mutex) as the closest
// teacher analogue to a top-level coordinator; unlike that Engine, most
// synchronization here lives in the sub-components themselves (FreeSet,
// CollectionSet, gcstate.Word are all already safe for concurrent use),
// so Heap's own mutex only guards cycle-outcome bookkeeping (Stats)
// against a concurrent trigger-loop and allocator.
type Heap struct {
	region *region.Heap
	fwd    *forwarding.Slot
	mark   *marking.Context
	fs     *freeset.FreeSet
	cset   *collectionset.CollectionSet
	heur   *heuristics.Heuristics
	engine *barrier.Engine

	state  *gcstate.Word
	cancel *gcstate.Cancellation
	lock   *gcstate.HeapLock

	pool      *gcworkers.Pool
	safepoint Safepoint
	pacer     *gcworkers.Pacer

	cfg   *gcconfig.Config
	log   *gclog.Logger
	roots RootIterator
	model ObjectModel

	mu    sync.Mutex
	stats Stats
}

// New builds a Heap of regionCount regions of regionSize bytes each,
// wiring every component per cfg. roots and model are the runtime-supplied
// collaborators; log may be nil to fall back to gclog.Default.
func New(cfg *gcconfig.Config, regionCount int, regionSize uintptr, roots RootIterator, model ObjectModel, log *gclog.Logger) (*Heap, error) {
	if log == nil {
		log = gclog.Default
	}
	rh, err := region.NewHeap(regionCount, regionSize)
	if err != nil {
		return nil, fmt.Errorf("heap: %w", err)
	}

	fwd := forwarding.New(rh)
	mark := marking.NewContext(rh)
	humongousThresholdWords := regionSize / region.WordSize
	fs := freeset.New(rh, humongousThresholdWords, true)
	cset := collectionset.New(rh)
	state := &gcstate.Word{}
	cancel := &gcstate.Cancellation{}
	heur := heuristics.New(cfg.Variant(), cfg.HeuristicsConfig(), rh)
	engine := barrier.New(rh, state, cset, mark, fwd, fs, model, cfg.BarrierConfig())

	fs.Rebuild(cfg.EvacReserve)

	capacityWords := rh.TotalSize() / region.WordSize
	pacer := gcworkers.NewPacer(capacityWords)
	pacer.SetEnabled(cfg.Pacing)

	h := &Heap{
		region:    rh,
		fwd:       fwd,
		mark:      mark,
		fs:        fs,
		cset:      cset,
		heur:      heur,
		engine:    engine,
		state:     state,
		cancel:    cancel,
		lock:      gcstate.NewHeapLock(),
		pool:      gcworkers.New(4, cancel),
		safepoint: gcworkers.NewSafepoint(),
		pacer:     pacer,
		cfg:       cfg,
		log:       log,
		roots:     roots,
		model:     model,
	}
	return h, nil
}

// Close releases the underlying region arena.
func (h *Heap) Close() error { return h.region.Close() }

// Region exposes the underlying region.Heap for components (e.g. a test
// fixture or cmd/shenandoah-sim) that need to allocate objects directly.
func (h *Heap) Region() *region.Heap { return h.region }

// Forwarding, Marking, FreeSet, CollectionSet, Heuristics, and Barrier
// expose the wired sub-components for callers that need direct access
// (tests, cmd/shenandoah-sim scenario setup).
func (h *Heap) Forwarding() *forwarding.Slot            { return h.fwd }
func (h *Heap) Marking() *marking.Context               { return h.mark }
func (h *Heap) FreeSet() *freeset.FreeSet                { return h.fs }
func (h *Heap) CollectionSet() *collectionset.CollectionSet { return h.cset }
func (h *Heap) Heuristics() *heuristics.Heuristics       { return h.heur }
func (h *Heap) Barrier() *barrier.Engine                 { return h.engine }
func (h *Heap) State() *gcstate.Word                     { return h.state }
func (h *Heap) Cancellation() *gcstate.Cancellation      { return h.cancel }

// Stats returns a snapshot of cumulative cycle counters.
func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// Allocate services one mutator allocation request, consulting the pacer
// first (if pacing is enabled) and falling back to a synchronous
// degenerated cycle if FreeSet reports no room. Returns gcerrors.AllocFailure
// wrapped as an error if even that does not free enough space.
func (h *Heap) Allocate(ctx context.Context, kind region.AllocKind, minWords, requestedWords uintptr) (region.Address, uintptr, error) {
	if err := h.pacer.Claim(ctx, requestedWords); err != nil {
		return 0, 0, err
	}
	req := &region.Request{Kind: kind, MinWords: minWords, RequestedWords: requestedWords}
	if addr, ok := h.fs.Allocate(req); ok {
		if !kind.IsCollector() {
			h.heur.RecordAllocation(req.ActualWords)
		}
		return addr, req.ActualWords, nil
	}

	if !kind.IsCollector() {
		if err := h.RunDegeneratedCycle(ctx); err != nil {
			return 0, 0, err
		}
		if addr, ok := h.fs.Allocate(req); ok {
			return addr, req.ActualWords, nil
		}
	}
	return 0, 0, gcerrors.AllocFailure(!kind.IsCollector(), requestedWords)
}

// ShouldStartGC answers the trigger question using Heuristics, reading
// FreeSet for the current capacity/availability figures it needs.
func (h *Heap) ShouldStartGC(now time.Time) (bool, string) {
	in := heuristics.TriggerInputs{
		MaxCapacity:                   h.region.TotalSize(),
		SoftMaxCapacity:               h.region.TotalSize(),
		Available:                     h.fs.Available(),
		BytesAllocatedSinceCycleStart: h.heur.BytesAllocatedSinceCycleStart(),
		Now:                           now,
	}
	return h.heur.ShouldStartGC(in)
}

// MaybeRunCycle starts a concurrent cycle if Heuristics says now is the
// time, per spec.md §8 scenario 5 (guaranteed-interval trigger).
func (h *Heap) MaybeRunCycle(ctx context.Context, now time.Time) (bool, error) {
	if ok, reason := h.ShouldStartGC(now); ok {
		h.log.Infof("starting concurrent cycle: %s", reason)
		return true, h.RunConcurrentCycle(ctx)
	}
	return false, nil
}
