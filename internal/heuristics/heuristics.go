// Package heuristics implements the pluggable trigger and collection-set
// selection policy (C6): a tagged variant {Static, Compact, Adaptive,
// Passive} sharing one cset-selection framework (spec §4.6) plus
// per-variant trigger and selector behavior, and the degenerated/full-GC
// feedback counters both policies consult.
package heuristics

import (
	"sort"
	"sync"
	"time"

	"github.com/shenandoah-gc/shenandoah/internal/collectionset"
	"github.com/shenandoah-gc/shenandoah/internal/region"
)

// Variant selects one of the four trigger/selector policies. There is no
// open extension point beyond these four, matching spec §9's redesign
// note: heuristics are a closed tagged union, not a plugin interface.
type Variant int

const (
	Static Variant = iota
	Compact
	Adaptive
	Passive
)

func (v Variant) String() string {
	switch v {
	case Static:
		return "Static"
	case Compact:
		return "Compact"
	case Adaptive:
		return "Adaptive"
	case Passive:
		return "Passive"
	default:
		return "Unknown"
	}
}

// Config holds the tunable percentages and intervals spec §6 lists as
// Heuristics knobs.
type Config struct {
	MinFreeThreshold      float64 // percent: free-available floor for Static/Compact triggers
	AllocationThreshold   float64 // percent: bytes-since-GC trigger for Compact/Adaptive
	CriticalFreeThreshold float64 // percent: floor CheckProgress compares post-cycle free against
	GarbageThreshold      float64 // percent: per-region garbage minimum to become a cset candidate
	ImmediateThreshold    float64 // percent: skip cset selection above this immediate-garbage fraction
	EvacReserve           float64 // percent: collector-partition reserve / Adaptive's evac budget fraction
	EvacWaste             float64 // multiplier: Passive's evacuation-space sizing
	GuaranteedGCInterval  time.Duration
	AllowDegenerate       bool // Passive's ShenandoahDegeneratedGC: whether degenerated GC may trigger at all
	FullGCThreshold       int  // consecutive degenerated cycles before forcing a full GC
}

// DefaultConfig returns tuned defaults for variant, following the
// per-constructor overrides the four heuristics subclasses apply over a
// shared base in the original.
func DefaultConfig(variant Variant) Config {
	cfg := Config{
		MinFreeThreshold:      10,
		AllocationThreshold:   0,
		CriticalFreeThreshold: 1,
		GarbageThreshold:      60,
		ImmediateThreshold:    90,
		EvacReserve:           5,
		EvacWaste:             1.2,
		GuaranteedGCInterval:  0,
		AllowDegenerate:       true,
		FullGCThreshold:       3,
	}
	switch variant {
	case Compact:
		cfg.AllocationThreshold = 10
		cfg.ImmediateThreshold = 100
		cfg.GarbageThreshold = 10
		cfg.GuaranteedGCInterval = 30 * time.Second
	case Passive:
		cfg.GarbageThreshold = 0
	}
	return cfg
}

type candidate struct {
	region  *region.Region
	garbage uintptr
}

// Heuristics is the trigger/selector state for one variant over one heap.
type Heuristics struct {
	mu sync.Mutex

	variant Variant
	cfg     Config
	heap    *region.Heap

	degeneratedCyclesInRow int
	successfulCyclesInRow  int
	gcTimePenalty          int // 0..100

	cycleStart                    time.Time
	lastCycleEnd                  time.Time
	bytesAllocatedSinceCycleStart uintptr

	cycleTimes    []time.Duration // Adaptive's truncated moving sequence
	maxCycleTimes int
}

const (
	concurrentAdjust   = -5
	degeneratedPenalty = 10
	fullPenalty        = 20
)

// New creates a Heuristics for variant over heap.
func New(variant Variant, cfg Config, heap *region.Heap) *Heuristics {
	return &Heuristics{
		variant:       variant,
		cfg:           cfg,
		heap:          heap,
		maxCycleTimes: 10,
	}
}

func (h *Heuristics) Variant() Variant { return h.variant }

// RecordAllocation tracks bytes allocated since the current cycle started,
// feeding Compact's and Adaptive's allocation-rate triggers.
func (h *Heuristics) RecordAllocation(words uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bytesAllocatedSinceCycleStart += words * region.WordSize
}

// BytesAllocatedSinceCycleStart reports the counter RecordAllocation feeds,
// the figure ShouldStartGC's caller must round-trip back into
// TriggerInputs.BytesAllocatedSinceCycleStart on every trigger check.
func (h *Heuristics) BytesAllocatedSinceCycleStart() uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bytesAllocatedSinceCycleStart
}

// RecordCycleStart resets the per-cycle allocation counter and timer.
func (h *Heuristics) RecordCycleStart(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cycleStart = now
	h.bytesAllocatedSinceCycleStart = 0
}

// RecordCycleEnd records the cycle's wall-clock end, and for Adaptive
// pushes the completed cycle's duration onto the truncated moving
// sequence the allocation-rate trigger consults.
func (h *Heuristics) RecordCycleEnd(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastCycleEnd = now
	if h.variant != Adaptive {
		return
	}
	h.cycleTimes = append(h.cycleTimes, now.Sub(h.cycleStart))
	if len(h.cycleTimes) > h.maxCycleTimes {
		h.cycleTimes = h.cycleTimes[len(h.cycleTimes)-h.maxCycleTimes:]
	}
}

func (h *Heuristics) averageCycleTimeLocked() time.Duration {
	if len(h.cycleTimes) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range h.cycleTimes {
		sum += d
	}
	return sum / time.Duration(len(h.cycleTimes))
}

func (h *Heuristics) adjustPenaltyLocked(step int) {
	v := h.gcTimePenalty + step
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	h.gcTimePenalty = v
}

// RecordSuccessConcurrent resets the degenerated streak and decays the GC
// time penalty, called after a fully concurrent cycle completes.
func (h *Heuristics) RecordSuccessConcurrent() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.degeneratedCyclesInRow = 0
	h.successfulCyclesInRow++
	h.adjustPenaltyLocked(concurrentAdjust)
}

// RecordSuccessDegenerated bumps the degenerated streak and the penalty,
// called after a cycle falls back to degenerated (stop-the-world) mode.
func (h *Heuristics) RecordSuccessDegenerated() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.degeneratedCyclesInRow++
	h.successfulCyclesInRow = 0
	h.adjustPenaltyLocked(degeneratedPenalty)
}

// RecordSuccessFull resets the degenerated streak after a full GC.
func (h *Heuristics) RecordSuccessFull() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.degeneratedCyclesInRow = 0
	h.successfulCyclesInRow++
	h.adjustPenaltyLocked(fullPenalty)
}

// DegeneratedCyclesInRow, SuccessfulCyclesInRow, and GCTimePenalty expose
// the feedback counters for logging and for the orchestrator's full-GC
// fallback decision.
func (h *Heuristics) DegeneratedCyclesInRow() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.degeneratedCyclesInRow
}

func (h *Heuristics) SuccessfulCyclesInRow() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.successfulCyclesInRow
}

func (h *Heuristics) GCTimePenalty() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gcTimePenalty
}

// ShouldDegenerateCycle reports whether a cancelled concurrent cycle
// should retry as a degenerated (stop-the-world) cycle rather than
// escalating straight to a full GC. Passive answers via its
// AllowDegenerate flag; the others fall back once too many degenerations
// have happened in a row.
func (h *Heuristics) ShouldDegenerateCycle() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.variant == Passive {
		return h.cfg.AllowDegenerate
	}
	return h.degeneratedCyclesInRow <= h.cfg.FullGCThreshold
}

// TriggerInputs bundles the external state ShouldStartGC reads, mirroring
// spec §4.6's trigger-input list (minus metaspace-OOM pressure, which has
// no analog here since this core excludes class loading entirely).
type TriggerInputs struct {
	MaxCapacity                   uintptr
	SoftMaxCapacity               uintptr
	Available                     uintptr
	BytesAllocatedSinceCycleStart uintptr
	Now                           time.Time
}

// ShouldStartGC answers "should we start a cycle now?" per variant.
// Returns the triggering reason for logging; an empty reason with false
// means no trigger fired.
func (h *Heuristics) ShouldStartGC(in TriggerInputs) (bool, string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.variant {
	case Passive:
		return false, ""
	case Static:
		if ok, reason := h.freeFloorTriggerLocked(in); ok {
			return true, reason
		}
		return h.guaranteedIntervalTriggerLocked(in)
	case Compact:
		if ok, reason := h.freeFloorTriggerLocked(in); ok {
			return true, reason
		}
		if ok, reason := h.allocationRateTriggerLocked(in); ok {
			return true, reason
		}
		return h.guaranteedIntervalTriggerLocked(in)
	case Adaptive:
		if ok, reason := h.freeFloorTriggerLocked(in); ok {
			return true, reason
		}
		if ok, reason := h.projectedExhaustionTriggerLocked(in); ok {
			return true, reason
		}
		return h.guaranteedIntervalTriggerLocked(in)
	default:
		return false, ""
	}
}

func (h *Heuristics) freeFloorTriggerLocked(in TriggerInputs) (bool, string) {
	softTail := in.MaxCapacity - in.SoftMaxCapacity
	available := in.Available
	if available > softTail {
		available -= softTail
	} else {
		available = 0
	}
	threshold := uintptr(float64(in.SoftMaxCapacity) * h.cfg.MinFreeThreshold / 100)
	if available < threshold {
		return true, "free below minimum threshold"
	}
	return false, ""
}

func (h *Heuristics) allocationRateTriggerLocked(in TriggerInputs) (bool, string) {
	threshold := uintptr(float64(in.SoftMaxCapacity) * h.cfg.AllocationThreshold / 100)
	if in.BytesAllocatedSinceCycleStart > threshold {
		return true, "allocated since last cycle exceeds allocation threshold"
	}
	return false, ""
}

func (h *Heuristics) guaranteedIntervalTriggerLocked(in TriggerInputs) (bool, string) {
	if h.cfg.GuaranteedGCInterval <= 0 {
		return false, ""
	}
	if in.Now.Sub(h.lastCycleEnd) > h.cfg.GuaranteedGCInterval {
		return true, "time since last cycle exceeds guaranteed interval"
	}
	return false, ""
}

// projectedExhaustionTriggerLocked derives Adaptive's allocation-rate
// trigger: if the current allocation rate would exhaust available free
// space before an average-length cycle could complete, trigger now.
func (h *Heuristics) projectedExhaustionTriggerLocked(in TriggerInputs) (bool, string) {
	avgCycle := h.averageCycleTimeLocked()
	if avgCycle <= 0 {
		return false, ""
	}
	elapsed := in.Now.Sub(h.cycleStart)
	if elapsed <= 0 {
		return false, ""
	}
	rate := float64(in.BytesAllocatedSinceCycleStart) / elapsed.Seconds()
	if rate <= 0 {
		return false, ""
	}
	timeToExhaustion := time.Duration(float64(in.Available) / rate * float64(time.Second))
	if timeToExhaustion < avgCycle {
		return true, "projected allocation rate would exhaust free space before the next cycle completes"
	}
	return false, ""
}

// ChooseCollectionSet implements the shared framework of spec §4.6: walk
// every region, reclaim empty-of-live regions immediately as trash,
// collect the rest with live data as sorted candidates, then hand them to
// the variant-specific selector if the immediate-garbage fraction allows.
func (h *Heuristics) ChooseCollectionSet(cs *collectionset.CollectionSet) {
	h.mu.Lock()
	variant := h.variant
	cfg := h.cfg
	h.mu.Unlock()

	n := h.heap.NumRegions()
	var candidates []candidate
	var totalGarbage, immediateGarbage, emptyFree uintptr

	for i := 0; i < n; i++ {
		r := h.heap.Region(i)
		garbage := r.Garbage()
		totalGarbage += garbage

		switch r.State() {
		case region.StateEmptyCommitted, region.StateEmptyUncommitted:
			emptyFree += h.heap.RegionSize()
		case region.StateRegular:
			if !r.HasLive() {
				immediateGarbage += garbage
				_ = r.MakeTrash()
			} else {
				candidates = append(candidates, candidate{r, garbage})
			}
		case region.StateHumongousStart:
			if !r.HasLive() {
				immediateGarbage += garbage
				h.trashHumongousChain(r)
			}
		case region.StateTrash:
			immediateGarbage += garbage
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].garbage > candidates[j].garbage
	})

	var immediatePercent float64
	if totalGarbage > 0 {
		immediatePercent = float64(immediateGarbage) / float64(totalGarbage) * 100
	}
	if immediatePercent > cfg.ImmediateThreshold {
		return
	}

	actualFree := immediateGarbage + emptyFree
	h.selectVariant(variant, cfg, cs, candidates, actualFree)
}

func (h *Heuristics) trashHumongousChain(start *region.Region) {
	startIdx := start.Index()
	_ = start.MakeTrash()
	for i := 0; i < h.heap.NumRegions(); i++ {
		r := h.heap.Region(i)
		if r.Index() == startIdx {
			continue
		}
		if r.State() == region.StateHumongousContinuation && r.HumongousChainStart() == startIdx {
			_ = r.MakeTrash()
		}
	}
}

func (h *Heuristics) selectVariant(variant Variant, cfg Config, cs *collectionset.CollectionSet, candidates []candidate, actualFree uintptr) {
	threshold := uintptr(float64(h.heap.RegionSize()) * cfg.GarbageThreshold / 100)

	switch variant {
	case Static:
		for _, c := range candidates {
			if c.garbage > threshold {
				_ = cs.AddRegion(c.region)
			}
		}
	case Compact:
		maxCSet := actualFree * 3 / 4
		var liveCSet uintptr
		for _, c := range candidates {
			live := uintptr(c.region.LiveWords()) * region.WordSize
			newCSet := liveCSet + live
			if newCSet < maxCSet && c.garbage > threshold {
				liveCSet = newCSet
				_ = cs.AddRegion(c.region)
			}
		}
	case Adaptive:
		budget := uintptr(float64(actualFree) * cfg.EvacReserve / 100)
		var liveCSet uintptr
		for _, c := range candidates {
			live := uintptr(c.region.LiveWords()) * region.WordSize
			newCSet := liveCSet + live
			if newCSet < budget && c.garbage > threshold {
				liveCSet = newCSet
				_ = cs.AddRegion(c.region)
			}
		}
	case Passive:
		maxCapacity := uintptr(h.heap.NumRegions()) * h.heap.RegionSize()
		available := uintptr(float64(maxCapacity) * cfg.EvacReserve / 100)
		if actualFree > available {
			available = actualFree
		}
		maxCSet := uintptr(float64(available) / cfg.EvacWaste)
		var liveCSet uintptr
		for _, c := range candidates {
			live := uintptr(c.region.LiveWords()) * region.WordSize
			newCSet := liveCSet + live
			if newCSet < maxCSet && c.garbage > threshold {
				liveCSet = newCSet
				_ = cs.AddRegion(c.region)
			}
		}
	}
}
