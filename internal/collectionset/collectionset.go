// Package collectionset implements the collection set (C5): the set of
// regions chosen for the current cycle's evacuation, exposed both as a
// region-index membership test and as a pointer-to-region test for the
// write barrier's hot path.
package collectionset

import (
	"sync/atomic"

	"github.com/shenandoah-gc/shenandoah/internal/region"
)

// CollectionSet tracks which regions are being evacuated this cycle, plus
// the aggregate garbage/used/region_count this cset is worth collecting.
//
// The original keeps two maps: a region-indexed byte map and a "biased"
// map addressable directly by a shifted object pointer, so the barrier's
// is_in(oop) test needs no heap-base subtraction. Here IsInAddr instead
// defers to the heap's own RegionIndexOf, since the arena reserves address
// 0 ahead of region 0 (see region.ArenaBase) rather than being purely
// region-zero-based, so a raw shift-by-log2(regionSize) would misattribute
// every address by one word.
type CollectionSet struct {
	heap *region.Heap

	cset []bool

	garbage     uintptr
	used        uintptr
	regionCount int

	currentIndex atomic.Uint64
}

// New creates an empty CollectionSet over heap.
func New(heap *region.Heap) *CollectionSet {
	return &CollectionSet{
		heap: heap,
		cset: make([]bool, heap.NumRegions()),
	}
}

// AddRegion marks r as part of the collection set and transitions it to
// CSet state. Must be called at a safepoint. Adding a region that is
// already a member returns nil and changes nothing, so garbage/used are
// never counted twice.
func (cs *CollectionSet) AddRegion(r *region.Region) error {
	if cs.cset[r.Index()] {
		return nil
	}
	if err := r.MakeCSet(); err != nil {
		return err
	}
	cs.cset[r.Index()] = true
	cs.regionCount++
	cs.garbage += r.Garbage()
	cs.used += r.Used()
	return nil
}

// Clear resets the collection set: all membership bits and the aggregate
// counters. Must be called at a safepoint once a cycle's evacuation has
// fully drained.
func (cs *CollectionSet) Clear() {
	for i := range cs.cset {
		cs.cset[i] = false
	}
	cs.garbage = 0
	cs.used = 0
	cs.regionCount = 0
	cs.currentIndex.Store(0)
}

// IsInIndex reports whether region index i is a collection set member.
func (cs *CollectionSet) IsInIndex(i int) bool {
	if i < 0 || i >= len(cs.cset) {
		return false
	}
	return cs.cset[i]
}

// IsInAddr reports whether the region containing addr is a collection set
// member. Out-of-range addresses (including a caller that passes a
// language-level nil/zero sentinel instead of a real heap address) safely
// report false rather than panicking, matching the original's
// branch-free-on-null intent.
func (cs *CollectionSet) IsInAddr(addr region.Address) bool {
	if addr == 0 {
		return false
	}
	return cs.IsInIndex(cs.heap.RegionIndexOf(addr))
}

// IsInRegion reports whether r is a collection set member.
func (cs *CollectionSet) IsInRegion(r *region.Region) bool {
	return cs.IsInIndex(r.Index())
}

// Count returns the number of regions currently in the collection set.
func (cs *CollectionSet) Count() int { return cs.regionCount }

// IsEmpty reports whether the collection set has no members.
func (cs *CollectionSet) IsEmpty() bool { return cs.regionCount == 0 }

// Garbage returns the summed garbage bytes of all member regions, as of
// the last AddRegion.
func (cs *CollectionSet) Garbage() uintptr { return cs.garbage }

// Used returns the summed used bytes of all member regions, as of the last
// AddRegion.
func (cs *CollectionSet) Used() uintptr { return cs.used }

// ClaimNext atomically claims the next unclaimed member region in index
// order, for concurrent evacuation workers pulling from a shared cset.
// Returns nil once every member has been claimed. Uses a CAS-retry loop on
// a monotone cursor rather than a true work-stealing queue, since regions
// are claimed once each and never returned (spec §4.5's clarified
// semantics: evacuation workers never revisit a region).
func (cs *CollectionSet) ClaimNext() *region.Region {
	max := uint64(len(cs.cset))
	old := cs.currentIndex.Load()
	for index := old; index < max; index++ {
		if !cs.IsInIndex(int(index)) {
			continue
		}
		if cs.currentIndex.CompareAndSwap(old, index+1) {
			return cs.heap.Region(int(index))
		}
		// Somebody else moved the claim index first; restart the scan
		// from there instead of re-checking indices already passed.
		cur := cs.currentIndex.Load()
		index = cur - 1 // loop post-increment brings this back to cur
		old = cur
	}
	return nil
}

// Next is the single-threaded variant of ClaimNext, for use only when the
// caller already holds exclusive access (e.g. a safepoint on the sole VM
// thread) and the CAS overhead of ClaimNext is unnecessary.
func (cs *CollectionSet) Next() *region.Region {
	max := len(cs.cset)
	start := int(cs.currentIndex.Load())
	for index := start; index < max; index++ {
		if cs.IsInIndex(index) {
			cs.currentIndex.Store(uint64(index + 1))
			return cs.heap.Region(index)
		}
	}
	return nil
}

// ResetCursor rewinds ClaimNext/Next's cursor to the start without
// clearing membership, for a second worker pass over the same cset (e.g.
// a verification walk after evacuation).
func (cs *CollectionSet) ResetCursor() { cs.currentIndex.Store(0) }
