// Package freeset implements the mutator/collector free-region partitions
// (C4): two bitmaps over region indices, first-fit scans in opposite
// directions per partition, elastic LAB downsizing, humongous contiguous
// allocation, and the rebuild/recycle lifecycle that refreshes the
// partitions around a collection cycle.
package freeset

import (
	"runtime"
	"sync"

	"github.com/shenandoah-gc/shenandoah/internal/gcstate"
	"github.com/shenandoah-gc/shenandoah/internal/region"
)

// FreeSet tracks which regions belong to the mutator partition (serving
// TLAB/shared mutator allocation) and which belong to the collector
// partition (serving GCLAB/shared evacuation allocation), per spec §4.4.
type FreeSet struct {
	mu sync.Mutex

	heap *region.Heap

	mutatorFree   []bool
	collectorFree []bool

	mutatorLeftmost, mutatorRightmost     int
	collectorLeftmost, collectorRightmost int

	capacity uintptr
	used     uintptr

	humongousThresholdWords uintptr
	allowStealing           bool

	wasteWords uintptr
}

// New creates an empty FreeSet over heap; call Rebuild before any
// allocation to populate the partitions.
func New(heap *region.Heap, humongousThresholdWords uintptr, allowStealing bool) *FreeSet {
	n := heap.NumRegions()
	fs := &FreeSet{
		heap:                    heap,
		mutatorFree:             make([]bool, n),
		collectorFree:           make([]bool, n),
		humongousThresholdWords: humongousThresholdWords,
		allowStealing:           allowStealing,
	}
	fs.mutatorLeftmost, fs.collectorLeftmost = n, n
	fs.mutatorRightmost, fs.collectorRightmost = -1, -1
	return fs
}

// Rebuild clears both partitions and reclassifies every region: Empty and
// Trash regions join the mutator partition at full region capacity,
// partially-used Regular regions with remaining capacity join at their
// remaining capacity, and everything else (CSet, Pinned, Humongous*) is
// excluded from both. It then moves a trailing tail of mutator regions into
// the collector partition until evacReservePercent of total heap capacity
// is reserved there, per spec §4.4's evacuation reserve.
func (fs *FreeSet) Rebuild(evacReservePercent float64) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n := fs.heap.NumRegions()
	fs.mutatorFree = make([]bool, n)
	fs.collectorFree = make([]bool, n)
	fs.capacity = 0
	fs.used = 0

	freeBytes := make([]uintptr, n)
	for i := 0; i < n; i++ {
		r := fs.heap.Region(i)
		switch r.State() {
		case region.StateEmptyUncommitted, region.StateEmptyCommitted, region.StateTrash:
			freeBytes[i] = fs.heap.RegionSize()
			fs.mutatorFree[i] = true
		case region.StateRegular:
			if avail := r.AvailableWords() * region.WordSize; avail > 0 {
				freeBytes[i] = avail
				fs.mutatorFree[i] = true
			}
			fs.used += r.Used()
		default:
			// CSet, Pinned, Humongous*: neither free nor reclassified here.
			fs.used += r.Used()
		}
		fs.capacity += freeBytes[i]
	}

	fs.recomputeMutatorBounds()
	fs.collectorLeftmost, fs.collectorRightmost = n, -1

	maxCapacity := uintptr(n) * fs.heap.RegionSize()
	reserveBytes := uintptr(float64(maxCapacity) * evacReservePercent / 100)

	var reserved uintptr
	for i := n - 1; i >= 0 && reserved < reserveBytes; i-- {
		if !fs.mutatorFree[i] {
			continue
		}
		fs.mutatorFree[i] = false
		fs.collectorFree[i] = true
		reserved += freeBytes[i]
		if i < fs.collectorLeftmost {
			fs.collectorLeftmost = i
		}
		if i > fs.collectorRightmost {
			fs.collectorRightmost = i
		}
	}
	fs.recomputeMutatorBounds()
}

func (fs *FreeSet) recomputeMutatorBounds() {
	n := fs.heap.NumRegions()
	fs.mutatorLeftmost, fs.mutatorRightmost = n, -1
	for i, set := range fs.mutatorFree {
		if !set {
			continue
		}
		if i < fs.mutatorLeftmost {
			fs.mutatorLeftmost = i
		}
		if i > fs.mutatorRightmost {
			fs.mutatorRightmost = i
		}
	}
}

// Allocate serves req from the appropriate partition: requests above the
// humongous threshold (and not LAB requests, which never span regions) go
// to contiguous allocation; everything else scans a single region's worth
// of space out of the mutator or collector partition.
func (fs *FreeSet) Allocate(req *region.Request) (region.Address, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if req.RequestedWords > fs.humongousThresholdWords && !req.Kind.IsLAB() {
		addr, ok := fs.allocateContiguousLocked(req.RequestedWords)
		if ok {
			req.ActualWords = req.RequestedWords
		}
		return addr, ok
	}
	if req.Kind.IsCollector() {
		return fs.allocateCollectorLocked(req)
	}
	return fs.allocateMutatorLocked(req)
}

// Mutator allocations scan left-to-right from the cached leftmost bound and
// never consult the collector partition.
func (fs *FreeSet) allocateMutatorLocked(req *region.Request) (region.Address, bool) {
	n := fs.heap.NumRegions()
	for i := fs.mutatorLeftmost; i <= fs.mutatorRightmost && i < n; i++ {
		if !fs.mutatorFree[i] {
			continue
		}
		if addr, ok := fs.tryAllocateInLocked(i, req); ok {
			return addr, true
		}
	}
	return 0, false
}

// Collector allocations scan right-to-left from the cached rightmost
// bound. When the partition is exhausted and stealing is permitted, a
// fully empty mutator region migrates into the collector partition.
func (fs *FreeSet) allocateCollectorLocked(req *region.Request) (region.Address, bool) {
	for i := fs.collectorRightmost; i >= fs.collectorLeftmost && i >= 0; i-- {
		if !fs.collectorFree[i] {
			continue
		}
		if addr, ok := fs.tryAllocateInLocked(i, req); ok {
			return addr, true
		}
	}
	if fs.allowStealing {
		if i, ok := fs.stealEmptyMutatorRegionLocked(); ok {
			if addr, ok2 := fs.tryAllocateInLocked(i, req); ok2 {
				return addr, true
			}
		}
	}
	return 0, false
}

// stealEmptyMutatorRegionLocked migrates the rightmost fully-empty region
// still in the mutator partition into the collector partition, per spec
// §4.4's stealing policy.
func (fs *FreeSet) stealEmptyMutatorRegionLocked() (int, bool) {
	for i := fs.mutatorRightmost; i >= fs.mutatorLeftmost && i >= 0; i-- {
		if !fs.mutatorFree[i] {
			continue
		}
		r := fs.heap.Region(i)
		st := r.State()
		if (st != region.StateEmptyCommitted && st != region.StateEmptyUncommitted) || r.Used() != 0 {
			continue
		}
		fs.mutatorFree[i] = false
		fs.collectorFree[i] = true
		fs.recomputeMutatorBounds()
		if i < fs.collectorLeftmost {
			fs.collectorLeftmost = i
		}
		if i > fs.collectorRightmost {
			fs.collectorRightmost = i
		}
		return i, true
	}
	return 0, false
}

// tryAllocateInLocked attempts to serve req out of region i. LAB requests
// downsize elastically: a region offering fewer than RequestedWords but at
// least MinWords still succeeds, at the region's available size.
func (fs *FreeSet) tryAllocateInLocked(i int, req *region.Request) (region.Address, bool) {
	r := fs.heap.Region(i)
	available := r.AvailableWords()

	var words uintptr
	if req.Kind.IsLAB() {
		if available < req.MinWords {
			return 0, false
		}
		words = req.RequestedWords
		if words > available {
			words = available
		}
	} else {
		if available < req.RequestedWords {
			return 0, false
		}
		words = req.RequestedWords
	}

	switch r.State() {
	case region.StateEmptyUncommitted:
		if err := r.MakeCommitted(); err != nil {
			return 0, false
		}
		fallthrough
	case region.StateEmptyCommitted:
		if err := r.MakeRegularAlloc(); err != nil {
			return 0, false
		}
	}

	addr, ok := r.Allocate(words, req.Kind)
	if !ok {
		return 0, false
	}
	req.ActualWords = words
	fs.used += words * region.WordSize
	return addr, true
}

// AllocateContiguous serves a humongous object spanning ceil(words/R)
// regions, where R is the per-region word count. The chain's start region
// becomes Humongous-Start and the rest Humongous-Continuation; every region
// in the chain is fully consumed, with the trailing remainder beyond words
// recorded as waste.
func (fs *FreeSet) AllocateContiguous(words uintptr) (region.Address, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.allocateContiguousLocked(words)
}

func (fs *FreeSet) allocateContiguousLocked(words uintptr) (region.Address, bool) {
	regionWords := fs.heap.RegionSize() / region.WordSize
	n := (words + regionWords - 1) / regionWords
	num := fs.heap.NumRegions()

	for start := fs.mutatorLeftmost; start+int(n) <= num; start++ {
		ok := true
		for j := 0; j < int(n); j++ {
			idx := start + j
			st := fs.heap.Region(idx).State()
			if !fs.mutatorFree[idx] || (st != region.StateEmptyCommitted && st != region.StateEmptyUncommitted) {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}

		for j := 0; j < int(n); j++ {
			r := fs.heap.Region(start + j)
			if r.State() == region.StateEmptyUncommitted {
				if err := r.MakeCommitted(); err != nil {
					ok = false
					break
				}
			}
		}
		if !ok {
			continue
		}

		startRegion := fs.heap.Region(start)
		if err := startRegion.MakeHumongousStart(); err != nil {
			continue
		}
		for j := 1; j < int(n); j++ {
			if err := fs.heap.Region(start + j).MakeHumongousCont(start); err != nil {
				continue
			}
		}
		for j := 0; j < int(n); j++ {
			fs.heap.Region(start + j).Allocate(regionWords, region.AllocMutatorShared)
			fs.mutatorFree[start+j] = false
		}
		total := n * regionWords
		fs.wasteWords += total - words
		fs.used += words * region.WordSize
		fs.recomputeMutatorBounds()
		return startRegion.Bottom(), true
	}
	return 0, false
}

// RecycleTrash reclaims every Trash region back to Empty-Committed,
// acquiring the heap lock for each individual region rather than for the
// whole sweep so mutators aren't blocked for the duration. Returns the
// count of regions recycled.
func (fs *FreeSet) RecycleTrash(lock *gcstate.HeapLock, holder int64) int {
	n := fs.heap.NumRegions()
	recycled := 0
	for i := 0; i < n; i++ {
		r := fs.heap.Region(i)
		if r.State() != region.StateTrash {
			continue
		}
		lock.Lock(holder)
		if r.State() == region.StateTrash {
			if err := r.Recycle(); err == nil {
				recycled++
			}
		}
		lock.Unlock(holder)
		runtime.Gosched()
	}
	return recycled
}

// Capacity returns the total bytes currently tracked across both
// partitions, as of the last Rebuild.
func (fs *FreeSet) Capacity() uintptr {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.capacity
}

// Used returns the bytes the last Rebuild found in use (in Regular regions
// and in regions excluded from both partitions: CSet, Pinned, Humongous*)
// plus the bytes allocated through this FreeSet since.
func (fs *FreeSet) Used() uintptr {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.used
}

// Available returns Capacity minus Used.
func (fs *FreeSet) Available() uintptr {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.capacity - fs.used
}

// RecordEvacuationWaste adds words to the waste tally for an abandoned
// evacuation copy: a GCLAB bump that lost the forwarding-install race and
// was not the lab's most recent allocation, so it cannot be unrolled.
func (fs *FreeSet) RecordEvacuationWaste(words uintptr) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.wasteWords += words
}

// Waste returns bytes lost to humongous trailing remainders and abandoned
// evacuation copies since the FreeSet was created (Rebuild does not reset
// it; callers that want a per-cycle figure should snapshot before and after).
func (fs *FreeSet) Waste() uintptr {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.wasteWords * region.WordSize
}

// IsMutatorFree reports whether region i is currently in the mutator
// partition.
func (fs *FreeSet) IsMutatorFree(i int) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.mutatorFree[i]
}

// IsCollectorFree reports whether region i is currently in the collector
// partition.
func (fs *FreeSet) IsCollectorFree(i int) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.collectorFree[i]
}

// InternalFragmentation computes IF = 1 - (Σuᵢ² / (R·Σuᵢ)) over regions in
// either partition, where uᵢ is region i's used bytes and R is the region
// size. A value near 0 means used bytes are concentrated in few, fuller
// regions; a value near 1 means they're spread thin across many regions.
func (fs *FreeSet) InternalFragmentation() float64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var sumU, sumU2 float64
	for i := 0; i < fs.heap.NumRegions(); i++ {
		if !fs.mutatorFree[i] && !fs.collectorFree[i] {
			continue
		}
		u := float64(fs.heap.Region(i).Used())
		sumU += u
		sumU2 += u * u
	}
	if sumU == 0 {
		return 0
	}
	r := float64(fs.heap.RegionSize())
	return 1 - sumU2/(r*sumU)
}

// ExternalFragmentation computes EF = 1 - (largest contiguous free run /
// total free bytes) over regions in either partition.
func (fs *FreeSet) ExternalFragmentation() float64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var totalFree, maxContig, curContig uintptr
	for i := 0; i < fs.heap.NumRegions(); i++ {
		var free uintptr
		if fs.mutatorFree[i] || fs.collectorFree[i] {
			free = fs.heap.Region(i).AvailableWords() * region.WordSize
		}
		totalFree += free
		if free > 0 {
			curContig += free
			if curContig > maxContig {
				maxContig = curContig
			}
		} else {
			curContig = 0
		}
	}
	if totalFree == 0 {
		return 0
	}
	return 1 - float64(maxContig)/float64(totalFree)
}
