// Package region implements the fixed-size, region-partitioned heap slab:
// the bump allocator, per-region liveness and watermarks, and the region
// state machine. It is the leaf component (C1) every other collector
// package builds on.
package region

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/shenandoah-gc/shenandoah/internal/gcerrors"
)

// WordSize is the machine word size in bytes this collector core assumes.
const WordSize = 8

// Address is a byte offset into the heap's single backing arena. Address 0
// is reserved as the null address (see ArenaBase): no region ever starts
// there, so every "obj == 0" null check in this module stays unambiguous.
type Address uintptr

// AlignUp rounds x up to the nearest multiple of align (align must be a
// power of two).
func AlignUp(x, align uintptr) uintptr {
	return (x + align - 1) &^ (align - 1)
}

// AlignDown rounds x down to the nearest multiple of align.
func AlignDown(x, align uintptr) uintptr {
	return x &^ (align - 1)
}

// State is a region's position in the state machine of spec §4.1.
type State int

const (
	StateEmptyUncommitted State = iota
	StateEmptyCommitted
	StateRegular
	StateHumongousStart
	StateHumongousContinuation
	StateCSet
	StatePinned
	StatePinnedHumongousStart
	StateTrash
)

func (s State) String() string {
	switch s {
	case StateEmptyUncommitted:
		return "EmptyUncommitted"
	case StateEmptyCommitted:
		return "EmptyCommitted"
	case StateRegular:
		return "Regular"
	case StateHumongousStart:
		return "HumongousStart"
	case StateHumongousContinuation:
		return "HumongousContinuation"
	case StateCSet:
		return "CSet"
	case StatePinned:
		return "Pinned"
	case StatePinnedHumongousStart:
		return "PinnedHumongousStart"
	case StateTrash:
		return "Trash"
	default:
		return "Unknown"
	}
}

// validTransition reports whether from->to is a legal state transition,
// per spec §4.1's state machine. Trash->EmptyCommitted is deliberately
// excluded here: that transition may only happen inside Recycle, which
// also resets the region's bookkeeping fields.
func validTransition(from, to State) bool {
	switch from {
	case StateEmptyUncommitted:
		return to == StateEmptyCommitted
	case StateEmptyCommitted:
		switch to {
		case StateEmptyUncommitted, StateRegular, StateHumongousStart, StateHumongousContinuation:
			return true
		}
	case StateRegular:
		switch to {
		case StateCSet, StatePinned, StateTrash:
			return true
		}
	case StateCSet:
		switch to {
		case StateTrash, StateRegular:
			return true
		}
	case StateHumongousStart:
		switch to {
		case StatePinnedHumongousStart, StateTrash:
			return true
		}
	case StateHumongousContinuation:
		return to == StateTrash
	case StatePinned:
		return to == StateRegular
	case StatePinnedHumongousStart:
		return to == StateHumongousStart
	case StateTrash:
		return false // only Recycle may leave Trash
	}
	return false
}

// AllocKind distinguishes the four allocation request kinds of spec §3.
type AllocKind int

const (
	AllocMutatorShared AllocKind = iota
	AllocMutatorTLAB
	AllocCollectorShared
	AllocCollectorGCLAB
)

func (k AllocKind) IsLAB() bool {
	return k == AllocMutatorTLAB || k == AllocCollectorGCLAB
}

func (k AllocKind) IsCollector() bool {
	return k == AllocCollectorShared || k == AllocCollectorGCLAB
}

// Request describes an allocation attempt; ActualWords is filled in by the
// allocator on success, and may be less than RequestedWords (but never
// less than MinWords) for elastic LAB requests.
type Request struct {
	Kind           AllocKind
	MinWords       uintptr
	RequestedWords uintptr
	ActualWords    uintptr
}

// Region is a fixed-size [Bottom, End) slab of the heap: the unit of
// allocation bookkeeping and collection. Regions are created once at heap
// initialization and never deallocated; only their state and contents
// change.
type Region struct {
	mu sync.Mutex

	index  int
	bottom Address
	end    Address

	top             Address
	newTop          Address
	updateWatermark Address

	liveData     atomic.Uint64
	tlabAllocs   uint64
	gclabAllocs  uint64
	criticalPins atomic.Int32
	evacFailed   atomic.Bool

	state               State
	humongousChainStart int // index of the start region for Humongous{Start,Continuation}; -1 otherwise

	heap *Heap
}

func (r *Region) Index() int     { return r.index }
func (r *Region) Bottom() Address { return r.bottom }
func (r *Region) End() Address    { return r.end }

func (r *Region) Top() Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.top
}

func (r *Region) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Region) UpdateWatermark() Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateWatermark
}

// SetUpdateWatermark release-stores the update watermark: establishes that
// any store below it which needed updating has been updated (spec §5).
func (r *Region) SetUpdateWatermark(addr Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateWatermark = addr
}

func (r *Region) NewTop() Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.newTop
}

func (r *Region) SetNewTop(addr Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.newTop = addr
}

// Used returns top-bottom in bytes.
func (r *Region) Used() uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uintptr(r.top - r.bottom)
}

// AvailableWords returns the free words remaining in [top, end).
func (r *Region) AvailableWords() uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uintptr(r.end-r.top) / WordSize
}

func (r *Region) LiveWords() uint64      { return r.liveData.Load() }
func (r *Region) HasLive() bool          { return r.liveData.Load() > 0 }
func (r *Region) CriticalPins() int32    { return r.criticalPins.Load() }
func (r *Region) IsPinned() bool         { return r.criticalPins.Load() > 0 }

// ResetLiveData zeros the region's live word counter. Called once per
// region at the start of each cycle's init-mark (alongside capturing
// TAMS), so Garbage()/HasLive() reflect only the current cycle's newly
// discovered live set: without this, a region that survives a cycle
// without being trashed and recycled would keep accumulating live words
// from every prior cycle's marking on top of the new one, permanently
// overstating its live data and understating its garbage.
func (r *Region) ResetLiveData() { r.liveData.Store(0) }

// MarkEvacuationFailed records that at least one of this region's objects
// hit the OOM-during-evacuation protocol and was left in place as its own
// forwardee. finishCycle consults this instead of trashing the region,
// since it still holds live, unmoved data.
func (r *Region) MarkEvacuationFailed() { r.evacFailed.Store(true) }

// EvacuationFailed reports whether MarkEvacuationFailed was ever called
// since this region's last MakeCSet.
func (r *Region) EvacuationFailed() bool { return r.evacFailed.Load() }
func (r *Region) HumongousChainStart() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.humongousChainStart
}

// Garbage returns dead bytes: used minus live, floored at zero (liveData
// may transiently exceed used immediately after an allocation racing a
// marker's live-data notification).
func (r *Region) Garbage() uintptr {
	used := r.Used()
	live := uintptr(r.liveData.Load()) * WordSize
	if live >= used {
		return 0
	}
	return used - live
}

// IncreaseLiveData atomically adds words to the region's live word count.
// Used by the marker and by allocators during concurrent mark (an object
// allocated after TAMS is implicitly live and its words are added here so
// Garbage() accounting stays correct without a mark bit).
func (r *Region) IncreaseLiveData(words uintptr) uint64 {
	return r.liveData.Add(uint64(words))
}

// Pin increments the critical-pin count; a region with nonzero pins may
// not be chosen for evacuation.
func (r *Region) Pin() int32 { return r.criticalPins.Add(1) }

// Unpin decrements the critical-pin count.
func (r *Region) Unpin() int32 {
	v := r.criticalPins.Add(-1)
	if v < 0 {
		panic(fmt.Sprintf("region %d: critical pin count underflow", r.index))
	}
	return v
}

// Allocate bump-allocates words from [top, end), aligned to the word size.
// Caller must hold the heap lock or operate at a safepoint (spec §4.1).
// Returns (0, false) on insufficient space.
func (r *Region) Allocate(words uintptr, kind AllocKind) (Address, bool) {
	if words == 0 {
		return 0, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	size := Address(words * WordSize)
	if r.top+size > r.end {
		return 0, false
	}
	addr := r.top
	r.top += size
	switch kind {
	case AllocMutatorTLAB:
		r.tlabAllocs += words
	case AllocCollectorGCLAB:
		r.gclabAllocs += words
	}
	return addr, true
}

func (r *Region) transitionLocked(to State) error {
	if !validTransition(r.state, to) {
		return gcerrors.InvalidTransition(r.index, r.state.String(), to.String())
	}
	r.state = to
	return nil
}

func (r *Region) transition(to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(to)
}

// MakeRegularAlloc transitions Empty-Committed -> Regular.
func (r *Region) MakeRegularAlloc() error { return r.transition(StateRegular) }

// MakeHumongousStart transitions Empty-Committed -> Humongous-Start and
// records this region as the start of its own chain.
func (r *Region) MakeHumongousStart() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.transitionLocked(StateHumongousStart); err != nil {
		return err
	}
	r.humongousChainStart = r.index
	return nil
}

// MakeHumongousCont transitions Empty-Committed -> Humongous-Continuation,
// recording startIndex as the chain's start region.
func (r *Region) MakeHumongousCont(startIndex int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.transitionLocked(StateHumongousContinuation); err != nil {
		return err
	}
	r.humongousChainStart = startIndex
	return nil
}

// MakeCSet transitions Regular -> CSet. Forbidden for pinned, humongous,
// or already-trashed regions.
func (r *Region) MakeCSet() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.criticalPins.Load() > 0 {
		return gcerrors.InvalidTransition(r.index, r.state.String(), StateCSet.String())
	}
	if err := r.transitionLocked(StateCSet); err != nil {
		return err
	}
	r.evacFailed.Store(false)
	return nil
}

// MakeTrash transitions {Regular, CSet, Humongous-Start,
// Humongous-Continuation} -> Trash.
func (r *Region) MakeTrash() error { return r.transition(StateTrash) }

// MakePinned transitions Regular -> Pinned or Humongous-Start ->
// Pinned-Humongous-Start.
func (r *Region) MakePinned() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateRegular:
		return r.transitionLocked(StatePinned)
	case StateHumongousStart:
		return r.transitionLocked(StatePinnedHumongousStart)
	}
	return gcerrors.InvalidTransition(r.index, r.state.String(), "Pinned")
}

// MakeUnpinned reverses MakePinned.
func (r *Region) MakeUnpinned() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StatePinned:
		return r.transitionLocked(StateRegular)
	case StatePinnedHumongousStart:
		return r.transitionLocked(StateHumongousStart)
	}
	return gcerrors.InvalidTransition(r.index, r.state.String(), "Regular/HumongousStart")
}

// MakeUncommitted transitions Empty-Committed -> Empty-Uncommitted and
// releases the region's backing pages.
func (r *Region) MakeUncommitted() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.transitionLocked(StateEmptyUncommitted); err != nil {
		return err
	}
	return r.heap.uncommitRegion(r)
}

// MakeCommitted transitions Empty-Uncommitted -> Empty-Committed and backs
// the region with real pages.
func (r *Region) MakeCommitted() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.transitionLocked(StateEmptyCommitted); err != nil {
		return err
	}
	return r.heap.commitRegion(r)
}

// Recycle resets top/live/watermarks and transitions Trash -> Empty-
// Committed, preserving index. This is the only path out of Trash.
func (r *Region) Recycle() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateTrash {
		return gcerrors.InvalidTransition(r.index, r.state.String(), StateEmptyCommitted.String())
	}
	r.top = r.bottom
	r.newTop = r.bottom
	r.updateWatermark = r.bottom
	r.liveData.Store(0)
	r.tlabAllocs = 0
	r.gclabAllocs = 0
	r.humongousChainStart = -1
	r.state = StateEmptyCommitted
	return nil
}

// ArenaBase is the first allocatable address: address 0 is reserved and
// never handed out to a region, since every collaborator in this module
// (cycle.go's root scan, forwarding's tagged-header encoding, the barrier
// engine's reference checks) treats a bare 0 Address as the "no object"
// sentinel. Without this offset, a legitimate object placed at region 0's
// bottom (address 0) would be indistinguishable from null — silently
// dropped as a root, and fatal if it ever self-forwards (encode(0) decodes
// back to a tagged-but-zero forwardee, which Get() treats as a forwarding
// chain bug). Reserving one word of unused address space ahead of region 0
// keeps 0 permanently free for that sentinel use.
const ArenaBase Address = Address(WordSize)

// Heap is the whole committed/uncommitted backing arena shared by every
// Region: one reservation, sub-ranges individually (un)committed.
type Heap struct {
	mem        []byte
	regionSize uintptr
	regions    []*Region
}

// NewHeap reserves ArenaBase+regionCount*regionSize bytes of address space and
// creates regionCount regions, all initially Empty-Uncommitted.
// regionSize must be a power of two.
func NewHeap(regionCount int, regionSize uintptr) (*Heap, error) {
	if regionCount <= 0 {
		return nil, fmt.Errorf("region: regionCount must be positive")
	}
	if regionSize == 0 || regionSize&(regionSize-1) != 0 {
		return nil, fmt.Errorf("region: regionSize must be a power of two")
	}
	total := uintptr(regionCount)*regionSize + uintptr(ArenaBase)
	mem, err := reserveMemory(total)
	if err != nil {
		return nil, fmt.Errorf("region: reserve %d bytes: %w", total, err)
	}
	h := &Heap{mem: mem, regionSize: regionSize, regions: make([]*Region, regionCount)}
	for i := 0; i < regionCount; i++ {
		bottom := ArenaBase + Address(uintptr(i)*regionSize)
		h.regions[i] = &Region{
			index:                i,
			bottom:               bottom,
			end:                  bottom + Address(regionSize),
			top:                  bottom,
			newTop:               bottom,
			updateWatermark:      bottom,
			state:                StateEmptyUncommitted,
			humongousChainStart:  -1,
			heap:                 h,
		}
	}
	return h, nil
}

func (h *Heap) NumRegions() int         { return len(h.regions) }
func (h *Heap) RegionSize() uintptr     { return h.regionSize }
func (h *Heap) TotalSize() uintptr      { return uintptr(len(h.regions)) * h.regionSize }
func (h *Heap) Region(i int) *Region    { return h.regions[i] }
func (h *Heap) Regions() []*Region      { return h.regions }

// RegionIndexOf returns the region index containing addr.
func (h *Heap) RegionIndexOf(addr Address) int {
	return int((uintptr(addr) - uintptr(ArenaBase)) / h.regionSize)
}

// RegionOf returns the region containing addr.
func (h *Heap) RegionOf(addr Address) *Region {
	return h.regions[h.RegionIndexOf(addr)]
}

func (h *Heap) commitRegion(r *Region) error {
	return commitRange(h.mem, uintptr(r.bottom), h.regionSize)
}

func (h *Heap) uncommitRegion(r *Region) error {
	return uncommitRange(h.mem, uintptr(r.bottom), h.regionSize)
}

// Close releases the heap's reserved address space.
func (h *Heap) Close() error {
	return releaseMemory(h.mem)
}

// Uint64At returns a pointer to the 8-byte word at addr within the heap's
// backing arena, for atomic header/bitmap access by ForwardingSlot and
// MarkingContext. addr must be 8-byte aligned and within a committed
// region.
func (h *Heap) Uint64At(addr Address) *uint64 {
	return (*uint64)(unsafe.Pointer(&h.mem[addr]))
}

// Bytes returns the raw backing slice for addr..addr+n, for bulk copies
// (evacuation, arraycopy).
func (h *Heap) Bytes(addr Address, n uintptr) []byte {
	return h.mem[addr : uintptr(addr)+n]
}
