// Package marking implements the per-object strong/weak mark bits and the
// per-region "top at mark start" (TAMS) that distinguishes post-mark
// allocations from the live set captured at cycle start (C3).
package marking

import (
	"sync/atomic"

	"github.com/shenandoah-gc/shenandoah/internal/region"
)

// Context holds the strong and weak mark bitmaps plus the per-region TAMS
// array for one mark cycle's worth of state. A Context is reused across
// cycles; ResetTopAtMarkStart and the bitmap clear at recycle keep stale
// bits from leaking forward.
type Context struct {
	heap *region.Heap

	tams []atomic.Uint64 // per-region TAMS, indexed by region index

	strong []uint64 // one bit per word-aligned heap slot
	weak   []uint64
}

// NewContext allocates bitmaps sized to heap's full address range,
// including the reserved ArenaBase word ahead of region 0 so slotFor's
// word-index arithmetic over real addresses (which all start at
// ArenaBase, not 0) never runs past the end of the bitmap.
func NewContext(heap *region.Heap) *Context {
	slots := (uintptr(region.ArenaBase) + heap.TotalSize()) / region.WordSize
	words := (slots + 63) / 64
	return &Context{
		heap:   heap,
		tams:   make([]atomic.Uint64, heap.NumRegions()),
		strong: make([]uint64, words),
		weak:   make([]uint64, words),
	}
}

func slotFor(addr region.Address) (wordIdx uintptr, bit uint64) {
	slot := uintptr(addr) / region.WordSize
	return slot / 64, 1 << (slot % 64)
}

// AllocatedAfterMarkStart reports whether addr was allocated at or after
// r's TAMS, making it implicitly live for the current cycle regardless of
// its mark bit.
func (c *Context) AllocatedAfterMarkStart(r *region.Region, addr region.Address) bool {
	return addr >= region.Address(c.tams[r.Index()].Load())
}

func casBit(bitmap []uint64, wordIdx uintptr, bit uint64) bool {
	ptr := &bitmap[wordIdx]
	for {
		old := atomic.LoadUint64(ptr)
		if old&bit != 0 {
			return false
		}
		if atomic.CompareAndSwapUint64(ptr, old, old|bit) {
			return true
		}
	}
}

func testBit(bitmap []uint64, wordIdx uintptr, bit uint64) bool {
	return atomic.LoadUint64(&bitmap[wordIdx])&bit != 0
}

// MarkStrong sets addr's strong bit. newlyMarked is false if addr was
// allocated after mark start (a no-op) or was already strongly marked.
// upgradedFromWeak reports a weak->strong upgrade, a defined transition
// per spec §3.
func (c *Context) MarkStrong(r *region.Region, addr region.Address) (newlyMarked, upgradedFromWeak bool) {
	if c.AllocatedAfterMarkStart(r, addr) {
		return false, false
	}
	wi, bit := slotFor(addr)
	wasWeak := testBit(c.weak, wi, bit)
	newly := casBit(c.strong, wi, bit)
	return newly, wasWeak && newly
}

// MarkWeak sets addr's weak bit; no-op if allocated after mark start.
func (c *Context) MarkWeak(r *region.Region, addr region.Address) (newlyMarked bool) {
	if c.AllocatedAfterMarkStart(r, addr) {
		return false
	}
	wi, bit := slotFor(addr)
	return casBit(c.weak, wi, bit)
}

// IsMarkedStrong reports implicit-or-explicit strong liveness.
func (c *Context) IsMarkedStrong(r *region.Region, addr region.Address) bool {
	if c.AllocatedAfterMarkStart(r, addr) {
		return true
	}
	wi, bit := slotFor(addr)
	return testBit(c.strong, wi, bit)
}

// IsMarkedWeak reports implicit-or-explicit weak-or-stronger liveness.
func (c *Context) IsMarkedWeak(r *region.Region, addr region.Address) bool {
	if c.AllocatedAfterMarkStart(r, addr) {
		return true
	}
	wi, bit := slotFor(addr)
	return testBit(c.weak, wi, bit) || testBit(c.strong, wi, bit)
}

// IsMarked reports implicit-or-explicit liveness of any kind.
func (c *Context) IsMarked(r *region.Region, addr region.Address) bool {
	return c.IsMarkedStrong(r, addr) || c.IsMarkedWeak(r, addr)
}

// CaptureTopAtMarkStart records r.Top() as this cycle's TAMS, monotone
// non-decreasing within a cycle (spec §4.3's invariant). Must be called at
// init-mark, under a safepoint, before any allocation in r for this cycle —
// the bitmap range [old tams, new tams) is clear at the moment of capture
// because no marker has run yet to set bits there.
func (c *Context) CaptureTopAtMarkStart(r *region.Region) region.Address {
	top := r.Top()
	idx := r.Index()
	for {
		old := c.tams[idx].Load()
		if region.Address(old) >= top {
			return region.Address(old)
		}
		if c.tams[idx].CompareAndSwap(old, uint64(top)) {
			return top
		}
	}
}

// TopAtMarkStart returns r's captured TAMS for the current cycle.
func (c *Context) TopAtMarkStart(r *region.Region) region.Address {
	return region.Address(c.tams[r.Index()].Load())
}

// ResetTopAtMarkStart clears a region's TAMS back to its bottom at cycle
// end, so the next cycle's implicit-liveness predicate only covers that
// cycle's new allocations.
func (c *Context) ResetTopAtMarkStart(r *region.Region) {
	c.tams[r.Index()].Store(uint64(r.Bottom()))
}

// ClearRegion zeros the mark bitmap range covering r's backing words. Used
// when r is recycled so stale bits don't leak into its next life holding a
// different object layout.
func (c *Context) ClearRegion(r *region.Region) {
	for a := r.Bottom(); a < r.End(); a += region.Address(region.WordSize) {
		wi, bit := slotFor(a)
		atomic.AndUint64(&c.strong[wi], ^bit)
		atomic.AndUint64(&c.weak[wi], ^bit)
	}
}
