// Package forwarding implements the per-object forwarding pointer (C2): one
// machine-word header slot per object, overloaded via a low-bit "marked"
// tag. Racing installs resolve by compare-and-swap; readers either assert a
// non-null forwardee (the mutator path) or tolerate one (the inspection
// path), per spec §4.2.
package forwarding

import (
	"sync/atomic"

	"github.com/shenandoah-gc/shenandoah/internal/gcerrors"
	"github.com/shenandoah-gc/shenandoah/internal/region"
)

const markedBit = uint64(1)

// Slot provides forwarding-pointer access to objects living in a heap's raw
// backing memory: the header word is the object's first word.
type Slot struct {
	heap *region.Heap
}

// New creates a Slot over heap's backing memory.
func New(heap *region.Heap) *Slot { return &Slot{heap: heap} }

func encode(addr region.Address) uint64 { return (uint64(addr) << 1) | markedBit }
func decode(word uint64) region.Address { return region.Address(word >> 1) }

func (s *Slot) header(obj region.Address) *uint64 { return s.heap.Uint64At(obj) }

// IsForwarded reports whether obj's header carries the forwarded tag.
func (s *Slot) IsForwarded(obj region.Address) bool {
	return atomic.LoadUint64(s.header(obj))&markedBit != 0
}

// TryInstall attempts to CAS obj's header from its untagged state to the
// tagged candidate address. On success it returns candidate. On failure —
// another thread installed first — it decodes and returns the winner's
// address. Memory order: acquire on read, release on the winning CAS.
func (s *Slot) TryInstall(obj, candidate region.Address) region.Address {
	ptr := s.header(obj)
	tagged := encode(candidate)
	for {
		old := atomic.LoadUint64(ptr)
		if old&markedBit != 0 {
			return decode(old)
		}
		if atomic.CompareAndSwapUint64(ptr, old, tagged) {
			return candidate
		}
		// Lost the race against another thread's install attempt on the
		// same untagged header; retry and observe whichever one won.
	}
}

// Get resolves obj through at most one forwarding hop: the mutator
// variant. It asserts the installed address is non-null, since no
// inspector can race a mutator during concurrent evacuation — observing a
// tagged-but-null header here means the collector has a bug (a forwarding
// chain or a torn install), and is fatal per spec §7.
func (s *Slot) Get(obj region.Address) region.Address {
	word := atomic.LoadUint64(s.header(obj))
	if word&markedBit == 0 {
		return obj
	}
	fwd := decode(word)
	if fwd == 0 {
		panic(gcerrors.ForwardingChain(uintptr(obj)))
	}
	return fwd
}

// GetUnchecked is the inspection-tool variant of Get: it tolerates a
// tagged-but-null slot (produced by a heap walker racing a mutator's
// in-flight install) and returns obj instead of asserting. Do not use this
// on the mutator path.
func (s *Slot) GetUnchecked(obj region.Address) region.Address {
	word := atomic.LoadUint64(s.header(obj))
	if word&markedBit == 0 {
		return obj
	}
	fwd := decode(word)
	if fwd == 0 {
		return obj
	}
	return fwd
}

// AssertNoChain panics with a gcerrors.ForwardingChain if obj's forwardee
// is itself forwarded, which must never happen during concurrent
// evacuation (spec §4.2, §8's forwarding-idempotence law). Intended for
// debug-mode assertions, not the hot path.
func (s *Slot) AssertNoChain(obj region.Address) {
	fwd := s.GetUnchecked(obj)
	if fwd == obj {
		return
	}
	if s.IsForwarded(fwd) {
		panic(gcerrors.ForwardingChain(uintptr(fwd)))
	}
}
