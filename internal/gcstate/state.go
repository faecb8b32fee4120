// Package gcstate holds the collector's process-wide mutable state: the
// global GC state byte barriers consult on every load and store, the
// cooperative cancellation flag, and the heap lock. All three are
// initialized once at heap creation and torn down only at process exit.
package gcstate

import (
	"sync"
	"sync/atomic"
)

// Bits is the global GC state byte (spec §3, §6). A zero value means
// barriers are pass-through: no bit is set, so every load/store takes the
// raw path.
type Bits uint8

const (
	HasForwarded Bits = 1 << iota
	Marking
	Evacuation
	UpdateRefs
	WeakRoots
)

func (b Bits) String() string {
	if b == 0 {
		return "none"
	}
	s := ""
	add := func(bit Bits, name string) {
		if b&bit != 0 {
			if s != "" {
				s += "|"
			}
			s += name
		}
	}
	add(HasForwarded, "HAS_FORWARDED")
	add(Marking, "MARKING")
	add(Evacuation, "EVACUATION")
	add(UpdateRefs, "UPDATEREFS")
	add(WeakRoots, "WEAK_ROOTS")
	return s
}

// Word is the GC state byte. Publication is release-store; mutator
// observation is acquire-load when any bit is set (Go's atomic package
// gives sequentially consistent operations, the strongest ordering a
// release/acquire pair needs).
type Word struct {
	bits atomic.Uint32
}

func (w *Word) Load() Bits      { return Bits(w.bits.Load()) }
func (w *Word) Store(b Bits)    { w.bits.Store(uint32(b)) }
func (w *Word) IsClear() bool   { return w.bits.Load() == 0 }
func (w *Word) Has(b Bits) bool { return w.Load()&b != 0 }

// Set atomically ORs bits into the word.
func (w *Word) Set(b Bits) {
	for {
		old := w.bits.Load()
		nw := old | uint32(b)
		if old == nw || w.bits.CompareAndSwap(old, nw) {
			return
		}
	}
}

// Clear atomically clears bits from the word.
func (w *Word) Clear(b Bits) {
	for {
		old := w.bits.Load()
		nw := old &^ uint32(b)
		if old == nw || w.bits.CompareAndSwap(old, nw) {
			return
		}
	}
}

// CancelState is the three-state cooperative cancellation flag (spec §5).
type CancelState int32

const (
	Cancellable CancelState = iota
	Cancelled
	NotCancellable
)

func (s CancelState) String() string {
	switch s {
	case Cancellable:
		return "Cancellable"
	case Cancelled:
		return "Cancelled"
	case NotCancellable:
		return "NotCancellable"
	default:
		return "Unknown"
	}
}

// Cancellation is the single cancellation flag gating cooperative yields in
// worker loops. Workers check it between work units; the control thread
// may flip Cancellable->Cancelled atomically. NotCancellable pins the flag
// during critical regions so the control thread cannot cancel mid-section.
type Cancellation struct {
	state atomic.Int32
}

// TryCancel transitions Cancellable->Cancelled. Returns false if the flag
// is NotCancellable (pinned) or already Cancelled.
func (c *Cancellation) TryCancel() bool {
	return c.state.CompareAndSwap(int32(Cancellable), int32(Cancelled))
}

// Reset returns the flag to Cancellable, e.g. at the start of a new cycle.
func (c *Cancellation) Reset() { c.state.Store(int32(Cancellable)) }

// IsCancelled reports whether the flag is Cancelled.
func (c *Cancellation) IsCancelled() bool { return c.state.Load() == int32(Cancelled) }

// State returns the current CancelState.
func (c *Cancellation) State() CancelState { return CancelState(c.state.Load()) }

// PinNotCancellable transitions Cancellable->NotCancellable for the
// duration of a critical region and returns a function that unpins back to
// Cancellable. It panics if the flag is already Cancelled or pinned, since
// that indicates overlapping critical regions or a cancel raced the pin.
func (c *Cancellation) PinNotCancellable() func() {
	if !c.state.CompareAndSwap(int32(Cancellable), int32(NotCancellable)) {
		panic("gcstate: PinNotCancellable called while not Cancellable")
	}
	return func() {
		if !c.state.CompareAndSwap(int32(NotCancellable), int32(Cancellable)) {
			panic("gcstate: unpin called while not NotCancellable")
		}
	}
}

// HeapLock is the single recursive monitor serializing free-set mutation,
// region state transitions outside a safepoint, and TLAB/GCLAB acquisition
// that extends into a new region. Go has no native recursive mutex and no
// cheap way to identify "the calling goroutine", so callers pass an
// explicit holder token (a worker or mutator-thread ID) — the same
// approach the teacher's worker-pool code uses for per-worker identity
// (internal/runtime/gcavoidance's StackFrame ownership, one frame per
// logical worker with no shared locking).
type HeapLock struct {
	mu     sync.Mutex
	cond   *sync.Cond
	holder int64
	held   bool
	depth  int
}

// NewHeapLock creates an unheld HeapLock.
func NewHeapLock() *HeapLock {
	l := &HeapLock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Lock acquires the heap lock for holder, blocking while it is held by a
// different holder. Re-entrant: the same holder may call Lock again
// without blocking, and must call Unlock the same number of times.
func (l *HeapLock) Lock(holder int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.held && l.holder != holder {
		l.cond.Wait()
	}
	l.holder = holder
	l.held = true
	l.depth++
}

// Unlock releases one level of recursion for holder. It panics if holder
// does not currently hold the lock, since that indicates a collector bug
// in lock discipline.
func (l *HeapLock) Unlock(holder int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held || l.holder != holder {
		panic("gcstate: HeapLock.Unlock by non-holder")
	}
	l.depth--
	if l.depth == 0 {
		l.held = false
		l.cond.Broadcast()
	}
}

// HeldBy reports whether holder currently holds the lock, for assertions
// in code that must run "at a safepoint or with the heap lock held".
func (l *HeapLock) HeldBy(holder int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held && l.holder == holder
}
