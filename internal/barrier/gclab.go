package barrier

import "github.com/shenandoah-gc/shenandoah/internal/region"

// gcLab is a per-thread bump-pointer cache of collector-partition space,
// refilled from the shared FreeSet on exhaustion. Grounded on the
// region's own [top, end) bump allocator (internal/region.Region.Allocate)
// but kept thread-local so the common evacuation case touches no shared
// lock.
type gcLab struct {
	region *region.Region
	cursor region.Address
	end    region.Address

	lastStart region.Address
	lastWords uintptr
}

func (l *gcLab) allocate(words uintptr) (region.Address, bool) {
	size := region.Address(words * region.WordSize)
	if l.cursor+size > l.end {
		return 0, false
	}
	addr := l.cursor
	l.cursor += size
	l.lastStart = addr
	l.lastWords = words
	return addr, true
}

// unroll rewinds the lab's cursor if addr/words describe its most recent
// allocation. Only the most recent bump can be reclaimed this way — an
// older one may already sit beneath a later, still-live allocation.
func (l *gcLab) unroll(addr region.Address, words uintptr) bool {
	if l.lastWords == 0 || addr != l.lastStart || words != l.lastWords {
		return false
	}
	l.cursor = l.lastStart
	l.lastWords = 0
	return true
}

func (e *Engine) labFor(threadID int64) *gcLab {
	e.labMu.Lock()
	defer e.labMu.Unlock()
	return e.labs[threadID]
}

func (e *Engine) setLab(threadID int64, l *gcLab) {
	e.labMu.Lock()
	defer e.labMu.Unlock()
	e.labs[threadID] = l
}

func (e *Engine) unrollLab(threadID int64, addr region.Address, words uintptr) bool {
	l := e.labFor(threadID)
	if l == nil {
		return false
	}
	return l.unroll(addr, words)
}

// allocateForEvac serves an evacuation-copy allocation request from
// threadID's GCLAB, refilling it from the FreeSet's collector partition
// on exhaustion, and falling back to a direct (non-LAB, non-unrollable)
// collector-shared allocation if even a fresh lab cannot be carved out.
// The second return reports whether the allocation came from a lab
// (and so might later be unrolled); the third reports overall success.
func (e *Engine) allocateForEvac(threadID int64, words uintptr) (region.Address, bool, bool) {
	if l := e.labFor(threadID); l != nil {
		if addr, ok := l.allocate(words); ok {
			return addr, true, true
		}
	}

	labWords := e.cfg.GCLabWords
	if words > labWords {
		labWords = words
	}
	req := &region.Request{Kind: region.AllocCollectorGCLAB, MinWords: words, RequestedWords: labWords}
	if addr, ok := e.fs.Allocate(req); ok {
		l := &gcLab{
			region: e.heap.RegionOf(addr),
			cursor: addr,
			end:    addr + region.Address(req.ActualWords*region.WordSize),
		}
		if copyAddr, ok := l.allocate(words); ok {
			e.setLab(threadID, l)
			return copyAddr, true, true
		}
	}

	direct := &region.Request{Kind: region.AllocCollectorShared, MinWords: words, RequestedWords: words}
	addr, ok := e.fs.Allocate(direct)
	return addr, false, ok
}
