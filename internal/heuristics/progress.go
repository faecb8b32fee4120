package heuristics

import "github.com/shenandoah-gc/shenandoah/internal/freeset"

// ProgressSnapshot captures the free-set metrics CheckProgress compares
// before and after a cycle, grounded on ShenandoahMetricsSnapshot: used
// bytes plus internal and external fragmentation, taken at two points in
// time over the same FreeSet.
type ProgressSnapshot struct {
	used                  uintptr
	internalFragmentation float64
	externalFragmentation float64
}

// SnapBefore takes a snapshot ahead of a cycle.
func SnapBefore(fs *freeset.FreeSet) ProgressSnapshot {
	return snap(fs)
}

// SnapAfter takes a snapshot once a cycle has finished reclaiming space.
func SnapAfter(fs *freeset.FreeSet) ProgressSnapshot {
	return snap(fs)
}

func snap(fs *freeset.FreeSet) ProgressSnapshot {
	return ProgressSnapshot{
		used:                  fs.Used(),
		internalFragmentation: fs.InternalFragmentation(),
		externalFragmentation: fs.ExternalFragmentation(),
	}
}

// CheckProgress reports whether a just-finished cycle made "good
// progress," mirroring ShenandoahMetricsSnapshot::is_good_progress's four
// ordered checks: a critical-free-threshold floor, then three
// improvement checks any one of which is sufficient (freed at least a
// region's worth of used space, or improved internal fragmentation by at
// least one percentage point, or improved external fragmentation by at
// least one percentage point).
func (h *Heuristics) CheckProgress(before, after ProgressSnapshot, freeActual, maxCapacity uintptr) bool {
	h.mu.Lock()
	cfg := h.cfg
	h.mu.Unlock()

	criticalFree := uintptr(float64(maxCapacity) * cfg.CriticalFreeThreshold / 100)
	if freeActual < criticalFree {
		return false
	}

	regionSize := h.heap.RegionSize()
	if before.used > after.used && before.used-after.used > regionSize {
		return true
	}

	const improvementThreshold = 0.01
	if before.internalFragmentation-after.internalFragmentation > improvementThreshold {
		return true
	}
	if before.externalFragmentation-after.externalFragmentation > improvementThreshold {
		return true
	}

	return false
}
