// Package gcerrors defines the error kinds of the Shenandoah-style
// collector core: transient allocation/evacuation failures reported by
// state flags and policy changes, and fatal kinds that indicate a
// collector bug and must abort the process with a diagnostic dump.
package gcerrors

import (
	"fmt"
	"runtime"
)

// Category groups error kinds by the subsystem that raised them.
type Category string

const (
	CategoryMemory      Category = "MEMORY"
	CategoryConcurrency Category = "CONCURRENCY"
	CategoryPolicy      Category = "POLICY"
)

// Kind distinguishes the five error kinds of spec §7.
type Kind int

const (
	KindAllocFailure Kind = iota
	KindEvacFailure
	KindInvalidTransition
	KindForwardingChain
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindAllocFailure:
		return "ALLOC_FAILURE"
	case KindEvacFailure:
		return "EVAC_FAILURE"
	case KindInvalidTransition:
		return "INVALID_TRANSITION"
	case KindForwardingChain:
		return "FORWARDING_CHAIN"
	case KindCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Fatal reports whether this kind indicates a collector bug that must
// abort the process rather than be handled by policy.
func (k Kind) Fatal() bool {
	return k == KindInvalidTransition || k == KindForwardingChain
}

// GCError is the common shape for all collector error kinds.
type GCError struct {
	Kind     Kind
	Category Category
	Message  string
	Context  map[string]interface{}
	Caller   string
}

func (e *GCError) Error() string {
	return fmt.Sprintf("[%s:%s] %s (caller: %s)", e.Category, e.Kind, e.Message, e.Caller)
}

// Fatal reports whether this error's kind must abort the process.
func (e *GCError) Fatal() bool { return e.Kind.Fatal() }

// Dump renders a diagnostic object/region dump suitable for a fatal abort,
// per spec §7's propagation policy.
func (e *GCError) Dump() string {
	out := fmt.Sprintf("FATAL %s: %s\n  caller: %s\n", e.Kind, e.Message, e.Caller)
	for k, v := range e.Context {
		out += fmt.Sprintf("  %s: %v\n", k, v)
	}
	return out
}

func newError(kind Kind, category Category, message string, context map[string]interface{}) *GCError {
	caller := "unknown"
	if pc, _, _, ok := runtime.Caller(2); ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fn.Name()
		}
	}
	return &GCError{Kind: kind, Category: category, Message: message, Context: context, Caller: caller}
}

// AllocFailure reports an allocation that could not be satisfied; for a
// mutator request, not even after a degenerated cycle.
func AllocFailure(mutator bool, requestedWords uintptr) *GCError {
	return newError(KindAllocFailure, CategoryMemory,
		fmt.Sprintf("allocation of %d words failed", requestedWords),
		map[string]interface{}{"mutator": mutator, "requested_words": requestedWords})
}

// EvacFailure reports a collector allocation failing mid-evacuation.
func EvacFailure(regionIndex int, words uintptr) *GCError {
	return newError(KindEvacFailure, CategoryMemory,
		fmt.Sprintf("evacuation allocation of %d words failed in region %d", words, regionIndex),
		map[string]interface{}{"region": regionIndex, "words": words})
}

// InvalidTransition reports a region state transition the state machine
// forbids.
func InvalidTransition(regionIndex int, from, to string) *GCError {
	return newError(KindInvalidTransition, CategoryConcurrency,
		fmt.Sprintf("region %d: illegal transition %s -> %s", regionIndex, from, to),
		map[string]interface{}{"region": regionIndex, "from": from, "to": to})
}

// ForwardingChain reports observing forwardee-of-forwardee during
// concurrent evacuation, which must never happen.
func ForwardingChain(addr uintptr) *GCError {
	return newError(KindForwardingChain, CategoryConcurrency,
		fmt.Sprintf("chained forwarding observed at address %#x during concurrent evacuation", addr),
		map[string]interface{}{"address": addr})
}

// Cancelled is not an error in the usual sense; it is the signal a worker
// unwinds on after observing the cooperative cancellation flag.
func Cancelled(reason string) *GCError {
	return newError(KindCancelled, CategoryPolicy, reason, nil)
}
