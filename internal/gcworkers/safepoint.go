package gcworkers

import "sync"

// Safepoint is the rendezvous collaborator spec §6 requires from the
// surrounding runtime: "a call that brings all mutators to a known
// quiescent state and runs a supplied closure." Mutators register once at
// startup and poll at cooperative checkpoints; a control thread calling
// Enter blocks until every registered mutator is parked at a poll, runs
// its closure, then releases them. Grounded on gcstate.HeapLock's
// sync.Cond-based rendezvous shape, adapted from mutual exclusion to a
// quiesce-all barrier.
type Safepoint struct {
	mu   sync.Mutex
	cond *sync.Cond

	registered int
	requested  bool
	quiesced   int
	released   bool
}

// NewSafepoint creates an empty Safepoint with no registered mutators.
func NewSafepoint() *Safepoint {
	s := &Safepoint{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Register adds one mutator to the population Enter must quiesce.
func (s *Safepoint) Register() {
	s.mu.Lock()
	s.registered++
	s.mu.Unlock()
}

// Unregister removes one mutator (e.g. on thread exit), waking Enter if
// that was the last straggler it was waiting on.
func (s *Safepoint) Unregister() {
	s.mu.Lock()
	s.registered--
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Poll is called by a mutator at a cooperative checkpoint (between
// bytecodes, at a loop back-edge — whatever the embedding runtime treats
// as a safepoint poll). If a safepoint has been requested, it parks the
// caller until the control thread's closure finishes and releases it;
// otherwise it returns immediately.
func (s *Safepoint) Poll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.requested {
		return
	}
	s.quiesced++
	s.cond.Broadcast()
	for s.requested && !s.released {
		s.cond.Wait()
	}
	s.quiesced--
	s.cond.Broadcast()
}

// Enter is the control-thread side: request a safepoint, block until
// every registered mutator has quiesced in Poll, run fn, then release
// them. Only one Enter may be in flight at a time; callers serialize
// through the heap lock per spec §5's shared-resource policy.
func (s *Safepoint) Enter(fn func()) {
	s.mu.Lock()
	s.requested = true
	s.released = false
	for s.quiesced < s.registered {
		s.cond.Wait()
	}
	s.mu.Unlock()

	fn()

	s.mu.Lock()
	s.requested = false
	s.released = true
	s.cond.Broadcast()
	for s.quiesced > 0 {
		s.cond.Wait()
	}
	s.released = false
	s.mu.Unlock()
}
