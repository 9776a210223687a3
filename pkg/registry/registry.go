// Package registry holds the single source of truth for live kernels: a
// map from KernelId to KernelRecord, plus the two auxiliary signal tables
// that coordinate Restart with Create and Clean with a blocking shutdown.
//
// Per the single-threaded cooperative scheduling model, Registry itself
// does not lock — all mutation is serialized by KernelLifecycle, which
// owns the only *Registry in the process. Lookups tolerate a missing key:
// that signals "already cleaned", not an error.
package registry

import "github.com/cuemby/kernel-agent/pkg/types"

// Signal is a one-shot wakeup, closed exactly once to broadcast completion
// to every waiter.
type Signal struct {
	ch chan struct{}
}

// NewSignal returns an unfired Signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Fire closes the signal's channel. Firing an already-fired signal is a
// no-op.
func (s *Signal) Fire() {
	select {
	case <-s.ch:
		// already fired
	default:
		close(s.ch)
	}
}

// C returns the channel that closes when the signal fires.
func (s *Signal) C() <-chan struct{} { return s.ch }

// Registry is the kernel-lifecycle-owned table of live kernels.
type Registry struct {
	kernels map[types.KernelId]*types.KernelRecord

	// restarting holds an entry for every kernel whose Restart is
	// in-flight: a Destroy has run but the replacement Create has not
	// finished. Its CoreSet stays reserved.
	restarting map[types.KernelId]*Signal

	// blockingCleans holds an entry for every kernel a synchronous
	// shutdown is waiting on; Clean fires the signal once it finishes.
	blockingCleans map[types.KernelId]*Signal
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		kernels:        make(map[types.KernelId]*types.KernelRecord),
		restarting:     make(map[types.KernelId]*Signal),
		blockingCleans: make(map[types.KernelId]*Signal),
	}
}

// Get returns the record for id, and whether it was found. A missing
// record is not an error.
func (r *Registry) Get(id types.KernelId) (*types.KernelRecord, bool) {
	rec, ok := r.kernels[id]
	return rec, ok
}

// Insert adds or replaces the record for rec.Id.
func (r *Registry) Insert(rec *types.KernelRecord) {
	r.kernels[rec.Id] = rec
}

// Delete removes the record for id, if present. KernelLifecycle calls it
// from Clean, and from Destroy when the engine no longer knows the
// container.
func (r *Registry) Delete(id types.KernelId) {
	delete(r.kernels, id)
}

// All returns every live record. Callers must not mutate the returned
// slice's backing records concurrently with lifecycle operations — the
// single-threaded cooperative model means this is always true within one
// tick, but holding the slice across a suspension point requires
// re-checking membership with Get.
func (r *Registry) All() []*types.KernelRecord {
	out := make([]*types.KernelRecord, 0, len(r.kernels))
	for _, rec := range r.kernels {
		out = append(out, rec)
	}
	return out
}

// Len returns the number of live records.
func (r *Registry) Len() int { return len(r.kernels) }

// MarkRestarting records that id's Restart is in flight and returns the
// signal Create will wait on.
func (r *Registry) MarkRestarting(id types.KernelId) *Signal {
	sig := NewSignal()
	r.restarting[id] = sig
	return sig
}

// RestartSignal returns the in-flight restart signal for id, if any.
func (r *Registry) RestartSignal(id types.KernelId) (*Signal, bool) {
	sig, ok := r.restarting[id]
	return sig, ok
}

// ClearRestarting removes id's restart-in-flight marker.
func (r *Registry) ClearRestarting(id types.KernelId) {
	delete(r.restarting, id)
}

// MarkBlockingClean registers a waiter for id's next Clean to fire a
// signal, returning that signal.
func (r *Registry) MarkBlockingClean(id types.KernelId) *Signal {
	sig := NewSignal()
	r.blockingCleans[id] = sig
	return sig
}

// BlockingCleanSignal returns id's registered blocking-clean signal, if
// any, and removes it (it only ever fires once).
func (r *Registry) BlockingCleanSignal(id types.KernelId) (*Signal, bool) {
	sig, ok := r.blockingCleans[id]
	if ok {
		delete(r.blockingCleans, id)
	}
	return sig, ok
}
