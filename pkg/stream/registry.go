package stream

import (
	"context"
	"sync"
	"sync/atomic"
)

// Registry tracks the live subscription of each run. It is an explicit
// object rather than package state so that independent engines can coexist
// in one process and tests stay deterministic.
type Registry struct {
	mu   sync.Mutex
	subs map[string]*subscription
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]*subscription)}
}

type subscription struct {
	runID    string
	refs     int
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	caughtUp atomic.Bool
}

// acquire returns the run's subscription, creating it with refs=1 when the
// run has none. started reports whether the caller must launch the read
// loop for a fresh subscription.
func (r *Registry) acquire(runID string) (sub *subscription, started bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.subs[runID]; ok {
		sub.refs++
		return sub, false
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub = &subscription{
		runID:  runID,
		refs:   1,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.subs[runID] = sub
	return sub, true
}

// release drops one reference and reports whether the subscription reached
// zero references and was removed. The caller cancels the read loop when
// that happens.
func (r *Registry) release(sub *subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub.refs--
	if sub.refs > 0 {
		return false
	}
	if r.subs[sub.runID] == sub {
		delete(r.subs, sub.runID)
	}
	return true
}

// forget removes a subscription whose read loop ended on its own, so a
// later acquire starts fresh. A newer subscription under the same run id is
// left alone.
func (r *Registry) forget(sub *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.subs[sub.runID] == sub {
		delete(r.subs, sub.runID)
	}
}

// drain empties the registry and returns the subscriptions that were live.
func (r *Registry) drain() []*subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.subs = make(map[string]*subscription)
	return subs
}

// Refs returns the current reference count for a run, 0 when it has no live
// subscription.
func (r *Registry) Refs(runID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.subs[runID]; ok {
		return sub.refs
	}
	return 0
}

// Len returns the number of runs with a live subscription.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.subs)
}
