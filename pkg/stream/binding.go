package stream

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/api"
)

// Binding ties one consumer to the invocation stream of at most one run at
// a time. It mirrors the consumer's declared interest: point it at a run
// with Update, read the ordered list with Invocations, and always Close it
// on teardown so the shared subscription is released.
type Binding struct {
	id          string
	coordinator *Coordinator

	mu        sync.Mutex
	runID     string
	enabled   bool
	handle    *Handle
	watchStop func()
	updates   chan struct{}
	closed    bool
}

// NewBinding creates an unbound Binding. It holds no subscription until
// Update names a run with enabled set.
func NewBinding(coordinator *Coordinator) *Binding {
	return &Binding{
		id:          uuid.NewString(),
		coordinator: coordinator,
		updates:     make(chan struct{}, 1),
	}
}

// Update declares the binding's current interest. An empty runID means no
// run. Acquire and release follow the effective (runID, enabled) pair
// exactly: repeating the same pair is free, any change swaps the
// subscription. A snapshot, when given, seeds the run's state; the store
// deduplicates snapshots by content so re-sending one is also free.
func (b *Binding) Update(runID string, enabled bool, snapshot []api.ToolInvocation) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	seeded := false
	if runID != "" && len(snapshot) > 0 {
		seeded = b.coordinator.store.Seed(runID, snapshot)
	}

	if runID == b.runID && enabled == b.enabled {
		if seeded {
			b.signalLocked()
		}
		return
	}

	oldHandle, oldStop := b.handle, b.watchStop
	b.handle, b.watchStop = nil, nil
	b.runID, b.enabled = runID, enabled

	if runID != "" && enabled {
		handle, err := b.coordinator.Acquire(runID)
		if err != nil {
			slog.Warn("Failed to acquire run subscription", "binding", b.id, "run_id", runID, "error", err)
		} else {
			b.handle = handle
		}
		watch, stop := b.coordinator.store.Watch(runID)
		b.watchStop = stop
		go b.forward(watch)
		slog.Debug("Binding attached to run", "binding", b.id, "run_id", runID)
	}

	if oldStop != nil {
		oldStop()
	}
	if oldHandle != nil {
		oldHandle.Release()
		slog.Debug("Binding detached from run", "binding", b.id, "run_id", oldHandle.RunID())
	}

	b.signalLocked()
}

// Invocations returns the bound run's invocations in first-seen order, or
// nil when the binding has no run, is disabled, or was closed.
func (b *Binding) Invocations() []api.ToolInvocation {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || b.runID == "" || !b.enabled {
		return nil
	}
	return b.coordinator.store.Invocations(b.runID)
}

// Updates returns a channel receiving a coalesced signal whenever the
// binding's visible state may have changed. The channel is closed by Close.
func (b *Binding) Updates() <-chan struct{} {
	return b.updates
}

// Handle exposes the underlying subscription handle, nil when the binding
// is not attached.
func (b *Binding) Handle() *Handle {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.handle
}

// Close releases the subscription and stops the watcher. It is safe to call
// more than once.
func (b *Binding) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	if b.watchStop != nil {
		b.watchStop()
		b.watchStop = nil
	}
	if b.handle != nil {
		b.handle.Release()
		b.handle = nil
	}
	b.runID, b.enabled = "", false
	close(b.updates)
}

// forward relays store change notifications into the binding's updates
// channel until the watch is stopped.
func (b *Binding) forward(watch <-chan struct{}) {
	for range watch {
		b.signal()
	}
}

func (b *Binding) signal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signalLocked()
}

func (b *Binding) signalLocked() {
	if b.closed {
		return
	}
	select {
	case b.updates <- struct{}{}:
	default:
	}
}
