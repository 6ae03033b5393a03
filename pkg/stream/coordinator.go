// Package stream keeps at most one live event stream per run open, shared
// across any number of consumers through reference counting, and projects
// the received events into a runstate.Store.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/api"
	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/runstate"
	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/sse"
)

// DefaultRetryInterval is the fixed wait between reconnect attempts. The
// interval does not grow and there is no attempt cap; failures are retried
// until the subscription is released.
const DefaultRetryInterval = 800 * time.Millisecond

// ErrEmptyRunID is returned when acquiring a subscription without a run id.
var ErrEmptyRunID = errors.New("run id is empty")

// EventSource opens the raw event byte stream of a run, resuming after the
// given sequence number. Implementations must honor ctx for both the open
// call and subsequent body reads so releases abort in-flight work.
type EventSource interface {
	OpenEvents(ctx context.Context, runID string, afterSeq int64) (io.ReadCloser, error)
}

// Coordinator owns the per-run read loops. All consumers of one run share a
// single connection; the last release cancels it.
type Coordinator struct {
	registry *Registry
	source   EventSource
	store    *runstate.Store
	retry    time.Duration

	closeOnce sync.Once
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithRetryInterval overrides the reconnect wait. Intended for tests; the
// production interval is DefaultRetryInterval.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		c.retry = d
	}
}

// NewCoordinator creates a Coordinator reading from source and projecting
// into store. The registry carries the shared subscription state and must
// not be shared between coordinators.
func NewCoordinator(registry *Registry, source EventSource, store *runstate.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry: registry,
		source:   source,
		store:    store,
		retry:    DefaultRetryInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store returns the projection the coordinator writes into.
func (c *Coordinator) Store() *runstate.Store {
	return c.store
}

// Acquire registers interest in a run's event stream. The first acquire
// opens the connection; further acquires share it. Every handle must be
// released.
func (c *Coordinator) Acquire(runID string) (*Handle, error) {
	if runID == "" {
		return nil, ErrEmptyRunID
	}
	sub, started := c.registry.acquire(runID)
	if started {
		go c.run(sub)
	}
	return &Handle{coordinator: c, sub: sub}, nil
}

// Close cancels every live subscription and waits for their read loops to
// finish. Outstanding handles stay safe to release.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		for _, sub := range c.registry.drain() {
			sub.cancel()
			<-sub.done
		}
	})
}

// Handle is one reference to a shared run subscription.
type Handle struct {
	coordinator *Coordinator
	sub         *subscription
	once        sync.Once
}

// RunID returns the run this handle is subscribed to.
func (h *Handle) RunID() string {
	return h.sub.runID
}

// CaughtUp reports whether the current connection finished replaying
// historical events and is tailing live ones.
func (h *Handle) CaughtUp() bool {
	return h.sub.caughtUp.Load()
}

// Done is closed when the subscription's read loop stops for good, either
// because the server ended the stream or because the last handle was
// released.
func (h *Handle) Done() <-chan struct{} {
	return h.sub.done
}

// Release drops this handle's reference. The connection closes when the
// last reference goes away. Releasing twice is a no-op.
func (h *Handle) Release() {
	h.once.Do(func() {
		if h.coordinator.registry.release(h.sub) {
			h.sub.cancel()
		}
	})
}

// run is the per-subscription read loop: open the stream resuming from the
// store watermark, consume frames until the connection drops, then retry at
// a fixed interval. A clean server close ends the loop; cancellation ends
// it without a retry.
func (c *Coordinator) run(sub *subscription) {
	defer close(sub.done)

	for {
		afterSeq := c.store.LastSeq(sub.runID)
		sub.caughtUp.Store(false)
		slog.Debug("Opening run event stream", "run_id", sub.runID, "after_seq", afterSeq)

		body, err := c.source.OpenEvents(sub.ctx, sub.runID, afterSeq)
		if err != nil {
			if sub.ctx.Err() != nil {
				return
			}
			slog.Debug("Run event stream open failed", "run_id", sub.runID, "error", err)
			if !c.wait(sub) {
				return
			}
			continue
		}

		err = c.consume(sub, body)
		body.Close()

		if sub.ctx.Err() != nil {
			return
		}
		if err == nil {
			slog.Debug("Run event stream closed by server", "run_id", sub.runID)
			c.registry.forget(sub)
			return
		}
		slog.Debug("Run event stream interrupted", "run_id", sub.runID, "error", err)
		if !c.wait(sub) {
			return
		}
	}
}

func (c *Coordinator) wait(sub *subscription) bool {
	timer := time.NewTimer(c.retry)
	defer timer.Stop()

	select {
	case <-sub.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Coordinator) consume(sub *subscription, body io.Reader) error {
	decoder := sse.NewDecoder(body)
	for {
		frame, err := decoder.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		c.handleFrame(sub, frame)
	}
}

func (c *Coordinator) handleFrame(sub *subscription, frame sse.Frame) {
	var envelope api.Envelope
	if err := json.Unmarshal([]byte(frame.Data), &envelope); err != nil {
		slog.Debug("Dropping undecodable stream frame", "run_id", sub.runID, "error", err)
		return
	}
	switch envelope.Type {
	case api.EventKindRunEvent:
		c.store.Apply(envelope.RunID, envelope.Seq, envelope.Payload)
	case api.EventKindReplayDone:
		sub.caughtUp.Store(true)
		slog.Debug("Run event replay complete", "run_id", sub.runID)
	case api.EventKindHeartbeat:
		// Keep-alive only.
	default:
		slog.Debug("Ignoring unrecognized stream message", "run_id", sub.runID, "type", envelope.Type)
	}
}
