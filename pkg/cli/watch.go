package cli

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/api"
	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/stream"
)

// RuntimeError wraps failures from the live watch loop so callers can
// tell them apart from usage errors.
type RuntimeError struct {
	Err error
}

func (e RuntimeError) Error() string {
	return e.Err.Error()
}

func (e RuntimeError) Unwrap() error {
	return e.Err
}

// Config holds configuration for following a run in CLI mode.
type Config struct {
	// OutputJSON prints every invocation change as one JSON line
	// instead of human-readable text.
	OutputJSON bool
	// HidePreviews drops result previews from the output.
	HidePreviews bool
}

// Replay completion does not change run state, so the loop polls for it.
const caughtUpPollInterval = 100 * time.Millisecond

// Watch follows one run's tool invocations and renders every state change
// until the gateway closes the stream or ctx is canceled. A snapshot seed
// fills the view before the first event arrives.
func Watch(ctx context.Context, out *Printer, cfg Config, coordinator *stream.Coordinator, runID string, seed []api.ToolInvocation) error {
	store := coordinator.Store()
	store.Seed(runID, seed)

	// Register the watcher before the stream starts so no update can
	// slip between acquisition and the first select.
	updates, stop := store.Watch(runID)
	defer stop()

	handle, err := coordinator.Acquire(runID)
	if err != nil {
		return err
	}
	defer handle.Release()

	if !cfg.OutputJSON {
		out.PrintWatchHeader(runID)
	}

	tracker := NewTracker()
	render := func() error {
		for _, inv := range tracker.Changed(store.Invocations(runID)) {
			if cfg.HidePreviews {
				inv.ResultPreview = ""
			}
			if cfg.OutputJSON {
				line, err := json.Marshal(inv)
				if err != nil {
					return err
				}
				out.Println(string(line))
			} else {
				out.PrintInvocation(inv)
			}
		}
		return nil
	}
	if err := render(); err != nil {
		return err
	}

	poll := time.NewTicker(caughtUpPollInterval)
	defer poll.Stop()

	caughtUp := false
	noteCaughtUp := func() {
		if caughtUp || !handle.CaughtUp() {
			return
		}
		caughtUp = true
		poll.Stop()
		if !cfg.OutputJSON {
			out.PrintCaughtUp()
		}
	}

	for {
		select {
		case <-ctx.Done():
			// Interrupts end the watch, they are not failures.
			return nil
		case <-handle.Done():
			if err := render(); err != nil {
				return err
			}
			if !cfg.OutputJSON {
				out.PrintStreamClosed()
			}
			return nil
		case <-updates:
			if err := render(); err != nil {
				return err
			}
			noteCaughtUp()
		case <-poll.C:
			noteCaughtUp()
		}
	}
}
