package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/api"
	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/runstate"
	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/stream"
)

// syncBuffer lets the test read output while the watch loop is still
// writing to it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type sourceFunc func(ctx context.Context, runID string, afterSeq int64) (io.ReadCloser, error)

func (f sourceFunc) OpenEvents(ctx context.Context, runID string, afterSeq int64) (io.ReadCloser, error) {
	return f(ctx, runID, afterSeq)
}

// gatedReader feeds the stream chunk by chunk so tests control when each
// event becomes visible. Closing the channel ends the stream cleanly.
type gatedReader struct {
	ctx    context.Context
	chunks <-chan string
	buf    []byte
}

func (r *gatedReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		select {
		case chunk, ok := <-r.chunks:
			if !ok {
				return 0, io.EOF
			}
			r.buf = []byte(chunk)
		case <-r.ctx.Done():
			return 0, r.ctx.Err()
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *gatedReader) Close() error {
	return nil
}

func gatedSource(chunks <-chan string) sourceFunc {
	return func(ctx context.Context, runID string, afterSeq int64) (io.ReadCloser, error) {
		return &gatedReader{ctx: ctx, chunks: chunks}, nil
	}
}

func fixedSource(data string) sourceFunc {
	return func(ctx context.Context, runID string, afterSeq int64) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(data)), nil
	}
}

func envelopeFrame(runID string, seq int64, eventType, payload string) string {
	data := fmt.Sprintf(`{"type":"run.event","run_id":%q,"seq":%d,"event_type":%q,"payload":%s}`, runID, seq, eventType, payload)
	return "event: message\ndata: " + data + "\n\n"
}

func statusFrame(runID string, seq int64, reqID, toolName string, state api.ToolState) string {
	payload := fmt.Sprintf(`{"type":"tool.status","req_id":%q,"tool_name":%q,"state":%q}`, reqID, toolName, state)
	return envelopeFrame(runID, seq, api.PayloadToolStatus, payload)
}

func resultFrame(runID string, seq int64, reqID string, preview string) string {
	payload := fmt.Sprintf(`{"type":"tool.result","req_id":%q,"ok":true,"duration_ms":120,"result_preview":%q}`, reqID, preview)
	return envelopeFrame(runID, seq, api.PayloadToolResult, payload)
}

func replayDoneFrame(runID string) string {
	return fmt.Sprintf("event: message\ndata: {\"type\":\"replay.done\",\"run_id\":%q}\n\n", runID)
}

func newWatchCoordinator(t *testing.T, source stream.EventSource) *stream.Coordinator {
	t.Helper()
	coordinator := stream.NewCoordinator(stream.NewRegistry(), source, runstate.New(), stream.WithRetryInterval(5*time.Millisecond))
	t.Cleanup(coordinator.Close)
	return coordinator
}

func TestWatchRendersTransitionsInOrder(t *testing.T) {
	t.Parallel()

	chunks := make(chan string, 4)
	coordinator := newWatchCoordinator(t, gatedSource(chunks))

	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- Watch(t.Context(), NewPrinter(out), Config{}, coordinator, "run-1", nil)
	}()

	chunks <- statusFrame("run-1", 1, "req-1", "search", api.ToolStateRunning)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "⚙ search (req-1) running")
	}, 2*time.Second, 10*time.Millisecond)

	chunks <- resultFrame("run-1", 2, "req-1", `{"text":"hello"}`)
	chunks <- replayDoneFrame("run-1")
	close(chunks)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch must return once the gateway closes the stream")
	}

	output := out.String()
	require.Contains(t, output, "--- Watching run run-1 ---")
	require.Contains(t, output, `✓ search (req-1) done in 120ms → (text: "hello")`)
	require.Contains(t, output, "(stream closed by gateway)")
	require.Less(t,
		strings.Index(output, "⚙ search (req-1) running"),
		strings.Index(output, "✓ search (req-1) done"),
	)
}

func TestWatchPrintsCaughtUpOnIdleStream(t *testing.T) {
	t.Parallel()

	chunks := make(chan string, 2)
	coordinator := newWatchCoordinator(t, gatedSource(chunks))

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, NewPrinter(out), Config{}, coordinator, "run-1", nil)
	}()

	chunks <- statusFrame("run-1", 1, "req-1", "search", api.ToolStateRunning)
	chunks <- replayDoneFrame("run-1")

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "(caught up, tailing live events)")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch must return once the context is canceled")
	}
	require.NotContains(t, out.String(), "(stream closed by gateway)")
}

func TestWatchRendersSeedBeforeFirstEvent(t *testing.T) {
	t.Parallel()

	chunks := make(chan string)
	coordinator := newWatchCoordinator(t, gatedSource(chunks))

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	seed := []api.ToolInvocation{
		{ReqID: "req-seed", ToolName: "migrate", State: api.ToolStateRunning},
	}

	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, NewPrinter(out), Config{}, coordinator, "run-1", seed)
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "⚙ migrate (req-seed) running")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestWatchJSONOutput(t *testing.T) {
	t.Parallel()

	data := statusFrame("run-1", 1, "req-1", "search", api.ToolStateRunning) +
		resultFrame("run-1", 2, "req-1", `{"text":"hello"}`) +
		replayDoneFrame("run-1")
	coordinator := newWatchCoordinator(t, fixedSource(data))

	out := &syncBuffer{}
	err := Watch(t.Context(), NewPrinter(out), Config{OutputJSON: true}, coordinator, "run-1", nil)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.NotEmpty(t, lines)
	for _, line := range lines {
		require.True(t, json.Valid([]byte(line)), "expected JSON line, got %q", line)
	}
	require.Contains(t, lines[len(lines)-1], `"req_id":"req-1"`)
	require.Contains(t, lines[len(lines)-1], `"state":"done"`)
	require.NotContains(t, out.String(), "Watching run")
}

func TestWatchHidePreviews(t *testing.T) {
	t.Parallel()

	data := resultFrame("run-1", 1, "req-1", `{"text":"hello"}`) +
		replayDoneFrame("run-1")
	coordinator := newWatchCoordinator(t, fixedSource(data))

	out := &syncBuffer{}
	err := Watch(t.Context(), NewPrinter(out), Config{HidePreviews: true}, coordinator, "run-1", nil)
	require.NoError(t, err)

	require.Contains(t, out.String(), "(req-1) done")
	require.NotContains(t, out.String(), "→")
}

func TestWatchEmptyRunID(t *testing.T) {
	t.Parallel()

	coordinator := newWatchCoordinator(t, fixedSource(""))

	err := Watch(t.Context(), NewPrinter(io.Discard), Config{}, coordinator, "", nil)
	require.ErrorIs(t, err, stream.ErrEmptyRunID)
}
