package gateway

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/auth"
)

func TestOpenEvents(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/runs/run-1/events", r.URL.Path)
		assert.Equal(t, "42", r.URL.Query().Get("after_seq"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"type\":\"heartbeat\"}\n\n"))
	}))
	defer server.Close()

	c, err := New(server.URL, WithTokenProvider(auth.Static("tok-1")))
	require.NoError(t, err)

	body, err := c.OpenEvents(t.Context(), "run-1", 42)
	require.NoError(t, err)
	defer body.Close()

	line, err := bufio.NewReader(body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "data: {\"type\":\"heartbeat\"}\n", line)
}

func TestOpenEventsEmptyRunID(t *testing.T) {
	t.Parallel()

	c, err := New("http://gw.local")
	require.NoError(t, err)

	_, err = c.OpenEvents(t.Context(), "", 0)
	assert.ErrorIs(t, err, ErrEmptyRunID)
}

func TestOpenEventsRejected(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"unknown run"}`))
	}))
	defer server.Close()

	c, err := New(server.URL)
	require.NoError(t, err)

	_, err = c.OpenEvents(t.Context(), "ghost", 0)
	require.ErrorIs(t, err, ErrRunNotFound)
	assert.Contains(t, err.Error(), "unknown run")
}

func TestOpenEventsHonorsContext(t *testing.T) {
	t.Parallel()

	sent := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		_, _ = w.Write([]byte("data: {\"type\":\"heartbeat\"}\n\n"))
		flusher.Flush()
		close(sent)
		<-r.Context().Done()
	}))
	defer server.Close()

	c, err := New(server.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	body, err := c.OpenEvents(ctx, "run-1", 0)
	require.NoError(t, err)
	defer body.Close()

	buf := make([]byte, 64)
	_, err = body.Read(buf)
	require.NoError(t, err)

	select {
	case <-sent:
	case <-time.After(2 * time.Second):
		t.Fatal("server never flushed the first frame")
	}
	cancel()

	// The in-flight read fails once the context is gone instead of hanging.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err = body.Read(buf); err != nil {
			break
		}
		require.True(t, time.Now().Before(deadline), "read kept succeeding after cancel")
	}
	require.Error(t, err)
}
