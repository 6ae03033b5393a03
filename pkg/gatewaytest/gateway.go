// Package gatewaytest provides an in-process stand-in for the gateway's run
// API: run management over REST plus the live tool event stream. It backs
// integration tests and the local demo gateway command.
package gatewaytest

import (
	"cmp"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/api"
	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/concurrent"
	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/gateway"
	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/runstate"
)

// Gateway serves the run API from memory.
type Gateway struct {
	server *httptest.Server
	runs   *concurrent.Map[string, *Run]
	state  *runstate.Store

	apiKey    string
	listen    string
	heartbeat time.Duration
}

type Option func(*Gateway)

// WithAPIKey makes every endpoint demand the given key, accepted either as
// "Authorization: Bearer <key>" or in the X-API-Key header.
func WithAPIKey(key string) Option {
	return func(g *Gateway) {
		g.apiKey = key
	}
}

// WithHeartbeatInterval overrides how often idle event streams emit a
// heartbeat envelope.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(g *Gateway) {
		g.heartbeat = d
	}
}

// WithListenAddr binds the gateway to a fixed address instead of an
// ephemeral localhost port.
func WithListenAddr(addr string) Option {
	return func(g *Gateway) {
		g.listen = addr
	}
}

// New starts the fake gateway and returns it ready to serve.
func New(opts ...Option) (*Gateway, error) {
	g := &Gateway{
		runs:      concurrent.NewMap[string, *Run](),
		state:     runstate.New(),
		heartbeat: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	if g.apiKey != "" {
		e.Use(g.requireCredentials)
	}
	e.POST("/v1/runs", g.createRun)
	e.GET("/v1/runs", g.listRuns)
	e.GET("/v1/runs/:id", g.getRun)
	e.GET("/v1/runs/:id/events", g.streamEvents)

	g.server = httptest.NewUnstartedServer(e)
	if g.listen != "" {
		listener, err := net.Listen("tcp", g.listen)
		if err != nil {
			return nil, fmt.Errorf("binding fake gateway to %s: %w", g.listen, err)
		}
		g.server.Listener.Close()
		g.server.Listener = listener
	}
	g.server.Start()
	return g, nil
}

// URL is the base URL clients should point at.
func (g *Gateway) URL() string {
	return g.server.URL
}

// Close severs open event streams and shuts the server down.
func (g *Gateway) Close() {
	g.server.CloseClientConnections()
	g.server.Close()
}

// SeverStreams drops every open client connection without shutting the
// server down. Clients observe an abrupt connection loss and are expected
// to reconnect.
func (g *Gateway) SeverStreams() {
	g.server.CloseClientConnections()
}

// Run returns the run with the given id, creating it when absent. Scripted
// demos and tests use it to seed runs without going through the REST API.
func (g *Gateway) Run(runID string) *Run {
	run, _ := g.runs.LoadOrStore(runID, g.newRun(runID, "", ""))
	return run
}

func (g *Gateway) requireCredentials(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header
		if header.Get("Authorization") == "Bearer "+g.apiKey || header.Get(gateway.APIKeyHeader) == g.apiKey {
			return next(c)
		}
		return c.JSON(http.StatusUnauthorized, api.ErrorResponse{Error: "missing or invalid credentials"})
	}
}

func (g *Gateway) createRun(c echo.Context) error {
	var req api.CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "malformed run request"})
	}

	run := g.newRun(uuid.NewString(), req.AgentID, req.Model)
	g.runs.Store(run.id, run)
	return c.JSON(http.StatusCreated, run.detail())
}

func (g *Gateway) listRuns(c echo.Context) error {
	summaries := make([]api.RunSummary, 0, g.runs.Length())
	g.runs.Range(func(_ string, run *Run) bool {
		summaries = append(summaries, run.summary())
		return true
	})
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].CreatedAt != summaries[j].CreatedAt {
			return summaries[i].CreatedAt < summaries[j].CreatedAt
		}
		return summaries[i].RunID < summaries[j].RunID
	})
	return c.JSON(http.StatusOK, summaries)
}

func (g *Gateway) getRun(c echo.Context) error {
	run, ok := g.runs.Load(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, api.ErrorResponse{Error: fmt.Sprintf("run %s not found", c.Param("id"))})
	}
	return c.JSON(http.StatusOK, run.detail())
}

func (g *Gateway) streamEvents(c echo.Context) error {
	run, ok := g.runs.Load(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, api.ErrorResponse{Error: fmt.Sprintf("run %s not found", c.Param("id"))})
	}

	afterSeq, err := strconv.ParseInt(cmp.Or(c.QueryParam("after_seq"), "0"), 10, 64)
	if err != nil || afterSeq < 0 {
		return c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "after_seq must be a non-negative integer"})
	}

	ctx := c.Request().Context()
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set(echo.HeaderConnection, "keep-alive")
	resp.WriteHeader(http.StatusOK)

	// Subscribe before replaying so nothing emitted mid-replay is missed.
	// Anything delivered twice is dropped by the client's seq gate.
	events, unsubscribe := run.subscribe()
	defer unsubscribe()

	for _, env := range run.log.From(int(afterSeq)) {
		if err := writeFrame(resp, env); err != nil {
			return nil
		}
	}
	if err := writeFrame(resp, api.Envelope{Type: api.EventKindReplayDone, RunID: run.id}); err != nil {
		return nil
	}

	heartbeat := time.NewTicker(g.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.DebugContext(ctx, "Event stream client disconnected", "run_id", run.id)
			return nil
		case env := <-events:
			if err := writeFrame(resp, env); err != nil {
				return nil
			}
		case <-heartbeat.C:
			if err := writeFrame(resp, api.Envelope{Type: api.EventKindHeartbeat}); err != nil {
				return nil
			}
		}
	}
}

func writeFrame(resp *echo.Response, env api.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(resp, "event: message\ndata: %s\n\n", data); err != nil {
		return err
	}
	resp.Flush()
	return nil
}
