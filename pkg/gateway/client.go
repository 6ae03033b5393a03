// Package gateway is the HTTP client for the AI routing gateway's admin
// API: run metadata over plain request/response calls and the live run
// event stream consumed by pkg/stream.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	cache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/api"
	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/auth"
	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/httpclient"
)

// APIKeyHeader carries the persisted API key when no bearer token is
// available.
const APIKeyHeader = "X-API-Key"

var (
	ErrEmptyRunID  = errors.New("run id is empty")
	ErrRunNotFound = errors.New("run not found")
)

// Client talks to one gateway. It is safe for concurrent use.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	stream  *http.Client
	timeout time.Duration
	headers http.Header
	tokens  auth.TokenProvider
	apiKey  func() string
	runs    *cache.Cache
	tracer  trace.Tracer
}

// Option customizes a Client.
type Option func(*Client)

// WithTokenProvider sets the bearer token source. Provider failures are
// logged and the request proceeds with the API-key fallback, if any.
func WithTokenProvider(p auth.TokenProvider) Option {
	return func(c *Client) {
		c.tokens = p
	}
}

// WithAPIKey sets the API-key fallback. The function is consulted per
// request so credential changes apply without rebuilding the client.
func WithAPIKey(fn func() string) Option {
	return func(c *Client) {
		c.apiKey = fn
	}
}

// WithHeaders sets headers attached to every request. Explicit headers win:
// when they include Authorization or the API-key header, no credential is
// injected.
func WithHeaders(headers http.Header) Option {
	return func(c *Client) {
		c.headers = headers
	}
}

// WithHTTPClient overrides the request/response client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.http = client
	}
}

// WithStreamClient overrides the client used for event streams. It must not
// carry a global timeout.
func WithStreamClient(client *http.Client) Option {
	return func(c *Client) {
		c.stream = client
	}
}

// WithRequestTimeout bounds each request/response call. Streams are
// unaffected.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithRunCacheTTL sets how long GetRun responses are served from memory.
func WithRunCacheTTL(ttl time.Duration) Option {
	return func(c *Client) {
		c.runs = cache.New(ttl, 2*ttl)
	}
}

// WithTracer enables tracing of gateway calls and stream opens.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) {
		c.tracer = tracer
	}
}

// New creates a Client for the gateway at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid gateway URL %q: %w", baseURL, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid gateway URL %q: scheme and host are required", baseURL)
	}

	c := &Client{
		baseURL: parsed,
		http:    httpclient.NewHTTPClient(),
		stream:  httpclient.NewHTTPClient(),
		timeout: 30 * time.Second,
		runs:    cache.New(15*time.Second, time.Minute),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CreateRun starts a run and returns it, including any inline invocation
// snapshot the gateway sends back.
func (c *Client) CreateRun(ctx context.Context, request api.CreateRunRequest) (*api.Run, error) {
	var run api.Run
	if err := c.do(ctx, http.MethodPost, "/v1/runs", request, &run); err != nil {
		return nil, err
	}
	c.runs.SetDefault(run.RunID, run)
	return &run, nil
}

// GetRun fetches one run with its invocation snapshot. Responses are served
// from a short-lived cache; the live stream is the source of truth for
// in-flight invocations.
func (c *Client) GetRun(ctx context.Context, runID string) (*api.Run, error) {
	if runID == "" {
		return nil, ErrEmptyRunID
	}
	if cached, ok := c.runs.Get(runID); ok {
		run := cached.(api.Run)
		return &run, nil
	}

	var run api.Run
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID), nil, &run); err != nil {
		return nil, err
	}
	c.runs.SetDefault(runID, run)
	return &run, nil
}

// ListRuns fetches the run summaries known to the gateway.
func (c *Client) ListRuns(ctx context.Context) ([]api.RunSummary, error) {
	var runs []api.RunSummary
	if err := c.do(ctx, http.MethodGet, "/v1/runs", nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	ctx, span := c.startSpan(ctx, "gateway.request", trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("url.path", path),
	))
	defer span.End()

	var requestBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		requestBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path).String(), requestBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.applyHeaders(req.Header)
	c.authorize(ctx, req.Header)

	response, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gateway request failed")
		return fmt.Errorf("calling gateway: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusBadRequest {
		err := apiError(response)
		span.RecordError(err)
		span.SetStatus(codes.Error, "gateway returned an error")
		return err
	}

	span.SetStatus(codes.Ok, "")
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding gateway response: %w", err)
	}
	return nil
}

// endpoint resolves path against the base URL with single-slash joining.
// Absolute URLs pass through untouched.
func (c *Client) endpoint(path string) *url.URL {
	if parsed, err := url.Parse(path); err == nil && parsed.IsAbs() {
		return parsed
	}
	resolved := *c.baseURL
	resolved.Path = strings.TrimSuffix(resolved.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	return &resolved
}

func (c *Client) applyHeaders(header http.Header) {
	for key, values := range c.headers {
		for _, value := range values {
			header.Add(key, value)
		}
	}
}

// authorize injects a credential unless the request already carries one.
// The bearer token wins over the API key.
func (c *Client) authorize(ctx context.Context, header http.Header) {
	if header.Get("Authorization") != "" || header.Get(APIKeyHeader) != "" {
		return
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		switch {
		case err != nil:
			slog.Debug("Token provider failed, falling back to API key", "error", err)
		case token != "":
			header.Set("Authorization", "Bearer "+token)
			return
		}
	}
	if c.apiKey != nil {
		if key := c.apiKey(); key != "" {
			header.Set(APIKeyHeader, key)
		}
	}
}

func (c *Client) startSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if c.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return c.tracer.Start(ctx, name, opts...)
}

// apiError turns a non-2xx response into an error carrying the server's
// message when the body decodes as one.
func apiError(response *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(response.Body, 32<<10))

	var detail string
	var er api.ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil {
		detail = er.Error
	}

	if response.StatusCode == http.StatusNotFound {
		if detail != "" {
			return fmt.Errorf("%w: %s", ErrRunNotFound, detail)
		}
		return ErrRunNotFound
	}
	if detail != "" {
		return fmt.Errorf("gateway returned %s: %s", response.Status, detail)
	}
	return fmt.Errorf("gateway returned %s", response.Status)
}
