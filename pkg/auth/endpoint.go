package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/kofalt/go-memoize"
)

const tokenCacheKey = "token"

// EndpointProvider fetches a bearer token from a sidecar endpoint that
// returns it as a JSON-encoded string. Fetches are deduplicated and cached;
// a cached JWT past its expiry triggers one refetch.
type EndpointProvider struct {
	url     string
	client  *http.Client
	timeout time.Duration
	cache   *memoize.Memoizer
}

// EndpointOption customizes an EndpointProvider.
type EndpointOption func(*EndpointProvider)

// WithHTTPClient overrides the HTTP client used for token fetches.
func WithHTTPClient(client *http.Client) EndpointOption {
	return func(p *EndpointProvider) {
		p.client = client
	}
}

// WithCacheTTL overrides how long a fetched token is reused before asking
// the endpoint again.
func WithCacheTTL(ttl time.Duration) EndpointOption {
	return func(p *EndpointProvider) {
		p.cache = memoize.NewMemoizer(ttl, 2*ttl)
	}
}

// NewEndpointProvider creates a provider reading tokens from url.
func NewEndpointProvider(url string, opts ...EndpointOption) *EndpointProvider {
	p := &EndpointProvider{
		url:     url,
		client:  http.DefaultClient,
		timeout: 10 * time.Second,
		cache:   memoize.NewMemoizer(time.Minute, 5*time.Minute),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Token returns the current token, fetching it at most once per cache
// window. Expired JWTs are refetched once; if the endpoint keeps returning
// an expired token it is handed out as-is.
func (p *EndpointProvider) Token(ctx context.Context) (string, error) {
	token, err := p.cached(ctx)
	if err != nil {
		return "", err
	}
	if token == "" || !tokenExpired(token) {
		return token, nil
	}

	slog.Debug("Cached token expired, refetching")
	p.cache.Storage.Delete(tokenCacheKey)
	return p.cached(ctx)
}

func (p *EndpointProvider) cached(ctx context.Context) (string, error) {
	value, err, _ := p.cache.Memoize(tokenCacheKey, func() (any, error) {
		return p.fetch(ctx)
	})
	if err != nil {
		return "", err
	}
	token, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("unexpected cached token type %T", value)
	}
	return token, nil
}

func (p *EndpointProvider) fetch(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, http.NoBody)
	if err != nil {
		return "", err
	}

	response, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching token: %w", err)
	}
	defer response.Body.Close()

	buf, err := io.ReadAll(response.Body)
	if err != nil {
		return "", err
	}

	var token string
	if err := json.Unmarshal(buf, &token); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	return token, nil
}

// tokenExpired reports whether the token is a JWT whose exp claim is in the
// past. Opaque tokens and JWTs without an exp claim never read as expired.
func tokenExpired(token string) bool {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return false
	}

	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}

	return exp.Before(time.Now())
}
