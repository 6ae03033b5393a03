package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mintJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()})
	signed, err := token.SignedString([]byte("test-key"))
	require.NoError(t, err)
	return signed
}

func tokenEndpoint(t *testing.T, hits *atomic.Int32, tokenFor func(hit int32) string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit := hits.Add(1)
		require.NoError(t, json.NewEncoder(w).Encode(tokenFor(hit)))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestStaticProvider(t *testing.T) {
	token, err := Static("abc").Token(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "abc", token)

	token, err = Static("").Token(t.Context())
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestEndpointProvider_CachesFetches(t *testing.T) {
	var hits atomic.Int32
	server := tokenEndpoint(t, &hits, func(int32) string { return "opaque-token" })

	p := NewEndpointProvider(server.URL)
	for range 3 {
		token, err := p.Token(t.Context())
		require.NoError(t, err)
		assert.Equal(t, "opaque-token", token)
	}
	assert.Equal(t, int32(1), hits.Load())
}

func TestEndpointProvider_RefetchesExpiredJWT(t *testing.T) {
	expired := mintJWT(t, time.Now().Add(-time.Hour))
	fresh := mintJWT(t, time.Now().Add(time.Hour))

	var hits atomic.Int32
	server := tokenEndpoint(t, &hits, func(hit int32) string {
		if hit == 1 {
			return expired
		}
		return fresh
	})

	p := NewEndpointProvider(server.URL)
	token, err := p.Token(t.Context())
	require.NoError(t, err)
	assert.Equal(t, fresh, token)
	assert.Equal(t, int32(2), hits.Load())

	// The fresh token is reused without touching the endpoint again.
	token, err = p.Token(t.Context())
	require.NoError(t, err)
	assert.Equal(t, fresh, token)
	assert.Equal(t, int32(2), hits.Load())
}

func TestEndpointProvider_ServesExpiredTokenWhenThatIsAllThereIs(t *testing.T) {
	expired := mintJWT(t, time.Now().Add(-time.Hour))

	var hits atomic.Int32
	server := tokenEndpoint(t, &hits, func(int32) string { return expired })

	p := NewEndpointProvider(server.URL)
	token, err := p.Token(t.Context())
	require.NoError(t, err)
	assert.Equal(t, expired, token)
	assert.Equal(t, int32(2), hits.Load())
}

func TestEndpointProvider_OpaqueTokenNeverReadsAsExpired(t *testing.T) {
	assert.False(t, tokenExpired("not-a-jwt"))
	assert.False(t, tokenExpired(""))

	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1"})
	signed, err := noExp.SignedString([]byte("test-key"))
	require.NoError(t, err)
	assert.False(t, tokenExpired(signed))
}

func TestEndpointProvider_BadResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("nope"))
	}))
	t.Cleanup(server.Close)

	p := NewEndpointProvider(server.URL)
	_, err := p.Token(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding token response")
}

func TestOAuthProvider_FetchesAccessToken(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-1","token_type":"bearer","expires_in":3600}`))
	}))
	t.Cleanup(server.Close)

	p := NewOAuthProvider(t.Context(), "client-id", "client-secret", server.URL, []string{"events:read"})

	token, err := p.Token(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "at-1", token)

	// Within its lifetime the token is reused, not refetched.
	token, err = p.Token(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "at-1", token)
	assert.Equal(t, int32(1), hits.Load())
}
