// Package auth supplies bearer tokens for gateway requests. Providers are
// best-effort: a request proceeds without a token when none is available.
package auth

import "context"

// TokenProvider yields the bearer token to attach to outgoing gateway
// requests. An empty token with a nil error means no credential is
// available right now.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Static returns a provider that always yields the same token.
func Static(token string) TokenProvider {
	return staticProvider(token)
}

type staticProvider string

func (p staticProvider) Token(context.Context) (string, error) {
	return string(p), nil
}
