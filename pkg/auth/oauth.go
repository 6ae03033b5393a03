package auth

import (
	"context"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// OAuthProvider obtains bearer tokens through the OAuth 2.0 client
// credentials grant. Tokens are refreshed automatically before expiry.
type OAuthProvider struct {
	source oauth2.TokenSource
}

// NewOAuthProvider creates a provider for the given token endpoint. The
// context bounds the HTTP calls made during token refresh.
func NewOAuthProvider(ctx context.Context, clientID, clientSecret, tokenURL string, scopes []string) *OAuthProvider {
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	return &OAuthProvider{source: cfg.TokenSource(ctx)}
}

func (p *OAuthProvider) Token(context.Context) (string, error) {
	token, err := p.source.Token()
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}
