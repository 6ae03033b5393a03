package httpclient

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/version"
)

type userAgentTransport struct {
	agent string
	rt    http.RoundTripper
}

func (u *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	r2.Header.Set("User-Agent", u.agent)
	return u.rt.RoundTrip(r2)
}

// Opt customizes the clients returned by NewHTTPClient.
type Opt func(*userAgentTransport)

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(agent string) Opt {
	return func(u *userAgentTransport) {
		u.agent = agent
	}
}

// WithTransport swaps the underlying round tripper.
func WithTransport(rt http.RoundTripper) Opt {
	return func(u *userAgentTransport) {
		u.rt = rt
	}
}

// NewHTTPClient returns a client that stamps every request with this
// build's User-Agent. It carries no global timeout; callers bound requests
// through their contexts.
func NewHTTPClient(opts ...Opt) *http.Client {
	transport := &userAgentTransport{
		agent: fmt.Sprintf("Gwsub/%s (%s; %s)", version.Version, runtime.GOOS, runtime.GOARCH),
		rt:    http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(transport)
	}
	return &http.Client{Transport: transport}
}
