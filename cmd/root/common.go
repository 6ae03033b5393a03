package root

import (
	"cmp"
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/auth"
	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/gateway"
	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/runstate"
	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/stream"
	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/userconfig"
)

const defaultGateway = "http://localhost:8787"

type gatewayFlags struct {
	gatewayURL string
	apiKey     string
}

func addGatewayFlags(cmd *cobra.Command, flags *gatewayFlags) {
	cmd.PersistentFlags().StringVar(&flags.gatewayURL, "gateway", "", "Gateway base URL (default: from config, or "+defaultGateway+")")
	cmd.PersistentFlags().StringVar(&flags.apiKey, "api-key", "", "API key to authenticate with (default: from config)")
}

// loadUserConfig never fails the command: credentials can still come from
// flags, and unauthenticated gateways need none at all.
func loadUserConfig() *userconfig.Config {
	cfg, err := userconfig.Load()
	if err != nil {
		slog.Warn("Failed to load user config, continuing without it", "error", err)
		return &userconfig.Config{}
	}
	return cfg
}

// resolveGateway picks the gateway base URL: flag, then environment, then
// persisted config, then the local default. The result is canonical, with
// no trailing slash.
func resolveGateway(cfg *userconfig.Config, flag string) string {
	gw := cmp.Or(
		strings.TrimSpace(flag),
		strings.TrimSpace(os.Getenv("GWSUB_GATEWAY")),
		cfg.GetGateway(),
		defaultGateway,
	)
	return strings.TrimSuffix(gw, "/")
}

// newGatewayClient builds the REST and stream client for one command
// invocation. Bearer token sources from the config win over API keys; the
// key flag wins over the persisted one.
func newGatewayClient(ctx context.Context, cfg *userconfig.Config, baseURL, apiKeyFlag string) (*gateway.Client, error) {
	opts := []gateway.Option{
		gateway.WithTracer(otel.Tracer("gwsub/gateway")),
	}

	switch {
	case cfg.GetOAuth() != nil:
		oauth := cfg.GetOAuth()
		opts = append(opts, gateway.WithTokenProvider(
			auth.NewOAuthProvider(ctx, oauth.ClientID, oauth.ClientSecret, oauth.TokenURL, oauth.Scopes),
		))
	case cfg.GetTokenEndpoint() != "":
		opts = append(opts, gateway.WithTokenProvider(
			auth.NewEndpointProvider(cfg.GetTokenEndpoint()),
		))
	}

	if key := strings.TrimSpace(apiKeyFlag); key != "" {
		opts = append(opts, gateway.WithAPIKey(func() string { return key }))
	} else {
		// Read through the config so a rotated key is picked up live.
		opts = append(opts, gateway.WithAPIKey(cfg.GetAPIKey))
	}

	return gateway.New(baseURL, opts...)
}

func newStreamCoordinator(client *gateway.Client) *stream.Coordinator {
	return stream.NewCoordinator(stream.NewRegistry(), client, runstate.New())
}
