// Package userconfig provides user-level configuration for gwsub. This
// configuration is stored in ~/.config/gwsub/config.yaml and contains the
// gateway address and persisted credentials.
package userconfig

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/goccy/go-yaml"
	"github.com/natefinch/atomic"

	"github.com/lishushu94/ai-higress-gateway-sub004/pkg/paths"
)

// OAuthCredentials configures the client-credentials grant used when the
// gateway sits behind an OAuth2 token endpoint.
type OAuthCredentials struct {
	ClientID     string   `yaml:"client_id,omitempty"`
	ClientSecret string   `yaml:"client_secret,omitempty"`
	TokenURL     string   `yaml:"token_url,omitempty"`
	Scopes       []string `yaml:"scopes,omitempty"`
}

// CurrentVersion is the current version of the user config format
const CurrentVersion = "v1"

// Config represents the user-level gwsub configuration
type Config struct {
	// mu protects concurrent access to the credential fields. Config
	// methods may be called from parallel tests or goroutines (the
	// fsnotify watcher reloads while a stream is live).
	mu sync.Mutex

	// Version is the config format version
	Version string `yaml:"version,omitempty"`
	// Gateway is the default gateway base URL
	Gateway string `yaml:"gateway,omitempty"`
	// APIKey is the persisted API key, the fallback credential when no
	// bearer token source is configured
	APIKey string `yaml:"api_key,omitempty"`
	// TokenEndpoint is an optional sidecar URL that serves short-lived
	// bearer tokens as a JSON string
	TokenEndpoint string `yaml:"token_endpoint,omitempty"`
	// OAuth configures the client-credentials token source
	OAuth *OAuthCredentials `yaml:"oauth,omitempty"`
}

// Path returns the path to the config file
func Path() string {
	return filepath.Join(paths.GetConfigDir(), "config.yaml")
}

// legacyCredentialsPath returns the path to the legacy credentials.yaml
// file that older releases wrote the API key into.
func legacyCredentialsPath() string {
	return filepath.Join(paths.GetConfigDir(), "credentials.yaml")
}

// Load loads the user configuration from the config file.
// If the config file has no API key but a legacy credentials.yaml does,
// the credentials are migrated into the config file.
func Load() (*Config, error) {
	return loadFrom(Path(), legacyCredentialsPath())
}

func loadFrom(configPath, legacyPath string) (*Config, error) {
	config, err := readConfig(configPath)
	if err != nil {
		return nil, err
	}

	if config.APIKey == "" && config.migrateFromLegacy(legacyPath) {
		if err := config.saveTo(configPath); err != nil {
			return nil, fmt.Errorf("failed to save migrated config: %w", err)
		}
	}

	return config, nil
}

// readConfig reads and parses the config file, returning an empty config if file doesn't exist.
func readConfig(configPath string) (*Config, error) {
	config := &Config{}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// migrateFromLegacy copies credentials from the legacy credentials.yaml
// file. Returns true if anything was migrated. After successful migration,
// the legacy file is deleted.
func (c *Config) migrateFromLegacy(legacyPath string) bool {
	if legacyPath == "" {
		return false
	}

	data, err := os.ReadFile(legacyPath)
	if err != nil {
		return false
	}

	var legacy map[string]string
	if err := yaml.Unmarshal(data, &legacy); err != nil {
		return false
	}

	migrated := false
	c.mu.Lock()
	if key := legacy["api_key"]; key != "" {
		c.APIKey = key
		migrated = true
	}
	if gw := legacy["gateway"]; gw != "" && c.Gateway == "" {
		c.Gateway = gw
		migrated = true
	}
	c.mu.Unlock()

	if !migrated {
		return false
	}

	if err := os.Remove(legacyPath); err != nil {
		return migrated
	}
	return migrated
}

// Save saves the configuration to the config file
func (c *Config) Save() error {
	return c.saveTo(Path())
}

func (c *Config) saveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Ensure version is always set to current version when saving
	c.Version = CurrentVersion

	c.mu.Lock()
	data, err := yaml.Marshal(c)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return atomic.WriteFile(path, bytes.NewReader(data))
}

// GetAPIKey returns the persisted API key.
//
// This method is safe for concurrent use; the watcher may swap credentials
// while a request is being prepared.
func (c *Config) GetAPIKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.APIKey
}

// SetAPIKey stores the API key. Surrounding whitespace is stripped; an
// empty value clears the key.
func (c *Config) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.APIKey = strings.TrimSpace(key)
}

// GetGateway returns the configured gateway base URL.
func (c *Config) GetGateway() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.Gateway
}

// SetGateway stores the gateway base URL after validating it. An empty
// value clears the setting.
func (c *Config) SetGateway(gateway string) error {
	if gateway != "" {
		parsed, err := url.Parse(gateway)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("invalid gateway URL %q: must be absolute with scheme and host", gateway)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.Gateway = gateway
	return nil
}

// GetTokenEndpoint returns the bearer token sidecar URL, if configured.
func (c *Config) GetTokenEndpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.TokenEndpoint
}

// GetOAuth returns the OAuth client-credentials settings, or nil when not
// configured.
func (c *Config) GetOAuth() *OAuthCredentials {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.OAuth
}
