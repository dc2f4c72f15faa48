// Package syncconfig loads the configuration the shell provides to
// synccore.Core at startup: sync root, remote URL, OAuth client
// credentials, device name, retry bounds, and aggregation window, from
// a YAML file with environment overlays for secrets.
package syncconfig

import (
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/cozy-labs/synccore/pkg/logging"
)

// Config is the full set of values a shell must supply to start the
// sync core, plus the operational tuning parameters that default per
// component but which a real deployment needs to be able to override
// (aggregation window, retry bounds, worker concurrency).
type Config struct {
	// SyncRoot is the absolute local directory mirrored with the remote.
	SyncRoot string `yaml:"syncRoot"`
	// RemoteURL is the base URL of the remote's HTTP API.
	RemoteURL string `yaml:"remoteURL"`
	// DeviceName identifies this client to the remote during Register;
	// it defaults to os.Hostname() when empty.
	DeviceName string `yaml:"deviceName"`

	// OAuthClientID and OAuthClientSecret authenticate this client
	// during the OAuth2 exchange performed by Register. Secret is
	// deliberately not serialized back out (its yaml tag is "-").
	OAuthClientID     string `yaml:"oauthClientID"`
	OAuthClientSecret string `yaml:"-"`

	// AggregationWindow tuning overrides the local watcher's default
	// 1s-to-3s debounce window. Zero values mean "use the component
	// default".
	AggregationMinWindow time.Duration `yaml:"aggregationMinWindow"`
	AggregationMaxWindow time.Duration `yaml:"aggregationMaxWindow"`

	// RemotePollInterval overrides the remote watcher's long-poll
	// interval.
	RemotePollInterval time.Duration `yaml:"remotePollInterval"`

	// ExecutorConcurrency overrides the bounded worker pool size.
	ExecutorConcurrency int `yaml:"executorConcurrency"`

	// MaxRetryAttempts overrides the transient-failure retry bound
	// (default 16).
	MaxRetryAttempts int `yaml:"maxRetryAttempts"`

	// StateDir holds the catalog database, remote cursor, and progress
	// history files persisted across restarts.
	StateDir string `yaml:"stateDir"`

	// IgnoreFile is the path to a `.cozyignore` file of gitignore-style
	// patterns excluded from sync; empty means no ignore rules beyond
	// the built-in staging/trash skip.
	IgnoreFile string `yaml:"ignoreFile"`

	// LogLevel sets pkg/logging's root severity ("disabled", "error",
	// "warn", "info", "debug", or "trace"); empty defaults to "info".
	LogLevel string `yaml:"logLevel"`
}

// Load reads a YAML configuration file at path, then overlays secrets
// from a sibling ".env" file (if present) and the process environment,
// with "file defaults, environment overrides" precedence.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "syncconfig: reading configuration file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "syncconfig: parsing configuration file")
	}

	if err := cfg.loadSecrets(filepath.Dir(path)); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadSecrets overlays COZY_SYNC_OAUTH_CLIENT_SECRET from a ".env" file beside the
// config (if one exists) and then from the OS environment, the OS value
// winning, mirroring godotenv's own Overload/Load split.
func (c *Config) loadSecrets(configDir string) error {
	env, err := godotenv.Read(filepath.Join(configDir, ".env"))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "syncconfig: reading .env file")
	}
	if secret, ok := env["COZY_SYNC_OAUTH_CLIENT_SECRET"]; ok {
		c.OAuthClientSecret = secret
	}
	if secret := os.Getenv("COZY_SYNC_OAUTH_CLIENT_SECRET"); secret != "" {
		c.OAuthClientSecret = secret
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.DeviceName == "" {
		if host, err := os.Hostname(); err == nil {
			c.DeviceName = host
		} else {
			c.DeviceName = "cozy-sync"
		}
	}
	if c.StateDir == "" {
		c.StateDir = c.SyncRoot + "/.cozy-sync-state"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate reports whether the configuration has the minimum fields
// needed to start the sync core.
func (c *Config) Validate() error {
	if c.SyncRoot == "" {
		return errors.New("syncconfig: syncRoot is required")
	}
	if c.RemoteURL == "" {
		return errors.New("syncconfig: remoteURL is required")
	}
	if c.OAuthClientID != "" && c.OAuthClientSecret == "" {
		return errors.New("syncconfig: oauthClientID set without a client secret (set COZY_SYNC_OAUTH_CLIENT_SECRET)")
	}
	if _, ok := logging.NameToLevel(c.LogLevel); !ok {
		return errors.Errorf("syncconfig: invalid logLevel %q", c.LogLevel)
	}
	return nil
}
