// Package config holds the configuration of the recommender service.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/l7mp/amnesia/pkg/publisher"
	"github.com/l7mp/amnesia/pkg/recommender"
)

const (
	DefaultListenAddress = ":8080"
	DefaultMetricsPath   = "/metrics"
	DefaultJournalPath   = "amnesia-journal"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// JournalConfig configures the request journal.
type JournalConfig struct {
	// Path is the directory of the journal database.
	Path string `json:"path,omitempty"`
	// InMemory disables persistence. Useful for demos and tests.
	InMemory bool `json:"inMemory,omitempty"`
	// SyncWrites fsyncs every accepted request before it is applied.
	SyncWrites bool `json:"syncWrites,omitempty"`
}

// RedisConfig configures the optional recommendation mirror.
type RedisConfig struct {
	Address   string `json:"address"`
	DB        int    `json:"db,omitempty"`
	KeyPrefix string `json:"keyPrefix,omitempty"`
}

// AuthConfig enables token authentication of websocket peers.
type AuthConfig struct {
	// Secret is the HMAC secret that signs peer tokens.
	Secret string `json:"secret,omitempty"`
	// SecretFile is read for the secret if Secret is empty.
	SecretFile string `json:"secretFile,omitempty"`
}

// LoadSecret returns the signing secret, reading it from SecretFile if needed.
func (a *AuthConfig) LoadSecret() ([]byte, error) {
	if a.Secret != "" {
		return []byte(a.Secret), nil
	}
	b, err := os.ReadFile(a.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read auth secret: %w", err)
	}
	secret := strings.TrimSpace(string(b))
	if secret == "" {
		return nil, fmt.Errorf("%w: auth secret file %s is empty", ErrInvalidConfig, a.SecretFile)
	}
	return []byte(secret), nil
}

// Config is the service configuration.
type Config struct {
	// ListenAddress is the address of the HTTP and websocket server.
	ListenAddress string `json:"listenAddress,omitempty"`
	// MetricsPath is the path of the Prometheus endpoint.
	MetricsPath string `json:"metricsPath,omitempty"`
	// ScoreScale is the fixed-point scale of recommendation scores.
	ScoreScale uint64 `json:"scoreScale,omitempty"`
	// Journal configures the write-ahead log of change requests.
	Journal JournalConfig `json:"journal"`
	// Redis enables mirroring recommendations into Redis.
	Redis *RedisConfig `json:"redis,omitempty"`
	// Auth enables token authentication of peers.
	Auth *AuthConfig `json:"auth,omitempty"`
	// Seed is applied as the first requests when the journal is empty.
	Seed []recommender.ChangeRequest `json:"seed,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		ListenAddress: DefaultListenAddress,
		MetricsPath:   DefaultMetricsPath,
		ScoreScale:    recommender.DefaultScoreScale,
		Journal:       JournalConfig{Path: DefaultJournalPath},
	}
}

// Load reads a YAML or JSON configuration file on top of the defaults. Unknown fields are
// rejected.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(b)
}

// Parse decodes a YAML or JSON configuration on top of the defaults and validates it.
func Parse(b []byte) (*Config, error) {
	c := Default()
	if err := yaml.UnmarshalStrict(b, c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if c.Redis != nil && c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = publisher.DefaultKeyPrefix
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddress); err != nil {
		return fmt.Errorf("%w: listenAddress %q: %w", ErrInvalidConfig, c.ListenAddress, err)
	}
	if !strings.HasPrefix(c.MetricsPath, "/") {
		return fmt.Errorf("%w: metricsPath %q must start with a slash", ErrInvalidConfig, c.MetricsPath)
	}
	if c.ScoreScale == 0 {
		return fmt.Errorf("%w: scoreScale must be positive", ErrInvalidConfig)
	}
	if !c.Journal.InMemory && c.Journal.Path == "" {
		return fmt.Errorf("%w: journal path is required unless the journal is in memory", ErrInvalidConfig)
	}
	if c.Redis != nil && c.Redis.Address == "" {
		return fmt.Errorf("%w: redis address is required", ErrInvalidConfig)
	}
	if c.Auth != nil && (c.Auth.Secret == "") == (c.Auth.SecretFile == "") {
		return fmt.Errorf("%w: exactly one of auth secret or secretFile is required", ErrInvalidConfig)
	}
	for i := range c.Seed {
		if err := c.Seed[i].Validate(); err != nil {
			return fmt.Errorf("%w: seed request %d: %w", ErrInvalidConfig, i, err)
		}
	}
	return nil
}

// String returns a short summary of the configuration.
func (c *Config) String() string {
	journal := c.Journal.Path
	if c.Journal.InMemory {
		journal = "<in-memory>"
	}
	redis := "<none>"
	if c.Redis != nil {
		redis = c.Redis.Address
	}
	return fmt.Sprintf("{listen:%s,metrics:%s,scale:%d,journal:%s,redis:%s,auth:%t,seed:%d}",
		c.ListenAddress, c.MetricsPath, c.ScoreScale, journal, redis, c.Auth != nil, len(c.Seed))
}
