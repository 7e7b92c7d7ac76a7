// Package config loads and validates the yadiskd daemon configuration.
//
// A YAML file supplies the base configuration, decoded with
// gopkg.in/yaml.v3 and KnownFields(true) to reject unknown keys. A
// viper-backed environment overlay then lets any field be overridden without
// touching the file, for container deployments that inject secrets and
// tunables via env vars.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "YADISKD"

// Config holds the full daemon configuration.
type Config struct {
	// RemoteBaseURL is the base URL of the remote object store's REST API.
	RemoteBaseURL string `yaml:"remote_base_url"`

	// AuthToken is the static bearer token used to authenticate REST calls
	// when no OAuth refresh flow is configured. See internal/remote.TokenProvider.
	AuthToken string `yaml:"auth_token"`

	// CacheRoot is the local directory files are materialized into.
	CacheRoot string `yaml:"cache_root"`

	// RemoteRoot is the sync root on the remote side. Defaults to "/".
	RemoteRoot string `yaml:"remote_root"`

	// MaxWorkers bounds the dispatcher's worker pool. Default 8.
	MaxWorkers int `yaml:"max_workers"`

	// MaxTransfers bounds concurrent upload/download transfers. Default 4.
	MaxTransfers int64 `yaml:"max_transfers"`

	// MaxAttempts is the retry ceiling before a Transient/Storage failure
	// is escalated to Permanent. Default 8.
	MaxAttempts int `yaml:"max_attempts"`

	// ReconcileIntervalSec is the remote walk period in seconds. Default 30.
	ReconcileIntervalSec int `yaml:"reconcile_interval_sec"`

	// CacheSizeBytes is the eviction threshold. Default 10 GiB.
	CacheSizeBytes int64 `yaml:"cache_size_bytes"`

	// DisableLocalWatcher runs the daemon one-way, cloud to local only.
	DisableLocalWatcher bool `yaml:"disable_local_watcher"`

	// PinnedPaths are remote paths force-materialized locally at startup,
	// in addition to whatever Pin calls accumulate at runtime.
	PinnedPaths []string `yaml:"pinned_paths,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "yadiskd".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. an Authorization bearer token for the collector.
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/yadiskd/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "yadiskd", "config.yaml"), nil
}

// Load reads the configuration file at path, applies the YADISKD_* environment
// overlay, and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	applyEnvOverlay(&cfg, newEnvViper())
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// newEnvViper returns a viper instance bound only to the YADISKD_* env
// namespace; it carries no file source of its own, since the YAML decode
// above already owns the file.
func newEnvViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// applyEnvOverlay overrides any field whose corresponding YADISKD_* variable
// is actually set in the environment, leaving YAML-sourced values alone
// otherwise.
func applyEnvOverlay(cfg *Config, v *viper.Viper) {
	if v.IsSet("remote_base_url") {
		cfg.RemoteBaseURL = v.GetString("remote_base_url")
	}
	if v.IsSet("auth_token") {
		cfg.AuthToken = v.GetString("auth_token")
	}
	if v.IsSet("cache_root") {
		cfg.CacheRoot = v.GetString("cache_root")
	}
	if v.IsSet("remote_root") {
		cfg.RemoteRoot = v.GetString("remote_root")
	}
	if v.IsSet("max_workers") {
		cfg.MaxWorkers = v.GetInt("max_workers")
	}
	if v.IsSet("max_transfers") {
		cfg.MaxTransfers = v.GetInt64("max_transfers")
	}
	if v.IsSet("max_attempts") {
		cfg.MaxAttempts = v.GetInt("max_attempts")
	}
	if v.IsSet("reconcile_interval_sec") {
		cfg.ReconcileIntervalSec = v.GetInt("reconcile_interval_sec")
	}
	if v.IsSet("cache_size_bytes") {
		cfg.CacheSizeBytes = v.GetInt64("cache_size_bytes")
	}
	if v.IsSet("disable_local_watcher") {
		cfg.DisableLocalWatcher = v.GetBool("disable_local_watcher")
	}
}

// applyDefaults fills in zero-valued fields with their documented defaults.
func (c *Config) applyDefaults() {
	if c.RemoteRoot == "" {
		c.RemoteRoot = "/"
	}
	if c.MaxWorkers == 0 {
		c.MaxWorkers = 8
	}
	if c.MaxTransfers == 0 {
		c.MaxTransfers = 4
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 8
	}
	if c.ReconcileIntervalSec == 0 {
		c.ReconcileIntervalSec = 30
	}
	if c.CacheSizeBytes == 0 {
		c.CacheSizeBytes = 10 << 30
	}
}

// Write serializes the config as YAML to path, creating parent directories
// as needed. Used by the setup wizard to persist a freshly collected config.
func (c *Config) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

// ReconcileInterval is ReconcileIntervalSec as a time.Duration.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSec) * time.Second
}

// validate checks that all required fields are present and well-formed.
func (c *Config) validate() error {
	if c.RemoteBaseURL == "" {
		return fmt.Errorf("remote_base_url is required")
	}
	u, err := url.ParseRequestURI(c.RemoteBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("remote_base_url %q must be a valid http or https URL", c.RemoteBaseURL)
	}

	if c.AuthToken == "" {
		return fmt.Errorf("auth_token is required")
	}

	if c.CacheRoot == "" {
		return fmt.Errorf("cache_root is required")
	}

	if c.MaxWorkers <= 0 {
		return fmt.Errorf("max_workers must be positive")
	}
	if c.MaxTransfers <= 0 {
		return fmt.Errorf("max_transfers must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive")
	}
	if c.ReconcileIntervalSec <= 0 {
		return fmt.Errorf("reconcile_interval_sec must be positive")
	}
	if c.CacheSizeBytes <= 0 {
		return fmt.Errorf("cache_size_bytes must be positive")
	}

	for _, p := range c.PinnedPaths {
		if p == "" {
			return fmt.Errorf("pinned_paths contains an empty entry")
		}
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}
