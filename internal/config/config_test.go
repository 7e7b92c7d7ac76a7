package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("creating temp config: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	f.Close()
	return f.Name()
}

func baseConfig() string {
	return `
remote_base_url: "https://disk.example.com/v1"
auth_token: "abc123"
cache_root: "/var/lib/yadiskd/cache"
`
}

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, baseConfig())
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RemoteBaseURL != "https://disk.example.com/v1" {
		t.Errorf("RemoteBaseURL = %q", cfg.RemoteBaseURL)
	}
	if cfg.AuthToken != "abc123" {
		t.Errorf("AuthToken = %q", cfg.AuthToken)
	}
	if cfg.CacheRoot != "/var/lib/yadiskd/cache" {
		t.Errorf("CacheRoot = %q", cfg.CacheRoot)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, baseConfig())
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RemoteRoot != "/" {
		t.Errorf("RemoteRoot = %q, want /", cfg.RemoteRoot)
	}
	if cfg.MaxWorkers != 8 {
		t.Errorf("MaxWorkers = %d, want 8", cfg.MaxWorkers)
	}
	if cfg.MaxTransfers != 4 {
		t.Errorf("MaxTransfers = %d, want 4", cfg.MaxTransfers)
	}
	if cfg.MaxAttempts != 8 {
		t.Errorf("MaxAttempts = %d, want 8", cfg.MaxAttempts)
	}
	if cfg.ReconcileIntervalSec != 30 {
		t.Errorf("ReconcileIntervalSec = %d, want 30", cfg.ReconcileIntervalSec)
	}
	if cfg.CacheSizeBytes != 10<<30 {
		t.Errorf("CacheSizeBytes = %d, want %d", cfg.CacheSizeBytes, 10<<30)
	}
}

func TestLoad_MissingRemoteBaseURL(t *testing.T) {
	path := writeConfig(t, `
auth_token: "token"
cache_root: "/var/lib/yadiskd/cache"
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for missing remote_base_url, got nil")
	}
}

func TestLoad_InvalidRemoteBaseURL(t *testing.T) {
	path := writeConfig(t, `
remote_base_url: "not-a-url"
auth_token: "token"
cache_root: "/var/lib/yadiskd/cache"
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid remote_base_url, got nil")
	}
}

func TestLoad_MissingAuthToken(t *testing.T) {
	path := writeConfig(t, `
remote_base_url: "https://disk.example.com/v1"
cache_root: "/var/lib/yadiskd/cache"
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for missing auth_token, got nil")
	}
}

func TestLoad_MissingCacheRoot(t *testing.T) {
	path := writeConfig(t, `
remote_base_url: "https://disk.example.com/v1"
auth_token: "token"
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for missing cache_root, got nil")
	}
}

func TestLoad_UnknownKey(t *testing.T) {
	path := writeConfig(t, baseConfig()+"\nunknown_field: oops\n")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unknown config key, got nil")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoad_PinnedPaths(t *testing.T) {
	path := writeConfig(t, baseConfig()+`
pinned_paths:
  - "/Photos"
  - "/Documents/taxes"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.PinnedPaths) != 2 {
		t.Fatalf("PinnedPaths len = %d, want 2", len(cfg.PinnedPaths))
	}
}

func TestLoad_EnvOverlayOverridesCacheRoot(t *testing.T) {
	path := writeConfig(t, baseConfig())
	t.Setenv("YADISKD_CACHE_ROOT", "/mnt/override-cache")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.CacheRoot != "/mnt/override-cache" {
		t.Errorf("CacheRoot = %q, want env override to apply", cfg.CacheRoot)
	}
}

func TestLoad_EnvOverlayOverridesMaxWorkers(t *testing.T) {
	path := writeConfig(t, baseConfig())
	t.Setenv("YADISKD_MAX_WORKERS", "16")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxWorkers != 16 {
		t.Errorf("MaxWorkers = %d, want 16 from env override", cfg.MaxWorkers)
	}
}

func TestDefaultPath(t *testing.T) {
	path, err := DefaultPath()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path == "" {
		t.Error("DefaultPath returned empty string")
	}
}

func TestLoad_TelemetryValid(t *testing.T) {
	path := writeConfig(t, baseConfig()+`
telemetry:
  otlp_endpoint: "localhost:4317"
  insecure: true
  service_name: "my-yadiskd"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry == nil {
		t.Fatal("expected Telemetry to be non-nil")
	}
	if cfg.Telemetry.OTLPEndpoint != "localhost:4317" {
		t.Errorf("OTLPEndpoint = %q, want %q", cfg.Telemetry.OTLPEndpoint, "localhost:4317")
	}
	if !cfg.Telemetry.Insecure {
		t.Error("Insecure = false, want true")
	}
}

func TestLoad_TelemetryOmitted(t *testing.T) {
	path := writeConfig(t, baseConfig())
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry != nil {
		t.Error("expected Telemetry to be nil when block is omitted")
	}
}

func TestLoad_TelemetryMissingEndpoint(t *testing.T) {
	path := writeConfig(t, baseConfig()+`
telemetry:
  insecure: true
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for telemetry missing otlp_endpoint, got nil")
	}
}
