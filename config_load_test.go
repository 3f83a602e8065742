package autorouter

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig_Valid(t *testing.T) {
	data := `{
		"listen_addr": ":9090",
		"failover": {"strategy": "max_attempts", "max_attempts": 3},
		"affinity": {"sliding_ttl_ms": 60000, "max_ttl_ms": 600000}
	}`
	path := writeTempFile(t, "config.json", data)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("expected listen_addr %q, got %q", ":9090", cfg.ListenAddr)
	}
	if cfg.Failover.MaxAttempts != 3 {
		t.Errorf("expected max_attempts 3, got %d", cfg.Failover.MaxAttempts)
	}
	// defaults fill unset upstream read timeout
	if cfg.UpstreamReadTimeoutMs != 60_000 {
		t.Errorf("expected default upstream_read_timeout_ms 60000, got %d", cfg.UpstreamReadTimeoutMs)
	}
}

func TestLoadConfig_NonExistentFile(t *testing.T) {
	_, err := LoadConfig("/tmp/does-not-exist-config-12345.json")
	if err == nil {
		t.Fatal("expected error for non-existent file")
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	path := writeTempFile(t, "bad.json", `{invalid`)

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestValidateConfig_Valid(t *testing.T) {
	cfg := Config{ListenAddr: ":8080", Failover: FailoverConfig{Strategy: "exhaust_all"}}
	if err := ValidateConfig(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateConfig_MissingListenAddr(t *testing.T) {
	cfg := Config{}
	if err := ValidateConfig(cfg); err == nil {
		t.Fatal("expected error for missing listen_addr")
	}
}

func TestValidateConfig_UnknownStrategy(t *testing.T) {
	cfg := Config{ListenAddr: ":8080", Failover: FailoverConfig{Strategy: "unknown"}}
	if err := ValidateConfig(cfg); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestValidateConfig_MaxAttemptsRequiresPositiveValue(t *testing.T) {
	cfg := Config{ListenAddr: ":8080", Failover: FailoverConfig{Strategy: "max_attempts"}}
	if err := ValidateConfig(cfg); err == nil {
		t.Fatal("expected error for max_attempts strategy without max_attempts set")
	}
}

func TestValidateConfig_AffinityTTLOrdering(t *testing.T) {
	cfg := Config{
		ListenAddr: ":8080",
		Affinity:   AffinityConfig{SlidingTTLMs: 100, MaxTTLMs: 50},
	}
	if err := ValidateConfig(cfg); err == nil {
		t.Fatal("expected error when sliding TTL exceeds max TTL")
	}
}

func TestValidateConfig_QuotaThresholdRange(t *testing.T) {
	cfg := Config{ListenAddr: ":8080", Quota: QuotaConfig{UrgentThresholdPercent: 150}}
	if err := ValidateConfig(cfg); err == nil {
		t.Fatal("expected error for out-of-range quota threshold")
	}
}

func TestLoadConfig_YAML(t *testing.T) {
	data := `
listen_addr: ":8081"
failover:
  strategy: exhaust_all
`
	path := writeTempFile(t, "config.yaml", data)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":8081" {
		t.Errorf("expected listen_addr %q, got %q", ":8081", cfg.ListenAddr)
	}
}

func TestLoadConfig_YML(t *testing.T) {
	data := `
listen_addr: ":8082"
`
	path := writeTempFile(t, "config.yml", data)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":8082" {
		t.Errorf("expected listen_addr %q, got %q", ":8082", cfg.ListenAddr)
	}
}

func TestLoadConfig_UnsupportedExtension(t *testing.T) {
	path := writeTempFile(t, "config.toml", "key = value")
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for unsupported extension")
	}
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}
