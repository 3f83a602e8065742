package autorouter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadConfig reads and parses a config file from the given path.
// Supported formats: JSON (.json), YAML (.yaml, .yml).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}

	cfg = cfg.withDefaults()
	return &cfg, nil
}

// ValidateConfig validates a Config for correctness.
func ValidateConfig(cfg Config) error {
	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	switch cfg.Failover.Strategy {
	case "exhaust_all", "max_attempts", "":
	default:
		return fmt.Errorf("unknown failover strategy: %q", cfg.Failover.Strategy)
	}
	if cfg.Failover.Strategy == "max_attempts" && cfg.Failover.MaxAttempts <= 0 {
		return fmt.Errorf("failover.max_attempts must be > 0 when strategy is max_attempts")
	}

	if cfg.Affinity.SlidingTTLMs < 0 || cfg.Affinity.MaxTTLMs < 0 {
		return fmt.Errorf("affinity TTLs must not be negative")
	}
	if cfg.Affinity.SlidingTTLMs > 0 && cfg.Affinity.MaxTTLMs > 0 && cfg.Affinity.SlidingTTLMs > cfg.Affinity.MaxTTLMs {
		return fmt.Errorf("affinity.sliding_ttl_ms must not exceed affinity.max_ttl_ms")
	}

	if cfg.Circuit.Default.FailureThreshold < 0 || cfg.Circuit.Default.SuccessThreshold < 0 {
		return fmt.Errorf("circuit.default thresholds must not be negative")
	}

	if cfg.Quota.UrgentThresholdPercent < 0 || cfg.Quota.UrgentThresholdPercent > 100 {
		return fmt.Errorf("quota.urgent_threshold_percent must be between 0 and 100")
	}

	if cfg.ReplayBufferMaxBytes < 0 {
		return fmt.Errorf("replay_buffer_max_bytes must not be negative")
	}

	return nil
}
