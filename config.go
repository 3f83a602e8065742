// Package autorouter wires the twelve dispatch components into a single
// request-routing engine for LLM inference APIs.
//
// Construct one with New, warm it with LoadAPIKeys and LoadUpstreams, and
// serve requests with Dispatch. Configuration is loaded from a YAML or
// JSON file with LoadConfig.
package autorouter

import "time"

// Config holds process-wide configuration (spec §6.5).
type Config struct {
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`

	DownstreamReadTimeoutMs int64 `json:"downstream_read_timeout_ms" yaml:"downstream_read_timeout_ms"`
	UpstreamReadTimeoutMs   int64 `json:"upstream_read_timeout_ms" yaml:"upstream_read_timeout_ms"`

	Failover FailoverConfig `json:"failover" yaml:"failover"`
	Affinity AffinityConfig `json:"affinity" yaml:"affinity"`
	Circuit  CircuitConfig  `json:"circuit" yaml:"circuit"`
	Quota    QuotaConfig    `json:"quota" yaml:"quota"`

	ReplayBufferMaxBytes int64 `json:"replay_buffer_max_bytes" yaml:"replay_buffer_max_bytes"`

	ActiveHealthCheck ActiveHealthCheckConfig `json:"active_health_check" yaml:"active_health_check"`

	// EncryptionKey decrypts upstream.apiKeyEncrypted fields each time a
	// request is forwarded to that upstream. Never logged.
	EncryptionKey string `json:"encryption_key" yaml:"encryption_key"`
}

// FailoverConfig governs the Failover Controller's attempt loop (C11).
type FailoverConfig struct {
	Strategy           string `json:"strategy" yaml:"strategy"` // "exhaust_all" | "max_attempts"
	MaxAttempts        int    `json:"max_attempts" yaml:"max_attempts"`
	ExcludeStatusCodes []int  `json:"exclude_status_codes" yaml:"exclude_status_codes"`
}

// AffinityConfig governs sticky-session TTLs for C6.
type AffinityConfig struct {
	SlidingTTLMs int64 `json:"sliding_ttl_ms" yaml:"sliding_ttl_ms"`
	MaxTTLMs     int64 `json:"max_ttl_ms" yaml:"max_ttl_ms"`
}

// CircuitConfig carries the default thresholds applied to an upstream that
// doesn't declare its own circuit breaker configuration.
type CircuitConfig struct {
	Default CircuitDefaults `json:"default" yaml:"default"`
}

// CircuitDefaults mirrors model.CircuitBreakerConfig's fields as config keys.
type CircuitDefaults struct {
	FailureThreshold int   `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int   `json:"success_threshold" yaml:"success_threshold"`
	OpenDurationMs   int64 `json:"open_duration_ms" yaml:"open_duration_ms"`
	ProbeIntervalMs  int64 `json:"probe_interval_ms" yaml:"probe_interval_ms"`
}

// QuotaConfig tunes the Quota Tracker's (C5) reconciliation cadence.
type QuotaConfig struct {
	UrgentThresholdPercent float64 `json:"urgent_threshold_percent" yaml:"urgent_threshold_percent"`
	UrgentSyncIntervalMs   int64   `json:"urgent_sync_interval_ms" yaml:"urgent_sync_interval_ms"`
	NormalSyncIntervalMs   int64   `json:"normal_sync_interval_ms" yaml:"normal_sync_interval_ms"`
}

// ActiveHealthCheckConfig holds the active_health_check keys for the
// background health prober (C4). Engine does not start a prober, so these
// values are loaded and defaulted but not otherwise read.
type ActiveHealthCheckConfig struct {
	Enabled    bool  `json:"enabled" yaml:"enabled"`
	IntervalMs int64 `json:"interval_ms" yaml:"interval_ms"`
}

// withDefaults fills in the zero values this package relies on elsewhere
// so callers can load a partial config file and still get sane behavior.
func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.DownstreamReadTimeoutMs == 0 {
		c.DownstreamReadTimeoutMs = 60_000
	}
	if c.UpstreamReadTimeoutMs == 0 {
		c.UpstreamReadTimeoutMs = 60_000
	}
	if c.Failover.Strategy == "" {
		c.Failover.Strategy = "exhaust_all"
	}
	if c.Affinity.SlidingTTLMs == 0 {
		c.Affinity.SlidingTTLMs = 5 * 60 * 1000
	}
	if c.Affinity.MaxTTLMs == 0 {
		c.Affinity.MaxTTLMs = 30 * 60 * 1000
	}
	if c.Circuit.Default.FailureThreshold == 0 {
		c.Circuit.Default.FailureThreshold = 5
	}
	if c.Circuit.Default.SuccessThreshold == 0 {
		c.Circuit.Default.SuccessThreshold = 2
	}
	if c.Circuit.Default.OpenDurationMs == 0 {
		c.Circuit.Default.OpenDurationMs = 30_000
	}
	if c.Circuit.Default.ProbeIntervalMs == 0 {
		c.Circuit.Default.ProbeIntervalMs = 5_000
	}
	if c.Quota.UrgentThresholdPercent == 0 {
		c.Quota.UrgentThresholdPercent = 80
	}
	if c.Quota.UrgentSyncIntervalMs == 0 {
		c.Quota.UrgentSyncIntervalMs = 60_000
	}
	if c.Quota.NormalSyncIntervalMs == 0 {
		c.Quota.NormalSyncIntervalMs = 300_000
	}
	if c.ReplayBufferMaxBytes == 0 {
		c.ReplayBufferMaxBytes = 8 << 20
	}
	if c.ActiveHealthCheck.IntervalMs == 0 {
		c.ActiveHealthCheck.IntervalMs = 30_000
	}
	return c
}

func (c Config) downstreamReadTimeout() time.Duration {
	return time.Duration(c.DownstreamReadTimeoutMs) * time.Millisecond
}

func (c Config) upstreamReadTimeout() time.Duration {
	return time.Duration(c.UpstreamReadTimeoutMs) * time.Millisecond
}

func (c Config) affinitySlidingTTL() time.Duration {
	return time.Duration(c.Affinity.SlidingTTLMs) * time.Millisecond
}

func (c Config) affinityMaxTTL() time.Duration {
	return time.Duration(c.Affinity.MaxTTLMs) * time.Millisecond
}
