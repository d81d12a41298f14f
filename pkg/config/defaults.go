package config

import (
	"strings"
	"time"

	"github.com/marmos91/rxrpc/pkg/rx"
)

// Well-known values for the AFS volume location service, the default
// probe target.
const (
	DefaultPeerPort    = 7003
	DefaultPeerService = 52

	// DefaultProbeOpcode is VL_Probe.
	DefaultProbeOpcode = 514
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Only fields whose zero value is invalid are filled. Zero values that carry
// meaning (probe.count, probe.rate, transport.max_call_buffers, local port
// and service) are preserved; their defaults come from the generated
// defaults table instead.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyPeerDefaults(&cfg.Peer)
	applyLocalDefaults(&cfg.Local)
	applySecurityDefaults(&cfg.Security)
	applyTransportDefaults(&cfg.Transport)
	applyProbeDefaults(&cfg.Probe)
	applyServerDefaults(&cfg.Server)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyPeerDefaults(cfg *PeerConfig) {
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPeerPort
	}
	if cfg.Service == 0 {
		cfg.Service = DefaultPeerService
	}
}

func applyLocalDefaults(cfg *LocalConfig) {
	if cfg.Family == "" {
		cfg.Family = "ipv4"
	}
	cfg.Family = strings.ToLower(cfg.Family)
}

func applySecurityDefaults(cfg *SecurityConfig) {
	if cfg.Level == "" {
		cfg.Level = "plain"
	}
	cfg.Level = strings.ToLower(cfg.Level)

	if cfg.Key.Type == "" {
		cfg.Key.Type = "none"
	}
	if cfg.Key.File == nil {
		cfg.Key.File = make(map[string]any)
	}
	if cfg.Key.Inline == nil {
		cfg.Key.Inline = make(map[string]any)
	}
}

func applyTransportDefaults(cfg *TransportConfig) {
	if cfg.BufferSize == 0 {
		cfg.BufferSize = rx.DefaultBufferSize
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
}

func applyProbeDefaults(cfg *ProbeConfig) {
	if cfg.Opcode == 0 {
		cfg.Opcode = DefaultProbeOpcode
	}
	if cfg.Burst == 0 {
		cfg.Burst = 1
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
}

// applyServerDefaults sets server defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Charge == 0 {
		cfg.Charge = 4
	}
	if cfg.Backlog == 0 {
		cfg.Backlog = 16
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// GetDefaultConfig returns the configuration written by InitConfig and
// used when no file is present.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Probe: ProbeConfig{Rate: 1},
	}
	ApplyDefaults(cfg)
	return cfg
}
