package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete rxprobe configuration.
//
// Sources, highest precedence first:
//  1. CLI flags
//  2. Environment variables (RXRPC_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values
//
// The security key follows a typed-section pattern: security.key.type
// selects a source and only the matching sub-map (security.key.file or
// security.key.inline) is decoded.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Peer is the remote Rx endpoint probed by client calls
	Peer PeerConfig `mapstructure:"peer"`

	// Local is the local transport binding
	Local LocalConfig `mapstructure:"local"`

	// Security selects the kernel security key and minimum level
	Security SecurityConfig `mapstructure:"security"`

	// Transport tunes the call buffer chains
	Transport TransportConfig `mapstructure:"transport"`

	// Probe configures the probe command
	Probe ProbeConfig `mapstructure:"probe"`

	// Server configures the serve command
	Server ServerConfig `mapstructure:"server"`

	// Metrics configures the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// PeerConfig addresses the remote service.
type PeerConfig struct {
	// Address is a literal IPv4 or IPv6 address
	Address string `mapstructure:"address" validate:"required,ip"`

	// Port is the peer's UDP port (7003 is the VL server)
	Port uint16 `mapstructure:"port" validate:"required"`

	// Service is the Rx service id (52 is VL)
	Service uint16 `mapstructure:"service" validate:"required"`
}

// LocalConfig is the local binding. Zero port or service lets the kernel
// choose; serving requires a service.
type LocalConfig struct {
	// Family is used by the serve command: ipv4 or ipv6
	Family string `mapstructure:"family" validate:"required,oneof=ipv4 ipv6"`

	Port    uint16 `mapstructure:"port"`
	Service uint16 `mapstructure:"service"`
}

// SecurityConfig selects connection security.
type SecurityConfig struct {
	// Level is the minimum security level: plain, auth or encrypt
	Level string `mapstructure:"level" validate:"required,oneof=plain auth encrypt"`

	// Exclusive asks the kernel for an unshared Rx connection
	Exclusive bool `mapstructure:"exclusive"`

	Key KeyConfig `mapstructure:"key"`
}

// KeyConfig names the source of the kernel key description.
type KeyConfig struct {
	// Type selects the source
	// Valid values: none, file, inline
	Type string `mapstructure:"type" validate:"required,oneof=none file inline"`

	// File is used when Type = "file" (path)
	File map[string]any `mapstructure:"file"`

	// Inline is used when Type = "inline" (description)
	Inline map[string]any `mapstructure:"inline"`
}

// TransportConfig tunes buffer management.
type TransportConfig struct {
	// BufferSize is the capacity of each chain buffer; a multiple of 4
	BufferSize int `mapstructure:"buffer_size" validate:"gte=8"`

	// MaxCallBuffers bounds a call's outgoing chain (0 = unlimited)
	MaxCallBuffers int `mapstructure:"max_call_buffers" validate:"gte=0"`

	// PollInterval is the readiness slice for synchronous waits
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
}

// ProbeConfig drives the probe command.
type ProbeConfig struct {
	// Opcode sent as the first word of each probe call
	Opcode uint32 `mapstructure:"opcode"`

	// Count of probes to send (0 = until interrupted)
	Count int `mapstructure:"count" validate:"gte=0"`

	// Rate is the sustained probes per second (0 = unlimited)
	Rate float64 `mapstructure:"rate" validate:"gte=0"`

	// Burst is the number of probes allowed back to back
	Burst int `mapstructure:"burst" validate:"gte=1"`

	// Timeout bounds each probe call
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// ServerConfig drives the serve command.
type ServerConfig struct {
	// Charge is the number of preallocated incoming calls kept ready
	Charge int `mapstructure:"charge" validate:"gte=1"`

	// Backlog is the kernel listen backlog
	Backlog int `mapstructure:"backlog" validate:"gte=1"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Port for the /metrics HTTP server
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
}

// Load loads configuration from file, environment, and defaults.
//
// An empty configPath searches the default location; a missing file there
// is not an error. The result has defaults applied and is validated.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures environment overrides, registers defaults and
// the config file search.
func setupViper(v *viper.Viper, configPath string) {
	// Example: RXRPC_PEER_ADDRESS=10.0.0.1
	v.SetEnvPrefix("RXRPC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only consults keys viper already knows about.
	for key, value := range defaultSettings() {
		v.SetDefault(key, value)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns $XDG_CONFIG_HOME/rxrpc, ~/.config/rxrpc, or "." when
// no home directory is known.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "rxrpc")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "rxrpc")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
