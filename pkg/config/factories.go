package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/marmos91/rxrpc/internal/logger"
	"github.com/marmos91/rxrpc/pkg/metrics"
	"github.com/marmos91/rxrpc/pkg/rx"
	"github.com/mitchellh/mapstructure"
)

// fileKeyConfig is the security.key.file section.
type fileKeyConfig struct {
	Path string `mapstructure:"path"`
}

// inlineKeyConfig is the security.key.inline section.
type inlineKeyConfig struct {
	Description string `mapstructure:"description"`
}

// checkKeySource decodes the section selected by cfg.Type without touching
// the filesystem.
func checkKeySource(cfg *KeyConfig) error {
	switch cfg.Type {
	case "", "none":
		return nil
	case "file":
		var fc fileKeyConfig
		if err := mapstructure.Decode(cfg.File, &fc); err != nil {
			return fmt.Errorf("failed to decode file key config: %w", err)
		}
		if fc.Path == "" {
			return fmt.Errorf("file key: path is required")
		}
		return nil
	case "inline":
		var ic inlineKeyConfig
		if err := mapstructure.Decode(cfg.Inline, &ic); err != nil {
			return fmt.Errorf("failed to decode inline key config: %w", err)
		}
		if ic.Description == "" {
			return fmt.Errorf("inline key: description is required")
		}
		return nil
	default:
		return fmt.Errorf("unknown key type: %q", cfg.Type)
	}
}

// CreateSecurityKey resolves the kernel key description selected by
// cfg.Type. "none" yields a nil key; "file" reads the description from
// the file at path, without its trailing newline; "inline" uses the
// configured description.
func CreateSecurityKey(cfg *KeyConfig) ([]byte, error) {
	if err := checkKeySource(cfg); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case "file":
		var fc fileKeyConfig
		_ = mapstructure.Decode(cfg.File, &fc)
		data, err := os.ReadFile(fc.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		key := bytes.TrimRight(data, "\r\n")
		if len(key) == 0 {
			return nil, fmt.Errorf("key file %s is empty", fc.Path)
		}
		logger.Debug("Security key loaded from %s", fc.Path)
		return key, nil
	case "inline":
		var ic inlineKeyConfig
		_ = mapstructure.Decode(cfg.Inline, &ic)
		return []byte(ic.Description), nil
	default:
		return nil, nil
	}
}

// transportOptions builds the options shared by client and service
// connections.
func transportOptions(cfg *Config, m metrics.RxMetrics) (rx.Options, error) {
	level, err := rx.ParseSecurityLevel(cfg.Security.Level)
	if err != nil {
		return rx.Options{}, err
	}
	key, err := CreateSecurityKey(&cfg.Security.Key)
	if err != nil {
		return rx.Options{}, err
	}
	return rx.Options{
		LocalPort:      cfg.Local.Port,
		LocalService:   cfg.Local.Service,
		Exclusive:      cfg.Security.Exclusive,
		SecurityKey:    key,
		SecurityLevel:  level,
		BufferSize:     cfg.Transport.BufferSize,
		MaxCallBuffers: cfg.Transport.MaxCallBuffers,
		PollInterval:   cfg.Transport.PollInterval,
		Metrics:        m,
	}, nil
}

// ClientOptions builds the peer address and options for a client
// connection. m may be nil.
func ClientOptions(cfg *Config, m metrics.RxMetrics) (rx.PeerAddress, rx.Options, error) {
	peer, err := rx.ParsePeer(cfg.Peer.Address, cfg.Peer.Port)
	if err != nil {
		return rx.PeerAddress{}, rx.Options{}, err
	}
	opts, err := transportOptions(cfg, m)
	if err != nil {
		return rx.PeerAddress{}, rx.Options{}, err
	}
	opts.Service = cfg.Peer.Service
	return peer, opts, nil
}

// ServerOptions builds the address family and options for a service
// connection. Serving requires local.service.
func ServerOptions(cfg *Config, m metrics.RxMetrics) (uint16, rx.Options, error) {
	if cfg.Local.Service == 0 {
		return 0, rx.Options{}, fmt.Errorf("local.service is required to serve")
	}
	family := uint16(rx.FamilyIPv4)
	if cfg.Local.Family == "ipv6" {
		family = rx.FamilyIPv6
	}
	opts, err := transportOptions(cfg, m)
	if err != nil {
		return 0, rx.Options{}, err
	}
	return family, opts, nil
}
