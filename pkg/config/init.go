package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const configHeader = `# RxRPC Configuration File
#
# Written by "rxprobe init". Every key can be overridden from the
# environment with the RXRPC_ prefix, for example:
#
#   RXRPC_PEER_ADDRESS=10.0.0.7 RXRPC_LOGGING_LEVEL=debug rxprobe probe
#
`

// section is one top-level block of the generated file.
type section struct {
	key     string
	comment string
	values  map[string]any
}

func documentSections(cfg *Config) []section {
	return []section{
		{"logging", "Log output. level: DEBUG|INFO|WARN|ERROR, format: text|json,\noutput: stdout|stderr|<file path>", map[string]any{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
			"output": cfg.Logging.Output,
		}},
		{"peer", "Remote endpoint probed by client calls (defaults: VL server)", map[string]any{
			"address": cfg.Peer.Address,
			"port":    int(cfg.Peer.Port),
			"service": int(cfg.Peer.Service),
		}},
		{"local", "Local binding. Port and service 0 let the kernel choose;\n\"rxprobe serve\" needs a service id", map[string]any{
			"family":  cfg.Local.Family,
			"port":    int(cfg.Local.Port),
			"service": int(cfg.Local.Service),
		}},
		{"security", "Minimum level plain|auth|encrypt. key.type selects none, file (key.file.path)\nor inline (key.inline.description)", map[string]any{
			"level":     cfg.Security.Level,
			"exclusive": cfg.Security.Exclusive,
			"key": map[string]any{
				"type":   cfg.Security.Key.Type,
				"file":   map[string]any{"path": ""},
				"inline": map[string]any{"description": ""},
			},
		}},
		{"transport", "Call buffer chains. buffer_size is a multiple of 4;\nmax_call_buffers 0 means unlimited", map[string]any{
			"buffer_size":      cfg.Transport.BufferSize,
			"max_call_buffers": cfg.Transport.MaxCallBuffers,
			"poll_interval":    cfg.Transport.PollInterval.String(),
		}},
		{"probe", "\"rxprobe probe\": count 0 runs until interrupted, rate 0 is unlimited", map[string]any{
			"opcode":  int(cfg.Probe.Opcode),
			"count":   cfg.Probe.Count,
			"rate":    cfg.Probe.Rate,
			"burst":   cfg.Probe.Burst,
			"timeout": cfg.Probe.Timeout.String(),
		}},
		{"server", "\"rxprobe serve\": incoming calls kept charged and listen backlog", map[string]any{
			"charge":           cfg.Server.Charge,
			"backlog":          cfg.Server.Backlog,
			"shutdown_timeout": cfg.Server.ShutdownTimeout.String(),
		}},
		{"metrics", "Prometheus endpoint served at :port/metrics", map[string]any{
			"enabled": cfg.Metrics.Enabled,
			"port":    cfg.Metrics.Port,
		}},
	}
}

// defaultSettings flattens the default document into dotted viper keys.
func defaultSettings() map[string]any {
	out := make(map[string]any)
	for _, s := range documentSections(GetDefaultConfig()) {
		flatten(out, s.key, s.values)
	}
	return out
}

func flatten(out map[string]any, prefix string, values map[string]any) {
	for k, v := range values {
		if nested, ok := v.(map[string]any); ok {
			flatten(out, prefix+"."+k, nested)
			continue
		}
		out[prefix+"."+k] = v
	}
}

func commentLines(text string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = "# " + l
	}
	return strings.Join(lines, "\n")
}

// generateYAML renders cfg as a commented YAML document.
func generateYAML(cfg *Config) ([]byte, error) {
	doc := &yaml.Node{Kind: yaml.MappingNode}
	for _, s := range documentSections(cfg) {
		var value yaml.Node
		if err := value.Encode(s.values); err != nil {
			return nil, fmt.Errorf("encode %s: %w", s.key, err)
		}
		key := &yaml.Node{Kind: yaml.ScalarNode, Value: s.key, HeadComment: commentLines(s.comment)}
		doc.Content = append(doc.Content, key, &value)
	}

	var buf bytes.Buffer
	buf.WriteString(configHeader)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// InitConfig writes the default configuration to the default path and
// returns that path. An existing file is only replaced when force is set.
func InitConfig(force bool) (string, error) {
	return InitConfigAt(GetDefaultConfigPath(), force)
}

// InitConfigAt is InitConfig for an explicit path.
func InitConfigAt(path string, force bool) (string, error) {
	if _, err := os.Stat(path); err == nil && !force {
		return "", fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
	}

	data, err := generateYAML(GetDefaultConfig())
	if err != nil {
		return "", fmt.Errorf("failed to generate config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	return path, nil
}
