// Package config provides configuration parsing and validation for powermole.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/khr0x40sh/powermolecli/internal/protocol"
)

// Mode selects which session mode the instructor drives. Exactly one mode
// runs per session; there is no fallback or auto-detection.
type Mode string

const (
	ModeRedirect     Mode = "redirect"
	ModeForward      Mode = "forward"
	ModeFileTransfer Mode = "file-transfer"
	ModeInteractive  Mode = "interactive"
)

// Wire returns the protocol mode byte carried in HELLO.
func (m Mode) Wire() uint8 {
	switch m {
	case ModeRedirect:
		return protocol.ModeRedirect
	case ModeForward:
		return protocol.ModeForward
	case ModeFileTransfer:
		return protocol.ModeFileTransfer
	case ModeInteractive:
		return protocol.ModeInteractive
	default:
		return 0
	}
}

// Config represents the complete powermole configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json

	Mode        Mode         `yaml:"mode"`
	Destination HostConfig   `yaml:"destination"`
	Gateways    []HostConfig `yaml:"gateways"`

	Tunnel      TunnelConfig      `yaml:"tunnel"`
	Handshake   HandshakeConfig   `yaml:"handshake"`
	Heartbeat   HeartbeatConfig   `yaml:"heartbeat"`
	Redirect    RedirectConfig    `yaml:"redirect"`
	Forward     ForwardConfig     `yaml:"forward"`
	Transfer    TransferConfig    `yaml:"transfer"`
	Interactive InteractiveConfig `yaml:"interactive"`
	Application ApplicationConfig `yaml:"application"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// HostConfig identifies one host in the relay chain (or the destination).
type HostConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	IdentityFile string `yaml:"identity_file"`
}

// Addr returns the host:port dial address.
func (h HostConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// TunnelConfig tunes the tunnel-establishment collaborator.
type TunnelConfig struct {
	AgentPort   int           `yaml:"agent_port"`   // Port the remote agent listens on
	DialTimeout time.Duration `yaml:"dial_timeout"` // Per-hop dial timeout
}

// HandshakeConfig tunes the session handshake.
type HandshakeConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// HeartbeatConfig tunes the liveness monitor.
type HeartbeatConfig struct {
	Interval      time.Duration `yaml:"interval"`
	MissThreshold int           `yaml:"miss_threshold"`
}

// RedirectConfig holds redirect (exit-node) mode parameters.
type RedirectConfig struct {
	ProxyPort  int           `yaml:"proxy_port"` // Remote port accepting redirected traffic
	AckTimeout time.Duration `yaml:"ack_timeout"`
}

// ForwardConfig holds port-forwarding mode parameters.
type ForwardConfig struct {
	Forwarders []ForwarderConfig `yaml:"forwarders"`
	AckTimeout time.Duration     `yaml:"ack_timeout"`
}

// ForwarderConfig describes one remote interface/port pair that must be
// reachable. Traffic carriage happens inside the tunnel layer; the session
// protocol only announces the pair to the agent.
type ForwarderConfig struct {
	LocalPort  int    `yaml:"local_port"`
	RemoteHost string `yaml:"remote_host"`
	RemotePort int    `yaml:"remote_port"`
}

// TransferConfig holds file-transfer mode parameters.
type TransferConfig struct {
	Files      []FilePairConfig `yaml:"files"`
	ChunkSize  int              `yaml:"chunk_size"`
	AckTimeout time.Duration    `yaml:"ack_timeout"`
	FailFast   bool             `yaml:"fail_fast"`   // Zero tolerance: first failed job fails the mode
	RateLimit  string           `yaml:"rate_limit"`  // Bytes/sec, humanized ("1 MiB"); empty = unlimited
}

// FilePairConfig describes one local source and its remote destination path.
type FilePairConfig struct {
	Source      string `yaml:"source"`
	Destination string `yaml:"destination"`
}

// InteractiveConfig holds interactive mode parameters.
type InteractiveConfig struct {
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// ApplicationConfig optionally launches a local program once the session is
// up (redirect and forward modes only).
type ApplicationConfig struct {
	BinaryName     string `yaml:"binary_name"`
	BinaryLocation string `yaml:"binary_location"`
}

// MetricsConfig exposes Prometheus metrics over HTTP.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Tunnel: TunnelConfig{
			AgentPort:   44191,
			DialTimeout: 15 * time.Second,
		},
		Handshake: HandshakeConfig{
			Timeout: 10 * time.Second,
		},
		Heartbeat: HeartbeatConfig{
			Interval:      10 * time.Second,
			MissThreshold: 3,
		},
		Redirect: RedirectConfig{
			ProxyPort:  44192,
			AckTimeout: 10 * time.Second,
		},
		Forward: ForwardConfig{
			AckTimeout: 10 * time.Second,
		},
		Transfer: TransferConfig{
			ChunkSize:  65536,
			AckTimeout: 30 * time.Second,
		},
		Interactive: InteractiveConfig{
			CommandTimeout: 60 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9190",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel))
	}
	if !isValidLogFormat(c.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.LogFormat))
	}

	switch c.Mode {
	case ModeRedirect, ModeForward, ModeFileTransfer, ModeInteractive:
	case "":
		errs = append(errs, "mode is required")
	default:
		errs = append(errs, fmt.Sprintf("invalid mode: %s (must be redirect, forward, file-transfer, or interactive)", c.Mode))
	}

	if err := validateHost("destination", c.Destination); err != nil {
		errs = append(errs, err.Error())
	}
	for i, gw := range c.Gateways {
		if err := validateHost(fmt.Sprintf("gateways[%d]", i), gw); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if c.Tunnel.AgentPort <= 0 || c.Tunnel.AgentPort > 65535 {
		errs = append(errs, fmt.Sprintf("tunnel.agent_port out of range: %d", c.Tunnel.AgentPort))
	}
	if c.Handshake.Timeout <= 0 {
		errs = append(errs, "handshake.timeout must be positive")
	}
	if c.Heartbeat.Interval <= 0 {
		errs = append(errs, "heartbeat.interval must be positive")
	}
	if c.Heartbeat.MissThreshold <= 0 {
		errs = append(errs, "heartbeat.miss_threshold must be positive")
	}

	switch c.Mode {
	case ModeForward:
		if len(c.Forward.Forwarders) == 0 {
			errs = append(errs, "forward mode requires at least one forwarder")
		}
		for i, f := range c.Forward.Forwarders {
			if f.LocalPort <= 0 || f.LocalPort > 65535 {
				errs = append(errs, fmt.Sprintf("forward.forwarders[%d].local_port out of range: %d", i, f.LocalPort))
			}
			if f.RemotePort <= 0 || f.RemotePort > 65535 {
				errs = append(errs, fmt.Sprintf("forward.forwarders[%d].remote_port out of range: %d", i, f.RemotePort))
			}
			if f.RemoteHost == "" {
				errs = append(errs, fmt.Sprintf("forward.forwarders[%d].remote_host is required", i))
			}
		}
	case ModeFileTransfer:
		if len(c.Transfer.Files) == 0 {
			errs = append(errs, "file-transfer mode requires at least one file pair")
		}
		for i, f := range c.Transfer.Files {
			if f.Source == "" {
				errs = append(errs, fmt.Sprintf("transfer.files[%d].source is required", i))
			}
			if f.Destination == "" {
				errs = append(errs, fmt.Sprintf("transfer.files[%d].destination is required", i))
			}
		}
		if c.Transfer.ChunkSize <= 0 {
			errs = append(errs, "transfer.chunk_size must be positive")
		}
		if c.Transfer.ChunkSize > protocol.MaxPayloadSize-64 {
			errs = append(errs, fmt.Sprintf("transfer.chunk_size too large: %d (payload bound is %d)", c.Transfer.ChunkSize, protocol.MaxPayloadSize))
		}
		if c.Transfer.AckTimeout <= 0 {
			errs = append(errs, "transfer.ack_timeout must be positive")
		}
	case ModeRedirect:
		if c.Redirect.ProxyPort <= 0 || c.Redirect.ProxyPort > 65535 {
			errs = append(errs, fmt.Sprintf("redirect.proxy_port out of range: %d", c.Redirect.ProxyPort))
		}
	case ModeInteractive:
		if c.Interactive.CommandTimeout <= 0 {
			errs = append(errs, "interactive.command_timeout must be positive")
		}
	}

	if c.Application.BinaryName != "" {
		if c.Mode != ModeRedirect && c.Mode != ModeForward {
			errs = append(errs, "application launch is only supported in redirect and forward modes")
		}
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateHost(field string, h HostConfig) error {
	if h.Host == "" {
		return fmt.Errorf("%s.host is required", field)
	}
	if h.Port <= 0 || h.Port > 65535 {
		return fmt.Errorf("%s.port out of range: %d", field, h.Port)
	}
	if h.User == "" {
		return fmt.Errorf("%s.user is required", field)
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	}
	return false
}
