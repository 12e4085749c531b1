// Package config provides configuration parsing and validation for udprpc.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mx623303468/udprpc/internal/crypto"
)

// Config represents the complete daemon configuration.
type Config struct {
	Daemon DaemonConfig `yaml:"daemon"`
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
	Crypto CryptoConfig `yaml:"crypto"`
	Health HealthConfig `yaml:"health"`
}

// DaemonConfig contains process-wide settings.
type DaemonConfig struct {
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// ServerConfig defines the UDP router's bind options. Immutable for the
// lifetime of a server instance.
type ServerConfig struct {
	Family          string          `yaml:"family"`           // udp4, udp6
	BindHost        string          `yaml:"bind_host"`        // listen address
	BindPort        int             `yaml:"bind_port"`
	ReadBuffer      int             `yaml:"read_buffer"`      // socket read buffer in bytes
	ErrorReplyRate  float64         `yaml:"error_reply_rate"` // error replies per second, 0 = unlimited
	ErrorReplyBurst int             `yaml:"error_reply_burst"`
	Multicast       MulticastConfig `yaml:"multicast"`
}

// MulticastConfig defines optional multicast delivery settings.
type MulticastConfig struct {
	Enabled      bool   `yaml:"enabled"`
	GroupAddress string `yaml:"group_address"`
}

// ClientConfig defines the dispatcher's default destination.
type ClientConfig struct {
	Host      string          `yaml:"host"`
	Port      int             `yaml:"port"`
	Family    string          `yaml:"family"` // udp4, udp6
	Multicast MulticastConfig `yaml:"multicast"`
}

// CryptoConfig holds the pre-shared keys for the payload envelope. Either
// both keys are given explicitly, or a single master secret from which
// both are derived. All values are base64-encoded 256-bit keys.
type CryptoConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
	SigningKey    string `yaml:"signing_key"`
	MasterSecret  string `yaml:"master_secret"`
}

// HealthConfig defines the health/metrics HTTP listener.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Server: ServerConfig{
			Family:          "udp4",
			BindHost:        "0.0.0.0",
			BindPort:        41234,
			ReadBuffer:      262144, // 256 KB
			ErrorReplyRate:  100,
			ErrorReplyBurst: 200,
		},
		Client: ClientConfig{
			Host:   "127.0.0.1",
			Port:   41234,
			Family: "udp4",
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
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
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	// Parse YAML
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate
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
		// Extract variable name
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

		// Simple lookup
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Daemon.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Daemon.LogLevel))
	}
	if !isValidLogFormat(c.Daemon.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Daemon.LogFormat))
	}

	if !isValidFamily(c.Server.Family) {
		errs = append(errs, fmt.Sprintf("server.family: invalid family: %s (must be udp4 or udp6)", c.Server.Family))
	}
	if c.Server.BindPort < 1 || c.Server.BindPort > 65535 {
		errs = append(errs, "server.bind_port must be between 1 and 65535")
	}
	if c.Server.ReadBuffer != 0 && c.Server.ReadBuffer < 1024 {
		errs = append(errs, "server.read_buffer must be at least 1024")
	}
	if err := validateMulticast(c.Server.Multicast); err != nil {
		errs = append(errs, fmt.Sprintf("server.multicast: %v", err))
	}

	if !isValidFamily(c.Client.Family) {
		errs = append(errs, fmt.Sprintf("client.family: invalid family: %s (must be udp4 or udp6)", c.Client.Family))
	}
	if c.Client.Port < 1 || c.Client.Port > 65535 {
		errs = append(errs, "client.port must be between 1 and 65535")
	}
	if err := validateMulticast(c.Client.Multicast); err != nil {
		errs = append(errs, fmt.Sprintf("client.multicast: %v", err))
	}

	if err := c.Crypto.validate(); err != nil {
		errs = append(errs, fmt.Sprintf("crypto: %v", err))
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidFamily(family string) bool {
	switch family {
	case "udp4", "udp6":
		return true
	default:
		return false
	}
}

func validateMulticast(m MulticastConfig) error {
	if !m.Enabled {
		return nil
	}
	if m.GroupAddress == "" {
		return nil // falls back to unicast delivery
	}
	ip := net.ParseIP(m.GroupAddress)
	if ip == nil {
		return fmt.Errorf("invalid group_address: %s", m.GroupAddress)
	}
	if !ip.IsMulticast() {
		return fmt.Errorf("group_address is not a multicast address: %s", m.GroupAddress)
	}
	return nil
}

func (c *CryptoConfig) validate() error {
	if c.MasterSecret != "" {
		if c.EncryptionKey != "" || c.SigningKey != "" {
			return fmt.Errorf("master_secret and explicit keys are mutually exclusive")
		}
		if _, err := crypto.ParseKey(c.MasterSecret); err != nil {
			return fmt.Errorf("master_secret: %w", err)
		}
		return nil
	}
	if (c.EncryptionKey == "") != (c.SigningKey == "") {
		return fmt.Errorf("encryption_key and signing_key must be set together")
	}
	if c.EncryptionKey != "" {
		if _, err := crypto.ParseKey(c.EncryptionKey); err != nil {
			return fmt.Errorf("encryption_key: %w", err)
		}
		if _, err := crypto.ParseKey(c.SigningKey); err != nil {
			return fmt.Errorf("signing_key: %w", err)
		}
	}
	return nil
}

// Configured reports whether any key material is present.
func (c *CryptoConfig) Configured() bool {
	return c.MasterSecret != "" || c.EncryptionKey != ""
}

// Keys returns the envelope keys described by the configuration.
func (c *CryptoConfig) Keys() (crypto.Keys, error) {
	if c.MasterSecret != "" {
		master, err := crypto.ParseKey(c.MasterSecret)
		if err != nil {
			return crypto.Keys{}, fmt.Errorf("master_secret: %w", err)
		}
		return crypto.DeriveKeys(master)
	}

	enc, err := crypto.ParseKey(c.EncryptionKey)
	if err != nil {
		return crypto.Keys{}, fmt.Errorf("encryption_key: %w", err)
	}
	sig, err := crypto.ParseKey(c.SigningKey)
	if err != nil {
		return crypto.Keys{}, fmt.Errorf("signing_key: %w", err)
	}
	return crypto.Keys{Encryption: enc, Signing: sig}, nil
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	// Create a deep copy by marshaling and unmarshaling
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Crypto.EncryptionKey != "" {
		redacted.Crypto.EncryptionKey = redactedValue
	}
	if redacted.Crypto.SigningKey != "" {
		redacted.Crypto.SigningKey = redactedValue
	}
	if redacted.Crypto.MasterSecret != "" {
		redacted.Crypto.MasterSecret = redactedValue
	}

	return redacted
}
