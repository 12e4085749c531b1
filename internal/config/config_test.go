package config

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/mx623303468/udprpc/internal/crypto"
)

func testKeyB64(t *testing.T) string {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	return base64.StdEncoding.EncodeToString(key[:])
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config does not validate: %v", err)
	}
	if cfg.Server.Family != "udp4" {
		t.Errorf("Server.Family = %s, want udp4", cfg.Server.Family)
	}
	if cfg.Server.BindHost != "0.0.0.0" {
		t.Errorf("Server.BindHost = %s, want 0.0.0.0", cfg.Server.BindHost)
	}
}

func TestParse(t *testing.T) {
	data := []byte(`
daemon:
  log_level: debug
  log_format: json
server:
  family: udp6
  bind_host: "::"
  bind_port: 5000
  multicast:
    enabled: true
    group_address: ff02::1
client:
  host: 10.0.0.1
  port: 5001
`)

	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Daemon.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", cfg.Daemon.LogLevel)
	}
	if cfg.Server.Family != "udp6" {
		t.Errorf("Server.Family = %s, want udp6", cfg.Server.Family)
	}
	if cfg.Server.BindPort != 5000 {
		t.Errorf("Server.BindPort = %d, want 5000", cfg.Server.BindPort)
	}
	if !cfg.Server.Multicast.Enabled {
		t.Error("Server.Multicast.Enabled = false, want true")
	}
	// Unset fields keep defaults
	if cfg.Client.Family != "udp4" {
		t.Errorf("Client.Family = %s, want default udp4", cfg.Client.Family)
	}
}

func TestParseEnvExpansion(t *testing.T) {
	t.Setenv("UDPRPC_TEST_PORT", "4567")

	cfg, err := Parse([]byte("server:\n  bind_port: ${UDPRPC_TEST_PORT}\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Server.BindPort != 4567 {
		t.Errorf("BindPort = %d, want 4567", cfg.Server.BindPort)
	}

	cfg, err = Parse([]byte("server:\n  bind_port: ${UDPRPC_TEST_UNSET:-9999}\n"))
	if err != nil {
		t.Fatalf("Parse() with default error = %v", err)
	}
	if cfg.Server.BindPort != 9999 {
		t.Errorf("BindPort = %d, want default 9999", cfg.Server.BindPort)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantSub string
	}{
		{
			name:    "invalid family",
			mutate:  func(c *Config) { c.Server.Family = "tcp" },
			wantSub: "invalid family",
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Daemon.LogLevel = "verbose" },
			wantSub: "invalid log_level",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.BindPort = 70000 },
			wantSub: "bind_port",
		},
		{
			name: "non-multicast group address",
			mutate: func(c *Config) {
				c.Server.Multicast = MulticastConfig{Enabled: true, GroupAddress: "10.0.0.1"}
			},
			wantSub: "not a multicast address",
		},
		{
			name:    "signing key without encryption key",
			mutate:  func(c *Config) { c.Crypto.SigningKey = "x" },
			wantSub: "must be set together",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("Validate() error = %v, want substring %q", err, tt.wantSub)
			}
		})
	}
}

func TestCryptoKeysFromMaster(t *testing.T) {
	cfg := Default()
	cfg.Crypto.MasterSecret = testKeyB64(t)

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !cfg.Crypto.Configured() {
		t.Error("Configured() = false with master secret set")
	}

	keys, err := cfg.Crypto.Keys()
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if keys.Encryption == keys.Signing {
		t.Error("derived keys are identical")
	}
}

func TestCryptoKeysExplicit(t *testing.T) {
	cfg := Default()
	cfg.Crypto.EncryptionKey = testKeyB64(t)
	cfg.Crypto.SigningKey = testKeyB64(t)

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if _, err := cfg.Crypto.Keys(); err != nil {
		t.Fatalf("Keys() error = %v", err)
	}

	// Master secret and explicit keys are mutually exclusive
	cfg.Crypto.MasterSecret = testKeyB64(t)
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() with both master and explicit keys should fail")
	}
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.Crypto.EncryptionKey = testKeyB64(t)
	cfg.Crypto.SigningKey = testKeyB64(t)

	redacted := cfg.Redacted()
	if redacted.Crypto.EncryptionKey != redactedValue {
		t.Error("encryption key not redacted")
	}
	if redacted.Crypto.SigningKey != redactedValue {
		t.Error("signing key not redacted")
	}
	// Original untouched
	if cfg.Crypto.EncryptionKey == redactedValue {
		t.Error("original config was mutated")
	}
	if strings.Contains(cfg.String(), cfg.Crypto.EncryptionKey) {
		t.Error("String() leaks key material")
	}
}
