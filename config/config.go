// Package config loads the runtime settings for the position tracking
// daemon.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"levman/crypto"
)

// Config captures the runtime settings for the daemon.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Environment   string          `yaml:"environment"`
	DataDir       string          `yaml:"data_dir"`
	Accounts      AccountsConfig  `yaml:"accounts"`
	Pool          PoolConfig      `yaml:"pool"`
	Auth          AuthConfig      `yaml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	TLS           TLSConfig       `yaml:"tls"`
	Log           LogConfig       `yaml:"log"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
}

// AccountsConfig names the two fixed identities the daemon operates with.
type AccountsConfig struct {
	// Orchestrator is the pooled account every pool interaction runs on
	// behalf of.
	Orchestrator string `yaml:"orchestrator"`
	// Admin is the only identity allowed to force-close positions.
	Admin string `yaml:"admin"`
	// ReferralCode is forwarded on pool supply and borrow calls.
	ReferralCode uint16 `yaml:"referral_code"`
}

// PoolConfig describes how to reach the lending pool RPC endpoint.
type PoolConfig struct {
	Endpoint           string        `yaml:"endpoint"`
	BearerToken        string        `yaml:"bearer_token"`
	SharedSecretHeader string        `yaml:"shared_secret_header"`
	SharedSecretValue  string        `yaml:"shared_secret_value"`
	TLSClientCAFile    string        `yaml:"tls_client_ca"`
	AllowInsecure      bool          `yaml:"allow_insecure"`
	Timeout            time.Duration `yaml:"timeout"`
}

// AuthConfig lists the authenticators accepted by the API surface.
type AuthConfig struct {
	APITokens []string `yaml:"api_tokens"`
	JWTSecret string   `yaml:"jwt_secret"`
}

// RateLimitConfig bounds the API request rate per client.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// TLSConfig describes the TLS material for the API server.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// LogConfig tunes structured logging.
type LogConfig struct {
	Level      string `yaml:"level"`
	FilePath   string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
	Headers  string `yaml:"headers"`
	Metrics  bool   `yaml:"metrics"`
	Traces   bool   `yaml:"traces"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: ":8464",
		Environment:   "dev",
		RateLimit:     RateLimitConfig{RequestsPerSecond: 20, Burst: 40},
	}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8464"
	}
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	cfg.Accounts.Orchestrator = strings.TrimSpace(cfg.Accounts.Orchestrator)
	cfg.Accounts.Admin = strings.TrimSpace(cfg.Accounts.Admin)
	cfg.Pool.normalize()
	cfg.Auth.normalize()
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		cfg.RateLimit.RequestsPerSecond = 20
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 40
	}
	cfg.TLS.CertPath = strings.TrimSpace(cfg.TLS.CertPath)
	cfg.TLS.KeyPath = strings.TrimSpace(cfg.TLS.KeyPath)
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Telemetry.Endpoint = strings.TrimSpace(cfg.Telemetry.Endpoint)
}

func (cfg *PoolConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.BearerToken = strings.TrimSpace(cfg.BearerToken)
	cfg.SharedSecretHeader = strings.TrimSpace(cfg.SharedSecretHeader)
	cfg.SharedSecretValue = strings.TrimSpace(cfg.SharedSecretValue)
	cfg.TLSClientCAFile = strings.TrimSpace(cfg.TLSClientCAFile)
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
}

func (cfg *AuthConfig) normalize() {
	if cfg == nil {
		return
	}
	tokens := make([]string, 0, len(cfg.APITokens))
	for _, token := range cfg.APITokens {
		if trimmed := strings.TrimSpace(token); trimmed != "" {
			tokens = append(tokens, trimmed)
		}
	}
	cfg.APITokens = tokens
	cfg.JWTSecret = strings.TrimSpace(cfg.JWTSecret)
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if cfg.Pool.Endpoint == "" {
		return fmt.Errorf("pool: endpoint is required")
	}
	if _, err := cfg.OrchestratorAddress(); err != nil {
		return fmt.Errorf("accounts: orchestrator: %w", err)
	}
	if _, err := cfg.AdminAddress(); err != nil {
		return fmt.Errorf("accounts: admin: %w", err)
	}
	if err := cfg.Auth.validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	return nil
}

func (cfg AuthConfig) validate() error {
	if len(cfg.APITokens) == 0 && cfg.JWTSecret == "" {
		return fmt.Errorf("at least one api token or a jwt secret must be configured")
	}
	return nil
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	return nil
}

// Enabled reports whether the server should terminate TLS itself.
func (cfg TLSConfig) Enabled() bool {
	return cfg.CertPath != "" && cfg.KeyPath != ""
}

// OrchestratorAddress parses the configured orchestrator account.
func (cfg Config) OrchestratorAddress() (crypto.Address, error) {
	return crypto.DecodeAddress(cfg.Accounts.Orchestrator)
}

// AdminAddress parses the configured admin account.
func (cfg Config) AdminAddress() (crypto.Address, error) {
	return crypto.DecodeAddress(cfg.Accounts.Admin)
}
