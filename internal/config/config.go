package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// SlotExhaustion values control what happens when a user's hwid slot table
// has no free slot left.
const (
	// SlotExhaustionDeny rejects the request and leaves the policy untouched.
	SlotExhaustionDeny = "deny"
	// SlotExhaustionLock rejects the request and locks the policy so that
	// only already-bound devices are ever accepted again.
	SlotExhaustionLock = "lock"
)

// Config represents the complete gateway configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Store    StoreConfig    `yaml:"store" envconfig:"STORE"`
	Auth     AuthConfig     `yaml:"auth" envconfig:"AUTH"`
	Policy   PolicyConfig   `yaml:"policy" envconfig:"POLICY"`
	Security SecurityConfig `yaml:"security" envconfig:"SECURITY"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// StoreConfig describes the remote JSON document store holding users,
// attempt ledgers, sessions and app configuration.
type StoreConfig struct {
	BaseURL        string        `yaml:"base_url" envconfig:"BASE_URL"`
	RequestTimeout time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" default:"10s"`
	MaxRetries     int           `yaml:"max_retries" envconfig:"MAX_RETRIES" default:"3"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" envconfig:"RETRY_BASE_DELAY" default:"500ms"`
	MaxIdleConns   int           `yaml:"max_idle_conns" envconfig:"MAX_IDLE_CONNS" default:"10"`
}

// AuthConfig contains the authorization policy knobs.
type AuthConfig struct {
	// SharedSecret is the process-wide key material used both for request
	// signature verification and session cipher key derivation. It has no
	// default: hardened builds must provision it out-of-band.
	SharedSecret  string        `yaml:"shared_secret" envconfig:"SHARED_SECRET"`
	AttemptBudget int           `yaml:"attempt_budget" envconfig:"ATTEMPT_BUDGET" default:"3"`
	BanWindow     time.Duration `yaml:"ban_window" envconfig:"BAN_WINDOW" default:"24h"`
	APITTL        time.Duration `yaml:"api_ttl" envconfig:"API_TTL" default:"30s"`
	// APIKeySuffix marks feature config keys that are exposed to clients.
	APIKeySuffix string `yaml:"api_key_suffix" envconfig:"API_KEY_SUFFIX" default:"_api"`
}

// PolicyConfig contains hwid slot binding configuration.
type PolicyConfig struct {
	SlotExhaustion string `yaml:"slot_exhaustion" envconfig:"SLOT_EXHAUSTION" default:"deny"`
}

// SecurityConfig contains transport-level protections.
type SecurityConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"100"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"50"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/authgate.log"`
}

// Load loads configuration from environment variables and an optional
// config file. Environment variables take precedence over file values.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("AUTHGATE", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if configFile := getConfigFilePath(); configFile != "" {
		fileCfg, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = mergeConfigs(*fileCfg, cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from a YAML file.
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// mergeConfigs merges file config with env config (env takes precedence).
func mergeConfigs(fileConfig, envConfig Config) Config {
	if envConfig.Server.Port == 0 {
		envConfig.Server.Port = fileConfig.Server.Port
	}
	if envConfig.Store.BaseURL == "" {
		envConfig.Store.BaseURL = fileConfig.Store.BaseURL
	}
	if envConfig.Auth.SharedSecret == "" {
		envConfig.Auth.SharedSecret = fileConfig.Auth.SharedSecret
	}
	if envConfig.Policy.SlotExhaustion == "" {
		envConfig.Policy.SlotExhaustion = fileConfig.Policy.SlotExhaustion
	}
	return envConfig
}

// Validate checks the configuration for values the gateway cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}

	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}

	if c.Store.BaseURL == "" {
		return fmt.Errorf("store base URL is required")
	}
	c.Store.BaseURL = strings.TrimRight(c.Store.BaseURL, "/")

	if c.Store.RequestTimeout <= 0 {
		return fmt.Errorf("store request timeout must be positive")
	}

	if c.Store.MaxRetries < 0 || c.Store.MaxRetries > 10 {
		return fmt.Errorf("store max retries must be between 0 and 10")
	}

	if c.Auth.SharedSecret == "" {
		return fmt.Errorf("shared secret is required; provision it via AUTHGATE_AUTH_SHARED_SECRET")
	}

	if len(c.Auth.SharedSecret) < 16 {
		return fmt.Errorf("shared secret must be at least 16 characters long")
	}

	if c.Auth.AttemptBudget <= 0 {
		return fmt.Errorf("attempt budget must be positive")
	}

	if c.Auth.BanWindow <= 0 {
		return fmt.Errorf("ban window must be positive")
	}

	if c.Auth.APIKeySuffix == "" {
		return fmt.Errorf("api key suffix must not be empty")
	}

	switch c.Policy.SlotExhaustion {
	case SlotExhaustionDeny, SlotExhaustionLock:
	default:
		return fmt.Errorf("policy slot_exhaustion must be %q or %q, got %q",
			SlotExhaustionDeny, SlotExhaustionLock, c.Policy.SlotExhaustion)
	}

	if c.Logging.Format != "json" {
		c.Logging.Format = "json"
	}

	return nil
}

// getConfigFilePath returns the path to the config file, if any.
func getConfigFilePath() string {
	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return ""
}

// Default returns a configuration suitable for tests and local development.
// The shared secret still has to be provided by the caller.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			RequestTimeout: 10 * time.Second,
			MaxRetries:     3,
			RetryBaseDelay: 500 * time.Millisecond,
			MaxIdleConns:   10,
		},
		Auth: AuthConfig{
			AttemptBudget: 3,
			BanWindow:     24 * time.Hour,
			APITTL:        30 * time.Second,
			APIKeySuffix:  "_api",
		},
		Policy: PolicyConfig{
			SlotExhaustion: SlotExhaustionDeny,
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     100,
				Burst:   50,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "console",
			FilePath: "logs/authgate.log",
		},
	}
}
