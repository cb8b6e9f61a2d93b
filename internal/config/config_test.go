package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Store.BaseURL = "https://store.example.com"
	cfg.Auth.SharedSecret = "test-secret-0123456789"
	return cfg
}

func TestConfig_ValidateAcceptsDefaults(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing shared secret",
			mutate:  func(c *Config) { c.Auth.SharedSecret = "" },
			wantErr: "shared secret is required",
		},
		{
			name:    "short shared secret",
			mutate:  func(c *Config) { c.Auth.SharedSecret = "too-short" },
			wantErr: "at least 16 characters",
		},
		{
			name:    "missing store base URL",
			mutate:  func(c *Config) { c.Store.BaseURL = "" },
			wantErr: "store base URL is required",
		},
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "invalid server port",
		},
		{
			name:    "zero attempt budget",
			mutate:  func(c *Config) { c.Auth.AttemptBudget = 0 },
			wantErr: "attempt budget must be positive",
		},
		{
			name:    "negative ban window",
			mutate:  func(c *Config) { c.Auth.BanWindow = 0 },
			wantErr: "ban window must be positive",
		},
		{
			name:    "empty api key suffix",
			mutate:  func(c *Config) { c.Auth.APIKeySuffix = "" },
			wantErr: "api key suffix",
		},
		{
			name:    "unknown slot exhaustion mode",
			mutate:  func(c *Config) { c.Policy.SlotExhaustion = "explode" },
			wantErr: "slot_exhaustion",
		},
		{
			name:    "excessive store retries",
			mutate:  func(c *Config) { c.Store.MaxRetries = 11 },
			wantErr: "max retries",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_ValidateNormalizesBaseURL(t *testing.T) {
	cfg := validConfig()
	cfg.Store.BaseURL = "https://store.example.com/"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "https://store.example.com", cfg.Store.BaseURL)
}

func TestMergeConfigs_EnvTakesPrecedence(t *testing.T) {
	fileCfg := *Default()
	fileCfg.Server.Port = 9090
	fileCfg.Store.BaseURL = "https://file.example.com"
	fileCfg.Auth.SharedSecret = "file-secret-0123456789"
	fileCfg.Policy.SlotExhaustion = SlotExhaustionLock

	t.Run("env values win", func(t *testing.T) {
		envCfg := *Default()
		envCfg.Server.Port = 8081
		envCfg.Store.BaseURL = "https://env.example.com"
		envCfg.Auth.SharedSecret = "env-secret-0123456789"
		envCfg.Policy.SlotExhaustion = SlotExhaustionDeny

		merged := mergeConfigs(fileCfg, envCfg)
		assert.Equal(t, 8081, merged.Server.Port)
		assert.Equal(t, "https://env.example.com", merged.Store.BaseURL)
		assert.Equal(t, "env-secret-0123456789", merged.Auth.SharedSecret)
		assert.Equal(t, SlotExhaustionDeny, merged.Policy.SlotExhaustion)
	})

	t.Run("file fills unset env values", func(t *testing.T) {
		envCfg := *Default()
		envCfg.Server.Port = 0
		envCfg.Store.BaseURL = ""
		envCfg.Auth.SharedSecret = ""
		envCfg.Policy.SlotExhaustion = ""

		merged := mergeConfigs(fileCfg, envCfg)
		assert.Equal(t, 9090, merged.Server.Port)
		assert.Equal(t, "https://file.example.com", merged.Store.BaseURL)
		assert.Equal(t, "file-secret-0123456789", merged.Auth.SharedSecret)
		assert.Equal(t, SlotExhaustionLock, merged.Policy.SlotExhaustion)
	})
}

func TestDefault_SlotExhaustionIsDeny(t *testing.T) {
	assert.Equal(t, SlotExhaustionDeny, Default().Policy.SlotExhaustion)
}
