package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Environment: map[string]string{}})
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8282", cfg.Keycloak.ServerURL)
	assert.Equal(t, "dpoliwhi-realm", cfg.Keycloak.Realm)
	assert.Equal(t, "backend", cfg.Keycloak.ClientID)
	assert.Equal(t, "master", cfg.Keycloak.AdminRealm)
	assert.Equal(t, "admin-cli", cfg.Keycloak.AdminClientID)
	assert.Equal(t, 5*time.Second, cfg.Keycloak.Timeout)
	assert.False(t, cfg.HTTP.TLSEnabled)
	assert.Equal(t, ":8080", cfg.HTTP.Addr())
	assert.False(t, cfg.Redis.Enabled())
	assert.NoError(t, cfg.Validate())
}

func TestParse_Overrides(t *testing.T) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Environment: map[string]string{
		"KEYCLOAK_SERVER_URL":    "https://id.example.com/",
		"KEYCLOAK_REALM":         "shop",
		"KEYCLOAK_CLIENT_ID":     "api",
		"KEYCLOAK_CLIENT_SECRET": "s3cret",
		"KEYCLOAK_TIMEOUT":       "2s",
		"CLAIMS_ROLE_CLIENT":     "frontend",
		"TLS_ENABLED":            "true",
		"REDIS_ADDR":             "localhost:6379",
		"LOG_LEVEL":              "debug",
	}})
	require.NoError(t, err)

	assert.Equal(t, "https://id.example.com/realms/shop", cfg.Keycloak.Issuer())
	assert.Equal(t, "https://id.example.com/realms/shop/protocol/openid-connect/token", cfg.Keycloak.TokenEndpoint())
	assert.Equal(t, "s3cret", cfg.Keycloak.ClientSecret)
	assert.Equal(t, 2*time.Second, cfg.Keycloak.Timeout)
	assert.Equal(t, "frontend", cfg.RoleClient())
	assert.True(t, cfg.HTTP.TLSEnabled)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestRoleClient_DefaultsToClientID(t *testing.T) {
	cfg := Config{Keycloak: KeycloakConfig{ClientID: "backend"}}
	assert.Equal(t, "backend", cfg.RoleClient())
}

func TestValidate(t *testing.T) {
	cfg := Config{Keycloak: KeycloakConfig{Timeout: 0}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KEYCLOAK_SERVER_URL is required")
	assert.Contains(t, err.Error(), "KEYCLOAK_REALM is required")
	assert.Contains(t, err.Error(), "KEYCLOAK_CLIENT_ID is required")
	assert.Contains(t, err.Error(), "KEYCLOAK_TIMEOUT must be positive")
}
