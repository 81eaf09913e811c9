// Package config holds the gateway configuration. It is loaded once at startup
// and handed to constructors by value; nothing reads the environment after that.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the root configuration for the gateway.
type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	HTTP      HTTPConfig
	Keycloak  KeycloakConfig  `envPrefix:"KEYCLOAK_"`
	Claims    ClaimsConfig    `envPrefix:"CLAIMS_"`
	Redis     RedisConfig     `envPrefix:"REDIS_"`
	Events    EventsConfig
	Telemetry TelemetryConfig
}

// HTTPConfig controls the listener and the session cookie.
type HTTPConfig struct {
	Port         string        `env:"API_PORT"      envDefault:"8080"`
	Frontend     string        `env:"DOMAIN_NAME"   envDefault:"http://localhost:3000"`
	TLSEnabled   bool          `env:"TLS_ENABLED"   envDefault:"false"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT"  envDefault:"10s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"IDLE_TIMEOUT"  envDefault:"1m"`
}

// Addr is the listen address.
func (h HTTPConfig) Addr() string {
	return ":" + h.Port
}

// KeycloakConfig describes the identity provider and the credentials the gateway uses against it.
type KeycloakConfig struct {
	ServerURL     string        `env:"SERVER_URL"      envDefault:"http://localhost:8282"`
	Realm         string        `env:"REALM"           envDefault:"dpoliwhi-realm"`
	ClientID      string        `env:"CLIENT_ID"       envDefault:"backend"`
	ClientSecret  string        `env:"CLIENT_SECRET"`
	AdminRealm    string        `env:"ADMIN_REALM"     envDefault:"master"`
	AdminClientID string        `env:"ADMIN_CLIENT_ID" envDefault:"admin-cli"`
	AdminUsername string        `env:"ADMIN_USERNAME"  envDefault:"admin"`
	AdminPassword string        `env:"ADMIN_PASSWORD"`
	RedirectURL   string        `env:"REDIRECT_URL"    envDefault:"http://localhost:8080/api/user/oidc/callback"`
	Timeout       time.Duration `env:"TIMEOUT"         envDefault:"5s"`
}

// Issuer is the realm issuer URL used for OIDC discovery.
func (k KeycloakConfig) Issuer() string {
	return strings.TrimSuffix(k.ServerURL, "/") + "/realms/" + k.Realm
}

// TokenEndpoint is the realm token endpoint used for password and refresh grants.
func (k KeycloakConfig) TokenEndpoint() string {
	return k.Issuer() + "/protocol/openid-connect/token"
}

// ClaimsConfig selects where application roles are read from in access tokens.
type ClaimsConfig struct {
	// RoleClient is the resource_access key holding application roles.
	// Empty means the backend client id.
	RoleClient string `env:"ROLE_CLIENT"`
}

// RedisConfig is optional; an empty Addr disables redis-backed features.
type RedisConfig struct {
	Addr         string `env:"ADDR"`
	Password     string `env:"PASSWORD"`
	DB           int    `env:"DB"             envDefault:"0"`
	PoolSize     int    `env:"POOL_SIZE"`
	MinIdleConns int    `env:"MIN_IDLE_CONNS"`
}

// Enabled reports whether a redis address was configured.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// EventsConfig is optional; an empty endpoint selects the no-op bus.
type EventsConfig struct {
	NATSEndpoint   string `env:"NATS_ENDPOINT"`
	UserRegistered string `env:"EVENT_USER_REGISTERED" envDefault:"users.registered"`
}

type TelemetryConfig struct {
	ServiceName  string `env:"SERVICE_NAME"                envDefault:"auth-gateway"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load reads an optional .env file and then parses the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, fmt.Errorf("load .env file: %w", err)
		}
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the gateway cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Keycloak.ServerURL == "" {
		errs = append(errs, errors.New("KEYCLOAK_SERVER_URL is required"))
	}
	if c.Keycloak.Realm == "" {
		errs = append(errs, errors.New("KEYCLOAK_REALM is required"))
	}
	if c.Keycloak.ClientID == "" {
		errs = append(errs, errors.New("KEYCLOAK_CLIENT_ID is required"))
	}
	if c.Keycloak.Timeout <= 0 {
		errs = append(errs, errors.New("KEYCLOAK_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

// RoleClient returns the resource_access key used for role mapping.
func (c Config) RoleClient() string {
	if c.Claims.RoleClient != "" {
		return c.Claims.RoleClient
	}
	return c.Keycloak.ClientID
}

// SlogLevel converts LogLevel to a slog.Level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
