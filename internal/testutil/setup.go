package testutil

import (
	"authgateway/internal/cache"
	"authgateway/internal/config"
	"authgateway/internal/telemetry"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

// NewTestLogger creates a standardized logger for tests. Output is only shown with -v.
func NewTestLogger() *slog.Logger {
	var out io.Writer = io.Discard
	if testing.Verbose() {
		out = os.Stdout
	}
	baseHandler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(telemetry.NewTraceHandler(baseHandler))
}

// KeycloakConfig points the gateway at a FakeKeycloak.
func KeycloakConfig(f *FakeKeycloak) config.KeycloakConfig {
	return config.KeycloakConfig{
		ServerURL:     f.URL(),
		Realm:         FakeRealm,
		ClientID:      FakeClientID,
		ClientSecret:  FakeClientSecret,
		AdminRealm:    adminRealm,
		AdminClientID: adminClientID,
		AdminUsername: FakeAdminUsername,
		AdminPassword: FakeAdminPassword,
		RedirectURL:   "http://gateway.test/api/user/oidc/callback",
		Timeout:       2 * time.Second,
	}
}

// NewCache starts an in-memory redis and connects the gateway cache client to it.
// Both are closed via t.Cleanup.
func NewCache(t *testing.T) (*miniredis.Miniredis, *cache.RedisClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisClient(cache.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}
