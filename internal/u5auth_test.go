package internal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/u5auth/internal/config"
)

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{
			BaseURL:         "https://app.example",
			Addr:            "127.0.0.1:0",
			Name:            "u5auth",
			SessionTTL:      time.Hour,
			CleanupInterval: time.Minute,
			Storage:         config.StorageMemory,
			EncryptionKey:   config.Secret(strings.Repeat("e", 32)),
			Lock:            config.LockConfig{Kind: config.LockLocal, TTL: 30 * time.Second},
			Metrics:         true,
		},
		Service: config.ProviderConfig{
			Service:            "u5auth",
			ClientID:           "c1",
			Secret:             "s3cret",
			Issuer:             "https://idp.example",
			RequestPermissions: []string{"openid", "email"},
			TTL:                3600,
		},
	}
}

func newTestApp(t *testing.T) *U5Auth {
	t.Helper()
	t.Setenv("U5AUTH_OTEL_ENABLED", "false")
	t.Setenv("U5AUTH_ENV", "development")

	app, err := New(context.Background(), testConfig(), "test")
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(context.Background()) })
	return app
}

func TestNewSealsServiceSecret(t *testing.T) {
	app := newTestApp(t)

	stored, err := app.storage.GetServiceConfiguration(context.Background(), "u5auth")
	require.NoError(t, err)
	assert.Equal(t, "c1", stored.ClientID)
	assert.NotEmpty(t, stored.Secret)
	assert.NotEqual(t, config.Secret("s3cret"), stored.Secret)
}

func TestHandlerServesRoutes(t *testing.T) {
	app := newTestApp(t)

	t.Run("health", func(t *testing.T) {
		rec := httptest.NewRecorder()
		app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("login redirects to the provider", func(t *testing.T) {
		rec := httptest.NewRecorder()
		app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login", nil))
		require.Equal(t, http.StatusFound, rec.Code)

		location, err := url.Parse(rec.Header().Get("Location"))
		require.NoError(t, err)
		assert.Equal(t, "idp.example", location.Host)
		assert.Equal(t, "/authorize", location.Path)
		assert.Equal(t, "https://app.example/_oauth/u5auth", location.Query().Get("redirect_uri"))
	})

	t.Run("metrics", func(t *testing.T) {
		rec := httptest.NewRecorder()
		app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "u5auth_http_requests_total")
	})
}

func TestCloseIsIdempotent(t *testing.T) {
	app := newTestApp(t)
	app.Close(context.Background())
	app.Close(context.Background())
}

func TestNewRejectsUnreachableRedis(t *testing.T) {
	t.Setenv("U5AUTH_OTEL_ENABLED", "false")
	cfg := testConfig()
	cfg.Server.Lock = config.LockConfig{Kind: config.LockRedis, RedisAddr: "127.0.0.1:1", TTL: time.Second}

	_, err := New(context.Background(), cfg, "test")
	assert.ErrorContains(t, err, "failed to setup lock")
}
