package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/causalrepo/internal/server/causalrepo"
	"github.com/iudanet/causalrepo/internal/server/config"
	"github.com/iudanet/causalrepo/internal/server/handlers"
	"github.com/iudanet/causalrepo/internal/server/metrics"
	"github.com/iudanet/causalrepo/internal/server/middleware"
	"github.com/iudanet/causalrepo/internal/server/storage/sqlite"
)

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	t.Setenv(config.SecretEnv, "")

	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: \":9000\"\nauth:\n  jwt_secret: s\n"), 0o600))

	cfg, err := loadConfig(flags{configPath: path, store: config.DriverBolt, dbPath: "repo.bolt"})
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, config.DriverBolt, cfg.Store.Driver)
	assert.Equal(t, "repo.bolt", cfg.Store.Path)

	_, err = loadConfig(flags{configPath: path, store: "mongo"})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	bolt, err := openStore(ctx, config.StoreConfig{Driver: config.DriverBolt, Path: filepath.Join(t.TempDir(), "repo.bolt")})
	require.NoError(t, err)
	require.NoError(t, bolt.Close())

	lite, err := openStore(ctx, config.StoreConfig{Driver: config.DriverSQLite, Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, lite.Close())

	_, err = openStore(ctx, config.StoreConfig{Driver: "mongo"})
	assert.Error(t, err)
}

func TestTokenCmd(t *testing.T) {
	t.Setenv(config.SecretEnv, "token-secret")

	cmd := newRootCmd()
	var out strings.Builder
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"token", "alice", "laptop"})
	require.NoError(t, cmd.Execute())

	claims, err := handlers.ValidateDeviceToken(handlers.JWTConfig{Secret: []byte("token-secret")}, strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "laptop", claims.DeviceID)

	cmd = newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"token", "alice", "bad device"})
	assert.Error(t, cmd.Execute())
}

func TestRouter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	defer store.Close()

	cfg := config.Default()
	cfg.Auth.JWTSecret = "router-secret"

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	server := causalrepo.NewServer(logger, store, m, causalrepo.Config{})
	limiter := middleware.NewRateLimiter(cfg.RateLimit.Requests, time.Duration(cfg.RateLimit.Window), logger)
	defer limiter.Stop()
	commandLimiter := middleware.NewRateLimiter(cfg.CommandRateLimit.Requests, time.Duration(cfg.CommandRateLimit.Window), logger)
	defer commandLimiter.Stop()

	srv := httptest.NewServer(newRouter(logger, cfg, server, store, m, registry, limiter, commandLimiter))
	defer srv.Close()

	t.Run("healthz", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var body handlers.HealthResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "ok", body.Status)
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("ws requires token", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/ws")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}
