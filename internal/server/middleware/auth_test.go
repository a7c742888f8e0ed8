package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/causalrepo/internal/models"
	"github.com/iudanet/causalrepo/internal/server/handlers"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testJWTConfig() handlers.JWTConfig {
	return handlers.JWTConfig{
		Secret:   []byte("test-secret-key"),
		TokenTTL: 15 * time.Minute,
	}
}

// captureDevice возвращает handler, сохраняющий устройство из контекста
func captureDevice(device *models.DeviceInfo, found *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*device, *found = handlers.GetDevice(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware(t *testing.T) {
	cfg := testJWTConfig()

	token, claims, err := handlers.GenerateDeviceToken(cfg, "alice", "laptop")
	require.NoError(t, err)

	otherSecret, _, err := handlers.GenerateDeviceToken(handlers.JWTConfig{Secret: []byte("other"), TokenTTL: time.Minute}, "alice", "laptop")
	require.NoError(t, err)

	expired, _, err := handlers.GenerateDeviceToken(handlers.JWTConfig{Secret: cfg.Secret, TokenTTL: -time.Minute}, "alice", "laptop")
	require.NoError(t, err)

	tests := []struct {
		name       string
		header     string
		query      string
		required   bool
		wantStatus int
		wantDevice *models.DeviceInfo
	}{
		{
			name:       "bearer header",
			header:     "Bearer " + token,
			required:   true,
			wantStatus: http.StatusOK,
			wantDevice: &models.DeviceInfo{Username: "alice", DeviceID: "laptop", SessionID: claims.SessionID},
		},
		{
			name:       "query parameter",
			query:      "?token=" + token,
			required:   true,
			wantStatus: http.StatusOK,
			wantDevice: &models.DeviceInfo{Username: "alice", DeviceID: "laptop", SessionID: claims.SessionID},
		},
		{
			name:       "lowercase scheme",
			header:     "bearer " + token,
			required:   true,
			wantStatus: http.StatusOK,
			wantDevice: &models.DeviceInfo{Username: "alice", DeviceID: "laptop", SessionID: claims.SessionID},
		},
		{name: "missing token", required: true, wantStatus: http.StatusUnauthorized},
		{name: "basic scheme", header: "Basic dXNlcjpwYXNz", required: true, wantStatus: http.StatusUnauthorized},
		{name: "empty bearer", header: "Bearer ", required: false, wantStatus: http.StatusUnauthorized},
		{name: "garbage token", header: "Bearer garbage", required: false, wantStatus: http.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer " + otherSecret, required: true, wantStatus: http.StatusUnauthorized},
		{name: "expired", query: "?token=" + expired, required: true, wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				device models.DeviceInfo
				found  bool
			)
			handler := AuthMiddleware(setupTestLogger(), cfg, tt.required)(captureDevice(&device, &found))

			req := httptest.NewRequest(http.MethodGet, "/ws"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantDevice == nil {
				assert.False(t, found, "handler must not be called")
				return
			}
			require.True(t, found)
			assert.Equal(t, *tt.wantDevice, device)
		})
	}
}

func TestAuthMiddleware_Anonymous(t *testing.T) {
	var (
		device models.DeviceInfo
		found  bool
	)
	handler := AuthMiddleware(setupTestLogger(), testJWTConfig(), false)(captureDevice(&device, &found))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	require.True(t, found)
	assert.Equal(t, anonymousUser, device.Username)
	assert.NotEmpty(t, device.SessionID)
	first := device.SessionID

	// каждое анонимное подключение - отдельная сессия
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.NotEqual(t, first, device.SessionID)
}
