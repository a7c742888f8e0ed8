package middleware

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bufferLogger(buf *strings.Builder) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func TestLoggingMiddleware(t *testing.T) {
	tests := []struct {
		name      string
		method    string
		status    int
		wantLevel string
	}{
		{name: "ok", method: http.MethodGet, status: http.StatusOK, wantLevel: "INFO"},
		{name: "client error", method: http.MethodGet, status: http.StatusUnauthorized, wantLevel: "WARN"},
		{name: "server error", method: http.MethodPost, status: http.StatusServiceUnavailable, wantLevel: "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logBuf strings.Builder
			handler := LoggingMiddleware(bufferLogger(&logBuf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("body"))
			}))

			req := httptest.NewRequest(tt.method, "/healthz", nil)
			req.RemoteAddr = "192.168.1.1:12345"
			req.Header.Set("User-Agent", "causalctl/1.0")
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)

			logOutput := logBuf.String()
			assert.Contains(t, logOutput, "HTTP request")
			assert.Contains(t, logOutput, "level="+tt.wantLevel)
			assert.Contains(t, logOutput, "method="+tt.method)
			assert.Contains(t, logOutput, "path=/healthz")
			assert.Contains(t, logOutput, "causalctl/1.0")
			assert.Contains(t, logOutput, "bytes_written=4")
			assert.Contains(t, logOutput, "websocket=false")
		})
	}
}

func TestLoggingMiddleware_OmitsQuery(t *testing.T) {
	var logBuf strings.Builder
	handler := LoggingMiddleware(bufferLogger(&logBuf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/ws?token=secret-token", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Contains(t, logBuf.String(), "path=/ws")
	assert.NotContains(t, logBuf.String(), "secret-token")
}

func TestLoggingMiddleware_WebSocketUpgrade(t *testing.T) {
	var logBuf strings.Builder
	logged := make(chan struct{})

	upgrader := websocket.Upgrader{}
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = ws.Close()
	})
	handler := LoggingMiddleware(bufferLogger(&logBuf))(inner)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(logged)
		handler.ServeHTTP(w, r)
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	_ = ws.Close()

	<-logged
	assert.Contains(t, logBuf.String(), "status=101")
	assert.Contains(t, logBuf.String(), "websocket=true")
}

func TestLoggingWithSkip(t *testing.T) {
	var logBuf strings.Builder
	handler := LoggingWithSkip(bufferLogger(&logBuf), []string{"/healthz", "/metrics"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	tests := []struct {
		path   string
		logged bool
	}{
		{path: "/healthz", logged: false},
		{path: "/metrics", logged: false},
		{path: "/ws", logged: true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			logBuf.Reset()

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, http.StatusOK, w.Code)
			if tt.logged {
				assert.Contains(t, logBuf.String(), "path="+tt.path)
			} else {
				assert.Empty(t, logBuf.String())
			}
		})
	}
}

func TestResponseWriter(t *testing.T) {
	w := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

	_, err := rw.Write([]byte("Hello, "))
	require.NoError(t, err)
	_, err = rw.Write([]byte("World!"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, rw.statusCode, "status defaults to 200")
	assert.Equal(t, int64(13), rw.written)

	rw = &responseWriter{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}
	rw.WriteHeader(http.StatusCreated)
	assert.Equal(t, http.StatusCreated, rw.statusCode)

	// httptest.ResponseRecorder не поддерживает hijack
	_, _, err = rw.Hijack()
	assert.Error(t, err)
	assert.False(t, rw.hijacked)
}
