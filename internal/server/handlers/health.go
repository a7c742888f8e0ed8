package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// HealthCheck проверяет доступность зависимости, например хранилища
type HealthCheck func(ctx context.Context) error

// HealthHandler обрабатывает health check запросы
type HealthHandler struct {
	logger  *slog.Logger
	check   HealthCheck
	version string
}

// NewHealthHandler создает новый handler для health check. check может быть nil.
func NewHealthHandler(logger *slog.Logger, version string, check HealthCheck) *HealthHandler {
	return &HealthHandler{
		logger:  logger,
		check:   check,
		version: version,
	}
}

// HealthResponse представляет ответ health check
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Health обрабатывает GET /healthz
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: h.version,
	}
	status := http.StatusOK

	if h.check != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := h.check(ctx); err != nil {
			h.logger.Error("Health check failed", "error", err)
			resp.Status = "unavailable"
			resp.Error = "storage unavailable"
			status = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to encode health response", slog.Any("error", err))
	}
}
