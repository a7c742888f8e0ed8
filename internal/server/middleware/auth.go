package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/iudanet/causalrepo/internal/models"
	"github.com/iudanet/causalrepo/internal/server/handlers"
)

// anonymousUser - имя устройства без токена, когда аутентификация не обязательна
const anonymousUser = "anonymous"

// AuthMiddleware создает middleware для проверки JWT токена устройства.
// Токен передается в заголовке "Authorization: Bearer <token>" или, для
// браузерных websocket клиентов, в query параметре token.
// Если required = false, запрос без токена получает анонимное устройство
// с новой сессией; неверный токен отклоняется в любом случае.
func AuthMiddleware(logger *slog.Logger, jwtConfig handlers.JWTConfig, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := extractToken(r)
			if err != nil {
				logger.Warn("Invalid Authorization header format", "remote_addr", r.RemoteAddr)
				http.Error(w, "Unauthorized: invalid token format", http.StatusUnauthorized)
				return
			}

			if tokenString == "" {
				if required {
					logger.Warn("Missing token", "remote_addr", r.RemoteAddr)
					http.Error(w, "Unauthorized: missing token", http.StatusUnauthorized)
					return
				}

				session := uuid.New().String()
				device := models.DeviceInfo{
					Username:  anonymousUser,
					DeviceID:  session,
					SessionID: session,
				}
				logger.Debug("Anonymous device connected", "session_id", session)
				next.ServeHTTP(w, r.WithContext(handlers.WithDevice(r.Context(), device)))
				return
			}

			claims, err := handlers.ValidateDeviceToken(jwtConfig, tokenString)
			if err != nil {
				logger.Warn("Invalid device token", "error", err, "remote_addr", r.RemoteAddr)
				http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
				return
			}

			logger.Debug("Device authenticated",
				"username", claims.Username,
				"device_id", claims.DeviceID,
				"session_id", claims.SessionID,
			)

			next.ServeHTTP(w, r.WithContext(handlers.WithDevice(r.Context(), claims.Device())))
		})
	}
}

var errBadAuthHeader = errors.New("invalid authorization header")

// extractToken возвращает токен из заголовка или query параметра.
// Пустая строка без ошибки означает, что токена нет.
func extractToken(r *http.Request) (string, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		// Ожидаем формат: "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			return "", errBadAuthHeader
		}
		return parts[1], nil
	}

	return r.URL.Query().Get("token"), nil
}
