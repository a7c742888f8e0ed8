package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/iudanet/causalrepo/internal/client/api"
	"github.com/iudanet/causalrepo/internal/client/storage"
	"github.com/iudanet/causalrepo/internal/validation"
)

// tokenClaims - claims токена устройства, которые клиент показывает пользователю.
// Подпись проверяет только сервер.
type tokenClaims struct {
	Username  string `json:"username"`
	DeviceID  string `json:"device_id"`
	SessionID string `json:"session_id"`
	jwt.RegisteredClaims
}

// parseToken читает claims без проверки подписи: секрета у клиента нет
func parseToken(token string) (*tokenClaims, error) {
	claims := &tokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("invalid device token: %w", err)
	}
	if err := validation.ValidateUsername(claims.Username); err != nil {
		return nil, fmt.Errorf("invalid device token: %w", err)
	}
	if err := validation.ValidateDeviceID(claims.DeviceID); err != nil {
		return nil, fmt.Errorf("invalid device token: %w", err)
	}
	return claims, nil
}

// runLogin сохраняет сервер и токен устройства. Токен выдает администратор
// командой causalrepo-server token.
func (c *Cli) runLogin(ctx context.Context, token string) error {
	server := c.server
	if server == "" {
		server = DefaultServer
	}

	if token == "" {
		var err error
		token, err = c.io.ReadPassword("Device token: ")
		if err != nil {
			return fmt.Errorf("failed to read token: %w", err)
		}
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("token cannot be empty")
	}

	claims, err := parseToken(token)
	if err != nil {
		return err
	}

	session := &storage.Session{
		Server:   server,
		Token:    token,
		Username: claims.Username,
		DeviceID: claims.DeviceID,
	}
	if claims.ExpiresAt != nil {
		if !claims.ExpiresAt.After(c.now()) {
			return ErrTokenExpired
		}
		session.ExpiresAt = claims.ExpiresAt.Unix()
	}

	// недоступный сервер не мешает сохранить сессию
	if status, err := api.NewClient(server, token, c.logger).Health(ctx); err != nil {
		c.printer.Warn("Server %s is unreachable: %v", server, err)
	} else if status.Status != "ok" {
		c.printer.Warn("Server %s reports status %q", server, status.Status)
	}

	if err := c.store.SaveSession(ctx, session); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	c.printer.Success("Login successful!")
	c.printer.Line("Server:   %s", server)
	c.printer.Line("Username: %s", claims.Username)
	c.printer.Line("Device:   %s", claims.DeviceID)
	if session.ExpiresAt > 0 {
		c.printer.Line("Expires:  %s", time.Unix(session.ExpiresAt, 0).Format(time.RFC3339))
	}
	return nil
}
