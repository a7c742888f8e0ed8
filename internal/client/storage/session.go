package storage

import "context"

//go:generate moq -out session_mock.go . SessionStorage

// SessionStorage хранит параметры подключения к серверу (login/logout)
type SessionStorage interface {
	// SaveSession replaces the stored session
	SaveSession(ctx context.Context, session *Session) error

	// GetSession returns the stored session
	// Returns ErrSessionNotFound if the client is not logged in
	GetSession(ctx context.Context) (*Session, error)

	// DeleteSession removes the stored session
	// Returns ErrSessionNotFound if there is nothing to remove
	DeleteSession(ctx context.Context) error
}

// Session - сервер и токен устройства. Username и DeviceID взяты из токена
// для вывода в status, сервер доверяет только самому токену.
type Session struct {
	Server    string `json:"server"`
	Token     string `json:"token"`
	Username  string `json:"username"`
	DeviceID  string `json:"device_id"`
	ExpiresAt int64  `json:"expires_at"`
}
