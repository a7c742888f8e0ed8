// Package cli реализует команды causalctl.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/iudanet/causalrepo/internal/client/api"
	"github.com/iudanet/causalrepo/internal/client/iocli"
	"github.com/iudanet/causalrepo/internal/client/storage"
)

// DefaultServer используется при login без --server
const DefaultServer = "http://localhost:8080"

var (
	// ErrNotLoggedIn возвращается, когда нет ни сохраненной сессии, ни --server
	ErrNotLoggedIn = errors.New("not logged in. Please run 'causalctl login' first")
	// ErrTokenExpired возвращается, когда срок действия токена устройства истек
	ErrTokenExpired = errors.New("device token has expired. Please login again")
)

type Cli struct {
	io      iocli.IO
	printer *printer
	store   storage.Storage
	logger  *slog.Logger
	now     func() time.Time

	// server переопределяет адрес из сессии
	server  string
	timeout time.Duration
}

func New(io iocli.IO, store storage.Storage, logger *slog.Logger, server string) *Cli {
	return &Cli{
		io:      io,
		printer: newPrinter(io),
		store:   store,
		logger:  logger,
		now:     time.Now,
		server:  server,
		timeout: 30 * time.Second,
	}
}

// Close закрывает локальное хранилище
func (c *Cli) Close() error {
	return c.store.Close()
}

// withTimeout ограничивает время одной команды запрос-ответ
func (c *Cli) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// session возвращает сохраненную сессию. Без сессии, но с --server,
// подключение идет анонимно, если сервер это разрешает.
func (c *Cli) session(ctx context.Context) (*storage.Session, error) {
	session, err := c.store.GetSession(ctx)
	if errors.Is(err, storage.ErrSessionNotFound) {
		if c.server == "" {
			return nil, ErrNotLoggedIn
		}
		return &storage.Session{Server: c.server}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	if c.server != "" {
		session.Server = c.server
	}
	if session.ExpiresAt > 0 && c.now().Unix() >= session.ExpiresAt {
		return nil, ErrTokenExpired
	}
	return session, nil
}

// connect открывает websocket соединение с сервером сессии
func (c *Cli) connect(ctx context.Context) (*api.Conn, error) {
	session, err := c.session(ctx)
	if err != nil {
		return nil, err
	}

	conn, err := api.NewClient(session.Server, session.Token, c.logger).Connect(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// closeConn закрывает соединение, ошибка только логируется
func (c *Cli) closeConn(conn *api.Conn) {
	if err := conn.Close(); err != nil {
		c.logger.Debug("Failed to close connection", "error", err)
	}
}
