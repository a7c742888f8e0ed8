package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/iudanet/causalrepo/internal/client/storage"
)

// runLogout удаляет сессию. Идентификатор сайта и неотправленные изменения
// сохраняются: они принадлежат реплике, а не пользователю.
func (c *Cli) runLogout(ctx context.Context) error {
	err := c.store.DeleteSession(ctx)
	if errors.Is(err, storage.ErrSessionNotFound) {
		c.printer.Line("Not logged in")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	c.printer.Success("Logged out")
	return nil
}

// runToken печатает сохраненный токен устройства, например для curl
func (c *Cli) runToken(ctx context.Context) error {
	session, err := c.store.GetSession(ctx)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return ErrNotLoggedIn
	}
	if err != nil {
		return fmt.Errorf("failed to get session: %w", err)
	}

	c.io.Println(session.Token)
	return nil
}
