package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iudanet/causalrepo/internal/client/api"
	"github.com/iudanet/causalrepo/internal/client/storage"
)

func (c *Cli) runStatus(ctx context.Context) error {
	session, err := c.store.GetSession(ctx)
	switch {
	case errors.Is(err, storage.ErrSessionNotFound):
		c.printer.Line("Status: Not logged in")
		c.printer.Line("Run 'causalctl login' to authenticate.")
	case err != nil:
		return fmt.Errorf("failed to get session: %w", err)
	default:
		c.printer.Line("Status:   Logged in")
		c.printer.Line("Server:   %s", session.Server)
		c.printer.Line("Username: %s", session.Username)
		c.printer.Line("Device:   %s", session.DeviceID)

		if session.ExpiresAt > 0 {
			expiresAt := time.Unix(session.ExpiresAt, 0)
			c.printer.Line("Expires:  %s", expiresAt.Format(time.RFC3339))
			if remaining := expiresAt.Sub(c.now()); remaining <= 0 {
				c.printer.Warn("Token has expired. Please login again.")
			}
		}

		server := session.Server
		if c.server != "" {
			server = c.server
		}
		status, err := api.NewClient(server, session.Token, c.logger).Health(ctx)
		if err != nil {
			c.printer.Warn("Server is unreachable: %v", err)
		} else {
			c.printer.Line("Health:   %s %s", status.Status, status.Version)
		}
	}

	site, err := c.store.GetSite(ctx)
	switch {
	case errors.Is(err, storage.ErrSiteNotFound):
		c.printer.Line("Site:     not created yet")
	case err != nil:
		return fmt.Errorf("failed to get site: %w", err)
	default:
		c.printer.Line("Site:     %s (clock %d)", site.ID, site.Counter)
	}
	return nil
}
