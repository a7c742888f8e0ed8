package cli

import (
	"context"
	"encoding/json"
	"fmt"
)

// parseValue разбирает значение тега как JSON; все остальное считается строкой.
// "null" удаляет тег.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func (c *Cli) runState(ctx context.Context, branch string, asJSON bool) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer c.closeConn(conn)

	rep, err := c.openReplica(ctx, conn, branch)
	if err != nil {
		return err
	}
	if err := c.saveClock(ctx, rep); err != nil {
		return err
	}

	if asJSON {
		return c.printer.JSON(rep.State())
	}
	c.printer.State(rep.State())
	return nil
}

func (c *Cli) runSet(ctx context.Context, branch, botID, tag, raw string) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer c.closeConn(conn)

	rep, err := c.openReplica(ctx, conn, branch)
	if err != nil {
		return err
	}

	value := parseValue(raw)
	delta, err := rep.SetTag(botID, tag, value)
	if err != nil {
		return fmt.Errorf("failed to set tag: %w", err)
	}
	if err := c.push(ctx, conn, rep, delta); err != nil {
		return err
	}

	if value == nil || value == "" {
		c.printer.Success("%s.%s removed", botID, tag)
		return nil
	}
	c.printer.Success("%s.%s = %s", botID, tag, formatValue(value))
	return nil
}

func (c *Cli) runDeleteBot(ctx context.Context, branch, botID string) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer c.closeConn(conn)

	rep, err := c.openReplica(ctx, conn, branch)
	if err != nil {
		return err
	}

	delta, err := rep.DeleteBot(botID)
	if err != nil {
		return err
	}
	if err := c.push(ctx, conn, rep, delta); err != nil {
		return err
	}

	c.printer.Success("Bot %s deleted", botID)
	return nil
}

