package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/iudanet/causalrepo/internal/client/api"
	"github.com/iudanet/causalrepo/internal/validation"
)

func (c *Cli) runBranches(ctx context.Context) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer c.closeConn(conn)

	branches, err := conn.Branches(ctx)
	if err != nil {
		return fmt.Errorf("failed to list branches: %w", err)
	}
	if len(branches) == 0 {
		c.printer.Line("No branches")
		return nil
	}
	for _, name := range branches {
		c.printer.Line("%s", name)
	}
	return nil
}

func (c *Cli) runInfo(ctx context.Context, branch string) error {
	if err := validation.ValidateBranchName(branch); err != nil {
		return err
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer c.closeConn(conn)

	exists, err := conn.BranchInfo(ctx, branch)
	if err != nil {
		return fmt.Errorf("failed to get branch info: %w", err)
	}
	if exists {
		c.printer.Line("Branch %s exists", branch)
	} else {
		c.printer.Line("Branch %s does not exist", branch)
	}
	return nil
}

func (c *Cli) runCommit(ctx context.Context, branch, message string) error {
	if err := validation.ValidateBranchName(branch); err != nil {
		return err
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer c.closeConn(conn)

	hash, err := conn.Commit(ctx, branch, message)
	if errors.Is(err, api.ErrBranchNotFound) {
		return fmt.Errorf("branch %s not found", branch)
	}
	if err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	c.printer.Success("Committed %s", hash)
	return nil
}

func (c *Cli) runLog(ctx context.Context, branch string, asJSON bool) error {
	if err := validation.ValidateBranchName(branch); err != nil {
		return err
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer c.closeConn(conn)

	commits, err := conn.Log(ctx, branch)
	if err != nil {
		return fmt.Errorf("failed to get history: %w", err)
	}

	if asJSON {
		return c.printer.JSON(commits)
	}
	c.printer.Commits(commits)
	return nil
}

// runCheckout переводит ветку на коммит; restore вместо этого создает новый
// коммит с содержимым старого и сохраняет историю.
func (c *Cli) runCheckout(ctx context.Context, branch, commit string, restore bool) error {
	if err := validation.ValidateBranchName(branch); err != nil {
		return err
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer c.closeConn(conn)

	var head string
	if restore {
		head, err = conn.Restore(ctx, branch, commit)
	} else {
		head, err = conn.Checkout(ctx, branch, commit)
	}
	switch {
	case errors.Is(err, api.ErrBranchNotFound):
		return fmt.Errorf("branch %s not found", branch)
	case errors.Is(err, api.ErrCommitNotFound):
		return fmt.Errorf("commit %s not found", commit)
	case err != nil:
		return fmt.Errorf("failed to reset branch: %w", err)
	}

	if restore {
		c.printer.Success("Restored %s as %s", commit, head)
	} else {
		c.printer.Success("Branch %s is at %s", branch, head)
	}
	return nil
}
