package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iudanet/causalrepo/internal/models"
	"github.com/iudanet/causalrepo/internal/server/storage"
)

// GetBranch returns the branch ref or storage.ErrBranchNotFound.
func (s *Storage) GetBranch(ctx context.Context, name string) (*models.Branch, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var (
		b         models.Branch
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT name, hash, updated_at FROM branches WHERE name = ?`, name,
	).Scan(&b.Name, &b.Hash, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrBranchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get branch: %w", err)
	}
	b.Time = time.UnixMilli(updatedAt).UTC()
	return &b, nil
}

// GetBranches returns all branch refs sorted by name.
func (s *Storage) GetBranches(ctx context.Context) ([]*models.Branch, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT name, hash, updated_at FROM branches ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query branches: %w", err)
	}
	defer rows.Close()

	branches := make([]*models.Branch, 0)
	for rows.Next() {
		var (
			b         models.Branch
			updatedAt int64
		)
		if err := rows.Scan(&b.Name, &b.Hash, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan branch: %w", err)
		}
		b.Time = time.UnixMilli(updatedAt).UTC()
		branches = append(branches, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating branches: %w", err)
	}
	return branches, nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// UpdateBranch moves the ref with a compare-and-swap on the current hash.
func (s *Storage) UpdateBranch(ctx context.Context, branch *models.Branch, expectedHash string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return updateBranch(ctx, s.db, branch, expectedHash)
}

// CommitBranch moves the ref and clears the stage of the branch in one transaction.
func (s *Storage) CommitBranch(ctx context.Context, branch *models.Branch, expectedHash string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := updateBranch(ctx, tx, branch, expectedHash); err != nil {
		return err
	}
	if err := clearStage(ctx, tx, branch.Name); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func updateBranch(ctx context.Context, db execer, branch *models.Branch, expectedHash string) error {
	ts := branch.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	var (
		res sql.Result
		err error
	)
	if expectedHash == "" {
		res, err = db.ExecContext(ctx,
			`INSERT OR IGNORE INTO branches (name, hash, updated_at) VALUES (?, ?, ?)`,
			branch.Name, branch.Hash, ts.UnixMilli())
	} else {
		res, err = db.ExecContext(ctx,
			`UPDATE branches SET hash = ?, updated_at = ? WHERE name = ? AND hash = ?`,
			branch.Hash, ts.UnixMilli(), branch.Name, expectedHash)
	}
	if err != nil {
		return fmt.Errorf("failed to update branch: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrBranchConflict
	}
	return nil
}

// DeleteBranch removes the branch ref.
func (s *Storage) DeleteBranch(ctx context.Context, name string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM branches WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete branch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrBranchNotFound
	}
	return nil
}
