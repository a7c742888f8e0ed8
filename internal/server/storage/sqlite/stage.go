package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/iudanet/causalrepo/internal/models"
)

// GetStage returns the staged additions (in insertion order) and deletions of the branch.
func (s *Storage) GetStage(ctx context.Context, branch string) (*models.Stage, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	stage := models.NewStage()

	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM stage_additions WHERE branch = ? ORDER BY id`, branch)
	if err != nil {
		return nil, fmt.Errorf("failed to query stage additions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan stage addition: %w", err)
		}
		var atom models.Atom
		if err := json.Unmarshal(data, &atom); err != nil {
			return nil, fmt.Errorf("failed to unmarshal staged atom: %w", err)
		}
		stage.Additions = append(stage.Additions, &atom)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stage additions: %w", err)
	}

	delRows, err := s.db.QueryContext(ctx,
		`SELECT hash, atom_id FROM stage_deletions WHERE branch = ?`, branch)
	if err != nil {
		return nil, fmt.Errorf("failed to query stage deletions: %w", err)
	}
	defer delRows.Close()

	for delRows.Next() {
		var hash, id string
		if err := delRows.Scan(&hash, &id); err != nil {
			return nil, fmt.Errorf("failed to scan stage deletion: %w", err)
		}
		stage.Deletions[hash] = id
	}
	if err := delRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stage deletions: %w", err)
	}

	return stage, nil
}

// AddAtoms stages atoms for the branch.
func (s *Storage) AddAtoms(ctx context.Context, branch string, atoms []*models.Atom) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(atoms) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, a := range atoms {
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to marshal atom: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO stage_additions (branch, hash, data) VALUES (?, ?, ?)`,
			branch, a.Hash, data); err != nil {
			return fmt.Errorf("failed to stage atom: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM stage_deletions WHERE branch = ? AND hash = ?`,
			branch, a.Hash); err != nil {
			return fmt.Errorf("failed to unstage deletion: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RemoveAtoms records deletions for the branch.
func (s *Storage) RemoveAtoms(ctx context.Context, branch string, atoms []*models.Atom) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(atoms) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, a := range atoms {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM stage_additions WHERE branch = ? AND hash = ?`,
			branch, a.Hash); err != nil {
			return fmt.Errorf("failed to unstage atom: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO stage_deletions (branch, hash, atom_id) VALUES (?, ?, ?)`,
			branch, a.Hash, a.ID.String()); err != nil {
			return fmt.Errorf("failed to stage deletion: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ClearStage drops all staged changes of the branch.
func (s *Storage) ClearStage(ctx context.Context, branch string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := clearStage(ctx, tx, branch); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func clearStage(ctx context.Context, db execer, branch string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM stage_additions WHERE branch = ?`, branch); err != nil {
		return fmt.Errorf("failed to clear stage additions: %w", err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM stage_deletions WHERE branch = ?`, branch); err != nil {
		return fmt.Errorf("failed to clear stage deletions: %w", err)
	}
	return nil
}
