package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/iudanet/causalrepo/internal/models"
	"github.com/iudanet/causalrepo/internal/server/storage"
)

// maxQueryParams ограничивает число параметров в одном IN (...)
const maxQueryParams = 500

// StoreObjects saves objects keyed by hash. Existing hashes are left untouched.
func (s *Storage) StoreObjects(ctx context.Context, objects []models.Object) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(objects) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO objects (hash, type, data) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, o := range objects {
		data, err := models.MarshalObject(o)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, o.Hash(), string(o.Type), data); err != nil {
			return fmt.Errorf("failed to insert object %s: %w", o.Hash(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetObjects returns stored objects for the hashes, skipping unknown ones.
func (s *Storage) GetObjects(ctx context.Context, hashes []string) ([]models.Object, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	result := make([]models.Object, 0, len(hashes))
	for start := 0; start < len(hashes); start += maxQueryParams {
		end := min(start+maxQueryParams, len(hashes))
		chunk := hashes[start:end]

		args := make([]any, len(chunk))
		for i, h := range chunk {
			args[i] = h
		}
		query := `SELECT data FROM objects WHERE hash IN (` +
			strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",") + `)`

		objects, err := s.queryObjects(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		result = append(result, objects...)
	}
	return result, nil
}

// GetObject returns a single object or storage.ErrObjectNotFound.
func (s *Storage) GetObject(ctx context.Context, hash string) (models.Object, error) {
	if err := s.checkOpen(); err != nil {
		return models.Object{}, err
	}

	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM objects WHERE hash = ?`, hash).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Object{}, storage.ErrObjectNotFound
	}
	if err != nil {
		return models.Object{}, fmt.Errorf("failed to get object: %w", err)
	}
	return models.UnmarshalObject(data)
}

func (s *Storage) queryObjects(ctx context.Context, query string, args ...any) ([]models.Object, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query objects: %w", err)
	}
	defer rows.Close()

	var objects []models.Object
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan object: %w", err)
		}
		o, err := models.UnmarshalObject(data)
		if err != nil {
			return nil, err
		}
		objects = append(objects, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating objects: %w", err)
	}
	return objects, nil
}
