package boltdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/iudanet/causalrepo/internal/models"
	"github.com/iudanet/causalrepo/internal/server/storage"
)

// StoreObjects saves objects keyed by hash. Existing keys are not rewritten.
func (s *Storage) StoreObjects(ctx context.Context, objects []models.Object) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(objects) == 0 {
		return nil
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketObjects)
		for _, o := range objects {
			key := []byte(o.Hash())
			if b.Get(key) != nil {
				continue
			}
			data, err := models.MarshalObject(o)
			if err != nil {
				return err
			}
			if err := b.Put(key, data); err != nil {
				return fmt.Errorf("failed to put object: %w", err)
			}
		}
		return nil
	})
}

// GetObjects returns stored objects for the hashes, skipping unknown ones.
func (s *Storage) GetObjects(ctx context.Context, hashes []string) ([]models.Object, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	result := make([]models.Object, 0, len(hashes))
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketObjects)
		for _, h := range hashes {
			data := b.Get([]byte(h))
			if data == nil {
				continue
			}
			o, err := models.UnmarshalObject(data)
			if err != nil {
				return err
			}
			result = append(result, o)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get objects: %w", err)
	}
	return result, nil
}

// GetObject returns a single object or storage.ErrObjectNotFound.
func (s *Storage) GetObject(ctx context.Context, hash string) (models.Object, error) {
	if err := s.checkOpen(); err != nil {
		return models.Object{}, err
	}

	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		// данные валидны только внутри транзакции
		if v := tx.Bucket(bucketObjects).Get([]byte(hash)); v != nil {
			data = bytes.Clone(v)
		}
		return nil
	})
	if err != nil {
		return models.Object{}, fmt.Errorf("failed to get object: %w", err)
	}
	if data == nil {
		return models.Object{}, storage.ErrObjectNotFound
	}
	return models.UnmarshalObject(data)
}

// GetBranch returns the branch ref or storage.ErrBranchNotFound.
func (s *Storage) GetBranch(ctx context.Context, name string) (*models.Branch, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var branch *models.Branch
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketBranches).Get([]byte(name))
		if data == nil {
			return storage.ErrBranchNotFound
		}
		var b models.Branch
		if err := json.Unmarshal(data, &b); err != nil {
			return fmt.Errorf("failed to unmarshal branch: %w", err)
		}
		branch = &b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return branch, nil
}

// GetBranches returns all branch refs sorted by name (bbolt keys are ordered).
func (s *Storage) GetBranches(ctx context.Context) ([]*models.Branch, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	branches := make([]*models.Branch, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBranches).ForEach(func(_, v []byte) error {
			var b models.Branch
			if err := json.Unmarshal(v, &b); err != nil {
				return fmt.Errorf("failed to unmarshal branch: %w", err)
			}
			branches = append(branches, &b)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return branches, nil
}

// UpdateBranch moves the ref inside a single write transaction, which makes
// the compare-and-swap atomic.
func (s *Storage) UpdateBranch(ctx context.Context, branch *models.Branch, expectedHash string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return putBranch(tx, branch, expectedHash)
	})
}

// CommitBranch moves the ref and drops the stage bucket of the branch in
// the same write transaction.
func (s *Storage) CommitBranch(ctx context.Context, branch *models.Branch, expectedHash string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := putBranch(tx, branch, expectedHash); err != nil {
			return err
		}
		return deleteStage(tx, branch.Name)
	})
}

func putBranch(tx *bbolt.Tx, branch *models.Branch, expectedHash string) error {
	b := *branch
	if b.Time.IsZero() {
		b.Time = time.Now()
	}
	b.Time = b.Time.UTC().Truncate(time.Millisecond)

	bucket := tx.Bucket(bucketBranches)
	key := []byte(b.Name)

	current := bucket.Get(key)
	if expectedHash == "" {
		if current != nil {
			return storage.ErrBranchConflict
		}
	} else {
		if current == nil {
			return storage.ErrBranchConflict
		}
		var existing models.Branch
		if err := json.Unmarshal(current, &existing); err != nil {
			return fmt.Errorf("failed to unmarshal branch: %w", err)
		}
		if existing.Hash != expectedHash {
			return storage.ErrBranchConflict
		}
	}

	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal branch: %w", err)
	}
	return bucket.Put(key, data)
}

// DeleteBranch removes the branch ref.
func (s *Storage) DeleteBranch(ctx context.Context, name string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketBranches)
		if bucket.Get([]byte(name)) == nil {
			return storage.ErrBranchNotFound
		}
		return bucket.Delete([]byte(name))
	})
}
