package boltdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/causalrepo/internal/models"
)

// Стейдж ветки хранится во вложенном bucket stages/<branch>:
//   additions:      seq (uint64 BE) -> atom JSON, порядок добавления
//   addition_index: hash -> seq
//   deletions:      hash -> atom id

// GetStage returns the staged changes of the branch.
func (s *Storage) GetStage(ctx context.Context, branch string) (*models.Stage, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	stage := models.NewStage()
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketStages).Bucket([]byte(branch))
		if b == nil {
			return nil
		}

		if err := b.Bucket(bucketAdditions).ForEach(func(_, v []byte) error {
			var atom models.Atom
			if err := json.Unmarshal(v, &atom); err != nil {
				return fmt.Errorf("failed to unmarshal staged atom: %w", err)
			}
			stage.Additions = append(stage.Additions, &atom)
			return nil
		}); err != nil {
			return err
		}

		return b.Bucket(bucketDeletions).ForEach(func(k, v []byte) error {
			stage.Deletions[string(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		return nil, err
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

	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := stageBucket(tx, branch)
		if err != nil {
			return err
		}
		additions := b.Bucket(bucketAdditions)
		index := b.Bucket(bucketAddIndex)
		deletions := b.Bucket(bucketDeletions)

		for _, a := range atoms {
			hash := []byte(a.Hash)
			if err := deletions.Delete(hash); err != nil {
				return fmt.Errorf("failed to unstage deletion: %w", err)
			}
			if index.Get(hash) != nil {
				continue
			}

			seq, err := additions.NextSequence()
			if err != nil {
				return fmt.Errorf("failed to get sequence: %w", err)
			}
			key := itob(seq)

			data, err := json.Marshal(a)
			if err != nil {
				return fmt.Errorf("failed to marshal atom: %w", err)
			}
			if err := additions.Put(key, data); err != nil {
				return fmt.Errorf("failed to stage atom: %w", err)
			}
			if err := index.Put(hash, key); err != nil {
				return fmt.Errorf("failed to index staged atom: %w", err)
			}
		}
		return nil
	})
}

// RemoveAtoms records deletions for the branch.
func (s *Storage) RemoveAtoms(ctx context.Context, branch string, atoms []*models.Atom) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(atoms) == 0 {
		return nil
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := stageBucket(tx, branch)
		if err != nil {
			return err
		}
		additions := b.Bucket(bucketAdditions)
		index := b.Bucket(bucketAddIndex)
		deletions := b.Bucket(bucketDeletions)

		for _, a := range atoms {
			hash := []byte(a.Hash)
			if key := index.Get(hash); key != nil {
				if err := additions.Delete(key); err != nil {
					return fmt.Errorf("failed to unstage atom: %w", err)
				}
				if err := index.Delete(hash); err != nil {
					return fmt.Errorf("failed to unstage atom: %w", err)
				}
			}
			if err := deletions.Put(hash, []byte(a.ID.String())); err != nil {
				return fmt.Errorf("failed to stage deletion: %w", err)
			}
		}
		return nil
	})
}

// ClearStage drops the stage bucket of the branch.
func (s *Storage) ClearStage(ctx context.Context, branch string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return deleteStage(tx, branch)
	})
}

func deleteStage(tx *bbolt.Tx, branch string) error {
	stages := tx.Bucket(bucketStages)
	if stages.Bucket([]byte(branch)) == nil {
		return nil
	}
	return stages.DeleteBucket([]byte(branch))
}

func stageBucket(tx *bbolt.Tx, branch string) (*bbolt.Bucket, error) {
	b, err := tx.Bucket(bucketStages).CreateBucketIfNotExists([]byte(branch))
	if err != nil {
		return nil, fmt.Errorf("failed to create stage bucket: %w", err)
	}
	for _, name := range [][]byte{bucketAdditions, bucketAddIndex, bucketDeletions} {
		if _, err := b.CreateBucketIfNotExists(name); err != nil {
			return nil, fmt.Errorf("failed to create %s bucket: %w", name, err)
		}
	}
	return b, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
