package boltdb

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/causalrepo/internal/client/storage"
	"github.com/iudanet/causalrepo/internal/models"
)

// AddPending appends atoms and removals to the pending set of the branch.
// Atoms already pending are skipped.
func (s *Storage) AddPending(ctx context.Context, branch string, atoms []*models.Atom, removed []string) error {
	return s.update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketPending)

		p, err := getPending(bucket, branch)
		if err != nil {
			return err
		}

		seen := make(map[string]struct{}, len(p.Atoms)+len(p.Removed))
		for _, a := range p.Atoms {
			seen[a.Hash] = struct{}{}
		}
		for _, h := range p.Removed {
			seen[h] = struct{}{}
		}

		for _, a := range atoms {
			if _, ok := seen[a.Hash]; ok {
				continue
			}
			seen[a.Hash] = struct{}{}
			p.Atoms = append(p.Atoms, a)
		}
		for _, h := range removed {
			if _, ok := seen[h]; ok {
				continue
			}
			seen[h] = struct{}{}
			p.Removed = append(p.Removed, h)
		}

		return putPending(bucket, branch, p)
	})
}

// GetPending returns the pending changes of the branch
func (s *Storage) GetPending(ctx context.Context, branch string) (*storage.Pending, error) {
	var p *storage.Pending

	err := s.view(func(tx *bbolt.Tx) error {
		var err error
		p, err = getPending(tx.Bucket(bucketPending), branch)
		return err
	})
	if err != nil {
		return nil, err
	}

	return p, nil
}

// AckPending drops acknowledged atoms and removals
func (s *Storage) AckPending(ctx context.Context, branch string, hashes []string) error {
	if len(hashes) == 0 {
		return nil
	}

	return s.update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketPending)

		p, err := getPending(bucket, branch)
		if err != nil {
			return err
		}

		acked := make(map[string]struct{}, len(hashes))
		for _, h := range hashes {
			acked[h] = struct{}{}
		}

		atoms := p.Atoms[:0]
		for _, a := range p.Atoms {
			if _, ok := acked[a.Hash]; !ok {
				atoms = append(atoms, a)
			}
		}
		removed := p.Removed[:0]
		for _, h := range p.Removed {
			if _, ok := acked[h]; !ok {
				removed = append(removed, h)
			}
		}
		p.Atoms, p.Removed = atoms, removed

		if p.IsEmpty() {
			if err := bucket.Delete([]byte(branch)); err != nil {
				return fmt.Errorf("failed to delete pending: %w", err)
			}
			return nil
		}
		return putPending(bucket, branch, p)
	})
}

func getPending(bucket *bbolt.Bucket, branch string) (*storage.Pending, error) {
	p := &storage.Pending{Atoms: []*models.Atom{}, Removed: []string{}}

	data := bucket.Get([]byte(branch))
	if data == nil {
		return p, nil
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending: %w", err)
	}
	return p, nil
}

func putPending(bucket *bbolt.Bucket, branch string, p *storage.Pending) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal pending: %w", err)
	}
	if err := bucket.Put([]byte(branch), data); err != nil {
		return fmt.Errorf("failed to save pending: %w", err)
	}
	return nil
}
