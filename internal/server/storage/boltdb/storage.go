package boltdb

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"

	"github.com/iudanet/causalrepo/internal/server/storage"
)

var (
	// BoltDB bucket names
	bucketObjects  = []byte("objects")
	bucketBranches = []byte("branches")
	bucketStages   = []byte("stages")

	// вложенные buckets стейджа ветки
	bucketAdditions = []byte("additions")
	bucketAddIndex  = []byte("addition_index")
	bucketDeletions = []byte("deletions")
)

// Storage is the BoltDB implementation of storage.Store.
// A single file holds objects, branch refs and stages.
type Storage struct {
	db     *bbolt.DB
	closed atomic.Bool
}

var _ storage.Store = (*Storage)(nil)

// New opens (or creates) the BoltDB file at dbPath.
func New(ctx context.Context, dbPath string) (*Storage, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	s := &Storage{db: db}

	if err := s.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return s, nil
}

// Close closes the database file
func (s *Storage) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *Storage) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketObjects, bucketBranches, bucketStages} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

func (s *Storage) checkOpen() error {
	if s.closed.Load() {
		return storage.ErrStorageClosed
	}
	return nil
}
