package boltdb

import (
	"context"
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/causalrepo/internal/client/storage"
)

var (
	keySiteID      = []byte("id")
	keySiteCounter = []byte("counter")
)

// SaveSite saves the site id and the clock counter.
// The counter never moves backwards.
func (s *Storage) SaveSite(ctx context.Context, site *storage.Site) error {
	return s.update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSite)

		counter := site.Counter
		if string(bucket.Get(keySiteID)) == site.ID {
			if stored := bucket.Get(keySiteCounter); stored != nil {
				counter = max(counter, int64(binary.BigEndian.Uint64(stored)))
			}
		}

		// Конвертируем int64 в bytes
		counterBytes := make([]byte, 8)
		binary.BigEndian.PutUint64(counterBytes, uint64(counter))

		if err := bucket.Put(keySiteID, []byte(site.ID)); err != nil {
			return fmt.Errorf("failed to save site id: %w", err)
		}
		if err := bucket.Put(keySiteCounter, counterBytes); err != nil {
			return fmt.Errorf("failed to save site counter: %w", err)
		}
		return nil
	})
}

// GetSite retrieves the saved site
func (s *Storage) GetSite(ctx context.Context) (*storage.Site, error) {
	var site *storage.Site

	err := s.view(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSite)

		id := bucket.Get(keySiteID)
		if id == nil {
			return storage.ErrSiteNotFound
		}

		site = &storage.Site{ID: string(id)}
		if counter := bucket.Get(keySiteCounter); counter != nil {
			site.Counter = int64(binary.BigEndian.Uint64(counter))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return site, nil
}
