// Package redisstore implements storage.Store on top of Redis so that several
// server processes can share one repository.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iudanet/causalrepo/internal/models"
	"github.com/iudanet/causalrepo/internal/server/storage"
)

// Storage is the Redis implementation of storage.Store.
// The client is safe for concurrent use.
type Storage struct {
	rdb       *redis.Client
	namespace string
	closed    atomic.Bool
}

var _ storage.Store = (*Storage)(nil)

// New connects to Redis and checks connectivity.
// namespace must not be empty.
func New(ctx context.Context, opts *redis.Options, namespace string) (*Storage, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &Storage{rdb: rdb, namespace: namespace}, nil
}

// Close closes the Redis connection.
func (s *Storage) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.rdb.Close()
}

func (s *Storage) checkOpen() error {
	if s.closed.Load() {
		return storage.ErrStorageClosed
	}
	return nil
}

// StoreObjects writes objects with SETNX so existing hashes are never rewritten.
func (s *Storage) StoreObjects(ctx context.Context, objects []models.Object) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(objects) == 0 {
		return nil
	}

	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, o := range objects {
			data, err := models.MarshalObject(o)
			if err != nil {
				return err
			}
			pipe.SetNX(ctx, ObjectKey(s.namespace, o.Hash()), data, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write objects to Redis: %w", err)
	}
	return nil
}

// GetObjects reads objects with MGET, skipping missing hashes.
func (s *Storage) GetObjects(ctx context.Context, hashes []string) ([]models.Object, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if len(hashes) == 0 {
		return []models.Object{}, nil
	}

	keys := make([]string, len(hashes))
	for i, h := range hashes {
		keys[i] = ObjectKey(s.namespace, h)
	}

	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read objects from Redis: %w", err)
	}

	result := make([]models.Object, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		o, err := models.UnmarshalObject([]byte(str))
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, nil
}

// GetObject returns a single object or storage.ErrObjectNotFound.
func (s *Storage) GetObject(ctx context.Context, hash string) (models.Object, error) {
	if err := s.checkOpen(); err != nil {
		return models.Object{}, err
	}

	data, err := s.rdb.Get(ctx, ObjectKey(s.namespace, hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Object{}, storage.ErrObjectNotFound
	}
	if err != nil {
		return models.Object{}, fmt.Errorf("failed to read object from Redis: %w", err)
	}
	return models.UnmarshalObject(data)
}

// GetBranch returns the branch ref or storage.ErrBranchNotFound.
func (s *Storage) GetBranch(ctx context.Context, name string) (*models.Branch, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	data, err := s.rdb.HGet(ctx, BranchesKey(s.namespace), name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrBranchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read branch from Redis: %w", err)
	}

	var b models.Branch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal branch: %w", err)
	}
	return &b, nil
}

// GetBranches returns all branch refs sorted by name.
func (s *Storage) GetBranches(ctx context.Context) ([]*models.Branch, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	all, err := s.rdb.HGetAll(ctx, BranchesKey(s.namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read branches from Redis: %w", err)
	}

	branches := make([]*models.Branch, 0, len(all))
	for _, data := range all {
		var b models.Branch
		if err := json.Unmarshal([]byte(data), &b); err != nil {
			return nil, fmt.Errorf("failed to unmarshal branch: %w", err)
		}
		branches = append(branches, &b)
	}
	sort.Slice(branches, func(i, j int) bool { return branches[i].Name < branches[j].Name })
	return branches, nil
}

// UpdateBranch moves the ref under WATCH so a concurrent writer makes the
// transaction fail with storage.ErrBranchConflict. A successful update is
// published to the branch events channel.
func (s *Storage) UpdateBranch(ctx context.Context, branch *models.Branch, expectedHash string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.moveBranch(ctx, branch, expectedHash, false)
}

// CommitBranch moves the ref and deletes the stage keys of the branch in
// one MULTI/EXEC block.
func (s *Storage) CommitBranch(ctx context.Context, branch *models.Branch, expectedHash string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.moveBranch(ctx, branch, expectedHash, true)
}

func (s *Storage) moveBranch(ctx context.Context, branch *models.Branch, expectedHash string, clearStage bool) error {
	b := *branch
	if b.Time.IsZero() {
		b.Time = time.Now()
	}
	b.Time = b.Time.UTC().Truncate(time.Millisecond)

	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal branch: %w", err)
	}

	key := BranchesKey(s.namespace)
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, b.Name).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if expectedHash != "" {
				return storage.ErrBranchConflict
			}
		case err != nil:
			return fmt.Errorf("failed to read branch from Redis: %w", err)
		default:
			var existing models.Branch
			if err := json.Unmarshal(current, &existing); err != nil {
				return fmt.Errorf("failed to unmarshal branch: %w", err)
			}
			if expectedHash == "" || existing.Hash != expectedHash {
				return storage.ErrBranchConflict
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, b.Name, data)
			if clearStage {
				pipe.Del(ctx,
					StageAdditionsKey(s.namespace, b.Name),
					StageOrderKey(s.namespace, b.Name),
					StageDeletionsKey(s.namespace, b.Name),
				)
			}
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return storage.ErrBranchConflict
	}
	if err != nil {
		return err
	}

	if err := s.rdb.Publish(ctx, BranchEventsChannel(s.namespace), data).Err(); err != nil {
		return fmt.Errorf("failed to publish branch event: %w", err)
	}
	return nil
}

// WatchBranches calls fn for every branch ref update published by any
// process sharing the namespace, this one included. It blocks until ctx is
// done and returns nil then.
func (s *Storage) WatchBranches(ctx context.Context, fn func(ctx context.Context, branch *models.Branch)) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	pubsub := s.rdb.Subscribe(ctx, BranchEventsChannel(s.namespace))
	defer pubsub.Close()

	// подписка должна быть активна до возврата из Receive, иначе события теряются
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to subscribe to branch events: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var b models.Branch
			if err := json.Unmarshal([]byte(msg.Payload), &b); err != nil {
				// битое событие пропускаем, подписка продолжает работать
				continue
			}
			fn(ctx, &b)
		}
	}
}

// DeleteBranch removes the branch ref.
func (s *Storage) DeleteBranch(ctx context.Context, name string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	n, err := s.rdb.HDel(ctx, BranchesKey(s.namespace), name).Result()
	if err != nil {
		return fmt.Errorf("failed to delete branch from Redis: %w", err)
	}
	if n == 0 {
		return storage.ErrBranchNotFound
	}
	return nil
}
