package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/iudanet/causalrepo/internal/models"
)

// GetStage returns the staged changes of the branch.
func (s *Storage) GetStage(ctx context.Context, branch string) (*models.Stage, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var (
		order     *redis.StringSliceCmd
		additions *redis.MapStringStringCmd
		deletions *redis.MapStringStringCmd
	)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		order = pipe.LRange(ctx, StageOrderKey(s.namespace, branch), 0, -1)
		additions = pipe.HGetAll(ctx, StageAdditionsKey(s.namespace, branch))
		deletions = pipe.HGetAll(ctx, StageDeletionsKey(s.namespace, branch))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read stage from Redis: %w", err)
	}

	stage := models.NewStage()
	data := additions.Val()
	for _, hash := range order.Val() {
		raw, ok := data[hash]
		if !ok {
			continue
		}
		var atom models.Atom
		if err := json.Unmarshal([]byte(raw), &atom); err != nil {
			return nil, fmt.Errorf("failed to unmarshal staged atom: %w", err)
		}
		stage.Additions = append(stage.Additions, &atom)
	}
	for hash, id := range deletions.Val() {
		stage.Deletions[hash] = id
	}
	return stage, nil
}

// AddAtoms stages atoms for the branch. HSETNX decides whether the atom is new,
// so the order list never gets duplicates.
func (s *Storage) AddAtoms(ctx context.Context, branch string, atoms []*models.Atom) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(atoms) == 0 {
		return nil
	}

	addKey := StageAdditionsKey(s.namespace, branch)
	orderKey := StageOrderKey(s.namespace, branch)
	delKey := StageDeletionsKey(s.namespace, branch)

	for _, a := range atoms {
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to marshal atom: %w", err)
		}

		added, err := s.rdb.HSetNX(ctx, addKey, a.Hash, data).Result()
		if err != nil {
			return fmt.Errorf("failed to stage atom: %w", err)
		}

		_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if added {
				pipe.RPush(ctx, orderKey, a.Hash)
			}
			pipe.HDel(ctx, delKey, a.Hash)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to stage atom: %w", err)
		}
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

	addKey := StageAdditionsKey(s.namespace, branch)
	orderKey := StageOrderKey(s.namespace, branch)
	delKey := StageDeletionsKey(s.namespace, branch)

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, a := range atoms {
			pipe.HDel(ctx, addKey, a.Hash)
			pipe.LRem(ctx, orderKey, 0, a.Hash)
			pipe.HSet(ctx, delKey, a.Hash, a.ID.String())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to stage deletions: %w", err)
	}
	return nil
}

// ClearStage drops all staged changes of the branch.
func (s *Storage) ClearStage(ctx context.Context, branch string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	err := s.rdb.Del(ctx,
		StageAdditionsKey(s.namespace, branch),
		StageOrderKey(s.namespace, branch),
		StageDeletionsKey(s.namespace, branch),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to clear stage: %w", err)
	}
	return nil
}
