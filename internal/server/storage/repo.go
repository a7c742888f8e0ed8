package storage

import (
	"context"

	"github.com/iudanet/causalrepo/internal/models"
)

// CausalRepoStore defines persistence of content-addressed objects and branch refs
type CausalRepoStore interface {
	// StoreObjects saves atoms, indexes and commits keyed by their hash.
	// Storing an object that already exists is a no-op, so concurrent writers
	// of the same object never conflict.
	StoreObjects(ctx context.Context, objects []models.Object) error

	// GetObjects returns the stored objects for the hashes.
	// Missing hashes are skipped; the order of the result is unspecified.
	GetObjects(ctx context.Context, hashes []string) ([]models.Object, error)

	// GetObject returns a single object.
	// Returns ErrObjectNotFound if nothing is stored under the hash.
	GetObject(ctx context.Context, hash string) (models.Object, error)

	// GetBranch returns the branch ref.
	// Returns ErrBranchNotFound if the branch doesn't exist.
	GetBranch(ctx context.Context, name string) (*models.Branch, error)

	// GetBranches returns all branch refs sorted by name.
	GetBranches(ctx context.Context) ([]*models.Branch, error)

	// UpdateBranch points the branch at a new commit if it currently points at
	// expectedHash. An empty expectedHash means the branch must not exist yet.
	// Returns ErrBranchConflict if the ref was moved in between.
	UpdateBranch(ctx context.Context, branch *models.Branch, expectedHash string) error

	// DeleteBranch removes the branch ref. Objects are kept.
	// Returns ErrBranchNotFound if the branch doesn't exist.
	DeleteBranch(ctx context.Context, name string) error
}

// StageStore defines durable per-branch working sets
type StageStore interface {
	// GetStage returns the stage of the branch; an unknown branch has an empty stage.
	GetStage(ctx context.Context, branch string) (*models.Stage, error)

	// AddAtoms appends atoms to the stage additions and forgets their deletions.
	// Atoms already staged are skipped.
	AddAtoms(ctx context.Context, branch string, atoms []*models.Atom) error

	// RemoveAtoms drops the atoms from the stage additions and records them as deletions.
	RemoveAtoms(ctx context.Context, branch string, atoms []*models.Atom) error

	// ClearStage empties the stage of the branch.
	ClearStage(ctx context.Context, branch string) error

	// CommitBranch moves the ref like UpdateBranch and empties the stage of
	// the branch in the same transaction: either both happen or neither.
	// Returns ErrBranchConflict and keeps the stage if the ref was moved in between.
	CommitBranch(ctx context.Context, branch *models.Branch, expectedHash string) error
}

// Store is a backend implementing both repository and stage persistence
type Store interface {
	CausalRepoStore
	StageStore
	Close() error
}
