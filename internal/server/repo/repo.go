// Package repo implements repository operations on top of the object, branch
// and stage stores: loading a branch, committing, walking history and diffing
// commits.
package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iudanet/causalrepo/internal/models"
	"github.com/iudanet/causalrepo/internal/server/storage"
)

// ErrCommitNotFound indicates that no commit is stored under the hash
var ErrCommitNotFound = errors.New("commit not found")

// Store is the persistence a repository needs
type Store interface {
	storage.CausalRepoStore
	storage.StageStore
}

// LoadedBranch is the persisted content of a branch.
type LoadedBranch struct {
	Branch *models.Branch // nil для ветки, которой еще нет в хранилище
	Commit *models.Commit // nil, если у ветки нет коммитов
	Stage  *models.Stage
	Atoms  []*models.Atom // атомы коммита с примененным стейджем
}

// LoadBranch reads the head commit, its atoms and the stage of the branch.
// A branch that does not exist loads as an empty orphan.
func LoadBranch(ctx context.Context, store Store, name string) (*LoadedBranch, error) {
	loaded := &LoadedBranch{}

	branch, err := store.GetBranch(ctx, name)
	switch {
	case errors.Is(err, storage.ErrBranchNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to get branch: %w", err)
	default:
		loaded.Branch = branch
	}

	var committed []*models.Atom
	if loaded.Branch != nil {
		commit, err := GetCommit(ctx, store, loaded.Branch.Hash)
		if err != nil {
			return nil, err
		}
		loaded.Commit = commit

		committed, err = GetCommitAtoms(ctx, store, commit)
		if err != nil {
			return nil, err
		}
	}

	stage, err := store.GetStage(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get stage: %w", err)
	}
	loaded.Stage = stage

	seen := make(map[string]struct{}, len(committed)+len(stage.Additions))
	for _, a := range committed {
		if _, deleted := stage.Deletions[a.Hash]; deleted {
			continue
		}
		seen[a.Hash] = struct{}{}
		loaded.Atoms = append(loaded.Atoms, a)
	}
	for _, a := range stage.Additions {
		if _, ok := seen[a.Hash]; ok {
			continue
		}
		seen[a.Hash] = struct{}{}
		loaded.Atoms = append(loaded.Atoms, a)
	}

	return loaded, nil
}

// GetCommit returns the commit stored under the hash.
func GetCommit(ctx context.Context, store storage.CausalRepoStore, hash string) (*models.Commit, error) {
	o, err := store.GetObject(ctx, hash)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCommitNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get commit: %w", err)
	}
	if o.Type != models.ObjectTypeCommit {
		return nil, fmt.Errorf("%w: %s is a %s", ErrCommitNotFound, hash, o.Type)
	}
	return o.Commit, nil
}

// GetCommitAtoms returns the atoms of the commit index.
func GetCommitAtoms(ctx context.Context, store storage.CausalRepoStore, commit *models.Commit) ([]*models.Atom, error) {
	o, err := store.GetObject(ctx, commit.Index)
	if err != nil {
		return nil, fmt.Errorf("failed to get index %s: %w", commit.Index, err)
	}
	if o.Type != models.ObjectTypeIndex {
		return nil, fmt.Errorf("object %s is not an index", commit.Index)
	}

	objects, err := store.GetObjects(ctx, o.Index.Atoms)
	if err != nil {
		return nil, fmt.Errorf("failed to get atoms: %w", err)
	}

	atoms := make([]*models.Atom, 0, len(objects))
	for _, obj := range objects {
		if obj.Type == models.ObjectTypeAtom {
			atoms = append(atoms, obj.Atom)
		}
	}
	if len(atoms) != len(o.Index.Atoms) {
		return nil, fmt.Errorf("index %s references %d atoms, found %d", o.Index.Hash, len(o.Index.Atoms), len(atoms))
	}
	return atoms, nil
}

// MakeCommit stores the index of the atoms and a commit on top of previous.
// The atoms themselves must already be stored.
func MakeCommit(ctx context.Context, store storage.CausalRepoStore, atoms []*models.Atom, message string, now time.Time, previous *models.Commit) (*models.Commit, error) {
	index := models.NewIndex(atoms)

	prev := ""
	if previous != nil {
		prev = previous.Hash
	}
	commit := models.NewCommit(message, now, index, prev)

	if err := store.StoreObjects(ctx, []models.Object{models.IndexObject(index), models.CommitObject(commit)}); err != nil {
		return nil, fmt.Errorf("failed to store commit: %w", err)
	}
	return commit, nil
}

// UpdateHead points the branch at the commit and clears its stage in one
// store transaction. previous is the commit the branch is expected to point
// at; nil means the branch must not exist yet.
func UpdateHead(ctx context.Context, store Store, name string, commit, previous *models.Commit) error {
	expected := ""
	if previous != nil {
		expected = previous.Hash
	}

	ref := &models.Branch{Name: name, Hash: commit.Hash, Time: commit.Time}
	err := store.CommitBranch(ctx, ref, expected)
	if err != nil && !errors.Is(err, storage.ErrBranchConflict) {
		// ответ мог потеряться уже после записи
		if current, getErr := store.GetBranch(ctx, name); getErr == nil && current.Hash == commit.Hash {
			return nil
		}
	}
	if err != nil {
		return fmt.Errorf("failed to update branch %s: %w", name, err)
	}
	return nil
}

// CommitBranch commits the atoms to the branch: it stores the commit, moves
// the branch ref and clears the stage.
func CommitBranch(ctx context.Context, store Store, name string, atoms []*models.Atom, message string, now time.Time, head *models.Commit) (*models.Commit, error) {
	commit, err := MakeCommit(ctx, store, atoms, message, now, head)
	if err != nil {
		return nil, err
	}
	if err := UpdateHead(ctx, store, name, commit, head); err != nil {
		return nil, err
	}
	return commit, nil
}

// ListCommits walks the history from hash to the first commit, newest first.
// An empty hash yields no commits.
func ListCommits(ctx context.Context, store storage.CausalRepoStore, hash string) ([]*models.Commit, error) {
	commits := make([]*models.Commit, 0)
	seen := make(map[string]struct{})

	for hash != "" {
		if _, ok := seen[hash]; ok {
			return nil, fmt.Errorf("commit history has a cycle at %s", hash)
		}
		seen[hash] = struct{}{}

		c, err := GetCommit(ctx, store, hash)
		if err != nil {
			return nil, err
		}
		commits = append(commits, c)
		hash = c.Previous
	}
	return commits, nil
}

// Diff is the change turning one atom set into another.
type Diff struct {
	Added   []*models.Atom
	Removed []*models.Atom
}

// IsEmpty reports whether the diff changes nothing.
func (d Diff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// RemovedHashes returns the hashes of the removed atoms.
func (d Diff) RemovedHashes() []string {
	hashes := make([]string, len(d.Removed))
	for i, a := range d.Removed {
		hashes[i] = a.Hash
	}
	return hashes
}

// CalculateDiff compares atom sets by hash.
func CalculateDiff(current, target []*models.Atom) Diff {
	currentSet := make(map[string]struct{}, len(current))
	for _, a := range current {
		currentSet[a.Hash] = struct{}{}
	}
	targetSet := make(map[string]struct{}, len(target))
	for _, a := range target {
		targetSet[a.Hash] = struct{}{}
	}

	var d Diff
	for _, a := range target {
		if _, ok := currentSet[a.Hash]; !ok {
			d.Added = append(d.Added, a)
		}
	}
	for _, a := range current {
		if _, ok := targetSet[a.Hash]; !ok {
			d.Removed = append(d.Removed, a)
		}
	}
	return d
}
