package causalrepo

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/iudanet/causalrepo/internal/models"
	"github.com/iudanet/causalrepo/internal/server/metrics"
	"github.com/iudanet/causalrepo/internal/server/repo"
	"github.com/iudanet/causalrepo/internal/server/storage"
	"github.com/iudanet/causalrepo/internal/validation"
	"github.com/iudanet/causalrepo/pkg/api"
)

// commit creates a commit from the full atom set of the branch.
func (s *Server) commit(ctx context.Context, conn Connection, req api.CommitRequest) error {
	if err := validation.ValidateBranchName(req.Branch); err != nil {
		return branchError(req.Branch, err)
	}

	b := s.acquire(req.Branch)
	defer s.release(b)

	temporary, err := s.ensureLoaded(ctx, b, false)
	if errors.Is(err, errUnknownBranch) {
		s.send(conn, api.EventCommitCreated, api.CommitCreated{
			Branch: req.Branch,
			Error:  api.ErrorBranchNotFound,
		})
		return nil
	}
	if err != nil {
		return branchError(req.Branch, err)
	}
	defer s.releaseTemporary(ctx, b, temporary)

	c, err := s.commitBranch(ctx, b, req.Message, metrics.CommitExplicit)
	if err != nil {
		return branchError(req.Branch, fmt.Errorf("failed to commit: %w", err))
	}

	s.send(conn, api.EventCommitCreated, api.CommitCreated{
		Branch: req.Branch,
		Hash:   c.Hash,
	})
	return nil
}

// watchCommits sends the history of the branch, newest first, and subscribes
// the connection to new commits.
func (s *Server) watchCommits(ctx context.Context, conn Connection, name string) error {
	b := s.acquire(name)
	defer s.release(b)

	head, err := s.headHash(ctx, b)
	if err != nil {
		return branchError(name, err)
	}
	commits, err := repo.ListCommits(ctx, s.store, head)
	if err != nil {
		return branchError(name, err)
	}

	b.commitWatchers[conn.ID()] = conn
	s.trackCommits(conn, name, true)

	s.send(conn, api.EventAddCommits, api.AddCommits{
		Branch:  name,
		Commits: commits,
		Initial: true,
	})
	return nil
}

func (s *Server) unwatchCommits(conn Connection, name string) {
	s.trackCommits(conn, name, false)

	b := s.lookup(name)
	if b == nil {
		return
	}
	delete(b.commitWatchers, conn.ID())
	s.release(b)
}

// headHash returns the commit the branch points at, empty for a branch
// without commits.
func (s *Server) headHash(ctx context.Context, b *branch) (string, error) {
	if b.status == statusLoaded {
		if b.head == nil {
			return "", nil
		}
		return b.head.Hash, nil
	}

	ref, err := s.store.GetBranch(ctx, b.name)
	if errors.Is(err, storage.ErrBranchNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get branch: %w", err)
	}
	return ref.Hash, nil
}

// checkout resets the branch to a stored commit, discarding the stage, and
// pushes the difference to the watchers.
func (s *Server) checkout(ctx context.Context, conn Connection, req api.CheckoutRequest) error {
	return s.reset(ctx, conn, req, api.EventCheckedOut, false)
}

// restore creates a new commit with the content of a stored commit on top of
// the current head and pushes the difference to the watchers.
func (s *Server) restore(ctx context.Context, conn Connection, req api.CheckoutRequest) error {
	return s.reset(ctx, conn, req, api.EventRestored, true)
}

func (s *Server) reset(ctx context.Context, conn Connection, req api.CheckoutRequest, reply string, keepHistory bool) error {
	if err := validation.ValidateBranchName(req.Branch); err != nil {
		return branchError(req.Branch, err)
	}

	b := s.acquire(req.Branch)
	defer s.release(b)

	temporary, err := s.ensureLoaded(ctx, b, false)
	if errors.Is(err, errUnknownBranch) {
		s.send(conn, reply, api.CheckedOut{
			Branch: req.Branch,
			Commit: req.Commit,
			Error:  api.ErrorBranchNotFound,
		})
		return nil
	}
	if err != nil {
		return branchError(req.Branch, err)
	}
	defer s.releaseTemporary(ctx, b, temporary)

	target, err := repo.GetCommit(ctx, s.store, req.Commit)
	if errors.Is(err, repo.ErrCommitNotFound) {
		s.send(conn, reply, api.CheckedOut{
			Branch: req.Branch,
			Commit: req.Commit,
			Error:  api.ErrorCommitNotFound,
		})
		return nil
	}
	if err != nil {
		return branchError(req.Branch, err)
	}

	atoms, err := repo.GetCommitAtoms(ctx, s.store, target)
	if err != nil {
		return branchError(req.Branch, err)
	}

	head := target
	if keepHistory {
		head, err = repo.CommitBranch(ctx, s.store, b.name, atoms, restoreCommitPrefix+target.Hash, s.cfg.Now(), b.head)
		if err != nil {
			return branchError(req.Branch, fmt.Errorf("failed to restore: %w", err))
		}
		s.metrics.CommitCreated(metrics.CommitRestore)
	} else if err := repo.UpdateHead(ctx, s.store, b.name, target, b.head); err != nil {
		return branchError(req.Branch, fmt.Errorf("failed to checkout: %w", err))
	}

	diff := repo.CalculateDiff(b.weave.Atoms(), atoms)
	s.applyDiff(b, diff)
	b.head = head
	b.dirty = false

	if keepHistory {
		s.broadcast(b.commitWatchers, "", api.EventAddCommits, api.AddCommits{
			Branch:  b.name,
			Commits: []*models.Commit{head},
		})
	}
	if !diff.IsEmpty() {
		s.broadcast(b.watchers, "", api.EventAddAtoms, api.AddAtoms{
			Branch:       b.name,
			Atoms:        nonNil(diff.Added),
			RemovedAtoms: diff.RemovedHashes(),
		})
	}

	s.logger.Info("Branch reset",
		"branch", b.name,
		"target", target.Hash,
		"head", head.Hash,
		"added", len(diff.Added),
		"removed", len(diff.Removed),
	)
	s.send(conn, reply, api.CheckedOut{
		Branch: req.Branch,
		Commit: head.Hash,
	})
	return nil
}

// branchInfo replies whether the branch is loaded or stored.
func (s *Server) branchInfo(ctx context.Context, conn Connection, name string) error {
	b := s.acquire(name)
	ok, err := s.exists(ctx, b)
	s.release(b)
	if err != nil {
		return branchError(name, err)
	}

	s.send(conn, api.EventBranchInfo, api.BranchInfo{Branch: name, Exists: ok})
	return nil
}

// listBranches replies with the names of stored and loaded branches.
func (s *Server) listBranches(ctx context.Context, conn Connection) error {
	refs, err := s.store.GetBranches(ctx)
	if err != nil {
		return fmt.Errorf("failed to list branches: %w", err)
	}

	set := make(map[string]struct{}, len(refs))
	for _, r := range refs {
		set[r.Name] = struct{}{}
	}
	for _, name := range s.presence.loadedBranches() {
		set[name] = struct{}{}
	}

	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)

	s.send(conn, api.EventBranches, api.Branches{Branches: names})
	return nil
}

// BranchUpdated brings a loaded branch in line with a ref moved by another
// process sharing the store. Events about the current head, or older than
// the stored ref, are ignored.
func (s *Server) BranchUpdated(ctx context.Context, ref *models.Branch) {
	b := s.lookup(ref.Name)
	if b == nil {
		return
	}
	defer s.release(b)

	if b.status != statusLoaded || b.head != nil && b.head.Hash == ref.Hash {
		return
	}

	stored, err := s.store.GetBranch(ctx, b.name)
	if err != nil {
		s.logger.Error("Failed to get updated branch", "branch", b.name, "error", err)
		return
	}
	if b.head != nil && b.head.Hash == stored.Hash {
		return
	}

	loaded, err := repo.LoadBranch(ctx, s.store, b.name)
	if err != nil {
		s.logger.Error("Failed to reload updated branch", "branch", b.name, "error", err)
		return
	}

	previous := ""
	if b.head != nil {
		previous = b.head.Hash
	}
	var commits []*models.Commit
	if loaded.Commit != nil {
		history, err := repo.ListCommits(ctx, s.store, loaded.Commit.Hash)
		if err != nil {
			s.logger.Error("Failed to list updated commits", "branch", b.name, "error", err)
			return
		}
		for _, c := range history {
			if c.Hash == previous {
				break
			}
			commits = append(commits, c)
		}
	}

	diff := repo.CalculateDiff(b.weave.Atoms(), loaded.Atoms)
	s.applyDiff(b, diff)
	b.head = loaded.Commit
	b.dirty = !loaded.Stage.IsEmpty()

	if len(commits) > 0 {
		s.broadcast(b.commitWatchers, "", api.EventAddCommits, api.AddCommits{
			Branch:  b.name,
			Commits: commits,
		})
	}
	if !diff.IsEmpty() {
		s.broadcast(b.watchers, "", api.EventAddAtoms, api.AddAtoms{
			Branch:       b.name,
			Atoms:        nonNil(diff.Added),
			RemovedAtoms: diff.RemovedHashes(),
		})
	}

	s.logger.Info("Branch updated by another process",
		"branch", b.name,
		"previous", previous,
		"head", stored.Hash,
		"added", len(diff.Added),
		"removed", len(diff.Removed),
	)
}
