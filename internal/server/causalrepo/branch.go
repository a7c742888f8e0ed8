package causalrepo

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/iudanet/causalrepo/internal/crdt"
	"github.com/iudanet/causalrepo/internal/models"
	"github.com/iudanet/causalrepo/internal/server/metrics"
	"github.com/iudanet/causalrepo/internal/server/repo"
	"github.com/iudanet/causalrepo/internal/server/storage"
	"github.com/iudanet/causalrepo/pkg/api"
)

// errUnknownBranch is returned for a branch that is neither loaded nor stored.
var errUnknownBranch = errors.New("branch not found")

type branchStatus int

const (
	statusUnloaded branchStatus = iota
	statusLoading
	statusLoaded
)

// branch is the actor of one branch. Every field is guarded by mu; holding
// mu serializes all commands addressed to the branch.
type branch struct {
	mu   sync.Mutex
	name string

	status branchStatus
	weave  *crdt.Weave
	state  crdt.BotsState
	head   *models.Commit
	dirty  bool // стейдж не пуст

	watchers       map[string]Connection
	commitWatchers map[string]Connection

	// evicted is set when the branch is dropped from the registry; a caller
	// that locked an evicted branch must look it up again.
	evicted bool
}

func newBranch(name string) *branch {
	return &branch{
		name:           name,
		watchers:       make(map[string]Connection),
		commitWatchers: make(map[string]Connection),
	}
}

// acquire returns the locked branch, registering it if needed.
func (s *Server) acquire(name string) *branch {
	for {
		s.mu.Lock()
		b, ok := s.branches[name]
		if !ok {
			b = newBranch(name)
			s.branches[name] = b
		}
		s.mu.Unlock()

		b.mu.Lock()
		if !b.evicted {
			return b
		}
		b.mu.Unlock()
	}
}

// lookup returns the locked branch if it is registered, nil otherwise.
func (s *Server) lookup(name string) *branch {
	for {
		s.mu.Lock()
		b, ok := s.branches[name]
		s.mu.Unlock()
		if !ok {
			return nil
		}

		b.mu.Lock()
		if !b.evicted {
			return b
		}
		b.mu.Unlock()
	}
}

// release unlocks the branch and drops it from the registry when nothing
// references it anymore.
func (s *Server) release(b *branch) {
	if b.status == statusUnloaded && len(b.watchers) == 0 && len(b.commitWatchers) == 0 {
		s.mu.Lock()
		if s.branches[b.name] == b {
			delete(s.branches, b.name)
		}
		s.mu.Unlock()
		b.evicted = true
	}
	b.mu.Unlock()
}

// load rebuilds the weave of the branch from the store. A branch that is not
// stored loads as an empty orphan.
func (s *Server) load(ctx context.Context, b *branch) error {
	b.status = statusLoading

	loaded, err := repo.LoadBranch(ctx, s.store, b.name)
	if err != nil {
		b.status = statusUnloaded
		return fmt.Errorf("failed to load branch %s: %w", b.name, err)
	}

	w := crdt.NewWeave()
	state := crdt.NewBotsState()
	for _, a := range crdt.SortCausal(loaded.Atoms) {
		res := w.Insert(a)
		if res.Type == crdt.ResultRejected {
			s.logger.Warn("Stored atom rejected",
				"branch", b.name,
				"atom", a.String(),
				"error", res.Err,
			)
			continue
		}
		state.Apply(crdt.Reduce(w, res))
	}

	b.weave = w
	b.state = state
	b.head = loaded.Commit
	b.dirty = !loaded.Stage.IsEmpty()
	b.status = statusLoaded
	s.metrics.BranchLoaded()

	s.logger.Info("Branch loaded",
		"branch", b.name,
		"atoms", w.Len(),
		"orphan", loaded.Branch == nil,
	)
	return nil
}

// exists reports whether the branch is loaded or stored.
func (s *Server) exists(ctx context.Context, b *branch) (bool, error) {
	if b.status == statusLoaded {
		return true, nil
	}
	_, err := s.store.GetBranch(ctx, b.name)
	if errors.Is(err, storage.ErrBranchNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get branch: %w", err)
	}
	return true, nil
}

// ensureLoaded loads the branch for the duration of one command. temporary
// is true if the caller must hand the branch back with releaseTemporary.
// Unless create is set, a branch that is neither loaded nor stored yields
// errUnknownBranch.
func (s *Server) ensureLoaded(ctx context.Context, b *branch, create bool) (temporary bool, err error) {
	if b.status == statusLoaded {
		return false, nil
	}
	if !create {
		ok, err := s.exists(ctx, b)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, errUnknownBranch
		}
	}
	if err := s.load(ctx, b); err != nil {
		return false, err
	}
	return true, nil
}

// releaseTemporary unloads a branch loaded by ensureLoaded unless it got
// watchers meanwhile. Its stage stays in the store; nothing is committed.
func (s *Server) releaseTemporary(ctx context.Context, b *branch, temporary bool) {
	if temporary && len(b.watchers) == 0 {
		s.unload(ctx, b, false)
	}
}

// unload drops the weave. When announce is set the branch was visible to
// observers: it is committed first if dirty and observers are notified.
func (s *Server) unload(ctx context.Context, b *branch, announce bool) {
	if b.status != statusLoaded {
		return
	}

	if announce && b.dirty {
		if _, err := s.commitBranch(ctx, b, unloadCommitMessage, metrics.CommitUnload); err != nil {
			// стейдж остается в хранилище и будет подхвачен при следующей загрузке
			s.logger.Error("Failed to commit branch before unload", "branch", b.name, "error", err)
		}
	}

	b.weave = nil
	b.state = nil
	b.head = nil
	b.dirty = false
	b.status = statusUnloaded
	s.metrics.BranchUnloaded()

	if announce {
		s.presence.branchUnloaded(b.name)
	}
	s.logger.Info("Branch unloaded", "branch", b.name)
}

// commitBranch commits the full atom set of the loaded branch and pushes the
// commit to commit watchers.
func (s *Server) commitBranch(ctx context.Context, b *branch, message, reason string) (*models.Commit, error) {
	c, err := repo.CommitBranch(ctx, s.store, b.name, b.weave.Atoms(), message, s.cfg.Now(), b.head)
	if err != nil {
		return nil, err
	}

	b.head = c
	b.dirty = false
	s.metrics.CommitCreated(reason)
	s.broadcast(b.commitWatchers, "", api.EventAddCommits, api.AddCommits{
		Branch:  b.name,
		Commits: []*models.Commit{c},
	})

	s.logger.Info("Branch committed",
		"branch", b.name,
		"commit", c.Hash,
		"reason", reason,
	)
	return c, nil
}

// applyDiff moves the weave of the branch to the target atom set. Removals
// go first so re-added atoms land under their causes.
func (s *Server) applyDiff(b *branch, diff repo.Diff) {
	for _, a := range diff.Removed {
		if !b.weave.Contains(a.Hash) {
			continue
		}
		res := b.weave.RemoveByHash(a.Hash)
		b.state.Apply(crdt.Reduce(b.weave, res))
	}
	for _, a := range crdt.SortCausal(diff.Added) {
		res := b.weave.Insert(a)
		if res.Type == crdt.ResultRejected {
			s.logger.Warn("Commit atom rejected", "branch", b.name, "atom", a.String(), "error", res.Err)
			continue
		}
		b.state.Apply(crdt.Reduce(b.weave, res))
	}
	s.metrics.AtomsAdded(len(diff.Added))
	s.metrics.AtomsRemoved(len(diff.Removed))
}

// State returns a copy of the materialized state of a loaded branch.
func (s *Server) State(name string) (crdt.BotsState, bool) {
	b := s.lookup(name)
	if b == nil {
		return nil, false
	}
	defer s.release(b)

	if b.status != statusLoaded {
		return nil, false
	}
	return b.state.Clone(), true
}
