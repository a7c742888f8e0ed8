package causalrepo

import (
	"context"
	"fmt"

	"github.com/iudanet/causalrepo/internal/crdt"
	"github.com/iudanet/causalrepo/internal/models"
	"github.com/iudanet/causalrepo/internal/validation"
	"github.com/iudanet/causalrepo/pkg/api"
)

// watchBranch subscribes the connection to the atom stream of the branch and
// replies with the full current atom set.
func (s *Server) watchBranch(ctx context.Context, conn Connection, name string) error {
	b := s.acquire(name)
	defer s.release(b)

	if b.status != statusLoaded {
		if err := s.load(ctx, b); err != nil {
			return branchError(name, err)
		}
		s.presence.branchLoaded(name)
	}

	_, watching := b.watchers[conn.ID()]
	b.watchers[conn.ID()] = conn
	s.trackBranch(conn, name, true)

	s.send(conn, api.EventAddAtoms, api.AddAtoms{
		Branch:  name,
		Atoms:   nonNil(b.weave.Atoms()),
		Initial: true,
	})

	if !watching {
		s.presence.deviceConnected(name, conn)
		s.logger.Info("Branch watched",
			"branch", name,
			"conn_id", conn.ID(),
			"device_id", conn.Device().DeviceID,
			"watchers", len(b.watchers),
		)
	}
	return nil
}

// unwatchBranch removes the watcher. The last watcher leaving unloads the
// branch, committing its stage first.
func (s *Server) unwatchBranch(ctx context.Context, conn Connection, name string) {
	b := s.lookup(name)
	if b == nil {
		s.trackBranch(conn, name, false)
		return
	}
	defer s.release(b)

	s.trackBranch(conn, name, false)
	if _, ok := b.watchers[conn.ID()]; !ok {
		return
	}
	delete(b.watchers, conn.ID())
	s.presence.deviceDisconnected(name, conn)

	if len(b.watchers) == 0 {
		s.unload(ctx, b, true)
	}
}

// addAtoms applies a delta sent by a device. New atoms are persisted before
// they touch the weave, so a store failure leaves the branch unchanged.
func (s *Server) addAtoms(ctx context.Context, conn Connection, req api.AddAtoms) error {
	if err := validation.ValidateBranchName(req.Branch); err != nil {
		return branchError(req.Branch, err)
	}

	b := s.acquire(req.Branch)
	defer s.release(b)

	temporary, err := s.ensureLoaded(ctx, b, true)
	if err != nil {
		return branchError(req.Branch, err)
	}
	defer s.releaseTemporary(ctx, b, temporary)

	accepted, rejected := b.weave.Check(req.Atoms)
	for _, r := range rejected {
		s.logger.Debug("Atom rejected",
			"branch", req.Branch,
			"conn_id", conn.ID(),
			"atom", r.Atom.String(),
			"error", r.Err,
		)
	}
	s.metrics.AtomsRejected(len(rejected))

	added := make([]*models.Atom, 0, len(accepted))
	seen := make(map[string]struct{}, len(accepted))
	for _, a := range accepted {
		if _, ok := seen[a.Hash]; ok || b.weave.Contains(a.Hash) {
			continue
		}
		seen[a.Hash] = struct{}{}
		added = append(added, a)
	}

	if err := s.persistAtoms(ctx, req.Branch, added); err != nil {
		return branchError(req.Branch, err)
	}

	for _, a := range added {
		res := b.weave.Insert(a)
		b.state.Apply(crdt.Reduce(b.weave, res))
	}
	if len(added) > 0 {
		b.dirty = true
	}
	s.metrics.AtomsAdded(len(added))

	ack := make([]string, 0, len(accepted)+len(req.RemovedAtoms))
	for _, a := range accepted {
		ack = append(ack, a.Hash)
	}

	removed, acked, err := s.removeAtoms(ctx, b, req.RemovedAtoms)
	if err != nil {
		// добавленные атомы уже сохранены, о них сообщаем как обычно
		s.reportError(conn, api.CmdAddAtoms, branchError(req.Branch, err))
	}
	ack = append(ack, acked...)

	s.send(conn, api.EventAtomsReceived, api.AtomsReceived{
		Branch: req.Branch,
		Hashes: ack,
	})

	if len(added) > 0 || len(removed) > 0 {
		s.broadcast(b.watchers, conn.ID(), api.EventAddAtoms, api.AddAtoms{
			Branch:       req.Branch,
			Atoms:        added,
			RemovedAtoms: removed,
		})
	}
	return nil
}

// persistAtoms stores the atoms as objects and appends them to the stage.
func (s *Server) persistAtoms(ctx context.Context, name string, atoms []*models.Atom) error {
	if len(atoms) == 0 {
		return nil
	}

	objects := make([]models.Object, len(atoms))
	for i, a := range atoms {
		objects[i] = models.AtomObject(a)
	}
	if err := s.store.StoreObjects(ctx, objects); err != nil {
		return fmt.Errorf("failed to store atoms: %w", err)
	}
	if err := s.store.AddAtoms(ctx, name, atoms); err != nil {
		return fmt.Errorf("failed to stage atoms: %w", err)
	}
	return nil
}

// removeAtoms removes the atoms with the given hashes and their descendants.
// removed lists every hash taken out of the weave; acked lists the requested
// hashes that were present.
func (s *Server) removeAtoms(ctx context.Context, b *branch, hashes []string) (removed, acked []string, err error) {
	var targets []*models.Atom
	seen := make(map[string]struct{})
	for _, h := range hashes {
		if !b.weave.Contains(h) {
			continue
		}
		acked = append(acked, h)
		for _, a := range b.weave.Subtree(h) {
			if _, ok := seen[a.Hash]; ok {
				continue
			}
			seen[a.Hash] = struct{}{}
			targets = append(targets, a)
		}
	}
	if len(targets) == 0 {
		return nil, nil, nil
	}

	if err := s.store.RemoveAtoms(ctx, b.name, targets); err != nil {
		return nil, nil, fmt.Errorf("failed to stage removed atoms: %w", err)
	}

	for _, h := range acked {
		if !b.weave.Contains(h) {
			continue
		}
		res := b.weave.RemoveByHash(h)
		b.state.Apply(crdt.Reduce(b.weave, res))
	}

	removed = make([]string, len(targets))
	for i, a := range targets {
		removed[i] = a.Hash
	}
	b.dirty = true
	s.metrics.AtomsRemoved(len(targets))
	return removed, acked, nil
}

func nonNil(atoms []*models.Atom) []*models.Atom {
	if atoms == nil {
		return []*models.Atom{}
	}
	return atoms
}
