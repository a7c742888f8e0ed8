package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/iudanet/causalrepo/internal/client/api"
	"github.com/iudanet/causalrepo/internal/client/replica"
	"github.com/iudanet/causalrepo/internal/client/storage"
	"github.com/iudanet/causalrepo/internal/crdt"
	"github.com/iudanet/causalrepo/internal/validation"
)

// loadClock восстанавливает часы сайта. При первом запуске создается новый сайт.
func (c *Cli) loadClock(ctx context.Context) (*crdt.SiteClock, error) {
	site, err := c.store.GetSite(ctx)
	if errors.Is(err, storage.ErrSiteNotFound) {
		clock := crdt.NewSiteClock()
		if err := c.store.SaveSite(ctx, &storage.Site{ID: clock.Site()}); err != nil {
			return nil, fmt.Errorf("failed to save site: %w", err)
		}
		c.logger.Debug("Site created", "site", clock.Site())
		return clock, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get site: %w", err)
	}

	clock := crdt.NewSiteClockWithSite(site.ID)
	clock.Observe(site.Counter)
	return clock, nil
}

func (c *Cli) saveClock(ctx context.Context, rep *replica.Replica) error {
	if err := c.store.SaveSite(ctx, &storage.Site{ID: rep.Site(), Counter: rep.Timestamp()}); err != nil {
		return fmt.Errorf("failed to save site: %w", err)
	}
	return nil
}

// openReplica подписывается на ветку и строит по ответу локальную реплику.
// Изменения, не подтвержденные сервером в прошлый раз, отправляются заново.
func (c *Cli) openReplica(ctx context.Context, conn *api.Conn, branch string) (*replica.Replica, error) {
	if err := validation.ValidateBranchName(branch); err != nil {
		return nil, err
	}

	clock, err := c.loadClock(ctx)
	if err != nil {
		return nil, err
	}
	rep := replica.New(c.logger, branch, clock)

	initial, err := conn.Watch(ctx, branch)
	if err != nil {
		return nil, fmt.Errorf("failed to watch branch: %w", err)
	}
	rep.ApplyRemote(initial)

	pending, err := c.store.GetPending(ctx, branch)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending changes: %w", err)
	}
	if !pending.IsEmpty() {
		delta := replica.Delta{Atoms: pending.Atoms, Removed: pending.Removed}
		rep.ApplyRemote(delta.Request(branch))
		if err := c.send(ctx, conn, branch, delta); err != nil {
			return nil, err
		}
		c.printer.Line("Sent %d pending change(s)", len(delta.Atoms)+len(delta.Removed))
	}
	return rep, nil
}

// push сохраняет дельту как неподтвержденную и отправляет ее серверу
func (c *Cli) push(ctx context.Context, conn *api.Conn, rep *replica.Replica, delta replica.Delta) error {
	if delta.IsEmpty() {
		return nil
	}
	if err := c.store.AddPending(ctx, rep.Branch(), delta.Atoms, delta.Removed); err != nil {
		return fmt.Errorf("failed to save pending changes: %w", err)
	}
	if err := c.saveClock(ctx, rep); err != nil {
		return err
	}
	return c.send(ctx, conn, rep.Branch(), delta)
}

// send отправляет дельту и после ответа забывает ее целиком. Хеши, которых нет
// в подтверждении, сервер отверг, и повторная отправка их тоже не примет.
func (c *Cli) send(ctx context.Context, conn *api.Conn, branch string, delta replica.Delta) error {
	acked, err := conn.AddAtoms(ctx, delta.Request(branch))
	if err != nil {
		return fmt.Errorf("failed to send changes, they will be resent on the next run: %w", err)
	}

	sent := deltaHashes(delta)
	if rejected := missing(sent, acked); len(rejected) > 0 {
		c.logger.Warn("Changes rejected by server", "branch", branch, "count", len(rejected))
		c.printer.Warn("%d change(s) rejected by server", len(rejected))
	}

	if err := c.store.AckPending(ctx, branch, sent); err != nil {
		return fmt.Errorf("failed to clear pending changes: %w", err)
	}
	return nil
}

func deltaHashes(d replica.Delta) []string {
	hashes := make([]string, 0, len(d.Atoms)+len(d.Removed))
	for _, a := range d.Atoms {
		hashes = append(hashes, a.Hash)
	}
	return append(hashes, d.Removed...)
}

// missing возвращает элементы want, которых нет в got
func missing(want, got []string) []string {
	set := make(map[string]struct{}, len(got))
	for _, h := range got {
		set[h] = struct{}{}
	}

	var out []string
	for _, h := range want {
		if _, ok := set[h]; !ok {
			out = append(out, h)
		}
	}
	return out
}
