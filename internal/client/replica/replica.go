// Package replica хранит локальную копию ветки: weave, материализованное
// состояние ботов и часы сайта. Реплика создает атомы для изменений,
// сделанных на этом устройстве, и применяет дельты, пришедшие с сервера.
package replica

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"sync"

	"github.com/iudanet/causalrepo/internal/crdt"
	"github.com/iudanet/causalrepo/internal/models"
	"github.com/iudanet/causalrepo/pkg/api"
)

var (
	// ErrBotNotFound возвращается при удалении бота, которого нет в состоянии
	ErrBotNotFound = errors.New("bot not found")
	// ErrEmptyName возвращается для пустого id бота или имени тега
	ErrEmptyName = errors.New("bot id and tag name cannot be empty")
)

// Delta - изменения, созданные локально и еще не подтвержденные сервером.
// Removed содержит хеши атомов, удаляемых вместе с поддеревьями.
type Delta struct {
	Atoms   []*models.Atom
	Removed []string
}

// IsEmpty reports whether the delta changes nothing.
func (d Delta) IsEmpty() bool {
	return len(d.Atoms) == 0 && len(d.Removed) == 0
}

// Request returns the add-atoms payload for the delta.
func (d Delta) Request(branch string) api.AddAtoms {
	atoms := d.Atoms
	if atoms == nil {
		atoms = []*models.Atom{}
	}
	return api.AddAtoms{Branch: branch, Atoms: atoms, RemovedAtoms: d.Removed}
}

// Replica - локальная копия одной ветки. Безопасна для конкурентного использования.
type Replica struct {
	logger *slog.Logger
	clock  *crdt.SiteClock
	branch string

	mu    sync.Mutex
	weave *crdt.Weave
	state crdt.BotsState
}

// New creates an empty replica of the branch. Atom ids are issued by clock.
func New(logger *slog.Logger, branch string, clock *crdt.SiteClock) *Replica {
	return &Replica{
		logger: logger,
		clock:  clock,
		branch: branch,
		weave:  crdt.NewWeave(),
		state:  crdt.NewBotsState(),
	}
}

// Branch returns the branch name of the replica.
func (r *Replica) Branch() string { return r.branch }

// Site returns the site id used for new atoms.
func (r *Replica) Site() string { return r.clock.Site() }

// Timestamp returns the current value of the site clock.
func (r *Replica) Timestamp() int64 { return r.clock.Timestamp() }

// State returns a copy of the materialized bots.
func (r *Replica) State() crdt.BotsState {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.state.Clone()
}

// Atoms returns the atoms of the replica in weave order.
func (r *Replica) Atoms() []*models.Atom {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.weave.Atoms()
}

// Len returns the number of atoms in the replica.
func (r *Replica) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.weave.Len()
}

// ApplyRemote применяет add-atoms от сервера и возвращает изменение состояния.
// Начальный набор (Initial) заменяет содержимое реплики целиком.
func (r *Replica) ApplyRemote(msg api.AddAtoms) crdt.Patch {
	r.mu.Lock()
	defer r.mu.Unlock()

	var previous crdt.BotsState
	if msg.Initial {
		previous = r.state
		r.weave = crdt.NewWeave()
		r.state = crdt.NewBotsState()
	}

	r.clock.ObserveAtoms(msg.Atoms)

	changes := newChangeSet()
	for _, a := range crdt.SortCausal(msg.Atoms) {
		res := r.weave.Insert(a)
		if res.Type == crdt.ResultRejected {
			r.logger.Warn("Remote atom rejected", "branch", r.branch, "atom", a.String(), "error", res.Err)
			continue
		}
		r.apply(changes, crdt.Reduce(r.weave, res))
	}

	for _, h := range msg.RemovedAtoms {
		if !r.weave.Contains(h) {
			continue
		}
		r.apply(changes, crdt.Reduce(r.weave, r.weave.RemoveByHash(h)))
	}

	if msg.Initial {
		return diffStates(previous, r.state)
	}
	return changes.patch(r.state)
}

// SetTag создает атомы, присваивающие тегу бота значение. Несуществующий бот
// создается. Прежние значения тега удаляются: порядок соседей в weave
// определяется хешем, и без удаления новое значение могло бы проиграть.
// nil или "" удаляют тег из состояния.
func (r *Replica) SetTag(botID, tag string, value any) (Delta, error) {
	if botID == "" || tag == "" {
		return Delta{}, ErrEmptyName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var delta Delta

	bot := r.visibleBot(botID)
	if bot != nil && r.isDeleted(bot) {
		// удаленный бот создается заново
		delta.Removed = append(delta.Removed, r.botRoots(botID)...)
		bot = nil
	}
	if bot == nil {
		a, err := r.newAtom(nil, models.BotOp{ID: botID})
		if err != nil {
			return Delta{}, err
		}
		delta.Atoms = append(delta.Atoms, a)
		bot = a
	}

	tagAtom := r.findTag(bot, tag)
	if tagAtom == nil {
		a, err := r.newAtom(&bot.ID, models.TagOp{Name: tag})
		if err != nil {
			return Delta{}, err
		}
		delta.Atoms = append(delta.Atoms, a)
		tagAtom = a
	}

	val, err := r.newAtom(&tagAtom.ID, models.ValueOp{Value: value})
	if err != nil {
		return Delta{}, err
	}
	delta.Atoms = append(delta.Atoms, val)
	delta.Removed = append(delta.Removed, r.tagValues(bot, tag)...)

	r.applyLocal(delta)
	return delta, nil
}

// DeleteBot создает атом Delete под ботом и удаляет остальных потомков бота,
// чтобы Delete стал первым потомком.
func (r *Replica) DeleteBot(botID string) (Delta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.state[botID]; !ok {
		return Delta{}, fmt.Errorf("%w: %s", ErrBotNotFound, botID)
	}
	bot := r.visibleBot(botID)

	del, err := r.newAtom(&bot.ID, models.DeleteOp{})
	if err != nil {
		return Delta{}, err
	}

	delta := Delta{Atoms: []*models.Atom{del}}
	for _, c := range r.weave.Children(bot.ID) {
		delta.Removed = append(delta.Removed, c.Hash)
	}

	r.applyLocal(delta)
	return delta, nil
}

// applyLocal применяет собственную дельту: сначала вставки, затем удаления,
// как это делает сервер.
func (r *Replica) applyLocal(d Delta) {
	for _, a := range d.Atoms {
		r.state.Apply(crdt.Reduce(r.weave, r.weave.Insert(a)))
	}
	for _, h := range d.Removed {
		if r.weave.Contains(h) {
			r.state.Apply(crdt.Reduce(r.weave, r.weave.RemoveByHash(h)))
		}
	}
}

func (r *Replica) newAtom(cause *models.AtomID, op models.AtomOp) (*models.Atom, error) {
	a, err := models.NewAtom(r.clock.NextID(), cause, op)
	if err != nil {
		return nil, fmt.Errorf("failed to create atom: %w", err)
	}
	return a, nil
}

// apply применяет patch к состоянию, запомнив затронутых ботов в changes
func (r *Replica) apply(changes *changeSet, p crdt.Patch) {
	changes.touch(r.state, p)
	r.state.Apply(p)
}

// visibleBot returns the winning root atom of the bot id.
func (r *Replica) visibleBot(id string) *models.Atom {
	for _, root := range r.weave.Roots() {
		if op, ok := root.Value.(models.BotOp); ok && op.ID == id {
			return root
		}
	}
	return nil
}

func (r *Replica) botRoots(id string) []string {
	var hashes []string
	for _, root := range r.weave.Roots() {
		if op, ok := root.Value.(models.BotOp); ok && op.ID == id {
			hashes = append(hashes, root.Hash)
		}
	}
	return hashes
}

func (r *Replica) isDeleted(bot *models.Atom) bool {
	children := r.weave.Children(bot.ID)
	return len(children) > 0 && children[0].Value.Type() == models.OpDelete
}

func (r *Replica) findTag(bot *models.Atom, name string) *models.Atom {
	for _, c := range r.weave.Children(bot.ID) {
		if op, ok := c.Value.(models.TagOp); ok && op.Name == name {
			return c
		}
	}
	return nil
}

// tagValues returns the hashes of every value under tags with the name.
func (r *Replica) tagValues(bot *models.Atom, name string) []string {
	var hashes []string
	for _, c := range r.weave.Children(bot.ID) {
		op, ok := c.Value.(models.TagOp)
		if !ok || op.Name != name {
			continue
		}
		for _, v := range r.weave.Children(c.ID) {
			if v.Value.Type() == models.OpValue {
				hashes = append(hashes, v.Hash)
			}
		}
	}
	return hashes
}

// changeSet remembers every bot touched by a batch of patches as it was
// before the batch. The patch it builds, applied to the state before the
// batch, gives the state after it, also when a bot was deleted and created
// again within the batch.
type changeSet struct {
	before map[string]*crdt.Bot // nil: бота не было
}

func newChangeSet() *changeSet {
	return &changeSet{before: make(map[string]*crdt.Bot)}
}

func (c *changeSet) touch(state crdt.BotsState, p crdt.Patch) {
	for id := range p {
		if _, ok := c.before[id]; ok {
			continue
		}
		if bot, ok := state[id]; ok {
			c.before[id] = &crdt.Bot{ID: id, Tags: maps.Clone(bot.Tags)}
		} else {
			c.before[id] = nil
		}
	}
}

// patch compares the touched bots with the state. Bots that end up as they
// started are left out.
func (c *changeSet) patch(state crdt.BotsState) crdt.Patch {
	patch := crdt.Patch{}
	for id, old := range c.before {
		bot, ok := state[id]
		switch {
		case !ok && old == nil:
		case !ok:
			patch[id] = nil
		case old == nil:
			patch[id] = &crdt.BotPatch{Tags: maps.Clone(bot.Tags)}
		default:
			bp := &crdt.BotPatch{Tags: make(map[string]any)}
			for name := range old.Tags {
				if _, ok := bot.Tags[name]; !ok {
					bp.Tags[name] = nil
				}
			}
			for name, v := range bot.Tags {
				if prev, ok := old.Tags[name]; !ok || !reflect.DeepEqual(prev, v) {
					bp.Tags[name] = v
				}
			}
			if len(bp.Tags) > 0 {
				patch[id] = bp
			}
		}
	}
	return patch
}

// diffStates returns the patch that turns from into to.
func diffStates(from, to crdt.BotsState) crdt.Patch {
	patch := crdt.Patch{}
	for id, old := range from {
		bot, ok := to[id]
		if !ok {
			patch[id] = nil
			continue
		}
		bp := &crdt.BotPatch{Tags: make(map[string]any)}
		for name := range old.Tags {
			if _, ok := bot.Tags[name]; !ok {
				bp.Tags[name] = nil
			}
		}
		patch[id] = bp
	}
	for id, bot := range to {
		bp, ok := patch[id]
		if !ok {
			bp = &crdt.BotPatch{Tags: make(map[string]any, len(bot.Tags))}
			patch[id] = bp
		}
		for name, v := range bot.Tags {
			bp.Tags[name] = v
		}
	}
	return patch
}
