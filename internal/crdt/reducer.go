package crdt

import (
	"github.com/iudanet/causalrepo/internal/models"
)

// Reduce computes the state patch produced by a weave mutation.
//
// Reduce is pure: it reads the weave as it is after the mutation and never
// modifies it. Losing atoms and meaningless placements (a Tag at the root, a
// Value under a losing bot) yield an empty patch, never an error.
func Reduce(w *Weave, result Result) Patch {
	switch r := result.(type) {
	case InsertResult:
		return reduceInsert(w, r)
	case *InsertResult:
		if r == nil {
			return Patch{}
		}
		return reduceInsert(w, *r)
	case RemovalResult:
		return reduceRemoval(w, r)
	case *RemovalResult:
		if r == nil {
			return Patch{}
		}
		return reduceRemoval(w, *r)
	default:
		return Patch{}
	}
}

// Materialize builds the full state of the weave from scratch.
func Materialize(w *Weave) BotsState {
	state := NewBotsState()
	seen := make(map[string]struct{})
	for _, root := range w.roots {
		op, ok := root.atom.Value.(models.BotOp)
		if !ok || op.ID == "" {
			continue
		}
		if _, ok := seen[op.ID]; ok {
			continue
		}
		seen[op.ID] = struct{}{}
		if bp := w.botPatch(root); bp != nil {
			state.Apply(Patch{op.ID: bp})
		}
	}
	return state
}

func reduceInsert(w *Weave, r InsertResult) Patch {
	if r.Type != ResultAdded && r.Type != ResultConflict {
		return Patch{}
	}
	atom := r.Atom
	if atom == nil {
		return Patch{}
	}

	switch op := atom.Value.(type) {
	case models.BotOp:
		return w.reduceBot(atom, op, r)
	case models.DeleteOp:
		return w.reduceDelete(atom, r)
	case models.TagOp:
		return w.reduceTag(atom, r)
	case models.ValueOp:
		return w.reduceValue(atom, op)
	default:
		return Patch{}
	}
}

func (w *Weave) reduceBot(atom *models.Atom, op models.BotOp, r InsertResult) Patch {
	if !atom.IsRoot() || op.ID == "" {
		return Patch{}
	}
	winner := w.winningBot(op.ID)
	if winner == nil || winner.atom.Hash != atom.Hash {
		return Patch{}
	}

	bp := w.botPatch(winner)
	if bp == nil {
		return Patch{op.ID: nil}
	}

	// теги проигравшего бота больше не видны
	if r.Type == ResultConflict && r.Loser != nil {
		if loser := w.nodeOf(r.Loser); loser != nil {
			for _, name := range tagNames(loser) {
				if _, ok := bp.Tags[name]; !ok {
					bp.Tags[name] = nil
				}
			}
		}
	}
	return Patch{op.ID: bp}
}

func (w *Weave) reduceDelete(atom *models.Atom, r InsertResult) Patch {
	bot, id := w.ownerBot(atom)
	if bot == nil {
		return Patch{}
	}
	if bot.children[0].atom.Hash != atom.Hash {
		return Patch{}
	}
	// уже был удален предыдущим Delete
	if r.Type == ResultConflict && r.Loser != nil && r.Loser.Value.Type() == models.OpDelete {
		return Patch{}
	}
	return Patch{id: nil}
}

func (w *Weave) reduceTag(atom *models.Atom, r InsertResult) Patch {
	bot, id := w.ownerBot(atom)
	if bot == nil {
		return Patch{}
	}
	// Tag сам по себе ничего не меняет, кроме случая, когда он вытесняет Delete
	// с позиции первого потомка
	if r.Type != ResultConflict || r.Winner == nil || r.Winner.Hash != atom.Hash {
		return Patch{}
	}
	if r.Loser == nil || r.Loser.Value.Type() != models.OpDelete {
		return Patch{}
	}
	if bot.children[0].atom.Hash != atom.Hash {
		return Patch{}
	}
	bp := w.botPatch(bot)
	if bp == nil {
		return Patch{}
	}
	return Patch{id: bp}
}

func (w *Weave) reduceValue(atom *models.Atom, op models.ValueOp) Patch {
	if atom.Cause == nil {
		return Patch{}
	}
	tag, ok := w.byID[atom.Cause.String()]
	if !ok {
		return Patch{}
	}
	tagOp, ok := tag.atom.Value.(models.TagOp)
	if !ok || tagOp.Name == "" {
		return Patch{}
	}
	bot, id := w.ownerBot(tag.atom)
	if bot == nil || isDeleted(bot) {
		return Patch{}
	}

	best := effectiveValue(bot, tagOp.Name)
	if best == nil || best.Hash != atom.Hash {
		return Patch{}
	}
	return Patch{id: {Tags: map[string]any{tagOp.Name: normalizeValue(op.Value)}}}
}

// affectedBot collects what a removal changed under one bot.
type affectedBot struct {
	root         *node // оставшийся корневой атом, если он не удален
	tags         map[string]struct{}
	rootRemoved  bool
	childRemoved bool
}

func reduceRemoval(w *Weave, r RemovalResult) Patch {
	if len(r.Removed) == 0 {
		return Patch{}
	}

	removed := make(map[string]*models.Atom, len(r.Removed))
	for _, a := range r.Removed {
		removed[a.ID.String()] = a
	}

	affected := make(map[string]*affectedBot)
	get := func(id string) *affectedBot {
		ab, ok := affected[id]
		if !ok {
			ab = &affectedBot{tags: make(map[string]struct{})}
			affected[id] = ab
		}
		return ab
	}

	for _, a := range r.Removed {
		chain := w.chainOf(a, removed)
		if len(chain) == 0 {
			continue
		}
		root := chain[len(chain)-1]
		botOp, ok := root.Value.(models.BotOp)
		if !ok || botOp.ID == "" {
			continue
		}
		ab := get(botOp.ID)

		if _, gone := removed[root.ID.String()]; gone {
			ab.rootRemoved = true
		} else {
			ab.root = w.byID[root.ID.String()]
		}

		// chain: a, parent(a), ..., root
		switch len(chain) {
		case 1:
			// сам Bot
		case 2:
			ab.childRemoved = true
			if t, ok := a.Value.(models.TagOp); ok && t.Name != "" {
				ab.tags[t.Name] = struct{}{}
			}
		default:
			if t, ok := chain[len(chain)-2].Value.(models.TagOp); ok && t.Name != "" {
				ab.tags[t.Name] = struct{}{}
			}
		}
	}

	patch := Patch{}
	for id, ab := range affected {
		winner := w.winningBot(id)

		if ab.rootRemoved {
			if winner == nil {
				patch[id] = nil
				continue
			}
			patch[id] = withClearedTags(w.botPatch(winner), ab.tags)
			continue
		}

		if ab.root == nil || winner == nil || winner != ab.root {
			continue
		}

		if isDeleted(winner) {
			if ab.childRemoved {
				patch[id] = nil
			}
			continue
		}

		if ab.childRemoved {
			patch[id] = withClearedTags(w.botPatch(winner), ab.tags)
			continue
		}

		if len(ab.tags) == 0 {
			continue
		}
		bp := &BotPatch{Tags: make(map[string]any, len(ab.tags))}
		for name := range ab.tags {
			bp.Tags[name] = nil
			if best := effectiveValue(winner, name); best != nil {
				bp.Tags[name] = normalizeValue(best.Value.(models.ValueOp).Value)
			}
		}
		patch[id] = bp
	}
	return patch
}

// chainOf returns the atom followed by its ancestors up to the root, resolving
// ancestors among the removed atoms first and then in the weave.
func (w *Weave) chainOf(a *models.Atom, removed map[string]*models.Atom) []*models.Atom {
	chain := []*models.Atom{a}
	cur := a
	for cur.Cause != nil {
		key := cur.Cause.String()
		if p, ok := removed[key]; ok {
			cur = p
		} else if n, ok := w.byID[key]; ok {
			cur = n.atom
		} else {
			return nil
		}
		chain = append(chain, cur)
	}
	return chain
}

// winningBot returns the visible root atom for the bot id.
// Roots are sorted, so the first matching root wins.
func (w *Weave) winningBot(id string) *node {
	for _, r := range w.roots {
		if op, ok := r.atom.Value.(models.BotOp); ok && op.ID == id {
			return r
		}
	}
	return nil
}

// ownerBot returns the node of the atom's parent when that parent is the
// visible Bot atom of its id.
func (w *Weave) ownerBot(atom *models.Atom) (*node, string) {
	if atom.Cause == nil {
		return nil, ""
	}
	parent, ok := w.byID[atom.Cause.String()]
	if !ok || parent.parent != nil {
		return nil, ""
	}
	op, ok := parent.atom.Value.(models.BotOp)
	if !ok || op.ID == "" {
		return nil, ""
	}
	if w.winningBot(op.ID) != parent {
		return nil, ""
	}
	return parent, op.ID
}

// botPatch returns the full patch for a visible bot atom, or nil if the bot is deleted.
// Tags without an effective value are present with a nil value.
func (w *Weave) botPatch(bot *node) *BotPatch {
	if isDeleted(bot) {
		return nil
	}
	bp := &BotPatch{Tags: make(map[string]any)}
	for _, name := range tagNames(bot) {
		bp.Tags[name] = nil
		if best := effectiveValue(bot, name); best != nil {
			bp.Tags[name] = normalizeValue(best.Value.(models.ValueOp).Value)
		}
	}
	return bp
}

func withClearedTags(bp *BotPatch, names map[string]struct{}) *BotPatch {
	if bp == nil {
		return nil
	}
	for name := range names {
		if _, ok := bp.Tags[name]; !ok {
			bp.Tags[name] = nil
		}
	}
	return bp
}

// isDeleted reports whether the first child of the bot atom is a Delete.
func isDeleted(bot *node) bool {
	return len(bot.children) > 0 && bot.children[0].atom.Value.Type() == models.OpDelete
}

func tagNames(bot *node) []string {
	var names []string
	seen := make(map[string]struct{})
	for _, c := range bot.children {
		t, ok := c.atom.Value.(models.TagOp)
		if !ok || t.Name == "" {
			continue
		}
		if _, ok := seen[t.Name]; ok {
			continue
		}
		seen[t.Name] = struct{}{}
		names = append(names, t.Name)
	}
	return names
}

// effectiveValue returns the best Value atom among all tags with the name
// under the bot atom.
func effectiveValue(bot *node, name string) *models.Atom {
	var best *models.Atom
	for _, c := range bot.children {
		t, ok := c.atom.Value.(models.TagOp)
		if !ok || t.Name != name {
			continue
		}
		for _, v := range c.children {
			if v.atom.Value.Type() != models.OpValue {
				continue
			}
			if best == nil || Less(v.atom, best) {
				best = v.atom
			}
		}
	}
	return best
}

// normalizeValue maps values that delete a tag to nil.
// 0, false and whitespace strings are kept.
func normalizeValue(v any) any {
	if s, ok := v.(string); ok && s == "" {
		return nil
	}
	return v
}
