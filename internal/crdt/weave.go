package crdt

import (
	"errors"
	"fmt"
	"sort"

	"github.com/iudanet/causalrepo/internal/models"
)

// Причины отклонения атома
var (
	// ErrCauseNotFound is reported when an atom references a cause that is not in the weave.
	ErrCauseNotFound = errors.New("broken causal chain: cause not found")
	// ErrHashMismatch is reported when the atom hash does not match its content.
	ErrHashMismatch = errors.New("atom hash does not match its content")
	// ErrIDConflict is reported when an atom reuses the id of a different atom.
	ErrIDConflict = errors.New("atom id already used by a different atom")
	// ErrInvalidAtom is reported for structurally invalid atoms.
	ErrInvalidAtom = errors.New("invalid atom")
)

// ResultType describes the outcome of an insert.
type ResultType int

const (
	// ResultAdded means the atom was added without competing with an existing sibling.
	ResultAdded ResultType = iota
	// ResultConflict means the atom was added to a slot that already had a winner.
	ResultConflict
	// ResultRejected means the atom was not added.
	ResultRejected
	// ResultNothing means the atom was already present.
	ResultNothing
)

// String returns a readable result type.
func (t ResultType) String() string {
	switch t {
	case ResultAdded:
		return "added"
	case ResultConflict:
		return "conflict"
	case ResultRejected:
		return "rejected"
	case ResultNothing:
		return "nothing"
	default:
		return "unknown"
	}
}

// Result is a weave mutation outcome consumed by Reduce.
// It is implemented by InsertResult and RemovalResult.
type Result interface {
	isResult()
}

// InsertResult is returned by Weave.Insert.
type InsertResult struct {
	Atom   *models.Atom // вставляемый атом
	Winner *models.Atom // для ResultConflict: видимый атом слота
	Loser  *models.Atom // для ResultConflict: проигравший атом (остается в weave)
	Err    error        // для ResultRejected: причина
	Type   ResultType
}

// RemovalResult is returned by the removal operations of the weave.
// Removed lists every atom taken out of the weave, parents before children.
type RemovalResult struct {
	Removed []*models.Atom
}

func (InsertResult) isResult()  {}
func (RemovalResult) isResult() {}

// Accepted reports whether the atom is present in the weave after the insert.
func (r InsertResult) Accepted() bool {
	return r.Type == ResultAdded || r.Type == ResultConflict || r.Type == ResultNothing
}

// node is a weave vertex. children are kept in canonical order.
type node struct {
	atom     *models.Atom
	parent   *node
	children []*node
}

// Weave is an ordered forest of atoms for one branch.
//
// The weave enforces causal insertion order and keeps siblings in a canonical
// order (hash descending, then priority descending), so any replica replaying
// the same set of atoms in any order ends up with the same structure.
//
// Weave is not safe for concurrent use; it is owned by a single branch actor
// or replica.
type Weave struct {
	byID   map[string]*node
	byHash map[string]*node
	roots  []*node
}

// NewWeave creates an empty weave.
func NewWeave() *Weave {
	return &Weave{
		byID:   make(map[string]*node),
		byHash: make(map[string]*node),
	}
}

// Len returns the number of atoms in the weave.
func (w *Weave) Len() int {
	return len(w.byID)
}

// Get returns the atom with the given id, or nil.
func (w *Weave) Get(id models.AtomID) *models.Atom {
	if n, ok := w.byID[id.String()]; ok {
		return n.atom
	}
	return nil
}

// GetByHash returns the atom with the given hash, or nil.
func (w *Weave) GetByHash(hash string) *models.Atom {
	if n, ok := w.byHash[hash]; ok {
		return n.atom
	}
	return nil
}

// Contains reports whether an atom with the given hash is in the weave.
func (w *Weave) Contains(hash string) bool {
	_, ok := w.byHash[hash]
	return ok
}

// Children returns the children of the atom in canonical order.
func (w *Weave) Children(id models.AtomID) []*models.Atom {
	n, ok := w.byID[id.String()]
	if !ok {
		return nil
	}
	return atomsOf(n.children)
}

// Roots returns the root atoms in canonical order.
func (w *Weave) Roots() []*models.Atom {
	return atomsOf(w.roots)
}

// Atoms returns every atom in weave order: a depth-first walk of the forest
// where siblings are visited in canonical order. Parents always precede children.
func (w *Weave) Atoms() []*models.Atom {
	out := make([]*models.Atom, 0, len(w.byID))
	for _, r := range w.roots {
		out = appendSubtree(out, r)
	}
	return out
}

// Insert adds the atom to the weave.
//
// The atom is rejected when its hash is wrong, its id is taken by a different
// atom or its cause is not present. Inserting an atom that is already present
// is a no-op. Competing atoms always stay in the weave; the result only
// reports which of them is visible.
func (w *Weave) Insert(atom *models.Atom) InsertResult {
	if err := w.check(atom, nil); err != nil {
		if errors.Is(err, errDuplicate) {
			return InsertResult{Type: ResultNothing, Atom: atom}
		}
		return InsertResult{Type: ResultRejected, Atom: atom, Err: err}
	}

	var parent *node
	if atom.Cause != nil {
		parent = w.byID[atom.Cause.String()]
	}

	siblings := w.siblingsOf(parent)
	incumbent := firstInSlot(*siblings, atom)

	n := &node{atom: atom, parent: parent}
	*siblings = insertSorted(*siblings, n)
	w.byID[atom.ID.String()] = n
	w.byHash[atom.Hash] = n

	if incumbent == nil {
		return InsertResult{Type: ResultAdded, Atom: atom}
	}

	winner := firstInSlot(*siblings, atom)
	if winner == n {
		return InsertResult{Type: ResultConflict, Atom: atom, Winner: atom, Loser: incumbent.atom}
	}
	return InsertResult{Type: ResultConflict, Atom: atom, Winner: incumbent.atom, Loser: atom}
}

// errDuplicate is internal: the atom is already in the weave.
var errDuplicate = errors.New("duplicate atom")

// check validates an atom against the weave plus an optional set of pending
// atom ids that are about to be inserted.
func (w *Weave) check(atom *models.Atom, pending map[string]*models.Atom) error {
	if atom == nil || atom.Value == nil || atom.ID.Site == "" {
		return ErrInvalidAtom
	}

	expected, err := models.ComputeHash(atom.ID, atom.Cause, atom.Value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAtom, err)
	}
	if expected != atom.Hash {
		return ErrHashMismatch
	}

	key := atom.ID.String()
	if existing, ok := w.byID[key]; ok {
		if existing.atom.Hash == atom.Hash {
			return errDuplicate
		}
		return ErrIDConflict
	}
	if existing, ok := pending[key]; ok {
		if existing.Hash == atom.Hash {
			return errDuplicate
		}
		return ErrIDConflict
	}

	if atom.Cause != nil {
		ck := atom.Cause.String()
		if _, ok := w.byID[ck]; !ok {
			if _, ok := pending[ck]; !ok {
				return ErrCauseNotFound
			}
		}
	}
	return nil
}

// Rejection pairs a rejected atom with the reason.
type Rejection struct {
	Atom *models.Atom
	Err  error
}

// Check simulates inserting the atoms without mutating the weave.
//
// Atoms are ordered causally first, so a batch may contain an atom together
// with its children. accepted lists the atoms that Insert would accept in that
// order, including atoms already present in the weave.
func (w *Weave) Check(atoms []*models.Atom) (accepted []*models.Atom, rejected []Rejection) {
	pending := make(map[string]*models.Atom)
	for _, a := range SortCausal(atoms) {
		err := w.check(a, pending)
		switch {
		case err == nil:
			pending[a.ID.String()] = a
			accepted = append(accepted, a)
		case errors.Is(err, errDuplicate):
			accepted = append(accepted, a)
		default:
			rejected = append(rejected, Rejection{Atom: a, Err: err})
		}
	}
	return accepted, rejected
}

// Subtree returns the atom with the given hash and all of its descendants,
// parents first. It returns nil when the hash is unknown.
func (w *Weave) Subtree(hash string) []*models.Atom {
	n, ok := w.byHash[hash]
	if !ok {
		return nil
	}
	return appendSubtree(nil, n)
}

// Remove removes the atom and all of its descendants from the weave.
// Removing a winning atom makes the next sibling of its slot visible.
func (w *Weave) Remove(atom *models.Atom) RemovalResult {
	if atom == nil {
		return RemovalResult{}
	}
	return w.RemoveByHash(atom.Hash)
}

// RemoveByHash removes the atom with the given hash and all of its descendants.
func (w *Weave) RemoveByHash(hash string) RemovalResult {
	n, ok := w.byHash[hash]
	if !ok {
		return RemovalResult{}
	}
	return RemovalResult{Removed: w.removeNode(n)}
}

// RemoveSiblingsBefore removes the atom together with every sibling of the same
// slot that is ordered before it. Afterwards the next sibling of the slot
// ordered after the atom, if any, is visible.
func (w *Weave) RemoveSiblingsBefore(atom *models.Atom) RemovalResult {
	if atom == nil {
		return RemovalResult{}
	}
	n, ok := w.byHash[atom.Hash]
	if !ok {
		return RemovalResult{}
	}

	siblings := *w.siblingsOf(n.parent)
	var targets []*node
	for _, s := range siblings {
		if s == n {
			break
		}
		if sameSlot(s.atom, n.atom) {
			targets = append(targets, s)
		}
	}
	targets = append(targets, n)

	var removed []*models.Atom
	for _, t := range targets {
		removed = append(removed, w.removeNode(t)...)
	}
	return RemovalResult{Removed: removed}
}

func (w *Weave) removeNode(n *node) []*models.Atom {
	removed := appendSubtree(nil, n)
	for _, a := range removed {
		delete(w.byID, a.ID.String())
		delete(w.byHash, a.Hash)
	}

	siblings := w.siblingsOf(n.parent)
	for i, s := range *siblings {
		if s == n {
			*siblings = append((*siblings)[:i:i], (*siblings)[i+1:]...)
			break
		}
	}
	n.parent = nil
	return removed
}

func (w *Weave) siblingsOf(parent *node) *[]*node {
	if parent == nil {
		return &w.roots
	}
	return &parent.children
}

// nodeOf returns the weave node for the atom, or nil.
func (w *Weave) nodeOf(a *models.Atom) *node {
	if a == nil {
		return nil
	}
	return w.byHash[a.Hash]
}

// Less reports whether a sorts before b among siblings: larger hash first,
// then larger priority, then id string.
func Less(a, b *models.Atom) bool {
	if a.Hash != b.Hash {
		return a.Hash > b.Hash
	}
	if a.ID.Priority != b.ID.Priority {
		return a.ID.Priority > b.ID.Priority
	}
	return a.ID.String() < b.ID.String()
}

func insertSorted(siblings []*node, n *node) []*node {
	i := sort.Search(len(siblings), func(i int) bool {
		return Less(n.atom, siblings[i].atom)
	})
	siblings = append(siblings, nil)
	copy(siblings[i+1:], siblings[i:])
	siblings[i] = n
	return siblings
}

// sameSlot reports whether two sibling atoms compete for the same slot.
// Bot atoms compete for a bot id, tags for a tag name, values for their tag.
// A delete competes with every sibling for the first-child position.
func sameSlot(a, b *models.Atom) bool {
	if a.Value.Type() == models.OpDelete || b.Value.Type() == models.OpDelete {
		return true
	}
	switch av := a.Value.(type) {
	case models.BotOp:
		bv, ok := b.Value.(models.BotOp)
		return ok && av.ID == bv.ID
	case models.TagOp:
		bv, ok := b.Value.(models.TagOp)
		return ok && av.Name == bv.Name
	case models.ValueOp:
		_, ok := b.Value.(models.ValueOp)
		return ok
	}
	return false
}

// firstInSlot returns the first sibling that competes with the atom, skipping the atom itself.
// When the atom is already inserted and wins, the atom's node is returned.
func firstInSlot(siblings []*node, atom *models.Atom) *node {
	for _, s := range siblings {
		if s.atom.Hash == atom.Hash {
			return s
		}
		if sameSlot(s.atom, atom) {
			return s
		}
	}
	return nil
}

func appendSubtree(out []*models.Atom, n *node) []*models.Atom {
	out = append(out, n.atom)
	for _, c := range n.children {
		out = appendSubtree(out, c)
	}
	return out
}

func atomsOf(nodes []*node) []*models.Atom {
	out := make([]*models.Atom, len(nodes))
	for i, n := range nodes {
		out[i] = n.atom
	}
	return out
}
