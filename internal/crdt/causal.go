package crdt

import (
	"sort"

	"github.com/iudanet/causalrepo/internal/models"
)

// SortCausal orders atoms so that every atom comes after its cause when the
// cause is part of the batch. Atoms whose cause is outside the batch keep
// their relative order and are treated as roots of the batch.
//
// Siblings are ordered canonically, so the output does not depend on the
// input order.
func SortCausal(atoms []*models.Atom) []*models.Atom {
	if len(atoms) < 2 {
		return append([]*models.Atom(nil), atoms...)
	}

	byID := make(map[string]*models.Atom, len(atoms))
	for _, a := range atoms {
		if a == nil {
			continue
		}
		byID[a.ID.String()] = a
	}

	children := make(map[string][]*models.Atom)
	var roots []*models.Atom
	for _, a := range atoms {
		if a == nil {
			continue
		}
		if a.Cause != nil {
			if _, ok := byID[a.Cause.String()]; ok {
				key := a.Cause.String()
				children[key] = append(children[key], a)
				continue
			}
		}
		roots = append(roots, a)
	}

	sort.SliceStable(roots, func(i, j int) bool { return Less(roots[i], roots[j]) })

	out := make([]*models.Atom, 0, len(atoms))
	visited := make(map[*models.Atom]struct{}, len(atoms))
	var walk func(a *models.Atom)
	walk = func(a *models.Atom) {
		if _, ok := visited[a]; ok {
			return
		}
		visited[a] = struct{}{}
		out = append(out, a)
		kids := children[a.ID.String()]
		sort.SliceStable(kids, func(i, j int) bool { return Less(kids[i], kids[j]) })
		for _, c := range kids {
			walk(c)
		}
	}
	for _, r := range roots {
		walk(r)
	}

	// циклы по id возможны только у подделанных атомов; они идут в конец
	for _, a := range atoms {
		if a == nil {
			continue
		}
		if _, ok := visited[a]; !ok {
			visited[a] = struct{}{}
			out = append(out, a)
		}
	}
	return out
}
