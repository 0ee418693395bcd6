package constraints

import "sort"

// Rank orders constraint categories for relaxation. First-ranked categories
// are kept hard the longest; Last-ranked (and unranked) categories are
// relaxed first.
type Rank int

const (
	RankFirst Rank = iota
	RankSecond
	RankThird
	RankFourth
	RankFifth
	RankLast
)

// Hierarchy assigns priority ranks to constraint categories. It only takes
// effect when the assembled problem is infeasible.
type Hierarchy struct {
	ranks map[Category]Rank
}

// NewHierarchy creates an empty hierarchy; every category defaults to
// RankLast.
func NewHierarchy() *Hierarchy {
	return &Hierarchy{ranks: make(map[Category]Rank)}
}

// AddPriority assigns a rank to a category.
func (h *Hierarchy) AddPriority(cat Category, rank Rank) *Hierarchy {
	h.ranks[cat] = rank
	return h
}

// RankFor returns the rank of a category, defaulting to RankLast.
func (h *Hierarchy) RankFor(cat Category) Rank {
	if h == nil {
		return RankLast
	}
	if r, ok := h.ranks[cat]; ok {
		return r
	}
	return RankLast
}

// RelaxationOrder returns the specs sorted so that the first entry is the
// first candidate for relaxation: lowest-priority rank first, and within a
// rank, declaration order. Declaration order is the documented deterministic
// tie-break; identical input always produces identical relaxation order.
func (h *Hierarchy) RelaxationOrder(specs []*Spec) []*Spec {
	out := make([]*Spec, len(specs))
	copy(out, specs)
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := h.RankFor(out[i].Category()), h.RankFor(out[j].Category())
		if ri != rj {
			return ri > rj
		}
		return out[i].DeclIndex() < out[j].DeclIndex()
	})
	return out
}
