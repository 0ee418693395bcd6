package assembly

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/aristath/portopt/constraints"
)

// Relaxer decides which constraints give way when a solve is infeasible.
// Soft-flagged constraints convert to penalties first, all at once; after
// that, one constraint at a time in hierarchy order (lowest-priority rank
// first, declaration order as the tie-break).
type Relaxer struct {
	c       *Case
	relaxed map[string]bool
	log     zerolog.Logger
}

// NewRelaxer creates relaxation state for one Case. The state persists
// across rebuilds so already-relaxed constraints stay relaxed.
func NewRelaxer(c *Case, log zerolog.Logger) *Relaxer {
	return &Relaxer{
		c:       c,
		relaxed: make(map[string]bool),
		log:     log.With().Str("component", "relaxer").Logger(),
	}
}

// Relaxed returns the ids to pass as BuildOptions.Relaxed.
func (r *Relaxer) Relaxed() map[string]bool { return r.relaxed }

// RelaxedIDs returns the relaxed constraint ids in a stable order.
func (r *Relaxer) RelaxedIDs() []string {
	ids := make([]string, 0, len(r.relaxed))
	for id := range r.relaxed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// candidateSet is one constraint set and its hierarchy. Sets keep the
// per-slice-then-outer order so ties across sets resolve deterministically.
type candidateSet struct {
	hierarchy *constraints.Hierarchy
	specs     []*constraints.Spec
}

func (r *Relaxer) sets() []candidateSet {
	var out []candidateSet
	for _, s := range r.c.Slices() {
		out = append(out, candidateSet{hierarchy: s.Constraints.Hierarchy(), specs: s.Constraints.Specs()})
	}
	if cp := r.c.crossPeriod; cp != nil {
		out = append(out, candidateSet{hierarchy: cp.Hierarchy(), specs: cp.Specs()})
	}
	if ca := r.c.crossAccount; ca != nil {
		out = append(out, candidateSet{hierarchy: ca.Hierarchy(), specs: ca.Specs()})
	}
	return out
}

// Next marks the next relaxation step given the violated binding ids.
// Returns false when nothing further can give way: the problem is
// irreducibly infeasible.
func (r *Relaxer) Next(violated []string) bool {
	isViolated := make(map[string]bool, len(violated))
	for _, id := range violated {
		isViolated[id] = true
	}

	sets := r.sets()

	// Soft constraints all fall together on the first infeasibility.
	stepped := false
	for _, s := range sets {
		for _, spec := range s.specs {
			id := spec.ID()
			if spec.Soft() && isViolated[id] && !r.relaxed[id] {
				r.relaxed[id] = true
				stepped = true
				r.log.Info().Str("constraint", id).Msg("soft constraint converted to penalty")
			}
		}
	}
	if stepped {
		return true
	}

	// Then strictly by hierarchy: lowest rank first across every set, each
	// set's own relaxation order within a rank, per-slice sets before the
	// outer cross-slice sets.
	for rank := constraints.RankLast; rank >= constraints.RankFirst; rank-- {
		for _, s := range sets {
			for _, spec := range s.hierarchy.RelaxationOrder(s.specs) {
				if s.hierarchy.RankFor(spec.Category()) != rank {
					continue
				}
				id := spec.ID()
				if !isViolated[id] || r.relaxed[id] {
					continue
				}
				r.relaxed[id] = true
				r.log.Info().Str("constraint", id).Msg("constraint relaxed to penalty")
				return true
			}
		}
	}
	return false
}
