package assembly

import (
	"math"

	"github.com/aristath/portopt/constraints"
	"github.com/aristath/portopt/solver"
	"github.com/aristath/portopt/store"
)

// lowerParing turns one paring spec into a cardinality hint for the engine's
// combinatorial layer. Cash assets never count. A relaxed count paring is
// lowered in penalty form so the relaxation ladder can soften it like any
// other constraint.
func (a *Assembler) lowerParing(p *solver.Problem, sc *sliceCtx, spec *constraints.Spec, groups store.GroupIndex, opts BuildOptions) error {
	if rule := spec.ParingRule; rule != nil {
		return a.lowerCountParing(p, sc, spec, rule, groups, opts)
	}
	if rule := spec.LevelRule; rule != nil {
		return a.lowerLevelParing(p, sc, spec, rule, groups)
	}
	return &Error{ConstraintID: spec.ID(), Msg: "paring constraint without a rule payload"}
}

func (a *Assembler) paringMembers(sc *sliceCtx, group, category string, groups store.GroupIndex) []int {
	var inGroup map[string]bool
	if group != "" {
		inGroup = make(map[string]bool)
		for _, id := range groups.Members(group, category) {
			inGroup[id] = true
		}
	}
	var members []int
	for i, id := range sc.Universe {
		if inGroup != nil && !inGroup[id] {
			continue
		}
		if asset, err := a.store.Asset(id); err == nil && asset.Class == store.ClassCash {
			continue
		}
		members = append(members, sc.Offset+i)
	}
	return members
}

func (a *Assembler) lowerCountParing(p *solver.Problem, sc *sliceCtx, spec *constraints.Spec, rule *constraints.Paring, groups store.GroupIndex, opts BuildOptions) error {
	members := a.paringMembers(sc, rule.GroupName, rule.GroupCategory, groups)
	if len(members) == 0 {
		return &Error{ConstraintID: spec.ID(), Msg: "paring constraint matches no assets"}
	}

	hint := solver.CardinalityHint{
		ID:           spec.ID(),
		Members:      members,
		Min:          rule.Min,
		Max:          rule.Max,
		PenaltySlope: rule.PenaltyPerExtra,
	}
	switch rule.Type {
	case constraints.ParingNumTrades:
		hint.Reference = a.memberReference(sc, members)
	case constraints.ParingNumBuys:
		hint.Reference = a.memberReference(sc, members)
		hint.Direction = solver.BuyTrade
	case constraints.ParingNumSells:
		hint.Reference = a.memberReference(sc, members)
		hint.Direction = solver.SellTrade
	}
	if opts.Relaxed[spec.ID()] && hint.PenaltySlope <= 0 {
		hint.PenaltySlope = relaxedParingSlope
	}
	p.Cardinality = append(p.Cardinality, hint)
	return nil
}

// relaxedParingSlope is the per-name penalty applied to a count paring after
// the relaxer converts it. Large against typical utility magnitudes, so the
// count still binds whenever the rest of the problem allows it.
const relaxedParingSlope = 1.0

func (a *Assembler) lowerLevelParing(p *solver.Problem, sc *sliceCtx, spec *constraints.Spec, rule *constraints.LevelParing, groups store.GroupIndex) error {
	var members []int
	if rule.AssetID != "" {
		vi := sc.VarIndex(rule.AssetID)
		if vi < 0 {
			return &Error{ConstraintID: spec.ID(), Msg: "paring asset not in universe"}
		}
		members = []int{vi}
	} else {
		members = a.paringMembers(sc, rule.GroupName, rule.GroupCategory, groups)
	}
	if len(members) == 0 {
		return &Error{ConstraintID: spec.ID(), Msg: "paring constraint matches no assets"}
	}

	hint := solver.CardinalityHint{
		ID:        spec.ID(),
		Members:   members,
		Max:       -1,
		Threshold: rule.Threshold,
	}
	if rule.Level != constraints.LevelMinHolding {
		// Transaction and trade size levels apply to the trade, not the
		// final holding.
		hint.Reference = a.memberReference(sc, members)
	}
	if rule.Grandfather && rule.Level == constraints.LevelMinHolding {
		// Positions already under the level are exempt.
		hint.Grandfathered = make(map[int]bool)
		for i, id := range sc.Universe {
			vi := sc.Offset + i
			if !containsInt(members, vi) {
				continue
			}
			w0 := math.Abs(sc.InitialWeight(id))
			if w0 > 0 && w0 < rule.Threshold {
				hint.Grandfathered[vi] = true
			}
		}
	}
	p.Cardinality = append(p.Cardinality, hint)
	return nil
}

func (a *Assembler) memberReference(sc *sliceCtx, members []int) []float64 {
	ref := make([]float64, len(members))
	for i, vi := range members {
		ref[i] = sc.InitialWeight(sc.Universe[vi-sc.Offset])
	}
	return ref
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
