package constraints

import "fmt"

// InvalidBoundError reports a constraint whose resolved lower bound exceeds
// its resolved upper bound.
type InvalidBoundError struct {
	ConstraintID string
	Lower, Upper float64
}

func (e *InvalidBoundError) Error() string {
	return fmt.Sprintf("constraint %s: invalid bounds after resolution: lower=%.6f > upper=%.6f", e.ConstraintID, e.Lower, e.Upper)
}

// ReferenceNotFoundError reports a relative constraint whose reference
// portfolio does not exist in the entity store.
type ReferenceNotFoundError struct {
	ConstraintID string
	Reference    string
}

func (e *ReferenceNotFoundError) Error() string {
	return fmt.Sprintf("constraint %s: reference portfolio %q not found", e.ConstraintID, e.Reference)
}

// ResolveBounds turns the declared bounds into absolute ones given the
// reference portfolio's exposure to the constraint functional. Absolute
// bounds pass through; Plus bounds add the exposure; Multiple bounds scale
// it. Fails when the resolved interval is empty.
func (s *Spec) ResolveBounds(refValue float64) (lo, hi float64, err error) {
	lo = resolveOne(s.lower, s.lowerRel, refValue)
	hi = resolveOne(s.upper, s.upperRel, refValue)
	if lo > hi {
		return 0, 0, &InvalidBoundError{ConstraintID: s.id, Lower: lo, Upper: hi}
	}
	return lo, hi, nil
}

func resolveOne(v float64, rel Relative, refValue float64) float64 {
	switch rel {
	case Plus:
		return refValue + v
	case Multiple:
		return refValue * v
	default:
		return v
	}
}

// NeedsReference reports whether any bound is reference-relative or the kind
// always reads a reference (beta, total active weight, active risk budgets).
func (s *Spec) NeedsReference() bool {
	if s.lowerRel != Absolute || s.upperRel != Absolute {
		return true
	}
	switch s.kind {
	case KindBeta, KindTotalActiveWeight:
		return true
	case KindRiskBudget:
		return s.Risk != nil && s.Risk.ActiveRisk
	}
	return false
}
