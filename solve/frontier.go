package solve

import (
	"context"
	"fmt"
	"math"

	"github.com/aristath/portopt/assembly"
	"github.com/aristath/portopt/solver"
)

// FrontierDimension selects what a frontier sweep varies.
type FrontierDimension int

const (
	// FrontierRisk sweeps the risk cap.
	FrontierRisk FrontierDimension = iota
	// FrontierReturn sweeps the return floor.
	FrontierReturn
	// FrontierConstraintBound sweeps a named constraint's upper bound; also
	// the way to sweep total leverage, via a leverage constraint's id.
	FrontierConstraintBound
)

// InvalidFrontierError reports a sweep stopped early at an unsolvable point.
// Outputs collected before the stop are retained on the error.
type InvalidFrontierError struct {
	Point   int
	Status  solver.Status
	Outputs []*Output
}

func (e *InvalidFrontierError) Error() string {
	return fmt.Sprintf("frontier point %d unsolvable: %s", e.Point, e.Status)
}

// Frontier sweeps one dimension over evenly spaced points, producing an
// Output per point.
type Frontier struct {
	s            *Solver
	dim          FrontierDimension
	constraintID string
	lower        float64
	upper        float64
	points       int
}

// NewFrontier starts a sweep from lower to upper with the configured default
// point count.
func (s *Solver) NewFrontier(dim FrontierDimension, lower, upper float64) *Frontier {
	return &Frontier{
		s:      s,
		dim:    dim,
		lower:  lower,
		upper:  upper,
		points: s.cfg.FrontierPoints,
	}
}

// SetConstraint names the constraint whose upper bound a
// FrontierConstraintBound sweep varies.
func (f *Frontier) SetConstraint(id string) *Frontier {
	f.constraintID = id
	return f
}

// SetPoints overrides the point count.
func (f *Frontier) SetPoints(n int) *Frontier {
	if n > 0 {
		f.points = n
	}
	return f
}

// Run executes the sweep. The case itself is left unchanged. On an
// unsolvable point the collected outputs are returned alongside an
// InvalidFrontierError carrying them.
func (f *Frontier) Run(ctx context.Context) ([]*Output, error) {
	if f.dim == FrontierConstraintBound && f.constraintID == "" {
		return nil, fmt.Errorf("frontier: constraint bound sweep needs a constraint id")
	}
	restore := f.ensureTarget()
	defer restore()

	outputs := make([]*Output, 0, f.points)
	for i := 0; i < f.points; i++ {
		v := f.lower
		if f.points > 1 {
			v = f.lower + (f.upper-f.lower)*float64(i)/float64(f.points-1)
		}

		opts := assembly.BuildOptions{BoundOverrides: map[string]assembly.Bounds{}}
		switch f.dim {
		case FrontierRisk:
			opts.BoundOverrides[assembly.RiskTargetID] = assembly.Bounds{Lower: math.Inf(-1), Upper: v}
		case FrontierReturn:
			opts.BoundOverrides[assembly.ReturnTargetID] = assembly.Bounds{Lower: v, Upper: math.Inf(1)}
		case FrontierConstraintBound:
			opts.BoundOverrides[f.constraintID] = assembly.Bounds{Lower: math.Inf(-1), Upper: v}
		}

		out, err := f.s.optimize(ctx, opts)
		if err != nil {
			return outputs, err
		}
		if !out.Optimal() {
			return outputs, &InvalidFrontierError{Point: i, Status: out.Status(), Outputs: outputs}
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

// ensureTarget makes sure the swept target binding exists, temporarily
// registering a case target when the dimension needs one. The returned
// function restores the case.
func (f *Frontier) ensureTarget() func() {
	c := f.s.c
	switch f.dim {
	case FrontierRisk:
		if c.RiskTarget() == nil {
			c.SetRiskTarget(f.upper)
			return c.ClearRiskTarget
		}
	case FrontierReturn:
		if c.ReturnTarget() == nil {
			c.SetReturnTarget(f.lower)
			return c.ClearReturnTarget
		}
	}
	return func() {}
}
