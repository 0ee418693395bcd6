package solver

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"

	"github.com/aristath/portopt/config"
)

// DefaultPenaltyWeight scales the quadratic penalty applied to hard row
// violations during the smooth passes. The weight escalates tenfold per
// round, warm-starting from the previous solution, until every row sits
// within tolerance or MaxPenaltyWeight is reached.
const (
	DefaultPenaltyWeight = 1000.0
	MaxPenaltyWeight     = 1e10
)

// NumericEngine solves assembled problems with gonum's optimizers: box
// bounds by projection, hard rows by quadratic penalty, combinatorial hints
// by iterative fix-and-resolve. BFGS runs first; NelderMead is the fallback
// when it fails to converge, which also covers nonsmooth objectives.
type NumericEngine struct {
	penaltyWeight     float64
	tolerance         float64
	maxIterations     int
	cardinalityPasses int
	log               zerolog.Logger
}

// NewNumericEngine creates an engine with the config's tolerances.
func NewNumericEngine(cfg *config.Config, log zerolog.Logger) *NumericEngine {
	return &NumericEngine{
		penaltyWeight:     DefaultPenaltyWeight,
		tolerance:         cfg.SolverTolerance,
		maxIterations:     cfg.MaxIterations,
		cardinalityPasses: cfg.CardinalityPasses,
		log:               log.With().Str("component", "solver").Logger(),
	}
}

var successStatuses = map[optimize.Status]bool{
	optimize.Success:             true,
	optimize.GradientThreshold:   true,
	optimize.FunctionConvergence: true,
}

// Solve implements Engine.
func (e *NumericEngine) Solve(ctx context.Context, p *Problem) (*Result, error) {
	start := time.Now()
	if err := p.Validate(); err != nil {
		return nil, err
	}

	tol := p.Tolerance
	if tol <= 0 {
		tol = e.tolerance
	}
	maxIter := p.MaxIterations
	if maxIter <= 0 {
		maxIter = e.maxIterations
	}

	lo := append([]float64(nil), p.LowerBounds...)
	hi := append([]float64(nil), p.UpperBounds...)

	var x []float64
	var iterations int
	wFinal := e.penaltyWeight
	for pass := 0; ; pass++ {
		xp, iters, status, wp := e.minimize(ctx, p, lo, hi, maxIter, tol)
		iterations += iters
		wFinal = wp
		if status != Optimal {
			return &Result{
				Status:     status,
				X:          xp,
				Iterations: iterations,
				Runtime:    time.Since(start),
			}, nil
		}
		x = xp

		if pass >= e.cardinalityPasses || !e.enforceCardinality(p, x, lo, hi, tol) {
			break
		}
		e.log.Debug().Int("pass", pass+1).Msg("cardinality hint violated, fixing and re-solving")
	}

	violations := e.violations(p, x, lo, hi, tol)
	if len(violations) > 0 {
		return &Result{
			Status:     Infeasible,
			X:          x,
			Objective:  p.Objective(x),
			Violations: violations,
			Iterations: iterations,
			Runtime:    time.Since(start),
		}, nil
	}

	return &Result{
		Status:     Optimal,
		X:          x,
		Objective:  p.Objective(x),
		Duals:      e.duals(p, x, wFinal),
		Iterations: iterations,
		Runtime:    time.Since(start),
	}, nil
}

// minimize runs the smooth penalty-method rounds within the current box,
// escalating the penalty weight until the hard rows sit within tolerance.
func (e *NumericEngine) minimize(ctx context.Context, p *Problem, lo, hi []float64, maxIter int, tol float64) ([]float64, int, Status, float64) {
	n := p.N
	w := e.penaltyWeight

	project := func(x []float64) []float64 {
		proj := make([]float64, n)
		for i := range x {
			proj[i] = math.Max(lo[i], math.Min(hi[i], x[i]))
		}
		return proj
	}

	penalized := func(x []float64) float64 {
		xp := project(x)
		obj := p.Objective(xp)
		for _, row := range p.Linear {
			obj += w * square(rowViolation(dot(row.Coeffs, xp), row.Lower, row.Upper))
		}
		for _, row := range p.Nonlinear {
			obj += w * square(rowViolation(row.Func(xp), row.Lower, row.Upper))
		}
		obj += e.paringPenalty(p, xp)
		return obj
	}

	problem := optimize.Problem{
		Func: penalized,
		Status: func() (optimize.Status, error) {
			select {
			case <-ctx.Done():
				return optimize.Failure, ctx.Err()
			default:
				return optimize.NotTerminated, nil
			}
		},
	}

	// BFGS requires a gradient. Problems assembled without an analytic one
	// get a finite-difference gradient of the penalized objective; Minimize
	// only derives this itself when the method argument is nil.
	if p.Gradient == nil {
		problem.Grad = func(grad, x []float64) {
			fd.Gradient(grad, penalized, x, nil)
		}
	} else {
		problem.Grad = func(grad, x []float64) {
			xp := project(x)
			p.Gradient(grad, xp)
			for _, row := range p.Linear {
				v := signedViolation(dot(row.Coeffs, xp), row.Lower, row.Upper)
				if v == 0 {
					continue
				}
				for i, c := range row.Coeffs {
					grad[i] += 2 * w * v * c
				}
			}
			if len(p.Nonlinear) > 0 {
				rowGrad := make([]float64, n)
				for _, row := range p.Nonlinear {
					v := signedViolation(row.Func(xp), row.Lower, row.Upper)
					if v == 0 {
						continue
					}
					for i := range rowGrad {
						rowGrad[i] = 0
					}
					row.Grad(rowGrad, xp)
					for i := range grad {
						grad[i] += 2 * w * v * rowGrad[i]
					}
				}
			}
			// Paring penalties are counting terms; they have no gradient.
		}
	}

	initial := project(p.Init)
	settings := &optimize.Settings{MajorIterations: maxIter}

	var iterations int
	for {
		result, err := optimize.Minimize(problem, initial, settings, &optimize.BFGS{})
		if canceled(ctx) {
			return e.bestX(result, initial, project), iterations + statsIters(result), TimedOut, w
		}
		if err != nil || !successStatuses[result.Status] {
			iterations += statsIters(result)
			result, err = optimize.Minimize(problem, initial, settings, &optimize.NelderMead{})
			if canceled(ctx) {
				return e.bestX(result, initial, project), iterations + statsIters(result), TimedOut, w
			}
			if err != nil || !successStatuses[result.Status] {
				e.log.Warn().Err(err).Msg("optimizer did not converge")
				return e.bestX(result, initial, project), iterations + statsIters(result), NumericalError, w
			}
		}
		iterations += statsIters(result)
		x := project(result.X)

		if e.maxRowViolation(p, x) <= tol || w >= MaxPenaltyWeight {
			return x, iterations, Optimal, w
		}
		// Warm-start the next round at a stiffer penalty.
		w *= 10
		initial = x
	}
}

func (e *NumericEngine) maxRowViolation(p *Problem, x []float64) float64 {
	var worst float64
	for _, row := range p.Linear {
		worst = math.Max(worst, rowViolation(dot(row.Coeffs, x), row.Lower, row.Upper))
	}
	for _, row := range p.Nonlinear {
		worst = math.Max(worst, rowViolation(row.Func(x), row.Lower, row.Upper))
	}
	return worst
}

func (e *NumericEngine) bestX(result *optimize.Result, fallback []float64, project func([]float64) []float64) []float64 {
	if result != nil && result.X != nil {
		return project(result.X)
	}
	return fallback
}

func statsIters(result *optimize.Result) int {
	if result == nil {
		return 0
	}
	return result.Stats.MajorIterations
}

func canceled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// paringPenalty adds the soft form of cardinality hints: slope per counted
// member past the bound.
func (e *NumericEngine) paringPenalty(p *Problem, x []float64) float64 {
	var penalty float64
	for _, h := range p.Cardinality {
		if h.PenaltySlope <= 0 {
			continue
		}
		count := e.countMembers(h, x, e.tolerance)
		if h.Max >= 0 && count > h.Max {
			penalty += h.PenaltySlope * float64(count-h.Max)
		}
		if count < h.Min {
			penalty += h.PenaltySlope * float64(h.Min-count)
		}
	}
	return penalty
}

func (e *NumericEngine) countMembers(h CardinalityHint, x []float64, tol float64) int {
	count := 0
	for mi, vi := range h.Members {
		v := x[vi]
		if h.Reference != nil {
			v -= h.Reference[mi]
		}
		switch h.Direction {
		case BuyTrade:
			if v > tol {
				count++
			}
		case SellTrade:
			if v < -tol {
				count++
			}
		default:
			if math.Abs(v) > tol {
				count++
			}
		}
	}
	return count
}

// enforceCardinality mutates the box bounds to push the solution toward hard
// hint satisfaction: excess members are fixed at their reference, deficit
// counts pull the nearest outside members past the counting tolerance, and
// members stuck under a level threshold are either zeroed or floored at it.
// Returns true when anything changed, asking for a re-solve.
func (e *NumericEngine) enforceCardinality(p *Problem, x, lo, hi []float64, tol float64) bool {
	changed := false
	for _, h := range p.Cardinality {
		if h.PenaltySlope > 0 {
			continue
		}
		if h.Threshold > 0 {
			changed = e.enforceThreshold(h, x, lo, hi, tol) || changed
			continue
		}
		if h.Max < 0 && h.Min <= 0 {
			continue
		}

		type member struct {
			idx  int // position in h.Members
			size float64
		}
		var counted, outside []member
		for mi, vi := range h.Members {
			v := x[vi]
			if h.Reference != nil {
				v -= h.Reference[mi]
			}
			in := false
			switch h.Direction {
			case BuyTrade:
				in = v > tol
			case SellTrade:
				in = v < -tol
			default:
				in = math.Abs(v) > tol
			}
			if in {
				counted = append(counted, member{idx: mi, size: math.Abs(v)})
			} else {
				outside = append(outside, member{idx: mi, size: math.Abs(v)})
			}
		}

		if excess := len(counted) - h.Max; h.Max >= 0 && excess > 0 {
			// Fix the smallest counted members at their reference.
			sort.Slice(counted, func(a, b int) bool { return counted[a].size < counted[b].size })
			for _, m := range counted[:excess] {
				vi := h.Members[m.idx]
				ref := 0.0
				if h.Reference != nil {
					ref = h.Reference[m.idx]
				}
				ref = math.Max(p.LowerBounds[vi], math.Min(p.UpperBounds[vi], ref))
				if lo[vi] != ref || hi[vi] != ref {
					lo[vi], hi[vi] = ref, ref
					changed = true
				}
			}
			continue
		}

		if deficit := h.Min - len(counted); deficit > 0 {
			// Push the members closest to counting just past the counting
			// tolerance, preferring the ones already nearest the line.
			entry := 10 * tol
			sort.Slice(outside, func(a, b int) bool { return outside[a].size > outside[b].size })
			for _, m := range outside {
				if deficit <= 0 {
					break
				}
				vi := h.Members[m.idx]
				ref := 0.0
				if h.Reference != nil {
					ref = h.Reference[m.idx]
				}
				switch {
				case h.Direction != SellTrade && p.UpperBounds[vi] >= ref+entry:
					if lo[vi] < ref+entry {
						lo[vi] = ref + entry
						changed = true
					}
					deficit--
				case h.Direction != BuyTrade && p.LowerBounds[vi] <= ref-entry:
					if hi[vi] > ref-entry {
						hi[vi] = ref - entry
						changed = true
					}
					deficit--
				}
			}
		}
	}
	return changed
}

func (e *NumericEngine) enforceThreshold(h CardinalityHint, x, lo, hi []float64, tol float64) bool {
	changed := false
	for mi, vi := range h.Members {
		if h.Grandfathered[vi] {
			continue
		}
		ref := 0.0
		if h.Reference != nil {
			ref = h.Reference[mi]
		}
		v := x[vi] - ref
		if math.Abs(v) <= tol || math.Abs(v) >= h.Threshold-tol {
			continue
		}
		// Below threshold: round down to the reference when under half of it,
		// floor at the threshold otherwise.
		if math.Abs(v) < h.Threshold/2 {
			if lo[vi] != ref || hi[vi] != ref {
				lo[vi], hi[vi] = ref, ref
				changed = true
			}
		} else if v > 0 {
			floor := ref + h.Threshold
			if lo[vi] < floor {
				lo[vi] = floor
				changed = true
			}
		} else {
			ceil := ref - h.Threshold
			if hi[vi] > ceil {
				hi[vi] = ceil
				changed = true
			}
		}
	}
	return changed
}

// violations reports hard rows and hard hints unsatisfied past tolerance.
func (e *NumericEngine) violations(p *Problem, x, lo, hi []float64, tol float64) []Violation {
	var out []Violation
	for _, row := range p.Linear {
		if v := rowViolation(dot(row.Coeffs, x), row.Lower, row.Upper); v > tol {
			out = append(out, Violation{RowID: row.ID, Amount: v})
		}
	}
	for _, row := range p.Nonlinear {
		if v := rowViolation(row.Func(x), row.Lower, row.Upper); v > tol {
			out = append(out, Violation{RowID: row.ID, Amount: v})
		}
	}
	for _, h := range p.Cardinality {
		if h.PenaltySlope > 0 || h.Threshold > 0 {
			continue
		}
		count := e.countMembers(h, x, tol)
		if h.Max >= 0 && count > h.Max {
			out = append(out, Violation{RowID: h.ID, Amount: float64(count - h.Max)})
		}
		if count < h.Min {
			out = append(out, Violation{RowID: h.ID, Amount: float64(h.Min - count)})
		}
	}
	return out
}

// duals estimates per-row shadow prices from the penalty gradient at the
// solution. Inactive rows price at zero.
func (e *NumericEngine) duals(p *Problem, x []float64, w float64) map[string]float64 {
	duals := make(map[string]float64, len(p.Linear)+len(p.Nonlinear))
	for _, row := range p.Linear {
		duals[row.ID] = 2 * w * signedViolation(dot(row.Coeffs, x), row.Lower, row.Upper)
	}
	for _, row := range p.Nonlinear {
		duals[row.ID] = 2 * w * signedViolation(row.Func(x), row.Lower, row.Upper)
	}
	return duals
}

func dot(coeffs, x []float64) float64 {
	return floats.Dot(coeffs, x)
}

func square(v float64) float64 { return v * v }

// rowViolation is the nonnegative distance from f to [lo, hi].
func rowViolation(f, lo, hi float64) float64 {
	switch {
	case f < lo:
		return lo - f
	case f > hi:
		return f - hi
	default:
		return 0
	}
}

// signedViolation is negative below the range, positive above.
func signedViolation(f, lo, hi float64) float64 {
	switch {
	case f < lo:
		return f - lo
	case f > hi:
		return f - hi
	default:
		return 0
	}
}
