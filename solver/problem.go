// Package solver defines the assembled problem handed to a numeric engine
// and provides a gonum-based reference engine. The assembled problem is an
// opaque description: objective plus gradient over a flat variable vector,
// box bounds, linear and nonlinear rows, and combinatorial hints.
package solver

import (
	"context"
	"fmt"
	"time"
)

// Status classifies the outcome of a solve.
type Status int

const (
	Optimal Status = iota
	Infeasible
	LicenseError
	NumericalError
	TimedOut
)

func (s Status) String() string {
	switch s {
	case Optimal:
		return "optimal"
	case Infeasible:
		return "infeasible"
	case LicenseError:
		return "license error"
	case NumericalError:
		return "numerical error"
	case TimedOut:
		return "timed out"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// LinearRow is one hard linear constraint lower <= c'x <= upper.
type LinearRow struct {
	ID     string
	Coeffs []float64
	Lower  float64
	Upper  float64
}

// NonlinearRow is one hard smooth constraint lower <= f(x) <= upper. Grad
// writes df/dx into its first argument.
type NonlinearRow struct {
	ID    string
	Func  func(x []float64) float64
	Grad  func(grad, x []float64)
	Lower float64
	Upper float64
}

// TradeDirection restricts which trades a cardinality hint counts.
type TradeDirection int

const (
	AnyTrade TradeDirection = iota
	BuyTrade
	SellTrade
)

// CardinalityHint describes one combinatorial restriction over a member
// subset of the variables. With a nil Reference it counts nonzero holdings;
// with a Reference it counts trades away from it. A positive Threshold turns
// the hint into a level rule: counted members must be zero or at least the
// threshold in magnitude.
type CardinalityHint struct {
	ID            string
	Members       []int
	Reference     []float64 // per-member reference weight, nil for holdings
	Direction     TradeDirection
	Min           int
	Max           int // negative means unbounded
	Threshold     float64
	Grandfathered map[int]bool // member indices exempt from the threshold
	PenaltySlope  float64      // >0 converts the bound to disutility per extra violation
}

// Problem is a fully assembled mathematical program. Objective is minimized;
// the assembler negates utility before building one.
type Problem struct {
	N         int
	Names     []string
	Objective func(x []float64) float64
	Gradient  func(grad, x []float64)

	Init        []float64
	LowerBounds []float64
	UpperBounds []float64

	Linear      []LinearRow
	Nonlinear   []NonlinearRow
	Cardinality []CardinalityHint

	Tolerance     float64
	MaxIterations int
}

// Validate checks dimensional consistency before a solve.
func (p *Problem) Validate() error {
	if p.N == 0 {
		return fmt.Errorf("problem has no variables")
	}
	if p.Objective == nil {
		return fmt.Errorf("problem has no objective")
	}
	if len(p.Init) != p.N || len(p.LowerBounds) != p.N || len(p.UpperBounds) != p.N {
		return fmt.Errorf("init/bounds length does not match %d variables", p.N)
	}
	for i := range p.LowerBounds {
		if p.LowerBounds[i] > p.UpperBounds[i] {
			return fmt.Errorf("variable %d has crossed bounds [%v, %v]", i, p.LowerBounds[i], p.UpperBounds[i])
		}
	}
	for _, row := range p.Linear {
		if len(row.Coeffs) != p.N {
			return fmt.Errorf("linear row %s has %d coefficients for %d variables", row.ID, len(row.Coeffs), p.N)
		}
		if row.Lower > row.Upper {
			return fmt.Errorf("linear row %s has crossed bounds [%v, %v]", row.ID, row.Lower, row.Upper)
		}
	}
	return nil
}

// Violation holds one unsatisfied hard row at the returned point.
type Violation struct {
	RowID  string
	Amount float64
}

// Result is the raw solver outcome: primal solution, per-row dual estimates,
// and the violations that made an infeasible problem infeasible.
type Result struct {
	Status     Status
	X          []float64
	Objective  float64
	Duals      map[string]float64
	Violations []Violation
	Iterations int
	Runtime    time.Duration
}

// Engine is the numeric back-end contract. Solve blocks; engines must honor
// context cancellation by returning a TimedOut result.
type Engine interface {
	Solve(ctx context.Context, p *Problem) (*Result, error)
}
