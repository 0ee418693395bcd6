package solve

import (
	"math"

	"github.com/aristath/portopt/assembly"
	"github.com/aristath/portopt/solver"
	"github.com/aristath/portopt/store"
	"github.com/aristath/portopt/utility"
)

// KKTEntry attributes one constraint's shadow price at the optimum. Hard
// rows carry the engine's dual estimate; penalty constraints carry the
// penalty subgradient at the achieved value.
type KKTEntry struct {
	ID        string
	Dual      float64
	Penalized bool
}

// AssetKKT attributes the marginal utility of one variable at the optimum.
// At an interior optimum the marginal utility net of constraint prices is
// zero; a nonzero residual pairs with an active bound. MarginalCost is the
// analytic slope of the cost terms, split out because both are kinked at a
// zero trade or holding where a numeric derivative smears.
type AssetKKT struct {
	Name            string
	Weight          float64
	MarginalUtility float64
	MarginalCost    float64
	AtLowerBound    bool
	AtUpperBound    bool
}

// KKTReport is the first-order attribution of an optimal solution.
type KKTReport struct {
	Constraints []KKTEntry
	Assets      []AssetKKT
}

const kktStep = 1e-6

func buildKKT(st *store.Store, asm *assembly.Assembled, res *solver.Result) *KKTReport {
	r := &KKTReport{}

	for _, b := range asm.Bindings {
		e := KKTEntry{ID: b.ID}
		if b.Penalty != nil {
			e.Penalized = true
			e.Dual = b.Penalty.Slope(b.Eval(res.X))
		} else {
			e.Dual = res.Duals[b.ID]
		}
		r.Constraints = append(r.Constraints, e)
	}

	p := asm.Problem
	x := append([]float64(nil), res.X...)
	tol := p.Tolerance
	for i := range x {
		a := AssetKKT{
			Name:         p.Names[i],
			Weight:       x[i],
			AtLowerBound: !math.IsInf(p.LowerBounds[i], -1) && x[i]-p.LowerBounds[i] <= tol,
			AtUpperBound: !math.IsInf(p.UpperBounds[i], 1) && p.UpperBounds[i]-x[i] <= tol,
		}
		a.MarginalUtility = centralDiff(asm.Utility, x, i, kktStep)
		r.Assets = append(r.Assets, a)
	}

	for _, sc := range asm.Slices {
		for i, id := range sc.Universe {
			asset, err := st.Asset(id)
			if err != nil {
				continue
			}
			vi := sc.Offset + i
			delta := x[vi] - sc.InitialWeight(id)
			r.Assets[vi].MarginalCost = utility.TradeCostSlope(asset, delta, sc.Slice.BaseValue) +
				utility.HoldingCostSlope(asset, x[vi])
		}
	}
	return r
}

func centralDiff(f func([]float64) float64, x []float64, i int, h float64) float64 {
	orig := x[i]
	x[i] = orig + h
	up := f(x)
	x[i] = orig - h
	down := f(x)
	x[i] = orig
	return (up - down) / (2 * h)
}
