package solve

import (
	"math"

	"github.com/aristath/portopt/assembly"
	"github.com/aristath/portopt/solver"
	"github.com/aristath/portopt/store"
)

// RoundLotAdjustment records one position snapped to a lot multiple.
type RoundLotAdjustment struct {
	Slice    assembly.SliceKey
	AssetID  string
	Weight   float64 // before snapping
	Rounded  float64 // after snapping
	LotSize  int
	OddShare float64 // share remainder dropped or kept by the odd-lot rule
}

// RoundLotReport is the post-optimization roundlotting result: the snapped
// weights and the constraints the snapping pushed out of tolerance. Snapping
// happens after the solve, so the report, not the solver, owns feasibility.
type RoundLotReport struct {
	X           []float64
	Adjustments []RoundLotAdjustment
	Violations  []solver.Violation
}

// roundLot snaps each priced position to a whole number of lots. With
// allowOddLot the initial position's odd lot survives and only the traded
// quantity is snapped. Snapping is idempotent: weights already on a lot
// multiple pass through unchanged.
func roundLot(st *store.Store, asm *assembly.Assembled, x []float64, allowOddLot bool) *RoundLotReport {
	report := &RoundLotReport{X: append([]float64(nil), x...)}

	for _, sc := range asm.Slices {
		base := sc.Slice.BaseValue
		for i, id := range sc.Universe {
			asset, err := st.Asset(id)
			if err != nil || asset.Price <= 0 || asset.RoundLotSize <= 0 {
				continue
			}
			vi := sc.Offset + i
			lot := float64(asset.RoundLotSize)
			shares := x[vi] * base / asset.Price

			var rounded float64
			if allowOddLot {
				// Snap the trade, not the position: an odd lot already held
				// stays.
				initShares := sc.InitialWeight(id) * base / asset.Price
				traded := shares - initShares
				rounded = initShares + math.Round(traded/lot)*lot
			} else {
				rounded = math.Round(shares/lot) * lot
			}
			// Positions already on a lot multiple pass through; the epsilon
			// absorbs float noise in the share conversion.
			if math.Abs(rounded-shares) < 1e-9 {
				continue
			}

			w := rounded * asset.Price / base
			report.Adjustments = append(report.Adjustments, RoundLotAdjustment{
				Slice:    sc.Slice.Key,
				AssetID:  id,
				Weight:   x[vi],
				Rounded:  w,
				LotSize:  asset.RoundLotSize,
				OddShare: shares - rounded,
			})
			report.X[vi] = w
		}
	}

	report.Violations = rowViolations(asm.Problem, report.X)
	return report
}

// rowViolations re-checks every hard row and box bound at the snapped point.
func rowViolations(p *solver.Problem, x []float64) []solver.Violation {
	var out []solver.Violation
	tol := p.Tolerance

	for i := range x {
		if v := intervalViolation(x[i], p.LowerBounds[i], p.UpperBounds[i]); v > tol {
			out = append(out, solver.Violation{RowID: p.Names[i], Amount: v})
		}
	}
	for _, row := range p.Linear {
		var sum float64
		for i, c := range row.Coeffs {
			sum += c * x[i]
		}
		if v := intervalViolation(sum, row.Lower, row.Upper); v > tol {
			out = append(out, solver.Violation{RowID: row.ID, Amount: v})
		}
	}
	for _, row := range p.Nonlinear {
		if v := intervalViolation(row.Func(x), row.Lower, row.Upper); v > tol {
			out = append(out, solver.Violation{RowID: row.ID, Amount: v})
		}
	}
	return out
}

func intervalViolation(f, lo, hi float64) float64 {
	switch {
	case f < lo:
		return lo - f
	case f > hi:
		return f - hi
	default:
		return 0
	}
}
