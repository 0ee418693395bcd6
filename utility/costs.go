package utility

import (
	"math"

	"github.com/aristath/portopt/store"
)

// TradeCost evaluates one asset's transaction cost for a weight change of
// delta (final minus initial weight) against a base value. Cost segment
// breakpoints are in traded dollars; slopes apply per unit of relative
// weight, so each segment's contribution is slope times the weight it
// covers.
func TradeCost(a *store.Asset, delta, baseValue float64) float64 {
	if delta == 0 {
		return 0
	}

	var segments []store.CostSegment
	if delta > 0 {
		segments = a.BuyCosts
	} else {
		segments = a.SellCosts
	}

	traded := math.Abs(delta)
	cost := segmentCost(segments, traded, baseValue)

	if a.Nonlinear != nil {
		nl := a.Nonlinear
		cost += nl.C*math.Pow(traded, nl.P) + nl.Q
	}
	if delta > 0 && a.FixedBuyCost > 0 {
		cost += a.FixedBuyCost / baseValue
	}
	if delta < 0 && a.FixedSellCost > 0 {
		cost += a.FixedSellCost / baseValue
	}
	return cost
}

func segmentCost(segments []store.CostSegment, traded, baseValue float64) float64 {
	if len(segments) == 0 || traded == 0 {
		return 0
	}
	tradedDollars := traded * baseValue
	var cost float64
	var prev float64
	for _, seg := range segments {
		if tradedDollars <= prev {
			break
		}
		hi := math.Min(tradedDollars, seg.Breakpoint)
		cost += seg.Slope * (hi - prev) / baseValue
		prev = seg.Breakpoint
	}
	// Dollars past the last breakpoint are charged at the last slope.
	if last := segments[len(segments)-1]; tradedDollars > last.Breakpoint {
		cost += last.Slope * (tradedDollars - last.Breakpoint) / baseValue
	}
	return cost
}

// TradeCostSlope returns the marginal cost per unit of weight at delta: the
// slope of the active segment plus the nonlinear derivative. Fixed costs are
// steps and contribute nothing to the slope.
func TradeCostSlope(a *store.Asset, delta, baseValue float64) float64 {
	if delta == 0 {
		return 0
	}
	var segments []store.CostSegment
	if delta > 0 {
		segments = a.BuyCosts
	} else {
		segments = a.SellCosts
	}

	traded := math.Abs(delta)
	var slope float64
	if len(segments) > 0 {
		tradedDollars := traded * baseValue
		slope = segments[len(segments)-1].Slope
		for _, seg := range segments {
			if tradedDollars <= seg.Breakpoint {
				slope = seg.Slope
				break
			}
		}
	}
	if a.Nonlinear != nil && a.Nonlinear.P > 0 {
		slope += a.Nonlinear.C * a.Nonlinear.P * math.Pow(traded, a.Nonlinear.P-1)
	}
	if delta < 0 {
		return -slope
	}
	return slope
}

// HoldingCost evaluates the carry cost of a final weight: the up-side rate on
// long holdings, the down-side rate on shorts.
func HoldingCost(a *store.Asset, weight float64) float64 {
	if weight > 0 {
		return a.UpSideHoldingCost * weight
	}
	return a.DownSideHoldingCost * -weight
}

// HoldingCostSlope is the derivative of HoldingCost away from zero.
func HoldingCostSlope(a *store.Asset, weight float64) float64 {
	if weight > 0 {
		return a.UpSideHoldingCost
	}
	if weight < 0 {
		return -a.DownSideHoldingCost
	}
	return 0
}
