package store

import "math"

// AssetClass distinguishes cash, regular, and composite instruments.
type AssetClass int

const (
	ClassRegular AssetClass = iota
	ClassCash
	ClassComposite
	ClassCompositeFuture
)

// CostSegment is one piece of a piecewise-linear transaction cost schedule.
// The slope applies per unit of relative weight traded; the breakpoint is the
// upper limit of the segment in traded dollars (math.Inf(1) for the open
// tail).
type CostSegment struct {
	Slope      float64
	Breakpoint float64
}

// NonlinearCost is the c*|amount|^p + q cost family.
type NonlinearCost struct {
	C float64
	P float64
	Q float64
}

// Asset is owned by the Store and referenced, never owned, by portfolios and
// constraints.
type Asset struct {
	ID           string
	Class        AssetClass
	Price        float64
	RoundLotSize int
	Alpha        float64
	Issuer       string

	BuyCosts            []CostSegment
	SellCosts           []CostSegment
	Nonlinear           *NonlinearCost
	FixedBuyCost        float64
	FixedSellCost       float64
	UpSideHoldingCost   float64 // per unit of long holding
	DownSideHoldingCost float64 // per unit of short holding

	groups map[string]string // group attribute -> category
}

// SetPrice sets the asset price, required for roundlotting and share-level
// trade lists.
func (a *Asset) SetPrice(p float64) { a.Price = p }

// SetRoundLotSize sets the lot multiple used by roundlotting.
func (a *Asset) SetRoundLotSize(n int) { a.RoundLotSize = n }

// SetAlpha sets the asset's expected return.
func (a *Asset) SetAlpha(alpha float64) { a.Alpha = alpha }

// SetIssuer assigns the asset to an issuer, used by issuer constraints and
// the 5/10/40 rule.
func (a *Asset) SetIssuer(id string) { a.Issuer = id }

// AddBuyCost appends an open-ended piecewise-linear buy cost segment.
func (a *Asset) AddBuyCost(slope float64) {
	a.AddBuyCostUpTo(slope, math.Inf(1))
}

// AddBuyCostUpTo appends a buy cost segment capped at upTo traded dollars.
// Segments apply in the order added.
func (a *Asset) AddBuyCostUpTo(slope, upTo float64) {
	a.BuyCosts = append(a.BuyCosts, CostSegment{Slope: slope, Breakpoint: upTo})
}

// AddSellCost appends an open-ended piecewise-linear sell cost segment.
func (a *Asset) AddSellCost(slope float64) {
	a.AddSellCostUpTo(slope, math.Inf(1))
}

// AddSellCostUpTo appends a sell cost segment capped at upTo traded dollars.
func (a *Asset) AddSellCostUpTo(slope, upTo float64) {
	a.SellCosts = append(a.SellCosts, CostSegment{Slope: slope, Breakpoint: upTo})
}

// SetNonlinearCost sets the asset-level nonlinear transaction cost c, p, q.
func (a *Asset) SetNonlinearCost(c, p, q float64) {
	a.Nonlinear = &NonlinearCost{C: c, P: p, Q: q}
}

// SetFixedBuyCost sets a flat cost charged whenever the asset is bought.
func (a *Asset) SetFixedBuyCost(cost float64) { a.FixedBuyCost = cost }

// SetFixedSellCost sets a flat cost charged whenever the asset is sold.
func (a *Asset) SetFixedSellCost(cost float64) { a.FixedSellCost = cost }

// SetHoldingCost sets the per-unit costs of carrying long and short
// positions.
func (a *Asset) SetHoldingCost(upSide, downSide float64) {
	a.UpSideHoldingCost = upSide
	a.DownSideHoldingCost = downSide
}

// SetGroupAttribute tags the asset with a category under a named grouping
// (e.g. "Sector" -> "Information Technology").
func (a *Asset) SetGroupAttribute(group, category string) {
	if a.groups == nil {
		a.groups = make(map[string]string)
	}
	a.groups[group] = category
}

// GroupAttribute returns the asset's category under a named grouping.
func (a *Asset) GroupAttribute(group string) (string, bool) {
	c, ok := a.groups[group]
	return c, ok
}

// GroupAttributes returns a copy of every grouping tag on the asset.
func (a *Asset) GroupAttributes() map[string]string {
	out := make(map[string]string, len(a.groups))
	for g, c := range a.groups {
		out[g] = c
	}
	return out
}
