package utility

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/portopt/store"
)

func TestValidateRejectsAlphaWithoutRiskAversion(t *testing.T) {
	u := New().SetPrimaryRiskTerm("", 0, 0)

	err := u.Validate()
	require.Error(t, err)
	var degenerate *DegenerateObjectiveError
	assert.ErrorAs(t, err, &degenerate)
}

func TestValidateRejectsNegativeRiskAversion(t *testing.T) {
	u := New().SetPrimaryRiskTerm("benchmark", -0.0075, 0.0075)

	var degenerate *DegenerateObjectiveError
	assert.ErrorAs(t, u.Validate(), &degenerate)
}

func TestValidateAcceptsDefaultComposition(t *testing.T) {
	u := New().SetDefaultPrimaryRiskTerm("benchmark")

	require.NoError(t, u.Validate())
	assert.Equal(t, DefaultRiskAversion, u.PrimaryRiskTerm().LambdaCommon)
	assert.Equal(t, DefaultRiskAversion, u.PrimaryRiskTerm().LambdaSpecific)
	assert.Equal(t, "benchmark", u.PrimaryRiskTerm().Benchmark)
}

func TestValidateAcceptsDisabledAlpha(t *testing.T) {
	// With the return term switched off, zero risk aversion cannot run away.
	u := New().SetAlphaTerm(0)
	assert.NoError(t, u.Validate())
}

func TestValidateAcceptsSecondaryRiskOnly(t *testing.T) {
	u := New().AddSecondaryRiskTerm("ModelB", "", 0.01, 0.01)
	assert.NoError(t, u.Validate())
}

func TestValidateRejectsFixedCovarianceAsOnlyRisk(t *testing.T) {
	// A covariance term between two named (fixed) portfolios is constant in
	// the decision weights, so alpha still runs away.
	u := New().SetPrimaryRiskTerm("", 0, 0)
	u.AddCovarianceTerm(0.01, "overlay", "completion")

	var degenerate *DegenerateObjectiveError
	assert.ErrorAs(t, u.Validate(), &degenerate)

	// One fixed side leaves the term linear: still degenerate.
	u.AddCovarianceTerm(0.01, "", "completion")
	assert.ErrorAs(t, u.Validate(), &degenerate)
}

func TestValidateAcceptsDecisionCovariance(t *testing.T) {
	u := New().SetPrimaryRiskTerm("", 0, 0)
	u.AddCovarianceTerm(0.01, "", "")
	assert.NoError(t, u.Validate())
}

func newCostAsset() *store.Asset {
	return &store.Asset{ID: "USA11I1", Price: 23.99}
}

func TestTradeCostSingleSegment(t *testing.T) {
	a := newCostAsset()
	a.AddBuyCost(0.005)

	// 10% of a 100k portfolio traded at 50bp.
	cost := TradeCost(a, 0.10, 100000)
	assert.InDelta(t, 0.0005, cost, 1e-12)
}

func TestTradeCostPiecewise(t *testing.T) {
	a := newCostAsset()
	// 20bp up to $10k traded, 50bp beyond.
	a.AddBuyCostUpTo(0.002, 10000)
	a.AddBuyCost(0.005)

	base := 100000.0

	// $5k traded stays in the first segment.
	assert.InDelta(t, 0.002*0.05, TradeCost(a, 0.05, base), 1e-12)

	// $20k traded: first $10k at 20bp, next $10k at 50bp.
	want := 0.002*0.1 + 0.005*0.1
	assert.InDelta(t, want, TradeCost(a, 0.20, base), 1e-12)
}

func TestTradeCostSellSideAndFixed(t *testing.T) {
	a := newCostAsset()
	a.AddSellCost(0.003)
	a.SetFixedSellCost(50)

	base := 100000.0
	cost := TradeCost(a, -0.10, base)
	assert.InDelta(t, 0.003*0.10+50/base, cost, 1e-12)

	// No trade, no fixed charge.
	assert.Zero(t, TradeCost(a, 0, base))
}

func TestTradeCostNonlinear(t *testing.T) {
	a := newCostAsset()
	a.SetNonlinearCost(0.1, 1.5, 0.0001)

	cost := TradeCost(a, 0.04, 100000)
	want := 0.1*math.Pow(0.04, 1.5) + 0.0001
	assert.InDelta(t, want, cost, 1e-12)
}

func TestTradeCostSlope(t *testing.T) {
	a := newCostAsset()
	a.AddBuyCostUpTo(0.002, 10000)
	a.AddBuyCost(0.005)
	a.SetFixedBuyCost(100)

	base := 100000.0
	// $5k traded: first segment active; the fixed cost is a step and adds no
	// slope.
	assert.InDelta(t, 0.002, TradeCostSlope(a, 0.05, base), 1e-12)
	// $20k traded: tail segment active.
	assert.InDelta(t, 0.005, TradeCostSlope(a, 0.20, base), 1e-12)
}

func TestHoldingCost(t *testing.T) {
	a := newCostAsset()
	a.SetHoldingCost(0.001, 0.004)

	assert.InDelta(t, 0.0005, HoldingCost(a, 0.5), 1e-12)
	assert.InDelta(t, 0.0008, HoldingCost(a, -0.2), 1e-12)
	assert.Zero(t, HoldingCost(a, 0))
}

func TestShortfall(t *testing.T) {
	term := &ShortfallTerm{
		Multiplier: 1,
		Confidence: 0.75,
		AssetIDs:   []string{"A", "B"},
		Scenarios: [][]float64{
			{0.10, 0.02},
			{-0.20, 0.01},
			{0.05, -0.03},
			{-0.40, 0.00},
		},
	}
	require.NoError(t, term.Validate())
	assert.Equal(t, 1, term.TailCount())

	w := map[string]float64{"A": 0.5, "B": 0.5}
	// Worst scenario return is 0.5*(-0.40) + 0.5*0 = -0.20.
	assert.InDelta(t, 0.20, term.Shortfall(w), 1e-12)

	grad := term.Gradient(w)
	assert.InDelta(t, 0.40, grad["A"], 1e-12)
	assert.InDelta(t, 0.00, grad["B"], 1e-12)
}

func TestShortfallValidate(t *testing.T) {
	term := &ShortfallTerm{Confidence: 1.5}
	assert.Error(t, term.Validate())

	term = &ShortfallTerm{Confidence: 0.95, AssetIDs: []string{"A"}, Scenarios: [][]float64{{0.1}}}
	// One scenario at 95% confidence leaves an empty tail.
	assert.Error(t, term.Validate())
}
