package solve

import (
	"context"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/portopt/assembly"
	"github.com/aristath/portopt/config"
	"github.com/aristath/portopt/constraints"
	"github.com/aristath/portopt/portfolio"
	"github.com/aristath/portopt/solver"
	"github.com/aristath/portopt/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st := store.New(zerolog.Nop())

	for _, a := range []struct {
		id    string
		alpha float64
		price float64
	}{
		{"A", 0.06, 100},
		{"B", 0.04, 50},
		{"C", 0.02, 80},
	} {
		asset := st.CreateAsset(a.id, store.ClassRegular)
		asset.SetAlpha(a.alpha)
		asset.SetPrice(a.price)
		asset.SetGroupAttribute("All", "Yes")
	}

	m := st.CreateRiskModel("base")
	m.SetFactorCovariance("MKT", "MKT", 0.03)
	m.SetFactorExposure("A", "MKT", 1.1)
	m.SetFactorExposure("B", "MKT", 1.0)
	m.SetFactorExposure("C", "MKT", 0.9)
	m.SetSpecificRisk("A", 0.02)
	m.SetSpecificRisk("B", 0.015)
	m.SetSpecificRisk("C", 0.01)

	init := st.CreatePortfolio("init")
	init.AddAsset("A", 0.2)
	init.AddAsset("B", 0.5)
	init.AddAsset("C", 0.3)

	return st
}

func newTestCase(t *testing.T, st *store.Store) *assembly.Case {
	t.Helper()
	c := assembly.NewCase("test", st, zerolog.Nop())
	c.SetPrimaryRiskModel("base")
	c.SetInitialPortfolio("init")
	c.SetBaseValue(10000)
	c.Utility().SetPrimaryRiskTerm("", 0.5, 0.5)
	return c
}

func TestOptimizeBalancedOptimum(t *testing.T) {
	st := testStore(t)
	c := newTestCase(t, st)
	s := New(c, config.Default(), zerolog.Nop())

	out, err := s.Optimize(context.Background())
	require.NoError(t, err)
	require.Equal(t, solver.Optimal, out.Status())

	w := out.Weights(0, 0)
	sum := w["A"] + w["B"] + w["C"]
	assert.InDelta(t, 1.0, sum, 1e-5)

	bal, ok := out.GetSlack("balance:a0-p0")
	require.True(t, ok)
	assert.InDelta(t, 1.0, bal.Achieved, 1e-5)

	assert.Empty(t, out.RelaxedConstraints())
	assert.Greater(t, out.Risk(), 0.0)
	assert.Greater(t, out.Return(), 0.0)
	require.NotNil(t, out.KKT())
	assert.Len(t, out.KKT().Assets, 3)
}

func TestOptimizeReSolveAfterEdit(t *testing.T) {
	st := testStore(t)
	c := newTestCase(t, st)
	s := New(c, config.Default(), zerolog.Nop())

	first, err := s.Optimize(context.Background())
	require.NoError(t, err)
	require.True(t, first.Optimal())

	// Cap A after the first solve; the next Optimize sees the edit, the
	// existing snapshot does not.
	c.Constraints().SetAssetRange("A").SetRange(0, 0.05)
	second, err := s.Optimize(context.Background())
	require.NoError(t, err)
	require.True(t, second.Optimal())

	assert.LessOrEqual(t, second.Weights(0, 0)["A"], 0.05+1e-6)
	assert.InDelta(t, 1.0, first.Weights(0, 0)["A"]+first.Weights(0, 0)["B"]+first.Weights(0, 0)["C"], 1e-5)
}

func TestOptimizeRelaxesInfeasibleConstraint(t *testing.T) {
	st := testStore(t)
	c := newTestCase(t, st)
	// Total weight at most 0.5 contradicts full investment.
	c.Constraints().AddGroupConstraint("All", "Yes").SetRange(0, 0.5).SetID("cap-all")
	s := New(c, config.Default(), zerolog.Nop())

	out, err := s.Optimize(context.Background())
	require.NoError(t, err)
	require.Equal(t, solver.Optimal, out.Status())

	assert.Equal(t, []string{"cap-all"}, out.RelaxedConstraints())
	slackInfo, ok := out.GetSlack("cap-all")
	require.True(t, ok)
	assert.True(t, slackInfo.Relaxed)
	assert.True(t, slackInfo.Penalized)

	// Full investment wins; the relaxed cap shows up as penalty disutility.
	w := out.Weights(0, 0)
	assert.InDelta(t, 1.0, w["A"]+w["B"]+w["C"], 1e-5)
	assert.Greater(t, out.PenaltyValue(), 0.0)
}

func TestOptimizeRelaxesImpossibleMinCount(t *testing.T) {
	st := testStore(t)
	c := newTestCase(t, st)
	// Four names out of a three-asset universe cannot be held; the ladder
	// must soften the paring instead of reporting irreducible infeasibility.
	c.Constraints().AddAssetTradeParing(constraints.ParingNumAssets).
		SetMinCount(4).
		SetID("min-names")
	s := New(c, config.Default(), zerolog.Nop())

	out, err := s.Optimize(context.Background())
	require.NoError(t, err)
	require.Equal(t, solver.Optimal, out.Status())

	assert.Equal(t, []string{"min-names"}, out.RelaxedConstraints())
	w := out.Weights(0, 0)
	assert.InDelta(t, 1.0, w["A"]+w["B"]+w["C"], 1e-5)
}

func TestOptimizeCancelled(t *testing.T) {
	st := testStore(t)
	c := newTestCase(t, st)
	s := New(c, config.Default(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := s.Optimize(ctx)
	require.NoError(t, err)
	assert.Equal(t, solver.TimedOut, out.Status())
}

func TestTradeListSharesAndDirections(t *testing.T) {
	st := testStore(t)
	c := newTestCase(t, st)
	c.Constraints().SetAssetRange("A").SetRange(0.4, 0.4)
	s := New(c, config.Default(), zerolog.Nop())

	out, err := s.Optimize(context.Background())
	require.NoError(t, err)
	require.True(t, out.Optimal())

	trades := out.TradeList()
	var aTrade *Trade
	for i := range trades {
		if trades[i].AssetID == "A" {
			aTrade = &trades[i]
		}
	}
	require.NotNil(t, aTrade)
	assert.Equal(t, TradeBuy, aTrade.Type)
	// 0.2 -> 0.4 of a 10000 base at price 100: buy 20 shares.
	assert.InDelta(t, 20, aTrade.TradedShares, 0.1)
	assert.InDelta(t, 0.2*10000, aTrade.TradeValue, 15)
}

func TestTaxOutputFromLotLedger(t *testing.T) {
	st := testStore(t)
	init, err := st.Portfolio("init")
	require.NoError(t, err)
	// 20 shares of A at price 100 backs the 0.2 weight on a 10000 base.
	init.AddTaxLot("A", 400, 50, 10)  // long-term gain 500 at price 100
	init.AddTaxLot("A", 100, 150, 10) // short-term loss 500

	c := newTestCase(t, st)
	rules := portfolio.NewTaxRules()
	rules.AddRule(portfolio.Wildcard, portfolio.Wildcard).
		EnableTwoRate().
		SetTaxRate(0.2, 0.5)
	c.SetTaxRules(0, rules)
	c.ActiveSlice().SetTransactionType("A", assembly.TxCloseOut)

	s := New(c, config.Default(), zerolog.Nop())
	out, err := s.Optimize(context.Background())
	require.NoError(t, err)
	require.True(t, out.Optimal())

	m := out.Slices()[0]
	assert.InDelta(t, 500, m.Realized.LongTermGain, 1e-6)
	assert.InDelta(t, 500, m.Realized.ShortTermLoss, 1e-6)
	// 0.2*500 - 0.5*500: a net tax credit.
	assert.InDelta(t, -150, m.Tax, 1e-6)

	// The ledger on the case's portfolio is untouched.
	assert.InDelta(t, 20, init.SharesHeld("A"), 1e-9)
}

func TestWashSaleAdjustmentReachesTaxOutput(t *testing.T) {
	st := testStore(t)
	init, err := st.Portfolio("init")
	require.NoError(t, err)
	// FIFO sells the aged loss lot; the fresh lot is its replacement.
	init.AddTaxLot("A", 400, 150, 10) // loss 500 at price 100
	init.AddTaxLot("A", 10, 90, 10)   // bought inside the wash window

	c := newTestCase(t, st)
	rules := portfolio.NewTaxRules()
	rules.AddRule(portfolio.Wildcard, portfolio.Wildcard).
		EnableTwoRate().
		SetTaxRate(0.2, 0.5).
		SetWashSaleRule(portfolio.WashSaleDisallowed, 30)
	c.SetTaxRules(0, rules)
	// Halving A sells exactly the 10 loss shares.
	c.Constraints().SetAssetRange("A").SetRange(0.1, 0.1)

	s := New(c, config.Default(), zerolog.Nop())
	out, err := s.Optimize(context.Background())
	require.NoError(t, err)
	require.True(t, out.Optimal())

	washes := out.WashSales()
	require.Len(t, washes, 1)
	assert.InDelta(t, 500, washes[0].DisallowedLoss, 1e-6)

	// The disallowed loss must not reduce realized gains or the liability.
	m := out.Slices()[0]
	assert.InDelta(t, 0, m.Realized.LongTermLoss, 1e-6)
	assert.InDelta(t, 0, m.Tax, 1e-6)

	// Trade-level lot detail carries the same adjusted gain.
	for _, tr := range out.TradeList() {
		for _, sale := range tr.Sales {
			assert.InDelta(t, 0, sale.Gain, 1e-6)
		}
	}
}

func TestTaxOutputUsesBucketRules(t *testing.T) {
	st := testStore(t)
	init, err := st.Portfolio("init")
	require.NoError(t, err)
	init.AddTaxLot("A", 100, 50, 20) // short-term gain 1000 at price 100

	c := newTestCase(t, st)
	rules := portfolio.NewTaxRules()
	rules.AddRule(portfolio.Wildcard, portfolio.Wildcard).SetTaxRate(0, 0.5)
	// A carries the All=Yes tag, so the bucket rate wins over the wildcard.
	rules.AddRule("All", "Yes").SetTaxRate(0, 0.1)
	c.SetTaxRules(0, rules)
	c.ActiveSlice().SetTransactionType("A", assembly.TxCloseOut)

	s := New(c, config.Default(), zerolog.Nop())
	out, err := s.Optimize(context.Background())
	require.NoError(t, err)
	require.True(t, out.Optimal())

	m := out.Slices()[0]
	assert.InDelta(t, 1000, m.Realized.ShortTermGain, 1e-6)
	assert.InDelta(t, 100, m.Tax, 1e-6)
}

func TestKKTMarginalCostFromSlopes(t *testing.T) {
	st := testStore(t)
	a, err := st.Asset("A")
	require.NoError(t, err)
	a.AddBuyCost(0.002)
	a.SetHoldingCost(0.0001, 0.0005)

	c := newTestCase(t, st)
	// Pin A above its initial 0.2 so the optimum buys and holds long.
	c.Constraints().SetAssetRange("A").SetRange(0.4, 0.4)
	s := New(c, config.Default(), zerolog.Nop())

	out, err := s.Optimize(context.Background())
	require.NoError(t, err)
	require.True(t, out.Optimal())
	require.NotNil(t, out.KKT())

	var got *AssetKKT
	for i := range out.KKT().Assets {
		if out.KKT().Assets[i].Name == "a0-p0:A" {
			got = &out.KKT().Assets[i]
		}
	}
	require.NotNil(t, got)
	// Buy-side linear cost plus the long carry cost.
	assert.InDelta(t, 0.002+0.0001, got.MarginalCost, 1e-9)
}

func TestRoundLotReport(t *testing.T) {
	st := testStore(t)
	a, err := st.Asset("A")
	require.NoError(t, err)
	a.SetRoundLotSize(10)

	c := newTestCase(t, st)
	c.Constraints().SetAssetRange("A").SetRange(0.35, 0.35)
	c.Constraints().EnableRoundLotting(false)
	s := New(c, config.Default(), zerolog.Nop())

	out, err := s.Optimize(context.Background())
	require.NoError(t, err)
	require.True(t, out.Optimal())
	require.NotNil(t, out.RoundLot())

	// 0.35 of 10000 at price 100 is 35 shares; the nearest lot is 40.
	report := out.RoundLot()
	require.Len(t, report.Adjustments, 1)
	assert.Equal(t, "A", report.Adjustments[0].AssetID)
	assert.InDelta(t, 0.40, report.Adjustments[0].Rounded, 1e-9)
	// Snapping broke the exact holding bound; the report says so.
	assert.NotEmpty(t, report.Violations)
}

func TestRoundLotIdempotent(t *testing.T) {
	st := testStore(t)
	for _, id := range []string{"A", "B"} {
		asset, err := st.Asset(id)
		require.NoError(t, err)
		asset.SetRoundLotSize(1)
	}

	c := newTestCase(t, st)
	asm, err := assembly.NewAssembler(st, config.Default(), zerolog.Nop()).Build(c, assembly.BuildOptions{})
	require.NoError(t, err)

	// Weights already on exact share counts pass through unchanged.
	x := []float64{0.2, 0.5, 0.3}
	first := roundLot(st, asm, x, false)
	assert.Equal(t, x, first.X)
	assert.Empty(t, first.Adjustments)

	second := roundLot(st, asm, first.X, false)
	assert.Equal(t, first.X, second.X)
	assert.Empty(t, second.Adjustments)
}

func TestFrontierReturnSweep(t *testing.T) {
	st := testStore(t)
	c := newTestCase(t, st)
	s := New(c, config.Default(), zerolog.Nop())

	outputs, err := s.NewFrontier(FrontierReturn, 0.030, 0.050).SetPoints(3).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, outputs, 3)

	floors := []float64{0.030, 0.040, 0.050}
	for i, out := range outputs {
		require.True(t, out.Optimal())
		assert.GreaterOrEqual(t, out.Return(), floors[i]-1e-4)
	}

	// The sweep leaves the case unchanged.
	assert.Nil(t, c.ReturnTarget())
}

func TestFrontierStopsAtUnsolvablePoint(t *testing.T) {
	st := testStore(t)
	c := newTestCase(t, st)
	// Long-only, fully invested: achievable return tops out at 0.06.
	for _, id := range []string{"A", "B", "C"} {
		c.Constraints().SetAssetRange(id).SetRange(0, 1)
	}
	s := New(c, config.Default(), zerolog.Nop())

	_, err := s.NewFrontier(FrontierReturn, 0.050, 0.200).SetPoints(3).Run(context.Background())
	var fe *InvalidFrontierError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, solver.Infeasible, fe.Status)
	assert.NotEmpty(t, fe.Outputs)
}

func TestFrontierConstraintBoundNeedsID(t *testing.T) {
	st := testStore(t)
	c := newTestCase(t, st)
	s := New(c, config.Default(), zerolog.Nop())

	_, err := s.NewFrontier(FrontierConstraintBound, 0.1, 0.5).Run(context.Background())
	require.Error(t, err)
}

func TestSlackReportsDistanceToBound(t *testing.T) {
	st := testStore(t)
	c := newTestCase(t, st)
	c.Constraints().AddGroupConstraint("All", "Yes").SetRange(0, 1.5).SetID("loose-cap")
	s := New(c, config.Default(), zerolog.Nop())

	out, err := s.Optimize(context.Background())
	require.NoError(t, err)
	require.True(t, out.Optimal())

	si, ok := out.GetSlack("loose-cap")
	require.True(t, ok)
	assert.InDelta(t, 1.0, si.Achieved, 1e-5)
	assert.InDelta(t, 0.5, si.Slack, 1e-4)
	assert.False(t, si.Penalized)
	assert.False(t, math.IsNaN(si.Dual))
}

func TestSoftPenaltyNeverWorseThanHard(t *testing.T) {
	hard := newTestCase(t, testStore(t))
	hard.Constraints().SetAssetRange("A").SetRange(0, 0.05)
	outHard, err := New(hard, config.Default(), zerolog.Nop()).Optimize(context.Background())
	require.NoError(t, err)
	require.True(t, outHard.Optimal())

	soft := newTestCase(t, testStore(t))
	soft.Constraints().SetAssetRange("A").SetFreeRangePenalty(0, 0.05, 5, 5)
	outSoft, err := New(soft, config.Default(), zerolog.Nop()).Optimize(context.Background())
	require.NoError(t, err)
	require.True(t, outSoft.Optimal())

	// The hard feasible set is reachable under the penalty at zero cost, so
	// the penalized optimum can only match or beat the hard one.
	assert.GreaterOrEqual(t, outSoft.Utility()+1e-4, outHard.Utility())
}

func TestFrontierRiskMonotonic(t *testing.T) {
	st := testStore(t)
	c := newTestCase(t, st)
	for _, id := range []string{"A", "B", "C"} {
		c.Constraints().SetAssetRange(id).SetRange(0, 1)
	}
	s := New(c, config.Default(), zerolog.Nop())

	outs, err := s.NewFrontier(FrontierReturn, 0.03, 0.055).SetPoints(5).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, outs, 5)

	for i := 1; i < len(outs); i++ {
		require.True(t, outs[i].Optimal())
		assert.GreaterOrEqual(t, outs[i].Risk()+1e-4, outs[i-1].Risk())
	}
}
