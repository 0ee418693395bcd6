package persist

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/portopt/assembly"
	"github.com/aristath/portopt/constraints"
	"github.com/aristath/portopt/portfolio"
	"github.com/aristath/portopt/store"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "snapshots.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func buildTestStore(t *testing.T) *store.Store {
	t.Helper()
	st := store.New(zerolog.Nop())

	aapl := st.CreateAsset("AAPL", store.ClassRegular)
	aapl.SetPrice(100)
	aapl.SetAlpha(0.08)
	aapl.SetIssuer("apple")
	aapl.SetGroupAttribute("Sector", "Tech")
	aapl.SetRoundLotSize(10)
	aapl.AddBuyCostUpTo(0.001, 5000)
	aapl.AddBuyCost(0.002)
	aapl.AddSellCost(0.001)
	aapl.SetNonlinearCost(0.1, 1.5, 0)
	aapl.SetFixedBuyCost(2)
	aapl.SetHoldingCost(0.0001, 0.0005)

	msft := st.CreateAsset("MSFT", store.ClassRegular)
	msft.SetPrice(50)
	msft.SetAlpha(0.05)
	msft.SetGroupAttribute("Sector", "Tech")

	st.CreateAsset("USD", store.ClassCash)

	init := st.CreatePortfolio("init")
	init.AddAsset("AAPL", 0.5)
	init.AddAsset("MSFT", 0.4)
	init.AddAsset("USD", 0.1)
	init.AddTaxLot("AAPL", 400, 50, 30)
	init.AddTaxLot("AAPL", 100, 150, 20)

	m := st.CreateRiskModel("base")
	m.SetFactorCovariance("MKT", "MKT", 0.04)
	m.SetFactorCovariance("MKT", "SIZE", 0.01)
	m.SetFactorCovariance("SIZE", "SIZE", 0.02)
	m.SetFactorExposure("AAPL", "MKT", 1.2)
	m.SetFactorExposure("MSFT", "MKT", 1.0)
	m.SetSpecificRisk("AAPL", 0.02)
	m.SetSpecificRisk("MSFT", 0.015)
	m.SetSpecificCovariance("AAPL", "MSFT", 0.003)
	m.AddFactorBlock("style", []string{"SIZE"})
	return st
}

func buildTestCase(t *testing.T, st *store.Store) *assembly.Case {
	t.Helper()
	c := assembly.NewCase("demo", st, zerolog.Nop())
	c.SetPrimaryRiskModel("base")
	c.SetInitialPortfolio("init")
	c.SetBaseValue(100000)
	c.SetCashFlowWeight(0.05)
	c.SetRiskTarget(0.2)
	c.SetJointMarketImpact(0.5)

	c.Utility().
		SetPrimaryRiskTerm("init", 0.5, 0.75).
		SetAlphaTerm(1).
		SetCostTerm(0.8).
		SetLossBenefitTerm(0.3, 1000)
	c.Utility().AddCovarianceTerm(0.1, "init", "init")

	cs := c.Constraints()
	cs.SetAssetRange("AAPL").SetRange(0, 0.4).SetID("cap-aapl")
	cs.AddGroupConstraint("Sector", "Tech").
		SetUpperBound(0.1, constraints.Plus).
		SetReference("init").
		SetSoft(true).
		SetID("tech-plus")
	cs.SetTurnoverConstraint(constraints.TurnoverNet).SetUpperBound(0.3).SetID("net-to")
	cs.AddQuadraticConstraint(
		map[[2]string]float64{{"AAPL", "MSFT"}: 0.5, {"AAPL", "AAPL"}: 1},
		map[string]float64{"AAPL": 0.1},
	).SetUpperBound(0.6).SetID("quad")
	cs.AddAssetTradeParing(constraints.ParingNumAssets).SetMaxCount(2).SetID("max-names")
	cs.AddLevelParing(constraints.LevelMinHolding, 0.02).EnableGrandfatherRule()
	cs.SetFactorRange("MKT").SetRange(0.8, 1.3).SetFreeRangePenalty(0.9, 1.2, 2, 3)
	cs.InitHierarchy().
		AddPriority(constraints.CategoryLinear, constraints.RankFirst).
		AddPriority(constraints.CategoryTurnover, constraints.RankSecond)
	cs.EnableRoundLotting(true)

	rules := portfolio.NewTaxRules()
	rules.AddRule(portfolio.Wildcard, portfolio.Wildcard).
		EnableTwoRate(200).
		SetTaxRate(0.2, 0.5).
		SetWashSaleRule(portfolio.WashSaleDisallowed, 45)
	rules.SetSellingOrder(portfolio.Wildcard, portfolio.Wildcard, portfolio.SellHIFO)
	c.SetTaxRules(0, rules)
	c.AssignAccountGroup(0, 7)

	c.SelectSlice(0, 1)
	c.SetInitialPortfolio("init")
	c.SetBaseValue(100000)
	c.ActiveSlice().SetTransactionType("MSFT", assembly.TxSellNone)
	c.CrossPeriodConstraints().
		SetTurnoverConstraint(constraints.TurnoverNet).
		SetUpperBound(0.5).
		SetID("xp-turnover")
	c.SelectSlice(0, 0)
	return c
}

func TestSaveLoadRoundTrip(t *testing.T) {
	a := openTestArchive(t)
	st := buildTestStore(t)
	c := buildTestCase(t, st)

	require.NoError(t, a.Save("baseline", st, c))

	st2, c2, err := a.Load("baseline", zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, st2)
	require.NotNil(t, c2)

	assert.Equal(t, st.AssetIDs(), st2.AssetIDs())
	aapl, err := st2.Asset("AAPL")
	require.NoError(t, err)
	assert.Equal(t, 100.0, aapl.Price)
	assert.Equal(t, 10, aapl.RoundLotSize)
	assert.Equal(t, 0.08, aapl.Alpha)
	assert.Equal(t, "apple", aapl.Issuer)
	assert.Len(t, aapl.BuyCosts, 2)
	assert.Equal(t, 5000.0, aapl.BuyCosts[0].Breakpoint)
	assert.True(t, math.IsInf(aapl.BuyCosts[1].Breakpoint, 1))
	require.NotNil(t, aapl.Nonlinear)
	assert.Equal(t, 1.5, aapl.Nonlinear.P)
	assert.Equal(t, 2.0, aapl.FixedBuyCost)
	assert.Equal(t, 0.0005, aapl.DownSideHoldingCost)
	cat, ok := aapl.GroupAttribute("Sector")
	require.True(t, ok)
	assert.Equal(t, "Tech", cat)

	init, err := st2.Portfolio("init")
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "MSFT", "USD"}, init.IDs())
	assert.Equal(t, 0.5, init.Weight("AAPL"))
	lots := init.TaxLots("AAPL")
	require.Len(t, lots, 2)
	assert.Equal(t, 400, lots[0].Age)
	assert.Equal(t, 50.0, lots[0].CostBasis)
	assert.Equal(t, 50.0, init.SharesHeld("AAPL"))

	m, err := st2.RiskModel("base")
	require.NoError(t, err)
	assert.Equal(t, 0.04, m.FactorCovariance("MKT", "MKT"))
	assert.Equal(t, 0.01, m.FactorCovariance("SIZE", "MKT"))
	assert.Equal(t, 1.2, m.FactorExposure("AAPL", "MKT"))
	assert.Equal(t, 0.02, m.SpecificRisk("AAPL"))
	assert.Equal(t, 0.003, m.SpecificCovariance("MSFT", "AAPL"))
	block, ok := m.FactorBlock("style")
	require.True(t, ok)
	assert.Equal(t, []string{"SIZE"}, block)

	assert.Equal(t, "demo", c2.Name())
	assert.Equal(t, "base", c2.PrimaryRiskModel())
	require.NotNil(t, c2.RiskTarget())
	assert.Equal(t, 0.2, *c2.RiskTarget())
	assert.Nil(t, c2.ReturnTarget())
	assert.Equal(t, 0.5, c2.JointMarketImpact())
	assert.Equal(t, 7, c2.AccountGroup(0))
	require.NoError(t, c2.Validate())

	assert.Len(t, c2.Slices(), 2)
	active := c2.ActiveSlice()
	assert.Equal(t, assembly.SliceKey{Account: 0, Period: 0}, active.Key)
	assert.Equal(t, 100000.0, active.BaseValue)
	assert.Equal(t, 0.05, active.CashFlowWeight)
}

func TestRoundTripConstraints(t *testing.T) {
	a := openTestArchive(t)
	st := buildTestStore(t)
	c := buildTestCase(t, st)
	require.NoError(t, a.Save("baseline", st, c))

	_, c2, err := a.Load("baseline", zerolog.Nop())
	require.NoError(t, err)
	cs := c2.Constraints()

	specs := cs.Specs()
	require.Len(t, specs, 7)
	for i, s := range c.Constraints().Specs() {
		assert.Equal(t, s.ID(), specs[i].ID())
		assert.Equal(t, s.Kind(), specs[i].Kind())
		assert.Equal(t, i, specs[i].DeclIndex())
	}

	cap, ok := cs.ByID("cap-aapl")
	require.True(t, ok)
	lo, hi := cap.Bounds()
	assert.Equal(t, 0.0, lo)
	assert.Equal(t, 0.4, hi)
	assert.Equal(t, "AAPL", cap.AssetID)

	tech, ok := cs.ByID("tech-plus")
	require.True(t, ok)
	_, hiRel := tech.BoundRelatives()
	assert.Equal(t, constraints.Plus, hiRel)
	assert.Equal(t, "init", tech.Reference())
	assert.True(t, tech.Soft())

	quad, ok := cs.ByID("quad")
	require.True(t, ok)
	assert.Equal(t, 0.5, quad.QuadCoeffs[[2]string{"AAPL", "MSFT"}])
	assert.Equal(t, 1.0, quad.QuadCoeffs[[2]string{"AAPL", "AAPL"}])
	assert.Equal(t, 0.1, quad.Coeffs["AAPL"])

	paring, ok := cs.ByID("max-names")
	require.True(t, ok)
	require.NotNil(t, paring.ParingRule)
	assert.Equal(t, 2, paring.ParingRule.Max)

	level := specs[5]
	require.NotNil(t, level.LevelRule)
	assert.Equal(t, 0.02, level.LevelRule.Threshold)
	assert.True(t, level.LevelRule.Grandfather)

	factor := specs[6]
	require.NotNil(t, factor.Penalty())
	assert.True(t, factor.Penalty().FreeRange)
	assert.Equal(t, 3.0, factor.Penalty().UpSlope)

	h := cs.Hierarchy()
	require.NotNil(t, h)
	assert.Equal(t, constraints.RankFirst, h.RankFor(constraints.CategoryLinear))
	assert.Equal(t, constraints.RankSecond, h.RankFor(constraints.CategoryTurnover))
	assert.Equal(t, constraints.RankLast, h.RankFor(constraints.CategoryHedge))

	enabled, allowOdd := cs.RoundLotting()
	assert.True(t, enabled)
	assert.True(t, allowOdd)

	xp := c2.CrossPeriodConstraints().Specs()
	require.Len(t, xp, 1)
	assert.Equal(t, "xp-turnover", xp[0].ID())

	rules := c2.TaxRules(0)
	require.NotNil(t, rules)
	rule, ok := rules.Rule("Sector", "Tech")
	require.True(t, ok)
	assert.True(t, rule.TwoRate)
	assert.Equal(t, 200, rule.Threshold())
	assert.Equal(t, portfolio.WashSaleDisallowed, rule.WashSale)
	assert.Equal(t, 45, rule.WashWindow)
	assert.Equal(t, portfolio.SellHIFO, rules.SellingOrder("Sector", "Tech"))

	u := c2.Utility()
	require.NotNil(t, u.PrimaryRiskTerm())
	assert.Equal(t, 0.75, u.PrimaryRiskTerm().LambdaSpecific)
	assert.Equal(t, "init", u.PrimaryRiskTerm().Benchmark)
	assert.Equal(t, 0.8, u.CostTerm())
	require.NotNil(t, u.LossBenefitTerm())
	assert.Equal(t, 1000.0, u.LossBenefitTerm().Target)
	require.Len(t, u.CovarianceTerms(), 1)

	second := c2.SelectSlice(0, 1)
	assert.Equal(t, assembly.TxSellNone, second.TransactionTypeFor("MSFT"))
}

func TestLoadMissingSnapshot(t *testing.T) {
	a := openTestArchive(t)
	_, _, err := a.Load("nope", zerolog.Nop())
	require.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestSaveWithoutCase(t *testing.T) {
	a := openTestArchive(t)
	st := buildTestStore(t)
	require.NoError(t, a.Save("store-only", st, nil))

	st2, c2, err := a.Load("store-only", zerolog.Nop())
	require.NoError(t, err)
	assert.Nil(t, c2)
	assert.Equal(t, st.AssetIDs(), st2.AssetIDs())
}

func TestSnapshotListingAndDelete(t *testing.T) {
	a := openTestArchive(t)
	st := buildTestStore(t)
	require.NoError(t, a.Save("b", st, nil))
	require.NoError(t, a.Save("a", st, nil))

	names, err := a.Snapshots()
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, names)

	require.NoError(t, a.Delete("b"))
	names, err = a.Snapshots()
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, names)

	_, _, err = a.Load("b", zerolog.Nop())
	require.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestSaveOverwrites(t *testing.T) {
	a := openTestArchive(t)
	st := buildTestStore(t)
	require.NoError(t, a.Save("current", st, nil))

	asset, err := st.Asset("AAPL")
	require.NoError(t, err)
	asset.SetAlpha(0.11)
	require.NoError(t, a.Save("current", st, nil))

	st2, _, err := a.Load("current", zerolog.Nop())
	require.NoError(t, err)
	reloaded, err := st2.Asset("AAPL")
	require.NoError(t, err)
	assert.Equal(t, 0.11, reloaded.Alpha)

	names, err := a.Snapshots()
	require.NoError(t, err)
	assert.Len(t, names, 1)
}
