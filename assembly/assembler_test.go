package assembly

import (
	"bytes"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/portopt/config"
	"github.com/aristath/portopt/constraints"
	"github.com/aristath/portopt/solver"
	"github.com/aristath/portopt/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st := store.New(zerolog.Nop())

	aapl := st.CreateAsset("AAPL", store.ClassRegular)
	aapl.SetAlpha(0.08)
	aapl.SetIssuer("apple")
	aapl.SetGroupAttribute("Sector", "Tech")
	aapl.SetPrice(100)

	msft := st.CreateAsset("MSFT", store.ClassRegular)
	msft.SetAlpha(0.05)
	msft.SetIssuer("microsoft")
	msft.SetGroupAttribute("Sector", "Tech")
	msft.SetPrice(50)

	xom := st.CreateAsset("XOM", store.ClassRegular)
	xom.SetAlpha(0.02)
	xom.SetIssuer("exxon")
	xom.SetGroupAttribute("Sector", "Energy")
	xom.SetPrice(80)

	st.CreateAsset("USD", store.ClassCash)

	m := st.CreateRiskModel("base")
	m.SetFactorCovariance("MKT", "MKT", 0.04)
	m.SetFactorExposure("AAPL", "MKT", 1.2)
	m.SetFactorExposure("MSFT", "MKT", 1.0)
	m.SetFactorExposure("XOM", "MKT", 0.8)
	m.SetSpecificRisk("AAPL", 0.01)
	m.SetSpecificRisk("MSFT", 0.01)
	m.SetSpecificRisk("XOM", 0.02)

	init := st.CreatePortfolio("init")
	init.AddAsset("AAPL", 0.4)
	init.AddAsset("MSFT", 0.3)
	init.AddAsset("XOM", 0.2)
	init.AddAsset("USD", 0.1)

	bench := st.CreatePortfolio("bench")
	bench.AddAsset("AAPL", 0.5)
	bench.AddAsset("MSFT", 0.3)
	bench.AddAsset("XOM", 0.2)

	return st
}

func testCase(t *testing.T, st *store.Store) *Case {
	t.Helper()
	c := NewCase("test", st, zerolog.Nop())
	c.SetPrimaryRiskModel("base")
	c.SetInitialPortfolio("init")
	c.Utility().SetDefaultPrimaryRiskTerm("")
	return c
}

func testAssembler(st *store.Store) *Assembler {
	return NewAssembler(st, config.Default(), zerolog.Nop())
}

func TestBuildVariableLayout(t *testing.T) {
	st := testStore(t)
	c := testCase(t, st)

	asm, err := testAssembler(st).Build(c, BuildOptions{})
	require.NoError(t, err)

	p := asm.Problem
	assert.Equal(t, 4, p.N)
	assert.Equal(t, []string{"a0-p0:AAPL", "a0-p0:MSFT", "a0-p0:XOM", "a0-p0:USD"}, p.Names)
	assert.Equal(t, []float64{0.4, 0.3, 0.2, 0.1}, p.Init)
}

func TestBuildAutoBalance(t *testing.T) {
	st := testStore(t)
	c := testCase(t, st)
	c.SetCashFlowWeight(0.1)

	asm, err := testAssembler(st).Build(c, BuildOptions{})
	require.NoError(t, err)

	b, ok := asm.Binding("balance:a0-p0")
	require.True(t, ok)
	assert.Equal(t, 1.1, b.Lower)
	assert.Equal(t, 1.1, b.Upper)

	require.Len(t, asm.Problem.Linear, 1)
	assert.Equal(t, []float64{1, 1, 1, 1}, asm.Problem.Linear[0].Coeffs)
}

func TestBuildExplicitBalanceSuppressesDefault(t *testing.T) {
	st := testStore(t)
	c := testCase(t, st)
	c.Constraints().SetBalanceRange(0.98, 1.02)

	asm, err := testAssembler(st).Build(c, BuildOptions{})
	require.NoError(t, err)

	_, ok := asm.Binding("balance:a0-p0")
	assert.False(t, ok)
	require.Len(t, asm.Problem.Linear, 1)
	assert.Equal(t, 0.98, asm.Problem.Linear[0].Lower)
	assert.Equal(t, 1.02, asm.Problem.Linear[0].Upper)
}

func TestAssetRangeBecomesBoxBounds(t *testing.T) {
	st := testStore(t)
	c := testCase(t, st)
	c.Constraints().SetAssetRange("AAPL").SetRange(0.1, 0.3).SetID("cap-aapl")

	asm, err := testAssembler(st).Build(c, BuildOptions{})
	require.NoError(t, err)

	p := asm.Problem
	assert.Equal(t, 0.1, p.LowerBounds[0])
	assert.Equal(t, 0.3, p.UpperBounds[0])
	assert.True(t, math.IsInf(p.LowerBounds[1], -1))

	// No row is added: the engine's projection honors box bounds exactly.
	assert.Empty(t, p.Nonlinear)
	b, ok := asm.Binding("cap-aapl")
	require.True(t, ok)
	assert.Equal(t, 0.25, b.Eval([]float64{0.25, 0.3, 0.2, 0.25}))
}

func TestGroupRangeRow(t *testing.T) {
	st := testStore(t)
	c := testCase(t, st)
	c.Constraints().AddGroupConstraint("Sector", "Tech").SetRange(0, 0.5).SetID("tech-cap")

	asm, err := testAssembler(st).Build(c, BuildOptions{})
	require.NoError(t, err)

	var row *solver.LinearRow
	for i := range asm.Problem.Linear {
		if asm.Problem.Linear[i].ID == "tech-cap" {
			row = &asm.Problem.Linear[i]
		}
	}
	require.NotNil(t, row)
	assert.Equal(t, []float64{1, 1, 0, 0}, row.Coeffs)
	assert.Equal(t, 0.0, row.Lower)
	assert.Equal(t, 0.5, row.Upper)
}

func TestFactorRangeRelativeToBenchmark(t *testing.T) {
	st := testStore(t)
	c := testCase(t, st)
	c.Constraints().SetFactorRange("MKT").
		SetReference("bench").
		SetLowerBound(-0.1, constraints.Plus).
		SetUpperBound(0.1, constraints.Plus).
		SetID("mkt-band")

	asm, err := testAssembler(st).Build(c, BuildOptions{})
	require.NoError(t, err)

	var row *solver.LinearRow
	for i := range asm.Problem.Linear {
		if asm.Problem.Linear[i].ID == "mkt-band" {
			row = &asm.Problem.Linear[i]
		}
	}
	require.NotNil(t, row)
	assert.Equal(t, []float64{1.2, 1.0, 0.8, 0}, row.Coeffs)

	// Benchmark exposure: 0.5*1.2 + 0.3*1.0 + 0.2*0.8 = 1.06.
	assert.InDelta(t, 0.96, row.Lower, 1e-12)
	assert.InDelta(t, 1.16, row.Upper, 1e-12)
}

func TestPenaltyReplacesHardRow(t *testing.T) {
	st := testStore(t)
	c := testCase(t, st)
	c.Constraints().AddGroupConstraint("Sector", "Tech").
		SetRange(0, 0.5).
		SetPenalty(0.4, 0.2, 0.6).
		SetID("tech-pen")

	asm, err := testAssembler(st).Build(c, BuildOptions{})
	require.NoError(t, err)

	b, ok := asm.Binding("tech-pen")
	require.True(t, ok)
	require.NotNil(t, b.Penalty)
	for _, row := range asm.Problem.Linear {
		assert.NotEqual(t, "tech-pen", row.ID)
	}

	// The penalty feeds the objective through PenaltyValue.
	x := []float64{0.7, 0.2, 0.05, 0.05} // tech weight 0.9, above the penalty band
	assert.Greater(t, asm.PenaltyValue(x), 0.0)
	assert.Equal(t, 0.0, asm.PenaltyValue([]float64{0.2, 0.2, 0.3, 0.3}))
}

func TestSoftKeepsHardRow(t *testing.T) {
	st := testStore(t)
	c := testCase(t, st)
	c.Constraints().AddGroupConstraint("Sector", "Tech").
		SetRange(0, 0.5).
		SetPenalty(0.4, 0.2, 0.6).
		SetSoft(true).
		SetID("tech-soft")

	asm, err := testAssembler(st).Build(c, BuildOptions{})
	require.NoError(t, err)

	b, ok := asm.Binding("tech-soft")
	require.True(t, ok)
	assert.Nil(t, b.Penalty)
	found := false
	for _, row := range asm.Problem.Linear {
		if row.ID == "tech-soft" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRelaxedOverlay(t *testing.T) {
	st := testStore(t)
	c := testCase(t, st)
	c.Constraints().AddGroupConstraint("Sector", "Tech").SetRange(0, 0.5).SetID("tech-cap")

	asm, err := testAssembler(st).Build(c, BuildOptions{
		Relaxed: map[string]bool{"tech-cap": true},
	})
	require.NoError(t, err)

	b, ok := asm.Binding("tech-cap")
	require.True(t, ok)
	assert.True(t, b.Relaxed)
	require.NotNil(t, b.Penalty)
	assert.True(t, b.Penalty.FreeRange)
	for _, row := range asm.Problem.Linear {
		assert.NotEqual(t, "tech-cap", row.ID)
	}

	// Unit slope: one point of violation costs one point of utility.
	assert.InDelta(t, 0.4, asm.PenaltyValue([]float64{0.7, 0.2, 0.05, 0.05}), 1e-12)
}

func TestBoundOverrides(t *testing.T) {
	st := testStore(t)
	c := testCase(t, st)
	c.Constraints().AddGroupConstraint("Sector", "Tech").SetRange(0, 0.5).SetID("tech-cap")

	asm, err := testAssembler(st).Build(c, BuildOptions{
		BoundOverrides: map[string]Bounds{
			"tech-cap": {Lower: 0, Upper: 0.35},
		},
	})
	require.NoError(t, err)

	b, ok := asm.Binding("tech-cap")
	require.True(t, ok)
	assert.Equal(t, 0.35, b.Upper)
}

func TestReturnAndRiskTargets(t *testing.T) {
	st := testStore(t)
	c := testCase(t, st)
	c.SetReturnTarget(0.04)
	c.SetRiskTarget(0.25)

	asm, err := testAssembler(st).Build(c, BuildOptions{})
	require.NoError(t, err)

	ret, ok := asm.Binding(ReturnTargetID)
	require.True(t, ok)
	assert.Equal(t, 0.04, ret.Lower)
	// Alpha at the initial weights: 0.4*0.08 + 0.3*0.05 + 0.2*0.02.
	assert.InDelta(t, 0.051, ret.Eval([]float64{0.4, 0.3, 0.2, 0.1}), 1e-12)

	risk, ok := asm.Binding(RiskTargetID)
	require.True(t, ok)
	assert.Equal(t, 0.25, risk.Upper)
	assert.Greater(t, risk.Eval([]float64{0.4, 0.3, 0.2, 0.1}), 0.0)
}

func TestTurnoverEval(t *testing.T) {
	st := testStore(t)
	c := testCase(t, st)
	c.Constraints().SetTurnoverConstraint(constraints.TurnoverNet).
		SetUpperBound(0.5).
		SetID("net-to")

	asm, err := testAssembler(st).Build(c, BuildOptions{})
	require.NoError(t, err)

	b, ok := asm.Binding("net-to")
	require.True(t, ok)
	assert.Equal(t, 0.0, b.Eval([]float64{0.4, 0.3, 0.2, 0.1}))
	// Buy 0.1 of AAPL, sell 0.1 of XOM: net turnover 0.1.
	assert.InDelta(t, 0.1, b.Eval([]float64{0.5, 0.3, 0.1, 0.1}), 1e-12)
}

func TestParingHints(t *testing.T) {
	st := testStore(t)
	c := testCase(t, st)
	c.Constraints().AddAssetTradeParing(constraints.ParingNumAssets).SetMaxCount(2)
	c.Constraints().AddLevelParing(constraints.LevelMinHolding, 0.05)

	asm, err := testAssembler(st).Build(c, BuildOptions{})
	require.NoError(t, err)

	require.Len(t, asm.Problem.Cardinality, 2)

	count := asm.Problem.Cardinality[0]
	assert.Equal(t, 2, count.Max)
	// Cash never counts against paring.
	assert.Len(t, count.Members, 3)

	level := asm.Problem.Cardinality[1]
	assert.Equal(t, 0.05, level.Threshold)
}

func TestCrossedBoundsError(t *testing.T) {
	st := testStore(t)
	c := testCase(t, st)
	c.Constraints().SetAssetRange("AAPL").SetRange(0.5, 0.1)

	_, err := testAssembler(st).Build(c, BuildOptions{})
	var ib *constraints.InvalidBoundError
	require.ErrorAs(t, err, &ib)
}

func TestMissingReferenceError(t *testing.T) {
	st := testStore(t)
	c := testCase(t, st)
	c.Constraints().SetFactorRange("MKT").
		SetReference("nope").
		SetUpperBound(0.1, constraints.Plus)

	_, err := testAssembler(st).Build(c, BuildOptions{})
	var rn *constraints.ReferenceNotFoundError
	require.ErrorAs(t, err, &rn)
	assert.Equal(t, "nope", rn.Reference)
}

func TestUnknownAssetInGeneralConstraint(t *testing.T) {
	st := testStore(t)
	c := testCase(t, st)
	c.Constraints().AddGeneralConstraint(map[string]float64{"NOPE": 1}).SetUpperBound(0.5)

	_, err := testAssembler(st).Build(c, BuildOptions{})
	var ae *Error
	require.ErrorAs(t, err, &ae)
}

func TestTransactionTypesClampBounds(t *testing.T) {
	st := testStore(t)
	c := testCase(t, st)
	s := c.ActiveSlice()
	s.SetTransactionType("AAPL", TxKeep)
	s.SetTransactionType("MSFT", TxSellNone)
	s.SetTransactionType("XOM", TxCloseOut)

	asm, err := testAssembler(st).Build(c, BuildOptions{})
	require.NoError(t, err)

	p := asm.Problem
	assert.Equal(t, 0.4, p.LowerBounds[0])
	assert.Equal(t, 0.4, p.UpperBounds[0])
	assert.Equal(t, 0.3, p.LowerBounds[1])
	assert.True(t, math.IsInf(p.UpperBounds[1], 1))
	assert.Equal(t, 0.0, p.LowerBounds[2])
	assert.Equal(t, 0.0, p.UpperBounds[2])
}

func TestCrossPeriodTurnoverLogsNewAssets(t *testing.T) {
	st := testStore(t)
	narrow := st.CreatePortfolio("narrow")
	narrow.AddAsset("AAPL", 0.6)
	narrow.AddAsset("MSFT", 0.4)

	c := testCase(t, st)
	// Period 0 never sees XOM; period 1 trades the full universe.
	c.SetInitialPortfolio("narrow")
	s2 := c.SelectSlice(0, 1)
	s2.InitialPortfolio = "init"
	s2.Utility.SetDefaultPrimaryRiskTerm("")
	c.CrossPeriodConstraints().SetTurnoverConstraint(constraints.TurnoverNet).
		SetUpperBound(0.2).
		SetID("xp-turnover")

	var buf bytes.Buffer
	asm, err := NewAssembler(st, config.Default(), zerolog.New(&buf)).Build(c, BuildOptions{})
	require.NoError(t, err)
	_, ok := asm.Binding("xp-turnover")
	require.True(t, ok)

	// A weight measured against a zero prior has to be visible in the logs.
	assert.Contains(t, buf.String(), "absent from prior period universe")
	assert.Contains(t, buf.String(), "XOM")
}

func TestMultiSliceLayout(t *testing.T) {
	st := testStore(t)
	c := testCase(t, st)
	s2 := c.SelectSlice(1, 0)
	s2.InitialPortfolio = "init"
	s2.Utility.SetDefaultPrimaryRiskTerm("")

	asm, err := testAssembler(st).Build(c, BuildOptions{})
	require.NoError(t, err)

	p := asm.Problem
	assert.Equal(t, 8, p.N)
	assert.Equal(t, "a0-p0:AAPL", p.Names[0])
	assert.Equal(t, "a1-p0:AAPL", p.Names[4])

	// Each slice carries its own balance row.
	_, ok := asm.Binding("balance:a0-p0")
	assert.True(t, ok)
	_, ok = asm.Binding("balance:a1-p0")
	assert.True(t, ok)
}

func TestDegenerateUtilityRejected(t *testing.T) {
	st := testStore(t)
	c := NewCase("degenerate", st, zerolog.Nop())
	c.SetPrimaryRiskModel("base")
	c.SetInitialPortfolio("init")
	// Alpha term enabled by default, no risk aversion anywhere.

	_, err := testAssembler(st).Build(c, BuildOptions{})
	require.Error(t, err)
}

func TestRelaxerSoftFirstThenHierarchy(t *testing.T) {
	st := testStore(t)
	c := testCase(t, st)
	cs := c.Constraints()
	cs.AddGroupConstraint("Sector", "Tech").SetRange(0, 0.5).
		SetPenalty(0.4, 0.2, 0.6).
		SetSoft(true).
		SetID("tech-soft")
	cs.SetTurnoverConstraint(constraints.TurnoverNet).SetUpperBound(0.1).SetID("net-to")
	cs.AddGroupConstraint("Sector", "Energy").SetRange(0, 0.3).SetID("energy-cap")
	cs.InitHierarchy().
		AddPriority(constraints.CategoryLinear, constraints.RankFirst).
		AddPriority(constraints.CategoryTurnover, constraints.RankSecond)

	r := NewRelaxer(c, zerolog.Nop())
	violated := []string{"tech-soft", "net-to", "energy-cap"}

	require.True(t, r.Next(violated))
	assert.Equal(t, []string{"tech-soft"}, r.RelaxedIDs())

	// Turnover ranks below the linear group, so it gives way next.
	require.True(t, r.Next(violated))
	assert.Equal(t, []string{"net-to", "tech-soft"}, r.RelaxedIDs())

	require.True(t, r.Next(violated))
	assert.Contains(t, r.RelaxedIDs(), "energy-cap")

	// Nothing left to give way.
	assert.False(t, r.Next(violated))
}
