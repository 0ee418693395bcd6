package constraints

import (
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAssetRangeDedupes(t *testing.T) {
	c := New(zerolog.Nop())

	first := c.SetAssetRange("USA11I1").SetRange(0.1, 0.3)
	second := c.SetAssetRange("USA11I1")

	assert.Same(t, first, second)
	assert.Len(t, c.Specs(), 1)

	lo, hi := second.Bounds()
	assert.Equal(t, 0.1, lo)
	assert.Equal(t, 0.3, hi)
}

func TestDeclarationOrder(t *testing.T) {
	c := New(zerolog.Nop())

	a := c.SetAssetRange("A")
	g := c.AddGroupConstraint("GICS_SECTOR", "Information Technology")
	f := c.SetFactorRange("Factor_1A")

	assert.Equal(t, 0, a.DeclIndex())
	assert.Equal(t, 1, g.DeclIndex())
	assert.Equal(t, 2, f.DeclIndex())
}

func TestDefaultBoundsUnbounded(t *testing.T) {
	c := New(zerolog.Nop())
	s := c.SetAssetRange("A")

	lo, hi := s.Bounds()
	assert.True(t, math.IsInf(lo, -1))
	assert.True(t, math.IsInf(hi, 1))
}

func TestResolveBounds(t *testing.T) {
	tests := []struct {
		name       string
		build      func(s *Spec)
		ref        float64
		wantLo     float64
		wantHi     float64
		wantHasErr bool
	}{
		{
			name:   "absolute",
			build:  func(s *Spec) { s.SetRange(0.0, 0.3) },
			wantLo: 0.0,
			wantHi: 0.3,
		},
		{
			name: "plus",
			build: func(s *Spec) {
				s.SetLowerBound(-0.05, Plus).SetUpperBound(0.05, Plus).SetReference("benchmark")
			},
			ref:    0.1,
			wantLo: 0.05,
			wantHi: 0.15,
		},
		{
			name: "multiple",
			build: func(s *Spec) {
				s.SetLowerBound(0.5, Multiple).SetUpperBound(2.0, Multiple).SetReference("benchmark")
			},
			ref:    0.1,
			wantLo: 0.05,
			wantHi: 0.2,
		},
		{
			name:       "crossed",
			build:      func(s *Spec) { s.SetRange(0.5, 0.2) },
			wantHasErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(zerolog.Nop())
			s := c.SetAssetRange("A")
			tt.build(s)

			lo, hi, err := s.ResolveBounds(tt.ref)
			if tt.wantHasErr {
				require.Error(t, err)
				var invalid *InvalidBoundError
				assert.ErrorAs(t, err, &invalid)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.wantLo, lo, 1e-12)
			assert.InDelta(t, tt.wantHi, hi, 1e-12)
		})
	}
}

func TestNeedsReference(t *testing.T) {
	c := New(zerolog.Nop())

	abs := c.SetAssetRange("A").SetRange(0, 0.3)
	assert.False(t, abs.NeedsReference())

	rel := c.SetAssetRange("B").SetUpperBound(0.05, Plus)
	assert.True(t, rel.NeedsReference())

	beta := c.SetBetaConstraint().SetRange(0.9, 1.1)
	assert.True(t, beta.NeedsReference())
}

func TestPenaltyFreeRange(t *testing.T) {
	p := Penalty{Lower: 0.1, Upper: 0.3, DownSlope: 2, UpSlope: 3, FreeRange: true}

	assert.Zero(t, p.Value(0.2))
	assert.Zero(t, p.Value(0.1))
	assert.Zero(t, p.Value(0.3))
	assert.InDelta(t, 0.1, p.Value(0.05), 1e-12)   // 2 * 0.05
	assert.InDelta(t, 0.15, p.Value(0.35), 1e-12)  // 3 * 0.05
	assert.InDelta(t, -2.0, p.Slope(0.05), 1e-12)
	assert.InDelta(t, 3.0, p.Slope(0.35), 1e-12)
	assert.Zero(t, p.Slope(0.2))
}

func TestPenaltyFullRange(t *testing.T) {
	p := Penalty{Target: 0.2, Lower: 0.1, Upper: 0.3, DownSlope: 1, UpSlope: 1}

	assert.Zero(t, p.Value(0.2))
	// Unit disutility at either edge of the range.
	assert.InDelta(t, 1.0, p.Value(0.1), 1e-12)
	assert.InDelta(t, 1.0, p.Value(0.3), 1e-12)
	// Keeps growing past the range.
	assert.Greater(t, p.Value(0.4), p.Value(0.3))
}

func TestRelaxationOrder(t *testing.T) {
	c := New(zerolog.Nop())

	asset := c.SetAssetRange("A").SetRange(0, 0.3)           // Linear
	to := c.SetTurnoverConstraint(TurnoverNet).SetUpperBound(0.2) // Turnover
	grp := c.AddGroupConstraint("SECTOR", "TECH").SetUpperBound(0.4)

	h := c.InitHierarchy()
	h.AddPriority(CategoryLinear, RankFirst)
	h.AddPriority(CategoryTurnover, RankSecond)

	order := h.RelaxationOrder(c.Specs())
	require.Len(t, order, 3)

	// Group ranks under Linear too, so both linear constraints rank first and
	// relax last; turnover relaxes before them. Same rank breaks ties by
	// declaration order.
	assert.Equal(t, to.ID(), order[0].ID())
	assert.Equal(t, asset.ID(), order[1].ID())
	assert.Equal(t, grp.ID(), order[2].ID())
}

func TestRelaxationOrderDefaultsToDeclaration(t *testing.T) {
	c := New(zerolog.Nop())
	a := c.SetAssetRange("A")
	b := c.SetAssetRange("B")

	h := NewHierarchy()
	order := h.RelaxationOrder(c.Specs())
	require.Len(t, order, 2)
	assert.Equal(t, a.ID(), order[0].ID())
	assert.Equal(t, b.ID(), order[1].ID())
}

func TestParingBuilders(t *testing.T) {
	c := New(zerolog.Nop())

	p := c.AddAssetTradeParing(ParingNumAssets).SetMinCount(5).SetMaxCount(10)
	require.NotNil(t, p.ParingRule)
	assert.Equal(t, 5, p.ParingRule.Min)
	assert.Equal(t, 10, p.ParingRule.Max)

	lv := c.AddLevelParingByGroup(LevelMinHolding, 0.02, "SECTOR", "TECH").EnableGrandfatherRule()
	require.NotNil(t, lv.LevelRule)
	assert.True(t, lv.LevelRule.Grandfather)
	assert.Equal(t, "SECTOR", lv.LevelRule.GroupName)

	soft := c.AddAssetTradeParing(ParingNumTrades).SetMaxCount(20).SetPenaltyPerExtra(0.0005)
	assert.Equal(t, 0.0005, soft.ParingRule.PenaltyPerExtra)
}

func TestRoundLotting(t *testing.T) {
	c := New(zerolog.Nop())

	enabled, odd := c.RoundLotting()
	assert.False(t, enabled)

	c.EnableRoundLotting(true)
	enabled, odd = c.RoundLotting()
	assert.True(t, enabled)
	assert.True(t, odd)
}
