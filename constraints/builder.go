package constraints

import (
	"github.com/rs/zerolog"
)

// Constraints is the container scoped to one Case (or one account within a
// multi-account Case). Registration order is recorded and used as the
// relaxation tie-break.
type Constraints struct {
	specs     []*Spec
	hierarchy *Hierarchy

	roundLotting bool
	allowOddLot  bool

	log zerolog.Logger
}

// New creates an empty constraint set.
func New(log zerolog.Logger) *Constraints {
	return &Constraints{
		log: log.With().Str("component", "constraints").Logger(),
	}
}

func (c *Constraints) add(kind Kind) *Spec {
	s := newSpec(kind, len(c.specs))
	c.specs = append(c.specs, s)
	return s
}

// Specs returns all registered constraints in declaration order.
func (c *Constraints) Specs() []*Spec {
	out := make([]*Spec, len(c.specs))
	copy(out, c.specs)
	return out
}

// ByID resolves a constraint by id.
func (c *Constraints) ByID(id string) (*Spec, bool) {
	for _, s := range c.specs {
		if s.id == id {
			return s, true
		}
	}
	return nil, false
}

// SetAssetRange bounds one asset's weight. Calling it again for the same
// asset returns the existing record.
func (c *Constraints) SetAssetRange(assetID string) *Spec {
	for _, s := range c.specs {
		if s.kind == KindAssetRange && s.AssetID == assetID {
			return s
		}
	}
	s := c.add(KindAssetRange)
	s.AssetID = assetID
	return s
}

// AddGroupConstraint bounds the total weight of assets tagged with a
// category under a group attribute.
func (c *Constraints) AddGroupConstraint(group, category string) *Spec {
	s := c.add(KindGroupRange)
	s.GroupName = group
	s.GroupCategory = category
	return s
}

// SetFactorRange bounds the portfolio's exposure to a factor.
func (c *Constraints) SetFactorRange(factor string) *Spec {
	for _, s := range c.specs {
		if s.kind == KindFactorRange && s.Factor == factor {
			return s
		}
	}
	s := c.add(KindFactorRange)
	s.Factor = factor
	return s
}

// SetBalanceRange overrides the default full-investment balance constraint
// (sum of weights in [1, 1]).
func (c *Constraints) SetBalanceRange(lo, hi float64) *Spec {
	for _, s := range c.specs {
		if s.kind == KindBalance {
			return s.SetRange(lo, hi)
		}
	}
	return c.add(KindBalance).SetRange(lo, hi)
}

// HasBalance reports whether a balance constraint was registered explicitly.
func (c *Constraints) HasBalance() bool {
	for _, s := range c.specs {
		if s.kind == KindBalance {
			return true
		}
	}
	return false
}

// SetBetaConstraint bounds portfolio beta against the reference portfolio.
func (c *Constraints) SetBetaConstraint() *Spec {
	return c.add(KindBeta)
}

// SetTotalActiveWeightConstraint bounds the sum of absolute active weights
// against the reference portfolio.
func (c *Constraints) SetTotalActiveWeightConstraint() *Spec {
	return c.add(KindTotalActiveWeight)
}

// AddGeneralConstraint bounds an arbitrary linear combination of weights.
func (c *Constraints) AddGeneralConstraint(coeffs map[string]float64) *Spec {
	s := c.add(KindGeneralLinear)
	s.Coeffs = coeffs
	return s
}

// SetTurnoverConstraint bounds traded weight on the given side.
func (c *Constraints) SetTurnoverConstraint(side TurnoverSide) *Spec {
	s := c.add(KindTurnover)
	s.Side = side
	return s
}

// SetTransactionCostConstraint bounds the total transaction cost.
func (c *Constraints) SetTransactionCostConstraint() *Spec {
	return c.add(KindTransactionCost)
}

// SetHedgeConstraint bounds a leverage measure.
func (c *Constraints) SetHedgeConstraint(form HedgeForm) *Spec {
	s := c.add(KindHedge)
	s.Form = form
	return s
}

// AddTotalLeverageGroupConstraint bounds gross (long + short) weight within a
// group category.
func (c *Constraints) AddTotalLeverageGroupConstraint(group, category string) *Spec {
	s := c.add(KindHedge)
	s.Form = HedgeTotalLeverage
	s.GroupName = group
	s.GroupCategory = category
	return s
}

// AddTotalLeverageFactorConstraint bounds gross weight contributed through a
// factor exposure.
func (c *Constraints) AddTotalLeverageFactorConstraint(factor string) *Spec {
	s := c.add(KindHedge)
	s.Form = HedgeTotalLeverage
	s.Factor = factor
	return s
}

// AddWeightedTotalLeverageConstraint bounds a weighted gross-exposure sum.
func (c *Constraints) AddWeightedTotalLeverageConstraint(coeffs map[string]float64) *Spec {
	s := c.add(KindHedge)
	s.Form = HedgeTotalLeverage
	s.Coeffs = coeffs
	return s
}

// AddRiskConstraint bounds risk per the budget's definition. The bound is on
// standard deviation for absolute budgets and on the fraction of total risk
// for multiplicative ones.
func (c *Constraints) AddRiskConstraint(budget RiskBudget) *Spec {
	s := c.add(KindRiskBudget)
	b := budget
	s.Risk = &b
	return s
}

// SetRiskParity requires equal marginal risk contributions across the given
// assets (all non-cash assets when nil).
func (c *Constraints) SetRiskParity(assetIDs []string) *Spec {
	s := c.add(KindRiskParity)
	s.Risk = &RiskBudget{AssetIDs: assetIDs}
	return s
}

// AddRatioConstraint bounds the ratio of two linear combinations of weights.
func (c *Constraints) AddRatioConstraint(numerator, denominator map[string]float64) *Spec {
	s := c.add(KindRatio)
	s.Coeffs = numerator
	s.DenomCoeffs = denominator
	return s
}

// AddQuadraticConstraint bounds w'Qw + b'w. Keys of quad are unordered asset
// pairs.
func (c *Constraints) AddQuadraticConstraint(quad map[[2]string]float64, linear map[string]float64) *Spec {
	s := c.add(KindQuadratic)
	s.QuadCoeffs = quad
	s.Coeffs = linear
	return s
}

// SetConcentrationConstraint bounds portfolio concentration, measured as the
// sum of squared weights.
func (c *Constraints) SetConcentrationConstraint() *Spec {
	return c.add(KindConcentration)
}

// Init5_10_40Rule registers the 5/10/40 issuer rule: each issuer at most 5%,
// except that issuers above 5% may reach 10% as long as they jointly stay
// within 40%. The member inequalities are re-derived from issuer assignments
// at every assembly.
func (c *Constraints) Init5_10_40Rule() *Spec {
	return c.add(KindFiveTenForty)
}

// SetTaxArbitrageRange bounds realized gain/loss for a (group, category)
// bucket and term.
func (c *Constraints) SetTaxArbitrageRange(group, category string, term TaxTerm, measure TaxMeasure) *Spec {
	s := c.add(KindTaxArbitrage)
	s.Tax = &TaxBound{GroupName: group, GroupCategory: category, Term: term, Measure: measure}
	return s
}

// SetTaxLimit bounds the account's total net tax liability.
func (c *Constraints) SetTaxLimit() *Spec {
	s := c.add(KindTaxLimit)
	s.Tax = &TaxBound{Term: TermAny, Measure: MeasureNet}
	return s
}

// AddAssetTradeParing registers a cardinality constraint counting assets or
// trades.
func (c *Constraints) AddAssetTradeParing(typ ParingType) *Spec {
	s := c.add(KindParing)
	s.ParingRule = &Paring{Type: typ, Min: 0, Max: -1}
	return s
}

// AddAssetTradeParingByGroup registers a cardinality constraint restricted to
// a group category.
func (c *Constraints) AddAssetTradeParingByGroup(typ ParingType, group, category string) *Spec {
	s := c.AddAssetTradeParing(typ)
	s.ParingRule.GroupName = group
	s.ParingRule.GroupCategory = category
	return s
}

// SetMaxCount caps the count of a paring constraint.
func (s *Spec) SetMaxCount(n int) *Spec {
	if s.ParingRule != nil {
		s.ParingRule.Max = n
	}
	return s
}

// SetMinCount floors the count of a paring constraint.
func (s *Spec) SetMinCount(n int) *Spec {
	if s.ParingRule != nil {
		s.ParingRule.Min = n
	}
	return s
}

// SetPenaltyPerExtra converts the paring bound into a continuous disutility
// per unit of violation instead of a hard combinatorial constraint.
func (s *Spec) SetPenaltyPerExtra(penalty float64) *Spec {
	if s.ParingRule != nil {
		s.ParingRule.PenaltyPerExtra = penalty
	}
	return s
}

// AddLevelParing registers a minimum holding/transaction-size threshold as a
// fraction of base value.
func (c *Constraints) AddLevelParing(level LevelParingType, threshold float64) *Spec {
	s := c.add(KindParing)
	s.LevelRule = &LevelParing{Level: level, Threshold: threshold}
	return s
}

// AddLevelParingByGroup restricts a level paring to a group category.
func (c *Constraints) AddLevelParingByGroup(level LevelParingType, threshold float64, group, category string) *Spec {
	s := c.AddLevelParing(level, threshold)
	s.LevelRule.GroupName = group
	s.LevelRule.GroupCategory = category
	return s
}

// SetAssetTradeSize registers a per-asset minimum trade size.
func (c *Constraints) SetAssetTradeSize(assetID string, threshold float64) *Spec {
	s := c.add(KindParing)
	s.LevelRule = &LevelParing{Level: LevelMinTradeSize, Threshold: threshold, AssetID: assetID}
	return s
}

// EnableGrandfatherRule exempts existing holdings already below the
// threshold from a level paring.
func (s *Spec) EnableGrandfatherRule() *Spec {
	if s.LevelRule != nil {
		s.LevelRule.Grandfather = true
	}
	return s
}

// EnableRoundLotting asks the assembler to treat trades as integer multiples
// of each asset's round lot.
func (c *Constraints) EnableRoundLotting(allowOddLot bool) {
	c.roundLotting = true
	c.allowOddLot = allowOddLot
}

// RoundLotting reports whether roundlotting was enabled and whether an odd
// closing lot is allowed.
func (c *Constraints) RoundLotting() (enabled, allowOddLot bool) {
	return c.roundLotting, c.allowOddLot
}

// InitHierarchy attaches (creating when needed) the category priority
// hierarchy used for relaxation.
func (c *Constraints) InitHierarchy() *Hierarchy {
	if c.hierarchy == nil {
		c.hierarchy = NewHierarchy()
	}
	return c.hierarchy
}

// Hierarchy returns the attached hierarchy; nil means every category ranks
// last.
func (c *Constraints) Hierarchy() *Hierarchy { return c.hierarchy }
