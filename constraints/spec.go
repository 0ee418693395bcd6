// Package constraints provides the typed constraint families, their
// normalization into bound/penalty semantics, and the priority hierarchy used
// for relaxation.
package constraints

import (
	"math"

	"github.com/google/uuid"
)

// Category groups constraint kinds for the priority hierarchy.
type Category int

const (
	CategoryLinear Category = iota
	CategoryParing
	CategoryTurnover
	CategoryRiskBudget
	CategoryHedge
	CategoryTax
	CategoryRatio
	CategoryQuadratic
	CategoryConcentration
	CategoryFiveTenForty
)

// Kind tags the closed variant set of constraint payloads.
type Kind int

const (
	KindAssetRange Kind = iota
	KindGroupRange
	KindFactorRange
	KindBalance
	KindBeta
	KindTotalActiveWeight
	KindGeneralLinear
	KindTurnover
	KindTransactionCost
	KindHedge
	KindRiskBudget
	KindRiskParity
	KindRatio
	KindQuadratic
	KindConcentration
	KindFiveTenForty
	KindTaxArbitrage
	KindTaxLimit
	KindParing
)

// CategoryOf maps a kind to its hierarchy category.
func CategoryOf(k Kind) Category {
	switch k {
	case KindTurnover, KindTransactionCost:
		return CategoryTurnover
	case KindHedge:
		return CategoryHedge
	case KindRiskBudget, KindRiskParity:
		return CategoryRiskBudget
	case KindRatio:
		return CategoryRatio
	case KindQuadratic:
		return CategoryQuadratic
	case KindConcentration:
		return CategoryConcentration
	case KindFiveTenForty:
		return CategoryFiveTenForty
	case KindTaxArbitrage, KindTaxLimit:
		return CategoryTax
	case KindParing:
		return CategoryParing
	default:
		return CategoryLinear
	}
}

// Relative selects how a bound combines with the reference portfolio's
// exposure: used directly, added to it, or multiplied by it.
type Relative int

const (
	Absolute Relative = iota
	Plus
	Multiple
)

// TurnoverSide selects which traded weight a turnover constraint measures.
type TurnoverSide int

const (
	TurnoverNet TurnoverSide = iota
	TurnoverBuySide
	TurnoverSellSide
	TurnoverLongSide
	TurnoverShortSide
)

// HedgeForm selects a leverage measure.
type HedgeForm int

const (
	HedgeLongSideLeverage HedgeForm = iota
	HedgeShortSideLeverage
	HedgeShortLongLeverageRatio
	HedgeTotalLeverage
)

// RiskBudget configures a risk constraint over an asset/factor subset.
type RiskBudget struct {
	Model          string   // "" selects the case's primary model
	AssetIDs       []string // nil = all assets
	Factors        []string // nil = total (common + specific) risk
	Multiplicative bool     // bound is a fraction of total risk instead of absolute sigma
	ActiveRisk     bool     // measure against the reference portfolio
}

// ParingType counts assets or trades.
type ParingType int

const (
	ParingNumAssets ParingType = iota
	ParingNumTrades
	ParingNumBuys
	ParingNumSells
)

// Paring is the payload of a cardinality constraint.
type Paring struct {
	Type            ParingType
	Min             int
	Max             int // -1 when unbounded
	PenaltyPerExtra float64
	GroupName       string // optional: count only members of this group
	GroupCategory   string
}

// LevelParingType selects a minimum-size threshold family.
type LevelParingType int

const (
	LevelMinHolding LevelParingType = iota
	LevelMinTranxSize
	LevelMinTradeSize
)

// LevelParing is the payload of a minimum holding/transaction threshold.
type LevelParing struct {
	Level         LevelParingType
	Threshold     float64 // fraction of base value
	GroupName     string
	GroupCategory string
	AssetID       string // optional per-asset threshold
	Grandfather   bool   // existing holdings below threshold are exempt
}

// TaxTerm selects long-term, short-term, or combined realized amounts.
type TaxTerm int

const (
	TermAny TaxTerm = iota
	TermLong
	TermShort
)

// TaxMeasure selects gain, loss, or net realized amount.
type TaxMeasure int

const (
	MeasureNet TaxMeasure = iota
	MeasureGain
	MeasureLoss
)

// TaxBound is the payload of tax-arbitrage and tax-limit constraints.
type TaxBound struct {
	GroupName     string
	GroupCategory string
	Term          TaxTerm
	Measure       TaxMeasure
}

// Spec is one constraint record: kind tag plus the payload fields that kind
// reads, normalized by the assembler into a functional, a bound interval and
// an optional penalty.
type Spec struct {
	id      string
	kind    Kind
	declIdx int

	lower, upper       float64
	lowerRel, upperRel Relative
	reference          string
	penalty            *Penalty
	soft               bool

	// Payloads; only the fields relevant to the kind are set.
	AssetID       string
	GroupName     string
	GroupCategory string
	Factor        string
	Coeffs        map[string]float64
	DenomCoeffs   map[string]float64
	QuadCoeffs    map[[2]string]float64
	Side          TurnoverSide
	Form          HedgeForm
	Risk          *RiskBudget
	ParingRule    *Paring
	LevelRule     *LevelParing
	Tax           *TaxBound
}

func newSpec(kind Kind, declIdx int) *Spec {
	return &Spec{
		id:      uuid.New().String(),
		kind:    kind,
		declIdx: declIdx,
		lower:   math.Inf(-1),
		upper:   math.Inf(1),
	}
}

// ID returns the constraint's unique id.
func (s *Spec) ID() string { return s.id }

// SetID overrides the generated id, e.g. for frontier sweeps over a named
// constraint.
func (s *Spec) SetID(id string) *Spec {
	s.id = id
	return s
}

// Kind returns the variant tag.
func (s *Spec) Kind() Kind { return s.kind }

// Category returns the hierarchy category.
func (s *Spec) Category() Category { return CategoryOf(s.kind) }

// DeclIndex returns the declaration position, the deterministic tie-break for
// same-rank relaxation.
func (s *Spec) DeclIndex() int { return s.declIdx }

// SetLowerBound sets the lower bound; an optional Relative makes it
// reference-relative.
func (s *Spec) SetLowerBound(v float64, rel ...Relative) *Spec {
	s.lower = v
	if len(rel) > 0 {
		s.lowerRel = rel[0]
	} else {
		s.lowerRel = Absolute
	}
	return s
}

// SetUpperBound sets the upper bound; an optional Relative makes it
// reference-relative.
func (s *Spec) SetUpperBound(v float64, rel ...Relative) *Spec {
	s.upper = v
	if len(rel) > 0 {
		s.upperRel = rel[0]
	} else {
		s.upperRel = Absolute
	}
	return s
}

// SetRange sets both absolute bounds.
func (s *Spec) SetRange(lo, hi float64) *Spec {
	return s.SetLowerBound(lo).SetUpperBound(hi)
}

// Bounds returns the declared (unresolved) bounds.
func (s *Spec) Bounds() (lo, hi float64) { return s.lower, s.upper }

// BoundRelatives returns how each bound is interpreted against the reference.
func (s *Spec) BoundRelatives() (lo, hi Relative) { return s.lowerRel, s.upperRel }

// SetReference names the reference portfolio used by relative bounds and
// active-risk budgets.
func (s *Spec) SetReference(portfolioName string) *Spec {
	s.reference = portfolioName
	return s
}

// Reference returns the reference portfolio name.
func (s *Spec) Reference() string { return s.reference }

// SetPenalty attaches a full-range piecewise-linear penalty: zero disutility
// at target, growing linearly to the unit slopes at lo and hi.
func (s *Spec) SetPenalty(target, lo, hi float64) *Spec {
	s.penalty = &Penalty{Target: target, Lower: lo, Upper: hi, DownSlope: 1, UpSlope: 1}
	return s
}

// SetFreeRangePenalty attaches a free-range penalty: zero disutility inside
// [lo, hi], the given slopes per unit of violation outside.
func (s *Spec) SetFreeRangePenalty(lo, hi, downSlope, upSlope float64) *Spec {
	s.penalty = &Penalty{Lower: lo, Upper: hi, DownSlope: downSlope, UpSlope: upSlope, FreeRange: true}
	return s
}

// Penalty returns the attached penalty, if any.
func (s *Spec) Penalty() *Penalty { return s.penalty }

// SetSoft marks the constraint soft: its hard bound may be converted to a
// penalty during relaxation without consulting the hierarchy.
func (s *Spec) SetSoft(soft bool) *Spec {
	s.soft = soft
	return s
}

// Soft reports the soft flag.
func (s *Spec) Soft() bool { return s.soft }
