package persist

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/portopt/assembly"
	"github.com/aristath/portopt/constraints"
	"github.com/aristath/portopt/portfolio"
	"github.com/aristath/portopt/store"
	"github.com/aristath/portopt/utility"
)

// numCategories covers the hierarchy rank vector. Ranks are captured for
// every category so the restored hierarchy answers RankFor identically even
// for categories that were never explicitly prioritized.
const numCategories = int(constraints.CategoryFiveTenForty) + 1

type caseRecord struct {
	Name           string
	PrimaryModel   string
	SecondaryModel string

	RiskTarget   *float64
	ReturnTarget *float64

	JointMarketImpact float64
	AccountGroups     map[int]int

	TaxRules []taxRulesRecord
	Slices   []sliceRecord

	ActiveAccount int
	ActivePeriod  int

	CrossPeriod  *constraintSetRecord
	CrossAccount *constraintSetRecord
}

type taxRulesRecord struct {
	Account int
	Rules   []taxRuleRecord
	Selling []sellingOrderRecord
}

type taxRuleRecord struct {
	Group         string
	Category      string
	LongTermRate  float64
	ShortTermRate float64
	LongTermDays  int
	TwoRate       bool
	WashSale      int
	WashWindow    int
}

type sellingOrderRecord struct {
	Group    string
	Category string
	Order    int
}

type sliceRecord struct {
	Account          int
	Period           int
	InitialPortfolio string
	TradeUniverse    string
	BaseValue        float64
	CashFlowWeight   float64
	TxTypes          map[string]int

	Constraints constraintSetRecord
	Utility     utilityRecord
}

type constraintSetRecord struct {
	Specs []specRecord

	HasHierarchy bool
	Ranks        []int // by Category, length numCategories

	RoundLotting bool
	AllowOddLot  bool
}

type specRecord struct {
	ID        string
	Kind      int
	Lower     float64
	Upper     float64
	LowerRel  int
	UpperRel  int
	Reference string
	Soft      bool
	Penalty   *penaltyRecord

	AssetID       string
	GroupName     string
	GroupCategory string
	Factor        string
	Coeffs        map[string]float64
	DenomCoeffs   map[string]float64
	Quad          []quadEntry
	Side          int
	Form          int
	Risk          *riskBudgetRecord
	Paring        *constraints.Paring
	Level         *constraints.LevelParing
	Tax           *constraints.TaxBound
}

// quadEntry flattens the unordered-pair quadratic coefficient map, whose
// array keys msgpack cannot encode.
type quadEntry struct {
	A     string
	B     string
	Value float64
}

type penaltyRecord struct {
	Target    float64
	Lower     float64
	Upper     float64
	DownSlope float64
	UpSlope   float64
	FreeRange bool
}

type riskBudgetRecord struct {
	Model          string
	AssetIDs       []string
	Factors        []string
	Multiplicative bool
	ActiveRisk     bool
}

type utilityRecord struct {
	Primary   *riskTermRecord
	Secondary []riskTermRecord

	Alpha   float64
	Cost    float64
	Holding float64
	Penalty float64

	LossBenefit *lossBenefitRecord
	Shortfall   *shortfallRecord
	Covariances []covarianceRecord
}

type riskTermRecord struct {
	LambdaCommon   float64
	LambdaSpecific float64
	Benchmark      string
	Model          string
}

type lossBenefitRecord struct {
	Multiplier float64
	Target     float64
}

type shortfallRecord struct {
	Multiplier float64
	Confidence float64
	Scenarios  [][]float64
	AssetIDs   []string
}

type covarianceRecord struct {
	Lambda     float64
	PortfolioA string
	PortfolioB string
}

func captureCase(c *assembly.Case) *caseRecord {
	active := c.ActiveSlice().Key
	rec := &caseRecord{
		Name:              c.Name(),
		PrimaryModel:      c.PrimaryRiskModel(),
		SecondaryModel:    c.SecondaryRiskModel(),
		JointMarketImpact: c.JointMarketImpact(),
		AccountGroups:     c.AccountGroups(),
		ActiveAccount:     active.Account,
		ActivePeriod:      active.Period,
	}
	if t := c.RiskTarget(); t != nil {
		v := *t
		rec.RiskTarget = &v
	}
	if t := c.ReturnTarget(); t != nil {
		v := *t
		rec.ReturnTarget = &v
	}

	for _, account := range c.TaxAccounts() {
		rec.TaxRules = append(rec.TaxRules, captureTaxRules(account, c.TaxRules(account)))
	}

	for _, s := range c.Slices() {
		sr := sliceRecord{
			Account:          s.Key.Account,
			Period:           s.Key.Period,
			InitialPortfolio: s.InitialPortfolio,
			TradeUniverse:    s.TradeUniverse,
			BaseValue:        s.BaseValue,
			CashFlowWeight:   s.CashFlowWeight,
			Constraints:      captureConstraintSet(s.Constraints),
			Utility:          captureUtility(s.Utility),
		}
		if tx := s.TransactionTypes(); len(tx) > 0 {
			sr.TxTypes = make(map[string]int, len(tx))
			for id, t := range tx {
				sr.TxTypes[id] = int(t)
			}
		}
		rec.Slices = append(rec.Slices, sr)
	}

	// The cross-slice sets are lazy; record them only when populated.
	if cp := c.CrossPeriodConstraints(); len(cp.Specs()) > 0 {
		r := captureConstraintSet(cp)
		rec.CrossPeriod = &r
	}
	if ca := c.CrossAccountConstraints(); len(ca.Specs()) > 0 {
		r := captureConstraintSet(ca)
		rec.CrossAccount = &r
	}
	return rec
}

func restoreCase(rec *caseRecord, st *store.Store, log zerolog.Logger) (*assembly.Case, error) {
	c := assembly.NewCase(rec.Name, st, log)
	c.SetPrimaryRiskModel(rec.PrimaryModel)
	c.SetSecondaryRiskModel(rec.SecondaryModel)
	c.SetJointMarketImpact(rec.JointMarketImpact)
	if rec.RiskTarget != nil {
		c.SetRiskTarget(*rec.RiskTarget)
	}
	if rec.ReturnTarget != nil {
		c.SetReturnTarget(*rec.ReturnTarget)
	}
	for account, group := range rec.AccountGroups {
		c.AssignAccountGroup(account, group)
	}
	for _, tr := range rec.TaxRules {
		c.SetTaxRules(tr.Account, restoreTaxRules(tr))
	}

	for _, sr := range rec.Slices {
		s := c.SelectSlice(sr.Account, sr.Period)
		s.InitialPortfolio = sr.InitialPortfolio
		s.TradeUniverse = sr.TradeUniverse
		s.BaseValue = sr.BaseValue
		s.CashFlowWeight = sr.CashFlowWeight
		for id, t := range sr.TxTypes {
			s.SetTransactionType(id, assembly.TransactionType(t))
		}
		if err := restoreConstraintSet(s.Constraints, sr.Constraints); err != nil {
			return nil, fmt.Errorf("slice (account %d, period %d): %w", sr.Account, sr.Period, err)
		}
		restoreUtility(s.Utility, sr.Utility)
	}
	if rec.CrossPeriod != nil {
		if err := restoreConstraintSet(c.CrossPeriodConstraints(), *rec.CrossPeriod); err != nil {
			return nil, fmt.Errorf("cross-period constraints: %w", err)
		}
	}
	if rec.CrossAccount != nil {
		if err := restoreConstraintSet(c.CrossAccountConstraints(), *rec.CrossAccount); err != nil {
			return nil, fmt.Errorf("cross-account constraints: %w", err)
		}
	}
	c.SelectSlice(rec.ActiveAccount, rec.ActivePeriod)
	return c, nil
}

func captureTaxRules(account int, rules *portfolio.TaxRules) taxRulesRecord {
	rec := taxRulesRecord{Account: account}
	for _, e := range rules.Entries() {
		rec.Rules = append(rec.Rules, taxRuleRecord{
			Group:         e.Group,
			Category:      e.Category,
			LongTermRate:  e.Rule.LongTermRate,
			ShortTermRate: e.Rule.ShortTermRate,
			LongTermDays:  e.Rule.LongTermDays,
			TwoRate:       e.Rule.TwoRate,
			WashSale:      int(e.Rule.WashSale),
			WashWindow:    e.Rule.WashWindow,
		})
	}
	for _, e := range rules.SellingOrderEntries() {
		rec.Selling = append(rec.Selling, sellingOrderRecord{
			Group:    e.Group,
			Category: e.Category,
			Order:    int(e.Order),
		})
	}
	return rec
}

func restoreTaxRules(rec taxRulesRecord) *portfolio.TaxRules {
	rules := portfolio.NewTaxRules()
	for _, rr := range rec.Rules {
		r := rules.AddRule(rr.Group, rr.Category)
		r.LongTermRate = rr.LongTermRate
		r.ShortTermRate = rr.ShortTermRate
		r.LongTermDays = rr.LongTermDays
		r.TwoRate = rr.TwoRate
		r.WashSale = portfolio.WashSaleRule(rr.WashSale)
		r.WashWindow = rr.WashWindow
	}
	for _, sr := range rec.Selling {
		rules.SetSellingOrder(sr.Group, sr.Category, portfolio.SellOrder(sr.Order))
	}
	return rules
}

func captureConstraintSet(cs *constraints.Constraints) constraintSetRecord {
	rec := constraintSetRecord{}
	rec.RoundLotting, rec.AllowOddLot = cs.RoundLotting()
	if h := cs.Hierarchy(); h != nil {
		rec.HasHierarchy = true
		rec.Ranks = make([]int, numCategories)
		for cat := 0; cat < numCategories; cat++ {
			rec.Ranks[cat] = int(h.RankFor(constraints.Category(cat)))
		}
	}
	for _, s := range cs.Specs() {
		rec.Specs = append(rec.Specs, captureSpec(s))
	}
	return rec
}

func captureSpec(s *constraints.Spec) specRecord {
	lo, hi := s.Bounds()
	loRel, hiRel := s.BoundRelatives()
	rec := specRecord{
		ID:            s.ID(),
		Kind:          int(s.Kind()),
		Lower:         lo,
		Upper:         hi,
		LowerRel:      int(loRel),
		UpperRel:      int(hiRel),
		Reference:     s.Reference(),
		Soft:          s.Soft(),
		AssetID:       s.AssetID,
		GroupName:     s.GroupName,
		GroupCategory: s.GroupCategory,
		Factor:        s.Factor,
		Coeffs:        s.Coeffs,
		DenomCoeffs:   s.DenomCoeffs,
		Side:          int(s.Side),
		Form:          int(s.Form),
	}
	if p := s.Penalty(); p != nil {
		rec.Penalty = &penaltyRecord{
			Target:    p.Target,
			Lower:     p.Lower,
			Upper:     p.Upper,
			DownSlope: p.DownSlope,
			UpSlope:   p.UpSlope,
			FreeRange: p.FreeRange,
		}
	}
	for k, v := range s.QuadCoeffs {
		rec.Quad = append(rec.Quad, quadEntry{A: k[0], B: k[1], Value: v})
	}
	if s.Risk != nil {
		rec.Risk = &riskBudgetRecord{
			Model:          s.Risk.Model,
			AssetIDs:       s.Risk.AssetIDs,
			Factors:        s.Risk.Factors,
			Multiplicative: s.Risk.Multiplicative,
			ActiveRisk:     s.Risk.ActiveRisk,
		}
	}
	if s.ParingRule != nil {
		p := *s.ParingRule
		rec.Paring = &p
	}
	if s.LevelRule != nil {
		l := *s.LevelRule
		rec.Level = &l
	}
	if s.Tax != nil {
		t := *s.Tax
		rec.Tax = &t
	}
	return rec
}

func restoreConstraintSet(cs *constraints.Constraints, rec constraintSetRecord) error {
	for _, sr := range rec.Specs {
		if err := restoreSpec(cs, sr); err != nil {
			return err
		}
	}
	if rec.HasHierarchy {
		h := cs.InitHierarchy()
		for cat, rank := range rec.Ranks {
			h.AddPriority(constraints.Category(cat), constraints.Rank(rank))
		}
	}
	if rec.RoundLotting {
		cs.EnableRoundLotting(rec.AllowOddLot)
	}
	return nil
}

// restoreSpec re-registers one constraint through the builder for its kind,
// so declaration indices come out in capture order.
func restoreSpec(cs *constraints.Constraints, rec specRecord) error {
	var s *constraints.Spec
	switch constraints.Kind(rec.Kind) {
	case constraints.KindAssetRange:
		s = cs.SetAssetRange(rec.AssetID)
	case constraints.KindGroupRange:
		s = cs.AddGroupConstraint(rec.GroupName, rec.GroupCategory)
	case constraints.KindFactorRange:
		s = cs.SetFactorRange(rec.Factor)
	case constraints.KindBalance:
		s = cs.SetBalanceRange(rec.Lower, rec.Upper)
	case constraints.KindBeta:
		s = cs.SetBetaConstraint()
	case constraints.KindTotalActiveWeight:
		s = cs.SetTotalActiveWeightConstraint()
	case constraints.KindGeneralLinear:
		s = cs.AddGeneralConstraint(rec.Coeffs)
	case constraints.KindTurnover:
		s = cs.SetTurnoverConstraint(constraints.TurnoverSide(rec.Side))
	case constraints.KindTransactionCost:
		s = cs.SetTransactionCostConstraint()
	case constraints.KindHedge:
		s = cs.SetHedgeConstraint(constraints.HedgeForm(rec.Form))
		s.GroupName = rec.GroupName
		s.GroupCategory = rec.GroupCategory
		s.Factor = rec.Factor
		s.Coeffs = rec.Coeffs
	case constraints.KindRiskBudget:
		if rec.Risk == nil {
			return fmt.Errorf("risk constraint %s has no budget payload", rec.ID)
		}
		s = cs.AddRiskConstraint(constraints.RiskBudget{
			Model:          rec.Risk.Model,
			AssetIDs:       rec.Risk.AssetIDs,
			Factors:        rec.Risk.Factors,
			Multiplicative: rec.Risk.Multiplicative,
			ActiveRisk:     rec.Risk.ActiveRisk,
		})
	case constraints.KindRiskParity:
		var ids []string
		if rec.Risk != nil {
			ids = rec.Risk.AssetIDs
		}
		s = cs.SetRiskParity(ids)
	case constraints.KindRatio:
		s = cs.AddRatioConstraint(rec.Coeffs, rec.DenomCoeffs)
	case constraints.KindQuadratic:
		quad := make(map[[2]string]float64, len(rec.Quad))
		for _, e := range rec.Quad {
			quad[[2]string{e.A, e.B}] = e.Value
		}
		s = cs.AddQuadraticConstraint(quad, rec.Coeffs)
	case constraints.KindConcentration:
		s = cs.SetConcentrationConstraint()
	case constraints.KindFiveTenForty:
		s = cs.Init5_10_40Rule()
	case constraints.KindTaxArbitrage:
		if rec.Tax == nil {
			return fmt.Errorf("tax constraint %s has no payload", rec.ID)
		}
		s = cs.SetTaxArbitrageRange(rec.Tax.GroupName, rec.Tax.GroupCategory, rec.Tax.Term, rec.Tax.Measure)
	case constraints.KindTaxLimit:
		s = cs.SetTaxLimit()
	case constraints.KindParing:
		if rec.Paring != nil {
			s = cs.AddAssetTradeParing(rec.Paring.Type)
			p := *rec.Paring
			s.ParingRule = &p
		} else if rec.Level != nil {
			s = cs.AddLevelParing(rec.Level.Level, rec.Level.Threshold)
			l := *rec.Level
			s.LevelRule = &l
		} else {
			return fmt.Errorf("paring constraint %s has no payload", rec.ID)
		}
	default:
		return fmt.Errorf("unknown constraint kind %d for %s", rec.Kind, rec.ID)
	}

	s.SetLowerBound(rec.Lower, constraints.Relative(rec.LowerRel))
	s.SetUpperBound(rec.Upper, constraints.Relative(rec.UpperRel))
	if rec.Reference != "" {
		s.SetReference(rec.Reference)
	}
	if rec.Soft {
		s.SetSoft(true)
	}
	if p := rec.Penalty; p != nil {
		if p.FreeRange {
			s.SetFreeRangePenalty(p.Lower, p.Upper, p.DownSlope, p.UpSlope)
		} else {
			s.SetPenalty(p.Target, p.Lower, p.Upper)
		}
	}
	s.SetID(rec.ID)
	return nil
}

func captureUtility(u *utility.Utility) utilityRecord {
	rec := utilityRecord{
		Alpha:   u.AlphaTerm(),
		Cost:    u.CostTerm(),
		Holding: u.HoldingCostTerm(),
		Penalty: u.PenaltyTerm(),
	}
	if t := u.PrimaryRiskTerm(); t != nil {
		rec.Primary = &riskTermRecord{
			LambdaCommon:   t.LambdaCommon,
			LambdaSpecific: t.LambdaSpecific,
			Benchmark:      t.Benchmark,
			Model:          t.Model,
		}
	}
	for _, t := range u.SecondaryRiskTerms() {
		rec.Secondary = append(rec.Secondary, riskTermRecord{
			LambdaCommon:   t.LambdaCommon,
			LambdaSpecific: t.LambdaSpecific,
			Benchmark:      t.Benchmark,
			Model:          t.Model,
		})
	}
	if lb := u.LossBenefitTerm(); lb != nil {
		rec.LossBenefit = &lossBenefitRecord{Multiplier: lb.Multiplier, Target: lb.Target}
	}
	if sf := u.Shortfall(); sf != nil {
		rec.Shortfall = &shortfallRecord{
			Multiplier: sf.Multiplier,
			Confidence: sf.Confidence,
			Scenarios:  sf.Scenarios,
			AssetIDs:   sf.AssetIDs,
		}
	}
	for _, ct := range u.CovarianceTerms() {
		rec.Covariances = append(rec.Covariances, covarianceRecord{
			Lambda:     ct.Lambda,
			PortfolioA: ct.PortfolioA,
			PortfolioB: ct.PortfolioB,
		})
	}
	return rec
}

func restoreUtility(u *utility.Utility, rec utilityRecord) {
	u.SetAlphaTerm(rec.Alpha)
	u.SetCostTerm(rec.Cost)
	u.SetHoldingCostTerm(rec.Holding)
	u.SetPenaltyTerm(rec.Penalty)
	if t := rec.Primary; t != nil {
		u.SetPrimaryRiskTerm(t.Benchmark, t.LambdaCommon, t.LambdaSpecific)
	}
	for _, t := range rec.Secondary {
		u.AddSecondaryRiskTerm(t.Model, t.Benchmark, t.LambdaCommon, t.LambdaSpecific)
	}
	if lb := rec.LossBenefit; lb != nil {
		u.SetLossBenefitTerm(lb.Multiplier, lb.Target)
	}
	if sf := rec.Shortfall; sf != nil {
		u.SetShortfallTerm(sf.Multiplier, sf.Confidence, sf.Scenarios, sf.AssetIDs)
	}
	for _, ct := range rec.Covariances {
		u.AddCovarianceTerm(ct.Lambda, ct.PortfolioA, ct.PortfolioB)
	}
}
