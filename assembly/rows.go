package assembly

import (
	"fmt"
	"math"
	"sort"

	"github.com/aristath/portopt/constraints"
	"github.com/aristath/portopt/portfolio"
	"github.com/aristath/portopt/riskmodel"
	"github.com/aristath/portopt/solver"
	"github.com/aristath/portopt/store"
	"github.com/aristath/portopt/utility"
)

// lowerTurnover bounds traded weight on one side. Long/short sides are
// classified by the initial position's sign.
func (a *Assembler) lowerTurnover(asm *Assembled, p *solver.Problem, si int, sc *sliceCtx, spec *constraints.Spec, opts BuildOptions) (*Binding, error) {
	lo, hi, err := spec.ResolveBounds(0)
	if err != nil {
		return nil, err
	}
	side := spec.Side
	scx := sc
	b := &Binding{
		ID:    spec.ID(),
		Spec:  spec,
		Slice: si,
		Eval: func(x []float64) float64 {
			return turnover(scx, x, side)
		},
		Lower: lo,
		Upper: hi,
	}
	a.bind(asm, p, b, opts)
	return b, nil
}

func turnover(sc *sliceCtx, x []float64, side constraints.TurnoverSide) float64 {
	var buy, sell, long, short float64
	for i, id := range sc.Universe {
		w0 := sc.InitialWeight(id)
		d := x[sc.Offset+i] - w0
		if d > 0 {
			buy += d
		} else {
			sell -= d
		}
		if w0 >= 0 {
			long += math.Abs(d)
		} else {
			short += math.Abs(d)
		}
	}
	switch side {
	case constraints.TurnoverBuySide:
		return buy
	case constraints.TurnoverSellSide:
		return sell
	case constraints.TurnoverLongSide:
		return long
	case constraints.TurnoverShortSide:
		return short
	default:
		// Net: half of gross traded weight, invariant to a pure rebalance's
		// direction split.
		return (buy + sell) / 2
	}
}

func (a *Assembler) lowerTransactionCost(asm *Assembled, p *solver.Problem, si int, sc *sliceCtx, spec *constraints.Spec, opts BuildOptions) (*Binding, error) {
	lo, hi, err := spec.ResolveBounds(0)
	if err != nil {
		return nil, err
	}
	scx := sc
	b := &Binding{
		ID:    spec.ID(),
		Spec:  spec,
		Slice: si,
		Eval: func(x []float64) float64 {
			var cost float64
			for i, id := range scx.Universe {
				asset, errA := a.store.Asset(id)
				if errA != nil {
					continue
				}
				cost += utility.TradeCost(asset, x[scx.Offset+i]-scx.InitialWeight(id), scx.Slice.BaseValue)
			}
			return cost
		},
		Lower: lo,
		Upper: hi,
	}
	a.bind(asm, p, b, opts)
	return b, nil
}

// lowerHedge bounds a leverage measure. Cash assets never count toward
// leverage.
func (a *Assembler) lowerHedge(asm *Assembled, p *solver.Problem, si int, sc *sliceCtx, spec *constraints.Spec, groups store.GroupIndex, opts BuildOptions) (*Binding, error) {
	lo, hi, err := spec.ResolveBounds(0)
	if err != nil {
		return nil, err
	}

	// Per-variable leverage weights: zero excludes, otherwise |w_i| counts
	// at the given factor.
	lev := make([]float64, len(sc.Universe))
	switch {
	case spec.GroupName != "":
		members := make(map[string]bool)
		for _, id := range groups.Members(spec.GroupName, spec.GroupCategory) {
			members[id] = true
		}
		for i, id := range sc.Universe {
			if members[id] {
				lev[i] = 1
			}
		}
	case spec.Factor != "":
		model, errM := a.primaryModel(asm.Case)
		if errM != nil {
			return nil, errM
		}
		for i, id := range sc.Universe {
			lev[i] = math.Abs(model.FactorExposure(id, spec.Factor))
		}
	case spec.Coeffs != nil:
		for i, id := range sc.Universe {
			lev[i] = spec.Coeffs[id]
		}
	default:
		for i := range sc.Universe {
			lev[i] = 1
		}
	}
	for i, id := range sc.Universe {
		if asset, errA := a.store.Asset(id); errA == nil && asset.Class == store.ClassCash {
			lev[i] = 0
		}
	}

	form := spec.Form
	scx := sc
	b := &Binding{
		ID:    spec.ID(),
		Spec:  spec,
		Slice: si,
		Eval: func(x []float64) float64 {
			var long, short float64
			for i := range scx.Universe {
				w := x[scx.Offset+i] * lev[i]
				if w > 0 {
					long += w
				} else {
					short -= w
				}
			}
			switch form {
			case constraints.HedgeLongSideLeverage:
				return long
			case constraints.HedgeShortSideLeverage:
				return short
			case constraints.HedgeShortLongLeverageRatio:
				if long == 0 {
					return 0
				}
				return short / long
			default:
				return long + short
			}
		},
		Lower: lo,
		Upper: hi,
	}
	a.bind(asm, p, b, opts)
	return b, nil
}

func (a *Assembler) lowerRiskBudget(asm *Assembled, p *solver.Problem, si int, sc *sliceCtx, spec *constraints.Spec, opts BuildOptions) (*Binding, error) {
	budget := spec.Risk
	if budget == nil {
		return nil, &Error{ConstraintID: spec.ID(), Msg: "risk constraint without a budget"}
	}
	model, err := a.modelNamed(asm.Case, budget.Model)
	if err != nil {
		return nil, err
	}
	var bench map[string]float64
	if budget.ActiveRisk {
		bench, err = a.referenceWeights(spec)
		if err != nil {
			return nil, err
		}
	}
	lo, hi, err := spec.ResolveBounds(0)
	if err != nil {
		return nil, err
	}

	scx, b := sc, budget
	binding := &Binding{
		ID:    spec.ID(),
		Spec:  spec,
		Slice: si,
		Eval: func(x []float64) float64 {
			w := scx.Weights(x)
			if bench != nil {
				w = riskmodel.ActiveWeights(w, bench)
			}
			sub := model.SubsetVariance(w, b.AssetIDs, b.Factors)
			if b.Multiplicative {
				total := model.Variance(w)
				if total == 0 {
					return 0
				}
				return sub / total
			}
			return math.Sqrt(math.Max(sub, 0))
		},
		Lower: lo,
		Upper: hi,
	}
	a.bind(asm, p, binding, opts)
	return binding, nil
}

// lowerRiskParity requires equal per-asset risk contributions, lowered as a
// nonlinear equality on the contribution spread.
func (a *Assembler) lowerRiskParity(asm *Assembled, p *solver.Problem, si int, sc *sliceCtx, spec *constraints.Spec, opts BuildOptions) (*Binding, error) {
	model, err := a.primaryModel(asm.Case)
	if err != nil {
		return nil, err
	}
	ids := spec.Risk.AssetIDs
	if len(ids) == 0 {
		for _, id := range sc.Universe {
			if asset, errA := a.store.Asset(id); errA == nil && asset.Class != store.ClassCash {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) < 2 {
		return nil, &Error{ConstraintID: spec.ID(), Msg: "risk parity needs at least two assets"}
	}

	scx := sc
	b := &Binding{
		ID:    spec.ID(),
		Spec:  spec,
		Slice: si,
		Eval: func(x []float64) float64 {
			w := scx.Weights(x)
			marginal := model.MarginalRisk(w, ids)
			contrib := make([]float64, len(ids))
			var mean float64
			for i, id := range ids {
				contrib[i] = w[id] * marginal[i]
				mean += contrib[i]
			}
			mean /= float64(len(ids))
			var spread float64
			for _, c := range contrib {
				d := c - mean
				spread += d * d
			}
			return spread
		},
		Lower: 0,
		Upper: 0,
	}
	a.bind(asm, p, b, opts)
	return b, nil
}

func (a *Assembler) lowerRatio(asm *Assembled, p *solver.Problem, si int, sc *sliceCtx, spec *constraints.Spec, opts BuildOptions) (*Binding, error) {
	if len(spec.DenomCoeffs) == 0 {
		return nil, &Error{ConstraintID: spec.ID(), Msg: "ratio constraint without denominator"}
	}
	lo, hi, err := spec.ResolveBounds(0)
	if err != nil {
		return nil, err
	}
	num, den, scx := spec.Coeffs, spec.DenomCoeffs, sc
	b := &Binding{
		ID:    spec.ID(),
		Spec:  spec,
		Slice: si,
		Eval: func(x []float64) float64 {
			var n, d float64
			for i, id := range scx.Universe {
				n += num[id] * x[scx.Offset+i]
				d += den[id] * x[scx.Offset+i]
			}
			if d == 0 {
				return 0
			}
			return n / d
		},
		Lower: lo,
		Upper: hi,
	}
	a.bind(asm, p, b, opts)
	return b, nil
}

func (a *Assembler) lowerQuadratic(asm *Assembled, p *solver.Problem, si int, sc *sliceCtx, spec *constraints.Spec, opts BuildOptions) (*Binding, error) {
	lo, hi, err := spec.ResolveBounds(0)
	if err != nil {
		return nil, err
	}
	quad, lin, scx := spec.QuadCoeffs, spec.Coeffs, sc
	b := &Binding{
		ID:    spec.ID(),
		Spec:  spec,
		Slice: si,
		Eval: func(x []float64) float64 {
			w := scx.Weights(x)
			var v float64
			for pair, q := range quad {
				v += q * w[pair[0]] * w[pair[1]]
			}
			for id, c := range lin {
				v += c * w[id]
			}
			return v
		},
		Lower: lo,
		Upper: hi,
	}
	a.bind(asm, p, b, opts)
	return b, nil
}

func (a *Assembler) lowerConcentration(asm *Assembled, p *solver.Problem, si int, sc *sliceCtx, spec *constraints.Spec, opts BuildOptions) (*Binding, error) {
	lo, hi, err := spec.ResolveBounds(0)
	if err != nil {
		return nil, err
	}
	scx := sc
	b := &Binding{
		ID:    spec.ID(),
		Spec:  spec,
		Slice: si,
		Eval: func(x []float64) float64 {
			var ss float64
			for i := range scx.Universe {
				ss += x[scx.Offset+i] * x[scx.Offset+i]
			}
			return ss
		},
		Lower: lo,
		Upper: hi,
	}
	a.bind(asm, p, b, opts)
	return b, nil
}

// 5/10/40 thresholds.
const (
	issuerSoftCap  = 0.05
	issuerHardCap  = 0.10
	issuerBlockCap = 0.40
)

// lowerFiveTenForty lowers the issuer rule as one violation functional held
// at zero: every issuer within 10%, and issuers past 5% jointly within 40%.
// Issuer membership is re-read from the store at every assembly.
func (a *Assembler) lowerFiveTenForty(asm *Assembled, p *solver.Problem, si int, sc *sliceCtx, spec *constraints.Spec, opts BuildOptions) (*Binding, error) {
	issuers := a.store.IssuerIndex()
	if len(issuers) == 0 {
		return nil, &Error{ConstraintID: spec.ID(), Msg: "no issuer assignments in store"}
	}
	type issuerVars struct{ vars []int }
	var blocks []issuerVars
	for _, issuer := range a.store.Issuers() {
		var vars []int
		for _, id := range issuers[issuer] {
			if vi := sc.VarIndex(id); vi >= 0 {
				vars = append(vars, vi)
			}
		}
		if len(vars) > 0 {
			blocks = append(blocks, issuerVars{vars: vars})
		}
	}

	b := &Binding{
		ID:    spec.ID(),
		Spec:  spec,
		Slice: si,
		Eval: func(x []float64) float64 {
			var violation, overFive float64
			for _, blk := range blocks {
				var s float64
				for _, vi := range blk.vars {
					s += x[vi]
				}
				violation += math.Max(0, s-issuerHardCap)
				if s > issuerSoftCap {
					overFive += s
				}
			}
			violation += math.Max(0, overFive-issuerBlockCap)
			return violation
		},
		Lower: math.Inf(-1),
		Upper: 0,
	}
	a.bind(asm, p, b, opts)
	return b, nil
}

// --- tax rows ---

// simulateSales previews the lot sales implied by the solution's weight
// decreases without touching the ledger.
func (a *Assembler) simulateSales(c *Case, sc *sliceCtx, rules *portfolio.TaxRules, x []float64, include func(assetID string) bool) []portfolio.LotSale {
	init, err := a.store.Portfolio(sc.Slice.InitialPortfolio)
	if err != nil || !init.HasTaxLots() {
		return nil
	}
	order := portfolio.SellFIFO
	longTermDays := portfolio.DefaultLongTermDays
	if rules != nil {
		order = rules.SellingOrder(portfolio.Wildcard, portfolio.Wildcard)
		if rule, ok := rules.Rule(portfolio.Wildcard, portfolio.Wildcard); ok {
			longTermDays = rule.Threshold()
		}
	}

	var sales []portfolio.LotSale
	for i, id := range sc.Universe {
		if include != nil && !include(id) {
			continue
		}
		delta := x[sc.Offset+i] - sc.InitialWeight(id)
		if delta >= 0 {
			continue
		}
		asset, errA := a.store.Asset(id)
		if errA != nil || asset.Price <= 0 {
			continue
		}
		shares := -delta * sc.Slice.BaseValue / asset.Price

		lots := append([]*portfolio.TaxLot(nil), init.TaxLots(id)...)
		switch order {
		case portfolio.SellHIFO:
			sort.SliceStable(lots, func(a, b int) bool { return lots[a].CostBasis > lots[b].CostBasis })
		default:
			sort.SliceStable(lots, func(a, b int) bool { return lots[a].Age > lots[b].Age })
		}
		remaining := shares
		for _, lot := range lots {
			if remaining <= 0 {
				break
			}
			take := math.Min(remaining, lot.Shares)
			if take <= 0 {
				continue
			}
			sales = append(sales, portfolio.LotSale{
				LotID:     lot.LotID,
				AssetID:   id,
				Shares:    take,
				CostBasis: lot.CostBasis,
				Age:       lot.Age,
				Price:     asset.Price,
				Gain:      (asset.Price - lot.CostBasis) * take,
				LongTerm:  lot.Age >= longTermDays,
			})
			remaining -= take
		}
	}
	return sales
}

// realizedLosses is the total realized loss in dollars, used by the
// loss-benefit term.
func (a *Assembler) realizedLosses(c *Case, sc *sliceCtx, rules *portfolio.TaxRules, x []float64) float64 {
	g := portfolio.Aggregate(a.simulateSales(c, sc, rules, x, nil))
	return g.LongTermLoss + g.ShortTermLoss
}

func taxMeasureValue(g portfolio.GainLoss, term constraints.TaxTerm, measure constraints.TaxMeasure) float64 {
	var gain, loss float64
	switch term {
	case constraints.TermLong:
		gain, loss = g.LongTermGain, g.LongTermLoss
	case constraints.TermShort:
		gain, loss = g.ShortTermGain, g.ShortTermLoss
	default:
		gain, loss = g.LongTermGain+g.ShortTermGain, g.LongTermLoss+g.ShortTermLoss
	}
	switch measure {
	case constraints.MeasureGain:
		return gain
	case constraints.MeasureLoss:
		return loss
	default:
		return gain - loss
	}
}

// lowerTax bounds realized gain/loss (tax arbitrage) or total tax liability
// for the slice's account.
func (a *Assembler) lowerTax(asm *Assembled, p *solver.Problem, si int, sc *sliceCtx, spec *constraints.Spec, groups store.GroupIndex, opts BuildOptions) (*Binding, error) {
	bound := spec.Tax
	if bound == nil {
		return nil, &Error{ConstraintID: spec.ID(), Msg: "tax constraint without a bound payload"}
	}
	rules := asm.Case.TaxRules(sc.Slice.Key.Account)
	if rules == nil && spec.Kind() == constraints.KindTaxLimit {
		return nil, &Error{ConstraintID: spec.ID(), Msg: "tax limit on an account without tax rules"}
	}

	var include func(string) bool
	if bound.GroupName != "" && bound.GroupName != portfolio.Wildcard {
		members := make(map[string]bool)
		for _, id := range groups.Members(bound.GroupName, bound.GroupCategory) {
			members[id] = true
		}
		include = func(id string) bool { return members[id] }
	}

	lo, hi, err := spec.ResolveBounds(0)
	if err != nil {
		return nil, err
	}

	isLimit := spec.Kind() == constraints.KindTaxLimit
	scx := sc
	b := &Binding{
		ID:    spec.ID(),
		Spec:  spec,
		Slice: si,
		Eval: func(x []float64) float64 {
			g := portfolio.Aggregate(a.simulateSales(asm.Case, scx, rules, x, include))
			if isLimit {
				rule, ok := rules.Rule(bound.GroupName, bound.GroupCategory)
				if !ok {
					return 0
				}
				return rule.Tax(g)
			}
			return taxMeasureValue(g, bound.Term, bound.Measure)
		},
		Lower: lo,
		Upper: hi,
	}
	a.bind(asm, p, b, opts)
	return b, nil
}

// lowerCrossSlice lowers cross-period and cross-account constraint sets.
func (a *Assembler) lowerCrossSlice(asm *Assembled, p *solver.Problem, opts BuildOptions, penaltyBindings *[]*Binding) error {
	record := func(b *Binding) {
		if b.Penalty != nil {
			*penaltyBindings = append(*penaltyBindings, b)
		}
	}

	if cp := asm.Case.crossPeriod; cp != nil {
		for _, spec := range cp.Specs() {
			b, err := a.lowerCrossPeriod(asm, p, spec, opts)
			if err != nil {
				return err
			}
			record(b)
		}
	}
	if ca := asm.Case.crossAccount; ca != nil {
		for _, spec := range ca.Specs() {
			b, err := a.lowerCrossAccount(asm, p, spec, opts)
			if err != nil {
				return err
			}
			record(b)
		}
	}
	return nil
}

// lowerCrossPeriod supports net turnover between consecutive periods of the
// same account.
func (a *Assembler) lowerCrossPeriod(asm *Assembled, p *solver.Problem, spec *constraints.Spec, opts BuildOptions) (*Binding, error) {
	if spec.Kind() != constraints.KindTurnover {
		return nil, &Error{ConstraintID: spec.ID(), Msg: "only turnover constraints are supported across periods"}
	}
	lo, hi, err := spec.ResolveBounds(0)
	if err != nil {
		return nil, err
	}
	slices := asm.Slices
	for _, sc := range slices {
		prev := previousPeriod(slices, sc)
		if prev == nil {
			continue
		}
		for _, id := range sc.Universe {
			if prev.VarIndex(id) < 0 {
				// Measured from a zero prior weight, which loosens the bound.
				a.log.Debug().
					Str("constraint", spec.ID()).
					Str("asset", id).
					Int("period", sc.Slice.Key.Period).
					Msg("asset absent from prior period universe")
			}
		}
	}
	b := &Binding{
		ID:    spec.ID(),
		Spec:  spec,
		Slice: -1,
		Eval: func(x []float64) float64 {
			var total float64
			for _, sc := range slices {
				prev := previousPeriod(slices, sc)
				for i, id := range sc.Universe {
					var w0 float64
					if prev == nil {
						w0 = sc.InitialWeight(id)
					} else if pi := prev.VarIndex(id); pi >= 0 {
						w0 = x[pi]
					}
					total += math.Abs(x[sc.Offset+i] - w0)
				}
			}
			return total / 2
		},
		Lower: lo,
		Upper: hi,
	}
	a.bind(asm, p, b, opts)
	return b, nil
}

func previousPeriod(slices []*sliceCtx, sc *sliceCtx) *sliceCtx {
	var prev *sliceCtx
	for _, other := range slices {
		if other.Slice.Key.Account != sc.Slice.Key.Account {
			continue
		}
		if other.Slice.Key.Period < sc.Slice.Key.Period {
			if prev == nil || other.Slice.Key.Period > prev.Slice.Key.Period {
				prev = other
			}
		}
	}
	return prev
}

// lowerCrossAccount supports aggregate turnover and the cross-account tax
// limit over shared tax buckets.
func (a *Assembler) lowerCrossAccount(asm *Assembled, p *solver.Problem, spec *constraints.Spec, opts BuildOptions) (*Binding, error) {
	lo, hi, err := spec.ResolveBounds(0)
	if err != nil {
		return nil, err
	}
	slices := asm.Slices

	switch spec.Kind() {
	case constraints.KindTurnover:
		side := spec.Side
		b := &Binding{
			ID:    spec.ID(),
			Spec:  spec,
			Slice: -1,
			Eval: func(x []float64) float64 {
				var total float64
				for _, sc := range slices {
					total += turnover(sc, x, side)
				}
				return total
			},
			Lower: lo,
			Upper: hi,
		}
		a.bind(asm, p, b, opts)
		return b, nil

	case constraints.KindTaxLimit:
		c := asm.Case
		b := &Binding{
			ID:    spec.ID(),
			Spec:  spec,
			Slice: -1,
			Eval: func(x []float64) float64 {
				// Accounts sharing a bucket net their gains before the rate
				// applies.
				byBucket := make(map[int]portfolio.GainLoss)
				bucketRules := make(map[int]*portfolio.TaxRules)
				for _, sc := range slices {
					account := sc.Slice.Key.Account
					rules := c.TaxRules(account)
					if rules == nil {
						continue
					}
					bucket := c.AccountGroup(account)
					g := byBucket[bucket]
					for _, sale := range a.simulateSales(c, sc, rules, x, nil) {
						g.Add(sale)
					}
					byBucket[bucket] = g
					bucketRules[bucket] = rules
				}
				var tax float64
				for bucket, g := range byBucket {
					if rule, ok := bucketRules[bucket].Rule(portfolio.Wildcard, portfolio.Wildcard); ok {
						tax += rule.Tax(g)
					}
				}
				return tax
			},
			Lower: lo,
			Upper: hi,
		}
		a.bind(asm, p, b, opts)
		return b, nil

	default:
		return nil, &Error{ConstraintID: spec.ID(), Msg: fmt.Sprintf("constraint kind %d is not supported across accounts", spec.Kind())}
	}
}
