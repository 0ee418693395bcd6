package solve

import (
	"math"
	"time"

	"github.com/aristath/portopt/assembly"
	"github.com/aristath/portopt/portfolio"
	"github.com/aristath/portopt/solver"
	"github.com/aristath/portopt/store"
	"github.com/aristath/portopt/utility"
)

// SlackInfo reports one constraint's achieved value against its bounds at the
// optimum.
type SlackInfo struct {
	ID       string
	Achieved float64
	Lower    float64
	Upper    float64
	// Slack is the distance to the nearer bound, negative when violated.
	Slack float64
	// Penalized marks constraints lowered as disutility instead of hard rows,
	// including relaxed ones.
	Penalized bool
	Relaxed   bool
	Dual      float64
}

// SliceMetrics aggregates one (account, period) slice of the solution.
type SliceMetrics struct {
	Key     assembly.SliceKey
	Weights map[string]float64

	Risk            float64
	Return          float64
	Beta            float64 // NaN when the utility carries no benchmark
	Turnover        float64 // net
	TransactionCost float64

	Realized portfolio.GainLoss
	Tax      float64
}

// Output is an immutable snapshot of one solve. Re-optimizing after case
// edits produces a new Output; existing snapshots keep their values.
type Output struct {
	status     solver.Status
	x          []float64
	utility    float64
	penalty    float64
	slices     []SliceMetrics
	slacks     map[string]SlackInfo
	kkt        *KKTReport
	trades     []Trade
	washSales  []portfolio.WashSaleDetail
	roundLot   *RoundLotReport
	relaxed    []string
	violations []solver.Violation
	iterations int
	runtime    time.Duration
}

// Status reports how the solve ended.
func (o *Output) Status() solver.Status { return o.status }

// Optimal is a convenience check for Status() == solver.Optimal.
func (o *Output) Optimal() bool { return o.status == solver.Optimal }

// Weights returns the solved weights for one slice.
func (o *Output) Weights(account, period int) map[string]float64 {
	for _, s := range o.slices {
		if s.Key.Account == account && s.Key.Period == period {
			out := make(map[string]float64, len(s.Weights))
			for id, w := range s.Weights {
				out[id] = w
			}
			return out
		}
	}
	return nil
}

// Slices returns the per-slice aggregates.
func (o *Output) Slices() []SliceMetrics {
	out := make([]SliceMetrics, len(o.slices))
	copy(out, o.slices)
	return out
}

// Utility is the achieved objective value (maximized form, penalties
// excluded).
func (o *Output) Utility() float64 { return o.utility }

// PenaltyValue is the total disutility contributed by penalty constraints.
func (o *Output) PenaltyValue() float64 { return o.penalty }

// Risk returns the first slice's risk; the common single-slice accessor.
func (o *Output) Risk() float64 {
	if len(o.slices) == 0 {
		return 0
	}
	return o.slices[0].Risk
}

// Return returns the first slice's expected return.
func (o *Output) Return() float64 {
	if len(o.slices) == 0 {
		return 0
	}
	return o.slices[0].Return
}

// Turnover returns the first slice's net turnover.
func (o *Output) Turnover() float64 {
	if len(o.slices) == 0 {
		return 0
	}
	return o.slices[0].Turnover
}

// TransactionCost returns the first slice's total transaction cost.
func (o *Output) TransactionCost() float64 {
	if len(o.slices) == 0 {
		return 0
	}
	return o.slices[0].TransactionCost
}

// Beta returns the first slice's beta against the utility benchmark, NaN when
// no benchmark is set.
func (o *Output) Beta() float64 {
	if len(o.slices) == 0 {
		return math.NaN()
	}
	return o.slices[0].Beta
}

// GetSlack resolves one constraint's slack record by id.
func (o *Output) GetSlack(id string) (SlackInfo, bool) {
	s, ok := o.slacks[id]
	return s, ok
}

// Slacks returns every constraint's slack record.
func (o *Output) Slacks() map[string]SlackInfo {
	out := make(map[string]SlackInfo, len(o.slacks))
	for id, s := range o.slacks {
		out[id] = s
	}
	return out
}

// KKT returns the attribution report, nil for non-optimal solves.
func (o *Output) KKT() *KKTReport { return o.kkt }

// TradeList returns the share-level trades realizing the solution.
func (o *Output) TradeList() []Trade {
	out := make([]Trade, len(o.trades))
	copy(out, o.trades)
	return out
}

// WashSales returns the disallowed-loss details from executing the trade
// list against the tax-lot ledger.
func (o *Output) WashSales() []portfolio.WashSaleDetail {
	out := make([]portfolio.WashSaleDetail, len(o.washSales))
	copy(out, o.washSales)
	return out
}

// RoundLot returns the roundlotting report, nil when roundlotting was not
// enabled.
func (o *Output) RoundLot() *RoundLotReport { return o.roundLot }

// RelaxedConstraints returns the ids relaxed to reach feasibility, empty when
// the problem solved as declared.
func (o *Output) RelaxedConstraints() []string {
	out := make([]string, len(o.relaxed))
	copy(out, o.relaxed)
	return out
}

// Violations returns the residual hard-row violations for infeasible solves.
func (o *Output) Violations() []solver.Violation {
	out := make([]solver.Violation, len(o.violations))
	copy(out, o.violations)
	return out
}

// Iterations reports the engine's iteration count.
func (o *Output) Iterations() int { return o.iterations }

// Runtime reports wall time spent in the engine.
func (o *Output) Runtime() time.Duration { return o.runtime }

// newOutput snapshots one solve result. Failed solves still carry the best
// point found so violations can be inspected.
func newOutput(st *store.Store, asm *assembly.Assembled, res *solver.Result, relaxed []string, washWindow int) *Output {
	o := &Output{
		status:     res.Status,
		x:          append([]float64(nil), res.X...),
		relaxed:    relaxed,
		violations: res.Violations,
		iterations: res.Iterations,
		runtime:    res.Runtime,
		slacks:     make(map[string]SlackInfo),
	}
	if res.X == nil {
		return o
	}

	o.utility = asm.Utility(res.X)
	o.penalty = asm.PenaltyValue(res.X)

	for _, b := range asm.Bindings {
		achieved := b.Eval(res.X)
		o.slacks[b.ID] = SlackInfo{
			ID:        b.ID,
			Achieved:  achieved,
			Lower:     b.Lower,
			Upper:     b.Upper,
			Slack:     slack(achieved, b.Lower, b.Upper),
			Penalized: b.Penalty != nil,
			Relaxed:   b.Relaxed,
			Dual:      res.Duals[b.ID],
		}
	}

	o.slices = sliceMetrics(st, asm, res.X)
	if res.Status == solver.Optimal {
		o.kkt = buildKKT(st, asm, res)
	}
	o.trades, o.washSales = buildTradeList(st, asm, res.X, washWindow)
	taxTotals(st, asm, o)
	return o
}

// slack is the distance from the achieved value to the nearer finite bound,
// negative when outside the interval.
func slack(achieved, lo, hi float64) float64 {
	s := math.Inf(1)
	if !math.IsInf(lo, -1) {
		s = math.Min(s, achieved-lo)
	}
	if !math.IsInf(hi, 1) {
		s = math.Min(s, hi-achieved)
	}
	return s
}

func sliceMetrics(st *store.Store, asm *assembly.Assembled, x []float64) []SliceMetrics {
	var model riskModel
	if name := asm.Case.PrimaryRiskModel(); name != "" {
		if m, err := st.RiskModel(name); err == nil {
			model = m
		}
	}

	out := make([]SliceMetrics, 0, len(asm.Slices))
	for _, sc := range asm.Slices {
		w := sc.Weights(x)
		m := SliceMetrics{
			Key:     sc.Slice.Key,
			Weights: w,
			Beta:    math.NaN(),
		}
		for id, wi := range w {
			if asset, err := st.Asset(id); err == nil {
				m.Return += asset.Alpha * wi
				delta := wi - sc.InitialWeight(id)
				m.TransactionCost += utility.TradeCost(asset, delta, sc.Slice.BaseValue)
			}
		}
		var buy, sell float64
		for id, wi := range w {
			d := wi - sc.InitialWeight(id)
			if d > 0 {
				buy += d
			} else {
				sell -= d
			}
		}
		m.Turnover = (buy + sell) / 2

		if model != nil {
			m.Risk = model.Risk(w)
			if t := sc.Slice.Utility.PrimaryRiskTerm(); t != nil && t.Benchmark != "" {
				if bp, err := st.Portfolio(t.Benchmark); err == nil {
					m.Beta = model.Beta(w, bp.Weights())
				}
			}
		}
		out = append(out, m)
	}
	return out
}

// riskModel is the slice of the model surface the output metrics need.
type riskModel interface {
	Risk(weights map[string]float64) float64
	Beta(weights, benchmark map[string]float64) float64
}

// taxTotals aggregates realized gains from the trade list into per-slice tax
// liabilities.
func taxTotals(st *store.Store, asm *assembly.Assembled, o *Output) {
	for i := range o.slices {
		key := o.slices[i].Key
		rules := asm.Case.TaxRules(key.Account)
		if rules == nil {
			continue
		}
		var g portfolio.GainLoss
		perRule := make(map[*portfolio.TaxRule]portfolio.GainLoss)
		var ruleOrder []*portfolio.TaxRule
		for _, tr := range o.trades {
			if tr.Slice != key {
				continue
			}
			var attrs map[string]string
			if asset, err := st.Asset(tr.AssetID); err == nil {
				attrs = asset.GroupAttributes()
			}
			rule, ok := rules.RuleForAttributes(attrs)
			for _, s := range tr.Sales {
				g.Add(s)
				if !ok {
					continue
				}
				if _, seen := perRule[rule]; !seen {
					ruleOrder = append(ruleOrder, rule)
				}
				rg := perRule[rule]
				rg.Add(s)
				perRule[rule] = rg
			}
		}
		o.slices[i].Realized = g
		// Each bucket's rates apply to the gains realized in that bucket.
		var tax float64
		for _, rule := range ruleOrder {
			tax += rule.Tax(perRule[rule])
		}
		o.slices[i].Tax = tax
	}
}
