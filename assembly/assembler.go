package assembly

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/aristath/portopt/config"
	"github.com/aristath/portopt/constraints"
	"github.com/aristath/portopt/riskmodel"
	"github.com/aristath/portopt/solver"
	"github.com/aristath/portopt/store"
	"github.com/aristath/portopt/utility"
)

// Reserved binding ids for case-level targets, addressable by frontier
// sweeps.
const (
	RiskTargetID   = "case:risk-target"
	ReturnTargetID = "case:return-target"
	balanceIDFmt   = "balance:a%d-p%d"
)

// Error wraps a problem found while lowering a constraint.
type Error struct {
	ConstraintID string
	Msg          string
	Err          error
}

func (e *Error) Error() string {
	if e.ConstraintID != "" {
		return fmt.Sprintf("assembly: constraint %s: %s", e.ConstraintID, e.Msg)
	}
	return fmt.Sprintf("assembly: %s", e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Bounds overrides one binding's interval during a frontier sweep.
type Bounds struct {
	Lower float64
	Upper float64
}

// BuildOptions adjust one assembly without touching the Case.
type BuildOptions struct {
	// Relaxed bindings are lowered as free-range penalties instead of hard
	// rows.
	Relaxed map[string]bool
	// BoundOverrides substitute a binding's interval, keyed by constraint id
	// or a reserved target id.
	BoundOverrides map[string]Bounds
}

// Binding ties one lowered constraint to its achieved-value evaluator, used
// for slack and attribution after the solve.
type Binding struct {
	ID      string
	Spec    *constraints.Spec // nil for synthetic rows (auto balance, targets)
	Slice   int               // index into Assembled.Slices, -1 for cross-slice
	Eval    func(x []float64) float64
	Lower   float64
	Upper   float64
	Penalty *constraints.Penalty // non-nil when lowered as disutility
	Relaxed bool
}

// sliceCtx is the resolved view of one Slice: its universe, variable
// indices, and initial weights.
type sliceCtx struct {
	Slice    *Slice
	Universe []string
	Offset   int // first variable index
	initial  map[string]float64
}

// VarIndex returns the global variable index of an asset in this slice, or
// -1 when the asset is outside the universe.
func (sc *sliceCtx) VarIndex(assetID string) int {
	for i, id := range sc.Universe {
		if id == assetID {
			return sc.Offset + i
		}
	}
	return -1
}

// InitialWeight returns the slice's starting weight for an asset.
func (sc *sliceCtx) InitialWeight(assetID string) float64 {
	return sc.initial[assetID]
}

// Weights maps the slice's portion of the solution vector back to asset
// weights.
func (sc *sliceCtx) Weights(x []float64) map[string]float64 {
	w := make(map[string]float64, len(sc.Universe))
	for i, id := range sc.Universe {
		w[id] = x[sc.Offset+i]
	}
	return w
}

// Assembled is one lowered problem plus everything the façade needs to
// attribute the solution back to constraints and utility terms.
type Assembled struct {
	Problem  *solver.Problem
	Case     *Case
	Slices   []*sliceCtx
	Bindings []*Binding

	// Utility evaluates the maximized objective (the negated Problem
	// objective without hard-row penalties).
	Utility func(x []float64) float64
	// PenaltyValue evaluates total penalty-constraint disutility.
	PenaltyValue func(x []float64) float64

	RoundLotting bool
	AllowOddLot  bool

	byID map[string]*Binding
}

// Binding resolves a lowered constraint by id.
func (a *Assembled) Binding(id string) (*Binding, bool) {
	b, ok := a.byID[id]
	return b, ok
}

// Assembler lowers Cases into solver problems.
type Assembler struct {
	store *store.Store
	cfg   *config.Config
	log   zerolog.Logger
}

// NewAssembler creates an assembler over one entity store.
func NewAssembler(st *store.Store, cfg *config.Config, log zerolog.Logger) *Assembler {
	return &Assembler{
		store: st,
		cfg:   cfg,
		log:   log.With().Str("component", "assembler").Logger(),
	}
}

// Build lowers the Case into one solver problem. The Case is read, never
// mutated; Build may be called repeatedly after incremental edits.
func (a *Assembler) Build(c *Case, opts BuildOptions) (*Assembled, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := a.validateModels(c); err != nil {
		return nil, err
	}

	asm := &Assembled{
		Case: c,
		byID: make(map[string]*Binding),
	}

	// Variable layout: per-slice universes laid out consecutively.
	var n int
	for _, s := range c.Slices() {
		sc, err := a.resolveSlice(s, n)
		if err != nil {
			return nil, err
		}
		asm.Slices = append(asm.Slices, sc)
		n += len(sc.Universe)
	}
	if n == 0 {
		return nil, &Error{Msg: "case has no tradable assets"}
	}

	p := &solver.Problem{
		N:             n,
		Names:         make([]string, n),
		Init:          make([]float64, n),
		LowerBounds:   make([]float64, n),
		UpperBounds:   make([]float64, n),
		Tolerance:     a.cfg.SolverTolerance,
		MaxIterations: a.cfg.MaxIterations,
	}
	for _, sc := range asm.Slices {
		for i, id := range sc.Universe {
			vi := sc.Offset + i
			p.Names[vi] = fmt.Sprintf("a%d-p%d:%s", sc.Slice.Key.Account, sc.Slice.Key.Period, id)
			p.Init[vi] = sc.InitialWeight(id)
			p.LowerBounds[vi] = math.Inf(-1)
			p.UpperBounds[vi] = math.Inf(1)
		}
		a.applyTransactionTypes(p, sc)
	}

	groups := a.store.BuildGroupIndex()

	var penaltyBindings []*Binding
	for si, sc := range asm.Slices {
		if err := sc.Slice.Utility.Validate(); err != nil {
			return nil, err
		}
		if sh := sc.Slice.Utility.Shortfall(); sh != nil {
			if err := sh.Validate(); err != nil {
				return nil, &Error{Msg: "shortfall term", Err: err}
			}
		}
		for _, spec := range sc.Slice.Constraints.Specs() {
			b, err := a.lower(asm, p, si, sc, spec, groups, opts)
			if err != nil {
				return nil, err
			}
			if b != nil && b.Penalty != nil {
				penaltyBindings = append(penaltyBindings, b)
			}
		}
		a.ensureBalance(asm, p, si, sc, opts)
		if err := a.lowerTargets(asm, p, si, sc, opts); err != nil {
			return nil, err
		}

		enabled, odd := sc.Slice.Constraints.RoundLotting()
		if enabled {
			asm.RoundLotting = true
			asm.AllowOddLot = asm.AllowOddLot || odd
		}
	}
	if err := a.lowerCrossSlice(asm, p, opts, &penaltyBindings); err != nil {
		return nil, err
	}

	a.composeObjective(asm, p, penaltyBindings)
	asm.Problem = p
	a.log.Debug().
		Int("variables", p.N).
		Int("linear_rows", len(p.Linear)).
		Int("nonlinear_rows", len(p.Nonlinear)).
		Int("cardinality_hints", len(p.Cardinality)).
		Msg("case assembled")
	return asm, nil
}

func (a *Assembler) validateModels(c *Case) error {
	for _, name := range []string{c.PrimaryRiskModel(), c.SecondaryRiskModel()} {
		if name == "" {
			continue
		}
		m, err := a.store.RiskModel(name)
		if err != nil {
			return err
		}
		if err := m.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// resolveSlice determines the slice's universe (trade universe union initial
// holdings, so existing positions can always be closed) and its initial
// weights.
func (a *Assembler) resolveSlice(s *Slice, offset int) (*sliceCtx, error) {
	initial, err := a.store.Portfolio(s.InitialPortfolio)
	if err != nil {
		return nil, err
	}

	var universe []string
	seen := make(map[string]bool)
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			universe = append(universe, id)
		}
	}
	if s.TradeUniverse != "" {
		tu, err := a.store.Portfolio(s.TradeUniverse)
		if err != nil {
			return nil, err
		}
		for _, id := range tu.IDs() {
			add(id)
		}
	}
	for _, id := range initial.IDs() {
		add(id)
	}
	for _, id := range universe {
		if !a.store.HasAsset(id) {
			return nil, fmt.Errorf("asset %q not found", id)
		}
	}

	return &sliceCtx{
		Slice:    s,
		Universe: universe,
		Offset:   offset,
		initial:  initial.Weights(),
	}, nil
}

// applyTransactionTypes clamps variable bounds per the slice's trade
// restrictions.
func (a *Assembler) applyTransactionTypes(p *solver.Problem, sc *sliceCtx) {
	for i, id := range sc.Universe {
		vi := sc.Offset + i
		w0 := sc.InitialWeight(id)
		switch sc.Slice.TransactionTypeFor(id) {
		case TxBuyNone:
			p.UpperBounds[vi] = math.Min(p.UpperBounds[vi], w0)
		case TxSellNone:
			p.LowerBounds[vi] = math.Max(p.LowerBounds[vi], w0)
		case TxShortNone:
			p.LowerBounds[vi] = math.Max(p.LowerBounds[vi], 0)
		case TxKeep:
			p.LowerBounds[vi], p.UpperBounds[vi] = w0, w0
		case TxCloseOut:
			p.LowerBounds[vi], p.UpperBounds[vi] = 0, 0
		case TxBuyFromCloseOut:
			// Shorts may only cover back to flat; longs may not buy.
			if w0 < 0 {
				p.LowerBounds[vi] = math.Max(p.LowerBounds[vi], w0)
				p.UpperBounds[vi] = math.Min(p.UpperBounds[vi], 0)
			} else {
				p.UpperBounds[vi] = math.Min(p.UpperBounds[vi], w0)
			}
		case TxSellFromCloseOut:
			if w0 > 0 {
				p.LowerBounds[vi] = math.Max(p.LowerBounds[vi], 0)
				p.UpperBounds[vi] = math.Min(p.UpperBounds[vi], w0)
			} else {
				p.LowerBounds[vi] = math.Max(p.LowerBounds[vi], w0)
			}
		}
	}
}

// bind records a lowered constraint and registers its hard row or penalty.
func (a *Assembler) bind(asm *Assembled, p *solver.Problem, b *Binding, opts BuildOptions) {
	if ov, ok := opts.BoundOverrides[b.ID]; ok {
		b.Lower, b.Upper = ov.Lower, ov.Upper
	}
	if b.Spec != nil && b.Penalty == nil {
		if pen := b.Spec.Penalty(); pen != nil && !b.Spec.Soft() {
			// A declared penalty replaces the hard bound unless soft.
			b.Penalty = pen
		}
	}
	if opts.Relaxed[b.ID] && b.Penalty == nil {
		b.Penalty = relaxedPenalty(b.Lower, b.Upper)
		b.Relaxed = true
	}
	asm.Bindings = append(asm.Bindings, b)
	asm.byID[b.ID] = b

	if b.Penalty != nil {
		return // lowered as disutility in composeObjective
	}
	p.Nonlinear = append(p.Nonlinear, solver.NonlinearRow{
		ID:    b.ID,
		Func:  b.Eval,
		Lower: b.Lower,
		Upper: b.Upper,
	})
}

// bindLinear is bind for rows with precomputed dense coefficients.
func (a *Assembler) bindLinear(asm *Assembled, p *solver.Problem, b *Binding, coeffs []float64, opts BuildOptions) {
	if b.Eval == nil {
		cs := coeffs
		b.Eval = func(x []float64) float64 {
			var sum float64
			for i, c := range cs {
				sum += c * x[i]
			}
			return sum
		}
	}
	if ov, ok := opts.BoundOverrides[b.ID]; ok {
		b.Lower, b.Upper = ov.Lower, ov.Upper
	}
	if b.Spec != nil && b.Penalty == nil {
		if pen := b.Spec.Penalty(); pen != nil && !b.Spec.Soft() {
			b.Penalty = pen
		}
	}
	if opts.Relaxed[b.ID] && b.Penalty == nil {
		b.Penalty = relaxedPenalty(b.Lower, b.Upper)
		b.Relaxed = true
	}
	asm.Bindings = append(asm.Bindings, b)
	asm.byID[b.ID] = b

	if b.Penalty != nil {
		return
	}
	p.Linear = append(p.Linear, solver.LinearRow{
		ID:     b.ID,
		Coeffs: coeffs,
		Lower:  b.Lower,
		Upper:  b.Upper,
	})
}

// relaxedPenalty converts a hard interval into unit-slope disutility outside
// it.
func relaxedPenalty(lo, hi float64) *constraints.Penalty {
	return &constraints.Penalty{Lower: lo, Upper: hi, DownSlope: 1, UpSlope: 1, FreeRange: true}
}

// referenceWeights resolves a spec's reference portfolio.
func (a *Assembler) referenceWeights(spec *constraints.Spec) (map[string]float64, error) {
	name := spec.Reference()
	if name == "" {
		return nil, &Error{ConstraintID: spec.ID(), Msg: "constraint needs a reference portfolio"}
	}
	ref, err := a.store.Portfolio(name)
	if err != nil {
		return nil, &constraints.ReferenceNotFoundError{ConstraintID: spec.ID(), Reference: name}
	}
	return ref.Weights(), nil
}

// lower dispatches one spec to its kind's lowering.
func (a *Assembler) lower(asm *Assembled, p *solver.Problem, si int, sc *sliceCtx, spec *constraints.Spec, groups store.GroupIndex, opts BuildOptions) (*Binding, error) {
	switch spec.Kind() {
	case constraints.KindAssetRange:
		return a.lowerAssetRange(asm, p, si, sc, spec, opts)
	case constraints.KindGroupRange:
		return a.lowerGroupRange(asm, p, si, sc, spec, groups, opts)
	case constraints.KindFactorRange:
		return a.lowerFactorRange(asm, p, si, sc, spec, opts)
	case constraints.KindBalance:
		return a.lowerBalance(asm, p, si, sc, spec, opts)
	case constraints.KindBeta:
		return a.lowerBeta(asm, p, si, sc, spec, opts)
	case constraints.KindTotalActiveWeight:
		return a.lowerTotalActiveWeight(asm, p, si, sc, spec, opts)
	case constraints.KindGeneralLinear:
		return a.lowerGeneralLinear(asm, p, si, sc, spec, opts)
	case constraints.KindTurnover:
		return a.lowerTurnover(asm, p, si, sc, spec, opts)
	case constraints.KindTransactionCost:
		return a.lowerTransactionCost(asm, p, si, sc, spec, opts)
	case constraints.KindHedge:
		return a.lowerHedge(asm, p, si, sc, spec, groups, opts)
	case constraints.KindRiskBudget:
		return a.lowerRiskBudget(asm, p, si, sc, spec, opts)
	case constraints.KindRiskParity:
		return a.lowerRiskParity(asm, p, si, sc, spec, opts)
	case constraints.KindRatio:
		return a.lowerRatio(asm, p, si, sc, spec, opts)
	case constraints.KindQuadratic:
		return a.lowerQuadratic(asm, p, si, sc, spec, opts)
	case constraints.KindConcentration:
		return a.lowerConcentration(asm, p, si, sc, spec, opts)
	case constraints.KindFiveTenForty:
		return a.lowerFiveTenForty(asm, p, si, sc, spec, opts)
	case constraints.KindTaxArbitrage, constraints.KindTaxLimit:
		return a.lowerTax(asm, p, si, sc, spec, groups, opts)
	case constraints.KindParing:
		return nil, a.lowerParing(p, sc, spec, groups, opts)
	default:
		return nil, &Error{ConstraintID: spec.ID(), Msg: "unknown constraint kind"}
	}
}

// lowerAssetRange tightens the asset's variable bounds; penalty asset ranges
// become a binding on the single weight.
func (a *Assembler) lowerAssetRange(asm *Assembled, p *solver.Problem, si int, sc *sliceCtx, spec *constraints.Spec, opts BuildOptions) (*Binding, error) {
	vi := sc.VarIndex(spec.AssetID)
	if vi < 0 {
		return nil, &Error{ConstraintID: spec.ID(), Msg: fmt.Sprintf("asset %q not in universe", spec.AssetID)}
	}
	ref := 0.0
	if spec.NeedsReference() {
		weights, err := a.referenceWeights(spec)
		if err != nil {
			return nil, err
		}
		ref = weights[spec.AssetID]
	}
	lo, hi, err := spec.ResolveBounds(ref)
	if err != nil {
		return nil, err
	}

	b := &Binding{
		ID:    spec.ID(),
		Spec:  spec,
		Slice: si,
		Eval:  func(x []float64) float64 { return x[vi] },
		Lower: lo,
		Upper: hi,
	}
	if ov, ok := opts.BoundOverrides[b.ID]; ok {
		b.Lower, b.Upper = ov.Lower, ov.Upper
	}
	if pen := spec.Penalty(); pen != nil && !spec.Soft() {
		b.Penalty = pen
	} else if opts.Relaxed[b.ID] {
		b.Penalty = relaxedPenalty(b.Lower, b.Upper)
		b.Relaxed = true
	}
	asm.Bindings = append(asm.Bindings, b)
	asm.byID[b.ID] = b

	if b.Penalty == nil {
		// Hard asset ranges become box bounds, honored exactly by the
		// engine's projection.
		p.LowerBounds[vi] = math.Max(p.LowerBounds[vi], b.Lower)
		p.UpperBounds[vi] = math.Min(p.UpperBounds[vi], b.Upper)
	}
	return b, nil
}

func (a *Assembler) lowerGroupRange(asm *Assembled, p *solver.Problem, si int, sc *sliceCtx, spec *constraints.Spec, groups store.GroupIndex, opts BuildOptions) (*Binding, error) {
	members := groups.Members(spec.GroupName, spec.GroupCategory)
	if len(members) == 0 {
		return nil, &Error{ConstraintID: spec.ID(), Msg: fmt.Sprintf("no assets in group %s/%s", spec.GroupName, spec.GroupCategory)}
	}
	coeffs := make([]float64, p.N)
	for _, id := range members {
		if vi := sc.VarIndex(id); vi >= 0 {
			coeffs[vi] = 1
		}
	}
	ref := 0.0
	if spec.NeedsReference() {
		weights, err := a.referenceWeights(spec)
		if err != nil {
			return nil, err
		}
		for _, id := range members {
			ref += weights[id]
		}
	}
	lo, hi, err := spec.ResolveBounds(ref)
	if err != nil {
		return nil, err
	}
	b := &Binding{ID: spec.ID(), Spec: spec, Slice: si, Lower: lo, Upper: hi}
	a.bindLinear(asm, p, b, coeffs, opts)
	return b, nil
}

func (a *Assembler) lowerFactorRange(asm *Assembled, p *solver.Problem, si int, sc *sliceCtx, spec *constraints.Spec, opts BuildOptions) (*Binding, error) {
	model, err := a.primaryModel(asm.Case)
	if err != nil {
		return nil, err
	}
	coeffs := make([]float64, p.N)
	for i, id := range sc.Universe {
		coeffs[sc.Offset+i] = model.FactorExposure(id, spec.Factor)
	}
	ref := 0.0
	if spec.NeedsReference() {
		weights, errRef := a.referenceWeights(spec)
		if errRef != nil {
			return nil, errRef
		}
		ref = model.PortfolioExposure(weights, spec.Factor)
	}
	lo, hi, err := spec.ResolveBounds(ref)
	if err != nil {
		return nil, err
	}
	b := &Binding{ID: spec.ID(), Spec: spec, Slice: si, Lower: lo, Upper: hi}
	a.bindLinear(asm, p, b, coeffs, opts)
	return b, nil
}

func (a *Assembler) lowerBalance(asm *Assembled, p *solver.Problem, si int, sc *sliceCtx, spec *constraints.Spec, opts BuildOptions) (*Binding, error) {
	coeffs := make([]float64, p.N)
	for i := range sc.Universe {
		coeffs[sc.Offset+i] = 1
	}
	lo, hi, err := spec.ResolveBounds(0)
	if err != nil {
		return nil, err
	}
	b := &Binding{ID: spec.ID(), Spec: spec, Slice: si, Lower: lo, Upper: hi}
	a.bindLinear(asm, p, b, coeffs, opts)
	return b, nil
}

// ensureBalance adds the default full-investment row when the slice declared
// no balance constraint: final weights must absorb the cash flow.
func (a *Assembler) ensureBalance(asm *Assembled, p *solver.Problem, si int, sc *sliceCtx, opts BuildOptions) {
	if sc.Slice.Constraints.HasBalance() {
		return
	}
	coeffs := make([]float64, p.N)
	for i := range sc.Universe {
		coeffs[sc.Offset+i] = 1
	}
	target := 1 + sc.Slice.CashFlowWeight
	id := fmt.Sprintf(balanceIDFmt, sc.Slice.Key.Account, sc.Slice.Key.Period)
	b := &Binding{ID: id, Slice: si, Lower: target, Upper: target}
	a.bindLinear(asm, p, b, coeffs, opts)
}

func (a *Assembler) lowerBeta(asm *Assembled, p *solver.Problem, si int, sc *sliceCtx, spec *constraints.Spec, opts BuildOptions) (*Binding, error) {
	model, err := a.primaryModel(asm.Case)
	if err != nil {
		return nil, err
	}
	bench, err := a.referenceWeights(spec)
	if err != nil {
		return nil, err
	}
	coeffs := make([]float64, p.N)
	for i, id := range sc.Universe {
		coeffs[sc.Offset+i] = model.AssetBeta(id, bench)
	}
	lo, hi, err := spec.ResolveBounds(1)
	if err != nil {
		return nil, err
	}
	b := &Binding{ID: spec.ID(), Spec: spec, Slice: si, Lower: lo, Upper: hi}
	a.bindLinear(asm, p, b, coeffs, opts)
	return b, nil
}

func (a *Assembler) lowerTotalActiveWeight(asm *Assembled, p *solver.Problem, si int, sc *sliceCtx, spec *constraints.Spec, opts BuildOptions) (*Binding, error) {
	bench, err := a.referenceWeights(spec)
	if err != nil {
		return nil, err
	}
	lo, hi, err := spec.ResolveBounds(0)
	if err != nil {
		return nil, err
	}
	offset, universe := sc.Offset, sc.Universe
	b := &Binding{
		ID:    spec.ID(),
		Spec:  spec,
		Slice: si,
		Eval: func(x []float64) float64 {
			var sum float64
			for i, id := range universe {
				sum += math.Abs(x[offset+i] - bench[id])
			}
			return sum
		},
		Lower: lo,
		Upper: hi,
	}
	a.bind(asm, p, b, opts)
	return b, nil
}

func (a *Assembler) lowerGeneralLinear(asm *Assembled, p *solver.Problem, si int, sc *sliceCtx, spec *constraints.Spec, opts BuildOptions) (*Binding, error) {
	coeffs := make([]float64, p.N)
	for id, c := range spec.Coeffs {
		vi := sc.VarIndex(id)
		if vi < 0 {
			return nil, &Error{ConstraintID: spec.ID(), Msg: fmt.Sprintf("asset %q not in universe", id)}
		}
		coeffs[vi] = c
	}
	lo, hi, err := spec.ResolveBounds(0)
	if err != nil {
		return nil, err
	}
	b := &Binding{ID: spec.ID(), Spec: spec, Slice: si, Lower: lo, Upper: hi}
	a.bindLinear(asm, p, b, coeffs, opts)
	return b, nil
}

// lowerTargets lowers the case-level risk cap and return floor for one
// slice.
func (a *Assembler) lowerTargets(asm *Assembled, p *solver.Problem, si int, sc *sliceCtx, opts BuildOptions) error {
	c := asm.Case
	if rt := c.ReturnTarget(); rt != nil {
		coeffs := make([]float64, p.N)
		for i, id := range sc.Universe {
			if asset, err := a.store.Asset(id); err == nil {
				coeffs[sc.Offset+i] = asset.Alpha
			}
		}
		b := &Binding{ID: targetID(ReturnTargetID, si, len(asm.Slices)), Slice: si, Lower: *rt, Upper: math.Inf(1)}
		a.bindLinear(asm, p, b, coeffs, opts)
	}
	if rt := c.RiskTarget(); rt != nil {
		model, err := a.primaryModel(c)
		if err != nil {
			return err
		}
		scx := sc
		b := &Binding{
			ID:    targetID(RiskTargetID, si, len(asm.Slices)),
			Slice: si,
			Eval: func(x []float64) float64 {
				return model.Risk(scx.Weights(x))
			},
			Lower: math.Inf(-1),
			Upper: *rt,
		}
		a.bind(asm, p, b, opts)
	}
	return nil
}

// targetID keeps single-slice cases addressable by the reserved ids.
func targetID(base string, si, slices int) string {
	if slices == 1 {
		return base
	}
	return fmt.Sprintf("%s:%d", base, si)
}

func (a *Assembler) primaryModel(c *Case) (*riskmodel.Model, error) {
	if c.PrimaryRiskModel() == "" {
		return nil, &Error{Msg: "no primary risk model set"}
	}
	return a.store.RiskModel(c.PrimaryRiskModel())
}

func (a *Assembler) modelNamed(c *Case, name string) (*riskmodel.Model, error) {
	if name == "" {
		return a.primaryModel(c)
	}
	return a.store.RiskModel(name)
}

// composeObjective builds the minimized objective: negated utility plus
// penalty disutility.
func (a *Assembler) composeObjective(asm *Assembled, p *solver.Problem, penaltyBindings []*Binding) {
	utilityOf := a.utilityEvaluator(asm)

	penaltyOf := func(x []float64) float64 {
		var total float64
		for _, b := range penaltyBindings {
			mult := 1.0
			if b.Slice >= 0 {
				mult = asm.Slices[b.Slice].Slice.Utility.PenaltyTerm()
			}
			total += mult * b.Penalty.Value(b.Eval(x))
		}
		return total
	}

	asm.Utility = utilityOf
	asm.PenaltyValue = penaltyOf
	p.Objective = func(x []float64) float64 {
		return -utilityOf(x) + penaltyOf(x)
	}
	// No analytic gradient: cost and penalty terms carry kinks. The engine
	// differentiates the penalized objective numerically.
	p.Gradient = nil
}

// utilityEvaluator composes the maximized utility over every slice plus the
// cross-account market impact term.
func (a *Assembler) utilityEvaluator(asm *Assembled) func(x []float64) float64 {
	var evals []func(x []float64) float64

	for _, sc := range asm.Slices {
		u := sc.Slice.Utility
		scx := sc

		if u.AlphaTerm() != 0 {
			mult := u.AlphaTerm()
			alphas := make([]float64, len(sc.Universe))
			for i, id := range sc.Universe {
				if asset, err := a.store.Asset(id); err == nil {
					alphas[i] = asset.Alpha
				}
			}
			evals = append(evals, func(x []float64) float64 {
				var r float64
				for i := range alphas {
					r += alphas[i] * x[scx.Offset+i]
				}
				return mult * r
			})
		}

		terms := []*utility.RiskTerm{}
		if t := u.PrimaryRiskTerm(); t != nil {
			terms = append(terms, t)
		}
		terms = append(terms, u.SecondaryRiskTerms()...)
		for _, t := range terms {
			model, err := a.modelNamed(asm.Case, t.Model)
			if err != nil {
				continue
			}
			var bench map[string]float64
			if t.Benchmark != "" {
				if bp, errB := a.store.Portfolio(t.Benchmark); errB == nil {
					bench = bp.Weights()
				}
			}
			term := t
			evals = append(evals, func(x []float64) float64 {
				w := scx.Weights(x)
				if bench != nil {
					w = riskmodel.ActiveWeights(w, bench)
				}
				return -term.LambdaCommon*model.CommonVariance(w) - term.LambdaSpecific*model.SpecificVariance(w)
			})
		}

		if u.CostTerm() != 0 {
			mult := u.CostTerm()
			evals = append(evals, func(x []float64) float64 {
				var cost float64
				for i, id := range scx.Universe {
					asset, err := a.store.Asset(id)
					if err != nil {
						continue
					}
					delta := x[scx.Offset+i] - scx.InitialWeight(id)
					cost += utility.TradeCost(asset, delta, scx.Slice.BaseValue)
				}
				return -mult * cost
			})
		}

		if u.HoldingCostTerm() != 0 {
			mult := u.HoldingCostTerm()
			evals = append(evals, func(x []float64) float64 {
				var cost float64
				for i, id := range scx.Universe {
					asset, err := a.store.Asset(id)
					if err != nil {
						continue
					}
					cost += utility.HoldingCost(asset, x[scx.Offset+i])
				}
				return -mult * cost
			})
		}

		if sh := u.Shortfall(); sh != nil && sh.Multiplier != 0 {
			term := sh
			evals = append(evals, func(x []float64) float64 {
				return -term.Multiplier * term.Shortfall(scx.Weights(x))
			})
		}

		if lb := u.LossBenefitTerm(); lb != nil && lb.Multiplier != 0 {
			rules := asm.Case.TaxRules(sc.Slice.Key.Account)
			term := lb
			evals = append(evals, func(x []float64) float64 {
				losses := a.realizedLosses(asm.Case, scx, rules, x)
				if term.Target > 0 && losses > term.Target {
					losses = term.Target
				}
				return term.Multiplier * losses / scx.Slice.BaseValue
			})
		}

		for _, cv := range u.CovarianceTerms() {
			model, err := a.primaryModel(asm.Case)
			if err != nil {
				continue
			}
			term := cv
			wa := a.portfolioWeightsOrNil(term.PortfolioA)
			wb := a.portfolioWeightsOrNil(term.PortfolioB)
			evals = append(evals, func(x []float64) float64 {
				w1, w2 := wa, wb
				if w1 == nil {
					w1 = scx.Weights(x)
				}
				if w2 == nil {
					w2 = scx.Weights(x)
				}
				return -term.Lambda * model.Covariance(w1, w2)
			})
		}
	}

	if lambda := asm.Case.JointMarketImpact(); lambda > 0 && len(asm.Slices) > 1 {
		slices := asm.Slices
		evals = append(evals, func(x []float64) float64 {
			// Accounts trading the same asset in the same period move one
			// market: cost grows with the square of the summed trade.
			total := make(map[string]float64)
			for _, sc := range slices {
				for i, id := range sc.Universe {
					total[periodAsset(sc.Slice.Key.Period, id)] += x[sc.Offset+i] - sc.InitialWeight(id)
				}
			}
			var cost float64
			for _, d := range total {
				cost += d * d
			}
			return -lambda * cost
		})
	}

	return func(x []float64) float64 {
		var u float64
		for _, e := range evals {
			u += e(x)
		}
		return u
	}
}

func periodAsset(period int, id string) string {
	return fmt.Sprintf("p%d:%s", period, id)
}

func (a *Assembler) portfolioWeightsOrNil(name string) map[string]float64 {
	if name == "" {
		return nil
	}
	if p, err := a.store.Portfolio(name); err == nil {
		return p.Weights()
	}
	return nil
}
