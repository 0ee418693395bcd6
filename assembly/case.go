// Package assembly binds store entities, risk models, constraints and
// utility into one solvable problem. A Case holds one or more (account,
// period) slices; the assembler lowers every registered constraint into
// solver rows, penalties and cardinality hints over a flat variable vector.
package assembly

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/aristath/portopt/constraints"
	"github.com/aristath/portopt/portfolio"
	"github.com/aristath/portopt/store"
	"github.com/aristath/portopt/utility"
)

// SliceKey addresses one (account, period) slot of a Case. Single-portfolio
// problems use the zero key.
type SliceKey struct {
	Account int
	Period  int
}

// Slice is the per-slot configuration: what is held, what may be traded, and
// the constraints/utility that apply.
type Slice struct {
	Key              SliceKey
	InitialPortfolio string
	TradeUniverse    string
	BaseValue        float64
	CashFlowWeight   float64

	Constraints *constraints.Constraints
	Utility     *utility.Utility

	// Per-asset trade restrictions, applied as bound clamps at assembly.
	txTypes map[string]TransactionType
}

// TransactionType restricts how one asset may trade within a slice.
type TransactionType int

const (
	TxAllow TransactionType = iota
	TxBuyNone
	TxSellNone
	TxShortNone
	TxKeep // hold the initial weight exactly
	TxCloseOut
	TxBuyFromCloseOut  // may buy only if currently short
	TxSellFromCloseOut // may sell only if currently long
)

// SetTransactionType restricts one asset's trading.
func (s *Slice) SetTransactionType(assetID string, t TransactionType) {
	if s.txTypes == nil {
		s.txTypes = make(map[string]TransactionType)
	}
	s.txTypes[assetID] = t
}

// TransactionTypeFor returns the restriction for an asset, TxAllow by
// default.
func (s *Slice) TransactionTypeFor(assetID string) TransactionType {
	return s.txTypes[assetID]
}

// TransactionTypes returns a copy of every non-default trade restriction.
func (s *Slice) TransactionTypes() map[string]TransactionType {
	out := make(map[string]TransactionType, len(s.txTypes))
	for id, t := range s.txTypes {
		out[id] = t
	}
	return out
}

// Case is one optimization problem instance. Configure the active slice,
// switch, configure the next; a solve consumes the whole Case. Cases are not
// safe for concurrent mutation.
type Case struct {
	name  string
	store *store.Store
	log   zerolog.Logger

	primaryModel   string
	secondaryModel string

	slices map[SliceKey]*Slice
	active SliceKey

	riskTarget   *float64
	returnTarget *float64

	taxRules      map[int]*portfolio.TaxRules // by account
	accountGroups map[int]int                 // account -> shared tax bucket

	crossPeriod  *constraints.Constraints
	crossAccount *constraints.Constraints

	// Joint market impact: quadratic cost on the summed trade of all
	// accounts per asset.
	jointMarketImpact float64
}

// NewCase creates a Case with one default slice selected.
func NewCase(name string, st *store.Store, log zerolog.Logger) *Case {
	c := &Case{
		name:      name,
		store:     st,
		log:       log.With().Str("component", "case").Str("case", name).Logger(),
		slices:    make(map[SliceKey]*Slice),
		taxRules:  make(map[int]*portfolio.TaxRules),
		accountGroups: make(map[int]int),
	}
	c.slices[SliceKey{}] = c.newSlice(SliceKey{})
	return c
}

func (c *Case) newSlice(key SliceKey) *Slice {
	return &Slice{
		Key:         key,
		BaseValue:   1,
		Constraints: constraints.New(c.log),
		Utility:     utility.New(),
	}
}

// Name returns the case name.
func (c *Case) Name() string { return c.name }

// Store returns the entity store the case reads from.
func (c *Case) Store() *store.Store { return c.store }

// SetPrimaryRiskModel names the model used by risk terms and risk
// constraints that do not name their own.
func (c *Case) SetPrimaryRiskModel(name string) { c.primaryModel = name }

// PrimaryRiskModel returns the primary model name.
func (c *Case) PrimaryRiskModel() string { return c.primaryModel }

// SetSecondaryRiskModel names the model for secondary risk terms.
func (c *Case) SetSecondaryRiskModel(name string) { c.secondaryModel = name }

// SecondaryRiskModel returns the secondary model name.
func (c *Case) SecondaryRiskModel() string { return c.secondaryModel }

// SelectSlice switches the active (account, period) slot, creating it on
// first use. All slices must be configured before the solve.
func (c *Case) SelectSlice(account, period int) *Slice {
	key := SliceKey{Account: account, Period: period}
	s, ok := c.slices[key]
	if !ok {
		s = c.newSlice(key)
		c.slices[key] = s
	}
	c.active = key
	return s
}

// ActiveSlice returns the currently selected slice.
func (c *Case) ActiveSlice() *Slice { return c.slices[c.active] }

// Slices returns every slice ordered by (period, account).
func (c *Case) Slices() []*Slice {
	out := make([]*Slice, 0, len(c.slices))
	for _, s := range c.slices {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Period != out[j].Key.Period {
			return out[i].Key.Period < out[j].Key.Period
		}
		return out[i].Key.Account < out[j].Key.Account
	})
	return out
}

// Constraints returns the active slice's constraint set.
func (c *Case) Constraints() *constraints.Constraints {
	return c.ActiveSlice().Constraints
}

// Utility returns the active slice's utility.
func (c *Case) Utility() *utility.Utility {
	return c.ActiveSlice().Utility
}

// SetInitialPortfolio names the active slice's starting holdings.
func (c *Case) SetInitialPortfolio(name string) { c.ActiveSlice().InitialPortfolio = name }

// SetTradeUniverse names the candidate-asset portfolio; weights in it are
// ignored. Empty means the initial portfolio's assets.
func (c *Case) SetTradeUniverse(name string) { c.ActiveSlice().TradeUniverse = name }

// SetBaseValue sets the active slice's portfolio value in dollars.
func (c *Case) SetBaseValue(v float64) { c.ActiveSlice().BaseValue = v }

// SetCashFlowWeight adds an external cash in/outflow as a fraction of base
// value, loosening or tightening what turnover must explain.
func (c *Case) SetCashFlowWeight(v float64) { c.ActiveSlice().CashFlowWeight = v }

// SetRiskTarget caps total portfolio risk (standard deviation) on the
// primary model.
func (c *Case) SetRiskTarget(v float64) { c.riskTarget = &v }

// RiskTarget returns the risk cap, nil when unset.
func (c *Case) RiskTarget() *float64 { return c.riskTarget }

// SetReturnTarget floors the expected portfolio return.
func (c *Case) SetReturnTarget(v float64) { c.returnTarget = &v }

// ReturnTarget returns the return floor, nil when unset.
func (c *Case) ReturnTarget() *float64 { return c.returnTarget }

// ClearRiskTarget removes the risk cap.
func (c *Case) ClearRiskTarget() { c.riskTarget = nil }

// ClearReturnTarget removes the return floor.
func (c *Case) ClearReturnTarget() { c.returnTarget = nil }

// SetTaxRules attaches tax rules to one account.
func (c *Case) SetTaxRules(account int, rules *portfolio.TaxRules) {
	c.taxRules[account] = rules
}

// TaxRules returns the rules for an account, nil when tax-unaware.
func (c *Case) TaxRules(account int) *portfolio.TaxRules {
	return c.taxRules[account]
}

// TaxAccounts returns the accounts with explicit tax rules, sorted.
func (c *Case) TaxAccounts() []int {
	out := make([]int, 0, len(c.taxRules))
	for a := range c.taxRules {
		out = append(out, a)
	}
	sort.Ints(out)
	return out
}

// AssignAccountGroup places an account into a shared tax bucket; accounts in
// one group aggregate their realized gains for group-scoped tax constraints.
func (c *Case) AssignAccountGroup(account, group int) {
	c.accountGroups[account] = group
}

// AccountGroup returns the tax bucket of an account. Ungrouped accounts are
// their own bucket, offset to avoid clashing with explicit group ids.
func (c *Case) AccountGroup(account int) int {
	if g, ok := c.accountGroups[account]; ok {
		return g
	}
	return -1 - account
}

// AccountGroups returns a copy of the explicit account group assignments.
func (c *Case) AccountGroups() map[int]int {
	out := make(map[int]int, len(c.accountGroups))
	for a, g := range c.accountGroups {
		out[a] = g
	}
	return out
}

// CrossPeriodConstraints returns the constraint set applied across periods
// (e.g. cross-period net turnover), created on first use.
func (c *Case) CrossPeriodConstraints() *constraints.Constraints {
	if c.crossPeriod == nil {
		c.crossPeriod = constraints.New(c.log)
	}
	return c.crossPeriod
}

// CrossAccountConstraints returns the constraint set applied across accounts
// within one period, created on first use.
func (c *Case) CrossAccountConstraints() *constraints.Constraints {
	if c.crossAccount == nil {
		c.crossAccount = constraints.New(c.log)
	}
	return c.crossAccount
}

// SetJointMarketImpact adds a quadratic cost on the summed trade of all
// accounts in each asset, modeling the accounts moving one market together.
func (c *Case) SetJointMarketImpact(lambda float64) { c.jointMarketImpact = lambda }

// JointMarketImpact returns the joint market impact multiplier.
func (c *Case) JointMarketImpact() float64 { return c.jointMarketImpact }

// Validate checks that every slice names resolvable entities.
func (c *Case) Validate() error {
	if c.primaryModel != "" {
		if _, err := c.store.RiskModel(c.primaryModel); err != nil {
			return fmt.Errorf("primary risk model: %w", err)
		}
	}
	if c.secondaryModel != "" {
		if _, err := c.store.RiskModel(c.secondaryModel); err != nil {
			return fmt.Errorf("secondary risk model: %w", err)
		}
	}
	for _, s := range c.Slices() {
		if s.InitialPortfolio == "" {
			return fmt.Errorf("slice (account %d, period %d) has no initial portfolio", s.Key.Account, s.Key.Period)
		}
		if _, err := c.store.Portfolio(s.InitialPortfolio); err != nil {
			return fmt.Errorf("slice (account %d, period %d): %w", s.Key.Account, s.Key.Period, err)
		}
		if s.TradeUniverse != "" {
			if _, err := c.store.Portfolio(s.TradeUniverse); err != nil {
				return fmt.Errorf("slice (account %d, period %d): %w", s.Key.Account, s.Key.Period, err)
			}
		}
		if s.BaseValue <= 0 {
			return fmt.Errorf("slice (account %d, period %d) has non-positive base value %v", s.Key.Account, s.Key.Period, s.BaseValue)
		}
	}
	return nil
}
