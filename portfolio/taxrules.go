package portfolio

import "sort"

// Wildcard matches any group name or category in tax rule lookups.
const Wildcard = "*"

// DefaultLongTermDays is the holding age at which a gain becomes long-term.
const DefaultLongTermDays = 365

// TaxRule holds the rates and wash-sale policy for one (group, category)
// bucket of assets.
type TaxRule struct {
	LongTermRate  float64
	ShortTermRate float64
	LongTermDays  int
	TwoRate       bool // when false ShortTermRate applies to every gain
	WashSale      WashSaleRule
	WashWindow    int
}

// EnableTwoRate switches the rule to the two-rate schedule. Without an
// argument the threshold defaults to 365 days.
func (r *TaxRule) EnableTwoRate(days ...int) *TaxRule {
	r.TwoRate = true
	r.LongTermDays = DefaultLongTermDays
	if len(days) > 0 && days[0] > 0 {
		r.LongTermDays = days[0]
	}
	return r
}

// SetTaxRate sets the long-term and short-term rates.
func (r *TaxRule) SetTaxRate(longRate, shortRate float64) *TaxRule {
	r.LongTermRate = longRate
	r.ShortTermRate = shortRate
	return r
}

// SetWashSaleRule sets the wash-sale policy and window in days.
func (r *TaxRule) SetWashSaleRule(rule WashSaleRule, windowDays int) *TaxRule {
	r.WashSale = rule
	r.WashWindow = windowDays
	return r
}

// Threshold returns the effective long-term age threshold.
func (r *TaxRule) Threshold() int {
	if r.LongTermDays > 0 {
		return r.LongTermDays
	}
	return DefaultLongTermDays
}

// Tax returns the liability for realized gains under this rule. A negative
// value is a tax credit from net losses.
func (r *TaxRule) Tax(g GainLoss) float64 {
	if !r.TwoRate {
		return r.ShortTermRate * g.Net()
	}
	longNet := g.LongTermGain - g.LongTermLoss
	shortNet := g.ShortTermGain - g.ShortTermLoss
	return r.LongTermRate*longNet + r.ShortTermRate*shortNet
}

type ruleKey struct{ group, category string }

// TaxRules maps (group attribute, category) buckets to rules and selling
// orders, with "*" wildcards. One TaxRules instance belongs to one account
// (or one account group sharing a tax bucket).
type TaxRules struct {
	rules   map[ruleKey]*TaxRule
	selling map[ruleKey]SellOrder
}

// NewTaxRules creates an empty rule set.
func NewTaxRules() *TaxRules {
	return &TaxRules{
		rules:   make(map[ruleKey]*TaxRule),
		selling: make(map[ruleKey]SellOrder),
	}
}

// AddRule registers and returns the rule for a bucket, creating it when
// absent so callers can chain the setters.
func (t *TaxRules) AddRule(group, category string) *TaxRule {
	k := ruleKey{group, category}
	if r, ok := t.rules[k]; ok {
		return r
	}
	r := &TaxRule{LongTermDays: DefaultLongTermDays}
	t.rules[k] = r
	return r
}

// Rule resolves the rule for a bucket, falling back to wildcard entries. The
// boolean reports whether any rule matched.
func (t *TaxRules) Rule(group, category string) (*TaxRule, bool) {
	for _, k := range []ruleKey{
		{group, category},
		{group, Wildcard},
		{Wildcard, category},
		{Wildcard, Wildcard},
	} {
		if r, ok := t.rules[k]; ok {
			return r, true
		}
	}
	return nil, false
}

// TaxRuleEntry is one registered (group, category) bucket and its rule,
// returned by Entries for enumeration.
type TaxRuleEntry struct {
	Group    string
	Category string
	Rule     *TaxRule
}

// Entries returns every registered rule bucket.
func (t *TaxRules) Entries() []TaxRuleEntry {
	out := make([]TaxRuleEntry, 0, len(t.rules))
	for k, r := range t.rules {
		out = append(out, TaxRuleEntry{Group: k.group, Category: k.category, Rule: r})
	}
	return out
}

// SellingOrderEntry is one registered selling-order bucket.
type SellingOrderEntry struct {
	Group    string
	Category string
	Order    SellOrder
}

// SellingOrderEntries returns every registered selling-order bucket.
func (t *TaxRules) SellingOrderEntries() []SellingOrderEntry {
	out := make([]SellingOrderEntry, 0, len(t.selling))
	for k, o := range t.selling {
		out = append(out, SellingOrderEntry{Group: k.group, Category: k.category, Order: o})
	}
	return out
}

// RuleForAttributes resolves the rule covering an asset described by its
// grouping tags (attribute name -> category). The most specific registered
// bucket wins: exact (group, category), then (group, *), then (*, category),
// then the full wildcard. Ties break on sorted bucket keys so resolution is
// deterministic.
func (t *TaxRules) RuleForAttributes(attrs map[string]string) (*TaxRule, bool) {
	keys := make([]ruleKey, 0, len(t.rules))
	for k := range t.rules {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].group != keys[j].group {
			return keys[i].group < keys[j].group
		}
		return keys[i].category < keys[j].category
	})
	match := func(pick func(k ruleKey) bool) (*TaxRule, bool) {
		for _, k := range keys {
			if pick(k) {
				return t.rules[k], true
			}
		}
		return nil, false
	}
	if r, ok := match(func(k ruleKey) bool {
		return k.group != Wildcard && k.category != Wildcard && attrs[k.group] == k.category
	}); ok {
		return r, true
	}
	if r, ok := match(func(k ruleKey) bool {
		_, tagged := attrs[k.group]
		return k.group != Wildcard && k.category == Wildcard && tagged
	}); ok {
		return r, true
	}
	if r, ok := match(func(k ruleKey) bool {
		if k.group != Wildcard || k.category == Wildcard {
			return false
		}
		for _, c := range attrs {
			if c == k.category {
				return true
			}
		}
		return false
	}); ok {
		return r, true
	}
	return t.Rule(Wildcard, Wildcard)
}

// SetSellingOrder sets the selling-order rule for a bucket.
func (t *TaxRules) SetSellingOrder(group, category string, order SellOrder) {
	t.selling[ruleKey{group, category}] = order
}

// SellingOrder resolves the selling order for a bucket, defaulting to FIFO.
func (t *TaxRules) SellingOrder(group, category string) SellOrder {
	for _, k := range []ruleKey{
		{group, category},
		{group, Wildcard},
		{Wildcard, category},
		{Wildcard, Wildcard},
	} {
		if o, ok := t.selling[k]; ok {
			return o
		}
	}
	return SellFIFO
}
