package solve

import (
	"math"

	"github.com/aristath/portopt/assembly"
	"github.com/aristath/portopt/portfolio"
	"github.com/aristath/portopt/store"
	"github.com/aristath/portopt/utility"
)

// TradeType classifies a trade-list entry by its direction and the position
// it leaves behind.
type TradeType int

const (
	TradeNone TradeType = iota
	TradeBuy
	TradeSell
	TradeCover // buy reducing a short position
	TradeShort // sell opening or extending a short position
)

func (t TradeType) String() string {
	switch t {
	case TradeBuy:
		return "buy"
	case TradeSell:
		return "sell"
	case TradeCover:
		return "cover"
	case TradeShort:
		return "short"
	default:
		return "none"
	}
}

// Trade is one share-level entry realizing the solved weights. Shares are
// derived from the slice's base value and the asset's price; assets without a
// price report weight-level quantities only.
type Trade struct {
	Slice   assembly.SliceKey
	AssetID string

	InitialWeight float64
	FinalWeight   float64
	InitialShares float64
	FinalShares   float64
	TradedShares  float64 // positive buys, negative sells
	TradeValue    float64 // absolute traded dollars
	Cost          float64
	Type          TradeType

	// Sales carries lot-level gain detail for sells executed against a
	// tax-lot ledger, with gains already adjusted for wash sales when the
	// account's rule enables them.
	Sales []portfolio.LotSale
}

// buildTradeList converts solved weights into trades, executing sells against
// a clone of each slice's tax-lot ledger so lot-level gains and wash sales
// are reported without mutating the case's portfolios.
func buildTradeList(st *store.Store, asm *assembly.Assembled, x []float64, washWindow int) ([]Trade, []portfolio.WashSaleDetail) {
	var trades []Trade
	var washes []portfolio.WashSaleDetail

	for _, sc := range asm.Slices {
		rules := asm.Case.TaxRules(sc.Slice.Key.Account)

		var ledger *portfolio.Portfolio
		if init, err := st.Portfolio(sc.Slice.InitialPortfolio); err == nil && init.HasTaxLots() {
			ledger = init.Clone(init.Name() + ":tradelist")
		}

		var sales []portfolio.LotSale
		var spans []saleSpan
		var washRule portfolio.WashSaleRule
		window := washWindow

		for i, id := range sc.Universe {
			w0 := sc.InitialWeight(id)
			w1 := x[sc.Offset+i]
			d := w1 - w0
			if math.Abs(d) < 1e-12 {
				continue
			}

			asset, err := st.Asset(id)
			if err != nil {
				continue
			}
			base := sc.Slice.BaseValue

			tr := Trade{
				Slice:         sc.Slice.Key,
				AssetID:       id,
				InitialWeight: w0,
				FinalWeight:   w1,
				TradeValue:    math.Abs(d) * base,
				Cost:          utility.TradeCost(asset, d, base),
				Type:          classifyTrade(w0, w1),
			}
			if asset.Price > 0 {
				tr.InitialShares = w0 * base / asset.Price
				tr.FinalShares = w1 * base / asset.Price
				tr.TradedShares = tr.FinalShares - tr.InitialShares
			}

			if ledger != nil && tr.TradedShares < 0 && ledger.SharesHeld(id) > 0 {
				rule, order, days := sellPolicy(rules)
				shares := math.Min(-tr.TradedShares, ledger.SharesHeld(id))
				lotSales, sellErr := ledger.Sell(id, shares, asset.Price, order, days)
				if sellErr == nil {
					spans = append(spans, saleSpan{trade: len(trades), from: len(sales), to: len(sales) + len(lotSales)})
					sales = append(sales, lotSales...)
					if rule != nil && rule.WashSale != portfolio.WashSaleIgnored {
						washRule = rule.WashSale
						if rule.WashWindow > 0 {
							window = rule.WashWindow
						}
					}
				}
			}

			trades = append(trades, tr)
		}

		if ledger != nil && washRule != portfolio.WashSaleIgnored && len(sales) > 0 {
			washes = append(washes, ledger.ApplyWashSale(sales, window)...)
		}
		// Share the slice's sales with each trade only after the wash-sale
		// pass, so adjusted gains reach the per-trade detail.
		for _, sp := range spans {
			trades[sp.trade].Sales = sales[sp.from:sp.to]
		}
	}
	return trades, washes
}

// saleSpan maps one trade's lot sales to its range in the slice-level list.
type saleSpan struct {
	trade    int
	from, to int
}

func classifyTrade(w0, w1 float64) TradeType {
	d := w1 - w0
	switch {
	case d > 0 && w0 < 0:
		return TradeCover
	case d > 0:
		return TradeBuy
	case d < 0 && w1 < 0:
		return TradeShort
	case d < 0:
		return TradeSell
	default:
		return TradeNone
	}
}

// sellPolicy resolves the account's tax rule, selling order and long-term
// threshold.
func sellPolicy(rules *portfolio.TaxRules) (*portfolio.TaxRule, portfolio.SellOrder, int) {
	if rules == nil {
		return nil, portfolio.SellFIFO, portfolio.DefaultLongTermDays
	}
	rule, _ := rules.Rule(portfolio.Wildcard, portfolio.Wildcard)
	order := rules.SellingOrder(portfolio.Wildcard, portfolio.Wildcard)
	days := portfolio.DefaultLongTermDays
	if rule != nil {
		days = rule.Threshold()
	}
	return rule, order, days
}
