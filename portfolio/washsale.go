package portfolio

// WashSaleRule controls how a loss realized near a replacement purchase is
// treated.
type WashSaleRule int

const (
	// WashSaleIgnored applies no wash-sale adjustment.
	WashSaleIgnored WashSaleRule = iota
	// WashSaleDisallowed disallows the matched loss and rolls it into the
	// replacement lot's basis.
	WashSaleDisallowed
	// WashSaleTradeoff lets the optimizer trade the loss benefit off against
	// the disallowance; the bookkeeping is identical to WashSaleDisallowed.
	WashSaleTradeoff
)

// WashSaleDetail reports one disallowed loss and the replacement lot that
// absorbed it.
type WashSaleDetail struct {
	AssetID           string
	LotID             int // replacement lot
	DisallowedShares  float64
	DisallowedLoss    float64 // stored positive
	AdjustedCostBasis float64 // replacement lot basis after roll-up
}

// ApplyWashSale matches loss sales against replacement lots purchased within
// the window (lot age <= windowDays), disallows the matched loss, and rolls
// it into the replacement lot's basis. Sales at a gain and sales with no
// qualifying replacement lot are no-ops. The sales' Gain fields are adjusted
// in place so downstream tax aggregation sees only the allowed loss.
func (p *Portfolio) ApplyWashSale(sales []LotSale, windowDays int) []WashSaleDetail {
	var details []WashSaleDetail
	for i := range sales {
		s := &sales[i]
		if s.Gain >= 0 {
			continue
		}
		lossPerShare := s.CostBasis - s.Price
		remaining := s.Shares
		for _, lot := range p.lots[s.AssetID] {
			if remaining <= 1e-12 {
				break
			}
			// The lot that was just reduced is not its own replacement.
			if lot.LotID == s.LotID || lot.Age > windowDays || lot.Shares <= 0 {
				continue
			}
			matched := lot.Shares
			if matched > remaining {
				matched = remaining
			}
			disallowed := lossPerShare * matched
			lot.CostBasis += disallowed / lot.Shares
			lot.WashSale = true
			s.Gain += disallowed // shrink the realized loss
			remaining -= matched
			details = append(details, WashSaleDetail{
				AssetID:           s.AssetID,
				LotID:             lot.LotID,
				DisallowedShares:  matched,
				DisallowedLoss:    disallowed,
				AdjustedCostBasis: lot.CostBasis,
			})
		}
	}
	return details
}
