package portfolio

import (
	"fmt"
	"sort"
)

// TaxLot is a discrete purchase record within a position.
type TaxLot struct {
	LotID     int
	AssetID   string
	Age       int     // days since purchase
	CostBasis float64 // per-share basis
	Shares    float64
	WashSale  bool // flagged when the lot absorbed a disallowed loss
}

// SellOrder selects which lots are reduced when a position shrinks.
type SellOrder int

const (
	// SellFIFO reduces the oldest lots first.
	SellFIFO SellOrder = iota
	// SellHIFO reduces the highest-cost-basis lots first.
	SellHIFO
	// SellExplicit only reduces lots named by the caller.
	SellExplicit
)

// LotOverdrawError reports an attempt to sell more shares of a lot (or of an
// asset's whole position) than it holds.
type LotOverdrawError struct {
	AssetID   string
	LotID     int // -1 when the overdraw is at the position level
	Requested float64
	Held      float64
}

func (e *LotOverdrawError) Error() string {
	if e.LotID >= 0 {
		return fmt.Sprintf("lot overdraw: asset %s lot %d holds %.4f shares, %.4f requested", e.AssetID, e.LotID, e.Held, e.Requested)
	}
	return fmt.Sprintf("lot overdraw: asset %s holds %.4f shares, %.4f requested", e.AssetID, e.Held, e.Requested)
}

// LotSale records shares taken from one lot by a sell.
type LotSale struct {
	LotID     int
	AssetID   string
	Shares    float64
	CostBasis float64
	Age       int
	Price     float64
	Gain      float64 // (price - basis) * shares; negative for a loss
	LongTerm  bool
}

// AddTaxLot appends a purchase record to the portfolio's ledger for an asset.
func (p *Portfolio) AddTaxLot(assetID string, age int, costBasis, shares float64) *TaxLot {
	lot := &TaxLot{
		LotID:     p.nextLot,
		AssetID:   assetID,
		Age:       age,
		CostBasis: costBasis,
		Shares:    shares,
	}
	p.nextLot++
	p.lots[assetID] = append(p.lots[assetID], lot)
	return lot
}

// TaxLots returns the lots held for an asset, oldest declaration first.
func (p *Portfolio) TaxLots(assetID string) []*TaxLot {
	out := make([]*TaxLot, len(p.lots[assetID]))
	copy(out, p.lots[assetID])
	return out
}

// HasTaxLots reports whether any asset carries lots.
func (p *Portfolio) HasTaxLots() bool { return len(p.lots) > 0 }

// SharesHeld returns total shares across an asset's lots.
func (p *Portfolio) SharesHeld(assetID string) float64 {
	var total float64
	for _, lot := range p.lots[assetID] {
		total += lot.Shares
	}
	return total
}

// Lot returns a lot by id.
func (p *Portfolio) Lot(assetID string, lotID int) (*TaxLot, bool) {
	for _, lot := range p.lots[assetID] {
		if lot.LotID == lotID {
			return lot, true
		}
	}
	return nil, false
}

// Sell reduces an asset's position by the given number of shares at the given
// price, choosing lots per the selling order. Lots are mutated in place and
// the per-lot sales are returned with realized gain classified long or short
// term by the age threshold.
func (p *Portfolio) Sell(assetID string, shares, price float64, order SellOrder, longTermDays int) ([]LotSale, error) {
	held := p.SharesHeld(assetID)
	if shares > held+1e-9 {
		return nil, &LotOverdrawError{AssetID: assetID, LotID: -1, Requested: shares, Held: held}
	}

	lots := make([]*TaxLot, len(p.lots[assetID]))
	copy(lots, p.lots[assetID])
	switch order {
	case SellFIFO:
		sort.SliceStable(lots, func(i, j int) bool { return lots[i].Age > lots[j].Age })
	case SellHIFO:
		sort.SliceStable(lots, func(i, j int) bool { return lots[i].CostBasis > lots[j].CostBasis })
	case SellExplicit:
		// Caller targets lots directly via SellLot; falling back to
		// declaration order keeps Sell usable for the remainder.
	}

	var sales []LotSale
	remaining := shares
	for _, lot := range lots {
		if remaining <= 1e-12 {
			break
		}
		take := lot.Shares
		if take > remaining {
			take = remaining
		}
		if take <= 0 {
			continue
		}
		lot.Shares -= take
		remaining -= take
		sales = append(sales, LotSale{
			LotID:     lot.LotID,
			AssetID:   assetID,
			Shares:    take,
			CostBasis: lot.CostBasis,
			Age:       lot.Age,
			Price:     price,
			Gain:      (price - lot.CostBasis) * take,
			LongTerm:  lot.Age >= longTermDays,
		})
	}
	return sales, nil
}

// SellLot reduces one explicitly targeted lot.
func (p *Portfolio) SellLot(assetID string, lotID int, shares, price float64, longTermDays int) (LotSale, error) {
	lot, ok := p.Lot(assetID, lotID)
	if !ok {
		return LotSale{}, &LotOverdrawError{AssetID: assetID, LotID: lotID, Requested: shares, Held: 0}
	}
	if shares > lot.Shares+1e-9 {
		return LotSale{}, &LotOverdrawError{AssetID: assetID, LotID: lotID, Requested: shares, Held: lot.Shares}
	}
	lot.Shares -= shares
	return LotSale{
		LotID:     lot.LotID,
		AssetID:   assetID,
		Shares:    shares,
		CostBasis: lot.CostBasis,
		Age:       lot.Age,
		Price:     price,
		Gain:      (price - lot.CostBasis) * shares,
		LongTerm:  lot.Age >= longTermDays,
	}, nil
}

// GainLoss aggregates realized gains and losses by term.
type GainLoss struct {
	LongTermGain  float64
	LongTermLoss  float64 // stored positive
	ShortTermGain float64
	ShortTermLoss float64 // stored positive
}

// Add accumulates one lot sale.
func (g *GainLoss) Add(s LotSale) {
	switch {
	case s.LongTerm && s.Gain >= 0:
		g.LongTermGain += s.Gain
	case s.LongTerm:
		g.LongTermLoss -= s.Gain
	case s.Gain >= 0:
		g.ShortTermGain += s.Gain
	default:
		g.ShortTermLoss -= s.Gain
	}
}

// Net returns total gain minus total loss.
func (g GainLoss) Net() float64 {
	return g.LongTermGain + g.ShortTermGain - g.LongTermLoss - g.ShortTermLoss
}

// Aggregate sums lot sales into a GainLoss.
func Aggregate(sales []LotSale) GainLoss {
	var g GainLoss
	for _, s := range sales {
		g.Add(s)
	}
	return g
}
