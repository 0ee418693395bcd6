// Package portfolio provides weight bookkeeping and the tax-lot ledger.
package portfolio

// Portfolio is a named mapping from asset id to weight, optionally carrying
// tax lots when tax-aware. A Portfolio may represent an initial holding, a
// trade universe (weights ignored), a benchmark, or a composite's
// look-through constituents. The container itself places no constraint on the
// weight sum; balance is a constraint, not a data-model invariant.
type Portfolio struct {
	name    string
	weights map[string]float64
	order   []string
	lots    map[string][]*TaxLot
	nextLot int
}

// New creates an empty portfolio.
func New(name string) *Portfolio {
	return &Portfolio{
		name:    name,
		weights: make(map[string]float64),
		lots:    make(map[string][]*TaxLot),
	}
}

// Name returns the portfolio's identifier.
func (p *Portfolio) Name() string { return p.name }

// AddAsset adds an asset with the given weight, or overwrites the weight if
// the asset is already present. Ids stay unique; declaration order is kept
// for deterministic iteration.
func (p *Portfolio) AddAsset(id string, weight float64) {
	if _, ok := p.weights[id]; !ok {
		p.order = append(p.order, id)
	}
	p.weights[id] = weight
}

// Weight returns the weight of an asset (zero when absent).
func (p *Portfolio) Weight(id string) float64 { return p.weights[id] }

// Has reports whether the asset is part of the portfolio.
func (p *Portfolio) Has(id string) bool {
	_, ok := p.weights[id]
	return ok
}

// IDs returns asset ids in declaration order.
func (p *Portfolio) IDs() []string {
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// Weights returns a copy of the weight map.
func (p *Portfolio) Weights() map[string]float64 {
	out := make(map[string]float64, len(p.weights))
	for id, w := range p.weights {
		out[id] = w
	}
	return out
}

// Clone returns a deep copy, including tax lots.
func (p *Portfolio) Clone(name string) *Portfolio {
	c := New(name)
	for _, id := range p.order {
		c.AddAsset(id, p.weights[id])
	}
	for id, lots := range p.lots {
		for _, l := range lots {
			cp := *l
			c.lots[id] = append(c.lots[id], &cp)
		}
	}
	c.nextLot = p.nextLot
	return c
}
