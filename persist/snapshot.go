package persist

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/portopt/assembly"
	"github.com/aristath/portopt/riskmodel"
	"github.com/aristath/portopt/store"
)

// snapshot is the msgpack payload of one Save. Pair entries replace maps
// with non-string keys, which msgpack cannot encode.
type snapshot struct {
	Assets     []assetRecord
	Portfolios []portfolioRecord
	Models     []modelRecord
	Case       *caseRecord
}

type assetRecord struct {
	ID            string
	Class         int
	Price         float64
	RoundLotSize  int
	Alpha         float64
	Issuer        string
	BuyCosts      []costSegmentRecord
	SellCosts     []costSegmentRecord
	Nonlinear     *nonlinearCostRecord
	FixedBuyCost  float64
	FixedSellCost float64
	UpHoldCost    float64
	DownHoldCost  float64
	Groups        map[string]string
}

type costSegmentRecord struct {
	Slope      float64
	Breakpoint float64
}

type nonlinearCostRecord struct {
	C float64
	P float64
	Q float64
}

type portfolioRecord struct {
	Name   string
	IDs    []string // declaration order
	Weight []float64
	Lots   []lotRecord
}

type lotRecord struct {
	AssetID   string
	Age       int
	CostBasis float64
	Shares    float64
}

type modelRecord struct {
	Name      string
	Factors   []string
	Cov       []pairEntry
	Exposures map[string]map[string]float64 // asset -> factor -> exposure
	SpecVar   map[string]float64
	SpecCov   []pairEntry
	Blocks    map[string][]string
}

type pairEntry struct {
	A     string
	B     string
	Value float64
}

// Save snapshots the store, and optionally a case built over it, under a
// name. Saving an existing name overwrites it.
func (a *Archive) Save(name string, st *store.Store, c *assembly.Case) error {
	snap := snapshot{}

	for _, id := range st.AssetIDs() {
		asset, err := st.Asset(id)
		if err != nil {
			return err
		}
		snap.Assets = append(snap.Assets, captureAsset(asset))
	}

	for _, pname := range st.PortfolioNames() {
		p, err := st.Portfolio(pname)
		if err != nil {
			return err
		}
		rec := portfolioRecord{Name: pname, IDs: p.IDs()}
		for _, id := range rec.IDs {
			rec.Weight = append(rec.Weight, p.Weight(id))
		}
		for _, id := range st.AssetIDs() {
			for _, lot := range p.TaxLots(id) {
				rec.Lots = append(rec.Lots, lotRecord{
					AssetID:   id,
					Age:       lot.Age,
					CostBasis: lot.CostBasis,
					Shares:    lot.Shares,
				})
			}
		}
		snap.Portfolios = append(snap.Portfolios, rec)
	}

	for _, mname := range st.RiskModelNames() {
		m, err := st.RiskModel(mname)
		if err != nil {
			return err
		}
		snap.Models = append(snap.Models, captureModel(m, st.AssetIDs()))
	}

	if c != nil {
		snap.Case = captureCase(c)
	}

	payload, err := msgpack.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot %s: %w", name, err)
	}
	if err := a.writePayload(name, payload); err != nil {
		return err
	}
	a.log.Info().Str("snapshot", name).Int("bytes", len(payload)).Msg("snapshot saved")
	return nil
}

// Load restores a snapshot into a fresh store and, when the snapshot carried
// one, a fresh case over it.
func (a *Archive) Load(name string, log zerolog.Logger) (*store.Store, *assembly.Case, error) {
	payload, err := a.readPayload(name)
	if err != nil {
		return nil, nil, err
	}
	var snap snapshot
	if err := msgpack.Unmarshal(payload, &snap); err != nil {
		return nil, nil, fmt.Errorf("failed to decode snapshot %s: %w", name, err)
	}

	st := store.New(log)
	for _, rec := range snap.Assets {
		restoreAsset(st, rec)
	}
	for _, rec := range snap.Portfolios {
		p := st.CreatePortfolio(rec.Name)
		for i, id := range rec.IDs {
			p.AddAsset(id, rec.Weight[i])
		}
		for _, lot := range rec.Lots {
			p.AddTaxLot(lot.AssetID, lot.Age, lot.CostBasis, lot.Shares)
		}
	}
	for _, rec := range snap.Models {
		restoreModel(st.CreateRiskModel(rec.Name), rec)
	}

	var c *assembly.Case
	if snap.Case != nil {
		c, err = restoreCase(snap.Case, st, log)
		if err != nil {
			return nil, nil, err
		}
	}
	return st, c, nil
}

func captureAsset(asset *store.Asset) assetRecord {
	rec := assetRecord{
		ID:            asset.ID,
		Class:         int(asset.Class),
		Price:         asset.Price,
		RoundLotSize:  asset.RoundLotSize,
		Alpha:         asset.Alpha,
		Issuer:        asset.Issuer,
		FixedBuyCost:  asset.FixedBuyCost,
		FixedSellCost: asset.FixedSellCost,
		UpHoldCost:    asset.UpSideHoldingCost,
		DownHoldCost:  asset.DownSideHoldingCost,
		Groups:        asset.GroupAttributes(),
	}
	for _, s := range asset.BuyCosts {
		rec.BuyCosts = append(rec.BuyCosts, costSegmentRecord{Slope: s.Slope, Breakpoint: s.Breakpoint})
	}
	for _, s := range asset.SellCosts {
		rec.SellCosts = append(rec.SellCosts, costSegmentRecord{Slope: s.Slope, Breakpoint: s.Breakpoint})
	}
	if asset.Nonlinear != nil {
		rec.Nonlinear = &nonlinearCostRecord{C: asset.Nonlinear.C, P: asset.Nonlinear.P, Q: asset.Nonlinear.Q}
	}
	return rec
}

func restoreAsset(st *store.Store, rec assetRecord) {
	asset := st.CreateAsset(rec.ID, store.AssetClass(rec.Class))
	asset.Price = rec.Price
	asset.RoundLotSize = rec.RoundLotSize
	asset.Alpha = rec.Alpha
	asset.Issuer = rec.Issuer
	asset.FixedBuyCost = rec.FixedBuyCost
	asset.FixedSellCost = rec.FixedSellCost
	asset.UpSideHoldingCost = rec.UpHoldCost
	asset.DownSideHoldingCost = rec.DownHoldCost
	for _, s := range rec.BuyCosts {
		asset.BuyCosts = append(asset.BuyCosts, store.CostSegment{Slope: s.Slope, Breakpoint: s.Breakpoint})
	}
	for _, s := range rec.SellCosts {
		asset.SellCosts = append(asset.SellCosts, store.CostSegment{Slope: s.Slope, Breakpoint: s.Breakpoint})
	}
	if rec.Nonlinear != nil {
		asset.Nonlinear = &store.NonlinearCost{C: rec.Nonlinear.C, P: rec.Nonlinear.P, Q: rec.Nonlinear.Q}
	}
	for g, cat := range rec.Groups {
		asset.SetGroupAttribute(g, cat)
	}
}

func captureModel(m *riskmodel.Model, assetIDs []string) modelRecord {
	rec := modelRecord{
		Name:      m.Name(),
		Factors:   m.Factors(),
		Exposures: make(map[string]map[string]float64),
		SpecVar:   make(map[string]float64),
		Blocks:    m.FactorBlocks(),
	}
	for i, f1 := range rec.Factors {
		for _, f2 := range rec.Factors[i:] {
			if v := m.FactorCovariance(f1, f2); v != 0 {
				rec.Cov = append(rec.Cov, pairEntry{A: f1, B: f2, Value: v})
			}
		}
	}
	for _, id := range assetIDs {
		row := make(map[string]float64)
		for _, f := range rec.Factors {
			if v := m.FactorExposure(id, f); v != 0 {
				row[f] = v
			}
		}
		if len(row) > 0 {
			rec.Exposures[id] = row
		}
		if v := m.SpecificRisk(id); v != 0 {
			rec.SpecVar[id] = v
		}
	}
	for i, id1 := range assetIDs {
		for _, id2 := range assetIDs[i+1:] {
			if v := m.SpecificCovariance(id1, id2); v != 0 {
				rec.SpecCov = append(rec.SpecCov, pairEntry{A: id1, B: id2, Value: v})
			}
		}
	}
	return rec
}

func restoreModel(m *riskmodel.Model, rec modelRecord) {
	for _, e := range rec.Cov {
		m.SetFactorCovariance(e.A, e.B, e.Value)
	}
	for id, row := range rec.Exposures {
		m.SetFactorExposures(id, row)
	}
	for id, v := range rec.SpecVar {
		m.SetSpecificRisk(id, v)
	}
	for _, e := range rec.SpecCov {
		m.SetSpecificCovariance(e.A, e.B, e.Value)
	}
	for name, fs := range rec.Blocks {
		m.AddFactorBlock(name, fs)
	}
}
