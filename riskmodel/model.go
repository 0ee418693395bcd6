// Package riskmodel provides multi-factor risk model data and risk evaluation
// primitives used throughout portfolio construction.
package riskmodel

import (
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
)

// PSDTolerance is the eigenvalue slack allowed before a factor covariance
// matrix is rejected as not positive semi-definite.
const PSDTolerance = 1e-9

// pair keys the specific covariance map; the two ids are stored sorted.
type pair struct{ a, b string }

func makePair(a, b string) pair {
	if a > b {
		a, b = b, a
	}
	return pair{a, b}
}

// Model holds a factor covariance matrix, per-asset factor exposures and
// specific variances, optional specific covariances between linked assets,
// and optional named factor blocks.
type Model struct {
	name    string
	factors []string
	fidx    map[string]int
	cov     map[pair]float64

	exposures map[string]map[string]float64 // asset -> factor -> exposure
	specVar   map[string]float64
	specCov   map[pair]float64
	blocks    map[string][]string

	log zerolog.Logger
}

// New creates an empty risk model.
func New(name string, log zerolog.Logger) *Model {
	return &Model{
		name:      name,
		fidx:      make(map[string]int),
		cov:       make(map[pair]float64),
		exposures: make(map[string]map[string]float64),
		specVar:   make(map[string]float64),
		specCov:   make(map[pair]float64),
		blocks:    make(map[string][]string),
		log:       log.With().Str("component", "risk_model").Str("model", name).Logger(),
	}
}

// Name returns the model's identifier.
func (m *Model) Name() string { return m.name }

// Factors returns factor names in declaration order.
func (m *Model) Factors() []string {
	out := make([]string, len(m.factors))
	copy(out, m.factors)
	return out
}

func (m *Model) registerFactor(f string) {
	if _, ok := m.fidx[f]; !ok {
		m.fidx[f] = len(m.factors)
		m.factors = append(m.factors, f)
	}
}

// SetFactorCovariance sets one element of the factor covariance matrix.
// Callers provide the lower triangle; the matrix is mirrored and checked for
// consistency by Validate.
func (m *Model) SetFactorCovariance(f1, f2 string, value float64) {
	m.registerFactor(f1)
	m.registerFactor(f2)
	m.cov[makePair(f1, f2)] = value
}

// FactorCovariance returns one element of the factor covariance matrix.
func (m *Model) FactorCovariance(f1, f2 string) float64 {
	return m.cov[makePair(f1, f2)]
}

// SetFactorExposure sets one asset's exposure to one factor.
func (m *Model) SetFactorExposure(assetID, factor string, value float64) {
	m.registerFactor(factor)
	row, ok := m.exposures[assetID]
	if !ok {
		row = make(map[string]float64)
		m.exposures[assetID] = row
	}
	row[factor] = value
}

// SetFactorExposures sets all of one asset's factor exposures at once.
func (m *Model) SetFactorExposures(assetID string, exposures map[string]float64) {
	for f, v := range exposures {
		m.SetFactorExposure(assetID, f, v)
	}
}

// FactorExposure returns one asset's exposure to one factor (zero when unset).
func (m *Model) FactorExposure(assetID, factor string) float64 {
	return m.exposures[assetID][factor]
}

// SetSpecificRisk sets one asset's specific variance.
func (m *Model) SetSpecificRisk(assetID string, variance float64) {
	m.specVar[assetID] = variance
}

// SpecificRisk returns one asset's specific variance.
func (m *Model) SpecificRisk(assetID string) float64 { return m.specVar[assetID] }

// SetSpecificCovariance sets the specific covariance between two linked assets.
// Setting an asset against itself is equivalent to SetSpecificRisk.
func (m *Model) SetSpecificCovariance(id1, id2 string, value float64) {
	if id1 == id2 {
		m.specVar[id1] = value
		return
	}
	m.specCov[makePair(id1, id2)] = value
}

// SpecificCovariance returns the specific covariance between two assets.
func (m *Model) SpecificCovariance(id1, id2 string) float64 {
	if id1 == id2 {
		return m.specVar[id1]
	}
	return m.specCov[makePair(id1, id2)]
}

// AddFactorBlock groups a set of factors under a name, used by factor-subset
// risk constraints.
func (m *Model) AddFactorBlock(name string, factors []string) {
	fs := make([]string, len(factors))
	copy(fs, factors)
	m.blocks[name] = fs
}

// FactorBlock returns the factors grouped under name.
func (m *Model) FactorBlock(name string) ([]string, bool) {
	fs, ok := m.blocks[name]
	return fs, ok
}

// FactorBlocks returns a copy of every named factor block.
func (m *Model) FactorBlocks() map[string][]string {
	out := make(map[string][]string, len(m.blocks))
	for name, fs := range m.blocks {
		cp := make([]string, len(fs))
		copy(cp, fs)
		out[name] = cp
	}
	return out
}

// covMatrix materializes the factor covariance matrix.
func (m *Model) covMatrix() *mat.SymDense {
	n := len(m.factors)
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			sym.SetSym(i, j, m.cov[makePair(m.factors[i], m.factors[j])])
		}
	}
	return sym
}

// Validate checks the factor covariance matrix is positive semi-definite and
// specific variances are non-negative. Violations make the risk term
// non-convex, so assembly refuses to proceed on error.
func (m *Model) Validate() error {
	if len(m.factors) > 0 {
		var eig mat.EigenSym
		if !eig.Factorize(m.covMatrix(), false) {
			return fmt.Errorf("risk model %s: factor covariance eigendecomposition failed", m.name)
		}
		vals := eig.Values(nil)
		min := vals[0]
		for _, v := range vals {
			if v < min {
				min = v
			}
		}
		if min < -PSDTolerance {
			return fmt.Errorf("risk model %s: factor covariance is not positive semi-definite (min eigenvalue %g)", m.name, min)
		}
	}
	ids := make([]string, 0, len(m.specVar))
	for id := range m.specVar {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if m.specVar[id] < 0 {
			return fmt.Errorf("risk model %s: negative specific variance for asset %s", m.name, id)
		}
	}
	return nil
}

// PortfolioExposure returns the weighted exposure of a portfolio to a factor.
func (m *Model) PortfolioExposure(weights map[string]float64, factor string) float64 {
	var total float64
	for id, w := range weights {
		total += w * m.exposures[id][factor]
	}
	return total
}

// CommonVariance returns the common-factor variance of a set of weights.
func (m *Model) CommonVariance(weights map[string]float64) float64 {
	// e = X'w, variance = e'Fe
	exp := make([]float64, len(m.factors))
	for id, w := range weights {
		if w == 0 {
			continue
		}
		for f, x := range m.exposures[id] {
			exp[m.fidx[f]] += w * x
		}
	}
	var total float64
	for i, ei := range exp {
		if ei == 0 {
			continue
		}
		for j, ej := range exp {
			if ej == 0 {
				continue
			}
			total += ei * ej * m.cov[makePair(m.factors[i], m.factors[j])]
		}
	}
	return total
}

// SpecificVariance returns the specific variance of a set of weights,
// including cross terms for linked assets.
func (m *Model) SpecificVariance(weights map[string]float64) float64 {
	var total float64
	for id, w := range weights {
		total += w * w * m.specVar[id]
	}
	for p, cov := range m.specCov {
		total += 2 * weights[p.a] * weights[p.b] * cov
	}
	return total
}

// Variance returns the total variance of a set of weights.
func (m *Model) Variance(weights map[string]float64) float64 {
	return m.CommonVariance(weights) + m.SpecificVariance(weights)
}

// Risk returns total risk (standard deviation) of a set of weights.
func (m *Model) Risk(weights map[string]float64) float64 {
	return math.Sqrt(math.Max(m.Variance(weights), 0))
}

// ActiveWeights subtracts benchmark weights from portfolio weights.
func ActiveWeights(weights, benchmark map[string]float64) map[string]float64 {
	active := make(map[string]float64, len(weights)+len(benchmark))
	for id, w := range weights {
		active[id] = w
	}
	for id, b := range benchmark {
		active[id] -= b
	}
	return active
}

// ActiveVariance returns the variance of portfolio weights relative to a
// benchmark (tracking variance).
func (m *Model) ActiveVariance(weights, benchmark map[string]float64) float64 {
	return m.Variance(ActiveWeights(weights, benchmark))
}

// Covariance returns the model covariance between two weight vectors.
func (m *Model) Covariance(w1, w2 map[string]float64) float64 {
	// cov(a,b) = (var(a+b) - var(a) - var(b)) / 2
	sum := make(map[string]float64, len(w1)+len(w2))
	for id, w := range w1 {
		sum[id] += w
	}
	for id, w := range w2 {
		sum[id] += w
	}
	return (m.Variance(sum) - m.Variance(w1) - m.Variance(w2)) / 2
}

// Beta returns the beta of a portfolio against a benchmark. Zero benchmark
// variance yields zero beta.
func (m *Model) Beta(weights, benchmark map[string]float64) float64 {
	bv := m.Variance(benchmark)
	if bv <= 0 {
		return 0
	}
	return m.Covariance(weights, benchmark) / bv
}

// AssetBeta returns a single asset's beta against a benchmark.
func (m *Model) AssetBeta(assetID string, benchmark map[string]float64) float64 {
	return m.Beta(map[string]float64{assetID: 1}, benchmark)
}

// MarginalRisk returns each asset's marginal contribution to total risk,
// d sigma / d w_i, evaluated at the given weights. A zero-risk portfolio
// returns all zeros.
func (m *Model) MarginalRisk(weights map[string]float64, ids []string) []float64 {
	out := make([]float64, len(ids))
	sigma := m.Risk(weights)
	if sigma <= 0 {
		return out
	}
	for i, id := range ids {
		// (Sigma w)_i = cov(e_i, w)
		out[i] = m.Covariance(map[string]float64{id: 1}, weights) / sigma
	}
	return out
}

// SubsetVariance returns the variance of the sub-portfolio restricted to the
// given asset ids (nil means all), optionally restricted to a factor subset.
// With a factor subset only the common variance over those factors is counted.
func (m *Model) SubsetVariance(weights map[string]float64, assetIDs []string, factors []string) float64 {
	sub := weights
	if assetIDs != nil {
		sub = make(map[string]float64, len(assetIDs))
		for _, id := range assetIDs {
			if w, ok := weights[id]; ok {
				sub[id] = w
			}
		}
	}
	if factors == nil {
		return m.Variance(sub)
	}
	keep := make(map[string]bool, len(factors))
	for _, f := range factors {
		keep[f] = true
	}
	exp := make([]float64, len(m.factors))
	for id, w := range sub {
		for f, x := range m.exposures[id] {
			if keep[f] {
				exp[m.fidx[f]] += w * x
			}
		}
	}
	var total float64
	for i, ei := range exp {
		for j, ej := range exp {
			if ei != 0 && ej != 0 {
				total += ei * ej * m.cov[makePair(m.factors[i], m.factors[j])]
			}
		}
	}
	return total
}
