package utility

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// ShortfallTerm penalizes expected shortfall: the mean loss of the worst
// (1 - Confidence) fraction of scenario portfolio returns. Scenarios is a
// scenario-by-asset return matrix with columns ordered by AssetIDs.
type ShortfallTerm struct {
	Multiplier float64
	Confidence float64
	Scenarios  [][]float64
	AssetIDs   []string
}

// Validate checks the matrix shape and the confidence level.
func (t *ShortfallTerm) Validate() error {
	if t.Confidence <= 0 || t.Confidence >= 1 {
		return fmt.Errorf("shortfall confidence %v outside (0, 1)", t.Confidence)
	}
	if len(t.Scenarios) == 0 {
		return fmt.Errorf("shortfall term has no scenarios")
	}
	for i, row := range t.Scenarios {
		if len(row) != len(t.AssetIDs) {
			return fmt.Errorf("scenario %d has %d returns for %d assets", i, len(row), len(t.AssetIDs))
		}
	}
	if t.TailCount() == 0 {
		return fmt.Errorf("confidence %v leaves an empty tail over %d scenarios", t.Confidence, len(t.Scenarios))
	}
	return nil
}

// TailCount is the number of scenarios in the averaged tail.
func (t *ShortfallTerm) TailCount() int {
	return int(float64(len(t.Scenarios)) * (1 - t.Confidence))
}

// Returns evaluates the portfolio return under every scenario.
func (t *ShortfallTerm) Returns(weights map[string]float64) []float64 {
	w := make([]float64, len(t.AssetIDs))
	for i, id := range t.AssetIDs {
		w[i] = weights[id]
	}
	out := make([]float64, len(t.Scenarios))
	for i, row := range t.Scenarios {
		out[i] = floats.Dot(row, w)
	}
	return out
}

// Shortfall evaluates the expected shortfall of the portfolio as a positive
// loss number. Zero tail scenarios is guarded by Validate.
func (t *ShortfallTerm) Shortfall(weights map[string]float64) float64 {
	returns := t.Returns(weights)
	sort.Float64s(returns)

	k := t.TailCount()
	if k > len(returns) {
		k = len(returns)
	}
	var sum float64
	for _, r := range returns[:k] {
		sum += r
	}
	return -sum / float64(k)
}

// Gradient returns the shortfall subgradient with respect to the asset
// weights, averaging the negated scenario rows that fall in the tail.
func (t *ShortfallTerm) Gradient(weights map[string]float64) map[string]float64 {
	returns := t.Returns(weights)

	idx := make([]int, len(returns))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return returns[idx[a]] < returns[idx[b]] })

	k := t.TailCount()
	if k > len(idx) {
		k = len(idx)
	}
	grad := make(map[string]float64, len(t.AssetIDs))
	for _, si := range idx[:k] {
		row := t.Scenarios[si]
		for j, id := range t.AssetIDs {
			grad[id] -= row[j] / float64(k)
		}
	}
	return grad
}
