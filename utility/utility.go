// Package utility composes the scalar objective maximized by a solve: risk
// aversion terms, alpha, transaction and holding costs, tax loss benefit,
// expected shortfall and extra covariance cross-terms, each with its own
// multiplier. A zero multiplier disables a term without removing it.
package utility

import (
	"fmt"
)

// DefaultRiskAversion is the risk aversion applied to both the common-factor
// and specific parts when none is given.
const DefaultRiskAversion = 0.0075

// RiskTerm is one risk-aversion term. An empty Benchmark means total risk;
// naming a benchmark switches the term to active risk against it.
type RiskTerm struct {
	LambdaCommon   float64
	LambdaSpecific float64
	Benchmark      string
	Model          string // secondary terms name their model; empty means the case's primary
}

// CovarianceTerm adds lambda * w_a'C w_b between two named portfolios'
// implied weights, used for overlay and completion-fund objectives.
type CovarianceTerm struct {
	Lambda     float64
	PortfolioA string
	PortfolioB string
}

// LossBenefit rewards realized tax losses up to a target amount.
type LossBenefit struct {
	Multiplier float64
	Target     float64 // dollars of realized loss past which no further benefit accrues
}

// Utility is the term collection for one (account, period) slice.
type Utility struct {
	primary   *RiskTerm
	secondary []*RiskTerm

	alphaMultiplier   float64
	costMultiplier    float64
	holdingMultiplier float64
	penaltyMultiplier float64

	lossBenefit *LossBenefit
	shortfall   *ShortfallTerm
	covariances []*CovarianceTerm
}

// New returns a utility with the alpha, cost and penalty terms enabled at
// unit weight and no risk term. Callers almost always follow with
// SetPrimaryRiskTerm.
func New() *Utility {
	return &Utility{
		alphaMultiplier:   1,
		costMultiplier:    1,
		holdingMultiplier: 1,
		penaltyMultiplier: 1,
	}
}

// SetPrimaryRiskTerm sets the risk aversion term on the case's primary model.
// Pass an empty benchmark for total risk.
func (u *Utility) SetPrimaryRiskTerm(benchmark string, lambdaCommon, lambdaSpecific float64) *Utility {
	u.primary = &RiskTerm{
		LambdaCommon:   lambdaCommon,
		LambdaSpecific: lambdaSpecific,
		Benchmark:      benchmark,
	}
	return u
}

// SetDefaultPrimaryRiskTerm applies DefaultRiskAversion to both parts.
func (u *Utility) SetDefaultPrimaryRiskTerm(benchmark string) *Utility {
	return u.SetPrimaryRiskTerm(benchmark, DefaultRiskAversion, DefaultRiskAversion)
}

// AddSecondaryRiskTerm adds a risk aversion term on a secondary model.
func (u *Utility) AddSecondaryRiskTerm(model, benchmark string, lambdaCommon, lambdaSpecific float64) *Utility {
	u.secondary = append(u.secondary, &RiskTerm{
		LambdaCommon:   lambdaCommon,
		LambdaSpecific: lambdaSpecific,
		Benchmark:      benchmark,
		Model:          model,
	})
	return u
}

// PrimaryRiskTerm returns the primary term, nil when unset.
func (u *Utility) PrimaryRiskTerm() *RiskTerm { return u.primary }

// SecondaryRiskTerms returns the secondary terms in registration order.
func (u *Utility) SecondaryRiskTerms() []*RiskTerm { return u.secondary }

// SetAlphaTerm scales the expected-return term.
func (u *Utility) SetAlphaTerm(multiplier float64) *Utility {
	u.alphaMultiplier = multiplier
	return u
}

// AlphaTerm returns the alpha multiplier.
func (u *Utility) AlphaTerm() float64 { return u.alphaMultiplier }

// SetCostTerm scales the transaction cost term.
func (u *Utility) SetCostTerm(multiplier float64) *Utility {
	u.costMultiplier = multiplier
	return u
}

// CostTerm returns the transaction cost multiplier.
func (u *Utility) CostTerm() float64 { return u.costMultiplier }

// SetHoldingCostTerm scales the fixed holding cost term.
func (u *Utility) SetHoldingCostTerm(multiplier float64) *Utility {
	u.holdingMultiplier = multiplier
	return u
}

// HoldingCostTerm returns the holding cost multiplier.
func (u *Utility) HoldingCostTerm() float64 { return u.holdingMultiplier }

// SetPenaltyTerm scales the disutility of penalty constraints.
func (u *Utility) SetPenaltyTerm(multiplier float64) *Utility {
	u.penaltyMultiplier = multiplier
	return u
}

// PenaltyTerm returns the penalty multiplier.
func (u *Utility) PenaltyTerm() float64 { return u.penaltyMultiplier }

// SetLossBenefitTerm rewards realized tax losses up to target dollars.
func (u *Utility) SetLossBenefitTerm(multiplier, target float64) *Utility {
	u.lossBenefit = &LossBenefit{Multiplier: multiplier, Target: target}
	return u
}

// LossBenefitTerm returns the loss benefit term, nil when unset.
func (u *Utility) LossBenefitTerm() *LossBenefit { return u.lossBenefit }

// SetShortfallTerm penalizes expected shortfall computed over a scenario
// return matrix at the given confidence level.
func (u *Utility) SetShortfallTerm(multiplier, confidence float64, scenarios [][]float64, assetIDs []string) *Utility {
	u.shortfall = &ShortfallTerm{
		Multiplier: multiplier,
		Confidence: confidence,
		Scenarios:  scenarios,
		AssetIDs:   assetIDs,
	}
	return u
}

// Shortfall returns the expected shortfall term, nil when unset.
func (u *Utility) Shortfall() *ShortfallTerm { return u.shortfall }

// AddCovarianceTerm adds a cross-covariance term between two portfolios.
func (u *Utility) AddCovarianceTerm(lambda float64, portfolioA, portfolioB string) *Utility {
	u.covariances = append(u.covariances, &CovarianceTerm{
		Lambda:     lambda,
		PortfolioA: portfolioA,
		PortfolioB: portfolioB,
	})
	return u
}

// CovarianceTerms returns the cross-covariance terms in registration order.
func (u *Utility) CovarianceTerms() []*CovarianceTerm { return u.covariances }

// DegenerateObjectiveError is returned at assembly when the composed
// objective is unbounded above.
type DegenerateObjectiveError struct {
	Reason string
}

func (e *DegenerateObjectiveError) Error() string {
	return fmt.Sprintf("degenerate objective: %s", e.Reason)
}

// Validate rejects compositions that degenerate to an unbounded objective: a
// nonzero return-seeking term with no positive risk aversion anywhere has no
// finite maximizer.
func (u *Utility) Validate() error {
	for _, t := range append([]*RiskTerm{u.primary}, u.secondary...) {
		if t == nil {
			continue
		}
		if t.LambdaCommon < 0 || t.LambdaSpecific < 0 {
			return &DegenerateObjectiveError{Reason: "negative risk aversion"}
		}
	}
	if u.alphaMultiplier == 0 {
		return nil
	}
	if u.primary != nil && (u.primary.LambdaCommon > 0 || u.primary.LambdaSpecific > 0) {
		return nil
	}
	for _, t := range u.secondary {
		if t.LambdaCommon > 0 || t.LambdaSpecific > 0 {
			return nil
		}
	}
	for _, cv := range u.covariances {
		// An empty portfolio name denotes the slice's decision weights.
		// Only a term quadratic in them bounds the objective; against one
		// or two fixed portfolios the term is linear or constant in x.
		if cv.Lambda > 0 && cv.PortfolioA == "" && cv.PortfolioB == "" {
			return nil
		}
	}
	return &DegenerateObjectiveError{
		Reason: "alpha term with zero risk aversion in every risk term",
	}
}
