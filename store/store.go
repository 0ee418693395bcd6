// Package store provides the entity store owning assets, portfolios and risk
// models, and resolving identifiers for every other component.
package store

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/aristath/portopt/portfolio"
	"github.com/aristath/portopt/riskmodel"
)

// Store owns the session's entities. It is shared, read-mostly data: callers
// must not mutate it concurrently with an in-flight solve that reads it.
type Store struct {
	assets     map[string]*Asset
	assetOrder []string
	portfolios map[string]*portfolio.Portfolio
	models     map[string]*riskmodel.Model
	log        zerolog.Logger
}

// New creates an empty entity store.
func New(log zerolog.Logger) *Store {
	return &Store{
		assets:     make(map[string]*Asset),
		portfolios: make(map[string]*portfolio.Portfolio),
		models:     make(map[string]*riskmodel.Model),
		log:        log.With().Str("component", "store").Logger(),
	}
}

// CreateAsset registers an asset, returning the existing record when the id
// is already known. Entities are created once and mutated additively; there
// are no deletion semantics.
func (s *Store) CreateAsset(id string, class AssetClass) *Asset {
	if a, ok := s.assets[id]; ok {
		return a
	}
	a := &Asset{ID: id, Class: class}
	s.assets[id] = a
	s.assetOrder = append(s.assetOrder, id)
	return a
}

// Asset resolves an asset id.
func (s *Store) Asset(id string) (*Asset, error) {
	a, ok := s.assets[id]
	if !ok {
		return nil, fmt.Errorf("asset %q not found", id)
	}
	return a, nil
}

// HasAsset reports whether an asset id is known.
func (s *Store) HasAsset(id string) bool {
	_, ok := s.assets[id]
	return ok
}

// AssetIDs returns all asset ids in declaration order.
func (s *Store) AssetIDs() []string {
	out := make([]string, len(s.assetOrder))
	copy(out, s.assetOrder)
	return out
}

// CreatePortfolio registers an empty portfolio under a name, returning the
// existing one when the name is already taken.
func (s *Store) CreatePortfolio(name string) *portfolio.Portfolio {
	if p, ok := s.portfolios[name]; ok {
		return p
	}
	p := portfolio.New(name)
	s.portfolios[name] = p
	return p
}

// Portfolio resolves a portfolio by name.
func (s *Store) Portfolio(name string) (*portfolio.Portfolio, error) {
	p, ok := s.portfolios[name]
	if !ok {
		return nil, fmt.Errorf("portfolio %q not found", name)
	}
	return p, nil
}

// PortfolioNames returns registered portfolio names, sorted.
func (s *Store) PortfolioNames() []string {
	out := make([]string, 0, len(s.portfolios))
	for name := range s.portfolios {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CreateRiskModel registers an empty risk model under a name.
func (s *Store) CreateRiskModel(name string) *riskmodel.Model {
	if m, ok := s.models[name]; ok {
		return m
	}
	m := riskmodel.New(name, s.log)
	s.models[name] = m
	return m
}

// RiskModel resolves a risk model by name.
func (s *Store) RiskModel(name string) (*riskmodel.Model, error) {
	m, ok := s.models[name]
	if !ok {
		return nil, fmt.Errorf("risk model %q not found", name)
	}
	return m, nil
}

// RiskModelNames returns registered risk model names, sorted.
func (s *Store) RiskModelNames() []string {
	out := make([]string, 0, len(s.models))
	for name := range s.models {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// GroupIndex is the typed form of the assets' dynamic group attributes:
// group name -> category -> member asset ids in declaration order. It is
// built once per Case assembly rather than looked up ad hoc.
type GroupIndex map[string]map[string][]string

// BuildGroupIndex scans every asset's group attributes into an index.
func (s *Store) BuildGroupIndex() GroupIndex {
	idx := make(GroupIndex)
	for _, id := range s.assetOrder {
		a := s.assets[id]
		for group, category := range a.groups {
			byCat, ok := idx[group]
			if !ok {
				byCat = make(map[string][]string)
				idx[group] = byCat
			}
			byCat[category] = append(byCat[category], id)
		}
	}
	return idx
}

// Members returns the asset ids tagged with a category under a group.
func (g GroupIndex) Members(group, category string) []string {
	return g[group][category]
}

// IssuerIndex maps issuer ids to their assets in declaration order.
func (s *Store) IssuerIndex() map[string][]string {
	idx := make(map[string][]string)
	for _, id := range s.assetOrder {
		if a := s.assets[id]; a.Issuer != "" {
			idx[a.Issuer] = append(idx[a.Issuer], id)
		}
	}
	return idx
}

// Issuers returns issuer ids in first-seen order.
func (s *Store) Issuers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range s.assetOrder {
		a := s.assets[id]
		if a.Issuer != "" && !seen[a.Issuer] {
			seen[a.Issuer] = true
			out = append(out, a.Issuer)
		}
	}
	return out
}
