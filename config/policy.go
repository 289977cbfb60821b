package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/shopspring/decimal"
	"github.com/titanous/json5"

	"dealledger/dedupe"
	"dealledger/ledger"
)

// Policy holds the static matching and warning thresholds.
type Policy struct {
	SimilarityThreshold float64        `json:"similarity_threshold"`
	Weights             dedupe.Weights `json:"weights"`
	PriceFullWithin     float64        `json:"price_full_within"`
	PriceOuterBound     float64        `json:"price_outer_bound"`
	FinancialFullWithin float64        `json:"financial_full_within"`
	FinancialOuterBound float64        `json:"financial_outer_bound"`

	PriceRevenueMin float64 `json:"price_revenue_min"`
	PriceRevenueMax float64 `json:"price_revenue_max"`
	StaleDays       int     `json:"stale_days"`

	// FXRates maps an ISO currency code to the USD value of one unit.
	FXRates map[string]float64 `json:"fx_rates"`
}

// DefaultPolicy mirrors the built-in ledger defaults.
func DefaultPolicy() Policy {
	sim := dedupe.DefaultOptions()
	opts := ledger.DefaultOptions()
	return Policy{
		SimilarityThreshold: sim.Threshold,
		Weights:             sim.Weights,
		PriceFullWithin:     sim.PriceFullWithin,
		PriceOuterBound:     sim.PriceOuterBound,
		FinancialFullWithin: sim.FinancialFullWithin,
		FinancialOuterBound: sim.FinancialOuterBound,
		PriceRevenueMin:     opts.PriceRevenueMin,
		PriceRevenueMax:     opts.PriceRevenueMax,
		StaleDays:           int(opts.StaleAfter / (24 * time.Hour)),
		FXRates: map[string]float64{
			"EUR": 1.08,
			"GBP": 1.27,
			"CAD": 0.74,
			"AUD": 0.66,
		},
	}
}

// LoadPolicy merges, in increasing priority, the defaults, name and its .local sibling
// (ledger.json5 then ledger.local.json5). Missing files are skipped.
func LoadPolicy(name string) (Policy, error) {
	out := DefaultPolicy()

	for _, path := range []string{name, localName(name)} {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return Policy{}, fmt.Errorf("config: read policy %s: %w", path, err)
		}
		var override Policy
		if err := json5.Unmarshal(data, &override); err != nil {
			return Policy{}, fmt.Errorf("config: parse policy %s: %w", path, err)
		}
		if err := mergo.Merge(&out, override, mergo.WithOverride); err != nil {
			return Policy{}, fmt.Errorf("config: merge policy %s: %w", path, err)
		}
		slog.Debug("policy merged", "path", path)
	}

	if err := out.Validate(); err != nil {
		return Policy{}, err
	}
	return out, nil
}

func localName(name string) string {
	dir, base := filepath.Split(name)
	ext := filepath.Ext(base)
	return filepath.Join(dir, strings.TrimSuffix(base, ext)+".local"+ext)
}

// Validate rejects policies the scorer and warnings cannot work with.
func (p Policy) Validate() error {
	switch {
	case p.SimilarityThreshold <= 0 || p.SimilarityThreshold > 1:
		return fmt.Errorf("config: similarity_threshold %v outside (0, 1]", p.SimilarityThreshold)
	case p.Weights.Title < 0 || p.Weights.Location < 0 || p.Weights.Price < 0 || p.Weights.Financial < 0:
		return errors.New("config: similarity weights must not be negative")
	case p.Weights.Title+p.Weights.Location+p.Weights.Price+p.Weights.Financial == 0:
		return errors.New("config: similarity weights are all zero")
	case p.PriceFullWithin >= p.PriceOuterBound:
		return errors.New("config: price_full_within must be below price_outer_bound")
	case p.FinancialFullWithin >= p.FinancialOuterBound:
		return errors.New("config: financial_full_within must be below financial_outer_bound")
	case p.PriceRevenueMin <= 0 || p.PriceRevenueMin >= p.PriceRevenueMax:
		return fmt.Errorf("config: invalid price/revenue band [%v, %v]", p.PriceRevenueMin, p.PriceRevenueMax)
	case p.StaleDays <= 0:
		return errors.New("config: stale_days must be positive")
	}
	for code, rate := range p.FXRates {
		if rate <= 0 {
			return fmt.Errorf("config: fx rate for %s must be positive", code)
		}
	}
	return nil
}

func (p Policy) similarity() dedupe.Options {
	return dedupe.Options{
		Threshold:           p.SimilarityThreshold,
		Weights:             p.Weights,
		PriceFullWithin:     p.PriceFullWithin,
		PriceOuterBound:     p.PriceOuterBound,
		FinancialFullWithin: p.FinancialFullWithin,
		FinancialOuterBound: p.FinancialOuterBound,
	}
}

func (p Policy) ledgerOptions() ledger.Options {
	return ledger.Options{
		Similarity:      p.similarity(),
		PriceRevenueMin: p.PriceRevenueMin,
		PriceRevenueMax: p.PriceRevenueMax,
		StaleAfter:      time.Duration(p.StaleDays) * 24 * time.Hour,
	}
}

func (p Policy) rates() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(p.FXRates))
	for code, rate := range p.FXRates {
		out[strings.ToUpper(code)] = decimal.NewFromFloat(rate)
	}
	return out
}
