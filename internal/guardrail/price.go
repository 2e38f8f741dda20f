package guardrail

import (
	"fmt"
	"sort"

	"ecomsimply/internal/domain"

	"github.com/shopspring/decimal"
)

const DefaultPriceVarianceThreshold = 0.20

var hundred = decimal.NewFromInt(100)

// PriceGuardrail rejects prices that stray too far from the market median.
type PriceGuardrail struct {
	threshold decimal.Decimal
}

func NewPriceGuardrail(threshold float64) *PriceGuardrail {
	if threshold <= 0 {
		threshold = DefaultPriceVarianceThreshold
	}
	return &PriceGuardrail{threshold: decimal.NewFromFloat(threshold)}
}

func (g *PriceGuardrail) Threshold() decimal.Decimal { return g.threshold }

// Validate passes when |price - median| / median <= threshold. Fewer than
// two comparables pass with a warning.
func (g *PriceGuardrail) Validate(p domain.Product, market []decimal.Decimal, simulated bool) domain.PriceAnalysis {
	a := domain.PriceAnalysis{
		Price:     p.Price.Amount,
		Threshold: g.threshold,
		Samples:   len(market),
		Simulated: simulated,
	}
	if len(market) < 2 {
		a.Passed = true
		a.Warning = fmt.Sprintf("Données de marché insuffisantes (%d point(s)), contrôle de prix ignoré", len(market))
		return a
	}

	med := Median(market)
	a.MarketMedian = med
	if !med.IsPositive() {
		a.Passed = true
		a.Warning = "Médiane de marché nulle, contrôle de prix ignoré"
		return a
	}

	a.Deviation = p.Price.Amount.Sub(med).Abs().Div(med)
	a.Passed = a.Deviation.LessThanOrEqual(g.threshold)
	if simulated {
		a.Warning = "Comparaison basée sur des prix de marché simulés"
	}
	return a
}

// Reason renders a failed analysis for operators.
func (g *PriceGuardrail) Reason(a domain.PriceAnalysis) string {
	return fmt.Sprintf("Prix hors marché: %s vs médiane %s (écart %s%%, seuil %s%%)",
		a.Price.StringFixed(2),
		a.MarketMedian.StringFixed(2),
		a.Deviation.Mul(hundred).StringFixed(1),
		a.Threshold.Mul(hundred).StringFixed(1),
	)
}

// Median of a non-empty slice; the mean of the two middle values when even.
func Median(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	s := append([]decimal.Decimal(nil), values...)
	sort.Slice(s, func(i, j int) bool { return s[i].LessThan(s[j]) })
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return s[mid-1].Add(s[mid]).Div(decimal.NewFromInt(2))
}
