// Package guardrail decides whether a publication may go out based on how
// its price compares with the market and how complete its data is.
package guardrail

import (
	"context"
	"sync"

	"ecomsimply/internal/domain"
	"ecomsimply/internal/metrics"
	"ecomsimply/internal/ports"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

type Config struct {
	PriceVarianceThreshold float64
	MinConfidence          float64
}

type Stats struct {
	Validations    int64 `json:"validations"`
	Passed         int64 `json:"passed"`
	BlockedPrice   int64 `json:"blocked_price"`
	BlockedQuality int64 `json:"blocked_quality"`
	BlockedBoth    int64 `json:"blocked_both"`
}

type Engine struct {
	price   *PriceGuardrail
	quality *QualityGuardrail

	// market resolves competitor URLs; simulated is the explicit fallback
	// used only when configured.
	market    ports.MarketPriceSource
	simulated ports.MarketPriceSource

	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	stats Stats
}

type Option func(*Engine)

func WithMarketSource(src ports.MarketPriceSource) Option {
	return func(e *Engine) { e.market = src }
}

// WithSimulatedMarket enables synthetic comparables when no real data is
// available. Analyses built from them are flagged Simulated.
func WithSimulatedMarket(src ports.MarketPriceSource) Option {
	return func(e *Engine) { e.simulated = src }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func NewEngine(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		price:   NewPriceGuardrail(cfg.PriceVarianceThreshold),
		quality: NewQualityGuardrail(cfg.MinConfidence),
		logger:  log.Logger.With().Str("component", "guardrail").Logger(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ValidatePublication requires both the price and the quality checks to pass.
func (e *Engine) ValidatePublication(ctx context.Context, t *domain.PublishTask) (bool, string, domain.GuardrailAnalysis) {
	prices, simulated := e.marketPrices(ctx, t)
	pa := e.price.Validate(t.Product, prices, simulated)
	qa := e.quality.Validate(t.Product)

	a := domain.GuardrailAnalysis{Price: pa, Quality: qa}
	switch {
	case pa.Passed && qa.Passed:
		a.CanPublish = true
		a.Reason = "Contrôles prix et qualité validés"
	case !pa.Passed && !qa.Passed:
		a.Block = domain.BlockBoth
		a.Reason = e.price.Reason(pa) + " | " + e.quality.Reason(qa)
	case !pa.Passed:
		a.Block = domain.BlockPrice
		a.Reason = e.price.Reason(pa)
	default:
		a.Block = domain.BlockQuality
		a.Reason = e.quality.Reason(qa)
	}

	e.mu.Lock()
	e.stats.Validations++
	switch a.Block {
	case domain.BlockNone:
		e.stats.Passed++
	case domain.BlockPrice:
		e.stats.BlockedPrice++
	case domain.BlockQuality:
		e.stats.BlockedQuality++
	case domain.BlockBoth:
		e.stats.BlockedBoth++
	}
	e.mu.Unlock()

	if !a.CanPublish {
		e.metrics.GuardrailBlock(string(a.Block))
		e.logger.Info().
			Str("task_id", t.ID).
			Str("store_id", t.StoreID).
			Str("block", string(a.Block)).
			Str("reason", a.Reason).
			Msg("publication blocked")
	}
	return a.CanPublish, a.Reason, a
}

// marketPrices prefers caller-supplied prices, then scraped competitors,
// then the simulated source if one is configured.
func (e *Engine) marketPrices(ctx context.Context, t *domain.PublishTask) ([]decimal.Decimal, bool) {
	if len(t.Options.MarketPrices) > 0 {
		return t.Options.MarketPrices, false
	}
	if e.market != nil && len(t.Options.CompetitorURLs) > 0 {
		mp, err := e.market.MarketPrices(ctx, t.Product, t.Options.CompetitorURLs)
		if err != nil {
			e.logger.Warn().Err(err).Str("task_id", t.ID).Msg("competitor prices unavailable")
		}
		if len(mp) > 0 {
			return amounts(mp), e.market.Simulated()
		}
	}
	if e.simulated != nil {
		mp, err := e.simulated.MarketPrices(ctx, t.Product, nil)
		if err == nil && len(mp) > 0 {
			return amounts(mp), true
		}
	}
	return nil, false
}

func amounts(mp []ports.MarketPrice) []decimal.Decimal {
	out := make([]decimal.Decimal, len(mp))
	for i, p := range mp {
		out[i] = p.Amount
	}
	return out
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}
