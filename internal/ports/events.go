package ports

import (
	"context"

	"ecomsimply/internal/domain"
)

type EventSink interface {
	Emit(ctx context.Context, ev domain.PublicationEvent) error
}

// MarketPriceSource supplies competitor prices for the price guardrail.
type MarketPriceSource interface {
	MarketPrices(ctx context.Context, product domain.Product, competitorURLs []string) ([]MarketPrice, error)
	// Simulated is true when prices are synthesized rather than observed.
	Simulated() bool
}

// DeadLetterSink receives tasks that failed for good.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, t domain.PublishTask, reason string) error
}
