package market

import (
	"context"
	"math/rand/v2"
	"sync"

	"ecomsimply/internal/domain"
	"ecomsimply/internal/ports"

	"github.com/shopspring/decimal"
)

const (
	DefaultSimulatedSamples = 5
	simulatedBand           = 0.15
)

// SimulatedSource fabricates comparables within ±15% of the product's own
// price. It stands in for a price feed and is always flagged Simulated.
type SimulatedSource struct {
	mu      sync.Mutex
	rng     *rand.Rand
	samples int
}

var _ ports.MarketPriceSource = (*SimulatedSource)(nil)

func NewSimulatedSource(seed uint64) *SimulatedSource {
	return &SimulatedSource{
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		samples: DefaultSimulatedSamples,
	}
}

func (s *SimulatedSource) Simulated() bool { return true }

func (s *SimulatedSource) MarketPrices(_ context.Context, p domain.Product, _ []string) ([]ports.MarketPrice, error) {
	if !p.Price.Amount.IsPositive() {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ports.MarketPrice, s.samples)
	for i := range out {
		f := 1 + (s.rng.Float64()*2-1)*simulatedBand
		out[i] = ports.MarketPrice{
			Amount: p.Price.Amount.Mul(decimal.NewFromFloat(f)).Round(2),
			Source: "simulated",
		}
	}
	return out, nil
}
