package guardrail

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"ecomsimply/internal/domain"
	"ecomsimply/internal/ports"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decs(ss ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, len(ss))
	for i, s := range ss {
		out[i] = dec(s)
	}
	return out
}

func goodProduct(amount string) domain.Product {
	return domain.Product{
		Title: "Chaise scandinave en chêne massif",
		Description: strings.Repeat("Une chaise scandinave en chêne massif, solide et élégante. ", 3) +
			"Parfaite pour la salle à manger.",
		Price: domain.Price{Amount: dec(amount), Currency: "EUR"},
		Images: []domain.Image{
			{URL: "https://cdn.example/1.jpg"},
			{URL: "https://cdn.example/2.jpg"},
			{URL: "https://cdn.example/3.jpg"},
		},
		Attributes: map[string]string{"matière": "chêne", "couleur": "naturel", "largeur": "45cm", "hauteur": "80cm", "poids": "4kg"},
		Tags:       []string{"chaise", "scandinave", "chêne"},
	}
}

func poorProduct() domain.Product {
	return domain.Product{Title: "X", Price: domain.Price{Amount: dec("100"), Currency: "EUR"}}
}

func TestPriceGuardrail_Boundary(t *testing.T) {
	g := NewPriceGuardrail(0.20)
	market := decs("100", "100", "100")

	tests := []struct {
		price string
		pass  bool
	}{
		{"120", true},
		{"80", true},
		{"120.01", false},
		{"79.99", false},
		{"100", true},
	}
	for _, tt := range tests {
		t.Run(tt.price, func(t *testing.T) {
			a := g.Validate(goodProduct(tt.price), market, false)
			assert.Equal(t, tt.pass, a.Passed, "deviation %s", a.Deviation)
		})
	}
}

func TestPriceGuardrail_InsufficientData(t *testing.T) {
	g := NewPriceGuardrail(0.20)
	a := g.Validate(goodProduct("1000"), decs("100"), false)
	assert.True(t, a.Passed)
	assert.NotEmpty(t, a.Warning)
	assert.Equal(t, 1, a.Samples)
}

func TestMedian(t *testing.T) {
	assert.True(t, Median(decs("3", "1", "2")).Equal(dec("2")))
	assert.True(t, Median(decs("4", "1", "3", "2")).Equal(dec("2.5")))
	assert.True(t, Median(nil).IsZero())
}

func TestQualityGuardrail(t *testing.T) {
	g := NewQualityGuardrail(0.6)

	good := g.Validate(goodProduct("50"))
	assert.True(t, good.Passed)
	assert.InDelta(t, 1.0, good.Confidence, 0.001)
	assert.Empty(t, good.Issues)

	poor := g.Validate(poorProduct())
	assert.False(t, poor.Passed)
	assert.InDelta(t, 0.31, poor.Confidence, 0.001)
	assert.Contains(t, poor.Issues, "aucune image")
}

func TestWeightsSumToOne(t *testing.T) {
	sum := Weights.Title + Weights.Description + Weights.Price + Weights.Images + Weights.Attributes + Weights.SEO
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func newTask(p domain.Product, opts domain.TaskOptions) *domain.PublishTask {
	return domain.NewPublishTask(domain.Store{ID: "shopify", Type: domain.StoreShopify}, p, 5, opts, time.Now())
}

func TestEngine_PriceBlock(t *testing.T) {
	e := NewEngine(Config{PriceVarianceThreshold: 0.2, MinConfidence: 0.6})
	task := newTask(goodProduct("1000"), domain.TaskOptions{MarketPrices: decs("95", "100", "105")})

	ok, reason, a := e.ValidatePublication(context.Background(), task)
	assert.False(t, ok)
	assert.Contains(t, reason, "Prix")
	assert.Equal(t, domain.BlockPrice, a.Block)
	assert.True(t, a.Price.Deviation.Equal(dec("9")))
	assert.Equal(t, int64(1), e.Stats().BlockedPrice)
}

func TestEngine_BlockKinds(t *testing.T) {
	e := NewEngine(Config{})
	market := domain.TaskOptions{MarketPrices: decs("100", "100")}

	ok, _, a := e.ValidatePublication(context.Background(), newTask(goodProduct("100"), market))
	assert.True(t, ok)
	assert.Equal(t, domain.BlockNone, a.Block)

	_, _, a = e.ValidatePublication(context.Background(), newTask(poorProduct(), market))
	assert.Equal(t, domain.BlockQuality, a.Block)

	bad := poorProduct()
	bad.Price.Amount = dec("500")
	_, reason, a := e.ValidatePublication(context.Background(), newTask(bad, market))
	assert.Equal(t, domain.BlockBoth, a.Block)
	assert.Contains(t, reason, "Prix")
	assert.Contains(t, reason, "Qualité")

	assert.Equal(t, Stats{Validations: 3, Passed: 1, BlockedQuality: 1, BlockedBoth: 1}, e.Stats())
}

type stubSource struct {
	prices    []string
	err       error
	simulated bool
	calls     int
}

func (s *stubSource) MarketPrices(context.Context, domain.Product, []string) ([]ports.MarketPrice, error) {
	s.calls++
	out := make([]ports.MarketPrice, 0, len(s.prices))
	for _, p := range s.prices {
		out = append(out, ports.MarketPrice{Amount: dec(p), Source: "stub"})
	}
	return out, s.err
}

func (s *stubSource) Simulated() bool { return s.simulated }

func TestEngine_MarketResolution(t *testing.T) {
	scraped := &stubSource{prices: []string{"100", "110"}}
	sim := &stubSource{prices: []string{"200", "200"}, simulated: true}
	e := NewEngine(Config{}, WithMarketSource(scraped), WithSimulatedMarket(sim))

	// caller-supplied prices win
	_, _, a := e.ValidatePublication(context.Background(),
		newTask(goodProduct("100"), domain.TaskOptions{MarketPrices: decs("100", "100"), CompetitorURLs: []string{"https://c"}}))
	assert.Equal(t, 0, scraped.calls)
	assert.False(t, a.Price.Simulated)

	// competitor URLs next
	_, _, a = e.ValidatePublication(context.Background(),
		newTask(goodProduct("100"), domain.TaskOptions{CompetitorURLs: []string{"https://c"}}))
	assert.Equal(t, 1, scraped.calls)
	assert.True(t, a.Price.MarketMedian.Equal(dec("105")))
	assert.False(t, a.Price.Simulated)

	// simulated fallback is flagged
	_, _, a = e.ValidatePublication(context.Background(), newTask(goodProduct("100"), domain.TaskOptions{}))
	assert.Equal(t, 1, sim.calls)
	assert.True(t, a.Price.Simulated)
	assert.False(t, a.Price.Passed)
}

func TestEngine_NoMarketDataPassesWithWarning(t *testing.T) {
	failing := &stubSource{err: errors.New("boom")}
	e := NewEngine(Config{}, WithMarketSource(failing))

	ok, _, a := e.ValidatePublication(context.Background(),
		newTask(goodProduct("100"), domain.TaskOptions{CompetitorURLs: []string{"https://c"}}))
	require.True(t, ok)
	assert.NotEmpty(t, a.Price.Warning)
	assert.False(t, a.Price.Simulated)
}
