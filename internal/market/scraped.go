// Package market supplies competitor prices to the price guardrail.
package market

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"ecomsimply/internal/domain"
	"ecomsimply/internal/fetch"
	"ecomsimply/internal/ports"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Fetcher is the subset of the fetch coordinator used here.
type Fetcher interface {
	Get(ctx context.Context, rawURL string) (*fetch.Response, error)
}

// amount accepts digit groups separated by space, no-break space, dot or
// comma, with an optional decimal part.
const amount = `([0-9]+(?:[ .,\x{00a0}][0-9]{3})*(?:[.,][0-9]+)?)`

// Patterns tried in order on each competitor page. Every amount must be
// closed by a quote or a JSON delimiter.
var pricePatterns = []*regexp.Regexp{
	regexp.MustCompile(`"price"\s*:\s*(?:"` + amount + `"|([0-9]+(?:\.[0-9]+)?)\s*[,}\]])`),
	regexp.MustCompile(`itemprop=["']price["'][^>]*content=["']` + amount + `["']`),
	regexp.MustCompile(`content=["']` + amount + `["'][^>]*itemprop=["']price["']`),
	regexp.MustCompile(`property=["']product:price:amount["'][^>]*content=["']` + amount + `["']`),
}

var errNoPrice = errors.New("no price found")

// ScrapedSource reads competitor pages through the fetch layer.
type ScrapedSource struct {
	fetcher Fetcher
	logger  zerolog.Logger
}

var _ ports.MarketPriceSource = (*ScrapedSource)(nil)

func NewScrapedSource(f Fetcher) *ScrapedSource {
	return &ScrapedSource{
		fetcher: f,
		logger:  log.Logger.With().Str("component", "market").Logger(),
	}
}

func (s *ScrapedSource) Simulated() bool { return false }

// MarketPrices skips URLs that fail or carry no recognisable price. It only
// returns an error when every URL failed.
func (s *ScrapedSource) MarketPrices(ctx context.Context, _ domain.Product, urls []string) ([]ports.MarketPrice, error) {
	var (
		out     []ports.MarketPrice
		lastErr error
	)
	for _, u := range urls {
		price, err := s.scrape(ctx, u)
		if err != nil {
			lastErr = err
			s.logger.Warn().Err(err).Str("url", u).Msg("competitor price skipped")
			continue
		}
		out = append(out, ports.MarketPrice{Amount: price, Source: u})
	}
	if len(out) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

func (s *ScrapedSource) scrape(ctx context.Context, u string) (decimal.Decimal, error) {
	resp, err := s.fetcher.Get(ctx, u)
	if err != nil {
		return decimal.Zero, err
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("%s: status %d", u, resp.StatusCode)
	}
	return ExtractPrice(resp.Body)
}

// ExtractPrice finds the first positive price in an HTML or JSON-LD body.
func ExtractPrice(body []byte) (decimal.Decimal, error) {
	for _, re := range pricePatterns {
		for _, m := range re.FindAllSubmatch(body, -1) {
			for _, g := range m[1:] {
				if len(g) == 0 {
					continue
				}
				d, err := ParseAmount(string(g))
				if err == nil && d.IsPositive() {
					return d, nil
				}
			}
		}
	}
	return decimal.Zero, errNoPrice
}

// ParseAmount reads a localized amount. Spaces always group digits. Of dot
// and comma, the one written last is the decimal point unless it repeats,
// as in 1.299.000.
func ParseAmount(raw string) (decimal.Decimal, error) {
	s := strings.NewReplacer(" ", "", "\u00a0", "").Replace(raw)
	if last := strings.LastIndexAny(s, ".,"); last >= 0 {
		sep := s[last : last+1]
		if strings.Count(s, sep) > 1 {
			s = strings.ReplaceAll(s, sep, "")
		} else {
			s = stripSeparators(s[:last]) + "." + s[last+1:]
		}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	return d, nil
}

func stripSeparators(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '.' || r == ',' {
			return -1
		}
		return r
	}, s)
}
