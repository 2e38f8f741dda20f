package ports

import "github.com/shopspring/decimal"

// MarketPrice is one competitor observation.
type MarketPrice struct {
	Amount decimal.Decimal `json:"amount"`
	Source string          `json:"source"`
}
