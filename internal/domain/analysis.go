package domain

import "github.com/shopspring/decimal"

// PriceAnalysis is the outcome of comparing a price against market comparables.
type PriceAnalysis struct {
	Passed       bool            `json:"passed"`
	Price        decimal.Decimal `json:"price"`
	MarketMedian decimal.Decimal `json:"market_median"`
	Deviation    decimal.Decimal `json:"deviation"`
	Threshold    decimal.Decimal `json:"threshold"`
	Samples      int             `json:"samples"`
	Simulated    bool            `json:"simulated"`
	Warning      string          `json:"warning,omitempty"`
}

// QualityScores holds the per-dimension sub-scores, each in [0,1].
type QualityScores struct {
	Title       float64 `json:"title"`
	Description float64 `json:"description"`
	Price       float64 `json:"price"`
	Images      float64 `json:"images"`
	Attributes  float64 `json:"attributes"`
	SEO         float64 `json:"seo"`
}

type QualityAnalysis struct {
	Passed        bool          `json:"passed"`
	Confidence    float64       `json:"confidence"`
	MinConfidence float64       `json:"min_confidence"`
	Scores        QualityScores `json:"scores"`
	Issues        []string      `json:"issues,omitempty"`
}

// BlockKind classifies why a guardrail stopped a publication.
type BlockKind string

const (
	BlockNone    BlockKind = ""
	BlockPrice   BlockKind = "price"
	BlockQuality BlockKind = "quality"
	BlockBoth    BlockKind = "both"
)

type GuardrailAnalysis struct {
	CanPublish bool            `json:"can_publish"`
	Block      BlockKind       `json:"block,omitempty"`
	Reason     string          `json:"reason"`
	Price      PriceAnalysis   `json:"price"`
	Quality    QualityAnalysis `json:"quality"`
}
