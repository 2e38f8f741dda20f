package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Price is an amount in a given ISO 4217 currency.
type Price struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency" validate:"required,len=3,uppercase"`
}

func (p Price) String() string {
	return p.Amount.StringFixed(2) + " " + p.Currency
}

type Image struct {
	URL string `json:"url" validate:"required,url,startswith=https://"`
	Alt string `json:"alt"`
}

// Product is the normalized listing sent to a storefront. A Product is
// treated as immutable for the duration of a publish attempt.
type Product struct {
	Title            string            `json:"title" validate:"required,max=255"`
	Description      string            `json:"description"`
	Price            Price             `json:"price"`
	Images           []Image           `json:"images" validate:"dive"`
	Attributes       map[string]string `json:"attributes,omitempty"`
	Tags             []string          `json:"tags,omitempty"`
	Stock            int               `json:"stock" validate:"gte=0"`
	SourceURL        string            `json:"source_url" validate:"omitempty,url"`
	PayloadSignature string            `json:"payload_signature"`
}

// Validate checks structural constraints. It does not judge listing quality.
func (p Product) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProduct, err)
	}
	if !p.Price.Amount.IsPositive() {
		return fmt.Errorf("%w: price must be positive", ErrInvalidProduct)
	}
	return nil
}

// ComputeSignature hashes the publishable content of the product. Map keys
// are emitted sorted by encoding/json so the result is stable.
func (p Product) ComputeSignature() string {
	content := struct {
		Title       string            `json:"t"`
		Description string            `json:"d"`
		Amount      string            `json:"a"`
		Currency    string            `json:"c"`
		Images      []Image           `json:"i"`
		Attributes  map[string]string `json:"at"`
		Tags        []string          `json:"tg"`
		Stock       int               `json:"s"`
	}{
		Title:       strings.TrimSpace(p.Title),
		Description: strings.TrimSpace(p.Description),
		Amount:      p.Price.Amount.String(),
		Currency:    p.Price.Currency,
		Images:      p.Images,
		Attributes:  p.Attributes,
		Tags:        p.Tags,
		Stock:       p.Stock,
	}
	b, _ := json.Marshal(content)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Signed returns a copy carrying a payload signature, computing it when absent.
func (p Product) Signed() Product {
	if p.PayloadSignature == "" {
		p.PayloadSignature = p.ComputeSignature()
	}
	return p
}

// Clone returns a deep copy so publishers can adapt a product without
// touching the caller's value.
func (p Product) Clone() Product {
	c := p
	if p.Images != nil {
		c.Images = append([]Image(nil), p.Images...)
	}
	if p.Attributes != nil {
		c.Attributes = make(map[string]string, len(p.Attributes))
		for k, v := range p.Attributes {
			c.Attributes[k] = v
		}
	}
	if p.Tags != nil {
		c.Tags = append([]string(nil), p.Tags...)
	}
	return c
}
