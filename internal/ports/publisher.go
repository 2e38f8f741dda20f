package ports

import (
	"context"

	"ecomsimply/internal/domain"
)

// PublishResult is the typed outcome of a platform call. A non-nil error
// from a Publisher means the call could not be made or understood; a
// result with Success=false means the platform rejected it.
type PublishResult struct {
	Success     bool     `json:"success"`
	ExternalID  string   `json:"external_id,omitempty"`
	StatusCode  int      `json:"status_code"`
	Status      string   `json:"status"`
	Error       string   `json:"error,omitempty"`
	Adaptations []string `json:"adaptations,omitempty"`
}

// Publisher is a storefront client.
type Publisher interface {
	StoreType() domain.StoreType
	Publish(ctx context.Context, product domain.Product, idempotencyKey string) (PublishResult, error)
	Update(ctx context.Context, externalID string, product domain.Product) (PublishResult, error)
	Delete(ctx context.Context, externalID string) error
	HealthCheck(ctx context.Context) error
}
