package domain

import "time"

// IdempotencyRecord remembers that a product state was published to a store.
type IdempotencyRecord struct {
	Key              string            `json:"key"`
	StoreID          string            `json:"store_id"`
	PayloadSignature string            `json:"payload_signature"`
	SourceURL        string            `json:"source_url,omitempty"`
	ExternalID       string            `json:"external_id,omitempty"`
	TaskID           string            `json:"task_id,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	ExpiresAt        time.Time         `json:"expires_at"`
}

func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
