package domain

import "errors"

var (
	ErrUnknownStore         = errors.New("domain: unknown store")
	ErrInvalidStoreType     = errors.New("domain: invalid store type")
	ErrInvalidProduct       = errors.New("domain: invalid product")
	ErrInvalidTransition    = errors.New("domain: invalid task status transition")
	ErrTaskNotFound         = errors.New("domain: task not found")
	ErrProductNotFound      = errors.New("domain: product not found")
	ErrRateLimited          = errors.New("domain: rate limited")
	ErrPublisherUnavailable = errors.New("domain: publisher unavailable")
	ErrQueueClosed          = errors.New("domain: queue closed")
)
