package ports

import (
	"time"

	"ecomsimply/internal/domain"
)

// Queue holds pending publish tasks until their store may receive them.
type Queue interface {
	Push(t *domain.PublishTask)
	// Next pops the most urgent dispatchable task, or nil.
	Next(now time.Time) *domain.PublishTask
	Requeue(t *domain.PublishTask, now time.Time) error
	Len() int
}

// Scheduler decides when a store may next receive a publication.
type Scheduler interface {
	CanPublishNow(storeID string, at time.Time) (bool, string)
	NextAvailableSlot(storeID string, at time.Time) time.Time
	RecordPublication(storeID string, at time.Time)
	MaxPerHour(storeID string) int
}
