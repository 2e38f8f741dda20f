package domain

import "time"

// PublicationEvent is emitted whenever a task leaves the processing state.
type PublicationEvent struct {
	TaskID         string     `json:"task_id"`
	StoreID        string     `json:"store_id"`
	StoreType      StoreType  `json:"store_type"`
	Status         TaskStatus `json:"status"`
	ExternalID     string     `json:"external_id,omitempty"`
	IdempotencyKey string     `json:"idempotency_key"`
	Reason         string     `json:"reason,omitempty"`
	RetryCount     int        `json:"retry_count"`
	At             time.Time  `json:"at"`
}

// EventFor builds the event describing the task's current state.
func EventFor(t *PublishTask, at time.Time) PublicationEvent {
	ev := PublicationEvent{
		TaskID:         t.ID,
		StoreID:        t.StoreID,
		StoreType:      t.StoreType,
		Status:         t.Status,
		IdempotencyKey: t.IdempotencyKey,
		Reason:         t.ErrorMessage,
		RetryCount:     t.RetryCount,
		At:             at,
	}
	if t.Result != nil {
		ev.ExternalID = t.Result.ExternalID
		if ev.Reason == "" {
			ev.Reason = t.Result.Reason
		}
	}
	return ev
}
