package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TaskStatus string

// Status values are persisted and reported verbatim.
const (
	StatusPending          TaskStatus = "pending"
	StatusProcessing       TaskStatus = "processing"
	StatusSuccess          TaskStatus = "success"
	StatusFailed           TaskStatus = "failed"
	StatusSkippedGuardrail TaskStatus = "skipped_guardrail"
	StatusSkippedDuplicate TaskStatus = "skipped_duplicate"
	StatusRateLimited      TaskStatus = "rate_limited"
)

const (
	PriorityUrgent  = 1
	PriorityDefault = 5
	PriorityLow     = 10

	DefaultMaxRetries = 3
)

// IsTerminal reports whether no further transition is possible.
// Failed and rate-limited tasks may still be requeued.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusSkippedGuardrail, StatusSkippedDuplicate:
		return true
	default:
		return false
	}
}

var transitions = map[TaskStatus][]TaskStatus{
	StatusPending:     {StatusProcessing, StatusSkippedDuplicate},
	StatusProcessing:  {StatusSuccess, StatusFailed, StatusSkippedGuardrail, StatusSkippedDuplicate, StatusRateLimited},
	StatusFailed:      {StatusPending},
	StatusRateLimited: {StatusPending},
}

// CanTransition reports whether s -> to is allowed.
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TaskOptions carries per-enqueue knobs.
type TaskOptions struct {
	MarketPrices   []decimal.Decimal `json:"market_prices,omitempty"`
	CompetitorURLs []string          `json:"competitor_urls,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// TaskResult is the audit record attached to a task once it leaves processing.
type TaskResult struct {
	ExternalID      string             `json:"external_id,omitempty"`
	PublisherStatus string             `json:"publisher_status,omitempty"`
	StatusCode      int                `json:"status_code,omitempty"`
	Reason          string             `json:"reason,omitempty"`
	DuplicateOf     string             `json:"duplicate_of,omitempty"`
	Adaptations     []string           `json:"adaptations,omitempty"`
	Guardrail       *GuardrailAnalysis `json:"guardrail,omitempty"`
	NextSlot        *time.Time         `json:"next_slot,omitempty"`
}

// PublishTask is one product publication to one store.
type PublishTask struct {
	ID             string      `json:"task_id"`
	StoreID        string      `json:"store_id"`
	StoreType      StoreType   `json:"store_type"`
	Product        Product     `json:"product"`
	IdempotencyKey string      `json:"idempotency_key"`
	Status         TaskStatus  `json:"status"`
	Priority       int         `json:"priority"`
	CreatedAt      time.Time   `json:"created_at"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	RetryCount     int         `json:"retry_count"`
	MaxRetries     int         `json:"max_retries"`
	ErrorMessage   string      `json:"error_message,omitempty"`
	Result         *TaskResult `json:"result,omitempty"`
	Options        TaskOptions `json:"options"`
}

func NewPublishTask(store Store, product Product, priority int, opts TaskOptions, now time.Time) *PublishTask {
	return &PublishTask{
		ID:         uuid.NewString(),
		StoreID:    store.ID,
		StoreType:  store.Type,
		Product:    product,
		Status:     StatusPending,
		Priority:   ClampPriority(priority),
		CreatedAt:  now,
		MaxRetries: DefaultMaxRetries,
		Options:    opts,
	}
}

// ClampPriority maps a requested priority onto 1..10; zero means default.
func ClampPriority(p int) int {
	switch {
	case p == 0:
		return PriorityDefault
	case p < PriorityUrgent:
		return PriorityUrgent
	case p > PriorityLow:
		return PriorityLow
	default:
		return p
	}
}

// Transition moves the task to a new status, stamping timestamps.
func (t *PublishTask) Transition(to TaskStatus, now time.Time) error {
	if !t.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	t.Status = to
	switch to {
	case StatusProcessing:
		t.StartedAt = &now
		t.CompletedAt = nil
	case StatusPending:
		t.StartedAt = nil
		t.CompletedAt = nil
	default:
		t.CompletedAt = &now
	}
	return nil
}

// IsRetryable is true for failed tasks with retries left whose failure was
// not itself a throttling signal.
func (t *PublishTask) IsRetryable() bool {
	if t.Status != StatusFailed || t.RetryCount >= t.MaxRetries {
		return false
	}
	return !strings.Contains(strings.ToLower(t.ErrorMessage), "rate_limit")
}

// ProcessingTime is the time spent between start and completion.
func (t *PublishTask) ProcessingTime() time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt)
}

// Snapshot returns a copy safe to hand to readers while the owner keeps
// mutating the original.
func (t *PublishTask) Snapshot() PublishTask {
	c := *t
	if t.StartedAt != nil {
		s := *t.StartedAt
		c.StartedAt = &s
	}
	if t.CompletedAt != nil {
		s := *t.CompletedAt
		c.CompletedAt = &s
	}
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	return c
}
