package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStatus_Transitions(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	task := NewPublishTask(Store{ID: "shop-1", Type: StoreShopify}, sampleProduct(), 0, TaskOptions{}, now)

	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, PriorityDefault, task.Priority)

	require.NoError(t, task.Transition(StatusProcessing, now))
	require.NotNil(t, task.StartedAt)
	require.NoError(t, task.Transition(StatusSuccess, now.Add(time.Second)))
	assert.Equal(t, time.Second, task.ProcessingTime())

	t.Run("terminal states never go back", func(t *testing.T) {
		for _, s := range []TaskStatus{StatusSuccess, StatusSkippedGuardrail, StatusSkippedDuplicate} {
			assert.True(t, s.IsTerminal())
			for _, to := range []TaskStatus{StatusPending, StatusProcessing, StatusFailed} {
				assert.False(t, s.CanTransition(to), "%s -> %s", s, to)
			}
		}
		assert.ErrorIs(t, task.Transition(StatusPending, now), ErrInvalidTransition)
	})

	t.Run("failed and rate limited can be requeued", func(t *testing.T) {
		assert.True(t, StatusFailed.CanTransition(StatusPending))
		assert.True(t, StatusRateLimited.CanTransition(StatusPending))
		assert.False(t, StatusFailed.CanTransition(StatusSuccess))
	})
}

func TestPublishTask_IsRetryable(t *testing.T) {
	base := func() *PublishTask {
		task := NewPublishTask(Store{ID: "s", Type: StoreShopify}, sampleProduct(), 3, TaskOptions{}, time.Now())
		task.Status = StatusFailed
		task.ErrorMessage = "platform timeout"
		return task
	}

	assert.True(t, base().IsRetryable())

	exhausted := base()
	exhausted.RetryCount = 3
	assert.False(t, exhausted.IsRetryable())

	throttled := base()
	throttled.ErrorMessage = "HTTP 429: rate_limit exceeded"
	assert.False(t, throttled.IsRetryable())

	ok := base()
	ok.Status = StatusSuccess
	assert.False(t, ok.IsRetryable())
}

func TestClampPriority(t *testing.T) {
	assert.Equal(t, PriorityDefault, ClampPriority(0))
	assert.Equal(t, PriorityUrgent, ClampPriority(-4))
	assert.Equal(t, PriorityLow, ClampPriority(42))
	assert.Equal(t, 3, ClampPriority(3))
}
