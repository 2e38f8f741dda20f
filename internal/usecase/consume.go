package usecase

import (
	"context"
	"fmt"
	"time"

	"ecomsimply/internal/domain"
	"ecomsimply/internal/idempotency"
)

const concurrentPublishReason = "Publication identique en cours"

// WorkOnce processes at most one task and returns a copy of it in the state
// it settled in, or nil when nothing was dispatchable. Parked duplicates go
// first, then the queue.
func (o *Orchestrator) WorkOnce(ctx context.Context) (*domain.PublishTask, error) {
	if t := o.popDuplicate(); t != nil {
		o.track(ctx, t, false)
		snap := t.Snapshot()
		return &snap, nil
	}

	t := o.queue.Next(o.now())
	if t == nil {
		return nil, nil
	}
	return o.process(ctx, t)
}

func (o *Orchestrator) popDuplicate() *domain.PublishTask {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.duplicates) == 0 {
		return nil
	}
	t := o.duplicates[0]
	o.duplicates[0] = nil
	o.duplicates = o.duplicates[1:]
	return t
}

// process owns t until it settles. A panic anywhere below marks the task
// failed instead of taking the worker down.
func (o *Orchestrator) process(ctx context.Context, t *domain.PublishTask) (out *domain.PublishTask, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing task %s: %v", t.ID, r)
			o.logger.Error().Str("task_id", t.ID).Interface("panic", r).Msg("task processing panicked")
			t.ErrorMessage = err.Error()
			if t.Status == domain.StatusProcessing {
				_ = t.Transition(domain.StatusFailed, o.now())
			}
			o.track(ctx, t, false)
			snap := t.Snapshot()
			out = &snap
		}
	}()

	if ok, reason, analysis := o.guard.ValidatePublication(ctx, t); !ok {
		t.Result = &domain.TaskResult{Reason: reason, Guardrail: &analysis}
		return o.settle(ctx, t, domain.StatusSkippedGuardrail)
	}

	if !o.idem.Claim(t.IdempotencyKey, t.ID) {
		t.Result = &domain.TaskResult{Reason: concurrentPublishReason}
		return o.postpone(ctx, t, time.Time{})
	}
	defer o.idem.Release(t.IdempotencyKey)

	// Another worker may have published the same key since enqueue. Holding
	// the claim, the answer cannot change before dispatch.
	rec, err := o.idem.Lookup(ctx, t.IdempotencyKey)
	if err != nil {
		t.ErrorMessage = err.Error()
		return o.fail(ctx, t)
	}
	if rec != nil {
		t.Result = duplicateResult(rec)
		return o.settle(ctx, t, domain.StatusSkippedDuplicate)
	}

	now := o.now()
	if ok, reason := o.sched.CanPublishNow(t.StoreID, now); !ok {
		slot := o.sched.NextAvailableSlot(t.StoreID, now)
		t.Result = &domain.TaskResult{Reason: reason}
		return o.postpone(ctx, t, slot)
	}

	return o.dispatch(ctx, t)
}

func (o *Orchestrator) dispatch(ctx context.Context, t *domain.PublishTask) (*domain.PublishTask, error) {
	_, pub, err := o.publishers.Get(t.StoreID)
	if err != nil {
		t.ErrorMessage = err.Error()
		return o.fail(ctx, t)
	}

	res, err := pub.Publish(ctx, t.Product, t.IdempotencyKey)
	if err != nil {
		t.ErrorMessage = err.Error()
		return o.fail(ctx, t)
	}
	t.Result = &domain.TaskResult{
		ExternalID:      res.ExternalID,
		PublisherStatus: res.Status,
		StatusCode:      res.StatusCode,
		Adaptations:     res.Adaptations,
	}
	if !res.Success {
		t.ErrorMessage = res.Error
		if t.ErrorMessage == "" {
			t.ErrorMessage = fmt.Sprintf("publisher rejected the product (status %d)", res.StatusCode)
		}
		return o.fail(ctx, t)
	}

	now := o.now()
	t.ErrorMessage = ""
	if err := o.idem.Store(ctx, t.IdempotencyKey, t.StoreID, t.Product, idempotency.Meta{
		ExternalID: res.ExternalID,
		TaskID:     t.ID,
		Extra:      t.Options.Metadata,
	}); err != nil {
		// The publication happened; losing the key only weakens dedup.
		o.logger.Error().Err(err).Str("task_id", t.ID).Msg("idempotency key not stored")
	}
	o.sched.RecordPublication(t.StoreID, now)
	return o.settle(ctx, t, domain.StatusSuccess)
}

// settle moves t into a final state and records it.
func (o *Orchestrator) settle(ctx context.Context, t *domain.PublishTask, to domain.TaskStatus) (*domain.PublishTask, error) {
	if err := t.Transition(to, o.now()); err != nil {
		return nil, err
	}
	o.track(ctx, t, false)
	snap := t.Snapshot()
	return &snap, nil
}

// fail marks t failed, requeueing it while retries remain. Exhausted tasks
// go to the dead-letter sink.
func (o *Orchestrator) fail(ctx context.Context, t *domain.PublishTask) (*domain.PublishTask, error) {
	now := o.now()
	if err := t.Transition(domain.StatusFailed, now); err != nil {
		return nil, err
	}
	if t.IsRetryable() {
		t.RetryCount++
		o.track(ctx, t, true)
		snap := t.Snapshot()
		if err := o.queue.Requeue(t, now); err != nil {
			return nil, err
		}
		return &snap, nil
	}

	o.track(ctx, t, false)
	snap := t.Snapshot()
	if err := o.deadLetters.DeadLetter(ctx, snap, t.ErrorMessage); err != nil {
		o.logger.Warn().Err(err).Str("task_id", t.ID).Msg("dead letter not written")
	}
	return &snap, nil
}

// postpone marks t rate limited and puts it back in the queue.
func (o *Orchestrator) postpone(ctx context.Context, t *domain.PublishTask, slot time.Time) (*domain.PublishTask, error) {
	now := o.now()
	if !slot.IsZero() && t.Result != nil {
		t.Result.NextSlot = &slot
	}
	if err := t.Transition(domain.StatusRateLimited, now); err != nil {
		return nil, err
	}
	o.track(ctx, t, true)
	snap := t.Snapshot()
	if err := o.queue.Requeue(t, now); err != nil {
		return nil, err
	}
	return &snap, nil
}
