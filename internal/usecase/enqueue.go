package usecase

import (
	"context"
	"fmt"

	"ecomsimply/internal/domain"
)

// Enqueue validates the product, fixes its idempotency key and either queues
// the task or, when the key was already published, parks it on the
// duplicate list where it costs no queue or rate-limit capacity.
func (o *Orchestrator) Enqueue(ctx context.Context, p domain.Product, storeID string, priority int, opts domain.TaskOptions) (string, error) {
	store, _, err := o.publishers.Get(storeID)
	if err != nil {
		return "", err
	}
	if err := p.Validate(); err != nil {
		return "", err
	}

	now := o.now()
	t := domain.NewPublishTask(store, p.Signed(), priority, opts, now)
	t.MaxRetries = o.maxRetries(storeID)
	t.IdempotencyKey = o.idem.GenerateKey(storeID, t.Product)

	rec, err := o.idem.Lookup(ctx, t.IdempotencyKey)
	if err != nil {
		// The dispatch-time re-check still protects against duplicates.
		o.logger.Warn().Err(err).Str("task_id", t.ID).Msg("idempotency lookup failed at enqueue")
	}

	o.mu.Lock()
	o.storeStatsLocked(storeID).Enqueued++
	o.totals.Enqueued++
	o.mu.Unlock()

	if rec != nil {
		if err := t.Transition(domain.StatusSkippedDuplicate, now); err != nil {
			return "", err
		}
		t.Result = duplicateResult(rec)
		o.mu.Lock()
		o.duplicates = append(o.duplicates, t)
		o.index[t.ID] = t.Snapshot()
		o.mu.Unlock()
		o.logger.Debug().Str("task_id", t.ID).Str("store_id", storeID).Str("duplicate_of", rec.TaskID).Msg("duplicate parked")
		return t.ID, nil
	}

	o.mu.Lock()
	o.index[t.ID] = t.Snapshot()
	o.mu.Unlock()
	o.queue.Push(t)
	o.metrics.SetQueueDepth(o.queue.Len())

	o.logger.Debug().
		Str("task_id", t.ID).
		Str("store_id", storeID).
		Int("priority", t.Priority).
		Str("idempotency_key", t.IdempotencyKey).
		Msg("task enqueued")
	return t.ID, nil
}

func duplicateResult(rec *domain.IdempotencyRecord) *domain.TaskResult {
	return &domain.TaskResult{
		ExternalID:  rec.ExternalID,
		DuplicateOf: rec.TaskID,
		Reason:      fmt.Sprintf("Produit déjà publié (clé %s)", rec.Key),
	}
}
