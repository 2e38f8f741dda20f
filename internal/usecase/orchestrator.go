// Package usecase holds the publication orchestrator: it accepts publish
// requests, runs each task through the idempotency, guardrail and schedule
// checks and dispatches it to the store's publisher.
package usecase

import (
	"context"
	"sync"
	"time"

	"ecomsimply/internal/domain"
	"ecomsimply/internal/guardrail"
	"ecomsimply/internal/idempotency"
	"ecomsimply/internal/metrics"
	"ecomsimply/internal/ports"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultHistoryLimit = 1000

// Publishers resolves a store to its client.
type Publishers interface {
	Get(storeID string) (domain.Store, ports.Publisher, error)
	Stores() []domain.Store
	HealthCheck(ctx context.Context) map[string]string
}

type Config struct {
	MaxRetries      int
	StoreMaxRetries map[string]int
	HistoryLimit    int
}

type Deps struct {
	Queue       ports.Queue
	Scheduler   ports.Scheduler
	Publishers  Publishers
	Idempotency *idempotency.Manager
	Guardrail   *guardrail.Engine
	Events      ports.EventSink
	DeadLetters ports.DeadLetterSink
	Metrics     *metrics.Metrics
	Logger      *zerolog.Logger
	Clock       func() time.Time
}

type StoreStats struct {
	Enqueued         int64 `json:"enqueued"`
	Successful       int64 `json:"successful"`
	Failed           int64 `json:"failed"`
	Skipped          int64 `json:"skipped"`
	Duplicates       int64 `json:"duplicates"`
	GuardrailBlocked int64 `json:"guardrail_blocked"`
	RateLimited      int64 `json:"rate_limited"`
	Retried          int64 `json:"retried"`
}

type Stats struct {
	StartedAt         time.Time             `json:"started_at"`
	UptimeSeconds     float64               `json:"uptime_seconds"`
	Totals            StoreStats            `json:"totals"`
	Stores            map[string]StoreStats `json:"stores"`
	SuccessRate       float64               `json:"success_rate"`
	AvgProcessingMs   float64               `json:"avg_processing_ms"`
	QueueDepth        int                   `json:"queue_depth"`
	PendingDuplicates int                   `json:"pending_duplicates"`
	Guardrail         guardrail.Stats       `json:"guardrail"`
	Idempotency       idempotency.Stats     `json:"idempotency"`
}

type Health struct {
	Status        string            `json:"status"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	QueueDepth    int               `json:"queue_depth"`
	Publishers    map[string]string `json:"publishers"`
	Workers       WorkerStatus      `json:"workers"`
	Idempotency   idempotency.Stats `json:"idempotency"`
}

type WorkerStatus struct {
	Running bool `json:"running"`
	Workers int  `json:"workers"`
	Active  int  `json:"active"`
}

type Orchestrator struct {
	cfg         Config
	queue       ports.Queue
	sched       ports.Scheduler
	publishers  Publishers
	idem        *idempotency.Manager
	guard       *guardrail.Engine
	events      ports.EventSink
	deadLetters ports.DeadLetterSink
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	now         func() time.Time
	startedAt   time.Time

	mu           sync.Mutex
	duplicates   []*domain.PublishTask
	index        map[string]domain.PublishTask
	history      []string
	stores       map[string]*StoreStats
	totals       StoreStats
	processed    int64
	processingNs int64
	workerStatus func() WorkerStatus
}

func NewOrchestrator(d Deps, cfg Config) *Orchestrator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = domain.DefaultMaxRetries
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	o := &Orchestrator{
		cfg:         cfg,
		queue:       d.Queue,
		sched:       d.Scheduler,
		publishers:  d.Publishers,
		idem:        d.Idempotency,
		guard:       d.Guardrail,
		events:      d.Events,
		deadLetters: d.DeadLetters,
		metrics:     d.Metrics,
		now:         d.Clock,
		index:       make(map[string]domain.PublishTask),
		stores:      make(map[string]*StoreStats),
	}
	if o.now == nil {
		o.now = time.Now
	}
	if d.Logger != nil {
		o.logger = d.Logger.With().Str("component", "orchestrator").Logger()
	} else {
		o.logger = log.Logger.With().Str("component", "orchestrator").Logger()
	}
	if o.idem == nil {
		o.idem = idempotency.NewManager(nil, idempotency.DefaultConfig())
	}
	if o.guard == nil {
		o.guard = guardrail.NewEngine(guardrail.Config{})
	}
	if o.events == nil {
		o.events = nopSink{}
	}
	if o.deadLetters == nil {
		o.deadLetters = nopSink{}
	}
	o.startedAt = o.now()
	return o
}

// SetWorkerStatus lets the worker pool report itself in Health.
func (o *Orchestrator) SetWorkerStatus(fn func() WorkerStatus) {
	o.mu.Lock()
	o.workerStatus = fn
	o.mu.Unlock()
}

func (o *Orchestrator) maxRetries(storeID string) int {
	if n, ok := o.cfg.StoreMaxRetries[storeID]; ok && n >= 0 {
		return n
	}
	return o.cfg.MaxRetries
}

// GetTask returns the latest known state of a task.
func (o *Orchestrator) GetTask(id string) (domain.PublishTask, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.index[id]
	if !ok {
		return domain.PublishTask{}, domain.ErrTaskNotFound
	}
	return t, nil
}

// Recent returns up to limit finished tasks, newest first.
func (o *Orchestrator) Recent(limit int) []domain.PublishTask {
	o.mu.Lock()
	defer o.mu.Unlock()
	if limit <= 0 || limit > len(o.history) {
		limit = len(o.history)
	}
	out := make([]domain.PublishTask, 0, limit)
	for i := len(o.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, o.index[o.history[i]])
	}
	return out
}

func (o *Orchestrator) Stats() Stats {
	now := o.now()
	depth := o.queue.Len()

	o.mu.Lock()
	s := Stats{
		StartedAt:         o.startedAt,
		UptimeSeconds:     now.Sub(o.startedAt).Seconds(),
		Totals:            o.totals,
		Stores:            make(map[string]StoreStats, len(o.stores)),
		QueueDepth:        depth,
		PendingDuplicates: len(o.duplicates),
	}
	for id, st := range o.stores {
		s.Stores[id] = *st
	}
	if o.processed > 0 {
		s.AvgProcessingMs = float64(o.processingNs) / float64(o.processed) / float64(time.Millisecond)
	}
	o.mu.Unlock()

	if done := s.Totals.Successful + s.Totals.Failed; done > 0 {
		s.SuccessRate = float64(s.Totals.Successful) / float64(done)
	}
	s.Guardrail = o.guard.Stats()
	s.Idempotency = o.idem.Stats()
	return s
}

// Health is "healthy" when every publisher answers and workers are running
// (if a pool is attached), "degraded" otherwise.
func (o *Orchestrator) Health(ctx context.Context) Health {
	h := Health{
		Status:        "healthy",
		UptimeSeconds: o.now().Sub(o.startedAt).Seconds(),
		QueueDepth:    o.queue.Len(),
		Publishers:    o.publishers.HealthCheck(ctx),
		Idempotency:   o.idem.Stats(),
	}
	for _, v := range h.Publishers {
		if v != "ok" {
			h.Status = "degraded"
		}
	}

	o.mu.Lock()
	ws := o.workerStatus
	o.mu.Unlock()
	if ws != nil {
		h.Workers = ws()
		if !h.Workers.Running {
			h.Status = "degraded"
		}
	}
	return h
}

func (o *Orchestrator) storeStatsLocked(storeID string) *StoreStats {
	st, ok := o.stores[storeID]
	if !ok {
		st = &StoreStats{}
		o.stores[storeID] = st
	}
	return st
}

// track updates stats, the task index and history, then emits an event.
// It is called once per state a task settles in.
func (o *Orchestrator) track(ctx context.Context, t *domain.PublishTask, requeued bool) {
	snap := t.Snapshot()

	o.mu.Lock()
	st := o.storeStatsLocked(t.StoreID)
	bump := func(fn func(*StoreStats)) {
		fn(st)
		fn(&o.totals)
	}
	switch t.Status {
	case domain.StatusSuccess:
		bump(func(s *StoreStats) { s.Successful++ })
	case domain.StatusFailed:
		if requeued {
			bump(func(s *StoreStats) { s.Retried++ })
		} else {
			bump(func(s *StoreStats) { s.Failed++ })
		}
	case domain.StatusSkippedDuplicate:
		bump(func(s *StoreStats) { s.Skipped++; s.Duplicates++ })
	case domain.StatusSkippedGuardrail:
		bump(func(s *StoreStats) { s.Skipped++; s.GuardrailBlocked++ })
	case domain.StatusRateLimited:
		bump(func(s *StoreStats) { s.RateLimited++ })
	}
	if d := t.ProcessingTime(); d > 0 && (t.Status == domain.StatusSuccess || t.Status == domain.StatusFailed) {
		o.processed++
		o.processingNs += int64(d)
	}
	o.index[t.ID] = snap
	if !requeued {
		o.history = append(o.history, t.ID)
		if over := len(o.history) - o.cfg.HistoryLimit; over > 0 {
			for _, id := range o.history[:over] {
				delete(o.index, id)
			}
			o.history = append([]string(nil), o.history[over:]...)
		}
	}
	o.mu.Unlock()

	o.metrics.ObservePublication(string(t.StoreType), string(t.Status), t.ProcessingTime())
	o.metrics.SetQueueDepth(o.queue.Len())

	ev := domain.EventFor(t, o.now())
	if err := o.events.Emit(ctx, ev); err != nil {
		o.logger.Warn().Err(err).Str("task_id", t.ID).Msg("publication event not delivered")
	}

	l := o.logger.Info()
	if t.Status == domain.StatusFailed {
		l = o.logger.Warn()
	}
	reason := t.ErrorMessage
	if t.Result != nil && t.Result.Reason != "" {
		reason = t.Result.Reason
	}
	l.Str("task_id", t.ID).
		Str("store_id", t.StoreID).
		Str("status", string(t.Status)).
		Int("retry_count", t.RetryCount).
		Bool("requeued", requeued).
		Str("reason", reason).
		Msg("task settled")
}
