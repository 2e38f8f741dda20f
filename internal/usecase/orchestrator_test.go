package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ecomsimply/internal/domain"
	"ecomsimply/internal/guardrail"
	"ecomsimply/internal/idempotency"
	"ecomsimply/internal/ports"
	"ecomsimply/internal/publisher"
	"ecomsimply/internal/queue"
	"ecomsimply/internal/schedule"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.PublicationEvent
	dead   []string
}

func (s *recordingSink) Emit(_ context.Context, ev domain.PublicationEvent) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) DeadLetter(_ context.Context, t domain.PublishTask, _ string) error {
	s.mu.Lock()
	s.dead = append(s.dead, t.ID)
	s.mu.Unlock()
	return nil
}

type countingPublisher struct {
	storeType domain.StoreType
	calls     int32
	fn        func(p domain.Product, key string) (ports.PublishResult, error)
}

func (c *countingPublisher) StoreType() domain.StoreType { return c.storeType }

func (c *countingPublisher) Publish(_ context.Context, p domain.Product, key string) (ports.PublishResult, error) {
	atomic.AddInt32(&c.calls, 1)
	if c.fn != nil {
		return c.fn(p, key)
	}
	return ports.PublishResult{Success: true, ExternalID: "ext-" + key, StatusCode: 201, Status: "created"}, nil
}

func (c *countingPublisher) Update(context.Context, string, domain.Product) (ports.PublishResult, error) {
	return ports.PublishResult{Success: true}, nil
}

func (c *countingPublisher) Delete(context.Context, string) error { return nil }

func (c *countingPublisher) HealthCheck(context.Context) error { return nil }

type harness struct {
	o      *Orchestrator
	clock  *fakeClock
	sched  *schedule.Scheduler
	queue  *queue.Queue
	reg    *publisher.Registry
	sink   *recordingSink
	shop   *publisher.Simulated
	idem   *idempotency.Manager
	engine *guardrail.Engine
}

func newHarness(t *testing.T, schedFn ports.Scheduler) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 5, 14, 12, 0, 0, 0, time.UTC)}

	cfg := schedule.DefaultConfig()
	cfg.Location = time.UTC
	sched := schedule.New(cfg)

	var gate ports.Scheduler = sched
	if schedFn != nil {
		gate = schedFn
	}

	reg := publisher.NewRegistry()
	shopStore := domain.Store{ID: "shopify", Type: domain.StoreShopify}
	shop := publisher.NewSimulated(shopStore, publisher.DefaultProfiles()[domain.StoreShopify],
		publisher.WithSleep(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, reg.Register(shopStore, shop))

	sink := &recordingSink{}
	store := idempotency.NewMemoryStore()
	idem := idempotency.NewManager(store, idempotency.DefaultConfig(), idempotency.WithClock(clock.Now))
	engine := guardrail.NewEngine(guardrail.Config{PriceVarianceThreshold: 0.2, MinConfidence: 0.6})
	q := queue.New(gate, queue.WithClock(clock.Now))

	o := NewOrchestrator(Deps{
		Queue:       q,
		Scheduler:   gate,
		Publishers:  reg,
		Idempotency: idem,
		Guardrail:   engine,
		Events:      sink,
		DeadLetters: sink,
		Clock:       clock.Now,
	}, Config{})

	return &harness{o: o, clock: clock, sched: sched, queue: q, reg: reg, sink: sink, shop: shop, idem: idem, engine: engine}
}

func (h *harness) register(t *testing.T, id string, p ports.Publisher) {
	t.Helper()
	require.NoError(t, h.reg.Register(domain.Store{ID: id, Type: p.StoreType()}, p))
}

func goodProduct(title, amount string) domain.Product {
	return domain.Product{
		Title:       title,
		Description: strings.Repeat(strings.ToLower(title)+" de qualité, livrée rapidement et garantie deux ans. ", 3),
		Price:       domain.Price{Amount: decimal.RequireFromString(amount), Currency: "EUR"},
		Images: []domain.Image{
			{URL: "https://cdn.example/1.jpg"},
			{URL: "https://cdn.example/2.jpg"},
			{URL: "https://cdn.example/3.jpg"},
		},
		Attributes: map[string]string{"a": "1", "b": "2", "c": "3", "d": "4", "e": "5"},
		Tags:       []string{"maison", "déco", "bureau"},
		Stock:      10,
		SourceURL:  "https://supplier.example/" + strings.ReplaceAll(strings.ToLower(title), " ", "-"),
	}
}

func market(prices ...string) domain.TaskOptions {
	out := make([]decimal.Decimal, len(prices))
	for i, p := range prices {
		out[i] = decimal.RequireFromString(p)
	}
	return domain.TaskOptions{MarketPrices: out}
}

func TestOrchestrator_DuplicateDetection(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := goodProduct("Lampe de bureau LED", "10.00")

	firstID, err := h.o.Enqueue(ctx, p, "shopify", 5, market("10", "10.50"))
	require.NoError(t, err)
	first, err := h.o.WorkOnce(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, firstID, first.ID)
	require.Equal(t, domain.StatusSuccess, first.Status)

	secondID, err := h.o.Enqueue(ctx, p, "shopify", 5, market("10", "10.50"))
	require.NoError(t, err)
	assert.Equal(t, 0, h.queue.Len(), "duplicates never enter the rate-limited queue")

	second, err := h.o.WorkOnce(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, secondID, second.ID)
	assert.Equal(t, domain.StatusSkippedDuplicate, second.Status)
	assert.Equal(t, first.Result.ExternalID, second.Result.ExternalID)
	assert.Equal(t, firstID, second.Result.DuplicateOf)

	assert.Equal(t, int64(1), h.shop.Stats().Published)
	stats := h.o.Stats()
	assert.Equal(t, int64(2), stats.Totals.Enqueued)
	assert.Equal(t, int64(1), stats.Totals.Successful)
	assert.Equal(t, int64(1), stats.Stores["shopify"].Duplicates)
}

func TestOrchestrator_PriceChangeIsNotDuplicate(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.o.Enqueue(ctx, goodProduct("Lampe de bureau LED", "10.00"), "shopify", 5, market("10", "10"))
	require.NoError(t, err)
	_, err = h.o.WorkOnce(ctx)
	require.NoError(t, err)

	_, err = h.o.Enqueue(ctx, goodProduct("Lampe de bureau LED", "10.50"), "shopify", 5, market("10", "10"))
	require.NoError(t, err)
	assert.Equal(t, 1, h.queue.Len())
}

func TestOrchestrator_DispatchTimeRecheck(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := goodProduct("Lampe de bureau LED", "10.00")

	// both pass the enqueue-time check because nothing is published yet
	_, err := h.o.Enqueue(ctx, p, "shopify", 5, market("10", "10"))
	require.NoError(t, err)
	_, err = h.o.Enqueue(ctx, p, "shopify", 5, market("10", "10"))
	require.NoError(t, err)
	require.Equal(t, 2, h.queue.Len())

	first, err := h.o.WorkOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, first.Status)

	h.clock.Advance(301 * time.Second)
	second, err := h.o.WorkOnce(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, domain.StatusSkippedDuplicate, second.Status)
	assert.Equal(t, first.Result.ExternalID, second.Result.ExternalID)
	assert.Equal(t, int64(1), h.shop.Stats().Published)
}

func TestOrchestrator_GuardrailBlock(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.o.Enqueue(ctx, goodProduct("Lampe de bureau LED", "1000"), "shopify", 5, market("90", "100", "110"))
	require.NoError(t, err)

	task, err := h.o.WorkOnce(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, domain.StatusSkippedGuardrail, task.Status)
	assert.Contains(t, task.Result.Reason, "Prix")
	require.NotNil(t, task.Result.Guardrail)
	assert.Equal(t, domain.BlockPrice, task.Result.Guardrail.Block)
	assert.Equal(t, 0, h.queue.Len(), "guardrail blocks are never retried")
	assert.Equal(t, int64(0), h.shop.Stats().Published)
	assert.Equal(t, int64(1), h.o.Stats().Guardrail.BlockedPrice)
}

func TestOrchestrator_CooldownEnforced(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.o.Enqueue(ctx, goodProduct("Lampe de bureau LED", "10"), "shopify", 5, market("10", "10"))
	require.NoError(t, err)
	_, err = h.o.Enqueue(ctx, goodProduct("Chaise de bureau ergonomique", "80"), "shopify", 5, market("80", "80"))
	require.NoError(t, err)

	first, err := h.o.WorkOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuccess, first.Status)

	h.clock.Advance(100 * time.Second)
	none, err := h.o.WorkOnce(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)
	assert.False(t, h.sched.NextAvailableSlot("shopify", h.clock.Now()).Before(first.CompletedAt.Add(300*time.Second)))

	h.clock.Advance(200 * time.Second)
	second, err := h.o.WorkOnce(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, domain.StatusSuccess, second.Status)
}

// denyOnRecheck lets the queue through and refuses the orchestrator's own
// check, exercising the requeue path.
type denyOnRecheck struct {
	*schedule.Scheduler
	calls int32
}

func (d *denyOnRecheck) CanPublishNow(storeID string, at time.Time) (bool, string) {
	if atomic.AddInt32(&d.calls, 1)%2 == 0 {
		slot := at.Add(5 * time.Minute)
		return false, schedule.DeferredReason(slot)
	}
	return true, ""
}

func (d *denyOnRecheck) NextAvailableSlot(_ string, at time.Time) time.Time {
	return at.Add(5 * time.Minute)
}

func TestOrchestrator_SchedulerRecheckRequeues(t *testing.T) {
	cfg := schedule.DefaultConfig()
	cfg.Location = time.UTC
	gate := &denyOnRecheck{Scheduler: schedule.New(cfg)}
	h := newHarness(t, gate)
	ctx := context.Background()

	id, err := h.o.Enqueue(ctx, goodProduct("Lampe de bureau LED", "10"), "shopify", 3, market("10", "10"))
	require.NoError(t, err)

	task, err := h.o.WorkOnce(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, domain.StatusRateLimited, task.Status)
	assert.Equal(t, "Cooldown/fenêtre horaire - reporté à 12:05:00", task.Result.Reason)
	require.NotNil(t, task.Result.NextSlot)

	assert.Equal(t, 1, h.queue.Len())
	pending := h.queue.Pending()
	assert.Equal(t, id, pending[0].ID)
	assert.Equal(t, 4, pending[0].Priority)
	assert.Equal(t, domain.StatusPending, pending[0].Status)
	assert.Equal(t, int64(1), h.o.Stats().Totals.RateLimited)
}

func TestOrchestrator_RetryThenDeadLetter(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	failing := &countingPublisher{
		storeType: domain.StoreWooCommerce,
		fn: func(domain.Product, string) (ports.PublishResult, error) {
			return ports.PublishResult{StatusCode: 503, Error: "upstream unavailable"}, nil
		},
	}
	h.register(t, "woo", failing)

	id, err := h.o.Enqueue(ctx, goodProduct("Lampe de bureau LED", "10"), "woo", 5, market("10", "10"))
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		task, err := h.o.WorkOnce(ctx)
		require.NoError(t, err)
		require.NotNil(t, task)
		assert.Equal(t, domain.StatusFailed, task.Status)
		assert.Equal(t, attempt, task.RetryCount)
		assert.Equal(t, 1, h.queue.Len())
	}

	last, err := h.o.WorkOnce(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, domain.StatusFailed, last.Status)
	assert.Equal(t, "upstream unavailable", last.ErrorMessage)
	assert.Equal(t, 0, h.queue.Len())
	assert.Equal(t, int32(4), atomic.LoadInt32(&failing.calls))
	assert.Equal(t, []string{id}, h.sink.dead)

	stats := h.o.Stats().Stores["woo"]
	assert.Equal(t, int64(3), stats.Retried)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestOrchestrator_RateLimitErrorNotRetried(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	throttled := &countingPublisher{
		storeType: domain.StorePrestaShop,
		fn: func(domain.Product, string) (ports.PublishResult, error) {
			return ports.PublishResult{StatusCode: 429, Error: "rate_limit: platform throttled the request"}, nil
		},
	}
	h.register(t, "presta", throttled)

	id, err := h.o.Enqueue(ctx, goodProduct("Lampe de bureau LED", "10"), "presta", 5, market("10", "10"))
	require.NoError(t, err)
	task, err := h.o.WorkOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, task.Status)
	assert.Equal(t, 0, task.RetryCount)
	assert.Equal(t, 0, h.queue.Len())
	assert.Equal(t, []string{id}, h.sink.dead)
}

func TestOrchestrator_PublisherErrorAndPanic(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.register(t, "boom", &countingPublisher{
		storeType: domain.StoreMagento,
		fn: func(domain.Product, string) (ports.PublishResult, error) {
			panic("nil map write")
		},
	})
	h.o.cfg.StoreMaxRetries = map[string]int{"boom": 0}

	_, err := h.o.Enqueue(ctx, goodProduct("Lampe de bureau LED", "10"), "boom", 5, market("10", "10"))
	require.NoError(t, err)

	var task *domain.PublishTask
	require.NotPanics(t, func() { task, err = h.o.WorkOnce(ctx) })
	require.Error(t, err)
	require.NotNil(t, task)
	assert.Equal(t, domain.StatusFailed, task.Status)
	assert.Contains(t, task.ErrorMessage, "nil map write")

	// the claim was released, so a fresh publication of the same product may proceed
	assert.Equal(t, 0, h.idem.Stats().InFlight)
}

func TestOrchestrator_EnqueueErrors(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.o.Enqueue(ctx, goodProduct("Lampe", "10"), "unknown", 5, domain.TaskOptions{})
	assert.ErrorIs(t, err, domain.ErrUnknownStore)

	bad := goodProduct("Lampe", "10")
	bad.Images = []domain.Image{{URL: "http://insecure.example/x.jpg"}}
	_, err = h.o.Enqueue(ctx, bad, "shopify", 5, domain.TaskOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidProduct)
}

func TestOrchestrator_ConcurrentWorkers(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	pubs := make([]*countingPublisher, 6)
	for i := range pubs {
		pubs[i] = &countingPublisher{storeType: domain.StoreBigCommerce}
		id := fmt.Sprintf("big-%d", i)
		h.register(t, id, pubs[i])
		// the same product twice per store: only one may reach the platform
		for j := 0; j < 2; j++ {
			_, err := h.o.Enqueue(ctx, goodProduct("Lampe de bureau LED", "10"), id, 5, market("10", "10"))
			require.NoError(t, err)
		}
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := h.o.WorkOnce(ctx)
				assert.NoError(t, err)
				if task == nil {
					return
				}
			}
		}()
	}
	wg.Wait()

	for i, p := range pubs {
		assert.Equal(t, int32(1), atomic.LoadInt32(&p.calls), "store big-%d", i)
	}
	assert.Equal(t, int64(6), h.o.Stats().Totals.Successful)
}

func TestOrchestrator_TaskLookupAndEvents(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	id, err := h.o.Enqueue(ctx, goodProduct("Lampe de bureau LED", "10"), "shopify", 5, market("10", "10"))
	require.NoError(t, err)

	pending, err := h.o.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, pending.Status)

	_, err = h.o.WorkOnce(ctx)
	require.NoError(t, err)

	done, err := h.o.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, done.Status)
	assert.Len(t, h.o.Recent(10), 1)

	_, err = h.o.GetTask("nope")
	assert.True(t, errors.Is(err, domain.ErrTaskNotFound))

	require.Len(t, h.sink.events, 1)
	assert.Equal(t, domain.StatusSuccess, h.sink.events[0].Status)
	assert.Equal(t, done.Result.ExternalID, h.sink.events[0].ExternalID)
}

func TestOrchestrator_HistoryBounded(t *testing.T) {
	h := newHarness(t, nil)
	h.o.cfg.HistoryLimit = 2
	ctx := context.Background()
	h.register(t, "big", &countingPublisher{storeType: domain.StoreBigCommerce})

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := h.o.Enqueue(ctx, goodProduct(fmt.Sprintf("Lampe de bureau modèle %d", i), "10"), "big", 5, market("10", "10"))
		require.NoError(t, err)
		ids = append(ids, id)
		_, err = h.o.WorkOnce(ctx)
		require.NoError(t, err)
		h.clock.Advance(301 * time.Second)
	}

	_, err := h.o.GetTask(ids[0])
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	assert.Len(t, h.o.Recent(0), 2)
}

func TestOrchestrator_Health(t *testing.T) {
	h := newHarness(t, nil)
	health := h.o.Health(context.Background())
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "ok", health.Publishers["shopify"])

	h.o.SetWorkerStatus(func() WorkerStatus { return WorkerStatus{Running: false} })
	assert.Equal(t, "degraded", h.o.Health(context.Background()).Status)
}

func TestMultiSink_JoinsErrors(t *testing.T) {
	a := &recordingSink{}
	failing := sinkFunc(func(context.Context, domain.PublicationEvent) error { return errors.New("down") })
	err := MultiSink{a, failing, nil}.Emit(context.Background(), domain.PublicationEvent{TaskID: "t"})
	assert.EqualError(t, err, "down")
	assert.Len(t, a.events, 1)
}

type sinkFunc func(context.Context, domain.PublicationEvent) error

func (f sinkFunc) Emit(ctx context.Context, ev domain.PublicationEvent) error { return f(ctx, ev) }

func TestMultiDeadLetter(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	require.NoError(t, MultiDeadLetter{a, nil, b}.DeadLetter(context.Background(), domain.PublishTask{ID: "t1"}, "gone"))
	assert.Equal(t, []string{"t1"}, a.dead)
	assert.Equal(t, []string{"t1"}, b.dead)
}
