// Package app wires every component once from the configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"ecomsimply/internal/api"
	"ecomsimply/internal/config"
	"ecomsimply/internal/domain"
	"ecomsimply/internal/fetch"
	"ecomsimply/internal/guardrail"
	"ecomsimply/internal/idempotency"
	"ecomsimply/internal/infra/dynamostore"
	"ecomsimply/internal/infra/kafkasink"
	"ecomsimply/internal/infra/pgstore"
	"ecomsimply/internal/infra/redisq"
	"ecomsimply/internal/infra/sqlstore"
	"ecomsimply/internal/market"
	"ecomsimply/internal/metrics"
	"ecomsimply/internal/ports"
	"ecomsimply/internal/publisher"
	"ecomsimply/internal/queue"
	"ecomsimply/internal/schedule"
	"ecomsimply/internal/usecase"
	"ecomsimply/internal/worker"

	"github.com/rs/zerolog/log"
)

type App struct {
	Config       *config.Config
	Metrics      *metrics.Metrics
	Coordinator  *fetch.Coordinator
	Scheduler    *schedule.Scheduler
	Queue        *queue.Queue
	Publishers   *publisher.Registry
	Idempotency  *idempotency.Manager
	Guardrail    *guardrail.Engine
	Orchestrator *usecase.Orchestrator
	Hub          *api.Hub
	Pool         *worker.Pool
	Sweeper      *worker.Sweeper
	Server       *api.Server

	idemStore ports.IdempotencyStore
	closers   []func() error
}

// New builds the application. On error every resource opened so far is
// released.
func New(ctx context.Context, cfg *config.Config) (a *App, err error) {
	a = &App{Config: cfg, Metrics: metrics.New("ecomsimply")}
	defer func() {
		if err != nil {
			_ = a.Close()
			a = nil
		}
	}()

	a.Coordinator = NewCoordinator(cfg.Fetch, a.Metrics)

	stores, err := storeTypes(cfg.Publish.Stores)
	if err != nil {
		return nil, err
	}
	if a.Scheduler, err = newScheduler(cfg.Schedule, stores); err != nil {
		return nil, err
	}
	a.Queue = queue.New(a.Scheduler)

	profiles, err := publisher.LoadProfiles(cfg.Publish.ProfilesFile)
	if err != nil {
		return nil, err
	}
	if a.Publishers, err = publisher.Build(stores, profiles, a.Coordinator); err != nil {
		return nil, err
	}

	var redisClient *redisq.Client
	if cfg.Idempotency.Backend == config.BackendRedis || cfg.Redis.Events {
		redisClient = redisq.New(cfg.Redis)
		a.closers = append(a.closers, redisClient.Close)
		if err := redisClient.Connect(ctx); err != nil {
			return nil, err
		}
	}

	if a.idemStore, err = a.openIdempotencyStore(ctx, redisClient); err != nil {
		return nil, err
	}
	a.Idempotency = idempotency.NewManager(a.idemStore, idempotency.Config{
		TTL:             cfg.Idempotency.TTL,
		LocalCacheTTL:   cfg.Idempotency.LocalCacheTTL,
		CleanupInterval: cfg.Idempotency.CleanupInterval,
	}, idempotency.WithMetrics(a.Metrics))

	gopts := []guardrail.Option{
		guardrail.WithMarketSource(market.NewScrapedSource(a.Coordinator)),
		guardrail.WithMetrics(a.Metrics),
	}
	if cfg.Guardrail.SimulateMarket {
		log.Warn().Msg("guardrail uses simulated market prices when none are observed")
		gopts = append(gopts, guardrail.WithSimulatedMarket(market.NewSimulatedSource(uint64(time.Now().UnixNano()))))
	}
	a.Guardrail = guardrail.NewEngine(guardrail.Config{
		PriceVarianceThreshold: cfg.Guardrail.PriceVarianceThreshold,
		MinConfidence:          cfg.Guardrail.MinConfidenceScore,
	}, gopts...)

	a.Hub = api.NewHub(func() any { return a.Orchestrator.Stats() })
	events := usecase.MultiSink{a.Hub}
	var deadLetters usecase.MultiDeadLetter
	var dlqReader api.DeadLetterReader
	if cfg.Redis.Events {
		stream := redisq.NewEventStream(redisClient)
		events = append(events, stream)
		deadLetters = append(deadLetters, stream)
		dlqReader = stream
	}
	if len(cfg.Kafka.Brokers) > 0 {
		sink, err := kafkasink.New(cfg.Kafka)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, sink.Close)
		events = append(events, sink)
		deadLetters = append(deadLetters, sink)
	}

	a.Orchestrator = usecase.NewOrchestrator(usecase.Deps{
		Queue:       a.Queue,
		Scheduler:   a.Scheduler,
		Publishers:  a.Publishers,
		Idempotency: a.Idempotency,
		Guardrail:   a.Guardrail,
		Events:      events,
		DeadLetters: deadLetters,
		Metrics:     a.Metrics,
	}, usecase.Config{
		MaxRetries:      cfg.Publish.MaxRetries,
		StoreMaxRetries: cfg.Publish.StoreMaxRetries,
		HistoryLimit:    cfg.Publish.HistoryLimit,
	})

	a.Pool = worker.NewPool(a.Orchestrator, worker.Config{
		Workers:      cfg.Worker.Count,
		PollInterval: cfg.Worker.PollInterval,
		ErrorBackoff: cfg.Worker.ErrorBackoff,
	})
	a.Orchestrator.SetWorkerStatus(a.Pool.Status)
	a.Sweeper = worker.NewSweeper(a.Idempotency, a.Coordinator.Cache(), cfg.Worker.SweepEvery)

	a.Server = api.NewServer(api.Deps{
		Orchestrator:   a.Orchestrator,
		Planner:        a.Scheduler,
		Fetcher:        a.Coordinator,
		DeadLetters:    dlqReader,
		Metrics:        a.Metrics,
		Hub:            a.Hub,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})

	ids := make([]string, 0, len(stores))
	for id := range stores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	log.Info().
		Strs("stores", ids).
		Str("idempotency_backend", cfg.Idempotency.Backend).
		Bool("redis_events", cfg.Redis.Events).
		Bool("kafka_events", len(cfg.Kafka.Brokers) > 0).
		Msg("application wired")
	return a, nil
}

func (a *App) openIdempotencyStore(ctx context.Context, rc *redisq.Client) (ports.IdempotencyStore, error) {
	cfg := a.Config
	switch cfg.Idempotency.Backend {
	case config.BackendRedis:
		return redisq.NewIdempotencyStore(rc), nil
	case config.BackendSQLite:
		s, err := sqlstore.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	case config.BackendPostgres:
		s, pool, err := pgstore.Open(ctx, cfg.Postgres.DSN, 4)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		return s, nil
	case config.BackendDynamoDB:
		return dynamostore.Open(ctx, cfg.Dynamo)
	default:
		return idempotency.NewMemoryStore(), nil
	}
}

// Start launches the worker pool and the sweeper.
func (a *App) Start(ctx context.Context) {
	a.Pool.Start(ctx)
	go func() {
		if err := a.Sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("sweeper stopped with error")
		}
	}()
}

// Serve runs workers and the HTTP API until ctx is done, then drains.
func (a *App) Serve(ctx context.Context) error {
	a.Start(ctx)
	err := a.Server.Run(ctx, a.Config.HTTP.Port)
	if stopErr := a.Pool.Stop(a.Config.Worker.StopTimeout); stopErr != nil {
		err = errors.Join(err, stopErr)
	}
	return err
}

// Close releases external resources in reverse order of acquisition.
func (a *App) Close() error {
	if a.Hub != nil {
		a.Hub.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// NewCoordinator builds the fetch stack from configuration. m may be nil.
func NewCoordinator(cfg config.Fetch, m *metrics.Metrics) *fetch.Coordinator {
	proxies := fetch.NewProxyPool(cfg.Proxies...)
	proxies.SetMetrics(m)
	return fetch.New(fetch.Config{
		MaxPerHost:    cfg.MaxPerHost,
		MaxRetries:    cfg.MaxRetries,
		BaseDelay:     cfg.EffectiveBaseDelay(),
		BackoffFactor: cfg.BackoffFactor,
		MaxDelay:      cfg.MaxDelay,
		Timeout:       cfg.Timeout,
		CacheTTL:      cfg.CacheTTL,
		RPSPerHost:    cfg.RPSPerHost,
		UserAgent:     cfg.UserAgent,
	}, fetch.WithProxyPool(proxies), fetch.WithMetrics(m))
}

func newScheduler(cfg config.Schedule, stores map[string]domain.StoreType) (*schedule.Scheduler, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	byType := make(map[domain.StoreType]int, len(cfg.TypeRateLimits))
	for k, v := range cfg.TypeRateLimits {
		st := domain.StoreType(k)
		if !st.IsValid() {
			return nil, fmt.Errorf("STORE_TYPE_RATE_LIMITS: %w: %q", domain.ErrInvalidStoreType, k)
		}
		byType[st] = v
	}
	s := schedule.New(schedule.Config{
		ActiveHoursStart: cfg.ActiveHoursStart,
		ActiveHoursEnd:   cfg.ActiveHoursEnd,
		Cooldown:         cfg.Cooldown(),
		MaxPerHour:       cfg.MaxPerHour,
		StoreMaxPerHour:  cfg.StoreRateLimits,
		TypeMaxPerHour:   byType,
		Location:         loc,
	})
	for id, st := range stores {
		s.RegisterStore(id, st)
	}
	return s, nil
}

func storeTypes(raw map[string]string) (map[string]domain.StoreType, error) {
	out := make(map[string]domain.StoreType, len(raw))
	for id, t := range raw {
		st := domain.StoreType(t)
		if !st.IsValid() {
			return nil, fmt.Errorf("STORES[%s]: %w: %q", id, domain.ErrInvalidStoreType, t)
		}
		out[id] = st
	}
	return out, nil
}
