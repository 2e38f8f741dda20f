package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ecomsimply/internal/domain"
	"ecomsimply/internal/usecase"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrStopTimeout = errors.New("worker: stop timed out with publications in flight")

// Processor settles at most one task per call; nil means nothing was ready.
type Processor interface {
	WorkOnce(ctx context.Context) (*domain.PublishTask, error)
}

type Config struct {
	Workers      int
	PollInterval time.Duration
	ErrorBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{Workers: 3, PollInterval: 5 * time.Second, ErrorBackoff: 10 * time.Second}
}

// Pool runs Workers goroutines calling WorkOnce. Stopping the pool ends the
// loops but never cancels a publication that already started.
type Pool struct {
	proc   Processor
	cfg    Config
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	active  atomic.Int32
	settled atomic.Int64
}

func NewPool(proc Processor, cfg Config) *Pool {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = def.ErrorBackoff
	}
	return &Pool{
		proc:   proc,
		cfg:    cfg,
		logger: log.Logger.With().Str("component", "worker-pool").Logger(),
		sleep:  sleepCtx,
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}
	p.logger.Info().
		Int("workers", p.cfg.Workers).
		Dur("poll_interval", p.cfg.PollInterval).
		Msg("worker pool started")
}

// Stop signals the workers and waits up to timeout for in-flight
// publications to finish.
func (p *Pool) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info().Int64("settled", p.settled.Load()).Msg("worker pool stopped")
		return nil
	case <-time.After(timeout):
		p.logger.Warn().
			Int32("in_flight", p.active.Load()).
			Dur("timeout", timeout).
			Msg("forced stop: publications still in flight")
		return ErrStopTimeout
	}
}

// Status reports the pool for the orchestrator's health view.
func (p *Pool) Status() usecase.WorkerStatus {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	return usecase.WorkerStatus{
		Running: running,
		Workers: p.cfg.Workers,
		Active:  int(p.active.Load()),
	}
}

func (p *Pool) loop(ctx context.Context, id int) {
	defer p.wg.Done()
	l := p.logger.With().Int("worker", id).Logger()
	l.Debug().Msg("worker started")

	for {
		select {
		case <-ctx.Done():
			l.Debug().Msg("worker stopped")
			return
		default:
		}

		task, err := p.runOne(ctx)
		switch {
		case err != nil:
			l.Error().Err(err).Dur("backoff", p.cfg.ErrorBackoff).Msg("work failed")
			_ = p.sleep(ctx, p.cfg.ErrorBackoff)
		case task == nil:
			_ = p.sleep(ctx, p.cfg.PollInterval)
		}
	}
}

func (p *Pool) runOne(ctx context.Context) (*domain.PublishTask, error) {
	p.active.Add(1)
	defer p.active.Add(-1)

	// Publications outlive the pool's context; Stop waits for them instead.
	task, err := p.proc.WorkOnce(context.WithoutCancel(ctx))
	if task != nil {
		p.settled.Add(1)
	}
	return task, err
}

// maxDrainFailures bounds consecutive WorkOnce errors that settled nothing.
const maxDrainFailures = 3

// Drain calls WorkOnce until nothing is dispatchable and returns the tasks
// it settled, in order. It gives up after maxDrainFailures consecutive
// errors without a task.
func Drain(ctx context.Context, proc Processor) ([]domain.PublishTask, error) {
	var (
		out      []domain.PublishTask
		failures int
	)
	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		task, err := proc.WorkOnce(ctx)
		if task != nil {
			out = append(out, *task)
			failures = 0
		}
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("drain: task failed unexpectedly")
			if task == nil {
				failures++
				if failures >= maxDrainFailures {
					return out, fmt.Errorf("drain: %d consecutive failures: %w", failures, err)
				}
			}
			continue
		}
		if task == nil {
			return out, nil
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
