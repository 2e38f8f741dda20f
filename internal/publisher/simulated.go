package publisher

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sort"
	"sync"
	"time"

	"ecomsimply/internal/domain"
	"ecomsimply/internal/ports"

	"github.com/google/uuid"
)

const StatusIdempotentHit = "idempotent-hit"

type SimulatedStats struct {
	Published      int64 `json:"published"`
	Failed         int64 `json:"failed"`
	IdempotentHits int64 `json:"idempotent_hits"`
	Updated        int64 `json:"updated"`
	Deleted        int64 `json:"deleted"`
}

// Simulated behaves like a storefront API without leaving the process:
// latency, store-specific constraints and deterministic product IDs. It is
// the default client for stores without an endpoint and the test double
// for the orchestrator.
type Simulated struct {
	storeID   string
	storeType domain.StoreType
	profile   Profile
	sleep     func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	rng      *rand.Rand
	byKey    map[string]string
	products map[string]domain.Product
	stats    SimulatedStats
}

var _ ports.Publisher = (*Simulated)(nil)

type SimulatedOption func(*Simulated)

// WithSleep replaces the latency wait, typically with a no-op in tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) SimulatedOption {
	return func(s *Simulated) { s.sleep = fn }
}

func WithSeed(seed uint64) SimulatedOption {
	return func(s *Simulated) { s.rng = rand.New(rand.NewPCG(seed, seed+1)) }
}

func NewSimulated(store domain.Store, profile Profile, opts ...SimulatedOption) *Simulated {
	s := &Simulated{
		storeID:   store.ID,
		storeType: store.Type,
		profile:   profile,
		sleep:     sleepCtx,
		rng:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		byKey:     make(map[string]string),
		products:  make(map[string]domain.Product),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Simulated) StoreType() domain.StoreType { return s.storeType }

// ExternalID is the product ID the simulated platform assigns for key.
func ExternalID(storeID, key string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(storeID+"|"+key)).String()
}

func (s *Simulated) Publish(ctx context.Context, p domain.Product, key string) (ports.PublishResult, error) {
	s.mu.Lock()
	if id, ok := s.byKey[key]; ok {
		s.stats.IdempotentHits++
		s.mu.Unlock()
		return ports.PublishResult{Success: true, ExternalID: id, StatusCode: http.StatusOK, Status: StatusIdempotentHit}, nil
	}
	latency := s.latencyLocked()
	fail := s.profile.FailureRate > 0 && s.rng.Float64() < s.profile.FailureRate
	s.mu.Unlock()

	if err := s.sleep(ctx, latency); err != nil {
		return ports.PublishResult{}, err
	}

	adapted, adaptations, err := s.adapt(p)
	if err != nil {
		s.count(func(st *SimulatedStats) { st.Failed++ })
		return ports.PublishResult{StatusCode: http.StatusUnprocessableEntity, Status: "rejected", Error: err.Error()}, nil
	}
	if fail {
		s.count(func(st *SimulatedStats) { st.Failed++ })
		return ports.PublishResult{StatusCode: http.StatusServiceUnavailable, Status: "error", Error: fmt.Sprintf("%s platform temporarily unavailable", s.storeType.DisplayName())}, nil
	}

	id := ExternalID(s.storeID, key)
	s.mu.Lock()
	s.byKey[key] = id
	s.products[id] = adapted
	s.stats.Published++
	s.mu.Unlock()

	return ports.PublishResult{
		Success:     true,
		ExternalID:  id,
		StatusCode:  http.StatusCreated,
		Status:      "created",
		Adaptations: adaptations,
	}, nil
}

func (s *Simulated) Update(ctx context.Context, externalID string, p domain.Product) (ports.PublishResult, error) {
	s.mu.Lock()
	_, ok := s.products[externalID]
	latency := s.latencyLocked()
	s.mu.Unlock()
	if !ok {
		return ports.PublishResult{StatusCode: http.StatusNotFound, Status: "not_found", Error: "unknown product " + externalID}, nil
	}
	if err := s.sleep(ctx, latency); err != nil {
		return ports.PublishResult{}, err
	}
	adapted, adaptations, err := s.adapt(p)
	if err != nil {
		return ports.PublishResult{StatusCode: http.StatusUnprocessableEntity, Status: "rejected", Error: err.Error()}, nil
	}
	s.mu.Lock()
	s.products[externalID] = adapted
	s.stats.Updated++
	s.mu.Unlock()
	return ports.PublishResult{Success: true, ExternalID: externalID, StatusCode: http.StatusOK, Status: "updated", Adaptations: adaptations}, nil
}

func (s *Simulated) Delete(_ context.Context, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[externalID]; !ok {
		return fmt.Errorf("delete %s: %w", externalID, domain.ErrProductNotFound)
	}
	delete(s.products, externalID)
	for k, id := range s.byKey {
		if id == externalID {
			delete(s.byKey, k)
		}
	}
	s.stats.Deleted++
	return nil
}

func (s *Simulated) HealthCheck(context.Context) error { return nil }

func (s *Simulated) Stats() SimulatedStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Product returns what the platform stored under externalID.
func (s *Simulated) Product(externalID string) (domain.Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[externalID]
	return p, ok
}

func (s *Simulated) latencyLocked() time.Duration {
	lo, hi := s.profile.MinLatency, s.profile.MaxLatency
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(s.rng.Int64N(int64(hi-lo)))
}

func (s *Simulated) count(fn func(*SimulatedStats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

// adapt fits p to the store's limits, truncating where the platform would
// otherwise reject the listing. Missing required data is still an error.
func (s *Simulated) adapt(p domain.Product) (domain.Product, []string, error) {
	if p.Title == "" {
		return p, nil, fmt.Errorf("title is required")
	}
	if !p.Price.Amount.IsPositive() {
		return p, nil, fmt.Errorf("price must be positive")
	}
	if s.profile.RequiresInventory && p.Stock <= 0 {
		return p, nil, fmt.Errorf("%s requires inventory", s.storeType.DisplayName())
	}

	out := p.Clone()
	var notes []string
	if max := s.profile.MaxTitleLength; max > 0 && len([]rune(out.Title)) > max {
		out.Title = string([]rune(out.Title)[:max])
		notes = append(notes, fmt.Sprintf("title truncated to %d characters", max))
	}
	if max := s.profile.MaxImages; max > 0 && len(out.Images) > max {
		out.Images = out.Images[:max]
		notes = append(notes, fmt.Sprintf("images truncated to %d", max))
	}
	if max := s.profile.MaxAttributes; max > 0 && len(out.Attributes) > max {
		keys := make([]string, 0, len(out.Attributes))
		for k := range out.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys[max:] {
			delete(out.Attributes, k)
		}
		notes = append(notes, fmt.Sprintf("attributes truncated to %d", max))
	}
	return out, notes, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
