// Package publisher holds the storefront clients and the registry that maps
// each configured store to one of them.
package publisher

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"ecomsimply/internal/domain"
	"ecomsimply/internal/ports"
)

type registered struct {
	store domain.Store
	pub   ports.Publisher
}

type Registry struct {
	mu     sync.RWMutex
	stores map[string]registered
}

func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]registered)}
}

func (r *Registry) Register(store domain.Store, p ports.Publisher) error {
	if store.ID == "" {
		return fmt.Errorf("%w: empty store id", domain.ErrUnknownStore)
	}
	if !store.Type.IsValid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidStoreType, store.Type)
	}
	r.mu.Lock()
	r.stores[store.ID] = registered{store: store, pub: p}
	r.mu.Unlock()
	return nil
}

func (r *Registry) Get(storeID string) (domain.Store, ports.Publisher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.stores[storeID]
	if !ok {
		return domain.Store{}, nil, fmt.Errorf("%w: %s", domain.ErrUnknownStore, storeID)
	}
	return e.store, e.pub, nil
}

// Stores lists the registered stores ordered by ID.
func (r *Registry) Stores() []domain.Store {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Store, 0, len(r.stores))
	for _, e := range r.stores {
		out = append(out, e.store)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HealthCheck probes every publisher; the value is "ok" or the error text.
func (r *Registry) HealthCheck(ctx context.Context) map[string]string {
	r.mu.RLock()
	entries := make([]registered, 0, len(r.stores))
	for _, e := range r.stores {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make(map[string]string, len(entries))
	for _, e := range entries {
		if err := e.pub.HealthCheck(ctx); err != nil {
			out[e.store.ID] = err.Error()
			continue
		}
		out[e.store.ID] = "ok"
	}
	return out
}

// Build creates one publisher per store: REST when the store type's profile
// has an endpoint, Simulated otherwise.
func Build(stores map[string]domain.StoreType, profiles map[domain.StoreType]Profile, client Doer, opts ...SimulatedOption) (*Registry, error) {
	reg := NewRegistry()
	for id, st := range stores {
		prof, ok := profiles[st]
		if !ok {
			return nil, fmt.Errorf("%w: no profile for %q", domain.ErrInvalidStoreType, st)
		}
		store := domain.Store{ID: id, Type: st}
		var p ports.Publisher
		if prof.Endpoint != "" && client != nil {
			p = NewREST(st, prof, client)
		} else {
			p = NewSimulated(store, prof, opts...)
		}
		if err := reg.Register(store, p); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
