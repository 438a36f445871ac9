package app

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/voicecall/internal/app/call"
)

type ClientID string

// ManagerFactory builds the call manager of one client.
type ManagerFactory func(id ClientID) *call.Manager

// Registry keeps one independent call manager per client.
type Registry struct {
	mu       sync.RWMutex
	managers map[ClientID]*call.Manager
	factory  ManagerFactory
}

func NewRegistry(factory ManagerFactory) *Registry {
	return &Registry{
		managers: make(map[ClientID]*call.Manager),
		factory:  factory,
	}
}

func (r *Registry) GetOrCreate(id ClientID) *call.Manager {
	r.mu.RLock()
	m, ok := r.managers[id]
	r.mu.RUnlock()
	if ok {
		return m
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok = r.managers[id]; ok {
		return m
	}
	m = r.factory(id)
	r.managers[id] = m
	log.Info().Str("module", "app.registry").Str("client", string(id)).Msg("created call manager")
	return m
}

func (r *Registry) Get(id ClientID) (*call.Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.managers[id]
	return m, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.managers)
}

// Evict ends the client's call, if any, and forgets its manager.
func (r *Registry) Evict(ctx context.Context, id ClientID) error {
	r.mu.Lock()
	m, ok := r.managers[id]
	delete(r.managers, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	log.Info().Str("module", "app.registry").Str("client", string(id)).Msg("evicted call manager")
	return m.Close(ctx)
}

// CloseAll ends every call. Used on shutdown.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	all := r.managers
	r.managers = make(map[ClientID]*call.Manager)
	r.mu.Unlock()

	var (
		mu   sync.Mutex
		errs []error
		wg   conc.WaitGroup
	)
	for id, m := range all {
		wg.Go(func() {
			if err := m.Close(ctx); err != nil {
				log.Warn().Err(err).Str("module", "app.registry").Str("client", string(id)).Msg("close call manager")
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return errors.Join(errs...)
}
